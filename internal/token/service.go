package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/authforge/auth-service/internal/errdefs"
	"github.com/authforge/auth-service/internal/keyring"
)

// Config contains configuration for the token Service.
type Config struct {
	Keys     *keyring.KeyRing
	Issuer   string
	Audience string
	// AccessTTL defaults to 15 minutes, RefreshTTL to 7 days.
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	Denylist     *Denylist
	RefreshStore *RefreshStore
	Logger       *zap.Logger
}

// Service signs token pairs with the key ring's active key and validates
// presented tokens against every non-retired key.
type Service struct {
	keys       *keyring.KeyRing
	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration
	denylist   *Denylist
	refresh    *RefreshStore
	logger     *zap.Logger
}

// NewService creates a token Service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Keys == nil {
		return nil, fmt.Errorf("key ring is required")
	}
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if cfg.Audience == "" {
		return nil, fmt.Errorf("audience is required")
	}
	if cfg.Denylist == nil || cfg.RefreshStore == nil {
		return nil, fmt.Errorf("denylist and refresh store are required")
	}
	if cfg.AccessTTL == 0 {
		cfg.AccessTTL = 15 * time.Minute
	}
	if cfg.RefreshTTL == 0 {
		cfg.RefreshTTL = 7 * 24 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Service{
		keys:       cfg.Keys,
		issuer:     cfg.Issuer,
		audience:   cfg.Audience,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		denylist:   cfg.Denylist,
		refresh:    cfg.RefreshStore,
		logger:     cfg.Logger,
	}, nil
}

// IssuePair mints a fresh access/refresh pair for the subject. Both tokens
// are signed under the current key and carry its KID in the header; the
// refresh token is registered so rotation can consume it exactly once.
func (s *Service) IssuePair(ctx context.Context, subject string, roles []string) (*Pair, error) {
	kid, private, err := s.keys.CurrentSigner()
	if err != nil {
		return nil, err
	}
	now := time.Now()

	access, _, err := s.sign(kid, private, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
		Type:  TypeAccess,
		Roles: roles,
	})
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}

	refreshExpiry := now.Add(s.refreshTTL)
	refreshJTI := uuid.NewString()
	refreshToken, _, err := s.sign(kid, private, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
			ExpiresAt: jwt.NewNumericDate(refreshExpiry),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        refreshJTI,
		},
		Type: TypeRefresh,
	})
	if err != nil {
		return nil, fmt.Errorf("sign refresh token: %w", err)
	}

	if err := s.refresh.Register(ctx, refreshJTI, subject, refreshExpiry); err != nil {
		return nil, err
	}

	return &Pair{
		AccessToken:  access,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.accessTTL.Seconds()),
	}, nil
}

// ValidateAccess runs the full validation pipeline on an access token:
// structure and signature against the KID's key, temporal and identity
// claims, token type, then the denylist. The first failing stage decides
// the error; the denylist is consulted last so a revoked token still gets
// its structural problems reported first.
func (s *Service) ValidateAccess(ctx context.Context, raw string) (*Claims, error) {
	claims, err := s.parse(raw, TypeAccess)
	if err != nil {
		return nil, err
	}

	revoked, err := s.denylist.Contains(ctx, claims.ID)
	if err != nil {
		return nil, errdefs.Unavailable("token denylist").WithCause(err)
	}
	if revoked {
		return nil, errdefs.TokenRevoked()
	}
	return claims, nil
}

// ValidateRefresh validates a refresh token and checks it is still live in
// the registry. A structurally valid but unregistered token has been
// consumed or revoked; the caller treats that as a possible replay.
func (s *Service) ValidateRefresh(ctx context.Context, raw string) (*Claims, error) {
	claims, err := s.parse(raw, TypeRefresh)
	if err != nil {
		return nil, err
	}

	live, err := s.refresh.IsLive(ctx, claims.ID)
	if err != nil {
		return nil, errdefs.Unavailable("refresh registry").WithCause(err)
	}
	if !live {
		return nil, errdefs.TokenRevoked()
	}
	return claims, nil
}

// PeekClaims verifies a refresh token's signature and claims without
// consulting the registry. Used to identify the subject of a replayed token.
func (s *Service) PeekClaims(raw string) (*Claims, error) {
	return s.parse(raw, TypeRefresh)
}

// ConsumeRefresh removes the refresh token from the registry. Returns false
// when another rotation already consumed it.
func (s *Service) ConsumeRefresh(ctx context.Context, claims *Claims) (bool, error) {
	return s.refresh.Consume(ctx, claims.ID, claims.Subject)
}

// Revoke denylists an access token for its remaining lifetime.
func (s *Service) Revoke(ctx context.Context, claims *Claims) error {
	if err := s.denylist.Revoke(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
		return err
	}
	s.logger.Info("Token revoked", zap.String("jti", claims.ID), zap.String("sub", claims.Subject))
	return nil
}

// RevokeAllRefresh drops every live refresh token of the subject. Used on
// replay detection and on password change.
func (s *Service) RevokeAllRefresh(ctx context.Context, subject string) (int, error) {
	n, err := s.refresh.RevokeAll(ctx, subject)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Warn("All refresh tokens revoked for subject",
			zap.String("sub", subject), zap.Int("count", n))
	}
	return n, nil
}

func (s *Service) sign(kid string, key interface{}, claims *Claims) (string, string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	signed, err := tok.SignedString(key)
	if err != nil {
		return "", "", err
	}
	return signed, claims.ID, nil
}

// parse verifies structure, signature, temporal claims, issuer, audience,
// and token type, translating each failure to its reason tag.
func (s *Service) parse(raw string, wantType string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, s.keyfunc,
		jwt.WithValidMethods([]string{keyring.Algorithm}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
	)
	if err != nil {
		return nil, translateParseError(err)
	}
	if claims.Type != wantType {
		return nil, errdefs.InvalidToken("wrong_type")
	}
	return claims, nil
}

func (s *Service) keyfunc(tok *jwt.Token) (interface{}, error) {
	kid, ok := tok.Header["kid"].(string)
	if !ok || kid == "" {
		return nil, errdefs.InvalidToken("unknown_key")
	}
	return s.keys.VerifierFor(kid)
}

func translateParseError(err error) error {
	var typed *errdefs.Error
	if errors.As(err, &typed) {
		return typed
	}
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return errdefs.InvalidToken("expired")
	case errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return errdefs.InvalidToken("not_yet_valid")
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return errdefs.InvalidToken("wrong_audience")
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return errdefs.InvalidToken("wrong_issuer")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return errdefs.InvalidToken("bad_signature")
	default:
		return errdefs.InvalidToken("malformed").WithCause(err)
	}
}
