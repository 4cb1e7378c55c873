package rest

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pquerna/otp/totp"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/authforge/auth-service/internal/admin"
	"github.com/authforge/auth-service/internal/authflow"
	"github.com/authforge/auth-service/internal/keyring"
	"github.com/authforge/auth-service/internal/mfa"
	"github.com/authforge/auth-service/internal/password"
	"github.com/authforge/auth-service/internal/ratelimit"
	"github.com/authforge/auth-service/internal/rbac"
	"github.com/authforge/auth-service/internal/store"
	"github.com/authforge/auth-service/internal/token"
)

const (
	adminEmail   = "admin@example.com"
	plainEmail   = "plain@example.com"
	testPassword = "Correct-Horse-Battery-1!"
)

type restFixture struct {
	srv    *Server
	st     *store.Memory
	tokens *token.Service
	mr     *miniredis.Miniredis
}

func newRESTFixture(t *testing.T, limiter *ratelimit.Limiter) *restFixture {
	t.Helper()

	dir := t.TempDir()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	privPath := filepath.Join(dir, "private.pem")
	require.NoError(t, os.WriteFile(privPath, pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}), 0o600))
	keys, err := keyring.New(keyring.Config{PrivateKeyPath: privPath})
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), DisableIndentity: true})
	t.Cleanup(func() { client.Close() })

	tokens, err := token.NewService(token.Config{
		Keys:         keys,
		Issuer:       "https://auth.test",
		Audience:     "authforge-api",
		AccessTTL:    15 * time.Minute,
		RefreshTTL:   time.Hour,
		Denylist:     token.NewDenylist(client),
		RefreshStore: token.NewRefreshStore(client),
	})
	require.NoError(t, err)

	engine, err := mfa.NewEngine(mfa.Config{Issuer: "authforge-test", Redis: client})
	require.NoError(t, err)

	vault, err := password.New("test-pepper", bcrypt.MinCost)
	require.NoError(t, err)

	st := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, st.Permissions().Create(ctx, &store.Permission{ID: "p-all", Name: "*:*"}))
	require.NoError(t, st.Roles().Create(ctx, &store.Role{ID: "r-admin", Name: "admin", IsSystem: true}))
	require.NoError(t, st.Roles().AttachPermission(ctx, "r-admin", "p-all"))

	hash, err := vault.Hash(testPassword)
	require.NoError(t, err)
	for _, u := range []struct{ id, email string }{
		{"u-admin", adminEmail},
		{"u-plain", plainEmail},
	} {
		require.NoError(t, st.Users().Create(ctx, &store.User{
			ID: u.id, Email: u.email, PasswordHash: hash, IsActive: true,
		}))
	}
	require.NoError(t, st.Users().SetRoles(ctx, "u-admin", []string{"r-admin"}))

	flows, err := authflow.New(authflow.Config{
		Store:  st,
		Vault:  vault,
		MFA:    engine,
		Tokens: tokens,
		RoleName: func(ctx context.Context, roleID string) (string, error) {
			role, err := st.Roles().GetByID(ctx, roleID)
			if err != nil {
				return "", err
			}
			return role.Name, nil
		},
		AttemptLimit: 5,
		Lockout:      15 * time.Minute,
	})
	require.NoError(t, err)

	cache := rbac.NewCache(client, 5*time.Minute, nil, nil)
	evaluator := rbac.NewEvaluator(st, cache, nil, nil, nil)
	adminCoord := admin.New(st, vault, evaluator, cache, tokens, nil, nil)

	srv, err := New(DefaultConfig(), flows, adminCoord, tokens, keys, limiter, nil, nil)
	require.NoError(t, err)

	return &restFixture{srv: srv, st: st, tokens: tokens, mr: mr}
}

func (f *restFixture) do(t *testing.T, method, path string, body interface{}, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	return w
}

func (f *restFixture) login(t *testing.T, email string) *token.Pair {
	t.Helper()
	w := f.do(t, http.MethodPost, "/v1/auth/login", map[string]string{
		"email": email, "password": testPassword,
	}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var pair token.Pair
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pair))
	return &pair
}

func decodeErrorBody(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestHealthEndpoint(t *testing.T) {
	f := newRESTFixture(t, nil)
	w := f.do(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestJWKSEndpoint(t *testing.T) {
	f := newRESTFixture(t, nil)
	w := f.do(t, http.MethodGet, "/.well-known/jwks.json", nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	var doc struct {
		Keys []map[string]interface{} `json:"keys"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	require.Len(t, doc.Keys, 1)
	assert.Equal(t, "RSA", doc.Keys[0]["kty"])
	assert.Equal(t, "RS256", doc.Keys[0]["alg"])
	assert.Equal(t, "sig", doc.Keys[0]["use"])
	assert.NotEmpty(t, doc.Keys[0]["kid"])
	assert.NotEmpty(t, doc.Keys[0]["n"])

	// The same document is served under the versioned path.
	wellKnown := w.Body.String()
	w = f.do(t, http.MethodGet, "/v1/jwks.json", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, wellKnown, w.Body.String())
}

func TestLoginReturnsTokenPair(t *testing.T) {
	f := newRESTFixture(t, nil)
	pair := f.login(t, plainEmail)

	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)
	assert.Equal(t, "Bearer", pair.TokenType)
	assert.Equal(t, int64(900), pair.ExpiresIn)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	f := newRESTFixture(t, nil)

	w := f.do(t, http.MethodPost, "/v1/auth/login", map[string]string{
		"email": plainEmail, "password": "wrong-password",
	}, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "InvalidCredentials", decodeErrorBody(t, w).Error)

	// Unknown accounts get the same answer as wrong passwords.
	w = f.do(t, http.MethodPost, "/v1/auth/login", map[string]string{
		"email": "nobody@example.com", "password": testPassword,
	}, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "InvalidCredentials", decodeErrorBody(t, w).Error)
}

func TestLoginValidatesBody(t *testing.T) {
	f := newRESTFixture(t, nil)

	w := f.do(t, http.MethodPost, "/v1/auth/login", map[string]string{"email": plainEmail}, "")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "ValidationError", decodeErrorBody(t, w).Error)
}

func TestLoginLockoutSetsRetryAfter(t *testing.T) {
	f := newRESTFixture(t, nil)

	for i := 0; i < 5; i++ {
		w := f.do(t, http.MethodPost, "/v1/auth/login", map[string]string{
			"email": plainEmail, "password": "wrong-password",
		}, "")
		require.Equal(t, http.StatusUnauthorized, w.Code, "attempt %d", i)
	}

	// Even the correct password is refused while locked.
	w := f.do(t, http.MethodPost, "/v1/auth/login", map[string]string{
		"email": plainEmail, "password": testPassword,
	}, "")
	assert.Equal(t, http.StatusLocked, w.Code)
	assert.Equal(t, "AccountLocked", decodeErrorBody(t, w).Error)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestRefreshRotatesPair(t *testing.T) {
	f := newRESTFixture(t, nil)
	pair := f.login(t, plainEmail)

	w := f.do(t, http.MethodPost, "/v1/auth/refresh", map[string]string{
		"refresh_token": pair.RefreshToken,
	}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var rotated token.Pair
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rotated))
	assert.NotEmpty(t, rotated.AccessToken)
	assert.NotEqual(t, pair.RefreshToken, rotated.RefreshToken)

	// The consumed token is single-use.
	w = f.do(t, http.MethodPost, "/v1/auth/refresh", map[string]string{
		"refresh_token": pair.RefreshToken,
	}, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLogoutRevokesAccessToken(t *testing.T) {
	f := newRESTFixture(t, nil)
	pair := f.login(t, plainEmail)

	w := f.do(t, http.MethodPost, "/v1/auth/logout", map[string]string{
		"refresh_token": pair.RefreshToken,
	}, pair.AccessToken)
	require.Equal(t, http.StatusNoContent, w.Code)

	// The revoked access token no longer opens authenticated routes.
	w = f.do(t, http.MethodPost, "/v1/auth/logout", nil, pair.AccessToken)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "TokenRevoked", decodeErrorBody(t, w).Error)
}

func TestAuthMiddleware(t *testing.T) {
	f := newRESTFixture(t, nil)

	w := f.do(t, http.MethodGet, "/v1/users", nil, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, http.MethodGet, "/v1/users", nil, "not-a-jwt")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "InvalidToken", decodeErrorBody(t, w).Error)

	// A refresh token is the wrong type for resource access.
	pair := f.login(t, adminEmail)
	w = f.do(t, http.MethodGet, "/v1/users", nil, pair.RefreshToken)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminRoutesEnforcePermissions(t *testing.T) {
	f := newRESTFixture(t, nil)
	plain := f.login(t, plainEmail)

	w := f.do(t, http.MethodGet, "/v1/users", nil, plain.AccessToken)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "PermissionDenied", decodeErrorBody(t, w).Error)

	// Reading your own record is exempt from the users:read check.
	w = f.do(t, http.MethodGet, "/v1/users/u-plain", nil, plain.AccessToken)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestUserCRUDOverHTTP(t *testing.T) {
	f := newRESTFixture(t, nil)
	adminTok := f.login(t, adminEmail).AccessToken

	w := f.do(t, http.MethodPost, "/v1/users", map[string]interface{}{
		"email":    "bob@example.com",
		"password": testPassword,
		"role_ids": []string{"r-admin"},
	}, adminTok)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created UserResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "bob@example.com", created.Email)
	require.Len(t, created.Roles, 1)
	assert.Equal(t, "admin", created.Roles[0].Name)

	// Duplicate email conflicts.
	w = f.do(t, http.MethodPost, "/v1/users", map[string]interface{}{
		"email": "bob@example.com", "password": testPassword,
	}, adminTok)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, http.MethodGet, "/v1/users/"+created.ID, nil, adminTok)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPatch, "/v1/users/"+created.ID, map[string]interface{}{
		"is_active": false,
	}, adminTok)
	require.Equal(t, http.StatusOK, w.Code)
	var updated UserResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &updated))
	assert.False(t, updated.IsActive)

	w = f.do(t, http.MethodDelete, "/v1/users/"+created.ID, nil, adminTok)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = f.do(t, http.MethodGet, "/v1/users/"+created.ID, nil, adminTok)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NotFound", decodeErrorBody(t, w).Error)
}

func TestListUsersPagination(t *testing.T) {
	f := newRESTFixture(t, nil)
	adminTok := f.login(t, adminEmail).AccessToken

	for i := 0; i < 3; i++ {
		w := f.do(t, http.MethodPost, "/v1/users", map[string]interface{}{
			"email":    fmt.Sprintf("user-%d@example.com", i),
			"password": testPassword,
		}, adminTok)
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := f.do(t, http.MethodGet, "/v1/users?offset=1&limit=2", nil, adminTok)
	require.Equal(t, http.StatusOK, w.Code)

	var page struct {
		Users []UserResponse `json:"users"`
		Meta  ListMeta       `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Len(t, page.Users, 2)
	assert.Equal(t, 5, page.Meta.Total) // two seeded plus three created
	assert.Equal(t, 1, page.Meta.Offset)
	assert.Equal(t, 2, page.Meta.Limit)
}

func TestRoleLifecycleOverHTTP(t *testing.T) {
	f := newRESTFixture(t, nil)
	adminTok := f.login(t, adminEmail).AccessToken

	w := f.do(t, http.MethodPost, "/v1/permissions", map[string]string{
		"name": "reports:read",
	}, adminTok)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var perm PermissionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &perm))

	w = f.do(t, http.MethodPost, "/v1/roles", map[string]interface{}{
		"name":           "analyst",
		"description":    "reads reports",
		"permission_ids": []string{perm.ID},
	}, adminTok)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var role RoleResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &role))
	assert.Equal(t, "analyst", role.Name)
	assert.Equal(t, []string{perm.ID}, role.PermissionIDs)

	// Permission names outside scope:action are refused.
	w = f.do(t, http.MethodPost, "/v1/permissions", map[string]string{
		"name": "Not A Permission",
	}, adminTok)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = f.do(t, http.MethodDelete, "/v1/roles/"+role.ID+"/permissions/"+perm.ID, nil, adminTok)
	assert.Equal(t, http.StatusNoContent, w.Code)

	// System roles cannot be deleted over the API.
	w = f.do(t, http.MethodDelete, "/v1/roles/r-admin", nil, adminTok)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = f.do(t, http.MethodDelete, "/v1/roles/"+role.ID, nil, adminTok)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestPermissionReadAndUpdateOverHTTP(t *testing.T) {
	f := newRESTFixture(t, nil)
	adminTok := f.login(t, adminEmail).AccessToken

	w := f.do(t, http.MethodPost, "/v1/permissions", map[string]string{
		"name": "reports:read", "description": "Read reports",
	}, adminTok)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var perm PermissionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &perm))

	w = f.do(t, http.MethodGet, "/v1/permissions/"+perm.ID, nil, adminTok)
	require.Equal(t, http.StatusOK, w.Code)
	var got PermissionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "reports:read", got.Name)
	assert.Equal(t, "Read reports", got.Description)

	w = f.do(t, http.MethodPatch, "/v1/permissions/"+perm.ID, map[string]string{
		"description": "Read any report",
	}, adminTok)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var updated PermissionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &updated))
	assert.Equal(t, "Read any report", updated.Description)
	assert.Equal(t, "reports:read", updated.Name)

	// The body must carry a description.
	w = f.do(t, http.MethodPatch, "/v1/permissions/"+perm.ID, map[string]string{}, adminTok)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "ValidationError", decodeErrorBody(t, w).Error)

	w = f.do(t, http.MethodGet, "/v1/permissions/ghost", nil, adminTok)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NotFound", decodeErrorBody(t, w).Error)
}

func TestRoleCycleConflictsOverHTTP(t *testing.T) {
	f := newRESTFixture(t, nil)
	adminTok := f.login(t, adminEmail).AccessToken

	w := f.do(t, http.MethodPost, "/v1/roles", map[string]string{"name": "parent"}, adminTok)
	require.Equal(t, http.StatusCreated, w.Code)
	var parent RoleResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &parent))

	w = f.do(t, http.MethodPost, "/v1/roles", map[string]interface{}{
		"name": "child", "parent_id": parent.ID,
	}, adminTok)
	require.Equal(t, http.StatusCreated, w.Code)
	var child RoleResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &child))

	w = f.do(t, http.MethodPatch, "/v1/roles/"+parent.ID, map[string]interface{}{
		"parent_id": child.ID,
	}, adminTok)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "RoleCycle", decodeErrorBody(t, w).Error)

	// A role with children conflicts on delete.
	w = f.do(t, http.MethodDelete, "/v1/roles/"+parent.ID, nil, adminTok)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "RoleInUse", decodeErrorBody(t, w).Error)
}

func TestMFAFlowOverHTTP(t *testing.T) {
	f := newRESTFixture(t, nil)
	tok := f.login(t, plainEmail).AccessToken

	w := f.do(t, http.MethodPost, "/v1/auth/mfa/setup", nil, tok)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var setup MFASetupResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &setup))
	assert.NotEmpty(t, setup.Secret)
	assert.Contains(t, setup.ProvisioningURI, "otpauth://totp/")
	assert.Len(t, setup.RecoveryCodes, 10)

	// A wrong code does not enable MFA.
	w = f.do(t, http.MethodPost, "/v1/auth/mfa/verify", map[string]string{"code": "000000"}, tok)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "InvalidMFACode", decodeErrorBody(t, w).Error)

	// Until verification succeeds, login still needs only the password.
	f.login(t, plainEmail)
}

func TestLoginWithMFASecondLeg(t *testing.T) {
	f := newRESTFixture(t, nil)
	tok := f.login(t, plainEmail).AccessToken

	w := f.do(t, http.MethodPost, "/v1/auth/mfa/setup", nil, tok)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var setup MFASetupResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &setup))

	code, err := totp.GenerateCode(setup.Secret, time.Now())
	require.NoError(t, err)
	w = f.do(t, http.MethodPost, "/v1/auth/mfa/verify", map[string]string{"code": code}, tok)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// First leg without a code: accepted but not authenticated.
	w = f.do(t, http.MethodPost, "/v1/auth/login", map[string]string{
		"email": plainEmail, "password": testPassword,
	}, "")
	assert.Equal(t, http.StatusAccepted, w.Code)
	body := decodeErrorBody(t, w)
	assert.Equal(t, "MFARequired", body.Error)
	assert.Equal(t, true, body.Details["mfa_required"])

	// Second leg with a fresh TOTP code completes the login.
	code, err = totp.GenerateCode(setup.Secret, time.Now())
	require.NoError(t, err)
	w = f.do(t, http.MethodPost, "/v1/auth/login", map[string]string{
		"email": plainEmail, "password": testPassword, "mfa_code": code,
	}, "")
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestRateLimitedLoginReturns429(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), DisableIndentity: true})
	t.Cleanup(func() { client.Close() })
	limiter := ratelimit.NewLimiter(client, &ratelimit.Config{
		DefaultRPS:  100,
		AuthRPS:     2,
		BurstFactor: 1,
		Window:      time.Second,
		KeyPrefix:   "ratelimit",
	})

	f := newRESTFixture(t, limiter)

	for i := 0; i < 2; i++ {
		w := f.do(t, http.MethodPost, "/v1/auth/login", map[string]string{
			"email": plainEmail, "password": testPassword,
		}, "")
		require.Equal(t, http.StatusOK, w.Code, "request %d", i)
	}

	w := f.do(t, http.MethodPost, "/v1/auth/login", map[string]string{
		"email": plainEmail, "password": testPassword,
	}, "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "RateLimited", decodeErrorBody(t, w).Error)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}
