package keyring

import (
	"encoding/base64"
	"math/big"
	"time"
)

// JWKS is the published JSON Web Key Set.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWK is one RSA verification key. N and E are base64url-encoded big-endian
// unsigned integers without padding, per RFC 7518 §6.3.
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
	Exp int64  `json:"exp,omitempty"`
}

// JWKS returns the public materials of every active-signing and verify-only
// key, newest first. Relying parties poll this to validate tokens locally.
func (kr *KeyRing) JWKS() *JWKS {
	keys := kr.Keys()
	set := &JWKS{Keys: make([]JWK, 0, len(keys))}
	now := time.Now()

	for _, k := range keys {
		if k.State(now) == StateRetired {
			continue
		}
		set.Keys = append(set.Keys, JWK{
			Kty: "RSA",
			Use: "sig",
			Alg: Algorithm,
			Kid: k.KID,
			N:   base64.RawURLEncoding.EncodeToString(k.public.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(k.public.E)).Bytes()),
			Exp: k.ExpiresAt.Unix(),
		})
	}
	return set
}
