// Package token issues and validates the signed bearer credentials.
package token

import (
	"github.com/golang-jwt/jwt/v5"
)

const (
	// TypeAccess marks short-lived credentials presented on every request.
	TypeAccess = "access"
	// TypeRefresh marks the long-lived credential exchanged for new pairs.
	TypeRefresh = "refresh"
)

// Claims is the claim set carried by both token types. Access tokens embed
// the subject's role names so resource servers can evaluate coarse checks
// without a callback; refresh tokens carry no roles.
type Claims struct {
	jwt.RegisteredClaims
	Type  string   `json:"typ"`
	Roles []string `json:"roles,omitempty"`
}

// Pair is an issued access/refresh credential pair.
type Pair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}
