// Package password hashes and verifies credentials with peppered bcrypt.
package password

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/authforge/auth-service/internal/errdefs"
)

const (
	// MinLength is the minimum accepted password length.
	MinLength = 12
)

var (
	uppercaseRegex = regexp.MustCompile(`[A-Z]`)
	lowercaseRegex = regexp.MustCompile(`[a-z]`)
	numberRegex    = regexp.MustCompile(`[0-9]`)
	specialRegex   = regexp.MustCompile(`[!@#$%^&*()_+\-=\[\]{};':"\\|,.<>/?]`)
)

// Vault hashes plaintexts with a process-wide pepper and configurable bcrypt
// cost. The pepper is applied as an HMAC-SHA256 pre-hash, which also lifts
// bcrypt's 72-byte input ceiling.
type Vault struct {
	pepper []byte
	cost   int
}

// New builds a Vault. An empty pepper is allowed only outside production;
// the caller enforces that through config validation.
func New(pepper string, cost int) (*Vault, error) {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return nil, fmt.Errorf("bcrypt cost %d out of range", cost)
	}
	return &Vault{pepper: []byte(pepper), cost: cost}, nil
}

// Hash returns an opaque hash of the peppered plaintext.
func (v *Vault) Hash(plaintext string) (string, error) {
	if plaintext == "" {
		return "", fmt.Errorf("password cannot be empty")
	}
	hash, err := bcrypt.GenerateFromPassword(v.prehash(plaintext), v.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// Verify reports whether plaintext matches the stored hash. The comparison
// is constant-time with respect to the stored hash (bcrypt's own guarantee).
func (v *Vault) Verify(plaintext, stored string) bool {
	if plaintext == "" || stored == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), v.prehash(plaintext)) == nil
}

// NeedsUpgrade reports whether the stored hash was produced at a lower cost
// than currently configured. Callers rehash opportunistically on successful
// login. A malformed stored value is a SecurityError.
func (v *Vault) NeedsUpgrade(stored string) (bool, error) {
	if !strings.HasPrefix(stored, "$2") {
		return false, errdefs.Security("unrecognized password hash format")
	}
	cost, err := bcrypt.Cost([]byte(stored))
	if err != nil {
		return false, errdefs.Security("malformed password hash").WithCause(err)
	}
	return cost < v.cost, nil
}

// ValidatePolicy enforces the password strength policy: minimum length plus
// at least one uppercase, lowercase, digit, and special character.
func ValidatePolicy(plaintext string) error {
	if len(plaintext) < MinLength {
		return errdefs.WeakPassword(fmt.Sprintf("must be at least %d characters", MinLength))
	}
	if !uppercaseRegex.MatchString(plaintext) {
		return errdefs.WeakPassword("must contain an uppercase letter")
	}
	if !lowercaseRegex.MatchString(plaintext) {
		return errdefs.WeakPassword("must contain a lowercase letter")
	}
	if !numberRegex.MatchString(plaintext) {
		return errdefs.WeakPassword("must contain a digit")
	}
	if !specialRegex.MatchString(plaintext) {
		return errdefs.WeakPassword("must contain a special character")
	}
	return nil
}

// prehash folds the pepper in before bcrypt sees the input.
func (v *Vault) prehash(plaintext string) []byte {
	mac := hmac.New(sha256.New, v.pepper)
	mac.Write([]byte(plaintext))
	sum := mac.Sum(nil)
	out := make([]byte, base64.RawStdEncoding.EncodedLen(len(sum)))
	base64.RawStdEncoding.Encode(out, sum)
	return out
}
