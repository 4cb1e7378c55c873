package mfa

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
)

// RecoveryCodeCount is how many single-use codes an enrollment issues.
const RecoveryCodeCount = 10

// GenerateRecoveryCodes returns n fresh codes in XXXXX-XXXXX form. Each code
// carries 40 bits of entropy.
func GenerateRecoveryCodes(n int) ([]string, error) {
	codes := make([]string, 0, n)
	for i := 0; i < n; i++ {
		raw := make([]byte, 5)
		if _, err := rand.Read(raw); err != nil {
			return nil, fmt.Errorf("read random bytes: %w", err)
		}
		hexed := hex.EncodeToString(raw)
		codes = append(codes, strings.ToUpper(hexed[:5]+"-"+hexed[5:]))
	}
	return codes, nil
}

// HashRecoveryCode returns the storable digest of one code. Codes are
// normalized before hashing so user input survives case and whitespace noise.
func HashRecoveryCode(code string) string {
	sum := sha256.Sum256([]byte(normalizeRecoveryCode(code)))
	return hex.EncodeToString(sum[:])
}

// HashRecoveryCodes digests a full code set.
func HashRecoveryCodes(codes []string) []string {
	out := make([]string, len(codes))
	for i, c := range codes {
		out[i] = HashRecoveryCode(c)
	}
	return out
}

// MatchRecoveryCode finds the stored hash matching the presented code and
// returns its index, or -1. The caller removes the matched hash to enforce
// single use.
func MatchRecoveryCode(code string, hashes []string) int {
	digest := []byte(HashRecoveryCode(code))
	match := -1
	// Compare against every hash so timing does not reveal the match position.
	for i, h := range hashes {
		if subtle.ConstantTimeCompare(digest, []byte(h)) == 1 {
			match = i
		}
	}
	return match
}

func normalizeRecoveryCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
