package access

import (
	"crypto/subtle"
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// HashPassword returns the stored form of a plaintext credential.
func HashPassword(plain string) string {
	sum := blake3.Sum256([]byte(plain))
	return hex.EncodeToString(sum[:])
}

// CheckPassword reports whether plain hashes to stored. Empty credentials
// and an empty stored hash never match. The comparison is constant-time.
func CheckPassword(plain, stored string) bool {
	if plain == "" || stored == "" {
		return false
	}
	got := HashPassword(plain)
	return subtle.ConstantTimeCompare([]byte(got), []byte(stored)) == 1
}
