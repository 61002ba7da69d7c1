package account

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"

	"golang.org/x/crypto/scrypt"
)

// scrypt cost parameters; these match the common N=16384, r=8, p=1 profile so
// documents written by earlier deployments keep verifying.
var scryptN = 1 << 14

const (
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 64
	saltBytes    = 16
)

// NewSalt returns 16 random bytes, hex encoded.
func NewSalt() (string, error) {
	buf := make([]byte, saltBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// HashPassword derives the hex scrypt hash of password. The salt string's bytes
// are used as-is.
//
// Postcondition: Returns a 128-character hex string.
func HashPassword(password, salt string) string {
	key, err := scrypt.Key([]byte(password), []byte(salt), scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		// Only reachable with invalid cost parameters.
		panic(err)
	}
	return hex.EncodeToString(key)
}

// CheckPassword reports whether password hashes to hash under salt.
func CheckPassword(password, salt, hash string) bool {
	got := HashPassword(password, salt)
	return subtle.ConstantTimeCompare([]byte(got), []byte(hash)) == 1
}
