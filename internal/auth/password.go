package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 100_000
	pbkdf2KeyLen     = 32
	saltLen          = 16
)

// Internal rejection causes. They are wrapped in gateway.ErrAuthentication
// and only ever logged.
var (
	errUnknownUser  = errors.New("unknown user")
	errBadPassword  = errors.New("password mismatch")
	errUserDisabled = errors.New("user disabled")
	errKeyMalformed = errors.New("malformed api key")
	errKeyUnknown   = errors.New("unknown api key")
	errKeyMismatch  = errors.New("api key hash mismatch")
	errKeyDisabled  = errors.New("api key disabled")
	errKeyRevoked   = errors.New("api key revoked")
	errKeyExpired   = errors.New("api key expired")
	errKeyOwner     = errors.New("api key owner missing or disabled")
	errTokenInvalid = errors.New("invalid session token")
	errTokenExpired = errors.New("session token expired")
)

// dummyHash is verified against for unknown users.
const dummyHash = "00000000000000000000000000000000$0000000000000000000000000000000000000000000000000000000000000000"

// HashPassword returns "salt$hash" using PBKDF2-HMAC-SHA256 with a random
// 16-byte salt.
func HashPassword(password string) (string, error) {
	b := make([]byte, saltLen)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	salt := hex.EncodeToString(b)
	return salt + "$" + derive(password, salt), nil
}

// VerifyPassword reports whether password matches a "salt$hash" string.
func VerifyPassword(password, stored string) bool {
	salt, want, ok := strings.Cut(stored, "$")
	if !ok {
		return false
	}
	got := derive(password, salt)
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func derive(password, salt string) string {
	return hex.EncodeToString(pbkdf2.Key([]byte(password), []byte(salt), pbkdf2Iterations, pbkdf2KeyLen, sha256.New))
}
