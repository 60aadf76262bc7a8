package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// NewRefreshToken returns an opaque 256-bit random string. Refresh
// tokens are never derived from user-visible data and never reused.
func NewRefreshToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate refresh token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashRefreshToken derives the storage key for a refresh token. Only
// this hash is persisted, so a leaked sessions table cannot be replayed.
func HashRefreshToken(token, pepper string) string {
	sum := sha256.Sum256([]byte(token + pepper))
	return hex.EncodeToString(sum[:])
}

// NewVerificationToken returns an opaque token for email-verification
// and password-reset links.
func NewVerificationToken() string {
	return uuid.NewString()
}

const otpDigits = 6

// NewOTPCode returns a fixed-length numeric one-time passcode.
func NewOTPCode() (string, error) {
	max := big.NewInt(1)
	for i := 0; i < otpDigits; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("generate otp: %w", err)
	}
	return fmt.Sprintf("%0*d", otpDigits, n), nil
}

// ConstantTimeEquals compares two short secrets without leaking the
// position of the first differing byte.
func ConstantTimeEquals(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
