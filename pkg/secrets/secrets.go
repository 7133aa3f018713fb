package secrets

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	dErrors "trustlayer/pkg/domain-errors"
)

// MinSigningSecretLength is the shortest signing secret accepted in production.
const MinSigningSecretLength = 32

// RandomBytes returns n bytes from the operating system CSPRNG.
func RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "could not read random bytes")
	}
	return buf, nil
}

// NewTokenID returns a fresh 128-bit hex identifier suitable for a jti claim.
func NewTokenID() (string, error) {
	buf, err := RandomBytes(16)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// KeyedHash computes a hex HMAC-SHA256 over parts. Each part is length
// prefixed so ("ab","c") and ("a","bc") never collide.
func KeyedHash(key []byte, parts ...string) string {
	mac := hmac.New(sha256.New, key)
	var size [8]byte
	for _, p := range parts {
		binary.BigEndian.PutUint64(size[:], uint64(len(p)))
		mac.Write(size[:])
		mac.Write([]byte(p))
	}
	return hex.EncodeToString(mac.Sum(nil))
}

// Hash computes an unkeyed, length-prefixed SHA-256 over parts.
func Hash(parts ...string) string {
	h := sha256.New()
	var size [8]byte
	for _, p := range parts {
		binary.BigEndian.PutUint64(size[:], uint64(len(p)))
		h.Write(size[:])
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// DeriveKey expands secret into a purpose-bound subkey using HKDF-SHA256,
// so one configured secret never serves two purposes directly.
func DeriveKey(secret []byte, purpose string, size int) ([]byte, error) {
	if len(secret) == 0 {
		return nil, dErrors.New(dErrors.CodeConfiguration, "cannot derive key from empty secret")
	}
	out := make([]byte, size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(purpose)), out); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "could not derive key")
	}
	return out, nil
}

// Equal reports whether a and b are equal using constant-time comparison.
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ValidateSigningSecret rejects missing or short signing secrets.
func ValidateSigningSecret(name, secret string) error {
	if secret == "" {
		return dErrors.New(dErrors.CodeConfiguration, fmt.Sprintf("%s is not configured", name))
	}
	if len(secret) < MinSigningSecretLength {
		return dErrors.New(dErrors.CodeConfiguration,
			fmt.Sprintf("%s must be at least %d characters", name, MinSigningSecretLength))
	}
	return nil
}
