// Package secret holds credential material that may be hashed or compared
// but never rendered. Every formatting and encoding path of Value yields a
// redaction marker instead of the plaintext.
package secret

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
)

const redacted = "[REDACTED]"

var ErrEmpty = errors.New("secret is empty")

// Value is a write-only credential. The zero value is empty.
type Value struct {
	raw string
}

// New returns a random base64url value carrying nbytes of entropy.
func New(nbytes int) (Value, error) {
	if nbytes <= 0 {
		return Value{}, ErrEmpty
	}
	buf := make([]byte, nbytes)
	if _, err := rand.Read(buf); err != nil {
		return Value{}, err
	}
	return Value{raw: base64.RawURLEncoding.EncodeToString(buf)}, nil
}

// NewHex is like New but hex encodes the random bytes.
func NewHex(nbytes int) (Value, error) {
	if nbytes <= 0 {
		return Value{}, ErrEmpty
	}
	buf := make([]byte, nbytes)
	if _, err := rand.Read(buf); err != nil {
		return Value{}, err
	}
	return Value{raw: hex.EncodeToString(buf)}, nil
}

// FromString wraps a credential received from a caller.
func FromString(raw string) Value {
	return Value{raw: raw}
}

func (v Value) IsZero() bool {
	return v.raw == ""
}

// Digest returns the lowercase hex SHA-256 of the value. This is the only
// form tokens and codes are persisted in.
func (v Value) Digest() string {
	return Digest(v.raw)
}

// Reveal returns the plaintext. Call it only where the value is handed
// back to its owner exactly once.
func (v Value) Reveal() string {
	return v.raw
}

func (v Value) String() string {
	return redacted
}

func (v Value) GoString() string {
	return redacted
}

func (v Value) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}

func (v Value) MarshalText() ([]byte, error) {
	return []byte(redacted), nil
}

// Digest hashes a plaintext the same way Value.Digest does.
func Digest(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
