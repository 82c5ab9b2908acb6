package secret

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// argonParams is the cost set stored alongside each client secret hash.
// Hashes keep their own parameters, so raising the defaults only affects
// secrets issued or rotated afterwards.
type argonParams struct {
	memory  uint32
	time    uint32
	threads uint8
	keyLen  uint32
}

var clientSecretParams = argonParams{memory: 64 * 1024, time: 1, threads: 4, keyLen: 32}

const (
	saltLen = 16
	// upper bound on the memory cost accepted from a stored hash, in KiB
	maxArgonMemory = 1 << 20
)

var b64 = base64.RawStdEncoding

// Hash derives an Argon2id key from the value and returns it in PHC string
// form. Client secrets are stored this way because they are only ever
// verified, never looked up.
func (v Value) Hash() (string, error) {
	if v.IsZero() {
		return "", ErrEmpty
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	p := clientSecretParams
	key := argon2.IDKey([]byte(v.raw), salt, p.time, p.memory, p.threads, p.keyLen)
	return p.encode(salt, key), nil
}

// Verify recomputes the key with the parameters recorded in encoded.
// Malformed or foreign hashes never verify.
func (v Value) Verify(encoded string) bool {
	if v.IsZero() {
		return false
	}
	p, salt, key, ok := decodeArgonHash(encoded)
	if !ok {
		return false
	}
	check := argon2.IDKey([]byte(v.raw), salt, p.time, p.memory, p.threads, p.keyLen)
	return subtle.ConstantTimeCompare(key, check) == 1
}

func (p argonParams) encode(salt, key []byte) string {
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.memory, p.time, p.threads,
		b64.EncodeToString(salt), b64.EncodeToString(key))
}

// decodeArgonHash splits "$argon2id$v=19$m=..,t=..,p=..$salt$key".
func decodeArgonHash(encoded string) (argonParams, []byte, []byte, bool) {
	var p argonParams
	fields := strings.Split(encoded, "$")
	if len(fields) != 6 || fields[0] != "" || fields[1] != "argon2id" {
		return p, nil, nil, false
	}

	var version int
	if _, err := fmt.Sscanf(fields[2], "v=%d", &version); err != nil || version != argon2.Version {
		return p, nil, nil, false
	}
	if _, err := fmt.Sscanf(fields[3], "m=%d,t=%d,p=%d", &p.memory, &p.time, &p.threads); err != nil {
		return p, nil, nil, false
	}
	if p.memory == 0 || p.memory > maxArgonMemory || p.time == 0 || p.threads == 0 {
		return p, nil, nil, false
	}

	salt, err := b64.DecodeString(fields[4])
	if err != nil || len(salt) == 0 {
		return p, nil, nil, false
	}
	key, err := b64.DecodeString(fields[5])
	if err != nil || len(key) == 0 {
		return p, nil, nil, false
	}
	p.keyLen = uint32(len(key))
	return p, salt, key, true
}
