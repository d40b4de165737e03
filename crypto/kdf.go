package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// KDFParams are argon2id work factors.
type KDFParams struct {
	Time    uint32
	Memory  uint32
	Threads uint8
	KeyLen  uint32
}

// DefaultKDFParams is the work factor used for key backups.
var DefaultKDFParams = KDFParams{
	Time:    3,
	Memory:  64 * 1024,
	Threads: 4,
	KeyLen:  AES256KeySize,
}

// DeriveKey stretches a passphrase into a symmetric key with argon2id.
func DeriveKey(passphrase, salt []byte, params KDFParams) ([]byte, error) {
	if len(passphrase) == 0 {
		return nil, errors.New("passphrase is required")
	}
	if len(salt) == 0 {
		return nil, errors.New("salt is required")
	}
	return argon2.IDKey(passphrase, salt, params.Time, params.Memory, params.Threads, params.KeyLen), nil
}

// RandomBytes returns n bytes from the system CSPRNG.
func RandomBytes(n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := rand.Read(out); err != nil {
		return nil, fmt.Errorf("read random bytes: %w", err)
	}
	return out, nil
}
