package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"fmt"
)

const x25519PrivatePEMType = "X25519 PRIVATE KEY"

// X25519KeySize is the length of X25519 private and public keys.
const X25519KeySize = 32

var x25519Curve = ecdh.X25519()

// X25519KeyPair holds raw X25519 key bytes as consumed by the Noise handshake.
type X25519KeyPair struct {
	Private []byte
	Public  []byte
}

// GenerateX25519KeyPair creates a new X25519 key pair.
func GenerateX25519KeyPair() (X25519KeyPair, error) {
	privateKey, err := x25519Curve.GenerateKey(rand.Reader)
	if err != nil {
		return X25519KeyPair{}, fmt.Errorf("generate X25519 private key: %w", err)
	}
	return X25519KeyPair{
		Private: privateKey.Bytes(),
		Public:  privateKey.PublicKey().Bytes(),
	}, nil
}

// X25519KeyPairFromPrivate rebuilds a key pair from its private half.
func X25519KeyPairFromPrivate(private []byte) (X25519KeyPair, error) {
	privateKey, err := x25519Curve.NewPrivateKey(private)
	if err != nil {
		return X25519KeyPair{}, fmt.Errorf("parse X25519 private key: %w", err)
	}
	return X25519KeyPair{
		Private: privateKey.Bytes(),
		Public:  privateKey.PublicKey().Bytes(),
	}, nil
}

// LoadX25519KeyPair reads an X25519 private key from PEM.
func LoadX25519KeyPair(path string) (X25519KeyPair, error) {
	block, err := readPEMBlock(path, x25519PrivatePEMType)
	if err != nil {
		return X25519KeyPair{}, err
	}
	if len(block) != X25519KeySize {
		return X25519KeyPair{}, fmt.Errorf("decode X25519 PEM: invalid private key size %d", len(block))
	}
	return X25519KeyPairFromPrivate(block)
}

// SaveX25519KeyPair writes the private half of an X25519 key pair with 0600 permissions.
func SaveX25519KeyPair(path string, pair X25519KeyPair) error {
	if len(pair.Private) != X25519KeySize {
		return fmt.Errorf("save X25519 private key: invalid key size %d", len(pair.Private))
	}
	return writePEMFile(path, x25519PrivatePEMType, pair.Private, 0o600)
}
