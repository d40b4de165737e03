package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const (
	ed25519PrivatePEMType = "ED25519 PRIVATE KEY"
	ed25519PublicPEMType  = "ED25519 PUBLIC KEY"
)

// GenerateEd25519KeyPair creates a fresh identity signing key pair.
func GenerateEd25519KeyPair() (ed25519.PrivateKey, ed25519.PublicKey, error) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate Ed25519 keypair: %w", err)
	}
	return privateKey, publicKey, nil
}

// LoadEd25519KeyPair reads a private key PEM file and checks it against the public key file.
// The public file is rewritten when missing or stale.
func LoadEd25519KeyPair(privatePath, publicPath string) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	privateKey, err := LoadEd25519PrivateKey(privatePath)
	if err != nil {
		return nil, nil, err
	}
	publicKey := privateKey.Public().(ed25519.PublicKey)

	storedPublic, pubErr := LoadEd25519PublicKey(publicPath)
	if pubErr != nil || !bytes.Equal(storedPublic, publicKey) {
		if err := SaveEd25519PublicKey(publicPath, publicKey); err != nil {
			return nil, nil, err
		}
	}

	return privateKey, publicKey, nil
}

// SaveEd25519KeyPair writes both halves of a key pair.
func SaveEd25519KeyPair(privatePath, publicPath string, privateKey ed25519.PrivateKey) error {
	if err := SaveEd25519PrivateKey(privatePath, privateKey); err != nil {
		return err
	}
	return SaveEd25519PublicKey(publicPath, privateKey.Public().(ed25519.PublicKey))
}

// LoadEd25519PrivateKey loads an Ed25519 private key from a PEM file.
func LoadEd25519PrivateKey(path string) (ed25519.PrivateKey, error) {
	block, err := readPEMBlock(path, ed25519PrivatePEMType)
	if err != nil {
		return nil, err
	}
	if len(block) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("decode Ed25519 private PEM: invalid key size %d", len(block))
	}
	return ed25519.PrivateKey(block), nil
}

// LoadEd25519PublicKey loads an Ed25519 public key from a PEM file.
func LoadEd25519PublicKey(path string) (ed25519.PublicKey, error) {
	block, err := readPEMBlock(path, ed25519PublicPEMType)
	if err != nil {
		return nil, err
	}
	if len(block) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("decode Ed25519 public PEM: invalid key size %d", len(block))
	}
	return ed25519.PublicKey(block), nil
}

// SaveEd25519PrivateKey writes an Ed25519 private key PEM file with 0600 permissions.
func SaveEd25519PrivateKey(path string, key ed25519.PrivateKey) error {
	if len(key) != ed25519.PrivateKeySize {
		return fmt.Errorf("save Ed25519 private key: invalid key size %d", len(key))
	}
	return writePEMFile(path, ed25519PrivatePEMType, key, 0o600)
}

// SaveEd25519PublicKey writes an Ed25519 public key PEM file.
func SaveEd25519PublicKey(path string, key ed25519.PublicKey) error {
	if len(key) != ed25519.PublicKeySize {
		return fmt.Errorf("save Ed25519 public key: invalid key size %d", len(key))
	}
	return writePEMFile(path, ed25519PublicPEMType, key, 0o644)
}

// KeyFingerprint returns the truncated SHA-256 hex fingerprint of a public key.
func KeyFingerprint(publicKey []byte) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:16])
}

// FormatFingerprint returns fingerprint text grouped in chunks of 4 uppercase chars.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	if clean == "" {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(clean[i:min(i+4, len(clean))])
	}

	return b.String()
}

// IsNotExist reports whether err means a key file has not been written yet.
func IsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

func readPEMBlock(path, pemType string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", strings.ToLower(pemType), err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode %s: no PEM block", pemType)
	}
	if block.Type != pemType {
		return nil, fmt.Errorf("decode %s: unexpected type %q", pemType, block.Type)
	}
	return block.Bytes, nil
}

// writePEMFile replaces path atomically so a crash never leaves a torn key file.
func writePEMFile(path, pemType string, der []byte, perm os.FileMode) error {
	encoded := pem.EncodeToMemory(&pem.Block{Type: pemType, Bytes: der})

	tmp, err := os.CreateTemp(filepath.Dir(path), ".key-*")
	if err != nil {
		return fmt.Errorf("write %s: %w", strings.ToLower(pemType), err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", strings.ToLower(pemType), err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod %s: %w", strings.ToLower(pemType), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", strings.ToLower(pemType), err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("install %s: %w", strings.ToLower(pemType), err)
	}
	return nil
}
