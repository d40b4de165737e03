// Package backup seals long-term key material under a passphrase.
package backup

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"peerlink/crypto"
	"peerlink/models"
)

const (
	// FormatVersion is the only envelope version this package writes and reads.
	FormatVersion uint16 = 1
	// SaltSize is the KDF salt length stored in every bundle.
	SaltSize = 32

	gcmTagSize = 16
)

// ErrBackup is returned for any restore failure. Wrong passphrases and
// corrupted bundles are deliberately indistinguishable.
var ErrBackup = errors.New("backup: cannot restore bundle")

// Bundle is an immutable encrypted snapshot of key material.
type Bundle struct {
	Version          uint16
	Salt             []byte
	EncryptedPayload []byte
	Timestamp        int64
}

// Codec creates and restores bundles with a fixed KDF work factor.
type Codec struct {
	KDF crypto.KDFParams
	Now func() time.Time
}

// DefaultCodec uses the production argon2id work factor.
var DefaultCodec = Codec{KDF: crypto.DefaultKDFParams}

// CreateBackup seals key material under passphrase with DefaultCodec.
func CreateBackup(identityKey, signedPreKey models.KeyPair, oneTimePreKeys map[string]models.KeyPair, passphrase []byte) (*Bundle, error) {
	return DefaultCodec.CreateBackup(identityKey, signedPreKey, oneTimePreKeys, passphrase)
}

// RestoreBackup opens bundle with DefaultCodec.
func RestoreBackup(bundle *Bundle, passphrase []byte) (*models.KeyMaterial, error) {
	return DefaultCodec.RestoreBackup(bundle, passphrase)
}

// CreateBackup derives a key from passphrase and a fresh salt, then seals the
// serialized key material with the envelope header as additional data.
func (c Codec) CreateBackup(identityKey, signedPreKey models.KeyPair, oneTimePreKeys map[string]models.KeyPair, passphrase []byte) (*Bundle, error) {
	if len(passphrase) == 0 {
		return nil, errors.New("backup: passphrase is required")
	}
	if len(identityKey.Private) == 0 || len(signedPreKey.Private) == 0 {
		return nil, errors.New("backup: identity key and signed pre-key are required")
	}
	if oneTimePreKeys == nil {
		oneTimePreKeys = map[string]models.KeyPair{}
	}

	plaintext, err := json.Marshal(models.KeyMaterial{
		IdentityKey:    identityKey,
		SignedPreKey:   signedPreKey,
		OneTimePreKeys: oneTimePreKeys,
	})
	if err != nil {
		return nil, fmt.Errorf("backup: serialize key material: %w", err)
	}
	defer wipe(plaintext)

	salt, err := crypto.RandomBytes(SaltSize)
	if err != nil {
		return nil, err
	}
	key, err := crypto.DeriveKey(passphrase, salt, c.KDF)
	if err != nil {
		return nil, fmt.Errorf("backup: derive key: %w", err)
	}
	defer wipe(key)

	bundle := &Bundle{
		Version:   FormatVersion,
		Salt:      salt,
		Timestamp: c.now().UnixMilli(),
	}
	nonce, ciphertext, err := crypto.Seal(key, plaintext, bundle.header())
	if err != nil {
		return nil, fmt.Errorf("backup: seal key material: %w", err)
	}
	bundle.EncryptedPayload = append(nonce, ciphertext...)
	return bundle, nil
}

// RestoreBackup re-derives the key from the bundle salt and decrypts it.
// The bundle is never modified.
func (c Codec) RestoreBackup(bundle *Bundle, passphrase []byte) (*models.KeyMaterial, error) {
	if !Validate(bundle) || len(passphrase) == 0 {
		return nil, ErrBackup
	}

	key, err := crypto.DeriveKey(passphrase, bundle.Salt, c.KDF)
	if err != nil {
		return nil, ErrBackup
	}
	defer wipe(key)

	nonce := bundle.EncryptedPayload[:crypto.GCMNonceSize]
	ciphertext := bundle.EncryptedPayload[crypto.GCMNonceSize:]
	plaintext, err := crypto.Open(key, nonce, ciphertext, bundle.header())
	if err != nil {
		return nil, ErrBackup
	}
	defer wipe(plaintext)

	var material models.KeyMaterial
	decoder := json.NewDecoder(bytes.NewReader(plaintext))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&material); err != nil {
		return nil, ErrBackup
	}
	if len(material.IdentityKey.Private) == 0 || len(material.SignedPreKey.Private) == 0 {
		return nil, ErrBackup
	}
	if material.OneTimePreKeys == nil {
		material.OneTimePreKeys = map[string]models.KeyPair{}
	}
	return &material, nil
}

// Validate performs a structural check that needs no passphrase.
func Validate(bundle *Bundle) bool {
	if bundle == nil {
		return false
	}
	if bundle.Version != FormatVersion {
		return false
	}
	if len(bundle.Salt) != SaltSize {
		return false
	}
	if bundle.Timestamp <= 0 {
		return false
	}
	return len(bundle.EncryptedPayload) > crypto.GCMNonceSize+gcmTagSize
}

func (c Codec) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
