package identity

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"peerlink/crypto"
	"peerlink/models"
	"peerlink/storage"
)

// GenerateOneTimePreKeys creates and stores n one-time pre-keys.
func (m *Manager) GenerateOneTimePreKeys(n int) ([]models.OneTimePreKey, error) {
	if n <= 0 {
		return nil, errors.New("identity: pre-key count must be > 0")
	}

	keys := make([]models.OneTimePreKey, 0, n)
	createdAt := m.now().UnixMilli()
	for i := 0; i < n; i++ {
		pair, err := crypto.GenerateX25519KeyPair()
		if err != nil {
			return nil, err
		}
		keys = append(keys, models.OneTimePreKey{
			ID:         uuid.NewString(),
			PublicKey:  pair.Public,
			PrivateKey: pair.Private,
			CreatedAt:  createdAt,
		})
	}
	if err := m.store.InsertOneTimePreKeys(keys); err != nil {
		return nil, err
	}
	return keys, nil
}

// OneTimePreKeys lists unused one-time pre-keys.
func (m *Manager) OneTimePreKeys() ([]models.OneTimePreKey, error) {
	return m.store.ListOneTimePreKeys()
}

// ConsumeOneTimePreKey returns a pre-key and removes it so it is never reused.
func (m *Manager) ConsumeOneTimePreKey(id string) (*models.OneTimePreKey, error) {
	return m.store.TakeOneTimePreKey(id)
}

// KeyMaterial snapshots the identity key, signed pre-key and one-time pre-keys.
func (m *Manager) KeyMaterial() (models.KeyMaterial, error) {
	m.mu.RLock()
	if m.identity == nil {
		m.mu.RUnlock()
		return models.KeyMaterial{}, ErrUninitialized
	}
	material := models.KeyMaterial{
		IdentityKey: models.KeyPair{
			Public:  bytes.Clone(m.identity.PublicKey),
			Private: bytes.Clone(m.privateKey),
		},
		SignedPreKey: models.KeyPair{
			Public:  bytes.Clone(m.preKey.Public),
			Private: bytes.Clone(m.preKey.Private),
		},
	}
	m.mu.RUnlock()

	preKeys, err := m.store.ListOneTimePreKeys()
	if err != nil {
		return models.KeyMaterial{}, err
	}
	material.OneTimePreKeys = make(map[string]models.KeyPair, len(preKeys))
	for _, key := range preKeys {
		material.OneTimePreKeys[key.ID] = models.KeyPair{Public: key.PublicKey, Private: key.PrivateKey}
	}
	return material, nil
}

// RestoreKeyMaterial installs restored keys as the local identity, keeping the current label.
func (m *Manager) RestoreKeyMaterial(material models.KeyMaterial) (*Identity, error) {
	if len(material.IdentityKey.Private) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("identity: invalid identity private key length %d", len(material.IdentityKey.Private))
	}
	privateKey := ed25519.PrivateKey(bytes.Clone(material.IdentityKey.Private))
	publicKey := privateKey.Public().(ed25519.PublicKey)
	if !bytes.Equal(publicKey, material.IdentityKey.Public) {
		return nil, errors.New("identity: identity public key does not match private key")
	}
	preKey, err := crypto.X25519KeyPairFromPrivate(material.SignedPreKey.Private)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(preKey.Public, material.SignedPreKey.Public) {
		return nil, errors.New("identity: signed pre-key public half does not match private half")
	}

	oneTime := make([]models.OneTimePreKey, 0, len(material.OneTimePreKeys))
	createdAt := m.now().UnixMilli()
	for id, pair := range material.OneTimePreKeys {
		oneTime = append(oneTime, models.OneTimePreKey{
			ID:         id,
			PublicKey:  bytes.Clone(pair.Public),
			PrivateKey: bytes.Clone(pair.Private),
			CreatedAt:  createdAt,
		})
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	meta := metadata{Label: "peerlink", CreatedAt: createdAt}
	previous := ""
	if m.identity != nil {
		meta = metadata{Label: m.identity.Label, CreatedAt: m.identity.CreatedAt}
		previous = m.identity.ID
	}
	if err := m.store.ReplaceOneTimePreKeys(oneTime); err != nil {
		return nil, err
	}
	if err := m.persistLocked(privateKey, preKey, meta); err != nil {
		return nil, err
	}
	if err := m.installLocked(privateKey, publicKey, preKey, meta); err != nil {
		return nil, err
	}

	m.ReportSecurityEvent("identity_restored", "", storage.SecuritySeverityWarning, map[string]any{
		"previous_id": previous,
		"restored_id": m.identity.ID,
	})
	m.log.WithField("id", m.identity.ID).Info("Restored identity from backup")
	return m.identity, nil
}
