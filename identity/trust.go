package identity

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"

	"peerlink/crypto"
	"peerlink/models"
	"peerlink/storage"
)

// AddTrustedDevice records identifier as trusted. When publicKey is nil it is
// derived from the identifier. Adding the same identifier with the same key is
// a no-op; a different key fails with ErrTrustConflict.
func (m *Manager) AddTrustedDevice(identifier, label string, publicKey []byte) error {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return errors.New("identity: identifier is required")
	}

	embedded, embedErr := crypto.PublicKeyFromDID(identifier)
	switch {
	case publicKey == nil && embedErr != nil:
		return fmt.Errorf("%w: %s", ErrUnresolvableKey, identifier)
	case publicKey == nil:
		publicKey = embedded
	case len(publicKey) != ed25519.PublicKeySize:
		return fmt.Errorf("identity: invalid public key length %d", len(publicKey))
	case embedErr == nil && !bytes.Equal(embedded, publicKey):
		return ErrKeyMismatch
	}

	err := m.store.AddTrustedPeer(models.TrustedPeer{
		Identifier:       identifier,
		DisplayName:      label,
		PublicKey:        bytes.Clone(publicKey),
		TrustedTimestamp: m.now().UnixMilli(),
	})
	if errors.Is(err, storage.ErrAlreadyExists) {
		existing, getErr := m.store.GetTrustedPeer(identifier)
		if getErr != nil {
			return getErr
		}
		if bytes.Equal(existing.PublicKey, publicKey) {
			return nil
		}
		m.ReportSecurityEvent("trust_conflict", identifier, storage.SecuritySeverityCritical, map[string]any{
			"existing_fingerprint":  crypto.KeyFingerprint(existing.PublicKey),
			"presented_fingerprint": crypto.KeyFingerprint(publicKey),
		})
		return ErrTrustConflict
	}
	if err != nil {
		return err
	}

	m.log.WithField("peer_id", identifier).Info("Trusted device added")
	m.ReportSecurityEvent("trust_added", identifier, storage.SecuritySeverityInfo, map[string]any{
		"fingerprint": crypto.KeyFingerprint(publicKey),
	})
	m.publishTrusted()
	return nil
}

// RemoveTrustedDevice removes identifier from the registry. Removing an unknown
// identifier succeeds.
func (m *Manager) RemoveTrustedDevice(identifier string) error {
	removed, err := m.store.RemoveTrustedPeer(identifier)
	if err != nil {
		return err
	}
	if removed {
		m.log.WithField("peer_id", identifier).Info("Trusted device removed")
		m.ReportSecurityEvent("trust_removed", identifier, storage.SecuritySeverityInfo, nil)
		m.publishTrusted()
	}
	return nil
}

// TrustedDevices lists the trusted-peer registry.
func (m *Manager) TrustedDevices() ([]models.TrustedPeer, error) {
	return m.store.ListTrustedPeers()
}

// IsTrusted reports whether identifier is in the registry.
func (m *Manager) IsTrusted(identifier string) bool {
	_, err := m.store.GetTrustedPeer(identifier)
	return err == nil
}

// SubscribeTrusted streams the trusted list, starting with the current one.
// Slow subscribers only ever see the latest list. Call the returned func to stop.
func (m *Manager) SubscribeTrusted() (<-chan []models.TrustedPeer, func()) {
	ch := make(chan []models.TrustedPeer, 1)

	m.subsMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.subsMu.Unlock()

	if peers, err := m.store.ListTrustedPeers(); err == nil {
		m.subsMu.Lock()
		if _, ok := m.subs[id]; ok {
			offerLatest(ch, peers)
		}
		m.subsMu.Unlock()
	}

	return ch, func() {
		m.subsMu.Lock()
		defer m.subsMu.Unlock()
		if sub, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(sub)
		}
	}
}

func (m *Manager) publishTrusted() {
	peers, err := m.store.ListTrustedPeers()
	if err != nil {
		m.log.WithError(err).Warn("List trusted peers for publish failed")
		return
	}

	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		offerLatest(ch, peers)
	}
}

func offerLatest(ch chan []models.TrustedPeer, peers []models.TrustedPeer) {
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- peers:
	default:
	}
}
