package identity

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"peerlink/crypto"
	"peerlink/models"
	"peerlink/storage"
)

var (
	// ErrUninitialized indicates Initialize has not loaded or created an identity yet.
	ErrUninitialized = errors.New("identity: not initialized")
	// ErrTrustConflict indicates an identifier is already trusted with a different key.
	ErrTrustConflict = errors.New("identity: identifier already trusted with a different key")
	// ErrUnresolvableKey indicates no public key is known or derivable for an identifier.
	ErrUnresolvableKey = errors.New("identity: public key cannot be resolved")
	// ErrKeyMismatch indicates a supplied key disagrees with the key embedded in the identifier.
	ErrKeyMismatch = errors.New("identity: public key does not match identifier")
)

const (
	privateKeyFileName = "ed25519_private.pem"
	publicKeyFileName  = "ed25519_public.pem"
	preKeyFileName     = "x25519_private.pem"
	metadataFileName   = "identity.json"
)

// Identity is the local cryptographic actor.
type Identity struct {
	ID            string
	Label         string
	PublicKey     ed25519.PublicKey
	HasPrivateKey bool
	CreatedAt     int64
	Document      models.IdentityDocument
}

// TimestampedSignature is a signature over data bound to its creation time.
type TimestampedSignature struct {
	Signature []byte `json:"signature"`
	Timestamp int64  `json:"timestamp"`
}

// Options configures a Manager.
type Options struct {
	KeysDir string
	Store   *storage.Store
	Logger  *logrus.Entry
	Now     func() time.Time
}

type metadata struct {
	Label     string `json:"label"`
	CreatedAt int64  `json:"created_at"`
}

// Manager owns the local identity and the trusted-peer registry.
type Manager struct {
	keysDir string
	store   *storage.Store
	log     *logrus.Entry
	now     func() time.Time

	mu         sync.RWMutex
	identity   *Identity
	privateKey ed25519.PrivateKey
	preKey     crypto.X25519KeyPair

	subsMu  sync.Mutex
	subs    map[int]chan []models.TrustedPeer
	nextSub int
}

// NewManager builds a Manager. Initialize must be called before signing.
func NewManager(options Options) (*Manager, error) {
	if options.KeysDir == "" {
		return nil, errors.New("identity: keys directory is required")
	}
	if options.Store == nil {
		return nil, errors.New("identity: store is required")
	}
	if err := os.MkdirAll(options.KeysDir, 0o700); err != nil {
		return nil, fmt.Errorf("create keys directory: %w", err)
	}

	logger := options.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}

	return &Manager{
		keysDir: options.KeysDir,
		store:   options.Store,
		log:     logger.WithField("component", "identity"),
		now:     now,
		subs:    make(map[int]chan []models.TrustedPeer),
	}, nil
}

// Initialize loads the persisted identity, creating one labelled label if none exists.
// Calling it again is a no-op.
func (m *Manager) Initialize(label string) (*Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.identity != nil {
		return m.identity, nil
	}

	err := m.loadLocked()
	if err == nil {
		m.log.WithField("id", m.identity.ID).Info("Loaded identity")
		return m.identity, nil
	}
	if !crypto.IsNotExist(err) {
		return nil, err
	}

	if err := m.createLocked(label); err != nil {
		return nil, err
	}
	m.log.WithField("id", m.identity.ID).Info("Created identity")
	return m.identity, nil
}

// CreateIdentity generates a fresh identity and signed pre-key, replacing any existing one.
func (m *Manager) CreateIdentity(label string) (*Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	previous := ""
	if m.identity != nil {
		previous = m.identity.ID
	}
	if err := m.createLocked(label); err != nil {
		return nil, err
	}

	if previous != "" {
		m.ReportSecurityEvent("identity_reset", "", storage.SecuritySeverityWarning, map[string]any{
			"previous_id": previous,
			"new_id":      m.identity.ID,
		})
	}
	return m.identity, nil
}

// Current returns the loaded identity.
func (m *Manager) Current() (*Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.identity == nil {
		return nil, ErrUninitialized
	}
	return m.identity, nil
}

// Identifier returns the local identifier or "" before Initialize.
func (m *Manager) Identifier() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.identity == nil {
		return ""
	}
	return m.identity.ID
}

// StaticKeyPair returns the signed pre-key used as the session static key.
func (m *Manager) StaticKeyPair() (crypto.X25519KeyPair, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.identity == nil {
		return crypto.X25519KeyPair{}, ErrUninitialized
	}
	return m.preKey, nil
}

// Sign signs message with the identity key.
func (m *Manager) Sign(message []byte) ([]byte, error) {
	m.mu.RLock()
	privateKey := m.privateKey
	m.mu.RUnlock()
	if privateKey == nil {
		return nil, ErrUninitialized
	}
	return crypto.Sign(privateKey, message)
}

// Verify reports whether signature is valid for message under identifier's key.
// It never errors: unknown identifiers and malformed input verify as false.
func (m *Manager) Verify(message, signature []byte, identifier string) bool {
	publicKey, err := m.ResolvePublicKey(identifier)
	if err != nil {
		return false
	}
	return crypto.Verify(publicKey, message, signature)
}

// SignWithTimestamp signs data bound to the current time.
func (m *Manager) SignWithTimestamp(data []byte) (TimestampedSignature, error) {
	timestamp := m.now().UnixMilli()
	signature, err := m.Sign(crypto.TimestampedPayload(data, timestamp))
	if err != nil {
		return TimestampedSignature{}, err
	}
	return TimestampedSignature{Signature: signature, Timestamp: timestamp}, nil
}

// VerifyWithTimestamp verifies a timestamped signature and rejects it when it is
// older than maxAge or dated further than maxAge into the future.
func (m *Manager) VerifyWithTimestamp(data []byte, signed TimestampedSignature, identifier string, maxAge time.Duration) bool {
	if signed.Timestamp <= 0 || maxAge <= 0 {
		return false
	}
	age := m.now().Sub(time.UnixMilli(signed.Timestamp))
	if age > maxAge || age < -maxAge {
		return false
	}
	return m.Verify(crypto.TimestampedPayload(data, signed.Timestamp), signed.Signature, identifier)
}

// ResolvePublicKey returns the Ed25519 key for identifier, preferring the
// trusted registry and falling back to the key embedded in a did:key.
func (m *Manager) ResolvePublicKey(identifier string) (ed25519.PublicKey, error) {
	if identifier == "" {
		return nil, ErrUnresolvableKey
	}

	m.mu.RLock()
	if m.identity != nil && m.identity.ID == identifier {
		publicKey := m.identity.PublicKey
		m.mu.RUnlock()
		return publicKey, nil
	}
	m.mu.RUnlock()

	peer, err := m.store.GetTrustedPeer(identifier)
	if err == nil && len(peer.PublicKey) == ed25519.PublicKeySize {
		return ed25519.PublicKey(peer.PublicKey), nil
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		m.log.WithError(err).WithField("peer_id", identifier).Warn("Trusted peer lookup failed")
	}

	publicKey, err := crypto.PublicKeyFromDID(identifier)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnresolvableKey, err)
	}
	return publicKey, nil
}

// ReportSecurityEvent records a security audit event. Failures are logged, never returned.
func (m *Manager) ReportSecurityEvent(eventType, peerID, severity string, details map[string]any) {
	raw := []byte("{}")
	if len(details) > 0 {
		encoded, err := json.Marshal(details)
		if err == nil {
			raw = encoded
		}
	}

	event := storage.SecurityEvent{
		EventType: eventType,
		Details:   string(raw),
		Severity:  severity,
		Timestamp: m.now().UnixMilli(),
	}
	if peerID != "" {
		event.PeerID = &peerID
	}
	if err := m.store.LogSecurityEvent(event); err != nil {
		m.log.WithError(err).WithField("event_type", eventType).Warn("Record security event failed")
	}
}

// SecurityEvents returns recorded security events, newest first.
func (m *Manager) SecurityEvents(filter storage.SecurityEventFilter) ([]storage.SecurityEvent, error) {
	return m.store.GetSecurityEvents(filter)
}

func (m *Manager) createLocked(label string) error {
	privateKey, publicKey, err := crypto.GenerateEd25519KeyPair()
	if err != nil {
		return err
	}
	preKey, err := crypto.GenerateX25519KeyPair()
	if err != nil {
		return err
	}
	if label == "" {
		label = "peerlink"
	}

	meta := metadata{Label: label, CreatedAt: m.now().UnixMilli()}
	if err := m.persistLocked(privateKey, preKey, meta); err != nil {
		return err
	}
	return m.installLocked(privateKey, publicKey, preKey, meta)
}

func (m *Manager) loadLocked() error {
	privateKey, publicKey, err := crypto.LoadEd25519KeyPair(m.path(privateKeyFileName), m.path(publicKeyFileName))
	if err != nil {
		return err
	}
	preKey, err := crypto.LoadX25519KeyPair(m.path(preKeyFileName))
	if err != nil {
		return fmt.Errorf("load signed pre-key: %w", err)
	}

	var meta metadata
	raw, err := os.ReadFile(m.path(metadataFileName))
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &meta); err != nil {
			return fmt.Errorf("parse identity metadata: %w", err)
		}
	case crypto.IsNotExist(err):
		meta = metadata{Label: "peerlink", CreatedAt: m.now().UnixMilli()}
		if err := m.writeMetadata(meta); err != nil {
			return err
		}
	default:
		return fmt.Errorf("read identity metadata: %w", err)
	}

	return m.installLocked(privateKey, publicKey, preKey, meta)
}

func (m *Manager) persistLocked(privateKey ed25519.PrivateKey, preKey crypto.X25519KeyPair, meta metadata) error {
	if err := crypto.SaveX25519KeyPair(m.path(preKeyFileName), preKey); err != nil {
		return err
	}
	if err := m.writeMetadata(meta); err != nil {
		return err
	}
	// The private key file is written last: its presence marks a complete identity.
	return crypto.SaveEd25519KeyPair(m.path(privateKeyFileName), m.path(publicKeyFileName), privateKey)
}

func (m *Manager) installLocked(privateKey ed25519.PrivateKey, publicKey ed25519.PublicKey, preKey crypto.X25519KeyPair, meta metadata) error {
	id, err := crypto.DIDFromPublicKey(publicKey)
	if err != nil {
		return err
	}
	preKeySignature, err := crypto.Sign(privateKey, preKey.Public)
	if err != nil {
		return fmt.Errorf("sign pre-key: %w", err)
	}

	m.privateKey = privateKey
	m.preKey = preKey
	m.identity = &Identity{
		ID:            id,
		Label:         meta.Label,
		PublicKey:     publicKey,
		HasPrivateKey: true,
		CreatedAt:     meta.CreatedAt,
		Document: models.IdentityDocument{
			ID:                    id,
			Label:                 meta.Label,
			PublicKey:             bytes.Clone(publicKey),
			SignedPreKey:          bytes.Clone(preKey.Public),
			SignedPreKeySignature: preKeySignature,
			CreatedAt:             meta.CreatedAt,
		},
	}
	return nil
}

func (m *Manager) writeMetadata(meta metadata) error {
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal identity metadata: %w", err)
	}
	raw = append(raw, '\n')
	if err := os.WriteFile(m.path(metadataFileName), raw, 0o600); err != nil {
		return fmt.Errorf("write identity metadata: %w", err)
	}
	return nil
}

func (m *Manager) path(name string) string {
	return filepath.Join(m.keysDir, name)
}

// VerifyDocument checks that doc is self-consistent: its public key matches the
// identifier and the signed pre-key carries a valid signature from that key.
func VerifyDocument(doc models.IdentityDocument) bool {
	publicKey, err := crypto.PublicKeyFromDID(doc.ID)
	if err != nil {
		return false
	}
	if !bytes.Equal(publicKey, doc.PublicKey) {
		return false
	}
	return crypto.Verify(publicKey, doc.SignedPreKey, doc.SignedPreKeySignature)
}
