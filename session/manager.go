package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"peerlink/identity"
	"peerlink/network"
	"peerlink/transport"
)

const (
	defaultHandshakeTimeout       = 15 * time.Second
	defaultHealthLatencyThreshold = 500 * time.Millisecond
	defaultPingTimeout            = 5 * time.Second

	// maxSecureFragment keeps an encoded transport frame inside one Noise message.
	maxSecureFragment = 45 << 10
)

// Dialer opens a raw channel to a peer route.
type Dialer interface {
	Dial(ctx context.Context, peerID string) (network.Channel, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, peerID string) (network.Channel, error)

func (f DialerFunc) Dial(ctx context.Context, peerID string) (network.Channel, error) {
	return f(ctx, peerID)
}

// Options configures a Manager.
type Options struct {
	Identity  *identity.Manager
	Dialer    Dialer
	Transport transport.Options

	Backoff              Backoff
	MaxReconnectAttempts int
	HandshakeTimeout     time.Duration
	// RequireTrusted rejects handshakes from peers outside the trust store.
	// Defaults to true when nil.
	RequireTrusted *bool

	HealthLatencyThreshold time.Duration
	PingTimeout            time.Duration

	// OnUnsent receives payloads still queued in a transport when it is torn down.
	OnUnsent func(peerID string, payloads [][]byte)

	Logger *logrus.Entry
}

// InboundMessage is one payload received from an authenticated peer.
type InboundMessage struct {
	PeerID     string
	Payload    []byte
	ReceivedAt time.Time
}

type peerSession struct {
	peerID string
	route  string
	state  State

	transport *transport.Transport
	// intent is the last explicit connect/disconnect decision.
	intent   bool
	attempts int
	lastErr  error

	reconnectCancel context.CancelFunc
	reconnectID     uint64
	generation      uint64
}

// Manager is the single writer of connection state for every peer.
type Manager struct {
	opts           Options
	requireTrusted bool
	log            *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	sessions      map[string]*peerSession
	autoReconnect bool
	networkUp     bool
	nextLoopID    uint64
	closed        bool

	subMu       sync.Mutex
	subscribers map[int]chan StateChange
	nextSub     int

	inbound   chan InboundMessage
	closeOnce sync.Once
}

// NewManager validates options and returns a manager with auto-reconnect enabled.
func NewManager(options Options) (*Manager, error) {
	if options.Identity == nil {
		return nil, errors.New("session: identity manager is required")
	}
	if options.Dialer == nil {
		return nil, errors.New("session: dialer is required")
	}
	if options.Backoff.Base <= 0 {
		options.Backoff = DefaultBackoff
	}
	if options.HandshakeTimeout <= 0 {
		options.HandshakeTimeout = defaultHandshakeTimeout
	}
	if options.HealthLatencyThreshold <= 0 {
		options.HealthLatencyThreshold = defaultHealthLatencyThreshold
	}
	if options.PingTimeout <= 0 {
		options.PingTimeout = defaultPingTimeout
	}
	if options.Transport.MaxFragmentSize <= 0 || options.Transport.MaxFragmentSize > maxSecureFragment {
		options.Transport.MaxFragmentSize = maxSecureFragment
	}
	if options.Logger == nil {
		options.Logger = logrus.StandardLogger().WithField("component", "session")
	}
	if options.Transport.Logger == nil {
		options.Transport.Logger = options.Logger.WithField("component", "transport")
	}

	requireTrusted := true
	if options.RequireTrusted != nil {
		requireTrusted = *options.RequireTrusted
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:           options,
		requireTrusted: requireTrusted,
		log:            options.Logger,
		ctx:            ctx,
		cancel:         cancel,
		sessions:       make(map[string]*peerSession),
		autoReconnect:  true,
		networkUp:      true,
		subscribers:    make(map[int]chan StateChange),
		inbound:        make(chan InboundMessage, 256),
	}, nil
}

// Connect dials peerID, authenticates it as peerIdentifier and records the
// intent to stay connected. An empty peerID dials peerIdentifier directly.
func (m *Manager) Connect(ctx context.Context, peerID, peerIdentifier string) error {
	if peerIdentifier == "" {
		return errors.New("session: peer identifier is required")
	}
	if peerID == "" {
		peerID = peerIdentifier
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrTransportUnavailable
	}
	s := m.sessionLocked(peerIdentifier)
	if s.state == StateConnected && s.transport != nil {
		s.intent = true
		m.mu.Unlock()
		return nil
	}
	s.intent = true
	s.route = peerID
	s.generation++
	gen := s.generation
	m.stopReconnectLocked(s)
	s.attempts = 0
	if !m.networkUp {
		// Resumed by NotifyNetworkAvailable.
		m.transitionLocked(s, StateUnavailable, 0, ErrTransportUnavailable)
		m.mu.Unlock()
		return ErrTransportUnavailable
	}
	m.transitionLocked(s, StateConnecting, 0, nil)
	m.mu.Unlock()

	tr, err := m.establish(ctx, peerID, peerIdentifier)

	m.mu.Lock()
	if s.generation != gen || m.closed {
		connected := s.state == StateConnected && !m.closed
		m.mu.Unlock()
		m.closeTransport(peerIdentifier, tr)
		if connected {
			return nil
		}
		return fmt.Errorf("%w: connect superseded", ErrNotConnected)
	}
	defer m.mu.Unlock()
	if err != nil {
		s.lastErr = err
		m.transitionLocked(s, StateDisconnected, 0, err)
		return err
	}
	m.installLocked(s, tr)
	return nil
}

// Accept runs the responder handshake on an inbound channel and registers the
// resulting session under the DID the peer proved. Accepting does not record
// an intent to reconnect; the dialing side owns reconnection.
func (m *Manager) Accept(ctx context.Context, ch network.Channel) (string, error) {
	hctx, cancel := context.WithTimeout(ctx, m.opts.HandshakeTimeout)
	defer cancel()

	secure, err := respond(hctx, ch, m.handshakeConfig(""))
	if err != nil {
		_ = ch.Close()
		reportRejection(m.opts.Identity, "", err)
		m.log.WithError(err).Warn("Inbound handshake failed")
		return "", err
	}
	peerID := secure.PeerID()
	tr := transport.New(secure, m.opts.Transport)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.closeTransport(peerID, tr)
		return "", ErrTransportUnavailable
	}
	s := m.sessionLocked(peerID)
	if s.route == "" {
		s.route = peerID
	}
	// When both sides dialed, the session dialed by the smaller DID survives.
	if s.transport != nil && s.intent && m.opts.Identity.Identifier() < peerID {
		m.mu.Unlock()
		m.closeTransport(peerID, tr)
		return peerID, fmt.Errorf("%w: duplicate session", ErrHandshakeRejected)
	}
	s.generation++
	m.stopReconnectLocked(s)
	old := s.transport
	s.transport = nil
	m.installLocked(s, tr)
	m.mu.Unlock()

	m.closeTransport(peerID, old)
	return peerID, nil
}

// Disconnect tears the session down and clears the intent to reconnect.
func (m *Manager) Disconnect(peerID string) {
	m.mu.Lock()
	s, ok := m.sessions[peerID]
	if !ok {
		m.mu.Unlock()
		return
	}
	s.intent = false
	s.generation++
	s.attempts = 0
	m.stopReconnectLocked(s)
	tr := s.transport
	s.transport = nil
	m.transitionLocked(s, StateDisconnected, 0, nil)
	m.mu.Unlock()

	m.closeTransport(peerID, tr)
}

// DisconnectTemporary drops the transport but keeps the intent, so the
// manager reconnects on its own when auto-reconnect is enabled.
func (m *Manager) DisconnectTemporary(peerID string) {
	m.mu.Lock()
	s, ok := m.sessions[peerID]
	if !ok {
		m.mu.Unlock()
		return
	}
	s.intent = true
	s.generation++
	m.stopReconnectLocked(s)
	tr := s.transport
	s.transport = nil
	m.afterDropLocked(s, nil, false)
	m.mu.Unlock()

	m.closeTransport(peerID, tr)
}

// SetAutoReconnect toggles autonomous reconnection for every peer. Connect
// and Disconnect intents are preserved.
func (m *Manager) SetAutoReconnect(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.autoReconnect == enabled {
		return
	}
	m.autoReconnect = enabled
	m.log.WithField("enabled", enabled).Info("Auto-reconnect toggled")

	for _, s := range m.sessions {
		if !enabled {
			if s.state == StateReconnecting {
				m.stopReconnectLocked(s)
				s.attempts = 0
				m.transitionLocked(s, StateDisconnected, 0, nil)
			}
			continue
		}
		if s.intent && s.transport == nil && s.state == StateDisconnected && m.networkUp {
			m.transitionLocked(s, StateReconnecting, 0, nil)
			m.startReconnectLocked(s, true)
		}
	}
}

// CancelReconnect aborts a running reconnect loop for peerID.
func (m *Manager) CancelReconnect(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[peerID]
	if !ok || s.reconnectCancel == nil {
		return
	}
	m.stopReconnectLocked(s)
	s.attempts = 0
	if s.state == StateReconnecting {
		m.transitionLocked(s, StateDisconnected, 0, nil)
	}
}

// ReconnectionStatus reports the reconnect loop state for peerID.
func (m *Manager) ReconnectionStatus(peerID string) ReconnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := ReconnectionStatus{AutoReconnectEnabled: m.autoReconnect}
	if s, ok := m.sessions[peerID]; ok {
		status.IsReconnecting = s.reconnectCancel != nil
		status.Attempts = s.attempts
	}
	return status
}

// PeerAvailable is called when discovery or signaling reports peerID
// reachable. A peer we intend to be connected to is dialed immediately.
func (m *Manager) PeerAvailable(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[peerID]
	if !ok || !s.intent || s.transport != nil || !m.autoReconnect || !m.networkUp {
		return
	}
	if s.state == StateConnecting {
		return
	}
	m.stopReconnectLocked(s)
	s.attempts = 0
	m.transitionLocked(s, StateReconnecting, 0, nil)
	m.startReconnectLocked(s, true)
}

// PeerLost is called when peerID stops being reachable. A reconnect loop for
// it is stopped until the peer becomes available again.
func (m *Manager) PeerLost(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[peerID]
	if !ok || s.transport != nil || s.reconnectCancel == nil {
		return
	}
	m.stopReconnectLocked(s)
	s.attempts = 0
	m.transitionLocked(s, StateDisconnected, 0, nil)
}

// NotifyNetworkLost marks every session unavailable and drops live transports.
func (m *Manager) NotifyNetworkLost() {
	type drop struct {
		peerID string
		tr     *transport.Transport
	}
	var drops []drop

	m.mu.Lock()
	if !m.networkUp {
		m.mu.Unlock()
		return
	}
	m.networkUp = false
	for _, s := range m.sessions {
		s.generation++
		m.stopReconnectLocked(s)
		if s.transport != nil {
			drops = append(drops, drop{peerID: s.peerID, tr: s.transport})
			s.transport = nil
		}
		if s.state != StateDisconnected || s.intent {
			m.transitionLocked(s, StateUnavailable, 0, ErrTransportUnavailable)
		}
	}
	m.mu.Unlock()

	for _, d := range drops {
		m.closeTransport(d.peerID, d.tr)
	}
}

// NotifyNetworkAvailable resumes sessions that were marked unavailable.
func (m *Manager) NotifyNetworkAvailable() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.networkUp {
		return
	}
	m.networkUp = true
	for _, s := range m.sessions {
		if s.state != StateUnavailable {
			continue
		}
		s.attempts = 0
		if s.intent && m.autoReconnect {
			m.transitionLocked(s, StateReconnecting, 0, nil)
			m.startReconnectLocked(s, true)
			continue
		}
		m.transitionLocked(s, StateDisconnected, 0, nil)
	}
}

// Send hands payload to the peer's transport.
func (m *Manager) Send(peerID string, payload []byte) transport.SendResult {
	tr := m.transportFor(peerID)
	if tr == nil {
		return transport.Failed(ErrNotConnected)
	}
	return tr.Send(payload)
}

// Ping measures the application-level round trip to peerID.
func (m *Manager) Ping(ctx context.Context, peerID string) (time.Duration, error) {
	tr := m.transportFor(peerID)
	if tr == nil {
		return 0, ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, m.opts.PingTimeout)
	defer cancel()
	return tr.Ping(ctx)
}

// FlowStats returns the flow-control stats of the peer's transport.
func (m *Manager) FlowStats(peerID string) (transport.FlowControlStats, bool) {
	tr := m.transportFor(peerID)
	if tr == nil {
		return transport.FlowControlStats{}, false
	}
	return tr.Stats(), true
}

// State returns the connection state for peerID.
func (m *Manager) State(peerID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[peerID]; ok {
		return s.state
	}
	return StateDisconnected
}

// Peers returns the identifiers of every known session.
func (m *Manager) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	peers := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		peers = append(peers, id)
	}
	return peers
}

// Messages delivers payloads from every connected peer. It is closed by Close.
func (m *Manager) Messages() <-chan InboundMessage {
	return m.inbound
}

// Subscribe returns a stream of state changes. Slow subscribers miss events
// rather than blocking the manager.
func (m *Manager) Subscribe() (<-chan StateChange, func()) {
	ch := make(chan StateChange, 64)

	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subscribers[id] = ch
	m.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			if _, ok := m.subscribers[id]; ok {
				delete(m.subscribers, id)
				close(ch)
			}
			m.subMu.Unlock()
		})
	}
}

// Close tears down every session and stops background work.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		type drop struct {
			peerID string
			tr     *transport.Transport
		}
		var drops []drop

		m.mu.Lock()
		m.closed = true
		for _, s := range m.sessions {
			s.generation++
			m.stopReconnectLocked(s)
			if s.transport != nil {
				drops = append(drops, drop{peerID: s.peerID, tr: s.transport})
				s.transport = nil
			}
		}
		m.mu.Unlock()

		m.cancel()
		for _, d := range drops {
			m.closeTransport(d.peerID, d.tr)
		}
		m.wg.Wait()
		close(m.inbound)

		m.subMu.Lock()
		for id, ch := range m.subscribers {
			delete(m.subscribers, id)
			close(ch)
		}
		m.subMu.Unlock()
	})
}

func (m *Manager) handshakeConfig(expectedPeer string) handshakeConfig {
	return handshakeConfig{
		local:          m.opts.Identity,
		requireTrusted: m.requireTrusted,
		expectedPeer:   expectedPeer,
	}
}

// establish dials route and authenticates the peer as peerIdentifier.
func (m *Manager) establish(ctx context.Context, route, peerIdentifier string) (*transport.Transport, error) {
	hctx, cancel := context.WithTimeout(ctx, m.opts.HandshakeTimeout)
	defer cancel()

	ch, err := m.opts.Dialer.Dial(hctx, route)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return nil, fmt.Errorf("%w: %v", ErrHandshakeTimeout, err)
		case errors.Is(err, context.Canceled):
			return nil, err
		default:
			return nil, fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
		}
	}

	secure, err := initiate(hctx, ch, m.handshakeConfig(peerIdentifier))
	if err != nil {
		_ = ch.Close()
		reportRejection(m.opts.Identity, peerIdentifier, err)
		return nil, err
	}
	return transport.New(secure, m.opts.Transport), nil
}

func (m *Manager) sessionLocked(peerID string) *peerSession {
	s, ok := m.sessions[peerID]
	if !ok {
		s = &peerSession{peerID: peerID, state: StateDisconnected}
		m.sessions[peerID] = s
	}
	return s
}

func (m *Manager) transportFor(peerID string) *transport.Transport {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[peerID]; ok && s.state == StateConnected {
		return s.transport
	}
	return nil
}

// installLocked makes tr the live transport of s and starts its read loop.
func (m *Manager) installLocked(s *peerSession, tr *transport.Transport) {
	s.transport = tr
	s.attempts = 0
	s.lastErr = nil
	m.transitionLocked(s, StateConnected, 0, nil)

	m.wg.Add(1)
	go m.readLoop(s.peerID, tr)
}

func (m *Manager) closeTransport(peerID string, tr *transport.Transport) {
	if tr == nil {
		return
	}
	unsent := tr.Close()
	if len(unsent) > 0 && m.opts.OnUnsent != nil {
		m.opts.OnUnsent(peerID, unsent)
	}
}

func (m *Manager) readLoop(peerID string, tr *transport.Transport) {
	defer m.wg.Done()

	for {
		payload, err := tr.Receive(m.ctx)
		if err != nil {
			break
		}
		select {
		case m.inbound <- InboundMessage{PeerID: peerID, Payload: payload, ReceivedAt: time.Now()}:
		case <-m.ctx.Done():
			return
		}
	}
	m.transportLost(peerID, tr)
}

// transportLost handles a transport that stopped without a local teardown.
func (m *Manager) transportLost(peerID string, tr *transport.Transport) {
	m.mu.Lock()
	s, ok := m.sessions[peerID]
	if !ok || s.transport != tr || m.closed {
		m.mu.Unlock()
		return
	}
	s.transport = nil
	s.lastErr = ErrPeerUnreachable
	m.afterDropLocked(s, ErrPeerUnreachable, true)
	m.mu.Unlock()

	m.log.WithField("peer_id", peerID).Warn("Session transport lost")
	m.closeTransport(peerID, tr)
}

// afterDropLocked picks the state that follows a dropped transport.
func (m *Manager) afterDropLocked(s *peerSession, cause error, immediate bool) {
	switch {
	case !m.networkUp:
		m.transitionLocked(s, StateUnavailable, 0, ErrTransportUnavailable)
	case s.intent && m.autoReconnect:
		s.attempts = 0
		m.transitionLocked(s, StateReconnecting, 0, cause)
		m.startReconnectLocked(s, immediate)
	default:
		m.transitionLocked(s, StateDisconnected, 0, cause)
	}
}

func (m *Manager) startReconnectLocked(s *peerSession, immediate bool) {
	if s.reconnectCancel != nil || m.closed {
		return
	}
	ctx, cancel := context.WithCancel(m.ctx)
	m.nextLoopID++
	s.reconnectCancel = cancel
	s.reconnectID = m.nextLoopID

	m.wg.Add(1)
	go m.reconnectLoop(ctx, s.peerID, s.reconnectID, immediate)
}

func (m *Manager) stopReconnectLocked(s *peerSession) {
	if s.reconnectCancel == nil {
		return
	}
	s.reconnectCancel()
	s.reconnectCancel = nil
	s.reconnectID = 0
}

func (m *Manager) reconnectLoop(ctx context.Context, peerID string, loopID uint64, immediate bool) {
	defer m.wg.Done()

	attempt := 0
	for {
		if limit := m.opts.MaxReconnectAttempts; limit > 0 && attempt >= limit {
			m.reconnectExhausted(peerID, loopID)
			return
		}

		var delay time.Duration
		if !(immediate && attempt == 0) {
			delay = m.opts.Backoff.NextDelay(attempt)
		}
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
		attempt++

		route, ok := m.beginAttempt(ctx, peerID, loopID, attempt)
		if !ok {
			return
		}
		tr, err := m.establish(ctx, route, peerID)
		if err != nil {
			m.log.WithError(err).WithFields(logrus.Fields{
				"peer_id": peerID,
				"attempt": attempt,
			}).Warn("Reconnect attempt failed")
			m.recordAttemptError(peerID, loopID, err)
			continue
		}
		if !m.finishReconnect(ctx, peerID, loopID, tr) {
			m.closeTransport(peerID, tr)
		}
		return
	}
}

func (m *Manager) beginAttempt(ctx context.Context, peerID string, loopID uint64, attempt int) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[peerID]
	if !ok || s.reconnectID != loopID || ctx.Err() != nil {
		return "", false
	}
	s.attempts = attempt
	m.transitionLocked(s, StateReconnecting, attempt, s.lastErr)
	return s.route, true
}

func (m *Manager) recordAttemptError(peerID string, loopID uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[peerID]; ok && s.reconnectID == loopID {
		s.lastErr = err
	}
}

func (m *Manager) finishReconnect(ctx context.Context, peerID string, loopID uint64, tr *transport.Transport) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[peerID]
	if !ok || s.reconnectID != loopID || ctx.Err() != nil || m.closed {
		return false
	}
	m.stopReconnectLocked(s)
	m.installLocked(s, tr)
	return true
}

func (m *Manager) reconnectExhausted(peerID string, loopID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[peerID]
	if !ok || s.reconnectID != loopID {
		return
	}
	m.stopReconnectLocked(s)
	m.log.WithFields(logrus.Fields{
		"peer_id": peerID,
		"attempt": s.attempts,
	}).Warn("Reconnect attempts exhausted")
	m.transitionLocked(s, StateDisconnected, s.attempts, s.lastErr)
}

// transitionLocked records a state change and publishes it. Publishing under
// m.mu keeps subscribers in transition order.
func (m *Manager) transitionLocked(s *peerSession, to State, attempt int, cause error) {
	from := s.state
	if from == to && attempt == 0 {
		return
	}
	s.state = to

	entry := m.log.WithFields(logrus.Fields{
		"peer_id": s.peerID,
		"state":   to.String(),
	})
	if attempt > 0 {
		entry = entry.WithField("attempt", attempt)
	}
	if cause != nil {
		entry = entry.WithError(cause)
	}
	entry.Info("Session state changed")

	m.publish(StateChange{
		PeerID:  s.peerID,
		From:    from,
		To:      to,
		Attempt: attempt,
		Err:     cause,
		At:      time.Now(),
	})
}

func (m *Manager) publish(change StateChange) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subscribers {
		select {
		case ch <- change:
		default:
		}
	}
}
