package discovery

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"
)

const (
	// EventPeerFound is emitted when a peer appears or its record changes.
	EventPeerFound EventType = "peer_found"
	// EventPeerLost is emitted when a peer has not been seen for StaleAfter.
	EventPeerLost EventType = "peer_lost"
)

var ErrScannerStopped = errors.New("discovery: scanner is stopped")

type EventType string

type Event struct {
	Type EventType
	Peer DiscoveredPeer
}

// DiscoveredPeer is a verified mDNS record for a remote identity.
type DiscoveredPeer struct {
	ID             string
	Label          string
	KeyFingerprint string
	Version        int
	HostName       string
	Port           int
	Addresses      []string
	LastSeen       time.Time
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// Scanner browses for peers periodically and on demand.
type Scanner struct {
	cfg    Config
	browse browseFunc
	log    *logrus.Entry

	mu    sync.RWMutex
	peers map[string]DiscoveredPeer

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewScanner applies config defaults and prepares a resolver.
func NewScanner(config Config) (*Scanner, error) {
	cfg := config.withDefaults()
	if strings.TrimSpace(cfg.Service) == "" {
		return nil, errors.New("discovery: service is required")
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scanner{
		cfg:             cfg,
		browse:          browse,
		log:             logrus.WithField("component", "discovery"),
		peers:           make(map[string]DiscoveredPeer),
		events:          make(chan Event, 128),
		ctx:             ctx,
		cancel:          cancel,
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start launches the background scan loop.
func (s *Scanner) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.loop()
	})
}

// Stop ends scanning and closes the Events channel.
func (s *Scanner) Stop() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		close(s.events)
	})
}

func (s *Scanner) Events() <-chan Event {
	return s.events
}

// Refresh runs a scan immediately and waits for it to finish.
func (s *Scanner) Refresh(ctx context.Context) error {
	req := refreshRequest{ctx: ctx, done: make(chan error, 1)}

	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrScannerStopped
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrScannerStopped
	}
}

// Peers returns the currently known peers sorted by label then id.
func (s *Scanner) Peers() []DiscoveredPeer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]DiscoveredPeer, 0, len(s.peers))
	for _, peer := range s.peers {
		out = append(out, peer)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Label == out[j].Label {
			return out[i].ID < out[j].ID
		}
		return out[i].Label < out[j].Label
	})
	return out
}

// Lookup returns the known record for id.
func (s *Scanner) Lookup(id string) (DiscoveredPeer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	peer, ok := s.peers[id]
	return peer, ok
}

func (s *Scanner) loop() {
	defer s.wg.Done()

	s.runScan(nil)

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runScan(nil)
		case req := <-s.refreshRequests:
			req.done <- s.runScan(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scanner) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()

	if requestCtx != nil {
		go func() {
			select {
			case <-requestCtx.Done():
				cancel()
			case <-scanCtx.Done():
			}
		}()
	}

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]DiscoveredPeer)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				if entry == nil {
					continue
				}
				peer, err := parseEntry(entry, s.cfg.SelfID)
				if err != nil {
					if !errors.Is(err, errSelfRecord) {
						s.log.WithError(err).WithField("instance", entry.Instance).Debug("Ignoring mDNS record")
					}
					continue
				}
				peer.LastSeen = s.cfg.now()
				collected[peer.ID] = peer
			}
		}
	}()

	if err := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries); err != nil {
		cancel()
		<-collectorDone
		s.log.WithError(err).Warn("mDNS browse failed")
		return err
	}

	<-scanCtx.Done()
	<-collectorDone
	s.applySnapshot(collected)
	return nil
}

// applySnapshot merges a scan's results. Peers absent from the scan are
// kept until they have gone unseen for StaleAfter.
func (s *Scanner) applySnapshot(seen map[string]DiscoveredPeer) {
	now := s.cfg.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, peer := range seen {
		old, exists := s.peers[id]
		s.peers[id] = peer
		if !exists || !peersEqual(old, peer) {
			s.emitEvent(Event{Type: EventPeerFound, Peer: peer})
		}
	}

	for id, peer := range s.peers {
		if _, ok := seen[id]; ok {
			continue
		}
		if now.Sub(peer.LastSeen) >= s.cfg.StaleAfter {
			delete(s.peers, id)
			s.emitEvent(Event{Type: EventPeerLost, Peer: peer})
		}
	}
}

func (s *Scanner) emitEvent(event Event) {
	select {
	case s.events <- event:
	default:
		s.log.WithField("peer_id", event.Peer.ID).Warn("Discovery event dropped")
	}
}

var (
	errSelfRecord          = errors.New("record is our own")
	errMissingDID          = errors.New("record has no did")
	errFingerprintMismatch = errors.New("key fingerprint does not match did")
)

// parseEntry validates a record and converts it to a DiscoveredPeer. The
// advertised fingerprint must be derived from the advertised DID.
func parseEntry(entry *zeroconf.ServiceEntry, selfID string) (DiscoveredPeer, error) {
	txt := txtToMap(entry.Text)

	id := txt[txtDID]
	if id == "" {
		return DiscoveredPeer{}, errMissingDID
	}
	if id == selfID {
		return DiscoveredPeer{}, errSelfRecord
	}
	expected, err := fingerprintForDID(id)
	if err != nil {
		return DiscoveredPeer{}, err
	}
	fingerprint := txt[txtFingerprint]
	if fingerprint != expected {
		return DiscoveredPeer{}, errFingerprintMismatch
	}

	version := 0
	if raw := txt[txtVersion]; raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			version = parsed
		}
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	dedup := make(map[string]struct{})
	for _, ip := range append(append([]net.IP(nil), entry.AddrIPv4...), entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if _, exists := dedup[raw]; exists {
			continue
		}
		dedup[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	label := strings.TrimSpace(entry.Instance)
	if label == "" {
		label = strings.TrimSpace(entry.HostName)
	}
	if label == "" {
		label = id
	}

	return DiscoveredPeer{
		ID:             id,
		Label:          label,
		KeyFingerprint: fingerprint,
		Version:        version,
		HostName:       entry.HostName,
		Port:           entry.Port,
		Addresses:      addresses,
	}, nil
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}

// peersEqual ignores LastSeen.
func peersEqual(a, b DiscoveredPeer) bool {
	if a.ID != b.ID ||
		a.Label != b.Label ||
		a.KeyFingerprint != b.KeyFingerprint ||
		a.Version != b.Version ||
		a.HostName != b.HostName ||
		a.Port != b.Port ||
		len(a.Addresses) != len(b.Addresses) {
		return false
	}
	for i := range a.Addresses {
		if a.Addresses[i] != b.Addresses[i] {
			return false
		}
	}
	return true
}
