package discovery

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"

	"peerlink/crypto"
)

func testDID(t *testing.T) string {
	t.Helper()
	_, publicKey, err := crypto.GenerateEd25519KeyPair()
	if err != nil {
		t.Fatalf("GenerateEd25519KeyPair failed: %v", err)
	}
	did, err := crypto.DIDFromPublicKey(publicKey)
	if err != nil {
		t.Fatalf("DIDFromPublicKey failed: %v", err)
	}
	return did
}

func testServiceEntry(t *testing.T, did, label string, port int, ipv4 string) *zeroconf.ServiceEntry {
	t.Helper()
	fingerprint, err := fingerprintForDID(did)
	if err != nil {
		t.Fatalf("fingerprintForDID failed: %v", err)
	}
	entry := zeroconf.NewServiceEntry(label, DefaultService, DefaultDomain)
	entry.HostName = label + ".local."
	entry.Port = port
	entry.AddrIPv4 = []net.IP{net.ParseIP(ipv4)}
	entry.Text = []string{
		txtDID + "=" + did,
		txtVersion + "=1",
		txtFingerprint + "=" + fingerprint,
	}
	return entry
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestScannerFiltersSelfAndManualRefresh(t *testing.T) {
	self, bob, carol := testDID(t), testDID(t), testDID(t)
	selfEntry := testServiceEntry(t, self, "Self", 9999, "10.0.0.1")
	bobEntry := testServiceEntry(t, bob, "Bob", 9998, "10.0.0.2")
	carolEntry := testServiceEntry(t, carol, "Carol", 9997, "10.0.0.3")

	var browseCalls int32
	scanner, err := NewScanner(Config{
		SelfID:          self,
		RefreshInterval: time.Hour,
		ScanTimeout:     30 * time.Millisecond,
		browseFn: func(ctx context.Context, _, _ string, entries chan<- *zeroconf.ServiceEntry) error {
			call := atomic.AddInt32(&browseCalls, 1)
			entries <- selfEntry
			entries <- bobEntry
			if call >= 2 {
				entries <- carolEntry
			}
			<-ctx.Done()
			return nil
		},
	})
	if err != nil {
		t.Fatalf("NewScanner failed: %v", err)
	}
	scanner.Start()
	defer scanner.Stop()

	waitForCondition(t, time.Second, func() bool {
		peers := scanner.Peers()
		return len(peers) == 1 && peers[0].ID == bob
	})

	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	peers := scanner.Peers()
	if len(peers) != 2 {
		t.Fatalf("expected 2 peers after refresh, got %d", len(peers))
	}
	if peers[0].Label != "Bob" || peers[1].Label != "Carol" {
		t.Fatalf("unexpected order: %q, %q", peers[0].Label, peers[1].Label)
	}
}

func TestScannerRejectsForgedFingerprint(t *testing.T) {
	honest, victim := testDID(t), testDID(t)
	honestEntry := testServiceEntry(t, honest, "Honest", 9001, "10.0.0.7")
	forged := testServiceEntry(t, victim, "Mallory", 9000, "10.0.0.66")
	forged.Text[2] = honestEntry.Text[2]

	scanner, err := NewScanner(Config{
		RefreshInterval: time.Hour,
		ScanTimeout:     20 * time.Millisecond,
		browseFn: func(ctx context.Context, _, _ string, entries chan<- *zeroconf.ServiceEntry) error {
			entries <- forged
			entries <- honestEntry
			<-ctx.Done()
			return nil
		},
	})
	if err != nil {
		t.Fatalf("NewScanner failed: %v", err)
	}
	scanner.Start()
	defer scanner.Stop()

	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if _, ok := scanner.Lookup(victim); ok {
		t.Fatal("record with mismatched fingerprint was accepted")
	}
	if _, ok := scanner.Lookup(honest); !ok {
		t.Fatal("valid record was not accepted")
	}
}

func TestScannerEmitsLostAfterStaleWindow(t *testing.T) {
	bob, carol := testDID(t), testDID(t)
	bobEntry := testServiceEntry(t, bob, "Bob", 9998, "10.0.0.2")
	carolEntry := testServiceEntry(t, carol, "Carol", 9997, "10.0.0.3")

	var browseCalls int32
	scanner, err := NewScanner(Config{
		RefreshInterval: 30 * time.Millisecond,
		ScanTimeout:     15 * time.Millisecond,
		StaleAfter:      90 * time.Millisecond,
		browseFn: func(ctx context.Context, _, _ string, entries chan<- *zeroconf.ServiceEntry) error {
			if atomic.AddInt32(&browseCalls, 1) == 1 {
				entries <- bobEntry
			}
			entries <- carolEntry
			<-ctx.Done()
			return nil
		},
	})
	if err != nil {
		t.Fatalf("NewScanner failed: %v", err)
	}
	scanner.Start()
	defer scanner.Stop()

	found := make(map[string]bool)
	deadline := time.After(2 * time.Second)
	for {
		select {
		case event := <-scanner.Events():
			switch event.Type {
			case EventPeerFound:
				found[event.Peer.ID] = true
			case EventPeerLost:
				if event.Peer.ID != bob {
					t.Fatalf("unexpected lost peer %q", event.Peer.ID)
				}
				if !found[bob] || !found[carol] {
					t.Fatalf("lost emitted before both peers were found: %v", found)
				}
				if calls := atomic.LoadInt32(&browseCalls); calls < 3 {
					t.Fatalf("peer dropped after %d scans, before the stale window", calls)
				}
				if _, ok := scanner.Lookup(carol); !ok {
					t.Fatal("carol should still be known")
				}
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for lost event")
		}
	}
}

func TestParseEntryRequiresDID(t *testing.T) {
	entry := zeroconf.NewServiceEntry("anon", DefaultService, DefaultDomain)
	entry.Text = []string{txtVersion + "=1"}
	if _, err := parseEntry(entry, ""); err != errMissingDID {
		t.Fatalf("expected errMissingDID, got %v", err)
	}

	entry.Text = []string{txtDID + "=did:key:not-a-key"}
	if _, err := parseEntry(entry, ""); err == nil {
		t.Fatal("expected malformed did to be rejected")
	}
}

type recordingNotifier struct {
	mu        sync.Mutex
	available []string
	lost      []string
}

func (n *recordingNotifier) PeerAvailable(id string) {
	n.mu.Lock()
	n.available = append(n.available, id)
	n.mu.Unlock()
}

func (n *recordingNotifier) PeerLost(id string) {
	n.mu.Lock()
	n.lost = append(n.lost, id)
	n.mu.Unlock()
}

func TestBridgeUpdatesAddressBookAndNotifier(t *testing.T) {
	bob := testDID(t)
	book := NewAddressBook()
	notifier := &recordingNotifier{}
	events := make(chan Event, 4)

	if _, err := book.ResolvePeer(bob); err == nil {
		t.Fatal("expected unknown peer to have no route")
	}

	done := make(chan struct{})
	go func() {
		Bridge(context.Background(), events, book, notifier)
		close(done)
	}()

	events <- Event{Type: EventPeerFound, Peer: DiscoveredPeer{
		ID:        bob,
		Port:      4040,
		HostName:  "bob.local.",
		Addresses: []string{"fe80::1", "192.168.1.20"},
	}}
	waitForCondition(t, time.Second, func() bool {
		address, err := book.ResolvePeer(bob)
		return err == nil && address == "192.168.1.20:4040"
	})

	events <- Event{Type: EventPeerLost, Peer: DiscoveredPeer{ID: bob}}
	close(events)
	<-done

	if _, err := book.ResolvePeer(bob); err == nil {
		t.Fatal("expected lost peer to be removed from the address book")
	}
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.available) != 1 || notifier.available[0] != bob {
		t.Fatalf("unexpected available notifications: %v", notifier.available)
	}
	if len(notifier.lost) != 1 || notifier.lost[0] != bob {
		t.Fatalf("unexpected lost notifications: %v", notifier.lost)
	}
}

func TestAdvertiseRegistersDIDRecord(t *testing.T) {
	self := testDID(t)
	var gotText []string
	var gotPort int

	advertiser, err := Advertise(Config{
		SelfID:        self,
		Label:         "Laptop",
		ListeningPort: 7777,
		registerFn: func(instance, service, domain string, port int, text []string, _ []net.Interface) (*zeroconf.Server, error) {
			if instance != "Laptop" || service != DefaultService || domain != DefaultDomain {
				t.Fatalf("unexpected registration %q %q %q", instance, service, domain)
			}
			gotText, gotPort = text, port
			return nil, nil
		},
	})
	if err != nil {
		t.Fatalf("Advertise failed: %v", err)
	}
	advertiser.Stop()

	if gotPort != 7777 {
		t.Fatalf("expected port 7777, got %d", gotPort)
	}
	entry := zeroconf.NewServiceEntry("Laptop", DefaultService, DefaultDomain)
	entry.Text = gotText
	peer, err := parseEntry(entry, "")
	if err != nil {
		t.Fatalf("advertised record does not parse: %v", err)
	}
	if peer.ID != self || peer.Version != DefaultVersion {
		t.Fatalf("unexpected parsed peer %+v", peer)
	}
}

func TestAdvertiseRequiresIdentityAndPort(t *testing.T) {
	if _, err := Advertise(Config{ListeningPort: 1}); err == nil {
		t.Fatal("expected missing self id to fail")
	}
	if _, err := Advertise(Config{SelfID: testDID(t)}); err == nil {
		t.Fatal("expected missing port to fail")
	}
}
