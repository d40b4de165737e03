package discovery

import (
	"context"
	"net"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	"peerlink/network"
)

// Notifier receives reachability changes. session.Manager implements it.
type Notifier interface {
	PeerAvailable(peerID string)
	PeerLost(peerID string)
}

// AddressBook keeps the last advertised address of each discovered peer
// and resolves peer ids for network.TCPDialer.
type AddressBook struct {
	mu    sync.RWMutex
	peers map[string]DiscoveredPeer
}

func NewAddressBook() *AddressBook {
	return &AddressBook{peers: make(map[string]DiscoveredPeer)}
}

// ResolvePeer implements network.AddressResolver. IPv4 addresses are
// preferred, then IPv6, then the advertised host name.
func (b *AddressBook) ResolvePeer(peerID string) (string, error) {
	b.mu.RLock()
	peer, ok := b.peers[peerID]
	b.mu.RUnlock()
	if !ok || peer.Port <= 0 {
		return "", network.ErrNoRoute
	}

	host := ""
	for _, address := range peer.Addresses {
		if ip := net.ParseIP(address); ip != nil && ip.To4() != nil {
			host = address
			break
		}
	}
	if host == "" && len(peer.Addresses) > 0 {
		host = peer.Addresses[0]
	}
	if host == "" {
		host = peer.HostName
	}
	if host == "" {
		return "", network.ErrNoRoute
	}
	return net.JoinHostPort(host, strconv.Itoa(peer.Port)), nil
}

func (b *AddressBook) put(peer DiscoveredPeer) {
	b.mu.Lock()
	b.peers[peer.ID] = peer
	b.mu.Unlock()
}

func (b *AddressBook) remove(peerID string) {
	b.mu.Lock()
	delete(b.peers, peerID)
	b.mu.Unlock()
}

// Bridge applies scanner events to book and notifier until ctx is done or
// events is closed.
func Bridge(ctx context.Context, events <-chan Event, book *AddressBook, notifier Notifier) {
	log := logrus.WithField("component", "discovery")
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			entry := log.WithField("peer_id", event.Peer.ID)
			switch event.Type {
			case EventPeerFound:
				book.put(event.Peer)
				entry.WithField("port", event.Peer.Port).Debug("Peer discovered")
				if notifier != nil {
					notifier.PeerAvailable(event.Peer.ID)
				}
			case EventPeerLost:
				book.remove(event.Peer.ID)
				entry.Debug("Peer lost")
				if notifier != nil {
					notifier.PeerLost(event.Peer.ID)
				}
			}
		}
	}
}
