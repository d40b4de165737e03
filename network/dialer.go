package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrNoRoute indicates no address is currently known for a peer.
var ErrNoRoute = errors.New("network: no route to peer")

// AddressResolver maps a peer identifier to a dialable address.
type AddressResolver interface {
	ResolvePeer(peerID string) (string, error)
}

// ResolverFunc adapts a function to AddressResolver.
type ResolverFunc func(peerID string) (string, error)

func (f ResolverFunc) ResolvePeer(peerID string) (string, error) { return f(peerID) }

// TCPDialer opens ConnChannels to peers whose addresses come from Resolver.
type TCPDialer struct {
	Resolver AddressResolver
	Timeout  time.Duration
}

// Dial resolves peerID and connects.
func (d TCPDialer) Dial(ctx context.Context, peerID string) (Channel, error) {
	if d.Resolver == nil {
		return nil, ErrNoRoute
	}
	address, err := d.Resolver.ResolvePeer(peerID)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", peerID, err)
	}

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultConnectionTimeout
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}
	return NewConnChannel(conn), nil
}

// WebSocketDialer opens WebSocketChannels to a relay URL chosen per peer.
type WebSocketDialer struct {
	URL func(peerID string) (string, error)
}

func (d WebSocketDialer) Dial(ctx context.Context, peerID string) (Channel, error) {
	if d.URL == nil {
		return nil, ErrNoRoute
	}
	url, err := d.URL(peerID)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", peerID, err)
	}
	return DialWebSocket(ctx, url, nil)
}
