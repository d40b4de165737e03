// Package session owns connection lifecycles to remote identities: dialing,
// authenticated handshakes, reconnection and health.
package session

import (
	"errors"
	"time"
)

var (
	// ErrPeerUnreachable indicates the peer could not be dialed.
	ErrPeerUnreachable = errors.New("session: peer unreachable")
	// ErrHandshakeRejected indicates the peer failed authentication or is not trusted.
	ErrHandshakeRejected = errors.New("session: handshake rejected")
	// ErrHandshakeTimeout indicates the handshake did not finish in time.
	ErrHandshakeTimeout = errors.New("session: handshake timed out")
	// ErrTransportUnavailable indicates no transport can currently be used.
	ErrTransportUnavailable = errors.New("session: transport unavailable")
	// ErrNotConnected indicates no session is established with the peer.
	ErrNotConnected = errors.New("session: not connected")
)

// State is the connection status with one peer.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateUnavailable
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// StateChange is published for every transition. Attempt is set while
// reconnecting; Err carries the cause of a drop or failed connect.
type StateChange struct {
	PeerID  string
	From    State
	To      State
	Attempt int
	Err     error
	At      time.Time
}

// ReconnectionStatus reports the autonomous reconnection loop for one peer.
type ReconnectionStatus struct {
	IsReconnecting       bool
	Attempts             int
	AutoReconnectEnabled bool
}

// Backoff computes exponential reconnect delays.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff doubles from one second up to one minute.
var DefaultBackoff = Backoff{Base: time.Second, Max: time.Minute}

// NextDelay returns Base * 2^attempt, capped at Max. It is non-decreasing in
// attempt and never overflows.
func (b Backoff) NextDelay(attempt int) time.Duration {
	base, max := b.Base, b.Max
	if base <= 0 {
		base = DefaultBackoff.Base
	}
	if max < base {
		max = base
	}
	if attempt < 0 {
		attempt = 0
	}

	delay := base
	for i := 0; i < attempt; i++ {
		if delay >= max/2 {
			return max
		}
		delay *= 2
	}
	if delay > max {
		return max
	}
	return delay
}
