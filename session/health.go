package session

import (
	"context"
	"time"
)

// Health is the combined connectivity verdict for one peer.
type Health struct {
	Healthy      bool
	State        State
	Latency      time.Duration
	Reconnection ReconnectionStatus
	Err          error
}

// CheckHealth pings a connected peer. The peer is healthy when it is
// connected and answers within the latency threshold.
func (m *Manager) CheckHealth(ctx context.Context, peerID string) Health {
	health := Health{
		State:        m.State(peerID),
		Reconnection: m.ReconnectionStatus(peerID),
	}
	if health.State != StateConnected {
		health.Err = ErrNotConnected
		return health
	}

	latency, err := m.Ping(ctx, peerID)
	if err != nil {
		health.Err = err
		return health
	}
	health.Latency = latency
	health.Healthy = latency < m.opts.HealthLatencyThreshold
	return health
}
