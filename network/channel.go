// Package network provides the framed data-channel abstraction sessions run
// over, with TCP, WebSocket, WebRTC and in-memory implementations.
package network

import (
	"context"
	"sync"
)

// Channel is a bidirectional, message-oriented byte channel between two
// already-signaled endpoints. Implementations report how many bytes were
// accepted by Send but not yet handed to the underlying medium.
type Channel interface {
	Send(payload []byte) error
	Receive(ctx context.Context) ([]byte, error)

	BufferedAmount() uint64
	SetBufferedAmountLowThreshold(threshold uint64)
	// OnBufferedAmountLow registers a callback fired when the buffered
	// amount falls from above the threshold to at or below it.
	OnBufferedAmountLow(fn func())

	Done() <-chan struct{}
	Close() error
}

// lowWatermark tracks the buffered-amount-low threshold and callback shared
// by the Channel implementations in this package.
type lowWatermark struct {
	mu        sync.Mutex
	threshold uint64
	callback  func()
}

func (w *lowWatermark) set(threshold uint64) {
	w.mu.Lock()
	w.threshold = threshold
	w.mu.Unlock()
}

func (w *lowWatermark) register(fn func()) {
	w.mu.Lock()
	w.callback = fn
	w.mu.Unlock()
}

// crossed invokes the callback when a decrease from before to after crossed
// the threshold.
func (w *lowWatermark) crossed(before, after uint64) {
	w.mu.Lock()
	threshold, callback := w.threshold, w.callback
	w.mu.Unlock()

	if callback != nil && before > threshold && after <= threshold {
		callback()
	}
}
