package network

import (
	"context"
	"sync"
)

const pipeInboundDepth = 1024

// PipeChannel is one end of an in-memory Channel pair. Hold and Release let
// callers simulate a medium that stops draining, so the buffered amount grows.
type PipeChannel struct {
	peer      *PipeChannel
	inbound   chan []byte
	watermark lowWatermark

	mu       sync.Mutex
	held     bool
	draining bool
	pending  [][]byte
	buffered uint64

	// shared by both ends
	closeOnce *sync.Once
	closed    chan struct{}
}

// Pipe returns two connected channel ends. Closing either end closes both.
func Pipe() (*PipeChannel, *PipeChannel) {
	once := &sync.Once{}
	closed := make(chan struct{})
	a := &PipeChannel{inbound: make(chan []byte, pipeInboundDepth), closeOnce: once, closed: closed}
	b := &PipeChannel{inbound: make(chan []byte, pipeInboundDepth), closeOnce: once, closed: closed}
	a.peer, b.peer = b, a
	return a, b
}

func (p *PipeChannel) Send(payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	select {
	case <-p.closed:
		return ErrChannelClosed
	default:
	}

	frame := append([]byte(nil), payload...)
	p.mu.Lock()
	if p.held || p.draining || len(p.pending) > 0 {
		p.pending = append(p.pending, frame)
		p.buffered += uint64(len(frame))
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	return p.deliver(frame)
}

func (p *PipeChannel) Receive(ctx context.Context) ([]byte, error) {
	return receive(ctx, p.inbound, p.closed, func() error { return nil })
}

func (p *PipeChannel) BufferedAmount() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buffered
}

func (p *PipeChannel) SetBufferedAmountLowThreshold(threshold uint64) {
	p.watermark.set(threshold)
}

func (p *PipeChannel) OnBufferedAmountLow(fn func()) {
	p.watermark.register(fn)
}

func (p *PipeChannel) Done() <-chan struct{} {
	return p.closed
}

func (p *PipeChannel) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

// Hold stops delivery; subsequent sends accumulate as buffered bytes.
func (p *PipeChannel) Hold() {
	p.mu.Lock()
	p.held = true
	p.mu.Unlock()
}

// Release delivers everything held, in order, firing the buffered-amount-low
// callback as the threshold is crossed.
func (p *PipeChannel) Release() {
	p.mu.Lock()
	p.held = false
	if p.draining {
		p.mu.Unlock()
		return
	}
	p.draining = true
	p.mu.Unlock()

	for {
		p.mu.Lock()
		if len(p.pending) == 0 || p.held {
			p.draining = false
			p.mu.Unlock()
			return
		}
		frame := p.pending[0]
		p.pending = p.pending[1:]
		p.mu.Unlock()

		if err := p.deliver(frame); err != nil {
			p.mu.Lock()
			p.draining = false
			p.mu.Unlock()
			return
		}

		p.mu.Lock()
		before := p.buffered
		p.buffered -= uint64(len(frame))
		after := p.buffered
		p.mu.Unlock()
		p.watermark.crossed(before, after)
	}
}

func (p *PipeChannel) deliver(frame []byte) error {
	select {
	case p.peer.inbound <- frame:
		return nil
	case <-p.closed:
		return ErrChannelClosed
	}
}
