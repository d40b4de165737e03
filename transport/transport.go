// Package transport applies backpressure and fragmentation on top of a
// network.Channel.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"peerlink/network"
)

const (
	DefaultHighWaterMark     = 1 << 20
	DefaultLowWaterMark      = 256 << 10
	DefaultMaxQueueSize      = 256
	DefaultMaxFragmentSize   = 16 << 10
	DefaultReassemblyTimeout = 30 * time.Second
)

const (
	frameData     = "data"
	frameFragment = "fragment"
	framePing     = "ping"
	framePong     = "pong"
)

// ErrClosed is returned once the transport or its channel has closed.
var ErrClosed = errors.New("transport: closed")

// Options configures a Transport. Zero values take the package defaults.
type Options struct {
	HighWaterMark     uint64
	LowWaterMark      uint64
	MaxQueueSize      int
	MaxFragmentSize   int
	ReassemblyTimeout time.Duration

	Logger *logrus.Entry
	Now    func() time.Time
}

func (o Options) withDefaults() Options {
	if o.HighWaterMark == 0 {
		o.HighWaterMark = DefaultHighWaterMark
	}
	if o.LowWaterMark == 0 || o.LowWaterMark >= o.HighWaterMark {
		o.LowWaterMark = o.HighWaterMark / 4
	}
	if o.MaxQueueSize <= 0 {
		o.MaxQueueSize = DefaultMaxQueueSize
	}
	if o.MaxFragmentSize <= 0 {
		o.MaxFragmentSize = DefaultMaxFragmentSize
	}
	if o.ReassemblyTimeout <= 0 {
		o.ReassemblyTimeout = DefaultReassemblyTimeout
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger().WithField("component", "transport")
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// frame is the wire envelope for every payload the transport writes.
type frame struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	Index     int    `json:"index,omitempty"`
	Total     int    `json:"total,omitempty"`
	Payload   []byte `json:"payload,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// Transport is a flow-controlled, fragmenting message channel.
type Transport struct {
	ch          network.Channel
	opts        Options
	log         *logrus.Entry
	reassembler *Reassembler

	// mu serializes writes to ch so queued and direct sends keep their order.
	mu     sync.Mutex
	state  FlowControlState
	queue  [][]byte
	closed bool

	pingMu sync.Mutex
	pings  map[string]chan time.Time

	inbound chan []byte

	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New wraps ch and starts its receive loop. The transport owns ch.
func New(ch network.Channel, options Options) *Transport {
	opts := options.withDefaults()
	t := &Transport{
		ch:          ch,
		opts:        opts,
		log:         opts.Logger,
		reassembler: NewReassembler(opts.ReassemblyTimeout, opts.Now),
		state:       Normal(),
		pings:       make(map[string]chan time.Time),
		inbound:     make(chan []byte, 64),
		stop:        make(chan struct{}),
	}

	ch.SetBufferedAmountLowThreshold(opts.LowWaterMark)
	ch.OnBufferedAmountLow(func() {
		t.UpdateBufferedAmount(t.ch.BufferedAmount())
	})

	t.wg.Add(2)
	go t.readLoop()
	go t.sweepLoop()
	return t
}

// Send writes payload, queues it locally while paused, or reports QueueFull.
// Sends are queued whenever earlier sends are still queued.
func (t *Transport) Send(payload []byte) SendResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return Failed(ErrClosed)
	}
	t.refreshLocked(t.ch.BufferedAmount())

	if t.state.IsPaused() || len(t.queue) > 0 {
		if len(t.queue) >= t.opts.MaxQueueSize {
			return QueueFull()
		}
		t.queue = append(t.queue, append([]byte(nil), payload...))
		return Queued(len(t.queue))
	}

	if err := t.writeLocked(payload); err != nil {
		return Failed(err)
	}
	t.refreshLocked(t.ch.BufferedAmount())
	return Sent()
}

// Receive returns the next complete inbound payload.
func (t *Transport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case payload := <-t.inbound:
		return payload, nil
	case <-t.stop:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// UpdateBufferedAmount recomputes the flow state for channels that push
// buffered-amount changes, flushing the local queue on resume.
func (t *Transport) UpdateBufferedAmount(buffered uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.refreshLocked(buffered)
}

// State returns the current flow-control state.
func (t *Transport) State() FlowControlState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) Stats() FlowControlStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return FlowControlStats{
		IsPaused:       t.state.IsPaused(),
		BufferedAmount: t.ch.BufferedAmount(),
		QueueSize:      len(t.queue),
		HighWaterMark:  t.opts.HighWaterMark,
		LowWaterMark:   t.opts.LowWaterMark,
	}
}

// Ping sends an application-level ping and waits for the matching pong.
// Pings bypass the local queue.
func (t *Transport) Ping(ctx context.Context) (time.Duration, error) {
	nonce := uuid.NewString()
	reply := make(chan time.Time, 1)

	t.pingMu.Lock()
	t.pings[nonce] = reply
	t.pingMu.Unlock()
	defer func() {
		t.pingMu.Lock()
		delete(t.pings, nonce)
		t.pingMu.Unlock()
	}()

	started := t.opts.Now()
	if err := t.writeControl(frame{Type: framePing, ID: nonce, Timestamp: started.UnixMilli()}); err != nil {
		return 0, err
	}

	select {
	case at := <-reply:
		return at.Sub(started), nil
	case <-t.stop:
		return 0, ErrClosed
	case <-t.ch.Done():
		return 0, ErrClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Done is closed once the transport stops, either through Close or because
// the channel closed.
func (t *Transport) Done() <-chan struct{} {
	return t.stop
}

// Close shuts the transport and its channel down and returns payloads that
// were queued locally but never written.
func (t *Transport) Close() [][]byte {
	t.mu.Lock()
	t.closed = true
	unsent := t.queue
	t.queue = nil
	t.mu.Unlock()

	t.shutdown()
	_ = t.ch.Close()
	t.wg.Wait()
	return unsent
}

func (t *Transport) shutdown() {
	t.closeOnce.Do(func() { close(t.stop) })
}

// refreshLocked applies the high/low water marks and flushes the local
// queue when the channel drains.
func (t *Transport) refreshLocked(buffered uint64) {
	switch t.state.Kind {
	case FlowPaused:
		if buffered > t.opts.LowWaterMark {
			t.state = Paused(buffered, t.opts.HighWaterMark)
			return
		}
		t.state = Resumed(buffered)
		t.log.WithField("buffered", buffered).Debug("Transport resumed")
		t.flushLocked()
	case FlowNormal, FlowResumed:
		if buffered > t.opts.HighWaterMark {
			t.state = Paused(buffered, t.opts.HighWaterMark)
			t.log.WithField("buffered", buffered).Debug("Transport paused")
			return
		}
		if t.state.Kind == FlowResumed && len(t.queue) == 0 {
			t.state = Normal()
		}
	}
}

func (t *Transport) flushLocked() {
	for len(t.queue) > 0 {
		if t.state.IsPaused() {
			return
		}
		payload := t.queue[0]
		t.queue[0] = nil
		t.queue = t.queue[1:]

		if err := t.writeLocked(payload); err != nil {
			t.log.WithError(err).Warn("Flush queued payload failed")
			t.queue = append([][]byte{payload}, t.queue...)
			return
		}
		buffered := t.ch.BufferedAmount()
		if buffered > t.opts.HighWaterMark {
			t.state = Paused(buffered, t.opts.HighWaterMark)
		}
	}
}

func (t *Transport) writeLocked(payload []byte) error {
	if len(payload) <= t.opts.MaxFragmentSize {
		return t.writeFrame(frame{Type: frameData, Payload: payload})
	}

	fragments, err := Split(uuid.NewString(), payload, t.opts.MaxFragmentSize)
	if err != nil {
		return err
	}
	for _, f := range fragments {
		if err := t.writeFrame(frame{Type: frameFragment, ID: f.MessageID, Index: f.Index, Total: f.Total, Payload: f.Data}); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transport) writeControl(f frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	return t.writeFrame(f)
}

func (t *Transport) writeFrame(f frame) error {
	encoded, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", f.Type, err)
	}
	if err := t.ch.Send(encoded); err != nil {
		if errors.Is(err, network.ErrChannelClosed) {
			return fmt.Errorf("%w: %v", ErrClosed, err)
		}
		return err
	}
	return nil
}

func (t *Transport) readLoop() {
	defer t.wg.Done()
	defer t.shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-t.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		raw, err := t.ch.Receive(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				t.log.WithError(err).Debug("Transport channel closed")
			}
			return
		}

		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			t.log.WithError(err).Debug("Dropping undecodable frame")
			continue
		}

		switch f.Type {
		case frameData:
			t.deliver(f.Payload)
		case frameFragment:
			payload, complete, err := t.reassembler.Add(Fragment{MessageID: f.ID, Index: f.Index, Total: f.Total, Data: f.Payload})
			if err != nil {
				t.log.WithError(err).Debug("Dropping invalid fragment")
				continue
			}
			if complete {
				t.deliver(payload)
			}
		case framePing:
			if err := t.writeControl(frame{Type: framePong, ID: f.ID, Timestamp: t.opts.Now().UnixMilli()}); err != nil {
				t.log.WithError(err).Debug("Pong write failed")
			}
		case framePong:
			t.pingMu.Lock()
			reply := t.pings[f.ID]
			t.pingMu.Unlock()
			if reply != nil {
				select {
				case reply <- t.opts.Now():
				default:
				}
			}
		default:
			t.log.WithField("type", f.Type).Debug("Dropping frame of unknown type")
		}
	}
}

func (t *Transport) deliver(payload []byte) {
	if payload == nil {
		payload = []byte{}
	}
	select {
	case t.inbound <- payload:
	case <-t.stop:
	}
}

func (t *Transport) sweepLoop() {
	defer t.wg.Done()

	interval := t.opts.ReassemblyTimeout / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if dropped := t.reassembler.Sweep(); dropped > 0 {
				t.log.WithField("dropped", dropped).Debug("Discarded incomplete fragment sets")
			}
		case <-t.stop:
			return
		}
	}
}
