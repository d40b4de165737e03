package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
)

// ConnChannel carries length-prefixed frames over a stream connection.
type ConnChannel struct {
	conn      net.Conn
	writer    *queuedWriter
	watermark lowWatermark

	inbound chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

// NewConnChannel starts read and write loops over conn. The channel owns conn.
func NewConnChannel(conn net.Conn) *ConnChannel {
	c := &ConnChannel{
		conn:    conn,
		inbound: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
	c.writer = newQueuedWriter(func(frame []byte) error {
		return WriteFrame(c.conn, frame)
	}, &c.watermark, func(err error) {
		c.closeWithError(fmt.Errorf("write frame: %w", err))
	}, c.closed)

	go c.writer.run()
	go c.readLoop()
	return c
}

// RemoteAddr returns the peer's network address.
func (c *ConnChannel) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *ConnChannel) Send(payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	return c.writer.enqueue(payload)
}

func (c *ConnChannel) Receive(ctx context.Context) ([]byte, error) {
	return receive(ctx, c.inbound, c.closed, c.Err)
}

func (c *ConnChannel) BufferedAmount() uint64 {
	return c.writer.bufferedAmount()
}

func (c *ConnChannel) SetBufferedAmountLowThreshold(threshold uint64) {
	c.watermark.set(threshold)
}

func (c *ConnChannel) OnBufferedAmountLow(fn func()) {
	c.watermark.register(fn)
}

func (c *ConnChannel) Done() <-chan struct{} {
	return c.closed
}

// Err returns the error that closed the channel, if any.
func (c *ConnChannel) Err() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.closeErr
}

func (c *ConnChannel) Close() error {
	c.closeWithError(nil)
	return nil
}

func (c *ConnChannel) readLoop() {
	for {
		payload, err := ReadFrame(c.conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				c.closeWithError(nil)
				return
			}
			c.closeWithError(fmt.Errorf("read frame: %w", err))
			return
		}

		select {
		case c.inbound <- payload:
		case <-c.closed:
			return
		}
	}
}

func (c *ConnChannel) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.closeErr = err
		c.errMu.Unlock()

		_ = c.conn.Close()
		close(c.closed)
	})
}

// receive prefers already-buffered inbound frames over the closed signal so
// frames read before a close are still delivered.
func receive(ctx context.Context, inbound <-chan []byte, closed <-chan struct{}, lastErr func() error) ([]byte, error) {
	select {
	case payload := <-inbound:
		return payload, nil
	default:
	}

	select {
	case payload := <-inbound:
		return payload, nil
	case <-closed:
		select {
		case payload := <-inbound:
			return payload, nil
		default:
		}
		if err := lastErr(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrChannelClosed, err)
		}
		return nil, ErrChannelClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
