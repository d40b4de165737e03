package network

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v3"
)

// DataChannel adapts a negotiated WebRTC data channel. Signaling and ICE are
// the caller's concern; the channel must be created with ordered delivery.
type DataChannel struct {
	dc *webrtc.DataChannel

	inbound chan []byte
	opened  chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

// NewDataChannel wraps dc and registers its message, open and close handlers.
func NewDataChannel(dc *webrtc.DataChannel) *DataChannel {
	c := &DataChannel{
		dc:      dc,
		inbound: make(chan []byte, 64),
		opened:  make(chan struct{}),
		closed:  make(chan struct{}),
	}

	var openOnce sync.Once
	markOpen := func() { openOnce.Do(func() { close(c.opened) }) }
	dc.OnOpen(markOpen)
	if dc.ReadyState() == webrtc.DataChannelStateOpen {
		markOpen()
	}

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if msg.IsString {
			return
		}
		select {
		case c.inbound <- msg.Data:
		case <-c.closed:
		}
	})
	dc.OnClose(func() {
		c.closeOnce.Do(func() { close(c.closed) })
	})
	return c
}

// Opened is closed once the data channel can carry traffic.
func (c *DataChannel) Opened() <-chan struct{} {
	return c.opened
}

func (c *DataChannel) Send(payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	select {
	case <-c.closed:
		return ErrChannelClosed
	default:
	}
	return c.dc.Send(payload)
}

func (c *DataChannel) Receive(ctx context.Context) ([]byte, error) {
	return receive(ctx, c.inbound, c.closed, func() error { return nil })
}

func (c *DataChannel) BufferedAmount() uint64 {
	return c.dc.BufferedAmount()
}

func (c *DataChannel) SetBufferedAmountLowThreshold(threshold uint64) {
	c.dc.SetBufferedAmountLowThreshold(threshold)
}

func (c *DataChannel) OnBufferedAmountLow(fn func()) {
	c.dc.OnBufferedAmountLow(fn)
}

func (c *DataChannel) Done() <-chan struct{} {
	return c.closed
}

func (c *DataChannel) Close() error {
	err := c.dc.Close()
	c.closeOnce.Do(func() { close(c.closed) })
	return err
}
