package network

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	wsReadBuffer     = 16 * 1024
	wsWriteBuffer    = 16 * 1024
	wsHandshakeLimit = 10 * time.Second
	wsCloseGrace     = time.Second
)

// WebSocketChannel carries one binary WebSocket message per frame. It is used
// when peers reach each other through a relay instead of a direct socket.
type WebSocketChannel struct {
	conn      *websocket.Conn
	writer    *queuedWriter
	watermark lowWatermark

	inbound chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

// NewWebSocketChannel takes ownership of an established connection.
func NewWebSocketChannel(conn *websocket.Conn) *WebSocketChannel {
	conn.SetReadLimit(MaxFrameSize)

	c := &WebSocketChannel{
		conn:    conn,
		inbound: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
	c.writer = newQueuedWriter(func(frame []byte) error {
		return c.conn.WriteMessage(websocket.BinaryMessage, frame)
	}, &c.watermark, func(err error) {
		c.closeWithError(fmt.Errorf("write websocket message: %w", err))
	}, c.closed)

	go c.writer.run()
	go c.readLoop()
	return c
}

// DialWebSocket opens a channel to a WebSocket endpoint such as
// "ws://relay.example:8080/peer/<id>".
func DialWebSocket(ctx context.Context, url string, header http.Header) (*WebSocketChannel, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: wsHandshakeLimit,
		ReadBufferSize:   wsReadBuffer,
		WriteBufferSize:  wsWriteBuffer,
	}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial websocket %q: %w", url, err)
	}
	return NewWebSocketChannel(conn), nil
}

// WebSocketHandler upgrades inbound requests and hands each resulting channel
// to accept. The handler returns once the upgrade completes.
func WebSocketHandler(accept func(*WebSocketChannel), logger *logrus.Entry) http.Handler {
	if logger == nil {
		logger = logrus.StandardLogger().WithField("component", "websocket")
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  wsReadBuffer,
		WriteBufferSize: wsWriteBuffer,
		// Peers authenticate inside the channel, so any origin may connect.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.WithError(err).Debug("WebSocket upgrade failed")
			return
		}
		accept(NewWebSocketChannel(conn))
	})
}

func (c *WebSocketChannel) Send(payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	return c.writer.enqueue(payload)
}

func (c *WebSocketChannel) Receive(ctx context.Context) ([]byte, error) {
	return receive(ctx, c.inbound, c.closed, c.Err)
}

func (c *WebSocketChannel) BufferedAmount() uint64 {
	return c.writer.bufferedAmount()
}

func (c *WebSocketChannel) SetBufferedAmountLowThreshold(threshold uint64) {
	c.watermark.set(threshold)
}

func (c *WebSocketChannel) OnBufferedAmountLow(fn func()) {
	c.watermark.register(fn)
}

func (c *WebSocketChannel) Done() <-chan struct{} {
	return c.closed
}

// Err returns the error that closed the channel, if any.
func (c *WebSocketChannel) Err() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.closeErr
}

// Close sends a close control frame and releases the connection.
func (c *WebSocketChannel) Close() error {
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
		time.Now().Add(wsCloseGrace),
	)
	c.closeWithError(nil)
	return nil
}

func (c *WebSocketChannel) readLoop() {
	for {
		msgType, payload, err := c.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == websocket.CloseNormalClosure {
				c.closeWithError(nil)
				return
			}
			c.closeWithError(fmt.Errorf("read websocket message: %w", err))
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		select {
		case c.inbound <- payload:
		case <-c.closed:
			return
		}
	}
}

func (c *WebSocketChannel) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.closeErr = err
		c.errMu.Unlock()

		_ = c.conn.Close()
		close(c.closed)
	})
}
