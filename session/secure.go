package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/flynn/noise"

	"peerlink/network"
)

// noiseMaxPlaintext is the largest plaintext one Noise transport message holds.
const noiseMaxPlaintext = noise.MaxMsgLen - 16

// SecureChannel encrypts every frame of an inner channel with the cipher
// states produced by the handshake. It implements network.Channel.
type SecureChannel struct {
	inner      network.Channel
	peerID     string
	peerStatic []byte

	sendMu sync.Mutex
	send   *noise.CipherState

	recvMu sync.Mutex
	recv   *noise.CipherState
}

func newSecureChannel(inner network.Channel, peerID string, peerStatic []byte, send, recv *noise.CipherState) *SecureChannel {
	return &SecureChannel{
		inner:      inner,
		peerID:     peerID,
		peerStatic: append([]byte(nil), peerStatic...),
		send:       send,
		recv:       recv,
	}
}

// PeerID returns the DID the peer proved during the handshake.
func (c *SecureChannel) PeerID() string { return c.peerID }

// PeerStatic returns the peer's Noise static public key.
func (c *SecureChannel) PeerStatic() []byte { return append([]byte(nil), c.peerStatic...) }

// Send encrypts and writes payload. The nonce order on the wire must match
// the encryption order, so both happen under one lock.
func (c *SecureChannel) Send(payload []byte) error {
	if len(payload) > noiseMaxPlaintext {
		return network.ErrFrameTooLarge
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	ciphertext, err := c.send.Encrypt(nil, nil, payload)
	if err != nil {
		return fmt.Errorf("encrypt frame: %w", err)
	}
	return c.inner.Send(ciphertext)
}

// Receive reads and decrypts the next frame. A frame that fails
// authentication closes the channel.
func (c *SecureChannel) Receive(ctx context.Context) ([]byte, error) {
	ciphertext, err := c.inner.Receive(ctx)
	if err != nil {
		return nil, err
	}

	c.recvMu.Lock()
	plaintext, err := c.recv.Decrypt(nil, nil, ciphertext)
	c.recvMu.Unlock()
	if err != nil {
		_ = c.inner.Close()
		return nil, fmt.Errorf("%w: decrypt frame: %v", network.ErrChannelClosed, err)
	}
	return plaintext, nil
}

func (c *SecureChannel) BufferedAmount() uint64 { return c.inner.BufferedAmount() }

func (c *SecureChannel) SetBufferedAmountLowThreshold(threshold uint64) {
	c.inner.SetBufferedAmountLowThreshold(threshold)
}

func (c *SecureChannel) OnBufferedAmountLow(fn func()) { c.inner.OnBufferedAmountLow(fn) }

func (c *SecureChannel) Done() <-chan struct{} { return c.inner.Done() }

func (c *SecureChannel) Close() error { return c.inner.Close() }
