package session

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/flynn/noise"

	"peerlink/identity"
	"peerlink/network"
	"peerlink/storage"
)

const (
	protocolPrologue = "peerlink/1"
	proofMaxAge      = 2 * time.Minute
	// handshakeConfirm is the first encrypted frame a responder sends once it
	// has accepted the initiator's proof.
	handshakeConfirm = "peerlink/ready"
)

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// identityProof binds a DID to the Noise static key it handshakes with.
type identityProof struct {
	DID       string `json:"did"`
	Signature []byte `json:"signature"`
	Timestamp int64  `json:"timestamp"`
}

type handshakeConfig struct {
	local          *identity.Manager
	requireTrusted bool
	// expectedPeer, when set, must match the DID the peer proves.
	expectedPeer string
}

func proofData(static []byte) []byte {
	out := make([]byte, 0, len(protocolPrologue)+len(static))
	out = append(out, protocolPrologue...)
	return append(out, static...)
}

func buildProof(local *identity.Manager, static []byte) ([]byte, error) {
	signed, err := local.SignWithTimestamp(proofData(static))
	if err != nil {
		return nil, err
	}
	return json.Marshal(identityProof{
		DID:       local.Identifier(),
		Signature: signed.Signature,
		Timestamp: signed.Timestamp,
	})
}

// checkProof validates payload against the peer's Noise static key and
// returns the proven DID.
func checkProof(cfg handshakeConfig, payload, peerStatic []byte) (string, error) {
	var proof identityProof
	if err := json.Unmarshal(payload, &proof); err != nil {
		return "", fmt.Errorf("%w: malformed identity proof", ErrHandshakeRejected)
	}
	if proof.DID == "" {
		return "", fmt.Errorf("%w: missing identifier", ErrHandshakeRejected)
	}
	if cfg.expectedPeer != "" && proof.DID != cfg.expectedPeer {
		return proof.DID, fmt.Errorf("%w: expected %s, peer proved %s", ErrHandshakeRejected, cfg.expectedPeer, proof.DID)
	}
	signed := identity.TimestampedSignature{Signature: proof.Signature, Timestamp: proof.Timestamp}
	if !cfg.local.VerifyWithTimestamp(proofData(peerStatic), signed, proof.DID, proofMaxAge) {
		return proof.DID, fmt.Errorf("%w: identity proof does not verify", ErrHandshakeRejected)
	}
	if cfg.requireTrusted && !cfg.local.IsTrusted(proof.DID) {
		return proof.DID, fmt.Errorf("%w: %s is not trusted", ErrHandshakeRejected, proof.DID)
	}
	return proof.DID, nil
}

func newHandshakeState(local *identity.Manager, initiator bool) (*noise.HandshakeState, []byte, error) {
	static, err := local.StaticKeyPair()
	if err != nil {
		return nil, nil, err
	}
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		Prologue:      []byte(protocolPrologue),
		StaticKeypair: noise.DHKey{Private: static.Private, Public: static.Public},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("init noise handshake: %w", err)
	}
	return hs, static.Public, nil
}

// initiate runs the XX pattern as initiator:
// -> e ; <- e, ee, s, es + proof ; -> s, se + proof ; <- confirm
func initiate(ctx context.Context, ch network.Channel, cfg handshakeConfig) (*SecureChannel, error) {
	hs, localStatic, err := newHandshakeState(cfg.local, true)
	if err != nil {
		return nil, err
	}

	msg1, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("write handshake message 1: %w", err)
	}
	if err := ch.Send(msg1); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}

	msg2, err := receiveHandshake(ctx, ch)
	if err != nil {
		return nil, err
	}
	payload, _, _, err := hs.ReadMessage(nil, msg2)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeRejected, err)
	}
	peerDID, err := checkProof(cfg, payload, hs.PeerStatic())
	if err != nil {
		return nil, err
	}

	proof, err := buildProof(cfg.local, localStatic)
	if err != nil {
		return nil, err
	}
	msg3, cs1, cs2, err := hs.WriteMessage(nil, proof)
	if err != nil {
		return nil, fmt.Errorf("write handshake message 3: %w", err)
	}
	if err := ch.Send(msg3); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}

	secure := newSecureChannel(ch, peerDID, hs.PeerStatic(), cs1, cs2)
	confirm, err := secure.Receive(ctx)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return nil, ErrHandshakeTimeout
		case errors.Is(err, context.Canceled):
			return nil, err
		default:
			return nil, fmt.Errorf("%w: peer closed before confirming", ErrHandshakeRejected)
		}
	}
	if string(confirm) != handshakeConfirm {
		return nil, fmt.Errorf("%w: unexpected confirmation", ErrHandshakeRejected)
	}
	return secure, nil
}

// respond runs the XX pattern as responder.
func respond(ctx context.Context, ch network.Channel, cfg handshakeConfig) (*SecureChannel, error) {
	hs, localStatic, err := newHandshakeState(cfg.local, false)
	if err != nil {
		return nil, err
	}

	msg1, err := receiveHandshake(ctx, ch)
	if err != nil {
		return nil, err
	}
	if _, _, _, err := hs.ReadMessage(nil, msg1); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeRejected, err)
	}

	proof, err := buildProof(cfg.local, localStatic)
	if err != nil {
		return nil, err
	}
	msg2, _, _, err := hs.WriteMessage(nil, proof)
	if err != nil {
		return nil, fmt.Errorf("write handshake message 2: %w", err)
	}
	if err := ch.Send(msg2); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}

	msg3, err := receiveHandshake(ctx, ch)
	if err != nil {
		return nil, err
	}
	payload, cs1, cs2, err := hs.ReadMessage(nil, msg3)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeRejected, err)
	}
	peerDID, err := checkProof(cfg, payload, hs.PeerStatic())
	if err != nil {
		return nil, err
	}

	// cs1 carries initiator-to-responder traffic.
	secure := newSecureChannel(ch, peerDID, hs.PeerStatic(), cs2, cs1)
	if err := secure.Send([]byte(handshakeConfirm)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}
	return secure, nil
}

func receiveHandshake(ctx context.Context, ch network.Channel) ([]byte, error) {
	msg, err := ch.Receive(ctx)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return nil, ErrHandshakeTimeout
		case errors.Is(err, context.Canceled):
			return nil, err
		default:
			return nil, fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
		}
	}
	if len(msg) > network.MaxControlFrameSize {
		return nil, fmt.Errorf("%w: handshake message too large", ErrHandshakeRejected)
	}
	return msg, nil
}

func reportRejection(local *identity.Manager, peerDID string, err error) {
	if !errors.Is(err, ErrHandshakeRejected) {
		return
	}
	local.ReportSecurityEvent("handshake_rejected", peerDID, storage.SecuritySeverityWarning, map[string]any{
		"reason": err.Error(),
	})
}
