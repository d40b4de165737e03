package crypto

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"

	"github.com/multiformats/go-multibase"
)

// DIDKeyPrefix is the scheme tag for identifiers that embed their public key.
const DIDKeyPrefix = "did:key:"

// ed25519Multicodec is the varint-encoded multicodec tag for ed25519-pub.
var ed25519Multicodec = []byte{0xed, 0x01}

// ErrInvalidDID indicates an identifier is not a did:key carrying an Ed25519 key.
var ErrInvalidDID = errors.New("crypto: invalid did:key identifier")

// DIDFromPublicKey derives the did:key identifier for an Ed25519 public key.
func DIDFromPublicKey(publicKey ed25519.PublicKey) (string, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return "", fmt.Errorf("derive did:key: invalid key size %d", len(publicKey))
	}

	encoded, err := multibase.Encode(multibase.Base58BTC, append(append([]byte(nil), ed25519Multicodec...), publicKey...))
	if err != nil {
		return "", fmt.Errorf("derive did:key: %w", err)
	}
	return DIDKeyPrefix + encoded, nil
}

// PublicKeyFromDID decodes the Ed25519 public key embedded in a did:key identifier.
func PublicKeyFromDID(did string) (ed25519.PublicKey, error) {
	if !strings.HasPrefix(did, DIDKeyPrefix) {
		return nil, ErrInvalidDID
	}

	encoding, raw, err := multibase.Decode(strings.TrimPrefix(did, DIDKeyPrefix))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDID, err)
	}
	if encoding != multibase.Base58BTC {
		return nil, ErrInvalidDID
	}
	if !bytes.HasPrefix(raw, ed25519Multicodec) || len(raw) != len(ed25519Multicodec)+ed25519.PublicKeySize {
		return nil, ErrInvalidDID
	}

	return ed25519.PublicKey(raw[len(ed25519Multicodec):]), nil
}
