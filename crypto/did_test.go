package crypto

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestDIDRoundTrip(t *testing.T) {
	_, publicKey, err := GenerateEd25519KeyPair()
	if err != nil {
		t.Fatalf("GenerateEd25519KeyPair failed: %v", err)
	}

	did, err := DIDFromPublicKey(publicKey)
	if err != nil {
		t.Fatalf("DIDFromPublicKey failed: %v", err)
	}
	if !strings.HasPrefix(did, "did:key:z6Mk") {
		t.Fatalf("expected did:key with base58btc ed25519 prefix, got %q", did)
	}

	decoded, err := PublicKeyFromDID(did)
	if err != nil {
		t.Fatalf("PublicKeyFromDID failed: %v", err)
	}
	if !bytes.Equal(decoded, publicKey) {
		t.Fatalf("expected decoded key to match original")
	}

	again, err := DIDFromPublicKey(publicKey)
	if err != nil || again != did {
		t.Fatalf("expected deterministic identifier, got %q err=%v", again, err)
	}
}

func TestPublicKeyFromDIDRejectsMalformed(t *testing.T) {
	for _, did := range []string{"", "did:web:example.com", "did:key:", "did:key:z1111", "did:key:mAAAA"} {
		if _, err := PublicKeyFromDID(did); !errors.Is(err, ErrInvalidDID) {
			t.Fatalf("expected ErrInvalidDID for %q, got %v", did, err)
		}
	}
}
