package storage

import (
	"bytes"
	"errors"
	"testing"

	"peerlink/models"
)

func TestTrustedPeerLifecycle(t *testing.T) {
	store := newTestStore(t)

	peer := models.TrustedPeer{
		Identifier:       "did:key:z6MkAlice",
		DisplayName:      "Alice",
		PublicKey:        bytes.Repeat([]byte{7}, 32),
		TrustedTimestamp: 100,
	}
	if err := store.AddTrustedPeer(peer); err != nil {
		t.Fatalf("AddTrustedPeer failed: %v", err)
	}

	got, err := store.GetTrustedPeer(peer.Identifier)
	if err != nil {
		t.Fatalf("GetTrustedPeer failed: %v", err)
	}
	if got.DisplayName != "Alice" || !bytes.Equal(got.PublicKey, peer.PublicKey) || got.TrustedTimestamp != 100 {
		t.Fatalf("unexpected trusted peer %+v", got)
	}

	overwrite := peer
	overwrite.DisplayName = "Mallory"
	if err := store.AddTrustedPeer(overwrite); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	got, _ = store.GetTrustedPeer(peer.Identifier)
	if got.DisplayName != "Alice" {
		t.Fatalf("expected existing entry to be kept, got %q", got.DisplayName)
	}

	removed, err := store.RemoveTrustedPeer(peer.Identifier)
	if err != nil || !removed {
		t.Fatalf("expected first remove to delete row, removed=%v err=%v", removed, err)
	}
	removed, err = store.RemoveTrustedPeer(peer.Identifier)
	if err != nil || removed {
		t.Fatalf("expected second remove to be a no-op, removed=%v err=%v", removed, err)
	}
	if _, err := store.GetTrustedPeer(peer.Identifier); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after removal, got %v", err)
	}
}

func TestListTrustedPeersOrdersByTrustTime(t *testing.T) {
	store := newTestStore(t)

	for i, id := range []string{"did:key:b", "did:key:a", "did:key:c"} {
		if err := store.AddTrustedPeer(models.TrustedPeer{
			Identifier:       id,
			DisplayName:      id,
			PublicKey:        []byte{byte(i + 1)},
			TrustedTimestamp: int64(10 - i),
		}); err != nil {
			t.Fatalf("AddTrustedPeer %q failed: %v", id, err)
		}
	}

	peers, err := store.ListTrustedPeers()
	if err != nil {
		t.Fatalf("ListTrustedPeers failed: %v", err)
	}
	if len(peers) != 3 {
		t.Fatalf("expected 3 peers, got %d", len(peers))
	}
	if peers[0].Identifier != "did:key:c" || peers[2].Identifier != "did:key:b" {
		t.Fatalf("unexpected order: %s, %s, %s", peers[0].Identifier, peers[1].Identifier, peers[2].Identifier)
	}
}
