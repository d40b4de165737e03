package storage

import (
	"errors"
	"testing"

	"peerlink/models"
)

func TestOneTimePreKeyTakeIsSingleUse(t *testing.T) {
	store := newTestStore(t)

	keys := []models.OneTimePreKey{
		{ID: "pk-1", PublicKey: []byte{1}, PrivateKey: []byte{2}, CreatedAt: 1},
		{ID: "pk-2", PublicKey: []byte{3}, PrivateKey: []byte{4}, CreatedAt: 2},
	}
	if err := store.InsertOneTimePreKeys(keys); err != nil {
		t.Fatalf("InsertOneTimePreKeys failed: %v", err)
	}

	taken, err := store.TakeOneTimePreKey("pk-1")
	if err != nil {
		t.Fatalf("TakeOneTimePreKey failed: %v", err)
	}
	if taken.PrivateKey[0] != 2 {
		t.Fatalf("unexpected taken key %+v", taken)
	}
	if _, err := store.TakeOneTimePreKey("pk-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on reuse, got %v", err)
	}

	remaining, err := store.ListOneTimePreKeys()
	if err != nil || len(remaining) != 1 || remaining[0].ID != "pk-2" {
		t.Fatalf("unexpected remaining keys %+v err=%v", remaining, err)
	}
}

func TestReplaceOneTimePreKeysIsAtomic(t *testing.T) {
	store := newTestStore(t)

	if err := store.InsertOneTimePreKeys([]models.OneTimePreKey{{ID: "old", PublicKey: []byte{1}, PrivateKey: []byte{1}}}); err != nil {
		t.Fatalf("InsertOneTimePreKeys failed: %v", err)
	}

	bad := []models.OneTimePreKey{{ID: "new", PublicKey: []byte{1}, PrivateKey: []byte{1}}, {ID: ""}}
	if err := store.ReplaceOneTimePreKeys(bad); err == nil {
		t.Fatalf("expected invalid replacement to fail")
	}
	keys, _ := store.ListOneTimePreKeys()
	if len(keys) != 1 || keys[0].ID != "old" {
		t.Fatalf("expected original key set to survive failed replace, got %+v", keys)
	}

	if err := store.ReplaceOneTimePreKeys(bad[:1]); err != nil {
		t.Fatalf("ReplaceOneTimePreKeys failed: %v", err)
	}
	keys, _ = store.ListOneTimePreKeys()
	if len(keys) != 1 || keys[0].ID != "new" {
		t.Fatalf("expected replaced key set, got %+v", keys)
	}
}
