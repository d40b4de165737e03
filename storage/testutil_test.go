package storage

import (
	"testing"

	"peerlink/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustInsertOfflineItem(t *testing.T, store *Store, id, peerID string, enqueueTime int64) {
	t.Helper()

	err := store.InsertOfflineItem(models.QueuedOfflineItem{
		ID:          id,
		PeerID:      peerID,
		Payload:     []byte("payload-" + id),
		EnqueueTime: enqueueTime,
	})
	if err != nil {
		t.Fatalf("insert offline item %q: %v", id, err)
	}
}
