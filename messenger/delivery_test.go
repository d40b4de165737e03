package messenger

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerlink/identity"
	"peerlink/models"
	"peerlink/network"
	"peerlink/offline"
	"peerlink/session"
	"peerlink/storage"
)

// pipeNet connects session managers over in-memory pipes.
type pipeNet struct {
	mu    sync.Mutex
	nodes map[string]*session.Manager
	down  map[string]bool
}

func newPipeNet() *pipeNet {
	return &pipeNet{nodes: make(map[string]*session.Manager), down: make(map[string]bool)}
}

func (n *pipeNet) setDown(peerID string, down bool) {
	n.mu.Lock()
	n.down[peerID] = down
	n.mu.Unlock()
}

func (n *pipeNet) Dial(_ context.Context, peerID string) (network.Channel, error) {
	n.mu.Lock()
	target, ok := n.nodes[peerID]
	down := n.down[peerID]
	n.mu.Unlock()
	if !ok || down {
		return nil, errors.New("no route to peer")
	}
	local, remote := network.Pipe()
	go func() { _, _ = target.Accept(context.Background(), remote) }()
	return local, nil
}

type deliveryNode struct {
	id       *identity.Manager
	store    *storage.Store
	sessions *session.Manager
}

func (n *pipeNet) addNode(t *testing.T, label string) deliveryNode {
	t.Helper()
	dataDir := t.TempDir()
	store, _, err := storage.Open(dataDir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	id, err := identity.NewManager(identity.Options{
		KeysDir: filepath.Join(dataDir, "keys"),
		Store:   store,
	})
	require.NoError(t, err)
	_, err = id.Initialize(label)
	require.NoError(t, err)

	sessions, err := session.NewManager(session.Options{
		Identity:         id,
		Dialer:           n,
		Backoff:          session.Backoff{Base: 10 * time.Millisecond, Max: 40 * time.Millisecond},
		HandshakeTimeout: 2 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(sessions.Close)

	n.mu.Lock()
	n.nodes[id.Identifier()] = sessions
	n.mu.Unlock()
	return deliveryNode{id: id, store: store, sessions: sessions}
}

func runInBackground(t *testing.T, run func(context.Context) error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestMessageToOfflinePeerIsDeliveredAfterReconnect(t *testing.T) {
	net := newPipeNet()
	a := net.addNode(t, "a")
	b := net.addNode(t, "b")
	require.NoError(t, a.id.AddTrustedDevice(b.id.Identifier(), "b", nil))
	require.NoError(t, b.id.AddTrustedDevice(a.id.Identifier(), "a", nil))
	bID := b.id.Identifier()
	net.setDown(bID, true)

	outbox, err := offline.NewQueue(offline.Options{
		Store:        a.store,
		Sessions:     a.sessions,
		PollInterval: 20 * time.Millisecond,
		RetryDelay:   10 * time.Millisecond,
	})
	require.NoError(t, err)

	var (
		mu       sync.Mutex
		acked    []string
		received []models.Message
	)
	sender, err := New(Options{
		LocalID:  a.id.Identifier(),
		Sessions: a.sessions,
		Offline:  outbox,
		OnAck: func(_, messageID string) {
			mu.Lock()
			acked = append(acked, messageID)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	outbox.SetSender(sender)

	receiver, err := New(Options{
		LocalID:       bID,
		Sessions:      b.sessions,
		Offline:       &fakeOffline{},
		BatchSize:     1,
		BatchInterval: 10 * time.Millisecond,
		Handler: func(batch []models.Message) {
			mu.Lock()
			received = append(received, batch...)
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	runInBackground(t, outbox.Run)
	runInBackground(t, sender.Run)
	runInBackground(t, receiver.Run)

	m1, err := sender.Submit(models.Message{ReceiverID: bID, Payload: []byte("M1"), RequiresAck: true})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return outbox.Stats() == models.QueueStats{Total: 1, Pending: 1}
	}, 3*time.Second, 5*time.Millisecond)

	net.setDown(bID, false)
	require.NoError(t, a.sessions.Connect(context.Background(), bID, bID))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, 3*time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, m1.ID, received[0].ID)
	assert.Equal(t, []byte("M1"), received[0].Payload)
	mu.Unlock()

	require.Eventually(t, func() bool {
		return outbox.Stats() == models.QueueStats{}
	}, 3*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(acked) == 1 && acked[0] == m1.ID
	}, 3*time.Second, 5*time.Millisecond)
}
