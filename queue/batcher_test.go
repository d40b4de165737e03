package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type batchRecorder struct {
	mu      sync.Mutex
	batches [][]int
}

func (r *batchRecorder) consume(batch []int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, append([]int(nil), batch...))
}

func (r *batchRecorder) snapshot() [][]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]int(nil), r.batches...)
}

func TestBatcherFlushesOnSize(t *testing.T) {
	rec := &batchRecorder{}
	b := NewBatcher(3, 0, rec.consume)

	for i := 1; i <= 7; i++ {
		require.True(t, b.Add(i))
	}
	assert.Equal(t, [][]int{{1, 2, 3}, {4, 5, 6}}, rec.snapshot())
	assert.Equal(t, 1, b.Pending())

	b.Stop()
	assert.Equal(t, [][]int{{1, 2, 3}, {4, 5, 6}, {7}}, rec.snapshot())
	assert.False(t, b.Add(8))

	b.Stop()
	assert.Len(t, rec.snapshot(), 3)
}

func TestBatcherFlushesOnInterval(t *testing.T) {
	rec := &batchRecorder{}
	b := NewBatcher(100, 20*time.Millisecond, rec.consume)
	defer b.Stop()

	b.Add(1)
	b.Add(2)

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, [][]int{{1, 2}}, rec.snapshot())
	assert.Zero(t, b.Pending())
}

func TestBatcherExplicitFlush(t *testing.T) {
	rec := &batchRecorder{}
	b := NewBatcher(10, time.Hour, rec.consume)

	b.Flush()
	assert.Empty(t, rec.snapshot(), "empty flush delivers nothing")

	b.Add(1)
	b.Flush()
	b.Flush()
	assert.Equal(t, [][]int{{1}}, rec.snapshot())
}
