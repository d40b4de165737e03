package transport

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerlink/network"
)

func newPair(t *testing.T, options Options) (*Transport, *network.PipeChannel, *Transport) {
	t.Helper()
	a, b := network.Pipe()
	left := New(a, options)
	right := New(b, options)
	t.Cleanup(func() {
		left.Close()
		right.Close()
	})
	return left, a, right
}

func receive(t *testing.T, tr *Transport) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	payload, err := tr.Receive(ctx)
	require.NoError(t, err)
	return payload
}

func TestSendDeliversInOrder(t *testing.T) {
	left, _, right := newPair(t, Options{})

	for _, msg := range []string{"a", "b", "c"} {
		assert.Equal(t, SendSent, left.Send([]byte(msg)).Kind)
	}
	for _, want := range []string{"a", "b", "c"} {
		assert.Equal(t, want, string(receive(t, right)))
	}
	assert.Equal(t, FlowNormal, left.State().Kind)
}

func TestFlowControlThresholds(t *testing.T) {
	left, pipe, right := newPair(t, Options{HighWaterMark: 200, LowWaterMark: 50, MaxQueueSize: 2})

	pipe.Hold()
	big := bytes.Repeat([]byte("p"), 300)
	require.Equal(t, SendSent, left.Send(big).Kind)

	state := left.State()
	require.True(t, state.IsPaused(), "buffered amount above the high-water mark pauses")
	assert.Equal(t, uint64(200), state.Threshold)
	assert.Greater(t, state.BufferedAmount, uint64(200))

	first := left.Send([]byte("q1"))
	assert.Equal(t, Queued(1), first)
	assert.Equal(t, Queued(2), left.Send([]byte("q2")))
	assert.True(t, left.Send([]byte("q3")).IsQueueFull())

	stats := left.Stats()
	assert.True(t, stats.IsPaused)
	assert.Equal(t, 2, stats.QueueSize)
	assert.Equal(t, uint64(200), stats.HighWaterMark)
	assert.Equal(t, uint64(50), stats.LowWaterMark)

	pipe.Release()

	assert.False(t, left.State().IsPaused(), "draining below the low-water mark resumes")
	assert.Zero(t, left.Stats().QueueSize)
	assert.Equal(t, big, receive(t, right))
	assert.Equal(t, "q1", string(receive(t, right)))
	assert.Equal(t, "q2", string(receive(t, right)))

	assert.Equal(t, SendSent, left.Send([]byte("after")).Kind)
	assert.Equal(t, "after", string(receive(t, right)))
	assert.Equal(t, FlowNormal, left.State().Kind)
}

func TestUpdateBufferedAmountDrivesState(t *testing.T) {
	left, _, _ := newPair(t, Options{HighWaterMark: 100, LowWaterMark: 10})

	left.UpdateBufferedAmount(150)
	assert.Equal(t, Paused(150, 100), left.State())

	left.UpdateBufferedAmount(50)
	assert.True(t, left.State().IsPaused(), "between the marks stays paused")

	left.UpdateBufferedAmount(5)
	assert.Equal(t, Resumed(5), left.State())

	left.UpdateBufferedAmount(0)
	assert.Equal(t, Normal(), left.State())
}

func TestLargePayloadIsFragmentedAndReassembled(t *testing.T) {
	left, _, right := newPair(t, Options{MaxFragmentSize: 16})

	payload := bytes.Repeat([]byte("0123456789"), 20)
	require.Equal(t, SendSent, left.Send(payload).Kind)
	assert.Equal(t, payload, receive(t, right))
}

func TestPingMeasuresRoundTrip(t *testing.T) {
	left, _, _ := newPair(t, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rtt, err := left.Ping(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, rtt, time.Duration(0))
}

func TestCloseReturnsUnsentPayloads(t *testing.T) {
	a, _ := network.Pipe()
	tr := New(a, Options{HighWaterMark: 10, LowWaterMark: 1})

	a.Hold()
	require.Equal(t, SendSent, tr.Send([]byte("fills the channel")).Kind)
	require.True(t, tr.State().IsPaused())
	require.Equal(t, Queued(1), tr.Send([]byte("one")))
	require.Equal(t, Queued(2), tr.Send([]byte("two")))

	unsent := tr.Close()
	assert.Equal(t, [][]byte{[]byte("one"), []byte("two")}, unsent)

	result := tr.Send([]byte("late"))
	assert.Equal(t, SendFailed, result.Kind)
	assert.ErrorIs(t, result.Err, ErrClosed)

	select {
	case <-tr.Done():
	default:
		t.Fatal("Done not closed after Close")
	}
}

func TestRemoteCloseStopsTransport(t *testing.T) {
	left, pipe, _ := newPair(t, Options{})
	require.NoError(t, pipe.Close())

	select {
	case <-left.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("transport did not observe channel close")
	}
	_, err := left.Receive(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
