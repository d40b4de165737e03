package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDoublesAndCaps(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 60 * time.Second}

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	for attempt, expected := range want {
		assert.Equal(t, expected, b.NextDelay(attempt), "attempt %d", attempt)
	}
	assert.Equal(t, 60*time.Second, b.NextDelay(10))
	assert.Equal(t, 60*time.Second, b.NextDelay(1000))

	prev := time.Duration(0)
	for attempt := 0; attempt < 64; attempt++ {
		d := b.NextDelay(attempt)
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, b.Max)
		prev = d
	}
}

func TestBackoffDefaults(t *testing.T) {
	var b Backoff
	assert.Equal(t, time.Second, b.NextDelay(0))
	assert.Equal(t, time.Second, b.NextDelay(-3))
	assert.Equal(t, time.Second, b.NextDelay(5), "max below base collapses to base")
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "unavailable", StateUnavailable.String())
	assert.Equal(t, "unknown", State(42).String())
}
