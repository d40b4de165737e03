package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// MaxFragments bounds how many pieces one message may be split into.
const MaxFragments = 4096

var errBadFragment = errors.New("transport: invalid fragment")

// Fragment is one piece of an oversized message.
type Fragment struct {
	MessageID string
	Index     int
	Total     int
	Data      []byte
}

// Split cuts payload into fragments of at most maxSize bytes. The fragment
// count is fixed up front so every piece carries the same Total.
func Split(messageID string, payload []byte, maxSize int) ([]Fragment, error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("%w: max size must be positive", errBadFragment)
	}
	total := (len(payload) + maxSize - 1) / maxSize
	if total == 0 {
		total = 1
	}
	if total > MaxFragments {
		return nil, fmt.Errorf("%w: %d fragments exceeds %d", errBadFragment, total, MaxFragments)
	}

	fragments := make([]Fragment, 0, total)
	for i := 0; i < total; i++ {
		start := i * maxSize
		end := start + maxSize
		if end > len(payload) {
			end = len(payload)
		}
		fragments = append(fragments, Fragment{
			MessageID: messageID,
			Index:     i,
			Total:     total,
			Data:      payload[start:end],
		})
	}
	return fragments, nil
}

type partialMessage struct {
	total    int
	received int
	size     int
	pieces   [][]byte
	started  time.Time
}

// Reassembler buffers fragments by message id until every index is present.
// Incomplete sets older than the timeout are dropped by Sweep.
type Reassembler struct {
	timeout time.Duration
	now     func() time.Time

	mu      sync.Mutex
	partial map[string]*partialMessage
}

// NewReassembler returns a reassembler; now may be nil.
func NewReassembler(timeout time.Duration, now func() time.Time) *Reassembler {
	if now == nil {
		now = time.Now
	}
	return &Reassembler{
		timeout: timeout,
		now:     now,
		partial: make(map[string]*partialMessage),
	}
}

// Add stores f and returns the whole message once the last index arrives.
// Repeated indices are ignored.
func (r *Reassembler) Add(f Fragment) ([]byte, bool, error) {
	if f.MessageID == "" || f.Total < 1 || f.Total > MaxFragments || f.Index < 0 || f.Index >= f.Total {
		return nil, false, fmt.Errorf("%w: id=%q index=%d total=%d", errBadFragment, f.MessageID, f.Index, f.Total)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.partial[f.MessageID]
	if !ok {
		p = &partialMessage{
			total:   f.Total,
			pieces:  make([][]byte, f.Total),
			started: r.now(),
		}
		r.partial[f.MessageID] = p
	}
	if p.total != f.Total {
		delete(r.partial, f.MessageID)
		return nil, false, fmt.Errorf("%w: total changed from %d to %d", errBadFragment, p.total, f.Total)
	}
	if p.pieces[f.Index] != nil {
		return nil, false, nil
	}

	p.pieces[f.Index] = append([]byte{}, f.Data...)
	p.received++
	p.size += len(f.Data)
	if p.received < p.total {
		return nil, false, nil
	}

	delete(r.partial, f.MessageID)
	out := make([]byte, 0, p.size)
	for _, piece := range p.pieces {
		out = append(out, piece...)
	}
	return out, true, nil
}

// Sweep drops incomplete sets older than the timeout and returns how many
// were dropped.
func (r *Reassembler) Sweep() int {
	if r.timeout <= 0 {
		return 0
	}
	cutoff := r.now().Add(-r.timeout)

	r.mu.Lock()
	defer r.mu.Unlock()

	dropped := 0
	for id, p := range r.partial {
		if p.started.Before(cutoff) {
			delete(r.partial, id)
			dropped++
		}
	}
	return dropped
}

// Pending returns the number of incomplete messages held.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.partial)
}
