package queue

import (
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultDedupRetention is how long a delivered message id is remembered.
	DefaultDedupRetention = 10 * time.Minute
	// DefaultDedupCapacity bounds the in-memory id cache.
	DefaultDedupCapacity = 10000
)

// SeenStore persists seen ids so duplicates are detected across restarts.
// *storage.Store satisfies it.
type SeenStore interface {
	InsertSeenID(messageID string, receivedAt int64) error
	LookupSeenID(messageID string, notBefore int64) (int64, bool, error)
	PruneSeenIDs(cutoffTimestamp int64) (int64, error)
}

// DeduplicatorOptions configures a Deduplicator.
type DeduplicatorOptions struct {
	Retention time.Duration
	Capacity  int
	Store     SeenStore
	Logger    *logrus.Entry
	Now       func() time.Time
}

// Deduplicator remembers message ids for a retention window. Entries are
// evicted least-recently-marked first once Capacity is reached.
type Deduplicator struct {
	mu        sync.Mutex
	cache     *lru.Cache
	retention time.Duration
	store     SeenStore
	log       *logrus.Entry
	now       func() time.Time
}

// NewDeduplicator builds a deduplicator, applying defaults for zero options.
func NewDeduplicator(options DeduplicatorOptions) (*Deduplicator, error) {
	if options.Retention <= 0 {
		options.Retention = DefaultDedupRetention
	}
	if options.Capacity <= 0 {
		options.Capacity = DefaultDedupCapacity
	}
	if options.Now == nil {
		options.Now = time.Now
	}
	if options.Logger == nil {
		options.Logger = logrus.StandardLogger().WithField("component", "dedup")
	}

	cache, err := lru.New(options.Capacity)
	if err != nil {
		return nil, fmt.Errorf("create dedup cache: %w", err)
	}

	return &Deduplicator{
		cache:     cache,
		retention: options.Retention,
		store:     options.Store,
		log:       options.Logger,
		now:       options.Now,
	}, nil
}

// MarkSeen records id as delivered at the current time.
func (d *Deduplicator) MarkSeen(id string) error {
	if id == "" {
		return errors.New("dedup: message id is required")
	}
	now := d.now()

	d.mu.Lock()
	// Remove first so a re-mark moves the id to the newest position.
	d.cache.Remove(id)
	d.cache.Add(id, now)
	d.mu.Unlock()

	if d.store != nil {
		if err := d.store.InsertSeenID(id, now.UnixMilli()); err != nil {
			return fmt.Errorf("persist seen id: %w", err)
		}
	}
	return nil
}

// IsDuplicate reports whether id was marked seen within the retention window.
// An entry older than the window still counts until Cleanup sweeps it.
func (d *Deduplicator) IsDuplicate(id string) bool {
	if id == "" {
		return false
	}

	d.mu.Lock()
	_, ok := d.cache.Peek(id)
	d.mu.Unlock()
	if ok {
		return true
	}
	if d.store == nil {
		return false
	}

	notBefore := d.now().Add(-d.retention).UnixMilli()
	receivedAt, seen, err := d.store.LookupSeenID(id, notBefore)
	if err != nil {
		d.log.WithError(err).WithField("message_id", id).Warn("Seen id lookup failed")
		return false
	}
	if seen {
		// Cached with the original time so the entry expires on schedule.
		d.mu.Lock()
		if !d.cache.Contains(id) {
			d.cache.Add(id, time.UnixMilli(receivedAt))
		}
		d.mu.Unlock()
	}
	return seen
}

// CheckAndMark marks id seen and reports whether it had already been seen.
func (d *Deduplicator) CheckAndMark(id string) (bool, error) {
	if d.IsDuplicate(id) {
		return true, nil
	}
	return false, d.MarkSeen(id)
}

// Cleanup drops entries older than the retention window and returns how many
// in-memory entries were removed.
func (d *Deduplicator) Cleanup() int {
	cutoff := d.now().Add(-d.retention)

	// Entries restored from the store keep their original time, so cache
	// order is not strictly by age and every key is checked.
	removed := 0
	d.mu.Lock()
	for _, key := range d.cache.Keys() {
		value, ok := d.cache.Peek(key)
		if !ok {
			continue
		}
		if seenAt, _ := value.(time.Time); seenAt.Before(cutoff) {
			d.cache.Remove(key)
			removed++
		}
	}
	d.mu.Unlock()

	if d.store != nil {
		if _, err := d.store.PruneSeenIDs(cutoff.UnixMilli()); err != nil {
			d.log.WithError(err).Warn("Prune persisted seen ids failed")
		}
	}
	return removed
}

func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cache.Len()
}
