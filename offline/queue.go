// Package offline durably queues payloads for peers that cannot be reached
// and delivers them once a session to the peer is up.
package offline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"peerlink/models"
	"peerlink/session"
	"peerlink/storage"
)

const (
	DefaultMaxRetries    = 5
	DefaultRetryDelay    = 5 * time.Second
	DefaultMaxRetryDelay = 5 * time.Minute
	DefaultPollInterval  = 10 * time.Second
	DefaultRetention     = 7 * 24 * time.Hour
	DefaultItemTTL       = 7 * 24 * time.Hour
	DefaultDrainRate     = 50
)

// ErrPeerUnavailable is returned by a Sender when the peer has no session.
// The item is released without counting a retry and the drain stops.
var ErrPeerUnavailable = errors.New("offline: peer unavailable")

// Sender delivers one queued payload to a peer.
type Sender interface {
	Send(ctx context.Context, peerID string, payload []byte) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, peerID string, payload []byte) error

func (f SenderFunc) Send(ctx context.Context, peerID string, payload []byte) error {
	return f(ctx, peerID, payload)
}

// Sessions is the read-only view of connection state the queue drains by.
type Sessions interface {
	Subscribe() (<-chan session.StateChange, func())
	State(peerID string) session.State
	Peers() []string
}

// Options configures a Queue.
type Options struct {
	Store    *storage.Store
	Sender   Sender
	Sessions Sessions

	MaxRetries    int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	PollInterval  time.Duration
	Retention     time.Duration
	ItemTTL       time.Duration
	// DrainRate bounds deliveries per second across all peers.
	DrainRate float64

	Logger *logrus.Entry
	Now    func() time.Time
}

// DrainResult summarizes one DequeueAndSend pass.
type DrainResult struct {
	Sent    int
	Retried int
	Failed  int
	// Interrupted is set when the peer became unavailable mid-drain.
	Interrupted bool
}

// Queue is the durable offline delivery queue. The store is the only source
// of truth for item state; Stats is a cache refreshed after every mutation.
type Queue struct {
	opts    Options
	log     *logrus.Entry
	limiter *rate.Limiter

	peerMu    sync.Mutex
	peerLocks map[string]*sync.Mutex

	drainMu      sync.Mutex
	activeDrains map[string]bool
	wg           sync.WaitGroup

	statsMu sync.RWMutex
	stats   models.QueueStats

	wake chan string
}

// NewQueue validates options and loads the current stats.
func NewQueue(options Options) (*Queue, error) {
	if options.Store == nil {
		return nil, errors.New("offline: store is required")
	}
	if options.MaxRetries <= 0 {
		options.MaxRetries = DefaultMaxRetries
	}
	if options.RetryDelay <= 0 {
		options.RetryDelay = DefaultRetryDelay
	}
	if options.MaxRetryDelay <= 0 {
		options.MaxRetryDelay = DefaultMaxRetryDelay
	}
	if options.PollInterval <= 0 {
		options.PollInterval = DefaultPollInterval
	}
	if options.Retention <= 0 {
		options.Retention = DefaultRetention
	}
	if options.ItemTTL <= 0 {
		options.ItemTTL = DefaultItemTTL
	}
	if options.DrainRate <= 0 {
		options.DrainRate = DefaultDrainRate
	}
	if options.Logger == nil {
		options.Logger = logrus.StandardLogger().WithField("component", "offline")
	}
	if options.Now == nil {
		options.Now = time.Now
	}

	burst := int(options.DrainRate)
	if burst < 1 {
		burst = 1
	}
	q := &Queue{
		opts:         options,
		log:          options.Logger,
		limiter:      rate.NewLimiter(rate.Limit(options.DrainRate), burst),
		peerLocks:    make(map[string]*sync.Mutex),
		activeDrains: make(map[string]bool),
		wake:         make(chan string, 64),
	}
	if err := q.refreshStats(); err != nil {
		return nil, err
	}
	return q, nil
}

// SetSender installs the delivery path after construction, for callers that
// build the sender on top of the queue.
func (q *Queue) SetSender(sender Sender) {
	q.drainMu.Lock()
	q.opts.Sender = sender
	q.drainMu.Unlock()
}

// Enqueue persists payload for peerID as a pending item.
func (q *Queue) Enqueue(peerID string, payload []byte) (models.QueuedOfflineItem, error) {
	now := q.opts.Now()
	item := models.QueuedOfflineItem{
		ID:          uuid.NewString(),
		PeerID:      peerID,
		Payload:     append([]byte(nil), payload...),
		EnqueueTime: now.UnixMilli(),
		ExpiresAt:   now.Add(q.opts.ItemTTL).UnixMilli(),
		Status:      models.OfflineStatusPending,
	}
	if err := q.opts.Store.InsertOfflineItem(item); err != nil {
		return models.QueuedOfflineItem{}, err
	}
	q.log.WithFields(logrus.Fields{
		"item_id": item.ID,
		"peer_id": peerID,
	}).Debug("Queued offline item")
	q.refreshStatsLogged()

	if q.opts.Sessions != nil && q.opts.Sessions.State(peerID) == session.StateConnected {
		q.kick(peerID)
	}
	return item, nil
}

// EnqueueAll persists every payload in order. It matches the session
// manager's OnUnsent hook.
func (q *Queue) EnqueueAll(peerID string, payloads [][]byte) {
	for _, payload := range payloads {
		if _, err := q.Enqueue(peerID, payload); err != nil {
			q.log.WithError(err).WithField("peer_id", peerID).Error("Persist unsent payload failed")
		}
	}
}

// DequeueAndSend delivers every due pending item for peerID, oldest first.
// Drains of the same peer never overlap.
func (q *Queue) DequeueAndSend(ctx context.Context, peerID string) (DrainResult, error) {
	lock := q.peerLock(peerID)
	lock.Lock()
	defer lock.Unlock()
	defer q.refreshStatsLogged()

	q.drainMu.Lock()
	sender := q.opts.Sender
	q.drainMu.Unlock()

	var result DrainResult
	if sender == nil {
		return result, errors.New("offline: sender is not configured")
	}

	items, err := q.opts.Store.GetPendingOfflineItems(peerID, q.opts.Now().UnixMilli())
	if err != nil {
		return result, err
	}

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := q.limiter.Wait(ctx); err != nil {
			return result, err
		}

		if err := q.opts.Store.ClaimOfflineItem(item.ID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return result, err
		}

		sendErr := sender.Send(ctx, peerID, item.Payload)
		switch {
		case sendErr == nil:
			if err := q.opts.Store.DeleteOfflineItem(item.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
				return result, err
			}
			result.Sent++
		case errors.Is(sendErr, ErrPeerUnavailable) || ctx.Err() != nil:
			if err := q.opts.Store.ReleaseOfflineItem(item.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
				return result, err
			}
			result.Interrupted = true
			return result, nil
		default:
			failed, err := q.recordFailure(item, sendErr)
			if err != nil {
				return result, err
			}
			if failed {
				result.Failed++
			} else {
				result.Retried++
			}
		}
	}

	if result.Sent > 0 || result.Failed > 0 {
		q.log.WithFields(logrus.Fields{
			"peer_id": peerID,
			"sent":    result.Sent,
			"retried": result.Retried,
			"failed":  result.Failed,
		}).Info("Offline queue drained")
	}
	return result, nil
}

// recordFailure counts a failed attempt and reports whether the item is now
// terminally failed.
func (q *Queue) recordFailure(item models.QueuedOfflineItem, cause error) (bool, error) {
	retry := item.RetryCount + 1
	entry := q.log.WithError(cause).WithFields(logrus.Fields{
		"item_id": item.ID,
		"peer_id": item.PeerID,
		"attempt": retry,
	})

	if retry >= q.opts.MaxRetries {
		if err := q.opts.Store.RecordOfflineFailure(item.ID, retry, models.OfflineStatusFailed, 0, cause.Error()); err != nil {
			return false, err
		}
		entry.Warn("Offline item failed permanently")
		return true, nil
	}

	next := q.opts.Now().Add(q.retryDelay(retry)).UnixMilli()
	if err := q.opts.Store.RecordOfflineFailure(item.ID, retry, models.OfflineStatusPending, next, cause.Error()); err != nil {
		return false, err
	}
	entry.Warn("Offline delivery failed, will retry")
	return false, nil
}

// retryDelay doubles RetryDelay per retry up to MaxRetryDelay. With
// MaxRetryDelay at or below RetryDelay the delay is fixed.
func (q *Queue) retryDelay(retry int) time.Duration {
	delay := q.opts.RetryDelay
	if q.opts.MaxRetryDelay <= delay {
		return delay
	}
	for i := 1; i < retry && delay < q.opts.MaxRetryDelay; i++ {
		delay *= 2
	}
	if delay > q.opts.MaxRetryDelay {
		delay = q.opts.MaxRetryDelay
	}
	return delay
}

// CleanupOldCommands deletes pending items enqueued more than retention ago.
func (q *Queue) CleanupOldCommands(retention time.Duration) (int64, error) {
	if retention <= 0 {
		retention = q.opts.Retention
	}
	cutoff := q.opts.Now().Add(-retention).UnixMilli()
	removed, err := q.opts.Store.DeletePendingOfflineItemsBefore(cutoff)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		q.log.WithField("removed", removed).Info("Removed old offline items")
	}
	q.refreshStatsLogged()
	return removed, nil
}

// RetryFailedCommands resets failed items to pending with a zero retry
// count, then drains every currently connected peer.
func (q *Queue) RetryFailedCommands(ctx context.Context) (int64, error) {
	reset, err := q.opts.Store.ResetFailedOfflineItems()
	if err != nil {
		return 0, err
	}
	q.refreshStatsLogged()
	if reset == 0 || q.opts.Sessions == nil {
		return reset, nil
	}

	for _, peerID := range q.opts.Sessions.Peers() {
		if q.opts.Sessions.State(peerID) != session.StateConnected {
			continue
		}
		if _, err := q.DequeueAndSend(ctx, peerID); err != nil {
			return reset, fmt.Errorf("drain %s: %w", peerID, err)
		}
	}
	return reset, nil
}

// ListFailed returns terminally failed items, oldest first.
func (q *Queue) ListFailed() ([]models.QueuedOfflineItem, error) {
	return q.opts.Store.ListOfflineItems(models.OfflineStatusFailed)
}

// PendingCount counts pending items for peerID.
func (q *Queue) PendingCount(peerID string) (int, error) {
	return q.opts.Store.CountPendingOfflineItems(peerID)
}

// Stats returns the aggregate counts as of the last mutation.
func (q *Queue) Stats() models.QueueStats {
	q.statsMu.RLock()
	defer q.statsMu.RUnlock()
	return q.stats
}

// Run reverts items stranded in sending, then drains peers as they connect
// and on every poll tick until ctx is done.
func (q *Queue) Run(ctx context.Context) error {
	if reset, err := q.opts.Store.ResetSendingOfflineItems(); err != nil {
		return err
	} else if reset > 0 {
		q.log.WithField("count", reset).Info("Recovered offline items left in sending")
	}
	q.pruneExpired()
	q.refreshStatsLogged()

	var changes <-chan session.StateChange
	if q.opts.Sessions != nil {
		var unsubscribe func()
		changes, unsubscribe = q.opts.Sessions.Subscribe()
		defer unsubscribe()
		q.drainConnected(ctx)
	}

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()
	defer q.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case change, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			if change.To == session.StateConnected {
				q.startDrain(ctx, change.PeerID)
			}
		case peerID := <-q.wake:
			q.startDrain(ctx, peerID)
		case <-ticker.C:
			q.pruneExpired()
			if _, err := q.CleanupOldCommands(q.opts.Retention); err != nil {
				q.log.WithError(err).Error("Offline retention cleanup failed")
			}
			q.drainConnected(ctx)
		}
	}
}

func (q *Queue) drainConnected(ctx context.Context) {
	if q.opts.Sessions == nil {
		return
	}
	for _, peerID := range q.opts.Sessions.Peers() {
		if q.opts.Sessions.State(peerID) == session.StateConnected {
			q.startDrain(ctx, peerID)
		}
	}
}

func (q *Queue) startDrain(ctx context.Context, peerID string) {
	if peerID == "" {
		return
	}

	q.drainMu.Lock()
	if q.activeDrains[peerID] {
		q.drainMu.Unlock()
		return
	}
	q.activeDrains[peerID] = true
	q.drainMu.Unlock()

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer func() {
			q.drainMu.Lock()
			delete(q.activeDrains, peerID)
			q.drainMu.Unlock()
		}()
		if _, err := q.DequeueAndSend(ctx, peerID); err != nil && !errors.Is(err, context.Canceled) {
			q.log.WithError(err).WithField("peer_id", peerID).Error("Offline drain failed")
		}
	}()
}

func (q *Queue) kick(peerID string) {
	select {
	case q.wake <- peerID:
	default:
	}
}

func (q *Queue) pruneExpired() {
	removed, err := q.opts.Store.DeleteExpiredOfflineItems(q.opts.Now().UnixMilli())
	if err != nil {
		q.log.WithError(err).Error("Prune expired offline items failed")
		return
	}
	if removed > 0 {
		q.log.WithField("removed", removed).Info("Pruned expired offline items")
		q.refreshStatsLogged()
	}
}

func (q *Queue) peerLock(peerID string) *sync.Mutex {
	q.peerMu.Lock()
	defer q.peerMu.Unlock()
	lock, ok := q.peerLocks[peerID]
	if !ok {
		lock = &sync.Mutex{}
		q.peerLocks[peerID] = lock
	}
	return lock
}

func (q *Queue) refreshStats() error {
	stats, err := q.opts.Store.OfflineQueueStats()
	if err != nil {
		return err
	}
	q.statsMu.Lock()
	q.stats = stats
	q.statsMu.Unlock()
	return nil
}

func (q *Queue) refreshStatsLogged() {
	if err := q.refreshStats(); err != nil {
		q.log.WithError(err).Warn("Refresh offline queue stats failed")
	}
}
