// Package messenger ties the priority queue, session manager, deduplicator
// and offline queue into the send and receive paths of the application.
package messenger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"peerlink/models"
	"peerlink/offline"
	"peerlink/queue"
	"peerlink/session"
	"peerlink/transport"
)

const (
	defaultBatchSize       = 32
	defaultBatchInterval   = 200 * time.Millisecond
	defaultCleanupInterval = time.Minute
)

// Sessions is the part of the session manager the messenger drives.
type Sessions interface {
	Send(peerID string, payload []byte) transport.SendResult
	State(peerID string) session.State
	Messages() <-chan session.InboundMessage
}

// OfflineQueue persists payloads for peers that cannot take them now.
type OfflineQueue interface {
	Enqueue(peerID string, payload []byte) (models.QueuedOfflineItem, error)
	PendingCount(peerID string) (int, error)
}

// Options configures a Messenger.
type Options struct {
	// LocalID is stamped as SenderID on every submitted message.
	LocalID  string
	Sessions Sessions
	Offline  OfflineQueue
	Dedup    *queue.Deduplicator

	BatchSize       int
	BatchInterval   time.Duration
	CleanupInterval time.Duration

	// Handler receives inbound application messages in batches.
	Handler func([]models.Message)
	// OnAck is called when a peer acknowledges one of our messages.
	OnAck func(peerID, messageID string)
	// OnDelivery reports the outcome of dispatching a submitted message.
	OnDelivery func(models.Message)

	Logger *logrus.Entry
	Now    func() time.Time
}

// Messenger dispatches outbound messages in priority order and delivers
// deduplicated inbound messages to the application.
type Messenger struct {
	opts     Options
	log      *logrus.Entry
	outbound *queue.PriorityQueue
	batcher  *queue.Batcher[models.Message]

	runOnce sync.Once
}

// New validates options and builds a Messenger. Call Run to start it.
func New(options Options) (*Messenger, error) {
	if strings.TrimSpace(options.LocalID) == "" {
		return nil, errors.New("messenger: local id is required")
	}
	if options.Sessions == nil {
		return nil, errors.New("messenger: sessions are required")
	}
	if options.Offline == nil {
		return nil, errors.New("messenger: offline queue is required")
	}
	if options.Dedup == nil {
		dedup, err := queue.NewDeduplicator(queue.DeduplicatorOptions{})
		if err != nil {
			return nil, err
		}
		options.Dedup = dedup
	}
	if options.BatchSize <= 0 {
		options.BatchSize = defaultBatchSize
	}
	if options.BatchInterval <= 0 {
		options.BatchInterval = defaultBatchInterval
	}
	if options.CleanupInterval <= 0 {
		options.CleanupInterval = defaultCleanupInterval
	}
	if options.Handler == nil {
		options.Handler = func([]models.Message) {}
	}
	if options.Logger == nil {
		options.Logger = logrus.StandardLogger().WithField("component", "messenger")
	}
	if options.Now == nil {
		options.Now = time.Now
	}

	m := &Messenger{
		opts:     options,
		log:      options.Logger,
		outbound: queue.NewPriorityQueue(),
	}
	m.batcher = queue.NewBatcher(options.BatchSize, options.BatchInterval, options.Handler)
	return m, nil
}

// Submit stamps msg with an id, sender and timestamp where missing and
// queues it for dispatch.
func (m *Messenger) Submit(msg models.Message) (models.Message, error) {
	if strings.TrimSpace(msg.ReceiverID) == "" {
		return models.Message{}, errors.New("messenger: receiver is required")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Type == "" {
		msg.Type = models.MessageTypeText
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = m.opts.Now().UnixMilli()
	}
	msg.SenderID = m.opts.LocalID
	msg.DeliveryStatus = models.DeliveryStatusPending

	m.outbound.Enqueue(msg)
	return msg, nil
}

// Pending returns the number of submitted messages not yet dispatched.
func (m *Messenger) Pending() int {
	return m.outbound.Len()
}

// Send implements offline.Sender over the session layer. A peer without a
// session, or whose transport is saturated, is reported unavailable so the
// item is kept without spending a retry.
func (m *Messenger) Send(_ context.Context, peerID string, payload []byte) error {
	result := m.opts.Sessions.Send(peerID, payload)
	switch result.Kind {
	case transport.SendSent, transport.SendQueued:
		return nil
	case transport.SendQueueFull:
		return fmt.Errorf("%w: transport queue full", offline.ErrPeerUnavailable)
	default:
		if errors.Is(result.Err, session.ErrNotConnected) || errors.Is(result.Err, transport.ErrClosed) {
			return fmt.Errorf("%w: %v", offline.ErrPeerUnavailable, result.Err)
		}
		return result.Err
	}
}

// Run dispatches outbound messages and consumes inbound ones until ctx is
// done. Remaining inbound batches are flushed on return.
func (m *Messenger) Run(ctx context.Context) error {
	started := false
	m.runOnce.Do(func() { started = true })
	if !started {
		return errors.New("messenger: already running")
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		m.dispatchLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		m.receiveLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		m.cleanupLoop(ctx)
	}()
	wg.Wait()

	m.batcher.Stop()
	return nil
}

func (m *Messenger) dispatchLoop(ctx context.Context) {
	for {
		for {
			if ctx.Err() != nil {
				return
			}
			msg, ok := m.outbound.Dequeue()
			if !ok {
				break
			}
			m.dispatch(msg)
		}

		select {
		case <-ctx.Done():
			return
		case <-m.outbound.Ready():
		}
	}
}

// dispatch sends msg over a live session or persists it offline. While the
// peer still has pending offline items, new messages queue behind them.
func (m *Messenger) dispatch(msg models.Message) {
	entry := m.log.WithFields(logrus.Fields{
		"peer_id":    msg.ReceiverID,
		"message_id": msg.ID,
	})

	payload, err := json.Marshal(msg)
	if err != nil {
		entry.WithError(err).Error("Encode message failed")
		return
	}

	if m.opts.Sessions.State(msg.ReceiverID) == session.StateConnected && !m.hasBacklog(msg.ReceiverID, entry) {
		result := m.opts.Sessions.Send(msg.ReceiverID, payload)
		switch result.Kind {
		case transport.SendSent, transport.SendQueued:
			msg.DeliveryStatus = models.DeliveryStatusSent
			m.reportDelivery(msg)
			return
		case transport.SendQueueFull:
			entry.Debug("Transport queue full, persisting offline")
		case transport.SendFailed:
			entry.WithError(result.Err).Debug("Direct send failed, persisting offline")
		}
	}

	if _, err := m.opts.Offline.Enqueue(msg.ReceiverID, payload); err != nil {
		entry.WithError(err).Error("Persist message offline failed")
		return
	}
	msg.DeliveryStatus = models.DeliveryStatusQueued
	m.reportDelivery(msg)
}

func (m *Messenger) hasBacklog(peerID string, entry *logrus.Entry) bool {
	pending, err := m.opts.Offline.PendingCount(peerID)
	if err != nil {
		entry.WithError(err).Warn("Count offline backlog failed")
		return true
	}
	return pending > 0
}

func (m *Messenger) reportDelivery(msg models.Message) {
	if m.opts.OnDelivery != nil {
		m.opts.OnDelivery(msg)
	}
}

func (m *Messenger) receiveLoop(ctx context.Context) {
	inbound := m.opts.Sessions.Messages()
	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-inbound:
			if !ok {
				return
			}
			m.handleInbound(in)
		}
	}
}

func (m *Messenger) handleInbound(in session.InboundMessage) {
	var msg models.Message
	if err := json.Unmarshal(in.Payload, &msg); err != nil {
		m.log.WithError(err).WithField("peer_id", in.PeerID).Debug("Dropping undecodable message")
		return
	}
	entry := m.log.WithFields(logrus.Fields{
		"peer_id":    in.PeerID,
		"message_id": msg.ID,
	})
	if msg.ID == "" || msg.SenderID != in.PeerID {
		entry.WithField("sender_id", msg.SenderID).Warn("Dropping message with mismatched sender")
		return
	}

	if msg.Type == models.MessageTypeAck {
		if m.opts.OnAck != nil {
			m.opts.OnAck(in.PeerID, string(msg.Payload))
		}
		return
	}

	duplicate, err := m.opts.Dedup.CheckAndMark(msg.ID)
	if err != nil {
		entry.WithError(err).Warn("Persist seen message id failed")
	}
	// Acks are resent for duplicates since the first ack may have been lost.
	if msg.RequiresAck {
		m.acknowledge(in.PeerID, msg.ID)
	}
	if duplicate {
		entry.Debug("Dropping duplicate message")
		return
	}

	msg.DeliveryStatus = ""
	m.batcher.Add(msg)
}

func (m *Messenger) acknowledge(peerID, messageID string) {
	_, err := m.Submit(models.Message{
		ReceiverID: peerID,
		Type:       models.MessageTypeAck,
		Payload:    []byte(messageID),
		Priority:   models.PriorityHigh,
	})
	if err != nil {
		m.log.WithError(err).WithField("peer_id", peerID).Warn("Queue ack failed")
	}
}

func (m *Messenger) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(m.opts.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := m.opts.Dedup.Cleanup(); removed > 0 {
				m.log.WithField("removed", removed).Debug("Swept seen message ids")
			}
		}
	}
}
