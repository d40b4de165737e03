package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"peerlink/models"
)

const offlineItemColumns = `id, peer_id, payload, enqueue_time, expires_at, next_attempt_at, retry_count, status, error_message`

// InsertOfflineItem persists a new offline queue item.
func (s *Store) InsertOfflineItem(item models.QueuedOfflineItem) error {
	if strings.TrimSpace(item.ID) == "" {
		return errors.New("id is required")
	}
	if strings.TrimSpace(item.PeerID) == "" {
		return errors.New("peer_id is required")
	}
	if len(item.Payload) == 0 {
		return errors.New("payload is required")
	}
	if item.Status == "" {
		item.Status = models.OfflineStatusPending
	}
	if err := validateOfflineStatus(item.Status); err != nil {
		return err
	}
	if item.EnqueueTime == 0 {
		item.EnqueueTime = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO offline_queue (`+offlineItemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID,
		item.PeerID,
		item.Payload,
		item.EnqueueTime,
		item.ExpiresAt,
		item.NextAttemptAt,
		item.RetryCount,
		item.Status,
		nullableText(item.ErrorMessage),
	)
	if err != nil {
		return fmt.Errorf("insert offline item %q: %w", item.ID, err)
	}
	return nil
}

// GetOfflineItem returns a single offline queue item.
func (s *Store) GetOfflineItem(id string) (*models.QueuedOfflineItem, error) {
	row := s.db.QueryRow(`SELECT `+offlineItemColumns+` FROM offline_queue WHERE id = ?`, id)
	item, err := scanOfflineItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get offline item %q: %w", id, err)
	}
	return item, nil
}

// GetPendingOfflineItems returns pending items for a peer that are due at now,
// oldest enqueue first.
func (s *Store) GetPendingOfflineItems(peerID string, now int64) ([]models.QueuedOfflineItem, error) {
	return s.queryOfflineItems(
		`SELECT `+offlineItemColumns+` FROM offline_queue
		WHERE peer_id = ? AND status = 'pending' AND next_attempt_at <= ?
		ORDER BY enqueue_time ASC, rowid ASC`,
		peerID, now,
	)
}

// ListOfflineItems returns every item with the given status, oldest first.
// An empty status lists all items.
func (s *Store) ListOfflineItems(status string) ([]models.QueuedOfflineItem, error) {
	if status == "" {
		return s.queryOfflineItems(`SELECT ` + offlineItemColumns + ` FROM offline_queue ORDER BY enqueue_time ASC, rowid ASC`)
	}
	if err := validateOfflineStatus(status); err != nil {
		return nil, err
	}
	return s.queryOfflineItems(
		`SELECT `+offlineItemColumns+` FROM offline_queue WHERE status = ? ORDER BY enqueue_time ASC, rowid ASC`,
		status,
	)
}

// CountPendingOfflineItems counts pending items for a peer.
func (s *Store) CountPendingOfflineItems(peerID string) (int, error) {
	var count int
	if err := s.db.QueryRow(
		`SELECT COUNT(1) FROM offline_queue WHERE peer_id = ? AND status = 'pending'`,
		peerID,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("count pending offline items: %w", err)
	}
	return count, nil
}

// OfflineQueueStats aggregates item counts by status.
func (s *Store) OfflineQueueStats() (models.QueueStats, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(1) FROM offline_queue GROUP BY status`)
	if err != nil {
		return models.QueueStats{}, fmt.Errorf("offline queue stats: %w", err)
	}
	defer rows.Close()

	var stats models.QueueStats
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return models.QueueStats{}, fmt.Errorf("scan offline queue stats: %w", err)
		}
		switch status {
		case models.OfflineStatusPending:
			stats.Pending = count
		case models.OfflineStatusSending:
			stats.Sending = count
		case models.OfflineStatusFailed:
			stats.Failed = count
		}
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return models.QueueStats{}, fmt.Errorf("iterate offline queue stats: %w", err)
	}
	return stats, nil
}

// ClaimOfflineItem moves a pending item to sending. It returns ErrNotFound
// when the item is gone or no longer pending.
func (s *Store) ClaimOfflineItem(id string) error {
	res, err := s.db.Exec(
		`UPDATE offline_queue SET status = 'sending' WHERE id = ? AND status = 'pending'`,
		id,
	)
	if err != nil {
		return fmt.Errorf("claim offline item %q: %w", id, err)
	}
	n, err := rowsAffected(res, "offline item claim")
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordOfflineFailure stores the outcome of a failed delivery attempt.
func (s *Store) RecordOfflineFailure(id string, retryCount int, status string, nextAttemptAt int64, errorMessage string) error {
	if err := validateOfflineStatus(status); err != nil {
		return err
	}

	res, err := s.db.Exec(
		`UPDATE offline_queue
		SET retry_count = ?, status = ?, next_attempt_at = ?, error_message = ?
		WHERE id = ?`,
		retryCount,
		status,
		nextAttemptAt,
		nullableText(errorMessage),
		id,
	)
	if err != nil {
		return fmt.Errorf("record offline failure %q: %w", id, err)
	}
	n, err := rowsAffected(res, "offline failure update")
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReleaseOfflineItem returns a sending item to pending without counting a retry.
func (s *Store) ReleaseOfflineItem(id string) error {
	res, err := s.db.Exec(
		`UPDATE offline_queue SET status = 'pending' WHERE id = ? AND status = 'sending'`,
		id,
	)
	if err != nil {
		return fmt.Errorf("release offline item %q: %w", id, err)
	}
	n, err := rowsAffected(res, "offline item release")
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteOfflineItem removes a delivered item.
func (s *Store) DeleteOfflineItem(id string) error {
	res, err := s.db.Exec(`DELETE FROM offline_queue WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete offline item %q: %w", id, err)
	}
	n, err := rowsAffected(res, "offline item delete")
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeletePendingOfflineItemsBefore removes pending items enqueued before cutoff.
func (s *Store) DeletePendingOfflineItemsBefore(cutoff int64) (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM offline_queue WHERE status = 'pending' AND enqueue_time < ?`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("delete old pending offline items: %w", err)
	}
	return rowsAffected(res, "old pending offline items delete")
}

// DeleteExpiredOfflineItems removes non-failed items whose expiry has passed.
// Failed items stay until the user retries or they age out through retention.
func (s *Store) DeleteExpiredOfflineItems(now int64) (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM offline_queue WHERE status = 'pending' AND expires_at > 0 AND expires_at <= ?`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("delete expired offline items: %w", err)
	}
	return rowsAffected(res, "expired offline items delete")
}

// ResetFailedOfflineItems moves every failed item back to pending with a zero retry count.
func (s *Store) ResetFailedOfflineItems() (int64, error) {
	res, err := s.db.Exec(
		`UPDATE offline_queue
		SET status = 'pending', retry_count = 0, next_attempt_at = 0, error_message = NULL
		WHERE status = 'failed'`,
	)
	if err != nil {
		return 0, fmt.Errorf("reset failed offline items: %w", err)
	}
	return rowsAffected(res, "failed offline items reset")
}

// ResetSendingOfflineItems returns items stranded in sending by a crash to pending.
func (s *Store) ResetSendingOfflineItems() (int64, error) {
	res, err := s.db.Exec(`UPDATE offline_queue SET status = 'pending' WHERE status = 'sending'`)
	if err != nil {
		return 0, fmt.Errorf("reset sending offline items: %w", err)
	}
	return rowsAffected(res, "sending offline items reset")
}

func (s *Store) queryOfflineItems(query string, args ...any) ([]models.QueuedOfflineItem, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query offline items: %w", err)
	}
	defer rows.Close()

	items := make([]models.QueuedOfflineItem, 0)
	for rows.Next() {
		item, err := scanOfflineItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan offline item row: %w", err)
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate offline item rows: %w", err)
	}
	return items, nil
}

func scanOfflineItem(row scanner) (*models.QueuedOfflineItem, error) {
	var (
		item         models.QueuedOfflineItem
		errorMessage sql.NullString
	)
	if err := row.Scan(
		&item.ID,
		&item.PeerID,
		&item.Payload,
		&item.EnqueueTime,
		&item.ExpiresAt,
		&item.NextAttemptAt,
		&item.RetryCount,
		&item.Status,
		&errorMessage,
	); err != nil {
		return nil, err
	}
	item.ErrorMessage = errorMessage.String
	return &item, nil
}
