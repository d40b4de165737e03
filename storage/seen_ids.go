package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// InsertSeenID records a delivered message ID so a redelivery after restart is still detected.
func (s *Store) InsertSeenID(messageID string, receivedAt int64) error {
	if messageID == "" {
		return errors.New("message_id is required")
	}
	if receivedAt == 0 {
		receivedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO seen_message_ids (message_id, received_at)
		VALUES (?, ?)
		ON CONFLICT(message_id) DO UPDATE SET received_at = excluded.received_at`,
		messageID,
		receivedAt,
	)
	if err != nil {
		return fmt.Errorf("insert seen message ID %q: %w", messageID, err)
	}

	return nil
}

// HasSeenID reports whether a message ID was recorded at or after notBefore.
func (s *Store) HasSeenID(messageID string, notBefore int64) (bool, error) {
	_, seen, err := s.LookupSeenID(messageID, notBefore)
	return seen, err
}

// LookupSeenID returns when a message ID was recorded, if that was at or
// after notBefore.
func (s *Store) LookupSeenID(messageID string, notBefore int64) (int64, bool, error) {
	if messageID == "" {
		return 0, false, errors.New("message_id is required")
	}

	var receivedAt int64
	err := s.db.QueryRow(
		`SELECT received_at FROM seen_message_ids WHERE message_id = ? AND received_at >= ?`,
		messageID,
		notBefore,
	).Scan(&receivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("check seen message ID %q: %w", messageID, err)
	}

	return receivedAt, true, nil
}

// PruneSeenIDs removes seen_message_ids rows older than cutoff timestamp.
func (s *Store) PruneSeenIDs(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM seen_message_ids WHERE received_at < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune seen message IDs: %w", err)
	}

	return rowsAffected(res, "seen ID prune")
}
