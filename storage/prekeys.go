package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"peerlink/models"
)

// InsertOneTimePreKeys stores a batch of one-time pre-keys in one transaction.
func (s *Store) InsertOneTimePreKeys(keys []models.OneTimePreKey) error {
	return s.withTx(func(tx *sql.Tx) error {
		return insertPreKeys(tx, keys)
	})
}

// ReplaceOneTimePreKeys swaps the stored pre-key set for keys.
func (s *Store) ReplaceOneTimePreKeys(keys []models.OneTimePreKey) error {
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM one_time_prekeys`); err != nil {
			return fmt.Errorf("clear one-time pre-keys: %w", err)
		}
		return insertPreKeys(tx, keys)
	})
}

func insertPreKeys(tx *sql.Tx, keys []models.OneTimePreKey) error {
	for _, key := range keys {
		if key.ID == "" || len(key.PublicKey) == 0 || len(key.PrivateKey) == 0 {
			return errors.New("pre-key id and key material are required")
		}
		createdAt := key.CreatedAt
		if createdAt == 0 {
			createdAt = nowUnixMilli()
		}
		if _, err := tx.Exec(
			`INSERT INTO one_time_prekeys (id, public_key, private_key, created_at) VALUES (?, ?, ?, ?)`,
			key.ID, key.PublicKey, key.PrivateKey, createdAt,
		); err != nil {
			return fmt.Errorf("insert one-time pre-key %q: %w", key.ID, err)
		}
	}
	return nil
}

// ListOneTimePreKeys returns every unused one-time pre-key.
func (s *Store) ListOneTimePreKeys() ([]models.OneTimePreKey, error) {
	rows, err := s.db.Query(
		`SELECT id, public_key, private_key, created_at FROM one_time_prekeys ORDER BY created_at ASC, id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list one-time pre-keys: %w", err)
	}
	defer rows.Close()

	keys := make([]models.OneTimePreKey, 0)
	for rows.Next() {
		var key models.OneTimePreKey
		if err := rows.Scan(&key.ID, &key.PublicKey, &key.PrivateKey, &key.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan one-time pre-key row: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate one-time pre-key rows: %w", err)
	}
	return keys, nil
}

// TakeOneTimePreKey returns and deletes a one-time pre-key.
func (s *Store) TakeOneTimePreKey(id string) (*models.OneTimePreKey, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin pre-key transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var key models.OneTimePreKey
	err = tx.QueryRow(
		`SELECT id, public_key, private_key, created_at FROM one_time_prekeys WHERE id = ?`, id,
	).Scan(&key.ID, &key.PublicKey, &key.PrivateKey, &key.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get one-time pre-key %q: %w", id, err)
	}
	if _, err := tx.Exec(`DELETE FROM one_time_prekeys WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("delete one-time pre-key %q: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit pre-key transaction: %w", err)
	}
	return &key, nil
}
