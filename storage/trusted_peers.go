package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"peerlink/models"
)

// AddTrustedPeer inserts a trusted peer. An existing identifier is never overwritten.
func (s *Store) AddTrustedPeer(peer models.TrustedPeer) error {
	if strings.TrimSpace(peer.Identifier) == "" {
		return errors.New("identifier is required")
	}
	if len(peer.PublicKey) == 0 {
		return errors.New("public_key is required")
	}
	if peer.TrustedTimestamp == 0 {
		peer.TrustedTimestamp = nowUnixMilli()
	}

	res, err := s.db.Exec(
		`INSERT INTO trusted_peers (identifier, display_name, public_key, trusted_timestamp)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(identifier) DO NOTHING`,
		peer.Identifier,
		peer.DisplayName,
		peer.PublicKey,
		peer.TrustedTimestamp,
	)
	if err != nil {
		return fmt.Errorf("insert trusted peer %q: %w", peer.Identifier, err)
	}
	n, err := rowsAffected(res, "trusted peer insert")
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlreadyExists
	}

	return nil
}

// GetTrustedPeer returns a single trusted peer by identifier.
func (s *Store) GetTrustedPeer(identifier string) (*models.TrustedPeer, error) {
	row := s.db.QueryRow(
		`SELECT identifier, display_name, public_key, trusted_timestamp
		FROM trusted_peers WHERE identifier = ?`,
		identifier,
	)

	peer, err := scanTrustedPeer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get trusted peer %q: %w", identifier, err)
	}
	return peer, nil
}

// ListTrustedPeers returns all trusted peers, oldest trust first.
func (s *Store) ListTrustedPeers() ([]models.TrustedPeer, error) {
	rows, err := s.db.Query(
		`SELECT identifier, display_name, public_key, trusted_timestamp
		FROM trusted_peers
		ORDER BY trusted_timestamp ASC, identifier ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list trusted peers: %w", err)
	}
	defer rows.Close()

	peers := make([]models.TrustedPeer, 0)
	for rows.Next() {
		peer, err := scanTrustedPeer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trusted peer row: %w", err)
		}
		peers = append(peers, *peer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trusted peer rows: %w", err)
	}

	return peers, nil
}

// RemoveTrustedPeer deletes a trusted peer and reports whether a row existed.
func (s *Store) RemoveTrustedPeer(identifier string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM trusted_peers WHERE identifier = ?`, identifier)
	if err != nil {
		return false, fmt.Errorf("remove trusted peer %q: %w", identifier, err)
	}
	n, err := rowsAffected(res, "trusted peer delete")
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func scanTrustedPeer(row scanner) (*models.TrustedPeer, error) {
	var peer models.TrustedPeer
	if err := row.Scan(
		&peer.Identifier,
		&peer.DisplayName,
		&peer.PublicKey,
		&peer.TrustedTimestamp,
	); err != nil {
		return nil, err
	}
	return &peer, nil
}
