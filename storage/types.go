package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"peerlink/models"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrAlreadyExists indicates a unique row is already present.
	ErrAlreadyExists = errors.New("storage: record already exists")
)

const (
	// SecuritySeverityInfo indicates informational security event context.
	SecuritySeverityInfo = "info"
	// SecuritySeverityWarning indicates potentially suspicious behavior.
	SecuritySeverityWarning = "warning"
	// SecuritySeverityCritical indicates serious security failures.
	SecuritySeverityCritical = "critical"
)

// SecurityEvent is a persisted security audit event.
type SecurityEvent struct {
	ID        int64
	EventType string
	PeerID    *string
	Details   string
	Severity  string
	Timestamp int64
}

// SecurityEventFilter constrains security event queries.
type SecurityEventFilter struct {
	EventType     string
	PeerID        string
	Severity      string
	FromTimestamp *int64
	ToTimestamp   *int64
	Limit         int
	Offset        int
}

type scanner interface {
	Scan(dest ...any) error
}

func validateOfflineStatus(status string) error {
	switch status {
	case models.OfflineStatusPending, models.OfflineStatusSending, models.OfflineStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid offline item status %q", status)
	}
}

func validateSecuritySeverity(severity string) error {
	switch severity {
	case SecuritySeverityInfo, SecuritySeverityWarning, SecuritySeverityCritical:
		return nil
	default:
		return fmt.Errorf("invalid security severity %q", severity)
	}
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func nullableText(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	value := ns.String
	return &value
}

func rowsAffected(res sql.Result, op string) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for %s: %w", op, err)
	}
	return n, nil
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
