package models

const (
	OfflineStatusPending = "pending"
	OfflineStatusSending = "sending"
	OfflineStatusFailed  = "failed"
)

// QueuedOfflineItem is a payload durably waiting for an unreachable peer.
type QueuedOfflineItem struct {
	ID            string `json:"id"`
	PeerID        string `json:"peer_id"`
	Payload       []byte `json:"payload"`
	EnqueueTime   int64  `json:"enqueue_time"`
	ExpiresAt     int64  `json:"expires_at"`
	NextAttemptAt int64  `json:"next_attempt_at"`
	RetryCount    int    `json:"retry_count"`
	Status        string `json:"status"`
	ErrorMessage  string `json:"error_message,omitempty"`
}

// QueueStats aggregates offline queue item counts by status.
type QueueStats struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Sending int `json:"sending"`
	Failed  int `json:"failed"`
}
