package models

// Priority orders messages awaiting transmission. Higher values dequeue first.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}

const (
	// MessageTypeText is ordinary application content.
	MessageTypeText = "text"
	// MessageTypeCommand carries an application command.
	MessageTypeCommand = "command"
	// MessageTypeAck acknowledges a message whose RequiresAck flag was set.
	MessageTypeAck = "ack"
)

const (
	DeliveryStatusPending = "pending"
	DeliveryStatusSent    = "sent"
	DeliveryStatusQueued  = "queued_offline"
	DeliveryStatusAcked   = "acked"
)

// Message is one unit of application content in flight between two identities.
type Message struct {
	ID             string   `json:"id"`
	SenderID       string   `json:"sender_id"`
	ReceiverID     string   `json:"receiver_id"`
	Type           string   `json:"type"`
	Payload        []byte   `json:"payload"`
	Timestamp      int64    `json:"timestamp"`
	Priority       Priority `json:"priority"`
	RequiresAck    bool     `json:"requires_ack"`
	DeliveryStatus string   `json:"-"`
}
