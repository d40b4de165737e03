package transport

import "fmt"

// FlowControlKind discriminates FlowControlState variants.
type FlowControlKind int

const (
	FlowNormal FlowControlKind = iota
	FlowPaused
	FlowResumed
)

// FlowControlState is the transport's backpressure signal. BufferedAmount is
// set for Paused and Resumed; Threshold only for Paused.
type FlowControlState struct {
	Kind           FlowControlKind
	BufferedAmount uint64
	Threshold      uint64
}

func Normal() FlowControlState { return FlowControlState{Kind: FlowNormal} }

func Paused(bufferedAmount, threshold uint64) FlowControlState {
	return FlowControlState{Kind: FlowPaused, BufferedAmount: bufferedAmount, Threshold: threshold}
}

func Resumed(bufferedAmount uint64) FlowControlState {
	return FlowControlState{Kind: FlowResumed, BufferedAmount: bufferedAmount}
}

func (s FlowControlState) IsPaused() bool { return s.Kind == FlowPaused }

func (s FlowControlState) String() string {
	switch s.Kind {
	case FlowNormal:
		return "normal"
	case FlowPaused:
		return fmt.Sprintf("paused(buffered=%d, threshold=%d)", s.BufferedAmount, s.Threshold)
	case FlowResumed:
		return fmt.Sprintf("resumed(buffered=%d)", s.BufferedAmount)
	default:
		return fmt.Sprintf("flow(%d)", int(s.Kind))
	}
}

// SendResultKind discriminates SendResult variants.
type SendResultKind int

const (
	SendSent SendResultKind = iota
	SendQueued
	SendQueueFull
	SendFailed
)

// SendResult reports what happened to one Send. Position is set for Queued
// (1-based); Err for Failed.
type SendResult struct {
	Kind     SendResultKind
	Position int
	Err      error
}

func Sent() SendResult                 { return SendResult{Kind: SendSent} }
func Queued(position int) SendResult   { return SendResult{Kind: SendQueued, Position: position} }
func QueueFull() SendResult            { return SendResult{Kind: SendQueueFull} }
func Failed(reason error) SendResult   { return SendResult{Kind: SendFailed, Err: reason} }
func (r SendResult) Accepted() bool    { return r.Kind == SendSent || r.Kind == SendQueued }
func (r SendResult) IsQueueFull() bool { return r.Kind == SendQueueFull }

func (r SendResult) String() string {
	switch r.Kind {
	case SendSent:
		return "sent"
	case SendQueued:
		return fmt.Sprintf("queued(%d)", r.Position)
	case SendQueueFull:
		return "queue_full"
	case SendFailed:
		return fmt.Sprintf("failed(%v)", r.Err)
	default:
		return fmt.Sprintf("send(%d)", int(r.Kind))
	}
}

// FlowControlStats is a point-in-time view for observability.
type FlowControlStats struct {
	IsPaused       bool
	BufferedAmount uint64
	QueueSize      int
	HighWaterMark  uint64
	LowWaterMark   uint64
}
