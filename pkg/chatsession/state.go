package chatsession

import "time"

// State is the phase of the controller's current turn.
type State int

const (
	StateIdle State = iota
	StateSubmitting
	StateStreaming
	StateCommitted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubmitting:
		return "submitting"
	case StateStreaming:
		return "streaming"
	case StateCommitted:
		return "committed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether s ends a turn.
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateCancelled || s == StateFailed
}

const (
	// ThinkingMarker is the assistant placeholder shown until the first token arrives.
	ThinkingMarker = "…"
	// CancelSentinel is appended to the assistant message of a cancelled turn.
	CancelSentinel = "\n[generation terminated]"
)

// TurnResult describes how a turn ended.
type TurnResult struct {
	TurnID    string
	State     State
	Err       error
	MessageID string
	Content   string
	Tokens    int
	Records   int
	Dropped   int
	Duration  time.Duration
}

// Update is sent to the observer on every state change and tail update.
type Update struct {
	TurnID    string
	State     State
	MessageID string
	Content   string
}

type UpdateFunc func(Update)
