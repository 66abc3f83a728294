package order

import "fmt"

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRefunded  Status = "refunded"
)

// Terminal reports whether gateway events may still change this status.
// Refunds move completed orders forward, but that is an explicit merchant
// operation, not something a payment notification is allowed to do.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusRefunded
}

// CanTransitionTo encodes the only legal moves in the order lifecycle:
// pending -> completed, pending -> failed, completed -> refunded.
// Re-asserting the current status is not a transition.
func (s Status) CanTransitionTo(target Status) bool {
	switch s {
	case StatusPending:
		return target == StatusCompleted || target == StatusFailed
	case StatusCompleted:
		return target == StatusRefunded
	default:
		return false
	}
}

func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusCompleted, StatusFailed, StatusRefunded:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown order status: %q", s)
}
