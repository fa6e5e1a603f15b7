package outbox

import "fmt"

// Status is a record lifecycle state.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusDispatched Status = "DISPATCHED"
	StatusFailed     Status = "FAILED"
)

// ParseStatus validates and converts a stored status.
func ParseStatus(raw string) (Status, error) {
	status := Status(raw)

	if !status.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrStatusInvalid, raw)
	}

	return status, nil
}

// IsValid reports whether the status is part of the lifecycle.
func (status Status) IsValid() bool {
	switch status {
	case StatusPending, StatusDispatched, StatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the dispatcher will never touch the record again.
func (status Status) IsTerminal() bool {
	return status == StatusDispatched || status == StatusFailed
}

// CanTransitionTo reports whether the dispatcher may move a record from
// status to next. PENDING to PENDING is a failed attempt with attempts left.
func (status Status) CanTransitionTo(next Status) bool {
	return status == StatusPending && next.IsValid()
}

// ValidateTransition validates a transition between stored statuses.
func ValidateTransition(fromRaw, toRaw string) error {
	from, err := ParseStatus(fromRaw)
	if err != nil {
		return fmt.Errorf("from status: %w", err)
	}

	to, err := ParseStatus(toRaw)
	if err != nil {
		return fmt.Errorf("to status: %w", err)
	}

	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrTransitionInvalid, from, to)
	}

	return nil
}

func (status Status) String() string {
	return string(status)
}
