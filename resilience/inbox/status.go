package inbox

import "fmt"

// Status is an inbox record lifecycle state.
type Status string

const (
	StatusReceived  Status = "RECEIVED"
	StatusProcessed Status = "PROCESSED"
	StatusFailed    Status = "FAILED"
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
	case StatusReceived, StatusProcessed, StatusFailed:
		return true
	default:
		return false
	}
}

func (status Status) String() string {
	return string(status)
}
