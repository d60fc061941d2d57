package adapter

import "errors"

// Adapter error kinds.
var (
	// ErrTimeout is returned when evaluate does not receive a reply within
	// its deadline.
	ErrTimeout = errors.New("adapter: timeout")
	// ErrClosed is returned when the duplex connection is not established,
	// or drops while a request is in flight.
	ErrClosed = errors.New("adapter: closed")
	// ErrNotAvailable is returned when no host debug target could be
	// discovered at all.
	ErrNotAvailable = errors.New("adapter: host runtime not available")
)

// ExecutionFault wraps an error the host's runtime reported for an
// evaluated expression (the remote side threw).
type ExecutionFault struct {
	Message string
}

func (e *ExecutionFault) Error() string {
	return "adapter: execution fault: " + e.Message
}
