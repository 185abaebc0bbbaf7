package application

import (
	"errors"
	"fmt"
)

// Engine errors.
var (
	// Configuration errors.
	ErrInvalidConfig  = errors.New("invalid config")
	ErrNotStarted     = errors.New("engine not started")
	ErrAlreadyStarted = errors.New("engine already started")

	// Queue errors.
	ErrQueueFull   = errors.New("queue full")
	ErrQueueClosed = errors.New("queue closed")

	// Publish errors. Transports wrap ErrPublishRejected for failures that will
	// never succeed on retry and ErrLinkDown for failures caused by the link
	// going away underneath the publish.
	ErrInvalidMessage  = errors.New("invalid message")
	ErrPublishRejected = errors.New("publish rejected")
	ErrLinkDown        = errors.New("link down")
	ErrAckTimeout      = errors.New("acknowledgment timeout")

	// Connection errors.
	ErrConnectRefused   = errors.New("connection refused")
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")

	// Lifecycle errors.
	ErrDrainTimeout = errors.New("drain timeout")
	ErrShutdown     = errors.New("engine shut down")
)

// ConfigError reports an invalid configuration value. It is returned before
// any network activity takes place.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config: %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return ErrInvalidConfig
}

// ConnectionError is the engine-wide failure raised by the supervisor when the
// broker cannot be reached any more.
type ConnectionError struct {
	Fatal    bool
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	if e.Fatal {
		return fmt.Sprintf("fatal connection error after %d attempt(s): %v", e.Attempts, e.Err)
	}
	return fmt.Sprintf("connection error after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

type failureClass int

const (
	failureTransient failureClass = iota
	failurePermanent
	failureLink
)

func (c failureClass) String() string {
	switch c {
	case failurePermanent:
		return "permanent"
	case failureLink:
		return "link"
	default:
		return "transient"
	}
}

func classifyFailure(err error) failureClass {
	switch {
	case errors.Is(err, ErrPublishRejected):
		return failurePermanent
	case errors.Is(err, ErrLinkDown):
		return failureLink
	default:
		return failureTransient
	}
}
