package monitor

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedChain matches every UnsupportedChainError.
	ErrUnsupportedChain = errors.New("unsupported chain")
	// ErrInvalidParams is returned when identifying parameters are missing or malformed.
	ErrInvalidParams = errors.New("invalid monitor parameters")
	// ErrNotStarted is returned by operations that need an open scope key.
	ErrNotStarted = errors.New("monitor not started")
	// ErrStopped resolves the completion of a monitor stopped before reaching a terminal status.
	ErrStopped = errors.New("monitor stopped")
)

// UnsupportedChainError reports a chain id missing from the registry.
// It is returned from Start before any subscription is opened.
type UnsupportedChainError struct {
	ChainID int64
}

func (e *UnsupportedChainError) Error() string {
	return fmt.Sprintf("unsupported chain: %d", e.ChainID)
}

func (e *UnsupportedChainError) Is(target error) bool {
	return target == ErrUnsupportedChain
}

// SubscriptionError reports a failure of the watch service itself, as opposed to a
// failure of the watched operation.
type SubscriptionError struct {
	Op  string
	Err error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("failed to %s: %v", e.Op, e.Err)
}

func (e *SubscriptionError) Unwrap() error {
	return e.Err
}

// TerminalFailureError reports that the watched operation reached a failure-shaped
// terminal status.
type TerminalFailureError struct {
	Status string
	Reason string
}

func (e *TerminalFailureError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("terminal status %s", e.Status)
	}
	return fmt.Sprintf("terminal status %s: %s", e.Status, e.Reason)
}
