package domain

import (
	"errors"
	"fmt"

	"github.com/wize-works/splits-network-sub004/internal/queue"
)

var (
	// ErrItemNotFound is returned when no item matches, or the item is not in the expected state.
	// It matches queue.ErrNotFound.
	ErrItemNotFound = fmt.Errorf("sync item %w", queue.ErrNotFound)

	// ErrUnknownProvider is returned when no executor is registered for an item's provider
	ErrUnknownProvider = errors.New("no executor registered for provider")

	// ErrInvalidPayload is returned when item payload JSON is malformed
	ErrInvalidPayload = errors.New("invalid sync item payload")
)

// ExecutionError wraps a failed sync execution with the provider that produced it
type ExecutionError struct {
	Provider string
	Err      error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s sync failed: %v", e.Provider, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
