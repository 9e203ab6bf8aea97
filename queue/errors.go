package queue

import "errors"

// Sentinel errors for pool operations
var (
	// ErrPoolAlreadyStarted indicates Run was called on a running pool
	ErrPoolAlreadyStarted = errors.New("task pool already started")

	// ErrNilHandler indicates a nil handler was registered
	ErrNilHandler = errors.New("handler function cannot be nil")

	// ErrNoHandler indicates a task kind without a registered handler
	ErrNoHandler = errors.New("no handler registered for task kind")
)
