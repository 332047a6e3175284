package memory

import "errors"

var (
	// ErrInvalidInput is the only error class Assemble surfaces to callers.
	ErrInvalidInput = errors.New("invalid input")
	// ErrTransientDependency marks an unreachable embedding, index or history dependency.
	ErrTransientDependency = errors.New("transient dependency failure")
	// ErrPermanentDependency marks malformed stored data; the item is skipped.
	ErrPermanentDependency = errors.New("permanent dependency failure")
	// ErrCompactionFailed is confined to the background scheduler.
	ErrCompactionFailed = errors.New("compaction failed")

	ErrLeaseHeld     = errors.New("compaction lease held")
	ErrLeaseLost     = errors.New("compaction lease lost")
	ErrRangeConflict = errors.New("summary range conflict")
	ErrClosed        = errors.New("engine closed")
)
