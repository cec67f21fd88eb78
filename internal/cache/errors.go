package cache

import "errors"

// Error taxonomy for the cache engine.
//
// ErrOutOfMemory is recoverable by the caller (trigger eviction or
// swap-out and retry at a later step); it is never retried internally.
// ErrInvalidArgument indicates a caller bug and is always fatal to the
// call. ErrConfiguration is surfaced before any kernel launch.
var (
	ErrOutOfMemory     = errors.New("block pool exhausted")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrConfiguration   = errors.New("configuration error")
)
