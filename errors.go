package tstore

import "errors"

// Domain errors returned by Store operations. These are orthogonal to
// transport; a replicator wraps them as it sees fit but should not need to
// translate them to know how to react.
var (
	// ErrNotFound indicates no live version of the requested key exists.
	ErrNotFound = errors.New("tstore: not found")
	// ErrAlreadyExists indicates Add was called for a key with a visible
	// live version.
	ErrAlreadyExists = errors.New("tstore: already exists")
	// ErrVersionMismatch indicates a conditional Update/Remove's expected
	// LSN did not match the key's current LSN.
	ErrVersionMismatch = errors.New("tstore: version mismatch")
	// ErrTimeout indicates a lock acquisition exceeded its budget.
	ErrTimeout = errors.New("tstore: timeout")
	// ErrCancelled indicates the caller's context was cancelled.
	ErrCancelled = errors.New("tstore: cancelled")
	// ErrInvalidState indicates the operation is not legal given the
	// store's current role or lifecycle stage.
	ErrInvalidState = errors.New("tstore: invalid state")
	// ErrCorruptedData indicates a checksum or footer validation failure.
	ErrCorruptedData = errors.New("tstore: corrupted data")
)
