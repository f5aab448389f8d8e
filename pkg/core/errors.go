package core

import "errors"

// Common errors.
var (
	// ErrNotFound is returned when a document, version or blob is absent.
	ErrNotFound = errors.New("not found")

	// ErrSchemaConflict is returned when two schemas disagree on a column type.
	ErrSchemaConflict = errors.New("schema conflict")

	// ErrAlreadyReplicating rejects a pull against a remote that already has one in flight.
	ErrAlreadyReplicating = errors.New("already pulling from that remote")

	// ErrTransport marks network or tunnel failures.
	ErrTransport = errors.New("transport error")

	// ErrHashMismatch is returned when blob content does not match its address.
	ErrHashMismatch = errors.New("blob hash mismatch")

	ErrInvalidID      = errors.New("invalid document id")
	ErrClosed         = errors.New("store is closed")
	ErrExists         = errors.New("a dataset already exists here")
	ErrNotInitialized = errors.New("not a dataset directory")
)
