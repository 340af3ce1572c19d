package storage

import "errors"

// Errors surfaced by the Gateway without retry; callers decide recovery.
var (
	// ErrConflictingOpenSession is returned by OpenSession when a live
	// session already exists for the room.
	ErrConflictingOpenSession = errors.New("storage: conflicting open session")

	// ErrDuplicateTrace is returned by AppendGift when a GiftEvent carrying
	// an already-persisted trace_id is inserted. It is a belt-and-braces
	// check behind the Processor's in-memory dedup cache.
	ErrDuplicateTrace = errors.New("storage: duplicate gift trace id")

	// ErrRoomNotFound is returned when an operation references a room
	// identifier with no persisted Room row.
	ErrRoomNotFound = errors.New("storage: room not found")

	// ErrSessionNotFound is returned when an operation references a
	// session id with no persisted LiveSession row.
	ErrSessionNotFound = errors.New("storage: session not found")

	// ErrNoOpenSession is returned by CurrentOpenSession when no live
	// session exists for the room.
	ErrNoOpenSession = errors.New("storage: no open session")
)
