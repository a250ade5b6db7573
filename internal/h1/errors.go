package h1

import "errors"

var (
	// ErrCoordinatorFull is returned when a request is registered while every
	// response slot is occupied.
	ErrCoordinatorFull = errors.New("h1: response coordinator is full")
	// ErrCoordinatorClosed is returned when a request is registered after a
	// response promised to close the connection.
	ErrCoordinatorClosed = errors.New("h1: response coordinator is closed")
	// ErrStaleRequest is returned when a response is appended for a request
	// whose slot is unknown, released or already final.
	ErrStaleRequest = errors.New("h1: no pending response slot for request")

	// ErrNotUpgradeRequest is reported by Takeover on a handle that does not
	// belong to an upgrade request.
	ErrNotUpgradeRequest = errors.New("h1: takeover is only allowed for upgrade requests")
	// ErrAlreadyTakenOver is reported by a second Takeover on the same handle.
	ErrAlreadyTakenOver = errors.New("h1: connection already taken over")
	// ErrConnectionGone is reported when the connection behind a handle has
	// already been closed.
	ErrConnectionGone = errors.New("h1: connection is gone")

	// ErrHandlerPanic wraps a panic recovered at the dispatch boundary.
	ErrHandlerPanic = errors.New("h1: request handler panicked")
)

// Parser errors. All of them are fatal for the connection.
var (
	ErrInvalidRequestLine   = errors.New("h1: invalid request line")
	ErrUnsupportedVersion   = errors.New("h1: unsupported HTTP version")
	ErrInvalidHeader        = errors.New("h1: invalid header line")
	ErrInvalidContentLength = errors.New("h1: invalid content-length")
	ErrInvalidChunk         = errors.New("h1: invalid chunked encoding")
	ErrURLTooLong           = errors.New("h1: request target too long")
	ErrHeaderTooLarge       = errors.New("h1: header block too large")
	ErrTooManyFields        = errors.New("h1: too many header fields")
	ErrBodyTooLarge         = errors.New("h1: request body too large")
)
