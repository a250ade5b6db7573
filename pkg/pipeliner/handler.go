package pipeliner

import (
	"github.com/albertbausili/pipeliner/internal/h1"
)

type (
	// Request is a parsed HTTP/1.x request.
	Request = h1.Request
	// ResponseHandle is the write-back capability for one request.
	ResponseHandle = h1.ResponseHandle
	// Handler handles requests. It runs on the connection's executor and
	// must not block.
	Handler = h1.Handler
	// HandlerFunc is an adapter to allow ordinary functions to be used as handlers.
	HandlerFunc = h1.HandlerFunc
	// Result is the synchronous outcome of a handler.
	Result = h1.Result
	// ResponseFlags mark the final part of a response and whether the
	// connection closes after it.
	ResponseFlags = h1.ResponseFlags
	// WritableItem is one part of a response: bytes or a file section.
	WritableItem = h1.WritableItem
	// RawTransport is the stream handed out by an upgrade takeover.
	RawTransport = h1.RawTransport
	// Stream is the asynchronous byte stream under a connection.
	Stream = h1.Stream
	// ConnectionEvent describes a connection lifecycle change.
	ConnectionEvent = h1.ConnectionEvent
	// ConnectionState is the state reported in a ConnectionEvent.
	ConnectionState = h1.ConnectionState
)

const (
	Accepted = h1.Accepted
	Rejected = h1.Rejected

	ConnectionAccepted = h1.ConnectionAccepted
	ConnectionClosed   = h1.ConnectionClosed
	ConnectionUpgraded = h1.ConnectionUpgraded
)

var (
	// Bytes wraps b as a response part.
	Bytes = h1.Bytes
	// String wraps s as a response part.
	String = h1.String
	// File wraps a section of f as a response part. The engine closes f.
	File = h1.File
)

// Errors reported to Takeover callbacks.
var (
	ErrNotUpgradeRequest = h1.ErrNotUpgradeRequest
	ErrAlreadyTakenOver  = h1.ErrAlreadyTakenOver
	ErrConnectionGone    = h1.ErrConnectionGone
)

// Middleware is a function that wraps a Handler with additional functionality.
type Middleware func(Handler) Handler

// Chain combines multiple middlewares into a single middleware. The first
// middleware is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(final Handler) Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}
