package h1

import (
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"
)

// Result is the synchronous outcome of a request handler.
type Result int

const (
	// Accepted means the handler responds through its ResponseHandle, now
	// or later.
	Accepted Result = iota
	// Rejected makes the engine answer 501 and close the connection.
	Rejected
)

func (r Result) String() string {
	if r == Rejected {
		return "rejected"
	}
	return "accepted"
}

// Handler is invoked once per completed request on the connection's
// executor. It must not block; long work belongs on another goroutine that
// later responds through the handle.
type Handler interface {
	HandleRequest(req *Request, h *ResponseHandle) Result
}

// HandlerFunc is an adapter to allow ordinary functions to be used as handlers.
type HandlerFunc func(req *Request, h *ResponseHandle) Result

// HandleRequest calls f(req, h).
func (f HandlerFunc) HandleRequest(req *Request, h *ResponseHandle) Result {
	return f(req, h)
}

// responder is the executor-side half of a ResponseHandle.
type responder interface {
	writeResponseParts(id RequestID, flags ResponseFlags, items []WritableItem)
	takeover(h *ResponseHandle, done func(*RawTransport, error))
}

// responseRouter locates a live connection and runs task on its executor.
// It reports false when the connection is gone.
type responseRouter interface {
	dispatch(ref ArenaRef, task func(responder)) bool
}

// ResponseHandle is the write-back capability handed to a handler. It holds
// the request id and an arena reference, never the connection itself, and
// is safe to use from any goroutine. Calls after the connection is gone are
// logged no-ops.
type ResponseHandle struct {
	id        RequestID
	connID    uint64
	ref       ArenaRef
	router    responseRouter
	logger    hclog.Logger
	upgrade   bool
	keepAlive bool

	status    atomic.Int32
	finalized atomic.Bool
	taken     atomic.Bool
	completed atomic.Bool

	mu     sync.Mutex
	done   bool
	onDone []func()
}

// ID returns the request id the handle answers.
func (h *ResponseHandle) ID() RequestID { return h.id }

// ConnectionID returns the id of the owning connection.
func (h *ResponseHandle) ConnectionID() uint64 { return h.connID }

// KeepAlive reports whether the request allows the connection to stay open.
func (h *ResponseHandle) KeepAlive() bool { return h.keepAlive }

// IsUpgrade reports whether the handle belongs to an upgrade request.
func (h *ResponseHandle) IsUpgrade() bool { return h.upgrade }

// Status returns the status recorded with SetStatus, or 0.
func (h *ResponseHandle) Status() int { return int(h.status.Load()) }

// SetStatus records the response status for observers such as logging and
// tracing middleware.
func (h *ResponseHandle) SetStatus(status int) { h.status.Store(int32(status)) }

// OnDone registers f to run exactly once when the request is settled: its
// final response part was appended, the engine answered it, the connection
// was taken over, or the connection dropped it before it was answered.
// Completed tells the cases apart. f runs on the goroutine that settles the
// request, or right away if it is already settled.
func (h *ResponseHandle) OnDone(f func()) {
	h.mu.Lock()
	if h.done {
		h.mu.Unlock()
		f()
		return
	}
	h.onDone = append(h.onDone, f)
	h.mu.Unlock()
}

// Completed reports whether the request was settled with a response rather
// than dropped.
func (h *ResponseHandle) Completed() bool { return h.completed.Load() }

// Append queues response parts. Parts are written after every earlier
// request's response, in the order they were appended.
func (h *ResponseHandle) Append(flags ResponseFlags, items ...WritableItem) {
	if flags.Final && !h.finalized.CompareAndSwap(false, true) {
		h.logger.Warn("response already finalized", "connection_id", h.connID, "request_id", h.id)
		staleResponses.Inc()
		discardItems(items)
		return
	}
	ok := h.router.dispatch(h.ref, func(r responder) {
		r.writeResponseParts(h.id, flags, items)
	})
	if !ok {
		h.logger.Warn("response for a closed connection", "connection_id", h.connID, "request_id", h.id)
		staleResponses.Inc()
		discardItems(items)
	}
	if flags.Final {
		h.settle(ok)
	}
}

// Respond writes a complete response with a fixed-length body. The
// connection is closed afterwards unless the request allows keep-alive.
func (h *ResponseHandle) Respond(status int, headers [][2]string, body []byte) {
	h.SetStatus(status)
	h.Append(
		ResponseFlags{Final: true, ShouldClose: !h.keepAlive},
		Bytes(BuildResponse(status, headers, body, h.keepAlive)),
	)
}

// Takeover asks to move the connection's stream out of the HTTP engine. It
// is only valid for upgrade requests. done runs on the connection's executor
// with the raw transport, or with an error when the takeover is impossible.
func (h *ResponseHandle) Takeover(done func(*RawTransport, error)) {
	if !h.upgrade {
		done(nil, ErrNotUpgradeRequest)
		return
	}
	if !h.taken.CompareAndSwap(false, true) {
		done(nil, ErrAlreadyTakenOver)
		return
	}
	ok := h.router.dispatch(h.ref, func(r responder) {
		r.takeover(h, done)
	})
	if !ok {
		done(nil, ErrConnectionGone)
	}
}

func (h *ResponseHandle) takeoverRequested() bool { return h.taken.Load() }

// finalizeBy marks the request answered by the engine with status. It
// reports false when the handler already appended a final part.
func (h *ResponseHandle) finalizeBy(status int) bool {
	if !h.finalized.CompareAndSwap(false, true) {
		return false
	}
	h.SetStatus(status)
	return true
}

// settle runs the done hooks once.
func (h *ResponseHandle) settle(completed bool) {
	h.mu.Lock()
	if h.done {
		h.mu.Unlock()
		return
	}
	h.done = true
	h.completed.Store(completed)
	hooks := h.onDone
	h.onDone = nil
	h.mu.Unlock()
	for _, f := range hooks {
		f()
	}
}
