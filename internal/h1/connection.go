package h1

import (
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
)

type upgradeStage uint8

const (
	upgradeNone upgradeStage = iota
	// An upgrade request is parsed but earlier responses are still queued.
	upgradePendingHandling
	// The handler was invoked for the upgrade request and has not answered.
	upgradeAwaitingResult
)

// Connection drives the read, parse, dispatch and write cycle of one HTTP/1.1
// connection. Every method runs on the stream's executor; there is no
// locking inside.
//
// Working cycle: wait for a request (read and parse), hand it to the
// handler, and keep reading while the response ring has room. Responses are
// written strictly in request order. Each phase is covered by the timeout
// guard and any failure closes the connection.
type Connection[S Stream] struct {
	id       uint64
	ref      ArenaRef
	stream   S
	exec     Executor
	settings *Settings
	router   responseRouter
	logger   hclog.Logger
	onClose  func(c *Connection[S], reason string)

	buf    inputBuffer
	parser *Parser
	coord  *Coordinator
	guard  *TimeoutGuard

	upgradeStage    upgradeStage
	pendingUpgrade  *Request
	upgradeHandle   *ResponseHandle
	pendingTakeover func()

	awaitingInput bool
	readInFlight  bool
	writeInFlight bool
	peerEOF       bool
	closed        bool
	movedOut      bool
}

func newConnection[S Stream](id uint64, stream S, settings *Settings, router responseRouter) *Connection[S] {
	exec := stream.Executor()
	return &Connection[S]{
		id:       id,
		stream:   stream,
		exec:     exec,
		settings: settings,
		router:   router,
		logger:   settings.Logger.Named("h1").With("connection_id", id),
		buf:      newInputBuffer(settings.BufferSize),
		parser:   NewParser(settings.Limits),
		coord:    NewCoordinator(settings.MaxPipelinedRequests),
		guard:    NewTimeoutGuard(exec),
	}
}

// ID returns the connection id.
func (c *Connection[S]) ID() uint64 { return c.id }

// Start schedules waiting for the first request.
func (c *Connection[S]) Start() {
	c.exec.Dispatch(func() {
		c.logger.Trace("start connection", "remote", c.stream.RemoteAddr())
		c.waitForHTTPMessage()
	})
}

// Close closes the connection from outside its executor.
func (c *Connection[S]) Close() {
	c.exec.Dispatch(func() { c.close(closeShutdown) })
}

func (c *Connection[S]) waitForHTTPMessage() {
	if c.closed || c.awaitingInput || c.peerEOF || c.upgradeStage != upgradeNone {
		return
	}
	c.upgradeHandle = nil
	c.logger.Trace("start waiting for request")
	c.awaitingInput = true
	c.parser.Reset()
	c.guardReadOperation()

	if c.buf.len() != 0 {
		c.consumeData()
	} else {
		c.consumeMessage()
	}
}

func (c *Connection[S]) consumeMessage() {
	if c.readInFlight {
		return
	}
	c.logger.Trace("continue reading request")
	c.readInFlight = true
	c.stream.AsyncRead(c.buf.space(), c.afterRead)
}

func (c *Connection[S]) afterRead(n int, err error) {
	c.readInFlight = false
	if c.closed {
		return
	}
	if err != nil {
		switch {
		case errors.Is(err, net.ErrClosed):
			c.close(closeNormal)
		case errors.Is(err, io.EOF) && n == 0 && !c.parser.InProgress():
			c.logger.Trace("EOF and no request")
			c.peerEOF = true
			c.awaitingInput = false
			if c.idle() {
				c.close(closeEOF)
			}
		default:
			c.triggerErrorAndClose(closeTransportError, "read socket error", err, "parsed_bytes", c.parser.nread)
		}
		return
	}

	c.logger.Trace("received bytes", "count", n)
	c.buf.obtained(n)
	c.consumeData()
}

func (c *Connection[S]) consumeData() {
	consumed, err := c.parser.Feed(c.buf.bytes())
	c.buf.consumed(consumed)
	if err != nil {
		c.triggerErrorAndClose(closeParseError, "parser error", err)
		return
	}

	if c.parser.MessageComplete() {
		c.awaitingInput = false
		c.onRequestMessageComplete()
	} else {
		c.consumeMessage()
	}
}

func (c *Connection[S]) onRequestMessageComplete() {
	req := c.parser.Request()
	req.ConnectionID = c.id
	req.RemoteAddr = c.stream.RemoteAddr()
	c.logger.Trace("request received", "method", req.Method, "path", req.Path)

	if c.parser.UpgradeRequested() {
		c.upgradeStage = upgradePendingHandling
		c.pendingUpgrade = req
		if c.coord.Empty() {
			c.handleUpgradeRequest()
		} else {
			c.logger.Trace("upgrade request deferred until earlier responses are written")
		}
		return
	}

	id, err := c.coord.RegisterNewRequest()
	if err != nil {
		c.triggerErrorAndClose(closeHandlerError, "unable to register request", err)
		return
	}
	req.ID = id
	pipelineDepth.Observe(float64(c.coord.Len()))

	c.guardRequestHandlingOperation()

	h := c.newHandle(req, false)
	c.coord.Bind(id, h)
	res, err := c.invokeHandler(req, h)
	if err != nil {
		c.triggerErrorAndClose(closeHandlerError, "error while handling request", err)
		return
	}
	requestsTotal.WithLabelValues(res.String()).Inc()
	if res == Rejected {
		c.reject(h)
	}

	if !c.closed && c.coord.IsAbleToGetMoreMessages() {
		c.waitForHTTPMessage()
	}
}

func (c *Connection[S]) handleUpgradeRequest() {
	req := c.pendingUpgrade
	c.pendingUpgrade = nil

	// Timing of an upgraded connection belongs to the new protocol.
	c.guard.Cancel()

	id, err := c.coord.RegisterNewRequest()
	if err != nil {
		c.triggerErrorAndClose(closeHandlerError, "unable to register upgrade request", err)
		return
	}
	req.ID = id
	c.upgradeStage = upgradeAwaitingResult

	h := c.newHandle(req, true)
	c.upgradeHandle = h
	c.coord.Bind(id, h)
	res, err := c.invokeHandler(req, h)
	if err != nil {
		c.triggerErrorAndClose(closeHandlerError, "error while handling upgrade request", err)
		return
	}
	requestsTotal.WithLabelValues("upgrade_" + res.String()).Inc()
	if res != Rejected {
		return
	}
	if h.takeoverRequested() {
		c.logger.Error("upgrade handler rejected the request after taking over the connection")
		c.close(closeHandlerError)
		return
	}
	c.upgradeStage = upgradeNone
	c.upgradeHandle = nil
	c.reject(h)
}

// reject answers a rejected request with 501 and closes the connection once
// it is written.
func (c *Connection[S]) reject(h *ResponseHandle) {
	answered := h.finalizeBy(501)
	c.writeResponseParts(h.id, ResponseFlags{Final: true, ShouldClose: true},
		[]WritableItem{Bytes(notImplementedResponse())})
	if answered {
		h.settle(true)
	}
}

func (c *Connection[S]) newHandle(req *Request, upgrade bool) *ResponseHandle {
	return &ResponseHandle{
		id:        req.ID,
		connID:    c.id,
		ref:       c.ref,
		router:    c.router,
		logger:    c.logger,
		upgrade:   upgrade,
		keepAlive: req.KeepAlive,
	}
}

// invokeHandler is the single dispatch boundary: a panic in user code is
// turned into an error.
func (c *Connection[S]) invokeHandler(req *Request, h *ResponseHandle) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return c.settings.Handler.HandleRequest(req, h), nil
}

// writeResponseParts runs on the executor for every appended response part.
func (c *Connection[S]) writeResponseParts(id RequestID, flags ResponseFlags, items []WritableItem) {
	if c.movedOut {
		c.logger.Warn("response after the connection was taken over", "request_id", id)
		staleResponses.Inc()
		discardItems(items)
		return
	}
	if c.closed || !c.stream.IsOpen() {
		c.logger.Warn("try to write response while connection is closed", "request_id", id)
		staleResponses.Inc()
		discardItems(items)
		return
	}
	if c.upgradeStage == upgradeAwaitingResult && !c.switchingProtocols(id) {
		// The upgrade is answered through the ordinary path and pipelining
		// resumes after this response.
		c.upgradeStage = upgradeNone
	}
	if err := c.coord.AppendResponse(id, flags, items...); err != nil {
		c.logger.Warn("response dropped", "request_id", id, "error", err)
		staleResponses.Inc()
		discardItems(items)
		return
	}
	c.initWriteIfNecessary()
}

// switchingProtocols reports that id is the upgrade request and its handler
// recorded status 101. Input after a 101 belongs to the new protocol, so the
// connection stops reading HTTP and waits for the takeover.
func (c *Connection[S]) switchingProtocols(id RequestID) bool {
	h := c.upgradeHandle
	return h != nil && h.id == id && h.Status() == 101
}

func (c *Connection[S]) initWriteIfNecessary() {
	if c.writeInFlight || c.closed {
		return
	}
	out := c.coord.PopReadyBufs()
	switch out.Kind {
	case OutputTrivial:
		c.writeInFlight = true
		c.guardWriteOperation()
		c.logger.Trace("sending data", "buffers", len(out.Bufs))
		c.stream.AsyncWrite(out.Bufs, c.afterWrite)
	case OutputFile:
		c.writeInFlight = true
		c.guardWriteOperation()
		item := out.File
		c.logger.Trace("sending file", "size", item.Size)
		c.stream.AsyncSendFile(item, func(n int64, err error) {
			if item.File != nil {
				_ = item.File.Close()
			}
			c.afterWrite(n, err)
		})
	default:
		// A final part without data still releases its slot.
		if c.coord.ReleaseFlushed() {
			c.flushCompleted(true)
		}
	}
}

func (c *Connection[S]) afterWrite(n int64, err error) {
	c.writeInFlight = false
	if c.closed {
		return
	}
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			c.close(closeNormal)
		} else {
			c.triggerErrorAndClose(closeTransportError, "unable to write response", err)
		}
		return
	}
	c.logger.Trace("outgoing data was sent", "bytes", n)

	released := false
	for c.coord.ReleaseFlushed() {
		released = true
	}
	c.flushCompleted(released)
}

// flushCompleted decides what follows a write: close, upgrade handling,
// more reading, more writing, or waiting under the right timeout.
func (c *Connection[S]) flushCompleted(released bool) {
	if c.coord.CloseFlushed() {
		c.logger.Trace("close connection after the last response")
		c.close(closeNormal)
		return
	}
	if c.pendingTakeover != nil && c.coord.Empty() {
		f := c.pendingTakeover
		c.pendingTakeover = nil
		f()
		return
	}
	if c.upgradeStage == upgradePendingHandling && c.coord.Empty() {
		c.handleUpgradeRequest()
		return
	}
	if c.peerEOF && c.idle() {
		c.close(closeEOF)
		return
	}
	if released && c.upgradeStage == upgradeNone && !c.peerEOF &&
		c.coord.IsAbleToGetMoreMessages() {
		c.waitForHTTPMessage()
		if c.closed {
			return
		}
	}
	c.initWriteIfNecessary()
	if c.closed || c.writeInFlight {
		return
	}
	if c.coord.Empty() {
		c.guardReadOperation()
	} else {
		c.guardRequestHandlingOperation()
	}
}

// takeover moves the stream out for another protocol engine. A handshake
// response appended before the takeover is written first.
func (c *Connection[S]) takeover(h *ResponseHandle, done func(*RawTransport, error)) {
	if c.closed {
		done(nil, ErrConnectionGone)
		return
	}
	if c.upgradeHandle != h {
		c.logger.Error("takeover requested by a handle that does not own the upgrade", "request_id", h.id)
		c.close(closeHandlerError)
		done(nil, ErrConnectionGone)
		return
	}
	if c.writeInFlight || !c.coord.Empty() && c.upgradeStage == upgradeNone {
		c.logger.Trace("takeover waits for the handshake response")
		c.pendingTakeover = func() { c.takeover(h, done) }
		return
	}

	rt := &RawTransport{
		Stream:       c.stream,
		Leftover:     append([]byte(nil), c.buf.bytes()...),
		ConnectionID: c.id,
		RemoteAddr:   c.stream.RemoteAddr(),
	}
	c.logger.Trace("connection taken over", "leftover", len(rt.Leftover))
	c.closed = true
	c.movedOut = true
	c.upgradeHandle = nil
	c.guard.Cancel()
	if h.Status() == 0 {
		h.SetStatus(101)
	}
	h.settle(true)
	c.coord.Discard()
	upgradesTotal.Inc()
	if c.onClose != nil {
		c.onClose(c, "")
	}
	done(rt, nil)
}

func (c *Connection[S]) idle() bool {
	return c.coord.Empty() && !c.writeInFlight && c.upgradeStage == upgradeNone
}

func (c *Connection[S]) guardReadOperation() {
	if !c.coord.Empty() {
		return
	}
	c.guard.Schedule(c.settings.ReadNextMessageTimeout, func() {
		c.logger.Trace("wait for request timed out")
		c.close(closeReadTimeout)
	})
}

func (c *Connection[S]) guardRequestHandlingOperation() {
	if c.writeInFlight {
		return
	}
	c.guard.Schedule(c.settings.HandleRequestTimeout, func() {
		c.logger.Warn("handle request timed out")
		c.close(closeHandleTimeout)
	})
}

func (c *Connection[S]) guardWriteOperation() {
	c.guard.Schedule(c.settings.WriteResponseTimeout, func() {
		c.logger.Trace("writing response timed out")
		c.close(closeWriteTimeout)
	})
}

func (c *Connection[S]) triggerErrorAndClose(reason, msg string, err error, args ...interface{}) {
	c.logger.Error(msg, append([]interface{}{"error", err}, args...)...)
	c.close(reason)
}

// close is idempotent; only the first call touches the stream.
func (c *Connection[S]) close(reason string) {
	if c.closed {
		return
	}
	c.closed = true
	c.guard.Cancel()
	c.logger.Trace("close", "reason", reason)

	var result error
	if err := c.stream.Shutdown(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := c.stream.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if result != nil {
		c.logger.Trace("errors while closing", "error", result)
	}

	c.coord.Discard()
	closesTotal.WithLabelValues(reason).Inc()
	if c.onClose != nil {
		c.onClose(c, reason)
	}
	if f := c.pendingTakeover; f != nil {
		// Reports ErrConnectionGone to the waiting caller.
		c.pendingTakeover = nil
		f()
	}
}
