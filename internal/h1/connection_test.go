package h1

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testReadTimeout   = 1 * time.Second
	testHandleTimeout = 2 * time.Second
	testWriteTimeout  = 3 * time.Second
)

type harness struct {
	t       *testing.T
	stream  *fakeStream
	timers  *fakeTimers
	conn    *Connection[*fakeStream]
	reg     *registry[*fakeStream]
	reqs    []*Request
	handles []*ResponseHandle
	events  []ConnectionEvent

	// onRequest overrides the default accept-and-record behavior.
	onRequest func(req *Request, h *ResponseHandle) Result
}

func newHarness(t *testing.T, maxPipelined int) *harness {
	h := &harness{t: t, stream: newFakeStream(t), timers: &fakeTimers{}}
	settings := DefaultSettings()
	settings.MaxPipelinedRequests = maxPipelined
	settings.ReadNextMessageTimeout = testReadTimeout
	settings.HandleRequestTimeout = testHandleTimeout
	settings.WriteResponseTimeout = testWriteTimeout
	settings.OnConnectionState = func(ev ConnectionEvent) { h.events = append(h.events, ev) }
	settings.Handler = HandlerFunc(func(req *Request, rh *ResponseHandle) Result {
		h.reqs = append(h.reqs, req)
		h.handles = append(h.handles, rh)
		if h.onRequest != nil {
			return h.onRequest(req, rh)
		}
		return Accepted
	})

	var ids IDCounter
	h.reg = newRegistry[*fakeStream](&settings, &ids, "test")
	h.conn = h.reg.open(h.stream)
	h.conn.guard.after = h.timers.after
	h.stream.exec.runAll()
	require.True(t, h.stream.reading(), "connection must start reading")
	return h
}

// respond appends a final part for the i-th dispatched request and runs
// the executor.
func (h *harness) respond(i int, body string) {
	h.handles[i].Append(ResponseFlags{Final: true}, String(body))
	h.stream.exec.runAll()
}

func (h *harness) lastTimer() time.Duration {
	return h.timers.durs[len(h.timers.durs)-1]
}

// fireLastTimer expires the most recently armed guard timer.
func (h *harness) fireLastTimer() {
	h.timers.fired[len(h.timers.fired)-1]()
	h.stream.exec.runAll()
}

func get(path string) string {
	return "GET " + path + " HTTP/1.1\r\nHost: test\r\n\r\n"
}

func closes(reason string) float64 {
	return testutil.ToFloat64(closesTotal.WithLabelValues(reason))
}

func TestConnectionSequentialRequests(t *testing.T) {
	h := newHarness(t, 1)

	for i := 0; i < 3; i++ {
		h.stream.deliver(get("/seq"))
		require.Len(t, h.reqs, i+1)
		assert.False(t, h.stream.reading(), "ring is full")
		assert.Equal(t, "/seq", h.reqs[i].Path)
		assert.EqualValues(t, 1, h.reqs[i].ConnectionID)
		assert.NotNil(t, h.reqs[i].RemoteAddr)

		h.respond(i, "R")
		assert.Equal(t, "R", h.stream.completeWrite())
		assert.True(t, h.stream.reading(), "reading resumes after the response")
		assert.Equal(t, testReadTimeout, h.lastTimer())
	}
	assert.Equal(t, "RRR", h.stream.written.String())
	assert.Equal(t, 0, h.stream.closes)
}

func TestConnectionPipelinedOutOfOrder(t *testing.T) {
	h := newHarness(t, 3)

	h.stream.deliver(get("/1") + get("/2") + get("/3"))
	require.Len(t, h.reqs, 3)
	assert.EqualValues(t, []RequestID{0, 1, 2}, []RequestID{h.reqs[0].ID, h.reqs[1].ID, h.reqs[2].ID})

	h.respond(2, "C")
	h.respond(1, "B")
	assert.False(t, h.stream.writing, "no write before the first response")

	h.respond(0, "A")
	h.stream.completeWrite()
	h.stream.completeWrite()
	h.stream.completeWrite()

	assert.Equal(t, "ABC", h.stream.written.String())
	assert.Equal(t, 1, h.stream.maxInFlight)
}

func TestConnectionBackpressure(t *testing.T) {
	h := newHarness(t, 2)

	h.stream.deliver(get("/1") + get("/2") + get("/3"))
	require.Len(t, h.reqs, 2, "third request waits for a free slot")
	assert.False(t, h.stream.reading())

	h.respond(0, "A")
	assert.Len(t, h.reqs, 2)
	h.stream.completeWrite()

	require.Len(t, h.reqs, 3, "buffered request is parsed once a slot is released")
	assert.Equal(t, "/3", h.reqs[2].Path)
	assert.False(t, h.stream.reading())

	h.respond(1, "B")
	h.stream.completeWrite()
	assert.True(t, h.stream.reading())
}

func TestConnectionPartialResponsesInterleave(t *testing.T) {
	h := newHarness(t, 2)
	h.stream.deliver(get("/1") + get("/2"))

	h.handles[1].Append(ResponseFlags{Final: true}, String("second"))
	h.handles[0].Append(ResponseFlags{}, String("head-"))
	h.stream.exec.runAll()
	assert.Equal(t, "head-", h.stream.completeWrite())
	assert.False(t, h.stream.writing, "first response is not final yet")

	h.handles[0].Append(ResponseFlags{Final: true}, String("tail"))
	h.stream.exec.runAll()
	assert.Equal(t, "tail", h.stream.completeWrite())
	assert.Equal(t, "second", h.stream.completeWrite())
}

func TestConnectionRejectedRequest(t *testing.T) {
	h := newHarness(t, 3)
	h.onRequest = func(req *Request, _ *ResponseHandle) Result {
		if req.Path == "/bad" {
			return Rejected
		}
		return Accepted
	}
	before := closes(closeNormal)

	h.stream.deliver(get("/ok") + get("/bad") + get("/never"))
	require.Len(t, h.reqs, 2, "nothing is read after a rejection")

	h.respond(0, "A")
	h.stream.completeWrite()
	payload := h.stream.completeWrite()
	assert.True(t, strings.HasPrefix(payload, "HTTP/1.1 501 Not Implemented\r\n"))
	assert.Contains(t, payload, "Connection: close")

	assert.Equal(t, 1, h.stream.closes)
	assert.Equal(t, before+1, closes(closeNormal))
}

func TestConnectionCloseMidPipelineDropsLaterResponses(t *testing.T) {
	h := newHarness(t, 3)
	h.stream.deliver(get("/1") + get("/2") + get("/3"))
	require.Len(t, h.reqs, 3)

	h.respond(2, "C")
	h.handles[1].Append(ResponseFlags{Final: true, ShouldClose: true}, String("B"))
	h.respond(0, "A")
	h.stream.completeWrite()
	h.stream.completeWrite()

	assert.Equal(t, "AB", h.stream.written.String())
	assert.False(t, h.stream.writing)
	assert.Equal(t, 1, h.stream.closes)
}

func TestConnectionStaleWriteBack(t *testing.T) {
	h := newHarness(t, 1)
	h.stream.deliver(get("/1"))
	before := testutil.ToFloat64(staleResponses)

	h.conn.Close()
	h.stream.exec.runAll()
	require.Equal(t, 1, h.stream.closes)

	h.handles[0].Respond(200, nil, []byte("late"))
	h.stream.exec.runAll()
	assert.False(t, h.stream.writing)
	assert.Equal(t, before+1, testutil.ToFloat64(staleResponses))

	// A second final part on the same handle is also a no-op.
	h.handles[0].Append(ResponseFlags{Final: true}, String("again"))
	assert.Equal(t, before+2, testutil.ToFloat64(staleResponses))
}

func TestConnectionDoubleFinalIsIgnored(t *testing.T) {
	h := newHarness(t, 2)
	h.stream.deliver(get("/1"))

	h.respond(0, "A")
	h.respond(0, "B")
	h.stream.completeWrite()
	assert.Equal(t, "A", h.stream.written.String())
	assert.False(t, h.stream.writing)
}

func TestConnectionCloseIsIdempotent(t *testing.T) {
	h := newHarness(t, 1)
	h.conn.Close()
	h.conn.Close()
	h.stream.exec.runAll()
	h.conn.close(closeNormal)

	assert.Equal(t, 1, h.stream.closes)
	assert.Equal(t, 1, h.stream.shutdowns)
	require.Len(t, h.events, 2)
	assert.Equal(t, ConnectionAccepted, h.events[0].State)
	assert.Equal(t, ConnectionClosed, h.events[1].State)
	assert.Equal(t, 0, h.reg.len())
}

func TestConnectionTimeouts(t *testing.T) {
	t.Run("read", func(t *testing.T) {
		h := newHarness(t, 1)
		before := closes(closeReadTimeout)
		assert.Equal(t, testReadTimeout, h.lastTimer())
		h.fireLastTimer()
		assert.Equal(t, 1, h.stream.closes)
		assert.Equal(t, before+1, closes(closeReadTimeout))
	})

	t.Run("handle", func(t *testing.T) {
		h := newHarness(t, 1)
		before := closes(closeHandleTimeout)
		h.stream.deliver(get("/slow"))
		assert.Equal(t, testHandleTimeout, h.lastTimer())
		h.fireLastTimer()
		assert.Equal(t, 1, h.stream.closes)
		assert.Equal(t, before+1, closes(closeHandleTimeout))
	})

	t.Run("write", func(t *testing.T) {
		h := newHarness(t, 1)
		before := closes(closeWriteTimeout)
		h.stream.deliver(get("/1"))
		h.respond(0, "A")
		assert.Equal(t, testWriteTimeout, h.lastTimer())
		h.fireLastTimer()
		assert.Equal(t, 1, h.stream.closes)
		assert.Equal(t, before+1, closes(closeWriteTimeout))
	})

	t.Run("stale expiry", func(t *testing.T) {
		h := newHarness(t, 1)
		readExpiry := h.timers.fired[len(h.timers.fired)-1]
		h.stream.deliver(get("/1"))
		readExpiry()
		h.stream.exec.runAll()
		assert.Equal(t, 0, h.stream.closes, "replaced read timer must not fire")
	})

	t.Run("pending handler keeps handle timeout during write", func(t *testing.T) {
		h := newHarness(t, 2)
		h.stream.deliver(get("/1") + get("/2"))
		h.respond(0, "A")
		assert.Equal(t, testWriteTimeout, h.lastTimer())
		h.stream.completeWrite()
		assert.Equal(t, testHandleTimeout, h.lastTimer())
	})
}

func TestConnectionParseErrorCloses(t *testing.T) {
	h := newHarness(t, 1)
	before := closes(closeParseError)
	h.stream.deliver("BROKEN\r\n\r\n")
	assert.Empty(t, h.reqs)
	assert.Equal(t, 1, h.stream.closes)
	assert.False(t, h.stream.writing, "no response is written for a parse error")
	assert.Equal(t, before+1, closes(closeParseError))
}

func TestConnectionEOF(t *testing.T) {
	t.Run("idle", func(t *testing.T) {
		h := newHarness(t, 1)
		before := closes(closeEOF)
		h.stream.eof()
		assert.Equal(t, 1, h.stream.closes)
		assert.Equal(t, before+1, closes(closeEOF))
	})

	t.Run("mid message", func(t *testing.T) {
		h := newHarness(t, 1)
		before := closes(closeTransportError)
		h.stream.deliver("GET / HTTP/1.1\r\nHo")
		h.stream.eof()
		assert.Equal(t, 1, h.stream.closes)
		assert.Equal(t, before+1, closes(closeTransportError))
	})

	t.Run("pending responses are still written", func(t *testing.T) {
		h := newHarness(t, 2)
		h.stream.deliver(get("/1"))
		h.stream.eof()
		assert.Equal(t, 0, h.stream.closes)

		h.respond(0, "A")
		h.stream.completeWrite()
		assert.Equal(t, "A", h.stream.written.String())
		assert.Equal(t, 1, h.stream.closes)
		assert.False(t, h.stream.reading())
	})
}

func TestConnectionWriteErrorCloses(t *testing.T) {
	h := newHarness(t, 1)
	h.stream.deliver(get("/1"))
	h.respond(0, "A")
	h.stream.failWrite(errors.New("broken pipe"))
	assert.Equal(t, 1, h.stream.closes)
}

func TestConnectionHandlerPanic(t *testing.T) {
	h := newHarness(t, 1)
	h.onRequest = func(*Request, *ResponseHandle) Result { panic("boom") }
	before := closes(closeHandlerError)

	h.stream.deliver(get("/panic"))
	assert.Equal(t, 1, h.stream.closes)
	assert.Equal(t, before+1, closes(closeHandlerError))
}

func TestConnectionSendFile(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "body")
	require.NoError(t, err)
	_, err = f.WriteString("abc")
	require.NoError(t, err)

	h := newHarness(t, 1)
	h.stream.deliver(get("/file"))
	h.handles[0].Append(ResponseFlags{Final: true}, String("head|"), File(f, 0, 3))
	h.stream.exec.runAll()

	assert.Equal(t, "head|", h.stream.completeWrite())
	assert.Equal(t, "<file>", h.stream.completeWrite())
	require.Len(t, h.stream.files, 1)
	assert.EqualValues(t, 3, h.stream.files[0].Size)
	assert.Error(t, f.Close(), "engine closes the file after sending it")
	assert.True(t, h.stream.reading())
}

func TestConnectionSendFileDiscardedOnClose(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "body"))
	require.NoError(t, err)

	h := newHarness(t, 2)
	h.stream.deliver(get("/1") + get("/2"))
	h.handles[1].Append(ResponseFlags{Final: true}, File(f, 0, 1))
	h.stream.exec.runAll()

	h.conn.Close()
	h.stream.exec.runAll()
	assert.Error(t, f.Close())
}

const upgradeRequest = "GET /2 HTTP/1.1\r\nConnection: Upgrade\r\nUpgrade: raw\r\n\r\n"

func TestConnectionUpgradeWaitsForEarlierResponses(t *testing.T) {
	h := newHarness(t, 3)
	var rt *RawTransport
	var takeoverErr error

	h.stream.deliver(get("/1") + upgradeRequest + get("/3"))
	require.Len(t, h.reqs, 1, "upgrade handler waits for earlier responses")
	assert.False(t, h.stream.reading(), "nothing is read past an upgrade request")

	h.respond(0, "A")
	h.stream.completeWrite()
	require.Len(t, h.reqs, 2)
	up := h.handles[1]
	assert.True(t, up.IsUpgrade())
	assert.Equal(t, "raw", h.reqs[1].UpgradeProtocol)
	assert.Equal(t, 1, h.conn.coord.Len(), "upgrade slot is the only entry")

	up.Append(ResponseFlags{Final: true}, String("101"))
	up.Takeover(func(t *RawTransport, err error) { rt, takeoverErr = t, err })
	h.stream.exec.runAll()
	assert.Nil(t, rt, "takeover waits for the handshake response")

	h.stream.completeWrite()
	require.NoError(t, takeoverErr)
	require.NotNil(t, rt)
	assert.Same(t, h.stream, rt.Stream)
	assert.Equal(t, get("/3"), string(rt.Leftover))
	assert.EqualValues(t, 1, rt.ConnectionID)

	assert.Equal(t, "A101", h.stream.written.String())
	assert.Equal(t, 0, h.stream.closes, "taken over stream stays open")
	assert.Len(t, h.reqs, 2)
	require.Len(t, h.events, 2)
	assert.Equal(t, ConnectionUpgraded, h.events[1].State)
	assert.Equal(t, 0, h.reg.len())

	// The old handle can no longer reach the connection.
	var again error
	up.Takeover(func(_ *RawTransport, err error) { again = err })
	assert.ErrorIs(t, again, ErrAlreadyTakenOver)
}

func TestConnectionUpgradeImmediateWhenIdle(t *testing.T) {
	h := newHarness(t, 2)
	h.stream.deliver(upgradeRequest)
	require.Len(t, h.reqs, 1)
	assert.True(t, h.handles[0].IsUpgrade())

	var rt *RawTransport
	h.handles[0].Takeover(func(t *RawTransport, err error) {
		require.NoError(h.t, err)
		rt = t
	})
	h.stream.exec.runAll()
	require.NotNil(t, rt)
	assert.Empty(t, rt.Leftover)
	assert.False(t, h.stream.writing)
}

func TestConnectionUpgradeAnsweredNormally(t *testing.T) {
	h := newHarness(t, 2)
	h.stream.deliver(upgradeRequest)
	assert.False(t, h.stream.reading())

	h.respond(0, "426")
	h.stream.completeWrite()
	assert.True(t, h.stream.reading(), "pipelining resumes after an ordinary answer")

	h.stream.deliver(get("/next"))
	require.Len(t, h.reqs, 2)
	assert.False(t, h.handles[1].IsUpgrade())
}

func TestConnectionUpgradeRejected(t *testing.T) {
	h := newHarness(t, 2)
	h.onRequest = func(*Request, *ResponseHandle) Result { return Rejected }

	h.stream.deliver(upgradeRequest)
	payload := h.stream.completeWrite()
	assert.True(t, strings.HasPrefix(payload, "HTTP/1.1 501"))
	assert.Equal(t, 1, h.stream.closes)
}

func TestConnectionUpgradeRejectAfterTakeover(t *testing.T) {
	h := newHarness(t, 2)
	var takeoverErr error
	h.onRequest = func(_ *Request, rh *ResponseHandle) Result {
		rh.Takeover(func(_ *RawTransport, err error) { takeoverErr = err })
		return Rejected
	}
	before := closes(closeHandlerError)

	h.stream.deliver(upgradeRequest)
	assert.Equal(t, 1, h.stream.closes)
	assert.False(t, h.stream.writing)
	assert.ErrorIs(t, takeoverErr, ErrConnectionGone)
	assert.Equal(t, before+1, closes(closeHandlerError))
}

func TestConnectionTakeoverRequiresUpgrade(t *testing.T) {
	h := newHarness(t, 1)
	h.stream.deliver(get("/1"))

	var err error
	h.handles[0].Takeover(func(_ *RawTransport, e error) { err = e })
	assert.ErrorIs(t, err, ErrNotUpgradeRequest)
}

func TestResponseHandleOnDone(t *testing.T) {
	h := newHarness(t, 1)
	h.stream.deliver(get("/1"))

	calls := 0
	h.handles[0].OnDone(func() { calls++ })
	h.handles[0].Append(ResponseFlags{}, String("part"))
	assert.Equal(t, 0, calls)
	h.handles[0].SetStatus(204)
	h.respond(0, "end")
	h.respond(0, "again")
	assert.Equal(t, 1, calls)
	assert.Equal(t, 204, h.handles[0].Status())
	assert.True(t, h.handles[0].Completed())

	late := 0
	h.handles[0].OnDone(func() { late++ })
	assert.Equal(t, 1, late, "hooks added after settling run at once")
}

func TestResponseHandleDoneWhenDropped(t *testing.T) {
	t.Run("handle timeout", func(t *testing.T) {
		h := newHarness(t, 1)
		h.stream.deliver(get("/slow"))
		calls := 0
		h.handles[0].OnDone(func() { calls++ })

		h.fireLastTimer()
		assert.Equal(t, 1, h.stream.closes)
		assert.Equal(t, 1, calls)
		assert.False(t, h.handles[0].Completed())

		h.respond(0, "too late")
		assert.Equal(t, 1, calls)
	})

	t.Run("later slots after a closing response", func(t *testing.T) {
		h := newHarness(t, 3)
		h.stream.deliver(get("/1") + get("/2") + get("/3"))
		require.Len(t, h.handles, 3)
		done := make([]bool, 3)
		for i, rh := range h.handles {
			i := i
			rh.OnDone(func() { done[i] = true })
		}

		h.handles[0].Append(ResponseFlags{Final: true, ShouldClose: true}, String("A"))
		h.stream.exec.runAll()
		h.stream.completeWrite()
		assert.Equal(t, 1, h.stream.closes)
		assert.Equal(t, []bool{true, true, true}, done)
		assert.True(t, h.handles[0].Completed())
		assert.False(t, h.handles[1].Completed())
		assert.False(t, h.handles[2].Completed())
	})
}

func TestResponseHandleDoneOnRejection(t *testing.T) {
	t.Run("engine answer", func(t *testing.T) {
		h := newHarness(t, 1)
		calls := 0
		h.onRequest = func(_ *Request, rh *ResponseHandle) Result {
			rh.OnDone(func() { calls++ })
			return Rejected
		}
		h.stream.deliver(get("/bad"))
		assert.Equal(t, 1, calls)
		assert.Equal(t, 501, h.handles[0].Status())
		assert.True(t, h.handles[0].Completed())
	})

	t.Run("handler answered before rejecting", func(t *testing.T) {
		h := newHarness(t, 1)
		calls := 0
		h.onRequest = func(_ *Request, rh *ResponseHandle) Result {
			rh.OnDone(func() { calls++ })
			rh.Respond(200, nil, []byte("ok"))
			return Rejected
		}
		h.stream.deliver(get("/both"))
		h.stream.completeWrite()
		assert.Equal(t, 1, calls)
		assert.Equal(t, 200, h.handles[0].Status())
	})
}

func TestConnectionUpgradeDelayedTakeover(t *testing.T) {
	h := newHarness(t, 2)
	h.stream.deliver(upgradeRequest)
	require.Len(t, h.handles, 1)
	up := h.handles[0]
	calls := 0
	up.OnDone(func() { calls++ })

	up.SetStatus(101)
	up.Append(ResponseFlags{Final: true}, String("101"))
	h.stream.exec.runAll()
	assert.Equal(t, "101", h.stream.completeWrite())
	assert.False(t, h.stream.reading(), "bytes after a 101 are not HTTP")
	assert.Equal(t, 0, h.stream.closes)
	assert.Len(t, h.reqs, 1)

	var rt *RawTransport
	var takeoverErr error
	up.Takeover(func(t *RawTransport, err error) { rt, takeoverErr = t, err })
	h.stream.exec.runAll()
	require.NoError(t, takeoverErr)
	require.NotNil(t, rt)
	assert.Same(t, h.stream, rt.Stream)
	assert.Equal(t, 0, h.stream.closes)
	assert.Equal(t, 1, calls)
	assert.True(t, up.Completed())
	assert.Equal(t, 101, up.Status())
}

func TestRegistryTracksActiveConnections(t *testing.T) {
	before := testutil.ToFloat64(connectionsActive)
	h := newHarness(t, 1)
	assert.Equal(t, before+1, testutil.ToFloat64(connectionsActive))
	assert.Equal(t, 1, h.reg.len())

	h.reg.closeAll()
	h.stream.exec.runAll()
	assert.Equal(t, before, testutil.ToFloat64(connectionsActive))
	assert.Equal(t, 0, h.reg.len())

	assert.False(t, h.reg.dispatch(h.conn.ref, func(responder) {}), "released connection is unreachable")
}

func TestConnectionSingleSlotLeavesSecondRequestUnconsumed(t *testing.T) {
	h := newHarness(t, 1)
	second := get("/second")

	h.stream.deliver(get("/first") + second)
	require.Len(t, h.reqs, 1)
	assert.Equal(t, len(second), h.conn.buf.len(), "second request stays in the input buffer")

	h.handles[0].Append(ResponseFlags{}, String("partial"))
	h.stream.exec.runAll()
	h.stream.completeWrite()
	assert.Len(t, h.reqs, 1, "slot is not released before the final part")

	h.respond(0, "done")
	h.stream.completeWrite()
	require.Len(t, h.reqs, 2)
	assert.Equal(t, "/second", h.reqs[1].Path)
	assert.Equal(t, 0, h.conn.buf.len())
}
