package pipeliner

import (
	"errors"
	"os"
	"strings"

	"github.com/albertbausili/pipeliner/internal/date"
	"github.com/albertbausili/pipeliner/internal/h1"
)

// ErrWriterClosed is returned by a ChunkedWriter after Close.
var ErrWriterClosed = errors.New("pipeliner: chunked writer closed")

// Response builds the response for one request. It is a thin helper over
// ResponseHandle.Append and may be used from any goroutine, but not from
// several at once.
type Response struct {
	h       *ResponseHandle
	status  int
	headers [][2]string
}

// NewResponse starts a 200 response for h.
func NewResponse(h *ResponseHandle) *Response {
	return &Response{h: h, status: 200}
}

// Status sets the status code.
func (r *Response) Status(code int) *Response {
	r.status = code
	return r
}

// Header adds a header field.
func (r *Response) Header(key, value string) *Response {
	r.headers = append(r.headers, [2]string{key, value})
	return r
}

func (r *Response) head() [][2]string {
	for _, h := range r.headers {
		if strings.EqualFold(h[0], "Date") {
			return r.headers
		}
	}
	return append(r.headers, [2]string{"Date", string(date.Current())})
}

func (r *Response) flags() ResponseFlags {
	return ResponseFlags{Final: true, ShouldClose: !r.h.KeepAlive()}
}

// Send writes the complete response with body.
func (r *Response) Send(body []byte) {
	r.h.SetStatus(r.status)
	r.h.Append(r.flags(), Bytes(h1.BuildResponse(r.status, r.head(), body, r.h.KeepAlive())))
}

// SendString writes the complete response with a text body.
func (r *Response) SendString(body string) {
	r.Send([]byte(body))
}

// SendFile writes size bytes of f starting at offset as the body. The file
// is sent without copying where the backend supports it and is closed by
// the engine.
func (r *Response) SendFile(f *os.File, offset, size int64) {
	r.h.SetStatus(r.status)
	head := h1.AppendResponseHead(nil, r.status, r.head(), size, r.h.KeepAlive())
	r.h.Append(r.flags(), Bytes(head), File(f, offset, size))
}

// Chunked writes the head with chunked transfer coding and returns a writer
// for the body. The request must be HTTP/1.1.
func (r *Response) Chunked() *ChunkedWriter {
	r.h.SetStatus(r.status)
	headers := append(r.head(), [2]string{"Transfer-Encoding", "chunked"})
	head := h1.AppendResponseHead(nil, r.status, headers, -1, r.h.KeepAlive())
	r.h.Append(ResponseFlags{}, Bytes(head))
	return &ChunkedWriter{h: r.h, flags: r.flags()}
}

// ChunkedWriter streams a chunked body. Every Write is sent as one chunk
// as soon as earlier responses on the connection are written.
type ChunkedWriter struct {
	h      *ResponseHandle
	flags  ResponseFlags
	closed bool
}

// Write sends p as one chunk.
func (w *ChunkedWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, ErrWriterClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	w.h.Append(ResponseFlags{}, Bytes(h1.AppendChunk(make([]byte, 0, len(p)+16), p)))
	return len(p), nil
}

// Close sends the last chunk and completes the response.
func (w *ChunkedWriter) Close() error {
	if w.closed {
		return ErrWriterClosed
	}
	w.closed = true
	w.h.Append(w.flags, Bytes(h1.LastChunk()))
	return nil
}

// SwitchProtocols writes a 101 response for an upgrade request. Call
// Takeover right after it to receive the raw stream once it is written.
func SwitchProtocols(h *ResponseHandle, protocol string, headers ...[2]string) {
	all := append([][2]string{
		{"Connection", "Upgrade"},
		{"Upgrade", protocol},
	}, headers...)
	h.SetStatus(101)
	h.Append(ResponseFlags{Final: true}, Bytes(h1.BuildResponse(101, all, nil, true)))
}

// Text is a shorthand for a complete text/plain response.
func Text(h *ResponseHandle, status int, body string) {
	NewResponse(h).
		Status(status).
		Header("Content-Type", "text/plain; charset=utf-8").
		SendString(body)
}

func internalServerError() []byte {
	return h1.BuildResponse(500,
		[][2]string{{"Content-Type", "text/plain"}},
		[]byte("Internal Server Error"), false)
}
