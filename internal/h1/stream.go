package h1

import (
	"net"
)

// Executor runs tasks one at a time on a connection's execution context.
// Dispatch may be called from any goroutine; tasks dispatched after the
// executor stopped are dropped.
type Executor interface {
	Dispatch(task func())
}

// Stream is the duplex byte stream a connection owns. Completion callbacks
// are always invoked on the stream's executor. At most one read and one
// write are outstanding at a time.
type Stream interface {
	AsyncRead(p []byte, done func(n int, err error))
	AsyncWrite(bufs [][]byte, done func(n int64, err error))
	AsyncSendFile(item FileItem, done func(n int64, err error))
	Shutdown() error
	Close() error
	IsOpen() bool
	RemoteAddr() net.Addr
	Executor() Executor
}

// RawTransport is the result of an upgrade takeover. Ownership of Stream
// moves to the caller; the HTTP connection performs no further operation on
// it. Leftover holds bytes that were read but not consumed by the HTTP
// parser.
type RawTransport struct {
	Stream       Stream
	Leftover     []byte
	ConnectionID uint64
	RemoteAddr   net.Addr
}

// inputBuffer is the fixed read buffer of a connection. Bytes that were read
// but not consumed by the parser stay here for the next message.
type inputBuffer struct {
	buf    []byte
	pos    int
	length int
}

func newInputBuffer(size int) inputBuffer {
	return inputBuffer{buf: make([]byte, size)}
}

func (b *inputBuffer) space() []byte { return b.buf }

func (b *inputBuffer) obtained(n int) {
	b.pos = 0
	b.length = n
}

func (b *inputBuffer) consumed(n int) {
	b.pos += n
	b.length -= n
}

func (b *inputBuffer) bytes() []byte { return b.buf[b.pos : b.pos+b.length] }

func (b *inputBuffer) len() int { return b.length }
