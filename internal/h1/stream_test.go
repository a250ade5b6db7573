package h1

import (
	"io"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeStream is a scripted Stream. Reads and writes complete only when the
// test says so; completions go through the executor like a real backend.
type fakeStream struct {
	t    *testing.T
	exec *manualExecutor
	open bool

	readBuf  []byte
	readDone func(int, error)

	writing     bool
	payload     string
	writeDone   func(int64, error)
	maxInFlight int
	inFlight    int
	written     strings.Builder
	files       []FileItem

	shutdowns int
	closes    int
}

func newFakeStream(t *testing.T) *fakeStream {
	return &fakeStream{t: t, exec: &manualExecutor{}, open: true}
}

func (f *fakeStream) AsyncRead(p []byte, done func(int, error)) {
	require.Nil(f.t, f.readDone, "second read issued while one is pending")
	f.readBuf = p
	f.readDone = done
}

func (f *fakeStream) AsyncWrite(bufs [][]byte, done func(int64, error)) {
	var sb strings.Builder
	for _, b := range bufs {
		sb.Write(b)
	}
	f.startWrite(sb.String(), done)
}

func (f *fakeStream) AsyncSendFile(item FileItem, done func(int64, error)) {
	f.files = append(f.files, item)
	f.startWrite("<file>", done)
}

func (f *fakeStream) startWrite(payload string, done func(int64, error)) {
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.writing = true
	f.payload = payload
	f.writeDone = done
}

func (f *fakeStream) Shutdown() error {
	f.shutdowns++
	return nil
}

func (f *fakeStream) Close() error {
	if f.open {
		f.open = false
		f.closes++
	}
	return nil
}

func (f *fakeStream) IsOpen() bool { return f.open }

func (f *fakeStream) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}
}

func (f *fakeStream) Executor() Executor { return f.exec }

// reading reports whether a read is outstanding.
func (f *fakeStream) reading() bool { return f.readDone != nil }

// deliver completes the pending read with data.
func (f *fakeStream) deliver(data string) {
	f.t.Helper()
	require.NotNil(f.t, f.readDone, "no read pending")
	require.LessOrEqual(f.t, len(data), len(f.readBuf))
	n := copy(f.readBuf, data)
	done := f.readDone
	f.readDone, f.readBuf = nil, nil
	f.exec.Dispatch(func() { done(n, nil) })
	f.exec.runAll()
}

// readError completes the pending read with err.
func (f *fakeStream) readError(err error) {
	f.t.Helper()
	require.NotNil(f.t, f.readDone, "no read pending")
	done := f.readDone
	f.readDone, f.readBuf = nil, nil
	f.exec.Dispatch(func() { done(0, err) })
	f.exec.runAll()
}

func (f *fakeStream) eof() { f.readError(io.EOF) }

// completeWrite finishes the outstanding write successfully.
func (f *fakeStream) completeWrite() string {
	f.t.Helper()
	require.True(f.t, f.writing, "no write in flight")
	payload, done := f.payload, f.writeDone
	f.writing, f.payload, f.writeDone = false, "", nil
	f.inFlight--
	f.written.WriteString(payload)
	f.exec.Dispatch(func() { done(int64(len(payload)), nil) })
	f.exec.runAll()
	return payload
}

// failWrite finishes the outstanding write with err.
func (f *fakeStream) failWrite(err error) {
	f.t.Helper()
	require.True(f.t, f.writing, "no write in flight")
	done := f.writeDone
	f.writing, f.payload, f.writeDone = false, "", nil
	f.inFlight--
	f.exec.Dispatch(func() { done(0, err) })
	f.exec.runAll()
}
