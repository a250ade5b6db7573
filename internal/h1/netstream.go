package h1

import (
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
)

// loopExecutor runs dispatched tasks in order on one goroutine.
type loopExecutor struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	done    chan struct{}
	stopped atomic.Bool
}

func newLoopExecutor() *loopExecutor {
	e := &loopExecutor{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *loopExecutor) Dispatch(task func()) {
	if e.stopped.Load() {
		return
	}
	e.mu.Lock()
	e.queue = append(e.queue, task)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *loopExecutor) run() {
	for {
		select {
		case <-e.wake:
			e.drain()
		case <-e.done:
			// Tasks queued before the stop still run so that their
			// resources are released.
			e.drain()
			return
		}
	}
}

func (e *loopExecutor) drain() {
	for {
		e.mu.Lock()
		tasks := e.queue
		e.queue = nil
		e.mu.Unlock()
		if len(tasks) == 0 {
			return
		}
		for _, task := range tasks {
			task()
		}
	}
}

func (e *loopExecutor) stop() {
	if e.stopped.CompareAndSwap(false, true) {
		close(e.done)
	}
}

// NetStream adapts a net.Conn to Stream. Blocking calls run on helper
// goroutines and their completions are posted to the stream's executor.
type NetStream struct {
	conn net.Conn
	exec *loopExecutor
	open atomic.Bool
}

// NewNetStream wraps conn and starts its executor.
func NewNetStream(conn net.Conn) *NetStream {
	s := &NetStream{conn: conn, exec: newLoopExecutor()}
	s.open.Store(true)
	return s
}

// Conn returns the underlying connection.
func (s *NetStream) Conn() net.Conn { return s.conn }

func (s *NetStream) AsyncRead(p []byte, done func(n int, err error)) {
	go func() {
		n, err := s.conn.Read(p)
		if n > 0 {
			// The error shows up again on the next read.
			err = nil
		}
		s.exec.Dispatch(func() { done(n, err) })
	}()
}

func (s *NetStream) AsyncWrite(bufs [][]byte, done func(n int64, err error)) {
	go func() {
		b := net.Buffers(bufs)
		n, err := b.WriteTo(s.conn)
		s.exec.Dispatch(func() { done(n, err) })
	}()
}

func (s *NetStream) AsyncSendFile(item FileItem, done func(n int64, err error)) {
	go func() {
		n, err := s.sendFile(item)
		s.exec.Dispatch(func() { done(n, err) })
	}()
}

func (s *NetStream) sendFile(item FileItem) (int64, error) {
	if _, err := item.File.Seek(item.Offset, io.SeekStart); err != nil {
		return 0, err
	}
	// A LimitedReader over *os.File lets *net.TCPConn use sendfile(2).
	n, err := io.Copy(s.conn, &io.LimitedReader{R: item.File, N: item.Size})
	if err == nil && n < item.Size {
		err = io.ErrUnexpectedEOF
	}
	return n, err
}

// Shutdown half-closes both directions when the connection supports it.
func (s *NetStream) Shutdown() error {
	hc, ok := s.conn.(interface {
		CloseRead() error
		CloseWrite() error
	})
	if !ok || !s.open.Load() {
		return nil
	}
	var result error
	if err := hc.CloseWrite(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := hc.CloseRead(); err != nil {
		result = multierror.Append(result, err)
	}
	return result
}

func (s *NetStream) Close() error {
	if !s.open.CompareAndSwap(true, false) {
		return nil
	}
	err := s.conn.Close()
	s.exec.stop()
	return err
}

func (s *NetStream) IsOpen() bool { return s.open.Load() }

func (s *NetStream) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

func (s *NetStream) Executor() Executor { return s.exec }
