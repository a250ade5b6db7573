package h1

import (
	"context"
	"errors"
	"io"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/panjf2000/gnet/v2"
)

// GnetConfig defines the event loop options of the gnet backend.
type GnetConfig struct {
	Addr           string
	Multicore      bool
	NumEventLoop   int
	ReusePort      bool
	MaxConnections int
}

// GnetServer runs connections on gnet event loops. The event loop of a
// connection is its executor.
type GnetServer struct {
	gnet.BuiltinEventEngine

	settings Settings
	config   GnetConfig
	logger   hclog.Logger
	ids      IDCounter
	reg      *registry[*gnetStream]

	addr   atomic.Pointer[string]
	engine gnet.Engine
	booted chan struct{}
	runErr chan error
	once   sync.Once
}

// NewGnetServer creates a gnet backed server.
func NewGnetServer(settings Settings, config GnetConfig) *GnetServer {
	s := &GnetServer{
		settings: settings,
		config:   config,
		booted:   make(chan struct{}),
		runErr:   make(chan error, 1),
	}
	s.reg = newRegistry[*gnetStream](&s.settings, &s.ids, "gnet")
	s.logger = s.settings.Logger.Named("gnet")
	return s
}

// Start runs the engine and returns once it is accepting connections.
func (s *GnetServer) Start(ctx context.Context) error {
	numLoops := runtime.NumCPU()
	if s.config.NumEventLoop > 0 {
		numLoops = s.config.NumEventLoop
	}
	options := []gnet.Option{
		gnet.WithMulticore(s.config.Multicore),
		gnet.WithReusePort(s.config.ReusePort),
		gnet.WithTCPNoDelay(gnet.TCPNoDelay),
		gnet.WithTCPKeepAlive(30 * time.Minute),
		// gnet's own logging is replaced by the connection logger.
		gnet.WithLogger(silentGnetLogger{}),
		gnet.WithLockOSThread(false),
		gnet.WithReadBufferCap(s.settings.BufferSize),
		gnet.WithLoadBalancing(gnet.RoundRobin),
		gnet.WithNumEventLoop(numLoops),
	}

	addr, err := resolveListenAddr(s.config.Addr)
	if err != nil {
		return err
	}
	s.addr.Store(&addr)

	go func() {
		s.runErr <- gnet.Run(s, "tcp://"+addr, options...)
	}()

	select {
	case <-s.booted:
		s.logger.Info("accepting connections", "addr", addr, "multicore", s.config.Multicore)
		return nil
	case err := <-s.runErr:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop closes every connection and stops the engine.
func (s *GnetServer) Stop(ctx context.Context) error {
	select {
	case <-s.booted:
	default:
		return nil
	}
	var err error
	s.once.Do(func() {
		s.reg.closeAll()
		err = s.engine.Stop(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("error stopping gnet engine", "error", err)
		}
	})
	return err
}

// ActiveConnections returns the number of live connections.
func (s *GnetServer) ActiveConnections() int { return s.reg.len() }

// Addr returns the address the engine listens on. It is only meaningful
// after Start returned.
func (s *GnetServer) Addr() string {
	if addr := s.addr.Load(); addr != nil {
		return *addr
	}
	return s.config.Addr
}

// resolveListenAddr picks a concrete port for addr when it asks for port 0,
// since gnet does not report the port it bound.
func resolveListenAddr(addr string) (string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", err
	}
	if port != "0" {
		return addr, nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	defer ln.Close()
	_, port, err = net.SplitHostPort(ln.Addr().String())
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(host, port), nil
}

// OnBoot is called when the engine is ready to accept connections.
func (s *GnetServer) OnBoot(eng gnet.Engine) gnet.Action {
	s.engine = eng
	close(s.booted)
	return gnet.None
}

// silentGnetLogger is a logger that discards all gnet output
type silentGnetLogger struct{}

func (silentGnetLogger) Debugf(_ string, _ ...any) {}
func (silentGnetLogger) Infof(_ string, _ ...any)  {}
func (silentGnetLogger) Warnf(_ string, _ ...any)  {}
func (silentGnetLogger) Errorf(_ string, _ ...any) {}
func (silentGnetLogger) Fatalf(_ string, _ ...any) {}

// OnOpen is called when a new connection is opened.
func (s *GnetServer) OnOpen(c gnet.Conn) ([]byte, gnet.Action) {
	if limit := s.config.MaxConnections; limit > 0 && s.reg.len() >= limit {
		connectionsRefused.Inc()
		s.logger.Warn("connection rejected: too many connections",
			"remote", c.RemoteAddr().String(), "limit", limit)
		_ = c.AsyncWrite(ServiceUnavailableResponse(), func(c gnet.Conn, _ error) error {
			return c.Close()
		})
		return nil, gnet.None
	}

	st := newGnetStream(c)
	c.SetContext(st)
	st.owner = s.reg.open(st)
	return nil, gnet.None
}

// OnClose is called when a connection is closed by either side.
func (s *GnetServer) OnClose(c gnet.Conn, err error) gnet.Action {
	st, ok := c.Context().(*gnetStream)
	if !ok {
		return gnet.None
	}
	if err != nil {
		s.logger.Trace("connection closed with error", "remote", st.remote, "error", err)
	}
	st.closedByPeer(err)
	return gnet.None
}

// OnTraffic runs queued executor tasks and serves a pending read.
func (s *GnetServer) OnTraffic(c gnet.Conn) gnet.Action {
	st, ok := c.Context().(*gnetStream)
	if !ok {
		// Refused connection; its input is ignored.
		_, _ = c.Discard(-1)
		return gnet.None
	}
	st.drain()
	return gnet.None
}

// gnetStream is both the Stream and the Executor of a gnet connection. Tasks
// dispatched from other goroutines are queued and the loop is woken up to
// run them.
type gnetStream struct {
	c      gnet.Conn
	remote net.Addr
	open   atomic.Bool

	mu    sync.Mutex
	tasks []func()

	// Event loop only.
	readBuf  []byte
	readDone func(int, error)
	owner    *Connection[*gnetStream]
}

func newGnetStream(c gnet.Conn) *gnetStream {
	st := &gnetStream{c: c, remote: c.RemoteAddr()}
	st.open.Store(true)
	return st
}

func (st *gnetStream) Dispatch(task func()) {
	if !st.open.Load() {
		return
	}
	st.mu.Lock()
	wake := len(st.tasks) == 0
	st.tasks = append(st.tasks, task)
	st.mu.Unlock()
	if wake {
		_ = st.c.Wake(nil)
	}
}

// drain runs on the event loop until neither tasks nor a serviceable read
// are left.
func (st *gnetStream) drain() {
	for {
		st.mu.Lock()
		tasks := st.tasks
		st.tasks = nil
		st.mu.Unlock()
		for _, task := range tasks {
			task()
		}

		if st.readDone != nil && st.open.Load() && st.c.InboundBuffered() > 0 {
			n, err := st.c.Read(st.readBuf)
			st.completeRead(n, err)
			continue
		}
		if len(tasks) == 0 {
			return
		}
	}
}

func (st *gnetStream) completeRead(n int, err error) {
	done := st.readDone
	st.readDone = nil
	st.readBuf = nil
	done(n, err)
}

// closedByPeer runs on the event loop from OnClose.
func (st *gnetStream) closedByPeer(err error) {
	st.open.Store(false)
	st.mu.Lock()
	tasks := st.tasks
	st.tasks = nil
	st.mu.Unlock()
	for _, task := range tasks {
		task()
	}
	if st.readDone != nil {
		if err == nil {
			err = io.EOF
		}
		st.completeRead(0, err)
	}
	if st.owner != nil {
		st.owner.close(closeEOF)
	}
}

func (st *gnetStream) AsyncRead(p []byte, done func(n int, err error)) {
	st.readBuf = p
	st.readDone = done
}

func (st *gnetStream) AsyncWrite(bufs [][]byte, done func(n int64, err error)) {
	var total int64
	for _, b := range bufs {
		total += int64(len(b))
	}
	err := st.c.AsyncWritev(bufs, func(_ gnet.Conn, err error) error {
		n := total
		if err != nil {
			n = 0
		}
		st.Dispatch(func() { done(n, err) })
		return nil
	})
	if err != nil {
		st.Dispatch(func() { done(0, err) })
	}
}

// AsyncSendFile loads the file section off the loop and writes it like any
// other buffer; gnet has no zero-copy file path.
func (st *gnetStream) AsyncSendFile(item FileItem, done func(n int64, err error)) {
	go func() {
		buf := make([]byte, item.Size)
		if _, err := item.File.ReadAt(buf, item.Offset); err != nil {
			st.Dispatch(func() { done(0, err) })
			return
		}
		st.AsyncWrite([][]byte{buf}, done)
	}()
}

// Shutdown is a no-op; gnet has no half-close.
func (st *gnetStream) Shutdown() error { return nil }

func (st *gnetStream) Close() error {
	if !st.open.CompareAndSwap(true, false) {
		return nil
	}
	return st.c.Close()
}

func (st *gnetStream) IsOpen() bool { return st.open.Load() }

func (st *gnetStream) RemoteAddr() net.Addr { return st.remote }

func (st *gnetStream) Executor() Executor { return st }
