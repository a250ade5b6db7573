package pipeliner

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/albertbausili/pipeliner/internal/date"
	"github.com/albertbausili/pipeliner/internal/h1"
)

// ErrServerClosed is returned by ListenAndServe and Serve after Stop.
var ErrServerClosed = h1.ErrServerClosed

var errNoHandler = errors.New("pipeliner: handler not set")

// Server accepts HTTP/1.1 connections and drives them through the
// pipelining engine.
type Server struct {
	config  Config
	handler Handler

	mu       sync.Mutex
	std      *h1.NetServer
	gnet     *h1.GnetServer
	ln       net.Listener
	stopDate func()
}

// New creates a new Server with the provided configuration.
func New(config Config) *Server {
	if err := config.Validate(); err != nil {
		panic(err)
	}
	return &Server{config: config}
}

// NewWithDefaults creates a new Server with default configuration.
func NewWithDefaults() *Server {
	return New(DefaultConfig())
}

// Handler sets the request handler and returns the server for method chaining.
func (s *Server) Handler(handler Handler) *Server {
	s.handler = handler
	return s
}

// Config returns the validated configuration.
func (s *Server) Config() Config { return s.config }

// ListenAndServe sets the handler and serves until Stop. With the std
// engine it blocks; with the gnet engine it returns once the engine runs.
func (s *Server) ListenAndServe(handler Handler) error {
	s.handler = handler
	if s.config.Engine == EngineGnet {
		return s.startGnet()
	}
	ln, err := listen(s.config.Addr, s.config.ReusePort)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Start begins accepting connections in the background and returns once
// the listener is bound.
func (s *Server) Start() error {
	if s.handler == nil {
		return errNoHandler
	}
	if s.config.Engine == EngineGnet {
		return s.startGnet()
	}
	ln, err := listen(s.config.Addr, s.config.ReusePort)
	if err != nil {
		return err
	}
	srv, err := s.bindStd(ln)
	if err != nil {
		return err
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, ErrServerClosed) {
			s.config.Logger.Error("serve failed", "error", err)
		}
	}()
	return nil
}

// Serve accepts connections on ln with the std engine until Stop.
func (s *Server) Serve(ln net.Listener) error {
	if s.handler == nil {
		return errNoHandler
	}
	srv, err := s.bindStd(ln)
	if err != nil {
		return err
	}
	return srv.Serve(ln)
}

// bindStd creates the std engine and records ln, so Addr and Stop see them
// before the accept loop runs.
func (s *Server) bindStd(ln net.Listener) (*h1.NetServer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.std == nil {
		s.std = h1.NewNetServer(s.config.settings(s.handler), s.config.MaxConnections)
		s.startDate()
	}
	if err := s.std.Attach(ln); err != nil {
		return nil, err
	}
	s.ln = ln
	return s.std, nil
}

func (s *Server) startGnet() error {
	if s.handler == nil {
		return errNoHandler
	}
	s.mu.Lock()
	s.gnet = h1.NewGnetServer(s.config.settings(s.handler), h1.GnetConfig{
		Addr:           s.config.Addr,
		Multicore:      s.config.Multicore,
		NumEventLoop:   s.config.NumEventLoop,
		ReusePort:      s.config.ReusePort,
		MaxConnections: s.config.MaxConnections,
	})
	srv := s.gnet
	s.startDate()
	s.mu.Unlock()
	return srv.Start(context.Background())
}

// startDate must be called with s.mu held.
func (s *Server) startDate() {
	if s.stopDate == nil {
		s.stopDate = date.StartTicker()
	}
}

// Addr returns the address the server listens on, or the configured
// address before it started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.ln != nil:
		return s.ln.Addr().String()
	case s.gnet != nil:
		return s.gnet.Addr()
	}
	return s.config.Addr
}

// ActiveConnections returns the number of live connections.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.std != nil:
		return s.std.ActiveConnections()
	case s.gnet != nil:
		return s.gnet.ActiveConnections()
	}
	return 0
}

// Stop closes the listener and every connection. It waits for the
// connections to be released or ctx to be done.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	std, gn, stopDate := s.std, s.gnet, s.stopDate
	s.stopDate = nil
	s.mu.Unlock()

	var err error
	switch {
	case std != nil:
		err = std.Stop(ctx)
	case gn != nil:
		err = gn.Stop(ctx)
	}
	if stopDate != nil {
		stopDate()
	}
	return err
}
