package h1

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
)

// ErrServerClosed is returned by Serve after Stop.
var ErrServerClosed = errors.New("h1: server closed")

// NetServer accepts connections from a net.Listener. Each connection runs on
// its own executor goroutine.
type NetServer struct {
	settings       Settings
	maxConnections int
	logger         hclog.Logger
	ids            IDCounter
	reg            *registry[*NetStream]

	mu      sync.Mutex
	ln      net.Listener
	closing atomic.Bool
}

// NewNetServer creates a server. maxConnections <= 0 means no limit.
func NewNetServer(settings Settings, maxConnections int) *NetServer {
	s := &NetServer{settings: settings, maxConnections: maxConnections}
	s.reg = newRegistry[*NetStream](&s.settings, &s.ids, "std")
	s.logger = s.settings.Logger.Named("acceptor")
	return s
}

// Attach hands ln to the server so that Stop closes it even before Serve
// runs. It fails once Stop was called.
func (s *NetServer) Attach(ln net.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing.Load() {
		_ = ln.Close()
		return ErrServerClosed
	}
	s.ln = ln
	return nil
}

// Serve accepts connections on ln until Stop is called.
func (s *NetServer) Serve(ln net.Listener) error {
	if err := s.Attach(ln); err != nil {
		return err
	}

	s.logger.Info("accepting connections", "addr", ln.Addr().String())

	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closing.Load() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if delay == 0 {
					delay = 5 * time.Millisecond
				} else {
					delay *= 2
				}
				if delay > time.Second {
					delay = time.Second
				}
				s.logger.Warn("accept error, retrying", "error", err, "delay", delay)
				time.Sleep(delay)
				continue
			}
			return err
		}
		delay = 0

		if s.maxConnections > 0 && s.reg.len() >= s.maxConnections {
			s.refuse(conn)
			continue
		}
		s.reg.open(NewNetStream(conn))
	}
}

func (s *NetServer) refuse(conn net.Conn) {
	connectionsRefused.Inc()
	s.logger.Warn("connection rejected: too many connections",
		"remote", conn.RemoteAddr().String(), "limit", s.maxConnections)
	go func() {
		if d := s.settings.WriteResponseTimeout; d > 0 {
			_ = conn.SetWriteDeadline(time.Now().Add(d))
		}
		_, _ = conn.Write(ServiceUnavailableResponse())
		_ = conn.Close()
	}()
}

// ActiveConnections returns the number of live connections.
func (s *NetServer) ActiveConnections() int { return s.reg.len() }

// Stop closes the listener and every connection, then waits until all
// connections are released or ctx is done.
func (s *NetServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.closing.Store(true)
	ln := s.ln
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	s.reg.closeAll()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for s.reg.len() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	s.logger.Info("server stopped")
	return err
}
