// Package pipeliner provides an embeddable HTTP/1.1 server engine with
// request pipelining, asynchronous handlers and protocol upgrade takeover.
package pipeliner

import (
	"errors"
	"fmt"
	"time"

	"github.com/albertbausili/pipeliner/internal/h1"
	"github.com/hashicorp/go-hclog"
)

// Engine selects the network backend.
type Engine string

const (
	// EngineStd runs every connection on its own goroutine over net.Conn.
	EngineStd Engine = "std"
	// EngineGnet runs connections on gnet event loops.
	EngineGnet Engine = "gnet"
)

// ErrUnknownEngine is returned by Validate for an unsupported Engine.
var ErrUnknownEngine = errors.New("pipeliner: unknown engine")

// Config holds the server configuration options.
type Config struct {
	Addr           string // Server address to bind to
	Engine         Engine // Network backend
	Multicore      bool   // gnet: use one event loop per CPU
	NumEventLoop   int    // gnet: number of event loops (0 for auto-detect)
	ReusePort      bool   // Enable SO_REUSEPORT
	MaxConnections int    // Connections above this are answered with 503 (0 for no limit)

	// MaxPipelinedRequests is the number of requests a connection may have
	// in flight at once. 1 disables pipelining.
	MaxPipelinedRequests int
	BufferSize           int // Per-connection read buffer size

	ReadNextMessageTimeout time.Duration // Maximum wait for the next request
	HandleRequestTimeout   time.Duration // Maximum wait for a handler to respond
	WriteResponseTimeout   time.Duration // Maximum duration of one write

	MaxURLSize     int   // Maximum request-target length
	MaxFieldCount  int   // Maximum number of header fields
	MaxHeaderBytes int   // Maximum header block size
	MaxBodySize    int64 // Maximum request body size

	Logger hclog.Logger // Logger for server events

	// OnConnectionState is notified when a connection is accepted, closed
	// or taken over. It runs on the connection's executor and must not block.
	OnConnectionState func(ConnectionEvent)
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	s := h1.DefaultSettings()
	return Config{
		Addr:                   ":8080",
		Engine:                 EngineStd,
		Multicore:              true,
		ReusePort:              false,
		MaxPipelinedRequests:   s.MaxPipelinedRequests,
		BufferSize:             s.BufferSize,
		ReadNextMessageTimeout: s.ReadNextMessageTimeout,
		HandleRequestTimeout:   s.HandleRequestTimeout,
		WriteResponseTimeout:   s.WriteResponseTimeout,
		MaxURLSize:             s.Limits.MaxURLSize,
		MaxFieldCount:          s.Limits.MaxFieldCount,
		MaxHeaderBytes:         s.Limits.MaxHeaderBytes,
		MaxBodySize:            s.Limits.MaxBodySize,
		Logger:                 hclog.NewNullLogger(),
	}
}

// Validate checks and normalizes the configuration values.
func (c *Config) Validate() error {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	switch c.Engine {
	case "":
		c.Engine = EngineStd
	case EngineStd, EngineGnet:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEngine, c.Engine)
	}
	if c.MaxPipelinedRequests < 1 {
		c.MaxPipelinedRequests = 1
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 4 * 1024
	}
	if c.MaxConnections < 0 {
		c.MaxConnections = 0
	}
	if c.Logger == nil {
		c.Logger = hclog.NewNullLogger()
	}
	return nil
}

func (c *Config) settings(handler Handler) h1.Settings {
	return h1.Settings{
		Handler:                handler,
		BufferSize:             c.BufferSize,
		MaxPipelinedRequests:   c.MaxPipelinedRequests,
		ReadNextMessageTimeout: c.ReadNextMessageTimeout,
		HandleRequestTimeout:   c.HandleRequestTimeout,
		WriteResponseTimeout:   c.WriteResponseTimeout,
		Limits: h1.MessageLimits{
			MaxURLSize:     c.MaxURLSize,
			MaxFieldCount:  c.MaxFieldCount,
			MaxHeaderBytes: c.MaxHeaderBytes,
			MaxBodySize:    c.MaxBodySize,
		},
		Logger:            c.Logger,
		OnConnectionState: c.OnConnectionState,
	}
}
