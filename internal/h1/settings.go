package h1

import (
	"net"
	"time"

	"github.com/hashicorp/go-hclog"
)

// MessageLimits bounds the size of an incoming request. Zero means unlimited.
type MessageLimits struct {
	MaxURLSize     int
	MaxFieldCount  int
	MaxHeaderBytes int
	MaxBodySize    int64
}

// DefaultMessageLimits returns the limits used when none are configured.
func DefaultMessageLimits() MessageLimits {
	return MessageLimits{
		MaxURLSize:     8 * 1024,
		MaxFieldCount:  100,
		MaxHeaderBytes: 1 << 20,
		MaxBodySize:    64 << 20,
	}
}

// ConnectionState is reported to a ConnectionStateListener.
type ConnectionState int

const (
	ConnectionAccepted ConnectionState = iota
	ConnectionClosed
	ConnectionUpgraded
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionAccepted:
		return "accepted"
	case ConnectionClosed:
		return "closed"
	case ConnectionUpgraded:
		return "upgraded"
	default:
		return "unknown"
	}
}

// ConnectionEvent describes a connection lifecycle change.
type ConnectionEvent struct {
	ID         uint64
	RemoteAddr net.Addr
	State      ConnectionState
}

// Settings are shared by every connection created by one acceptor.
type Settings struct {
	Handler                Handler
	BufferSize             int
	MaxPipelinedRequests   int
	ReadNextMessageTimeout time.Duration
	HandleRequestTimeout   time.Duration
	WriteResponseTimeout   time.Duration
	Limits                 MessageLimits
	Logger                 hclog.Logger
	OnConnectionState      func(ConnectionEvent)
}

// DefaultSettings returns settings with the engine defaults and no handler.
func DefaultSettings() Settings {
	return Settings{
		BufferSize:             4 * 1024,
		MaxPipelinedRequests:   1,
		ReadNextMessageTimeout: 60 * time.Second,
		HandleRequestTimeout:   10 * time.Second,
		WriteResponseTimeout:   5 * time.Second,
		Limits:                 DefaultMessageLimits(),
		Logger:                 hclog.NewNullLogger(),
	}
}

func (s *Settings) normalize() {
	if s.BufferSize <= 0 {
		s.BufferSize = 4 * 1024
	}
	if s.MaxPipelinedRequests < 1 {
		s.MaxPipelinedRequests = 1
	}
	if s.Logger == nil {
		s.Logger = hclog.NewNullLogger()
	}
	if s.Handler == nil {
		s.Handler = HandlerFunc(func(*Request, *ResponseHandle) Result { return Rejected })
	}
}

func (s *Settings) notify(ev ConnectionEvent) {
	if s.OnConnectionState != nil {
		s.OnConnectionState(ev)
	}
}
