package pipeliner

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

// LoggerConfig defines the configuration options for the Logger middleware.
type LoggerConfig struct {
	// Logger receives one entry per completed response (default: hclog.Default())
	Logger hclog.Logger
	// Level of the entries (default: Info)
	Level hclog.Level
	// SkipPaths lists paths to skip logging (e.g., health checks)
	SkipPaths []string
}

// DefaultLoggerConfig returns a LoggerConfig with sensible defaults.
func DefaultLoggerConfig() LoggerConfig {
	return LoggerConfig{
		Logger: hclog.Default().Named("access"),
		Level:  hclog.Info,
	}
}

// Logger returns a middleware that logs every request once its final
// response part is appended.
func Logger() Middleware {
	return LoggerWithConfig(DefaultLoggerConfig())
}

// LoggerWithConfig returns a middleware that logs requests with custom configuration.
func LoggerWithConfig(config LoggerConfig) Middleware {
	if config.Logger == nil {
		config.Logger = hclog.Default().Named("access")
	}
	if config.Level == hclog.NoLevel {
		config.Level = hclog.Info
	}

	skipMap := make(map[string]bool, len(config.SkipPaths))
	for _, path := range config.SkipPaths {
		skipMap[path] = true
	}

	return func(next Handler) Handler {
		return HandlerFunc(func(req *Request, h *ResponseHandle) Result {
			if skipMap[req.Path] {
				return next.HandleRequest(req, h)
			}

			start := time.Now()
			var once sync.Once
			h.OnDone(func() {
				once.Do(func() {
					msg := "request"
					if !h.Completed() {
						msg = "request dropped"
					}
					config.Logger.Log(config.Level, msg,
						"method", req.Method,
						"path", req.Path,
						"status", h.Status(),
						"duration", time.Since(start),
						"connection_id", h.ConnectionID(),
						"request_id", uint64(h.ID()),
						"remote", addrString(req),
					)
				})
			})

			res := next.HandleRequest(req, h)
			if res == Rejected {
				config.Logger.Log(config.Level, "request rejected",
					"method", req.Method,
					"path", req.Path,
					"connection_id", h.ConnectionID(),
				)
			}
			return res
		})
	}
}

func addrString(req *Request) string {
	if req.RemoteAddr == nil {
		return ""
	}
	return req.RemoteAddr.String()
}

// RecoveryConfig defines the configuration options for the Recovery middleware.
type RecoveryConfig struct {
	// Logger records the recovered panic (default: hclog.Default())
	Logger hclog.Logger
}

// Recovery returns a middleware that turns a handler panic into a 500
// response that closes the connection.
func Recovery() Middleware {
	return RecoveryWithConfig(RecoveryConfig{})
}

// RecoveryWithConfig returns a Recovery middleware with custom configuration.
func RecoveryWithConfig(config RecoveryConfig) Middleware {
	if config.Logger == nil {
		config.Logger = hclog.Default().Named("recovery")
	}
	return func(next Handler) Handler {
		return HandlerFunc(func(req *Request, h *ResponseHandle) (res Result) {
			defer func() {
				if r := recover(); r != nil {
					config.Logger.Error("handler panic",
						"method", req.Method,
						"path", req.Path,
						"panic", fmt.Sprint(r),
					)
					h.SetStatus(500)
					h.Append(ResponseFlags{Final: true, ShouldClose: true},
						Bytes(internalServerError()))
					res = Accepted
				}
			}()
			return next.HandleRequest(req, h)
		})
	}
}
