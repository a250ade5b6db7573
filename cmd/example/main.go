// Package main runs a demo server on the pipelining engine.
package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/albertbausili/pipeliner/pkg/pipeliner"
	"github.com/hashicorp/go-hclog"
)

func main() {
	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "example",
		Level: hclog.LevelFromString(envOr("EXAMPLE_LOG_LEVEL", "info")),
	})

	config := pipeliner.DefaultConfig()
	config.Addr = envOr("EXAMPLE_ADDR", ":8080")
	config.Engine = pipeliner.Engine(envOr("EXAMPLE_ENGINE", string(pipeliner.EngineStd)))
	config.Logger = logger
	if n, err := strconv.Atoi(os.Getenv("EXAMPLE_PIPELINE")); err == nil {
		config.MaxPipelinedRequests = n
	} else {
		config.MaxPipelinedRequests = 16
	}
	config.OnConnectionState = func(ev pipeliner.ConnectionEvent) {
		logger.Debug("connection", "id", ev.ID, "state", ev.State.String())
	}

	mw := pipeliner.Chain(
		pipeliner.Recovery(),
		pipeliner.LoggerWithConfig(pipeliner.LoggerConfig{Logger: logger.Named("access")}),
		pipeliner.Prometheus(),
		pipeliner.Tracing(),
	)

	server := pipeliner.New(config)
	if err := server.Handler(mw(route(logger))).Start(); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	logger.Info("listening", "addr", server.Addr(), "engine", config.Engine)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

func route(logger hclog.Logger) pipeliner.Handler {
	metrics := pipeliner.MetricsHandler(nil)
	return pipeliner.HandlerFunc(func(req *pipeliner.Request, h *pipeliner.ResponseHandle) pipeliner.Result {
		switch {
		case req.Path == "/":
			pipeliner.Text(h, 200, "pipeliner example\n")
		case req.Path == "/echo":
			pipeliner.NewResponse(h).
				Header("Content-Type", req.Header("content-type")).
				Send(req.Body)
		case strings.HasPrefix(req.Path, "/delay/"):
			// Answered later from another goroutine; responses still leave
			// in request order.
			ms, _ := strconv.Atoi(strings.TrimPrefix(req.Path, "/delay/"))
			go func() {
				time.Sleep(time.Duration(ms) * time.Millisecond)
				pipeliner.Text(h, 200, "slept "+strconv.Itoa(ms)+"ms\n")
			}()
		case req.Path == "/stream":
			w := pipeliner.NewResponse(h).Header("Content-Type", "text/plain").Chunked()
			go func() {
				for i := 0; i < 5; i++ {
					_, _ = w.Write([]byte("tick " + strconv.Itoa(i) + "\n"))
					time.Sleep(100 * time.Millisecond)
				}
				_ = w.Close()
			}()
		case req.Path == "/metrics":
			return metrics.HandleRequest(req, h)
		case req.Path == "/raw" && h.IsUpgrade():
			upgradeEcho(logger, req, h)
		default:
			pipeliner.Text(h, 404, "not found\n")
		}
		return pipeliner.Accepted
	})
}

// upgradeEcho switches to a line echo protocol over the raw stream.
func upgradeEcho(logger hclog.Logger, req *pipeliner.Request, h *pipeliner.ResponseHandle) {
	pipeliner.SwitchProtocols(h, req.UpgradeProtocol)
	h.Takeover(func(rt *pipeliner.RawTransport, err error) {
		if err != nil {
			logger.Warn("takeover failed", "error", err)
			return
		}
		logger.Info("connection upgraded", "connection_id", rt.ConnectionID, "protocol", req.UpgradeProtocol)
		echo(rt.Stream, rt.Leftover)
	})
}

func echo(s pipeliner.Stream, pending []byte) {
	if len(pending) > 0 {
		data := append([]byte(nil), pending...)
		s.AsyncWrite([][]byte{data}, func(_ int64, err error) {
			if err != nil {
				_ = s.Close()
				return
			}
			echo(s, nil)
		})
		return
	}
	buf := make([]byte, 4096)
	s.AsyncRead(buf, func(n int, err error) {
		if err != nil {
			_ = s.Close()
			return
		}
		echo(s, buf[:n])
	})
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
