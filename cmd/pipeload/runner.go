package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/albertbausili/pipeliner/pkg/pipeliner"
)

// errRateExhausted reports that the limiter cannot grant another batch
// before the run ends.
var errRateExhausted = errors.New("rate limit exhausted for this run")

// LoadConfig defines one pipelined load run.
type LoadConfig struct {
	// Addr of the server under test. Empty starts an embedded server.
	Addr string
	// Engine of the embedded server.
	Engine pipeliner.Engine
	// Clients is the number of concurrent connections.
	Clients int
	// Depth is the number of requests written back to back before reading.
	Depth int
	// Rate caps requests per second across all clients; 0 is unlimited.
	Rate float64
	// Duration of the run.
	Duration time.Duration
	// Timeout bounds every batch round trip.
	Timeout time.Duration
	// MaxDelay is the upper bound of the embedded server's random
	// response delay.
	MaxDelay time.Duration
}

// LoadResult summarises a run.
type LoadResult struct {
	Elapsed     time.Duration
	Requests    int64
	Successful  int64
	OutOfOrder  int64
	Dropped     int64
	StatusCodes map[int]int64
}

// RPS is the rate of successful requests.
func (r *LoadResult) RPS() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Successful) / r.Elapsed.Seconds()
}

type loadRunner struct {
	config  LoadConfig
	logger  hclog.Logger
	limiter *rate.Limiter

	requests   atomic.Int64
	successful atomic.Int64
	outOfOrder atomic.Int64
	dropped    atomic.Int64

	mu     sync.Mutex
	status map[int]int64
}

// RunLoad drives the configured number of pipelining clients until the
// duration elapses or ctx is done.
func RunLoad(ctx context.Context, config LoadConfig, logger hclog.Logger) (*LoadResult, error) {
	if config.Clients <= 0 || config.Depth <= 0 {
		return nil, errors.New("clients and depth must be positive")
	}
	limit := rate.Inf
	if config.Rate > 0 {
		limit = rate.Limit(config.Rate)
	}
	r := &loadRunner{
		config:  config,
		logger:  logger,
		limiter: rate.NewLimiter(limit, config.Depth),
		status:  make(map[int]int64),
	}

	if r.config.Addr == "" {
		srv, err := r.startServer()
		if err != nil {
			return nil, err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Stop(stopCtx); err != nil {
				logger.Warn("embedded server stop", "error", err)
			}
		}()
		r.config.Addr = srv.Addr()
	}

	ctx, cancel := context.WithTimeout(ctx, config.Duration)
	defer cancel()

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < config.Clients; i++ {
		id := i
		g.Go(func() error { return r.runClient(gctx, id) })
	}
	err := g.Wait()
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		err = nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return &LoadResult{
		Elapsed:     time.Since(start),
		Requests:    r.requests.Load(),
		Successful:  r.successful.Load(),
		OutOfOrder:  r.outOfOrder.Load(),
		Dropped:     r.dropped.Load(),
		StatusCodes: r.status,
	}, err
}

// startServer runs a server that echoes the request path after a random
// delay, so that responses complete out of order.
func (r *loadRunner) startServer() (*pipeliner.Server, error) {
	config := pipeliner.DefaultConfig()
	config.Addr = "127.0.0.1:0"
	config.Engine = r.config.Engine
	config.MaxPipelinedRequests = r.config.Depth
	config.Logger = r.logger.Named("server")
	maxDelay := r.config.MaxDelay

	srv := pipeliner.New(config).Handler(pipeliner.HandlerFunc(
		func(req *pipeliner.Request, h *pipeliner.ResponseHandle) pipeliner.Result {
			path := req.Path
			if maxDelay <= 0 {
				pipeliner.Text(h, 200, path)
				return pipeliner.Accepted
			}
			delay := time.Duration(rand.Int63n(int64(maxDelay)))
			time.AfterFunc(delay, func() { pipeliner.Text(h, 200, path) })
			return pipeliner.Accepted
		}))
	if err := srv.Start(); err != nil {
		return nil, err
	}
	return srv, nil
}

// runClient keeps one connection busy with batches of pipelined requests
// and checks that every batch comes back in request order.
func (r *loadRunner) runClient(ctx context.Context, id int) error {
	var seq uint64
	for ctx.Err() == nil {
		conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", r.config.Addr)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("client %d: %w", id, err)
		}
		seq, err = r.session(ctx, conn, id, seq)
		_ = conn.Close()
		if errors.Is(err, errRateExhausted) {
			return nil
		}
		if err != nil && ctx.Err() == nil {
			r.dropped.Add(1)
			r.logger.Debug("connection dropped", "client", id, "error", err)
		}
	}
	return nil
}

func (r *loadRunner) session(ctx context.Context, conn net.Conn, id int, seq uint64) (uint64, error) {
	br := bufio.NewReader(conn)
	var batch []byte
	for ctx.Err() == nil {
		if err := r.limiter.WaitN(ctx, r.config.Depth); err != nil {
			return seq, errRateExhausted
		}
		if r.config.Timeout > 0 {
			_ = conn.SetDeadline(time.Now().Add(r.config.Timeout))
		}

		batch = batch[:0]
		first := seq
		for i := 0; i < r.config.Depth; i++ {
			batch = append(batch, "GET /"...)
			batch = strconv.AppendInt(batch, int64(id), 10)
			batch = append(batch, '/')
			batch = strconv.AppendUint(batch, seq, 10)
			batch = append(batch, " HTTP/1.1\r\nHost: pipeload\r\n\r\n"...)
			seq++
		}
		if _, err := conn.Write(batch); err != nil {
			return seq, err
		}
		r.requests.Add(int64(r.config.Depth))

		for i := 0; i < r.config.Depth; i++ {
			resp, err := http.ReadResponse(br, nil)
			if err != nil {
				return seq, err
			}
			body, err := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if err != nil {
				return seq, err
			}
			r.record(resp.StatusCode)
			if resp.StatusCode != 200 {
				continue
			}
			want := "/" + strconv.Itoa(id) + "/" + strconv.FormatUint(first+uint64(i), 10)
			if string(body) != want {
				r.outOfOrder.Add(1)
				continue
			}
			r.successful.Add(1)
		}
	}
	return seq, nil
}

func (r *loadRunner) record(status int) {
	r.mu.Lock()
	r.status[status]++
	r.mu.Unlock()
}
