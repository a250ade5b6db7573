// Command pipeload drives an HTTP/1.1 server with pipelined requests and
// verifies that responses arrive in request order.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/albertbausili/pipeliner/pkg/pipeliner"
)

func main() {
	var (
		addr     = flag.String("addr", "", "Server address (empty starts an embedded server)")
		engine   = flag.String("engine", "std", "Embedded server engine: std or gnet")
		clients  = flag.Int("clients", 32, "Number of concurrent connections")
		depth    = flag.Int("depth", 8, "Requests pipelined per batch")
		rps      = flag.Float64("rate", 0, "Request rate limit across clients (0 = unlimited)")
		duration = flag.Duration("duration", 10*time.Second, "Test duration")
		timeout  = flag.Duration("timeout", 3*time.Second, "Batch round trip timeout")
		maxDelay = flag.Duration("max-delay", time.Millisecond, "Embedded server random response delay bound")
		verbose  = flag.Bool("verbose", false, "Verbose output")
	)
	flag.Parse()

	level := hclog.Info
	if *verbose {
		level = hclog.Debug
	}
	logger := hclog.New(&hclog.LoggerOptions{Name: "pipeload", Level: level})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := RunLoad(ctx, LoadConfig{
		Addr:     *addr,
		Engine:   pipeliner.Engine(*engine),
		Clients:  *clients,
		Depth:    *depth,
		Rate:     *rps,
		Duration: *duration,
		Timeout:  *timeout,
		MaxDelay: *maxDelay,
	}, logger)
	if err != nil {
		logger.Error("load run failed", "error", err)
		os.Exit(1)
	}
	printResult(result)
	if result.OutOfOrder > 0 {
		os.Exit(1)
	}
}

func printResult(r *LoadResult) {
	fmt.Printf("\n=== Pipelined Load Results ===\n")
	fmt.Printf("Duration: %v\n", r.Elapsed.Round(time.Millisecond))
	fmt.Printf("Requests: %d\n", r.Requests)
	fmt.Printf("Successful: %d (%.0f RPS)\n", r.Successful, r.RPS())
	fmt.Printf("Out of order: %d\n", r.OutOfOrder)
	fmt.Printf("Dropped connections: %d\n", r.Dropped)

	codes := make([]int, 0, len(r.StatusCodes))
	for code := range r.StatusCodes {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	fmt.Printf("\n=== Status Code Distribution ===\n")
	for _, code := range codes {
		fmt.Printf("  %d: %d\n", code, r.StatusCodes[code])
	}
}
