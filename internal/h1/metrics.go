package h1

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Close reasons reported by closesTotal.
const (
	closeNormal         = "normal"
	closeEOF            = "eof"
	closeReadTimeout    = "read_timeout"
	closeHandleTimeout  = "handle_timeout"
	closeWriteTimeout   = "write_timeout"
	closeParseError     = "parse_error"
	closeTransportError = "transport_error"
	closeHandlerError   = "handler_error"
	closeShutdown       = "shutdown"
)

var (
	connectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pipeliner_connections_active",
			Help: "Current number of open HTTP/1.1 connections",
		},
	)

	connectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeliner_connections_total",
			Help: "Total number of accepted connections",
		},
		[]string{"backend"},
	)

	connectionsRefused = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeliner_connections_refused_total",
			Help: "Connections refused because the connection limit was reached",
		},
	)

	closesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeliner_connection_closes_total",
			Help: "Connection closes by reason",
		},
		[]string{"reason"},
	)

	upgradesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeliner_connection_takeovers_total",
			Help: "Connections handed to another protocol engine",
		},
	)

	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeliner_requests_total",
			Help: "Dispatched requests by handler result",
		},
		[]string{"result"},
	)

	pipelineDepth = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pipeliner_pipeline_depth",
			Help:    "Occupied response slots right after a request was registered",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
		},
	)

	staleResponses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeliner_stale_responses_total",
			Help: "Responses appended for requests that no longer have a slot",
		},
	)
)
