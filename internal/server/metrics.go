package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pageorder_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pageorder_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// File upload metrics
	uploadSizeBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pageorder_upload_size_bytes",
			Help:    "Size of uploaded documents in bytes",
			Buckets: []float64{10 * 1024, 100 * 1024, 1024 * 1024, 10 * 1024 * 1024, 50 * 1024 * 1024, 100 * 1024 * 1024},
		},
	)

	// Progress stream metrics
	streamSubscribers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pageorder_progress_subscribers",
			Help: "Number of open progress streams",
		},
		[]string{"transport"}, // transport: sse, websocket
	)

	streamMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pageorder_progress_messages_total",
			Help: "Total number of progress messages sent",
		},
		[]string{"transport"},
	)
)
