// Package api exposes array access over the network: a length-prefixed TCP
// protocol carrying Arrow IPC payloads, plus Prometheus metrics.
package api

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the array service.
type Metrics struct {
	// Read metrics
	ReadsTotal    prometheus.Counter
	ReadsFailed   prometheus.Counter
	CellsRead     prometheus.Counter
	ReadBatchSize prometheus.Histogram
	ReadLatency   prometheus.Histogram

	// Write metrics
	WritesTotal  prometheus.Counter
	WritesFailed prometheus.Counter
	CellsWritten prometheus.Counter
	WriteLatency prometheus.Histogram

	// Cell-count metrics
	NNZFastPath prometheus.Counter
	NNZSlowPath prometheus.Counter

	// Schema metrics
	EnumExtensions prometheus.Counter

	// System metrics
	OpenArrays prometheus.Gauge

	// Request metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// DefaultMetrics creates metrics with default settings.
var DefaultMetrics = NewMetrics("soma")

// NewMetrics creates a new Metrics instance with the given namespace.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ReadsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reads_total",
			Help:      "Total number of read queries submitted",
		}),
		ReadsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reads_failed_total",
			Help:      "Total number of failed read queries",
		}),
		CellsRead: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cells_read_total",
			Help:      "Total number of cells returned by read queries",
		}),
		ReadBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "read_batch_size",
			Help:      "Number of cells per read batch",
			Buckets:   []float64{1, 10, 100, 1000, 10000, 100000, 1000000},
		}),
		ReadLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "read_latency_seconds",
			Help:      "Read query latency in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),

		WritesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writes_total",
			Help:      "Total number of write batches submitted",
		}),
		WritesFailed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writes_failed_total",
			Help:      "Total number of failed write batches",
		}),
		CellsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cells_written_total",
			Help:      "Total number of cells written",
		}),
		WriteLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "write_latency_seconds",
			Help:      "Write batch latency in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),

		NNZFastPath: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nnz_fast_path_total",
			Help:      "Cell-count requests answered from fragment metadata",
		}),
		NNZSlowPath: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nnz_slow_path_total",
			Help:      "Cell-count requests answered by a full table scan",
		}),

		EnumExtensions: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enum_extensions_total",
			Help:      "Enumeration extensions committed during writes",
		}),
		OpenArrays: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_arrays",
			Help:      "Current number of open array handles",
		}),

		RequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total requests by operation and status",
		}, []string{"op", "status"}),
		RequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Request duration by operation",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
	}
}

// RecordRead records a read query.
func (m *Metrics) RecordRead(cells int, success bool, duration time.Duration) {
	m.ReadsTotal.Inc()
	m.ReadLatency.Observe(duration.Seconds())
	if success {
		m.CellsRead.Add(float64(cells))
		m.ReadBatchSize.Observe(float64(cells))
	} else {
		m.ReadsFailed.Inc()
	}
}

// RecordWrite records a write batch.
func (m *Metrics) RecordWrite(cells int, success bool, duration time.Duration) {
	m.WritesTotal.Inc()
	m.WriteLatency.Observe(duration.Seconds())
	if success {
		m.CellsWritten.Add(float64(cells))
	} else {
		m.WritesFailed.Inc()
	}
}

// RecordRequest records one protocol request.
func (m *Metrics) RecordRequest(op, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(op, status).Inc()
	m.RequestDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordNNZ records which path answered a cell-count request.
func (m *Metrics) RecordNNZ(fastPath bool) {
	if fastPath {
		m.NNZFastPath.Inc()
	} else {
		m.NNZSlowPath.Inc()
	}
}

// ArrayOpened increments the open-handle gauge.
func (m *Metrics) ArrayOpened() { m.OpenArrays.Inc() }

// ArrayClosed decrements the open-handle gauge.
func (m *Metrics) ArrayClosed() { m.OpenArrays.Dec() }

// MetricsServer runs an HTTP server exposing /metrics endpoint.
type MetricsServer struct {
	server *http.Server
}

// NewMetricsServer creates a new metrics server on the given address.
func NewMetricsServer(addr string) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return &MetricsServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start starts the metrics server (blocking).
func (s *MetricsServer) Start() error {
	return s.server.ListenAndServe()
}

// StartAsync starts the metrics server in a goroutine.
func (s *MetricsServer) StartAsync() {
	go func() {
		_ = s.server.ListenAndServe()
	}()
}

// Stop gracefully stops the metrics server.
func (s *MetricsServer) Stop() error {
	return s.server.Close()
}
