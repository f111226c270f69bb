// Package prometheus holds the Prometheus implementations of the metrics
// interfaces in pkg/metrics. Import it for its side effect:
//
//	import _ "github.com/shoalstore/shoal/pkg/metrics/prometheus"
package prometheus

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/shoalstore/shoal/pkg/metrics"
)

func init() {
	metrics.RegisterOpsMetricsConstructor(newOpsMetrics)
}

// opsMetrics is the Prometheus implementation of metrics.OpsMetrics.
type opsMetrics struct {
	requestsCompleted  *prometheus.CounterVec
	timeToFirstByte    *prometheus.HistogramVec
	requestDuration    *prometheus.HistogramVec
	bytesIn            prometheus.Counter
	bytesOut           prometheus.Counter
	deletedBytes       *prometheus.CounterVec
	deletedDirectories prometheus.Counter
}

// Latency buckets in milliseconds, spanning metadata-only operations
// through multi-gigabyte streams.
var latencyBucketsMS = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 15000, 30000, 60000, 300000}

func newOpsMetrics() metrics.OpsMetrics {
	reg := metrics.GetRegistry()

	return &opsMetrics{
		requestsCompleted: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "shoal_requests_completed_total",
				Help: "Total completed requests by operation, method and status code",
			},
			[]string{"operation", "method", "statusCode"},
		),
		timeToFirstByte: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "shoal_time_to_first_byte_milliseconds",
				Help:    "Time from request receipt to first byte of payload",
				Buckets: latencyBucketsMS,
			},
			[]string{"operation", "method", "statusCode"},
		),
		requestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "shoal_request_duration_milliseconds",
				Help:    "Total request handling time",
				Buckets: latencyBucketsMS,
			},
			[]string{"operation", "method", "statusCode"},
		),
		bytesIn: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "shoal_inbound_streamed_bytes_total",
				Help: "Bytes streamed from clients",
			},
		),
		bytesOut: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "shoal_outbound_streamed_bytes_total",
				Help: "Bytes streamed to clients",
			},
		),
		deletedBytes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "shoal_deleted_bytes_total",
				Help: "Logical bytes released by object deletes (content length x replicas)",
			},
			[]string{"accelerated_gc"},
		),
		deletedDirectories: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "shoal_deleted_directories_total",
				Help: "Directories deleted",
			},
		),
	}
}

func (m *opsMetrics) ObserveRequest(operation, method string, statusCode int, ttfb, duration time.Duration) {
	labels := prometheus.Labels{
		"operation":  operation,
		"method":     method,
		"statusCode": strconv.Itoa(statusCode),
	}
	m.requestsCompleted.With(labels).Inc()
	m.requestDuration.With(labels).Observe(float64(duration.Milliseconds()))
	if ttfb > 0 {
		m.timeToFirstByte.With(labels).Observe(float64(ttfb.Milliseconds()))
	}
}

func (m *opsMetrics) AddBytesIn(n int64) {
	if n > 0 {
		m.bytesIn.Add(float64(n))
	}
}

func (m *opsMetrics) AddBytesOut(n int64) {
	if n > 0 {
		m.bytesOut.Add(float64(n))
	}
}

func (m *opsMetrics) AddDeletedBytes(n int64, accelerated bool) {
	if n > 0 {
		m.deletedBytes.With(prometheus.Labels{
			"accelerated_gc": strconv.FormatBool(accelerated),
		}).Add(float64(n))
	}
}

func (m *opsMetrics) IncDeletedDirectories() {
	m.deletedDirectories.Inc()
}
