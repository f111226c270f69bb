package metrics

import (
	"time"
)

// OpsMetrics provides observability for the request-processing path.
//
// Implementations must be safe for concurrent use. The interface is
// optional: a nil OpsMetrics disables collection with zero overhead, so
// call sites go through the package-level helpers below.
type OpsMetrics interface {
	// ObserveRequest records one completed request with its terminal
	// status, time to first byte, and total duration.
	ObserveRequest(operation, method string, statusCode int, ttfb, duration time.Duration)

	// AddBytesIn counts bytes streamed from clients (uploads).
	AddBytesIn(n int64)

	// AddBytesOut counts bytes streamed to clients (downloads).
	AddBytesOut(n int64)

	// AddDeletedBytes counts logical bytes released by an object delete
	// (content_length x replica count). accelerated marks deletes
	// eligible for accelerated reclamation.
	AddDeletedBytes(n int64, accelerated bool)

	// IncDeletedDirectories counts directory deletes.
	IncDeletedDirectories()
}

// NewOpsMetrics creates a Prometheus-backed OpsMetrics instance, or nil
// when metrics are not enabled (InitRegistry not called).
func NewOpsMetrics() OpsMetrics {
	if !IsEnabled() || newPrometheusOpsMetrics == nil {
		return nil
	}
	return newPrometheusOpsMetrics()
}

// newPrometheusOpsMetrics is registered by pkg/metrics/prometheus during
// package initialization. The indirection avoids an import cycle.
var newPrometheusOpsMetrics func() OpsMetrics

// RegisterOpsMetricsConstructor registers the Prometheus constructor.
// Called by pkg/metrics/prometheus in init().
func RegisterOpsMetricsConstructor(constructor func() OpsMetrics) {
	newPrometheusOpsMetrics = constructor
}

// ObserveRequest records a completed request if m is non-nil.
func ObserveRequest(m OpsMetrics, operation, method string, statusCode int, ttfb, duration time.Duration) {
	if m != nil {
		m.ObserveRequest(operation, method, statusCode, ttfb, duration)
	}
}

// AddBytesIn counts inbound bytes if m is non-nil.
func AddBytesIn(m OpsMetrics, n int64) {
	if m != nil {
		m.AddBytesIn(n)
	}
}

// AddBytesOut counts outbound bytes if m is non-nil.
func AddBytesOut(m OpsMetrics, n int64) {
	if m != nil {
		m.AddBytesOut(n)
	}
}

// AddDeletedBytes counts released bytes if m is non-nil.
func AddDeletedBytes(m OpsMetrics, n int64, accelerated bool) {
	if m != nil {
		m.AddDeletedBytes(n, accelerated)
	}
}

// IncDeletedDirectories counts a directory delete if m is non-nil.
func IncDeletedDirectories(m OpsMetrics) {
	if m != nil {
		m.IncDeletedDirectories()
	}
}
