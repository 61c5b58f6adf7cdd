// Package metrics provides the Prometheus registry and HTTP handler for the harvester.
// All metrics are defined in their respective packages (client, retry, ratelimit,
// pagination, checkpoint, sink) to maintain modularity and avoid circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the harvester.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Handler exposes the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// NewServeMux returns a mux serving Handler on /metrics.
func NewServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return mux
}

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - harvester_requests_total{resource, status} (Counter): Page requests by resource and HTTP status
//   - harvester_request_duration_seconds{resource} (Histogram): Request duration by resource
//   - harvester_errors_total{class} (Counter): Failures by class (client, server, rate_limit, network)
//
// Rate Floor Metrics (pkg/ratelimit):
//   - harvester_rate_floor_waits_total (Counter): Requests delayed by the inter-request floor
//   - harvester_rate_floor_wait_seconds (Histogram): Time spent waiting for the floor
//
// Retry Metrics (pkg/retry):
//   - harvester_retries_total{error_class} (Counter): Retry attempts by error class
//   - harvester_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - harvester_retry_exhausted_total{error_class} (Counter): Pages that exhausted max attempts
//
// Progress Metrics (pkg/pagination):
//   - harvester_pages_committed_total{resource} (Counter): Pages written and checkpointed
//   - harvester_records_written_total{resource} (Counter): Records written by resource
//   - harvester_resource_state{resource} (Gauge): 0=not_started, 1=in_progress, 2=complete, 3=failed
//
// Checkpoint Metrics (pkg/checkpoint):
//   - harvester_checkpoint_commits_total{backend} (Counter): Durable commits by backend
//   - harvester_checkpoint_errors_total{backend, operation} (Counter): Store failures
//
// Sink Metrics (pkg/sink):
//   - harvester_sink_records_total (Counter): Records appended to the output
//   - harvester_sink_bytes_total (Counter): Bytes appended to the output
//   - harvester_sink_skipped_total (Counter): Records skipped by tail deduplication
//
// Example Prometheus Queries:
//
//   # Records per second
//   sum(rate(harvester_records_written_total[5m]))
//
//   # Rate limited share of requests
//   sum(rate(harvester_requests_total{status="429"}[5m])) / sum(rate(harvester_requests_total[5m]))
//
//   # Failed resources
//   harvester_resource_state == 3
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(harvester_request_duration_seconds_bucket[5m]))
