// Package metrics exposes Quilt's Prometheus metrics: container
// counts by state, IP pool utilization, RPC latency, and cleanup task
// outcomes. The metric set, registration pattern, and Timer helper are
// kept from the teacher's pkg/metrics/metrics.go; every cluster-wide
// series (nodes, Raft, ingress, deployments, services) is dropped since
// Quilt has no cluster to report on.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ContainersTotal tracks container count by lifecycle state.
	ContainersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quilt_containers_total",
			Help: "Total number of containers by state",
		},
		[]string{"state"},
	)

	// IPPoolAllocated tracks how many /16 addresses are currently
	// allocated (any non-cleaned status), for capacity visibility.
	IPPoolAllocated = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quilt_ip_pool_allocated",
			Help: "Number of IP addresses currently allocated from the pool",
		},
	)

	// IPPoolSize is the total number of usable addresses in the
	// configured subnet.
	IPPoolSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quilt_ip_pool_size",
			Help: "Total number of usable addresses in the configured subnet",
		},
	)

	// RPCRequestsTotal counts RPC calls by method and outcome.
	RPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quilt_rpc_requests_total",
			Help: "Total number of RPC requests by method and status",
		},
		[]string{"method", "status"},
	)

	// RPCRequestDuration measures the bounded-latency guarantee (spec
	// §4.9, property P5) per RPC method.
	RPCRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quilt_rpc_request_duration_seconds",
			Help:    "RPC request duration in seconds by method",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// ContainerStartDuration measures Runtime.Start latency.
	ContainerStartDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quilt_container_start_duration_seconds",
			Help:    "Time taken to start a container in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// ContainerStopDuration measures Runtime.Stop latency.
	ContainerStopDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quilt_container_stop_duration_seconds",
			Help:    "Time taken to stop a container in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// CleanupTasksTotal counts cleanup task outcomes by resource kind.
	CleanupTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quilt_cleanup_tasks_total",
			Help: "Total number of cleanup tasks processed by resource and outcome",
		},
		[]string{"resource", "outcome"},
	)

	// CleanupTaskDuration measures how long each cleanup task kind takes.
	CleanupTaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quilt_cleanup_task_duration_seconds",
			Help:    "Cleanup task duration in seconds by resource",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"resource"},
	)
)

func init() {
	prometheus.MustRegister(ContainersTotal)
	prometheus.MustRegister(IPPoolAllocated)
	prometheus.MustRegister(IPPoolSize)
	prometheus.MustRegister(RPCRequestsTotal)
	prometheus.MustRegister(RPCRequestDuration)
	prometheus.MustRegister(ContainerStartDuration)
	prometheus.MustRegister(ContainerStopDuration)
	prometheus.MustRegister(CleanupTasksTotal)
	prometheus.MustRegister(CleanupTaskDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
