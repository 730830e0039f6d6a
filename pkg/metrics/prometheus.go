package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the global metrics container for the server core.
type Metrics struct {
	// HTTP request metrics.
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Response cache metrics.
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec
	CacheEntries     prometheus.Gauge
	CacheBytes       prometheus.Gauge

	// Worker pool metrics.
	WorkerPoolQueueDepth  *prometheus.GaugeVec
	WorkerPoolActiveTasks *prometheus.GaugeVec
	WorkerPoolTasksTotal  *prometheus.CounterVec
	WorkerPoolTaskLatency *prometheus.HistogramVec

	// Cluster metrics.
	ClusterWorkersAlive    prometheus.Gauge
	ClusterWorkerRestarts  *prometheus.CounterVec
	ClusterIPCMessagesSent *prometheus.CounterVec

	// Pre-compiler metrics.
	PreCompilerPromotions *prometheus.CounterVec
	PreCompilerHotRoutes  prometheus.Gauge

	// Runtime metrics.
	MemoryUsage *prometheus.GaugeVec
	Goroutines  prometheus.Gauge

	// Build/service info.
	ServiceInfo *prometheus.GaugeVec
}

var defaultMetrics *Metrics

// InitMetrics registers the full metrics set under the given namespace/subsystem.
func InitMetrics(namespace, subsystem string) *Metrics {
	m := &Metrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests handled",
			},
			[]string{"method", "route", "status"},
		),

		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests",
				Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"method", "route"},
		),

		RequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "http_requests_in_flight",
				Help:      "Current number of HTTP requests being processed",
			},
		),

		CacheHitsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "cache_hits_total",
				Help:      "Total number of response cache hits",
			},
			[]string{"route"},
		),

		CacheMissesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "cache_misses_total",
				Help:      "Total number of response cache misses",
			},
			[]string{"route"},
		),

		CacheEntries: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "cache_entries",
				Help:      "Current number of entries held in the response cache",
			},
		),

		CacheBytes: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "cache_bytes",
				Help:      "Current estimated byte size of the response cache",
			},
		),

		WorkerPoolQueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "worker_pool_queue_depth",
				Help:      "Current number of tasks waiting in a worker pool queue",
			},
			[]string{"pool"},
		),

		WorkerPoolActiveTasks: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "worker_pool_active_tasks",
				Help:      "Current number of tasks executing in a worker pool",
			},
			[]string{"pool"},
		),

		WorkerPoolTasksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "worker_pool_tasks_total",
				Help:      "Total number of tasks processed by a worker pool",
			},
			[]string{"pool", "outcome"},
		),

		WorkerPoolTaskLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "worker_pool_task_duration_seconds",
				Help:      "Duration of worker pool task execution, excluding queue wait",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"pool"},
		),

		ClusterWorkersAlive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "cluster_workers_alive",
				Help:      "Current number of live cluster worker processes",
			},
		),

		ClusterWorkerRestarts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "cluster_worker_restarts_total",
				Help:      "Total number of cluster worker restarts",
			},
			[]string{"reason"},
		),

		ClusterIPCMessagesSent: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "cluster_ipc_messages_total",
				Help:      "Total number of IPC messages exchanged with cluster workers",
			},
			[]string{"type"},
		),

		PreCompilerPromotions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "precompiler_promotions_total",
				Help:      "Total number of route promotions/demotions performed by the pre-compiler",
			},
			[]string{"direction", "level"},
		),

		PreCompilerHotRoutes: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "precompiler_hot_routes",
				Help:      "Current number of routes compiled above the basic optimization level",
			},
		),

		MemoryUsage: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "memory_usage_bytes",
				Help:      "Current process memory usage",
			},
			[]string{"type"},
		),

		Goroutines: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "goroutines",
				Help:      "Current number of goroutines",
			},
		),

		ServiceInfo: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "build_info",
				Help:      "Build information",
			},
			[]string{"version", "environment"},
		),
	}

	// Registered separately from the promauto.* fields above since it's a
	// custom prometheus.Collector (RuntimeCollector), not a single metric;
	// Register (not MustRegister) because re-running InitMetrics against a
	// registry that already has it (tests, a hot reload) must not panic.
	_ = prometheus.Register(NewRuntimeCollector(namespace, subsystem))

	defaultMetrics = m
	return m
}

// Get returns the process-wide metrics instance, initializing a default one
// under the "xypriss" namespace if InitMetrics has not been called yet.
func Get() *Metrics {
	if defaultMetrics == nil {
		return InitMetrics("xypriss", "")
	}
	return defaultMetrics
}

// RecordRequest records the outcome of an HTTP request.
func (m *Metrics) RecordRequest(method, route, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, route, status).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordCacheLookup records a cache hit or miss for the given route.
func (m *Metrics) RecordCacheLookup(route string, hit bool) {
	if hit {
		m.CacheHitsTotal.WithLabelValues(route).Inc()
	} else {
		m.CacheMissesTotal.WithLabelValues(route).Inc()
	}
}

// RecordWorkerTask records the completion of a worker pool task.
func (m *Metrics) RecordWorkerTask(pool, outcome string, duration time.Duration) {
	m.WorkerPoolTasksTotal.WithLabelValues(pool, outcome).Inc()
	m.WorkerPoolTaskLatency.WithLabelValues(pool).Observe(duration.Seconds())
}

// RecordWorkerRestart records a cluster worker restart with its cause.
func (m *Metrics) RecordWorkerRestart(reason string) {
	m.ClusterWorkerRestarts.WithLabelValues(reason).Inc()
}

// RecordPromotion records a pre-compiler route promotion or demotion.
func (m *Metrics) RecordPromotion(direction, level string) {
	m.PreCompilerPromotions.WithLabelValues(direction, level).Inc()
}

// SetServiceInfo sets the build info gauge to 1 for the given labels.
func (m *Metrics) SetServiceInfo(version, environment string) {
	m.ServiceInfo.WithLabelValues(version, environment).Set(1)
}

// Handler returns the HTTP handler serving the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartMetricsServer starts a standalone HTTP server exposing /metrics and /health.
func StartMetricsServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK")) //nolint:errcheck // health endpoint, write failure is not actionable
	})

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return server.ListenAndServe()
}
