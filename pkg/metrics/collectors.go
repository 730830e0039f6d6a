package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RuntimeCollector exposes the Go runtime state that matters most for a
// server that parks work onto goroutines constantly — the accept loop, the
// Worker Pool's per-task goroutines, the Cluster Supervisor's per-worker
// read loops — as a custom prometheus.Collector rather than one-off
// gauges, so a stalled GC or a goroutine leak in any of those shows up on
// the same /metrics scrape as request and cache metrics. Registered by
// InitMetrics under the server's configured namespace/subsystem.
type RuntimeCollector struct {
	goroutines *prometheus.Desc
	memAlloc   *prometheus.Desc
	memTotal   *prometheus.Desc
	memSys     *prometheus.Desc
	gcPause    *prometheus.Desc
	gcRuns     *prometheus.Desc
}

// NewRuntimeCollector builds a collector reporting under
// namespace_subsystem_runtime_*.
func NewRuntimeCollector(namespace, subsystem string) *RuntimeCollector {
	return &RuntimeCollector{
		goroutines: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "runtime_goroutines"),
			"Number of goroutines",
			nil, nil,
		),
		memAlloc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "runtime_memory_alloc_bytes"),
			"Bytes allocated and still in use",
			nil, nil,
		),
		memTotal: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "runtime_memory_total_alloc_bytes"),
			"Total bytes allocated (even if freed)",
			nil, nil,
		),
		memSys: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "runtime_memory_sys_bytes"),
			"Bytes obtained from system",
			nil, nil,
		),
		gcPause: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "runtime_gc_pause_seconds"),
			"GC pause duration",
			nil, nil,
		),
		gcRuns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "runtime_gc_runs_total"),
			"Total number of completed GC cycles",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *RuntimeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.goroutines
	ch <- c.memAlloc
	ch <- c.memTotal
	ch <- c.memSys
	ch <- c.gcPause
	ch <- c.gcRuns
}

// Collect implements prometheus.Collector. Called once per /metrics scrape;
// runtime.ReadMemStats briefly stops the world, which is acceptable at
// scrape cadence but is why the Server Core never calls it on the request
// path.
func (c *RuntimeCollector) Collect(ch chan<- prometheus.Metric) {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	ch <- prometheus.MustNewConstMetric(c.goroutines, prometheus.GaugeValue, float64(runtime.NumGoroutine()))
	ch <- prometheus.MustNewConstMetric(c.memAlloc, prometheus.GaugeValue, float64(stats.Alloc))
	ch <- prometheus.MustNewConstMetric(c.memTotal, prometheus.CounterValue, float64(stats.TotalAlloc))
	ch <- prometheus.MustNewConstMetric(c.memSys, prometheus.GaugeValue, float64(stats.Sys))
	ch <- prometheus.MustNewConstMetric(c.gcRuns, prometheus.CounterValue, float64(stats.NumGC))

	// Only the most recent GC pause is reported; scrape cadence is coarser
	// than GC frequency under load, so per-cycle detail would be lost
	// between scrapes anyway.
	if stats.NumGC > 0 {
		ch <- prometheus.MustNewConstMetric(c.gcPause, prometheus.GaugeValue, float64(stats.PauseNs[(stats.NumGC-1)%256])/1e9)
	}
}

// RequestTracker keeps the Metrics middleware's in-flight gauge consistent
// with a per-route-pattern active count: Start/End are called around
// next() in pkg/middleware's Metrics middleware, keyed by the matched
// Route's pattern (spec §4.4) rather than the raw path, which would blow
// up cardinality on every distinct :param value.
type RequestTracker struct {
	mu       sync.Mutex
	active   map[string]int
	inFlight prometheus.Gauge
}

// NewRequestTracker binds a tracker to the shared in-flight gauge.
func NewRequestTracker(inFlight prometheus.Gauge) *RequestTracker {
	return &RequestTracker{
		active:   make(map[string]int),
		inFlight: inFlight,
	}
}

// Start records the beginning of a request dispatched to pattern.
func (t *RequestTracker) Start(pattern string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.active[pattern]++
	t.inFlight.Inc()
}

// End records the completion of a request dispatched to pattern.
func (t *RequestTracker) End(pattern string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active[pattern] > 0 {
		t.active[pattern]--
		t.inFlight.Dec()
	}
}

// Timer measures elapsed execution time against a histogram, for call
// sites that want duration without wrapping their own time.Now()/Since
// pair. The Worker Pool and Metrics middleware track duration inline
// instead, since both also need the raw duration for non-histogram
// bookkeeping (pool.totalExecNanos, the request outcome label); Timer is
// for simpler single-histogram call sites added later.
type Timer struct {
	start    time.Time
	observer prometheus.Observer
}

// NewTimer starts a timer bound to one label combination of histogram.
func NewTimer(histogram *prometheus.HistogramVec, labels ...string) *Timer {
	return &Timer{
		start:    time.Now(),
		observer: histogram.WithLabelValues(labels...),
	}
}

// ObserveDuration records the elapsed duration on the bound observer and
// returns it, so a caller can also log or compare it without a second
// time.Since call.
func (t *Timer) ObserveDuration() time.Duration {
	duration := time.Since(t.start)
	t.observer.Observe(duration.Seconds())
	return duration
}
