// ============================================================================
// localci Metrics - Prometheus Monitoring
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collect and expose system metrics for Prometheus monitoring
//
// Monitoring Philosophy:
//   Based on RED (Rate, Errors, Duration) and USE (Utilization, Saturation,
//   Errors). The manager's own notification stream is the source of truth;
//   this package only turns it into Prometheus series, it never duplicates
//   the manager's own bookkeeping.
//
// Metric Categories:
//
//   1. Test case counters - cumulative, monotonically increasing:
//      - localci_tests_enqueued_total
//      - localci_tests_started_total
//      - localci_tests_completed_total
//      - localci_tests_cancelled_total
//      - localci_tests_errored_total
//
//   2. Performance metrics (Histogram):
//      - localci_test_duration_seconds: wall time from Started to a
//        terminal status, for completed runs only
//
//   3. Cache metrics (Counter):
//      - localci_cache_hits_total / localci_cache_misses_total
//
//   4. Status metrics (Gauge):
//      - localci_jobs_in_flight: supervisor jobs currently running
//      - localci_resource_pool_available: current availability per
//        resource key, labeled by key name
//
// HTTP Endpoint:
//   Exposed via /metrics, scraped by Prometheus; default port 9090.
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/localci/localci/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects Prometheus metrics for the test manager.
type Collector struct {
	testsEnqueued  prometheus.Counter
	testsStarted   prometheus.Counter
	testsCompleted prometheus.Counter
	testsCancelled prometheus.Counter
	testsErrored   prometheus.Counter

	testDuration prometheus.Histogram

	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter

	jobsInFlight     prometheus.Gauge
	resourcePoolFree *prometheus.GaugeVec

	mu         sync.Mutex
	startedAt  map[types.TestCaseID]time.Time
}

// NewCollector creates a new metrics collector and registers its series
// with the default Prometheus registry.
func NewCollector() *Collector {
	c := &Collector{
		testsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "localci_tests_enqueued_total",
			Help: "Total number of test cases enqueued",
		}),
		testsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "localci_tests_started_total",
			Help: "Total number of test cases that acquired resources and started",
		}),
		testsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "localci_tests_completed_total",
			Help: "Total number of test cases that ran to completion",
		}),
		testsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "localci_tests_cancelled_total",
			Help: "Total number of test cases cancelled before or during execution",
		}),
		testsErrored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "localci_tests_errored_total",
			Help: "Total number of test cases that ended in an error",
		}),
		testDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "localci_test_duration_seconds",
			Help:    "Wall time from Started to a terminal status, for completed runs",
			Buckets: prometheus.DefBuckets,
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "localci_cache_hits_total",
			Help: "Total number of test cases resolved from the result cache",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "localci_cache_misses_total",
			Help: "Total number of test cases not found in the result cache",
		}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "localci_jobs_in_flight",
			Help: "Current number of supervisor jobs actively running",
		}),
		resourcePoolFree: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "localci_resource_pool_available",
			Help: "Current available instance count per resource key",
		}, []string{"resource"}),
		startedAt: make(map[types.TestCaseID]time.Time),
	}

	prometheus.MustRegister(
		c.testsEnqueued, c.testsStarted, c.testsCompleted, c.testsCancelled, c.testsErrored,
		c.testDuration, c.cacheHits, c.cacheMisses, c.jobsInFlight, c.resourcePoolFree,
	)

	return c
}

// Observe folds a single manager notification into the collector's series.
// A cache hit looks like an immediate Completed with no prior Enqueued/
// Started for that identity; RecordCacheHit must be called separately by
// the caller that resolved it (see RecordCacheHit/RecordCacheMiss), since
// the notification alone doesn't carry that distinction.
func (c *Collector) Observe(n types.Notification) {
	switch n.Status {
	case types.StatusEnqueued:
		c.testsEnqueued.Inc()
	case types.StatusStarted:
		c.testsStarted.Inc()
		c.jobsInFlight.Inc()
		c.mu.Lock()
		c.startedAt[n.TestCase] = time.Now()
		c.mu.Unlock()
	case types.StatusCompleted, types.StatusCancelled, types.StatusError:
		c.mu.Lock()
		start, hadStart := c.startedAt[n.TestCase]
		delete(c.startedAt, n.TestCase)
		c.mu.Unlock()
		if hadStart {
			c.jobsInFlight.Dec()
			if n.Status == types.StatusCompleted {
				c.testDuration.Observe(time.Since(start).Seconds())
			}
		}
		switch n.Status {
		case types.StatusCompleted:
			c.testsCompleted.Inc()
		case types.StatusCancelled:
			c.testsCancelled.Inc()
		case types.StatusError:
			c.testsErrored.Inc()
		}
	}
}

// RecordCacheHit records a cache-hit resolution for a test case.
func (c *Collector) RecordCacheHit() { c.cacheHits.Inc() }

// RecordCacheMiss records a cache-miss lookup for a test case.
func (c *Collector) RecordCacheMiss() { c.cacheMisses.Inc() }

// SetResourceAvailable reports the current availability for a named
// resource key, for polling callers (e.g. a periodic scrape of the pool).
func (c *Collector) SetResourceAvailable(key types.ResourceKey, available int) {
	c.resourcePoolFree.WithLabelValues(key.String()).Set(float64(available))
}

// StartServer starts the Prometheus metrics HTTP server. Blocks until the
// server stops or errors.
func StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
