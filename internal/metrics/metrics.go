// Package metrics exposes Prometheus collectors for the clone service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	jobTransitionsTotal        *prometheus.CounterVec
	pagesClonedTotal           *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	ledgerOperationsTotal      *prometheus.CounterVec
	creditsCommittedTotal      prometheus.Counter
	proxyUsageDroppedTotal     prometheus.Counter
	proxySettlementsTotal      *prometheus.CounterVec
	proxyCreditsAccruedTotal   prometheus.Counter
	backupVersionsTotal        *prometheus.CounterVec
	failoverEventsTotal        *prometheus.CounterVec
	submissionsThrottledTotal  prometheus.Counter
	robotsFallbackTotal        prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		jobTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cloner_job_transitions_total",
				Help: "Job state machine operations, labeled by operation and result.",
			},
			[]string{"op", "result"},
		)

		pagesClonedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cloner_pages_cloned_total",
				Help: "Pages captured by workers, labeled by site.",
			},
			[]string{"site"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "cloner_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)

		ledgerOperationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cloner_ledger_operations_total",
				Help: "Credit ledger operations, labeled by operation and result.",
			},
			[]string{"op", "result"},
		)

		creditsCommittedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "cloner_credits_committed_total",
				Help: "Credits charged against accounts on job completion.",
			},
		)

		proxyUsageDroppedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "cloner_proxy_usage_dropped_total",
				Help: "Usage reports dropped because the node is unknown.",
			},
		)

		proxySettlementsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cloner_proxy_settlements_total",
				Help: "Proxy settlement attempts, labeled by result.",
			},
			[]string{"result"},
		)

		proxyCreditsAccruedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "cloner_proxy_credits_accrued_total",
				Help: "Credits accrued by proxy nodes through settlement.",
			},
		)

		backupVersionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cloner_backup_versions_total",
				Help: "Backup versions recorded, labeled by type and status.",
			},
			[]string{"type", "status"},
		)

		failoverEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cloner_failover_events_total",
				Help: "Failover events recorded, labeled by type.",
			},
			[]string{"type"},
		)

		submissionsThrottledTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "cloner_submissions_throttled_total",
				Help: "Job submissions rejected by the admission policy.",
			},
		)

		robotsFallbackTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "cloner_robots_fallback_total",
				Help: "robots.txt probes that timed out and fell back to allow-all.",
			},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveTransition counts a state machine operation.
func ObserveTransition(op string, err error) {
	Init()
	jobTransitionsTotal.WithLabelValues(op, result(err)).Inc()
}

// ObservePage counts a captured page for the given site.
func ObservePage(site string) {
	Init()
	pagesClonedTotal.WithLabelValues(SanitizeSite(site)).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveLedger counts a ledger operation.
func ObserveLedger(op string, err error) {
	Init()
	ledgerOperationsTotal.WithLabelValues(op, result(err)).Inc()
}

// AddCreditsCommitted adds to the committed credits counter.
func AddCreditsCommitted(amount float64) {
	Init()
	if amount > 0 {
		creditsCommittedTotal.Add(amount)
	}
}

// ObserveProxyUsageDropped counts a usage report for an unknown node.
func ObserveProxyUsageDropped() {
	Init()
	proxyUsageDroppedTotal.Inc()
}

// ObserveSettlement counts a settlement attempt and the credits it accrued.
func ObserveSettlement(accrued float64, err error) {
	Init()
	proxySettlementsTotal.WithLabelValues(result(err)).Inc()
	if err == nil && accrued > 0 {
		proxyCreditsAccruedTotal.Add(accrued)
	}
}

// ObserveBackup counts a recorded backup version.
func ObserveBackup(backupType, status string) {
	Init()
	backupVersionsTotal.WithLabelValues(backupType, status).Inc()
}

// ObserveFailover counts a failover event.
func ObserveFailover(eventType string) {
	Init()
	failoverEventsTotal.WithLabelValues(eventType).Inc()
}

// ObserveThrottled counts a submission rejected by admission control.
func ObserveThrottled() {
	Init()
	submissionsThrottledTotal.Inc()
}

// ObserveRobotsFallback counts a robots.txt probe that fell back to allow-all.
func ObserveRobotsFallback() {
	Init()
	robotsFallbackTotal.Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
