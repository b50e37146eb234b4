// Package metrics provides Prometheus metrics for the GRIB fetcher.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the GRIB fetcher.
type Metrics struct {
	// Unit metrics
	UnitsProcessed *prometheus.CounterVec
	UnitDuration   *prometheus.HistogramVec
	ArtifactBytes  *prometheus.HistogramVec
	InFlightUnits  prometheus.Gauge

	// Run metrics
	Rollbacks      *prometheus.CounterVec
	BatchDuration  *prometheus.HistogramVec
	LastRunSuccess *prometheus.GaugeVec

	// Transport metrics
	Requests      *prometheus.CounterVec
	RetryAttempts *prometheus.CounterVec
	BytesFetched  prometheus.Counter

	// Error metrics
	StorageErrors *prometheus.CounterVec
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Address string // Address for metrics HTTP server (e.g., ":9090")
}

var defaultMetrics *Metrics

// Init initializes the package-level metrics on the default registerer.
// Call this once at startup.
func Init(namespace string) *Metrics {
	defaultMetrics = New(prometheus.DefaultRegisterer, namespace)
	return defaultMetrics
}

// New creates metrics registered with reg.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "grib_fetcher"
	}
	f := promauto.With(reg)

	return &Metrics{
		UnitsProcessed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "units_processed_total",
				Help:      "Units processed, by outcome (success, skipped, no_match, failure)",
			},
			[]string{"product", "outcome"},
		),
		UnitDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "unit_duration_seconds",
				Help:      "Time to fetch and assemble one unit",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~400s
			},
			[]string{"product"},
		),
		ArtifactBytes: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "artifact_bytes",
				Help:      "Size of assembled artifacts in bytes",
				Buckets:   prometheus.ExponentialBuckets(64*1024, 2, 14), // 64KB to ~1GB
			},
			[]string{"product"},
		),
		InFlightUnits: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "in_flight_units",
				Help:      "Number of units currently being processed",
			},
		),
		Rollbacks: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollbacks_total",
				Help:      "Cycle rollbacks caused by unavailable runs",
			},
			[]string{"product"},
		),
		BatchDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_duration_seconds",
				Help:      "Time to process a full cycle batch",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1h
			},
			[]string{"product"},
		),
		LastRunSuccess: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_success_timestamp_seconds",
				Help:      "Unix time of the last batch without failures",
			},
			[]string{"product"},
		),
		Requests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Archive requests after retries, by final outcome",
			},
			[]string{"operation", "outcome"},
		),
		RetryAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of retry attempts",
			},
			[]string{"operation"},
		),
		BytesFetched: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_fetched_total",
				Help:      "Bytes received from ranged requests",
			},
		),
		StorageErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_errors_total",
				Help:      "Total number of object store publish errors",
			},
			[]string{"backend"},
		),
	}
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// Handler returns the scrape handler for the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Labels is a convenience type for metric labels.
type Labels struct {
	Product   string
	Outcome   string
	Operation string
	Backend   string
}

// IncUnits increments the units processed counter.
func (m *Metrics) IncUnits(l Labels) {
	m.UnitsProcessed.WithLabelValues(l.Product, l.Outcome).Inc()
}

// ObserveUnitDuration records the time spent on one unit.
func (m *Metrics) ObserveUnitDuration(l Labels, seconds float64) {
	m.UnitDuration.WithLabelValues(l.Product).Observe(seconds)
}

// ObserveArtifactBytes records the size of an assembled artifact.
func (m *Metrics) ObserveArtifactBytes(l Labels, bytes float64) {
	m.ArtifactBytes.WithLabelValues(l.Product).Observe(bytes)
}

// IncInFlight marks a unit as started.
func (m *Metrics) IncInFlight() {
	m.InFlightUnits.Inc()
}

// DecInFlight marks a unit as finished.
func (m *Metrics) DecInFlight() {
	m.InFlightUnits.Dec()
}

// IncRollbacks increments the rollback counter.
func (m *Metrics) IncRollbacks(l Labels) {
	m.Rollbacks.WithLabelValues(l.Product).Inc()
}

// ObserveBatchDuration records the time spent on a cycle batch.
func (m *Metrics) ObserveBatchDuration(l Labels, seconds float64) {
	m.BatchDuration.WithLabelValues(l.Product).Observe(seconds)
}

// SetLastSuccess records the time of the last clean batch.
func (m *Metrics) SetLastSuccess(l Labels, unix float64) {
	m.LastRunSuccess.WithLabelValues(l.Product).Set(unix)
}

// IncRequests counts a finished archive request.
func (m *Metrics) IncRequests(l Labels) {
	m.Requests.WithLabelValues(l.Operation, l.Outcome).Inc()
}

// IncRetryAttempts increments the retry attempts counter.
func (m *Metrics) IncRetryAttempts(l Labels) {
	m.RetryAttempts.WithLabelValues(l.Operation).Inc()
}

// AddBytesFetched adds to the fetched bytes counter.
func (m *Metrics) AddBytesFetched(bytes float64) {
	m.BytesFetched.Add(bytes)
}

// IncStorageErrors increments the storage errors counter.
func (m *Metrics) IncStorageErrors(l Labels) {
	m.StorageErrors.WithLabelValues(l.Backend).Inc()
}
