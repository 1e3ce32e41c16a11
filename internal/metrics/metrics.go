// Package metrics provides Prometheus metrics for the sliced uploader.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the sliced uploader.
type Metrics struct {
	// Slice metrics
	SlicesUploaded    *prometheus.CounterVec
	DirectPuts        *prometheus.CounterVec
	TransfersRejected *prometheus.CounterVec
	BytesUploaded     *prometheus.CounterVec

	// Batch metrics
	BatchesCompleted *prometheus.CounterVec
	RetryRounds      *prometheus.CounterVec
	BatchDuration    *prometheus.HistogramVec

	// Upload metrics
	UploadsCompleted *prometheus.CounterVec
	UploadsFailed    *prometheus.CounterVec
	UploadDuration   *prometheus.HistogramVec
	ManifestsWritten *prometheus.CounterVec

	// Pipeline metrics
	InFlightTransfers prometheus.Gauge
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Address string // Address for metrics HTTP server (e.g., ":9090")
}

// Init creates metrics registered on the default registry, which is the
// one StartServer exposes. Call this once at startup.
func Init(namespace string) *Metrics {
	return New(namespace, prometheus.DefaultRegisterer)
}

// New creates metrics registered on reg.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "sliced_uploader"
	}
	f := promauto.With(reg)

	return &Metrics{
		SlicesUploaded: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "slices_uploaded_total",
				Help:      "Total number of slices delivered to the object store",
			},
			[]string{"backend"},
		),
		DirectPuts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "direct_puts_total",
				Help:      "Total number of empty slices written with a single put",
			},
			[]string{"backend"},
		),
		TransfersRejected: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transfers_rejected_total",
				Help:      "Total number of slice transfer attempts that failed",
			},
			[]string{"backend"},
		),
		BytesUploaded: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_uploaded_total",
				Help:      "Total size of delivered slices in bytes",
			},
			[]string{"backend"},
		),
		BatchesCompleted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_completed_total",
				Help:      "Total number of batches fully delivered",
			},
			[]string{"backend"},
		),
		RetryRounds: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_rounds_total",
				Help:      "Total number of batch retry rounds",
			},
			[]string{"backend"},
		),
		BatchDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_duration_seconds",
				Help:      "Time to deliver one batch including retry rounds",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~400s
			},
			[]string{"backend"},
		),
		UploadsCompleted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "uploads_completed_total",
				Help:      "Total number of sliced uploads that wrote a manifest",
			},
			[]string{"backend"},
		),
		UploadsFailed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "uploads_failed_total",
				Help:      "Total number of sliced uploads that failed, by error kind",
			},
			[]string{"backend", "kind"},
		),
		UploadDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upload_duration_seconds",
				Help:      "Total time of a sliced upload (prepare + slices + manifest)",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 14), // 0.5s to ~2h
			},
			[]string{"backend"},
		),
		ManifestsWritten: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "manifests_written_total",
				Help:      "Total number of manifests written",
			},
			[]string{"backend"},
		),
		InFlightTransfers: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "in_flight_transfers",
				Help:      "Number of slice transfers currently running",
			},
		),
	}
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return http.ListenAndServe(address, mux)
}

// Labels is a convenience type for metric labels.
type Labels struct {
	Backend string
	Kind    string
}

// IncSlicesUploaded counts a delivered slice of size bytes.
func (m *Metrics) IncSlicesUploaded(l Labels, bytes int64) {
	m.SlicesUploaded.WithLabelValues(l.Backend).Inc()
	m.BytesUploaded.WithLabelValues(l.Backend).Add(float64(bytes))
}

// IncDirectPuts increments the direct put counter.
func (m *Metrics) IncDirectPuts(l Labels) {
	m.DirectPuts.WithLabelValues(l.Backend).Inc()
}

// AddTransfersRejected adds to the rejected transfer counter.
func (m *Metrics) AddTransfersRejected(l Labels, n int) {
	m.TransfersRejected.WithLabelValues(l.Backend).Add(float64(n))
}

// IncBatchesCompleted increments the completed batch counter.
func (m *Metrics) IncBatchesCompleted(l Labels) {
	m.BatchesCompleted.WithLabelValues(l.Backend).Inc()
}

// IncRetryRounds increments the retry round counter.
func (m *Metrics) IncRetryRounds(l Labels) {
	m.RetryRounds.WithLabelValues(l.Backend).Inc()
}

// ObserveBatchDuration records the batch delivery time.
func (m *Metrics) ObserveBatchDuration(l Labels, seconds float64) {
	m.BatchDuration.WithLabelValues(l.Backend).Observe(seconds)
}

// IncUploadsCompleted increments the completed upload counter.
func (m *Metrics) IncUploadsCompleted(l Labels) {
	m.UploadsCompleted.WithLabelValues(l.Backend).Inc()
}

// IncUploadsFailed increments the failed upload counter for l.Kind.
func (m *Metrics) IncUploadsFailed(l Labels) {
	m.UploadsFailed.WithLabelValues(l.Backend, l.Kind).Inc()
}

// ObserveUploadDuration records the total upload time.
func (m *Metrics) ObserveUploadDuration(l Labels, seconds float64) {
	m.UploadDuration.WithLabelValues(l.Backend).Observe(seconds)
}

// IncManifestsWritten increments the manifest counter.
func (m *Metrics) IncManifestsWritten(l Labels) {
	m.ManifestsWritten.WithLabelValues(l.Backend).Inc()
}

// AddInFlightTransfers adjusts the in-flight transfer gauge.
func (m *Metrics) AddInFlightTransfers(delta float64) {
	m.InFlightTransfers.Add(delta)
}
