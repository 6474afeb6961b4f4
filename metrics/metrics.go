package metrics

import (
	"time"

	"github.com/Layr-Labs/eigensdk-go/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsSink receives bundler measurements. Implementations must never block.
type MetricsSink interface {
	IncUserOpsReceived()
	IncUserOpsIncluded()
	ObserveInclusionDuration(time.Duration)
	IncBundle(status string)
	IncReplacement(reason, result string)
	SetMempoolSize(stage string, size int)
	SetWalletsAvailable(n int)
}

type MetricsGenerator interface {
	metrics.Metrics
	MetricsSink
}

// BundlerMetrics contains instrumented metrics that should be incremented by the bundler using the methods below
type BundlerMetrics struct {
	metrics.Metrics

	userOpsReceived   prometheus.Counter
	userOpsIncluded   prometheus.Counter
	inclusionDuration prometheus.Histogram
	bundles           *prometheus.CounterVec
	replacements      *prometheus.CounterVec
	mempoolSize       *prometheus.GaugeVec
	walletsAvailable  prometheus.Gauge
}

const apNamespace = "ap"

var _ MetricsGenerator = (*BundlerMetrics)(nil)

func NewBundlerMetrics(eigenMetrics *metrics.EigenMetrics, reg prometheus.Registerer) *BundlerMetrics {
	return &BundlerMetrics{
		Metrics: eigenMetrics,

		userOpsReceived: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Name:      "user_operations_received_total",
				Help:      "The number of user operations admitted into the mempool",
			}),

		userOpsIncluded: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Name:      "user_operations_included_total",
				Help:      "The number of user operations seen in a mined bundle",
			}),

		inclusionDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: apNamespace,
				Name:      "user_operation_inclusion_duration_seconds",
				Help:      "Time from mempool admission to inclusion",
				Buckets:   []float64{2, 5, 10, 20, 40, 60, 120, 300, 600},
			}),

		bundles: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Name:      "bundles_submitted_total",
				Help:      "The number of bundle attempts by outcome",
			}, []string{"status"}),

		replacements: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Name:      "replacements_total",
				Help:      "The number of bundle transaction replacements by reason and outcome",
			}, []string{"reason", "result"}),

		mempoolSize: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: apNamespace,
				Name:      "mempool_size",
				Help:      "The number of user operations in each mempool stage",
			}, []string{"store"}),

		walletsAvailable: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: apNamespace,
				Name:      "wallets_available",
				Help:      "The number of executor wallets not bound to a bundle. If it stays at 0, bundling is stalled",
			}),
	}
}

func (m *BundlerMetrics) IncUserOpsReceived() {
	m.userOpsReceived.Inc()
}

func (m *BundlerMetrics) IncUserOpsIncluded() {
	m.userOpsIncluded.Inc()
}

func (m *BundlerMetrics) ObserveInclusionDuration(d time.Duration) {
	m.inclusionDuration.Observe(d.Seconds())
}

func (m *BundlerMetrics) IncBundle(status string) {
	m.bundles.WithLabelValues(status).Inc()
}

func (m *BundlerMetrics) IncReplacement(reason, result string) {
	m.replacements.WithLabelValues(reason, result).Inc()
}

func (m *BundlerMetrics) SetMempoolSize(stage string, size int) {
	m.mempoolSize.WithLabelValues(stage).Set(float64(size))
}

func (m *BundlerMetrics) SetWalletsAvailable(n int) {
	m.walletsAvailable.Set(float64(n))
}

// NoopMetrics drops every measurement
type NoopMetrics struct{}

var _ MetricsSink = NoopMetrics{}

func NewNoopMetrics() NoopMetrics {
	return NoopMetrics{}
}

func (NoopMetrics) IncUserOpsReceived()                    {}
func (NoopMetrics) IncUserOpsIncluded()                    {}
func (NoopMetrics) ObserveInclusionDuration(time.Duration) {}
func (NoopMetrics) IncBundle(string)                       {}
func (NoopMetrics) IncReplacement(string, string)          {}
func (NoopMetrics) SetMempoolSize(string, int)             {}
func (NoopMetrics) SetWalletsAvailable(int)                {}
