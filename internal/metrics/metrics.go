// Package metrics exposes Prometheus instrumentation for fusion and planning.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "smelt"

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	FusionRuns     *prometheus.CounterVec
	FusionDuration prometheus.Histogram
	BlockDuration  prometheus.Histogram
	LayersFused    *prometheus.CounterVec
	LayersSkipped  *prometheus.CounterVec
	PlanGroups     *prometheus.CounterVec
}

// New registers the collectors on reg. Use prometheus.NewRegistry() in tests
// to avoid clashing with the default registry.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		FusionRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fusion_runs_total",
			Help:      "Fusion passes by result",
		}, []string{"arch", "result"}),
		FusionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fusion_duration_seconds",
			Help:      "Wall time of a fusion pass",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		BlockDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "block_build_duration_seconds",
			Help:      "Time to split, merge and assemble one fused block",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		LayersFused: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "layers_fused_total",
			Help:      "Decoder layers turned into fused blocks",
		}, []string{"arch"}),
		LayersSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "layers_skipped_total",
			Help:      "Layers left out of the fused model, by layer kind",
		}, []string{"kind"}),
		PlanGroups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plan_groups_total",
			Help:      "Scaling groups emitted, by input key",
		}, []string{"input_key"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveFusion(arch string, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.FusionRuns.WithLabelValues(arch, result).Inc()
	m.FusionDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveBlock(arch string, d time.Duration) {
	if m == nil {
		return
	}
	m.LayersFused.WithLabelValues(arch).Inc()
	m.BlockDuration.Observe(d.Seconds())
}

func (m *Metrics) SkippedLayer(kind string) {
	if m == nil {
		return
	}
	m.LayersSkipped.WithLabelValues(kind).Inc()
}

func (m *Metrics) PlannedGroup(inputKey string) {
	if m == nil {
		return
	}
	m.PlanGroups.WithLabelValues(inputKey).Inc()
}
