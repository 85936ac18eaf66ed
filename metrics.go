package vera

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts adapter lifecycle events. A nil *Metrics is valid and
// records nothing, so layers and models never need to check for it.
type Metrics struct {
	attaches        *prometheus.CounterVec
	merges          *prometheus.CounterVec
	unmerges        prometheus.Counter
	mergeRejections *prometheus.CounterVec
	warnings        *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
// Pass prometheus.DefaultRegisterer to expose them process-wide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		attaches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "vera",
				Subsystem: "adapter",
				Name:      "attached_layers_total",
				Help:      "Total number of layers an adapter was attached to",
			},
			[]string{"kind"},
		),
		merges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "vera",
				Subsystem: "adapter",
				Name:      "merges_total",
				Help:      "Total number of adapter corrections merged into base weights",
			},
			[]string{"mode"},
		),
		unmerges: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "vera",
				Subsystem: "adapter",
				Name:      "unmerges_total",
				Help:      "Total number of adapter corrections removed from base weights",
			},
		),
		mergeRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "vera",
				Subsystem: "adapter",
				Name:      "safe_merge_rejections_total",
				Help:      "Total safe merges rejected because of non-finite values",
			},
			[]string{"adapter"},
		),
		warnings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "vera",
				Subsystem: "adapter",
				Name:      "state_warnings_total",
				Help:      "Total non-fatal state warnings",
			},
			[]string{"warning"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.attaches, m.merges, m.unmerges, m.mergeRejections, m.warnings)
	}
	return m
}

func (m *Metrics) attached(kind LayerKind) {
	if m != nil {
		m.attaches.WithLabelValues(kind.String()).Inc()
	}
}

func (m *Metrics) merged(safe bool) {
	if m == nil {
		return
	}
	mode := "unsafe"
	if safe {
		mode = "safe"
	}
	m.merges.WithLabelValues(mode).Inc()
}

func (m *Metrics) unmerged() {
	if m != nil {
		m.unmerges.Inc()
	}
}

func (m *Metrics) rejected(adapter string) {
	if m != nil {
		m.mergeRejections.WithLabelValues(adapter).Inc()
	}
}

func (m *Metrics) warned(kind WarningKind) {
	if m != nil {
		m.warnings.WithLabelValues(string(kind)).Inc()
	}
}

// MergeRejections exposes the rejection counter, mainly for tests.
func (m *Metrics) MergeRejections() *prometheus.CounterVec { return m.mergeRejections }

// Warnings exposes the warning counter, mainly for tests.
func (m *Metrics) Warnings() *prometheus.CounterVec { return m.warnings }
