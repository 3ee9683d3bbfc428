package guard

import "github.com/prometheus/client_golang/prometheus"

// Metrics are shared by every Guard in the process. Create them once.
type Metrics struct {
	takeovers     prometheus.Counter
	reclaims      prometheus.Counter
	claimFailures *prometheus.CounterVec
	blocked       prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		takeovers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "anatoplus",
			Subsystem: "guard",
			Name:      "takeovers",
			Help:      "Number of times a device found its session claimed by another device",
		}),
		reclaims: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "anatoplus",
			Subsystem: "guard",
			Name:      "reclaims",
			Help:      "Number of successful reclaims",
		}),
		claimFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "anatoplus",
			Subsystem: "guard",
			Name:      "claim_failures",
			Help:      "Number of failed claim writes and subscriptions",
		}, []string{"op"}),
		blocked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "anatoplus",
			Subsystem: "guard",
			Name:      "blocked_devices",
			Help:      "Number of devices currently showing the active-elsewhere interstitial",
		}),
	}
	return m
}

func (m *Metrics) Register() {
	prometheus.MustRegister(m.takeovers, m.reclaims, m.claimFailures, m.blocked)
}

func (m *Metrics) Unregister() {
	prometheus.Unregister(m.takeovers)
	prometheus.Unregister(m.reclaims)
	prometheus.Unregister(m.claimFailures)
	prometheus.Unregister(m.blocked)
}

func (m *Metrics) onTransition(from, to State) {
	if m == nil || from == to {
		return
	}
	if to == StateBlocked {
		m.blocked.Inc()
		if from == StateActive || from == StateReclaiming {
			m.takeovers.Inc()
		}
	}
	if from == StateBlocked {
		m.blocked.Dec()
	}
}

func (m *Metrics) onReclaim() {
	if m == nil {
		return
	}
	m.reclaims.Inc()
}

func (m *Metrics) onFailure(op string) {
	if m == nil {
		return
	}
	m.claimFailures.WithLabelValues(op).Inc()
}
