package orchestration

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"toolswitch-bot/backend/internal/detect"
)

const namespace = "toolswitch"

// Metrics are the Prometheus collectors for the orchestration engine
type Metrics struct {
	detections  *prometheus.CounterVec
	confidence  prometheus.Histogram
	switches    *prometheus.CounterVec
	extensions  *prometheus.CounterVec
	returns     prometheus.Counter
	expirations *prometheus.CounterVec
	ruleUpdates *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered, which is what tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detections_total",
			Help:      "Messages classified, by selected tool and outcome.",
		}, []string{"tool", "outcome"}),
		confidence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "detection_confidence",
			Help:      "Confidence of messages that matched at least one tool.",
			Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
		}),
		switches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "switches_total",
			Help:      "Tool switches, by tool and trigger.",
		}, []string{"tool", "trigger"}),
		extensions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extensions_total",
			Help:      "Successful timeout extensions, by tool.",
		}, []string{"tool"}),
		returns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "manual_returns_total",
			Help:      "Sessions ended with return_to_default.",
		}),
		expirations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expirations_total",
			Help:      "Sessions reverted by their timer, by tool.",
		}, []string{"tool"}),
		ruleUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sensitivity_updates_total",
			Help:      "Sensitivity rule edits, by target and result.",
		}, []string{"target", "result"}),
	}
	if reg != nil {
		reg.MustRegister(m.detections, m.confidence, m.switches, m.extensions, m.returns, m.expirations, m.ruleUpdates)
	}
	return m
}

// RegisterActive exposes live session and timer counts as gauges
func (m *Metrics) RegisterActive(reg prometheus.Registerer, sessions, timers func() int) {
	if reg == nil {
		return
	}
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Entities currently routed to a non-default tool.",
		}, func() float64 { return float64(sessions()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_timers",
			Help:      "Armed session timeout timers.",
		}, func() float64 { return float64(timers()) }),
	)
}

func (m *Metrics) observeDetection(res detect.Result) {
	if m == nil {
		return
	}
	tool := string(res.Tool)
	if tool == "" {
		tool = "none"
	}
	m.detections.WithLabelValues(tool, outcome(res.Reason)).Inc()
	if res.Confidence > 0 {
		m.confidence.Observe(res.Confidence)
	}
}

func (m *Metrics) observeSwitch(tool, trigger string) {
	if m != nil {
		m.switches.WithLabelValues(tool, trigger).Inc()
	}
}

func (m *Metrics) observeExtension(tool string) {
	if m != nil {
		m.extensions.WithLabelValues(tool).Inc()
	}
}

func (m *Metrics) observeReturn() {
	if m != nil {
		m.returns.Inc()
	}
}

func (m *Metrics) observeExpiry(tool string) {
	if m != nil {
		m.expirations.WithLabelValues(tool).Inc()
	}
}

func (m *Metrics) observeRuleUpdate(target string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "rejected"
	}
	m.ruleUpdates.WithLabelValues(target, result).Inc()
}

// outcome folds a detection reason into a low-cardinality label
func outcome(reason string) string {
	switch {
	case strings.HasPrefix(reason, detect.ReasonBelowThreshold):
		return "below_threshold"
	case reason == "":
		return "unknown"
	default:
		return strings.ReplaceAll(reason, " ", "_")
	}
}
