// Package metrics exposes Prometheus instruments for moderated sessions.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Collector records moderator activity. A nil *Collector is valid and
// records nothing.
type Collector struct {
	actionsTotal      *prometheus.CounterVec
	turnsTotal        prometheus.Counter
	sessionsTotal     *prometheus.CounterVec
	handshakeDuration prometheus.Histogram
	awakeAgents       prometheus.Gauge

	logger *zap.Logger
}

// NewCollector creates the instruments and registers them with reg
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) (*Collector, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.actionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Agent actions dequeued by the moderator, excluding none",
		},
		[]string{"action_type"},
	)
	c.turnsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "turns_total",
		Help:      "Transcript entries recorded",
	})
	c.sessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Sessions finished, by outcome",
		},
		[]string{"outcome"},
	)
	c.handshakeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "handshake_duration_seconds",
		Help:      "Time from first boot ping until every agent was awake",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
	})
	c.awakeAgents = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "awake_agents",
		Help:      "Participants currently marked awake",
	})

	for _, col := range []prometheus.Collector{
		c.actionsTotal, c.turnsTotal, c.sessionsTotal, c.handshakeDuration, c.awakeAgents,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// RecordAction counts a dequeued action other than none
func (c *Collector) RecordAction(actionType string) {
	if c == nil {
		return
	}
	c.actionsTotal.WithLabelValues(actionType).Inc()
}

// RecordTurn counts a transcript entry
func (c *Collector) RecordTurn() {
	if c == nil {
		return
	}
	c.turnsTotal.Inc()
}

// RecordSession counts a finished session
func (c *Collector) RecordSession(outcome string) {
	if c == nil {
		return
	}
	c.sessionsTotal.WithLabelValues(outcome).Inc()
	c.logger.Debug("session recorded", zap.String("outcome", outcome))
}

// ObserveHandshake records how long the boot handshake took
func (c *Collector) ObserveHandshake(d time.Duration) {
	if c == nil {
		return
	}
	c.handshakeDuration.Observe(d.Seconds())
}

// SetAwake sets the number of awake participants
func (c *Collector) SetAwake(n int) {
	if c == nil {
		return
	}
	c.awakeAgents.Set(float64(n))
}
