// Package metrics exposes the proxy's target status as Prometheus gauges,
// turning the status half of the orchestrator's event stream into
// something scrapeable.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ghrunner/broker-proxy/internal/events"
)

// Collector implements events.Listener, updating Prometheus gauges/counters
// as status-update, job-received, and error events arrive.
type Collector struct {
	sessionActive *prometheus.GaugeVec
	jobsAssigned  *prometheus.GaugeVec
	jobsReceived  *prometheus.CounterVec
	targetErrors  *prometheus.CounterVec
}

// NewCollector creates a Collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		sessionActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "brokerproxy",
			Name:      "target_session_active",
			Help:      "Whether the upstream session for a target is currently active (1) or not (0).",
		}, []string{"target_id"}),
		jobsAssigned: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "brokerproxy",
			Name:      "target_jobs_assigned",
			Help:      "Number of jobs currently tracked as assigned for a target.",
		}, []string{"target_id"}),
		jobsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "brokerproxy",
			Name:      "jobs_received_total",
			Help:      "Total number of jobs claimed from upstream, by target.",
		}, []string{"target_id"}),
		targetErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "brokerproxy",
			Name:      "target_errors_total",
			Help:      "Total number of non-fatal errors observed for a target.",
		}, []string{"target_id"}),
	}

	reg.MustRegister(c.sessionActive, c.jobsAssigned, c.jobsReceived, c.targetErrors)
	return c
}

// StatusUpdate implements events.Listener.
func (c *Collector) StatusUpdate(status []events.TargetStatus) {
	for _, s := range status {
		active := 0.0
		if s.SessionActive {
			active = 1.0
		}
		c.sessionActive.WithLabelValues(s.TargetID).Set(active)
		c.jobsAssigned.WithLabelValues(s.TargetID).Set(float64(s.JobsAssigned))
	}
}

// JobReceived implements events.Listener.
func (c *Collector) JobReceived(targetID, jobID string) {
	c.jobsReceived.WithLabelValues(targetID).Inc()
}

// Error implements events.Listener.
func (c *Collector) Error(targetID string, err error) {
	c.targetErrors.WithLabelValues(targetID).Inc()
}

var _ events.Listener = (*Collector)(nil)
