package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the automation engine's prometheus series. A nil
// *Collector is valid and records nothing.
type Collector struct {
	registry       *prometheus.Registry
	ruleExecutions *prometheus.CounterVec
	actionResults  *prometheus.CounterVec
	ruleDuration   *prometheus.HistogramVec
	scheduled      prometheus.Counter
	rateLimitDrops *prometheus.CounterVec
	entityEvents   *prometheus.CounterVec
}

// New registers the collectors on reg; nil creates a private registry.
func New(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	f := promauto.With(reg)
	return &Collector{
		registry: reg,
		ruleExecutions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crmflow_rule_executions_total",
			Help: "Rule invocations by trigger and final status.",
		}, []string{"trigger", "status", "dry_run"}),
		actionResults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crmflow_action_results_total",
			Help: "Dispatched actions by kind and outcome.",
		}, []string{"action", "outcome"}),
		ruleDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crmflow_rule_duration_seconds",
			Help:    "Wall time of one rule pass, excluding parked delays.",
			Buckets: prometheus.DefBuckets,
		}, []string{"trigger"}),
		scheduled: f.NewCounter(prometheus.CounterOpts{
			Name: "crmflow_scheduled_continuations_total",
			Help: "Rule continuations parked on the delay queue.",
		}),
		rateLimitDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crmflow_ratelimit_drops_total",
			Help: "Requests rejected with 429 by limiter prefix.",
		}, []string{"prefix"}),
		entityEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crmflow_entity_events_total",
			Help: "Entity change events received by entity type and action.",
		}, []string{"entity_type", "action"}),
	}
}

func (c *Collector) ObserveRule(trigger, status string, dryRun bool, d time.Duration) {
	if c == nil {
		return
	}
	dr := "false"
	if dryRun {
		dr = "true"
	}
	c.ruleExecutions.WithLabelValues(trigger, status, dr).Inc()
	c.ruleDuration.WithLabelValues(trigger).Observe(d.Seconds())
}

func (c *Collector) ObserveAction(action, outcome string) {
	if c == nil {
		return
	}
	c.actionResults.WithLabelValues(action, outcome).Inc()
}

func (c *Collector) IncScheduled() {
	if c == nil {
		return
	}
	c.scheduled.Inc()
}

// IncRateLimitDrop increments drop counters for the given prefix.
// Use prefix "global" for global limiter rejections.
func (c *Collector) IncRateLimitDrop(prefix string) {
	if c == nil {
		return
	}
	if prefix == "" {
		prefix = "global"
	}
	c.rateLimitDrops.WithLabelValues(prefix).Inc()
}

func (c *Collector) IncEntityEvent(entityType, action string) {
	if c == nil {
		return
	}
	c.entityEvents.WithLabelValues(entityType, action).Inc()
}

// Registry exposes the underlying registry for tests and extra collectors.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
