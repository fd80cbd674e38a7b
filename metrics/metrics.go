// Package metrics holds the Prometheus collectors of the cache.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "swcache"

// Outcome labels of a strategy execution.
const (
	OutcomeHit      = "hit"
	OutcomeNetwork  = "network"
	OutcomeFallback = "fallback"
	OutcomeError    = "error"
)

type Metrics struct {
	Strategy         *prometheus.CounterVec
	ContentUpdated   prometheus.Counter
	Revalidations    *prometheus.CounterVec
	InstallResources *prometheus.CounterVec
	Push             *prometheus.CounterVec
	Bypassed         *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
// A nil registerer leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Strategy: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "strategy_total",
			Help:      "Requests handled per caching strategy and outcome.",
		}, []string{"strategy", "outcome"}),
		ContentUpdated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "content_updated_total",
			Help:      "CONTENT_UPDATED broadcasts sent to clients.",
		}),
		Revalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "revalidations_total",
			Help:      "Background revalidations by result.",
		}, []string{"result"}),
		InstallResources: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "install_resources_total",
			Help:      "Manifest resources fetched at install time by result.",
		}, []string{"result"}),
		Push: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_total",
			Help:      "Push events by result.",
		}, []string{"result"}),
		Bypassed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bypassed_total",
			Help:      "Requests forwarded without caching by reason.",
		}, []string{"reason"}),
	}
	if reg != nil {
		reg.MustRegister(m.Strategy, m.ContentUpdated, m.Revalidations, m.InstallResources, m.Push, m.Bypassed)
	}
	return m
}
