package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistered(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.Strategy.WithLabelValues("cache-first", OutcomeHit).Inc()
	m.ContentUpdated.Inc()
	m.Bypassed.WithLabelValues("method").Add(2)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.Strategy.WithLabelValues("cache-first", OutcomeHit)))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.Bypassed.WithLabelValues("method")))

	families, err := registry.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "swcache_strategy_total")
	assert.Contains(t, names, "swcache_content_updated_total")
}

func TestUnregistered(t *testing.T) {
	// two unregistered sets do not collide
	a, b := New(nil), New(nil)
	a.Push.WithLabelValues("shown").Inc()

	assert.Equal(t, float64(1), testutil.ToFloat64(a.Push.WithLabelValues("shown")))
	assert.Equal(t, float64(0), testutil.ToFloat64(b.Push.WithLabelValues("shown")))
}
