package edgemesh

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEvalFreshness(t *testing.T) {
	th := FreshnessThresholds{HealthyMs: 10_000, DegradedMs: 30_000}
	now := int64(1_000_000)

	tests := []struct {
		name string
		hb   *Heartbeat
		want Freshness
	}{
		{"no heartbeat", nil, FreshOffline},
		{"fresh healthy", &Heartbeat{TsMs: now - 1000, Status: FreshHealthy}, FreshHealthy},
		{"fresh but self-reported degraded", &Heartbeat{TsMs: now - 1000, Status: FreshDegraded}, FreshDegraded},
		{"past healthy cutoff", &Heartbeat{TsMs: now - 15_000, Status: FreshHealthy}, FreshDegraded},
		{"past degraded cutoff", &Heartbeat{TsMs: now - 31_000, Status: FreshHealthy}, FreshOffline},
		{"exactly at healthy cutoff", &Heartbeat{TsMs: now - 10_000, Status: FreshHealthy}, FreshHealthy},
		{"exactly at degraded cutoff", &Heartbeat{TsMs: now - 30_000, Status: FreshHealthy}, FreshDegraded},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, EvalFreshness(tc.hb, now, th))
		})
	}
}

func TestDefaultFreshness(t *testing.T) {
	th := DefaultFreshness()
	require.Equal(t, int64(10_000), th.HealthyMs)
	require.Equal(t, int64(30_000), th.DegradedMs)
}
