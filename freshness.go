package edgemesh

import "time"

// FreshnessThresholds holds the heartbeat-age cutoffs for liveness classification.
type FreshnessThresholds struct {
	// HealthyMs is the maximum heartbeat age for a node to stay healthy.
	HealthyMs int64
	// DegradedMs is the maximum heartbeat age before a node is offline.
	DegradedMs int64
}

// DefaultFreshness returns the standard 10s/30s cutoffs.
func DefaultFreshness() FreshnessThresholds {
	return FreshnessThresholds{
		HealthyMs:  (10 * time.Second).Milliseconds(),
		DegradedMs: (30 * time.Second).Milliseconds(),
	}
}

// EvalFreshness classifies a node's liveness from its last heartbeat and the
// current wall-time. It is a pure function: no heartbeat is offline, a
// heartbeat older than the degraded cutoff is offline, older than the healthy
// cutoff is degraded, and a fresh heartbeat inherits the node's self-report.
func EvalFreshness(hb *Heartbeat, nowMs int64, th FreshnessThresholds) Freshness {
	if hb == nil {
		return FreshOffline
	}
	age := nowMs - hb.TsMs
	switch {
	case age > th.DegradedMs:
		return FreshOffline
	case age > th.HealthyMs:
		return FreshDegraded
	case hb.Status == FreshDegraded:
		return FreshDegraded
	default:
		return FreshHealthy
	}
}
