package edgemesh

import (
	"context"
	"net/http"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes scheduler observability as Prometheus collectors. Event
// counters increment synchronously in the bus emit path; gauges are refreshed
// from Store state on demand.
type Metrics struct {
	reg *prometheus.Registry

	eventsTotal   *prometheus.CounterVec
	requestsTotal *prometheus.CounterVec
	busCounters   *prometheus.GaugeVec

	tasksByStatus  *prometheus.GaugeVec
	nodesByFresh   *prometheus.GaugeVec
	dlqDepth       prometheus.Gauge
	busSubscribers prometheus.Gauge
}

// NewMetrics builds the collector set on a fresh registry and hooks the event
// counter into the bus.
func NewMetrics(bus *EventBus) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edgemesh_events_total",
			Help: "Scheduler events by type.",
		}, []string{"type"}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edgemesh_requests_total",
			Help: "API requests by surface.",
		}, []string{"surface"}),
		busCounters: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "edgemesh_bus_counter",
			Help: "Named event-bus counters (request rate, late results), mirrored on refresh.",
		}, []string{"name"}),
		tasksByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "edgemesh_tasks",
			Help: "Tasks by status.",
		}, []string{"status"}),
		nodesByFresh: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "edgemesh_nodes",
			Help: "Registered nodes by freshness state.",
		}, []string{"freshness"}),
		dlqDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "edgemesh_dlq_depth",
			Help: "Dead-letter entries awaiting inspection or replay.",
		}),
		busSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "edgemesh_bus_subscribers",
			Help: "Live event-stream subscribers.",
		}),
	}
	m.reg.MustRegister(
		m.eventsTotal, m.requestsTotal, m.busCounters,
		m.tasksByStatus, m.nodesByFresh, m.dlqDepth, m.busSubscribers,
		collectors.NewGoCollector(),
	)
	bus.Hook(func(ev Event) {
		m.eventsTotal.WithLabelValues(ev.Type).Inc()
	})
	return m
}

// CountRequest increments the per-surface request counter.
func (m *Metrics) CountRequest(surface string) {
	m.requestsTotal.WithLabelValues(surface).Inc()
}

// Refresh recomputes the Store-derived gauges and mirrors the bus counters.
func (m *Metrics) Refresh(ctx context.Context, store Store, bus *EventBus) error {
	tasks, err := store.ListTasks(ctx, nil)
	if err != nil {
		return err
	}
	byStatus := map[Status]int{}
	for _, t := range tasks {
		byStatus[t.Status]++
	}
	for _, st := range AllStatuses {
		m.tasksByStatus.WithLabelValues(st.String()).Set(float64(byStatus[st]))
	}

	nodes, err := store.ListNodes(ctx)
	if err != nil {
		return err
	}
	byFresh := map[Freshness]int{}
	for _, n := range nodes {
		byFresh[n.Fresh]++
	}
	for _, f := range []Freshness{FreshHealthy, FreshDegraded, FreshOffline} {
		m.nodesByFresh.WithLabelValues(f.String()).Set(float64(byFresh[f]))
	}

	dlq, err := store.ListDlq(ctx)
	if err != nil {
		return err
	}
	m.dlqDepth.Set(float64(len(dlq)))
	m.busSubscribers.Set(float64(bus.Subscribers()))
	for name, v := range bus.Counters() {
		m.busCounters.WithLabelValues(name).Set(float64(v))
	}
	return nil
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// ClaimLatency summarizes enqueue-to-claim latencies over the event ring.
type ClaimLatency struct {
	Count int     `json:"count"`
	MinMs int64   `json:"min_ms"`
	MaxMs int64   `json:"max_ms"`
	AvgMs float64 `json:"avg_ms"`
	P50Ms int64   `json:"p50_ms"`
	P95Ms int64   `json:"p95_ms"`
}

// RunSummary is the aggregate snapshot served by the runs.summary surface.
type RunSummary struct {
	SchemaVersion string            `json:"schema_version"`
	Tasks         map[string]int    `json:"tasks"`
	Nodes         map[string]int    `json:"nodes"`
	DlqDepth      int               `json:"dlq_depth"`
	ClaimLatency  ClaimLatency      `json:"claim_latency"`
	Counters      map[string]uint64 `json:"counters"`
}

// Summarize assembles a RunSummary from Store state and the bus ring.
// Claim latency pairs task.enqueued with task.claimed by task id; only pairs
// still inside the bounded ring are measured.
func Summarize(ctx context.Context, store Store, bus *EventBus) (*RunSummary, error) {
	sum := &RunSummary{
		SchemaVersion: SchemaVersion,
		Tasks:         map[string]int{},
		Nodes:         map[string]int{},
		Counters:      bus.Counters(),
	}

	tasks, err := store.ListTasks(ctx, nil)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		sum.Tasks[t.Status.String()]++
	}
	nodes, err := store.ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	for _, n := range nodes {
		sum.Nodes[n.Fresh.String()]++
	}
	dlq, err := store.ListDlq(ctx)
	if err != nil {
		return nil, err
	}
	sum.DlqDepth = len(dlq)
	sum.ClaimLatency = claimLatency(bus.Recent(0))
	return sum, nil
}

func claimLatency(events []Event) ClaimLatency {
	enqueued := map[string]int64{}
	var lat []int64
	for _, ev := range events {
		switch ev.Type {
		case EventTaskEnqueued:
			// The latest enqueue wins; a replay re-emits and restarts the pair.
			enqueued[ev.TaskID] = ev.AtMs
		case EventTaskClaimed:
			if at, ok := enqueued[ev.TaskID]; ok {
				lat = append(lat, ev.AtMs-at)
				delete(enqueued, ev.TaskID)
			}
		}
	}
	if len(lat) == 0 {
		return ClaimLatency{}
	}
	sort.Slice(lat, func(i, j int) bool { return lat[i] < lat[j] })
	var total int64
	for _, v := range lat {
		total += v
	}
	pct := func(p float64) int64 {
		idx := int(p * float64(len(lat)-1))
		return lat[idx]
	}
	return ClaimLatency{
		Count: len(lat),
		MinMs: lat[0],
		MaxMs: lat[len(lat)-1],
		AvgMs: float64(total) / float64(len(lat)),
		P50Ms: pct(0.50),
		P95Ms: pct(0.95),
	}
}
