package memstore

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	edgemesh "github.com/edgemesh/edgemesh-go"
)

type fakeClock struct {
	mu sync.Mutex
	ms int64
}

func (c *fakeClock) NowMs() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ms
}

func (c *fakeClock) Advance(ms int64) {
	c.mu.Lock()
	c.ms += ms
	c.mu.Unlock()
}

func newStore(t *testing.T, cfg edgemesh.StoreConfig) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{ms: 1_000_000}
	cfg.Clock = clock
	return New(cfg), clock
}

func healthyNode(t *testing.T, s *Store, clock *fakeClock, id string, tags []string, maxConc int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.UpsertNode(ctx, &edgemesh.Node{ID: id, Tags: tags, MaxConcurrentTasks: maxConc, Trusted: true}))
	require.NoError(t, s.SetHeartbeat(ctx, id, edgemesh.Heartbeat{TsMs: clock.NowMs(), Status: edgemesh.FreshHealthy}))
}

func queuedTask(id string, createdAt int64) *edgemesh.Task {
	return &edgemesh.Task{ID: id, Kind: "job", CreatedAt: createdAt, MaxAttempts: 3, Status: edgemesh.StatusQueued}
}

func TestUpsertNode_PreservesFlagsAndHeartbeat(t *testing.T) {
	s, clock := newStore(t, edgemesh.StoreConfig{})
	ctx := context.Background()
	healthyNode(t, s, clock, "n", []string{"linux"}, 2)

	draining := true
	require.NoError(t, s.SetNodeDrain(ctx, "n", draining))

	// Re-registration replaces capabilities only.
	require.NoError(t, s.UpsertNode(ctx, &edgemesh.Node{ID: "n", Tags: []string{"linux", "gpu"}, MaxConcurrentTasks: 4, Trusted: true}))
	n, err := s.GetNode(ctx, "n")
	require.NoError(t, err)
	require.Equal(t, []string{"linux", "gpu"}, n.Tags)
	require.Equal(t, 4, n.MaxConcurrentTasks)
	require.True(t, n.Draining)
	require.NotNil(t, n.LastHeartbeat)
	require.Equal(t, edgemesh.FreshHealthy, n.Fresh)
}

func TestNodeOps_UnknownNode(t *testing.T) {
	s, _ := newStore(t, edgemesh.StoreConfig{})
	ctx := context.Background()

	require.ErrorIs(t, s.SetHeartbeat(ctx, "nope", edgemesh.Heartbeat{}), edgemesh.ErrUnknownNode)
	require.ErrorIs(t, s.SetNodeDrain(ctx, "nope", true), edgemesh.ErrUnknownNode)
	require.ErrorIs(t, s.SetNodeTrust(ctx, "nope", edgemesh.TrustUpdate{}), edgemesh.ErrUnknownNode)
	_, err := s.GetNode(ctx, "nope")
	require.ErrorIs(t, err, edgemesh.ErrUnknownNode)
}

func TestClaimTask_NodeGates(t *testing.T) {
	s, clock := newStore(t, edgemesh.StoreConfig{})
	ctx := context.Background()
	require.NoError(t, s.EnqueueTask(ctx, queuedTask("t", clock.NowMs())))

	// Unknown node claims nothing.
	got, err := s.ClaimTask(ctx, "ghost")
	require.NoError(t, err)
	require.Nil(t, got)

	// No heartbeat: offline.
	require.NoError(t, s.UpsertNode(ctx, &edgemesh.Node{ID: "n", MaxConcurrentTasks: 1, Trusted: true}))
	got, err = s.ClaimTask(ctx, "n")
	require.NoError(t, err)
	require.Nil(t, got)

	require.NoError(t, s.SetHeartbeat(ctx, "n", edgemesh.Heartbeat{TsMs: clock.NowMs()}))

	// Untrusted.
	trusted := false
	require.NoError(t, s.SetNodeTrust(ctx, "n", edgemesh.TrustUpdate{Trusted: &trusted}))
	got, err = s.ClaimTask(ctx, "n")
	require.NoError(t, err)
	require.Nil(t, got)
	trusted = true
	require.NoError(t, s.SetNodeTrust(ctx, "n", edgemesh.TrustUpdate{Trusted: &trusted}))

	// Draining.
	require.NoError(t, s.SetNodeDrain(ctx, "n", true))
	got, err = s.ClaimTask(ctx, "n")
	require.NoError(t, err)
	require.Nil(t, got)
	require.NoError(t, s.SetNodeDrain(ctx, "n", false))

	// Revoked.
	revoked := true
	require.NoError(t, s.SetNodeTrust(ctx, "n", edgemesh.TrustUpdate{Revoked: &revoked}))
	got, err = s.ClaimTask(ctx, "n")
	require.NoError(t, err)
	require.Nil(t, got)
	revoked = false
	require.NoError(t, s.SetNodeTrust(ctx, "n", edgemesh.TrustUpdate{Revoked: &revoked}))

	// All gates pass.
	got, err = s.ClaimTask(ctx, "n")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, edgemesh.StatusClaimed, got.Status)
	require.Equal(t, "n", got.AssignedNodeID)
	require.Equal(t, 1, got.Attempt)
	require.Equal(t, clock.NowMs(), got.ClaimedAtMs)
}

func TestClaimTask_RetryAfterGate(t *testing.T) {
	s, clock := newStore(t, edgemesh.StoreConfig{})
	ctx := context.Background()
	healthyNode(t, s, clock, "n", nil, 1)

	task := queuedTask("t", clock.NowMs())
	task.RetryAfterMs = clock.NowMs() + 500
	require.NoError(t, s.EnqueueTask(ctx, task))

	got, err := s.ClaimTask(ctx, "n")
	require.NoError(t, err)
	require.Nil(t, got)

	clock.Advance(501)
	require.NoError(t, s.SetHeartbeat(ctx, "n", edgemesh.Heartbeat{TsMs: clock.NowMs()}))
	got, err = s.ClaimTask(ctx, "n")
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestClaimTask_LeaseRecoveryPreservesAttempt(t *testing.T) {
	s, clock := newStore(t, edgemesh.StoreConfig{ClaimTTLMs: 100})
	ctx := context.Background()
	healthyNode(t, s, clock, "n", nil, 1)
	require.NoError(t, s.EnqueueTask(ctx, queuedTask("t", clock.NowMs())))

	got, err := s.ClaimTask(ctx, "n")
	require.NoError(t, err)
	require.Equal(t, 1, got.Attempt)

	clock.Advance(150)
	require.NoError(t, s.SetHeartbeat(ctx, "n", edgemesh.Heartbeat{TsMs: clock.NowMs()}))

	// The expired lease is recovered and the task re-claimed; the attempt
	// counter carries forward.
	got, err = s.ClaimTask(ctx, "n")
	require.NoError(t, err)
	require.Equal(t, "t", got.ID)
	require.Equal(t, 2, got.Attempt)
}

func TestClaimTask_RunningTasksAreNotLeaseRecovered(t *testing.T) {
	s, clock := newStore(t, edgemesh.StoreConfig{ClaimTTLMs: 100})
	ctx := context.Background()
	healthyNode(t, s, clock, "n", nil, 2)
	require.NoError(t, s.EnqueueTask(ctx, queuedTask("t", clock.NowMs())))

	_, err := s.ClaimTask(ctx, "n")
	require.NoError(t, err)
	require.NoError(t, s.SetTaskStatus(ctx, "t", edgemesh.StatusRunning))

	clock.Advance(150)
	require.NoError(t, s.SetHeartbeat(ctx, "n", edgemesh.Heartbeat{TsMs: clock.NowMs()}))
	got, err := s.ClaimTask(ctx, "n")
	require.NoError(t, err)
	require.Nil(t, got)

	task, err := s.GetTask(ctx, "t")
	require.NoError(t, err)
	require.Equal(t, edgemesh.StatusRunning, task.Status)
}

func TestSetTaskStatus_ClearsClaimFieldsOnTerminal(t *testing.T) {
	s, clock := newStore(t, edgemesh.StoreConfig{})
	ctx := context.Background()
	healthyNode(t, s, clock, "n", nil, 1)
	require.NoError(t, s.EnqueueTask(ctx, queuedTask("t", clock.NowMs())))

	_, err := s.ClaimTask(ctx, "n")
	require.NoError(t, err)
	require.NoError(t, s.SetTaskStatus(ctx, "t", edgemesh.StatusRunning))

	task, err := s.GetTask(ctx, "t")
	require.NoError(t, err)
	require.NotZero(t, task.ClaimedAtMs)
	require.Equal(t, "n", task.AssignedNodeID)

	require.NoError(t, s.SetTaskStatus(ctx, "t", edgemesh.StatusDone))
	task, err = s.GetTask(ctx, "t")
	require.NoError(t, err)
	require.Zero(t, task.ClaimedAtMs)
	require.Empty(t, task.AssignedNodeID)
}

func TestRequeueForRetry(t *testing.T) {
	s, clock := newStore(t, edgemesh.StoreConfig{})
	ctx := context.Background()
	healthyNode(t, s, clock, "n", nil, 1)
	require.NoError(t, s.EnqueueTask(ctx, queuedTask("t", clock.NowMs())))

	// Only claimed/running tasks can be requeued.
	require.ErrorIs(t, s.RequeueForRetry(ctx, "t", 0), edgemesh.ErrTaskNotClaimable)

	_, err := s.ClaimTask(ctx, "n")
	require.NoError(t, err)

	gate := clock.NowMs() + 250
	require.NoError(t, s.RequeueForRetry(ctx, "t", gate))
	task, err := s.GetTask(ctx, "t")
	require.NoError(t, err)
	require.Equal(t, edgemesh.StatusQueued, task.Status)
	require.Equal(t, 1, task.Attempt)
	require.Equal(t, gate, task.RetryAfterMs)
	require.Zero(t, task.ClaimedAtMs)
	require.Empty(t, task.AssignedNodeID)
}

func TestCancelTask(t *testing.T) {
	s, clock := newStore(t, edgemesh.StoreConfig{})
	ctx := context.Background()
	require.NoError(t, s.EnqueueTask(ctx, queuedTask("t", clock.NowMs())))

	ok, err := s.CancelTask(ctx, "t")
	require.NoError(t, err)
	require.True(t, ok)

	// Terminal: cancel reports false.
	ok, err = s.CancelTask(ctx, "t")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = s.CancelTask(ctx, "missing")
	require.ErrorIs(t, err, edgemesh.ErrTaskNotFound)
}

func TestTaskResult_WriteOnce(t *testing.T) {
	s, _ := newStore(t, edgemesh.StoreConfig{})
	ctx := context.Background()

	res := &edgemesh.TaskResult{TaskID: "t", NodeID: "n", OK: true}
	require.NoError(t, s.SetTaskResult(ctx, res))
	require.ErrorIs(t, s.SetTaskResult(ctx, res), edgemesh.ErrResultExists)

	got, err := s.GetTaskResult(ctx, "t")
	require.NoError(t, err)
	require.True(t, got.OK)

	_, err = s.GetTaskResult(ctx, "missing")
	require.ErrorIs(t, err, edgemesh.ErrTaskNotFound)
}

func TestDlq_ReplayResetsAttempt(t *testing.T) {
	s, clock := newStore(t, edgemesh.StoreConfig{})
	ctx := context.Background()
	task := queuedTask("t", clock.NowMs())
	task.Attempt = 3
	task.RetryAfterMs = clock.NowMs() + 1000
	require.NoError(t, s.EnqueueTask(ctx, task))
	require.NoError(t, s.SetTaskStatus(ctx, "t", edgemesh.StatusFailed))
	require.NoError(t, s.SetTaskResult(ctx, &edgemesh.TaskResult{TaskID: "t", NodeID: "n", OK: false, Error: "x"}))

	snap, err := s.GetTask(ctx, "t")
	require.NoError(t, err)
	require.NoError(t, s.EnqueueDlq(ctx, &edgemesh.DlqEntry{TaskID: "t", Task: snap, Reason: edgemesh.DlqMaxAttempts, EnqueuedAtMs: clock.NowMs()}))

	entries, err := s.ListDlq(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	restored, err := s.RequeueFromDlq(ctx, "t")
	require.NoError(t, err)
	require.Equal(t, edgemesh.StatusQueued, restored.Status)
	require.Zero(t, restored.Attempt)
	require.Zero(t, restored.RetryAfterMs)

	// The entry and the stale result are gone.
	_, err = s.GetDlqEntry(ctx, "t")
	require.ErrorIs(t, err, edgemesh.ErrDlqEntryNotFound)
	_, err = s.GetTaskResult(ctx, "t")
	require.ErrorIs(t, err, edgemesh.ErrTaskNotFound)

	_, err = s.RequeueFromDlq(ctx, "t")
	require.ErrorIs(t, err, edgemesh.ErrDlqEntryNotFound)
}

func TestEnqueueTask_Duplicate(t *testing.T) {
	s, clock := newStore(t, edgemesh.StoreConfig{})
	ctx := context.Background()
	require.NoError(t, s.EnqueueTask(ctx, queuedTask("t", clock.NowMs())))
	require.ErrorIs(t, s.EnqueueTask(ctx, queuedTask("t", clock.NowMs())), edgemesh.ErrDuplicateTask)
}

func TestListTasks_Filter(t *testing.T) {
	s, clock := newStore(t, edgemesh.StoreConfig{})
	ctx := context.Background()
	require.NoError(t, s.EnqueueTask(ctx, queuedTask("a", clock.NowMs())))
	require.NoError(t, s.EnqueueTask(ctx, queuedTask("b", clock.NowMs()+1)))

	all, err := s.ListTasks(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "a", all[0].ID)

	only, err := s.ListTasks(ctx, func(t *edgemesh.Task) bool { return t.ID == "b" })
	require.NoError(t, err)
	require.Len(t, only, 1)
	require.Equal(t, "b", only[0].ID)
}
