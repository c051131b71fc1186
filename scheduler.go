package edgemesh

import (
	"context"
	"fmt"
	"sync"
)

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	// Retry parameterizes the backoff policy; zero value means DefaultRetry.
	Retry RetryConfig
	// Clock supplies wall-time; nil means WallClock.
	Clock Clock
	// IDs mints task identifiers; nil means UUIDMinter.
	IDs IDMinter
	// Logger is used for lifecycle notices; nil means FmtLogger.
	Logger Logger
}

// Scheduler is the task lifecycle engine. It composes the Store, the retry
// policy, and the event bus into the operations producers, workers, and
// admins call. All authoritative state lives in the Store; the scheduler
// holds no caches.
//
// A single mutex serializes mutating operations with their event emission so
// that, within the process, task.enqueued for an id is always emitted before
// task.claimed for the same id.
type Scheduler struct {
	store Store
	bus   *EventBus
	cfg   SchedulerConfig
	mu    sync.Mutex
	log   Logger
}

// NewScheduler wires a Scheduler over a Store and an EventBus.
func NewScheduler(store Store, bus *EventBus, cfg SchedulerConfig) *Scheduler {
	if cfg.Retry == (RetryConfig{}) {
		cfg.Retry = DefaultRetry()
	}
	if cfg.Clock == nil {
		cfg.Clock = WallClock{}
	}
	if cfg.IDs == nil {
		cfg.IDs = UUIDMinter{}
	}
	if cfg.Logger == nil {
		cfg.Logger = NewFmtLogger()
	}
	return &Scheduler{store: store, bus: bus, cfg: cfg, log: cfg.Logger}
}

// Bus exposes the scheduler's event bus for subscribers.
func (s *Scheduler) Bus() *EventBus { return s.bus }

// Store exposes the underlying store for read surfaces.
func (s *Scheduler) Store() Store { return s.store }

func (s *Scheduler) emit(ev Event) {
	ev.AtMs = s.cfg.Clock.NowMs()
	s.bus.Emit(ev)
}

// RegisterNode creates or replaces a node. Requires a bootstrap or admin
// identity. New nodes start trusted; re-registration preserves heartbeat and
// trust flags.
func (s *Scheduler) RegisterNode(ctx context.Context, id Identity, nodeID string, tags []string, maxConcurrent int) (*Node, error) {
	s.bus.Inc("req.node.register")
	if id.Kind != IdentityBootstrap && !id.IsAdmin() {
		return nil, ErrNodeBootstrapDenied
	}
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	n := &Node{
		SchemaVersion:      SchemaVersion,
		ID:                 nodeID,
		Tags:               append([]string(nil), tags...),
		MaxConcurrentTasks: maxConcurrent,
		Trusted:            true,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.UpsertNode(ctx, n); err != nil {
		return nil, err
	}
	view, err := s.store.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	s.emit(Event{Type: EventNodeRegistered, NodeID: nodeID, Detail: map[string]any{"tags": tags}})
	return view, nil
}

// Heartbeat records a node liveness sample. The identity must match the node.
func (s *Scheduler) Heartbeat(ctx context.Context, id Identity, nodeID string, hb Heartbeat) error {
	s.bus.Inc("req.node.heartbeat")
	if id.Kind != IdentityNode {
		return ErrMissingNodeToken
	}
	if id.NodeID != nodeID {
		return ErrTokenNodeMismatch
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.store.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}
	if n.Revoked {
		return ErrNodeRevoked
	}
	hb.TsMs = s.cfg.Clock.NowMs()
	if hb.Status != FreshDegraded {
		hb.Status = FreshHealthy
	}
	if err := s.store.SetHeartbeat(ctx, nodeID, hb); err != nil {
		return err
	}
	s.emit(Event{Type: EventNodeHeartbeat, NodeID: nodeID, Detail: map[string]any{"load": hb.Load}})
	return nil
}

// Submit enqueues a task. Producer identities with a bound job token may only
// submit the bound task id; admin identities are unrestricted.
func (s *Scheduler) Submit(ctx context.Context, id Identity, kind string, payload map[string]any, opts ...SubmitOption) (*Task, error) {
	s.bus.Inc("req.task.submit")
	if id.Kind != IdentityProducer && !id.IsAdmin() {
		return nil, ErrMissingJobToken
	}

	cfg := &submitOptions{}
	for _, opt := range opts {
		opt(cfg)
	}
	taskID := cfg.id
	if taskID == "" {
		taskID = id.TaskID
	}
	if taskID == "" {
		taskID = s.cfg.IDs.NewID()
	}
	if id.Kind == IdentityProducer && id.TaskID != "" && id.TaskID != taskID {
		return nil, ErrTokenJobMismatch
	}
	maxAttempts := cfg.maxAttempts
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}

	t := &Task{
		SchemaVersion: SchemaVersion,
		ID:            taskID,
		Kind:          kind,
		Payload:       payload,
		TargetNodeID:  cfg.targetNodeID,
		RequiredTags:  cfg.requiredTags,
		Priority:      cfg.priority,
		CreatedAt:     s.cfg.Clock.NowMs(),
		MaxAttempts:   maxAttempts,
		TimeoutMs:     cfg.timeoutMs,
		Status:        StatusQueued,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.EnqueueTask(ctx, t); err != nil {
		return nil, err
	}
	s.emit(Event{Type: EventTaskEnqueued, TaskID: t.ID, Detail: map[string]any{"kind": kind, "priority": t.Priority}})
	return t.Clone(), nil
}

// Claim hands the node its next eligible task, or nil when nothing is
// claimable. The identity must match the node.
func (s *Scheduler) Claim(ctx context.Context, id Identity, nodeID string) (*Task, error) {
	s.bus.Inc("req.node.claim")
	if id.Kind != IdentityNode {
		return nil, ErrMissingNodeToken
	}
	if id.NodeID != nodeID {
		return nil, ErrTokenNodeMismatch
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.store.ClaimTask(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, nil
	}
	s.emit(Event{Type: EventTaskClaimed, TaskID: t.ID, NodeID: nodeID, Detail: map[string]any{"attempt": t.Attempt}})
	return t, nil
}

// Ack transitions a claimed task to running. Only the assigned node may ack,
// and only while the task is still claimed.
func (s *Scheduler) Ack(ctx context.Context, id Identity, taskID string) error {
	s.bus.Inc("req.task.ack")
	if id.Kind != IdentityNode {
		return ErrMissingNodeToken
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status != StatusClaimed {
		return ErrTaskNotClaimable
	}
	if t.AssignedNodeID != id.NodeID {
		return ErrTokenNodeMismatch
	}
	if err := s.store.SetTaskStatus(ctx, taskID, StatusRunning); err != nil {
		return err
	}
	s.emit(Event{Type: EventTaskRunning, TaskID: taskID, NodeID: id.NodeID})
	return nil
}

// Result records a task's terminal outcome. A failed outcome consults the
// retry policy: either the task re-queues after backoff, or it fails and
// dead-letters. Late results for tasks no longer claimed or running are
// ignored, counted, and logged.
func (s *Scheduler) Result(ctx context.Context, id Identity, res TaskResult) error {
	s.bus.Inc("req.task.result")
	if id.Kind != IdentityNode {
		return ErrMissingNodeToken
	}
	if res.NodeID != id.NodeID {
		return ErrTokenNodeMismatch
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.store.GetTask(ctx, res.TaskID)
	if err != nil {
		return err
	}
	if t.Status != StatusClaimed && t.Status != StatusRunning {
		// Late arrival: the task was cancelled, reaped, or its lease was
		// recovered. The scheduler ignores it rather than resurrecting state.
		s.bus.Inc("late_result_ignored")
		s.log.Warnf("ignoring late result: task=%s node=%s status=%s", res.TaskID, res.NodeID, t.Status)
		return nil
	}
	if t.AssignedNodeID != res.NodeID {
		return ErrTokenNodeMismatch
	}

	res.SchemaVersion = SchemaVersion
	res.FinishedAtMs = s.cfg.Clock.NowMs()

	if res.OK {
		if err := s.store.SetTaskStatus(ctx, res.TaskID, StatusDone); err != nil {
			return err
		}
		if err := s.store.SetTaskResult(ctx, &res); err != nil {
			return err
		}
		s.emit(Event{Type: EventTaskDone, TaskID: res.TaskID, NodeID: res.NodeID})
		return nil
	}

	return s.failLocked(ctx, t, &res, DlqMaxAttempts, map[string]any{"error": res.Error})
}

// failLocked applies the retry-or-DLQ decision for a failed attempt. The
// caller holds s.mu. detail is merged into the emitted task.failed event.
func (s *Scheduler) failLocked(ctx context.Context, t *Task, res *TaskResult, reason DlqReason, detail map[string]any) error {
	dec := ComputeRetry(t.Attempt, t.MaxAttempts, s.cfg.Retry)
	if detail == nil {
		detail = map[string]any{}
	}
	detail["attempt"] = t.Attempt
	detail["retrying"] = dec.Retry

	if dec.Retry {
		retryAfter := s.cfg.Clock.NowMs() + dec.DelayMs
		if err := s.store.RequeueForRetry(ctx, t.ID, retryAfter); err != nil {
			return err
		}
		detail["delay_ms"] = dec.DelayMs
		s.emit(Event{Type: EventTaskFailed, TaskID: t.ID, NodeID: t.AssignedNodeID, Detail: detail})
		return nil
	}

	nodeID := t.AssignedNodeID
	if err := s.store.SetTaskStatus(ctx, t.ID, StatusFailed); err != nil {
		return err
	}
	if err := s.store.SetTaskResult(ctx, res); err != nil {
		return err
	}
	snap, err := s.store.GetTask(ctx, t.ID)
	if err != nil {
		return err
	}
	entry := &DlqEntry{
		SchemaVersion: SchemaVersion,
		TaskID:        t.ID,
		Task:          snap,
		LastResult:    res,
		Reason:        reason,
		EnqueuedAtMs:  s.cfg.Clock.NowMs(),
	}
	if err := s.store.EnqueueDlq(ctx, entry); err != nil {
		return fmt.Errorf("dead-letter %s: %w", t.ID, err)
	}
	detail["to_dlq"] = true
	detail["reason"] = string(reason)
	s.emit(Event{Type: EventTaskFailed, TaskID: t.ID, NodeID: nodeID, Detail: detail})
	return nil
}

// Cancel transitions a non-terminal task to cancelled. Admin only. Cancelled
// tasks are never re-queued by the reaper or retry logic, and late results
// for them are ignored.
func (s *Scheduler) Cancel(ctx context.Context, id Identity, taskID string) error {
	s.bus.Inc("req.task.cancel")
	if !id.IsAdmin() {
		return ErrUnauthorized
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ok, err := s.store.CancelTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrTaskAlreadyTerminal
	}
	s.emit(Event{Type: EventTaskCancelled, TaskID: taskID})
	return nil
}

// ReplayDlq restores a dead-lettered task to the queue with its attempt
// counter reset. Admin only.
func (s *Scheduler) ReplayDlq(ctx context.Context, id Identity, taskID string) (*Task, error) {
	s.bus.Inc("req.dlq.replay")
	if !id.IsAdmin() {
		return nil, ErrUnauthorized
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.store.RequeueFromDlq(ctx, taskID)
	if err != nil {
		return nil, err
	}
	s.emit(Event{Type: EventTaskEnqueued, TaskID: taskID, Detail: map[string]any{"replayed": true}})
	return t, nil
}

// Drain stops a node from claiming new work while in-flight tasks complete.
// Admin only.
func (s *Scheduler) Drain(ctx context.Context, id Identity, nodeID string) error {
	s.bus.Inc("req.node.drain")
	return s.setDrain(ctx, id, nodeID, true)
}

// Undrain re-enables claiming for a drained node. Admin only.
func (s *Scheduler) Undrain(ctx context.Context, id Identity, nodeID string) error {
	s.bus.Inc("req.node.undrain")
	return s.setDrain(ctx, id, nodeID, false)
}

func (s *Scheduler) setDrain(ctx context.Context, id Identity, nodeID string, draining bool) error {
	if !id.IsAdmin() {
		return ErrUnauthorized
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.SetNodeDrain(ctx, nodeID, draining); err != nil {
		return err
	}
	typ := EventNodeDrain
	if !draining {
		typ = EventNodeUndrain
	}
	s.emit(Event{Type: typ, NodeID: nodeID})
	return nil
}

// Revoke permanently bars a node from heartbeating and claiming. Admin only.
// Revoking an already-revoked node is a no-op and does not re-emit the event.
func (s *Scheduler) Revoke(ctx context.Context, id Identity, nodeID string) error {
	s.bus.Inc("req.node.revoke")
	if !id.IsAdmin() {
		return ErrUnauthorized
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.store.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}
	if n.Revoked {
		return nil
	}
	revoked := true
	if err := s.store.SetNodeTrust(ctx, nodeID, TrustUpdate{Revoked: &revoked}); err != nil {
		return err
	}
	s.emit(Event{Type: EventNodeRevoked, NodeID: nodeID})
	return nil
}

// GetTask loads one task.
func (s *Scheduler) GetTask(ctx context.Context, taskID string) (*Task, error) {
	s.bus.Inc("req.task.get")
	return s.store.GetTask(ctx, taskID)
}

// ListTasks returns tasks matching the filter; nil matches all.
func (s *Scheduler) ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	s.bus.Inc("req.task.list")
	return s.store.ListTasks(ctx, filter)
}

// GetResult loads a task's terminal result.
func (s *Scheduler) GetResult(ctx context.Context, taskID string) (*TaskResult, error) {
	return s.store.GetTaskResult(ctx, taskID)
}

// ListNodes returns all node views with computed freshness.
func (s *Scheduler) ListNodes(ctx context.Context) ([]*Node, error) {
	s.bus.Inc("req.node.list")
	return s.store.ListNodes(ctx)
}

// GetNode loads one node view.
func (s *Scheduler) GetNode(ctx context.Context, nodeID string) (*Node, error) {
	return s.store.GetNode(ctx, nodeID)
}

// ListDlq returns every dead-letter entry, oldest first.
func (s *Scheduler) ListDlq(ctx context.Context) ([]*DlqEntry, error) {
	s.bus.Inc("req.dlq.list")
	return s.store.ListDlq(ctx)
}

// GetDlqEntry loads one dead-letter entry.
func (s *Scheduler) GetDlqEntry(ctx context.Context, taskID string) (*DlqEntry, error) {
	s.bus.Inc("req.dlq.get")
	return s.store.GetDlqEntry(ctx, taskID)
}

// ReapTimeouts sweeps claimed/running tasks whose per-attempt deadline has
// passed and applies the retry-or-DLQ decision with a synthesized
// "task_timeout" result. The Reaper calls this on every tick; it is exported
// so tests and operators can force a sweep.
func (s *Scheduler) ReapTimeouts(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.cfg.Clock.NowMs()
	stale, err := s.store.ListTasks(ctx, func(t *Task) bool {
		if t.TimeoutMs <= 0 {
			return false
		}
		if t.Status != StatusClaimed && t.Status != StatusRunning {
			return false
		}
		return now-t.ClaimedAtMs > t.TimeoutMs
	})
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, t := range stale {
		res := &TaskResult{
			SchemaVersion: SchemaVersion,
			TaskID:        t.ID,
			NodeID:        t.AssignedNodeID,
			OK:            false,
			Error:         "task_timeout",
			FinishedAtMs:  now,
		}
		if err := s.failLocked(ctx, t, res, DlqTimeout, map[string]any{"reason": "timeout"}); err != nil {
			s.log.Errorf("reap: task=%s err=%v", t.ID, err)
			continue
		}
		reaped++
	}
	return reaped, nil
}
