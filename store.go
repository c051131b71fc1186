package edgemesh

import "context"

// TrustUpdate is a partial update of a node's trust flags; nil fields are untouched.
type TrustUpdate struct {
	Trusted *bool
	Revoked *bool
}

// Store owns every authoritative fact: nodes, tasks, results, and the DLQ.
// Two backends implement it: the process-local memstore (default) and the
// Redis-backed redistore. All scheduler logic is backend-agnostic.
//
// ClaimTask, RequeueForRetry, CancelTask, and RequeueFromDlq are atomic with
// respect to concurrent callers: no intermediate state is observable by
// another ClaimTask or SetTaskStatus. The local backend uses a single
// critical section; the Redis backend uses Lua scripts that compare-and-set
// the task record together with the queue index. Claim linearizability in
// the Redis backend holds per control-plane instance; running multiple
// instances against one keyspace requires an external lock serializing
// ClaimTask across replicas.
type Store interface {
	// UpsertNode creates or replaces a node's capabilities, preserving its
	// last heartbeat and trust/drain flags if the node already exists.
	UpsertNode(ctx context.Context, n *Node) error
	// SetHeartbeat records a liveness sample. ErrUnknownNode if absent.
	SetHeartbeat(ctx context.Context, nodeID string, hb Heartbeat) error
	// SetNodeTrust partially updates trust flags. ErrUnknownNode if absent.
	SetNodeTrust(ctx context.Context, nodeID string, up TrustUpdate) error
	// SetNodeDrain sets the drain flag. ErrUnknownNode if absent.
	SetNodeDrain(ctx context.Context, nodeID string, draining bool) error
	// GetNode returns a node view with computed freshness. ErrUnknownNode if absent.
	GetNode(ctx context.Context, nodeID string) (*Node, error)
	// ListNodes returns all node views with computed freshness.
	ListNodes(ctx context.Context) ([]*Node, error)

	// EnqueueTask inserts a task with status queued. ErrDuplicateTask on id reuse.
	EnqueueTask(ctx context.Context, t *Task) error
	// ClaimTask atomically selects and claims at most one eligible task for
	// the node: lease recovery, node gate, capacity gate, eligibility filter,
	// priority/FIFO selection, transition. Returns nil with no error when
	// nothing is claimable.
	ClaimTask(ctx context.Context, nodeID string) (*Task, error)
	// GetTask loads a task. ErrTaskNotFound if absent.
	GetTask(ctx context.Context, taskID string) (*Task, error)
	// ListTasks returns tasks matching the filter; a nil filter matches all.
	ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error)
	// SetTaskStatus transitions a task to running, done, or failed, clearing
	// the claim fields on transitions out of claimed/running.
	SetTaskStatus(ctx context.Context, taskID string, status Status) error
	// CancelTask transitions a non-terminal task to cancelled and removes it
	// from the queue. Returns false if the task is already terminal.
	CancelTask(ctx context.Context, taskID string) (bool, error)
	// RequeueForRetry moves a claimed/running task back to queued, clearing
	// the claim fields, preserving attempt, and gating the next claim on
	// retryAfterMs.
	RequeueForRetry(ctx context.Context, taskID string, retryAfterMs int64) error

	// SetTaskResult records the one terminal result. ErrResultExists on rewrite.
	SetTaskResult(ctx context.Context, r *TaskResult) error
	// GetTaskResult loads the terminal result. ErrTaskNotFound if absent.
	GetTaskResult(ctx context.Context, taskID string) (*TaskResult, error)

	// EnqueueDlq records a dead-letter entry.
	EnqueueDlq(ctx context.Context, e *DlqEntry) error
	// ListDlq returns all dead-letter entries, oldest first.
	ListDlq(ctx context.Context) ([]*DlqEntry, error)
	// GetDlqEntry loads one entry. ErrDlqEntryNotFound if absent.
	GetDlqEntry(ctx context.Context, taskID string) (*DlqEntry, error)
	// RequeueFromDlq removes the entry and restores the task queued with
	// attempt reset to zero and the retry gate cleared. ErrDlqEntryNotFound
	// if absent.
	RequeueFromDlq(ctx context.Context, taskID string) (*Task, error)
}

// StoreConfig carries the knobs both backends need for claim and freshness
// arithmetic.
type StoreConfig struct {
	// Clock supplies wall-time; nil means WallClock.
	Clock Clock
	// Freshness holds the heartbeat cutoffs; zero means DefaultFreshness.
	Freshness FreshnessThresholds
	// ClaimTTLMs is the lease length for claimed-but-unacknowledged tasks.
	// Zero means DefaultClaimTTLMs.
	ClaimTTLMs int64
	// Logger is used for recovery and maintenance notices; nil means silent.
	Logger Logger
}

// DefaultClaimTTLMs is the default claim lease: 30s.
const DefaultClaimTTLMs = 30_000

// Normalize fills zero-valued config fields with defaults.
func (c StoreConfig) Normalize() StoreConfig {
	if c.Clock == nil {
		c.Clock = WallClock{}
	}
	if c.Freshness == (FreshnessThresholds{}) {
		c.Freshness = DefaultFreshness()
	}
	if c.ClaimTTLMs <= 0 {
		c.ClaimTTLMs = DefaultClaimTTLMs
	}
	if c.Logger == nil {
		c.Logger = NopLogger{}
	}
	return c
}
