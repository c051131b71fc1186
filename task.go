package edgemesh

// SchemaVersion is stamped on every persisted record and API payload.
// Forward-compatible additions keep the version; breaking changes bump it.
const SchemaVersion = "1.0"

// Task represents a unit of work dispatched to a worker node.
// It is serialized to JSON by the configured Encoder and stored by the Store.
type Task struct {
	// SchemaVersion is the record format version.
	SchemaVersion string `json:"schema_version"`
	// ID is the unique identifier for the task.
	ID string `json:"id"`
	// Kind is an opaque task category chosen by the producer.
	Kind string `json:"kind"`
	// Payload is the opaque task data handed to the worker.
	Payload map[string]any `json:"payload,omitempty"`
	// TargetNodeID pins the task to a single node when set.
	TargetNodeID string `json:"target_node_id,omitempty"`
	// RequiredTags restricts claiming to nodes carrying every listed tag.
	RequiredTags []string `json:"required_tags,omitempty"`
	// Priority orders claiming; higher is more urgent. Zero is the default.
	Priority int `json:"priority,omitempty"`
	// CreatedAt is the enqueue timestamp (ms); it is the FIFO tiebreak.
	CreatedAt int64 `json:"created_at"`
	// MaxAttempts is the retry budget; the task dead-letters once exhausted.
	MaxAttempts int `json:"max_attempts"`
	// Attempt counts claims so far. Reset to zero only by DLQ replay.
	Attempt int `json:"attempt"`
	// RetryAfterMs, when set, is the earliest wall-time (ms) the task may be claimed again.
	RetryAfterMs int64 `json:"retry_after_ms,omitempty"`
	// TimeoutMs is the per-attempt deadline enforced by the reaper. Zero disables it.
	TimeoutMs int64 `json:"timeout_ms,omitempty"`
	// ClaimedAtMs is the wall-time (ms) of the current claim; zero unless claimed/running.
	ClaimedAtMs int64 `json:"claimed_at_ms,omitempty"`
	// AssignedNodeID is the node holding the current claim; empty unless claimed/running.
	AssignedNodeID string `json:"assigned_node_id,omitempty"`
	// Status is the task's lifecycle position.
	Status Status `json:"status"`
}

// DefaultMaxAttempts applies when a task is submitted without a retry budget.
const DefaultMaxAttempts = 3

// EligibleFor reports whether a queued task may be claimed by the given node
// at the given wall-time: its retry gate has passed, its routing pin matches,
// and the node carries every required tag.
func (t *Task) EligibleFor(nodeID string, tags map[string]struct{}, nowMs int64) bool {
	if t.Status != StatusQueued {
		return false
	}
	if t.RetryAfterMs > 0 && t.RetryAfterMs > nowMs {
		return false
	}
	if t.TargetNodeID != "" && t.TargetNodeID != nodeID {
		return false
	}
	for _, tag := range t.RequiredTags {
		if _, ok := tags[tag]; !ok {
			return false
		}
	}
	return true
}

// Less orders tasks for claim selection: priority descending, then CreatedAt
// ascending, then ID ascending as the deterministic tiebreak.
func (t *Task) Less(other *Task) bool {
	if t.Priority != other.Priority {
		return t.Priority > other.Priority
	}
	if t.CreatedAt != other.CreatedAt {
		return t.CreatedAt < other.CreatedAt
	}
	return t.ID < other.ID
}

// Clone returns a deep copy so callers can hand tasks across goroutines
// without aliasing store-owned state.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.RequiredTags != nil {
		cp.RequiredTags = append([]string(nil), t.RequiredTags...)
	}
	if t.Payload != nil {
		cp.Payload = make(map[string]any, len(t.Payload))
		for k, v := range t.Payload {
			cp.Payload[k] = v
		}
	}
	return &cp
}

// TaskResult is the single terminal outcome recorded for a task.
// Rewriting a recorded result is disallowed.
type TaskResult struct {
	SchemaVersion string `json:"schema_version"`
	TaskID        string `json:"task_id"`
	NodeID        string `json:"node_id"`
	OK            bool   `json:"ok"`
	// Output is the worker-provided result data for successful runs.
	Output map[string]any `json:"output,omitempty"`
	// Error is the worker-provided failure message, or "task_timeout" for
	// reaper-synthesized results.
	Error        string `json:"error,omitempty"`
	FinishedAtMs int64  `json:"finished_at_ms"`
}

// DlqEntry is a dead-lettered task held for operator inspection and replay.
type DlqEntry struct {
	SchemaVersion string `json:"schema_version"`
	TaskID        string `json:"task_id"`
	// Task is a snapshot of the task at the moment it dead-lettered.
	Task *Task `json:"task"`
	// LastResult is the result that exhausted the retry budget, when one exists.
	LastResult   *TaskResult `json:"last_result,omitempty"`
	Reason       DlqReason   `json:"reason"`
	EnqueuedAtMs int64       `json:"enqueued_at_ms"`
}

// TaskFilter is a predicate used to filter tasks during ListTasks.
type TaskFilter func(*Task) bool
