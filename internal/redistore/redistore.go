// Package redistore is the Redis-backed Store. Task and node records are
// hashes; the queue, lease, and DLQ orderings are ZSETs; every mutation that
// must be atomic with respect to concurrent claimers runs as a Lua script
// that compare-and-sets the task's lifecycle fields together with the index
// structures.
//
// Claim linearizability holds per control-plane instance: the candidate scan
// plus per-task claim script never double-assigns within one keyspace, but
// the node and capacity gates are evaluated outside the script. Deployments
// running multiple control-plane replicas against one keyspace must
// serialize ClaimTask across replicas with an external lock.
package redistore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"

	edgemesh "github.com/edgemesh/edgemesh-go"
	"github.com/edgemesh/edgemesh-go/internal/keys"
)

// DefaultNamespace is the key namespace when none is configured.
const DefaultNamespace = "cp"

// recoverBatch bounds how many expired leases one claim call sweeps.
const recoverBatch = 256

// Store is the Redis-backed Store implementation.
type Store struct {
	rdb     redis.UniversalClient
	cfg     edgemesh.StoreConfig
	keys    keys.Keyspace
	encoder edgemesh.Encoder
}

// New creates a Redis store in the given namespace. An empty namespace means
// DefaultNamespace.
func New(rdb redis.UniversalClient, ns string, cfg edgemesh.StoreConfig) *Store {
	if ns == "" {
		ns = DefaultNamespace
	}
	return &Store{
		rdb:     rdb,
		cfg:     cfg.Normalize(),
		keys:    keys.For(ns),
		encoder: &edgemesh.JSONEncoder{},
	}
}

var _ edgemesh.Store = (*Store)(nil)

// nodeData is the `data` field of a node hash and holds the capabilities; the
// flags and the heartbeat are individual hash fields so partial updates stay
// single commands.
type nodeData struct {
	SchemaVersion      string   `json:"schema_version"`
	ID                 string   `json:"id"`
	Tags               []string `json:"tags,omitempty"`
	MaxConcurrentTasks int      `json:"max_concurrent_tasks"`
}

func (s *Store) UpsertNode(ctx context.Context, n *edgemesh.Node) error {
	data, err := s.encoder.Encode(nodeData{
		SchemaVersion:      edgemesh.SchemaVersion,
		ID:                 n.ID,
		Tags:               n.Tags,
		MaxConcurrentTasks: n.MaxConcurrentTasks,
	})
	if err != nil {
		return err
	}
	nkey := s.keys.Node(n.ID)
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, nkey, "data", data)
		// First registration seeds the flags; re-registration preserves them.
		p.HSetNX(ctx, nkey, "trusted", boolField(n.Trusted))
		p.HSetNX(ctx, nkey, "revoked", boolField(n.Revoked))
		p.HSetNX(ctx, nkey, "draining", boolField(n.Draining))
		p.SAdd(ctx, s.keys.Nodes, n.ID)
		return nil
	})
	return err
}

func (s *Store) SetHeartbeat(ctx context.Context, nodeID string, hb edgemesh.Heartbeat) error {
	if err := s.nodeExists(ctx, nodeID); err != nil {
		return err
	}
	raw, err := s.encoder.Encode(hb)
	if err != nil {
		return err
	}
	return s.rdb.HSet(ctx, s.keys.Node(nodeID), "hb", raw).Err()
}

func (s *Store) SetNodeTrust(ctx context.Context, nodeID string, up edgemesh.TrustUpdate) error {
	if err := s.nodeExists(ctx, nodeID); err != nil {
		return err
	}
	fields := []any{}
	if up.Trusted != nil {
		fields = append(fields, "trusted", boolField(*up.Trusted))
	}
	if up.Revoked != nil {
		fields = append(fields, "revoked", boolField(*up.Revoked))
	}
	if len(fields) == 0 {
		return nil
	}
	return s.rdb.HSet(ctx, s.keys.Node(nodeID), fields...).Err()
}

func (s *Store) SetNodeDrain(ctx context.Context, nodeID string, draining bool) error {
	if err := s.nodeExists(ctx, nodeID); err != nil {
		return err
	}
	return s.rdb.HSet(ctx, s.keys.Node(nodeID), "draining", boolField(draining)).Err()
}

func (s *Store) GetNode(ctx context.Context, nodeID string) (*edgemesh.Node, error) {
	fields, err := s.rdb.HGetAll(ctx, s.keys.Node(nodeID)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, edgemesh.ErrUnknownNode
	}
	return s.decodeNode(fields)
}

func (s *Store) ListNodes(ctx context.Context) ([]*edgemesh.Node, error) {
	ids, err := s.rdb.SMembers(ctx, s.keys.Nodes).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	out := make([]*edgemesh.Node, 0, len(ids))
	for _, id := range ids {
		n, err := s.GetNode(ctx, id)
		if err != nil {
			if errors.Is(err, edgemesh.ErrUnknownNode) {
				continue
			}
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func (s *Store) decodeNode(fields map[string]string) (*edgemesh.Node, error) {
	var data nodeData
	if err := s.encoder.Decode([]byte(fields["data"]), &data); err != nil {
		return nil, fmt.Errorf("redistore: decode node: %w", err)
	}
	n := &edgemesh.Node{
		SchemaVersion:      data.SchemaVersion,
		ID:                 data.ID,
		Tags:               data.Tags,
		MaxConcurrentTasks: data.MaxConcurrentTasks,
		Trusted:            fields["trusted"] == "1",
		Revoked:            fields["revoked"] == "1",
		Draining:           fields["draining"] == "1",
	}
	if raw, ok := fields["hb"]; ok && raw != "" {
		var hb edgemesh.Heartbeat
		if err := s.encoder.Decode([]byte(raw), &hb); err != nil {
			return nil, fmt.Errorf("redistore: decode heartbeat: %w", err)
		}
		n.LastHeartbeat = &hb
	}
	n.Fresh = edgemesh.EvalFreshness(n.LastHeartbeat, s.cfg.Clock.NowMs(), s.cfg.Freshness)
	return n, nil
}

func (s *Store) nodeExists(ctx context.Context, nodeID string) error {
	ok, err := s.rdb.Exists(ctx, s.keys.Node(nodeID)).Result()
	if err != nil {
		return err
	}
	if ok == 0 {
		return edgemesh.ErrUnknownNode
	}
	return nil
}

func (s *Store) EnqueueTask(ctx context.Context, t *edgemesh.Task) error {
	tkey := s.keys.Task(t.ID)
	// Reserve the id: the created_at_ms field doubles as the existence marker.
	created, err := s.rdb.HSetNX(ctx, tkey, "created_at_ms", t.CreatedAt).Result()
	if err != nil {
		return err
	}
	if !created {
		return edgemesh.ErrDuplicateTask
	}
	data, err := s.encoder.Encode(t)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, tkey,
			"data", data,
			"status", string(edgemesh.StatusQueued),
			"attempt", t.Attempt,
			"retry_after_ms", t.RetryAfterMs,
			"claimed_at_ms", 0,
			"assigned_node_id", "",
		)
		p.ZAdd(ctx, s.keys.Queued, redis.Z{Score: float64(t.CreatedAt), Member: t.ID})
		return nil
	})
	return err
}

// ClaimTask runs the claim sequence: recover expired leases, gate the node,
// gate capacity, then walk the eligible queue in priority/FIFO order and
// compare-and-set the first task that is still claimable.
func (s *Store) ClaimTask(ctx context.Context, nodeID string) (*edgemesh.Task, error) {
	now := s.cfg.Clock.NowMs()
	if err := s.recoverLeases(ctx, now); err != nil {
		return nil, err
	}

	n, err := s.GetNode(ctx, nodeID)
	if err != nil {
		if errors.Is(err, edgemesh.ErrUnknownNode) {
			return nil, nil
		}
		return nil, err
	}
	if !n.Trusted || n.Revoked || n.Draining || n.Fresh != edgemesh.FreshHealthy {
		return nil, nil
	}
	inFlight, err := s.rdb.SCard(ctx, s.keys.Active(nodeID)).Result()
	if err != nil {
		return nil, err
	}
	if inFlight >= int64(n.MaxConcurrentTasks) {
		return nil, nil
	}

	ids, err := s.rdb.ZRange(ctx, s.keys.Queued, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	tags := n.TagSet()
	candidates := make([]*edgemesh.Task, 0, len(ids))
	for _, id := range ids {
		t, err := s.GetTask(ctx, id)
		if err != nil {
			if errors.Is(err, edgemesh.ErrTaskNotFound) {
				continue
			}
			return nil, err
		}
		if t.EligibleFor(nodeID, tags, now) {
			candidates = append(candidates, t)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Less(candidates[j]) })

	leaseExpiry := now + s.cfg.ClaimTTLMs
	for _, t := range candidates {
		res, err := claimScript.Run(ctx, s.rdb,
			[]string{s.keys.Task(t.ID), s.keys.Queued, s.keys.Leased, s.keys.Active(nodeID)},
			nodeID, now, leaseExpiry, t.ID,
		).Result()
		if err == redis.Nil || res == nil {
			// Lost the race for this candidate; try the next.
			continue
		}
		if err != nil {
			return nil, err
		}
		attempt, ok := res.(int64)
		if !ok {
			continue
		}
		t.Status = edgemesh.StatusClaimed
		t.ClaimedAtMs = now
		t.AssignedNodeID = nodeID
		t.Attempt = int(attempt)
		return t, nil
	}
	return nil, nil
}

func (s *Store) recoverLeases(ctx context.Context, now int64) error {
	for i := 0; i < recoverBatch; i++ {
		res, err := recoverOneScript.Run(ctx, s.rdb,
			[]string{s.keys.Leased, s.keys.Queued},
			now, s.keys.TaskPrefix, s.keys.ActivePrefix,
		).Result()
		if err == redis.Nil || res == nil || res == false {
			return nil
		}
		if err != nil {
			return err
		}
		if id, ok := res.(string); ok {
			s.cfg.Logger.Warnf("redistore: recovered expired lease task=%s", id)
		}
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*edgemesh.Task, error) {
	fields, err := s.rdb.HGetAll(ctx, s.keys.Task(taskID)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 || fields["data"] == "" {
		return nil, edgemesh.ErrTaskNotFound
	}
	var t edgemesh.Task
	if err := s.encoder.Decode([]byte(fields["data"]), &t); err != nil {
		return nil, fmt.Errorf("redistore: decode task: %w", err)
	}
	// The lifecycle fields override the enqueue-time snapshot.
	t.Status = edgemesh.Status(fields["status"])
	t.Attempt = atoi(fields["attempt"])
	t.RetryAfterMs = atoi64(fields["retry_after_ms"])
	t.ClaimedAtMs = atoi64(fields["claimed_at_ms"])
	t.AssignedNodeID = fields["assigned_node_id"]
	return &t, nil
}

func (s *Store) ListTasks(ctx context.Context, filter edgemesh.TaskFilter) ([]*edgemesh.Task, error) {
	var (
		out    []*edgemesh.Task
		cursor uint64
	)
	for {
		batch, next, err := s.rdb.Scan(ctx, cursor, s.keys.TaskPrefix+"*", 512).Result()
		if err != nil {
			return nil, err
		}
		for _, key := range batch {
			id := key[len(s.keys.TaskPrefix):]
			t, err := s.GetTask(ctx, id)
			if err != nil {
				if errors.Is(err, edgemesh.ErrTaskNotFound) {
					continue
				}
				return nil, err
			}
			if filter == nil || filter(t) {
				out = append(out, t)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) SetTaskStatus(ctx context.Context, taskID string, status edgemesh.Status) error {
	res, err := setStatusScript.Run(ctx, s.rdb,
		[]string{s.keys.Task(taskID), s.keys.Queued, s.keys.Leased},
		string(status), taskID, s.keys.ActivePrefix,
	).Int()
	if err != nil {
		return err
	}
	if res == 0 {
		return edgemesh.ErrTaskNotFound
	}
	return nil
}

func (s *Store) CancelTask(ctx context.Context, taskID string) (bool, error) {
	res, err := cancelScript.Run(ctx, s.rdb,
		[]string{s.keys.Task(taskID), s.keys.Queued, s.keys.Leased},
		taskID, s.keys.ActivePrefix,
	).Int()
	if err != nil {
		return false, err
	}
	switch res {
	case -1:
		return false, edgemesh.ErrTaskNotFound
	case 0:
		return false, nil
	default:
		return true, nil
	}
}

func (s *Store) RequeueForRetry(ctx context.Context, taskID string, retryAfterMs int64) error {
	res, err := requeueForRetryScript.Run(ctx, s.rdb,
		[]string{s.keys.Task(taskID), s.keys.Queued, s.keys.Leased},
		retryAfterMs, taskID, s.keys.ActivePrefix,
	).Int()
	if err != nil {
		return err
	}
	if res == 0 {
		return edgemesh.ErrTaskNotClaimable
	}
	return nil
}

func (s *Store) SetTaskResult(ctx context.Context, r *edgemesh.TaskResult) error {
	raw, err := s.encoder.Encode(r)
	if err != nil {
		return err
	}
	ok, err := s.rdb.SetNX(ctx, s.keys.Result(r.TaskID), raw, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return edgemesh.ErrResultExists
	}
	return nil
}

func (s *Store) GetTaskResult(ctx context.Context, taskID string) (*edgemesh.TaskResult, error) {
	raw, err := s.rdb.Get(ctx, s.keys.Result(taskID)).Bytes()
	if err == redis.Nil {
		return nil, edgemesh.ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	var r edgemesh.TaskResult
	if err := s.encoder.Decode(raw, &r); err != nil {
		return nil, fmt.Errorf("redistore: decode result: %w", err)
	}
	return &r, nil
}

func (s *Store) EnqueueDlq(ctx context.Context, e *edgemesh.DlqEntry) error {
	raw, err := s.encoder.Encode(e)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.keys.Dlq(e.TaskID), raw, 0)
		p.ZAdd(ctx, s.keys.DlqIndex, redis.Z{Score: float64(e.EnqueuedAtMs), Member: e.TaskID})
		return nil
	})
	return err
}

func (s *Store) ListDlq(ctx context.Context) ([]*edgemesh.DlqEntry, error) {
	ids, err := s.rdb.ZRange(ctx, s.keys.DlqIndex, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*edgemesh.DlqEntry, 0, len(ids))
	for _, id := range ids {
		e, err := s.GetDlqEntry(ctx, id)
		if err != nil {
			if errors.Is(err, edgemesh.ErrDlqEntryNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) GetDlqEntry(ctx context.Context, taskID string) (*edgemesh.DlqEntry, error) {
	raw, err := s.rdb.Get(ctx, s.keys.Dlq(taskID)).Bytes()
	if err == redis.Nil {
		return nil, edgemesh.ErrDlqEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	var e edgemesh.DlqEntry
	if err := s.encoder.Decode(raw, &e); err != nil {
		return nil, fmt.Errorf("redistore: decode dlq entry: %w", err)
	}
	return &e, nil
}

func (s *Store) RequeueFromDlq(ctx context.Context, taskID string) (*edgemesh.Task, error) {
	res, err := replayDlqScript.Run(ctx, s.rdb,
		[]string{s.keys.Dlq(taskID), s.keys.DlqIndex, s.keys.Task(taskID), s.keys.Queued, s.keys.Result(taskID)},
		taskID,
	).Int()
	if err != nil {
		return nil, err
	}
	if res == 0 {
		return nil, edgemesh.ErrDlqEntryNotFound
	}
	return s.GetTask(ctx, taskID)
}

func boolField(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func atoi64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
