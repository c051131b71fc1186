// Package memstore is the process-local Store backend. Every operation runs
// under one mutex, which is what makes ClaimTask, RequeueForRetry,
// CancelTask, and RequeueFromDlq atomic with respect to each other.
package memstore

import (
	"context"
	"sort"
	"sync"

	edgemesh "github.com/edgemesh/edgemesh-go"
)

// Store holds all control-plane state in process memory.
type Store struct {
	cfg edgemesh.StoreConfig

	mu      sync.Mutex
	nodes   map[string]*edgemesh.Node
	tasks   map[string]*edgemesh.Task
	results map[string]*edgemesh.TaskResult
	dlq     map[string]*edgemesh.DlqEntry
	// dlqOrder preserves enqueue order for ListDlq.
	dlqOrder []string
}

// New creates an empty in-memory store.
func New(cfg edgemesh.StoreConfig) *Store {
	return &Store{
		cfg:     cfg.Normalize(),
		nodes:   make(map[string]*edgemesh.Node),
		tasks:   make(map[string]*edgemesh.Task),
		results: make(map[string]*edgemesh.TaskResult),
		dlq:     make(map[string]*edgemesh.DlqEntry),
	}
}

var _ edgemesh.Store = (*Store)(nil)

// UpsertNode creates or replaces a node's capabilities, preserving heartbeat
// and trust/drain flags across re-registration.
func (s *Store) UpsertNode(_ context.Context, n *edgemesh.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := n.Clone()
	if prev, ok := s.nodes[n.ID]; ok {
		cp.LastHeartbeat = prev.LastHeartbeat
		cp.Trusted = prev.Trusted
		cp.Revoked = prev.Revoked
		cp.Draining = prev.Draining
	}
	s.nodes[cp.ID] = cp
	return nil
}

func (s *Store) SetHeartbeat(_ context.Context, nodeID string, hb edgemesh.Heartbeat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[nodeID]
	if !ok {
		return edgemesh.ErrUnknownNode
	}
	n.LastHeartbeat = &hb
	return nil
}

func (s *Store) SetNodeTrust(_ context.Context, nodeID string, up edgemesh.TrustUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[nodeID]
	if !ok {
		return edgemesh.ErrUnknownNode
	}
	if up.Trusted != nil {
		n.Trusted = *up.Trusted
	}
	if up.Revoked != nil {
		n.Revoked = *up.Revoked
	}
	return nil
}

func (s *Store) SetNodeDrain(_ context.Context, nodeID string, draining bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[nodeID]
	if !ok {
		return edgemesh.ErrUnknownNode
	}
	n.Draining = draining
	return nil
}

func (s *Store) GetNode(_ context.Context, nodeID string) (*edgemesh.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[nodeID]
	if !ok {
		return nil, edgemesh.ErrUnknownNode
	}
	return s.nodeView(n), nil
}

func (s *Store) ListNodes(_ context.Context) ([]*edgemesh.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*edgemesh.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, s.nodeView(n))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// nodeView clones the node and stamps the derived freshness. Caller holds s.mu.
func (s *Store) nodeView(n *edgemesh.Node) *edgemesh.Node {
	cp := n.Clone()
	cp.Fresh = edgemesh.EvalFreshness(n.LastHeartbeat, s.cfg.Clock.NowMs(), s.cfg.Freshness)
	return cp
}

func (s *Store) EnqueueTask(_ context.Context, t *edgemesh.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; ok {
		return edgemesh.ErrDuplicateTask
	}
	cp := t.Clone()
	cp.Status = edgemesh.StatusQueued
	s.tasks[cp.ID] = cp
	return nil
}

// ClaimTask runs the full claim sequence in one critical section: lease
// recovery, node gate, capacity gate, eligibility filter, priority/FIFO
// selection, and the claim transition.
func (s *Store) ClaimTask(_ context.Context, nodeID string) (*edgemesh.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.cfg.Clock.NowMs()
	s.recoverLeasesLocked(now)

	n, ok := s.nodes[nodeID]
	if !ok || !n.Trusted || n.Revoked || n.Draining {
		return nil, nil
	}
	if edgemesh.EvalFreshness(n.LastHeartbeat, now, s.cfg.Freshness) != edgemesh.FreshHealthy {
		return nil, nil
	}

	inFlight := 0
	for _, t := range s.tasks {
		if t.AssignedNodeID == nodeID && (t.Status == edgemesh.StatusClaimed || t.Status == edgemesh.StatusRunning) {
			inFlight++
		}
	}
	if inFlight >= n.MaxConcurrentTasks {
		return nil, nil
	}

	tags := n.TagSet()
	var best *edgemesh.Task
	for _, t := range s.tasks {
		if !t.EligibleFor(nodeID, tags, now) {
			continue
		}
		if best == nil || t.Less(best) {
			best = t
		}
	}
	if best == nil {
		return nil, nil
	}

	best.Status = edgemesh.StatusClaimed
	best.ClaimedAtMs = now
	best.AssignedNodeID = nodeID
	best.Attempt++
	return best.Clone(), nil
}

// recoverLeasesLocked re-queues claimed tasks whose lease expired, preserving
// the attempt counter. Caller holds s.mu.
func (s *Store) recoverLeasesLocked(now int64) {
	for _, t := range s.tasks {
		if t.Status != edgemesh.StatusClaimed {
			continue
		}
		if now-t.ClaimedAtMs < s.cfg.ClaimTTLMs {
			continue
		}
		s.cfg.Logger.Warnf("memstore: recovering expired lease task=%s node=%s attempt=%d", t.ID, t.AssignedNodeID, t.Attempt)
		t.Status = edgemesh.StatusQueued
		t.ClaimedAtMs = 0
		t.AssignedNodeID = ""
	}
}

func (s *Store) GetTask(_ context.Context, taskID string) (*edgemesh.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, edgemesh.ErrTaskNotFound
	}
	return t.Clone(), nil
}

func (s *Store) ListTasks(_ context.Context, filter edgemesh.TaskFilter) ([]*edgemesh.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*edgemesh.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if filter == nil || filter(t.Clone()) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt || (out[i].CreatedAt == out[j].CreatedAt && out[i].ID < out[j].ID) })
	return out, nil
}

func (s *Store) SetTaskStatus(_ context.Context, taskID string, status edgemesh.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return edgemesh.ErrTaskNotFound
	}
	t.Status = status
	if status != edgemesh.StatusClaimed && status != edgemesh.StatusRunning {
		t.ClaimedAtMs = 0
		t.AssignedNodeID = ""
	}
	return nil
}

func (s *Store) CancelTask(_ context.Context, taskID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return false, edgemesh.ErrTaskNotFound
	}
	if t.Status.Terminal() {
		return false, nil
	}
	t.Status = edgemesh.StatusCancelled
	t.ClaimedAtMs = 0
	t.AssignedNodeID = ""
	return true, nil
}

func (s *Store) RequeueForRetry(_ context.Context, taskID string, retryAfterMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return edgemesh.ErrTaskNotFound
	}
	if t.Status != edgemesh.StatusClaimed && t.Status != edgemesh.StatusRunning {
		return edgemesh.ErrTaskNotClaimable
	}
	t.Status = edgemesh.StatusQueued
	t.ClaimedAtMs = 0
	t.AssignedNodeID = ""
	t.RetryAfterMs = retryAfterMs
	return nil
}

func (s *Store) SetTaskResult(_ context.Context, r *edgemesh.TaskResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.results[r.TaskID]; ok {
		return edgemesh.ErrResultExists
	}
	cp := *r
	s.results[r.TaskID] = &cp
	return nil
}

func (s *Store) GetTaskResult(_ context.Context, taskID string) (*edgemesh.TaskResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[taskID]
	if !ok {
		return nil, edgemesh.ErrTaskNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *Store) EnqueueDlq(_ context.Context, e *edgemesh.DlqEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	cp.Task = e.Task.Clone()
	if _, ok := s.dlq[e.TaskID]; !ok {
		s.dlqOrder = append(s.dlqOrder, e.TaskID)
	}
	s.dlq[e.TaskID] = &cp
	return nil
}

func (s *Store) ListDlq(_ context.Context) ([]*edgemesh.DlqEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*edgemesh.DlqEntry, 0, len(s.dlqOrder))
	for _, id := range s.dlqOrder {
		if e, ok := s.dlq[id]; ok {
			cp := *e
			cp.Task = e.Task.Clone()
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) GetDlqEntry(_ context.Context, taskID string) (*edgemesh.DlqEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.dlq[taskID]
	if !ok {
		return nil, edgemesh.ErrDlqEntryNotFound
	}
	cp := *e
	cp.Task = e.Task.Clone()
	return &cp, nil
}

// RequeueFromDlq removes the dead-letter entry and restores the task to the
// queue with a fresh retry budget: attempt zero and no retry gate.
func (s *Store) RequeueFromDlq(_ context.Context, taskID string) (*edgemesh.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dlq[taskID]; !ok {
		return nil, edgemesh.ErrDlqEntryNotFound
	}
	delete(s.dlq, taskID)
	for i, id := range s.dlqOrder {
		if id == taskID {
			s.dlqOrder = append(s.dlqOrder[:i], s.dlqOrder[i+1:]...)
			break
		}
	}
	delete(s.results, taskID)

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, edgemesh.ErrTaskNotFound
	}
	t.Status = edgemesh.StatusQueued
	t.Attempt = 0
	t.RetryAfterMs = 0
	t.ClaimedAtMs = 0
	t.AssignedNodeID = ""
	return t.Clone(), nil
}
