// Package httpapi exposes the scheduler over HTTP. It owns everything the
// scheduler deliberately does not: request framing, payload validation,
// token verification, and the JSON error envelope. Error codes surfaced in
// the envelope are the stable taxonomy names.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	edgemesh "github.com/edgemesh/edgemesh-go"
	"github.com/edgemesh/edgemesh-go/internal/auth"
)

// API wires the scheduler, the token service, and metrics into a chi router.
type API struct {
	sched   *edgemesh.Scheduler
	tokens  *auth.Service
	metrics *edgemesh.Metrics
	log     edgemesh.Logger
}

// New creates the API. A nil logger is silent.
func New(sched *edgemesh.Scheduler, tokens *auth.Service, metrics *edgemesh.Metrics, log edgemesh.Logger) *API {
	if log == nil {
		log = edgemesh.NopLogger{}
	}
	return &API{sched: sched, tokens: tokens, metrics: metrics, log: log}
}

// Router builds the full request surface.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(a.requestLogger)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/nodes/register", a.handleRegister)
		r.Post("/nodes/{nodeID}/token", a.handleRefreshToken)
		r.Post("/nodes/{nodeID}/heartbeat", a.handleHeartbeat)
		r.Post("/nodes/{nodeID}/claim", a.handleClaim)
		r.Post("/nodes/{nodeID}/drain", a.handleDrain(true))
		r.Post("/nodes/{nodeID}/undrain", a.handleDrain(false))
		r.Post("/nodes/{nodeID}/revoke", a.handleRevoke)
		r.Get("/nodes", a.handleListNodes)
		r.Get("/nodes/stats", a.handleNodeStats)

		r.Post("/tasks", a.handleSubmit)
		r.Get("/tasks", a.handleListTasks)
		r.Get("/tasks/queue", a.handleTasksByStatus(edgemesh.StatusQueued))
		r.Get("/tasks/running", a.handleTasksByStatus(edgemesh.StatusRunning))
		r.Get("/tasks/{taskID}", a.handleGetTask)
		r.Post("/tasks/{taskID}/ack", a.handleAck)
		r.Post("/tasks/{taskID}/result", a.handleResult)
		r.Post("/tasks/{taskID}/cancel", a.handleCancel)

		r.Get("/dlq", a.handleListDlq)
		r.Get("/dlq/{taskID}", a.handleGetDlq)
		r.Post("/dlq/{taskID}/replay", a.handleReplay)

		r.Post("/tokens/job", a.handleMintJobToken)

		r.Get("/events", a.handleEvents)
		r.Get("/runs/summary", a.handleSummary)
	})

	r.Get("/metrics", a.handleMetrics)
	return r
}

// identity resolves the bearer token, if any, to a scheduler identity.
// Routes that require no auth never call it.
func (a *API) identity(r *http.Request) (edgemesh.Identity, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return edgemesh.Identity{}, errNoToken
	}
	token := strings.TrimPrefix(h, "Bearer ")
	if token == h {
		return edgemesh.Identity{}, edgemesh.ErrTokenSignatureInvalid
	}
	return a.tokens.Verify(token)
}

var errNoToken = errors.New("httpapi: no bearer token")

type registerRequest struct {
	NodeID             string   `json:"node_id"`
	Tags               []string `json:"tags"`
	MaxConcurrentTasks int      `json:"max_concurrent_tasks"`
}

type registerResponse struct {
	SchemaVersion string         `json:"schema_version"`
	Node          *edgemesh.Node `json:"node"`
	NodeToken     string         `json:"node_token"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	a.metrics.CountRequest("node.register")
	id, err := a.identity(r)
	if err != nil {
		a.writeAuthError(w, err, edgemesh.ErrNodeBootstrapDenied)
		return
	}
	var req registerRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.NodeID == "" {
		a.writeValidation(w, "node_id is required")
		return
	}
	n, err := a.sched.RegisterNode(r.Context(), id, req.NodeID, req.Tags, req.MaxConcurrentTasks)
	if err != nil {
		a.writeError(w, err)
		return
	}
	token, err := a.tokens.MintNode(req.NodeID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, registerResponse{SchemaVersion: edgemesh.SchemaVersion, Node: n, NodeToken: token})
}

func (a *API) handleRefreshToken(w http.ResponseWriter, r *http.Request) {
	a.metrics.CountRequest("node.refreshToken")
	nodeID := chi.URLParam(r, "nodeID")
	id, err := a.identity(r)
	if err != nil {
		a.writeAuthError(w, err, edgemesh.ErrMissingNodeToken)
		return
	}
	if id.Kind != edgemesh.IdentityNode || id.NodeID != nodeID {
		a.writeError(w, edgemesh.ErrTokenNodeMismatch)
		return
	}
	token, err := a.tokens.MintNode(nodeID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]string{"schema_version": edgemesh.SchemaVersion, "node_token": token})
}

type heartbeatRequest struct {
	Status       string  `json:"status"`
	Load         float64 `json:"load"`
	RunningTasks int     `json:"running_tasks"`
}

func (a *API) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	a.metrics.CountRequest("node.heartbeat")
	id, err := a.identity(r)
	if err != nil {
		a.writeAuthError(w, err, edgemesh.ErrMissingNodeToken)
		return
	}
	var req heartbeatRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.Load < 0 || req.Load > 1 {
		a.writeValidation(w, "load must be in [0,1]")
		return
	}
	hb := edgemesh.Heartbeat{Status: edgemesh.Freshness(req.Status), Load: req.Load, RunningTasks: req.RunningTasks}
	if err := a.sched.Heartbeat(r.Context(), id, chi.URLParam(r, "nodeID"), hb); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"schema_version": edgemesh.SchemaVersion, "ok": true})
}

func (a *API) handleClaim(w http.ResponseWriter, r *http.Request) {
	a.metrics.CountRequest("node.claim")
	id, err := a.identity(r)
	if err != nil {
		a.writeAuthError(w, err, edgemesh.ErrMissingNodeToken)
		return
	}
	t, err := a.sched.Claim(r.Context(), id, chi.URLParam(r, "nodeID"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	if t == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	a.writeJSON(w, http.StatusOK, t)
}

type submitRequest struct {
	ID           string         `json:"id"`
	Kind         string         `json:"kind"`
	Payload      map[string]any `json:"payload"`
	Priority     int            `json:"priority"`
	MaxAttempts  int            `json:"max_attempts"`
	TimeoutMs    int64          `json:"timeout_ms"`
	TargetNodeID string         `json:"target_node_id"`
	RequiredTags []string       `json:"required_tags"`
}

func (a *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	a.metrics.CountRequest("task.submit")
	id, err := a.identity(r)
	if err != nil {
		a.writeAuthError(w, err, edgemesh.ErrMissingJobToken)
		return
	}
	var req submitRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.Kind == "" {
		a.writeValidation(w, "kind is required")
		return
	}
	if req.TimeoutMs < 0 || req.MaxAttempts < 0 {
		a.writeValidation(w, "timeout_ms and max_attempts must be non-negative")
		return
	}
	opts := []edgemesh.SubmitOption{
		edgemesh.Priority(req.Priority),
		edgemesh.MaxAttempts(req.MaxAttempts),
	}
	if req.ID != "" {
		opts = append(opts, edgemesh.TaskID(req.ID))
	}
	if req.TimeoutMs > 0 {
		opts = append(opts, edgemesh.Timeout(time.Duration(req.TimeoutMs)*time.Millisecond))
	}
	if req.TargetNodeID != "" {
		opts = append(opts, edgemesh.TargetNode(req.TargetNodeID))
	}
	if len(req.RequiredTags) > 0 {
		opts = append(opts, edgemesh.RequireTags(req.RequiredTags...))
	}
	t, err := a.sched.Submit(r.Context(), id, req.Kind, req.Payload, opts...)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, t)
}

func (a *API) handleAck(w http.ResponseWriter, r *http.Request) {
	a.metrics.CountRequest("task.ack")
	id, err := a.identity(r)
	if err != nil {
		a.writeAuthError(w, err, edgemesh.ErrMissingNodeToken)
		return
	}
	if err := a.sched.Ack(r.Context(), id, chi.URLParam(r, "taskID")); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"schema_version": edgemesh.SchemaVersion, "ok": true})
}

type resultRequest struct {
	OK     bool           `json:"ok"`
	Output map[string]any `json:"output"`
	Error  string         `json:"error"`
}

func (a *API) handleResult(w http.ResponseWriter, r *http.Request) {
	a.metrics.CountRequest("task.result")
	id, err := a.identity(r)
	if err != nil {
		a.writeAuthError(w, err, edgemesh.ErrMissingNodeToken)
		return
	}
	var req resultRequest
	if !a.decode(w, r, &req) {
		return
	}
	res := edgemesh.TaskResult{
		TaskID: chi.URLParam(r, "taskID"),
		NodeID: id.NodeID,
		OK:     req.OK,
		Output: req.Output,
		Error:  req.Error,
	}
	if err := a.sched.Result(r.Context(), id, res); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"schema_version": edgemesh.SchemaVersion, "ok": true})
}

func (a *API) handleGetTask(w http.ResponseWriter, r *http.Request) {
	a.metrics.CountRequest("task.get")
	t, err := a.sched.GetTask(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, t)
}

func (a *API) handleListTasks(w http.ResponseWriter, r *http.Request) {
	a.metrics.CountRequest("task.list")
	var filter edgemesh.TaskFilter
	if st := r.URL.Query().Get("status"); st != "" {
		status, err := edgemesh.ParseStatus(st)
		if err != nil {
			a.writeValidation(w, "unknown status")
			return
		}
		filter = func(t *edgemesh.Task) bool { return t.Status == status }
	}
	tasks, err := a.sched.ListTasks(r.Context(), filter)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, tasks)
}

func (a *API) handleTasksByStatus(status edgemesh.Status) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a.metrics.CountRequest("task.list")
		tasks, err := a.sched.ListTasks(r.Context(), func(t *edgemesh.Task) bool { return t.Status == status })
		if err != nil {
			a.writeError(w, err)
			return
		}
		a.writeJSON(w, http.StatusOK, tasks)
	}
}

func (a *API) handleCancel(w http.ResponseWriter, r *http.Request) {
	a.metrics.CountRequest("task.cancel")
	id, err := a.identity(r)
	if err != nil {
		a.writeAuthError(w, err, edgemesh.ErrUnauthorized)
		return
	}
	if err := a.sched.Cancel(r.Context(), id, chi.URLParam(r, "taskID")); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"schema_version": edgemesh.SchemaVersion, "ok": true})
}

func (a *API) handleListDlq(w http.ResponseWriter, r *http.Request) {
	a.metrics.CountRequest("dlq.list")
	entries, err := a.sched.ListDlq(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, entries)
}

func (a *API) handleGetDlq(w http.ResponseWriter, r *http.Request) {
	a.metrics.CountRequest("dlq.get")
	e, err := a.sched.GetDlqEntry(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, e)
}

func (a *API) handleReplay(w http.ResponseWriter, r *http.Request) {
	a.metrics.CountRequest("dlq.replay")
	id, err := a.identity(r)
	if err != nil {
		a.writeAuthError(w, err, edgemesh.ErrUnauthorized)
		return
	}
	t, err := a.sched.ReplayDlq(r.Context(), id, chi.URLParam(r, "taskID"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, t)
}

func (a *API) handleListNodes(w http.ResponseWriter, r *http.Request) {
	a.metrics.CountRequest("node.list")
	nodes, err := a.sched.ListNodes(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, nodes)
}

func (a *API) handleNodeStats(w http.ResponseWriter, r *http.Request) {
	a.metrics.CountRequest("node.stats")
	nodes, err := a.sched.ListNodes(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	stats := map[string]int{}
	for _, n := range nodes {
		stats[n.Fresh.String()]++
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"schema_version": edgemesh.SchemaVersion, "total": len(nodes), "by_freshness": stats})
}

func (a *API) handleDrain(draining bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if draining {
			a.metrics.CountRequest("node.drain")
		} else {
			a.metrics.CountRequest("node.undrain")
		}
		id, err := a.identity(r)
		if err != nil {
			a.writeAuthError(w, err, edgemesh.ErrUnauthorized)
			return
		}
		nodeID := chi.URLParam(r, "nodeID")
		if draining {
			err = a.sched.Drain(r.Context(), id, nodeID)
		} else {
			err = a.sched.Undrain(r.Context(), id, nodeID)
		}
		if err != nil {
			a.writeError(w, err)
			return
		}
		a.writeJSON(w, http.StatusOK, map[string]any{"schema_version": edgemesh.SchemaVersion, "ok": true})
	}
}

func (a *API) handleRevoke(w http.ResponseWriter, r *http.Request) {
	a.metrics.CountRequest("node.revoke")
	id, err := a.identity(r)
	if err != nil {
		a.writeAuthError(w, err, edgemesh.ErrUnauthorized)
		return
	}
	if err := a.sched.Revoke(r.Context(), id, chi.URLParam(r, "nodeID")); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"schema_version": edgemesh.SchemaVersion, "ok": true})
}

type mintJobRequest struct {
	TaskID string `json:"task_id"`
}

func (a *API) handleMintJobToken(w http.ResponseWriter, r *http.Request) {
	a.metrics.CountRequest("tokens.job")
	id, err := a.identity(r)
	if err != nil {
		a.writeAuthError(w, err, edgemesh.ErrUnauthorized)
		return
	}
	if !id.IsAdmin() {
		a.writeError(w, edgemesh.ErrUnauthorized)
		return
	}
	var req mintJobRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.TaskID == "" {
		a.writeValidation(w, "task_id is required")
		return
	}
	token, err := a.tokens.MintJob(req.TaskID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]string{"schema_version": edgemesh.SchemaVersion, "job_token": token})
}

// handleEvents streams bus events as server-sent events. The subscription is
// dropped by the bus if this client cannot keep up.
func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	a.metrics.CountRequest("events.stream")
	flusher, ok := w.(http.Flusher)
	if !ok {
		a.writeValidation(w, "streaming unsupported")
		return
	}
	id, ch := a.sched.Bus().Subscribe()
	defer a.sched.Bus().Unsubscribe(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			if _, err := w.Write([]byte("data: ")); err != nil {
				return
			}
			if err := enc.Encode(ev); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (a *API) handleSummary(w http.ResponseWriter, r *http.Request) {
	a.metrics.CountRequest("runs.summary")
	sum, err := edgemesh.Summarize(r.Context(), a.sched.Store(), a.sched.Bus())
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, sum)
}

func (a *API) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if err := a.metrics.Refresh(r.Context(), a.sched.Store(), a.sched.Bus()); err != nil {
		a.log.Warnf("httpapi: metrics refresh failed: %v", err)
	}
	a.metrics.Handler().ServeHTTP(w, r)
}
