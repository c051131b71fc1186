package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	edgemesh "github.com/edgemesh/edgemesh-go"
	"github.com/edgemesh/edgemesh-go/internal/auth"
	"github.com/edgemesh/edgemesh-go/internal/memstore"
)

type testEnv struct {
	srv    *httptest.Server
	tokens *auth.Service
	admin  string
	boot   string
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	store := memstore.New(edgemesh.StoreConfig{})
	bus := edgemesh.NewEventBus(edgemesh.BusConfig{})
	metrics := edgemesh.NewMetrics(bus)
	sched := edgemesh.NewScheduler(store, bus, edgemesh.SchedulerConfig{Logger: edgemesh.NopLogger{}})
	tokens := auth.New(auth.Config{
		Secrets: auth.Secrets{Admin: "sa", Bootstrap: "sb", Node: "sn", Job: "sj"},
	})
	api := New(sched, tokens, metrics, edgemesh.NopLogger{})
	srv := httptest.NewServer(api.Router())
	t.Cleanup(srv.Close)

	adminTok, err := tokens.MintAdmin()
	require.NoError(t, err)
	bootTok, err := tokens.MintBootstrap()
	require.NoError(t, err)
	return &testEnv{srv: srv, tokens: tokens, admin: adminTok, boot: bootTok}
}

// do issues a request and decodes the JSON response into out when non-nil.
func (e *testEnv) do(t *testing.T, method, path, token string, body any, out any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	if out != nil && resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

// registerNode registers a node and returns its node token.
func (e *testEnv) registerNode(t *testing.T, nodeID string, tags []string) string {
	t.Helper()
	var reg struct {
		NodeToken string `json:"node_token"`
	}
	resp := e.do(t, "POST", "/v1/nodes/register", e.boot,
		map[string]any{"node_id": nodeID, "tags": tags, "max_concurrent_tasks": 4}, &reg)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, reg.NodeToken)

	resp = e.do(t, "POST", "/v1/nodes/"+nodeID+"/heartbeat", reg.NodeToken,
		map[string]any{"status": "healthy", "load": 0.2, "running_tasks": 0}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return reg.NodeToken
}

func TestAPI_FullTaskLifecycle(t *testing.T) {
	e := newEnv(t)
	nodeTok := e.registerNode(t, "n1", []string{"linux"})

	// Admin mints a job token bound to a task id, the producer submits.
	var mint struct {
		JobToken string `json:"job_token"`
	}
	resp := e.do(t, "POST", "/v1/tokens/job", e.admin, map[string]any{"task_id": "task-1"}, &mint)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var task edgemesh.Task
	resp = e.do(t, "POST", "/v1/tasks", mint.JobToken,
		map[string]any{"kind": "build", "payload": map[string]any{"ref": "main"}, "priority": 5}, &task)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "task-1", task.ID)
	require.Equal(t, edgemesh.StatusQueued, task.Status)

	// Claim, ack, result.
	var claimed edgemesh.Task
	resp = e.do(t, "POST", "/v1/nodes/n1/claim", nodeTok, nil, &claimed)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "task-1", claimed.ID)
	require.Equal(t, 1, claimed.Attempt)

	resp = e.do(t, "POST", "/v1/tasks/task-1/ack", nodeTok, map[string]any{}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = e.do(t, "POST", "/v1/tasks/task-1/result", nodeTok,
		map[string]any{"ok": true, "output": map[string]any{"artifact": "bin"}}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got edgemesh.Task
	resp = e.do(t, "GET", "/v1/tasks/task-1", "", nil, &got)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, edgemesh.StatusDone, got.Status)

	// An empty queue claims nothing.
	resp = e.do(t, "POST", "/v1/nodes/n1/claim", nodeTok, nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestAPI_ErrorEnvelopeCodes(t *testing.T) {
	e := newEnv(t)

	var env struct {
		Error string `json:"error"`
	}
	resp := e.do(t, "GET", "/v1/tasks/missing", "", nil, &env)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "task_not_found", env.Error)

	resp = e.do(t, "POST", "/v1/tasks/missing/cancel", "", nil, &env)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, "unauthorized", env.Error)

	resp = e.do(t, "POST", "/v1/nodes/register", "", map[string]any{"node_id": "x"}, &env)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, "node_bootstrap_denied", env.Error)

	resp = e.do(t, "POST", "/v1/tasks", e.admin, map[string]any{}, &env)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "invalid_payload", env.Error)

	resp = e.do(t, "POST", "/v1/dlq/missing/replay", e.admin, nil, &env)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "dlq_entry_not_found", env.Error)
}

func TestAPI_JobTokenReplayRejected(t *testing.T) {
	e := newEnv(t)

	var mint struct {
		JobToken string `json:"job_token"`
	}
	resp := e.do(t, "POST", "/v1/tokens/job", e.admin, map[string]any{"task_id": "t1"}, &mint)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = e.do(t, "POST", "/v1/tasks", mint.JobToken, map[string]any{"kind": "k"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var env struct {
		Error string `json:"error"`
	}
	resp = e.do(t, "POST", "/v1/tasks", mint.JobToken, map[string]any{"kind": "k"}, &env)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "token_replay", env.Error)
}

func TestAPI_NodeTokenPathMismatch(t *testing.T) {
	e := newEnv(t)
	tok1 := e.registerNode(t, "n1", nil)
	e.registerNode(t, "n2", nil)

	var env struct {
		Error string `json:"error"`
	}
	resp := e.do(t, "POST", "/v1/nodes/n2/heartbeat", tok1, map[string]any{"status": "healthy"}, &env)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, "token_node_mismatch", env.Error)

	resp = e.do(t, "POST", "/v1/nodes/n2/claim", tok1, nil, &env)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, "token_node_mismatch", env.Error)
}

func TestAPI_AdminOpsAndDlqReplay(t *testing.T) {
	e := newEnv(t)
	nodeTok := e.registerNode(t, "n1", nil)

	var mint struct {
		JobToken string `json:"job_token"`
	}
	e.do(t, "POST", "/v1/tokens/job", e.admin, map[string]any{"task_id": "t1"}, &mint)
	resp := e.do(t, "POST", "/v1/tasks", mint.JobToken,
		map[string]any{"kind": "k", "max_attempts": 1}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// Fail it straight to the DLQ.
	var claimed edgemesh.Task
	resp = e.do(t, "POST", "/v1/nodes/n1/claim", nodeTok, nil, &claimed)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = e.do(t, "POST", "/v1/tasks/t1/result", nodeTok, map[string]any{"ok": false, "error": "boom"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var entries []edgemesh.DlqEntry
	resp = e.do(t, "GET", "/v1/dlq", "", nil, &entries)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, entries, 1)
	require.Equal(t, edgemesh.DlqMaxAttempts, entries[0].Reason)

	// Replay needs the admin token.
	var env struct {
		Error string `json:"error"`
	}
	resp = e.do(t, "POST", "/v1/dlq/t1/replay", nodeTok, nil, &env)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	var restored edgemesh.Task
	resp = e.do(t, "POST", "/v1/dlq/t1/replay", e.admin, nil, &restored)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, edgemesh.StatusQueued, restored.Status)
	require.Zero(t, restored.Attempt)

	// Drain stops claims; undrain restores them.
	resp = e.do(t, "POST", "/v1/nodes/n1/drain", e.admin, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = e.do(t, "POST", "/v1/nodes/n1/claim", nodeTok, nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = e.do(t, "POST", "/v1/nodes/n1/undrain", e.admin, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var again edgemesh.Task
	resp = e.do(t, "POST", "/v1/nodes/n1/claim", nodeTok, nil, &again)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "t1", again.ID)
}

func TestAPI_ReadSurfacesAndMetrics(t *testing.T) {
	e := newEnv(t)
	e.registerNode(t, "n1", []string{"linux"})

	var mint struct {
		JobToken string `json:"job_token"`
	}
	e.do(t, "POST", "/v1/tokens/job", e.admin, map[string]any{"task_id": "t1"}, &mint)
	e.do(t, "POST", "/v1/tasks", mint.JobToken, map[string]any{"kind": "k"}, nil)

	var tasks []edgemesh.Task
	resp := e.do(t, "GET", "/v1/tasks/queue", "", nil, &tasks)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, tasks, 1)

	var nodes []edgemesh.Node
	resp = e.do(t, "GET", "/v1/nodes", "", nil, &nodes)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, nodes, 1)
	require.Equal(t, edgemesh.FreshHealthy, nodes[0].Fresh)

	var sum edgemesh.RunSummary
	resp = e.do(t, "GET", "/v1/runs/summary", "", nil, &sum)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1, sum.Tasks[edgemesh.StatusQueued.String()])

	// Prometheus text format.
	raw, err := http.Get(e.srv.URL + "/metrics")
	require.NoError(t, err)
	defer raw.Body.Close()
	require.Equal(t, http.StatusOK, raw.StatusCode)
	require.Contains(t, readAll(t, raw), "edgemesh_tasks")
}

func readAll(t *testing.T, resp *http.Response) string {
	t.Helper()
	var buf bytes.Buffer
	_, err := buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return buf.String()
}
