package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthub-ai/agenthub/internal/backend"
	"github.com/agenthub-ai/agenthub/internal/catalog"
	"github.com/agenthub-ai/agenthub/internal/config"
	"github.com/agenthub-ai/agenthub/internal/events"
	"github.com/agenthub-ai/agenthub/internal/llm"
	"github.com/agenthub-ai/agenthub/internal/orchestrator"
	"github.com/agenthub-ai/agenthub/internal/registry"
)

// scriptedModel replays canned completions in order.
type scriptedModel struct {
	mu     sync.Mutex
	script []*llm.CompletionResponse
}

func (m *scriptedModel) Complete(_ context.Context, _ *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.script) == 0 {
		return &llm.CompletionResponse{Content: "out of script"}, nil
	}
	resp := m.script[0]
	m.script = m.script[1:]
	return resp, nil
}

func (m *scriptedModel) ModelName() string { return "scripted" }

func newFakeBackendServer(t *testing.T, ops ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     int64  `json:"id"`
			Method string `json:"method"`
			Params struct {
				Name string `json:"name"`
			} `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		var result interface{}
		switch req.Method {
		case "initialize":
			result = map[string]interface{}{"server_name": "fake"}
		case "operations/list":
			specs := make([]map[string]interface{}, 0, len(ops))
			for _, op := range ops {
				specs = append(specs, map[string]interface{}{"name": op})
			}
			result = map[string]interface{}{"operations": specs}
		case "operations/call":
			result = map[string]interface{}{
				"content": []map[string]interface{}{
					{"type": "text", "text": req.Params.Name + " ran"},
				},
			}
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  result,
		}))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestServer(t *testing.T, model llm.Client, seeds map[string]*config.BackendConfig) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Backends = seeds
	cfg.RemovalCooldownSeconds = 10

	compile := func(cat *catalog.Catalog, invoker orchestrator.Invoker) (*orchestrator.Graph, error) {
		return orchestrator.Compile(orchestrator.Options{
			Client:  model,
			Catalog: cat,
			Invoker: invoker,
		})
	}
	store := registry.NewStore(
		time.Duration(cfg.RemovalCooldownSeconds)*time.Second,
		time.Duration(cfg.TenantTTLSeconds)*time.Second,
	)
	reg := registry.New(store, backend.NewLifecycle(5*time.Second, 0), compile, nil)
	t.Cleanup(reg.Close)

	srv := New(cfg, reg, events.NewHub(), NewConversationStore(nil))
	api := httptest.NewServer(srv.Router())
	t.Cleanup(api.Close)
	return srv, api
}

func postJSON(t *testing.T, url string, payload interface{}) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestBackendLifecycleOverHTTP(t *testing.T) {
	fake := newFakeBackendServer(t, "tickets_list")
	_, api := newTestServer(t, &scriptedModel{}, nil)

	resp := postJSON(t, api.URL+"/v1/tenants/acme/backends", map[string]interface{}{
		"name": "tickets",
		"url":  fake.URL,
	})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	// The operation shows up in the tenant's graph.
	graphResp, err := http.Get(api.URL + "/v1/tenants/acme/graph")
	require.NoError(t, err)
	defer graphResp.Body.Close()
	require.Equal(t, http.StatusOK, graphResp.StatusCode)
	var graphBody struct {
		Mermaid string `json:"mermaid"`
	}
	decodeBody(t, graphResp, &graphBody)
	assert.Contains(t, graphBody.Mermaid, "tickets_list")

	// Removal starts the cooldown: an immediate re-add conflicts.
	req, err := http.NewRequest(http.MethodDelete, api.URL+"/v1/tenants/acme/backends/tickets", nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer delResp.Body.Close()
	assert.Equal(t, http.StatusOK, delResp.StatusCode)

	conflict := postJSON(t, api.URL+"/v1/tenants/acme/backends", map[string]interface{}{
		"name": "tickets",
		"url":  fake.URL,
	})
	assert.Equal(t, http.StatusConflict, conflict.StatusCode)

	// Deleting again is a 404.
	req2, err := http.NewRequest(http.MethodDelete, api.URL+"/v1/tenants/acme/backends/tickets", nil)
	require.NoError(t, err)
	del2, err := http.DefaultClient.Do(req2)
	require.NoError(t, err)
	defer del2.Body.Close()
	assert.Equal(t, http.StatusNotFound, del2.StatusCode)
}

func TestAddBackendValidation(t *testing.T) {
	_, api := newTestServer(t, &scriptedModel{}, nil)

	resp := postJSON(t, api.URL+"/v1/tenants/acme/backends", map[string]interface{}{
		"name": "no-url",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTurnRunsInvocationAndPersistsConversation(t *testing.T) {
	fake := newFakeBackendServer(t, "tickets_list")
	model := &scriptedModel{script: []*llm.CompletionResponse{
		{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "tickets_list"}}},
		{Content: "You have tickets."},
		{Content: "Anything else?"},
	}}
	srv, api := newTestServer(t, model, map[string]*config.BackendConfig{
		"tickets": {URL: fake.URL},
	})

	resp := postJSON(t, api.URL+"/v1/tenants/acme/turn", map[string]interface{}{
		"conversation_id": "c-1",
		"message":         "how many tickets are open?",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		ConversationID string `json:"conversation_id"`
		Output         string `json:"output"`
		Invocations    int    `json:"invocations"`
	}
	decodeBody(t, resp, &body)
	assert.Equal(t, "c-1", body.ConversationID)
	assert.Equal(t, "You have tickets.", body.Output)
	assert.Equal(t, 1, body.Invocations)

	// The stored conversation holds the full exchange and carries over into
	// the next turn.
	history := srv.conversations.History("acme", "c-1")
	require.NotEmpty(t, history)
	assert.Equal(t, llm.RoleHuman, history[0].Role)

	resp2 := postJSON(t, api.URL+"/v1/tenants/acme/turn", map[string]interface{}{
		"conversation_id": "c-1",
		"message":         "thanks",
	})
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	longer := srv.conversations.History("acme", "c-1")
	assert.Greater(t, len(longer), len(history))
}

func TestTurnRequiresMessage(t *testing.T) {
	_, api := newTestServer(t, &scriptedModel{}, nil)

	resp := postJSON(t, api.URL+"/v1/tenants/acme/turn", map[string]interface{}{
		"conversation_id": "c-1",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDirectCallBypassesModel(t *testing.T) {
	fake := newFakeBackendServer(t, "tickets_list")
	_, api := newTestServer(t, &scriptedModel{}, map[string]*config.BackendConfig{
		"tickets": {URL: fake.URL},
	})

	resp := postJSON(t, api.URL+"/v1/tenants/acme/call", map[string]interface{}{
		"operation": "tickets_list",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Text string `json:"text"`
	}
	decodeBody(t, resp, &body)
	assert.Equal(t, "tickets_list ran", body.Text)

	missing := postJSON(t, api.URL+"/v1/tenants/acme/call", map[string]interface{}{
		"operation": "ghost",
	})
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestDisabledSeedIsSkipped(t *testing.T) {
	fake := newFakeBackendServer(t, "tickets_list")
	srv, api := newTestServer(t, &scriptedModel{script: []*llm.CompletionResponse{
		{Content: "model only"},
	}}, map[string]*config.BackendConfig{
		"tickets": {URL: fake.URL, Disabled: true},
	})

	resp := postJSON(t, api.URL+"/v1/tenants/acme/turn", map[string]interface{}{
		"message": "hello",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0, srv.registry.Store().BackendCount("acme"))
}

func TestApplyConfigReseedsTenants(t *testing.T) {
	fake := newFakeBackendServer(t, "tickets_list")
	srv, api := newTestServer(t, &scriptedModel{script: []*llm.CompletionResponse{
		{Content: "first"},
		{Content: "second"},
	}}, nil)

	resp := postJSON(t, api.URL+"/v1/tenants/acme/turn", map[string]interface{}{"message": "hello"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0, srv.registry.Store().BackendCount("acme"))

	newCfg := config.DefaultConfig()
	newCfg.Backends = map[string]*config.BackendConfig{
		"tickets": {URL: fake.URL},
	}
	srv.ApplyConfig(newCfg)

	resp2 := postJSON(t, api.URL+"/v1/tenants/acme/turn", map[string]interface{}{"message": "hello again"})
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	assert.Equal(t, 1, srv.registry.Store().BackendCount("acme"))
}

func TestDroppedTenantLosesConversationsAndReseeds(t *testing.T) {
	fake := newFakeBackendServer(t, "tickets_list")
	srv, api := newTestServer(t, &scriptedModel{script: []*llm.CompletionResponse{
		{Content: "first"},
		{Content: "second"},
	}}, map[string]*config.BackendConfig{
		"tickets": {URL: fake.URL},
	})

	resp := postJSON(t, api.URL+"/v1/tenants/acme/turn", map[string]interface{}{"message": "hello"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, srv.conversations.History("acme", "default"))

	srv.registry.DropTenant("acme")
	assert.Empty(t, srv.conversations.History("acme", "default"))

	// The cleanup forgot the tenant's seed mark too, so the next turn
	// re-registers the configured backend.
	resp2 := postJSON(t, api.URL+"/v1/tenants/acme/turn", map[string]interface{}{"message": "again"})
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	assert.Equal(t, 1, srv.registry.Store().BackendCount("acme"))
}

func TestStatsAndHealth(t *testing.T) {
	fake := newFakeBackendServer(t, "tickets_list")
	_, api := newTestServer(t, &scriptedModel{}, nil)

	resp := postJSON(t, api.URL+"/v1/tenants/acme/backends", map[string]interface{}{
		"name": "tickets",
		"url":  fake.URL,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	statsResp, err := http.Get(api.URL + "/v1/stats")
	require.NoError(t, err)
	defer statsResp.Body.Close()
	require.Equal(t, http.StatusOK, statsResp.StatusCode)
	var stats struct {
		Tenants []registry.TenantStats `json:"tenants"`
	}
	decodeBody(t, statsResp, &stats)
	require.Len(t, stats.Tenants, 1)
	assert.Equal(t, "acme", stats.Tenants[0].Tenant)
	assert.Equal(t, 1, stats.Tenants[0].Backends)

	health, err := http.Get(api.URL + "/healthz")
	require.NoError(t, err)
	defer health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}
