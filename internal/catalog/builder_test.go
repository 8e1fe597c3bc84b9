package catalog

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/agenthub-ai/agenthub/internal/backend"
)

type fakeRPC struct {
	ops       []backend.OperationSpec
	discovery *backend.CallResult
}

func serveFake(t *testing.T, f fakeRPC) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     int64                  `json:"id"`
			Method string                 `json:"method"`
			Params map[string]interface{} `json:"params"`
		}
		json.NewDecoder(r.Body).Decode(&req)

		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
		switch req.Method {
		case "initialize":
			resp["result"] = map[string]string{"server_name": "fake"}
		case "operations/list":
			resp["result"] = map[string]interface{}{"operations": f.ops}
		case "operations/call":
			if f.discovery != nil {
				resp["result"] = f.discovery
			} else {
				resp["error"] = map[string]interface{}{"code": -32602, "message": "no such operation"}
			}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
}

func dialFake(t *testing.T, name string, server *httptest.Server, discoveryOp string) *backend.Connection {
	t.Helper()
	conn, err := backend.Dial(context.Background(), backend.Descriptor{
		Name:        name,
		URL:         server.URL,
		DiscoveryOp: discoveryOp,
	}, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", name, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestBuildMergesBackends(t *testing.T) {
	first := serveFake(t, fakeRPC{ops: []backend.OperationSpec{
		{Name: "get_weather", Description: "weather"},
		{Name: "shared_op", Description: "from first"},
	}})
	defer first.Close()
	second := serveFake(t, fakeRPC{ops: []backend.OperationSpec{
		{Name: "list_files", Description: "files"},
		{Name: "shared_op", Description: "from second"},
	}})
	defer second.Close()

	conns := []*backend.Connection{
		dialFake(t, "weather", first, ""),
		dialFake(t, "files", second, ""),
	}

	cat, errs := NewBuilder().Build(context.Background(), conns)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if cat.Len() != 3 {
		t.Fatalf("catalog has %d operations, want 3 (duplicate dropped)", cat.Len())
	}

	op, ok := cat.Lookup("shared_op")
	if !ok {
		t.Fatal("shared_op missing")
	}
	if op.Backend != "weather" || op.Description != "from first" {
		t.Errorf("first-wins violated: %+v", op)
	}
}

func TestBuildCollectsPerBackendErrors(t *testing.T) {
	empty := serveFake(t, fakeRPC{})
	defer empty.Close()
	good := serveFake(t, fakeRPC{ops: []backend.OperationSpec{{Name: "ping"}}})
	defer good.Close()

	deadConn, err := backend.Dial(context.Background(), backend.Descriptor{Name: "dead", URL: good.URL}, nil)
	if err != nil {
		t.Fatal(err)
	}
	deadConn.Close()

	conns := []*backend.Connection{
		dialFake(t, "empty", empty, ""),
		deadConn,
		dialFake(t, "good", good, ""),
		nil,
	}

	cat, errs := NewBuilder().Build(context.Background(), conns)
	if len(errs) != 2 {
		t.Fatalf("got %d errors, want 2 (zero ops + closed): %v", len(errs), errs)
	}
	if cat.Len() != 1 {
		t.Errorf("catalog has %d operations, want the surviving backend's 1", cat.Len())
	}
	if _, ok := cat.Lookup("ping"); !ok {
		t.Error("surviving operation missing from partial catalog")
	}
}

func TestBuildExpandsWorkflowIndex(t *testing.T) {
	server := serveFake(t, fakeRPC{
		ops: []backend.OperationSpec{{Name: "search_workflows", Description: "discovery"}},
		discovery: &backend.CallResult{
			Content: []backend.ContentBlock{{Type: "text", Text: "2 workflows"}},
			Structured: map[string]interface{}{
				"data": []interface{}{
					map[string]interface{}{
						"name":        "send_invoice",
						"description": "Sends an invoice",
						"input_schema": map[string]interface{}{
							"type": "object",
						},
					},
					map[string]interface{}{
						"name": "sync_contacts",
						"response_handling": map[string]interface{}{
							"mode": "direct",
						},
					},
					map[string]interface{}{"description": "nameless, skipped"},
					"not-a-map",
				},
			},
		},
	})
	defer server.Close()

	conns := []*backend.Connection{dialFake(t, "flows", server, "search_workflows")}

	cat, errs := NewBuilder().Build(context.Background(), conns)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	// discovery op itself + 2 valid sub-operations
	if cat.Len() != 3 {
		t.Fatalf("catalog has %d operations, want 3", cat.Len())
	}

	sub, ok := cat.Lookup("send_invoice")
	if !ok {
		t.Fatal("sub-operation missing")
	}
	if sub.Backend != "flows" {
		t.Errorf("sub-operation routes to %q, want owning index backend", sub.Backend)
	}

	withMeta, _ := cat.Lookup("sync_contacts")
	if withMeta.ResponseHandling["mode"] != "direct" {
		t.Errorf("response handling metadata lost: %+v", withMeta.ResponseHandling)
	}
}

func TestToolDefs(t *testing.T) {
	cat := newCatalog()
	cat.add(Operation{Name: "a", Description: "first", InputSchema: map[string]interface{}{"type": "object"}})
	cat.add(Operation{Name: "b"})

	defs := cat.ToolDefs()
	if len(defs) != 2 {
		t.Fatalf("got %d defs", len(defs))
	}
	if defs[0].Name != "a" || defs[0].InputSchema["type"] != "object" {
		t.Errorf("defs[0] = %+v", defs[0])
	}
	// Schema-less operations get an empty object schema.
	if defs[1].InputSchema["type"] != "object" {
		t.Errorf("missing fallback schema: %+v", defs[1])
	}
}

func TestCatalogLookupAndNames(t *testing.T) {
	cat := newCatalog()
	cat.add(Operation{Name: "zeta"})
	cat.add(Operation{Name: "alpha"})

	if _, ok := cat.Lookup("missing"); ok {
		t.Error("Lookup should miss for unknown names")
	}
	names := cat.Names()
	if len(names) != 2 || names[0] != "alpha" {
		t.Errorf("Names() = %v, want sorted", names)
	}

	var nilCat *Catalog
	if nilCat.Len() != 0 || nilCat.Names() != nil || nilCat.ToolDefs() != nil {
		t.Error("nil catalog accessors should be safe")
	}
}

func TestBuildRespectsContextTimeout(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     int64  `json:"id"`
			Method string `json:"method"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.Method != "initialize" {
			time.Sleep(200 * time.Millisecond)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0", "id": req.ID,
			"result": map[string]interface{}{"operations": []backend.OperationSpec{}},
		})
	}))
	defer slow.Close()

	conn := dialFake(t, "slow", slow, "")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, errs := NewBuilder().Build(ctx, []*backend.Connection{conn})
	if len(errs) == 0 {
		t.Error("expected a timeout error from the slow backend")
	}
}
