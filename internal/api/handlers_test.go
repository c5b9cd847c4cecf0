package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/chatfuse/botflow/internal/flow"
	"github.com/chatfuse/botflow/internal/models"
	"github.com/chatfuse/botflow/internal/store"
)

func newTestServer() (*Server, *store.InMemoryStore) {
	st := store.NewInMemoryStore()
	engine := flow.NewEngine(st, store.NewOutboxEnqueuer(st), flow.LoggingConversationGateway{})
	return NewServer(st, engine, nil), st
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) models.APIResponse {
	t.Helper()
	var resp models.APIResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestHealthHandler(t *testing.T) {
	srv, _ := newTestServer()
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if resp := decodeResponse(t, rec); resp.Status != "ok" {
		t.Errorf("expected ok status, got %+v", resp)
	}
}

func TestHealthHandler_MethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer()
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
	if allow := rec.Header().Get("Allow"); allow != http.MethodGet {
		t.Errorf("expected Allow: GET, got %q", allow)
	}
}

func TestInboundMessageHandler_Validation(t *testing.T) {
	srv, _ := newTestServer()

	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook/message", strings.NewReader("{not json")))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed JSON should be 400, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook/message",
		strings.NewReader(`{"body":"hello"}`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing tenant and conversation ids should be 400, got %d", rec.Code)
	}
}

func TestInboundMessageHandler_StartsSession(t *testing.T) {
	srv, st := newTestServer()
	if err := st.SaveBot(models.Bot{ID: "b1", TenantID: "t1", CatchAll: true}); err != nil {
		t.Fatalf("SaveBot: %v", err)
	}
	err := st.SaveFlow(models.Flow{ID: "f1", BotID: "b1", Active: true, Nodes: []models.Node{
		{ID: "n1", Type: models.NodeTypeMessage, Content: "Welcome", CreatedAt: time.Now()},
	}})
	if err != nil {
		t.Fatalf("SaveFlow: %v", err)
	}

	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook/message",
		strings.NewReader(`{"tenant_id":"t1","conversation_id":"conv1","body":"hi"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	// The single-node flow ends immediately; the outbound message is queued.
	queued, err := st.ClaimDueOutboxMessages(time.Now(), 10)
	if err != nil {
		t.Fatalf("ClaimDueOutboxMessages: %v", err)
	}
	if len(queued) != 1 || queued[0].Kind != string(models.IntentKindText) {
		t.Errorf("expected one queued text message, got %+v", queued)
	}
}

func TestGetSessionHandler(t *testing.T) {
	srv, st := newTestServer()
	sess := models.Session{ID: "s1", ConversationID: "conv1", Status: models.SessionStatusWaiting}
	if err := st.SaveSession(sess); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions?id=s1", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("lookup by id should be 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions?conversation_id=conv1", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("lookup by conversation should be 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions?id=missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown session should be 404, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing query parameters should be 400, got %d", rec.Code)
	}
}

func TestSaveFlowHandler_RejectsInvalidGraph(t *testing.T) {
	srv, _ := newTestServer()

	body := `{"id":"f1","bot_id":"b1","nodes":[{"id":"n1","type":"MESSAGE","content":"hi"}],` +
		`"edges":[{"source_node_id":"n1","target_node_id":"ghost","condition_type":"ALWAYS"}]}`
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/flows", strings.NewReader(body)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("dangling edge should be rejected, got %d: %s", rec.Code, rec.Body.String())
	}

	body = `{"id":"f1","bot_id":"b1","nodes":[{"id":"n1","type":"TELEPORT"}]}`
	rec = httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/flows", strings.NewReader(body)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown node type should be rejected, got %d", rec.Code)
	}
}

func TestSaveFlowHandler_RejectsActiveFlowWithoutNodes(t *testing.T) {
	srv, st := newTestServer()

	body := `{"id":"f-empty","bot_id":"b1","active":true,"nodes":[],"edges":[]}`
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/flows", strings.NewReader(body)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("activating a flow with zero nodes should be 400, got %d: %s", rec.Code, rec.Body.String())
	}

	graph, err := st.GetFlowGraph("b1")
	if err != nil {
		t.Fatalf("GetFlowGraph: %v", err)
	}
	if graph != nil {
		t.Errorf("rejected flow must not be persisted, got %+v", graph)
	}

	// An inactive draft with no nodes yet is still storable.
	body = `{"id":"f-draft","bot_id":"b1","active":false,"nodes":[],"edges":[]}`
	rec = httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/flows", strings.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Errorf("saving an inactive empty draft should succeed, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestSaveFlowHandler_PersistsValidFlow(t *testing.T) {
	srv, st := newTestServer()

	body := `{"id":"f1","bot_id":"b1","active":true,"nodes":[{"id":"n1","type":"MESSAGE","content":"hi"}]}`
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/flows", strings.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	graph, err := st.GetFlowGraph("b1")
	if err != nil {
		t.Fatalf("GetFlowGraph: %v", err)
	}
	if graph == nil || graph.FlowID != "f1" {
		t.Errorf("flow should be active for the bot, got %+v", graph)
	}
}

func TestSaveBotHandler_RequiresIdentity(t *testing.T) {
	srv, _ := newTestServer()
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/bots", strings.NewReader(`{"name":"anon"}`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bot without id and tenant should be 400, got %d", rec.Code)
	}
}

func TestSaveWorkingHoursHandler(t *testing.T) {
	srv, st := newTestServer()

	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/working-hours",
		strings.NewReader(`{"timezone":"UTC"}`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing tenant_id should be 400, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/working-hours?tenant_id=t1",
		strings.NewReader(`{"timezone":"UTC","days":{"1":{"open":"09:00","close":"17:00"}}}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	cfg, err := st.GetWorkingHours("t1")
	if err != nil {
		t.Fatalf("GetWorkingHours: %v", err)
	}
	if cfg == nil || cfg.Days[time.Monday].Open != "09:00" {
		t.Errorf("working hours not persisted, got %+v", cfg)
	}
}
