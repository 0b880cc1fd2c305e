package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colloquy-ai/colloquy/pkg/agent"
	"github.com/colloquy-ai/colloquy/pkg/approval"
	"github.com/colloquy-ai/colloquy/pkg/costs"
	"github.com/colloquy-ai/colloquy/pkg/kv"
	"github.com/colloquy-ai/colloquy/pkg/llm"
	"github.com/colloquy-ai/colloquy/pkg/models"
	"github.com/colloquy-ai/colloquy/pkg/orchestrator"
	"github.com/colloquy-ai/colloquy/pkg/pause"
)

func newTestServer(t *testing.T) (*Server, *approval.Store) {
	t.Helper()

	dir := t.TempDir()
	def := "name: analyst\nmodel: gpt-4o\nsystem_prompt: You answer questions.\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "analyst.yaml"), []byte(def), 0o644))
	registry, err := agent.Load(dir, llm.NewEchoClient(), nil)
	require.NoError(t, err)

	store := kv.NewMemoryStore()
	approvals := approval.NewStore(store, nil, nil, nil)
	pauses := pause.NewManager(store, approvals)
	approvals.SetResumer(pauses)

	orch := orchestrator.New(orchestrator.Config{}, orchestrator.Deps{
		Registry:  registry,
		Tracker:   costs.NewTracker(nil),
		Approvals: approvals,
		Pauses:    pauses,
	})
	return NewServer(":0", orch, approvals), approvals
}

func doJSON(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)

	var report orchestrator.HealthReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, "healthy", report.Status)
	assert.Equal(t, 1, report.AgentCount)
}

func TestOrchestrateEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/api/v1/orchestrate",
		`{"message":"what is the revenue?","user_id":"u1","conversation_id":"c1"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var result models.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, "c1", result.ConversationID)
	assert.Empty(t, result.Error)
	assert.Contains(t, result.Response, "what is the revenue?")
	assert.Equal(t, []string{"analyst"}, result.AgentsUsed)
}

func TestOrchestrateEndpointRequiresMessage(t *testing.T) {
	s, _ := newTestServer(t)
	w := doJSON(t, s, http.MethodPost, "/api/v1/orchestrate", `{"user_id":"u1"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStreamEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(t, s, http.MethodGet, "/api/v1/orchestrate/stream?message=hello&conversation_id=c1", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "event:final")

	w = doJSON(t, s, http.MethodGet, "/api/v1/orchestrate/stream", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestApprovalEndpoints(t *testing.T) {
	s, approvals := newTestServer(t)

	req, err := approvals.Create(context.Background(), approval.CreateInput{
		ConversationID: "c1",
		UserID:         "alice",
		ActionType:     "delete",
		Description:    "drop stale rows",
	})
	require.NoError(t, err)
	require.NotNil(t, req)

	w := doJSON(t, s, http.MethodGet, "/api/v1/approvals?status=pending", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)

	w = doJSON(t, s, http.MethodGet, "/api/v1/approvals/"+req.ID, "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, s, http.MethodPost, "/api/v1/approvals/"+req.ID+"/approve",
		`{"user":"ops","rationale":"checked"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var decided approval.Request
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &decided))
	assert.Equal(t, approval.StatusApproved, decided.Status)

	// Deciding again conflicts.
	w = doJSON(t, s, http.MethodPost, "/api/v1/approvals/"+req.ID+"/deny", `{"user":"ops"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	// Audit trail records both events.
	w = doJSON(t, s, http.MethodGet, "/api/v1/approvals/"+req.ID+"/audit", "")
	require.Equal(t, http.StatusOK, w.Code)
	var audit struct {
		Audit []approval.AuditEntry `json:"audit"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &audit))
	assert.Len(t, audit.Audit, 2)
}

func TestApprovalEndpointErrors(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(t, s, http.MethodGet, "/api/v1/approvals/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, s, http.MethodPost, "/api/v1/approvals/nope/approve", `{"rationale":"no user"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, s, http.MethodPost, "/api/v1/approvals/nope/approve", `{"user":"ops"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
