package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Simplereally/rapid-chat/internal/ai"
	"github.com/Simplereally/rapid-chat/internal/approval"
	"github.com/Simplereally/rapid-chat/internal/chat"
	"github.com/Simplereally/rapid-chat/internal/config"
	"github.com/Simplereally/rapid-chat/internal/session"
	"github.com/Simplereally/rapid-chat/internal/storage/sqlite"
	"github.com/Simplereally/rapid-chat/internal/stream"
	"github.com/Simplereally/rapid-chat/internal/websocket"
	"github.com/Simplereally/rapid-chat/pkg/logger"
)

// echoProvider answers every turn with a single text event
type echoProvider struct{}

func (echoProvider) StreamTurn(ctx context.Context, req ai.TurnRequest) (<-chan ai.Event, error) {
	events := make(chan ai.Event, 2)
	events <- ai.Event{Kind: ai.EventText, Text: "echo"}
	events <- ai.Event{Kind: ai.EventDone}
	close(events)
	return events, nil
}

type apiFixture struct {
	store   *session.Store
	storage *sqlite.ConversationStorage
	router  http.Handler
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	log := logger.NewNop()

	store := session.NewStore(log)
	storage, err := sqlite.NewConversationStorage(filepath.Join(t.TempDir(), "test.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })

	manager := stream.NewManager(store, stream.Config{Provider: echoProvider{}}, log)
	coordinator := approval.NewCoordinator(store, approval.NewRegistry(), log)

	cfg := &config.Config{}
	cfg.Server.Port = 8080
	cfg.AI.APIKey = "test-key"
	require.NoError(t, cfg.Validate())

	wsServer := websocket.NewServer(log)
	go wsServer.Run()

	return &apiFixture{
		store:   store,
		storage: storage,
		router:  NewRouter(store, manager, coordinator, storage, cfg, log, wsServer),
	}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", decodeBody(t, rec)["status"])
}

func TestCreateSession(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/sessions/", map[string]string{"session_id": "s1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "s1", body["session_id"])
	require.Equal(t, true, body["owned"])

	// Creating the same session again is fine; it already belongs to us.
	rec = f.do(t, http.MethodPost, "/api/v1/sessions/", map[string]string{"session_id": "s1"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/sessions/", map[string]string{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateSession_ConflictForMirroredSession(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	f.store.ApplyRemote(session.Snapshot{SessionID: "s1", Status: session.StatusStreaming, Seq: 1})

	rec := f.do(t, http.MethodPost, "/api/v1/sessions/", map[string]string{"session_id": "s1"})
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestSendMessageAndGetSession(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/sessions/s1/messages", map[string]string{"text": "hello"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool {
		state, ok := f.store.Read("s1")
		return ok && state.Status == session.StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	rec = f.do(t, http.MethodGet, "/api/v1/sessions/s1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "completed", body["status"])
	require.Len(t, body["messages"], 2)

	rec = f.do(t, http.MethodPost, "/api/v1/sessions/s1/messages", map[string]string{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetSession_NotFound(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/sessions/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStopSession(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/sessions/s1/stop", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	f.do(t, http.MethodPost, "/api/v1/sessions/", map[string]string{"session_id": "s1"})
	rec = f.do(t, http.MethodPost, "/api/v1/sessions/s1/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestMarkSessionRead(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	f.do(t, http.MethodPost, "/api/v1/sessions/", map[string]string{"session_id": "s1"})

	read := false
	f.store.Mutate("s1", session.Patch{IsRead: &read})

	rec := f.do(t, http.MethodPost, "/api/v1/sessions/s1/read", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	state, _ := f.store.Read("s1")
	require.True(t, state.IsRead)

	rec = f.do(t, http.MethodPost, "/api/v1/sessions/missing/read", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteSession(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	f.do(t, http.MethodPost, "/api/v1/sessions/", map[string]string{"session_id": "s1"})

	rec := f.do(t, http.MethodDelete, "/api/v1/sessions/s1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 0, f.store.Len())
}

func TestApprovalEndpoints(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	f.do(t, http.MethodPost, "/api/v1/sessions/", map[string]string{"session_id": "s1"})

	msgs := []chat.Message{{
		ID:   "m1",
		Role: chat.RoleAssistant,
		Parts: []chat.Part{chat.ToolCallPart{
			ID:       "call-1",
			Name:     "exec",
			State:    chat.ToolStateApprovalRequested,
			Approval: &chat.Approval{ID: "appr-1", NeedsApproval: true},
		}},
	}}
	f.store.Mutate("s1", session.Patch{Messages: &msgs})

	rec := f.do(t, http.MethodGet, "/api/v1/sessions/s1/approvals", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decodeBody(t, rec)["pending"], 1)

	// A decision without a verdict is rejected.
	rec = f.do(t, http.MethodPost, "/api/v1/sessions/s1/approvals/appr-1", map[string]any{})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/sessions/s1/approvals/appr-1", map[string]any{"approved": false})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/sessions/s1/approvals/unknown", map[string]any{"approved": true})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHistoryEndpoints(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	require.NoError(t, f.storage.StoreTurn("s1", []chat.Message{
		{ID: "m1", Role: chat.RoleUser, Parts: []chat.Part{chat.TextPart{Text: "hi"}}},
	}))

	rec := f.do(t, http.MethodGet, "/api/v1/history/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decodeBody(t, rec)["sessions"], 1)

	rec = f.do(t, http.MethodGet, "/api/v1/history/s1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decodeBody(t, rec)["messages"], 1)

	rec = f.do(t, http.MethodDelete, "/api/v1/history/s1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/history/s1", nil)
	require.Empty(t, decodeBody(t, rec)["messages"])
}

func TestCORS(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/health", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
