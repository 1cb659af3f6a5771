package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Simplereally/rapid-chat/internal/approval"
	"github.com/Simplereally/rapid-chat/internal/chat"
	"github.com/Simplereally/rapid-chat/internal/config"
	"github.com/Simplereally/rapid-chat/internal/session"
	"github.com/Simplereally/rapid-chat/internal/storage/sqlite"
	"github.com/Simplereally/rapid-chat/internal/stream"
	"github.com/Simplereally/rapid-chat/internal/websocket"
	"github.com/Simplereally/rapid-chat/pkg/logger"
)

// Handler contains the API handlers
type Handler struct {
	store       *session.Store
	manager     *stream.Manager
	coordinator *approval.Coordinator
	storage     *sqlite.ConversationStorage
	config      *config.Config
	logger      *logger.Logger
	wsServer    *websocket.Server
}

// NewHandler creates a new API handler
func NewHandler(store *session.Store, manager *stream.Manager, coordinator *approval.Coordinator, storage *sqlite.ConversationStorage, config *config.Config, logger *logger.Logger, wsServer *websocket.Server) *Handler {
	return &Handler{
		store:       store,
		manager:     manager,
		coordinator: coordinator,
		storage:     storage,
		config:      config,
		logger:      logger.Named("api-handler"),
		wsServer:    wsServer,
	}
}

// sessionView is the API projection of a live session
type sessionView struct {
	SessionID        string                 `json:"session_id"`
	Messages         []chat.Message         `json:"messages"`
	IsLoading        bool                   `json:"is_loading"`
	Status           string                 `json:"status"`
	Error            string                 `json:"error,omitempty"`
	IsRead           bool                   `json:"is_read"`
	Seq              int64                  `json:"seq"`
	LastActivity     time.Time              `json:"last_activity"`
	Owned            bool                   `json:"owned"`
	PendingApprovals []chat.PendingApproval `json:"pending_approvals,omitempty"`
}

func (h *Handler) viewOf(id string, state session.State) sessionView {
	view := sessionView{
		SessionID:        id,
		Messages:         state.Messages,
		IsLoading:        state.IsLoading,
		Status:           string(state.Status),
		IsRead:           state.IsRead,
		Seq:              state.Seq,
		LastActivity:     state.LastActivity,
		Owned:            state.Producer != nil,
		PendingApprovals: chat.PendingApprovals(state.Messages),
	}
	if state.Err != nil {
		view.Error = state.Err.Error()
	}
	if view.Messages == nil {
		view.Messages = []chat.Message{}
	}
	return view
}

// GetHealth returns service health
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": h.store.Len(),
	})
}

// GetSessions lists every live session
func (h *Handler) GetSessions(w http.ResponseWriter, r *http.Request) {
	ids := h.store.SessionIDs()
	views := make([]sessionView, 0, len(ids))
	for _, id := range ids {
		if state, ok := h.store.Read(id); ok {
			views = append(views, h.viewOf(id, state))
		}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"sessions": views})
}

// CreateSession creates (or returns) a session owned by this runtime
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" {
		WriteError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	if producer := h.manager.GetOrCreate(req.SessionID); producer == nil {
		// The session exists here only as a mirror of another runtime
		WriteError(w, http.StatusConflict, "session is owned by another runtime")
		return
	}

	state, _ := h.store.Read(req.SessionID)
	WriteJSON(w, http.StatusCreated, h.viewOf(req.SessionID, state))
}

// GetSession returns the live state of one session
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	state, ok := h.store.Read(id)
	if !ok {
		WriteError(w, http.StatusNotFound, fmt.Sprintf("session not found: %s", id))
		return
	}
	WriteJSON(w, http.StatusOK, h.viewOf(id, state))
}

// DeleteSession removes a live session, stopping any in-flight turn
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	h.store.Remove(id)
	WriteJSON(w, http.StatusOK, map[string]any{"removed": id})
}

// SendMessage submits a user message. Returns immediately; generation
// progress is delivered through snapshots.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Text == "" {
		WriteError(w, http.StatusBadRequest, "text is required")
		return
	}

	producer := h.manager.GetOrCreate(id)
	if producer == nil {
		WriteError(w, http.StatusConflict, "session is owned by another runtime")
		return
	}
	producer.SendMessage(req.Text)

	WriteJSON(w, http.StatusAccepted, map[string]any{"session_id": id})
}

// StopSession aborts the in-flight turn for a session
func (h *Handler) StopSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	producer, ok := h.manager.ProducerFor(id)
	if !ok {
		WriteError(w, http.StatusNotFound, fmt.Sprintf("no producer for session: %s", id))
		return
	}
	producer.Stop()
	WriteJSON(w, http.StatusOK, map[string]any{"stopped": id})
}

// MarkSessionRead flags a session as read
func (h *Handler) MarkSessionRead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := h.store.Read(id); !ok {
		WriteError(w, http.StatusNotFound, fmt.Sprintf("session not found: %s", id))
		return
	}
	read := true
	h.store.Mutate(id, session.Patch{IsRead: &read})
	WriteJSON(w, http.StatusOK, map[string]any{"session_id": id, "is_read": true})
}

// GetApprovals lists pending approval requests for a session
func (h *Handler) GetApprovals(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	pending := h.coordinator.Pending(id)
	if pending == nil {
		pending = []chat.PendingApproval{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"session_id": id, "pending": pending})
}

// DecideApproval applies an approve/deny decision to a pending tool call
func (h *Handler) DecideApproval(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	approvalID := chi.URLParam(r, "approvalId")

	var req struct {
		Approved *bool `json:"approved"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Approved == nil {
		WriteError(w, http.StatusBadRequest, "approved (true/false) is required")
		return
	}

	if err := h.coordinator.Decide(r.Context(), id, approvalID, *req.Approved); err != nil {
		WriteError(w, http.StatusNotFound, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"session_id":  id,
		"approval_id": approvalID,
		"approved":    *req.Approved,
	})
}

// GetHistory lists stored conversations
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	records, err := h.storage.Sessions()
	if err != nil {
		h.logger.Error("Failed to list stored sessions", Error(err))
		WriteError(w, http.StatusInternalServerError, "failed to list stored sessions")
		return
	}
	if records == nil {
		records = []sqlite.SessionRecord{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"sessions": records})
}

// GetHistoryMessages returns the stored transcript of a session
func (h *Handler) GetHistoryMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	messages, err := h.storage.GetMessages(id)
	if err != nil {
		h.logger.Error("Failed to load stored session",
			String("session_id", id),
			Error(err))
		WriteError(w, http.StatusInternalServerError, "failed to load stored session")
		return
	}
	if messages == nil {
		messages = []chat.Message{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"session_id": id, "messages": messages})
}

// DeleteHistory removes a stored conversation
func (h *Handler) DeleteHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.storage.DeleteSession(id); err != nil {
		h.logger.Error("Failed to delete stored session",
			String("session_id", id),
			Error(err))
		WriteError(w, http.StatusInternalServerError, "failed to delete stored session")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"removed": id})
}

// HandleWebSocket upgrades the connection and attaches it to the hub
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.wsServer.HandleConnection(w, r)
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}

// WriteError writes a JSON error response
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{"error": message})
}

// Import logger functions
var (
	String = logger.String
	Error  = logger.Error
)
