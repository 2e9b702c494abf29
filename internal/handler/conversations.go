package handler

import (
	"encoding/json"
	"net/http"

	"github.com/gigport/messaging-sync/internal/middleware"
	"github.com/gigport/messaging-sync/internal/sync"
	"github.com/gigport/messaging-sync/pkg/logger"
)

// ConversationHandler handles conversation endpoints.
type ConversationHandler struct {
	manager *sync.Manager
	logger  *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(m *sync.Manager, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		manager: m,
		logger:  log,
	}
}

// List handles GET /api/v1/conversations. It refreshes the session's
// unified view and returns it: explicit conversations and order threads
// interleaved by activity.
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	store := h.manager.Session(userID)
	if err := store.FetchConversations(ctx, userID); err != nil {
		writeAppError(w, err)
		return
	}

	state := store.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversations": state.Conversations,
	})
}

// CreateConversationRequest is the body of POST /api/v1/conversations.
type CreateConversationRequest struct {
	ParticipantIDs []string `json:"participant_ids"`
	InitialMessage string   `json:"initial_message"`
}

// Create handles POST /api/v1/conversations
func (h *ConversationHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	var req CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	for _, id := range req.ParticipantIDs {
		if err := middleware.ValidateUserID(id); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	store := h.manager.Session(userID)
	conversationID, err := store.CreateConversation(ctx, req.ParticipantIDs, req.InitialMessage)
	if err != nil {
		writeAppError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"conversation_id": conversationID,
	})
}
