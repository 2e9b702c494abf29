package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gigport/messaging-sync/internal/middleware"
	"github.com/gigport/messaging-sync/internal/sync"
	"github.com/gigport/messaging-sync/pkg/logger"
)

// TypingHandler handles typing indicator endpoints.
type TypingHandler struct {
	manager *sync.Manager
	logger  *logger.Logger
}

// NewTypingHandler creates a new typing handler.
func NewTypingHandler(m *sync.Manager, log *logger.Logger) *TypingHandler {
	return &TypingHandler{
		manager: m,
		logger:  log,
	}
}

// TypingRequest is the body of POST /api/v1/threads/{id}/typing.
type TypingRequest struct {
	IsTyping bool `json:"is_typing"`
}

// Set handles POST /api/v1/threads/{id}/typing. Best effort: the
// operation never fails the request.
func (h *TypingHandler) Set(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	threadID := chi.URLParam(r, "id")

	if err := middleware.ValidateThreadID(threadID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req TypingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	store := h.manager.Session(userID)
	store.SetIsTyping(ctx, threadID, userID, req.IsTyping)

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "ok",
	})
}
