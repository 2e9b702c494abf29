package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gigport/messaging-sync/internal/middleware"
	"github.com/gigport/messaging-sync/internal/model"
	"github.com/gigport/messaging-sync/internal/sync"
	"github.com/gigport/messaging-sync/pkg/logger"
)

// MessageHandler handles thread message endpoints. A thread ID is
// either an explicit conversation UUID or an order-prefixed order ID.
type MessageHandler struct {
	manager *sync.Manager
	logger  *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(m *sync.Manager, log *logger.Logger) *MessageHandler {
	return &MessageHandler{
		manager: m,
		logger:  log,
	}
}

// List handles GET /api/v1/threads/{id}/messages. Opening a thread
// makes it the session's active conversation.
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	threadID := chi.URLParam(r, "id")

	if err := middleware.ValidateThreadID(threadID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	store := h.manager.Session(userID)
	if err := store.FetchMessages(ctx, threadID); err != nil {
		writeAppError(w, err)
		return
	}

	state := store.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversation": state.ActiveConversation,
		"messages":     state.Messages,
	})
}

// SendMessageRequest is the body of POST /api/v1/threads/{id}/messages.
type SendMessageRequest struct {
	Content    string            `json:"content"`
	Attachment *model.Attachment `json:"attachment,omitempty"`
}

// Send handles POST /api/v1/threads/{id}/messages
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	threadID := chi.URLParam(r, "id")

	if err := middleware.ValidateThreadID(threadID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateMessageContent(req.Content); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	store := h.manager.Session(userID)
	if err := store.SendMessage(ctx, threadID, userID, req.Content, req.Attachment); err != nil {
		writeAppError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "sent",
	})
}

// MarkReadRequest is the body of POST /api/v1/threads/{id}/read. An
// empty MessageIDs marks the whole thread.
type MarkReadRequest struct {
	MessageIDs []string `json:"message_ids,omitempty"`
}

// MarkRead handles POST /api/v1/threads/{id}/read
func (h *MessageHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	threadID := chi.URLParam(r, "id")

	if err := middleware.ValidateThreadID(threadID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req MarkReadRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	for _, id := range req.MessageIDs {
		if err := middleware.ValidateMessageID(id); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	store := h.manager.Session(userID)
	var err error
	if len(req.MessageIDs) > 0 {
		err = store.MarkSpecificMessagesAsRead(ctx, threadID, userID, req.MessageIDs)
	} else {
		err = store.MarkAsRead(ctx, threadID, userID)
	}
	if err != nil {
		writeAppError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "read",
	})
}
