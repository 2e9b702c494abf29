package model

import (
	"time"
)

// RowOp is the kind of row-level change carried by the change feed.
type RowOp string

const (
	RowOpInsert RowOp = "insert"
	RowOpUpdate RowOp = "update"
	RowOpDelete RowOp = "delete"
)

// MessageEvent is a row-level change on the message table.
type MessageEvent struct {
	Op      RowOp    `json:"op"`
	Message *Message `json:"message"`
}

// ConversationChangeEvent is a row-level change on the conversation table.
// Consumers treat it as a cue to re-fetch; only the id travels.
type ConversationChangeEvent struct {
	Op             RowOp  `json:"op"`
	ConversationID string `json:"conversation_id"`
}

// TypingEvent travels on a single fixed broadcast subject for all
// conversations; consumers must filter by ConversationID themselves.
type TypingEvent struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	IsTyping       bool      `json:"is_typing"`
	SentAt         time.Time `json:"sent_at"`
}
