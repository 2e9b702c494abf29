// Package model defines data structures for the conversation sync engine.
package model

import (
	"time"
)

// Kind distinguishes persisted multi-party conversations from threads
// synthesized on the fly around a commercial order.
type Kind string

const (
	// KindExplicit is a persisted conversation with its own row and
	// participant rows.
	KindExplicit Kind = "explicit"
	// KindOrder is an implicit thread scoped to a single order. It is
	// never stored as a row; it is rebuilt on every fetch from order and
	// message data.
	KindOrder Kind = "order"
)

// Conversation represents one thread in a user's conversation list.
type Conversation struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	LastMessageID string       `json:"last_message_id,omitempty"`
	LastMessageAt time.Time    `json:"last_message_at,omitempty"`
	LastMessage   *LastMessage `json:"last_message,omitempty"`

	Participants []Participant `json:"participants"`

	// Order linkage, set only when Kind == KindOrder.
	OrderID    string `json:"order_id,omitempty"`
	OrderTitle string `json:"order_title,omitempty"`

	// Compressed marks a reduced projection produced above the volume
	// thresholds. Compressing a compressed conversation is a no-op.
	Compressed bool `json:"compressed,omitempty"`
}

// LastMessage is the summary shown in conversation lists.
type LastMessage struct {
	Content   string    `json:"content"`
	SenderID  string    `json:"sender_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Participant is a user attached to a conversation plus their
// messaging-specific state. UnreadCount is only meaningful for the
// participant equal to the requesting user; all other participants'
// counts are zeroed in returned views.
type Participant struct {
	UserProfile
	UnreadCount int       `json:"unread_count"`
	Online      bool      `json:"online,omitempty"`
	LastSeen    time.Time `json:"last_seen,omitempty"`
}

// OrderSummary carries the order fields needed to synthesize an order
// thread and authorize access to it.
type OrderSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	ClientID     string    `json:"client_id"`
	FreelancerID string    `json:"freelancer_id"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
