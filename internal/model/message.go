package model

import (
	"time"
)

// Role is a marketplace user role.
type Role string

const (
	RoleClient    Role = "client"
	RoleFreelance Role = "freelance"
)

// UserProfile is the minimal user projection embedded in participants
// and message sender snapshots.
type UserProfile struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	FullName  string `json:"full_name,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
	Role      Role   `json:"role,omitempty"`
}

// Message is a single message row. Exactly one of ConversationID and
// OrderID is set: messages of an order thread carry OrderID, all others
// carry ConversationID.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	OrderID        string    `json:"order_id,omitempty"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	Read           bool      `json:"read"`
	CreatedAt      time.Time `json:"created_at"`

	Attachment *Attachment  `json:"attachment,omitempty"`
	Sender     *UserProfile `json:"sender,omitempty"`
}

// Attachment holds file metadata; storage mechanics live elsewhere.
type Attachment struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type,omitempty"`
	Name     string `json:"name,omitempty"`
}
