// Package compress reduces in-memory conversation and message payloads
// to the minimal field set needed for correct rendering. It is applied
// only above volume thresholds and must stay idempotent: compressing an
// already-compressed value is a no-op.
package compress

import (
	"github.com/gigport/messaging-sync/internal/model"
)

const (
	// ConversationThreshold is the list size above which the stored
	// conversation slice is replaced by its compressed projection.
	ConversationThreshold = 10
	// MessageThreshold is the thread size above which the stored message
	// slice is replaced by its compressed projection.
	MessageThreshold = 30
)

// Conversations maps a conversation list to its reduced projection.
// Retained: identifiers, order linkage, timestamps, last-message
// preview, unread counts, and the minimal participant profile. Dropped:
// presence and role fields that only matter on the full object.
func Conversations(convs []model.Conversation) []model.Conversation {
	out := make([]model.Conversation, len(convs))
	for i, c := range convs {
		if c.Compressed {
			out[i] = c
			continue
		}
		out[i] = model.Conversation{
			ID:            c.ID,
			Kind:          c.Kind,
			CreatedAt:     c.CreatedAt,
			UpdatedAt:     c.UpdatedAt,
			LastMessageID: c.LastMessageID,
			LastMessageAt: c.LastMessageAt,
			LastMessage:   c.LastMessage,
			OrderID:       c.OrderID,
			OrderTitle:    c.OrderTitle,
			Participants:  participants(c.Participants),
			Compressed:    true,
		}
	}
	return out
}

// Messages maps a message slice to its reduced projection. Retained:
// identifiers, parent linkage, content, timestamps, read flag,
// attachment metadata, and a minimal sender snapshot.
func Messages(msgs []model.Message) []model.Message {
	out := make([]model.Message, len(msgs))
	for i, m := range msgs {
		out[i] = model.Message{
			ID:             m.ID,
			ConversationID: m.ConversationID,
			OrderID:        m.OrderID,
			SenderID:       m.SenderID,
			Content:        m.Content,
			Read:           m.Read,
			CreatedAt:      m.CreatedAt,
			Attachment:     m.Attachment,
			Sender:         profile(m.Sender),
		}
	}
	return out
}

func participants(ps []model.Participant) []model.Participant {
	out := make([]model.Participant, len(ps))
	for i, p := range ps {
		out[i] = model.Participant{
			UserProfile: model.UserProfile{
				ID:        p.ID,
				Username:  p.Username,
				FullName:  p.FullName,
				AvatarURL: p.AvatarURL,
			},
			UnreadCount: p.UnreadCount,
		}
	}
	return out
}

func profile(p *model.UserProfile) *model.UserProfile {
	if p == nil {
		return nil
	}
	return &model.UserProfile{
		ID:        p.ID,
		Username:  p.Username,
		FullName:  p.FullName,
		AvatarURL: p.AvatarURL,
	}
}
