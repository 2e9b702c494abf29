package sync

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/gigport/messaging-sync/internal/convid"
	"github.com/gigport/messaging-sync/internal/model"
	apperrors "github.com/gigport/messaging-sync/pkg/errors"
)

// MarkAsRead zeroes the caller's unread counter on the thread through
// one atomic server-side operation and mirrors the result locally only
// after the server confirms. Calling it twice yields the same state.
func (s *Store) MarkAsRead(ctx context.Context, threadID, userID string) error {
	started := time.Now()

	if userID != s.userID {
		err := apperrors.PermissionDenied("you can only mark your own conversations read", nil)
		s.commit(func(st *State) {
			st.Err = apperrors.UserMessage(err)
		})
		return s.recordOp("mark_as_read", started, err)
	}

	ref := convid.Parse(threadID)
	if err := s.gw.MarkMessagesRead(ctx, ref, userID); err != nil {
		err = normalize(err, "could not mark conversation read")
		s.commit(func(st *State) {
			st.Err = apperrors.UserMessage(err)
		})
		return s.recordOp("mark_as_read", started, err)
	}

	s.commit(func(st *State) {
		zeroUnread(st.Conversations, threadID, userID)
		if st.ActiveConversation != nil && st.ActiveConversation.ID == threadID {
			setUnreadOn(st.ActiveConversation, userID, 0)
			for i := range st.Messages {
				if st.Messages[i].SenderID != userID {
					st.Messages[i].Read = true
				}
			}
		}
		st.Err = ""
	})
	return s.recordOp("mark_as_read", started, nil)
}

// MarkSpecificMessagesAsRead is the client-driven variant used for
// viewport-based read detection: it flips only the given ids, never the
// caller's own messages, and derives the new unread counter from the
// resulting local message set instead of a server round trip. A gateway
// failure leaves a stale server counter but never blocks.
func (s *Store) MarkSpecificMessagesAsRead(ctx context.Context, threadID, userID string, messageIDs []string) error {
	started := time.Now()

	if userID != s.userID {
		err := apperrors.PermissionDenied("you can only mark your own conversations read", nil)
		s.commit(func(st *State) {
			st.Err = apperrors.UserMessage(err)
		})
		return s.recordOp("mark_specific_read", started, err)
	}

	ref := convid.Parse(threadID)
	wanted := make(map[string]bool, len(messageIDs))
	for _, id := range messageIDs {
		wanted[id] = true
	}

	var eligible []string
	s.commit(func(st *State) {
		if st.ActiveConversation == nil || st.ActiveConversation.ID != threadID {
			return
		}
		unread := 0
		for i := range st.Messages {
			m := &st.Messages[i]
			if wanted[m.ID] && m.SenderID != userID && !m.Read {
				m.Read = true
				eligible = append(eligible, m.ID)
			}
			if m.SenderID != userID && !m.Read {
				unread++
			}
		}
		setUnread(st.Conversations, threadID, userID, unread)
		setUnreadOn(st.ActiveConversation, userID, unread)
	})

	if len(eligible) > 0 {
		if err := s.gw.MarkMessagesReadByID(ctx, ref, userID, eligible); err != nil {
			// Derived local counter stands; the server catches up on the
			// next full fetch.
			s.log.Warn("targeted mark-read failed", zap.String("thread_id", threadID), zap.Error(err))
		}
	}
	return s.recordOp("mark_specific_read", started, nil)
}

// zeroUnread zeroes the caller's counter on the listed thread. For
// order threads the single counterpart participant carries the caller's
// count; for explicit conversations it lives on the caller's own row.
func zeroUnread(convs []model.Conversation, threadID, userID string) {
	for i := range convs {
		if convs[i].ID != threadID {
			continue
		}
		setUnreadOn(&convs[i], userID, 0)
		return
	}
}

func setUnread(convs []model.Conversation, threadID, userID string, count int) {
	for i := range convs {
		if convs[i].ID == threadID {
			setUnreadOn(&convs[i], userID, count)
			return
		}
	}
}

func setUnreadOn(c *model.Conversation, userID string, count int) {
	if c == nil {
		return
	}
	if c.Kind == model.KindOrder {
		for i := range c.Participants {
			c.Participants[i].UnreadCount = count
		}
		return
	}
	for i := range c.Participants {
		if c.Participants[i].ID == userID {
			c.Participants[i].UnreadCount = count
			return
		}
	}
}
