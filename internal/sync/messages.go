package sync

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gigport/messaging-sync/internal/compress"
	"github.com/gigport/messaging-sync/internal/convid"
	"github.com/gigport/messaging-sync/internal/model"
	"github.com/gigport/messaging-sync/internal/validate"
	apperrors "github.com/gigport/messaging-sync/pkg/errors"
	"github.com/gigport/messaging-sync/pkg/metrics"
)

// moderationMarker is appended to message content the validator had to
// censor.
const moderationMarker = " [moderated]"

// FetchMessages loads the full thread for one conversation and makes it
// the active one. Authorization depends on the thread shape: order
// threads admit the order's client and freelancer, explicit
// conversations require a participant row. Results belonging to a
// fetch that was superseded by a later one are discarded.
func (s *Store) FetchMessages(ctx context.Context, threadID string) error {
	started := time.Now()
	ref := convid.Parse(threadID)

	s.mu.Lock()
	s.generation++
	gen := s.generation
	s.mu.Unlock()

	s.commit(func(st *State) {
		st.IsLoading = true
		st.Err = ""
	})

	synthesized, err := s.authorizeThread(ctx, ref)
	if err != nil {
		// Unauthorized access must not leak content: messages are left
		// untouched, only the error surfaces.
		err = normalize(err, "could not load messages")
		s.commit(func(st *State) {
			st.Err = apperrors.UserMessage(err)
			st.IsLoading = false
		})
		return s.recordOp("fetch_messages", started, err)
	}

	msgs, err := s.gw.ListMessagesByParent(ctx, ref)
	if err != nil {
		err = normalize(err, "could not load messages")
		s.commit(func(st *State) {
			st.Err = apperrors.UserMessage(err)
			st.IsLoading = false
		})
		return s.recordOp("fetch_messages", started, err)
	}

	stored := msgs
	if len(stored) > compress.MessageThreshold {
		stored = compress.Messages(stored)
	}

	applied := s.commitIfCurrent(gen, func(st *State) {
		active := findConversation(st.Conversations, threadID)
		if active == nil {
			// Happens when a freelancer opens an order thread that has
			// no prior explicit conversation row: the active
			// conversation is synthesized on the spot.
			active = synthesized
		}
		if active != nil && len(msgs) > 0 {
			tail := msgs[len(msgs)-1]
			active.LastMessageID = tail.ID
			active.LastMessageAt = tail.CreatedAt
			active.LastMessage = &model.LastMessage{
				Content:   tail.Content,
				SenderID:  tail.SenderID,
				CreatedAt: tail.CreatedAt,
			}
			updateConversation(st.Conversations, *active)
		}

		st.ActiveConversation = active
		st.Messages = stored
		st.IsLoading = false
		st.Err = ""
	})
	if !applied {
		// A later FetchMessages superseded this one while it was in
		// flight. Its state is authoritative; this result is dropped.
		s.log.Debug("discarding stale fetch", zap.String("thread_id", threadID))
	}
	return s.recordOp("fetch_messages", started, nil)
}

// authorizeThread checks the caller may read the thread and returns a
// synthesized conversation usable as the active one when no list entry
// exists.
func (s *Store) authorizeThread(ctx context.Context, ref convid.ParentRef) (*model.Conversation, error) {
	switch ref.Kind {
	case model.KindOrder:
		ord, err := s.gw.GetOrder(ctx, ref.ID)
		if err != nil {
			return nil, err
		}
		if ord == nil {
			return nil, apperrors.NotFound("order", nil)
		}
		if s.userID != ord.ClientID && s.userID != ord.FreelancerID {
			return nil, apperrors.PermissionDenied("you are not a party of this order", nil)
		}

		counterpartID := ord.ClientID
		if s.userID == ord.ClientID {
			counterpartID = ord.FreelancerID
		}
		profile, err := s.gw.GetUserProfile(ctx, counterpartID)
		if err != nil {
			return nil, err
		}
		if profile == nil {
			return nil, apperrors.DataIntegrity("conversation participant is missing", nil)
		}

		return &model.Conversation{
			ID:           convid.OrderThreadID(ord.ID),
			Kind:         model.KindOrder,
			CreatedAt:    ord.CreatedAt,
			UpdatedAt:    ord.UpdatedAt,
			OrderID:      ord.ID,
			OrderTitle:   ord.Title,
			Participants: []model.Participant{{UserProfile: *profile}},
		}, nil

	default:
		partsByConv, err := s.gw.ListParticipants(ctx, []string{ref.ID})
		if err != nil {
			return nil, err
		}
		parts := partsByConv[ref.ID]
		member := false
		for _, p := range parts {
			if p.ID == s.userID {
				member = true
				break
			}
		}
		if !member {
			return nil, apperrors.PermissionDenied("you are not a participant of this conversation", nil)
		}
		for i := range parts {
			if parts[i].ID != s.userID {
				parts[i].UnreadCount = 0
			}
		}
		return &model.Conversation{
			ID:           ref.ID,
			Kind:         model.KindExplicit,
			Participants: parts,
		}, nil
	}
}

// SendMessage routes a write to the right parent column, persists it,
// bumps counters, appends it optimistically, then refreshes the
// conversation list so ordering and counters stay consistent
// platform-wide. Content semantics are assumed validated upstream.
func (s *Store) SendMessage(ctx context.Context, threadID, senderID, content string, attachment *model.Attachment) error {
	started := time.Now()
	ref := convid.Parse(threadID)

	msg := &model.Message{
		ID:         uuid.Must(uuid.NewV7()).String(),
		SenderID:   senderID,
		Content:    content,
		CreatedAt:  time.Now(),
		Attachment: attachment,
	}
	if ref.Kind == model.KindOrder {
		msg.OrderID = ref.ID
	} else {
		msg.ConversationID = ref.ID
	}

	inserted, err := s.gw.InsertMessage(ctx, msg)
	if err != nil {
		// The local list stays untouched: no optimistic state for a
		// write that never happened.
		err = normalize(err, "could not send message")
		s.commit(func(st *State) {
			st.Err = apperrors.UserMessage(err)
		})
		return s.recordOp("send_message", started, err)
	}

	if ref.Kind == model.KindExplicit {
		if err := s.gw.UpdateConversationLastMessage(ctx, ref.ID, inserted.ID, inserted.CreatedAt); err != nil {
			err = normalize(err, "could not send message")
			s.commit(func(st *State) {
				st.Err = apperrors.UserMessage(err)
			})
			return s.recordOp("send_message", started, err)
		}
	}

	// Counter failures degrade to a stale count rather than blocking
	// delivery.
	if err := s.gw.IncrementUnread(ctx, ref, senderID); err != nil {
		s.log.Warn("unread increment failed", zap.String("thread_id", threadID), zap.Error(err))
	}

	metrics.MessagesSentTotal.WithLabelValues(string(ref.Kind)).Inc()

	s.commit(func(st *State) {
		if st.ActiveConversation != nil && st.ActiveConversation.ID == threadID && !containsMessage(st.Messages, inserted.ID) {
			st.Messages = append(st.Messages, *inserted)
			if len(st.Messages) > compress.MessageThreshold {
				st.Messages = compress.Messages(st.Messages)
			}
		}
		st.Err = ""
	})

	// Full refresh keeps cross-conversation ordering and counters
	// consistent; its own failure is recorded in state by the refresh.
	if err := s.FetchConversations(ctx, s.userID); err != nil {
		s.log.Warn("post-send refresh failed", zap.Error(err))
	}
	return s.recordOp("send_message", started, nil)
}

// CreateConversation persists a conversation and its first message as
// one atomic gateway operation and returns the new id, or "" with the
// error recorded.
func (s *Store) CreateConversation(ctx context.Context, participantIDs []string, initialMessage string) (string, error) {
	started := time.Now()

	fail := func(err error) (string, error) {
		s.commit(func(st *State) {
			st.Err = apperrors.UserMessage(err)
		})
		return "", s.recordOp("create_conversation", started, err)
	}

	unique := map[string]bool{}
	for _, id := range participantIDs {
		if _, err := uuid.Parse(id); err != nil {
			return fail(apperrors.ValidationFailed("invalid participant id", err))
		}
		unique[id] = true
	}
	if len(unique) < 2 {
		return fail(apperrors.ValidationFailed("a conversation needs at least two distinct participants", nil))
	}
	if !unique[s.userID] {
		return fail(apperrors.PermissionDenied("you must be a participant of the conversation you create", nil))
	}

	res := s.validator.Validate(initialMessage, validate.Options{})
	if !res.IsValid {
		return fail(apperrors.ValidationFailed("message rejected", nil))
	}
	content := res.Message
	if res.Censored {
		content += moderationMarker
	}

	id, err := s.gw.CreateConversationWithMessage(ctx, participantIDs, content, s.userID)
	if err != nil {
		return fail(normalize(err, "could not create conversation"))
	}

	s.commit(func(st *State) {
		st.Err = ""
	})
	return id, s.recordOp("create_conversation", started, nil)
}

func findConversation(convs []model.Conversation, threadID string) *model.Conversation {
	for i := range convs {
		if convs[i].ID == threadID {
			c := convs[i]
			return &c
		}
	}
	return nil
}

func updateConversation(convs []model.Conversation, updated model.Conversation) {
	for i := range convs {
		if convs[i].ID == updated.ID {
			convs[i] = updated
			return
		}
	}
}

func containsMessage(msgs []model.Message, id string) bool {
	for i := range msgs {
		if msgs[i].ID == id {
			return true
		}
	}
	return false
}
