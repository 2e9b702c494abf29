package sync

import (
	"context"
	"sort"
	"time"

	"github.com/gigport/messaging-sync/internal/compress"
	"github.com/gigport/messaging-sync/internal/convid"
	"github.com/gigport/messaging-sync/internal/model"
	apperrors "github.com/gigport/messaging-sync/pkg/errors"
)

// FetchConversations rebuilds the session's conversation list: explicit
// conversations the user participates in merged with threads
// synthesized from their orders, sorted by most recent activity. On any
// failure the list is reset rather than left partial.
func (s *Store) FetchConversations(ctx context.Context, userID string) error {
	started := time.Now()

	if userID != s.userID {
		err := apperrors.PermissionDenied("you can only load your own conversations", nil)
		s.commit(func(st *State) {
			st.Err = apperrors.UserMessage(err)
			st.IsLoading = false
		})
		return s.recordOp("fetch_conversations", started, err)
	}

	s.commit(func(st *State) {
		st.IsLoading = true
		st.Err = ""
	})

	merged, err := s.loadConversations(ctx, userID)
	if err != nil {
		err = normalize(err, "could not load conversations")
		s.commit(func(st *State) {
			st.Err = apperrors.UserMessage(err)
			st.Conversations = nil
			st.IsLoading = false
		})
		return s.recordOp("fetch_conversations", started, err)
	}

	if len(merged) > compress.ConversationThreshold {
		merged = compress.Conversations(merged)
	}

	s.commit(func(st *State) {
		st.Conversations = merged
		st.IsLoading = false
		st.Err = ""
	})
	return s.recordOp("fetch_conversations", started, nil)
}

func (s *Store) loadConversations(ctx context.Context, userID string) ([]model.Conversation, error) {
	if err := s.gw.Ping(ctx); err != nil {
		return nil, err
	}

	role, err := s.gw.GetUserRole(ctx, userID)
	if err != nil {
		return nil, err
	}

	orderConvs, err := s.synthesizeOrderThreads(ctx, userID, role)
	if err != nil {
		return nil, err
	}

	explicit, err := s.loadExplicitConversations(ctx, userID)
	if err != nil {
		return nil, err
	}

	// A client only sees explicit conversations whose counterpart is a
	// freelancer; order threads are always included. Freelancers see
	// everything.
	if role == model.RoleClient {
		kept := explicit[:0]
		for _, c := range explicit {
			if counterpartHasRole(c.Participants, userID, model.RoleFreelance) {
				kept = append(kept, c)
			}
		}
		explicit = kept
	}

	merged := append(explicit, orderConvs...)
	sort.SliceStable(merged, func(i, j int) bool {
		return activityTime(merged[i]).After(activityTime(merged[j]))
	})
	return merged, nil
}

// synthesizeOrderThreads builds one implicit conversation per order the
// user is a party of. These threads have no rows of their own: the
// single participant is the counterpart, carrying the caller's unread
// count, and the last-message summary comes from the newest order
// message.
func (s *Store) synthesizeOrderThreads(ctx context.Context, userID string, role model.Role) ([]model.Conversation, error) {
	orders, err := s.gw.ListOrdersForParty(ctx, userID, role)
	if err != nil {
		return nil, err
	}

	convs := make([]model.Conversation, 0, len(orders))
	for _, ord := range orders {
		counterpartID := ord.ClientID
		if userID == ord.ClientID {
			counterpartID = ord.FreelancerID
		}

		profile, err := s.gw.GetUserProfile(ctx, counterpartID)
		if err != nil {
			return nil, err
		}
		if profile == nil {
			return nil, apperrors.DataIntegrity("conversation participant is missing", nil)
		}

		unread, err := s.gw.CountUnreadForOrder(ctx, ord.ID, userID)
		if err != nil {
			return nil, err
		}

		conv := model.Conversation{
			ID:         convid.OrderThreadID(ord.ID),
			Kind:       model.KindOrder,
			CreatedAt:  ord.CreatedAt,
			UpdatedAt:  ord.UpdatedAt,
			OrderID:    ord.ID,
			OrderTitle: ord.Title,
			Participants: []model.Participant{{
				UserProfile: *profile,
				UnreadCount: unread,
			}},
		}

		last, err := s.gw.LatestMessageForOrder(ctx, ord.ID)
		if err != nil {
			return nil, err
		}
		if last != nil {
			conv.LastMessageID = last.ID
			conv.LastMessageAt = last.CreatedAt
			conv.LastMessage = &model.LastMessage{
				Content:   last.Content,
				SenderID:  last.SenderID,
				CreatedAt: last.CreatedAt,
			}
		}

		convs = append(convs, conv)
	}
	return convs, nil
}

func (s *Store) loadExplicitConversations(ctx context.Context, userID string) ([]model.Conversation, error) {
	convs, err := s.gw.ListConversationsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(convs) == 0 {
		return nil, nil
	}

	ids := make([]string, len(convs))
	for i, c := range convs {
		ids[i] = c.ID
	}

	partsByConv, err := s.gw.ListParticipants(ctx, ids)
	if err != nil {
		return nil, err
	}

	for i := range convs {
		parts := partsByConv[convs[i].ID]
		if len(parts) == 0 {
			return nil, apperrors.DataIntegrity("conversation has no participants", nil)
		}

		// Other users' read state must not leak: only the caller's
		// unread count survives in the returned view.
		for j := range parts {
			if parts[j].ID != userID {
				parts[j].UnreadCount = 0
			}
		}

		convs[i].Kind = model.KindExplicit
		convs[i].Participants = parts

		if convs[i].LastMessageID != "" && convs[i].LastMessage == nil {
			msg, err := s.gw.GetMessage(ctx, convs[i].LastMessageID)
			if err != nil {
				return nil, err
			}
			if msg != nil {
				convs[i].LastMessage = &model.LastMessage{
					Content:   msg.Content,
					SenderID:  msg.SenderID,
					CreatedAt: msg.CreatedAt,
				}
				convs[i].LastMessageAt = msg.CreatedAt
			}
		}
	}
	return convs, nil
}

func counterpartHasRole(parts []model.Participant, userID string, role model.Role) bool {
	for _, p := range parts {
		if p.ID != userID && p.Role == role {
			return true
		}
	}
	return false
}

func activityTime(c model.Conversation) time.Time {
	if !c.LastMessageAt.IsZero() {
		return c.LastMessageAt
	}
	if !c.UpdatedAt.IsZero() {
		return c.UpdatedAt
	}
	return c.CreatedAt
}
