package sync

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/gigport/messaging-sync/internal/compress"
	"github.com/gigport/messaging-sync/internal/convid"
	"github.com/gigport/messaging-sync/internal/model"
)

// refreshTimeout bounds the re-fetch a feed event triggers.
const refreshTimeout = 10 * time.Second

// OnMessageEvent merges a row-level message change. An insert whose
// parent matches the active conversation is appended once (sends that
// already placed the message optimistically dedupe by id); every event
// then triggers a full conversations re-fetch so cross-conversation
// ordering and counters stay correct.
func (s *Store) OnMessageEvent(ev model.MessageEvent) {
	if ev.Op == model.RowOpInsert && ev.Message != nil {
		threadID := convid.ForMessage(ev.Message).ThreadID()
		s.commit(func(st *State) {
			if st.ActiveConversation == nil || st.ActiveConversation.ID != threadID {
				return
			}
			if containsMessage(st.Messages, ev.Message.ID) {
				return
			}
			st.Messages = append(st.Messages, *ev.Message)
			if len(st.Messages) > compress.MessageThreshold {
				st.Messages = compress.Messages(st.Messages)
			}
		})
	}

	s.refresh("message event")
}

// OnConversationChange merges a row-level conversation change by
// re-fetching the list.
func (s *Store) OnConversationChange(ev model.ConversationChangeEvent) {
	s.refresh("conversation event")
}

func (s *Store) refresh(cause string) {
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()
	if err := s.FetchConversations(ctx, s.userID); err != nil {
		s.log.Warn("feed-triggered refresh failed", zap.String("cause", cause), zap.Error(err))
	}
}
