package sync

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/gigport/messaging-sync/internal/model"
	"github.com/gigport/messaging-sync/pkg/metrics"
)

// SetIsTyping publishes a typing signal for the caller and mirrors it
// locally. Signals are ephemeral: they travel on one shared broadcast
// channel (never the message table) with the conversation id in the
// payload. A "stopped typing" transition is re-applied once more after
// a short delay in case the broadcast is lost on the other end.
func (s *Store) SetIsTyping(ctx context.Context, threadID, userID string, isTyping bool) {
	ev := model.TypingEvent{
		ConversationID: threadID,
		UserID:         userID,
		IsTyping:       isTyping,
		SentAt:         time.Now(),
	}
	if err := s.typing.PublishTyping(ctx, ev); err != nil {
		s.log.WithConversation(threadID).Warn("typing broadcast failed", zap.Error(err))
	}

	s.setTyping(userID, isTyping)
	if !isTyping {
		time.AfterFunc(s.typingResetDelay, func() {
			s.setTyping(userID, false)
			// The stop broadcast itself may have been lost; send it once
			// more so remote peers don't have to wait out their TTL.
			resend := ev
			resend.SentAt = time.Now()
			if err := s.typing.PublishTyping(context.Background(), resend); err != nil {
				s.log.WithConversation(threadID).Warn("typing broadcast failed", zap.Error(err))
			}
		})
	}
}

// OnTyping merges a broadcast typing signal. The channel is global, so
// events for other conversations are dropped here; without this filter
// every open conversation would flash everyone's typing state.
func (s *Store) OnTyping(ev model.TypingEvent) {
	if ev.UserID == s.userID {
		return
	}

	s.mu.Lock()
	active := s.state.ActiveConversation
	if active == nil || active.ID != ev.ConversationID {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.setTyping(ev.UserID, ev.IsTyping)
	if ev.IsTyping {
		s.scheduleTypingReset(ev.UserID)
	}
}

func (s *Store) setTyping(userID string, isTyping bool) {
	s.commit(func(st *State) {
		was := st.IsTyping[userID]
		if was == isTyping {
			return
		}
		st.IsTyping[userID] = isTyping
		if isTyping {
			metrics.TypingActive.Inc()
		} else {
			metrics.TypingActive.Dec()
		}
	})
}

// scheduleTypingReset clears a received typing flag after the TTL in
// case the "stopped typing" broadcast never arrives.
func (s *Store) scheduleTypingReset(userID string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if t, ok := s.typingTimers[userID]; ok {
		t.Stop()
	}
	s.typingTimers[userID] = time.AfterFunc(s.typingTTL, func() {
		s.setTyping(userID, false)
	})
	s.mu.Unlock()
}
