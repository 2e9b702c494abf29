package sync

import (
	"errors"
	stdsync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/gigport/messaging-sync/internal/model"
	apperrors "github.com/gigport/messaging-sync/pkg/errors"
	"github.com/gigport/messaging-sync/pkg/logger"
	"github.com/gigport/messaging-sync/pkg/metrics"
)

// State is the canonical in-memory view one session observes.
type State struct {
	Conversations      []model.Conversation `json:"conversations"`
	ActiveConversation *model.Conversation  `json:"active_conversation,omitempty"`
	Messages           []model.Message      `json:"messages"`
	IsLoading          bool                 `json:"is_loading"`
	Err                string               `json:"error,omitempty"`
	IsTyping           map[string]bool      `json:"is_typing"`
}

// Store is the per-session state container. All mutation goes through
// the operations below and the feed merge handlers; both use the same
// reducer-style read-modify-write under one lock, so close-together
// writes never lose updates. Listeners observe every committed state.
type Store struct {
	userID    string
	gw        Gateway
	typing    TypingPublisher
	validator Validator
	log       *logger.Logger

	typingResetDelay time.Duration
	typingTTL        time.Duration

	mu           stdsync.Mutex
	state        State
	generation   uint64
	typingTimers map[string]*time.Timer
	listeners    map[int]func(State)
	nextListener int
	closed       bool
}

// Option tunes a Store.
type Option func(*Store)

// WithTypingResetDelay overrides the safety reset delay after a
// "stopped typing" transition.
func WithTypingResetDelay(d time.Duration) Option {
	return func(s *Store) { s.typingResetDelay = d }
}

// WithTypingTTL overrides how long a received typing flag stays set
// without a follow-up signal.
func WithTypingTTL(d time.Duration) Option {
	return func(s *Store) { s.typingTTL = d }
}

// NewStore creates a state container bound to one authenticated session.
func NewStore(userID string, gw Gateway, typing TypingPublisher, validator Validator, log *logger.Logger, opts ...Option) *Store {
	s := &Store{
		userID:           userID,
		gw:               gw,
		typing:           typing,
		validator:        validator,
		log:              log.WithSession(userID),
		typingResetDelay: 500 * time.Millisecond,
		typingTTL:        3 * time.Second,
		state:            State{IsTyping: map[string]bool{}},
		typingTimers:     map[string]*time.Timer{},
		listeners:        map[int]func(State){},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// UserID returns the session user the store belongs to.
func (s *Store) UserID() string {
	return s.userID
}

// Subscribe registers a listener invoked after every committed state
// change. The returned function unsubscribes it.
func (s *Store) Subscribe(fn func(State)) func() {
	s.mu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Snapshot returns a copy of the current state safe to read without
// racing the reducer.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyState(s.state)
}

// Close stops timers and drops listeners. The owning session is over;
// the feed subscriptions are disposed by the manager.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	for _, t := range s.typingTimers {
		t.Stop()
	}
	s.typingTimers = map[string]*time.Timer{}
	s.listeners = map[int]func(State){}
	s.mu.Unlock()
}

// commit applies one reducer step and notifies listeners with the
// resulting snapshot, outside the lock.
func (s *Store) commit(mutate func(*State)) {
	s.commitIfCurrent(0, mutate)
}

// commitIfCurrent applies the reducer step only while gen is still the
// newest fetch generation. Check and mutation share one critical
// section, so a newer fetch completing in between can never be
// overwritten by a stale result. gen 0 commits unconditionally.
func (s *Store) commitIfCurrent(gen uint64, mutate func(*State)) bool {
	s.mu.Lock()
	if s.closed || (gen != 0 && gen != s.generation) {
		s.mu.Unlock()
		return false
	}
	mutate(&s.state)
	snapshot := copyState(s.state)
	fns := make([]func(State), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(snapshot)
	}
	return true
}

// copyState deep-copies everything the reducers mutate in place.
// Participant slices in particular are written through by the mark-read
// paths, so sharing their backing arrays with a handed-out snapshot
// would race later commits.
func copyState(st State) State {
	out := st
	out.Conversations = make([]model.Conversation, len(st.Conversations))
	for i, c := range st.Conversations {
		out.Conversations[i] = copyConversation(c)
	}
	out.Messages = append([]model.Message(nil), st.Messages...)
	out.IsTyping = make(map[string]bool, len(st.IsTyping))
	for k, v := range st.IsTyping {
		out.IsTyping[k] = v
	}
	if st.ActiveConversation != nil {
		active := copyConversation(*st.ActiveConversation)
		out.ActiveConversation = &active
	}
	return out
}

func copyConversation(c model.Conversation) model.Conversation {
	out := c
	out.Participants = append([]model.Participant(nil), c.Participants...)
	if c.LastMessage != nil {
		last := *c.LastMessage
		out.LastMessage = &last
	}
	return out
}

// normalize folds untyped failures into the persistence bucket so the
// state never carries raw driver errors.
func normalize(err error, userMessage string) error {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return apperrors.Persistence(userMessage, err)
}

// recordOp finishes an operation's bookkeeping: error normalization,
// state error field, logs and metrics.
func (s *Store) recordOp(op string, started time.Time, err error) error {
	if err == nil {
		metrics.RecordSyncOp(op, "ok", time.Since(started).Seconds())
		return nil
	}
	metrics.RecordSyncOp(op, "error", time.Since(started).Seconds())
	s.log.Warn("operation failed", zap.String("op", op), zap.Error(err))
	return err
}
