package sync

import (
	stdsync "sync"

	"github.com/gigport/messaging-sync/internal/model"
	"github.com/gigport/messaging-sync/pkg/logger"
	"github.com/gigport/messaging-sync/pkg/metrics"
)

// Manager owns one Store per live session and fans change feed events
// out to all of them. It implements feed.Handler.
type Manager struct {
	gw        Gateway
	typing    TypingPublisher
	validator Validator
	log       *logger.Logger
	opts      []Option

	mu     stdsync.Mutex
	stores map[string]*Store
}

// NewManager creates a session manager.
func NewManager(gw Gateway, typing TypingPublisher, validator Validator, log *logger.Logger, opts ...Option) *Manager {
	return &Manager{
		gw:        gw,
		typing:    typing,
		validator: validator,
		log:       log,
		opts:      opts,
		stores:    map[string]*Store{},
	}
}

// Session returns the store bound to the user, creating it on first
// use.
func (m *Manager) Session(userID string) *Store {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.stores[userID]; ok {
		return s
	}
	s := NewStore(userID, m.gw, m.typing, m.validator, m.log, m.opts...)
	m.stores[userID] = s
	metrics.SessionsActive.Inc()
	return s
}

// Release tears down the user's store when their session ends.
func (m *Manager) Release(userID string) {
	m.mu.Lock()
	s, ok := m.stores[userID]
	if ok {
		delete(m.stores, userID)
	}
	m.mu.Unlock()

	if ok {
		s.Close()
		metrics.SessionsActive.Dec()
	}
}

// Close tears down every store.
func (m *Manager) Close() {
	m.mu.Lock()
	stores := m.stores
	m.stores = map[string]*Store{}
	m.mu.Unlock()

	for _, s := range stores {
		s.Close()
		metrics.SessionsActive.Dec()
	}
}

func (m *Manager) each(fn func(*Store)) {
	m.mu.Lock()
	stores := make([]*Store, 0, len(m.stores))
	for _, s := range m.stores {
		stores = append(stores, s)
	}
	m.mu.Unlock()

	for _, s := range stores {
		fn(s)
	}
}

// OnMessageEvent implements feed.Handler.
func (m *Manager) OnMessageEvent(ev model.MessageEvent) {
	m.each(func(s *Store) { s.OnMessageEvent(ev) })
}

// OnConversationChange implements feed.Handler.
func (m *Manager) OnConversationChange(ev model.ConversationChangeEvent) {
	m.each(func(s *Store) { s.OnConversationChange(ev) })
}

// OnTyping implements feed.Handler.
func (m *Manager) OnTyping(ev model.TypingEvent) {
	m.each(func(s *Store) { s.OnTyping(ev) })
}
