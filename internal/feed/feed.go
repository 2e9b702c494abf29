package feed

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/gigport/messaging-sync/internal/model"
	"github.com/gigport/messaging-sync/pkg/logger"
	"github.com/gigport/messaging-sync/pkg/metrics"
)

const (
	// SubjectMessages carries row-level changes on the message table.
	SubjectMessages = "sync.rows.messages"
	// SubjectConversations carries row-level changes on the
	// conversation table.
	SubjectConversations = "sync.rows.conversations"
	// SubjectTyping is the single ephemeral broadcast subject shared by
	// every conversation. Payloads carry the conversation id; consumers
	// must filter on it or they will see cross-conversation noise.
	SubjectTyping = "sync.typing"
)

// Handler receives decoded feed events.
type Handler interface {
	OnMessageEvent(ev model.MessageEvent)
	OnConversationChange(ev model.ConversationChangeEvent)
	OnTyping(ev model.TypingEvent)
}

// Feed owns the three subscriptions backing the change feed. They are
// created together and disposed together.
type Feed struct {
	client  *Client
	handler Handler
	logger  *logger.Logger
	subs    []*nats.Subscription
}

// Subscribe starts the message, conversation and typing subscriptions.
func Subscribe(client *Client, handler Handler, log *logger.Logger) (*Feed, error) {
	f := &Feed{client: client, handler: handler, logger: log}

	msgSub, err := client.Conn().Subscribe(SubjectMessages, f.onMessage)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", SubjectMessages, err)
	}
	f.subs = append(f.subs, msgSub)

	convSub, err := client.Conn().Subscribe(SubjectConversations, f.onConversation)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", SubjectConversations, err)
	}
	f.subs = append(f.subs, convSub)

	typingSub, err := client.Conn().Subscribe(SubjectTyping, f.onTyping)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", SubjectTyping, err)
	}
	f.subs = append(f.subs, typingSub)

	return f, nil
}

// Close unsubscribes everything. No handler fires afterwards.
func (f *Feed) Close() {
	for _, sub := range f.subs {
		_ = sub.Unsubscribe()
	}
	f.subs = nil
}

func (f *Feed) onMessage(m *nats.Msg) {
	var ev model.MessageEvent
	if err := json.Unmarshal(m.Data, &ev); err != nil {
		f.logger.Warn("dropping malformed message event", zap.Error(err))
		return
	}
	if ev.Message == nil {
		return
	}
	metrics.FeedEventsTotal.WithLabelValues("message").Inc()
	f.handler.OnMessageEvent(ev)
}

func (f *Feed) onConversation(m *nats.Msg) {
	var ev model.ConversationChangeEvent
	if err := json.Unmarshal(m.Data, &ev); err != nil {
		f.logger.Warn("dropping malformed conversation event", zap.Error(err))
		return
	}
	metrics.FeedEventsTotal.WithLabelValues("conversation").Inc()
	f.handler.OnConversationChange(ev)
}

func (f *Feed) onTyping(m *nats.Msg) {
	var ev model.TypingEvent
	if err := json.Unmarshal(m.Data, &ev); err != nil {
		f.logger.Warn("dropping malformed typing event", zap.Error(err))
		return
	}
	metrics.FeedEventsTotal.WithLabelValues("typing").Inc()
	f.handler.OnTyping(ev)
}

// PublishTyping broadcasts a typing signal on the shared subject.
func (c *Client) PublishTyping(ctx context.Context, ev model.TypingEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal typing event: %w", err)
	}
	return c.conn.Publish(SubjectTyping, data)
}

// PublishMessageEvent emits a row-level change for the message table.
// The persistence gateway calls this after a successful commit so this
// process's own writes flow through the same feed path as everyone
// else's.
func (c *Client) PublishMessageEvent(ctx context.Context, ev model.MessageEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal message event: %w", err)
	}
	return c.conn.Publish(SubjectMessages, data)
}

// PublishConversationChange emits a row-level change for the
// conversation table.
func (c *Client) PublishConversationChange(ctx context.Context, ev model.ConversationChangeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation event: %w", err)
	}
	return c.conn.Publish(SubjectConversations, data)
}
