// Package postgres implements the persistence gateway over the
// relational store. After every successful commit it publishes the
// matching row-change event so this process's writes reach the change
// feed the same way external writers' do.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/gigport/messaging-sync/internal/model"
	"github.com/gigport/messaging-sync/pkg/logger"
	"github.com/gigport/messaging-sync/pkg/metrics"
)

// Config holds pool configuration.
type Config struct {
	URL      string
	MaxConns int32
	MinConns int32
}

// EventPublisher receives row-change events after commits.
type EventPublisher interface {
	PublishMessageEvent(ctx context.Context, ev model.MessageEvent) error
	PublishConversationChange(ctx context.Context, ev model.ConversationChangeEvent) error
}

// Gateway is the Postgres-backed persistence gateway.
type Gateway struct {
	pool   *pgxpool.Pool
	events EventPublisher
	logger *logger.Logger
}

// Connect builds the connection pool and verifies it.
func Connect(ctx context.Context, cfg Config, events EventPublisher, log *logger.Logger) (*Gateway, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Gateway{pool: pool, events: events, logger: log}, nil
}

// Close releases the pool.
func (g *Gateway) Close() {
	g.pool.Close()
}

// Ping verifies store reachability.
func (g *Gateway) Ping(ctx context.Context) error {
	defer observe("ping", time.Now())
	return g.pool.Ping(ctx)
}

func observe(query string, started time.Time) {
	metrics.GatewayQueryDuration.WithLabelValues(query).Observe(time.Since(started).Seconds())
}

func (g *Gateway) publishMessageInsert(ctx context.Context, msg *model.Message) {
	if g.events == nil {
		return
	}
	ev := model.MessageEvent{Op: model.RowOpInsert, Message: msg}
	if err := g.events.PublishMessageEvent(ctx, ev); err != nil {
		g.logger.Warn("failed to publish message event", zap.String("message_id", msg.ID), zap.Error(err))
	}
}

func (g *Gateway) publishConversationChange(ctx context.Context, op model.RowOp, threadID string) {
	if g.events == nil {
		return
	}
	ev := model.ConversationChangeEvent{Op: op, ConversationID: threadID}
	if err := g.events.PublishConversationChange(ctx, ev); err != nil {
		g.logger.Warn("failed to publish conversation event", zap.String("conversation_id", threadID), zap.Error(err))
	}
}
