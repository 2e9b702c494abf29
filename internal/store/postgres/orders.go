package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/gigport/messaging-sync/internal/model"
)

const orderColumns = `id, COALESCE(title, ''), client_id, freelancer_id, created_at, updated_at`

// ListOrdersForParty returns the orders on which the user acts in the
// given role.
func (g *Gateway) ListOrdersForParty(ctx context.Context, userID string, role model.Role) ([]model.OrderSummary, error) {
	defer observe("list_orders", time.Now())

	column := "client_id"
	if role == model.RoleFreelance {
		column = "freelancer_id"
	}

	rows, err := g.pool.Query(ctx, `
        SELECT `+orderColumns+`
        FROM orders
        WHERE `+column+` = $1
        ORDER BY updated_at DESC
    `, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	var orders []model.OrderSummary
	for rows.Next() {
		var o model.OrderSummary
		if err := rows.Scan(&o.ID, &o.Title, &o.ClientID, &o.FreelancerID, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read orders: %w", err)
	}
	return orders, nil
}

// GetOrder loads one order, or nil when it does not exist.
func (g *Gateway) GetOrder(ctx context.Context, orderID string) (*model.OrderSummary, error) {
	defer observe("get_order", time.Now())

	var o model.OrderSummary
	err := g.pool.QueryRow(ctx, `
        SELECT `+orderColumns+`
        FROM orders
        WHERE id = $1
    `, orderID).Scan(&o.ID, &o.Title, &o.ClientID, &o.FreelancerID, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order %s: %w", orderID, err)
	}
	return &o, nil
}

// CountUnreadForOrder counts order messages not sent by the user and
// not yet read.
func (g *Gateway) CountUnreadForOrder(ctx context.Context, orderID, userID string) (int, error) {
	defer observe("count_unread_for_order", time.Now())

	var count int
	err := g.pool.QueryRow(ctx, `
        SELECT COUNT(*)
        FROM messages
        WHERE order_id = $1 AND sender_id <> $2 AND is_read = false
    `, orderID, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread messages: %w", err)
	}
	return count, nil
}

// LatestMessageForOrder returns the newest message of the order thread,
// or nil when the thread is empty.
func (g *Gateway) LatestMessageForOrder(ctx context.Context, orderID string) (*model.Message, error) {
	defer observe("latest_message_for_order", time.Now())

	row := g.pool.QueryRow(ctx, `
        SELECT `+messageColumns+`
        FROM messages m
        JOIN users u ON u.id = m.sender_id
        WHERE m.order_id = $1
        ORDER BY m.created_at DESC
        LIMIT 1
    `, orderID)

	m, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest order message: %w", err)
	}
	return m, nil
}
