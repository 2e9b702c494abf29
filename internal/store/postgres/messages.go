package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/gigport/messaging-sync/internal/convid"
	"github.com/gigport/messaging-sync/internal/model"
)

const messageColumns = `
    m.id, m.conversation_id, m.order_id, m.sender_id, m.content, m.is_read, m.created_at,
    m.attachment_url, m.attachment_type, m.attachment_name,
    u.id, u.username, COALESCE(u.full_name, ''), COALESCE(u.avatar_url, ''), u.role`

func scanMessage(row pgx.Row) (*model.Message, error) {
	var m model.Message
	var conversationID, orderID *string
	var attURL, attType, attName *string
	var sender model.UserProfile

	err := row.Scan(&m.ID, &conversationID, &orderID, &m.SenderID, &m.Content, &m.Read, &m.CreatedAt,
		&attURL, &attType, &attName,
		&sender.ID, &sender.Username, &sender.FullName, &sender.AvatarURL, &sender.Role)
	if err != nil {
		return nil, err
	}

	if conversationID != nil {
		m.ConversationID = *conversationID
	}
	if orderID != nil {
		m.OrderID = *orderID
	}
	if attURL != nil {
		m.Attachment = &model.Attachment{URL: *attURL}
		if attType != nil {
			m.Attachment.MimeType = *attType
		}
		if attName != nil {
			m.Attachment.Name = *attName
		}
	}
	m.Sender = &sender
	return &m, nil
}

// GetMessage loads one message with its sender snapshot, or nil when it
// does not exist.
func (g *Gateway) GetMessage(ctx context.Context, messageID string) (*model.Message, error) {
	defer observe("get_message", time.Now())

	row := g.pool.QueryRow(ctx, `
        SELECT `+messageColumns+`
        FROM messages m
        JOIN users u ON u.id = m.sender_id
        WHERE m.id = $1
    `, messageID)

	m, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load message %s: %w", messageID, err)
	}
	return m, nil
}

// ListMessagesByParent returns every message of a thread in creation
// order, with sender snapshots.
func (g *Gateway) ListMessagesByParent(ctx context.Context, ref convid.ParentRef) ([]model.Message, error) {
	defer observe("list_messages", time.Now())

	column := "m.conversation_id"
	if ref.Kind == model.KindOrder {
		column = "m.order_id"
	}

	rows, err := g.pool.Query(ctx, `
        SELECT `+messageColumns+`
        FROM messages m
        JOIN users u ON u.id = m.sender_id
        WHERE `+column+` = $1
        ORDER BY m.created_at ASC
    `, ref.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msgs = append(msgs, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}
	return msgs, nil
}

// InsertMessage persists a message and publishes the insert event.
func (g *Gateway) InsertMessage(ctx context.Context, msg *model.Message) (*model.Message, error) {
	defer observe("insert_message", time.Now())

	var conversationID, orderID *string
	if msg.ConversationID != "" {
		conversationID = &msg.ConversationID
	}
	if msg.OrderID != "" {
		orderID = &msg.OrderID
	}

	var attURL, attType, attName *string
	if msg.Attachment != nil {
		attURL = &msg.Attachment.URL
		if msg.Attachment.MimeType != "" {
			attType = &msg.Attachment.MimeType
		}
		if msg.Attachment.Name != "" {
			attName = &msg.Attachment.Name
		}
	}

	_, err := g.pool.Exec(ctx, `
        INSERT INTO messages (id, conversation_id, order_id, sender_id, content, is_read, created_at,
                              attachment_url, attachment_type, attachment_name)
        VALUES ($1, $2, $3, $4, $5, false, $6, $7, $8, $9)
    `, msg.ID, conversationID, orderID, msg.SenderID, msg.Content, msg.CreatedAt, attURL, attType, attName)
	if err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}

	stored, err := g.GetMessage(ctx, msg.ID)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, fmt.Errorf("inserted message %s not found", msg.ID)
	}

	g.publishMessageInsert(ctx, stored)
	return stored, nil
}

// MarkMessagesRead atomically zeroes the user's unread counter and
// flips the applicable read flags. Explicit conversations go through
// the mark_messages_read database function; order threads are a single
// scoped update, since their counter is derived from the flags.
func (g *Gateway) MarkMessagesRead(ctx context.Context, ref convid.ParentRef, userID string) error {
	defer observe("mark_messages_read", time.Now())

	var err error
	if ref.Kind == model.KindOrder {
		_, err = g.pool.Exec(ctx, `
            UPDATE messages
            SET is_read = true
            WHERE order_id = $1 AND sender_id <> $2 AND is_read = false
        `, ref.ID, userID)
	} else {
		_, err = g.pool.Exec(ctx, `SELECT mark_messages_read($1, $2)`, ref.ID, userID)
	}
	if err != nil {
		return fmt.Errorf("failed to mark messages read: %w", err)
	}

	g.publishConversationChange(ctx, model.RowOpUpdate, ref.ThreadID())
	return nil
}

// MarkMessagesReadByID flips the read flag on the given ids only. The
// sender guard keeps a user from marking their own messages.
func (g *Gateway) MarkMessagesReadByID(ctx context.Context, ref convid.ParentRef, userID string, messageIDs []string) error {
	defer observe("mark_messages_read_by_id", time.Now())

	column := "conversation_id"
	if ref.Kind == model.KindOrder {
		column = "order_id"
	}

	_, err := g.pool.Exec(ctx, `
        UPDATE messages
        SET is_read = true
        WHERE id = ANY($1) AND `+column+` = $2 AND sender_id <> $3
    `, messageIDs, ref.ID, userID)
	if err != nil {
		return fmt.Errorf("failed to mark messages read by id: %w", err)
	}

	g.publishConversationChange(ctx, model.RowOpUpdate, ref.ThreadID())
	return nil
}

// IncrementUnread bumps unread state after a send. The two thread
// shapes need different writes: explicit conversations keep a stored
// counter per participant, maintained by the increment_unread_count
// database function; order threads derive their counter from unread
// message rows, so only the order's activity timestamp moves.
func (g *Gateway) IncrementUnread(ctx context.Context, ref convid.ParentRef, senderID string) error {
	defer observe("increment_unread", time.Now())

	var err error
	if ref.Kind == model.KindOrder {
		_, err = g.pool.Exec(ctx, `
            UPDATE orders SET updated_at = now() WHERE id = $1
        `, ref.ID)
	} else {
		_, err = g.pool.Exec(ctx, `SELECT increment_unread_count($1, $2)`, ref.ID, senderID)
	}
	if err != nil {
		return fmt.Errorf("failed to increment unread count: %w", err)
	}

	g.publishConversationChange(ctx, model.RowOpUpdate, ref.ThreadID())
	return nil
}
