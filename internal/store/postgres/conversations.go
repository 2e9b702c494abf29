package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gigport/messaging-sync/internal/model"
)

// ListConversationsForUser returns the explicit conversations the user
// participates in, most recent activity first. Participants are loaded
// separately.
func (g *Gateway) ListConversationsForUser(ctx context.Context, userID string) ([]model.Conversation, error) {
	defer observe("list_conversations", time.Now())

	rows, err := g.pool.Query(ctx, `
        SELECT c.id, c.created_at, c.updated_at, c.last_message_id, c.last_message_at
        FROM conversations c
        JOIN conversation_participants p ON p.conversation_id = c.id
        WHERE p.user_id = $1
        ORDER BY c.last_message_at DESC NULLS LAST, c.created_at DESC
    `, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var convs []model.Conversation
	for rows.Next() {
		var c model.Conversation
		var lastMessageID *string
		var lastMessageAt *time.Time
		if err := rows.Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt, &lastMessageID, &lastMessageAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		if lastMessageID != nil {
			c.LastMessageID = *lastMessageID
		}
		if lastMessageAt != nil {
			c.LastMessageAt = *lastMessageAt
		}
		c.Kind = model.KindExplicit
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read conversations: %w", err)
	}
	return convs, nil
}

// ListParticipants returns participant rows grouped by conversation,
// with profile fields and derived presence.
func (g *Gateway) ListParticipants(ctx context.Context, conversationIDs []string) (map[string][]model.Participant, error) {
	defer observe("list_participants", time.Now())

	rows, err := g.pool.Query(ctx, `
        SELECT p.conversation_id, u.id, u.username, COALESCE(u.full_name, ''),
               COALESCE(u.avatar_url, ''), u.role, p.unread_count, u.last_seen
        FROM conversation_participants p
        JOIN users u ON u.id = p.user_id
        WHERE p.conversation_id = ANY($1)
    `, conversationIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	defer rows.Close()

	byConv := make(map[string][]model.Participant, len(conversationIDs))
	for rows.Next() {
		var conversationID string
		var p model.Participant
		var lastSeen *time.Time
		if err := rows.Scan(&conversationID, &p.ID, &p.Username, &p.FullName,
			&p.AvatarURL, &p.Role, &p.UnreadCount, &lastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		if lastSeen != nil {
			p.LastSeen = *lastSeen
			p.Online = time.Since(*lastSeen) < onlineWindow
		}
		byConv[conversationID] = append(byConv[conversationID], p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read participants: %w", err)
	}
	return byConv, nil
}

// CreateConversationWithMessage persists a conversation, its
// participant rows and its first message in one transaction, so a
// half-created conversation can never be observed. Returns the new
// conversation id.
func (g *Gateway) CreateConversationWithMessage(ctx context.Context, participantIDs []string, content, senderID string) (string, error) {
	defer observe("create_conversation_with_message", time.Now())

	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	conversationID := uuid.Must(uuid.NewV7()).String()
	messageID := uuid.Must(uuid.NewV7()).String()
	now := time.Now()

	_, err = tx.Exec(ctx, `
        INSERT INTO conversations (id, created_at, updated_at, last_message_id, last_message_at)
        VALUES ($1, $2, $2, $3, $2)
    `, conversationID, now, messageID)
	if err != nil {
		return "", fmt.Errorf("failed to insert conversation: %w", err)
	}

	for _, userID := range participantIDs {
		unread := 1
		if userID == senderID {
			unread = 0
		}
		_, err = tx.Exec(ctx, `
            INSERT INTO conversation_participants (conversation_id, user_id, unread_count)
            VALUES ($1, $2, $3)
        `, conversationID, userID, unread)
		if err != nil {
			return "", fmt.Errorf("failed to insert participant %s: %w", userID, err)
		}
	}

	_, err = tx.Exec(ctx, `
        INSERT INTO messages (id, conversation_id, sender_id, content, is_read, created_at)
        VALUES ($1, $2, $3, $4, false, $5)
    `, messageID, conversationID, senderID, content, now)
	if err != nil {
		return "", fmt.Errorf("failed to insert initial message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("failed to commit conversation: %w", err)
	}

	g.publishConversationChange(ctx, model.RowOpInsert, conversationID)
	g.publishMessageInsert(ctx, &model.Message{
		ID:             messageID,
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		CreatedAt:      now,
	})
	return conversationID, nil
}

// UpdateConversationLastMessage moves the last-message pointer of an
// explicit conversation.
func (g *Gateway) UpdateConversationLastMessage(ctx context.Context, conversationID, messageID string, at time.Time) error {
	defer observe("update_last_message", time.Now())

	_, err := g.pool.Exec(ctx, `
        UPDATE conversations
        SET last_message_id = $2, last_message_at = $3, updated_at = $3
        WHERE id = $1
    `, conversationID, messageID, at)
	if err != nil {
		return fmt.Errorf("failed to update last message: %w", err)
	}

	g.publishConversationChange(ctx, model.RowOpUpdate, conversationID)
	return nil
}
