// Package sync implements the synchronization core: the reactive state
// container that reconciles the relational message store with the live
// messaging experience. It merges explicit conversations and
// order-derived threads into one stream, keeps unread counters and
// typing flags consistent, and folds change feed events back into
// state.
package sync

import (
	"context"
	"time"

	"github.com/gigport/messaging-sync/internal/convid"
	"github.com/gigport/messaging-sync/internal/model"
	"github.com/gigport/messaging-sync/internal/validate"
)

// Gateway is the narrow contract toward the relational store. All calls
// are authenticated as the current session; timeout and retry policy
// live behind this interface, and the core treats any failure as
// terminal for that call.
type Gateway interface {
	// Ping verifies store reachability.
	Ping(ctx context.Context) error

	// GetUserRole resolves a user's marketplace role.
	GetUserRole(ctx context.Context, userID string) (model.Role, error)

	// GetUserProfile loads the minimal profile projection.
	GetUserProfile(ctx context.Context, userID string) (*model.UserProfile, error)

	// ListConversationsForUser returns the explicit conversations the
	// user participates in, without participants hydrated.
	ListConversationsForUser(ctx context.Context, userID string) ([]model.Conversation, error)

	// ListParticipants returns participant rows grouped by conversation.
	ListParticipants(ctx context.Context, conversationIDs []string) (map[string][]model.Participant, error)

	// GetMessage loads one message by id, with sender snapshot.
	GetMessage(ctx context.Context, messageID string) (*model.Message, error)

	// ListMessagesByParent returns all messages of a thread ordered by
	// creation time ascending, with sender snapshots.
	ListMessagesByParent(ctx context.Context, ref convid.ParentRef) ([]model.Message, error)

	// InsertMessage persists a message and returns the stored row.
	InsertMessage(ctx context.Context, msg *model.Message) (*model.Message, error)

	// UpdateConversationLastMessage moves an explicit conversation's
	// last-message pointer.
	UpdateConversationLastMessage(ctx context.Context, conversationID, messageID string, at time.Time) error

	// IncrementUnread bumps the unread counters of every participant
	// except the sender. The write strategy differs by thread kind (an
	// atomic counting RPC for explicit conversations, a direct update
	// for order threads); the ref selects it so callers never branch on
	// id prefixes.
	IncrementUnread(ctx context.Context, ref convid.ParentRef, senderID string) error

	// MarkMessagesRead atomically zeroes the user's counter on the
	// thread and flips every applicable message read flag.
	MarkMessagesRead(ctx context.Context, ref convid.ParentRef, userID string) error

	// MarkMessagesReadByID flips the read flag on the given ids only,
	// never touching the user's own messages.
	MarkMessagesReadByID(ctx context.Context, ref convid.ParentRef, userID string, messageIDs []string) error

	// CreateConversationWithMessage persists a conversation and its
	// first message in one atomic server-side operation and returns the
	// new conversation id.
	CreateConversationWithMessage(ctx context.Context, participantIDs []string, content, senderID string) (string, error)

	// ListOrdersForParty returns the orders on which the user acts in
	// the given role.
	ListOrdersForParty(ctx context.Context, userID string, role model.Role) ([]model.OrderSummary, error)

	// GetOrder loads one order.
	GetOrder(ctx context.Context, orderID string) (*model.OrderSummary, error)

	// CountUnreadForOrder counts messages of the order not sent by the
	// user and not yet read.
	CountUnreadForOrder(ctx context.Context, orderID, userID string) (int, error)

	// LatestMessageForOrder returns the most recent message of the
	// order, or nil when the thread is empty.
	LatestMessageForOrder(ctx context.Context, orderID string) (*model.Message, error)
}

// TypingPublisher broadcasts ephemeral typing signals. Signals are not
// persisted; they travel on a single shared channel with the
// conversation id in the payload.
type TypingPublisher interface {
	PublishTyping(ctx context.Context, ev model.TypingEvent) error
}

// Validator is the consumed message validation contract. IsValid=false
// is a hard stop; Censored=true means "persist Result.Message with the
// moderation marker appended".
type Validator interface {
	Validate(text string, opts validate.Options) validate.Result
}
