// Package convid owns the thread id convention. Explicit conversations
// use their row id verbatim; order threads use a derived id of the form
// "order-<orderId>". Every component that needs to tell the two apart
// goes through this package so the prefix never leaks elsewhere.
package convid

import (
	"strings"

	"github.com/gigport/messaging-sync/internal/model"
)

const orderPrefix = "order-"

// ParentRef identifies the parent of a message or thread: either an
// explicit conversation row or an order.
type ParentRef struct {
	Kind model.Kind
	// ID is the conversation row id for KindExplicit, the order id for
	// KindOrder.
	ID string
}

// Parse classifies a thread id.
func Parse(threadID string) ParentRef {
	if orderID, ok := strings.CutPrefix(threadID, orderPrefix); ok && orderID != "" {
		return ParentRef{Kind: model.KindOrder, ID: orderID}
	}
	return ParentRef{Kind: model.KindExplicit, ID: threadID}
}

// OrderThreadID derives the synthetic thread id for an order.
func OrderThreadID(orderID string) string {
	return orderPrefix + orderID
}

// ThreadID formats the ref back into the id used in conversation lists.
func (r ParentRef) ThreadID() string {
	if r.Kind == model.KindOrder {
		return OrderThreadID(r.ID)
	}
	return r.ID
}

// ForMessage returns the parent ref a message row belongs to.
func ForMessage(m *model.Message) ParentRef {
	if m.OrderID != "" {
		return ParentRef{Kind: model.KindOrder, ID: m.OrderID}
	}
	return ParentRef{Kind: model.KindExplicit, ID: m.ConversationID}
}
