package chat

import (
	"context"
)

// Store persists conversations and messages.
//
// CreateConversation must enforce the one-conversation-per-identity-per-deal
// uniqueness at the store and return ErrConversationExists on conflict; the
// router resolves the conflict by re-reading the winner. ClaimIdentity is
// the same pattern for the anonymous-to-authenticated upgrade.
type Store interface {
	CreateConversation(ctx context.Context, c *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	GetByDealAndBuyer(ctx context.Context, dealID, buyerID string) (*Conversation, error)
	GetByDealAndSession(ctx context.Context, dealID, anonSessionID string) (*Conversation, error)
	ListByDeal(ctx context.Context, dealID string) ([]*Conversation, error)

	// ClaimIdentity binds buyerID to an anonymous conversation. Returns
	// ErrConversationExists when the buyer already has a conversation on the
	// deal, ErrAlreadyClaimed when another user claimed this one first.
	ClaimIdentity(ctx context.Context, id, buyerID string) (*Conversation, error)

	// SetOffer records an open price offer; SetAgreedPrice accepts it.
	SetOffer(ctx context.Context, id string, cents int64, by Role) error
	SetAgreedPrice(ctx context.Context, id string, cents int64) error

	// MarkDealClaimed moves the winner conversation to claimed and all
	// sibling conversations on the deal to closed, in one store operation.
	MarkDealClaimed(ctx context.Context, dealID, winnerID string) error

	// CloseAll closes every conversation on a deal (terminal deal states).
	CloseAll(ctx context.Context, dealID string) error

	AppendMessage(ctx context.Context, m *Message) error

	// ListMessages returns a conversation's messages oldest first, capped
	// at limit. Visibility filtering happens in the router.
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)

	// ListDealMessages returns all messages across a deal's conversations,
	// oldest first. Used to assemble dispute evidence.
	ListDealMessages(ctx context.Context, dealID string, limit int) ([]*Message, error)
}
