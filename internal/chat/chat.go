// Package chat routes deal conversations and enforces message visibility.
//
// Every buyer (authenticated or anonymous) gets exactly one conversation per
// deal. Before a claim, all conversations negotiate in parallel; after a
// claim, the winner's conversation stays live and the rest close. During a
// dispute, messages become single-party scoped so neither side sees the
// other's evidence.
package chat

import (
	"errors"
	"time"

	"github.com/middleman-market/middleman/internal/deal"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrConversationExists   = errors.New("conversation already exists for this identity")
	ErrConversationClosed   = errors.New("conversation is closed")
	ErrNotParticipant       = errors.New("not a participant in this conversation")
	ErrIdentityRequired     = errors.New("a user or session identity is required")
	ErrAlreadyClaimed       = errors.New("conversation already claimed by another user")
	ErrNoOffer              = errors.New("no open price offer on this conversation")

	// Returned by the dispute gate; defined here so the router and its
	// handlers can classify them without importing the collector.
	ErrEvidenceComplete = errors.New("evidence collection is complete for this party")
	ErrQuestionCap      = errors.New("question cap reached for this party")
)

// ConvStatus is a conversation's lifecycle state.
type ConvStatus string

const (
	ConvActive  ConvStatus = "active"  // negotiating, or live post-claim
	ConvClaimed ConvStatus = "claimed" // this buyer won the claim
	ConvClosed  ConvStatus = "closed"  // lost the claim, or deal ended
)

// Conversation is one buyer's channel with the seller about one deal.
// Exactly one of BuyerID and AnonSessionID identifies the buyer side.
type Conversation struct {
	ID            string     `json:"id"`
	DealID        string     `json:"dealId"`
	BuyerID       string     `json:"buyerId,omitempty"`
	AnonSessionID string     `json:"anonSessionId,omitempty"`
	Status        ConvStatus `json:"status"`

	// OfferCents is the currently open price offer (zero when none) and
	// OfferBy who made it. AgreedPriceCents is set when the counterparty
	// accepts and binds the price this buyer would claim at.
	OfferCents       int64 `json:"offerCents,omitempty"`
	OfferBy          Role  `json:"offerBy,omitempty"`
	AgreedPriceCents int64 `json:"agreedPriceCents,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Role identifies who authored a message.
type Role string

const (
	RoleBuyer    Role = "buyer"
	RoleSeller   Role = "seller"
	RoleMediator Role = "mediator"
	RoleSystem   Role = "system"
)

// Visibility scopes who may read a message.
type Visibility string

const (
	VisibilityAll        Visibility = "all"
	VisibilityBuyerOnly  Visibility = "buyer_only"
	VisibilitySellerOnly Visibility = "seller_only"
)

// VisibleTo reports whether a reader with the given role may see scope v.
// The mediator sees everything.
func (v Visibility) VisibleTo(r Role) bool {
	switch v {
	case VisibilityAll:
		return true
	case VisibilityBuyerOnly:
		return r == RoleBuyer || r == RoleMediator
	case VisibilitySellerOnly:
		return r == RoleSeller || r == RoleMediator
	}
	return false
}

// Message is one chat entry. IDs are ULIDs, so lexicographic order is
// creation order.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversationId"`
	DealID         string         `json:"dealId"`
	SenderRole     Role           `json:"senderRole"`
	SenderID       string         `json:"senderId,omitempty"`
	Visibility     Visibility     `json:"visibility"`
	Body           string         `json:"body"`
	MediaRefs      []string       `json:"mediaRefs,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// Identity is the caller's buyer-side identity: an authenticated user id or
// an anonymous session id, never both.
type Identity struct {
	UserID        string
	AnonSessionID string
}

// Valid reports whether exactly one identity component is present.
func (i Identity) Valid() bool {
	return (i.UserID == "") != (i.AnonSessionID == "")
}

// roleFor derives the caller's role on a deal from a conversation.
func roleFor(d *deal.Deal, conv *Conversation, id Identity) (Role, bool) {
	if id.UserID != "" && id.UserID == d.SellerID {
		return RoleSeller, true
	}
	if id.UserID != "" && id.UserID == conv.BuyerID {
		return RoleBuyer, true
	}
	if id.AnonSessionID != "" && id.AnonSessionID == conv.AnonSessionID {
		return RoleBuyer, true
	}
	return "", false
}
