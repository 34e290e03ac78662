package chat

import (
	"context"
	"errors"
	"time"

	"github.com/middleman-market/middleman/internal/deal"
	"github.com/middleman-market/middleman/internal/idgen"
	"github.com/middleman-market/middleman/internal/logging"
	"github.com/middleman-market/middleman/internal/validation"
)

// DisputeGate handles dispute-mode statements. The router hands over the
// whole turn: the gate enforces the question cap, stores the party-scoped
// message, runs the mediator interview, and triggers adjudication when both
// parties complete. Implemented by the dispute collector.
type DisputeGate interface {
	SubmitEvidence(ctx context.Context, d *deal.Deal, conv *Conversation, party deal.Party, senderID, text string) (*Message, error)
}

// Router implements conversation creation, message posting, and visibility.
type Router struct {
	store Store
	deals *deal.Service
	gate  DisputeGate
}

// NewRouter creates a conversation router.
func NewRouter(store Store, deals *deal.Service) *Router {
	return &Router{store: store, deals: deals}
}

// WithDisputeGate attaches the dispute evidence collector.
func (r *Router) WithDisputeGate(g DisputeGate) *Router {
	r.gate = g
	return r
}

// Store exposes the underlying store for collaborating services.
func (r *Router) Store() Store { return r.store }

// GetOrCreate returns the caller's conversation on a deal, creating it on
// first contact. Creation is an optimistic insert: two racing calls for the
// same identity both end up with the single stored winner.
func (r *Router) GetOrCreate(ctx context.Context, dealID string, id Identity) (*Conversation, error) {
	if !id.Valid() {
		return nil, ErrIdentityRequired
	}

	d, err := r.deals.Get(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if id.UserID != "" && id.UserID == d.SellerID {
		// The seller is on every conversation; they never own one.
		return nil, ErrNotParticipant
	}
	if d.IsTerminal() {
		return nil, ErrConversationClosed
	}

	if conv, err := r.lookup(ctx, dealID, id); err == nil {
		return conv, nil
	} else if !errors.Is(err, ErrConversationNotFound) {
		return nil, err
	}

	now := time.Now()
	conv := &Conversation{
		ID:            idgen.WithPrefix("conv_"),
		DealID:        dealID,
		BuyerID:       id.UserID,
		AnonSessionID: id.AnonSessionID,
		Status:        ConvActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	err = r.store.CreateConversation(ctx, conv)
	if errors.Is(err, ErrConversationExists) {
		// Lost the insert race; the winner holds our identity.
		return r.lookup(ctx, dealID, id)
	}
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func (r *Router) lookup(ctx context.Context, dealID string, id Identity) (*Conversation, error) {
	if id.UserID != "" {
		return r.store.GetByDealAndBuyer(ctx, dealID, id.UserID)
	}
	return r.store.GetByDealAndSession(ctx, dealID, id.AnonSessionID)
}

// Get returns a conversation the caller participates in.
func (r *Router) Get(ctx context.Context, convID string, id Identity) (*Conversation, *deal.Deal, error) {
	conv, err := r.store.GetConversation(ctx, convID)
	if err != nil {
		return nil, nil, err
	}
	d, err := r.deals.Get(ctx, conv.DealID)
	if err != nil {
		return nil, nil, err
	}
	if _, ok := roleFor(d, conv, id); !ok {
		return nil, nil, ErrNotParticipant
	}
	return conv, d, nil
}

// ClaimIdentity upgrades an anonymous conversation to an authenticated
// buyer. If the buyer already has their own conversation on the deal, that
// one wins and the anonymous conversation is abandoned.
func (r *Router) ClaimIdentity(ctx context.Context, convID, userID string) (*Conversation, error) {
	conv, err := r.store.GetConversation(ctx, convID)
	if err != nil {
		return nil, err
	}

	claimed, err := r.store.ClaimIdentity(ctx, convID, userID)
	if errors.Is(err, ErrConversationExists) {
		return r.store.GetByDealAndBuyer(ctx, conv.DealID, userID)
	}
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// PostRequest carries one outbound message.
type PostRequest struct {
	Body      string   `json:"body" binding:"required"`
	MediaRefs []string `json:"mediaRefs"`
}

// Post stores one message on a conversation, scoped by the deal's chat mode.
// Open and active modes are pairwise and unscoped; dispute mode hands the
// turn to the dispute gate, which scopes it to the sender's side.
func (r *Router) Post(ctx context.Context, convID string, id Identity, req PostRequest) (*Message, error) {
	conv, d, err := r.Get(ctx, convID, id)
	if err != nil {
		return nil, err
	}
	role, _ := roleFor(d, conv, id)

	body := validation.SanitizeText(req.Body, validation.MaxTextLength)
	if body == "" {
		return nil, errors.New("message body is required")
	}

	switch d.ChatMode {
	case deal.ChatModeDispute:
		if conv.Status != ConvClaimed {
			return nil, ErrConversationClosed
		}
		party := deal.PartySeller
		if role == RoleBuyer {
			party = deal.PartyBuyer
		}
		if r.gate == nil {
			return nil, errors.New("dispute evidence collection is not configured")
		}
		return r.gate.SubmitEvidence(ctx, d, conv, party, senderID(id), body)

	case deal.ChatModeActive:
		// Post-claim: only the winning conversation stays live.
		if conv.Status != ConvClaimed {
			return nil, ErrConversationClosed
		}

	default: // open
		if conv.Status != ConvActive {
			return nil, ErrConversationClosed
		}
	}

	msg := r.NewMessage(conv, role, senderID(id), body, VisibilityAll)
	msg.MediaRefs = req.MediaRefs
	if err := r.store.AppendMessage(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// NewMessage builds a message with a fresh ULID. Exposed for collaborating
// services that append through the same store.
func (r *Router) NewMessage(conv *Conversation, role Role, sender, body string, scope Visibility) *Message {
	return &Message{
		ID:             idgen.ULID(),
		ConversationID: conv.ID,
		DealID:         conv.DealID,
		SenderRole:     role,
		SenderID:       sender,
		Visibility:     scope,
		Body:           body,
		CreatedAt:      time.Now(),
	}
}

// Messages returns a conversation's messages visible to the caller.
func (r *Router) Messages(ctx context.Context, convID string, id Identity, limit int) ([]*Message, error) {
	conv, d, err := r.Get(ctx, convID, id)
	if err != nil {
		return nil, err
	}
	role, _ := roleFor(d, conv, id)

	if limit <= 0 {
		limit = 200
	}
	msgs, err := r.store.ListMessages(ctx, conv.ID, limit)
	if err != nil {
		return nil, err
	}

	visible := make([]*Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Visibility.VisibleTo(role) {
			visible = append(visible, m)
		}
	}
	return visible, nil
}

// DealMessages returns every message on a deal visible to the caller. The
// seller sees all conversations (minus buyer-only dispute evidence); a buyer
// sees only their own conversation.
func (r *Router) DealMessages(ctx context.Context, dealID string, id Identity, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 500
	}

	d, err := r.deals.Get(ctx, dealID)
	if err != nil {
		return nil, err
	}

	if id.UserID != "" && id.UserID == d.SellerID {
		msgs, err := r.store.ListDealMessages(ctx, dealID, limit)
		if err != nil {
			return nil, err
		}
		visible := make([]*Message, 0, len(msgs))
		for _, m := range msgs {
			if m.Visibility.VisibleTo(RoleSeller) {
				visible = append(visible, m)
			}
		}
		return visible, nil
	}

	conv, err := r.lookup(ctx, dealID, id)
	if err != nil {
		return nil, err
	}
	return r.Messages(ctx, conv.ID, id, limit)
}

// Offer records a price proposal on an open conversation.
func (r *Router) Offer(ctx context.Context, convID string, id Identity, cents int64) (*Message, error) {
	conv, d, err := r.Get(ctx, convID, id)
	if err != nil {
		return nil, err
	}
	role, _ := roleFor(d, conv, id)

	if d.ChatMode != deal.ChatModeOpen || conv.Status != ConvActive {
		return nil, ErrConversationClosed
	}
	if cents <= 0 {
		return nil, errors.New("offer must be a positive amount")
	}

	if err := r.store.SetOffer(ctx, conv.ID, cents, role); err != nil {
		return nil, err
	}

	msg := r.NewMessage(conv, role, senderID(id), "Price offer", VisibilityAll)
	msg.Metadata = map[string]any{"offerCents": cents}
	if err := r.store.AppendMessage(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// AcceptOffer accepts the counterparty's standing offer, binding the
// negotiated price this conversation's buyer would claim at.
func (r *Router) AcceptOffer(ctx context.Context, convID string, id Identity) (*Conversation, error) {
	conv, d, err := r.Get(ctx, convID, id)
	if err != nil {
		return nil, err
	}
	role, _ := roleFor(d, conv, id)

	if d.ChatMode != deal.ChatModeOpen || conv.Status != ConvActive {
		return nil, ErrConversationClosed
	}
	if conv.OfferCents <= 0 || conv.OfferBy == role {
		return nil, ErrNoOffer
	}

	if err := r.store.SetAgreedPrice(ctx, conv.ID, conv.OfferCents); err != nil {
		return nil, err
	}

	msg := r.NewMessage(conv, RoleSystem, "", "Price agreed", VisibilityAll)
	msg.Metadata = map[string]any{"agreedPriceCents": conv.OfferCents}
	if err := r.store.AppendMessage(ctx, msg); err != nil {
		logging.L(ctx).Warn("failed to record agreement message", "conversationId", conv.ID, "error", err)
	}
	return r.store.GetConversation(ctx, conv.ID)
}

// AgreedPrice returns the negotiated price bound to the buyer's
// conversation on a deal, or zero when none was agreed.
func (r *Router) AgreedPrice(ctx context.Context, dealID string, buyerID string) int64 {
	conv, err := r.store.GetByDealAndBuyer(ctx, dealID, buyerID)
	if err != nil {
		return 0
	}
	return conv.AgreedPriceCents
}

// HandleDealClaimed closes the losing conversations and promotes the
// winner's. Called from the deal side-effect fan-out after a claim commits.
func (r *Router) HandleDealClaimed(ctx context.Context, d *deal.Deal) error {
	winner, err := r.store.GetByDealAndBuyer(ctx, d.ID, d.BuyerID)
	if errors.Is(err, ErrConversationNotFound) {
		// Buyer claimed without ever chatting; create the live channel now.
		now := time.Now()
		winner = &Conversation{
			ID:        idgen.WithPrefix("conv_"),
			DealID:    d.ID,
			BuyerID:   d.BuyerID,
			Status:    ConvActive,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if cerr := r.store.CreateConversation(ctx, winner); cerr != nil && !errors.Is(cerr, ErrConversationExists) {
			return cerr
		}
	} else if err != nil {
		return err
	}

	if err := r.store.MarkDealClaimed(ctx, d.ID, winner.ID); err != nil {
		return err
	}

	winner.Status = ConvClaimed
	msg := r.NewMessage(winner, RoleSystem, "",
		"Deal claimed. Funds are in escrow; this conversation is now between buyer and seller only.",
		VisibilityAll)
	return r.store.AppendMessage(ctx, msg)
}

// HandleDealClosed closes every conversation when a deal reaches a terminal
// state, posting a closing note on the live one if any.
func (r *Router) HandleDealClosed(ctx context.Context, d *deal.Deal, note string) error {
	if note != "" && d.BuyerID != "" {
		if conv, err := r.store.GetByDealAndBuyer(ctx, d.ID, d.BuyerID); err == nil {
			msg := r.NewMessage(conv, RoleSystem, "", note, VisibilityAll)
			if aerr := r.store.AppendMessage(ctx, msg); aerr != nil {
				logging.L(ctx).Warn("failed to post closing note", "dealId", d.ID, "error", aerr)
			}
		}
	}
	return r.store.CloseAll(ctx, d.ID)
}

// SystemNote posts a visible-to-all system message on the buyer's
// conversation for mid-lifecycle milestones. Best effort; a missing
// conversation is not an error.
func (r *Router) SystemNote(ctx context.Context, d *deal.Deal, note string) error {
	if d.BuyerID == "" || note == "" {
		return nil
	}
	conv, err := r.store.GetByDealAndBuyer(ctx, d.ID, d.BuyerID)
	if errors.Is(err, ErrConversationNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return r.store.AppendMessage(ctx, r.NewMessage(conv, RoleSystem, "", note, VisibilityAll))
}

func senderID(id Identity) string {
	if id.UserID != "" {
		return id.UserID
	}
	return id.AnonSessionID
}
