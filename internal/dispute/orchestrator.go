package dispute

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/middleman-market/middleman/internal/chat"
	"github.com/middleman-market/middleman/internal/deal"
	"github.com/middleman-market/middleman/internal/mediator"
)

// Ruling sources recorded on the resolution event.
const (
	SourceMediator = "mediator"
	SourceDefault  = "default"
)

// Orchestrator assembles the dispute case, obtains a ruling, and executes
// it. The on-chain settlement happens inside deal.Service.Resolve, whose
// status guard makes a second invocation a no-op precondition failure, so a
// ruling is never executed twice.
type Orchestrator struct {
	deals  *deal.Service
	chats  *chat.Router
	med    mediator.Mediator
	logger *slog.Logger
}

// NewOrchestrator creates an adjudication orchestrator.
func NewOrchestrator(deals *deal.Service, chats *chat.Router, med mediator.Mediator, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{deals: deals, chats: chats, med: med, logger: logger}
}

// Adjudicate rules on a disputed deal and settles the escrow accordingly.
// When the mediator fails or returns nothing usable, the ruling defaults to
// the buyer: the seller bears the burden of proving the hand-over, and the
// policy text only informs the mediator, never the fallback.
func (o *Orchestrator) Adjudicate(ctx context.Context, dealID string) (*deal.Deal, error) {
	d, err := o.deals.Get(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if d.Status != deal.StatusDisputed {
		return nil, deal.ErrInvalidStatus
	}

	bundle, err := o.buildCase(ctx, d)
	if err != nil {
		return nil, err
	}

	source := SourceMediator
	ruling, err := o.med.Adjudicate(ctx, bundle)
	if err != nil {
		o.logger.Warn("mediator produced no ruling, defaulting to the buyer",
			"dealId", d.ID, "error", err)
		source = SourceDefault
		ruling = &mediator.Ruling{
			FavorBuyer: true,
			Reasoning: "The mediator could not reach a conclusion from the evidence; " +
				"the seller did not prove the hand-over, so the escrow is refunded by default.",
		}
	}

	resolved, err := o.deals.Resolve(ctx, dealID, ruling.FavorBuyer, ruling.Reasoning, source)
	if err != nil {
		return nil, err
	}

	o.postRuling(ctx, resolved, ruling, source)
	return resolved, nil
}

// postRuling announces the outcome to both parties. The ruling is posted
// twice with identical metadata, once per visibility scope, so each side
// sees it in their own channel without seeing the other's evidence thread.
func (o *Orchestrator) postRuling(ctx context.Context, d *deal.Deal, r *mediator.Ruling, source string) {
	conv, err := o.chats.Store().GetByDealAndBuyer(ctx, d.ID, d.BuyerID)
	if err != nil {
		o.logger.Error("no conversation to post ruling on", "dealId", d.ID, "error", err)
		return
	}

	outcome := "Ruling: the escrow is released to the seller."
	winner := "seller"
	if r.FavorBuyer {
		outcome = "Ruling: the escrow is refunded to the buyer."
		winner = "buyer"
	}
	body := outcome + " " + r.Reasoning
	meta := map[string]any{
		"ruling":     winner,
		"favorBuyer": r.FavorBuyer,
		"confidence": r.Confidence,
		"source":     source,
	}

	for _, scope := range []chat.Visibility{chat.VisibilityBuyerOnly, chat.VisibilitySellerOnly} {
		msg := o.chats.NewMessage(conv, chat.RoleMediator, "", body, scope)
		msg.Metadata = meta
		if err := o.chats.Store().AppendMessage(ctx, msg); err != nil {
			o.logger.Error("failed to post ruling message",
				"dealId", d.ID, "scope", scope, "error", err)
		}
	}
}

// buildCase assembles the evidence bundle: the deal's milestone timeline,
// the dispute reason from the audit log, and each party's scoped statements.
func (o *Orchestrator) buildCase(ctx context.Context, d *deal.Deal) (mediator.Case, error) {
	msgs, err := o.chats.Store().ListDealMessages(ctx, d.ID, 500)
	if err != nil {
		return mediator.Case{}, fmt.Errorf("failed to list dispute messages: %w", err)
	}

	var buyerEvidence, sellerEvidence []string
	for _, m := range msgs {
		switch {
		case m.Visibility == chat.VisibilityBuyerOnly && m.SenderRole == chat.RoleBuyer:
			buyerEvidence = append(buyerEvidence, m.Body)
		case m.Visibility == chat.VisibilitySellerOnly && m.SenderRole == chat.RoleSeller:
			sellerEvidence = append(sellerEvidence, m.Body)
		}
	}

	return mediator.Case{
		DealID:         d.ID,
		Title:          d.Title,
		Description:    d.Description,
		PriceCents:     d.Price(),
		DisputeReason:  o.disputeReason(ctx, d.ID),
		Timeline:       d.Timeline(),
		BuyerEvidence:  buyerEvidence,
		SellerEvidence: sellerEvidence,
		Policy:         d.Terms.DisputePolicy,
	}, nil
}

// disputeReason recovers the buyer's stated reason from the audit log.
func (o *Orchestrator) disputeReason(ctx context.Context, dealID string) string {
	events, err := o.deals.Events(ctx, dealID, "", 200)
	if err != nil {
		return ""
	}
	for _, ev := range events {
		if ev.Type != deal.EventDisputed {
			continue
		}
		if reason, ok := ev.Metadata["reason"].(string); ok {
			return reason
		}
	}
	return ""
}
