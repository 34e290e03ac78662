// Package dispute collects evidence from both parties of a disputed deal
// and drives the adjudication that settles the escrow.
//
// Each party talks to the mediator alone: statements and mediator questions
// are scoped to the submitting side, so neither party can tailor their story
// to the other's evidence. When both sides complete (mediator signal or the
// question cap), the orchestrator assembles the case and executes a binding
// ruling.
package dispute

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/middleman-market/middleman/internal/chat"
	"github.com/middleman-market/middleman/internal/deal"
	"github.com/middleman-market/middleman/internal/mediator"
)

const defaultQuestionCap = 5

// Collector implements chat.DisputeGate: it owns one full dispute turn,
// from the question-cap guard through the mediator interview to the
// completion bookkeeping and, on joint completion, the adjudication trigger.
type Collector struct {
	deals  *deal.Service
	chats  *chat.Router
	med    mediator.Mediator
	orch   *Orchestrator
	logger *slog.Logger
}

// NewCollector creates an evidence collector. The orchestrator it triggers
// on joint completion shares the same mediator.
func NewCollector(deals *deal.Service, chats *chat.Router, med mediator.Mediator, logger *slog.Logger) *Collector {
	return &Collector{
		deals:  deals,
		chats:  chats,
		med:    med,
		orch:   NewOrchestrator(deals, chats, med, logger),
		logger: logger,
	}
}

// Orchestrator returns the adjudication orchestrator, for handler wiring.
func (c *Collector) Orchestrator() *Orchestrator { return c.orch }

// SubmitEvidence records one party's dispute statement and runs the
// mediator's interview turn against it. The statement and the mediator's
// reply are both scoped to the submitting side only.
func (c *Collector) SubmitEvidence(ctx context.Context, d *deal.Deal, conv *chat.Conversation, party deal.Party, senderID, text string) (*chat.Message, error) {
	role, scope := chat.RoleSeller, chat.VisibilitySellerOnly
	if party == deal.PartyBuyer {
		role, scope = chat.RoleBuyer, chat.VisibilityBuyerOnly
	}

	if d.EvidenceDone(party) {
		return nil, chat.ErrEvidenceComplete
	}
	limit := d.Terms.MaxQuestionsPerParty
	if limit <= 0 {
		limit = defaultQuestionCap
	}
	if d.Questions(party) >= limit {
		// Counter hit the cap without a completion flag (older rows, or a
		// crash between the increment and the flag); close it out now. This
		// side may have been the last one outstanding, so the joint check
		// runs here too or the dispute would stall with both flags set.
		fresh, err := c.deals.Store().MarkEvidenceComplete(ctx, d.ID, party)
		if err != nil {
			return nil, err
		}
		c.adjudicateIfComplete(ctx, fresh)
		return nil, chat.ErrQuestionCap
	}

	// Atomic store-side increment, guarded by status=disputed. A deal that
	// left dispute between the router's read and here bounces off the guard.
	fresh, err := c.deals.Store().RecordDisputeTurn(ctx, d.ID, party)
	if err == deal.ErrInvalidStatus {
		return nil, chat.ErrConversationClosed
	}
	if err != nil {
		return nil, err
	}

	// Prior statements are gathered before this one is stored.
	evidence, err := c.partyStatements(ctx, d.ID, role, scope)
	if err != nil {
		return nil, err
	}

	msg := c.chats.NewMessage(conv, role, senderID, text, scope)
	if err := c.chats.Store().AppendMessage(ctx, msg); err != nil {
		return nil, err
	}

	bundle, err := c.orch.buildCase(ctx, fresh)
	if err != nil {
		return nil, err
	}
	turn, err := c.med.ChatTurn(ctx, mediator.Turn{
		Case:       bundle,
		Party:      string(party),
		Message:    text,
		Statements: evidence,
	})
	if err != nil {
		// The statement is already on record; a mediator hiccup must not
		// bounce it. Acknowledge and keep the interview open.
		c.logger.Warn("mediator turn failed", "dealId", d.ID, "party", party, "error", err)
		turn = &mediator.TurnResult{Reply: "Your statement has been recorded."}
	}

	if turn.Reply != "" {
		reply := c.chats.NewMessage(conv, chat.RoleMediator, "", turn.Reply, scope)
		if err := c.chats.Store().AppendMessage(ctx, reply); err != nil {
			c.logger.Warn("failed to store mediator reply", "dealId", d.ID, "error", err)
		}
	}

	if turn.EvidenceComplete || fresh.Questions(party) >= limit {
		fresh, err = c.deals.Store().MarkEvidenceComplete(ctx, d.ID, party)
		if err != nil {
			return nil, err
		}
		closing := c.chats.NewMessage(conv, chat.RoleSystem, "",
			"Evidence collection is complete for your side. The mediator will rule once both parties are done.",
			scope)
		if err := c.chats.Store().AppendMessage(ctx, closing); err != nil {
			c.logger.Warn("failed to store completion notice", "dealId", d.ID, "error", err)
		}
	}

	c.adjudicateIfComplete(ctx, fresh)
	return msg, nil
}

// adjudicateIfComplete triggers the binding ruling once both sides have
// finished. The re-read deal must come straight from the completion mark so
// a finish on the other side is never missed.
func (c *Collector) adjudicateIfComplete(ctx context.Context, d *deal.Deal) {
	if !d.BuyerEvidenceDone || !d.SellerEvidenceDone {
		return
	}
	if _, err := c.orch.Adjudicate(ctx, d.ID); err != nil && err != deal.ErrInvalidStatus {
		c.logger.Error("adjudication failed after joint completion", "dealId", d.ID, "error", err)
	}
}

// partyStatements returns one party's prior dispute statements, oldest first.
func (c *Collector) partyStatements(ctx context.Context, dealID string, role chat.Role, scope chat.Visibility) ([]string, error) {
	msgs, err := c.chats.Store().ListDealMessages(ctx, dealID, 500)
	if err != nil {
		return nil, fmt.Errorf("failed to list dispute messages: %w", err)
	}
	var out []string
	for _, m := range msgs {
		if m.Visibility == scope && m.SenderRole == role {
			out = append(out, m.Body)
		}
	}
	return out, nil
}

var _ chat.DisputeGate = (*Collector)(nil)
