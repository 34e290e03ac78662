package mediator

import (
	"context"
	"fmt"
)

// RuleBased is a deterministic mediator for demo/development mode and as the
// terminal fallback when no model is configured. It asks from a fixed question
// script and always rules per the platform policy.
type RuleBased struct{}

// NewRuleBased creates a rule-based mediator.
func NewRuleBased() *RuleBased {
	return &RuleBased{}
}

var interviewScript = map[string][]string{
	"buyer": {
		"What exactly did you receive, and how does it differ from the listing?",
		"When did you first notice the problem, and did you contact the seller about it?",
		"Do you have any records (photos, receipts, messages) that show the issue?",
	},
	"seller": {
		"How and when did you hand the item over to the buyer?",
		"Do you have any proof of the hand-over (tracking number, receipt, witness)?",
		"Did the buyer raise any concerns with you before opening the dispute?",
	},
}

func (r *RuleBased) Adjudicate(ctx context.Context, c Case) (*Ruling, error) {
	favorBuyer := c.Policy != "favor_seller"
	who := "buyer"
	if !favorBuyer {
		who = "seller"
	}
	return &Ruling{
		FavorBuyer: favorBuyer,
		Confidence: 0,
		Reasoning:  fmt.Sprintf("No adjudication model configured; ruling for the %s per platform policy.", who),
	}, nil
}

func (r *RuleBased) ChatTurn(ctx context.Context, t Turn) (*TurnResult, error) {
	script, ok := interviewScript[t.Party]
	if !ok {
		script = interviewScript["buyer"]
	}
	// One scripted question per prior statement; once the script runs out
	// the interview is over.
	idx := len(t.Statements)
	if idx >= len(script) {
		return &TurnResult{
			Reply:            "Thank you, I have everything I need from you.",
			EvidenceComplete: true,
		}, nil
	}
	return &TurnResult{Reply: script[idx]}, nil
}

var _ Mediator = (*RuleBased)(nil)
var _ Mediator = (*LLM)(nil)
