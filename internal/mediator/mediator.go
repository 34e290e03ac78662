// Package mediator produces dispute rulings and evidence-collection turns.
package mediator

import (
	"context"
	"errors"
)

var (
	ErrNoRuling = errors.New("mediator: model returned no usable ruling")
)

// Case is the evidence bundle assembled for one dispute. Statements are
// pre-sorted oldest first; each party's slice contains only messages that
// party is allowed to have seen.
type Case struct {
	DealID         string
	Title          string
	Description    string
	PriceCents     int64
	DisputeReason  string
	Timeline       []string
	BuyerEvidence  []string
	SellerEvidence []string

	// Policy names the default ruling when the evidence is inconclusive.
	Policy string
}

// Ruling is a binding adjudication outcome.
type Ruling struct {
	FavorBuyer bool    `json:"favorBuyer"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// Turn is one party's message during the evidence interview.
type Turn struct {
	Case       Case
	Party      string   // "buyer" or "seller"
	Message    string   // the statement just submitted
	Statements []string // that party's prior statements, oldest first
}

// TurnResult is the mediator's structured reply to one interview turn.
type TurnResult struct {
	// Reply is the mediator's next question, shown only to the same party.
	Reply string `json:"reply"`
	// EvidenceComplete signals that no further questions would help and the
	// party's evidence phase should close.
	EvidenceComplete bool `json:"evidenceComplete"`
}

// Mediator adjudicates disputes and drives the per-party evidence interview.
type Mediator interface {
	// Adjudicate rules on a complete case.
	Adjudicate(ctx context.Context, c Case) (*Ruling, error)

	// ChatTurn processes one interview statement and returns the mediator's
	// reply plus structured completion signals.
	ChatTurn(ctx context.Context, t Turn) (*TurnResult, error)
}
