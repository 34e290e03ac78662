// Package deal implements the marketplace deal lifecycle.
//
// Flow:
//  1. Seller lists an item -> deal is open
//  2. A buyer deposits on-chain and claims the deal -> funded (first claim wins)
//  3. Seller hands the item over and marks it transferred
//  4. Buyer confirms -> funds released to seller, minus the platform fee
//  5. Buyer disputes instead -> mediator collects evidence and rules
//  6. Timeouts force refund, release, or expiry when a party goes silent
package deal

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrDealNotFound        = errors.New("deal not found")
	ErrInvalidStatus       = errors.New("deal is not in the required state for this operation")
	ErrUnauthorized        = errors.New("not authorized for this deal operation")
	ErrAlreadyClaimed      = errors.New("deal already claimed by another buyer")
	ErrSelfDeal            = errors.New("seller cannot claim their own deal")
	ErrDepositNotConfirmed = errors.New("deposit transaction not confirmed on-chain")
)

// CustodyError wraps a failed on-chain custody operation. The deal state is
// never advanced when one of these is returned, so the action is safe to retry.
type CustodyError struct {
	Op  string
	Err error
}

func (e *CustodyError) Error() string {
	return fmt.Sprintf("custody operation %s failed: %v", e.Op, e.Err)
}

func (e *CustodyError) Unwrap() error { return e.Err }

// Status represents the lifecycle state of a deal.
type Status string

const (
	StatusOpen         Status = "open"          // Listed, no buyer yet
	StatusFunded       Status = "funded"        // Buyer deposited, awaiting transfer
	StatusTransferred  Status = "transferred"   // Seller handed over, awaiting confirm
	StatusReleased     Status = "released"      // Buyer confirmed, seller paid
	StatusDisputed     Status = "disputed"      // Buyer disputed, mediator engaged
	StatusRefunded     Status = "refunded"      // Ruling favored the buyer
	StatusAutoRefunded Status = "auto_refunded" // Seller missed the transfer deadline
	StatusAutoReleased Status = "auto_released" // Buyer missed the confirm deadline
	StatusExpired      Status = "expired"       // Listing expired unclaimed
	StatusCanceled     Status = "canceled"      // Administratively canceled pre-claim
)

// Terminal reports whether no further transitions are accepted from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusReleased, StatusRefunded, StatusAutoRefunded,
		StatusAutoReleased, StatusExpired, StatusCanceled:
		return true
	}
	return false
}

// ChatMode controls message visibility on the deal's conversations.
type ChatMode string

const (
	ChatModeOpen    ChatMode = "open"    // Pre-claim: anyone may negotiate
	ChatModeActive  ChatMode = "active"  // Post-claim: buyer and seller only
	ChatModeDispute ChatMode = "dispute" // Evidence collection: single-party scopes
)

// Party identifies a role on a deal.
type Party string

const (
	PartySeller   Party = "seller"
	PartyBuyer    Party = "buyer"
	PartyMediator Party = "mediator"
)

// Action names a state machine transition.
type Action string

const (
	ActionClaim          Action = "claim"
	ActionTransfer       Action = "transfer"
	ActionConfirm        Action = "confirm"
	ActionDispute        Action = "dispute"
	ActionResolveRelease Action = "resolve_release"
	ActionResolveRefund  Action = "resolve_refund"
	ActionAutoRefund     Action = "auto_refund"
	ActionAutoRelease    Action = "auto_release"
	ActionExpire         Action = "expire"
	ActionCancel         Action = "cancel"
)

// transitions is the authoritative transition table: each action is legal
// from exactly one source status and lands on exactly one target status.
var transitions = map[Action]struct{ From, To Status }{
	ActionClaim:          {StatusOpen, StatusFunded},
	ActionTransfer:       {StatusFunded, StatusTransferred},
	ActionConfirm:        {StatusTransferred, StatusReleased},
	ActionDispute:        {StatusTransferred, StatusDisputed},
	ActionResolveRelease: {StatusDisputed, StatusReleased},
	ActionResolveRefund:  {StatusDisputed, StatusRefunded},
	ActionAutoRefund:     {StatusFunded, StatusAutoRefunded},
	ActionAutoRelease:    {StatusTransferred, StatusAutoReleased},
	ActionExpire:         {StatusOpen, StatusExpired},
	ActionCancel:         {StatusOpen, StatusCanceled},
}

// Next returns the target status for applying action from the given status,
// or false when the transition table rejects it.
func Next(from Status, action Action) (Status, bool) {
	t, ok := transitions[action]
	if !ok || t.From != from {
		return "", false
	}
	return t.To, true
}

// Terms is the frozen snapshot of timeout durations and policy captured at
// deal creation. Later changes to global defaults never alter in-flight deals.
type Terms struct {
	TransferTimeoutSecs  int64  `json:"transferTimeoutSecs"`
	ConfirmTimeoutSecs   int64  `json:"confirmTimeoutSecs"`
	ListingTTLSecs       int64  `json:"listingTtlSecs"`
	FeeBps               int    `json:"feeBps"`
	MaxQuestionsPerParty int    `json:"maxQuestionsPerParty"`
	DisputePolicy        string `json:"disputePolicy"`
}

func (t Terms) TransferTimeout() time.Duration {
	return time.Duration(t.TransferTimeoutSecs) * time.Second
}

func (t Terms) ConfirmTimeout() time.Duration {
	return time.Duration(t.ConfirmTimeoutSecs) * time.Second
}

func (t Terms) ListingTTL() time.Duration {
	return time.Duration(t.ListingTTLSecs) * time.Second
}

// Fee returns the platform fee in minor currency units, rounded half-up.
// Integer arithmetic only; the fee is never re-derived from a float.
func Fee(priceCents int64, feeBps int) int64 {
	return (priceCents*int64(feeBps) + 5000) / 10000
}

// SellerPayout returns the amount released to the seller after the fee.
func SellerPayout(priceCents int64, feeBps int) int64 {
	return priceCents - Fee(priceCents, feeBps)
}

// Deal represents one listed transaction.
type Deal struct {
	ID             string `json:"id"`
	Code           string `json:"code"` // short human-shareable code
	SellerID       string `json:"sellerId"`
	BuyerID        string `json:"buyerId,omitempty"` // empty until claimed
	Title          string `json:"title"`
	Description    string `json:"description,omitempty"`
	TransferMethod string `json:"transferMethod,omitempty"`

	PriceCents       int64 `json:"priceCents"`                 // list price, minor units
	AgreedPriceCents int64 `json:"agreedPriceCents,omitempty"` // bound at claim; may differ after negotiation

	Terms    Terms    `json:"terms"`
	Status   Status   `json:"status"`
	ChatMode ChatMode `json:"chatMode"`

	// Milestone timestamps, each set exactly once by the transition that
	// reaches the milestone.
	FundedAt      *time.Time `json:"fundedAt,omitempty"`
	TransferredAt *time.Time `json:"transferredAt,omitempty"`
	ConfirmedAt   *time.Time `json:"confirmedAt,omitempty"`
	DisputedAt    *time.Time `json:"disputedAt,omitempty"`
	ResolvedAt    *time.Time `json:"resolvedAt,omitempty"`

	// Deadlines derived from the terms snapshot when the relevant clock starts.
	ExpiresAt        time.Time  `json:"expiresAt"`
	TransferDeadline *time.Time `json:"transferDeadline,omitempty"`
	ConfirmDeadline  *time.Time `json:"confirmDeadline,omitempty"`

	// Dispute evidence progress, reset to zero when the deal enters dispute.
	BuyerQuestions     int  `json:"buyerQuestions"`
	SellerQuestions    int  `json:"sellerQuestions"`
	BuyerEvidenceDone  bool `json:"buyerEvidenceDone"`
	SellerEvidenceDone bool `json:"sellerEvidenceDone"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsTerminal reports whether the deal is in a final state.
func (d *Deal) IsTerminal() bool {
	return d.Status.Terminal()
}

// PartyOf returns the role userID plays on this deal.
func (d *Deal) PartyOf(userID string) (Party, bool) {
	switch {
	case userID == "":
		return "", false
	case userID == d.SellerID:
		return PartySeller, true
	case userID == d.BuyerID:
		return PartyBuyer, true
	}
	return "", false
}

// EvidenceDone reports whether the given party has completed its evidence phase.
func (d *Deal) EvidenceDone(p Party) bool {
	if p == PartyBuyer {
		return d.BuyerEvidenceDone
	}
	return d.SellerEvidenceDone
}

// Questions returns the given party's dispute question counter.
func (d *Deal) Questions(p Party) int {
	if p == PartyBuyer {
		return d.BuyerQuestions
	}
	return d.SellerQuestions
}

// Price returns the amount escrowed for this deal: the agreed price once a
// buyer has claimed, otherwise the list price.
func (d *Deal) Price() int64 {
	if d.AgreedPriceCents > 0 {
		return d.AgreedPriceCents
	}
	return d.PriceCents
}

// Timeline renders the milestone timestamps as human-readable events,
// oldest first. Used as neutral context for dispute adjudication.
func (d *Deal) Timeline() []string {
	var out []string
	add := func(ts *time.Time, what string) {
		if ts != nil {
			out = append(out, fmt.Sprintf("%s: %s", ts.UTC().Format(time.RFC3339), what))
		}
	}
	created := d.CreatedAt
	out = append(out, fmt.Sprintf("%s: deal listed at %d minor units", created.UTC().Format(time.RFC3339), d.PriceCents))
	add(d.FundedAt, fmt.Sprintf("buyer funded escrow with %d minor units", d.Price()))
	add(d.TransferredAt, "seller marked the item as transferred")
	add(d.ConfirmedAt, "buyer confirmed receipt")
	add(d.DisputedAt, "buyer opened a dispute")
	add(d.ResolvedAt, "deal reached a terminal state")
	return out
}
