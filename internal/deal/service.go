package deal

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/middleman-market/middleman/internal/idgen"
	"github.com/middleman-market/middleman/internal/logging"
	"github.com/middleman-market/middleman/internal/metrics"
	"github.com/middleman-market/middleman/internal/traces"
)

// Executor abstracts the external wallet/chain layer so deal doesn't import
// custody. Every call either returns a transaction reference on success or an
// error; the state store is never advanced on a failed custody operation.
type Executor interface {
	// Deposit acknowledges a buyer's escrow deposit for a deal.
	Deposit(ctx context.Context, dealID, buyerID string, amountCents int64) (string, error)
	// RefundDeposit returns a deposit to a buyer who lost the claim race.
	RefundDeposit(ctx context.Context, dealID, buyerID string) (string, error)
	// MarkTransferred records the seller's hand-over on-chain.
	MarkTransferred(ctx context.Context, dealID string) (string, error)
	// Confirm releases escrowed funds to the seller, net of the fee.
	Confirm(ctx context.Context, dealID string, payoutCents, feeCents int64) (string, error)
	// Refund returns the full escrow to the buyer.
	Refund(ctx context.Context, dealID string) (string, error)
	// AutoRelease releases escrow to the seller after the confirm deadline.
	AutoRelease(ctx context.Context, dealID string) (string, error)
	// ResolveDispute settles escrow per the mediator's ruling.
	ResolveDispute(ctx context.Context, dealID string, favorBuyer bool) (string, error)
	// VerifyTransaction checks that a client-submitted deposit proof confirmed.
	VerifyTransaction(ctx context.Context, txRef string) (bool, error)
}

// SideEffects receives committed transitions for post-commit fan-out
// (system chat messages, notifications, realtime). Implementations must be
// best-effort: a fan-out failure can never roll back a committed transition.
type SideEffects interface {
	DealChanged(ctx context.Context, d *Deal, ev *Event)
}

// PriceResolver reports the seller-accepted negotiated price bound to a
// buyer's conversation on a deal, or zero when none was agreed. Implemented
// by the chat router.
type PriceResolver interface {
	AgreedPrice(ctx context.Context, dealID, buyerID string) int64
}

// CreateRequest contains the parameters for listing a deal.
type CreateRequest struct {
	Title          string `json:"title" binding:"required"`
	Description    string `json:"description"`
	PriceCents     int64  `json:"priceCents" binding:"required"`
	TransferMethod string `json:"transferMethod"`

	// Optional per-deal overrides of the default terms, as duration strings.
	TransferTimeout string `json:"transferTimeout"`
	ConfirmTimeout  string `json:"confirmTimeout"`
	ListingTTL      string `json:"listingTtl"`
}

// ClaimRequest contains the parameters for claiming an open deal. The
// escrow price is never part of the request; it is resolved server-side
// from the claimant's conversation or the list price.
type ClaimRequest struct {
	DepositTxRef string `json:"depositTxRef" binding:"required"`
}

// ClaimResult reports the outcome of a claim attempt.
type ClaimResult struct {
	Claimed bool   `json:"claimed"`
	Deal    *Deal  `json:"deal,omitempty"`
	TxRef   string `json:"txRef,omitempty"`
}

// Service implements the deal state machine.
type Service struct {
	store    Store
	executor Executor
	defaults Terms
	effects  SideEffects
	prices   PriceResolver
}

// NewService creates a new deal service with the given default terms.
func NewService(store Store, executor Executor, defaults Terms) *Service {
	return &Service{store: store, executor: executor, defaults: defaults}
}

// WithSideEffects attaches a post-commit fan-out sink.
func (s *Service) WithSideEffects(e SideEffects) *Service {
	s.effects = e
	return s
}

// WithPriceResolver attaches the negotiated-price lookup consulted on claim.
func (s *Service) WithPriceResolver(p PriceResolver) *Service {
	s.prices = p
	return s
}

// Store exposes the underlying store for collaborating services.
func (s *Service) Store() Store { return s.store }

// Defaults returns the default terms snapshot applied to new deals.
func (s *Service) Defaults() Terms { return s.defaults }

// Create lists a new deal for the seller. The terms snapshot is frozen here;
// later changes to the configured defaults never touch this deal.
func (s *Service) Create(ctx context.Context, sellerID string, req CreateRequest) (*Deal, error) {
	if strings.TrimSpace(req.Title) == "" {
		return nil, fmt.Errorf("title is required")
	}
	if req.PriceCents <= 0 {
		return nil, fmt.Errorf("priceCents must be positive")
	}

	terms := s.defaults
	if d, err := time.ParseDuration(req.TransferTimeout); err == nil && d > 0 {
		terms.TransferTimeoutSecs = int64(d / time.Second)
	}
	if d, err := time.ParseDuration(req.ConfirmTimeout); err == nil && d > 0 {
		terms.ConfirmTimeoutSecs = int64(d / time.Second)
	}
	if d, err := time.ParseDuration(req.ListingTTL); err == nil && d > 0 {
		terms.ListingTTLSecs = int64(d / time.Second)
	}

	now := time.Now()
	d := &Deal{
		ID:             idgen.WithPrefix("deal_"),
		Code:           idgen.Code(8),
		SellerID:       sellerID,
		Title:          strings.TrimSpace(req.Title),
		Description:    req.Description,
		TransferMethod: req.TransferMethod,
		PriceCents:     req.PriceCents,
		Terms:          terms,
		Status:         StatusOpen,
		ChatMode:       ChatModeOpen,
		ExpiresAt:      now.Add(terms.ListingTTL()),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.store.Create(ctx, d); err != nil {
		return nil, fmt.Errorf("failed to create deal: %w", err)
	}

	ev := s.appendEvent(ctx, d, EventCreated, sellerID, map[string]any{"priceCents": d.PriceCents})
	s.fanout(ctx, d, ev)
	return d, nil
}

// Get returns a deal by ID.
func (s *Service) Get(ctx context.Context, id string) (*Deal, error) {
	return s.store.Get(ctx, id)
}

// GetByCode returns a deal by its short shareable code.
func (s *Service) GetByCode(ctx context.Context, code string) (*Deal, error) {
	return s.store.GetByCode(ctx, code)
}

// ListByParticipant returns deals where the user is buyer or seller.
func (s *Service) ListByParticipant(ctx context.Context, userID string, limit int) ([]*Deal, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByParticipant(ctx, userID, limit)
}

// Events returns the audit log for a deal, oldest first, starting after the
// given event id (empty starts from the beginning).
func (s *Service) Events(ctx context.Context, dealID, afterID string, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.ListEvents(ctx, dealID, afterID, limit)
}

// Claim resolves "first to deposit wins" for one open deal.
//
// The buyer has already submitted the deposit on-chain; this verifies the
// proof, acknowledges the deposit with the escrow contract, then races the
// atomic store-side compare-and-set. A buyer who loses the race after a
// confirmed deposit gets a synchronous refund attempt, recorded in the audit
// log either way so operators can reconcile a failed refund.
func (s *Service) Claim(ctx context.Context, id, buyerID string, req ClaimRequest) (*ClaimResult, error) {
	ctx, span := traces.StartSpan(ctx, "deal.claim", traces.DealID(id), traces.UserID(buyerID))
	defer span.End()

	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if buyerID == d.SellerID {
		metrics.ClaimAttemptsTotal.WithLabelValues("rejected").Inc()
		return nil, ErrSelfDeal
	}
	if d.Status != StatusOpen {
		metrics.ClaimAttemptsTotal.WithLabelValues("lost").Inc()
		return nil, ErrAlreadyClaimed
	}

	// The escrow price is never taken from the claimant. A price the seller
	// accepted on this buyer's own conversation binds; otherwise the list
	// price stands.
	agreed := d.PriceCents
	if s.prices != nil {
		if p := s.prices.AgreedPrice(ctx, d.ID, buyerID); p > 0 {
			agreed = p
		}
	}

	confirmed, err := s.executor.VerifyTransaction(ctx, req.DepositTxRef)
	if err != nil {
		metrics.ClaimAttemptsTotal.WithLabelValues("error").Inc()
		return nil, &CustodyError{Op: "verify_deposit", Err: err}
	}
	if !confirmed {
		metrics.ClaimAttemptsTotal.WithLabelValues("rejected").Inc()
		return nil, ErrDepositNotConfirmed
	}

	txRef, err := s.executor.Deposit(ctx, d.ID, buyerID, agreed)
	if err != nil {
		metrics.ClaimAttemptsTotal.WithLabelValues("error").Inc()
		return nil, &CustodyError{Op: "deposit", Err: err}
	}

	now := time.Now()
	won, err := s.store.Claim(ctx, d.ID, buyerID, agreed, now, now.Add(d.Terms.TransferTimeout()))
	if err != nil {
		return nil, err
	}
	if !won {
		// Deposit confirmed on-chain but another buyer claimed first.
		// Refund synchronously; the audit entry records the outcome so a
		// failed refund is visible for manual reconciliation.
		metrics.ClaimAttemptsTotal.WithLabelValues("lost").Inc()
		meta := map[string]any{"losingBuyerId": buyerID, "depositTxRef": req.DepositTxRef}
		if refundTx, rerr := s.executor.RefundDeposit(ctx, d.ID, buyerID); rerr != nil {
			logging.L(ctx).Error("failed to refund losing claimant",
				"dealId", d.ID, "buyerId", buyerID, "error", rerr)
			meta["refundError"] = rerr.Error()
		} else {
			meta["refundTxRef"] = refundTx
		}
		s.appendEvent(ctx, d, EventClaimRefunded, buyerID, meta)
		return nil, ErrAlreadyClaimed
	}

	fresh, err := s.store.Get(ctx, d.ID)
	if err != nil {
		return nil, err
	}

	metrics.ClaimAttemptsTotal.WithLabelValues("won").Inc()
	ev := s.appendEvent(ctx, fresh, EventClaimed, buyerID, map[string]any{
		"agreedPriceCents": agreed,
		"txRef":            txRef,
	})
	s.fanout(ctx, fresh, ev)
	return &ClaimResult{Claimed: true, Deal: fresh, TxRef: txRef}, nil
}

// MarkTransferred records the seller's hand-over: funded -> transferred.
func (s *Service) MarkTransferred(ctx context.Context, id, callerID string) (*Deal, error) {
	return s.transition(ctx, id, ActionTransfer, func(d *Deal) error {
		if callerID != d.SellerID {
			return ErrUnauthorized
		}
		return nil
	}, func(ctx context.Context, d *Deal, now time.Time) (map[string]any, error) {
		txRef, err := s.executor.MarkTransferred(ctx, d.ID)
		if err != nil {
			return nil, &CustodyError{Op: "mark_transferred", Err: err}
		}
		d.TransferredAt = &now
		deadline := now.Add(d.Terms.ConfirmTimeout())
		d.ConfirmDeadline = &deadline
		return map[string]any{"txRef": txRef}, nil
	}, EventTransferred, callerID)
}

// Confirm releases escrow to the seller: transferred -> released.
// The fee comes from the frozen terms snapshot, never a live constant.
func (s *Service) Confirm(ctx context.Context, id, callerID string) (*Deal, error) {
	return s.transition(ctx, id, ActionConfirm, func(d *Deal) error {
		if callerID != d.BuyerID {
			return ErrUnauthorized
		}
		return nil
	}, func(ctx context.Context, d *Deal, now time.Time) (map[string]any, error) {
		fee := Fee(d.Price(), d.Terms.FeeBps)
		payout := d.Price() - fee
		txRef, err := s.executor.Confirm(ctx, d.ID, payout, fee)
		if err != nil {
			return nil, &CustodyError{Op: "confirm", Err: err}
		}
		d.ConfirmedAt = &now
		return map[string]any{"txRef": txRef, "payoutCents": payout, "feeCents": fee}, nil
	}, EventReleased, callerID)
}

// Dispute opens a dispute: transferred -> disputed. No funds move; escrow
// stays locked until the mediator rules.
func (s *Service) Dispute(ctx context.Context, id, callerID, reason string) (*Deal, error) {
	return s.transition(ctx, id, ActionDispute, func(d *Deal) error {
		if callerID != d.BuyerID {
			return ErrUnauthorized
		}
		return nil
	}, func(ctx context.Context, d *Deal, now time.Time) (map[string]any, error) {
		d.DisputedAt = &now
		d.ChatMode = ChatModeDispute
		d.BuyerQuestions = 0
		d.SellerQuestions = 0
		d.BuyerEvidenceDone = false
		d.SellerEvidenceDone = false
		return map[string]any{"reason": reason}, nil
	}, EventDisputed, callerID)
}

// Resolve executes a binding ruling: disputed -> released or refunded.
// Re-invoking on an already-resolved deal fails the precondition before any
// custody call, so a ruling is never executed twice on-chain.
func (s *Service) Resolve(ctx context.Context, id string, favorBuyer bool, reasoning, source string) (*Deal, error) {
	action := ActionResolveRelease
	eventRuling := "seller"
	if favorBuyer {
		action = ActionResolveRefund
		eventRuling = "buyer"
	}
	d, err := s.transition(ctx, id, action, nil, func(ctx context.Context, d *Deal, now time.Time) (map[string]any, error) {
		txRef, err := s.executor.ResolveDispute(ctx, d.ID, favorBuyer)
		if err != nil {
			return nil, &CustodyError{Op: "resolve_dispute", Err: err}
		}
		d.ResolvedAt = &now
		meta := map[string]any{"txRef": txRef, "ruling": eventRuling, "reasoning": reasoning, "source": source}
		if !favorBuyer {
			meta["payoutCents"] = SellerPayout(d.Price(), d.Terms.FeeBps)
			meta["feeCents"] = Fee(d.Price(), d.Terms.FeeBps)
		}
		return meta, nil
	}, EventResolved, "")
	if err != nil {
		return nil, err
	}
	metrics.AdjudicationsTotal.WithLabelValues(eventRuling, source).Inc()
	return d, nil
}

// Cancel administratively closes an unclaimed listing: open -> canceled.
func (s *Service) Cancel(ctx context.Context, id, reason string) (*Deal, error) {
	return s.transition(ctx, id, ActionCancel, nil, func(ctx context.Context, d *Deal, now time.Time) (map[string]any, error) {
		d.ResolvedAt = &now
		return map[string]any{"reason": reason}, nil
	}, EventCanceled, "")
}

// Expire closes an unclaimed listing past its TTL: open -> expired.
// No custody call: nothing is in escrow before a claim.
func (s *Service) Expire(ctx context.Context, id string) (*Deal, error) {
	return s.transition(ctx, id, ActionExpire, nil, func(ctx context.Context, d *Deal, now time.Time) (map[string]any, error) {
		d.ResolvedAt = &now
		return nil, nil
	}, EventExpired, "")
}

// AutoRefund refunds a funded deal whose seller missed the transfer deadline.
func (s *Service) AutoRefund(ctx context.Context, id string) (*Deal, error) {
	return s.transition(ctx, id, ActionAutoRefund, nil, func(ctx context.Context, d *Deal, now time.Time) (map[string]any, error) {
		txRef, err := s.executor.Refund(ctx, d.ID)
		if err != nil {
			return nil, &CustodyError{Op: "refund", Err: err}
		}
		d.ResolvedAt = &now
		return map[string]any{"txRef": txRef}, nil
	}, EventAutoRefunded, "")
}

// AutoRelease pays out a transferred deal whose buyer missed the confirm deadline.
func (s *Service) AutoRelease(ctx context.Context, id string) (*Deal, error) {
	return s.transition(ctx, id, ActionAutoRelease, nil, func(ctx context.Context, d *Deal, now time.Time) (map[string]any, error) {
		txRef, err := s.executor.AutoRelease(ctx, d.ID)
		if err != nil {
			return nil, &CustodyError{Op: "auto_release", Err: err}
		}
		d.ResolvedAt = &now
		return map[string]any{
			"txRef":       txRef,
			"payoutCents": SellerPayout(d.Price(), d.Terms.FeeBps),
			"feeCents":    Fee(d.Price(), d.Terms.FeeBps),
		}, nil
	}, EventAutoReleased, "")
}

// transition runs one precondition-checked state change:
// read, authorize, custody effect, guarded persist, audit event, fan-out.
// The custody step runs before persistence; a custody failure leaves the
// deal untouched. The guarded persist serializes concurrent callers: only
// the first writer still sees the source status.
func (s *Service) transition(
	ctx context.Context,
	id string,
	action Action,
	authorize func(*Deal) error,
	apply func(context.Context, *Deal, time.Time) (map[string]any, error),
	eventType EventType,
	actor string,
) (*Deal, error) {
	ctx, span := traces.StartSpan(ctx, "deal.transition", traces.DealID(id), traces.Action(string(action)))
	defer span.End()

	d, err := s.store.Get(ctx, id)
	if err != nil {
		metrics.DealTransitionsTotal.WithLabelValues(string(action), "not_found").Inc()
		return nil, err
	}

	from := d.Status
	to, ok := Next(from, action)
	if !ok {
		metrics.DealTransitionsTotal.WithLabelValues(string(action), "wrong_state").Inc()
		return nil, ErrInvalidStatus
	}
	if authorize != nil {
		if err := authorize(d); err != nil {
			metrics.DealTransitionsTotal.WithLabelValues(string(action), "unauthorized").Inc()
			return nil, err
		}
	}

	now := time.Now()
	meta, err := apply(ctx, d, now)
	if err != nil {
		metrics.DealTransitionsTotal.WithLabelValues(string(action), "custody_failed").Inc()
		return nil, err
	}

	d.Status = to
	d.UpdatedAt = now
	if err := s.store.Transition(ctx, d, from); err != nil {
		// A concurrent writer won the race after our custody call; surface
		// the precondition failure so the caller can re-read and retry.
		metrics.DealTransitionsTotal.WithLabelValues(string(action), "lost_race").Inc()
		return nil, err
	}

	metrics.DealTransitionsTotal.WithLabelValues(string(action), "ok").Inc()
	if to.Terminal() && d.FundedAt != nil {
		metrics.DealDuration.Observe(now.Sub(*d.FundedAt).Seconds())
	}

	ev := s.appendEvent(ctx, d, eventType, actor, meta)
	s.fanout(ctx, d, ev)
	return d, nil
}

// appendEvent writes an audit entry. Audit failures are logged, never
// propagated: the transition has already committed.
func (s *Service) appendEvent(ctx context.Context, d *Deal, t EventType, actor string, meta map[string]any) *Event {
	ev := &Event{
		ID:        idgen.ULID(),
		DealID:    d.ID,
		Type:      t,
		Actor:     actor,
		Metadata:  meta,
		CreatedAt: time.Now(),
	}
	if err := s.store.AppendEvent(ctx, ev); err != nil {
		logging.L(ctx).Error("failed to append deal event",
			"dealId", d.ID, "event", t, "error", err)
	}
	return ev
}

func (s *Service) fanout(ctx context.Context, d *Deal, ev *Event) {
	if s.effects == nil {
		return
	}
	s.effects.DealChanged(ctx, d, ev)
}
