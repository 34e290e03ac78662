package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/middleman-market/middleman/internal/deal"
	"github.com/middleman-market/middleman/internal/idgen"
	"github.com/middleman-market/middleman/internal/metrics"
)

// Emitter turns committed deal events into participant notifications.
// All methods are fire-and-forget: errors are counted and logged, never
// returned.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

// NewEmitter creates a new notification emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger}
}

// DealChanged emits the notifications appropriate for one committed event.
func (e *Emitter) DealChanged(ctx context.Context, d *deal.Deal, ev *deal.Event) {
	if e == nil || e.d == nil || ev == nil {
		return
	}
	switch ev.Type {
	case deal.EventClaimed:
		e.emit(d.SellerID, d, KindDealClaimed,
			fmt.Sprintf("Your listing %q was claimed. Hand the item over before the transfer deadline.", d.Title))
	case deal.EventTransferred:
		e.emit(d.BuyerID, d, KindDealTransferred,
			fmt.Sprintf("The seller marked %q as handed over. Confirm receipt or open a dispute.", d.Title))
	case deal.EventReleased:
		e.emit(d.SellerID, d, KindDealReleased,
			fmt.Sprintf("The buyer confirmed %q. Your payout is on its way.", d.Title))
	case deal.EventDisputed:
		e.emit(d.SellerID, d, KindDealDisputed,
			fmt.Sprintf("The buyer opened a dispute on %q. The mediator will contact you for your side.", d.Title))
	case deal.EventResolved:
		e.emit(d.BuyerID, d, KindDealResolved, rulingSummary(d, ev))
		e.emit(d.SellerID, d, KindDealResolved, rulingSummary(d, ev))
	case deal.EventAutoRefunded:
		e.emit(d.BuyerID, d, KindDealRefunded,
			fmt.Sprintf("The seller missed the transfer deadline for %q. Your deposit was refunded.", d.Title))
		e.emit(d.SellerID, d, KindDealRefunded,
			fmt.Sprintf("You missed the transfer deadline for %q. The buyer's deposit was refunded.", d.Title))
	case deal.EventAutoReleased:
		e.emit(d.BuyerID, d, KindDealReleased,
			fmt.Sprintf("The confirmation window for %q passed. The escrow was released to the seller.", d.Title))
		e.emit(d.SellerID, d, KindDealReleased,
			fmt.Sprintf("The buyer did not respond in time for %q. The escrow was released to you.", d.Title))
	case deal.EventExpired:
		e.emit(d.SellerID, d, KindDealExpired,
			fmt.Sprintf("Your listing %q expired without a buyer.", d.Title))
	}
}

func rulingSummary(d *deal.Deal, ev *deal.Event) string {
	if ruling, _ := ev.Metadata["ruling"].(string); ruling == "buyer" {
		return fmt.Sprintf("The dispute on %q was ruled in the buyer's favor. The escrow was refunded.", d.Title)
	}
	return fmt.Sprintf("The dispute on %q was ruled in the seller's favor. The escrow was released.", d.Title)
}

func (e *Emitter) emit(userID string, d *deal.Deal, kind Kind, body string) {
	if userID == "" {
		return
	}
	n := &Notification{
		ID:        idgen.WithPrefix("ntf_"),
		Kind:      kind,
		DealID:    d.ID,
		Body:      body,
		Timestamp: time.Now(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.d.DispatchToUser(ctx, userID, n); err != nil {
		metrics.NotificationsTotal.WithLabelValues("error").Inc()
		e.logger.Warn("notification delivery failed", "kind", kind, "userId", userID, "error", err)
		return
	}
	metrics.NotificationsTotal.WithLabelValues("ok").Inc()
}
