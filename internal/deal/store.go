package deal

import (
	"context"
	"time"
)

// Store persists deals and their audit log.
//
// Claim and Transition are the two concurrency-bearing operations: both must
// be atomic compare-and-set writes at the store, never read-then-write pairs
// in the application layer.
type Store interface {
	Create(ctx context.Context, d *Deal) error
	Get(ctx context.Context, id string) (*Deal, error)
	GetByCode(ctx context.Context, code string) (*Deal, error)
	ListByParticipant(ctx context.Context, userID string, limit int) ([]*Deal, error)

	// Claim atomically binds buyerID to an open deal, moving it to funded
	// and starting the transfer clock. Returns false when the deal was not
	// open (someone else claimed first, or it expired). Exactly one caller
	// among any number of concurrent claimants receives true.
	Claim(ctx context.Context, id, buyerID string, agreedPriceCents int64, fundedAt time.Time, transferDeadline time.Time) (bool, error)

	// Transition persists d only when the stored row is still in `from`.
	// A stale source status returns ErrInvalidStatus and writes nothing;
	// this is what serializes concurrent transitions on one deal.
	Transition(ctx context.Context, d *Deal, from Status) error

	// Timeout sweeper scans. Each returns deals whose deadline passed
	// before the given instant, oldest first.
	ListOpenExpired(ctx context.Context, before time.Time, limit int) ([]*Deal, error)
	ListFundedExpired(ctx context.Context, before time.Time, limit int) ([]*Deal, error)
	ListTransferredExpired(ctx context.Context, before time.Time, limit int) ([]*Deal, error)

	// RecordDisputeTurn atomically increments the party's question counter.
	// Guarded on status=disputed; returns the updated row.
	RecordDisputeTurn(ctx context.Context, id string, party Party) (*Deal, error)

	// MarkEvidenceComplete atomically sets the party's completion flag.
	// Guarded on status=disputed; returns the updated row.
	MarkEvidenceComplete(ctx context.Context, id string, party Party) (*Deal, error)

	// AppendEvent appends one audit log entry. Events are immutable.
	AppendEvent(ctx context.Context, ev *Event) error

	// ListEvents returns a deal's audit log oldest first. Event ids are
	// ULIDs, so "after this id" pages the log in creation order; an empty
	// afterID starts from the beginning.
	ListEvents(ctx context.Context, dealID, afterID string, limit int) ([]*Event, error)
}
