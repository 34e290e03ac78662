package deal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

// The guarded single-statement updates are the load-bearing part of this
// store: claim and transition correctness under concurrency depend on the
// WHERE status clause and the rows-affected check. These tests pin that
// behavior down without a live database.

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(db), mock
}

func dealRow(id string, status Status) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "code", "seller_id", "buyer_id", "title", "description", "transfer_method",
		"price_cents", "agreed_price_cents", "terms", "status", "chat_mode",
		"funded_at", "transferred_at", "confirmed_at", "disputed_at", "resolved_at",
		"expires_at", "transfer_deadline", "confirm_deadline",
		"buyer_questions", "seller_questions", "buyer_evidence_done", "seller_evidence_done",
		"created_at", "updated_at",
	}).AddRow(
		id, "ABCD1234", "user_seller", nil, "Bike", nil, nil,
		int64(10000), int64(0), []byte(`{"feeBps":250}`), string(status), "open",
		nil, nil, nil, nil, nil,
		now.Add(14*24*time.Hour), nil, nil,
		0, 0, false, false,
		now, now,
	)
}

func TestPostgresClaimWinner(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectExec(`UPDATE deals SET`).
		WithArgs("deal_1", "user_buyer", int64(9000), now, now.Add(48*time.Hour)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	won, err := store.Claim(context.Background(), "deal_1", "user_buyer", 9000, now, now.Add(48*time.Hour))
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if !won {
		t.Error("Expected claim to win when the guarded update matched")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}

func TestPostgresClaimLoser(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	// Status no longer 'open': zero rows matched, claim loses without error.
	mock.ExpectExec(`UPDATE deals SET`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	won, err := store.Claim(context.Background(), "deal_1", "user_late", 9000, now, now.Add(48*time.Hour))
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if won {
		t.Error("Expected claim to lose when zero rows matched")
	}
}

func TestPostgresTransitionGuard(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE deals SET`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	d := &Deal{ID: "deal_1", Status: StatusTransferred, ChatMode: ChatModeActive, UpdatedAt: time.Now()}
	err := store.Transition(context.Background(), d, StatusFunded)
	if !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("Expected ErrInvalidStatus on zero-row transition, got %v", err)
	}
}

func TestPostgresTransitionOK(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE deals SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	d := &Deal{ID: "deal_1", Status: StatusTransferred, ChatMode: ChatModeActive, UpdatedAt: time.Now()}
	if err := store.Transition(context.Background(), d, StatusFunded); err != nil {
		t.Errorf("Transition failed: %v", err)
	}
}

func TestPostgresGetNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`FROM deals WHERE id = \$1`).
		WithArgs("deal_missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.Get(context.Background(), "deal_missing")
	if !errors.Is(err, ErrDealNotFound) {
		t.Errorf("Expected ErrDealNotFound, got %v", err)
	}
}

func TestPostgresGetScansDeal(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`FROM deals WHERE id = \$1`).
		WithArgs("deal_1").
		WillReturnRows(dealRow("deal_1", StatusOpen))

	d, err := store.Get(context.Background(), "deal_1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if d.ID != "deal_1" || d.Status != StatusOpen {
		t.Errorf("Scanned deal mismatch: %+v", d)
	}
	if d.Terms.FeeBps != 250 {
		t.Errorf("Expected terms JSON to unmarshal, got %+v", d.Terms)
	}
	if d.BuyerID != "" {
		t.Errorf("Expected empty buyer for open deal, got %q", d.BuyerID)
	}
}

func TestPostgresDisputeGuardDistinguishesMissing(t *testing.T) {
	store, mock := newMockStore(t)

	// Guarded increment matches nothing, follow-up existence probe finds the
	// deal, so the caller gets a state error rather than not-found.
	mock.ExpectQuery(`UPDATE deals SET buyer_questions`).
		WithArgs("deal_1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(`SELECT 1 FROM deals WHERE id = \$1`).
		WithArgs("deal_1").
		WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))

	_, err := store.RecordDisputeTurn(context.Background(), "deal_1", PartyBuyer)
	if !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("Expected ErrInvalidStatus for existing non-disputed deal, got %v", err)
	}

	// Same zero-row update against a deal that does not exist at all.
	mock.ExpectQuery(`UPDATE deals SET buyer_questions`).
		WithArgs("deal_gone").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(`SELECT 1 FROM deals WHERE id = \$1`).
		WithArgs("deal_gone").
		WillReturnRows(sqlmock.NewRows([]string{"one"}))

	_, err = store.RecordDisputeTurn(context.Background(), "deal_gone", PartyBuyer)
	if !errors.Is(err, ErrDealNotFound) {
		t.Errorf("Expected ErrDealNotFound for missing deal, got %v", err)
	}
}

func TestPostgresListEventsPassesCursor(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(`SELECT id, deal_id, event_type, actor, metadata, created_at`).
		WithArgs("deal_1", "evt_after", 50).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "deal_id", "event_type", "actor", "metadata", "created_at",
		}).AddRow("evt_b", "deal_1", "claimed", "user_buyer", []byte(`{"agreedPriceCents":9000}`), now))

	events, err := store.ListEvents(context.Background(), "deal_1", "evt_after", 50)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}
	if events[0].Type != EventClaimed {
		t.Errorf("Expected claimed event, got %s", events[0].Type)
	}
	if events[0].Metadata["agreedPriceCents"].(float64) != 9000 {
		t.Errorf("Expected metadata to unmarshal, got %v", events[0].Metadata)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}
