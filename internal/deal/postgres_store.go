package deal

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// PostgresStore persists deals in PostgreSQL.
//
// Claim and Transition are single guarded UPDATEs: the status comparison and
// the write happen in one statement at the store, which is what makes them
// linearizable under concurrent callers.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed deal store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const dealColumns = `id, code, seller_id, buyer_id, title, description, transfer_method,
		price_cents, agreed_price_cents, terms, status, chat_mode,
		funded_at, transferred_at, confirmed_at, disputed_at, resolved_at,
		expires_at, transfer_deadline, confirm_deadline,
		buyer_questions, seller_questions, buyer_evidence_done, seller_evidence_done,
		created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, d *Deal) error {
	termsJSON, err := json.Marshal(d.Terms)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO deals (
			id, code, seller_id, buyer_id, title, description, transfer_method,
			price_cents, agreed_price_cents, terms, status, chat_mode,
			funded_at, transferred_at, confirmed_at, disputed_at, resolved_at,
			expires_at, transfer_deadline, confirm_deadline,
			buyer_questions, seller_questions, buyer_evidence_done, seller_evidence_done,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17,
			$18, $19, $20,
			$21, $22, $23, $24,
			$25, $26
		)`,
		d.ID, d.Code, d.SellerID, nullString(d.BuyerID), d.Title, nullString(d.Description), nullString(d.TransferMethod),
		d.PriceCents, d.AgreedPriceCents, termsJSON, string(d.Status), string(d.ChatMode),
		nullTime(d.FundedAt), nullTime(d.TransferredAt), nullTime(d.ConfirmedAt), nullTime(d.DisputedAt), nullTime(d.ResolvedAt),
		d.ExpiresAt, nullTime(d.TransferDeadline), nullTime(d.ConfirmDeadline),
		d.BuyerQuestions, d.SellerQuestions, d.BuyerEvidenceDone, d.SellerEvidenceDone,
		d.CreatedAt, d.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Deal, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+dealColumns+` FROM deals WHERE id = $1`, id)
	d, err := scanDeal(row)
	if err == sql.ErrNoRows {
		return nil, ErrDealNotFound
	}
	return d, err
}

func (p *PostgresStore) GetByCode(ctx context.Context, code string) (*Deal, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+dealColumns+` FROM deals WHERE code = $1`, code)
	d, err := scanDeal(row)
	if err == sql.ErrNoRows {
		return nil, ErrDealNotFound
	}
	return d, err
}

func (p *PostgresStore) ListByParticipant(ctx context.Context, userID string, limit int) ([]*Deal, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+dealColumns+`
		FROM deals
		WHERE seller_id = $1 OR buyer_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanDeals(rows)
}

func (p *PostgresStore) Claim(ctx context.Context, id, buyerID string, agreedPriceCents int64, fundedAt, transferDeadline time.Time) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE deals SET
			status = 'funded', buyer_id = $2, agreed_price_cents = $3,
			funded_at = $4, transfer_deadline = $5, chat_mode = 'active', updated_at = $4
		WHERE id = $1 AND status = 'open'`,
		id, buyerID, agreedPriceCents, fundedAt, transferDeadline)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (p *PostgresStore) Transition(ctx context.Context, d *Deal, from Status) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE deals SET
			status = $1, chat_mode = $2,
			funded_at = $3, transferred_at = $4, confirmed_at = $5,
			disputed_at = $6, resolved_at = $7,
			transfer_deadline = $8, confirm_deadline = $9,
			buyer_questions = $10, seller_questions = $11,
			buyer_evidence_done = $12, seller_evidence_done = $13,
			updated_at = $14
		WHERE id = $15 AND status = $16`,
		string(d.Status), string(d.ChatMode),
		nullTime(d.FundedAt), nullTime(d.TransferredAt), nullTime(d.ConfirmedAt),
		nullTime(d.DisputedAt), nullTime(d.ResolvedAt),
		nullTime(d.TransferDeadline), nullTime(d.ConfirmDeadline),
		d.BuyerQuestions, d.SellerQuestions,
		d.BuyerEvidenceDone, d.SellerEvidenceDone,
		d.UpdatedAt,
		d.ID, string(from),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrInvalidStatus
	}
	return nil
}

func (p *PostgresStore) ListOpenExpired(ctx context.Context, before time.Time, limit int) ([]*Deal, error) {
	return p.listExpired(ctx, `status = 'open' AND expires_at < $1`, before, limit)
}

func (p *PostgresStore) ListFundedExpired(ctx context.Context, before time.Time, limit int) ([]*Deal, error) {
	return p.listExpired(ctx, `status = 'funded' AND transfer_deadline < $1`, before, limit)
}

func (p *PostgresStore) ListTransferredExpired(ctx context.Context, before time.Time, limit int) ([]*Deal, error) {
	return p.listExpired(ctx, `status = 'transferred' AND confirm_deadline < $1`, before, limit)
}

func (p *PostgresStore) listExpired(ctx context.Context, where string, before time.Time, limit int) ([]*Deal, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+dealColumns+`
		FROM deals
		WHERE `+where+`
		ORDER BY created_at ASC
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanDeals(rows)
}

func (p *PostgresStore) RecordDisputeTurn(ctx context.Context, id string, party Party) (*Deal, error) {
	column := "seller_questions"
	if party == PartyBuyer {
		column = "buyer_questions"
	}
	row := p.db.QueryRowContext(ctx, `
		UPDATE deals SET `+column+` = `+column+` + 1, updated_at = now()
		WHERE id = $1 AND status = 'disputed'
		RETURNING `+dealColumns, id)
	d, err := scanDeal(row)
	if err == sql.ErrNoRows {
		return nil, p.disputeGuardError(ctx, id)
	}
	return d, err
}

func (p *PostgresStore) MarkEvidenceComplete(ctx context.Context, id string, party Party) (*Deal, error) {
	column := "seller_evidence_done"
	if party == PartyBuyer {
		column = "buyer_evidence_done"
	}
	row := p.db.QueryRowContext(ctx, `
		UPDATE deals SET `+column+` = TRUE, updated_at = now()
		WHERE id = $1 AND status = 'disputed'
		RETURNING `+dealColumns, id)
	d, err := scanDeal(row)
	if err == sql.ErrNoRows {
		return nil, p.disputeGuardError(ctx, id)
	}
	return d, err
}

// disputeGuardError distinguishes "no such deal" from "not disputed" after a
// guarded dispute update matched zero rows.
func (p *PostgresStore) disputeGuardError(ctx context.Context, id string) error {
	var one int
	err := p.db.QueryRowContext(ctx, `SELECT 1 FROM deals WHERE id = $1`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return ErrDealNotFound
	}
	if err != nil {
		return err
	}
	return ErrInvalidStatus
}

func (p *PostgresStore) AppendEvent(ctx context.Context, ev *Event) error {
	metaJSON, err := json.Marshal(ev.Metadata)
	if err != nil {
		return err
	}
	if ev.Metadata == nil {
		metaJSON = []byte("{}")
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO deal_events (id, deal_id, event_type, actor, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.ID, ev.DealID, string(ev.Type), nullString(ev.Actor), metaJSON, ev.CreatedAt)
	return err
}

func (p *PostgresStore) ListEvents(ctx context.Context, dealID, afterID string, limit int) ([]*Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, deal_id, event_type, actor, metadata, created_at
		FROM deal_events
		WHERE deal_id = $1 AND ($2 = '' OR id > $2)
		ORDER BY id ASC
		LIMIT $3`, dealID, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Event
	for rows.Next() {
		ev := &Event{}
		var (
			actor    sql.NullString
			evType   string
			metaJSON []byte
		)
		if err := rows.Scan(&ev.ID, &ev.DealID, &evType, &actor, &metaJSON, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Type = EventType(evType)
		ev.Actor = actor.String
		if len(metaJSON) > 0 {
			_ = json.Unmarshal(metaJSON, &ev.Metadata)
		}
		result = append(result, ev)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDeal(s scanner) (*Deal, error) {
	d := &Deal{}
	var (
		buyerID          sql.NullString
		description      sql.NullString
		transferMethod   sql.NullString
		termsJSON        []byte
		status           string
		chatMode         string
		fundedAt         sql.NullTime
		transferredAt    sql.NullTime
		confirmedAt      sql.NullTime
		disputedAt       sql.NullTime
		resolvedAt       sql.NullTime
		transferDeadline sql.NullTime
		confirmDeadline  sql.NullTime
	)

	err := s.Scan(
		&d.ID, &d.Code, &d.SellerID, &buyerID, &d.Title, &description, &transferMethod,
		&d.PriceCents, &d.AgreedPriceCents, &termsJSON, &status, &chatMode,
		&fundedAt, &transferredAt, &confirmedAt, &disputedAt, &resolvedAt,
		&d.ExpiresAt, &transferDeadline, &confirmDeadline,
		&d.BuyerQuestions, &d.SellerQuestions, &d.BuyerEvidenceDone, &d.SellerEvidenceDone,
		&d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.BuyerID = buyerID.String
	d.Description = description.String
	d.TransferMethod = transferMethod.String
	d.Status = Status(status)
	d.ChatMode = ChatMode(chatMode)
	if len(termsJSON) > 0 {
		if err := json.Unmarshal(termsJSON, &d.Terms); err != nil {
			return nil, err
		}
	}
	if fundedAt.Valid {
		d.FundedAt = &fundedAt.Time
	}
	if transferredAt.Valid {
		d.TransferredAt = &transferredAt.Time
	}
	if confirmedAt.Valid {
		d.ConfirmedAt = &confirmedAt.Time
	}
	if disputedAt.Valid {
		d.DisputedAt = &disputedAt.Time
	}
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}
	if transferDeadline.Valid {
		d.TransferDeadline = &transferDeadline.Time
	}
	if confirmDeadline.Valid {
		d.ConfirmDeadline = &confirmDeadline.Time
	}
	return d, nil
}

func scanDeals(rows *sql.Rows) ([]*Deal, error) {
	var result []*Deal
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
