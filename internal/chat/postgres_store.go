package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/lib/pq"
)

// PostgresStore persists conversations and messages in PostgreSQL.
// Uniqueness of (deal_id, buyer_id) and (deal_id, anon_session_id) is
// enforced by partial unique indexes; 23505 surfaces as
// ErrConversationExists so the router can re-read the winner.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed chat store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const convColumns = `id, deal_id, buyer_id, anon_session_id, status,
		offer_cents, offer_by, agreed_price_cents, created_at, updated_at`

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (p *PostgresStore) CreateConversation(ctx context.Context, c *Conversation) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO conversations (
			id, deal_id, buyer_id, anon_session_id, status,
			offer_cents, offer_by, agreed_price_cents, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		c.ID, c.DealID, nullString(c.BuyerID), nullString(c.AnonSessionID), string(c.Status),
		c.OfferCents, nullString(string(c.OfferBy)), c.AgreedPriceCents, c.CreatedAt, c.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrConversationExists
	}
	return err
}

func (p *PostgresStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+convColumns+` FROM conversations WHERE id = $1`, id)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, ErrConversationNotFound
	}
	return c, err
}

func (p *PostgresStore) GetByDealAndBuyer(ctx context.Context, dealID, buyerID string) (*Conversation, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+convColumns+` FROM conversations
		WHERE deal_id = $1 AND buyer_id = $2`, dealID, buyerID)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, ErrConversationNotFound
	}
	return c, err
}

func (p *PostgresStore) GetByDealAndSession(ctx context.Context, dealID, anonSessionID string) (*Conversation, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+convColumns+` FROM conversations
		WHERE deal_id = $1 AND anon_session_id = $2`, dealID, anonSessionID)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, ErrConversationNotFound
	}
	return c, err
}

func (p *PostgresStore) ListByDeal(ctx context.Context, dealID string) ([]*Conversation, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+convColumns+` FROM conversations
		WHERE deal_id = $1
		ORDER BY created_at ASC`, dealID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ClaimIdentity(ctx context.Context, id, buyerID string) (*Conversation, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE conversations SET buyer_id = $2, anon_session_id = NULL, updated_at = now()
		WHERE id = $1 AND buyer_id IS NULL
		RETURNING `+convColumns, id, buyerID)
	c, err := scanConversation(row)
	if err == nil {
		return c, nil
	}
	if isUniqueViolation(err) {
		return nil, ErrConversationExists
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	// Guard matched nothing: the conversation is gone or already bound.
	existing, gerr := p.GetConversation(ctx, id)
	if gerr != nil {
		return nil, gerr
	}
	if existing.BuyerID == buyerID {
		return existing, nil
	}
	return nil, ErrAlreadyClaimed
}

func (p *PostgresStore) SetOffer(ctx context.Context, id string, cents int64, by Role) error {
	return p.updateConversation(ctx, `
		UPDATE conversations SET offer_cents = $2, offer_by = $3, updated_at = now()
		WHERE id = $1`, id, cents, string(by))
}

func (p *PostgresStore) SetAgreedPrice(ctx context.Context, id string, cents int64) error {
	return p.updateConversation(ctx, `
		UPDATE conversations SET agreed_price_cents = $2, offer_cents = 0, offer_by = NULL, updated_at = now()
		WHERE id = $1`, id, cents)
}

func (p *PostgresStore) updateConversation(ctx context.Context, query string, args ...interface{}) error {
	result, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrConversationNotFound
	}
	return nil
}

func (p *PostgresStore) MarkDealClaimed(ctx context.Context, dealID, winnerID string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE conversations SET
			status = CASE WHEN id = $2 THEN 'claimed' ELSE 'closed' END,
			updated_at = now()
		WHERE deal_id = $1`, dealID, winnerID)
	return err
}

func (p *PostgresStore) CloseAll(ctx context.Context, dealID string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE conversations SET status = 'closed', updated_at = now()
		WHERE deal_id = $1`, dealID)
	return err
}

func (p *PostgresStore) AppendMessage(ctx context.Context, m *Message) error {
	metaJSON, err := json.Marshal(m.Metadata)
	if err != nil {
		return err
	}
	if m.Metadata == nil {
		metaJSON = []byte("{}")
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO messages (
			id, conversation_id, deal_id, sender_role, sender_id,
			visibility, body, media_refs, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		m.ID, m.ConversationID, m.DealID, string(m.SenderRole), nullString(m.SenderID),
		string(m.Visibility), m.Body, pq.Array(m.MediaRefs), metaJSON, m.CreatedAt,
	)
	return err
}

func (p *PostgresStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	return p.listMessages(ctx, `conversation_id = $1`, conversationID, limit)
}

func (p *PostgresStore) ListDealMessages(ctx context.Context, dealID string, limit int) ([]*Message, error) {
	return p.listMessages(ctx, `deal_id = $1`, dealID, limit)
}

func (p *PostgresStore) listMessages(ctx context.Context, where, key string, limit int) ([]*Message, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, conversation_id, deal_id, sender_role, sender_id,
			visibility, body, media_refs, metadata, created_at
		FROM messages
		WHERE `+where+`
		ORDER BY id ASC
		LIMIT $2`, key, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Message
	for rows.Next() {
		m := &Message{}
		var (
			senderRole string
			senderID   sql.NullString
			visibility string
			mediaRefs  pq.StringArray
			metaJSON   []byte
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.DealID, &senderRole, &senderID,
			&visibility, &m.Body, &mediaRefs, &metaJSON, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.SenderRole = Role(senderRole)
		m.SenderID = senderID.String
		m.Visibility = Visibility(visibility)
		m.MediaRefs = []string(mediaRefs)
		if len(metaJSON) > 0 {
			_ = json.Unmarshal(metaJSON, &m.Metadata)
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanConversation(s scanner) (*Conversation, error) {
	c := &Conversation{}
	var (
		buyerID sql.NullString
		anonID  sql.NullString
		status  string
		offerBy sql.NullString
	)
	err := s.Scan(&c.ID, &c.DealID, &buyerID, &anonID, &status,
		&c.OfferCents, &offerBy, &c.AgreedPriceCents, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.BuyerID = buyerID.String
	c.AnonSessionID = anonID.String
	c.Status = ConvStatus(status)
	c.OfferBy = Role(offerBy.String)
	return c, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
