package notify

import (
	"context"
	"database/sql"
)

// PostgresStore persists notification channels in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed channel store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, ch *Channel) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO notify_channels (id, user_id, transport, target, secret, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ch.ID, ch.UserID, ch.Transport, ch.Target, ch.Secret, ch.Active, ch.CreatedAt)
	return err
}

func (p *PostgresStore) GetByUser(ctx context.Context, userID string) ([]*Channel, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, transport, target, secret, active, created_at, last_ok, last_error
		FROM notify_channels
		WHERE user_id = $1
		ORDER BY created_at ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Channel
	for rows.Next() {
		ch := &Channel{}
		var (
			lastOK    sql.NullTime
			lastError sql.NullString
		)
		if err := rows.Scan(&ch.ID, &ch.UserID, &ch.Transport, &ch.Target,
			&ch.Secret, &ch.Active, &ch.CreatedAt, &lastOK, &lastError); err != nil {
			return nil, err
		}
		if lastOK.Valid {
			t := lastOK.Time
			ch.LastOK = &t
		}
		ch.LastError = lastError.String
		result = append(result, ch)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Update(ctx context.Context, ch *Channel) error {
	var lastOK sql.NullTime
	if ch.LastOK != nil {
		lastOK = sql.NullTime{Time: *ch.LastOK, Valid: true}
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE notify_channels
		SET active = $2, last_ok = $3, last_error = $4
		WHERE id = $1`,
		ch.ID, ch.Active, lastOK, nullableString(ch.LastError))
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrChannelNotFound
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM notify_channels WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrChannelNotFound
	}
	return nil
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
