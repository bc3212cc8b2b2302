package voucher

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresStore persists dispatch records in PostgreSQL. The schema lives
// in migrations/.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed record store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, r *Record) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO voucher_dispatches (
			id, reference, code, brand, email, outcome, error, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, nullString(r.Reference), r.Code, r.Brand, r.Email,
		string(r.Outcome), nullString(r.Error), r.CreatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, reference, code, brand, email, outcome, error, created_at
		FROM voucher_dispatches WHERE id = $1`, id)

	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) ListByEmail(ctx context.Context, email string, limit int) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, reference, code, brand, email, outcome, error, created_at
		FROM voucher_dispatches
		WHERE email = $1
		ORDER BY created_at DESC
		LIMIT $2`, email, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(sc scanner) (*Record, error) {
	r := &Record{}
	var (
		reference sql.NullString
		errText   sql.NullString
		outcome   string
	)
	if err := sc.Scan(&r.ID, &reference, &r.Code, &r.Brand, &r.Email, &outcome, &errText, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.Reference = reference.String
	r.Error = errText.String
	r.Outcome = Outcome(outcome)
	return r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
