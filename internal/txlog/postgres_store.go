package txlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/seyidev/vtucore/internal/pagination"
)

// PostgresStore persists transaction records in PostgreSQL. The unique
// index on (type, external_reference) is the idempotency guard; status
// transitions are enforced in the UPDATE's WHERE clause so a concurrent
// writer can never move a record out of a terminal state.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store backed by the given database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const recordColumns = `id, account_id, type, status, amount::text, external_reference,
	network, recipient, provider_ref, failure_reason, created_at, updated_at`

func (s *PostgresStore) Insert(ctx context.Context, rec *Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions
			(id, account_id, type, status, amount, external_reference,
			 network, recipient, provider_ref, failure_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		rec.ID, rec.AccountID, rec.Type, rec.Status, rec.Amount, rec.ExternalReference,
		rec.Network, rec.Recipient, rec.ProviderRef, rec.FailureReason,
		rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateReference
		}
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	return scanRecord(s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM transactions WHERE id = $1`, id))
}

func (s *PostgresStore) GetByReference(ctx context.Context, typ Type, ref string) (*Record, error) {
	return scanRecord(s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM transactions WHERE type = $1 AND external_reference = $2`,
		typ, ref))
}

func scanRecord(row *sql.Row) (*Record, error) {
	var rec Record
	err := row.Scan(&rec.ID, &rec.AccountID, &rec.Type, &rec.Status, &rec.Amount,
		&rec.ExternalReference, &rec.Network, &rec.Recipient, &rec.ProviderRef,
		&rec.FailureReason, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan transaction: %w", err)
	}
	return &rec, nil
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, status Status, providerRef, failureReason string) error {
	fromStates := make([]string, 0, 2)
	for from, tos := range validTransitions {
		for _, to := range tos {
			if to == status {
				fromStates = append(fromStates, string(from))
			}
		}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions
		SET status = $2,
		    provider_ref = CASE WHEN $3 = '' THEN provider_ref ELSE $3 END,
		    failure_reason = CASE WHEN $4 = '' THEN failure_reason ELSE $4 END,
		    updated_at = now()
		WHERE id = $1 AND status = ANY($5)`,
		id, status, providerRef, failureReason, pq.Array(fromStates))
	if err != nil {
		return fmt.Errorf("update transaction status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish a missing row from a blocked transition.
		if _, getErr := s.Get(ctx, id); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrInvalidTransition
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, q Query) ([]*Record, string, error) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if q.AccountID != "" {
		conds = append(conds, "account_id = "+arg(q.AccountID))
	}
	if q.Type != "" {
		conds = append(conds, "type = "+arg(string(q.Type)))
	}
	if q.Status != "" {
		conds = append(conds, "status = "+arg(string(q.Status)))
	}
	if !q.From.IsZero() {
		conds = append(conds, "created_at >= "+arg(q.From))
	}
	if !q.To.IsZero() {
		conds = append(conds, "created_at <= "+arg(q.To))
	}

	cur, err := pagination.Decode(q.Cursor)
	if err != nil {
		return nil, "", err
	}
	if cur != nil {
		conds = append(conds, fmt.Sprintf("(created_at, id) < (%s, %s)", arg(cur.CreatedAt), arg(cur.ID)))
	}

	query := `SELECT ` + recordColumns + ` FROM transactions`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT " + arg(q.Limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.AccountID, &rec.Type, &rec.Status, &rec.Amount,
			&rec.ExternalReference, &rec.Network, &rec.Recipient, &rec.ProviderRef,
			&rec.FailureReason, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, "", fmt.Errorf("scan transaction: %w", err)
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	page, next, _ := pagination.ComputePage(records, q.Limit, func(r *Record) (time.Time, string) {
		return r.CreatedAt, r.ID
	})
	return page, next, nil
}
