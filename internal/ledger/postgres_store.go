package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore persists accounts in PostgreSQL. Balance mutations run in
// SERIALIZABLE transactions; non-negative balance invariants are enforced
// by CHECK constraints so an overdraft can never be written, regardless of
// what the application layer does.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store backed by the given database handle.
// Schema is managed by the migrations in migrations/.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateAccount(ctx context.Context, acct *Account) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, email, available, held, total_in, total_out, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		acct.ID, acct.Email, acct.Available, acct.Held, acct.TotalIn, acct.TotalOut,
		acct.CreatedAt, acct.UpdatedAt)
	if err != nil {
		return mapPQError(err)
	}
	return nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	return s.scanAccount(s.db.QueryRowContext(ctx, `
		SELECT id, email, available::text, held::text, total_in::text, total_out::text, created_at, updated_at
		FROM accounts WHERE id = $1`, id))
}

func (s *PostgresStore) GetAccountByEmail(ctx context.Context, email string) (*Account, error) {
	return s.scanAccount(s.db.QueryRowContext(ctx, `
		SELECT id, email, available::text, held::text, total_in::text, total_out::text, created_at, updated_at
		FROM accounts WHERE email = $1`, email))
}

func (s *PostgresStore) scanAccount(row *sql.Row) (*Account, error) {
	var acct Account
	err := row.Scan(&acct.ID, &acct.Email, &acct.Available, &acct.Held,
		&acct.TotalIn, &acct.TotalOut, &acct.CreatedAt, &acct.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan account: %w", err)
	}
	return &acct, nil
}

func (s *PostgresStore) Hold(ctx context.Context, accountID, amount, reference string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE accounts
			SET available = available - $2::numeric,
			    held = held + $2::numeric,
			    updated_at = now()
			WHERE id = $1`, accountID, amount)
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

func (s *PostgresStore) ConfirmHold(ctx context.Context, accountID, amount, reference string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE accounts
			SET held = held - $2::numeric,
			    total_out = total_out + $2::numeric,
			    updated_at = now()
			WHERE id = $1`, accountID, amount)
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

func (s *PostgresStore) ReleaseHold(ctx context.Context, accountID, amount, reference string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE accounts
			SET held = held - $2::numeric,
			    available = available + $2::numeric,
			    updated_at = now()
			WHERE id = $1`, accountID, amount)
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

func (s *PostgresStore) Credit(ctx context.Context, accountID, amount, reference string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		// Reference row first: the unique constraint is the idempotency
		// guard, so a duplicate aborts before touching the balance.
		_, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_credits (reference, account_id, amount, created_at)
			VALUES ($1, $2, $3, now())`, reference, accountID, amount)
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE accounts
			SET available = available + $2::numeric,
			    total_in = total_in + $2::numeric,
			    updated_at = now()
			WHERE id = $1`, accountID, amount)
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

func (s *PostgresStore) SumBalances(ctx context.Context) (string, string, error) {
	var available, held string
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(available), 0)::text, COALESCE(SUM(held), 0)::text
		FROM accounts`).Scan(&available, &held)
	if err != nil {
		return "", "", fmt.Errorf("sum balances: %w", err)
	}
	return available, held, nil
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return mapPQError(err)
	}
	if err := tx.Commit(); err != nil {
		return mapPQError(err)
	}
	return nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// mapPQError translates driver errors into ledger sentinel errors.
func mapPQError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001": // serialization_failure
			return ErrWriteConflict
		case "23514": // check_violation: non-negative balance constraint
			return ErrInsufficientFunds
		case "23505": // unique_violation
			if pqErr.Table == "ledger_credits" {
				return ErrDuplicateReference
			}
			return ErrDuplicateAccount
		}
	}
	return err
}
