// Package ledger tracks user wallet balances on the platform.
//
// Flow:
//  1. Payment gateway confirms a card payment → balance credited
//  2. User buys airtime/data → funds reserved, provider called
//  3. Provider succeeds → reservation committed (spend finalized)
//  4. Provider fails → reservation released (funds restored)
//
// All mutation goes through atomic per-account store operations. There is
// no read-check-then-write anywhere: overdraft protection and credit
// idempotency are enforced inside the store, so concurrent purchases and
// funding webhooks against the same account serialize correctly.
package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/seyidev/vtucore/internal/idgen"
	"github.com/seyidev/vtucore/internal/metrics"
	"github.com/seyidev/vtucore/internal/money"
	"github.com/seyidev/vtucore/internal/retry"
)

var (
	ErrAccountNotFound    = errors.New("account not found")
	ErrDuplicateAccount   = errors.New("account already exists")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrDuplicateReference = errors.New("credit reference already applied")
	ErrWriteConflict      = errors.New("concurrent ledger update detected")
)

// Account represents a user wallet.
type Account struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Available string    `json:"available"` // Can be spent
	Held      string    `json:"held"`      // Reserved for in-flight purchases
	TotalIn   string    `json:"totalIn"`   // Lifetime credits
	TotalOut  string    `json:"totalOut"`  // Lifetime committed spends
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Reservation is a provisional, reversible debit held during an external
// call. It must be resolved with exactly one of Commit or Release.
type Reservation struct {
	AccountID string    `json:"accountId"`
	Amount    string    `json:"amount"`
	Reference string    `json:"reference"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists accounts and balance movements. Implementations must make
// each method atomic with respect to concurrent calls on the same account.
type Store interface {
	CreateAccount(ctx context.Context, acct *Account) error
	GetAccount(ctx context.Context, id string) (*Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*Account, error)
	Hold(ctx context.Context, accountID, amount, reference string) error
	ConfirmHold(ctx context.Context, accountID, amount, reference string) error
	ReleaseHold(ctx context.Context, accountID, amount, reference string) error
	Credit(ctx context.Context, accountID, amount, reference string) error
	SumBalances(ctx context.Context) (available, held string, err error)
}

// conflict retry bounds for serialization failures
const (
	conflictAttempts  = 3
	conflictBaseDelay = 25 * time.Millisecond
)

// Ledger manages wallet balances.
type Ledger struct {
	store Store
}

// New creates a new ledger.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// CreateAccount registers a new zero-balance wallet for an email address.
func (l *Ledger) CreateAccount(ctx context.Context, email string) (*Account, error) {
	now := time.Now()
	acct := &Account{
		ID:        idgen.WithPrefix("acc_"),
		Email:     strings.ToLower(strings.TrimSpace(email)),
		Available: "0.00",
		Held:      "0.00",
		TotalIn:   "0.00",
		TotalOut:  "0.00",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := l.store.CreateAccount(ctx, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

// GetAccount returns a wallet by ID.
func (l *Ledger) GetAccount(ctx context.Context, id string) (*Account, error) {
	return l.store.GetAccount(ctx, id)
}

// Resolve finds an account by ID or email. Used by the funding intake,
// where payment gateways identify the payer by email.
func (l *Ledger) Resolve(ctx context.Context, ref string) (*Account, error) {
	ref = strings.TrimSpace(ref)
	if strings.Contains(ref, "@") {
		return l.store.GetAccountByEmail(ctx, strings.ToLower(ref))
	}
	return l.store.GetAccount(ctx, ref)
}

// Reserve atomically checks available >= amount and moves the amount into
// the held bucket. Returns a token that must be resolved with Commit or
// Release. Fails with ErrInsufficientFunds without any mutation if the
// balance cannot cover the amount.
func (l *Ledger) Reserve(ctx context.Context, accountID, amount, reference string) (*Reservation, error) {
	amt, ok := money.Parse(amount)
	if !ok || amt.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	err := l.withConflictRetry(ctx, func() error {
		return l.store.Hold(ctx, accountID, amount, reference)
	})
	if err != nil {
		return nil, err
	}

	return &Reservation{
		AccountID: accountID,
		Amount:    amount,
		Reference: reference,
		CreatedAt: time.Now(),
	}, nil
}

// Commit finalizes a reservation: the held amount becomes a completed
// spend. The balance was already decremented by Reserve.
func (l *Ledger) Commit(ctx context.Context, res *Reservation) error {
	return l.withConflictRetry(ctx, func() error {
		return l.store.ConfirmHold(ctx, res.AccountID, res.Amount, res.Reference)
	})
}

// Release reverses a reservation, restoring the held amount to available.
// Used when the fulfillment provider fails or times out.
func (l *Ledger) Release(ctx context.Context, res *Reservation) error {
	return l.withConflictRetry(ctx, func() error {
		return l.store.ReleaseHold(ctx, res.AccountID, res.Amount, res.Reference)
	})
}

// Credit atomically increments an account's available balance. Safe to
// call multiple times with the same reference: only the first succeeds,
// later calls fail with ErrDuplicateReference and mutate nothing.
func (l *Ledger) Credit(ctx context.Context, accountID, amount, reference string) error {
	amt, ok := money.Parse(amount)
	if !ok || amt.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if reference == "" {
		return ErrInvalidAmount
	}

	return l.withConflictRetry(ctx, func() error {
		return l.store.Credit(ctx, accountID, amount, reference)
	})
}

// CanSpend checks if an account has sufficient available balance.
func (l *Ledger) CanSpend(ctx context.Context, accountID, amount string) (bool, error) {
	amt, ok := money.Parse(amount)
	if !ok {
		return false, ErrInvalidAmount
	}

	acct, err := l.store.GetAccount(ctx, accountID)
	if err != nil {
		return false, err
	}

	avail, _ := money.Parse(acct.Available)
	return avail.Cmp(amt) >= 0, nil
}

// SumBalances returns platform-wide balance totals for reconciliation.
func (l *Ledger) SumBalances(ctx context.Context) (available, held string, err error) {
	return l.store.SumBalances(ctx)
}

// withConflictRetry retries fn on ErrWriteConflict with bounded backoff.
// All other errors are permanent.
func (l *Ledger) withConflictRetry(ctx context.Context, fn func() error) error {
	return retry.Do(ctx, conflictAttempts, conflictBaseDelay, func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrWriteConflict) {
			metrics.LedgerWriteConflictsTotal.Inc()
			return err
		}
		return retry.Permanent(err)
	})
}
