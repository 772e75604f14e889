package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/seyidev/vtucore/internal/idgen"
	"github.com/seyidev/vtucore/internal/testutil"
)

func pgAccount(t *testing.T, store *PostgresStore) *Account {
	t.Helper()
	now := time.Now()
	acct := &Account{
		ID:        idgen.WithPrefix("acc_"),
		Email:     idgen.Hex(8) + "@example.com",
		Available: "0.00",
		Held:      "0.00",
		TotalIn:   "0.00",
		TotalOut:  "0.00",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.CreateAccount(context.Background(), acct); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	return acct
}

func TestPostgresReserveCommitRelease(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	l := New(store)
	ctx := context.Background()
	acct := pgAccount(t, store)

	if err := l.Credit(ctx, acct.ID, "1000.00", "pay_"+idgen.Hex(8)); err != nil {
		t.Fatalf("Credit: %v", err)
	}

	res, err := l.Reserve(ctx, acct.ID, "400.00", "ord_1")
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := l.Commit(ctx, res); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	res2, err := l.Reserve(ctx, acct.ID, "100.00", "ord_2")
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := l.Release(ctx, res2); err != nil {
		t.Fatalf("Release: %v", err)
	}

	got, err := l.GetAccount(ctx, acct.ID)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if got.Available != "600.00" {
		t.Errorf("available = %s, want 600.00", got.Available)
	}
	if got.Held != "0.00" {
		t.Errorf("held = %s, want 0.00", got.Held)
	}
	if got.TotalOut != "400.00" {
		t.Errorf("totalOut = %s, want 400.00", got.TotalOut)
	}
}

func TestPostgresOverdraftRejectedByConstraint(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	l := New(store)
	ctx := context.Background()
	acct := pgAccount(t, store)

	if err := l.Credit(ctx, acct.ID, "50.00", "pay_"+idgen.Hex(8)); err != nil {
		t.Fatalf("Credit: %v", err)
	}

	_, err := l.Reserve(ctx, acct.ID, "50.01", "ord_1")
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("got %v, want ErrInsufficientFunds", err)
	}

	got, _ := l.GetAccount(ctx, acct.ID)
	if got.Available != "50.00" || got.Held != "0.00" {
		t.Errorf("balance mutated by rejected reserve: avail=%s held=%s", got.Available, got.Held)
	}
}

func TestPostgresCreditDuplicateReference(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	l := New(store)
	ctx := context.Background()
	acct := pgAccount(t, store)

	ref := "pay_" + idgen.Hex(8)
	if err := l.Credit(ctx, acct.ID, "300.00", ref); err != nil {
		t.Fatalf("first credit: %v", err)
	}
	if err := l.Credit(ctx, acct.ID, "300.00", ref); !errors.Is(err, ErrDuplicateReference) {
		t.Fatalf("second credit: got %v, want ErrDuplicateReference", err)
	}

	got, _ := l.GetAccount(ctx, acct.ID)
	if got.Available != "300.00" {
		t.Errorf("available = %s, want 300.00", got.Available)
	}
}

func TestPostgresDuplicateEmail(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	acct := pgAccount(t, store)

	dup := *acct
	dup.ID = idgen.WithPrefix("acc_")
	if err := store.CreateAccount(context.Background(), &dup); !errors.Is(err, ErrDuplicateAccount) {
		t.Fatalf("got %v, want ErrDuplicateAccount", err)
	}
}
