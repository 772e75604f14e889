package funding

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/seyidev/vtucore/internal/alerts"
	"github.com/seyidev/vtucore/internal/ledger"
	"github.com/seyidev/vtucore/internal/txlog"
)

func newService(t *testing.T) (*Service, *ledger.Ledger, *ledger.Account) {
	t.Helper()
	l := ledger.New(ledger.NewMemoryStore())
	svc := New(l, txlog.New(txlog.NewMemoryStore()), alerts.NopNotifier{}, nil, slog.Default())
	acct, err := l.CreateAccount(context.Background(), "ada@example.com")
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	return svc, l, acct
}

func TestApplyCredit(t *testing.T) {
	svc, l, acct := newService(t)
	ctx := context.Background()

	rec, err := svc.Apply(ctx, &Credit{
		AccountRef: acct.ID,
		Amount:     "2500.00",
		Reference:  "pay_abc",
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if rec.Type != txlog.TypeFunding || rec.Status != txlog.StatusCompleted {
		t.Errorf("record: type=%s status=%s", rec.Type, rec.Status)
	}

	got, _ := l.GetAccount(ctx, acct.ID)
	if got.Available != "2500.00" {
		t.Errorf("available = %s, want 2500.00", got.Available)
	}
}

func TestApplyCreditByEmail(t *testing.T) {
	svc, l, acct := newService(t)
	ctx := context.Background()

	if _, err := svc.Apply(ctx, &Credit{
		AccountRef: "Ada@Example.com",
		Amount:     "100.00",
		Reference:  "pay_1",
	}); err != nil {
		t.Fatalf("Apply by email: %v", err)
	}

	got, _ := l.GetAccount(ctx, acct.ID)
	if got.Available != "100.00" {
		t.Errorf("available = %s, want 100.00", got.Available)
	}
}

func TestApplyDuplicateReference(t *testing.T) {
	svc, l, acct := newService(t)
	ctx := context.Background()

	first, err := svc.Apply(ctx, &Credit{AccountRef: acct.ID, Amount: "500.00", Reference: "pay_dup"})
	if err != nil {
		t.Fatalf("first Apply: %v", err)
	}

	replay, err := svc.Apply(ctx, &Credit{AccountRef: acct.ID, Amount: "500.00", Reference: "pay_dup"})
	if !errors.Is(err, ErrAlreadyProcessed) {
		t.Fatalf("got %v, want ErrAlreadyProcessed", err)
	}
	if replay.ID != first.ID {
		t.Errorf("replay returned %s, want original %s", replay.ID, first.ID)
	}

	got, _ := l.GetAccount(ctx, acct.ID)
	if got.Available != "500.00" {
		t.Errorf("duplicate applied twice: available = %s", got.Available)
	}
}

func TestApplyConcurrentDeliveries(t *testing.T) {
	svc, l, acct := newService(t)
	ctx := context.Background()

	const deliveries = 8
	var wg sync.WaitGroup
	errs := make(chan error, deliveries)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Apply(ctx, &Credit{AccountRef: acct.ID, Amount: "750.00", Reference: "pay_race"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var applied int
	for err := range errs {
		if err == nil {
			applied++
		} else if !errors.Is(err, ErrAlreadyProcessed) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if applied != 1 {
		t.Errorf("credits applied = %d, want 1", applied)
	}

	got, _ := l.GetAccount(ctx, acct.ID)
	if got.Available != "750.00" {
		t.Errorf("available = %s, want 750.00", got.Available)
	}
}

// A crash between the record insert and the ledger credit leaves a
// pending funding record with no money behind it. The gateway's next
// redelivery must finish the credit rather than ack it as a replay.
func TestApplyResumesInterruptedCredit(t *testing.T) {
	l := ledger.New(ledger.NewMemoryStore())
	log := txlog.New(txlog.NewMemoryStore())
	svc := New(l, log, alerts.NopNotifier{}, nil, slog.Default())
	ctx := context.Background()
	acct, err := l.CreateAccount(ctx, "ada@example.com")
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	stuck, err := log.Append(ctx, &txlog.Record{
		AccountID:         acct.ID,
		Type:              txlog.TypeFunding,
		Amount:            "750.00",
		ExternalReference: "pay_crash",
	})
	if err != nil {
		t.Fatalf("seed pending record: %v", err)
	}

	rec, err := svc.Apply(ctx, &Credit{AccountRef: acct.ID, Amount: "750.00", Reference: "pay_crash"})
	if err != nil {
		t.Fatalf("redelivery Apply: %v", err)
	}
	if rec.ID != stuck.ID {
		t.Errorf("redelivery record %s, want adopted %s", rec.ID, stuck.ID)
	}
	if rec.Status != txlog.StatusCompleted {
		t.Errorf("record status = %s, want completed", rec.Status)
	}

	got, _ := l.GetAccount(ctx, acct.ID)
	if got.Available != "750.00" {
		t.Errorf("available = %s, want 750.00", got.Available)
	}

	// From here on it is a plain replay.
	if _, err := svc.Apply(ctx, &Credit{AccountRef: acct.ID, Amount: "750.00", Reference: "pay_crash"}); !errors.Is(err, ErrAlreadyProcessed) {
		t.Fatalf("third delivery: got %v, want ErrAlreadyProcessed", err)
	}
	got, _ = l.GetAccount(ctx, acct.ID)
	if got.Available != "750.00" {
		t.Errorf("replay mutated balance: available = %s", got.Available)
	}
}

// Crash window on the other side: the money landed but the record was
// never marked completed. Redelivery must repair the record without
// crediting twice.
func TestApplyRepairsRecordWhenMoneyLanded(t *testing.T) {
	l := ledger.New(ledger.NewMemoryStore())
	log := txlog.New(txlog.NewMemoryStore())
	svc := New(l, log, alerts.NopNotifier{}, nil, slog.Default())
	ctx := context.Background()
	acct, err := l.CreateAccount(ctx, "ada@example.com")
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	stuck, err := log.Append(ctx, &txlog.Record{
		AccountID:         acct.ID,
		Type:              txlog.TypeFunding,
		Amount:            "300.00",
		ExternalReference: "pay_half",
	})
	if err != nil {
		t.Fatalf("seed pending record: %v", err)
	}
	if err := l.Credit(ctx, acct.ID, "300.00", "pay_half"); err != nil {
		t.Fatalf("seed credit: %v", err)
	}

	rec, err := svc.Apply(ctx, &Credit{AccountRef: acct.ID, Amount: "300.00", Reference: "pay_half"})
	if !errors.Is(err, ErrAlreadyProcessed) {
		t.Fatalf("redelivery: got %v, want ErrAlreadyProcessed", err)
	}
	if rec.Status != txlog.StatusCompleted {
		t.Errorf("record status = %s, want completed", rec.Status)
	}
	stored, err := log.Get(ctx, stuck.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Status != txlog.StatusCompleted {
		t.Errorf("stored status = %s, want completed", stored.Status)
	}

	got, _ := l.GetAccount(ctx, acct.ID)
	if got.Available != "300.00" {
		t.Errorf("available = %s, want 300.00", got.Available)
	}
}

func TestApplyUnknownAccount(t *testing.T) {
	svc, _, _ := newService(t)
	_, err := svc.Apply(context.Background(), &Credit{
		AccountRef: "nobody@example.com",
		Amount:     "100.00",
		Reference:  "pay_1",
	})
	if !errors.Is(err, ledger.ErrAccountNotFound) {
		t.Fatalf("got %v, want ErrAccountNotFound", err)
	}
}

func TestApplyInvalidCredit(t *testing.T) {
	svc, _, acct := newService(t)
	ctx := context.Background()

	cases := []*Credit{
		{AccountRef: acct.ID, Amount: "100.00", Reference: ""},
		{AccountRef: "", Amount: "100.00", Reference: "pay_1"},
		{AccountRef: acct.ID, Amount: "0.00", Reference: "pay_1"},
		{AccountRef: acct.ID, Amount: "-5.00", Reference: "pay_1"},
		{AccountRef: acct.ID, Amount: "abc", Reference: "pay_1"},
	}
	for _, credit := range cases {
		if _, err := svc.Apply(ctx, credit); !errors.Is(err, ErrInvalidCredit) {
			t.Errorf("Apply(%+v): got %v, want ErrInvalidCredit", credit, err)
		}
	}
}
