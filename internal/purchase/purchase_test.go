package purchase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/seyidev/vtucore/internal/alerts"
	"github.com/seyidev/vtucore/internal/fulfillment"
	"github.com/seyidev/vtucore/internal/ledger"
	"github.com/seyidev/vtucore/internal/txlog"
)

// fakeVendor scripts provider behavior for tests.
type fakeVendor struct {
	err   error
	ref   string
	calls atomic.Int64
}

func (v *fakeVendor) Vend(ctx context.Context, req *fulfillment.Request) (*fulfillment.Result, error) {
	v.calls.Add(1)
	if v.err != nil {
		return nil, v.err
	}
	ref := v.ref
	if ref == "" {
		ref = "prov_ok"
	}
	return &fulfillment.Result{ProviderRef: ref}, nil
}

func (v *fakeVendor) Name() string { return "faketel" }

type env struct {
	ledger  *ledger.Ledger
	log     *txlog.Log
	vendor  *fakeVendor
	service *Service
	account *ledger.Account
}

func newEnv(t *testing.T, balance string) *env {
	t.Helper()
	l := ledger.New(ledger.NewMemoryStore())
	log := txlog.New(txlog.NewMemoryStore())
	vendor := &fakeVendor{}
	svc := New(l, log, vendor, alerts.NopNotifier{}, nil, slog.Default())

	acct, err := l.CreateAccount(context.Background(), "ada@example.com")
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if balance != "" {
		if err := l.Credit(context.Background(), acct.ID, balance, "pay_seed"); err != nil {
			t.Fatalf("Credit: %v", err)
		}
	}
	return &env{ledger: l, log: log, vendor: vendor, service: svc, account: acct}
}

func (e *env) request(ref string) *Request {
	return &Request{
		AccountID:         e.account.ID,
		Network:           "mtn",
		Recipient:         "08031234567",
		Amount:            "500.00",
		ExternalReference: ref,
	}
}

func (e *env) balance(t *testing.T) (available, held string) {
	t.Helper()
	acct, err := e.ledger.GetAccount(context.Background(), e.account.ID)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	return acct.Available, acct.Held
}

func TestPurchaseSuccess(t *testing.T) {
	e := newEnv(t, "1000.00")
	e.vendor.ref = "prov_abc"

	rec, err := e.service.Purchase(context.Background(), e.request("ord_1"))
	if err != nil {
		t.Fatalf("Purchase: %v", err)
	}
	if rec.Status != txlog.StatusCompleted {
		t.Errorf("status = %s, want completed", rec.Status)
	}
	if rec.ProviderRef != "prov_abc" {
		t.Errorf("providerRef = %s", rec.ProviderRef)
	}

	avail, held := e.balance(t)
	if avail != "500.00" {
		t.Errorf("available = %s, want 500.00", avail)
	}
	if held != "0.00" {
		t.Errorf("held = %s, want 0.00", held)
	}

	// The audit record reflects the outcome.
	stored, err := e.log.Get(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("Get record: %v", err)
	}
	if stored.Status != txlog.StatusCompleted || stored.ProviderRef != "prov_abc" {
		t.Errorf("stored record: status=%s providerRef=%s", stored.Status, stored.ProviderRef)
	}
}

func TestPurchaseProviderFailureReleasesFunds(t *testing.T) {
	for name, vendErr := range map[string]error{
		"unavailable":  fulfillment.ErrUnavailable,
		"timeout":      fulfillment.ErrTimeout,
		"circuit_open": fulfillment.ErrCircuitOpen,
	} {
		t.Run(name, func(t *testing.T) {
			e := newEnv(t, "1000.00")
			e.vendor.err = vendErr

			rec, err := e.service.Purchase(context.Background(), e.request("ord_1"))
			if !errors.Is(err, vendErr) {
				t.Fatalf("got %v, want %v", err, vendErr)
			}
			if rec == nil || rec.Status != txlog.StatusFailed {
				t.Fatalf("record = %+v, want failed", rec)
			}

			avail, held := e.balance(t)
			if avail != "1000.00" || held != "0.00" {
				t.Errorf("funds not restored: avail=%s held=%s", avail, held)
			}
		})
	}
}

func TestPurchaseRejected(t *testing.T) {
	e := newEnv(t, "1000.00")
	e.vendor.err = fmt.Errorf("%w: recipient not on this network", fulfillment.ErrRejected)

	rec, err := e.service.Purchase(context.Background(), e.request("ord_1"))
	if !errors.Is(err, fulfillment.ErrRejected) {
		t.Fatalf("got %v, want ErrRejected", err)
	}
	if rec.Status != txlog.StatusFailed {
		t.Errorf("status = %s, want failed", rec.Status)
	}
	if rec.FailureReason == "" {
		t.Error("failure reason not recorded")
	}

	avail, _ := e.balance(t)
	if avail != "1000.00" {
		t.Errorf("available = %s, want 1000.00", avail)
	}
}

func TestPurchaseInsufficientFunds(t *testing.T) {
	e := newEnv(t, "100.00")

	_, err := e.service.Purchase(context.Background(), e.request("ord_1"))
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("got %v, want ErrInsufficientFunds", err)
	}
	if e.vendor.calls.Load() != 0 {
		t.Error("provider called despite insufficient funds")
	}

	// No order record for a purchase that never started.
	if _, err := e.log.Find(context.Background(), txlog.TypePurchase, "ord_1"); !errors.Is(err, txlog.ErrNotFound) {
		t.Errorf("unexpected record: %v", err)
	}
}

func TestPurchaseDuplicateReference(t *testing.T) {
	e := newEnv(t, "1000.00")
	ctx := context.Background()

	first, err := e.service.Purchase(ctx, e.request("ord_1"))
	if err != nil {
		t.Fatalf("first purchase: %v", err)
	}

	replay, err := e.service.Purchase(ctx, e.request("ord_1"))
	if !errors.Is(err, ErrDuplicateOrder) {
		t.Fatalf("got %v, want ErrDuplicateOrder", err)
	}
	if replay.ID != first.ID {
		t.Errorf("replay returned %s, want original %s", replay.ID, first.ID)
	}
	if e.vendor.calls.Load() != 1 {
		t.Errorf("provider called %d times, want 1", e.vendor.calls.Load())
	}

	avail, _ := e.balance(t)
	if avail != "500.00" {
		t.Errorf("replay charged again: available = %s", avail)
	}
}

func TestFailedReferenceStaysConsumed(t *testing.T) {
	e := newEnv(t, "1000.00")
	ctx := context.Background()
	e.vendor.err = fulfillment.ErrUnavailable

	if _, err := e.service.Purchase(ctx, e.request("ord_1")); !errors.Is(err, fulfillment.ErrUnavailable) {
		t.Fatalf("first purchase: %v", err)
	}

	// A retry must use a fresh reference; the failed one is spent.
	e.vendor.err = nil
	rec, err := e.service.Purchase(ctx, e.request("ord_1"))
	if !errors.Is(err, ErrDuplicateOrder) {
		t.Fatalf("got %v, want ErrDuplicateOrder", err)
	}
	if rec.Status != txlog.StatusFailed {
		t.Errorf("replay record status = %s, want failed", rec.Status)
	}

	if _, err := e.service.Purchase(ctx, e.request("ord_2")); err != nil {
		t.Fatalf("retry under new reference: %v", err)
	}
}

func TestConcurrentPurchasesSameReference(t *testing.T) {
	e := newEnv(t, "1000.00")
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.service.Purchase(ctx, e.request("ord_1"))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	// Losers fail as duplicates, or on funds when two reservations
	// overlapped before the duplicate was recorded.
	var ok int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrDuplicateOrder), errors.Is(err, ledger.ErrInsufficientFunds):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Errorf("completed purchases = %d, want 1", ok)
	}

	avail, held := e.balance(t)
	if avail != "500.00" || held != "0.00" {
		t.Errorf("final balance: avail=%s held=%s", avail, held)
	}
}

func TestConcurrentPurchasesNeverOverspend(t *testing.T) {
	e := newEnv(t, "1000.00")
	ctx := context.Background()

	// 10 distinct 300.00 orders against 1000.00: exactly 3 can complete.
	const workers = 10
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			req := e.request(fmt.Sprintf("ord_%d", n))
			req.Amount = "300.00"
			_, err := e.service.Purchase(ctx, req)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	var ok, insufficient int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ledger.ErrInsufficientFunds):
			insufficient++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 3 || insufficient != 7 {
		t.Errorf("ok=%d insufficient=%d, want 3/7", ok, insufficient)
	}

	avail, held := e.balance(t)
	if avail != "100.00" || held != "0.00" {
		t.Errorf("final balance: avail=%s held=%s", avail, held)
	}
}

func TestPurchaseValidation(t *testing.T) {
	e := newEnv(t, "1000.00")
	ctx := context.Background()

	cases := map[string]func(*Request){
		"missing account":   func(r *Request) { r.AccountID = "" },
		"missing reference": func(r *Request) { r.ExternalReference = "" },
		"bad network":       func(r *Request) { r.Network = "vodafone" },
		"bad recipient":     func(r *Request) { r.Recipient = "12345" },
		"zero amount":       func(r *Request) { r.Amount = "0.00" },
		"negative amount":   func(r *Request) { r.Amount = "-10.00" },
		"sub-kobo amount":   func(r *Request) { r.Amount = "499.999" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := e.request("ord_x")
			mutate(req)
			if _, err := e.service.Purchase(ctx, req); !errors.Is(err, ErrValidation) {
				t.Errorf("got %v, want ErrValidation", err)
			}
		})
	}
	if e.vendor.calls.Load() != 0 {
		t.Error("provider called for invalid request")
	}
}

func TestPurchaseNormalizesRecipient(t *testing.T) {
	e := newEnv(t, "1000.00")

	req := e.request("ord_1")
	req.Recipient = "+2348031234567"
	rec, err := e.service.Purchase(context.Background(), req)
	if err != nil {
		t.Fatalf("Purchase: %v", err)
	}
	if rec.Recipient != "08031234567" {
		t.Errorf("recipient = %s, want 08031234567", rec.Recipient)
	}
}

func TestReverse(t *testing.T) {
	e := newEnv(t, "1000.00")
	ctx := context.Background()

	rec, err := e.service.Purchase(ctx, e.request("ord_1"))
	if err != nil {
		t.Fatalf("Purchase: %v", err)
	}

	rev, err := e.service.Reverse(ctx, rec.ID, "provider confirmed but never delivered")
	if err != nil {
		t.Fatalf("Reverse: %v", err)
	}
	if rev.Type != txlog.TypeReversal || rev.Status != txlog.StatusCompleted {
		t.Errorf("reversal record: type=%s status=%s", rev.Type, rev.Status)
	}

	avail, _ := e.balance(t)
	if avail != "1000.00" {
		t.Errorf("available after reversal = %s, want 1000.00", avail)
	}

	original, _ := e.log.Get(ctx, rec.ID)
	if original.Status != txlog.StatusReversed {
		t.Errorf("original status = %s, want reversed", original.Status)
	}

	// Reversing twice must not pay twice.
	if _, err := e.service.Reverse(ctx, rec.ID, "again"); !errors.Is(err, ErrAlreadyReversed) {
		t.Fatalf("second reverse: got %v, want ErrAlreadyReversed", err)
	}
	avail, _ = e.balance(t)
	if avail != "1000.00" {
		t.Errorf("double reversal paid twice: available = %s", avail)
	}
}

// A crash between the reversal record insert and the refund credit
// leaves a pending reversal with no money behind it. A retried Reverse
// must pay the refund, not report it as already done.
func TestReverseResumesInterruptedRefund(t *testing.T) {
	e := newEnv(t, "1000.00")
	ctx := context.Background()

	rec, err := e.service.Purchase(ctx, e.request("ord_1"))
	if err != nil {
		t.Fatalf("Purchase: %v", err)
	}

	// Interrupted first attempt: reversal recorded, credit never paid.
	stuck, err := e.log.Append(ctx, &txlog.Record{
		AccountID:         rec.AccountID,
		Type:              txlog.TypeReversal,
		Amount:            rec.Amount,
		ExternalReference: rec.ID,
		FailureReason:     "never delivered",
	})
	if err != nil {
		t.Fatalf("seed pending reversal: %v", err)
	}

	rev, err := e.service.Reverse(ctx, rec.ID, "never delivered")
	if err != nil {
		t.Fatalf("retried Reverse: %v", err)
	}
	if rev.ID != stuck.ID {
		t.Errorf("retry record %s, want adopted %s", rev.ID, stuck.ID)
	}
	if rev.Status != txlog.StatusCompleted {
		t.Errorf("reversal status = %s, want completed", rev.Status)
	}

	avail, _ := e.balance(t)
	if avail != "1000.00" {
		t.Errorf("available after resumed reversal = %s, want 1000.00", avail)
	}
	original, _ := e.log.Get(ctx, rec.ID)
	if original.Status != txlog.StatusReversed {
		t.Errorf("original status = %s, want reversed", original.Status)
	}

	// A further retry is a plain double-reverse.
	if _, err := e.service.Reverse(ctx, rec.ID, "again"); !errors.Is(err, ErrAlreadyReversed) {
		t.Fatalf("third reverse: got %v, want ErrAlreadyReversed", err)
	}
	avail, _ = e.balance(t)
	if avail != "1000.00" {
		t.Errorf("resumed reversal paid twice: available = %s", avail)
	}
}

// The opposite crash window: the refund credit was paid but the audit
// trail never written. Retrying repairs the records without paying
// twice.
func TestReverseRepairsAuditWhenRefundPaid(t *testing.T) {
	e := newEnv(t, "1000.00")
	ctx := context.Background()

	rec, err := e.service.Purchase(ctx, e.request("ord_1"))
	if err != nil {
		t.Fatalf("Purchase: %v", err)
	}
	stuck, err := e.log.Append(ctx, &txlog.Record{
		AccountID:         rec.AccountID,
		Type:              txlog.TypeReversal,
		Amount:            rec.Amount,
		ExternalReference: rec.ID,
	})
	if err != nil {
		t.Fatalf("seed pending reversal: %v", err)
	}
	if err := e.ledger.Credit(ctx, rec.AccountID, rec.Amount, "rev_"+rec.ID); err != nil {
		t.Fatalf("seed refund credit: %v", err)
	}

	if _, err := e.service.Reverse(ctx, rec.ID, "retry"); !errors.Is(err, ErrAlreadyReversed) {
		t.Fatalf("retried Reverse: got %v, want ErrAlreadyReversed", err)
	}

	avail, _ := e.balance(t)
	if avail != "1000.00" {
		t.Errorf("repair paid twice: available = %s", avail)
	}
	reversal, _ := e.log.Get(ctx, stuck.ID)
	if reversal.Status != txlog.StatusCompleted {
		t.Errorf("reversal status = %s, want completed", reversal.Status)
	}
	original, _ := e.log.Get(ctx, rec.ID)
	if original.Status != txlog.StatusReversed {
		t.Errorf("original status = %s, want reversed", original.Status)
	}
}

func TestReverseFailedPurchase(t *testing.T) {
	e := newEnv(t, "1000.00")
	ctx := context.Background()
	e.vendor.err = fulfillment.ErrUnavailable

	rec, _ := e.service.Purchase(ctx, e.request("ord_1"))
	if _, err := e.service.Reverse(ctx, rec.ID, "refund"); !errors.Is(err, ErrNotReversible) {
		t.Fatalf("got %v, want ErrNotReversible", err)
	}
}
