// Package reconciliation cross-checks the balance ledger against the
// transaction log. The two are written separately, so a crash between a
// balance mutation and its audit record leaves them disagreeing; this job
// finds that drift before a customer does.
package reconciliation

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"github.com/seyidev/vtucore/internal/alerts"
	"github.com/seyidev/vtucore/internal/ledger"
	"github.com/seyidev/vtucore/internal/money"
	"github.com/seyidev/vtucore/internal/txlog"
)

// Report is the outcome of one reconciliation pass.
type Report struct {
	RanAt             time.Time `json:"ranAt"`
	ExpectedAvailable string    `json:"expectedAvailable"`
	ActualAvailable   string    `json:"actualAvailable"`
	ExpectedHeld      string    `json:"expectedHeld"`
	ActualHeld        string    `json:"actualHeld"`
	Consistent        bool      `json:"consistent"`
	RecordsScanned    int       `json:"recordsScanned"`
}

// Service recomputes platform balances from the transaction log.
type Service struct {
	ledger   *ledger.Ledger
	log      *txlog.Log
	notifier alerts.Notifier
	logger   *slog.Logger
}

// New creates a reconciliation service.
func New(l *ledger.Ledger, log *txlog.Log, notifier alerts.Notifier, logger *slog.Logger) *Service {
	return &Service{ledger: l, log: log, notifier: notifier, logger: logger}
}

// Run performs one pass: derive what the platform totals should be from
// completed transactions, compare with the stored buckets, and alert on
// any mismatch.
func (s *Service) Run(ctx context.Context) (*Report, error) {
	expectedAvailable := big.NewInt(0)
	expectedHeld := big.NewInt(0)
	scanned := 0

	err := s.scan(ctx, func(rec *txlog.Record) {
		scanned++
		amt, ok := money.Parse(rec.Amount)
		if !ok {
			return
		}
		switch rec.Type {
		case txlog.TypeFunding:
			if rec.Status == txlog.StatusCompleted {
				expectedAvailable.Add(expectedAvailable, amt)
			}
		case txlog.TypePurchase:
			switch rec.Status {
			case txlog.StatusCompleted, txlog.StatusReversed:
				expectedAvailable.Sub(expectedAvailable, amt)
			case txlog.StatusPending:
				// Order still in flight: its funds sit in held.
				expectedAvailable.Sub(expectedAvailable, amt)
				expectedHeld.Add(expectedHeld, amt)
			}
		case txlog.TypeReversal:
			if rec.Status == txlog.StatusCompleted {
				expectedAvailable.Add(expectedAvailable, amt)
			}
		}
	})
	if err != nil {
		return nil, err
	}

	actualAvailable, actualHeld, err := s.ledger.SumBalances(ctx)
	if err != nil {
		return nil, err
	}

	report := &Report{
		RanAt:             time.Now().UTC(),
		ExpectedAvailable: money.Format(expectedAvailable),
		ActualAvailable:   actualAvailable,
		ExpectedHeld:      money.Format(expectedHeld),
		ActualHeld:        actualHeld,
		RecordsScanned:    scanned,
	}
	report.Consistent = equalAmount(report.ExpectedAvailable, actualAvailable) &&
		equalAmount(report.ExpectedHeld, actualHeld)

	if report.Consistent {
		s.logger.Info("reconciliation clean",
			"available", actualAvailable, "held", actualHeld, "records", scanned)
	} else {
		s.logger.Error("reconciliation drift detected",
			"expectedAvailable", report.ExpectedAvailable, "actualAvailable", actualAvailable,
			"expectedHeld", report.ExpectedHeld, "actualHeld", actualHeld)
		s.notifier.Notify(ctx, "reconciliation_drift", "ledger and transaction log disagree", map[string]any{
			"expectedAvailable": report.ExpectedAvailable,
			"actualAvailable":   actualAvailable,
			"expectedHeld":      report.ExpectedHeld,
			"actualHeld":        actualHeld,
		})
	}
	return report, nil
}

// equalAmount compares two decimal strings numerically.
func equalAmount(a, b string) bool {
	x, okA := money.Parse(a)
	y, okB := money.Parse(b)
	return okA && okB && x.Cmp(y) == 0
}

// scan pages through the whole transaction log.
func (s *Service) scan(ctx context.Context, fn func(*txlog.Record)) error {
	cursor := ""
	for {
		records, next, err := s.log.List(ctx, txlog.Query{Limit: 200, Cursor: cursor})
		if err != nil {
			return err
		}
		for _, rec := range records {
			fn(rec)
		}
		if next == "" {
			return nil
		}
		cursor = next
	}
}

// Start runs reconciliation on a fixed interval until ctx is cancelled.
func (s *Service) Start(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.Run(ctx); err != nil {
					s.logger.Error("reconciliation run failed", "error", err)
				}
			}
		}
	}()
}
