// Package funding turns confirmed payment gateway events into wallet
// credits. The gateway delivers webhooks at-least-once, so every credit
// is keyed on the gateway's payment reference: the first delivery applies
// the money, every later delivery is acknowledged without effect.
package funding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/seyidev/vtucore/internal/alerts"
	"github.com/seyidev/vtucore/internal/ledger"
	"github.com/seyidev/vtucore/internal/metrics"
	"github.com/seyidev/vtucore/internal/money"
	"github.com/seyidev/vtucore/internal/realtime"
	"github.com/seyidev/vtucore/internal/traces"
	"github.com/seyidev/vtucore/internal/txlog"
)

var (
	ErrAlreadyProcessed = errors.New("payment reference already processed")
	ErrInvalidCredit    = errors.New("invalid credit request")
)

// Credit is one confirmed payment to apply.
type Credit struct {
	AccountRef string // account ID or the payer's email
	Amount     string
	Reference  string // gateway payment reference
}

// Service applies payment credits to the ledger.
type Service struct {
	ledger   *ledger.Ledger
	log      *txlog.Log
	notifier alerts.Notifier
	hub      *realtime.Hub
	logger   *slog.Logger
}

// New creates a funding service. hub may be nil.
func New(l *ledger.Ledger, log *txlog.Log, notifier alerts.Notifier, hub *realtime.Hub, logger *slog.Logger) *Service {
	return &Service{ledger: l, log: log, notifier: notifier, hub: hub, logger: logger}
}

// Apply credits an account for a confirmed payment. Replays of an
// already-applied reference return the original record with
// ErrAlreadyProcessed; callers should treat that as success. A replay
// whose earlier delivery recorded the payment but never landed the
// money finishes the credit instead of acknowledging it away.
func (s *Service) Apply(ctx context.Context, credit *Credit) (*txlog.Record, error) {
	if credit.Reference == "" || credit.AccountRef == "" {
		return nil, ErrInvalidCredit
	}
	if amt, ok := money.Parse(credit.Amount); !ok || amt.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidCredit)
	}

	ctx, span := traces.StartSpan(ctx, "funding.apply",
		traces.Reference(credit.Reference),
		traces.Amount(credit.Amount),
	)
	defer span.End()

	acct, err := s.ledger.Resolve(ctx, credit.AccountRef)
	if err != nil {
		return nil, err
	}

	// The pending record's unique reference serializes concurrent
	// deliveries, but only a completed record means the money landed. A
	// duplicate that finds anything other than completed is a redelivery
	// after an interrupted apply: adopt the record and push the credit
	// through again.
	rec, err := s.log.Append(ctx, &txlog.Record{
		AccountID:         acct.ID,
		Type:              txlog.TypeFunding,
		Amount:            credit.Amount,
		ExternalReference: credit.Reference,
	})
	if err != nil {
		if !errors.Is(err, txlog.ErrDuplicateReference) {
			return nil, fmt.Errorf("record credit: %w", err)
		}
		existing, findErr := s.log.Find(ctx, txlog.TypeFunding, credit.Reference)
		if findErr != nil {
			return nil, findErr
		}
		if existing.Status == txlog.StatusCompleted {
			metrics.FundingCreditsTotal.WithLabelValues("duplicate").Inc()
			return existing, ErrAlreadyProcessed
		}
		rec = existing
	}

	// The ledger credit is reference-idempotent, so re-applying on a
	// resumed delivery cannot double-pay. On failure the record stays
	// pending and the next gateway redelivery tries again.
	err = s.ledger.Credit(ctx, acct.ID, credit.Amount, credit.Reference)
	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrDuplicateReference):
		// Another delivery already landed the money; make sure the
		// record says so, then ack as a replay.
		if markErr := s.log.MarkCompleted(ctx, rec.ID, ""); markErr != nil && !errors.Is(markErr, txlog.ErrInvalidTransition) {
			metrics.AuditWriteFailuresTotal.Inc()
			s.logger.Error("credit audit write failed", "transactionId", rec.ID, "error", markErr)
		}
		rec.Status = txlog.StatusCompleted
		metrics.FundingCreditsTotal.WithLabelValues("duplicate").Inc()
		return rec, ErrAlreadyProcessed
	default:
		metrics.FundingCreditsTotal.WithLabelValues("error").Inc()
		s.notifier.Notify(ctx, "credit_failed", "ledger credit failed", map[string]any{
			"accountId": acct.ID, "reference": credit.Reference, "amount": credit.Amount,
		})
		return nil, fmt.Errorf("apply credit: %w", err)
	}

	if err := s.log.MarkCompleted(ctx, rec.ID, ""); err != nil {
		metrics.AuditWriteFailuresTotal.Inc()
		s.logger.Error("credit audit write failed", "transactionId", rec.ID, "error", err)
	}
	rec.Status = txlog.StatusCompleted

	metrics.FundingCreditsTotal.WithLabelValues("applied").Inc()
	if s.hub != nil {
		s.hub.Broadcast(realtime.EventFundingCredited, map[string]any{
			"accountId": acct.ID,
			"amount":    credit.Amount,
			"reference": credit.Reference,
		})
	}
	s.logger.Info("funding credit applied",
		"accountId", acct.ID, "amount", credit.Amount, "reference", credit.Reference)
	return rec, nil
}
