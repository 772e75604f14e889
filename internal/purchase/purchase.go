// Package purchase orchestrates airtime and data top-ups. A purchase is
// a funds reservation wrapped around one external provider call:
//
//	reserve funds -> record pending -> call provider
//	  provider ok     -> commit reservation, record completed
//	  provider failed -> release reservation, record failed
//
// Funds are never committed before the provider answers, and never stay
// held after it fails. A provider timeout counts as failure: the
// reservation is released and the order must be retried under a new
// reference, so the user is never charged for an unconfirmed delivery.
package purchase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/seyidev/vtucore/internal/alerts"
	"github.com/seyidev/vtucore/internal/fulfillment"
	"github.com/seyidev/vtucore/internal/ledger"
	"github.com/seyidev/vtucore/internal/metrics"
	"github.com/seyidev/vtucore/internal/realtime"
	"github.com/seyidev/vtucore/internal/traces"
	"github.com/seyidev/vtucore/internal/txlog"
	"github.com/seyidev/vtucore/internal/validation"
)

var (
	ErrDuplicateOrder = errors.New("order reference already used")
	ErrValidation     = errors.New("invalid purchase request")
)

// Request describes one top-up order. ExternalReference is the client's
// idempotency key: each attempt, including a retry after failure, must
// carry a fresh reference.
type Request struct {
	AccountID         string `json:"accountId"`
	Network           string `json:"network"`
	Recipient         string `json:"recipient"`
	Amount            string `json:"amount"`
	Product           string `json:"product,omitempty"`
	ExternalReference string `json:"externalReference"`
}

// Service coordinates the ledger, the transaction log and the provider.
type Service struct {
	ledger   *ledger.Ledger
	log      *txlog.Log
	vendor   fulfillment.Vendor
	notifier alerts.Notifier
	hub      *realtime.Hub
	logger   *slog.Logger
}

// New creates a purchase service. hub may be nil when the feed is
// disabled.
func New(l *ledger.Ledger, log *txlog.Log, vendor fulfillment.Vendor, notifier alerts.Notifier, hub *realtime.Hub, logger *slog.Logger) *Service {
	return &Service{
		ledger:   l,
		log:      log,
		vendor:   vendor,
		notifier: notifier,
		hub:      hub,
		logger:   logger,
	}
}

// Purchase runs one order end to end and returns its transaction record.
// On provider failure the returned record is failed and err carries the
// fulfillment error class. A reused reference returns the original record
// with ErrDuplicateOrder regardless of how that order ended.
func (s *Service) Purchase(ctx context.Context, req *Request) (*txlog.Record, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}
	req.Recipient = validation.NormalizeMSISDN(req.Recipient)

	ctx, span := traces.StartSpan(ctx, "purchase.execute",
		traces.AccountID(req.AccountID),
		traces.Network(req.Network),
		traces.Amount(req.Amount),
		traces.Reference(req.ExternalReference),
	)
	defer span.End()

	// Replay check before touching the balance.
	if existing, err := s.log.Find(ctx, txlog.TypePurchase, req.ExternalReference); err == nil {
		return existing, ErrDuplicateOrder
	} else if !errors.Is(err, txlog.ErrNotFound) {
		return nil, fmt.Errorf("lookup order reference: %w", err)
	}

	res, err := s.ledger.Reserve(ctx, req.AccountID, req.Amount, req.ExternalReference)
	if err != nil {
		return nil, err
	}

	rec, err := s.log.Append(ctx, &txlog.Record{
		AccountID:         req.AccountID,
		Type:              txlog.TypePurchase,
		Amount:            req.Amount,
		ExternalReference: req.ExternalReference,
		Network:           req.Network,
		Recipient:         req.Recipient,
	})
	if err != nil {
		// A concurrent request with the same reference won the insert.
		s.mustRelease(ctx, res)
		if errors.Is(err, txlog.ErrDuplicateReference) {
			if existing, findErr := s.log.Find(ctx, txlog.TypePurchase, req.ExternalReference); findErr == nil {
				return existing, ErrDuplicateOrder
			}
			return nil, ErrDuplicateOrder
		}
		return nil, fmt.Errorf("record order: %w", err)
	}

	result, vendErr := s.vendor.Vend(ctx, &fulfillment.Request{
		Network:   req.Network,
		Recipient: req.Recipient,
		Amount:    req.Amount,
		Product:   req.Product,
		Reference: rec.ID,
	})
	if vendErr != nil {
		return s.fail(ctx, rec, res, vendErr)
	}
	return s.complete(ctx, rec, res, result)
}

func (s *Service) complete(ctx context.Context, rec *txlog.Record, res *ledger.Reservation, result *fulfillment.Result) (*txlog.Record, error) {
	if err := s.ledger.Commit(ctx, res); err != nil {
		// Commit only fails if the hold itself is gone. Funds state is
		// unknown, so record the order failed and page an operator.
		s.logger.Error("commit after successful vend failed",
			"orderId", rec.ID, "accountId", rec.AccountID, "error", err)
		s.notifier.Notify(ctx, "commit_failed", "reservation commit failed after delivery", map[string]any{
			"orderId":   rec.ID,
			"accountId": rec.AccountID,
			"amount":    rec.Amount,
		})
		s.auditStatus(ctx, rec, txlog.StatusFailed, "", "internal: commit failed after delivery")
		metrics.PurchasesTotal.WithLabelValues("error").Inc()
		return rec, fmt.Errorf("finalize purchase: %w", err)
	}

	s.auditStatus(ctx, rec, txlog.StatusCompleted, result.ProviderRef, "")
	rec.Status = txlog.StatusCompleted
	rec.ProviderRef = result.ProviderRef
	metrics.PurchasesTotal.WithLabelValues("completed").Inc()
	s.broadcast(realtime.EventPurchaseCompleted, rec)
	s.logger.Info("purchase completed",
		"orderId", rec.ID, "accountId", rec.AccountID,
		"network", rec.Network, "amount", rec.Amount, "providerRef", result.ProviderRef)
	return rec, nil
}

func (s *Service) fail(ctx context.Context, rec *txlog.Record, res *ledger.Reservation, vendErr error) (*txlog.Record, error) {
	s.mustRelease(ctx, res)
	s.auditStatus(ctx, rec, txlog.StatusFailed, "", vendErr.Error())
	rec.Status = txlog.StatusFailed
	rec.FailureReason = vendErr.Error()

	switch {
	case errors.Is(vendErr, fulfillment.ErrTimeout):
		metrics.PurchasesTotal.WithLabelValues("timeout").Inc()
		s.notifier.Notify(ctx, "fulfillment_timeout", "provider did not answer in time", map[string]any{
			"orderId": rec.ID, "provider": s.vendor.Name(),
		})
	case errors.Is(vendErr, fulfillment.ErrUnavailable), errors.Is(vendErr, fulfillment.ErrCircuitOpen):
		metrics.PurchasesTotal.WithLabelValues("provider_error").Inc()
		s.notifier.Notify(ctx, "fulfillment_unavailable", "provider unavailable", map[string]any{
			"orderId": rec.ID, "provider": s.vendor.Name(),
		})
	default:
		metrics.PurchasesTotal.WithLabelValues("rejected").Inc()
	}

	s.broadcast(realtime.EventPurchaseFailed, rec)
	s.logger.Warn("purchase failed",
		"orderId", rec.ID, "accountId", rec.AccountID, "error", vendErr)
	return rec, vendErr
}

// mustRelease returns reserved funds to the account. A release failure
// leaves money stuck in the held bucket, which reconciliation surfaces,
// so it is logged and alerted but not propagated.
func (s *Service) mustRelease(ctx context.Context, res *ledger.Reservation) {
	if err := s.ledger.Release(ctx, res); err != nil {
		s.logger.Error("reservation release failed",
			"accountId", res.AccountID, "amount", res.Amount, "reference", res.Reference, "error", err)
		s.notifier.Notify(ctx, "release_failed", "reservation release failed", map[string]any{
			"accountId": res.AccountID, "amount": res.Amount, "reference": res.Reference,
		})
	}
}

// auditStatus writes the order outcome to the transaction log. The
// balance mutation already committed, so a write failure here must not
// fail the purchase; it is logged, counted and alerted instead.
func (s *Service) auditStatus(ctx context.Context, rec *txlog.Record, status txlog.Status, providerRef, reason string) {
	var err error
	switch status {
	case txlog.StatusCompleted:
		err = s.log.MarkCompleted(ctx, rec.ID, providerRef)
	case txlog.StatusFailed:
		err = s.log.MarkFailed(ctx, rec.ID, reason)
	}
	if err != nil {
		metrics.AuditWriteFailuresTotal.Inc()
		s.logger.Error("transaction audit write failed",
			"orderId", rec.ID, "status", status, "error", err)
		s.notifier.Notify(ctx, "audit_write_failed", "transaction record update failed", map[string]any{
			"orderId": rec.ID, "status": string(status),
		})
	}
}

func (s *Service) broadcast(eventType realtime.EventType, rec *txlog.Record) {
	if s.hub == nil {
		return
	}
	s.hub.Broadcast(eventType, map[string]any{
		"orderId":   rec.ID,
		"accountId": rec.AccountID,
		"network":   rec.Network,
		"amount":    rec.Amount,
		"status":    string(rec.Status),
	})
}

func (s *Service) validate(req *Request) error {
	errs := validation.Validate(
		validation.Required("accountId", req.AccountID),
		validation.Required("externalReference", req.ExternalReference),
		validation.ValidNetwork("network", req.Network),
		validation.ValidPhone("recipient", req.Recipient),
		validation.PositiveAmount("amount", req.Amount),
		validation.MaxLength("externalReference", req.ExternalReference, 128),
	)
	if errs != nil {
		return fmt.Errorf("%w: %s", ErrValidation, errs.Error())
	}
	return nil
}
