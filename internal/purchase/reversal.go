package purchase

import (
	"context"
	"errors"
	"fmt"

	"github.com/seyidev/vtucore/internal/ledger"
	"github.com/seyidev/vtucore/internal/realtime"
	"github.com/seyidev/vtucore/internal/txlog"
)

var (
	ErrNotReversible   = errors.New("only completed purchases can be reversed")
	ErrAlreadyReversed = errors.New("purchase already reversed")
)

// Reverse refunds a completed purchase after the fact, for orders the
// provider confirmed but never delivered. The refund is a ledger credit
// keyed on the original order ID, so reversing twice cannot double-pay.
func (s *Service) Reverse(ctx context.Context, orderID, reason string) (*txlog.Record, error) {
	original, err := s.log.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if original.Type != txlog.TypePurchase {
		return nil, ErrNotReversible
	}
	switch original.Status {
	case txlog.StatusCompleted:
	case txlog.StatusReversed:
		return nil, ErrAlreadyReversed
	default:
		return nil, ErrNotReversible
	}

	// Reversal record first: its unique reference serializes two
	// operators reversing the same order. Only a completed record means
	// the refund was paid; a duplicate that finds anything else is a
	// retry after an interrupted refund and finishes it.
	rec, err := s.log.Append(ctx, &txlog.Record{
		AccountID:         original.AccountID,
		Type:              txlog.TypeReversal,
		Amount:            original.Amount,
		ExternalReference: original.ID,
		Network:           original.Network,
		Recipient:         original.Recipient,
		FailureReason:     reason,
	})
	if err != nil {
		if !errors.Is(err, txlog.ErrDuplicateReference) {
			return nil, fmt.Errorf("record reversal: %w", err)
		}
		existing, findErr := s.log.Find(ctx, txlog.TypeReversal, original.ID)
		if findErr != nil {
			return nil, findErr
		}
		if existing.Status == txlog.StatusCompleted {
			return nil, ErrAlreadyReversed
		}
		rec = existing
	}

	// Reference-idempotent credit: re-applying on a resumed reversal
	// cannot double-pay. On failure the record stays pending and a
	// later Reverse retries.
	err = s.ledger.Credit(ctx, original.AccountID, original.Amount, "rev_"+original.ID)
	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrDuplicateReference):
		// The refund was paid by an earlier attempt; finish the audit
		// trail it never got to write.
		s.auditStatus(ctx, rec, txlog.StatusCompleted, "", "")
		if markErr := s.log.MarkReversed(ctx, original.ID); markErr != nil && !errors.Is(markErr, txlog.ErrInvalidTransition) {
			s.logger.Error("mark original reversed failed", "orderId", original.ID, "error", markErr)
		}
		return nil, ErrAlreadyReversed
	default:
		return nil, fmt.Errorf("refund credit: %w", err)
	}

	s.auditStatus(ctx, rec, txlog.StatusCompleted, "", "")
	rec.Status = txlog.StatusCompleted
	if err := s.log.MarkReversed(ctx, original.ID); err != nil {
		s.logger.Error("mark original reversed failed", "orderId", original.ID, "error", err)
	}

	s.broadcast(realtime.EventReversal, rec)
	s.logger.Info("purchase reversed",
		"orderId", original.ID, "accountId", original.AccountID, "amount", original.Amount, "reason", reason)
	return rec, nil
}
