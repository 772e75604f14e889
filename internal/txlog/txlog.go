// Package txlog is the append-only transaction record: one row per
// financial event (purchase, funding credit, reversal), written alongside
// the balance mutation it describes. Records are never deleted; outcomes
// are recorded by status transitions only.
package txlog

import (
	"context"
	"errors"
	"time"

	"github.com/seyidev/vtucore/internal/idgen"
)

var (
	ErrNotFound           = errors.New("transaction not found")
	ErrDuplicateReference = errors.New("transaction reference already recorded")
	ErrInvalidTransition  = errors.New("invalid transaction status transition")
)

// Type classifies a transaction record.
type Type string

const (
	TypePurchase Type = "purchase"
	TypeFunding  Type = "funding"
	TypeReversal Type = "reversal"
)

// Status is the lifecycle state of a record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusReversed  Status = "reversed"
)

// validTransitions: pending resolves once; completed purchases may later
// be reversed by an operator. Terminal states never move again.
var validTransitions = map[Status][]Status{
	StatusPending:   {StatusCompleted, StatusFailed},
	StatusCompleted: {StatusReversed},
}

func canTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Record is a single entry in the transaction ledger.
type Record struct {
	ID                string    `json:"id"`
	AccountID         string    `json:"accountId"`
	Type              Type      `json:"type"`
	Status            Status    `json:"status"`
	Amount            string    `json:"amount"`
	ExternalReference string    `json:"externalReference"`
	Network           string    `json:"network,omitempty"`
	Recipient         string    `json:"recipient,omitempty"`
	ProviderRef       string    `json:"providerRef,omitempty"`
	FailureReason     string    `json:"failureReason,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// Query filters List results. Zero values mean "no filter".
type Query struct {
	AccountID string
	Type      Type
	Status    Status
	From      time.Time
	To        time.Time
	Cursor    string
	Limit     int
}

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// Store persists transaction records. Insert must reject a second record
// with the same (type, externalReference) pair.
type Store interface {
	Insert(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	GetByReference(ctx context.Context, typ Type, ref string) (*Record, error)
	UpdateStatus(ctx context.Context, id string, status Status, providerRef, failureReason string) error
	List(ctx context.Context, q Query) ([]*Record, string, error)
}

// Log records financial events.
type Log struct {
	store Store
}

// New creates a transaction log backed by the given store.
func New(store Store) *Log {
	return &Log{store: store}
}

// Append writes a new pending record. The (type, externalReference) pair
// is the idempotency key: a duplicate fails with ErrDuplicateReference
// and the caller must treat the original record as authoritative.
func (l *Log) Append(ctx context.Context, rec *Record) (*Record, error) {
	now := time.Now()
	cp := *rec
	cp.ID = idgen.WithPrefix("txn_")
	cp.Status = StatusPending
	cp.CreatedAt = now
	cp.UpdatedAt = now
	if err := l.store.Insert(ctx, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

// MarkCompleted resolves a pending record as successful.
func (l *Log) MarkCompleted(ctx context.Context, id, providerRef string) error {
	return l.store.UpdateStatus(ctx, id, StatusCompleted, providerRef, "")
}

// MarkFailed resolves a pending record with a failure reason.
func (l *Log) MarkFailed(ctx context.Context, id, reason string) error {
	return l.store.UpdateStatus(ctx, id, StatusFailed, "", reason)
}

// MarkReversed flags a completed record as reversed.
func (l *Log) MarkReversed(ctx context.Context, id string) error {
	return l.store.UpdateStatus(ctx, id, StatusReversed, "", "")
}

// Get returns a record by ID.
func (l *Log) Get(ctx context.Context, id string) (*Record, error) {
	return l.store.Get(ctx, id)
}

// Find returns the record for an external reference, if any.
func (l *Log) Find(ctx context.Context, typ Type, ref string) (*Record, error) {
	return l.store.GetByReference(ctx, typ, ref)
}

// List returns records matching the query, newest first, with an opaque
// cursor for the next page.
func (l *Log) List(ctx context.Context, q Query) ([]*Record, string, error) {
	if q.Limit <= 0 {
		q.Limit = defaultListLimit
	}
	if q.Limit > maxListLimit {
		q.Limit = maxListLimit
	}
	return l.store.List(ctx, q)
}
