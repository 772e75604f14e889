package txlog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/seyidev/vtucore/internal/pagination"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu      sync.Mutex
	byID    map[string]*Record
	byRef   map[string]string // type + "\x00" + reference -> ID
	ordered []string          // IDs in insertion order
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  make(map[string]*Record),
		byRef: make(map[string]string),
	}
}

func refKey(typ Type, ref string) string {
	return string(typ) + "\x00" + ref
}

func (s *MemoryStore) Insert(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := refKey(rec.Type, rec.ExternalReference)
	if _, ok := s.byRef[key]; ok {
		return ErrDuplicateReference
	}

	cp := *rec
	s.byID[rec.ID] = &cp
	s.byRef[key] = rec.ID
	s.ordered = append(s.ordered, rec.ID)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) GetByReference(ctx context.Context, typ Type, ref string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byRef[refKey(typ, ref)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.byID[id]
	return &cp, nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, status Status, providerRef, failureReason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	if !canTransition(rec.Status, status) {
		return ErrInvalidTransition
	}

	rec.Status = status
	if providerRef != "" {
		rec.ProviderRef = providerRef
	}
	if failureReason != "" {
		rec.FailureReason = failureReason
	}
	rec.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) List(ctx context.Context, q Query) ([]*Record, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*Record
	for _, id := range s.ordered {
		rec := s.byID[id]
		if q.AccountID != "" && rec.AccountID != q.AccountID {
			continue
		}
		if q.Type != "" && rec.Type != q.Type {
			continue
		}
		if q.Status != "" && rec.Status != q.Status {
			continue
		}
		if !q.From.IsZero() && rec.CreatedAt.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && rec.CreatedAt.After(q.To) {
			continue
		}
		cp := *rec
		matched = append(matched, &cp)
	}

	// Newest first, ID as tiebreaker to keep cursor ordering stable.
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	cur, err := pagination.Decode(q.Cursor)
	if err != nil {
		return nil, "", err
	}
	if cur != nil {
		i := 0
		for ; i < len(matched); i++ {
			rec := matched[i]
			if rec.CreatedAt.Before(cur.CreatedAt) ||
				(rec.CreatedAt.Equal(cur.CreatedAt) && rec.ID < cur.ID) {
				break
			}
		}
		matched = matched[i:]
	}

	if len(matched) > q.Limit+1 {
		matched = matched[:q.Limit+1]
	}
	page, next, _ := pagination.ComputePage(matched, q.Limit, func(r *Record) (time.Time, string) {
		return r.CreatedAt, r.ID
	})
	return page, next, nil
}
