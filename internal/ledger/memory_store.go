package ledger

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/seyidev/vtucore/internal/money"
)

// MemoryStore is an in-memory Store for development and tests.
// State does not survive restarts.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[string]*Account // by ID
	byEmail  map[string]string   // email -> ID
	credits  map[string]bool     // applied credit references
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
		byEmail:  make(map[string]string),
		credits:  make(map[string]bool),
	}
}

func (s *MemoryStore) CreateAccount(ctx context.Context, acct *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[acct.ID]; ok {
		return ErrDuplicateAccount
	}
	if _, ok := s.byEmail[acct.Email]; ok {
		return ErrDuplicateAccount
	}

	cp := *acct
	s.accounts[acct.ID] = &cp
	s.byEmail[acct.Email] = acct.ID
	return nil
}

func (s *MemoryStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *acct
	return &cp, nil
}

func (s *MemoryStore) GetAccountByEmail(ctx context.Context, email string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byEmail[email]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *s.accounts[id]
	return &cp, nil
}

func (s *MemoryStore) Hold(ctx context.Context, accountID, amount, reference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}

	amt, ok := money.Parse(amount)
	if !ok {
		return ErrInvalidAmount
	}
	avail, _ := money.Parse(acct.Available)
	if avail.Cmp(amt) < 0 {
		return ErrInsufficientFunds
	}
	held, _ := money.Parse(acct.Held)

	acct.Available = money.Format(new(big.Int).Sub(avail, amt))
	acct.Held = money.Format(new(big.Int).Add(held, amt))
	acct.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) ConfirmHold(ctx context.Context, accountID, amount, reference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}

	amt, ok := money.Parse(amount)
	if !ok {
		return ErrInvalidAmount
	}
	held, _ := money.Parse(acct.Held)
	if held.Cmp(amt) < 0 {
		return ErrInsufficientFunds
	}
	out, _ := money.Parse(acct.TotalOut)

	acct.Held = money.Format(new(big.Int).Sub(held, amt))
	acct.TotalOut = money.Format(new(big.Int).Add(out, amt))
	acct.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) ReleaseHold(ctx context.Context, accountID, amount, reference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}

	amt, ok := money.Parse(amount)
	if !ok {
		return ErrInvalidAmount
	}
	held, _ := money.Parse(acct.Held)
	if held.Cmp(amt) < 0 {
		return ErrInsufficientFunds
	}
	avail, _ := money.Parse(acct.Available)

	acct.Held = money.Format(new(big.Int).Sub(held, amt))
	acct.Available = money.Format(new(big.Int).Add(avail, amt))
	acct.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) Credit(ctx context.Context, accountID, amount, reference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.credits[reference] {
		return ErrDuplicateReference
	}

	acct, ok := s.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}

	amt, ok := money.Parse(amount)
	if !ok {
		return ErrInvalidAmount
	}
	avail, _ := money.Parse(acct.Available)
	in, _ := money.Parse(acct.TotalIn)

	acct.Available = money.Format(new(big.Int).Add(avail, amt))
	acct.TotalIn = money.Format(new(big.Int).Add(in, amt))
	acct.UpdatedAt = time.Now()
	s.credits[reference] = true
	return nil
}

func (s *MemoryStore) SumBalances(ctx context.Context) (string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	avail := big.NewInt(0)
	held := big.NewInt(0)
	for _, acct := range s.accounts {
		a, _ := money.Parse(acct.Available)
		h, _ := money.Parse(acct.Held)
		avail.Add(avail, a)
		held.Add(held, h)
	}
	return money.Format(avail), money.Format(held), nil
}
