package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/sitecloner/internal/ledger"
)

// LedgerStore keeps accounts, reservations, and the journal in memory. Each
// account has its own mutex so unrelated owners never contend.
type LedgerStore struct {
	mu           sync.RWMutex
	accounts     map[string]ledger.Account
	reservations map[string]ledger.Reservation
	journal      map[string][]ledger.Transaction
	references   map[string]struct{}
	locks        map[string]*sync.Mutex
}

// NewLedgerStore constructs a LedgerStore.
func NewLedgerStore() *LedgerStore {
	return &LedgerStore{
		accounts:     make(map[string]ledger.Account),
		reservations: make(map[string]ledger.Reservation),
		journal:      make(map[string][]ledger.Transaction),
		references:   make(map[string]struct{}),
		locks:        make(map[string]*sync.Mutex),
	}
}

// CreateAccount stores a new account.
func (s *LedgerStore) CreateAccount(_ context.Context, account ledger.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.accounts[account.OwnerID]; exists {
		return ledger.ErrAccountExists
	}
	s.accounts[account.OwnerID] = account
	s.locks[account.OwnerID] = &sync.Mutex{}
	return nil
}

// GetAccount fetches an account by owner.
func (s *LedgerStore) GetAccount(_ context.Context, ownerID string) (ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	account, ok := s.accounts[ownerID]
	if !ok {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	return account, nil
}

// GetReservation fetches a reservation by ID.
func (s *LedgerStore) GetReservation(_ context.Context, reservationID string) (ledger.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, ok := s.reservations[reservationID]
	if !ok {
		return ledger.Reservation{}, ledger.ErrReservationNotFound
	}
	return res, nil
}

// ListTransactions returns up to limit entries, newest first.
func (s *LedgerStore) ListTransactions(_ context.Context, ownerID string, limit int) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.journal[ownerID]
	if limit <= 0 || limit > len(entries) {
		limit = len(entries)
	}
	out := make([]ledger.Transaction, 0, limit)
	for i := len(entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, entries[i])
	}
	return out, nil
}

// WithAccount serializes fn against one account and applies its writes on success.
func (s *LedgerStore) WithAccount(ctx context.Context, ownerID string, fn func(tx ledger.Tx) error) error {
	s.mu.RLock()
	lock, ok := s.locks[ownerID]
	s.mu.RUnlock()
	if !ok {
		return ledger.ErrAccountNotFound
	}
	lock.Lock()
	defer lock.Unlock()

	account, err := s.GetAccount(ctx, ownerID)
	if err != nil {
		return err
	}
	tx := &ledgerTx{
		store:        s,
		account:      account,
		reservations: make(map[string]ledger.Reservation),
	}
	if err := fn(tx); err != nil {
		return err
	}
	s.apply(tx)
	return nil
}

func (s *LedgerStore) apply(tx *ledgerTx) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx.dirty {
		s.accounts[tx.account.OwnerID] = tx.account
	}
	for id, res := range tx.reservations {
		s.reservations[id] = res
	}
	for _, txn := range tx.journal {
		s.journal[txn.OwnerID] = append(s.journal[txn.OwnerID], txn)
		if txn.Reference != "" {
			s.references[referenceKey(txn.OwnerID, txn.Reference)] = struct{}{}
		}
	}
}

type ledgerTx struct {
	store        *LedgerStore
	account      ledger.Account
	dirty        bool
	reservations map[string]ledger.Reservation
	journal      []ledger.Transaction
}

func (t *ledgerTx) Account() ledger.Account {
	return t.account
}

func (t *ledgerTx) SaveAccount(_ context.Context, account ledger.Account) error {
	if account.OwnerID != t.account.OwnerID {
		return fmt.Errorf("save account %s inside tx for %s", account.OwnerID, t.account.OwnerID)
	}
	t.account = account
	t.dirty = true
	return nil
}

func (t *ledgerTx) Reservation(ctx context.Context, reservationID string) (ledger.Reservation, error) {
	if res, ok := t.reservations[reservationID]; ok {
		return res, nil
	}
	res, err := t.store.GetReservation(ctx, reservationID)
	if err != nil {
		return ledger.Reservation{}, err
	}
	if res.OwnerID != t.account.OwnerID {
		return ledger.Reservation{}, ledger.ErrReservationNotFound
	}
	return res, nil
}

func (t *ledgerTx) SaveReservation(_ context.Context, res ledger.Reservation) error {
	t.reservations[res.ID] = res
	return nil
}

func (t *ledgerTx) HasReference(_ context.Context, reference string) (bool, error) {
	for _, txn := range t.journal {
		if txn.Reference == reference {
			return true, nil
		}
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	_, ok := t.store.references[referenceKey(t.account.OwnerID, reference)]
	return ok, nil
}

func (t *ledgerTx) AppendTransaction(_ context.Context, txn ledger.Transaction) error {
	t.journal = append(t.journal, txn)
	return nil
}

func referenceKey(ownerID, reference string) string {
	return ownerID + "\x00" + reference
}
