package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/sitecloner/internal/ledger"
)

const (
	insertAccountSQL       = `INSERT INTO credit_accounts (owner_id, doc) VALUES ($1, $2) ON CONFLICT (owner_id) DO NOTHING`
	selectAccountSQL       = `SELECT doc FROM credit_accounts WHERE owner_id = $1`
	selectAccountLockedSQL = `SELECT doc FROM credit_accounts WHERE owner_id = $1 FOR UPDATE`
	updateAccountSQL       = `UPDATE credit_accounts SET doc = $2 WHERE owner_id = $1`
	selectReservationSQL   = `SELECT doc FROM credit_reservations WHERE id = $1`
	selectOwnReservSQL     = `SELECT doc FROM credit_reservations WHERE id = $1 AND owner_id = $2`
	upsertReservationSQL   = `INSERT INTO credit_reservations (id, owner_id, doc) VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc`
	referenceExistsSQL = `SELECT EXISTS (SELECT 1 FROM credit_transactions WHERE owner_id = $1 AND reference = $2)`
	insertTxnSQL       = `INSERT INTO credit_transactions (id, owner_id, reference, created_at, doc) VALUES ($1, $2, $3, $4, $5)`
	listTxnsSQL        = `SELECT doc FROM credit_transactions WHERE owner_id = $1 ORDER BY seq DESC LIMIT $2`
)

// LedgerStore persists accounts, reservations, and the journal in Postgres.
// WithAccount holds a row lock on the account for the duration of fn.
type LedgerStore struct {
	db DB
}

// NewLedgerStore constructs a LedgerStore on db.
func NewLedgerStore(db DB) *LedgerStore {
	return &LedgerStore{db: db}
}

// CreateAccount inserts a new account.
func (s *LedgerStore) CreateAccount(ctx context.Context, account ledger.Account) error {
	doc, err := json.Marshal(account)
	if err != nil {
		return fmt.Errorf("encode account: %w", err)
	}
	tag, err := s.db.Exec(ctx, insertAccountSQL, account.OwnerID, doc)
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrAccountExists
	}
	return nil
}

// GetAccount fetches an account by owner.
func (s *LedgerStore) GetAccount(ctx context.Context, ownerID string) (ledger.Account, error) {
	return loadAccount(s.db.QueryRow(ctx, selectAccountSQL, ownerID))
}

// GetReservation fetches a reservation by ID.
func (s *LedgerStore) GetReservation(ctx context.Context, reservationID string) (ledger.Reservation, error) {
	return loadReservation(s.db.QueryRow(ctx, selectReservationSQL, reservationID))
}

// ListTransactions returns up to limit entries, newest first.
func (s *LedgerStore) ListTransactions(ctx context.Context, ownerID string, limit int) ([]ledger.Transaction, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.db.Query(ctx, listTxnsSQL, ownerID, lim)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return decodeAll[ledger.Transaction](rows, "transaction")
}

// WithAccount locks the account row and runs fn in the same transaction.
func (s *LedgerStore) WithAccount(ctx context.Context, ownerID string, fn func(tx ledger.Tx) error) error {
	return inTx(ctx, s.db, func(tx pgx.Tx) error {
		account, err := loadAccount(tx.QueryRow(ctx, selectAccountLockedSQL, ownerID))
		if err != nil {
			return err
		}
		return fn(&ledgerTx{tx: tx, account: account})
	})
}

type ledgerTx struct {
	tx      pgx.Tx
	account ledger.Account
}

func (t *ledgerTx) Account() ledger.Account {
	return t.account
}

func (t *ledgerTx) SaveAccount(ctx context.Context, account ledger.Account) error {
	if account.OwnerID != t.account.OwnerID {
		return fmt.Errorf("save account %s inside tx for %s", account.OwnerID, t.account.OwnerID)
	}
	doc, err := json.Marshal(account)
	if err != nil {
		return fmt.Errorf("encode account: %w", err)
	}
	if _, err := t.tx.Exec(ctx, updateAccountSQL, account.OwnerID, doc); err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	t.account = account
	return nil
}

func (t *ledgerTx) Reservation(ctx context.Context, reservationID string) (ledger.Reservation, error) {
	return loadReservation(t.tx.QueryRow(ctx, selectOwnReservSQL, reservationID, t.account.OwnerID))
}

func (t *ledgerTx) SaveReservation(ctx context.Context, res ledger.Reservation) error {
	doc, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode reservation: %w", err)
	}
	if _, err := t.tx.Exec(ctx, upsertReservationSQL, res.ID, res.OwnerID, doc); err != nil {
		return fmt.Errorf("save reservation %s: %w", res.ID, err)
	}
	return nil
}

func (t *ledgerTx) HasReference(ctx context.Context, reference string) (bool, error) {
	var exists bool
	if err := t.tx.QueryRow(ctx, referenceExistsSQL, t.account.OwnerID, reference).Scan(&exists); err != nil {
		return false, fmt.Errorf("lookup reference: %w", err)
	}
	return exists, nil
}

func (t *ledgerTx) AppendTransaction(ctx context.Context, txn ledger.Transaction) error {
	doc, err := json.Marshal(txn)
	if err != nil {
		return fmt.Errorf("encode transaction: %w", err)
	}
	if _, err := t.tx.Exec(ctx, insertTxnSQL, txn.ID, txn.OwnerID, txn.Reference, txn.CreatedAt, doc); err != nil {
		return fmt.Errorf("append transaction: %w", err)
	}
	return nil
}

func loadAccount(row pgx.Row) (ledger.Account, error) {
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Account{}, ledger.ErrAccountNotFound
		}
		return ledger.Account{}, fmt.Errorf("load account: %w", err)
	}
	var account ledger.Account
	if err := json.Unmarshal(raw, &account); err != nil {
		return ledger.Account{}, fmt.Errorf("decode account: %w", err)
	}
	return account, nil
}

func loadReservation(row pgx.Row) (ledger.Reservation, error) {
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Reservation{}, ledger.ErrReservationNotFound
		}
		return ledger.Reservation{}, fmt.Errorf("load reservation: %w", err)
	}
	var res ledger.Reservation
	if err := json.Unmarshal(raw, &res); err != nil {
		return ledger.Reservation{}, fmt.Errorf("decode reservation: %w", err)
	}
	return res, nil
}
