package ledger

import "context"

// Store persists accounts, reservations, and the transaction journal.
type Store interface {
	CreateAccount(ctx context.Context, account Account) error
	GetAccount(ctx context.Context, ownerID string) (Account, error)
	GetReservation(ctx context.Context, reservationID string) (Reservation, error)
	ListTransactions(ctx context.Context, ownerID string, limit int) ([]Transaction, error)
	// WithAccount runs fn with exclusive access to one account. Changes made
	// through the Tx are persisted only if fn returns nil.
	WithAccount(ctx context.Context, ownerID string, fn func(tx Tx) error) error
}

// Tx is the per-account unit of work handed to Store.WithAccount.
type Tx interface {
	Account() Account
	SaveAccount(ctx context.Context, account Account) error
	Reservation(ctx context.Context, reservationID string) (Reservation, error)
	SaveReservation(ctx context.Context, reservation Reservation) error
	HasReference(ctx context.Context, reference string) (bool, error)
	AppendTransaction(ctx context.Context, txn Transaction) error
}
