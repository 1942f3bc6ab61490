package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/sitecloner/internal/clone"
)

// Ledger errors.
var (
	ErrInsufficientCredit  = errors.New("insufficient credit")
	ErrAccountNotFound     = fmt.Errorf("credit account %w", clone.ErrNotFound)
	ErrAccountExists       = errors.New("credit account already exists")
	ErrReservationNotFound = fmt.Errorf("reservation %w", clone.ErrNotFound)
	ErrReservationClosed   = errors.New("reservation already settled")
	ErrUnknownPlan         = fmt.Errorf("unknown plan tier: %w", clone.ErrValidation)
	ErrInvalidAmount       = fmt.Errorf("amount must be positive: %w", clone.ErrValidation)
)

// Account is the credit balance for one owner.
//
// Balance always equals IncludedMonthly - UsedThisMonth + Purchased + ProxyCredits.
// Reserved is the sum of open reservation holds; Balance - Reserved is what a
// new reservation may claim.
type Account struct {
	OwnerID         string        `json:"owner_id"`
	PlanTier        string        `json:"plan_tier"`
	Balance         clone.Credits `json:"balance"`
	Reserved        clone.Credits `json:"reserved"`
	IncludedMonthly clone.Credits `json:"included_monthly"`
	UsedThisMonth   clone.Credits `json:"used_this_month"`
	Purchased       clone.Credits `json:"purchased"`
	ProxyCredits    clone.Credits `json:"proxy_credits"`
	LastReset       time.Time     `json:"last_reset"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Available is the balance not yet held by reservations.
func (a Account) Available() clone.Credits {
	return a.Balance - a.Reserved
}

func (a *Account) recompute() {
	a.Balance = a.IncludedMonthly - a.UsedThisMonth + a.Purchased + a.ProxyCredits
}

// ReservationStatus tracks the lifecycle of a hold.
type ReservationStatus string

// Reservation states.
const (
	ReservationHeld      ReservationStatus = "held"
	ReservationCommitted ReservationStatus = "committed"
	ReservationReleased  ReservationStatus = "released"
)

// Reservation holds a worst-case amount against an account until the job
// settles.
type Reservation struct {
	ID        string            `json:"id"`
	OwnerID   string            `json:"owner_id"`
	JobID     string            `json:"job_id,omitempty"`
	Amount    clone.Credits     `json:"amount"`
	Charged   clone.Credits     `json:"charged"`
	Status    ReservationStatus `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
	SettledAt *time.Time        `json:"settled_at,omitempty"`
}

// TransactionType labels journal entries.
type TransactionType string

// Journal entry types.
const (
	TxReserve  TransactionType = "reserve"
	TxCommit   TransactionType = "commit"
	TxRelease  TransactionType = "release"
	TxCredit   TransactionType = "credit"
	TxReverse  TransactionType = "reverse"
	TxRollover TransactionType = "rollover"
)

// Source identifies where credited funds came from.
type Source string

// Credit sources.
const (
	SourcePurchase   Source = "purchase"
	SourceProxy      Source = "proxy"
	SourceRefund     Source = "refund"
	SourceAdjustment Source = "adjustment"
)

// Valid reports whether s is a known credit source.
func (s Source) Valid() bool {
	switch s {
	case SourcePurchase, SourceProxy, SourceRefund, SourceAdjustment:
		return true
	}
	return false
}

// Transaction is one immutable journal entry.
type Transaction struct {
	ID            string          `json:"id"`
	OwnerID       string          `json:"owner_id"`
	Type          TransactionType `json:"type"`
	Amount        clone.Credits   `json:"amount"`
	BalanceAfter  clone.Credits   `json:"balance_after"`
	Source        Source          `json:"source,omitempty"`
	ReservationID string          `json:"reservation_id,omitempty"`
	Reference     string          `json:"reference,omitempty"`
	Description   string          `json:"description,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// CreditRequest adds funds to an account. A non-empty Reference makes the
// request idempotent.
type CreditRequest struct {
	OwnerID     string
	Amount      clone.Credits
	Source      Source
	Reference   string
	Description string
}

// Pricing converts page counts into credit amounts.
type Pricing struct {
	PerPage  clone.Credits
	StartFee clone.Credits
}

// Estimate is the worst-case cost reserved at submission.
func (p Pricing) Estimate(maxPages int) clone.Credits {
	return p.Actual(maxPages)
}

// Actual is the cost of a job that captured pages pages.
func (p Pricing) Actual(pages int) clone.Credits {
	if pages < 0 {
		pages = 0
	}
	return p.StartFee + p.PerPage*clone.Credits(pages)
}
