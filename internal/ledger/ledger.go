// Package ledger tracks credit balances, reservation holds, and the credit
// journal for every account. Mutations are serialized per account by the
// Store; nothing here blocks crawling.
package ledger

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecloner/internal/clone"
	"github.com/JakeFAU/sitecloner/internal/metrics"
	"github.com/JakeFAU/sitecloner/internal/telemetry"
)

const tracerName = "github.com/JakeFAU/sitecloner/internal/ledger"

// Config holds plan allotments.
type Config struct {
	// Plans maps a plan tier to its included monthly credits.
	Plans map[string]clone.Credits
}

// Ledger is the credit accounting service.
type Ledger struct {
	store  Store
	clock  clone.Clock
	idGen  clone.IDGenerator
	plans  map[string]clone.Credits
	tracer trace.Tracer
	logger *zap.Logger
}

// New constructs a Ledger.
func New(store Store, clock clone.Clock, idGen clone.IDGenerator, cfg Config, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	plans := make(map[string]clone.Credits, len(cfg.Plans))
	for k, v := range cfg.Plans {
		plans[k] = v
	}
	return &Ledger{
		store:  store,
		clock:  clock,
		idGen:  idGen,
		plans:  plans,
		tracer: telemetry.Tracer(tracerName),
		logger: logger,
	}
}

// OpenAccount creates an account on the given plan tier.
func (l *Ledger) OpenAccount(ctx context.Context, ownerID, planTier string) (Account, error) {
	if ownerID == "" {
		return Account{}, &clone.ValidationError{Field: "owner_id", Reason: "required"}
	}
	included, ok := l.plans[planTier]
	if !ok {
		return Account{}, fmt.Errorf("open account %s: %w: %q", ownerID, ErrUnknownPlan, planTier)
	}
	now := l.clock.Now()
	account := Account{
		OwnerID:         ownerID,
		PlanTier:        planTier,
		IncludedMonthly: included,
		LastReset:       now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	account.recompute()
	if err := l.store.CreateAccount(ctx, account); err != nil {
		return Account{}, fmt.Errorf("open account %s: %w", ownerID, err)
	}
	l.logger.Info("credit account opened",
		zap.String("owner_id", ownerID),
		zap.String("plan", planTier),
		zap.Stringer("included", included),
	)
	return account, nil
}

// Account returns the current account state with any due rollover applied.
func (l *Ledger) Account(ctx context.Context, ownerID string) (Account, error) {
	var out Account
	err := l.mutate(ctx, ownerID, func(_ Tx, _ *Account) error { return nil }, &out)
	if err != nil {
		return Account{}, fmt.Errorf("get account %s: %w", ownerID, err)
	}
	return out, nil
}

// Transactions lists the most recent journal entries for an owner.
func (l *Ledger) Transactions(ctx context.Context, ownerID string, limit int) ([]Transaction, error) {
	if _, err := l.store.GetAccount(ctx, ownerID); err != nil {
		return nil, fmt.Errorf("list transactions %s: %w", ownerID, err)
	}
	txns, err := l.store.ListTransactions(ctx, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions %s: %w", ownerID, err)
	}
	return txns, nil
}

// Reserve places a hold of amount against the owner's available balance.
func (l *Ledger) Reserve(ctx context.Context, ownerID, jobID string, amount clone.Credits) (Reservation, error) {
	if amount <= 0 {
		return Reservation{}, fmt.Errorf("reserve credits: %w", ErrInvalidAmount)
	}
	resID, err := l.idGen.NewID()
	if err != nil {
		return Reservation{}, fmt.Errorf("reserve credits: %w", err)
	}
	var res Reservation
	err = l.mutate(ctx, ownerID, func(tx Tx, acct *Account) error {
		if acct.Available() < amount {
			return fmt.Errorf("%w: need %s, available %s", ErrInsufficientCredit, amount, acct.Available())
		}
		acct.Reserved += amount
		res = Reservation{
			ID:        resID,
			OwnerID:   ownerID,
			JobID:     jobID,
			Amount:    amount,
			Status:    ReservationHeld,
			CreatedAt: l.clock.Now(),
		}
		if err := tx.SaveReservation(ctx, res); err != nil {
			return err
		}
		return l.journal(ctx, tx, acct, Transaction{
			Type:          TxReserve,
			Amount:        amount,
			ReservationID: resID,
			Description:   jobDescription(jobID),
		})
	}, nil)
	metrics.ObserveLedger("reserve", err)
	if err != nil {
		return Reservation{}, fmt.Errorf("reserve credits for %s: %w", ownerID, err)
	}
	return res, nil
}

// Commit settles a reservation, charging min(actual, held) and returning the
// unused remainder to the available balance.
func (l *Ledger) Commit(ctx context.Context, reservationID string, actual clone.Credits) (Account, error) {
	held, err := l.store.GetReservation(ctx, reservationID)
	if err != nil {
		metrics.ObserveLedger("commit", err)
		return Account{}, fmt.Errorf("commit reservation %s: %w", reservationID, err)
	}
	var out Account
	var charged clone.Credits
	err = l.mutate(ctx, held.OwnerID, func(tx Tx, acct *Account) error {
		res, err := tx.Reservation(ctx, reservationID)
		if err != nil {
			return err
		}
		if res.Status != ReservationHeld {
			return fmt.Errorf("%w: %s", ErrReservationClosed, res.Status)
		}
		charged = actual
		if charged < 0 {
			charged = 0
		}
		if charged > res.Amount {
			charged = res.Amount
		}
		acct.Reserved -= res.Amount
		acct.UsedThisMonth += charged
		acct.recompute()
		if acct.Balance < 0 {
			return fmt.Errorf("%w: commit would overdraw account", ErrInsufficientCredit)
		}
		now := l.clock.Now()
		res.Status = ReservationCommitted
		res.Charged = charged
		res.SettledAt = &now
		if err := tx.SaveReservation(ctx, res); err != nil {
			return err
		}
		return l.journal(ctx, tx, acct, Transaction{
			Type:          TxCommit,
			Amount:        -charged,
			ReservationID: res.ID,
			Description:   jobDescription(res.JobID),
		})
	}, &out)
	metrics.ObserveLedger("commit", err)
	if err != nil {
		return Account{}, fmt.Errorf("commit reservation %s: %w", reservationID, err)
	}
	metrics.AddCreditsCommitted(charged.Float())
	return out, nil
}

// Release frees a held reservation. Releasing an already settled reservation
// is a no-op so callers can retry safely.
func (l *Ledger) Release(ctx context.Context, reservationID string) (Account, error) {
	held, err := l.store.GetReservation(ctx, reservationID)
	if err != nil {
		metrics.ObserveLedger("release", err)
		return Account{}, fmt.Errorf("release reservation %s: %w", reservationID, err)
	}
	var out Account
	err = l.mutate(ctx, held.OwnerID, func(tx Tx, acct *Account) error {
		res, err := tx.Reservation(ctx, reservationID)
		if err != nil {
			return err
		}
		if res.Status != ReservationHeld {
			return nil
		}
		acct.Reserved -= res.Amount
		now := l.clock.Now()
		res.Status = ReservationReleased
		res.SettledAt = &now
		if err := tx.SaveReservation(ctx, res); err != nil {
			return err
		}
		return l.journal(ctx, tx, acct, Transaction{
			Type:          TxRelease,
			Amount:        res.Amount,
			ReservationID: res.ID,
			Description:   jobDescription(res.JobID),
		})
	}, &out)
	metrics.ObserveLedger("release", err)
	if err != nil {
		return Account{}, fmt.Errorf("release reservation %s: %w", reservationID, err)
	}
	return out, nil
}

// Credit adds funds from a purchase, proxy earnings, refund, or adjustment.
func (l *Ledger) Credit(ctx context.Context, req CreditRequest) (Account, error) {
	if req.Amount <= 0 {
		return Account{}, fmt.Errorf("credit account: %w", ErrInvalidAmount)
	}
	if !req.Source.Valid() {
		return Account{}, &clone.ValidationError{Field: "source", Reason: fmt.Sprintf("unknown source %q", req.Source)}
	}
	var out Account
	applied := false
	err := l.mutate(ctx, req.OwnerID, func(tx Tx, acct *Account) error {
		if req.Reference != "" {
			seen, err := tx.HasReference(ctx, req.Reference)
			if err != nil {
				return err
			}
			if seen {
				return nil
			}
		}
		if req.Source == SourceProxy {
			acct.ProxyCredits += req.Amount
		} else {
			acct.Purchased += req.Amount
		}
		applied = true
		return l.journal(ctx, tx, acct, Transaction{
			Type:        TxCredit,
			Amount:      req.Amount,
			Source:      req.Source,
			Reference:   req.Reference,
			Description: req.Description,
		})
	}, &out)
	metrics.ObserveLedger("credit", err)
	if err != nil {
		return Account{}, fmt.Errorf("credit account %s: %w", req.OwnerID, err)
	}
	if !applied {
		l.logger.Debug("duplicate credit ignored",
			zap.String("owner_id", req.OwnerID),
			zap.String("reference", req.Reference),
		)
	}
	return out, nil
}

// Reverse removes previously earned proxy credits, for example after abuse is
// detected. The account must still cover its open reservations afterwards.
func (l *Ledger) Reverse(ctx context.Context, ownerID string, amount clone.Credits, reference, reason string) (Account, error) {
	if amount <= 0 {
		return Account{}, fmt.Errorf("reverse credits: %w", ErrInvalidAmount)
	}
	var out Account
	err := l.mutate(ctx, ownerID, func(tx Tx, acct *Account) error {
		if reference != "" {
			seen, err := tx.HasReference(ctx, reference)
			if err != nil {
				return err
			}
			if seen {
				return nil
			}
		}
		if amount > acct.ProxyCredits || amount > acct.Available() {
			return fmt.Errorf("%w: cannot reverse %s", ErrInsufficientCredit, amount)
		}
		acct.ProxyCredits -= amount
		return l.journal(ctx, tx, acct, Transaction{
			Type:        TxReverse,
			Amount:      -amount,
			Source:      SourceProxy,
			Reference:   reference,
			Description: reason,
		})
	}, &out)
	metrics.ObserveLedger("reverse", err)
	if err != nil {
		return Account{}, fmt.Errorf("reverse credits for %s: %w", ownerID, err)
	}
	return out, nil
}

// mutate runs fn against the locked account, applying rollover first and
// persisting the result. When out is non-nil it receives the saved state.
func (l *Ledger) mutate(ctx context.Context, ownerID string, fn func(tx Tx, acct *Account) error, out *Account) (err error) {
	ctx, span := l.tracer.Start(ctx, "ledger.mutate", trace.WithAttributes(attribute.String("owner_id", ownerID)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	return l.store.WithAccount(ctx, ownerID, func(tx Tx) error {
		acct := tx.Account()
		before := acct
		if err := l.rollover(ctx, tx, &acct); err != nil {
			return err
		}
		if err := fn(tx, &acct); err != nil {
			return err
		}
		acct.recompute()
		if acct.Balance < 0 || acct.Reserved < 0 {
			return fmt.Errorf("%w: balance %s reserved %s", ErrInsufficientCredit, acct.Balance, acct.Reserved)
		}
		if acct != before {
			acct.UpdatedAt = l.clock.Now()
			if err := tx.SaveAccount(ctx, acct); err != nil {
				return err
			}
		}
		if out != nil {
			*out = acct
		}
		return nil
	})
}

// rollover starts a new billing month once a month has passed since LastReset.
// Usage beyond the included allotment is paid for out of proxy credits, then
// purchased credits, before the monthly counter resets.
func (l *Ledger) rollover(ctx context.Context, tx Tx, acct *Account) error {
	now := l.clock.Now()
	if acct.LastReset.IsZero() || now.Before(acct.LastReset.AddDate(0, 1, 0)) {
		return nil
	}
	overflow := acct.UsedThisMonth - acct.IncludedMonthly
	if overflow > 0 {
		fromProxy := minCredits(overflow, acct.ProxyCredits)
		acct.ProxyCredits -= fromProxy
		overflow -= fromProxy
		acct.Purchased -= minCredits(overflow, acct.Purchased)
	}
	acct.UsedThisMonth = 0
	for !now.Before(acct.LastReset.AddDate(0, 1, 0)) {
		acct.LastReset = acct.LastReset.AddDate(0, 1, 0)
	}
	l.logger.Info("monthly credit rollover",
		zap.String("owner_id", acct.OwnerID),
		zap.Time("period_start", acct.LastReset),
	)
	return l.journal(ctx, tx, acct, Transaction{
		Type:        TxRollover,
		Amount:      acct.IncludedMonthly,
		Description: "monthly allotment reset",
	})
}

func (l *Ledger) journal(ctx context.Context, tx Tx, acct *Account, txn Transaction) error {
	id, err := l.idGen.NewID()
	if err != nil {
		return fmt.Errorf("journal id: %w", err)
	}
	acct.recompute()
	txn.ID = id
	txn.OwnerID = acct.OwnerID
	txn.BalanceAfter = acct.Balance
	txn.CreatedAt = l.clock.Now()
	if err := tx.AppendTransaction(ctx, txn); err != nil {
		return fmt.Errorf("append journal entry: %w", err)
	}
	return nil
}

func minCredits(a, b clone.Credits) clone.Credits {
	if a < b {
		return a
	}
	return b
}

func jobDescription(jobID string) string {
	if jobID == "" {
		return ""
	}
	return "job " + jobID
}
