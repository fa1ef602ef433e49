package credit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/you/taskmill/internal/domain"
)

// Store persists ledger rows. Implementations must keep rows immutable;
// Append is the only write.
type Store interface {
	Append(ctx context.Context, tx domain.CreditTransaction) error
	Balance(ctx context.Context, userID string) (int64, error)
	JobTransactions(ctx context.Context, jobID string) ([]domain.CreditTransaction, error)
	History(ctx context.Context, userID string, limit, offset int) ([]domain.CreditTransaction, int, error)
}

// Pricing resolves the credit cost of a job type. The ledger never embeds
// pricing logic itself.
type Pricing interface {
	CostOf(t domain.JobType) int64
}

// StaticPricing is a fixed cost table, typically built from config.
type StaticPricing map[domain.JobType]int64

func (p StaticPricing) CostOf(t domain.JobType) int64 { return p[t] }

// Ledger implements reserve/refund/grant accounting on top of a Store.
// Operations for one user are serialized through a per-user lock, so a
// balance check and the transaction write it guards are atomic with respect
// to concurrent reserves for the same user.
type Ledger struct {
	store Store

	mu    sync.Mutex
	users map[string]*sync.Mutex
}

func NewLedger(store Store) *Ledger {
	return &Ledger{
		store: store,
		users: make(map[string]*sync.Mutex),
	}
}

func (l *Ledger) userLock(userID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk, ok := l.users[userID]
	if !ok {
		lk = &sync.Mutex{}
		l.users[userID] = lk
	}
	return lk
}

// Reserve atomically checks the balance and writes a USE row for the job.
// A zero amount reserves nothing and succeeds. Returns
// domain.ErrInsufficientCredits when the balance cannot cover the amount.
func (l *Ledger) Reserve(ctx context.Context, userID string, amount int64, jobID, description string) error {
	if amount < 0 {
		return fmt.Errorf("%w: negative reserve amount", domain.ErrValidation)
	}
	if amount == 0 {
		return nil
	}

	lk := l.userLock(userID)
	lk.Lock()
	defer lk.Unlock()

	bal, err := l.store.Balance(ctx, userID)
	if err != nil {
		return err
	}
	if bal < amount {
		return fmt.Errorf("%w: balance %d, need %d", domain.ErrInsufficientCredits, bal, amount)
	}
	return l.store.Append(ctx, domain.CreditTransaction{
		ID:           uuid.NewString(),
		UserID:       userID,
		JobID:        jobID,
		Type:         domain.TxUse,
		Amount:       -amount,
		BalanceAfter: bal - amount,
		Description:  description,
		CreatedAt:    time.Now().UTC(),
	})
}

// RefundForJob returns the job's reserved amount exactly once. It is a no-op
// when the job never reserved credits or was already refunded; the boolean
// reports whether a refund row was written by this call.
func (l *Ledger) RefundForJob(ctx context.Context, userID, jobID string) (bool, error) {
	lk := l.userLock(userID)
	lk.Lock()
	defer lk.Unlock()

	txs, err := l.store.JobTransactions(ctx, jobID)
	if err != nil {
		return false, err
	}
	var use *domain.CreditTransaction
	for i := range txs {
		switch txs[i].Type {
		case domain.TxRefund:
			return false, nil
		case domain.TxUse:
			use = &txs[i]
		}
	}
	if use == nil {
		return false, nil
	}

	bal, err := l.store.Balance(ctx, userID)
	if err != nil {
		return false, err
	}
	amount := -use.Amount
	err = l.store.Append(ctx, domain.CreditTransaction{
		ID:           uuid.NewString(),
		UserID:       userID,
		JobID:        jobID,
		Type:         domain.TxRefund,
		Amount:       amount,
		BalanceAfter: bal + amount,
		Description:  "automatic refund for job " + jobID,
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// AdminGrant credits a user without any balance check.
func (l *Ledger) AdminGrant(ctx context.Context, userID string, amount int64, description string) error {
	return l.credit(ctx, userID, amount, domain.TxAdminGrant, description)
}

// Charge credits a user from an approved purchase.
func (l *Ledger) Charge(ctx context.Context, userID string, amount int64, description string) error {
	return l.credit(ctx, userID, amount, domain.TxCharge, description)
}

func (l *Ledger) credit(ctx context.Context, userID string, amount int64, typ domain.TxType, description string) error {
	if amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", domain.ErrValidation)
	}
	lk := l.userLock(userID)
	lk.Lock()
	defer lk.Unlock()

	bal, err := l.store.Balance(ctx, userID)
	if err != nil {
		return err
	}
	return l.store.Append(ctx, domain.CreditTransaction{
		ID:           uuid.NewString(),
		UserID:       userID,
		Type:         typ,
		Amount:       amount,
		BalanceAfter: bal + amount,
		Description:  description,
		CreatedAt:    time.Now().UTC(),
	})
}

// BalanceOf returns the user's current balance.
func (l *Ledger) BalanceOf(ctx context.Context, userID string) (int64, error) {
	return l.store.Balance(ctx, userID)
}

// HistoryOf lists the user's transactions, newest first.
func (l *Ledger) HistoryOf(ctx context.Context, userID string, limit, offset int) ([]domain.CreditTransaction, int, error) {
	return l.store.History(ctx, userID, limit, offset)
}
