package memory

import (
	"context"
	"sync"

	"github.com/you/taskmill/internal/domain"
)

// CreditStore keeps ledger rows in memory. Used in tests and when no
// Postgres DSN is configured.
type CreditStore struct {
	mu  sync.RWMutex
	txs []domain.CreditTransaction
}

func NewCreditStore() *CreditStore { return &CreditStore{} }

func (s *CreditStore) Append(_ context.Context, tx domain.CreditTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txs = append(s.txs, tx)
	return nil
}

func (s *CreditStore) Balance(_ context.Context, userID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var bal int64
	for _, tx := range s.txs {
		if tx.UserID == userID {
			bal += tx.Amount
		}
	}
	return bal, nil
}

func (s *CreditStore) JobTransactions(_ context.Context, jobID string) ([]domain.CreditTransaction, error) {
	if jobID == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.CreditTransaction
	for _, tx := range s.txs {
		if tx.JobID == jobID {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (s *CreditStore) History(_ context.Context, userID string, limit, offset int) ([]domain.CreditTransaction, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []domain.CreditTransaction
	for i := len(s.txs) - 1; i >= 0; i-- {
		if s.txs[i].UserID == userID {
			all = append(all, s.txs[i])
		}
	}
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return all[offset:end], total, nil
}
