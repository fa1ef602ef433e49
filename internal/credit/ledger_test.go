package credit

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/you/taskmill/internal/domain"
	"github.com/you/taskmill/internal/storage/memory"
)

func newLedger(t *testing.T) *Ledger {
	t.Helper()
	return NewLedger(memory.NewCreditStore())
}

func TestReserveAndBalance(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	require.NoError(t, l.AdminGrant(ctx, "u1", 100, "welcome"))

	require.NoError(t, l.Reserve(ctx, "u1", 40, "job-1", "video_generation"))
	bal, err := l.BalanceOf(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(60), bal)

	err = l.Reserve(ctx, "u1", 61, "job-2", "video_generation")
	assert.ErrorIs(t, err, domain.ErrInsufficientCredits)

	// Zero cost reserves nothing and always succeeds.
	require.NoError(t, l.Reserve(ctx, "u1", 0, "job-3", "free"))
	bal, _ = l.BalanceOf(ctx, "u1")
	assert.Equal(t, int64(60), bal)

	assert.ErrorIs(t, l.Reserve(ctx, "u1", -5, "job-4", "bad"), domain.ErrValidation)
}

func TestRefundOnce(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	require.NoError(t, l.AdminGrant(ctx, "u1", 100, ""))
	require.NoError(t, l.Reserve(ctx, "u1", 50, "job-1", "script_generation"))

	refunded, err := l.RefundForJob(ctx, "u1", "job-1")
	require.NoError(t, err)
	assert.True(t, refunded)

	// A second trigger (timeout racing a cancel) is a no-op.
	refunded, err = l.RefundForJob(ctx, "u1", "job-1")
	require.NoError(t, err)
	assert.False(t, refunded)

	bal, _ := l.BalanceOf(ctx, "u1")
	assert.Equal(t, int64(100), bal)
}

func TestRefundWithoutReservationIsNoop(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	refunded, err := l.RefundForJob(ctx, "u1", "job-without-use")
	require.NoError(t, err)
	assert.False(t, refunded)
}

func TestConcurrentRefundsWriteOneRow(t *testing.T) {
	ctx := context.Background()
	store := memory.NewCreditStore()
	l := NewLedger(store)
	require.NoError(t, l.AdminGrant(ctx, "u1", 100, ""))
	require.NoError(t, l.Reserve(ctx, "u1", 50, "job-1", ""))

	var wg sync.WaitGroup
	var mu sync.Mutex
	refunds := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.RefundForJob(ctx, "u1", "job-1")
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				refunds++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, refunds)
	txs, err := store.JobTransactions(ctx, "job-1")
	require.NoError(t, err)
	var refundRows int
	for _, tx := range txs {
		if tx.Type == domain.TxRefund {
			refundRows++
		}
	}
	assert.Equal(t, 1, refundRows)
}

func TestConcurrentReservesNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	require.NoError(t, l.AdminGrant(ctx, "u1", 100, ""))

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := l.Reserve(ctx, "u1", 30, "job-n", ""); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 3, granted)
	bal, _ := l.BalanceOf(ctx, "u1")
	assert.Equal(t, int64(10), bal)
}

func TestGrantAndChargeValidation(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	assert.ErrorIs(t, l.AdminGrant(ctx, "u1", 0, ""), domain.ErrValidation)
	assert.ErrorIs(t, l.Charge(ctx, "u1", -1, ""), domain.ErrValidation)

	require.NoError(t, l.Charge(ctx, "u1", 25, "starter pack"))
	items, total, err := l.HistoryOf(ctx, "u1", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, items, 1)
	assert.Equal(t, domain.TxCharge, items[0].Type)
	assert.Equal(t, int64(25), items[0].BalanceAfter)
}
