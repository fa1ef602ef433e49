package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/you/taskmill/internal/domain"
)

// CreditStore is the pgx-backed credit.Store. The partial unique index on
// (job_id) where type = 'REFUND' is the database backstop for the
// refund-once guarantee; the ledger's per-user lock is the primary guard.
type CreditStore struct {
	pool *pgxpool.Pool
}

func (s *CreditStore) Append(ctx context.Context, tx domain.CreditTransaction) error {
	_, err := s.pool.Exec(ctx, `
		insert into credit_transactions (id, user_id, job_id, type, amount, balance_after, description, created_at)
		values ($1, nullif($2, ''), nullif($3, ''), $4, $5, $6, $7, $8)`,
		tx.ID, tx.UserID, tx.JobID, tx.Type, tx.Amount, tx.BalanceAfter, tx.Description, tx.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && tx.Type == domain.TxRefund {
		// A concurrent writer already refunded this job.
		return nil
	}
	return errors.Wrap(err, "append credit transaction")
}

func (s *CreditStore) Balance(ctx context.Context, userID string) (int64, error) {
	var bal int64
	err := s.pool.QueryRow(ctx,
		`select coalesce(sum(amount), 0) from credit_transactions where user_id = $1`,
		userID,
	).Scan(&bal)
	return bal, errors.Wrap(err, "sum balance")
}

func (s *CreditStore) JobTransactions(ctx context.Context, jobID string) ([]domain.CreditTransaction, error) {
	if jobID == "" {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		select id, user_id, coalesce(job_id, ''), type, amount, balance_after, description, created_at
		from credit_transactions
		where job_id = $1
		order by created_at asc`,
		jobID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "query job transactions")
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func (s *CreditStore) History(ctx context.Context, userID string, limit, offset int) ([]domain.CreditTransaction, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx,
		`select count(*) from credit_transactions where user_id = $1`, userID,
	).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "count transactions")
	}

	rows, err := s.pool.Query(ctx, `
		select id, user_id, coalesce(job_id, ''), type, amount, balance_after, description, created_at
		from credit_transactions
		where user_id = $1
		order by created_at desc
		limit $2 offset $3`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, 0, errors.Wrap(err, "query transaction history")
	}
	defer rows.Close()

	txs, err := scanTransactions(rows)
	return txs, total, err
}

func scanTransactions(rows pgx.Rows) ([]domain.CreditTransaction, error) {
	var out []domain.CreditTransaction
	for rows.Next() {
		var tx domain.CreditTransaction
		if err := rows.Scan(&tx.ID, &tx.UserID, &tx.JobID, &tx.Type, &tx.Amount,
			&tx.BalanceAfter, &tx.Description, &tx.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan transaction")
		}
		out = append(out, tx)
	}
	return out, errors.Wrap(rows.Err(), "iterate transactions")
}
