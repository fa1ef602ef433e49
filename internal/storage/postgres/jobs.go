package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/you/taskmill/internal/domain"
)

// JobArchive persists job snapshots (source of truth for history across
// restarts; live state stays in the in-memory store).
type JobArchive struct {
	pool *pgxpool.Pool
}

func (a *JobArchive) RecordCreated(ctx context.Context, job domain.Job) error {
	_, err := a.pool.Exec(ctx, `
		insert into jobs (id, user_id, type, resource_key, status, progress, step, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		on conflict (id) do nothing`,
		job.ID, job.UserID, job.Type, job.ResourceKey, job.Status,
		job.Progress, job.Step, job.CreatedAt, job.UpdatedAt,
	)
	return errors.Wrap(err, "archive job create")
}

func (a *JobArchive) RecordTerminal(ctx context.Context, job domain.Job) error {
	_, err := a.pool.Exec(ctx, `
		insert into jobs (id, user_id, type, resource_key, status, progress, step, logs, error, result, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		on conflict (id) do update set
			status = excluded.status,
			progress = excluded.progress,
			step = excluded.step,
			logs = excluded.logs,
			error = excluded.error,
			result = excluded.result,
			updated_at = excluded.updated_at`,
		job.ID, job.UserID, job.Type, job.ResourceKey, job.Status, job.Progress,
		job.Step, job.Logs, job.Error, job.Result, job.CreatedAt, job.UpdatedAt,
	)
	return errors.Wrap(err, "archive job terminal")
}
