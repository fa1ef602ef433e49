package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/you/taskmill/internal/crawl"
	"github.com/you/taskmill/internal/domain"
)

// History is the pgx-backed crawl.HistoryRepo: one row per (user, source).
type History struct {
	pool *pgxpool.Pool
}

func (h *History) EnsureRunning(ctx context.Context, userID, sourceURL, hostname string) (domain.LinkHistoryEntry, error) {
	row := h.pool.QueryRow(ctx, `
		insert into crawl_link_history (
			id, user_id, source_url, hostname, last_status, last_message,
			last_crawled_at, created_at, updated_at
		) values ($1, $2, $3, $4, 'running', 'crawl starting', now(), now(), now())
		on conflict (user_id, source_url) do update set
			hostname = excluded.hostname,
			last_status = 'running',
			last_message = 'crawl starting',
			last_crawled_at = now(),
			updated_at = now()
		returning id, user_id, source_url, coalesce(hostname, ''),
			last_crawled_at, last_result_count, last_duplicate_count,
			last_error_count, last_total_links, last_status,
			coalesce(last_message, ''), created_at, updated_at`,
		uuid.NewString(), userID, sourceURL, hostname,
	)
	entry, err := scanHistory(row)
	return entry, errors.Wrap(err, "upsert crawl history")
}

func (h *History) FinishRun(ctx context.Context, id string, run crawl.RunSummary) error {
	tag, err := h.pool.Exec(ctx, `
		update crawl_link_history
		set last_status = $2,
			last_result_count = $3,
			last_duplicate_count = $4,
			last_error_count = $5,
			last_total_links = $6,
			last_message = $7,
			last_crawled_at = now(),
			updated_at = now()
		where id = $1`,
		id, run.Status, run.ResultCount, run.DuplicateCount, run.ErrorCount, run.TotalLinks, run.Message,
	)
	if err != nil {
		return errors.Wrap(err, "finish crawl history run")
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(domain.ErrNotFound, "history entry %s", id)
	}
	return nil
}

func (h *History) List(ctx context.Context, userID string, limit, offset int) ([]domain.LinkHistoryEntry, int, error) {
	var total int
	if err := h.pool.QueryRow(ctx,
		`select count(*) from crawl_link_history where user_id = $1`, userID,
	).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "count crawl history")
	}

	rows, err := h.pool.Query(ctx, `
		select id, user_id, source_url, coalesce(hostname, ''),
			last_crawled_at, last_result_count, last_duplicate_count,
			last_error_count, last_total_links, last_status,
			coalesce(last_message, ''), created_at, updated_at
		from crawl_link_history
		where user_id = $1
		order by last_crawled_at desc
		limit $2 offset $3`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, 0, errors.Wrap(err, "query crawl history")
	}
	defer rows.Close()

	var out []domain.LinkHistoryEntry
	for rows.Next() {
		entry, err := scanHistory(rows)
		if err != nil {
			return nil, 0, errors.Wrap(err, "scan crawl history")
		}
		out = append(out, entry)
	}
	return out, total, errors.Wrap(rows.Err(), "iterate crawl history")
}

func (h *History) Delete(ctx context.Context, userID, id string) error {
	tag, err := h.pool.Exec(ctx,
		`delete from crawl_link_history where id = $1 and user_id = $2`,
		id, userID,
	)
	if err != nil {
		return errors.Wrap(err, "delete crawl history")
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(domain.ErrNotFound, "history entry %s", id)
	}
	return nil
}

func scanHistory(row pgx.Row) (domain.LinkHistoryEntry, error) {
	var e domain.LinkHistoryEntry
	err := row.Scan(&e.ID, &e.UserID, &e.SourceURL, &e.Hostname,
		&e.LastCrawledAt, &e.LastResultCount, &e.LastDuplicateCount,
		&e.LastErrorCount, &e.LastTotalLinks, &e.LastStatus,
		&e.LastMessage, &e.CreatedAt, &e.UpdatedAt)
	return e, err
}
