package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/you/taskmill/internal/domain"
)

// CrawlQueue is the pgx-backed crawl.QueueRepo.
type CrawlQueue struct {
	pool *pgxpool.Pool
}

func (q *CrawlQueue) InsertIfAbsent(ctx context.Context, item domain.CrawlQueueItem) (bool, error) {
	tag, err := q.pool.Exec(ctx, `
		insert into crawl_queue (id, user_id, source_url, candidate_url, dedup_key, status, created_at, updated_at)
		select $1, $2, $3, $4, $5, $6, $7, $8
		where not exists (
			select 1 from crawl_queue
			where user_id = $2 and dedup_key = $5 and status <> 'failed'
		)`,
		item.ID, item.UserID, item.SourceURL, item.CandidateURL, item.DedupKey,
		item.Status, item.CreatedAt, item.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		// Lost the insert race to another submitter: a duplicate, not an error.
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "insert queue item")
	}
	return tag.RowsAffected() == 1, nil
}

func (q *CrawlQueue) ClaimPending(ctx context.Context) (domain.CrawlQueueItem, bool, error) {
	row := q.pool.QueryRow(ctx, `
		update crawl_queue
		set status = 'processing', updated_at = now()
		where id = (
			select id from crawl_queue
			where status = 'pending'
			order by created_at asc
			limit 1
			for update skip locked
		)
		returning id, user_id, source_url, candidate_url, dedup_key, status, coalesce(error, ''), created_at, updated_at`)

	item, err := scanQueueItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.CrawlQueueItem{}, false, nil
	}
	if err != nil {
		return domain.CrawlQueueItem{}, false, errors.Wrap(err, "claim pending item")
	}
	return item, true, nil
}

func (q *CrawlQueue) Get(ctx context.Context, id string) (domain.CrawlQueueItem, error) {
	row := q.pool.QueryRow(ctx, `
		select id, user_id, source_url, candidate_url, dedup_key, status, coalesce(error, ''), created_at, updated_at
		from crawl_queue where id = $1`, id)

	item, err := scanQueueItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.CrawlQueueItem{}, errors.Wrapf(domain.ErrNotFound, "queue item %s", id)
	}
	return item, errors.Wrap(err, "get queue item")
}

func (q *CrawlQueue) SetStatus(ctx context.Context, id string, status domain.QueueStatus, errMsg string) error {
	tag, err := q.pool.Exec(ctx, `
		update crawl_queue
		set status = $2, error = nullif($3, ''), updated_at = now()
		where id = $1`,
		id, status, errMsg,
	)
	if err != nil {
		return errors.Wrap(err, "update queue item status")
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(domain.ErrNotFound, "queue item %s", id)
	}
	return nil
}

func (q *CrawlQueue) DeleteBySource(ctx context.Context, userID, sourceURL string) (int, error) {
	tag, err := q.pool.Exec(ctx,
		`delete from crawl_queue where user_id = $1 and source_url = $2`,
		userID, sourceURL,
	)
	return int(tag.RowsAffected()), errors.Wrap(err, "delete queue items by source")
}

func (q *CrawlQueue) DeleteByIDs(ctx context.Context, userID string, ids []string) (int, error) {
	tag, err := q.pool.Exec(ctx,
		`delete from crawl_queue where user_id = $1 and id = any($2)`,
		userID, ids,
	)
	return int(tag.RowsAffected()), errors.Wrap(err, "delete queue items by id")
}

func (q *CrawlQueue) KeysBySource(ctx context.Context, userID, sourceURL string) ([]string, error) {
	rows, err := q.pool.Query(ctx,
		`select dedup_key from crawl_queue where user_id = $1 and source_url = $2`,
		userID, sourceURL,
	)
	if err != nil {
		return nil, errors.Wrap(err, "query dedup keys by source")
	}
	defer rows.Close()
	return scanKeys(rows)
}

func (q *CrawlQueue) KeysByIDs(ctx context.Context, userID string, ids []string) ([]string, error) {
	rows, err := q.pool.Query(ctx,
		`select dedup_key from crawl_queue where user_id = $1 and id = any($2)`,
		userID, ids,
	)
	if err != nil {
		return nil, errors.Wrap(err, "query dedup keys by id")
	}
	defer rows.Close()
	return scanKeys(rows)
}

func scanQueueItem(row pgx.Row) (domain.CrawlQueueItem, error) {
	var item domain.CrawlQueueItem
	err := row.Scan(&item.ID, &item.UserID, &item.SourceURL, &item.CandidateURL,
		&item.DedupKey, &item.Status, &item.Error, &item.CreatedAt, &item.UpdatedAt)
	return item, err
}

func scanKeys(rows pgx.Rows) ([]string, error) {
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, errors.Wrap(err, "scan dedup key")
		}
		keys = append(keys, k)
	}
	return keys, errors.Wrap(rows.Err(), "iterate dedup keys")
}
