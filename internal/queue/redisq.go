package queue

import (
	"context"
	"time"

	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/you/taskmill/internal/crawl"
	"github.com/you/taskmill/internal/domain"
)

const markPrefix = "dedup:"

// Marks is a Redis set of recently seen dedup keys, the fast path in front
// of the authoritative queue table. Keys expire so a stale mark can never
// block re-adding a link forever.
type Marks struct {
	rdb *r.Client
	ttl time.Duration
}

func NewMarks(rdb *r.Client, ttl time.Duration) *Marks {
	if ttl <= 0 {
		ttl = 48 * time.Hour
	}
	return &Marks{rdb: rdb, ttl: ttl}
}

func markKey(userID, dedupKey string) string { return markPrefix + userID + ":" + dedupKey }

func (m *Marks) Seen(ctx context.Context, userID, dedupKey string) (bool, error) {
	n, err := m.rdb.Exists(ctx, markKey(userID, dedupKey)).Result()
	return n == 1, err
}

func (m *Marks) Mark(ctx context.Context, userID, dedupKey string) error {
	return m.rdb.SetNX(ctx, markKey(userID, dedupKey), "1", m.ttl).Err()
}

func (m *Marks) Clear(ctx context.Context, userID string, dedupKeys ...string) error {
	if len(dedupKeys) == 0 {
		return nil
	}
	pipe := m.rdb.TxPipeline()
	for _, k := range dedupKeys {
		pipe.Del(ctx, markKey(userID, k))
	}
	_, err := pipe.Exec(ctx)
	return err
}

// keyLister is implemented by repos that can report the dedup keys behind a
// delete, so the marks can be invalidated alongside the rows.
type keyLister interface {
	KeysBySource(ctx context.Context, userID, sourceURL string) ([]string, error)
	KeysByIDs(ctx context.Context, userID string, ids []string) ([]string, error)
}

// DedupQueue decorates a crawl.QueueRepo with the Redis mark fast path.
// Redis being down degrades to the underlying repo, never to data loss.
type DedupQueue struct {
	crawl.QueueRepo
	marks *Marks
	log   *zap.Logger
}

func NewDedupQueue(inner crawl.QueueRepo, marks *Marks, log *zap.Logger) *DedupQueue {
	return &DedupQueue{QueueRepo: inner, marks: marks, log: log}
}

func (q *DedupQueue) InsertIfAbsent(ctx context.Context, item domain.CrawlQueueItem) (bool, error) {
	seen, err := q.marks.Seen(ctx, item.UserID, item.DedupKey)
	if err != nil {
		q.log.Warn("dedup mark lookup failed, falling back to store", zap.Error(err))
	} else if seen {
		return false, nil
	}

	inserted, err := q.QueueRepo.InsertIfAbsent(ctx, item)
	if err != nil || !inserted {
		return inserted, err
	}
	if merr := q.marks.Mark(ctx, item.UserID, item.DedupKey); merr != nil {
		// Non-critical: the store check still catches the duplicate.
		q.log.Warn("dedup mark write failed", zap.Error(merr))
	}
	return true, nil
}

func (q *DedupQueue) SetStatus(ctx context.Context, id string, status domain.QueueStatus, errMsg string) error {
	if status == domain.QueueFailed || status == domain.QueuePending {
		// Failed and retried items stop holding their dedup key.
		if item, err := q.QueueRepo.Get(ctx, id); err == nil {
			if cerr := q.marks.Clear(ctx, item.UserID, item.DedupKey); cerr != nil {
				q.log.Warn("dedup mark clear failed", zap.Error(cerr))
			}
		}
	}
	return q.QueueRepo.SetStatus(ctx, id, status, errMsg)
}

func (q *DedupQueue) DeleteBySource(ctx context.Context, userID, sourceURL string) (int, error) {
	if lister, ok := q.QueueRepo.(keyLister); ok {
		if keys, err := lister.KeysBySource(ctx, userID, sourceURL); err == nil {
			if cerr := q.marks.Clear(ctx, userID, keys...); cerr != nil {
				q.log.Warn("dedup mark clear failed", zap.Error(cerr))
			}
		}
	}
	return q.QueueRepo.DeleteBySource(ctx, userID, sourceURL)
}

func (q *DedupQueue) DeleteByIDs(ctx context.Context, userID string, ids []string) (int, error) {
	if lister, ok := q.QueueRepo.(keyLister); ok {
		if keys, err := lister.KeysByIDs(ctx, userID, ids); err == nil {
			if cerr := q.marks.Clear(ctx, userID, keys...); cerr != nil {
				q.log.Warn("dedup mark clear failed", zap.Error(cerr))
			}
		}
	}
	return q.QueueRepo.DeleteByIDs(ctx, userID, ids)
}
