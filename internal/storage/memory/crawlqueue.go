package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/you/taskmill/internal/domain"
)

// CrawlQueue is the in-memory crawl.QueueRepo.
type CrawlQueue struct {
	mu    sync.RWMutex
	items map[string]*domain.CrawlQueueItem
	order []string
}

func NewCrawlQueue() *CrawlQueue {
	return &CrawlQueue{items: make(map[string]*domain.CrawlQueueItem)}
}

func (q *CrawlQueue) InsertIfAbsent(_ context.Context, item domain.CrawlQueueItem) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range q.order {
		existing := q.items[id]
		if existing.UserID == item.UserID &&
			existing.DedupKey == item.DedupKey &&
			existing.Status != domain.QueueFailed {
			return false, nil
		}
	}
	cp := item
	q.items[item.ID] = &cp
	q.order = append(q.order, item.ID)
	return true, nil
}

func (q *CrawlQueue) ClaimPending(_ context.Context) (domain.CrawlQueueItem, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range q.order {
		item := q.items[id]
		if item.Status == domain.QueuePending {
			item.Status = domain.QueueProcessing
			item.UpdatedAt = time.Now().UTC()
			return *item, true, nil
		}
	}
	return domain.CrawlQueueItem{}, false, nil
}

func (q *CrawlQueue) Get(_ context.Context, id string) (domain.CrawlQueueItem, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	item, ok := q.items[id]
	if !ok {
		return domain.CrawlQueueItem{}, fmt.Errorf("%w: queue item %s", domain.ErrNotFound, id)
	}
	return *item, nil
}

func (q *CrawlQueue) SetStatus(_ context.Context, id string, status domain.QueueStatus, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[id]
	if !ok {
		return fmt.Errorf("%w: queue item %s", domain.ErrNotFound, id)
	}
	item.Status = status
	item.Error = errMsg
	item.UpdatedAt = time.Now().UTC()
	return nil
}

func (q *CrawlQueue) DeleteBySource(_ context.Context, userID, sourceURL string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.deleteWhere(func(item *domain.CrawlQueueItem) bool {
		return item.UserID == userID && item.SourceURL == sourceURL
	}), nil
}

func (q *CrawlQueue) DeleteByIDs(_ context.Context, userID string, ids []string) (int, error) {
	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.deleteWhere(func(item *domain.CrawlQueueItem) bool {
		return item.UserID == userID && wanted[item.ID]
	}), nil
}

// deleteWhere removes matching items and keeps insertion order intact.
// Callers hold the write lock.
func (q *CrawlQueue) deleteWhere(match func(*domain.CrawlQueueItem) bool) int {
	n := 0
	kept := q.order[:0]
	for _, id := range q.order {
		if match(q.items[id]) {
			delete(q.items, id)
			n++
			continue
		}
		kept = append(kept, id)
	}
	q.order = kept
	return n
}

// KeysBySource lists dedup keys for a source's items, for cache invalidation.
func (q *CrawlQueue) KeysBySource(_ context.Context, userID, sourceURL string) ([]string, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	var keys []string
	for _, id := range q.order {
		item := q.items[id]
		if item.UserID == userID && item.SourceURL == sourceURL {
			keys = append(keys, item.DedupKey)
		}
	}
	return keys, nil
}

// KeysByIDs lists dedup keys for an explicit item set.
func (q *CrawlQueue) KeysByIDs(_ context.Context, userID string, ids []string) ([]string, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	var keys []string
	for _, id := range ids {
		if item, ok := q.items[id]; ok && item.UserID == userID {
			keys = append(keys, item.DedupKey)
		}
	}
	return keys, nil
}

// CountByDedupKey reports live rows for one dedup key, a test helper.
func (q *CrawlQueue) CountByDedupKey(userID, key string) int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	n := 0
	for _, id := range q.order {
		item := q.items[id]
		if item.UserID == userID && item.DedupKey == key {
			n++
		}
	}
	return n
}
