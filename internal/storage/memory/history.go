package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/you/taskmill/internal/crawl"
	"github.com/you/taskmill/internal/domain"
)

// History is the in-memory crawl.HistoryRepo: one entry per (user, source).
type History struct {
	mu       sync.RWMutex
	entries  map[string]*domain.LinkHistoryEntry
	bySource map[string]string
}

func NewHistory() *History {
	return &History{
		entries:  make(map[string]*domain.LinkHistoryEntry),
		bySource: make(map[string]string),
	}
}

func sourceKey(userID, sourceURL string) string { return userID + "|" + sourceURL }

func (h *History) EnsureRunning(_ context.Context, userID, sourceURL, hostname string) (domain.LinkHistoryEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := time.Now().UTC()

	if id, ok := h.bySource[sourceKey(userID, sourceURL)]; ok {
		e := h.entries[id]
		e.Hostname = hostname
		e.LastStatus = domain.HistoryRunning
		e.LastMessage = "crawl starting"
		e.LastCrawledAt = now
		e.UpdatedAt = now
		return *e, nil
	}

	e := &domain.LinkHistoryEntry{
		ID:            uuid.NewString(),
		UserID:        userID,
		SourceURL:     sourceURL,
		Hostname:      hostname,
		LastStatus:    domain.HistoryRunning,
		LastMessage:   "crawl starting",
		LastCrawledAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	h.entries[e.ID] = e
	h.bySource[sourceKey(userID, sourceURL)] = e.ID
	return *e, nil
}

func (h *History) FinishRun(_ context.Context, id string, run crawl.RunSummary) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.entries[id]
	if !ok {
		return fmt.Errorf("%w: history entry %s", domain.ErrNotFound, id)
	}
	now := time.Now().UTC()
	e.LastStatus = run.Status
	e.LastResultCount = run.ResultCount
	e.LastDuplicateCount = run.DuplicateCount
	e.LastErrorCount = run.ErrorCount
	e.LastTotalLinks = run.TotalLinks
	e.LastMessage = run.Message
	e.LastCrawledAt = now
	e.UpdatedAt = now
	return nil
}

func (h *History) List(_ context.Context, userID string, limit, offset int) ([]domain.LinkHistoryEntry, int, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var all []domain.LinkHistoryEntry
	for _, e := range h.entries {
		if e.UserID == userID {
			all = append(all, *e)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].LastCrawledAt.After(all[j].LastCrawledAt)
	})
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

func (h *History) Delete(_ context.Context, userID, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.entries[id]
	if !ok || e.UserID != userID {
		return fmt.Errorf("%w: history entry %s", domain.ErrNotFound, id)
	}
	delete(h.entries, id)
	delete(h.bySource, sourceKey(e.UserID, e.SourceURL))
	return nil
}
