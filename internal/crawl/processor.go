package crawl

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/you/taskmill/internal/domain"
)

func newItemID() string { return uuid.NewString() }

// PageProcessor is the default drain enrichment: fetch the candidate page,
// following redirects so short links resolve to their target, and fail the
// item on transport errors or error statuses.
type PageProcessor struct {
	client    *http.Client
	userAgent string
}

func NewPageProcessor(timeout time.Duration) *PageProcessor {
	return &PageProcessor{
		client:    &http.Client{Timeout: timeout},
		userAgent: "taskmill-crawler/1.0",
	}
}

func (p *PageProcessor) Process(ctx context.Context, item domain.CrawlQueueItem) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, item.CandidateURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", p.userAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", item.CandidateURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("fetch %s: status %d", item.CandidateURL, resp.StatusCode)
	}
	return nil
}
