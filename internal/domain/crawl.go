package domain

import "time"

type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueDone       QueueStatus = "done"
	QueueFailed     QueueStatus = "failed"
)

// CrawlQueueItem is one deduplicated candidate link discovered on a source
// page. DedupKey is the normalized form of CandidateURL; within a user scope
// at most one non-failed item exists per key.
type CrawlQueueItem struct {
	ID           string
	UserID       string
	SourceURL    string
	CandidateURL string
	DedupKey     string
	Status       QueueStatus
	Error        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type HistoryStatus string

const (
	HistoryRunning   HistoryStatus = "running"
	HistoryCompleted HistoryStatus = "completed"
	HistoryError     HistoryStatus = "error"
	HistoryAborted   HistoryStatus = "aborted"
)

// LinkHistoryEntry summarizes the most recent crawl run against one source
// URL. One row per (user, sourceUrl), mutated in place on every run.
type LinkHistoryEntry struct {
	ID                 string
	UserID             string
	SourceURL          string
	Hostname           string
	LastCrawledAt      time.Time
	LastResultCount    int
	LastDuplicateCount int
	LastErrorCount     int
	LastTotalLinks     int
	LastStatus         HistoryStatus
	LastMessage        string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}
