package domain

import "time"

type JobType string

const (
	TypeScriptGeneration JobType = "script_generation"
	TypeVideoGeneration  JobType = "video_generation"
	TypeProductBatch     JobType = "product_batch"
	TypeCrawl            JobType = "crawl"
)

type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether a status can never change again.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Job is one tracked unit of asynchronous work. ResourceKey, when set, is
// held exclusively while the job is pending or processing.
type Job struct {
	ID          string
	UserID      string
	Type        JobType
	ResourceKey string
	Status      JobStatus
	Progress    int
	Step        string
	Logs        []string
	PID         int
	Error       string
	Result      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
