package domain

// BatchFailure records one item that could not be processed.
type BatchFailure struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// BatchResult is the aggregated outcome stored on a parent batch job.
// Item-level failures are data, not an error: the parent job still completes.
type BatchResult struct {
	SuccessCount int            `json:"successCount"`
	FailCount    int            `json:"failCount"`
	Failures     []BatchFailure `json:"failures"`
}
