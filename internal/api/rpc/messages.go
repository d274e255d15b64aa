package rpc

import "github.com/spherical-ai/spherical/libs/doc-extraction/internal/extraction"

// GetJobRequest asks for a job and its result.
type GetJobRequest struct {
	JobID string `json:"jobId"`
}

// GetJobResponse carries the job and, once conversion output exists, its result.
type GetJobResponse struct {
	Job    *extraction.Job              `json:"job"`
	Result *extraction.ExtractionResult `json:"result,omitempty"`
}

// ListJobsRequest filters the caller's jobs.
type ListJobsRequest struct {
	ProjectRef string   `json:"projectRef,omitempty"`
	Statuses   []string `json:"statuses,omitempty"`
	Limit      int32    `json:"limit,omitempty"`
}

// ListJobsResponse lists jobs newest first.
type ListJobsResponse struct {
	Jobs []*extraction.Job `json:"jobs"`
}

// RetryJobRequest re-queues a failed job.
type RetryJobRequest struct {
	JobID string `json:"jobId"`
}

// RetryJobResponse returns the job after the retry was accepted.
type RetryJobResponse struct {
	Job *extraction.Job `json:"job"`
}

// CancelJobRequest requests cancellation.
type CancelJobRequest struct {
	JobID string `json:"jobId"`
}

// CancelJobResponse returns the job as of the request. A running job is still
// running; it stops at its next checkpoint.
type CancelJobResponse struct {
	Job *extraction.Job `json:"job"`
}
