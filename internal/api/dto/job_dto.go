package dto

import (
	"encoding/json"
	"time"

	"github.com/tailorcv/pipeline/internal/job"
)

// Credential headers. Optional, but both-or-neither.
const (
	HeaderUserProvider = "X-User-Provider"
	HeaderUserAPIKey   = "X-User-Api-Key"
)

type SubmitJobResponse struct {
	JobID   string `json:"job_id"`
	JobType string `json:"job_type"`
	Status  string `json:"status"`
}

type JobStatusResponse struct {
	JobID     string          `json:"job_id"`
	JobType   string          `json:"job_type"`
	Status    string          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *job.ErrorInfo  `json:"error,omitempty"`
	CreatedAt string          `json:"created_at"`
	UpdatedAt string          `json:"updated_at"`
}

// NewJobStatusResponse maps a store record onto the wire shape.
func NewJobStatusResponse(j *job.Job) JobStatusResponse {
	return JobStatusResponse{
		JobID:     j.JobID,
		JobType:   string(j.Type),
		Status:    string(j.Status),
		Result:    j.Result,
		Error:     j.Error,
		CreatedAt: j.CreatedAt.Format(time.RFC3339),
		UpdatedAt: j.UpdatedAt.Format(time.RFC3339),
	}
}
