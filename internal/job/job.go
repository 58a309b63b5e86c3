package job

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the lifecycle state of a job. Transitions are monotonic:
// pending -> processing -> (succeeded | failed). Terminal states admit
// no further transitions.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further status transitions are permitted.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Type identifies the AI operation a job performs.
type Type string

const (
	TypeExtract   Type = "extract"
	TypeTailor    Type = "tailor"
	TypeEvaluate  Type = "evaluate"
	TypeRephrase  Type = "rephrase"
	TypeRecommend Type = "recommend"
)

// Types lists every supported job type.
var Types = []Type{TypeExtract, TypeTailor, TypeEvaluate, TypeRephrase, TypeRecommend}

// ParseType validates a job type string from the URL path.
func ParseType(s string) (Type, error) {
	for _, t := range Types {
		if s == string(t) {
			return t, nil
		}
	}
	return "", NewValidationError(fmt.Sprintf("unknown job type %q", s))
}

// ErrorInfo is the only failure detail ever shown to a client: a stable
// kind plus a sanitized message. Raw provider responses, payload content
// and credential material must never end up here.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Job is the store record tracked from submission to terminal outcome.
// It deliberately has no payload field: input documents and credentials
// exist only in the queue message and in worker memory.
type Job struct {
	JobID     string          `db:"job_id" json:"job_id"`
	Type      Type            `db:"job_type" json:"job_type"`
	Status    Status          `db:"status" json:"status"`
	Result    json.RawMessage `db:"result" json:"result,omitempty"`
	Error     *ErrorInfo      `db:"-" json:"error,omitempty"`

	// RetryCount is the number of transient failures charged against
	// the record. It lives on the record because broker redelivery
	// bookkeeping does not survive a plain requeue.
	RetryCount int `db:"retry_count" json:"-"`

	CreatedAt time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
	ExpiresAt time.Time       `db:"expires_at" json:"-"`
}

// Expired reports whether the record is past its retention horizon.
func (j *Job) Expired(now time.Time) bool {
	return !j.ExpiresAt.IsZero() && now.After(j.ExpiresAt)
}
