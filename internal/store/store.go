// Package store is the authoritative record of job status. Records
// carry no payload and no credentials; transitions are conditional so
// concurrent workers racing on a redelivered message cannot clobber a
// terminal state.
package store

import (
	"context"
	"encoding/json"

	"github.com/tailorcv/pipeline/internal/job"
)

// Store is the job record contract shared by the API and the workers.
// Implementations must be safe for concurrent use.
//
// All Mark* methods are compare-and-swap on status: a transition
// attempt against a terminal record fails with job.ErrInvalidTransition
// instead of overwriting it.
type Store interface {
	// Create writes a pending record with the expiry horizon applied.
	// Fails with job.ErrConflict if the ID is taken.
	Create(ctx context.Context, jobID string, jobType job.Type) (*job.Job, error)

	// MarkProcessing transitions pending -> processing. Idempotent if
	// already processing; job.ErrInvalidTransition if terminal.
	MarkProcessing(ctx context.Context, jobID string) error

	// MarkSucceeded stores the result and moves the job to succeeded.
	MarkSucceeded(ctx context.Context, jobID string, result json.RawMessage) error

	// MarkFailed records the error info and moves the job to failed.
	MarkFailed(ctx context.Context, jobID string, errInfo job.ErrorInfo) error

	// RecordRetry charges one transient failure against the record and
	// returns the total recorded so far. Terminal records reject it
	// with job.ErrInvalidTransition.
	RecordRetry(ctx context.Context, jobID string) (int, error)

	// Get returns the record, or job.ErrNotFound when it is missing or
	// past its expiry horizon.
	Get(ctx context.Context, jobID string) (*job.Job, error)

	// PurgeExpired removes records past their expiry horizon and
	// returns the purged job ids, so callers can drop any derived
	// state such as cached status snapshots.
	PurgeExpired(ctx context.Context) ([]string, error)
}
