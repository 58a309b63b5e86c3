package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tailorcv/pipeline/internal/job"
	"github.com/tailorcv/pipeline/internal/queue"
)

// processLeased runs the per-message algorithm. The one invariant that
// everything rests on: a store transition to a terminal (or
// intentionally skipped) state is durably written before the message is
// acknowledged. A crash between the two causes redelivery and a safe
// no-op re-check, never a lost result.
func (w *Worker) processLeased(ctx context.Context, workerName string, m queue.Leased) {
	msg := m.Message()
	logger := w.logger.With(
		slog.String("worker_name", workerName),
		slog.String("job_id", msg.JobID),
		slog.String("job_type", string(msg.Type)),
		slog.Int("attempt", m.Attempt()),
	)

	rec, err := w.store.Get(ctx, msg.JobID)
	if errors.Is(err, job.ErrNotFound) {
		// The record expired before execution started. Policy: drop.
		logger.Warn("Job record missing or expired, dropping message")
		w.ack(logger, m)
		return
	}
	if err != nil {
		logger.Error("Failed to look up job record", slog.Any("error", err))
		w.retryOrFail(ctx, logger, m, job.NewTransientError(err))
		return
	}

	// Idempotency guard: a redelivered message for a finished job is
	// acknowledged without re-running side effects.
	if rec.Status.Terminal() {
		logger.Info("Job already terminal, skipping execution",
			slog.String("status", string(rec.Status)),
		)
		w.ack(logger, m)
		return
	}

	if err := w.store.MarkProcessing(ctx, msg.JobID); err != nil {
		if errors.Is(err, job.ErrInvalidTransition) {
			// Another worker finished it between the guard and the
			// claim. Same outcome: skip and acknowledge.
			logger.Info("Job claimed and finished elsewhere, skipping")
			w.ack(logger, m)
			return
		}
		if errors.Is(err, job.ErrNotFound) {
			logger.Warn("Job record expired during claim, dropping message")
			w.ack(logger, m)
			return
		}
		logger.Error("Failed to mark job processing", slog.Any("error", err))
		w.retryOrFail(ctx, logger, m, job.NewTransientError(err))
		return
	}
	w.refreshCache(ctx, msg.JobID)

	result, execErr := w.execute(ctx, logger, m)

	if execErr != nil {
		w.retryOrFail(ctx, logger, m, execErr)
		return
	}

	if err := w.store.MarkSucceeded(ctx, msg.JobID, result); err != nil && !errors.Is(err, job.ErrInvalidTransition) {
		// The result is computed but not recorded: leave the message
		// unacked so redelivery retries the store write path.
		logger.Error("Failed to record job result", slog.Any("error", err))
		w.nackRequeue(logger, m)
		return
	}
	w.refreshCache(ctx, msg.JobID)
	w.ack(logger, m)

	logger.Info("Job completed successfully",
		slog.Int("result_size", len(result)),
	)
}

// execute resolves credentials and the provider adapter, then invokes
// the operation under the per-type timeout with a lease keepalive
// running. Credentials live only in this frame; they are gone when it
// returns.
func (w *Worker) execute(ctx context.Context, logger *slog.Logger, m queue.Leased) ([]byte, error) {
	msg := m.Message()

	creds, err := w.resolver.FromAttributes(m.Attributes())
	if err != nil {
		return nil, job.NewPermanentError(job.KindInvalidCredentials, err)
	}

	prov, err := w.providers(creds)
	if err != nil {
		return nil, job.NewPermanentError(job.KindInvalidCredentials, err)
	}

	timeout := w.jobs.TimeoutFor(string(msg.Type))
	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	keepaliveDone := make(chan struct{})
	defer close(keepaliveDone)
	go w.extendLease(jobCtx, logger, m, keepaliveDone)

	logger.Info("Executing job",
		slog.Int("payload_size", len(msg.Payload)),
		slog.Duration("timeout", timeout),
	)

	return prov.Invoke(jobCtx, msg.Type, msg.Payload)
}

// retryOrFail classifies a failure: transient errors with budget left
// are released for redelivery, everything else becomes a terminal
// failed record followed by an acknowledgment. The budget is charged
// on the job record, not read off the message: broker redelivery
// bookkeeping does not survive a plain requeue.
func (w *Worker) retryOrFail(ctx context.Context, logger *slog.Logger, m queue.Leased, execErr error) {
	if !job.IsTransient(execErr) {
		info := job.ErrorInfo{Kind: job.KindProviderError, Message: "operation failed"}
		var perm *job.PermanentError
		if errors.As(execErr, &perm) {
			info.Kind = perm.Kind
			info.Message = perm.Err.Error()
		}

		logger.Error("Permanent failure",
			slog.String("kind", info.Kind),
			slog.String("error", execErr.Error()),
		)
		w.failAndAck(ctx, logger, m, info)
		return
	}

	retries, err := w.store.RecordRetry(ctx, m.Message().JobID)
	if errors.Is(err, job.ErrInvalidTransition) {
		logger.Info("Job finished elsewhere during retry accounting, skipping")
		w.ack(logger, m)
		return
	}
	if errors.Is(err, job.ErrNotFound) {
		logger.Warn("Job record expired during retry accounting, dropping message")
		w.ack(logger, m)
		return
	}
	if err != nil {
		// The failure could not be counted; requeue without spending
		// budget.
		logger.Error("Failed to record retry", slog.Any("error", err))
		w.nackRequeue(logger, m)
		return
	}

	if retries <= w.maxRetries {
		logger.Warn("Transient failure, releasing for redelivery",
			slog.Int("retries", retries),
			slog.Int("max_retries", w.maxRetries),
			slog.String("error", execErr.Error()),
		)
		w.nackRequeue(logger, m)
		return
	}

	logger.Warn("Retry budget exhausted",
		slog.Int("max_retries", w.maxRetries),
	)
	w.failAndAck(ctx, logger, m, job.ErrorInfo{
		Kind:    job.KindMaxRetriesExceeded,
		Message: fmt.Sprintf("failed after %d attempts", retries),
	})
}

// failAndAck writes the terminal failure, then acknowledges. A
// transition race means someone else already finished the job; the
// acknowledgment still stands.
func (w *Worker) failAndAck(ctx context.Context, logger *slog.Logger, m queue.Leased, info job.ErrorInfo) {
	err := w.store.MarkFailed(ctx, m.Message().JobID, info)
	if err != nil && !errors.Is(err, job.ErrInvalidTransition) && !errors.Is(err, job.ErrNotFound) {
		logger.Error("Failed to record job failure", slog.Any("error", err))
		w.nackRequeue(logger, m)
		return
	}
	w.refreshCache(ctx, m.Message().JobID)
	w.ack(logger, m)
}

// extendLease periodically pushes the visibility window out while the
// provider call runs, so a legitimately slow job is not redelivered
// mid-flight.
func (w *Worker) extendLease(ctx context.Context, logger *slog.Logger, m queue.Leased, done <-chan struct{}) {
	ticker := time.NewTicker(w.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.ExtendLease(2 * w.keepalive); err != nil {
				logger.Warn("Failed to extend message lease", slog.Any("error", err))
			}
		}
	}
}

// refreshCache pushes the current store snapshot into the status
// cache. Best effort: the store remains the source of truth.
func (w *Worker) refreshCache(ctx context.Context, jobID string) {
	if w.cache == nil {
		return
	}
	rec, err := w.store.Get(ctx, jobID)
	if err != nil {
		return
	}
	_ = w.cache.SetJob(ctx, rec)
}

func (w *Worker) ack(logger *slog.Logger, m queue.Leased) {
	if err := m.Ack(); err != nil {
		logger.Error("Failed to acknowledge message", slog.Any("error", err))
	}
}

func (w *Worker) nackRequeue(logger *slog.Logger, m queue.Leased) {
	if err := m.Nack(true); err != nil {
		logger.Error("Failed to release message", slog.Any("error", err))
	}
}
