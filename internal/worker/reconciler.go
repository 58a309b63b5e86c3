package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/tailorcv/pipeline/internal/cache"
	"github.com/tailorcv/pipeline/internal/job"
	"github.com/tailorcv/pipeline/internal/queue"
	"github.com/tailorcv/pipeline/internal/store"
)

// Reconciler drains the dead-letter path. The transport routes a
// message there without knowing about the job store, so any job that
// arrives without a terminal record is independently marked failed
// with kind max_retries_exceeded.
type Reconciler struct {
	logger      *slog.Logger
	store       store.Store
	cache       cache.StatusCache
	dead        queue.Receiver
	receiveWait time.Duration
}

func NewReconciler(logger *slog.Logger, st store.Store, ca cache.StatusCache, dead queue.Receiver, receiveWait time.Duration) *Reconciler {
	if receiveWait <= 0 {
		receiveWait = 5 * time.Second
	}
	return &Reconciler{
		logger:      logger,
		store:       st,
		cache:       ca,
		dead:        dead,
		receiveWait: receiveWait,
	}
}

// Run consumes the dead-letter queue until ctx is canceled.
func (r *Reconciler) Run(ctx context.Context) {
	r.logger.Info("Dead-letter reconciler started")

	for {
		leased, err := r.dead.Receive(ctx, 8, r.receiveWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Error("Failed to receive dead-lettered messages",
				slog.Any("error", err),
			)
			time.Sleep(time.Second)
			continue
		}

		for _, m := range leased {
			r.reconcile(ctx, m)
		}
	}
}

func (r *Reconciler) reconcile(ctx context.Context, m queue.Leased) {
	jobID := m.Message().JobID
	logger := r.logger.With(slog.String("job_id", jobID))

	rec, err := r.store.Get(ctx, jobID)
	if errors.Is(err, job.ErrNotFound) {
		logger.Info("Dead-lettered job has no live record, dropping")
		r.ack(logger, m)
		return
	}
	if err != nil {
		logger.Error("Failed to look up dead-lettered job", slog.Any("error", err))
		// Leave the message leased; the next pass retries.
		_ = m.Nack(true)
		return
	}

	if !rec.Status.Terminal() {
		err := r.store.MarkFailed(ctx, jobID, job.ErrorInfo{
			Kind:    job.KindMaxRetriesExceeded,
			Message: "message exceeded its redelivery budget",
		})
		if err != nil && !errors.Is(err, job.ErrInvalidTransition) && !errors.Is(err, job.ErrNotFound) {
			logger.Error("Failed to fail dead-lettered job", slog.Any("error", err))
			_ = m.Nack(true)
			return
		}
		logger.Warn("Dead-lettered job marked failed")

		if r.cache != nil {
			if rec, err := r.store.Get(ctx, jobID); err == nil {
				_ = r.cache.SetJob(ctx, rec)
			}
		}
	}

	r.ack(logger, m)
}

func (r *Reconciler) ack(logger *slog.Logger, m queue.Leased) {
	if err := m.Ack(); err != nil {
		logger.Error("Failed to acknowledge dead-lettered message", slog.Any("error", err))
	}
}
