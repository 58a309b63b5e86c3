// Package worker consumes job messages and executes them
// exactly-effectively-once: at-least-once delivery plus a store-side
// idempotency guard, with the store transition always happening before
// the queue acknowledgment.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tailorcv/pipeline/internal/cache"
	"github.com/tailorcv/pipeline/internal/config"
	"github.com/tailorcv/pipeline/internal/credentials"
	"github.com/tailorcv/pipeline/internal/provider"
	"github.com/tailorcv/pipeline/internal/queue"
	"github.com/tailorcv/pipeline/internal/store"
)

// Config holds worker configuration.
type Config struct {
	Logger   *slog.Logger
	Store    store.Store
	Cache    cache.StatusCache // optional; nil disables the status cache
	Queue    queue.Receiver
	Resolver *credentials.Resolver

	// Providers builds the adapter per job. Defaults to provider.New.
	Providers provider.Factory

	Jobs        config.JobsConfig
	Concurrency int

	// MaxRetries bounds redeliveries for transient failures: a job is
	// executed at most MaxRetries+1 times before it is failed with
	// kind max_retries_exceeded.
	MaxRetries int

	ReceiveWait       time.Duration
	KeepaliveInterval time.Duration
}

// Worker is the pool of message consumers.
type Worker struct {
	logger    *slog.Logger
	store     store.Store
	cache     cache.StatusCache
	queue     queue.Receiver
	resolver  *credentials.Resolver
	providers provider.Factory

	jobs        config.JobsConfig
	concurrency int
	maxRetries  int
	receiveWait time.Duration
	keepalive   time.Duration

	wg       sync.WaitGroup
	stopChan chan struct{}
}

// NewWorker creates a new worker instance.
func NewWorker(cfg *Config) *Worker {
	providers := cfg.Providers
	if providers == nil {
		providers = provider.New
	}
	receiveWait := cfg.ReceiveWait
	if receiveWait <= 0 {
		receiveWait = 5 * time.Second
	}
	keepalive := cfg.KeepaliveInterval
	if keepalive <= 0 {
		keepalive = 15 * time.Second
	}

	return &Worker{
		logger:      cfg.Logger,
		store:       cfg.Store,
		cache:       cfg.Cache,
		queue:       cfg.Queue,
		resolver:    cfg.Resolver,
		providers:   providers,
		jobs:        cfg.Jobs,
		concurrency: cfg.Concurrency,
		maxRetries:  cfg.MaxRetries,
		receiveWait: receiveWait,
		keepalive:   keepalive,
		stopChan:    make(chan struct{}),
	}
}

// Start spawns the pool and blocks until ctx is canceled or Stop is
// called.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.Int("max_retries", w.maxRetries),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.consumeLoop(ctx, i)
	}

	select {
	case <-ctx.Done():
	case <-w.stopChan:
	}

	w.logger.Info("Worker pool stopping")
	return nil
}

// Stop gracefully stops the worker and waits for in-flight jobs.
func (w *Worker) Stop() {
	select {
	case <-w.stopChan:
	default:
		close(w.stopChan)
	}
	w.wg.Wait()
	w.logger.Info("Worker pool stopped")
}

// consumeLoop is the main processing loop for one pool goroutine. Each
// goroutine handles one leased message at a time, so the pool size
// bounds concurrent provider calls.
func (w *Worker) consumeLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("worker-%d", workerNum)
	w.logger.Info("Worker goroutine started",
		slog.String("worker_name", workerName),
	)

	for {
		select {
		case <-w.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		leased, err := w.queue.Receive(ctx, 1, w.receiveWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("Failed to receive messages",
				slog.String("worker_name", workerName),
				slog.Any("error", err),
			)
			time.Sleep(time.Second)
			continue
		}

		for _, m := range leased {
			w.processLeased(ctx, workerName, m)
		}
	}
}
