package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/tailorcv/pipeline/internal/job"
)

// MemoryQueue implements Queue in process memory with real visibility
// windows: an unacked lease lapses after the lease duration and the
// message becomes deliverable again. After maxAttempts deliveries
// without acknowledgment the message moves to the dead-letter buffer.
//
// It backs the worker and API test suites and broker-less local runs.
type MemoryQueue struct {
	mu          sync.Mutex
	ready       []*memoryEntry
	dead        []*memoryEntry
	leaseDur    time.Duration
	maxAttempts int
	maxBytes    int
	notify      chan struct{}
	deadNotify  chan struct{}
}

type memoryEntry struct {
	msg      job.Message
	attrs    job.CredentialAttributes
	attempts int
	dead     bool // lives on the dead-letter buffer

	mu    sync.Mutex
	timer *time.Timer
	done  bool // acked or released
}

// MemoryConfig bounds the in-memory transport.
type MemoryConfig struct {
	LeaseDuration time.Duration
	MaxAttempts   int
	MaxBytes      int
}

func NewMemoryQueue(cfg MemoryConfig) *MemoryQueue {
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 256 * 1024
	}
	return &MemoryQueue{
		leaseDur:    cfg.LeaseDuration,
		maxAttempts: cfg.MaxAttempts,
		maxBytes:    cfg.MaxBytes,
		notify:      make(chan struct{}, 1),
		deadNotify:  make(chan struct{}, 1),
	}
}

func (q *MemoryQueue) Publish(_ context.Context, msg job.Message, attrs job.CredentialAttributes) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if len(body) > q.maxBytes {
		return ErrPayloadTooLarge
	}

	q.mu.Lock()
	q.ready = append(q.ready, &memoryEntry{msg: msg, attrs: attrs})
	q.mu.Unlock()

	q.wake(q.notify)
	return nil
}

func (q *MemoryQueue) Receive(ctx context.Context, max int, wait time.Duration) ([]Leased, error) {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()

	for {
		if leased := q.takeReady(max); len(leased) > 0 {
			return leased, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-q.notify:
		}
	}
}

// DeadLetterReceiver exposes the dead-letter buffer for the
// reconciliation pass. Dead-lettered messages are leased without a
// further redelivery budget.
func (q *MemoryQueue) DeadLetterReceiver() Receiver {
	return deadReceiver{q: q}
}

// DeadLetterCount reports how many messages sit on the dead-letter
// buffer. Test hook.
func (q *MemoryQueue) DeadLetterCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.dead)
}

func (q *MemoryQueue) takeReady(max int) []Leased {
	q.mu.Lock()
	defer q.mu.Unlock()

	var leased []Leased
	for len(q.ready) > 0 && len(leased) < max {
		e := q.ready[0]
		q.ready = q.ready[1:]
		e.attempts++
		leased = append(leased, q.lease(e))
	}
	return leased
}

// lease arms the visibility timer. On expiry the message either
// returns to the ready buffer or, with the attempt budget spent, moves
// to the dead-letter buffer. Callers hold q.mu.
func (q *MemoryQueue) lease(e *memoryEntry) *memoryLease {
	l := &memoryLease{q: q, e: e}
	e.mu.Lock()
	e.timer = time.AfterFunc(q.leaseDur, func() { q.release(e, e.attempts < q.maxAttempts) })
	e.mu.Unlock()
	return l
}

// release makes an unacked message visible again on the buffer it was
// leased from, or dead-letters it. A requeued dead-letter lease goes
// back to the dead buffer, never to the live work queue.
func (q *MemoryQueue) release(e *memoryEntry, requeue bool) {
	e.mu.Lock()
	if e.done {
		e.mu.Unlock()
		return
	}
	e.done = true
	if e.timer != nil {
		e.timer.Stop()
	}
	e.mu.Unlock()

	// Fresh entry so the old lease cannot touch the new delivery.
	next := &memoryEntry{msg: e.msg, attrs: e.attrs, attempts: e.attempts, dead: e.dead || !requeue}

	q.mu.Lock()
	if next.dead {
		q.dead = append(q.dead, next)
	} else {
		q.ready = append(q.ready, next)
	}
	q.mu.Unlock()

	if next.dead {
		q.wake(q.deadNotify)
	} else {
		q.wake(q.notify)
	}
}

func (q *MemoryQueue) wake(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

type memoryLease struct {
	q *MemoryQueue
	e *memoryEntry
}

func (l *memoryLease) Message() job.Message { return l.e.msg }

func (l *memoryLease) Attributes() job.CredentialAttributes { return l.e.attrs }

func (l *memoryLease) Attempt() int { return l.e.attempts }

func (l *memoryLease) Ack() error {
	l.e.mu.Lock()
	defer l.e.mu.Unlock()
	if l.e.done {
		return nil
	}
	l.e.done = true
	if l.e.timer != nil {
		l.e.timer.Stop()
	}
	return nil
}

func (l *memoryLease) Nack(requeue bool) error {
	l.q.release(l.e, requeue)
	return nil
}

func (l *memoryLease) ExtendLease(d time.Duration) error {
	l.e.mu.Lock()
	defer l.e.mu.Unlock()
	if l.e.done || l.e.timer == nil {
		return nil
	}
	l.e.timer.Reset(d)
	return nil
}

type deadReceiver struct {
	q *MemoryQueue
}

func (r deadReceiver) Receive(ctx context.Context, max int, wait time.Duration) ([]Leased, error) {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()

	for {
		r.q.mu.Lock()
		var leased []Leased
		for len(r.q.dead) > 0 && len(leased) < max {
			e := r.q.dead[0]
			r.q.dead = r.q.dead[1:]
			e.attempts++
			leased = append(leased, &memoryLease{q: r.q, e: e})
		}
		r.q.mu.Unlock()

		if len(leased) > 0 {
			return leased, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-r.q.deadNotify:
		}
	}
}

var _ Queue = (*MemoryQueue)(nil)
