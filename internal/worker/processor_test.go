package worker

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tailorcv/pipeline/internal/config"
	"github.com/tailorcv/pipeline/internal/credentials"
	"github.com/tailorcv/pipeline/internal/job"
	"github.com/tailorcv/pipeline/internal/provider"
	"github.com/tailorcv/pipeline/internal/provider/mock"
	"github.com/tailorcv/pipeline/internal/queue"
	"github.com/tailorcv/pipeline/internal/store"
)

const testSystemKey = "sk-test-0123456789abcdef"

type harness struct {
	store  *store.MemoryStore
	queue  *queue.MemoryQueue
	worker *Worker
}

func newHarness(t *testing.T, prov *mock.Provider, maxRetries int) *harness {
	t.Helper()

	st := store.NewMemoryStore(time.Hour)
	q := queue.NewMemoryQueue(queue.MemoryConfig{LeaseDuration: time.Minute, MaxAttempts: 10})

	w := NewWorker(&Config{
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Store:    st,
		Queue:    q,
		Resolver: credentials.NewResolver("openai", testSystemKey),
		Providers: func(credentials.Context) (provider.Provider, error) {
			return prov, nil
		},
		Jobs: config.JobsConfig{
			DefaultTimeout: time.Second,
		},
		Concurrency:       1,
		MaxRetries:        maxRetries,
		KeepaliveInterval: 10 * time.Millisecond,
	})

	return &harness{store: st, queue: q, worker: w}
}

// submit creates the record and publishes the message, in that order,
// the way the submission path does.
func (h *harness) submit(t *testing.T, jobID string) {
	t.Helper()
	ctx := context.Background()

	_, err := h.store.Create(ctx, jobID, job.TypeExtract)
	require.NoError(t, err)

	err = h.queue.Publish(ctx, job.Message{
		JobID:   jobID,
		Type:    job.TypeExtract,
		Payload: json.RawMessage(`{"text":"resume"}`),
	}, job.CredentialAttributes{})
	require.NoError(t, err)
}

func (h *harness) receiveOne(t *testing.T) queue.Leased {
	t.Helper()
	leased, err := h.queue.Receive(context.Background(), 1, time.Second)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	return leased[0]
}

func (h *harness) status(t *testing.T, jobID string) *job.Job {
	t.Helper()
	j, err := h.store.Get(context.Background(), jobID)
	require.NoError(t, err)
	return j
}

func TestProcessLeased_Success(t *testing.T) {
	prov := mock.NewSucceeding(`{"skills":["go","sql"]}`)
	h := newHarness(t, prov, 3)
	h.submit(t, "job-1")

	h.worker.processLeased(context.Background(), "worker-0", h.receiveOne(t))

	j := h.status(t, "job-1")
	assert.Equal(t, job.StatusSucceeded, j.Status)
	assert.JSONEq(t, `{"skills":["go","sql"]}`, string(j.Result))
	assert.Nil(t, j.Error)
	assert.Equal(t, 1, prov.Calls)

	// Nothing left on either queue.
	leased, err := h.queue.Receive(context.Background(), 1, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, leased)
	assert.Zero(t, h.queue.DeadLetterCount())
}

func TestProcessLeased_DuplicateDeliveryIsIdempotent(t *testing.T) {
	prov := mock.NewSucceeding(`{"ok":true}`)
	h := newHarness(t, prov, 3)
	h.submit(t, "job-1")

	// Same message delivered twice: the second delivery must see the
	// terminal record and skip execution entirely.
	m1 := h.receiveOne(t)
	require.NoError(t, h.queue.Publish(context.Background(), m1.Message(), m1.Attributes()))
	m2 := h.receiveOne(t)

	h.worker.processLeased(context.Background(), "worker-0", m1)
	h.worker.processLeased(context.Background(), "worker-1", m2)

	assert.Equal(t, 1, prov.Calls, "side effects must run exactly once")
	assert.Equal(t, job.StatusSucceeded, h.status(t, "job-1").Status)
}

func TestProcessLeased_TransientRetryBound(t *testing.T) {
	// MaxRetries=2 means three executions total, then a terminal failure
	// with kind max_retries_exceeded.
	prov := mock.NewTransientFailing()
	h := newHarness(t, prov, 2)
	h.submit(t, "job-1")

	for i := 0; i < 4; i++ {
		leased, err := h.queue.Receive(context.Background(), 1, 100*time.Millisecond)
		require.NoError(t, err)
		if len(leased) == 0 {
			break
		}
		h.worker.processLeased(context.Background(), "worker-0", leased[0])
	}

	assert.Equal(t, 3, prov.Calls)

	j := h.status(t, "job-1")
	assert.Equal(t, job.StatusFailed, j.Status)
	require.NotNil(t, j.Error)
	assert.Equal(t, job.KindMaxRetriesExceeded, j.Error.Kind)
}

// flatLease reports the same delivery count on every redelivery, the
// way a broker that only tracks a redelivered flag does after a plain
// requeue.
type flatLease struct {
	msg      job.Message
	acked    bool
	requeued bool
}

func (l *flatLease) Message() job.Message { return l.msg }

func (l *flatLease) Attributes() job.CredentialAttributes { return job.CredentialAttributes{} }

func (l *flatLease) Attempt() int { return 2 }

func (l *flatLease) Ack() error { l.acked = true; return nil }

func (l *flatLease) Nack(requeue bool) error { l.requeued = requeue; return nil }

func (l *flatLease) ExtendLease(time.Duration) error { return nil }

func TestProcessLeased_RetryBoundSurvivesFlatDeliveryCounts(t *testing.T) {
	// The delivery count from the transport never grows past 2 here, so
	// a budget read off the message would requeue forever. The count on
	// the record must still drive the job to a terminal failure after
	// MaxRetries+1 executions.
	prov := mock.NewTransientFailing()
	h := newHarness(t, prov, 2)

	_, err := h.store.Create(context.Background(), "job-1", job.TypeExtract)
	require.NoError(t, err)

	msg := job.Message{
		JobID:   "job-1",
		Type:    job.TypeExtract,
		Payload: json.RawMessage(`{"text":"resume"}`),
	}

	deliveries := 0
	for i := 0; i < 10; i++ {
		l := &flatLease{msg: msg}
		h.worker.processLeased(context.Background(), "worker-0", l)
		deliveries++
		if !l.requeued {
			require.True(t, l.acked)
			break
		}
	}

	assert.Equal(t, 3, deliveries)
	assert.Equal(t, 3, prov.Calls)

	j := h.status(t, "job-1")
	assert.Equal(t, job.StatusFailed, j.Status)
	require.NotNil(t, j.Error)
	assert.Equal(t, job.KindMaxRetriesExceeded, j.Error.Kind)
}

func TestProcessLeased_PermanentFailureShortCircuits(t *testing.T) {
	prov := mock.NewPermanentFailing(job.KindInvalidCredentials)
	h := newHarness(t, prov, 5)
	h.submit(t, "job-1")

	h.worker.processLeased(context.Background(), "worker-0", h.receiveOne(t))

	assert.Equal(t, 1, prov.Calls, "permanent failures must not be retried")

	j := h.status(t, "job-1")
	assert.Equal(t, job.StatusFailed, j.Status)
	require.NotNil(t, j.Error)
	assert.Equal(t, job.KindInvalidCredentials, j.Error.Kind)

	// Nothing requeued.
	leased, err := h.queue.Receive(context.Background(), 1, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, leased)
}

func TestProcessLeased_MissingRecordDropsMessage(t *testing.T) {
	prov := mock.NewSucceeding(`{}`)
	h := newHarness(t, prov, 3)

	// Message without a record: the expired-record policy is drop.
	require.NoError(t, h.queue.Publish(context.Background(), job.Message{
		JobID:   "ghost",
		Type:    job.TypeExtract,
		Payload: json.RawMessage(`{}`),
	}, job.CredentialAttributes{}))

	h.worker.processLeased(context.Background(), "worker-0", h.receiveOne(t))

	assert.Zero(t, prov.Calls)
	leased, err := h.queue.Receive(context.Background(), 1, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, leased)
	assert.Zero(t, h.queue.DeadLetterCount())
}

func TestProcessLeased_CrashAfterClaimRecovers(t *testing.T) {
	// Simulated crash: the first worker marks processing, then vanishes
	// without acking. The lapsed lease redelivers and a second worker
	// finishes the job exactly once.
	prov := mock.NewSucceeding(`{"ok":true}`)
	h := newHarness(t, prov, 3)
	h.submit(t, "job-1")

	m := h.receiveOne(t)
	require.NoError(t, h.store.MarkProcessing(context.Background(), m.Message().JobID))
	// Crash here: no ack, lease lapses.
	require.NoError(t, m.Nack(true))

	redelivered := h.receiveOne(t)
	assert.Equal(t, 2, redelivered.Attempt())
	h.worker.processLeased(context.Background(), "worker-1", redelivered)

	assert.Equal(t, 1, prov.Calls)
	assert.Equal(t, job.StatusSucceeded, h.status(t, "job-1").Status)
}

func TestProcessLeased_TimeoutIsTransient(t *testing.T) {
	prov := mock.NewBlocking()
	h := newHarness(t, prov, 1)
	h.submit(t, "job-1")

	// DefaultTimeout in the harness is one second; the blocking provider
	// returns a transient error when the deadline hits, so the message
	// is requeued.
	h.worker.processLeased(context.Background(), "worker-0", h.receiveOne(t))

	m := h.receiveOne(t)
	assert.Equal(t, "job-1", m.Message().JobID)
	assert.Equal(t, 2, m.Attempt())
	require.NoError(t, m.Ack())

	assert.Equal(t, job.StatusProcessing, h.status(t, "job-1").Status)
}

func TestWorker_StartStop(t *testing.T) {
	prov := mock.NewSucceeding(`{"done":true}`)
	h := newHarness(t, prov, 3)
	h.submit(t, "job-1")
	h.submit(t, "job-2")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = h.worker.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		j1, err1 := h.store.Get(context.Background(), "job-1")
		j2, err2 := h.store.Get(context.Background(), "job-2")
		return err1 == nil && err2 == nil && j1.Status.Terminal() && j2.Status.Terminal()
	}, 5*time.Second, 20*time.Millisecond)

	h.worker.Stop()
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}

	assert.Equal(t, job.StatusSucceeded, h.status(t, "job-1").Status)
	assert.Equal(t, job.StatusSucceeded, h.status(t, "job-2").Status)
}

func TestReconciler_MarksDeadLetteredJobsFailed(t *testing.T) {
	prov := mock.NewSucceeding(`{}`)
	h := newHarness(t, prov, 3)
	h.submit(t, "job-1")

	// Push the message onto the dead-letter path without a terminal
	// record, as a spent redelivery budget would.
	m := h.receiveOne(t)
	require.NoError(t, m.Nack(false))
	require.Equal(t, 1, h.queue.DeadLetterCount())

	r := NewReconciler(
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		h.store,
		nil,
		h.queue.DeadLetterReceiver(),
		50*time.Millisecond,
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		j, err := h.store.Get(context.Background(), "job-1")
		return err == nil && j.Status == job.StatusFailed
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	<-done

	j := h.status(t, "job-1")
	require.NotNil(t, j.Error)
	assert.Equal(t, job.KindMaxRetriesExceeded, j.Error.Kind)
	assert.Zero(t, h.queue.DeadLetterCount())
}

// trackingCache records invalidations so tests can assert cached
// snapshots die with their records.
type trackingCache struct {
	mu          sync.Mutex
	invalidated []string
}

func (c *trackingCache) GetJob(context.Context, string) (*job.Job, bool, error) {
	return nil, false, nil
}

func (c *trackingCache) SetJob(context.Context, *job.Job) error { return nil }

func (c *trackingCache) InvalidateJob(_ context.Context, jobID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated = append(c.invalidated, jobID)
	return nil
}

func (c *trackingCache) Ping(context.Context) error { return nil }

func (c *trackingCache) invalidations() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.invalidated...)
}

func TestSweeper_PurgesExpiredRecords(t *testing.T) {
	st := store.NewMemoryStore(time.Hour)
	ca := &trackingCache{}

	base := time.Now()
	st.SetClock(func() time.Time { return base })

	_, err := st.Create(context.Background(), "job-1", job.TypeExtract)
	require.NoError(t, err)

	st.SetClock(func() time.Time { return base.Add(2 * time.Hour) })

	s := NewSweeper(slog.New(slog.NewTextHandler(io.Discard, nil)), st, ca, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, err := st.Get(context.Background(), "job-1")
		return err != nil
	}, 5*time.Second, 10*time.Millisecond)

	// The cached snapshot is dropped along with the record.
	require.Eventually(t, func() bool {
		inv := ca.invalidations()
		return len(inv) == 1 && inv[0] == "job-1"
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
