package queue

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tailorcv/pipeline/internal/job"
)

func testMessage(id string) job.Message {
	return job.Message{
		JobID:   id,
		Type:    job.TypeExtract,
		Payload: json.RawMessage(`{"text":"resume"}`),
	}
}

func receiveOne(t *testing.T, r Receiver, wait time.Duration) Leased {
	t.Helper()
	leased, err := r.Receive(context.Background(), 1, wait)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	return leased[0]
}

func TestMemoryQueue_PublishReceiveAck(t *testing.T) {
	q := NewMemoryQueue(MemoryConfig{LeaseDuration: time.Second})

	err := q.Publish(context.Background(), testMessage("job-1"), job.CredentialAttributes{})
	require.NoError(t, err)

	m := receiveOne(t, q, time.Second)
	assert.Equal(t, "job-1", m.Message().JobID)
	assert.Equal(t, 1, m.Attempt())
	require.NoError(t, m.Ack())

	// Acked message is gone for good.
	leased, err := q.Receive(context.Background(), 1, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, leased)
}

func TestMemoryQueue_ReceiveTimesOutEmpty(t *testing.T) {
	q := NewMemoryQueue(MemoryConfig{})

	start := time.Now()
	leased, err := q.Receive(context.Background(), 1, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, leased)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestMemoryQueue_LeaseExpiryRedelivers(t *testing.T) {
	q := NewMemoryQueue(MemoryConfig{LeaseDuration: 30 * time.Millisecond, MaxAttempts: 5})

	require.NoError(t, q.Publish(context.Background(), testMessage("job-1"), job.CredentialAttributes{}))

	// Take a lease and walk away; the lapse must make the message
	// visible again with a bumped attempt count.
	_ = receiveOne(t, q, time.Second)

	m := receiveOne(t, q, time.Second)
	assert.Equal(t, "job-1", m.Message().JobID)
	assert.Equal(t, 2, m.Attempt())
	require.NoError(t, m.Ack())
}

func TestMemoryQueue_NackRequeue(t *testing.T) {
	q := NewMemoryQueue(MemoryConfig{LeaseDuration: time.Minute})

	require.NoError(t, q.Publish(context.Background(), testMessage("job-1"), job.CredentialAttributes{}))

	m := receiveOne(t, q, time.Second)
	require.NoError(t, m.Nack(true))

	m = receiveOne(t, q, time.Second)
	assert.Equal(t, 2, m.Attempt())
	require.NoError(t, m.Ack())
}

func TestMemoryQueue_NackDeadLetters(t *testing.T) {
	q := NewMemoryQueue(MemoryConfig{LeaseDuration: time.Minute})

	require.NoError(t, q.Publish(context.Background(), testMessage("job-1"), job.CredentialAttributes{}))

	m := receiveOne(t, q, time.Second)
	require.NoError(t, m.Nack(false))

	assert.Equal(t, 1, q.DeadLetterCount())

	dead := receiveOne(t, q.DeadLetterReceiver(), time.Second)
	assert.Equal(t, "job-1", dead.Message().JobID)
	require.NoError(t, dead.Ack())
	assert.Zero(t, q.DeadLetterCount())
}

func TestMemoryQueue_DeadLetterNackStaysDead(t *testing.T) {
	q := NewMemoryQueue(MemoryConfig{LeaseDuration: time.Minute})

	require.NoError(t, q.Publish(context.Background(), testMessage("job-1"), job.CredentialAttributes{}))

	m := receiveOne(t, q, time.Second)
	require.NoError(t, m.Nack(false))

	// A requeued dead-letter lease returns to the dead buffer; it must
	// never re-enter the live work queue and get re-executed.
	dead := receiveOne(t, q.DeadLetterReceiver(), time.Second)
	require.NoError(t, dead.Nack(true))

	leased, err := q.Receive(context.Background(), 1, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, leased)
	assert.Equal(t, 1, q.DeadLetterCount())

	again := receiveOne(t, q.DeadLetterReceiver(), time.Second)
	assert.Equal(t, "job-1", again.Message().JobID)
	require.NoError(t, again.Ack())
	assert.Zero(t, q.DeadLetterCount())
}

func TestMemoryQueue_AttemptBudgetDeadLetters(t *testing.T) {
	q := NewMemoryQueue(MemoryConfig{LeaseDuration: 20 * time.Millisecond, MaxAttempts: 2})

	require.NoError(t, q.Publish(context.Background(), testMessage("job-1"), job.CredentialAttributes{}))

	// Let two leases lapse without acknowledgment; the third delivery
	// never happens because the budget is spent.
	_ = receiveOne(t, q, time.Second)
	_ = receiveOne(t, q, time.Second)

	leased, err := q.Receive(context.Background(), 1, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, leased)
	assert.Equal(t, 1, q.DeadLetterCount())
}

func TestMemoryQueue_ExtendLease(t *testing.T) {
	q := NewMemoryQueue(MemoryConfig{LeaseDuration: 40 * time.Millisecond})

	require.NoError(t, q.Publish(context.Background(), testMessage("job-1"), job.CredentialAttributes{}))

	m := receiveOne(t, q, time.Second)

	// Keep pushing the window out past the original lease duration.
	for i := 0; i < 4; i++ {
		time.Sleep(25 * time.Millisecond)
		require.NoError(t, m.ExtendLease(40*time.Millisecond))
	}

	require.NoError(t, m.Ack())

	leased, err := q.Receive(context.Background(), 1, 60*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, leased, "extended then acked message must not be redelivered")
}

func TestMemoryQueue_PayloadCeiling(t *testing.T) {
	q := NewMemoryQueue(MemoryConfig{MaxBytes: 128})

	msg := job.Message{
		JobID:   "job-1",
		Type:    job.TypeTailor,
		Payload: json.RawMessage(`"` + strings.Repeat("x", 500) + `"`),
	}

	err := q.Publish(context.Background(), msg, job.CredentialAttributes{})
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestMemoryQueue_AttributesTravelWithMessage(t *testing.T) {
	q := NewMemoryQueue(MemoryConfig{})

	attrs := job.CredentialAttributes{Provider: "anthropic", APIKey: "sk-ant-0123456789abcdef"}
	require.NoError(t, q.Publish(context.Background(), testMessage("job-1"), attrs))

	m := receiveOne(t, q, time.Second)
	assert.Equal(t, attrs, m.Attributes())

	// The body itself stays credential-free.
	body, err := json.Marshal(m.Message())
	require.NoError(t, err)
	assert.NotContains(t, string(body), attrs.APIKey)
}
