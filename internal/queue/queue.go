// Package queue is the durable hand-off between submission and
// execution. Messages are delivered at least once; leases hide an
// in-flight message from other consumers until it is acknowledged,
// nacked, or the lease lapses.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/tailorcv/pipeline/internal/job"
)

// ErrPayloadTooLarge is returned by Publish when the serialized message
// exceeds the transport's hard size ceiling. The submission API rejects
// oversized requests first; this is the last line of defense.
var ErrPayloadTooLarge = errors.New("message exceeds size ceiling")

// Leased is a message held under a visibility window by one consumer.
//
// Ack must only be called after the corresponding job store transition
// has been durably written: state update happens-before acknowledgment
// is the ordering invariant the pipeline's correctness rests on.
type Leased interface {
	// Message is the decoded body.
	Message() job.Message

	// Attributes are the transport-level credential attributes. They
	// never appear in the body and must never be logged.
	Attributes() job.CredentialAttributes

	// Attempt is the 1-based delivery count, including this delivery.
	// Transports may undercount after plain requeues; the worker
	// enforces its retry budget through the job store, not this value.
	Attempt() int

	// Ack permanently removes the message.
	Ack() error

	// Nack releases the message: requeue=true makes it immediately
	// visible again, requeue=false routes it to the dead-letter path.
	Nack(requeue bool) error

	// ExtendLease pushes the visibility window out for long-running
	// operations. Transports without per-message leases treat this as
	// a no-op.
	ExtendLease(d time.Duration) error
}

// Publisher enqueues messages.
type Publisher interface {
	Publish(ctx context.Context, msg job.Message, attrs job.CredentialAttributes) error
}

// Receiver leases visible messages. Receive blocks up to wait and
// returns zero or more messages, each invisible to other receivers for
// the lease duration starting now.
type Receiver interface {
	Receive(ctx context.Context, max int, wait time.Duration) ([]Leased, error)
}

// Queue is the full transport contract.
type Queue interface {
	Publisher
	Receiver
}
