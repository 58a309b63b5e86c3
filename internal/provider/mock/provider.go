// Package mock provides test doubles for the provider contract.
package mock

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/tailorcv/pipeline/internal/job"
)

// Provider satisfies the provider contract for testing.
type Provider struct {
	ProviderName string
	InvokeFunc   func(ctx context.Context, jobType job.Type, payload json.RawMessage) (json.RawMessage, error)

	// Calls counts Invoke invocations.
	Calls int
}

func (m *Provider) Name() string {
	if m.ProviderName == "" {
		return "mock"
	}
	return m.ProviderName
}

func (m *Provider) Invoke(ctx context.Context, jobType job.Type, payload json.RawMessage) (json.RawMessage, error) {
	m.Calls++
	if m.InvokeFunc != nil {
		return m.InvokeFunc(ctx, jobType, payload)
	}
	return json.RawMessage(`{"ok":true}`), nil
}

// NewSucceeding returns a provider that echoes a fixed result.
func NewSucceeding(result string) *Provider {
	return &Provider{
		InvokeFunc: func(context.Context, job.Type, json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(result), nil
		},
	}
}

// NewTransientFailing returns a provider that always fails with a
// retryable error.
func NewTransientFailing() *Provider {
	return &Provider{
		InvokeFunc: func(context.Context, job.Type, json.RawMessage) (json.RawMessage, error) {
			return nil, job.NewTransientError(errors.New("simulated upstream rate limit"))
		},
	}
}

// NewPermanentFailing returns a provider that always fails with a
// terminal error of the given kind.
func NewPermanentFailing(kind string) *Provider {
	return &Provider{
		InvokeFunc: func(context.Context, job.Type, json.RawMessage) (json.RawMessage, error) {
			return nil, job.NewPermanentError(kind, errors.New("simulated provider rejection"))
		},
	}
}

// NewBlocking returns a provider that blocks until its context ends,
// then reports the timeout as transient.
func NewBlocking() *Provider {
	return &Provider{
		InvokeFunc: func(ctx context.Context, _ job.Type, _ json.RawMessage) (json.RawMessage, error) {
			<-ctx.Done()
			return nil, job.NewTransientError(ctx.Err())
		},
	}
}
