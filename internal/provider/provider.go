// Package provider holds the closed set of AI provider adapters. The
// adapter is resolved once per job at the worker boundary from the
// message's credential context; provider names never branch free-form
// through worker logic.
package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tailorcv/pipeline/internal/credentials"
	"github.com/tailorcv/pipeline/internal/job"
	"github.com/tailorcv/pipeline/internal/provider/anthropic"
	"github.com/tailorcv/pipeline/internal/provider/openai"
)

// Provider executes one AI operation. Implementations classify their
// failures as job.TransientError or job.PermanentError so the worker
// can decide between redelivery and a terminal record.
type Provider interface {
	Name() string
	Invoke(ctx context.Context, jobType job.Type, payload json.RawMessage) (json.RawMessage, error)
}

// New builds the adapter for a resolved credential context. The key is
// held by the returned value only; it is discarded with the provider
// when the job finishes.
func New(creds credentials.Context) (Provider, error) {
	switch creds.Provider {
	case "openai":
		return openai.NewClient(creds.APIKey), nil
	case "anthropic":
		return anthropic.NewClient(creds.APIKey), nil
	default:
		return nil, job.NewValidationError(fmt.Sprintf("unknown provider %q", creds.Provider))
	}
}

// Factory builds a provider per job. Swappable in tests.
type Factory func(creds credentials.Context) (Provider, error)
