// Package credentials resolves per-request provider credentials at
// submission time. The resolved context is a value passed through the
// call chain (resolver -> message attribute -> worker invocation); it
// is never stored and never logged.
package credentials

import (
	"strings"

	"github.com/tailorcv/pipeline/internal/job"
)

const (
	// Key length bounds after trimming. Real provider keys sit well
	// inside this range; anything outside it is a paste error.
	minKeyLen = 16
	maxKeyLen = 256
)

// SupportedProviders is the closed set of providers a user may select
// with X-User-Provider.
var SupportedProviders = []string{"openai", "anthropic"}

// Context is the resolved credential pair for a single job. Exactly two
// shapes are valid: user-supplied provider+key, or the system default.
type Context struct {
	Provider     string
	APIKey       string
	UserSupplied bool
}

// Attributes converts the context to queue message metadata. The system
// context publishes empty attributes so the system key itself never
// leaves the process that holds it by configuration.
func (c Context) Attributes() job.CredentialAttributes {
	if !c.UserSupplied {
		return job.CredentialAttributes{}
	}
	return job.CredentialAttributes{Provider: c.Provider, APIKey: c.APIKey}
}

// Resolver decides between user-supplied and system-managed
// credentials. It is a pure function of its inputs plus the configured
// system default.
type Resolver struct {
	systemProvider string
	systemKey      string
}

func NewResolver(systemProvider, systemKey string) *Resolver {
	return &Resolver{
		systemProvider: systemProvider,
		systemKey:      systemKey,
	}
}

// Resolve produces a Context from the optional header pair.
//
// Both headers absent: system-managed context, or ConfigurationError
// when no system key is configured. Both present: validated
// user-managed context. Exactly one present: ValidationError.
func (r *Resolver) Resolve(providerHeader, apiKeyHeader string) (Context, error) {
	provider := strings.TrimSpace(providerHeader)
	key := strings.TrimSpace(apiKeyHeader)

	switch {
	case provider == "" && key == "":
		if r.systemKey == "" {
			return Context{}, job.NewConfigurationError("no system API key configured")
		}
		return Context{Provider: r.systemProvider, APIKey: r.systemKey}, nil

	case provider != "" && key != "":
		if !Supported(provider) {
			return Context{}, job.NewValidationError("unsupported provider: " + provider)
		}
		// Bounds only. The key value must not appear in any error.
		if len(key) < minKeyLen || len(key) > maxKeyLen {
			return Context{}, job.NewValidationError("api key length out of bounds")
		}
		return Context{Provider: provider, APIKey: key, UserSupplied: true}, nil

	default:
		return Context{}, job.NewValidationError("both provider and api key must be supplied together")
	}
}

// FromAttributes rebuilds the worker-side context from message
// metadata, falling back to the system default for messages published
// without user credentials.
func (r *Resolver) FromAttributes(attrs job.CredentialAttributes) (Context, error) {
	if !attrs.UserSupplied() {
		if r.systemKey == "" {
			return Context{}, job.NewConfigurationError("no system API key configured")
		}
		return Context{Provider: r.systemProvider, APIKey: r.systemKey}, nil
	}
	if !Supported(attrs.Provider) {
		return Context{}, job.NewValidationError("unsupported provider: " + attrs.Provider)
	}
	return Context{Provider: attrs.Provider, APIKey: attrs.APIKey, UserSupplied: true}, nil
}

// Supported reports whether name is in the provider enumeration.
func Supported(name string) bool {
	for _, p := range SupportedProviders {
		if p == name {
			return true
		}
	}
	return false
}
