// Package completion defines the capability surface a session supervisor
// would use to ask an AI provider for help, without wiring any provider in.
// No SPEC_FULL.md component makes outbound network calls, so every provider
// tag here resolves to a no-op implementation; the interface exists so a
// future provider adapter has somewhere to plug in without reshaping
// callers.
package completion

import (
	"context"
	"fmt"
)

// Provider names a configured completion backend.
type Provider string

const (
	ProviderOllama          Provider = "ollama"
	ProviderOpenAI          Provider = "openai"
	ProviderAnthropic       Provider = "anthropic"
	ProviderGoogle          Provider = "google"
	ProviderOpenAICompatible Provider = "openai_compatible"
)

// Config selects and parameterizes a completion backend.
type Config struct {
	Provider Provider
	Model    string
	BaseURL  string
	APIKey   string
}

// Completer answers free-form prompts and reports whether it is currently
// reachable.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
	HealthCheck(ctx context.Context) bool
}

// New resolves cfg.Provider to a Completer. Every known provider currently
// resolves to noopCompleter since no SPEC_FULL.md component calls out to a
// real model; an unrecognized provider is still an error so misconfiguration
// is visible at startup rather than silently degrading.
func New(cfg Config) (Completer, error) {
	switch cfg.Provider {
	case ProviderOllama, ProviderOpenAI, ProviderAnthropic, ProviderGoogle, ProviderOpenAICompatible:
		return &noopCompleter{provider: cfg.Provider}, nil
	default:
		return nil, fmt.Errorf("completion: unknown provider %q", cfg.Provider)
	}
}

// noopCompleter reports itself unavailable and refuses every prompt. It
// exists purely to give callers a safe default instead of a nil Completer.
type noopCompleter struct {
	provider Provider
}

func (n *noopCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	return "", fmt.Errorf("completion: provider %q is not configured", n.provider)
}

func (n *noopCompleter) HealthCheck(ctx context.Context) bool {
	return false
}
