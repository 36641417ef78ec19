// Package providers defines the common interfaces and types used by all LLM
// provider implementations (OpenAI, Anthropic, Gemini, Mistral and the
// OpenAI-compatible vendors).
//
// Each provider lives in its own sub-package and implements the Provider
// interface. Provider clients hold no credentials of their own: the API key
// is read from the key store by the gateway and passed with every request,
// so rotating a key never requires rebuilding a client.
package providers

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Provider identifiers. The set is closed: adding a vendor means adding a
// constant here and an implementation package.
const (
	OpenAI     = "openai"
	Anthropic  = "anthropic"
	Gemini     = "gemini"
	Mistral    = "mistral"
	XAI        = "xai"
	DeepSeek   = "deepseek"
	Groq       = "groq"
	Together   = "together"
	Perplexity = "perplexity"
)

// Known lists every supported provider identifier in display order.
var Known = []string{OpenAI, Anthropic, Gemini, Mistral, XAI, DeepSeek, Groq, Together, Perplexity}

// IsKnown reports whether name is a supported provider identifier.
func IsKnown(name string) bool {
	for _, k := range Known {
		if k == name {
			return true
		}
	}
	return false
}

// DefaultTimeout is the per-attempt timeout used when none is configured.
const DefaultTimeout = 30 * time.Second

type (
	// CompletionRequest is the normalized input to a single provider call.
	CompletionRequest struct {
		Model       string
		Prompt      string
		System      string
		Temperature float64
		MaxTokens   int
		APIKey      string
	}

	// Completion is the normalized provider output. Token counts the vendor
	// did not report are zero.
	Completion struct {
		Text      string
		TokensIn  int
		TokensOut int
		Model     string
	}
)

// Provider is one vendor's text-completion endpoint.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req *CompletionRequest) (*Completion, error)
	HealthCheck(ctx context.Context, apiKey string) error
}

// Registry holds the configured provider clients keyed by identifier.
type Registry struct {
	provs map[string]Provider
}

// NewRegistry builds a registry from the given providers. Later entries with
// the same name replace earlier ones.
func NewRegistry(provs ...Provider) *Registry {
	r := &Registry{provs: make(map[string]Provider, len(provs))}
	for _, p := range provs {
		r.provs[p.Name()] = p
	}
	return r
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, bool) {
	p, ok := r.provs[name]
	return p, ok
}

// Names returns the registered identifiers, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.provs))
	for n := range r.provs {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// ModelAliases maps well-known model names to the provider that serves them.
// It is consulted when a request overrides the model without naming a provider.
var ModelAliases = map[string]string{
	// ─── OpenAI ───────────────────────────────────────────────────────────────
	"gpt-4o":        OpenAI,
	"gpt-4o-mini":   OpenAI,
	"gpt-4-turbo":   OpenAI,
	"gpt-4":         OpenAI,
	"gpt-3.5-turbo": OpenAI,
	"gpt-4.1":       OpenAI,
	"gpt-4.1-mini":  OpenAI,
	"gpt-4.1-nano":  OpenAI,
	"o3-mini":       OpenAI,
	"o4-mini":       OpenAI,

	// ─── Anthropic ────────────────────────────────────────────────────────────
	"claude-3-5-sonnet":          Anthropic,
	"claude-3-5-sonnet-20241022": Anthropic,
	"claude-3-5-haiku":           Anthropic,
	"claude-3-5-haiku-20241022":  Anthropic,
	"claude-3-haiku-20240307":    Anthropic,
	"claude-3-7-sonnet":          Anthropic,
	"claude-sonnet-4":            Anthropic,
	"claude-opus-4":              Anthropic,
	"claude-haiku-4-5":           Anthropic,
	"claude-sonnet-4-5":          Anthropic,

	// ─── Google AI Studio ─────────────────────────────────────────────────────
	"gemini-1.5-pro":        Gemini,
	"gemini-1.5-flash":      Gemini,
	"gemini-2.0-flash":      Gemini,
	"gemini-2.0-flash-lite": Gemini,
	"gemini-2.5-pro":        Gemini,
	"gemini-2.5-flash":      Gemini,

	// ─── Mistral AI ───────────────────────────────────────────────────────────
	"mistral-large-latest": Mistral,
	"mistral-small-latest": Mistral,
	"open-mistral-nemo":    Mistral,
	"ministral-8b-latest":  Mistral,

	// ─── OpenAI-compatible vendors ────────────────────────────────────────────
	"grok-3":                                  XAI,
	"grok-3-mini":                             XAI,
	"deepseek-chat":                           DeepSeek,
	"deepseek-reasoner":                       DeepSeek,
	"llama-3.3-70b-versatile":                 Groq,
	"llama-3.1-8b-instant":                    Groq,
	"meta-llama/Llama-3.3-70B-Instruct-Turbo": Together,
	"sonar":                                   Perplexity,
	"sonar-pro":                               Perplexity,
}

// ResolveModel returns the provider that serves model, if it is a known alias.
func ResolveModel(model string) (string, bool) {
	name, ok := ModelAliases[model]
	return name, ok
}

// Redact removes every occurrence of key from s. Keys shorter than 8
// characters are left alone to avoid mangling unrelated text.
func Redact(s, key string) string {
	key = strings.TrimSpace(key)
	if len(key) < 8 {
		return s
	}
	return strings.ReplaceAll(s, key, "[REDACTED]")
}

// MissingKeyError is returned by providers when no API key is available.
func MissingKeyError(provider string) error {
	return &Error{
		Provider: provider,
		Kind:     KindAuth,
		Message:  fmt.Sprintf("no API key configured for %s", provider),
	}
}
