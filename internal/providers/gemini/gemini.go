// Package gemini implements providers.Provider for Google Gemini using the
// official GenAI SDK.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"google.golang.org/genai"

	"github.com/nulpointcorp/contentgen-gateway/internal/providers"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	providerName   = providers.Gemini
)

// Provider implements providers.Provider for Google Gemini (official GenAI SDK).
//
// The SDK binds an API key at client construction time, so the client is
// rebuilt whenever the stored key changes.
type Provider struct {
	baseURL    string
	httpClient *http.Client
	base       string
	apiVersion string

	mu     sync.Mutex
	key    string
	client *genai.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// New creates a new Gemini Provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}

	p.httpClient = &http.Client{}
	p.base, p.apiVersion = splitBaseURLAndVersion(p.baseURL)

	return p
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) HealthCheck(ctx context.Context, apiKey string) error {
	client, err := p.clientForKey(ctx, apiKey)
	if err != nil {
		return err
	}
	_, err = client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1})
	if err != nil {
		return toProviderError(err, apiKey)
	}
	return nil
}

func (p *Provider) Complete(ctx context.Context, req *providers.CompletionRequest) (*providers.Completion, error) {
	client, err := p.clientForKey(ctx, req.APIKey)
	if err != nil {
		return nil, err
	}

	contents := []*genai.Content{genai.NewContentFromText(req.Prompt, genai.RoleUser)}

	resp, err := client.Models.GenerateContent(ctx, req.Model, contents, buildConfig(req))
	if err != nil {
		return nil, toProviderError(err, req.APIKey)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, providers.InvalidResponse(providerName, "response contained no candidates")
	}

	text := firstCandidateText(resp.Candidates[0])
	if strings.TrimSpace(text) == "" {
		return nil, providers.InvalidResponse(providerName, "response contained an empty completion")
	}

	var inTok, outTok int
	if resp.UsageMetadata != nil {
		inTok = int(resp.UsageMetadata.PromptTokenCount)
		outTok = int(resp.UsageMetadata.CandidatesTokenCount)
	}

	model := resp.ModelVersion
	if model == "" {
		model = req.Model
	}

	return &providers.Completion{
		Text:      text,
		TokensIn:  inTok,
		TokensOut: outTok,
		Model:     model,
	}, nil
}

func buildConfig(req *providers.CompletionRequest) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr[float32](float32(req.Temperature)),
	}
	if req.System != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	return cfg
}

func (p *Provider) clientForKey(ctx context.Context, key string) (*genai.Client, error) {
	if key == "" {
		return nil, providers.MissingKeyError(providerName)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil && p.key == key {
		return p.client, nil
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      key,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  p.httpClient,
		HTTPOptions: genai.HTTPOptions{BaseURL: p.base, APIVersion: p.apiVersion},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: new client: %w", providers.Classify(providerName, err, key))
	}
	p.key, p.client = key, client
	return client, nil
}

func firstCandidateText(c *genai.Candidate) string {
	if c == nil || c.Content == nil || len(c.Content.Parts) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, p := range c.Content.Parts {
		if p != nil && p.Text != "" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

func splitBaseURLAndVersion(raw string) (baseURL string, apiVersion string) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}

	path := strings.Trim(u.Path, "/")
	if path == "" {
		base := u.String()
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		return base, ""
	}

	parts := strings.Split(path, "/")
	last := parts[len(parts)-1]

	if looksLikeAPIVersion(last) {
		apiVersion = last
		parts = parts[:len(parts)-1]
	}

	u.Path = "/" + strings.Join(parts, "/")
	if u.Path == "/" {
		u.Path = ""
	}

	baseURL = u.String()
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL, apiVersion
}

// looksLikeAPIVersion matches path segments such as v1 or v1beta.
func looksLikeAPIVersion(s string) bool {
	if !strings.HasPrefix(s, "v") || len(s) < 2 {
		return false
	}
	return s[1] >= '0' && s[1] <= '9'
}

func toProviderError(err error, apiKey string) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return providers.FromStatus(providerName, apiErr.Code, apiErr.Message, apiKey)
	}
	return providers.Classify(providerName, err, apiKey)
}
