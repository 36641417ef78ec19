// Package anthropic implements providers.Provider for the Anthropic Messages
// API using the official SDK.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nulpointcorp/contentgen-gateway/internal/providers"
)

const (
	providerName     = providers.Anthropic
	defaultMaxTokens = 1024
)

// Provider implements providers.Provider for Anthropic (official SDK).
type Provider struct {
	baseURL string
	client  anthropic.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// New creates a new Anthropic Provider.
func New(opts ...Option) *Provider {
	p := &Provider{}
	for _, o := range opts {
		o(p)
	}

	clientOpts := []option.RequestOption{
		option.WithHTTPClient(&http.Client{}),
		option.WithMaxRetries(0),
	}
	if p.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(p.baseURL))
	}

	p.client = anthropic.NewClient(clientOpts...)

	return p
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) HealthCheck(ctx context.Context, apiKey string) error {
	if apiKey == "" {
		return providers.MissingKeyError(providerName)
	}
	_, err := p.client.Models.List(ctx, anthropic.ModelListParams{
		Limit: anthropic.Int(1),
	}, option.WithAPIKey(apiKey))
	if err != nil {
		return toProviderError(err, apiKey)
	}
	return nil
}

func (p *Provider) Complete(ctx context.Context, req *providers.CompletionRequest) (*providers.Completion, error) {
	if req.APIKey == "" {
		return nil, providers.MissingKeyError(providerName)
	}

	msg, err := p.client.Messages.New(ctx, buildParams(req), option.WithAPIKey(req.APIKey))
	if err != nil {
		return nil, toProviderError(err, req.APIKey)
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		switch v := b.AsAny().(type) {
		case anthropic.TextBlock:
			sb.WriteString(v.Text)
		case *anthropic.TextBlock:
			sb.WriteString(v.Text)
		}
	}
	if strings.TrimSpace(sb.String()) == "" {
		return nil, providers.InvalidResponse(providerName, "response contained no text blocks")
	}

	model := string(msg.Model)
	if model == "" {
		model = req.Model
	}

	return &providers.Completion{
		Text:      sb.String(),
		TokensIn:  int(msg.Usage.InputTokens),
		TokensOut: int(msg.Usage.OutputTokens),
		Model:     model,
	}, nil
}

func buildParams(req *providers.CompletionRequest) anthropic.MessageNewParams {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			{
				Role: anthropic.MessageParamRoleUser,
				Content: []anthropic.ContentBlockParamUnion{
					{OfText: &anthropic.TextBlockParam{Text: req.Prompt}},
				},
			},
		},
	}

	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	// Temperature is always resolved by the caller; 0 means deterministic.
	params.Temperature = anthropic.Float(req.Temperature)

	return params
}

func toProviderError(err error, apiKey string) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		msg := ""
		var env apiError
		if json.Unmarshal([]byte(apierr.RawJSON()), &env) == nil && env.Error != nil {
			msg = env.Error.Message
		}
		return providers.FromStatus(providerName, apierr.StatusCode, msg, apiKey)
	}
	return providers.Classify(providerName, err, apiKey)
}
