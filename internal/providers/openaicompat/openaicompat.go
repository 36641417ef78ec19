// Package openaicompat provides a generic OpenAI-compatible provider.
// Use it for any vendor that implements the OpenAI chat completions API
// (xAI, Groq, DeepSeek, Together AI, Perplexity).
package openaicompat

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/nulpointcorp/contentgen-gateway/internal/providers"
	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// DefaultBaseURLs holds the public endpoint of every OpenAI-compatible
// vendor the gateway knows about.
var DefaultBaseURLs = map[string]string{
	providers.XAI:        "https://api.x.ai/v1",
	providers.DeepSeek:   "https://api.deepseek.com/v1",
	providers.Groq:       "https://api.groq.com/openai/v1",
	providers.Together:   "https://api.together.xyz/v1",
	providers.Perplexity: "https://api.perplexity.ai",
}

// Provider is a configurable OpenAI-compatible provider.
type Provider struct {
	name    string
	baseURL string
	client  openaiSDK.Client
}

// New creates a new OpenAI-compatible Provider.
//
//   - name    - provider identifier used for routing, usage and logs.
//   - baseURL - API base URL, e.g. "https://api.x.ai/v1". Empty falls back
//     to DefaultBaseURLs[name].
func New(name, baseURL string) *Provider {
	if baseURL == "" {
		baseURL = DefaultBaseURLs[name]
	}
	p := &Provider{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
	}

	opts := []option.RequestOption{
		option.WithHTTPClient(&http.Client{}),
		option.WithMaxRetries(0),
	}
	if p.baseURL != "" {
		opts = append(opts, option.WithBaseURL(p.baseURL+"/"))
	}

	p.client = openaiSDK.NewClient(opts...)
	return p
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) HealthCheck(ctx context.Context, apiKey string) error {
	if apiKey == "" {
		return providers.MissingKeyError(p.name)
	}
	_, err := p.client.Models.List(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return p.toProviderError(err, apiKey)
	}
	return nil
}

func (p *Provider) Complete(ctx context.Context, req *providers.CompletionRequest) (*providers.Completion, error) {
	if req.APIKey == "" {
		return nil, providers.MissingKeyError(p.name)
	}

	resp, err := p.client.Chat.Completions.New(ctx, buildParams(req), option.WithAPIKey(req.APIKey))
	if err != nil {
		return nil, p.toProviderError(err, req.APIKey)
	}

	if len(resp.Choices) == 0 {
		return nil, providers.InvalidResponse(p.name, "response contained no choices")
	}
	text := resp.Choices[0].Message.Content
	if strings.TrimSpace(text) == "" {
		return nil, providers.InvalidResponse(p.name, "response contained an empty completion")
	}

	model := resp.Model
	if model == "" {
		model = req.Model
	}

	return &providers.Completion{
		Text:      text,
		TokensIn:  int(resp.Usage.PromptTokens),
		TokensOut: int(resp.Usage.CompletionTokens),
		Model:     model,
	}, nil
}

func buildParams(req *providers.CompletionRequest) openaiSDK.ChatCompletionNewParams {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, 2)
	if req.System != "" {
		msgs = append(msgs, openaiSDK.SystemMessage(req.System))
	}
	msgs = append(msgs, openaiSDK.UserMessage(req.Prompt))

	params := openaiSDK.ChatCompletionNewParams{
		Messages:    msgs,
		Model:       req.Model,
		Temperature: openaiSDK.Float(req.Temperature),
	}
	// Several compatible vendors still only understand max_tokens.
	if req.MaxTokens > 0 {
		params.MaxTokens = openaiSDK.Int(int64(req.MaxTokens))
	}

	return params
}

func (p *Provider) toProviderError(err error, apiKey string) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return providers.FromStatus(p.name, apierr.StatusCode, apierr.Message, apiKey)
	}
	return providers.Classify(p.name, err, apiKey)
}
