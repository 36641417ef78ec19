// Package openai implements providers.Provider on top of the official
// openai-go SDK (chat completions).
package openai

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/nulpointcorp/contentgen-gateway/internal/providers"
	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	providerName   = providers.OpenAI
)

type Provider struct {
	baseURL string
	client  openaiSDK.Client
}

type Option func(*Provider)

func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

func New(opts ...Option) *Provider {
	p := &Provider{baseURL: defaultBaseURL}

	for _, o := range opts {
		o(p)
	}

	httpClient := &http.Client{}
	if p.baseURL != "" && p.baseURL != defaultBaseURL {
		httpClient.Transport = newBaseURLTransport(http.DefaultTransport, p.baseURL)
	}

	// Retries are owned by the gateway; the SDK must make exactly one call.
	p.client = openaiSDK.NewClient(
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0),
	)

	return p
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) HealthCheck(ctx context.Context, apiKey string) error {
	if apiKey == "" {
		return providers.MissingKeyError(providerName)
	}
	_, err := p.client.Models.List(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return toProviderError(err, apiKey)
	}
	return nil
}

func (p *Provider) Complete(ctx context.Context, req *providers.CompletionRequest) (*providers.Completion, error) {
	if req.APIKey == "" {
		return nil, providers.MissingKeyError(providerName)
	}

	resp, err := p.client.Chat.Completions.New(ctx, buildParams(req), option.WithAPIKey(req.APIKey))
	if err != nil {
		return nil, toProviderError(err, req.APIKey)
	}

	if len(resp.Choices) == 0 {
		return nil, providers.InvalidResponse(providerName, "response contained no choices")
	}
	text := resp.Choices[0].Message.Content
	if strings.TrimSpace(text) == "" {
		return nil, providers.InvalidResponse(providerName, "response contained an empty completion")
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

	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.MaxTokens))
	}

	return params
}

func toProviderError(err error, apiKey string) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return providers.FromStatus(providerName, apierr.StatusCode, apierr.Message, apiKey)
	}
	return providers.Classify(providerName, err, apiKey)
}

type baseURLTransport struct {
	base *url.URL
	rt   http.RoundTripper
}

func newBaseURLTransport(next http.RoundTripper, base string) http.RoundTripper {
	u, err := url.Parse(base)
	if err != nil {
		return next
	}
	return &baseURLTransport{base: u, rt: next}
}

func (t *baseURLTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r2 := req.Clone(req.Context())
	u2 := *req.URL

	u2.Scheme = t.base.Scheme
	u2.Host = t.base.Host

	basePath := strings.TrimRight(t.base.Path, "/")
	if basePath != "" && basePath != "/" {
		if !strings.HasPrefix(u2.Path, basePath+"/") && u2.Path != basePath {
			u2.Path = basePath + "/" + strings.TrimLeft(u2.Path, "/")
		}
	}

	r2.URL = &u2

	return t.rt.RoundTrip(r2)
}
