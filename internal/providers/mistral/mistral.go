// Package mistral implements providers.Provider for the Mistral chat
// completions API over plain HTTP.
package mistral

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/nulpointcorp/contentgen-gateway/internal/providers"
)

const (
	defaultBaseURL = "https://api.mistral.ai/v1"
	providerName   = providers.Mistral

	// maxErrorBody bounds how much of an error response is read.
	maxErrorBody = 64 << 10
)

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []choice `json:"choices"`
	Usage   usage    `json:"usage"`
}

type choice struct {
	Message      *chatMessage `json:"message,omitempty"`
	FinishReason string       `json:"finish_reason"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// errorResponse covers both shapes Mistral returns: a top-level
// {"object":"error","message":...} and the OpenAI-style {"error":{...}}.
type errorResponse struct {
	Message string  `json:"message"`
	Error   *apiErr `json:"error,omitempty"`
}

type apiErr struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type Provider struct {
	baseURL string
	client  *http.Client
}

type Option func(*Provider)

func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

func New(opts ...Option) *Provider {
	p := &Provider{
		baseURL: defaultBaseURL,
		client:  &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	p.baseURL = strings.TrimRight(p.baseURL, "/")
	return p
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) HealthCheck(ctx context.Context, apiKey string) error {
	if apiKey == "" {
		return providers.MissingKeyError(providerName)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("mistral: health check: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return providers.Classify(providerName, err, apiKey)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return p.parseError(resp, apiKey)
	}
	return nil
}

func (p *Provider) Complete(ctx context.Context, req *providers.CompletionRequest) (*providers.Completion, error) {
	if req.APIKey == "" {
		return nil, providers.MissingKeyError(providerName)
	}

	body, err := buildRequest(req)
	if err != nil {
		return nil, fmt.Errorf("mistral: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("mistral: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, providers.Classify(providerName, err, req.APIKey)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, p.parseError(resp, req.APIKey)
	}

	return handleResponse(ctx, resp, req)
}

func buildRequest(req *providers.CompletionRequest) ([]byte, error) {
	msgs := make([]chatMessage, 0, 2)
	if req.System != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: req.System})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: req.Prompt})

	cr := chatRequest{
		Model:       req.Model,
		Messages:    msgs,
		Temperature: req.Temperature,
	}
	if req.MaxTokens > 0 {
		cr.MaxTokens = req.MaxTokens
	}

	data, err := json.Marshal(cr)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return data, nil
}

// handleResponse decodes a 200 response. A body cut short by the deadline
// or the connection is a transport failure, not a malformed response.
func handleResponse(ctx context.Context, resp *http.Response, req *providers.CompletionRequest) (*providers.Completion, error) {
	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return nil, providers.Classify(providerName, fmt.Errorf("decode response: %w", err), req.APIKey)
	}

	if len(cr.Choices) == 0 || cr.Choices[0].Message == nil {
		return nil, providers.InvalidResponse(providerName, "response contained no choices")
	}
	text := cr.Choices[0].Message.Content
	if strings.TrimSpace(text) == "" {
		return nil, providers.InvalidResponse(providerName, "response contained an empty completion")
	}

	model := cr.Model
	if model == "" {
		model = req.Model
	}

	return &providers.Completion{
		Text:      text,
		TokensIn:  cr.Usage.PromptTokens,
		TokensOut: cr.Usage.CompletionTokens,
		Model:     model,
	}, nil
}

func (p *Provider) parseError(resp *http.Response, apiKey string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	msg := ""
	var er errorResponse
	if json.Unmarshal(body, &er) == nil {
		switch {
		case er.Error != nil && er.Error.Message != "":
			msg = er.Error.Message
		case er.Message != "":
			msg = er.Message
		}
	}

	return providers.FromStatus(providerName, resp.StatusCode, msg, apiKey)
}
