package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/nulpointcorp/contentgen-gateway/internal/providers"
)

const testKey = "sk-ant-mock-api-key-0123"

func newTestProvider(srv *httptest.Server) *Provider {
	return New(WithBaseURL(srv.URL))
}

func baseRequest() *providers.CompletionRequest {
	return &providers.CompletionRequest{
		Model:  "claude-3-5-sonnet",
		Prompt: "Hello",
		APIKey: testKey,
	}
}

func isMessagesPath(p string) bool {
	return p == "/messages" || p == "/v1/messages"
}

func isModelsPath(p string) bool {
	return p == "/models" || p == "/v1/models"
}

func decodeJSONMap(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		t.Errorf("failed to decode request body as json: %v", err)
	}
	return m
}

func jsonFloatToInt(v any) (int, bool) {
	f, ok := v.(float64)
	if !ok {
		return 0, false
	}
	return int(f), true
}

func systemAsText(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case []any:
		if len(s) == 0 {
			return "", true
		}
		if m, ok := s[0].(map[string]any); ok {
			if txt, ok := m["text"].(string); ok {
				return txt, true
			}
		}
	}
	return "", false
}

func respondMessageJSON(w http.ResponseWriter, id, model string, content []map[string]any, inTok, outTok int) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":            id,
		"type":          "message",
		"role":          "assistant",
		"model":         model,
		"content":       content,
		"stop_reason":   "end_turn",
		"stop_sequence": nil,
		"usage": map[string]any{
			"input_tokens":  inTok,
			"output_tokens": outTok,
		},
	})
}

func textBlock(text string) map[string]any {
	return map[string]any{"type": "text", "text": text}
}

func respondErrorJSON(w http.ResponseWriter, status int, errType, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    errType,
			"message": msg,
		},
	})
}

func requireProviderError(t *testing.T, err error, wantStatus int, wantKind providers.Kind) *providers.Error {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	var pe *providers.Error
	if !errors.As(err, &pe) {
		t.Fatalf("expected *providers.Error, got %T: %v", err, err)
	}
	if pe.StatusCode != wantStatus {
		t.Fatalf("expected status=%d, got %d", wantStatus, pe.StatusCode)
	}
	if pe.Kind != wantKind {
		t.Fatalf("expected kind=%s, got %s", wantKind, pe.Kind)
	}
	if pe.Provider != "anthropic" {
		t.Fatalf("expected provider 'anthropic', got %q", pe.Provider)
	}
	return pe
}

func TestProvider_Name(t *testing.T) {
	if New().Name() != "anthropic" {
		t.Fatalf("expected 'anthropic', got %q", New().Name())
	}
}

func TestProvider_Complete_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || !isMessagesPath(r.URL.Path) {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("x-api-key"); got != testKey {
			t.Errorf("missing or wrong x-api-key header: %q", got)
		}
		if r.Header.Get("anthropic-version") == "" {
			t.Errorf("expected anthropic-version header to be present")
		}

		body := decodeJSONMap(t, r)
		if body["model"] != "claude-3-5-sonnet" {
			t.Errorf("model = %#v", body["model"])
		}
		if got, ok := jsonFloatToInt(body["max_tokens"]); !ok || got != defaultMaxTokens {
			t.Errorf("expected max_tokens=%d, got %#v", defaultMaxTokens, body["max_tokens"])
		}
		if _, ok := body["system"]; ok {
			t.Errorf("did not expect system field, got %#v", body["system"])
		}
		respondMessageJSON(w, "msg-123", "claude-3-5-sonnet", []map[string]any{textBlock("Hello, world!")}, 10, 5)
	}))
	defer srv.Close()

	resp, err := newTestProvider(srv).Complete(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != "Hello, world!" {
		t.Fatalf("text = %q", resp.Text)
	}
	if resp.Model != "claude-3-5-sonnet" {
		t.Fatalf("model = %q", resp.Model)
	}
	if resp.TokensIn != 10 || resp.TokensOut != 5 {
		t.Fatalf("tokens = %d/%d, want 10/5", resp.TokensIn, resp.TokensOut)
	}
}

func TestProvider_Complete_SystemAndOptions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := decodeJSONMap(t, r)

		sysText, ok := systemAsText(body["system"])
		if !ok || sysText != "You are an SEO copywriter." {
			t.Errorf("system = %#v", body["system"])
		}
		if got, ok := jsonFloatToInt(body["max_tokens"]); !ok || got != 200 {
			t.Errorf("max_tokens = %#v", body["max_tokens"])
		}
		if body["temperature"] != 0.3 {
			t.Errorf("temperature = %#v", body["temperature"])
		}

		msgs, ok := body["messages"].([]any)
		if !ok || len(msgs) != 1 {
			t.Errorf("expected 1 message, got %#v", body["messages"])
		}

		respondMessageJSON(w, "msg-456", "claude-3-5-sonnet",
			[]map[string]any{textBlock("Part one. "), textBlock("Part two.")}, 8, 3)
	}))
	defer srv.Close()

	req := baseRequest()
	req.System = "You are an SEO copywriter."
	req.MaxTokens = 200
	req.Temperature = 0.3

	resp, err := newTestProvider(srv).Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != "Part one. Part two." {
		t.Fatalf("text blocks not concatenated: %q", resp.Text)
	}
}

func TestProvider_Complete_ZeroTemperatureIsSent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := decodeJSONMap(t, r)
		if temp, ok := body["temperature"]; !ok || temp != float64(0) {
			t.Errorf("temperature = %#v (present=%v), want 0", temp, ok)
		}
		respondMessageJSON(w, "msg-0", "claude-3-5-sonnet", []map[string]any{textBlock("ok")}, 1, 1)
	}))
	defer srv.Close()

	req := baseRequest()
	req.Temperature = 0
	if _, err := newTestProvider(srv).Complete(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestProvider_Complete_NoTextIsInvalid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondMessageJSON(w, "msg-1", "claude-3-5-sonnet", []map[string]any{}, 1, 0)
	}))
	defer srv.Close()

	_, err := newTestProvider(srv).Complete(context.Background(), baseRequest())
	var pe *providers.Error
	if !errors.As(err, &pe) || pe.Kind != providers.KindInvalidResponse {
		t.Fatalf("expected invalid_response, got %v", err)
	}
}

func TestProvider_Complete_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		errType string
		want    providers.Kind
	}{
		{"auth", http.StatusUnauthorized, "authentication_error", providers.KindAuth},
		{"rate limit", http.StatusTooManyRequests, "rate_limit_error", providers.KindRateLimited},
		{"overloaded 529", 529, "overloaded_error", providers.KindNetwork},
		{"unavailable", http.StatusServiceUnavailable, "api_error", providers.KindNetwork},
		{"invalid request", http.StatusBadRequest, "invalid_request_error", providers.KindInvalidResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				respondErrorJSON(w, tt.status, tt.errType, "upstream rejected "+testKey)
			}))
			defer srv.Close()

			_, err := newTestProvider(srv).Complete(context.Background(), baseRequest())
			pe := requireProviderError(t, err, tt.status, tt.want)

			if !strings.Contains(pe.Message, "upstream rejected") {
				t.Errorf("message not taken from error envelope: %q", pe.Message)
			}
			if strings.Contains(pe.Error(), testKey) {
				t.Errorf("error leaks key: %s", pe)
			}
			if calls.Load() != 1 {
				t.Errorf("upstream called %d times, want 1", calls.Load())
			}
		})
	}
}

func TestProvider_Complete_MissingKey(t *testing.T) {
	req := baseRequest()
	req.APIKey = ""

	_, err := New().Complete(context.Background(), req)
	var pe *providers.Error
	if !errors.As(err, &pe) || pe.Kind != providers.KindAuth {
		t.Fatalf("expected auth error, got %v", err)
	}
}

func TestProvider_HealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || !isModelsPath(r.URL.Path) {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("x-api-key") != testKey {
			respondErrorJSON(w, http.StatusUnauthorized, "authentication_error", "invalid x-api-key")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"id": "claude-3-5-sonnet", "type": "model", "display_name": "Claude", "created_at": "2024-10-22T00:00:00Z"},
			},
			"has_more": false,
		})
	}))
	defer srv.Close()

	p := newTestProvider(srv)
	if err := p.HealthCheck(context.Background(), testKey); err != nil {
		t.Fatalf("unexpected healthcheck error: %v", err)
	}

	err := p.HealthCheck(context.Background(), "sk-ant-wrong-key-99999")
	var pe *providers.Error
	if !errors.As(err, &pe) || pe.Kind != providers.KindAuth {
		t.Fatalf("expected auth error for wrong key, got %v", err)
	}
}
