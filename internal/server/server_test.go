package server

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nulpointcorp/contentgen-gateway/internal/cache"
	"github.com/nulpointcorp/contentgen-gateway/internal/gateway"
	"github.com/nulpointcorp/contentgen-gateway/internal/keys"
	"github.com/nulpointcorp/contentgen-gateway/internal/metrics"
	"github.com/nulpointcorp/contentgen-gateway/internal/prompt"
	"github.com/nulpointcorp/contentgen-gateway/internal/providers"
	"github.com/nulpointcorp/contentgen-gateway/internal/settings"
	"github.com/nulpointcorp/contentgen-gateway/internal/usage"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

// stubProvider returns a fixed completion, or err when set.
type stubProvider struct {
	name  string
	text  string
	err   error
	calls atomic.Int32
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) Complete(_ context.Context, req *providers.CompletionRequest) (*providers.Completion, error) {
	p.calls.Add(1)
	if p.err != nil {
		return nil, p.err
	}
	return &providers.Completion{Text: p.text, TokensIn: 100, TokensOut: 50, Model: req.Model}, nil
}

func (p *stubProvider) HealthCheck(context.Context, string) error { return nil }

func baseSettings() settings.Settings {
	return settings.Settings{
		Enabled:              true,
		DefaultProvider:      providers.OpenAI,
		DefaultModel:         "gpt-4o-mini",
		MaxTokens:            256,
		Temperature:          0.7,
		CacheEnabled:         true,
		CacheTTLSeconds:      3600,
		MaxRetries:           0,
		BackoffStrategy:      settings.BackoffConstant,
		RetryDelayMS:         0,
		BudgetAlertThreshold: 80,
	}
}

type testServer struct {
	srv      *Server
	prov     *stubProvider
	usage    *usage.MemoryStore
	settings *settings.MemoryStore
	keys     *keys.MemoryStore
	client   *http.Client
}

// serveTest starts the full routed handler on an in-memory listener.
func serveTest(t *testing.T, auth *Authenticator, mutate ...func(*Options)) *testServer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ks := keys.NewMemoryStore()
	if err := ks.Set(ctx, providers.OpenAI, keys.Secret("sk-test-0123456789abcdef")); err != nil {
		t.Fatal(err)
	}
	mc := cache.NewMemoryCache(ctx, time.Minute)
	t.Cleanup(mc.Close)

	ts := &testServer{
		prov:     &stubProvider{name: providers.OpenAI, text: "Ten tips for faster pages"},
		usage:    usage.NewMemoryStore(),
		settings: settings.NewMemoryStore(baseSettings()),
		keys:     ks,
	}
	templates := prompt.NewMemoryStore()

	gw := gateway.New(ctx, gateway.Options{
		Providers: providers.NewRegistry(ts.prov),
		Settings:  ts.settings,
		Keys:      ks,
		Templates: templates,
		Usage:     ts.usage,
		Cache:     mc,
	})
	t.Cleanup(gw.Close)

	opts := Options{
		Gateway:   gw,
		Settings:  ts.settings,
		Keys:      ks,
		Templates: templates,
		Usage:     ts.usage,
		Cache:     mc,
		Metrics:   metrics.New(),
		Auth:      auth,
		Version:   "test",
	}
	for _, m := range mutate {
		m(&opts)
	}
	ts.srv = New(opts)

	ln := fasthttputil.NewInmemoryListener()
	go func() {
		_ = fasthttp.Serve(ln, ts.srv.Handler())
	}()
	t.Cleanup(func() { _ = ln.Close() })

	ts.client = &http.Client{
		Transport: &http.Transport{
			DialContext: func(context.Context, string, string) (net.Conn, error) {
				return ln.Dial()
			},
		},
		Timeout: 5 * time.Second,
	}
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string, header ...string) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, "http://gateway"+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := ts.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, data
}

type errorEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
		Detail  string `json:"detail"`
		Hint    string `json:"hint"`
	} `json:"error"`
}

func decodeError(t *testing.T, body []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("not an error envelope: %v (%s)", err, body)
	}
	return env
}

// --- generate -------------------------------------------------------------------

func TestGenerate_MissThenHit(t *testing.T) {
	ts := serveTest(t, nil)
	body := `{"type":"title","prompt":"page speed"}`

	resp, data := ts.do(t, http.MethodPost, "/v1/generate", body, "X-User-ID", "u1")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, data)
	}
	if got := resp.Header.Get("X-Cache"); got != "MISS" {
		t.Errorf("X-Cache = %q, want MISS", got)
	}
	var res gateway.Result
	if err := json.Unmarshal(data, &res); err != nil {
		t.Fatal(err)
	}
	if res.Text != "Ten tips for faster pages" || res.Stats.Provider != providers.OpenAI {
		t.Errorf("result = %+v", res)
	}

	resp, _ = ts.do(t, http.MethodPost, "/v1/generate", body, "X-User-ID", "u1")
	if got := resp.Header.Get("X-Cache"); got != "HIT" {
		t.Errorf("second X-Cache = %q, want HIT", got)
	}
	if n := ts.prov.calls.Load(); n != 1 {
		t.Errorf("provider calls = %d, want 1", n)
	}

	st, err := ts.usage.Stats(context.Background(), usage.Filter{UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if st.Requests != 2 || st.CacheHits != 1 {
		t.Errorf("usage totals = %+v", st.Totals)
	}
}

func TestGenerate_InvalidJSON(t *testing.T) {
	ts := serveTest(t, nil)
	resp, data := ts.do(t, http.MethodPost, "/v1/generate", "{not json")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if env := decodeError(t, data); env.Error.Code != "invalid_request" {
		t.Errorf("code = %q", env.Error.Code)
	}
}

func TestGenerate_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		settings func(*settings.Settings)
		provErr  error
		status   int
		code     string
	}{
		{
			name:     "disabled",
			settings: func(s *settings.Settings) { s.Enabled = false },
			status:   http.StatusServiceUnavailable,
			code:     "generation_disabled",
		},
		{
			name:     "budget exhausted",
			settings: func(s *settings.Settings) { s.BudgetLimit = 0.000001 },
			status:   http.StatusPaymentRequired,
			code:     "budget_exceeded",
		},
		{
			name:    "provider auth",
			provErr: &providers.Error{Provider: providers.OpenAI, Kind: providers.KindAuth, StatusCode: 401, Message: "bad key"},
			status:  http.StatusBadGateway,
			code:    "invalid_api_key",
		},
		{
			name:    "provider timeout",
			provErr: &providers.Error{Provider: providers.OpenAI, Kind: providers.KindTimeout, Message: "deadline"},
			status:  http.StatusGatewayTimeout,
			code:    "request_timeout",
		},
		{
			name:    "provider network",
			provErr: &providers.Error{Provider: providers.OpenAI, Kind: providers.KindNetwork, StatusCode: 500, Message: "boom"},
			status:  http.StatusBadGateway,
			code:    "provider_error",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ts := serveTest(t, nil)
			ts.prov.err = tc.provErr
			if tc.settings != nil {
				s := baseSettings()
				tc.settings(&s)
				if _, err := ts.settings.Update(context.Background(), s); err != nil {
					t.Fatal(err)
				}
			}
			if tc.code == "budget_exceeded" {
				// Seed spend above the limit for the current month.
				_ = ts.usage.Record(context.Background(), usage.Entry{
					CreatedAt: time.Now(), Provider: providers.OpenAI, Model: "gpt-4o-mini",
					Status: usage.StatusSuccess, Cost: 1,
				})
			}

			resp, data := ts.do(t, http.MethodPost, "/v1/generate", `{"prompt":"hello"}`)
			if resp.StatusCode != tc.status {
				t.Fatalf("status = %d, want %d (%s)", resp.StatusCode, tc.status, data)
			}
			env := decodeError(t, data)
			if env.Error.Code != tc.code {
				t.Errorf("code = %q, want %q", env.Error.Code, tc.code)
			}
			if bytes.Contains(data, []byte("sk-test")) {
				t.Error("response leaks the API key")
			}
		})
	}
}

func TestGenerate_AuthErrorHint(t *testing.T) {
	ts := serveTest(t, nil)
	ts.prov.err = &providers.Error{Provider: providers.OpenAI, Kind: providers.KindAuth, StatusCode: 401, Message: "bad key"}

	_, data := ts.do(t, http.MethodPost, "/v1/generate", `{"prompt":"hello"}`)
	env := decodeError(t, data)
	if !strings.Contains(env.Error.Hint, providers.OpenAI) {
		t.Errorf("hint = %q, want it to name the provider", env.Error.Hint)
	}
}

// --- auth -----------------------------------------------------------------------

func TestAuth_RequiresBearerToken(t *testing.T) {
	ts := serveTest(t, NewAuthenticator("s3cret"))

	resp, data := ts.do(t, http.MethodPost, "/v1/generate", `{"prompt":"x"}`)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if env := decodeError(t, data); env.Error.Code != "invalid_token" {
		t.Errorf("code = %q", env.Error.Code)
	}

	// Health probes stay public.
	if resp, _ := ts.do(t, http.MethodGet, "/health", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("/health status = %d", resp.StatusCode)
	}
}

func TestAuth_EditorCannotUseAdminRoutes(t *testing.T) {
	auth := NewAuthenticator("s3cret")
	ts := serveTest(t, auth)
	tok, err := auth.IssueToken("writer-1", RoleEditor, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	bearer := "Bearer " + tok

	resp, _ := ts.do(t, http.MethodPost, "/v1/generate", `{"prompt":"x"}`, "Authorization", bearer)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("generate status = %d", resp.StatusCode)
	}

	for _, path := range []string{"/v1/settings", "/v1/keys", "/v1/usage/stats", "/v1/cache/stats", "/v1/templates"} {
		resp, data := ts.do(t, http.MethodGet, path, "", "Authorization", bearer)
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("%s status = %d, want 403", path, resp.StatusCode)
			continue
		}
		if env := decodeError(t, data); env.Error.Code != "forbidden" {
			t.Errorf("%s code = %q", path, env.Error.Code)
		}
	}
}

func TestAuth_TokenSubjectBecomesUsageUser(t *testing.T) {
	auth := NewAuthenticator("s3cret")
	ts := serveTest(t, auth)
	tok, _ := auth.IssueToken("writer-7", RoleEditor, time.Hour)

	ts.do(t, http.MethodPost, "/v1/generate", `{"prompt":"x"}`, "Authorization", "Bearer "+tok)

	st, err := ts.usage.Stats(context.Background(), usage.Filter{UserID: "writer-7"})
	if err != nil {
		t.Fatal(err)
	}
	if st.Requests != 1 {
		t.Errorf("requests for writer-7 = %d, want 1", st.Requests)
	}
}

// --- settings -------------------------------------------------------------------

func TestSettings_PartialUpdate(t *testing.T) {
	ts := serveTest(t, nil)

	resp, data := ts.do(t, http.MethodPut, "/v1/settings", `{"max_retries":5,"budget_limit":25}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d (%s)", resp.StatusCode, data)
	}
	var got settings.Settings
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.MaxRetries != 5 || got.BudgetLimit != 25 {
		t.Errorf("updated = %+v", got)
	}
	if got.DefaultModel != "gpt-4o-mini" {
		t.Errorf("untouched field changed: default_model = %q", got.DefaultModel)
	}
}

func TestSettings_InvalidRejected(t *testing.T) {
	ts := serveTest(t, nil)

	resp, data := ts.do(t, http.MethodPut, "/v1/settings", `{"backoff_strategy":"fibonacci"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if env := decodeError(t, data); env.Error.Code != "invalid_settings" {
		t.Errorf("code = %q", env.Error.Code)
	}

	cur, _ := ts.settings.Get(context.Background())
	if cur.BackoffStrategy != settings.BackoffConstant {
		t.Errorf("invalid update was persisted: %q", cur.BackoffStrategy)
	}
}

func TestSettings_Reset(t *testing.T) {
	ts := serveTest(t, nil)
	ts.do(t, http.MethodPut, "/v1/settings", `{"max_retries":7}`)

	resp, data := ts.do(t, http.MethodPost, "/v1/settings/reset", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var got settings.Settings
	_ = json.Unmarshal(data, &got)
	if got.MaxRetries != 0 {
		t.Errorf("max_retries after reset = %d, want 0", got.MaxRetries)
	}
}

// --- keys -----------------------------------------------------------------------

func TestKeys_ListIsMasked(t *testing.T) {
	ts := serveTest(t, nil)

	resp, data := ts.do(t, http.MethodGet, "/v1/keys", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if bytes.Contains(data, []byte("0123456789abcdef")) {
		t.Fatalf("key list leaks the secret: %s", data)
	}

	var list []keyStatus
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != len(providers.Known) {
		t.Fatalf("len = %d, want %d", len(list), len(providers.Known))
	}
	for _, k := range list {
		if k.Provider == providers.OpenAI && (!k.Configured || k.Key == "") {
			t.Errorf("openai entry = %+v", k)
		}
		if k.Provider == providers.Anthropic && k.Configured {
			t.Errorf("anthropic should be unconfigured: %+v", k)
		}
	}
}

func TestKeys_SetAndDelete(t *testing.T) {
	ts := serveTest(t, nil)
	ctx := context.Background()

	resp, _ := ts.do(t, http.MethodPut, "/v1/keys/anthropic", `{"api_key":"sk-ant-abcdefghijkl"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set status = %d", resp.StatusCode)
	}
	if k, ok, _ := ts.keys.Get(ctx, providers.Anthropic); !ok || k.Reveal() != "sk-ant-abcdefghijkl" {
		t.Errorf("stored key = %v, %v", k, ok)
	}

	resp, _ = ts.do(t, http.MethodDelete, "/v1/keys/anthropic", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	if _, ok, _ := ts.keys.Get(ctx, providers.Anthropic); ok {
		t.Error("key still present after delete")
	}
}

func TestKeys_Rejections(t *testing.T) {
	ts := serveTest(t, nil)

	resp, data := ts.do(t, http.MethodPut, "/v1/keys/notaprovider", `{"api_key":"abc"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown provider status = %d", resp.StatusCode)
	} else if env := decodeError(t, data); env.Error.Code != "unsupported_provider" {
		t.Errorf("code = %q", env.Error.Code)
	}

	resp, _ = ts.do(t, http.MethodPut, "/v1/keys/openai", `{"api_key":"  "}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty key status = %d", resp.StatusCode)
	}

	resp, _ = ts.do(t, http.MethodDelete, "/v1/keys/notaprovider", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("delete unknown status = %d", resp.StatusCode)
	}
}

// --- templates ------------------------------------------------------------------

func TestTemplates_OverrideAndRevert(t *testing.T) {
	ts := serveTest(t, nil)

	resp, data := ts.do(t, http.MethodGet, "/v1/templates/title", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	if !bytes.Contains(data, []byte(`"builtin":true`)) {
		t.Errorf("expected built-in template: %s", data)
	}

	resp, data = ts.do(t, http.MethodPut, "/v1/templates/title", `{"body":"Write a title about {content}"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put status = %d (%s)", resp.StatusCode, data)
	}

	_, data = ts.do(t, http.MethodGet, "/v1/templates/title", "")
	if !bytes.Contains(data, []byte("Write a title about {content}")) {
		t.Errorf("override not served: %s", data)
	}

	resp, _ = ts.do(t, http.MethodDelete, "/v1/templates/title", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	_, data = ts.do(t, http.MethodGet, "/v1/templates/title", "")
	if !bytes.Contains(data, []byte(`"builtin":true`)) {
		t.Errorf("delete should revert to the built-in: %s", data)
	}
}

func TestTemplates_Errors(t *testing.T) {
	ts := serveTest(t, nil)

	if resp, _ := ts.do(t, http.MethodGet, "/v1/templates/nosuchtype", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown type status = %d", resp.StatusCode)
	}
	if resp, _ := ts.do(t, http.MethodPut, "/v1/templates/title", `{"body":"   "}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty body status = %d", resp.StatusCode)
	}
}

func TestTemplates_List(t *testing.T) {
	ts := serveTest(t, nil)
	_, data := ts.do(t, http.MethodGet, "/v1/templates", "")

	var list []prompt.Template
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatal(err)
	}
	if len(list) < len(prompt.DefaultTypes()) {
		t.Errorf("len = %d, want at least %d", len(list), len(prompt.DefaultTypes()))
	}
}

// --- usage ----------------------------------------------------------------------

func TestUsage_StatsAndExport(t *testing.T) {
	ts := serveTest(t, nil)
	ts.do(t, http.MethodPost, "/v1/generate", `{"prompt":"one"}`, "X-User-ID", "alice")
	ts.do(t, http.MethodPost, "/v1/generate", `{"prompt":"two"}`, "X-User-ID", "bob")

	resp, data := ts.do(t, http.MethodGet, "/v1/usage/stats?period=all", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats status = %d (%s)", resp.StatusCode, data)
	}
	var st usageStatsResponse
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatal(err)
	}
	if st.Period != "all" || st.Requests != 2 || len(st.ByUser) != 2 {
		t.Errorf("stats = %+v", st)
	}

	_, data = ts.do(t, http.MethodGet, "/v1/usage/stats?period=all&user=alice", "")
	_ = json.Unmarshal(data, &st)
	if st.Requests != 1 {
		t.Errorf("alice requests = %d, want 1", st.Requests)
	}

	resp, data = ts.do(t, http.MethodGet, "/v1/usage/export?period=all", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("export status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Errorf("content type = %q", ct)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, "attachment") {
		t.Errorf("content disposition = %q", cd)
	}
	rows, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(rows[0], ",") != "Provider,Model,Requests,Tokens,Cost" {
		t.Errorf("header = %v", rows[0])
	}
	if len(rows) != 2 {
		t.Errorf("rows = %d, want header + 1 model row", len(rows))
	}
}

func TestUsage_BadPeriod(t *testing.T) {
	ts := serveTest(t, nil)
	for _, q := range []string{"period=fortnight", "period=custom", "period=custom&from=2025-03-10&to=2025-03-01", "period=custom&from=yesterday&to=2025-03-01"} {
		resp, _ := ts.do(t, http.MethodGet, "/v1/usage/stats?"+q, "")
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, resp.StatusCode)
		}
	}
}

func TestUsage_CustomRange(t *testing.T) {
	ts := serveTest(t, nil)
	resp, data := ts.do(t, http.MethodGet, "/v1/usage/stats?period=custom&from=2025-03-01&to=2025-03-31T00:00:00Z", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d (%s)", resp.StatusCode, data)
	}
	var st usageStatsResponse
	_ = json.Unmarshal(data, &st)
	if st.From == nil || st.To == nil || st.From.Day() != 1 || st.To.Day() != 31 {
		t.Errorf("range = %v .. %v", st.From, st.To)
	}
}

// --- cache ----------------------------------------------------------------------

func TestCache_StatsAndClear(t *testing.T) {
	ts := serveTest(t, nil)
	ts.do(t, http.MethodPost, "/v1/generate", `{"prompt":"cache me"}`)

	_, data := ts.do(t, http.MethodGet, "/v1/cache/stats", "")
	var st struct {
		Enabled bool        `json:"enabled"`
		Stats   cache.Stats `json:"stats"`
	}
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatal(err)
	}
	if !st.Enabled || st.Stats.Total != 1 {
		t.Errorf("stats = %+v", st)
	}

	_, data = ts.do(t, http.MethodDelete, "/v1/cache", "")
	var cleared struct {
		Removed int `json:"removed"`
	}
	_ = json.Unmarshal(data, &cleared)
	if cleared.Removed != 1 {
		t.Errorf("removed = %d, want 1", cleared.Removed)
	}
}

func TestCache_Disabled(t *testing.T) {
	ts := serveTest(t, nil, func(o *Options) { o.Cache = nil })
	_, data := ts.do(t, http.MethodGet, "/v1/cache/stats", "")
	if !bytes.Contains(data, []byte(`"enabled":false`)) {
		t.Errorf("body = %s", data)
	}
}

// --- infrastructure -------------------------------------------------------------

func TestHealthWithoutChecker(t *testing.T) {
	ts := serveTest(t, nil)
	for _, path := range []string{"/health", "/readiness"} {
		resp, data := ts.do(t, http.MethodGet, path, "")
		if resp.StatusCode != http.StatusOK || !bytes.Contains(data, []byte(`"ok"`)) {
			t.Errorf("%s: status = %d body = %s", path, resp.StatusCode, data)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := serveTest(t, NewAuthenticator("s3cret"))
	ts.do(t, http.MethodGet, "/health", "")

	resp, data := ts.do(t, http.MethodGet, "/metrics", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !bytes.Contains(data, []byte("/health")) {
		t.Errorf("metrics do not carry the route label:\n%s", data)
	}
}

func TestUnknownRoute(t *testing.T) {
	ts := serveTest(t, nil)
	resp, _ := ts.do(t, http.MethodGet, "/v2/nothing", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", resp.StatusCode)
	}
}
