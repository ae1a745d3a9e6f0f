package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/felipepmaragno/tiergate/internal/auth"
	"github.com/felipepmaragno/tiergate/internal/circuitbreaker"
	"github.com/felipepmaragno/tiergate/internal/domain"
	"github.com/felipepmaragno/tiergate/internal/provider"
	"github.com/felipepmaragno/tiergate/internal/quota"
	"github.com/felipepmaragno/tiergate/internal/ratelimit"
	"github.com/felipepmaragno/tiergate/internal/router"
	"github.com/felipepmaragno/tiergate/internal/stream"
	"github.com/felipepmaragno/tiergate/internal/tier"
	"github.com/felipepmaragno/tiergate/internal/usageevents"
)

// =============================================================================
// Mock Implementations
// =============================================================================

type MockProvider struct {
	IDValue            string
	ChatCompletionFunc func(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error)
	OpenStreamFunc     func(ctx context.Context, req domain.ChatRequest) (io.ReadCloser, error)
}

func (m *MockProvider) ID() string { return m.IDValue }

func (m *MockProvider) Dialect() stream.Dialect { return stream.OpenAIDialect{} }

func (m *MockProvider) ChatCompletion(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if m.ChatCompletionFunc != nil {
		return m.ChatCompletionFunc(ctx, req)
	}
	return &domain.ChatResponse{
		ID:     "chatcmpl-test",
		Object: "chat.completion",
		Model:  req.Model,
		Choices: []domain.Choice{{
			Message:      &domain.ResponseMessage{Role: domain.RoleAssistant, Content: "hi there"},
			FinishReason: domain.FinishStop,
		}},
	}, nil
}

func (m *MockProvider) OpenStream(ctx context.Context, req domain.ChatRequest) (io.ReadCloser, error) {
	if m.OpenStreamFunc != nil {
		return m.OpenStreamFunc(ctx, req)
	}
	return io.NopCloser(strings.NewReader(
		"data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n" +
			"data: {\"choices\":[{\"delta\":{\"content\":\"lo\"},\"finish_reason\":\"stop\"}]}\n\n" +
			"data: [DONE]\n\n",
	)), nil
}

func (m *MockProvider) HealthCheck(ctx context.Context) error { return nil }

// MockRateLimiter implements ratelimit.RateLimiter for testing
type MockRateLimiter struct {
	AllowFunc func(ctx context.Context, key string, limit int) (bool, int, time.Time, error)
}

func (m *MockRateLimiter) Allow(ctx context.Context, key string, limit int) (bool, int, time.Time, error) {
	if m.AllowFunc != nil {
		return m.AllowFunc(ctx, key, limit)
	}
	return true, limit - 1, time.Now().Add(time.Minute), nil
}

type MockPassthrough struct {
	PassthroughFunc func(ctx context.Context, body []byte, header http.Header) (*http.Response, error)
}

func (m *MockPassthrough) Passthrough(ctx context.Context, body []byte, header http.Header) (*http.Response, error) {
	return m.PassthroughFunc(ctx, body, header)
}

type MockChecker struct {
	name string
	err  error
}

func (m *MockChecker) Name() string                    { return m.name }
func (m *MockChecker) Check(ctx context.Context) error { return m.err }

// =============================================================================
// Helpers
// =============================================================================

const testSecret = "test-secret"

type testEnv struct {
	handler  *Handler
	engine   *quota.Engine
	events   *usageevents.InMemoryPublisher
	provider *MockProvider
}

type envOption func(*envConfig)

type envConfig struct {
	limiter    ratelimit.RateLimiter
	routerOpts []router.Option
	adminHash  string
	checkers   []HealthChecker
	upstream   *MockProvider
	engineOpts []quota.Option
}

func withLimiter(l ratelimit.RateLimiter) envOption {
	return func(c *envConfig) { c.limiter = l }
}

func withRouterOptions(opts ...router.Option) envOption {
	return func(c *envConfig) { c.routerOpts = append(c.routerOpts, opts...) }
}

func withUpstream(p *MockProvider) envOption {
	return func(c *envConfig) { c.upstream = p }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	cfg := envConfig{limiter: &MockRateLimiter{}, upstream: &MockProvider{IDValue: "openai"}}
	for _, opt := range opts {
		opt(&cfg)
	}

	engine := quota.NewEngine(quota.NewInMemoryStore(), nil, cfg.engineOpts...)
	providers := map[tier.Provider]provider.Provider{
		tier.ProviderOpenAI:    cfg.upstream,
		tier.ProviderAnthropic: &MockProvider{IDValue: "anthropic"},
	}
	events := usageevents.NewInMemoryPublisher()

	h := NewHandler(HandlerConfig{
		Router:      router.New(providers, engine, cfg.routerOpts...),
		Engine:      engine,
		Identifier:  auth.NewIdentifier(testSecret, nil),
		RateLimiter: ratelimit.NewLimiter(cfg.limiter),
		Events:      events,
		Admin:       auth.NewAdminAuthenticator(cfg.adminHash),
		Checkers:    cfg.checkers,
		Version:     "test",
	})
	return &testEnv{handler: h, engine: engine, events: events, provider: cfg.upstream}
}

func signToken(t *testing.T, claims auth.Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func (e *testEnv) do(t *testing.T, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.DeviceIDHeader, "device-1")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
}

const chatBody = `{"model":"gpt-4o-mini","messages":[{"role":"user","content":"hello"}]}`

// =============================================================================
// Chat completions
// =============================================================================

func TestChatCompletions_Success(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/chat/completions", chatBody, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp domain.ChatResponse
	decode(t, rec, &resp)
	if resp.Choices[0].Message.Content != "hi there" {
		t.Errorf("content = %q", resp.Choices[0].Message.Content)
	}
	if got := rec.Header().Get("X-Quota-Used"); got != "1" {
		t.Errorf("X-Quota-Used = %q, want 1", got)
	}
	if got := rec.Header().Get("X-Quota-Limit"); got != "10" {
		t.Errorf("X-Quota-Limit = %q, want 10", got)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID")
	}

	events := env.events.Events()
	if len(events) != 1 || events[0].Status != "ok" || events[0].CallerKey != "dev:device-1" {
		t.Errorf("events = %+v", events)
	}
}

func TestChatCompletions_Streaming(t *testing.T) {
	env := newTestEnv(t)

	body := `{"model":"gpt-4o-mini","stream":true,"messages":[{"role":"user","content":"hello"}]}`
	rec := env.do(t, http.MethodPost, "/v1/chat/completions", body, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	out := rec.Body.String()
	if !strings.HasSuffix(out, "data: [DONE]\n\n") {
		t.Errorf("stream not terminated with [DONE]: %q", out)
	}
	if !strings.Contains(out, `"content":"Hel"`) || !strings.Contains(out, `"content":"lo"`) {
		t.Errorf("missing text deltas: %q", out)
	}
}

func TestChatCompletions_InvalidBody(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"model":`},
		{"missing model", `{"messages":[{"role":"user","content":"hi"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/v1/chat/completions", tt.body, nil)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestChatCompletions_ModelNotAllowed(t *testing.T) {
	env := newTestEnv(t)

	body := `{"model":"gpt-5","messages":[{"role":"user","content":"hello"}]}`
	rec := env.do(t, http.MethodPost, "/v1/chat/completions", body, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}

	var resp modelNotAllowedBody
	decode(t, rec, &resp)
	if resp.Error != "model_not_allowed" || resp.Tier != tier.Anonymous {
		t.Errorf("body = %+v", resp)
	}
	if len(resp.AllowedModels) != 3 {
		t.Errorf("allowed_models = %v", resp.AllowedModels)
	}

	status, _ := env.engine.UsageStatus(context.Background(), quota.Caller{Key: "dev:device-1", Tier: tier.Anonymous})
	if status.Used != 0 {
		t.Errorf("rejected model was counted: used = %d", status.Used)
	}
}

func TestChatCompletions_DailyQuotaExceeded(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < 10; i++ {
		if rec := env.do(t, http.MethodPost, "/v1/chat/completions", chatBody, nil); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, rec.Code)
		}
	}

	rec := env.do(t, http.MethodPost, "/v1/chat/completions", chatBody, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}

	var resp map[string]any
	decode(t, rec, &resp)
	for _, key := range []string{"error", "message", "used_today", "limit_today", "resets_at", "tier", "upgrade_options"} {
		if _, ok := resp[key]; !ok {
			t.Errorf("429 body missing %q: %v", key, resp)
		}
	}
	if resp["error"] != quota.ReasonDailyLimit {
		t.Errorf("error = %v", resp["error"])
	}
	if resp["used_today"] != float64(10) || resp["limit_today"] != float64(10) {
		t.Errorf("used/limit = %v/%v", resp["used_today"], resp["limit_today"])
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
}

func TestChatCompletions_RateLimited(t *testing.T) {
	resetAt := time.Now().Add(30 * time.Second)
	limiter := &MockRateLimiter{AllowFunc: func(ctx context.Context, key string, limit int) (bool, int, time.Time, error) {
		if key != ratelimit.Key("dev:device-1", tier.EndpointChat) {
			t.Errorf("key = %q", key)
		}
		return false, 0, resetAt, nil
	}}
	env := newTestEnv(t, withLimiter(limiter))

	rec := env.do(t, http.MethodPost, "/v1/chat/completions", chatBody, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}

	var resp quotaErrorBody
	decode(t, rec, &resp)
	if resp.Error != ReasonRateLimited {
		t.Errorf("error = %q", resp.Error)
	}
	if rec.Header().Get("X-RateLimit-Limit") != "10" || rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("rate headers = %v", rec.Header())
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
}

func TestChatCompletions_RateLimiterErrorFailsOpen(t *testing.T) {
	limiter := &MockRateLimiter{AllowFunc: func(ctx context.Context, key string, limit int) (bool, int, time.Time, error) {
		return false, 0, time.Time{}, errors.New("redis down")
	}}
	env := newTestEnv(t, withLimiter(limiter))

	if rec := env.do(t, http.MethodPost, "/v1/chat/completions", chatBody, nil); rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestChatCompletions_TierFromToken(t *testing.T) {
	env := newTestEnv(t)
	body := `{"model":"gpt-4.1","messages":[{"role":"user","content":"hello"}]}`

	tests := []struct {
		name   string
		token  string
		status int
	}{
		{"no token is anonymous", "", http.StatusForbidden},
		{"invalid token downgrades silently", "not-a-jwt", http.StatusForbidden},
		{"signed in", signToken(t, auth.Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"}}), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := map[string]string{}
			if tt.token != "" {
				header["Authorization"] = "Bearer " + tt.token
			}
			rec := env.do(t, http.MethodPost, "/v1/chat/completions", body, header)
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.status, rec.Body.String())
			}
		})
	}
}

func TestChatCompletions_UpstreamErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantBody   string
	}{
		{
			name:       "http error relayed verbatim",
			err:        &domain.UpstreamHTTPError{Provider: "openai", StatusCode: 400, ContentType: "application/json", Body: []byte(`{"error":{"message":"bad"}}`)},
			wantStatus: http.StatusBadRequest,
			wantBody:   `{"error":{"message":"bad"}}`,
		},
		{
			name:       "format error",
			err:        &domain.UpstreamFormatError{Provider: "openai", Err: errors.New("no choices")},
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:       "token mint failure",
			err:        &domain.AuthMintError{Err: errors.New("token endpoint down")},
			wantStatus: http.StatusBadGateway,
		},
		{
			name:       "transport failure",
			err:        errors.New("connection reset"),
			wantStatus: http.StatusBadGateway,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upstream := &MockProvider{IDValue: "openai", ChatCompletionFunc: func(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
				return nil, tt.err
			}}
			env := newTestEnv(t, withUpstream(upstream))

			rec := env.do(t, http.MethodPost, "/v1/chat/completions", chatBody, nil)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantBody != "" && rec.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestChatCompletions_CircuitOpen(t *testing.T) {
	upstream := &MockProvider{IDValue: "openai", ChatCompletionFunc: func(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
		return nil, &domain.UpstreamHTTPError{Provider: "openai", StatusCode: 503, Body: []byte("{}")}
	}}
	breakers := circuitbreaker.NewManager(circuitbreaker.Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Hour})
	env := newTestEnv(t, withUpstream(upstream), withRouterOptions(router.WithCircuitBreakers(breakers)))

	if rec := env.do(t, http.MethodPost, "/v1/chat/completions", chatBody, nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("first status = %d, want upstream 503", rec.Code)
	}
	rec := env.do(t, http.MethodPost, "/v1/chat/completions", chatBody, nil)
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "temporarily unavailable") {
		t.Errorf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestChatCompletions_StreamUpstreamErrorBeforeHeaders(t *testing.T) {
	upstream := &MockProvider{IDValue: "openai", OpenStreamFunc: func(ctx context.Context, req domain.ChatRequest) (io.ReadCloser, error) {
		return nil, &domain.UpstreamHTTPError{Provider: "openai", StatusCode: 429, ContentType: "application/json", Body: []byte(`{"error":"slow down"}`)}
	}}
	env := newTestEnv(t, withUpstream(upstream))

	body := `{"model":"gpt-4o-mini","stream":true,"messages":[{"role":"user","content":"hello"}]}`
	rec := env.do(t, http.MethodPost, "/v1/chat/completions", body, nil)
	if rec.Code != http.StatusTooManyRequests || rec.Body.String() != `{"error":"slow down"}` {
		t.Errorf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

// =============================================================================
// Usage and models
// =============================================================================

func TestUsage_DoesNotMutate(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/v1/chat/completions", chatBody, nil)

	var first, second usageBody
	decode(t, env.do(t, http.MethodGet, "/v1/usage", "", nil), &first)
	decode(t, env.do(t, http.MethodGet, "/v1/usage", "", nil), &second)

	if first.UsedToday != 1 || first.LimitToday != 10 || first.Remaining != 9 {
		t.Errorf("usage = %+v", first)
	}
	if first.UsedToday != second.UsedToday || first.Remaining != second.Remaining || !first.ResetsAt.Equal(second.ResetsAt) {
		t.Errorf("usage changed between reads: %+v vs %+v", first, second)
	}
}

func TestListModels_TierFiltered(t *testing.T) {
	env := newTestEnv(t)

	var anon domain.ModelsResponse
	decode(t, env.do(t, http.MethodGet, "/v1/models", "", nil), &anon)

	token := signToken(t, auth.Claims{Subscribed: true, RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"}})
	var sub domain.ModelsResponse
	decode(t, env.do(t, http.MethodGet, "/v1/models", "", map[string]string{"Authorization": "Bearer " + token}), &sub)

	if anon.Object != "list" || len(anon.Data) == 0 {
		t.Fatalf("anonymous models = %+v", anon)
	}
	if len(sub.Data) <= len(anon.Data) {
		t.Errorf("subscribed sees %d models, anonymous %d", len(sub.Data), len(anon.Data))
	}
	for _, m := range sub.Data {
		if m.Provider == string(tier.ProviderGemini) {
			t.Errorf("model %s listed without a configured gemini upstream", m.ID)
		}
	}
}

// =============================================================================
// Anthropic passthrough
// =============================================================================

func TestMessages_Passthrough(t *testing.T) {
	var gotBody []byte
	var gotBeta string
	pt := &MockPassthrough{PassthroughFunc: func(ctx context.Context, body []byte, header http.Header) (*http.Response, error) {
		gotBody = body
		gotBeta = header.Get("anthropic-beta")
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": []string{"application/json"}},
			Body:       io.NopCloser(strings.NewReader(`{"type":"message","content":[]}`)),
		}, nil
	}}
	env := newTestEnv(t, withRouterOptions(router.WithPassthrough(pt)))

	body := `{"model":"claude-haiku-4-5","max_tokens":16,"messages":[{"role":"user","content":"hi"}]}`
	for _, path := range []string{"/v1/messages", "/anthropic/v1/messages"} {
		rec := env.do(t, http.MethodPost, path, body, map[string]string{"anthropic-beta": "tools-2024"})
		if rec.Code != http.StatusOK {
			t.Fatalf("%s status = %d: %s", path, rec.Code, rec.Body.String())
		}
		if rec.Body.String() != `{"type":"message","content":[]}` {
			t.Errorf("%s body = %q", path, rec.Body.String())
		}
	}
	if string(gotBody) != body || gotBeta != "tools-2024" {
		t.Errorf("forwarded body = %s, beta = %q", gotBody, gotBeta)
	}
	if rec := env.do(t, http.MethodGet, "/v1/usage", "", nil); !strings.Contains(rec.Body.String(), `"used_today":2`) {
		t.Errorf("passthrough not counted: %s", rec.Body.String())
	}
}

func TestMessages_Gating(t *testing.T) {
	called := false
	pt := &MockPassthrough{PassthroughFunc: func(ctx context.Context, body []byte, header http.Header) (*http.Response, error) {
		called = true
		return nil, errors.New("unexpected")
	}}
	env := newTestEnv(t, withRouterOptions(router.WithPassthrough(pt)))

	rec := env.do(t, http.MethodPost, "/v1/messages", `{"model":"claude-opus-4-1","messages":[]}`, nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
	rec = env.do(t, http.MethodPost, "/v1/messages", `{"messages":[]}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if called {
		t.Error("gated request reached upstream")
	}
}

func TestMessages_Disabled(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/v1/messages", `{"model":"claude-haiku-4-5","messages":[]}`, nil)
	if rec.Code != http.StatusNotImplemented {
		t.Errorf("status = %d, want 501", rec.Code)
	}
}

// =============================================================================
// Admin and health
// =============================================================================

func TestChatCompletions_SpoofedForwardedForKeepsIPCeiling(t *testing.T) {
	env := newTestEnv(t, func(c *envConfig) {
		c.engineOpts = append(c.engineOpts, quota.WithIPDailyCeiling(2))
	})

	for i, spoof := range []string{"1.1.1.1", "2.2.2.2", "3.3.3.3"} {
		rec := env.do(t, http.MethodPost, "/v1/chat/completions", chatBody, map[string]string{
			auth.DeviceIDHeader: fmt.Sprintf("rotating-%d", i),
			"X-Forwarded-For":   spoof,
		})
		want := http.StatusOK
		if i == 2 {
			want = http.StatusTooManyRequests
		}
		if rec.Code != want {
			t.Fatalf("request %d status = %d, want %d: %s", i, rec.Code, want, rec.Body.String())
		}
	}
}

func TestAdmin(t *testing.T) {
	hash, err := auth.HashToken("admin-token")
	if err != nil {
		t.Fatal(err)
	}

	t.Run("disabled without hash", func(t *testing.T) {
		env := newTestEnv(t)
		rec := env.do(t, http.MethodGet, "/admin/usage/dev:device-1", "", nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})

	env := newTestEnv(t, func(c *envConfig) { c.adminHash = hash })
	admin := map[string]string{"Authorization": "Bearer admin-token"}
	env.do(t, http.MethodPost, "/v1/chat/completions", chatBody, nil)

	if rec := env.do(t, http.MethodGet, "/admin/usage/dev:device-1", "", map[string]string{"Authorization": "Bearer wrong"}); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token status = %d, want 401", rec.Code)
	}

	rec := env.do(t, http.MethodGet, "/admin/usage/dev:device-1", "", admin)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var usage quota.UsageRecord
	decode(t, rec, &usage)
	if usage.DailyCount != 1 {
		t.Errorf("daily_count = %d", usage.DailyCount)
	}

	if rec := env.do(t, http.MethodDelete, "/admin/usage/dev:device-1", "", admin); rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/admin/usage/dev:device-1", "", admin); rec.Code != http.StatusNotFound {
		t.Errorf("status after reset = %d, want 404", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, func(c *envConfig) {
		c.checkers = []HealthChecker{&MockChecker{name: "redis"}, &MockChecker{name: "postgres", err: errors.New("down")}}
	})

	var health map[string]any
	rec := env.do(t, http.MethodGet, "/health", "", nil)
	decode(t, rec, &health)
	if rec.Code != http.StatusOK || health["status"] != "healthy" {
		t.Errorf("health = %d %v", rec.Code, health)
	}

	if rec := env.do(t, http.MethodGet, "/health/live", "", nil); rec.Code != http.StatusOK {
		t.Errorf("live status = %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/health/ready", "", nil)
	var ready ReadinessReport
	decode(t, rec, &ready)
	if rec.Code != http.StatusServiceUnavailable || ready.Status != "not_ready" {
		t.Errorf("ready = %d %+v", rec.Code, ready)
	}
	if ready.Checks["redis"].Status != "ok" || ready.Checks["postgres"].Error != "down" {
		t.Errorf("checks = %+v", ready.Checks)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/v1/chat/completions", chatBody, nil)

	rec := env.do(t, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "tiergate_requests_total") {
		t.Errorf("metrics status = %d", rec.Code)
	}
}
