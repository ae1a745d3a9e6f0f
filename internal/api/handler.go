package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/felipepmaragno/tiergate/internal/auth"
	"github.com/felipepmaragno/tiergate/internal/domain"
	"github.com/felipepmaragno/tiergate/internal/metrics"
	"github.com/felipepmaragno/tiergate/internal/provider"
	"github.com/felipepmaragno/tiergate/internal/quota"
	"github.com/felipepmaragno/tiergate/internal/ratelimit"
	"github.com/felipepmaragno/tiergate/internal/router"
	"github.com/felipepmaragno/tiergate/internal/stream"
	"github.com/felipepmaragno/tiergate/internal/telemetry"
	"github.com/felipepmaragno/tiergate/internal/tier"
	"github.com/felipepmaragno/tiergate/internal/usageevents"
)

const maxBodyBytes = 10 << 20

type HandlerConfig struct {
	Router      *router.Router
	Engine      *quota.Engine
	Identifier  *auth.Identifier
	RateLimiter *ratelimit.Limiter
	Events      usageevents.Publisher
	Admin       *auth.AdminAuthenticator
	Checkers    []HealthChecker
	Version     string
	Logger      *slog.Logger
}

type Handler struct {
	router   *router.Router
	identify *auth.Identifier
	limiter  *ratelimit.Limiter
	events   usageevents.Publisher
	checkers []HealthChecker
	version  string
	logger   *slog.Logger
	mux      *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	identify := cfg.Identifier
	if identify == nil {
		identify = auth.NewIdentifier("", logger)
	}
	limiter := cfg.RateLimiter
	if limiter == nil {
		limiter = ratelimit.NewLimiter(ratelimit.NewInMemoryRateLimiter())
	}
	admin := cfg.Admin
	if admin == nil {
		admin = auth.NewAdminAuthenticator("")
	}

	h := &Handler{
		router:   cfg.Router,
		identify: identify,
		limiter:  limiter,
		events:   cfg.Events,
		checkers: cfg.Checkers,
		version:  cfg.Version,
		logger:   logger,
		mux:      http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /v1/chat/completions", h.handleChatCompletions)
	h.mux.HandleFunc("GET /v1/usage", h.handleUsage)
	h.mux.HandleFunc("GET /v1/models", h.handleListModels)
	h.mux.HandleFunc("POST /v1/messages", h.handleMessages)
	h.mux.HandleFunc("POST /anthropic/v1/messages", h.handleMessages)
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.HandleFunc("GET /health/ready", h.handleHealthReady)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	adminRoutes := newAdminHandler(cfg.Engine, logger)
	h.mux.Handle("/admin/", admin.RequireAdmin(adminRoutes))

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// request carries the per-request bookkeeping shared by the metered routes.
type request struct {
	id     string
	start  time.Time
	caller auth.Caller
}

func (h *Handler) begin(w http.ResponseWriter, r *http.Request) request {
	id := r.Header.Get("X-Request-ID")
	if id == "" {
		id = uuid.New().String()
	}
	w.Header().Set("X-Request-ID", id)

	caller, ok := auth.CallerFromContext(r.Context())
	if !ok {
		caller = h.identify.Identify(r)
	}
	return request{id: id, start: time.Now(), caller: caller}
}

func quotaCaller(c auth.Caller) quota.Caller {
	return quota.Caller{Key: c.Key, Tier: c.Tier, UserID: c.UserID, IP: c.IP}
}

// allowRate applies the per-minute ceiling and writes the 429 itself when
// the caller is over it.
func (h *Handler) allowRate(w http.ResponseWriter, r *http.Request, req request, e tier.Endpoint) bool {
	res, err := h.limiter.Check(r.Context(), req.caller.Key, req.caller.Tier, e)
	if err != nil {
		// a limiter outage never blocks traffic
		h.logger.Warn("rate limiter error", "error", err, "request_id", req.id)
		return true
	}
	setRateLimitHeaders(w, res)
	if res.Allowed {
		return true
	}

	metrics.RecordQuotaRejection(string(req.caller.Tier), "rate_limited")
	h.logger.Info("rate limit exceeded",
		"request_id", req.id,
		"caller_key", req.caller.Key,
		"tier", req.caller.Tier,
		"endpoint", e,
	)

	body := quotaErrorBody{
		Error:      ReasonRateLimited,
		Message:    "Too many requests. Please slow down and retry shortly.",
		ResetsAt:   res.ResetAt.UTC(),
		Tier:       req.caller.Tier,
		RetryAfter: int(res.RetryAfter.Seconds()),
	}
	if status, err := h.router.Usage(r.Context(), quotaCaller(req.caller)); err == nil {
		body.UsedToday = status.Used
		body.LimitToday = status.Limit
	}
	writeJSON(w, http.StatusTooManyRequests, body)
	return false
}

// authorize enforces model policy and the daily quota. On rejection the
// response has already been written.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, req request, model string) (*quota.Decision, bool) {
	d, err := h.router.Authorize(r.Context(), quotaCaller(req.caller), model)
	switch {
	case errors.Is(err, domain.ErrModelNotAllowed):
		metrics.RecordQuotaRejection(string(req.caller.Tier), "model_not_allowed")
		writeModelNotAllowed(w, req.caller.Tier, model)
		return nil, false
	case err != nil:
		h.logger.Error("quota check failed", "error", err, "request_id", req.id, "caller_key", req.caller.Key)
		writeError(w, http.StatusInternalServerError, "quota store unavailable")
		return nil, false
	}

	setQuotaHeaders(w, d)
	if !d.Allowed {
		writeQuotaExceeded(w, d)
		return d, false
	}
	return d, true
}

func (h *Handler) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	req := h.begin(w, r)
	if !h.allowRate(w, r, req, tier.EndpointChat) {
		return
	}

	var body domain.ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := body.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	d, ok := h.authorize(w, r, req, body.Model)
	if !ok {
		return
	}

	ctx, span := telemetry.StartSpan(r.Context(), "gateway.chat_completion")
	defer span.End()
	telemetry.AddQuotaAttributes(span, d.Used, d.Limit, d.PaidVia)

	if body.Stream {
		h.streamChat(ctx, w, req, d, body)
		return
	}

	resp, p, err := h.router.Complete(ctx, body)
	providerID := providerName(p)
	telemetry.AddRequestAttributes(span, req.caller.Key, string(req.caller.Tier), providerID, body.Model, req.id)
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
		h.upstreamFailed(ctx, w, req, d, body.Model, providerID, err)
		return
	}

	h.finish(ctx, req, d, body.Model, providerID, "ok")
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) streamChat(ctx context.Context, w http.ResponseWriter, req request, d *quota.Decision, body domain.ChatRequest) {
	src, p, err := h.router.Stream(ctx, body)
	providerID := providerName(p)
	span := trace.SpanFromContext(ctx)
	telemetry.AddRequestAttributes(span, req.caller.Key, string(req.caller.Tier), providerID, body.Model, req.id)
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
		h.upstreamFailed(ctx, w, req, d, body.Model, providerID, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	cw := stream.NewChunkWriter(w, provider.NewCompletionID(), body.Model)
	sum, err := stream.Relay(ctx, src, cw)
	telemetry.AddStreamAttributes(span, sum.Events, string(sum.FinishReason))

	status := "ok"
	switch {
	case err != nil:
		status = "client_closed"
		h.logger.Info("stream ended early", "error", err, "request_id", req.id, "provider", providerID)
	case sum.Err != nil:
		status = "stream_error"
		h.logger.Warn("upstream stream failed", "error", sum.Err, "request_id", req.id, "provider", providerID)
	}
	h.finish(ctx, req, d, body.Model, providerID, status)
}

// upstreamFailed maps a router error onto a client response. Upstream
// non-2xx replies are relayed verbatim.
func (h *Handler) upstreamFailed(ctx context.Context, w http.ResponseWriter, req request, d *quota.Decision, model, providerID string, err error) {
	var (
		httpErr   *domain.UpstreamHTTPError
		formatErr *domain.UpstreamFormatError
		mintErr   *domain.AuthMintError
	)

	status := "upstream_error"
	switch {
	case errors.As(err, &httpErr):
		h.logger.Warn("upstream returned error",
			"request_id", req.id,
			"provider", providerID,
			"status", httpErr.StatusCode,
		)
		writeUpstreamHTTPError(w, httpErr)
	case errors.Is(err, domain.ErrCircuitBreakerOpen):
		status = "circuit_open"
		h.logger.Warn("circuit breaker open", "request_id", req.id, "provider", providerID)
		writeError(w, http.StatusServiceUnavailable, "provider temporarily unavailable")
	case errors.As(err, &formatErr):
		h.logger.Error("malformed upstream response", "error", err, "request_id", req.id, "provider", providerID)
		writeError(w, http.StatusInternalServerError, "malformed upstream response")
	case errors.As(err, &mintErr):
		h.logger.Error("upstream token mint failed", "error", err, "request_id", req.id, "provider", providerID)
		writeError(w, http.StatusBadGateway, "upstream authentication failed")
	case errors.Is(err, domain.ErrProviderNotFound):
		h.logger.Error("provider selection failed", "error", err, "request_id", req.id)
		writeError(w, http.StatusBadGateway, "no provider available")
	case errors.Is(err, domain.ErrInvalidRequest):
		status = "invalid_request"
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.Canceled):
		status = "client_closed"
	default:
		h.logger.Error("upstream request failed", "error", err, "request_id", req.id, "provider", providerID)
		writeError(w, http.StatusBadGateway, "upstream request failed")
	}
	h.finish(context.WithoutCancel(ctx), req, d, model, providerID, status)
}

// finish records the outcome of a request that was counted against quota.
func (h *Handler) finish(ctx context.Context, req request, d *quota.Decision, model, providerID, status string) {
	latency := time.Since(req.start)
	metrics.RecordRequest(string(req.caller.Tier), providerID, model, status, latency.Seconds())

	paidVia := ""
	if d != nil {
		paidVia = d.PaidVia
	}
	h.logger.Info("request completed",
		"request_id", req.id,
		"caller_key", req.caller.Key,
		"tier", req.caller.Tier,
		"provider", providerID,
		"model", model,
		"status", status,
		"paid_via", paidVia,
		"latency_ms", latency.Milliseconds(),
		"trace_id", telemetry.GetTraceID(ctx),
	)

	if h.events == nil {
		return
	}
	ev := usageevents.Event{
		ID:        req.id,
		CallerKey: req.caller.Key,
		UserID:    req.caller.UserID,
		Tier:      string(req.caller.Tier),
		Model:     model,
		Provider:  providerID,
		PaidVia:   paidVia,
		Status:    status,
		LatencyMS: latency.Milliseconds(),
		At:        req.start.UTC(),
	}
	if err := h.events.Publish(context.WithoutCancel(ctx), ev); err != nil {
		h.logger.Warn("failed to publish usage event", "error", err, "request_id", req.id)
	}
}

func providerName(p provider.Provider) string {
	if p == nil {
		return "none"
	}
	return p.ID()
}

func (h *Handler) handleUsage(w http.ResponseWriter, r *http.Request) {
	req := h.begin(w, r)
	if !h.allowRate(w, r, req, tier.EndpointUsage) {
		return
	}

	d, err := h.router.Usage(r.Context(), quotaCaller(req.caller))
	if err != nil {
		h.logger.Error("usage lookup failed", "error", err, "request_id", req.id)
		writeError(w, http.StatusInternalServerError, "quota store unavailable")
		return
	}
	setQuotaHeaders(w, d)
	writeJSON(w, http.StatusOK, usageBody{
		Tier:           d.Tier,
		UsedToday:      d.Used,
		LimitToday:     d.Limit,
		Remaining:      d.Remaining,
		ResetsAt:       d.ResetsAt,
		UpgradeOptions: tier.UpgradeOptions(d.Tier),
	})
}

func (h *Handler) handleListModels(w http.ResponseWriter, r *http.Request) {
	req := h.begin(w, r)
	if !h.allowRate(w, r, req, tier.EndpointModels) {
		return
	}

	models := h.router.Models(req.caller.Tier)
	if models == nil {
		models = []domain.Model{}
	}
	writeJSON(w, http.StatusOK, domain.ModelsResponse{Object: "list", Data: models})
}
