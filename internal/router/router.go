// Package router is the composition root of a chat request: it picks the
// upstream adapter from the model name, applies tier policy and quota, and
// hands back either a canonical event stream or an aggregated response.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/felipepmaragno/tiergate/internal/circuitbreaker"
	"github.com/felipepmaragno/tiergate/internal/domain"
	"github.com/felipepmaragno/tiergate/internal/metrics"
	"github.com/felipepmaragno/tiergate/internal/provider"
	"github.com/felipepmaragno/tiergate/internal/quota"
	"github.com/felipepmaragno/tiergate/internal/stream"
	"github.com/felipepmaragno/tiergate/internal/telemetry"
	"github.com/felipepmaragno/tiergate/internal/tier"
	"github.com/felipepmaragno/tiergate/internal/websearch"
)

// Passthrougher forwards native Anthropic Messages bodies.
type Passthrougher interface {
	Passthrough(ctx context.Context, body []byte, header http.Header) (*http.Response, error)
}

type Option func(*Router)

func WithCircuitBreakers(m *circuitbreaker.Manager) Option {
	return func(r *Router) { r.breakers = m }
}

func WithIdleTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.idleTimeout = d
		}
	}
}

// WithBedrock routes Claude models through the bedrock provider when one is
// registered.
func WithBedrock(enabled bool) Option {
	return func(r *Router) { r.bedrock = enabled }
}

func WithPassthrough(p Passthrougher) Option {
	return func(r *Router) { r.passthrough = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

type Router struct {
	providers   map[tier.Provider]provider.Provider
	engine      *quota.Engine
	breakers    *circuitbreaker.Manager
	passthrough Passthrougher
	bedrock     bool
	idleTimeout time.Duration
	logger      *slog.Logger
}

func New(providers map[tier.Provider]provider.Provider, engine *quota.Engine, opts ...Option) *Router {
	r := &Router{
		providers:   providers,
		engine:      engine,
		breakers:    circuitbreaker.NewManager(circuitbreaker.DefaultConfig()),
		idleTimeout: stream.DefaultIdleTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SelectProvider picks the adapter serving model.
func (r *Router) SelectProvider(model string) (provider.Provider, error) {
	dialect := tier.DialectFor(model)
	if dialect == tier.ProviderAnthropic && r.bedrock {
		if p, ok := r.providers[tier.ProviderBedrock]; ok {
			return p, nil
		}
	}
	if p, ok := r.providers[dialect]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("%w: no upstream configured for %q", domain.ErrProviderNotFound, model)
}

// Authorize applies tier model policy, then counts the request against the
// caller's quota. A rejected quota decision is returned with a nil error.
func (r *Router) Authorize(ctx context.Context, c quota.Caller, model string) (*quota.Decision, error) {
	if !tier.IsModelAllowed(model, c.Tier) {
		return nil, fmt.Errorf("%w: %s", domain.ErrModelNotAllowed, model)
	}
	return r.engine.TrackUsage(ctx, c)
}

func (r *Router) Usage(ctx context.Context, c quota.Caller) (*quota.Decision, error) {
	return r.engine.UsageStatus(ctx, c)
}

// Models lists the tier's models whose upstream is configured.
func (r *Router) Models(t tier.Tier) []domain.Model {
	var out []domain.Model
	for _, m := range tier.Models(t) {
		if _, err := r.SelectProvider(m.ID); err == nil {
			out = append(out, m)
		}
	}
	return out
}

// searcherFor returns the provider's own search backend when the request
// declares a search tool and the provider can ground it natively.
func searcherFor(p provider.Provider, req domain.ChatRequest) (provider.SearchCapable, bool) {
	sc, ok := p.(provider.SearchCapable)
	if !ok || !sc.SupportsSearch() || !websearch.Applies(req) {
		return nil, false
	}
	return sc, true
}

// Stream opens an upstream stream and returns its canonical events. The
// caller must Close the source.
func (r *Router) Stream(ctx context.Context, req domain.ChatRequest) (stream.EventSource, provider.Provider, error) {
	p, err := r.SelectProvider(req.Model)
	if err != nil {
		return nil, nil, err
	}
	src, err := r.open(ctx, p, req)
	if err != nil {
		return nil, p, err
	}
	return src, p, nil
}

func (r *Router) open(ctx context.Context, p provider.Provider, req domain.ChatRequest) (stream.EventSource, error) {
	if err := r.breakers.Allow(ctx, p.ID()); err != nil {
		return nil, err
	}

	ctx, span := telemetry.StartSpan(ctx, "upstream.open_stream")
	defer span.End()

	req.Stream = true
	body, err := p.OpenStream(ctx, req)
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
		r.breakers.Record(ctx, p.ID(), err)
		metrics.RecordProviderError(p.ID(), errorType(err))
		return nil, err
	}

	opts := []stream.Option{stream.WithIdleTimeout(r.idleTimeout), stream.WithLogger(r.logger)}
	var src stream.EventSource = stream.New(body, p.Dialect(), opts...)
	if searcher, ok := searcherFor(p, req); ok {
		src = websearch.New(src, searcher,
			websearch.WithStreamOptions(opts...),
			websearch.WithLogger(r.logger),
		)
	}

	metrics.IncrementActiveStreams(p.ID())
	return &observed{EventSource: src, provider: p.ID(), breakers: r.breakers}, nil
}

// Complete serves a non-streaming request. Requests that need search
// interception are streamed upstream and folded into one response.
func (r *Router) Complete(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, provider.Provider, error) {
	p, err := r.SelectProvider(req.Model)
	if err != nil {
		return nil, nil, err
	}

	if _, ok := searcherFor(p, req); ok {
		src, err := r.open(ctx, p, req)
		if err != nil {
			return nil, p, err
		}
		resp, err := stream.Collect(ctx, src, provider.NewCompletionID(), req.Model)
		return resp, p, err
	}

	if err := r.breakers.Allow(ctx, p.ID()); err != nil {
		return nil, p, err
	}

	ctx, span := telemetry.StartSpan(ctx, "upstream.chat_completion")
	defer span.End()

	req.Stream = false
	resp, err := p.ChatCompletion(ctx, req)
	r.breakers.Record(ctx, p.ID(), err)
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
		metrics.RecordProviderError(p.ID(), errorType(err))
		return nil, p, err
	}
	return resp, p, nil
}

// Passthrough forwards a native Anthropic body after the same breaker
// check as every other upstream call.
func (r *Router) Passthrough(ctx context.Context, body []byte, header http.Header) (*http.Response, error) {
	if r.passthrough == nil {
		return nil, domain.ErrPassthroughDisabled
	}
	id := string(tier.ProviderAnthropic)
	if err := r.breakers.Allow(ctx, id); err != nil {
		return nil, err
	}

	resp, err := r.passthrough.Passthrough(ctx, body, header)
	switch {
	case err != nil:
		r.breakers.Record(ctx, id, err)
	case (&domain.UpstreamHTTPError{StatusCode: resp.StatusCode}).Retryable():
		r.breakers.Record(ctx, id, &domain.UpstreamHTTPError{Provider: id, StatusCode: resp.StatusCode})
	default:
		r.breakers.Record(ctx, id, nil)
	}
	return resp, err
}

// HealthCheck probes every configured upstream.
func (r *Router) HealthCheck(ctx context.Context) map[string]error {
	out := make(map[string]error, len(r.providers))
	for id, p := range r.providers {
		out[string(id)] = p.HealthCheck(ctx)
	}
	return out
}

// Providers lists the configured upstream ids.
func (r *Router) Providers() []string {
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)
	return ids
}

func (r *Router) BreakerStates(ctx context.Context) map[string]string {
	return r.breakers.States(ctx)
}

func errorType(err error) string {
	var httpErr *domain.UpstreamHTTPError
	var formatErr *domain.UpstreamFormatError
	var mintErr *domain.AuthMintError
	switch {
	case errors.As(err, &httpErr):
		return fmt.Sprintf("http_%d", httpErr.StatusCode)
	case errors.As(err, &formatErr):
		return "format"
	case errors.As(err, &mintErr):
		return "auth_mint"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "transport"
	}
}

// observed reports the stream's outcome to the breaker once and keeps the
// active stream gauge honest.
type observed struct {
	stream.EventSource
	provider string
	breakers *circuitbreaker.Manager
	reported bool
	closed   bool
}

func (o *observed) Next(ctx context.Context) (domain.StreamEvent, error) {
	ev, err := o.EventSource.Next(ctx)
	if err == nil && ev.Kind == domain.EventFinish && !o.reported {
		o.reported = true
		o.breakers.Record(ctx, o.provider, ev.Err)
	}
	return ev, err
}

func (o *observed) Close() error {
	if !o.closed {
		o.closed = true
		metrics.DecrementActiveStreams(o.provider)
	}
	return o.EventSource.Close()
}
