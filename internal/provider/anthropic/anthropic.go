package anthropic

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/felipepmaragno/tiergate/internal/domain"
	"github.com/felipepmaragno/tiergate/internal/httputil"
	"github.com/felipepmaragno/tiergate/internal/provider"
	"github.com/felipepmaragno/tiergate/internal/stream"
	"github.com/felipepmaragno/tiergate/internal/tier"
)

const (
	providerID       = "anthropic"
	DefaultBaseURL   = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
)

type Provider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

type Option func(*Provider)

func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

func New(apiKey, baseURL string, opts ...Option) *Provider {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	p := &Provider{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  httputil.StreamingClient(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) ID() string {
	return providerID
}

func (p *Provider) Dialect() stream.Dialect {
	return stream.AnthropicDialect{}
}

func (p *Provider) ChatCompletion(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	body, err := p.buildRequest(req, false)
	if err != nil {
		return nil, err
	}
	resp, err := p.do(ctx, body, false)
	if err != nil {
		return nil, err
	}
	data, err := provider.ReadBody(resp)
	if err != nil {
		return nil, err
	}
	return ParseResponse(data, req.Model)
}

func (p *Provider) OpenStream(ctx context.Context, req domain.ChatRequest) (io.ReadCloser, error) {
	body, err := p.buildRequest(req, true)
	if err != nil {
		return nil, err
	}
	resp, err := p.do(ctx, body, true)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (p *Provider) HealthCheck(ctx context.Context) error {
	if p.apiKey == "" {
		return errors.New("anthropic api key not configured")
	}
	return nil
}

func (p *Provider) buildRequest(req domain.ChatRequest, streaming bool) (*Request, error) {
	body, err := BuildRequest(req, true)
	if err != nil {
		return nil, err
	}
	body.Model = tier.Resolve(tier.ProviderAnthropic, req.Model)
	body.Stream = streaming
	return body, nil
}

func (p *Provider) do(ctx context.Context, body any, streaming bool) (*http.Response, error) {
	httpReq, err := provider.NewJSONRequest(ctx, p.baseURL+"/messages", body)
	if err != nil {
		return nil, err
	}
	p.setHeaders(httpReq)
	if streaming {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	if err := provider.CheckResponse(providerID, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (p *Provider) setHeaders(r *http.Request) {
	r.Header.Set("x-api-key", p.apiKey)
	r.Header.Set("anthropic-version", anthropicVersion)
}

// Passthrough forwards a native Messages API body unchanged apart from the
// model alias. Client-supplied anthropic-beta headers are preserved. The
// caller owns the returned response body; non-2xx replies are returned as
// responses, not errors, so they can be relayed verbatim.
func (p *Provider) Passthrough(ctx context.Context, body []byte, header http.Header) (*http.Response, error) {
	if p.apiKey == "" {
		return nil, domain.ErrPassthroughDisabled
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: body is not valid JSON", domain.ErrInvalidRequest)
	}

	model := gjson.GetBytes(body, "model").String()
	if model == "" {
		return nil, fmt.Errorf("%w: model is required", domain.ErrInvalidRequest)
	}
	if resolved := tier.Resolve(tier.ProviderAnthropic, model); resolved != model {
		patched, err := sjson.SetBytes(body, "model", resolved)
		if err != nil {
			return nil, fmt.Errorf("rewrite model: %w", err)
		}
		body = patched
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if beta := header.Get("anthropic-beta"); beta != "" {
		httpReq.Header.Set("anthropic-beta", beta)
	}
	if accept := header.Get("Accept"); accept != "" {
		httpReq.Header.Set("Accept", accept)
	}
	p.setHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	return resp, nil
}

// PassthroughModel extracts the requested model from a native body.
func PassthroughModel(body []byte) string {
	return gjson.GetBytes(body, "model").String()
}

// PassthroughStreaming reports whether a native body asks for SSE.
func PassthroughStreaming(body []byte) bool {
	return gjson.GetBytes(body, "stream").Bool()
}
