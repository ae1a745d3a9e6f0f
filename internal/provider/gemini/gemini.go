package gemini

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/sjson"

	"github.com/felipepmaragno/tiergate/internal/domain"
	"github.com/felipepmaragno/tiergate/internal/httputil"
	"github.com/felipepmaragno/tiergate/internal/provider"
	"github.com/felipepmaragno/tiergate/internal/stream"
	"github.com/felipepmaragno/tiergate/internal/tier"
)

const (
	providerID         = "gemini"
	DefaultBaseURL     = "https://generativelanguage.googleapis.com/v1beta"
	DefaultSearchModel = "gemini-2.5-flash"
)

// TokenSource supplies bearer tokens for Vertex AI.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

type Config struct {
	APIKey  string
	BaseURL string

	// Vertex AI is used when both Project and Tokens are set.
	Project       string
	Location      string
	VertexBaseURL string
	Tokens        TokenSource

	SearchModel string
}

type Provider struct {
	cfg    Config
	client *http.Client
}

type Option func(*Provider)

func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

func New(cfg Config, opts ...Option) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Location == "" {
		cfg.Location = "us-central1"
	}
	if cfg.VertexBaseURL == "" {
		cfg.VertexBaseURL = vertexBaseURL(cfg.Location)
	}
	if cfg.SearchModel == "" {
		cfg.SearchModel = DefaultSearchModel
	}
	p := &Provider{cfg: cfg, client: httputil.StreamingClient()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func vertexBaseURL(location string) string {
	if location == "global" {
		return "https://aiplatform.googleapis.com/v1"
	}
	return fmt.Sprintf("https://%s-aiplatform.googleapis.com/v1", location)
}

func (p *Provider) ID() string {
	return providerID
}

func (p *Provider) Dialect() stream.Dialect {
	return stream.GeminiDialect{}
}

// Vertex reports whether requests go to Vertex AI rather than AI Studio.
func (p *Provider) Vertex() bool {
	return p.cfg.Tokens != nil && p.cfg.Project != ""
}

var _ provider.SearchCapable = (*Provider)(nil)

// SupportsSearch reports native search grounding availability.
func (p *Provider) SupportsSearch() bool {
	return true
}

func (p *Provider) ChatCompletion(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	body, err := BuildRequest(req)
	if err != nil {
		return nil, err
	}
	resp, err := p.post(ctx, req.Model, "generateContent", body)
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
	body, err := BuildRequest(req)
	if err != nil {
		return nil, err
	}
	resp, err := p.post(ctx, req.Model, "streamGenerateContent?alt=sse", body)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Search runs a grounded generation for query and returns its SSE stream.
// Grounding sources arrive in groundingMetadata on the final chunk.
func (p *Provider) Search(ctx context.Context, query string) (io.ReadCloser, error) {
	body := []byte(`{}`)
	var err error
	for _, set := range []struct {
		path  string
		value any
	}{
		{"contents.0.role", "user"},
		{"contents.0.parts.0.text", query},
		{"tools.0.googleSearch", map[string]any{}},
	} {
		if body, err = sjson.SetBytes(body, set.path, set.value); err != nil {
			return nil, fmt.Errorf("build search request: %w", err)
		}
	}
	resp, err := p.post(ctx, p.cfg.SearchModel, "streamGenerateContent?alt=sse", rawBody(body))
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (p *Provider) HealthCheck(ctx context.Context) error {
	if p.Vertex() {
		if _, err := p.cfg.Tokens.AccessToken(ctx); err != nil {
			return err
		}
		return nil
	}
	if p.cfg.APIKey == "" {
		return errors.New("gemini api key not configured")
	}
	return nil
}

// rawBody marks pre-encoded bytes so post sends them without re-marshaling.
type rawBody []byte

func (p *Provider) endpoint(model, method string) string {
	model = strings.TrimPrefix(tier.Resolve(tier.ProviderGemini, model), "models/")
	if p.Vertex() {
		return fmt.Sprintf("%s/projects/%s/locations/%s/publishers/google/models/%s:%s",
			p.cfg.VertexBaseURL, p.cfg.Project, p.cfg.Location, model, method)
	}
	return fmt.Sprintf("%s/models/%s:%s", p.cfg.BaseURL, model, method)
}

func (p *Provider) post(ctx context.Context, model, method string, body any) (*http.Response, error) {
	url := p.endpoint(model, method)

	var (
		httpReq *http.Request
		err     error
	)
	if raw, ok := body.(rawBody); ok {
		httpReq, err = http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
		if err == nil {
			httpReq.Header.Set("Content-Type", "application/json")
		}
	} else {
		httpReq, err = provider.NewJSONRequest(ctx, url, body)
	}
	if err != nil {
		return nil, err
	}

	if p.Vertex() {
		token, err := p.cfg.Tokens.AccessToken(ctx)
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	} else {
		httpReq.Header.Set("x-goog-api-key", p.cfg.APIKey)
	}
	if strings.Contains(method, "alt=sse") {
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
