package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/felipepmaragno/tiergate/internal/domain"
	"github.com/felipepmaragno/tiergate/internal/httputil"
	"github.com/felipepmaragno/tiergate/internal/provider"
	"github.com/felipepmaragno/tiergate/internal/stream"
	"github.com/felipepmaragno/tiergate/internal/tier"
)

const (
	providerID     = "openai"
	DefaultBaseURL = "https://api.openai.com/v1"
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
	return stream.OpenAIDialect{}
}

func (p *Provider) ChatCompletion(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	resp, err := p.do(ctx, p.buildRequest(req, false))
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
	resp, err := p.do(ctx, p.buildRequest(req, true))
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (p *Provider) HealthCheck(ctx context.Context) error {
	if p.apiKey == "" {
		return errors.New("openai api key not configured")
	}
	return nil
}

func (p *Provider) buildRequest(req domain.ChatRequest, streaming bool) *Request {
	body := BuildRequest(req, streaming)
	body.Model = tier.Resolve(tier.ProviderOpenAI, req.Model)
	return body
}

func (p *Provider) do(ctx context.Context, body *Request) (*http.Response, error) {
	httpReq, err := provider.NewJSONRequest(ctx, p.baseURL+"/chat/completions", body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	if body.Stream {
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

type Request struct {
	Model          string           `json:"model"`
	Messages       []domain.Message `json:"messages"`
	Tools          []Tool           `json:"tools,omitempty"`
	Temperature    *float64         `json:"temperature,omitempty"`
	MaxTokens      *int             `json:"max_completion_tokens,omitempty"`
	TopP           *float64         `json:"top_p,omitempty"`
	Stop           []string         `json:"stop,omitempty"`
	Stream         bool             `json:"stream,omitempty"`
	StreamOptions  *StreamOptions   `json:"stream_options,omitempty"`
	ResponseFormat *ResponseFormat  `json:"response_format,omitempty"`
}

type StreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type Tool struct {
	Type     string   `json:"type"`
	Function Function `json:"function"`
}

type Function struct {
	Name        string               `json:"name"`
	Description string               `json:"description,omitempty"`
	Parameters  *provider.JSONSchema `json:"parameters,omitempty"`
}

type ResponseFormat struct {
	Type       string      `json:"type"`
	JSONSchema *JSONSchema `json:"json_schema,omitempty"`
}

type JSONSchema struct {
	Name   string               `json:"name"`
	Schema *provider.JSONSchema `json:"schema,omitempty"`
	Strict bool                 `json:"strict,omitempty"`
}

// BuildRequest converts a canonical request into a chat/completions body.
// Images are forwarded as-is since the upstream accepts both URLs and data
// URLs.
func BuildRequest(req domain.ChatRequest, streaming bool) *Request {
	out := &Request{
		Model:       req.Model,
		Messages:    req.Messages,
		Tools:       ConvertTools(req.Tools),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		TopP:        req.TopP,
		Stop:        req.Stop,
		Stream:      streaming,
	}
	if streaming {
		out.StreamOptions = &StreamOptions{IncludeUsage: true}
	}
	if rf := req.ResponseFormat; rf != nil {
		out.ResponseFormat = &ResponseFormat{Type: rf.Type}
		if rf.JSONSchema != nil {
			out.ResponseFormat.JSONSchema = &JSONSchema{
				Name:   rf.JSONSchema.Name,
				Schema: provider.ToJSONSchema(rf.JSONSchema.Schema),
				Strict: rf.JSONSchema.Strict,
			}
		}
	}
	return out
}

func ConvertTools(tools []domain.Tool) []Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, Tool{
			Type: "function",
			Function: Function{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  provider.ToJSONSchema(t.Function.Parameters),
			},
		})
	}
	return out
}

// CanonicalTools is the inverse of ConvertTools.
func CanonicalTools(tools []Tool) []domain.Tool {
	out := make([]domain.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, domain.Tool{
			Type: "function",
			Function: domain.FunctionDef{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  provider.FromJSONSchema(t.Function.Parameters),
			},
		})
	}
	return out
}

type response struct {
	ID      string        `json:"id"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []choice      `json:"choices"`
	Usage   *domain.Usage `json:"usage"`
}

type choice struct {
	Index        int             `json:"index"`
	Message      responseMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

type responseMessage struct {
	Role      domain.Role       `json:"role"`
	Content   *string           `json:"content"`
	Refusal   string            `json:"refusal"`
	ToolCalls []domain.ToolCall `json:"tool_calls"`
}

// ParseResponse maps a chat.completion body onto the canonical response.
func ParseResponse(data []byte, model string) (*domain.ChatResponse, error) {
	var r response
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, provider.FormatError(providerID, fmt.Errorf("decode response: %w", err))
	}
	if len(r.Choices) == 0 {
		return nil, provider.FormatError(providerID, errors.New("response has no choices"))
	}

	out := &domain.ChatResponse{
		ID:      r.ID,
		Object:  "chat.completion",
		Created: r.Created,
		Model:   model,
	}
	if out.ID == "" {
		out.ID = provider.NewCompletionID()
	}
	if out.Created == 0 {
		out.Created = time.Now().Unix()
	}
	if r.Usage != nil {
		out.Usage = *r.Usage
	}

	for _, c := range r.Choices {
		content := c.Message.Refusal
		if c.Message.Content != nil {
			content = *c.Message.Content
		}
		out.Choices = append(out.Choices, domain.Choice{
			Index: c.Index,
			Message: &domain.ResponseMessage{
				Role:      domain.RoleAssistant,
				Content:   content,
				ToolCalls: c.Message.ToolCalls,
			},
			FinishReason: domain.MapFinishReason(c.FinishReason),
		})
	}
	return out, nil
}
