// Package provider holds the contract every upstream adapter implements and
// the helpers they share.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/felipepmaragno/tiergate/internal/domain"
	"github.com/felipepmaragno/tiergate/internal/stream"
)

const maxErrorBody = 1 << 20

// Provider is one upstream LLM dialect. OpenStream returns the raw upstream
// body; callers wrap it in a stream.Translator using Dialect.
type Provider interface {
	ID() string
	ChatCompletion(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error)
	OpenStream(ctx context.Context, req domain.ChatRequest) (io.ReadCloser, error)
	Dialect() stream.Dialect
	HealthCheck(ctx context.Context) error
}

// SearchCapable is implemented by upstreams that can run a grounded web
// search themselves. SupportsSearch may report false when the feature is
// unavailable for the current credentials.
type SearchCapable interface {
	Search(ctx context.Context, query string) (io.ReadCloser, error)
	SupportsSearch() bool
}

// NewJSONRequest marshals body and builds a POST request to url.
func NewJSONRequest(ctx context.Context, url string, body any) (*http.Request, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// CheckResponse turns a non-2xx upstream reply into an UpstreamHTTPError and
// closes its body.
func CheckResponse(providerID string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &domain.UpstreamHTTPError{
		Provider:    providerID,
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}
}

// ReadBody reads and closes a successful response body.
func ReadBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return data, nil
}

func FormatError(providerID string, err error) error {
	return &domain.UpstreamFormatError{Provider: providerID, Err: err}
}

// NewCompletionID returns an OpenAI-style completion id.
func NewCompletionID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// DataURL is a parsed data:<mime>;base64,<payload> image reference.
type DataURL struct {
	MediaType string
	Data      string
}

// ParseDataURL recognizes base64 data URLs. Anything else (http URLs,
// non-base64 data URLs) reports ok=false.
func ParseDataURL(url string) (DataURL, bool) {
	rest, ok := strings.CutPrefix(url, "data:")
	if !ok {
		return DataURL{}, false
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return DataURL{}, false
	}
	mediaType, ok := strings.CutSuffix(meta, ";base64")
	if !ok || payload == "" {
		return DataURL{}, false
	}
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	return DataURL{MediaType: mediaType, Data: payload}, true
}

// ImagePlaceholder is sent in place of an image the upstream cannot fetch.
func ImagePlaceholder(url string) string {
	return fmt.Sprintf("[image: %s]", url)
}

// ToolArguments returns args as raw JSON, substituting an empty object for
// blank or invalid input.
func ToolArguments(args string) json.RawMessage {
	if strings.TrimSpace(args) == "" || !json.Valid([]byte(args)) {
		return json.RawMessage("{}")
	}
	return json.RawMessage(args)
}

// ToolNames maps every tool call id in the conversation to its function name.
func ToolNames(messages []domain.Message) map[string]string {
	names := make(map[string]string)
	for _, m := range messages {
		for _, tc := range m.ToolCalls {
			names[tc.ID] = tc.Function.Name
		}
	}
	return names
}

// StructuredOutputInstruction renders a JSON-only directive for upstreams
// without a native response format.
func StructuredOutputInstruction(rf *domain.ResponseFormat) string {
	if rf == nil || rf.Type == "" || rf.Type == "text" {
		return ""
	}
	if rf.JSONSchema != nil && rf.JSONSchema.Schema != nil {
		schema, err := json.Marshal(ToJSONSchema(rf.JSONSchema.Schema))
		if err == nil {
			return "Respond only with a JSON value matching this JSON Schema:\n" + string(schema)
		}
	}
	return "Respond only with a valid JSON object."
}
