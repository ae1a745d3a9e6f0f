package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/felipepmaragno/tiergate/internal/domain"
)

type MockTokenSource struct {
	AccessTokenFunc func(ctx context.Context) (string, error)
}

func (m *MockTokenSource) AccessToken(ctx context.Context) (string, error) {
	if m.AccessTokenFunc != nil {
		return m.AccessTokenFunc(ctx)
	}
	return "ya29.test", nil
}

func toolConversation() domain.ChatRequest {
	maxTokens := 256
	return domain.ChatRequest{
		Model:     "gemini-2.5-flash",
		MaxTokens: &maxTokens,
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Parts: []domain.ContentPart{domain.TextPart("Answer in French.")}},
			{Role: domain.RoleUser, Parts: []domain.ContentPart{
				domain.TextPart("Weather?"),
				domain.ImagePart("data:image/png;base64,iVBOR"),
				domain.ImagePart("https://example.com/sky.png"),
				domain.ImagePart("gs://bucket/sky.png"),
			}},
			{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{
				{ID: "call_1", Type: "function", Function: domain.FunctionCall{Name: "weather", Arguments: `{"city":"Paris"}`}},
			}},
			{Role: domain.RoleTool, Parts: []domain.ContentPart{domain.ToolResultPart("call_1", `{"temp":21}`)}},
		},
		Tools: []domain.Tool{{Type: "function", Function: domain.FunctionDef{
			Name: "weather",
			Parameters: &domain.Schema{
				Type:       "object",
				Required:   []string{"city"},
				Properties: map[string]*domain.Schema{"city": {Type: "string"}},
			},
		}}},
	}
}

func TestBuildRequest(t *testing.T) {
	body, err := BuildRequest(toolConversation())
	if err != nil {
		t.Fatalf("BuildRequest() error = %v", err)
	}

	if body.SystemInstruction == nil || body.SystemInstruction.Parts[0].Text != "Answer in French." {
		t.Errorf("system instruction = %+v", body.SystemInstruction)
	}
	if len(body.Contents) != 3 {
		t.Fatalf("contents = %+v", body.Contents)
	}

	user := body.Contents[0].Parts
	if user[1].InlineData == nil || user[1].InlineData.MimeType != "image/png" {
		t.Errorf("inline image = %+v", user[1])
	}
	if user[2].Text != "[image: https://example.com/sky.png]" {
		t.Errorf("http image should degrade to text, got %+v", user[2])
	}
	if user[3].FileData == nil || user[3].FileData.FileURI != "gs://bucket/sky.png" {
		t.Errorf("gs image = %+v", user[3])
	}

	model := body.Contents[1]
	if model.Role != "model" || model.Parts[0].FunctionCall.Name != "weather" {
		t.Errorf("model turn = %+v", model)
	}

	fr := body.Contents[2].Parts[0].FunctionResponse
	if fr == nil || fr.Name != "weather" {
		t.Fatalf("function response = %+v", body.Contents[2])
	}
	if content, ok := fr.Response["content"].(map[string]any); !ok || content["temp"] != float64(21) {
		t.Errorf("structured tool output = %#v", fr.Response)
	}

	if body.GenerationConfig == nil || *body.GenerationConfig.MaxOutputTokens != 256 {
		t.Errorf("generation config = %+v", body.GenerationConfig)
	}

	data, _ := json.Marshal(body)
	if got := gjson.GetBytes(data, "tools.0.functionDeclarations.0.parameters.type").String(); got != "OBJECT" {
		t.Errorf("schema type = %q, want upper-case", got)
	}
	if got := gjson.GetBytes(data, "tools.0.functionDeclarations.0.parameters.properties.city.type").String(); got != "STRING" {
		t.Errorf("property type = %q", got)
	}
}

func TestBuildRequestUnknownToolResult(t *testing.T) {
	req := domain.ChatRequest{
		Model:    "gemini-2.5-flash",
		Messages: []domain.Message{{Role: domain.RoleTool, Parts: []domain.ContentPart{domain.ToolResultPart("missing", "x")}}},
	}
	if _, err := BuildRequest(req); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("error = %v, want ErrInvalidRequest", err)
	}
}

func TestBuildRequestJSONMode(t *testing.T) {
	req := toolConversation()
	req.ResponseFormat = &domain.ResponseFormat{Type: "json_object"}
	body, _ := BuildRequest(req)
	if body.GenerationConfig.ResponseMimeType != "application/json" {
		t.Errorf("mime = %q", body.GenerationConfig.ResponseMimeType)
	}
}

func TestParseResponse(t *testing.T) {
	data := []byte(`{
		"candidates": [{
			"content": {"role": "model", "parts": [
				{"text": "plan", "thought": true},
				{"text": "Calling."},
				{"functionCall": {"name": "weather", "args": {"city": "Paris"}}}
			]},
			"finishReason": "STOP"
		}],
		"usageMetadata": {"promptTokenCount": 4, "candidatesTokenCount": 6, "totalTokenCount": 10}
	}`)

	resp, err := ParseResponse(data, "gemini-2.5-flash")
	if err != nil {
		t.Fatalf("ParseResponse() error = %v", err)
	}
	c := resp.Choices[0]
	if c.Message.Content != "Calling." {
		t.Errorf("content = %q", c.Message.Content)
	}
	if c.FinishReason != domain.FinishToolCalls {
		t.Errorf("finish = %q", c.FinishReason)
	}
	tc := c.Message.ToolCalls[0]
	if !strings.HasPrefix(tc.ID, "call_") || tc.Function.Arguments != `{"city": "Paris"}` {
		t.Errorf("tool call = %+v", tc)
	}
	if resp.Usage.TotalTokens != 10 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestParseResponseBlockedAndMalformed(t *testing.T) {
	resp, err := ParseResponse([]byte(`{"promptFeedback":{"blockReason":"SAFETY"}}`), "m")
	if err != nil || resp.Choices[0].Message.Content != "" {
		t.Errorf("blocked prompt = %+v, %v", resp, err)
	}

	_, err = ParseResponse([]byte(`{}`), "m")
	var fe *domain.UpstreamFormatError
	if !errors.As(err, &fe) {
		t.Errorf("error = %v, want UpstreamFormatError", err)
	}
}

func TestAIStudioEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/gemini-2.5-flash:streamGenerateContent" || r.URL.Query().Get("alt") != "sse" {
			t.Errorf("url = %s", r.URL)
		}
		if r.Header.Get("x-goog-api-key") != "studio-key" {
			t.Errorf("api key header = %q", r.Header.Get("x-goog-api-key"))
		}
		io.WriteString(w, "data: {}\n\n")
	}))
	defer srv.Close()

	p := New(Config{APIKey: "studio-key", BaseURL: srv.URL}, WithHTTPClient(srv.Client()))
	if p.Vertex() {
		t.Fatal("expected AI Studio mode")
	}
	req := toolConversation()
	req.Model = "gemini-flash"
	body, err := p.OpenStream(context.Background(), req)
	if err != nil {
		t.Fatalf("OpenStream() error = %v", err)
	}
	body.Close()
}

func TestVertexEndpointUsesBearerToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := "/projects/proj-1/locations/europe-west4/publishers/google/models/gemini-2.5-pro:generateContent"
		if r.URL.Path != want {
			t.Errorf("path = %s, want %s", r.URL.Path, want)
		}
		if r.Header.Get("Authorization") != "Bearer ya29.test" {
			t.Errorf("authorization = %q", r.Header.Get("Authorization"))
		}
		io.WriteString(w, `{"candidates":[{"content":{"parts":[{"text":"bonjour"}]},"finishReason":"STOP"}]}`)
	}))
	defer srv.Close()

	p := New(Config{
		Project:       "proj-1",
		Location:      "europe-west4",
		VertexBaseURL: srv.URL,
		Tokens:        &MockTokenSource{},
	}, WithHTTPClient(srv.Client()))

	req := toolConversation()
	req.Model = "gemini-2.5-pro"
	resp, err := p.ChatCompletion(context.Background(), req)
	if err != nil {
		t.Fatalf("ChatCompletion() error = %v", err)
	}
	if resp.Choices[0].Message.Content != "bonjour" {
		t.Errorf("content = %q", resp.Choices[0].Message.Content)
	}
}

func TestVertexTokenFailureIsReturned(t *testing.T) {
	mintErr := &domain.AuthMintError{Err: errors.New("token endpoint down")}
	p := New(Config{
		Project: "p",
		Tokens: &MockTokenSource{AccessTokenFunc: func(ctx context.Context) (string, error) {
			return "", mintErr
		}},
	})
	_, err := p.ChatCompletion(context.Background(), toolConversation())
	var ae *domain.AuthMintError
	if !errors.As(err, &ae) {
		t.Errorf("error = %v, want AuthMintError", err)
	}
}

func TestSearchRequestEnablesGrounding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/models/gemini-2.5-flash:streamGenerateContent") {
			t.Errorf("path = %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		if gjson.GetBytes(body, "contents.0.parts.0.text").String() != "latest go release" {
			t.Errorf("query missing: %s", body)
		}
		if !gjson.GetBytes(body, "tools.0.googleSearch").IsObject() {
			t.Errorf("googleSearch tool missing: %s", body)
		}
		io.WriteString(w, "data: {}\n\n")
	}))
	defer srv.Close()

	p := New(Config{APIKey: "k", BaseURL: srv.URL}, WithHTTPClient(srv.Client()))
	rc, err := p.Search(context.Background(), "latest go release")
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	rc.Close()
}

func TestVertexBaseURL(t *testing.T) {
	if got := vertexBaseURL("us-central1"); got != "https://us-central1-aiplatform.googleapis.com/v1" {
		t.Errorf("regional = %s", got)
	}
	if got := vertexBaseURL("global"); got != "https://aiplatform.googleapis.com/v1" {
		t.Errorf("global = %s", got)
	}
}
