package gemini

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/felipepmaragno/tiergate/internal/domain"
	"github.com/felipepmaragno/tiergate/internal/provider"
)

type Request struct {
	Contents          []Content         `json:"contents"`
	SystemInstruction *Content          `json:"systemInstruction,omitempty"`
	Tools             []Tool            `json:"tools,omitempty"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
}

type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

// Part is a tagged union: exactly one field is set.
type Part struct {
	Text             string            `json:"text,omitempty"`
	InlineData       *Blob             `json:"inlineData,omitempty"`
	FileData         *FileData         `json:"fileData,omitempty"`
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
	Thought          bool              `json:"thought,omitempty"`
}

type Blob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type FileData struct {
	MimeType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri"`
}

type FunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type FunctionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type Tool struct {
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations,omitempty"`
}

type FunctionDeclaration struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Parameters  *Schema `json:"parameters,omitempty"`
}

// Schema is the OpenAPI subset accepted by functionDeclarations. Type names
// are upper-case and enum values are strings.
type Schema struct {
	Type        string             `json:"type,omitempty"`
	Description string             `json:"description,omitempty"`
	Format      string             `json:"format,omitempty"`
	Nullable    bool               `json:"nullable,omitempty"`
	Enum        []string           `json:"enum,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Items       *Schema            `json:"items,omitempty"`
	Required    []string           `json:"required,omitempty"`
}

type GenerationConfig struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"topP,omitempty"`
	MaxOutputTokens  *int     `json:"maxOutputTokens,omitempty"`
	StopSequences    []string `json:"stopSequences,omitempty"`
	ResponseMimeType string   `json:"responseMimeType,omitempty"`
	ResponseSchema   *Schema  `json:"responseSchema,omitempty"`
}

func (g *GenerationConfig) empty() bool {
	return g.Temperature == nil && g.TopP == nil && g.MaxOutputTokens == nil &&
		len(g.StopSequences) == 0 && g.ResponseMimeType == "" && g.ResponseSchema == nil
}

// BuildRequest converts a canonical request into a generateContent body.
func BuildRequest(req domain.ChatRequest) (*Request, error) {
	out := &Request{
		Tools: ConvertTools(req.Tools),
	}
	if system, ok := req.SystemPrompt(); ok && system != "" {
		out.SystemInstruction = &Content{Parts: []Part{{Text: system}}}
	}

	gc := &GenerationConfig{
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		MaxOutputTokens: req.MaxTokens,
		StopSequences:   req.Stop,
	}
	if rf := req.ResponseFormat; rf != nil && (rf.Type == "json_object" || rf.Type == "json_schema") {
		gc.ResponseMimeType = "application/json"
		if rf.JSONSchema != nil {
			gc.ResponseSchema = ToSchema(rf.JSONSchema.Schema)
		}
	}
	if !gc.empty() {
		out.GenerationConfig = gc
	}

	names := provider.ToolNames(req.Messages)
	for _, m := range req.Messages {
		var (
			role  string
			parts []Part
		)
		switch m.Role {
		case domain.RoleSystem:
			continue
		case domain.RoleUser, domain.RoleTool:
			role = "user"
			ps, err := userParts(m, names)
			if err != nil {
				return nil, err
			}
			parts = ps
		case domain.RoleAssistant:
			role = "model"
			parts = modelParts(m)
		default:
			return nil, fmt.Errorf("%w: unsupported role %q", domain.ErrInvalidRequest, m.Role)
		}
		if len(parts) == 0 {
			continue
		}
		if n := len(out.Contents); n > 0 && out.Contents[n-1].Role == role {
			out.Contents[n-1].Parts = append(out.Contents[n-1].Parts, parts...)
			continue
		}
		out.Contents = append(out.Contents, Content{Role: role, Parts: parts})
	}
	return out, nil
}

func userParts(m domain.Message, names map[string]string) ([]Part, error) {
	parts := make([]Part, 0, len(m.Parts))
	for _, p := range m.Parts {
		switch p.Type {
		case domain.PartText:
			if p.Text != "" {
				parts = append(parts, Part{Text: p.Text})
			}
		case domain.PartImage:
			parts = append(parts, imagePart(p.ImageURL))
		case domain.PartToolResult:
			name, ok := names[p.ToolCallID]
			if !ok {
				return nil, fmt.Errorf("%w: tool result %q has no matching tool call", domain.ErrInvalidRequest, p.ToolCallID)
			}
			key := "content"
			if p.IsError {
				key = "error"
			}
			parts = append(parts, Part{FunctionResponse: &FunctionResponse{
				Name:     name,
				Response: map[string]any{key: toolResultValue(p.Text)},
			}})
		}
	}
	return parts, nil
}

// toolResultValue keeps JSON tool output structured; plain text stays text.
func toolResultValue(text string) any {
	var v any
	if err := json.Unmarshal([]byte(text), &v); err == nil {
		if _, isObject := v.(map[string]any); isObject {
			return v
		}
	}
	return text
}

// Only inline base64 and Cloud Storage references are accepted upstream;
// other URLs degrade to a text placeholder.
func imagePart(url string) Part {
	if d, ok := provider.ParseDataURL(url); ok {
		return Part{InlineData: &Blob{MimeType: d.MediaType, Data: d.Data}}
	}
	if strings.HasPrefix(url, "gs://") {
		return Part{FileData: &FileData{FileURI: url}}
	}
	return Part{Text: provider.ImagePlaceholder(url)}
}

func modelParts(m domain.Message) []Part {
	var parts []Part
	if text := m.Text(); text != "" {
		parts = append(parts, Part{Text: text})
	}
	for _, tc := range m.ToolCalls {
		parts = append(parts, Part{FunctionCall: &FunctionCall{
			Name: tc.Function.Name,
			Args: provider.ToolArguments(tc.Function.Arguments),
		}})
	}
	return parts
}

func ConvertTools(tools []domain.Tool) []Tool {
	if len(tools) == 0 {
		return nil
	}
	decls := make([]FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		decls = append(decls, FunctionDeclaration{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  ToSchema(t.Function.Parameters),
		})
	}
	return []Tool{{FunctionDeclarations: decls}}
}

// CanonicalTools is the inverse of ConvertTools.
func CanonicalTools(tools []Tool) []domain.Tool {
	var out []domain.Tool
	for _, t := range tools {
		for _, d := range t.FunctionDeclarations {
			out = append(out, domain.Tool{
				Type: "function",
				Function: domain.FunctionDef{
					Name:        d.Name,
					Description: d.Description,
					Parameters:  FromSchema(d.Parameters),
				},
			})
		}
	}
	return out
}

func ToSchema(s *domain.Schema) *Schema {
	if s == nil {
		return nil
	}
	out := &Schema{
		Type:        strings.ToUpper(s.Type),
		Description: s.Description,
		Format:      s.Format,
		Nullable:    s.Nullable,
		Items:       ToSchema(s.Items),
		Required:    s.Required,
	}
	for _, v := range s.Enum {
		out.Enum = append(out.Enum, fmt.Sprint(v))
	}
	if len(s.Properties) > 0 {
		out.Properties = make(map[string]*Schema, len(s.Properties))
		for name, prop := range s.Properties {
			out.Properties[name] = ToSchema(prop)
		}
	}
	return out
}

func FromSchema(s *Schema) *domain.Schema {
	if s == nil {
		return nil
	}
	out := &domain.Schema{
		Type:        strings.ToLower(s.Type),
		Description: s.Description,
		Format:      s.Format,
		Nullable:    s.Nullable,
		Items:       FromSchema(s.Items),
		Required:    s.Required,
	}
	for _, v := range s.Enum {
		out.Enum = append(out.Enum, v)
	}
	if len(s.Properties) > 0 {
		out.Properties = make(map[string]*domain.Schema, len(s.Properties))
		for name, prop := range s.Properties {
			out.Properties[name] = FromSchema(prop)
		}
	}
	return out
}

type response struct {
	Candidates     []candidate     `json:"candidates"`
	PromptFeedback *promptFeedback `json:"promptFeedback"`
	UsageMetadata  usageMetadata   `json:"usageMetadata"`
	ResponseID     string          `json:"responseId"`
}

type candidate struct {
	Content      Content `json:"content"`
	FinishReason string  `json:"finishReason"`
}

type promptFeedback struct {
	BlockReason string `json:"blockReason"`
}

type usageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

// ParseResponse maps a generateContent reply onto the canonical response.
// Function calls get fresh ids since the upstream does not assign any.
func ParseResponse(data []byte, model string) (*domain.ChatResponse, error) {
	var r response
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, provider.FormatError(providerID, fmt.Errorf("decode response: %w", err))
	}

	msg := &domain.ResponseMessage{Role: domain.RoleAssistant}
	reason := domain.FinishStop

	switch {
	case len(r.Candidates) > 0:
		c := r.Candidates[0]
		var text strings.Builder
		for _, part := range c.Content.Parts {
			if part.Thought {
				continue
			}
			text.WriteString(part.Text)
			if fc := part.FunctionCall; fc != nil {
				args := string(fc.Args)
				if args == "" {
					args = "{}"
				}
				msg.ToolCalls = append(msg.ToolCalls, domain.ToolCall{
					ID:       "call_" + uuid.NewString(),
					Type:     "function",
					Function: domain.FunctionCall{Name: fc.Name, Arguments: args},
				})
			}
		}
		msg.Content = text.String()
		reason = domain.MapFinishReason(c.FinishReason)
		if reason == domain.FinishStop && len(msg.ToolCalls) > 0 {
			reason = domain.FinishToolCalls
		}
	case r.PromptFeedback != nil && r.PromptFeedback.BlockReason != "":
	default:
		return nil, provider.FormatError(providerID, errors.New("response has no candidates"))
	}

	id := r.ResponseID
	if id == "" {
		id = provider.NewCompletionID()
	}
	return &domain.ChatResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []domain.Choice{{Message: msg, FinishReason: reason}},
		Usage: domain.Usage{
			PromptTokens:     r.UsageMetadata.PromptTokenCount,
			CompletionTokens: r.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      r.UsageMetadata.TotalTokenCount,
		},
	}, nil
}
