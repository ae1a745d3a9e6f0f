package domain

import (
	"encoding/json"
	"fmt"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

type PartType string

const (
	PartText       PartType = "text"
	PartImage      PartType = "image_url"
	PartToolResult PartType = "tool_result"
)

// ContentPart is one element of a message body. Tool results are always
// normalized into parts, whatever shape the client used.
type ContentPart struct {
	Type       PartType
	Text       string
	ImageURL   string
	ToolCallID string
	IsError    bool
}

func TextPart(text string) ContentPart {
	return ContentPart{Type: PartText, Text: text}
}

func ImagePart(url string) ContentPart {
	return ContentPart{Type: PartImage, ImageURL: url}
}

func ToolResultPart(toolCallID, text string) ContentPart {
	return ContentPart{Type: PartToolResult, ToolCallID: toolCallID, Text: text}
}

type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type Message struct {
	Role      Role
	Parts     []ContentPart
	ToolCalls []ToolCall
	Name      string
}

// Text concatenates the text parts of the message.
func (m Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if p.Type == PartText {
			out += p.Text
		}
	}
	return out
}

type Tool struct {
	Type     string      `json:"type"`
	Function FunctionDef `json:"function"`
}

type FunctionDef struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Parameters  *Schema `json:"parameters,omitempty"`
}

// Schema is the subset of JSON Schema that survives translation into every
// upstream dialect. Keys outside this set are dropped.
type Schema struct {
	Type        string             `json:"type,omitempty"`
	Description string             `json:"description,omitempty"`
	Format      string             `json:"format,omitempty"`
	Nullable    bool               `json:"nullable,omitempty"`
	Enum        []any              `json:"enum,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Items       *Schema            `json:"items,omitempty"`
	Required    []string           `json:"required,omitempty"`
}

func (s *Schema) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type        json.RawMessage    `json:"type"`
		Description string             `json:"description"`
		Format      string             `json:"format"`
		Nullable    bool               `json:"nullable"`
		Enum        []any              `json:"enum"`
		Properties  map[string]*Schema `json:"properties"`
		Items       *Schema            `json:"items"`
		Required    []string           `json:"required"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*s = Schema{
		Description: raw.Description,
		Format:      raw.Format,
		Nullable:    raw.Nullable,
		Enum:        raw.Enum,
		Properties:  raw.Properties,
		Items:       raw.Items,
		Required:    raw.Required,
	}

	if len(raw.Type) == 0 {
		return nil
	}
	var single string
	if err := json.Unmarshal(raw.Type, &single); err == nil {
		s.Type = single
		return nil
	}
	var union []string
	if err := json.Unmarshal(raw.Type, &union); err != nil {
		return fmt.Errorf("schema type: %w", err)
	}
	for _, t := range union {
		if t == "null" {
			s.Nullable = true
			continue
		}
		if s.Type == "" {
			s.Type = t
		}
	}
	return nil
}

type ResponseFormat struct {
	Type       string          `json:"type"`
	JSONSchema *JSONSchemaSpec `json:"json_schema,omitempty"`
}

type JSONSchemaSpec struct {
	Name   string  `json:"name"`
	Schema *Schema `json:"schema,omitempty"`
	Strict bool    `json:"strict,omitempty"`
}

// ChatRequest is the canonical request every adapter translates from.
type ChatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Tools          []Tool          `json:"tools,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	MaxTokens      *int            `json:"max_tokens,omitempty"`
	TopP           *float64        `json:"top_p,omitempty"`
	Stop           []string        `json:"stop,omitempty"`
	Stream         bool            `json:"stream,omitempty"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
}

// SystemPrompt returns the text of the single system message, if any.
func (r ChatRequest) SystemPrompt() (string, bool) {
	for _, m := range r.Messages {
		if m.Role == RoleSystem {
			return m.Text(), true
		}
	}
	return "", false
}

// HasTool reports whether a tool with one of the given names is declared.
func (r ChatRequest) HasTool(names ...string) bool {
	for _, t := range r.Tools {
		for _, n := range names {
			if t.Function.Name == n {
				return true
			}
		}
	}
	return false
}

// Validate enforces the structural invariants of a conversation: at most
// one system message, and every tool result answers an earlier tool call.
func (r ChatRequest) Validate() error {
	if r.Model == "" {
		return fmt.Errorf("%w: model is required", ErrInvalidRequest)
	}
	if len(r.Messages) == 0 {
		return fmt.Errorf("%w: messages must not be empty", ErrInvalidRequest)
	}

	systems := 0
	seen := make(map[string]bool)
	for i, m := range r.Messages {
		switch m.Role {
		case RoleSystem:
			systems++
			if systems > 1 {
				return fmt.Errorf("%w: more than one system message", ErrInvalidRequest)
			}
		case RoleUser, RoleAssistant, RoleTool:
		default:
			return fmt.Errorf("%w: message %d has unknown role %q", ErrInvalidRequest, i, m.Role)
		}
		for _, tc := range m.ToolCalls {
			seen[tc.ID] = true
		}
		for _, p := range m.Parts {
			if p.Type == PartToolResult && !seen[p.ToolCallID] {
				return fmt.Errorf("%w: tool result %q has no matching tool call", ErrInvalidRequest, p.ToolCallID)
			}
		}
	}
	return nil
}

type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

type Choice struct {
	Index        int              `json:"index"`
	Message      *ResponseMessage `json:"message,omitempty"`
	FinishReason FinishReason     `json:"finish_reason,omitempty"`
}

type ResponseMessage struct {
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type Model struct {
	ID       string `json:"id"`
	Object   string `json:"object"`
	OwnedBy  string `json:"owned_by"`
	Provider string `json:"provider,omitempty"`
}

type ModelsResponse struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}
