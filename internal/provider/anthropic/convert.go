package anthropic

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/felipepmaragno/tiergate/internal/domain"
	"github.com/felipepmaragno/tiergate/internal/provider"
)

const (
	defaultMaxTokens = 4096
	BedrockVersion   = "bedrock-2023-05-31"
)

// Request is the Messages API body. Bedrock uses the same shape with
// AnthropicVersion set and Model/Stream omitted.
type Request struct {
	AnthropicVersion string    `json:"anthropic_version,omitempty"`
	Model            string    `json:"model,omitempty"`
	System           string    `json:"system,omitempty"`
	Messages         []Message `json:"messages"`
	MaxTokens        int       `json:"max_tokens"`
	Temperature      *float64  `json:"temperature,omitempty"`
	TopP             *float64  `json:"top_p,omitempty"`
	StopSequences    []string  `json:"stop_sequences,omitempty"`
	Stream           bool      `json:"stream,omitempty"`
	Tools            []Tool    `json:"tools,omitempty"`
}

type Message struct {
	Role    string  `json:"role"`
	Content []Block `json:"content"`
}

type BlockType string

const (
	BlockText       BlockType = "text"
	BlockImage      BlockType = "image"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// Block is one content block; which fields are set depends on Type.
type Block struct {
	Type      BlockType       `json:"type"`
	Text      string          `json:"text,omitempty"`
	Source    *ImageSource    `json:"source,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type Tool struct {
	Name        string               `json:"name"`
	Description string               `json:"description,omitempty"`
	InputSchema *provider.JSONSchema `json:"input_schema"`
}

// BuildRequest converts a canonical request. When urlImages is false,
// non-data image URLs are replaced by a text placeholder.
func BuildRequest(req domain.ChatRequest, urlImages bool) (*Request, error) {
	out := &Request{
		MaxTokens:     defaultMaxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
		Tools:         ConvertTools(req.Tools),
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}

	system, _ := req.SystemPrompt()
	if instr := provider.StructuredOutputInstruction(req.ResponseFormat); instr != "" {
		system = strings.TrimSpace(system + "\n\n" + instr)
	}
	out.System = system

	for _, m := range req.Messages {
		var (
			role   string
			blocks []Block
			err    error
		)
		switch m.Role {
		case domain.RoleSystem:
			continue
		case domain.RoleUser, domain.RoleTool:
			role = "user"
			blocks = userBlocks(m, urlImages)
		case domain.RoleAssistant:
			role = "assistant"
			blocks, err = assistantBlocks(m)
		default:
			return nil, fmt.Errorf("%w: unsupported role %q", domain.ErrInvalidRequest, m.Role)
		}
		if err != nil {
			return nil, err
		}
		if len(blocks) == 0 {
			continue
		}
		// Consecutive same-role turns are merged; tool results for one
		// assistant turn must arrive in a single user message.
		if n := len(out.Messages); n > 0 && out.Messages[n-1].Role == role {
			out.Messages[n-1].Content = append(out.Messages[n-1].Content, blocks...)
			continue
		}
		out.Messages = append(out.Messages, Message{Role: role, Content: blocks})
	}
	return out, nil
}

func userBlocks(m domain.Message, urlImages bool) []Block {
	blocks := make([]Block, 0, len(m.Parts))
	for _, p := range m.Parts {
		switch p.Type {
		case domain.PartText:
			if p.Text != "" {
				blocks = append(blocks, Block{Type: BlockText, Text: p.Text})
			}
		case domain.PartImage:
			blocks = append(blocks, imageBlock(p.ImageURL, urlImages))
		case domain.PartToolResult:
			blocks = append(blocks, Block{
				Type:      BlockToolResult,
				ToolUseID: p.ToolCallID,
				Content:   p.Text,
				IsError:   p.IsError,
			})
		}
	}
	return blocks
}

func imageBlock(url string, urlImages bool) Block {
	if d, ok := provider.ParseDataURL(url); ok {
		return Block{Type: BlockImage, Source: &ImageSource{Type: "base64", MediaType: d.MediaType, Data: d.Data}}
	}
	if urlImages && (strings.HasPrefix(url, "https://") || strings.HasPrefix(url, "http://")) {
		return Block{Type: BlockImage, Source: &ImageSource{Type: "url", URL: url}}
	}
	return Block{Type: BlockText, Text: provider.ImagePlaceholder(url)}
}

func assistantBlocks(m domain.Message) ([]Block, error) {
	var blocks []Block
	if text := m.Text(); text != "" {
		blocks = append(blocks, Block{Type: BlockText, Text: text})
	}
	for _, tc := range m.ToolCalls {
		if tc.ID == "" || tc.Function.Name == "" {
			return nil, fmt.Errorf("%w: assistant tool call missing id or name", domain.ErrInvalidRequest)
		}
		blocks = append(blocks, Block{
			Type:  BlockToolUse,
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: provider.ToolArguments(tc.Function.Arguments),
		})
	}
	return blocks, nil
}

func ConvertTools(tools []domain.Tool) []Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		schema := provider.ToJSONSchema(t.Function.Parameters)
		if schema == nil {
			schema = &provider.JSONSchema{Type: "object", Properties: map[string]*provider.JSONSchema{}}
		}
		out = append(out, Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: schema,
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
				Name:        t.Name,
				Description: t.Description,
				Parameters:  provider.FromJSONSchema(t.InputSchema),
			},
		})
	}
	return out
}

type response struct {
	ID         string  `json:"id"`
	Type       string  `json:"type"`
	Role       string  `json:"role"`
	Content    []Block `json:"content"`
	StopReason string  `json:"stop_reason"`
	Usage      usage   `json:"usage"`
}

type usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ParseResponse maps a Messages API reply onto the canonical response.
func ParseResponse(data []byte, model string) (*domain.ChatResponse, error) {
	var r response
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, provider.FormatError(providerID, fmt.Errorf("decode response: %w", err))
	}
	if r.Type != "message" {
		return nil, provider.FormatError(providerID, fmt.Errorf("unexpected response type %q", r.Type))
	}

	msg := &domain.ResponseMessage{Role: domain.RoleAssistant}
	var text strings.Builder
	for _, b := range r.Content {
		switch b.Type {
		case BlockText:
			text.WriteString(b.Text)
		case BlockToolUse:
			if b.ID == "" {
				return nil, provider.FormatError(providerID, errors.New("tool_use block without id"))
			}
			args := string(b.Input)
			if args == "" {
				args = "{}"
			}
			msg.ToolCalls = append(msg.ToolCalls, domain.ToolCall{
				ID:       b.ID,
				Type:     "function",
				Function: domain.FunctionCall{Name: b.Name, Arguments: args},
			})
		}
	}
	msg.Content = text.String()

	id := r.ID
	if id == "" {
		id = provider.NewCompletionID()
	}
	return &domain.ChatResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []domain.Choice{{
			Message:      msg,
			FinishReason: domain.MapFinishReason(r.StopReason),
		}},
		Usage: domain.Usage{
			PromptTokens:     r.Usage.InputTokens,
			CompletionTokens: r.Usage.OutputTokens,
			TotalTokens:      r.Usage.InputTokens + r.Usage.OutputTokens,
		},
	}, nil
}
