package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// wireMessage is the client-facing chat-completions message shape.
type wireMessage struct {
	Role       Role            `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

type wirePart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *wireImageURL `json:"image_url,omitempty"`
}

type wireImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	parts, err := decodeContent(w.Content)
	if err != nil {
		return fmt.Errorf("message content: %w", err)
	}

	*m = Message{
		Role:      w.Role,
		Name:      w.Name,
		ToolCalls: w.ToolCalls,
	}

	if w.Role == RoleTool {
		var text strings.Builder
		for _, p := range parts {
			text.WriteString(p.Text)
		}
		m.Parts = []ContentPart{ToolResultPart(w.ToolCallID, text.String())}
		return nil
	}

	m.Parts = parts
	return nil
}

func (m Message) MarshalJSON() ([]byte, error) {
	w := wireMessage{
		Role:      m.Role,
		Name:      m.Name,
		ToolCalls: m.ToolCalls,
	}

	if m.Role == RoleTool {
		for _, p := range m.Parts {
			if p.Type == PartToolResult {
				w.ToolCallID = p.ToolCallID
				content, _ := json.Marshal(p.Text)
				w.Content = content
				break
			}
		}
		return json.Marshal(w)
	}

	switch {
	case len(m.Parts) == 1 && m.Parts[0].Type == PartText:
		content, _ := json.Marshal(m.Parts[0].Text)
		w.Content = content
	case len(m.Parts) > 0:
		wparts := make([]wirePart, 0, len(m.Parts))
		for _, p := range m.Parts {
			switch p.Type {
			case PartText:
				wparts = append(wparts, wirePart{Type: "text", Text: p.Text})
			case PartImage:
				wparts = append(wparts, wirePart{Type: "image_url", ImageURL: &wireImageURL{URL: p.ImageURL}})
			}
		}
		content, err := json.Marshal(wparts)
		if err != nil {
			return nil, err
		}
		w.Content = content
	default:
		w.Content = json.RawMessage("null")
	}

	return json.Marshal(w)
}

func decodeContent(raw json.RawMessage) ([]ContentPart, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return []ContentPart{TextPart(text)}, nil
	}

	var wparts []wirePart
	if err := json.Unmarshal(raw, &wparts); err != nil {
		return nil, err
	}

	parts := make([]ContentPart, 0, len(wparts))
	for _, p := range wparts {
		switch p.Type {
		case "text", "input_text":
			parts = append(parts, TextPart(p.Text))
		case "image_url":
			if p.ImageURL == nil {
				return nil, fmt.Errorf("image_url part without url")
			}
			parts = append(parts, ImagePart(p.ImageURL.URL))
		default:
			return nil, fmt.Errorf("unsupported content part type %q", p.Type)
		}
	}
	return parts, nil
}
