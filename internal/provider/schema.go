package provider

import "github.com/felipepmaragno/tiergate/internal/domain"

// JSONSchema is the JSON Schema form used by the OpenAI and Anthropic
// dialects. Nullable types are expressed as a ["T","null"] union.
type JSONSchema struct {
	Type        any                    `json:"type,omitempty"`
	Description string                 `json:"description,omitempty"`
	Format      string                 `json:"format,omitempty"`
	Enum        []any                  `json:"enum,omitempty"`
	Properties  map[string]*JSONSchema `json:"properties,omitempty"`
	Items       *JSONSchema            `json:"items,omitempty"`
	Required    []string               `json:"required,omitempty"`
}

func ToJSONSchema(s *domain.Schema) *JSONSchema {
	if s == nil {
		return nil
	}
	out := &JSONSchema{
		Description: s.Description,
		Format:      s.Format,
		Enum:        s.Enum,
		Items:       ToJSONSchema(s.Items),
		Required:    s.Required,
	}
	switch {
	case s.Type != "" && s.Nullable:
		out.Type = []string{s.Type, "null"}
	case s.Type != "":
		out.Type = s.Type
	}
	if len(s.Properties) > 0 {
		out.Properties = make(map[string]*JSONSchema, len(s.Properties))
		for name, prop := range s.Properties {
			out.Properties[name] = ToJSONSchema(prop)
		}
	}
	return out
}

func FromJSONSchema(s *JSONSchema) *domain.Schema {
	if s == nil {
		return nil
	}
	out := &domain.Schema{
		Description: s.Description,
		Format:      s.Format,
		Enum:        s.Enum,
		Items:       FromJSONSchema(s.Items),
		Required:    s.Required,
	}
	switch t := s.Type.(type) {
	case string:
		out.Type = t
	case []string:
		for _, v := range t {
			if v == "null" {
				out.Nullable = true
			} else if out.Type == "" {
				out.Type = v
			}
		}
	case []any:
		for _, v := range t {
			name, _ := v.(string)
			if name == "null" {
				out.Nullable = true
			} else if out.Type == "" {
				out.Type = name
			}
		}
	}
	if len(s.Properties) > 0 {
		out.Properties = make(map[string]*domain.Schema, len(s.Properties))
		for name, prop := range s.Properties {
			out.Properties[name] = FromJSONSchema(prop)
		}
	}
	return out
}
