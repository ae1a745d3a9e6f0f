package provider_test

import (
	"reflect"
	"testing"

	"github.com/felipepmaragno/tiergate/internal/domain"
	"github.com/felipepmaragno/tiergate/internal/provider"
	"github.com/felipepmaragno/tiergate/internal/provider/anthropic"
	"github.com/felipepmaragno/tiergate/internal/provider/gemini"
	"github.com/felipepmaragno/tiergate/internal/provider/openai"
)

func TestParseDataURL(t *testing.T) {
	tests := []struct {
		name      string
		url       string
		wantOK    bool
		wantMedia string
		wantData  string
	}{
		{"png", "data:image/png;base64,iVBORw0K", true, "image/png", "iVBORw0K"},
		{"no media type", "data:;base64,AAAA", true, "application/octet-stream", "AAAA"},
		{"not base64", "data:text/plain,hello", false, "", ""},
		{"empty payload", "data:image/png;base64,", false, "", ""},
		{"http url", "https://example.com/cat.png", false, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := provider.ParseDataURL(tt.url)
			if ok != tt.wantOK {
				t.Fatalf("ParseDataURL(%q) ok = %v, want %v", tt.url, ok, tt.wantOK)
			}
			if got.MediaType != tt.wantMedia || got.Data != tt.wantData {
				t.Errorf("ParseDataURL(%q) = %+v", tt.url, got)
			}
		})
	}
}

func TestToolArguments(t *testing.T) {
	tests := map[string]string{
		"":            "{}",
		"   ":         "{}",
		"{not json":   "{}",
		`{"q":1}`:     `{"q":1}`,
		`{"a":[1,2]}`: `{"a":[1,2]}`,
	}
	for in, want := range tests {
		if got := string(provider.ToolArguments(in)); got != want {
			t.Errorf("ToolArguments(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestJSONSchemaNullableUnion(t *testing.T) {
	in := &domain.Schema{Type: "string", Nullable: true}
	wire := provider.ToJSONSchema(in)
	if !reflect.DeepEqual(wire.Type, []string{"string", "null"}) {
		t.Fatalf("wire type = %#v", wire.Type)
	}
	if back := provider.FromJSONSchema(wire); !reflect.DeepEqual(back, in) {
		t.Errorf("round trip = %+v, want %+v", back, in)
	}
}

func searchTool() domain.Tool {
	return domain.Tool{
		Type: "function",
		Function: domain.FunctionDef{
			Name:        "lookup_order",
			Description: "Find an order",
			Parameters: &domain.Schema{
				Type:     "object",
				Required: []string{"order_id", "status"},
				Properties: map[string]*domain.Schema{
					"order_id": {Type: "string", Description: "Order number"},
					"status":   {Type: "string", Enum: []any{"open", "shipped", "cancelled"}},
					"tags": {
						Type:  "array",
						Items: &domain.Schema{Type: "string", Enum: []any{"gift", "express"}},
					},
					"filters": {
						Type:     "object",
						Required: []string{"since"},
						Properties: map[string]*domain.Schema{
							"since": {Type: "string", Format: "date"},
						},
					},
				},
			},
		},
	}
}

type schemaFacts struct {
	Name     string
	Required map[string][]string
	Enum     map[string][]any
}

func facts(tool domain.Tool) schemaFacts {
	f := schemaFacts{
		Name:     tool.Function.Name,
		Required: map[string][]string{},
		Enum:     map[string][]any{},
	}
	var walk func(path string, s *domain.Schema)
	walk = func(path string, s *domain.Schema) {
		if s == nil {
			return
		}
		if len(s.Required) > 0 {
			f.Required[path] = s.Required
		}
		if len(s.Enum) > 0 {
			f.Enum[path] = s.Enum
		}
		for name, prop := range s.Properties {
			walk(path+"."+name, prop)
		}
		walk(path+"[]", s.Items)
	}
	walk("$", tool.Function.Parameters)
	return f
}

func TestToolDefinitionRoundTripPreservesNameRequiredEnum(t *testing.T) {
	tool := searchTool()
	want := facts(tool)

	dialects := map[string]func([]domain.Tool) []domain.Tool{
		"openai": func(in []domain.Tool) []domain.Tool {
			return openai.CanonicalTools(openai.ConvertTools(in))
		},
		"anthropic": func(in []domain.Tool) []domain.Tool {
			return anthropic.CanonicalTools(anthropic.ConvertTools(in))
		},
		"gemini": func(in []domain.Tool) []domain.Tool {
			return gemini.CanonicalTools(gemini.ConvertTools(in))
		},
	}

	for name, roundTrip := range dialects {
		t.Run(name, func(t *testing.T) {
			out := roundTrip([]domain.Tool{tool})
			if len(out) != 1 {
				t.Fatalf("got %d tools", len(out))
			}
			if got := facts(out[0]); !reflect.DeepEqual(got, want) {
				t.Errorf("round trip lost schema facts\n got: %+v\nwant: %+v", got, want)
			}
		})
	}
}
