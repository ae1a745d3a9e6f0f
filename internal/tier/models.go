package tier

import (
	"strings"

	"github.com/felipepmaragno/tiergate/internal/domain"
)

// Provider names the upstream dialect a model is served by.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGemini    Provider = "gemini"
	ProviderBedrock   Provider = "bedrock"
)

var catalogue = []domain.Model{
	{ID: "claude-haiku-4-5", Object: "model", OwnedBy: "anthropic", Provider: string(ProviderAnthropic)},
	{ID: "claude-sonnet-4-5", Object: "model", OwnedBy: "anthropic", Provider: string(ProviderAnthropic)},
	{ID: "claude-opus-4-1", Object: "model", OwnedBy: "anthropic", Provider: string(ProviderAnthropic)},
	{ID: "gpt-4o-mini", Object: "model", OwnedBy: "openai", Provider: string(ProviderOpenAI)},
	{ID: "gpt-4.1", Object: "model", OwnedBy: "openai", Provider: string(ProviderOpenAI)},
	{ID: "gpt-5", Object: "model", OwnedBy: "openai", Provider: string(ProviderOpenAI)},
	{ID: "gemini-2.5-flash", Object: "model", OwnedBy: "google", Provider: string(ProviderGemini)},
	{ID: "gemini-2.5-pro", Object: "model", OwnedBy: "google", Provider: string(ProviderGemini)},
}

// Models returns the public catalogue filtered for tier t.
func Models(t Tier) []domain.Model {
	out := make([]domain.Model, 0, len(catalogue))
	for _, m := range catalogue {
		if IsModelAllowed(m.ID, t) {
			out = append(out, m)
		}
	}
	return out
}

// DialectFor picks the upstream dialect from the model name.
func DialectFor(model string) Provider {
	m := strings.ToLower(model)
	switch {
	case strings.HasPrefix(m, "claude") || strings.HasPrefix(m, "anthropic."):
		return ProviderAnthropic
	case strings.HasPrefix(m, "gemini") || strings.HasPrefix(m, "models/gemini"):
		return ProviderGemini
	default:
		return ProviderOpenAI
	}
}

var aliases = map[Provider]map[string]string{
	ProviderAnthropic: {
		"claude-haiku-4-5":  "claude-haiku-4-5-20251001",
		"claude-sonnet-4-5": "claude-sonnet-4-5-20250929",
		"claude-opus-4-1":   "claude-opus-4-1-20250805",
	},
	ProviderBedrock: {
		"claude-haiku-4-5":           "anthropic.claude-haiku-4-5-20251001-v1:0",
		"claude-haiku-4-5-20251001":  "anthropic.claude-haiku-4-5-20251001-v1:0",
		"claude-sonnet-4-5":          "anthropic.claude-sonnet-4-5-20250929-v1:0",
		"claude-sonnet-4-5-20250929": "anthropic.claude-sonnet-4-5-20250929-v1:0",
		"claude-opus-4-1":            "anthropic.claude-opus-4-1-20250805-v1:0",
		"claude-opus-4-1-20250805":   "anthropic.claude-opus-4-1-20250805-v1:0",
	},
	ProviderGemini: {
		"gemini-flash": "gemini-2.5-flash",
		"gemini-pro":   "gemini-2.5-pro",
	},
}

// Resolve maps a public model name onto the upstream-specific identifier.
// Names without an alias pass through unchanged.
func Resolve(p Provider, model string) string {
	if upstream, ok := aliases[p][strings.ToLower(model)]; ok {
		return upstream
	}
	return model
}
