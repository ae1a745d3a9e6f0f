package secrets

import (
	"context"
	"fmt"

	"github.com/felipepmaragno/tiergate/internal/gcpauth"
)

// ProviderKeys is the JSON layout of the provider key bundle secret.
type ProviderKeys struct {
	OpenAI    string `json:"openai_api_key"`
	Anthropic string `json:"anthropic_api_key"`
	Gemini    string `json:"gemini_api_key"`
	Ledger    string `json:"ledger_api_key"`
}

func LoadProviderKeys(ctx context.Context, s SecretStore, name string) (ProviderKeys, error) {
	var keys ProviderKeys
	if err := getSecretJSON(ctx, s, name, &keys); err != nil {
		return ProviderKeys{}, err
	}
	return keys, nil
}

// Merge fills the empty fields of k from other.
func (k ProviderKeys) Merge(other ProviderKeys) ProviderKeys {
	pick := func(a, b string) string {
		if a != "" {
			return a
		}
		return b
	}
	return ProviderKeys{
		OpenAI:    pick(k.OpenAI, other.OpenAI),
		Anthropic: pick(k.Anthropic, other.Anthropic),
		Gemini:    pick(k.Gemini, other.Gemini),
		Ledger:    pick(k.Ledger, other.Ledger),
	}
}

// LoadServiceAccount fetches a Vertex service-account key and validates it
// before it reaches the token cache.
func LoadServiceAccount(ctx context.Context, s SecretStore, name string) ([]byte, error) {
	raw, err := s.GetSecret(ctx, name)
	if err != nil {
		return nil, err
	}
	if _, _, err := gcpauth.ParseServiceAccount([]byte(raw)); err != nil {
		return nil, fmt.Errorf("service account secret %s: %w", name, err)
	}
	return []byte(raw), nil
}
