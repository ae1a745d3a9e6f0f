// Package tier holds the static caller-tier table: daily quotas, per-minute
// request ceilings and model allow-lists, plus the public model catalogue
// and the per-provider model alias resolver.
package tier

import (
	"strings"
)

type Tier string

const (
	Anonymous  Tier = "anonymous"
	LoggedIn   Tier = "logged_in"
	Subscribed Tier = "subscribed"
)

// Wildcard in an allow-list admits every model.
const Wildcard = "*"

// Policy describes what a caller tier may do. Unlimited tiers carry a very
// large DailyQueries cap instead of a sentinel value.
type Policy struct {
	Name              Tier
	DailyQueries      int
	RequestsPerMinute int
	AllowedModels     []string
}

var policies = map[Tier]Policy{
	Anonymous: {
		Name:              Anonymous,
		DailyQueries:      10,
		RequestsPerMinute: 10,
		AllowedModels:     []string{"claude-haiku-4-5", "gpt-4o-mini", "gemini-2.5-flash"},
	},
	LoggedIn: {
		Name:              LoggedIn,
		DailyQueries:      50,
		RequestsPerMinute: 30,
		AllowedModels: []string{
			"claude-haiku-4-5", "claude-sonnet-4-5",
			"gpt-4o-mini", "gpt-4.1",
			"gemini-2.5-flash", "gemini-2.5-pro",
		},
	},
	Subscribed: {
		Name:              Subscribed,
		DailyQueries:      1_000_000,
		RequestsPerMinute: 120,
		AllowedModels:     []string{Wildcard},
	},
}

// Ordered lists tiers from least to most privileged.
func Ordered() []Tier {
	return []Tier{Anonymous, LoggedIn, Subscribed}
}

// ParseTier maps a claim value onto a tier; unknown values are anonymous.
func ParseTier(s string) Tier {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case LoggedIn:
		return LoggedIn
	case Subscribed:
		return Subscribed
	default:
		return Anonymous
	}
}

// For returns the policy of t, falling back to anonymous.
func For(t Tier) Policy {
	if p, ok := policies[t]; ok {
		return p
	}
	return policies[Anonymous]
}

// IsModelAllowed is a deliberately loose match: the model is admitted when
// it and an allow-list entry are substrings of one another, ignoring case.
// This lets dated ids such as claude-haiku-4-5-20251001 match the short
// entry, at the cost of over-matching short entries.
func IsModelAllowed(model string, t Tier) bool {
	model = strings.ToLower(model)
	for _, allowed := range For(t).AllowedModels {
		if allowed == Wildcard {
			return true
		}
		if model == "" {
			continue
		}
		a := strings.ToLower(allowed)
		if strings.Contains(model, a) || strings.Contains(a, model) {
			return true
		}
	}
	return false
}

// UpgradeOptions lists the ways a caller of tier t can get more quota.
func UpgradeOptions(t Tier) []string {
	switch t {
	case Anonymous:
		return []string{"sign_in", "subscribe", "buy_credits"}
	case LoggedIn:
		return []string{"subscribe", "buy_credits"}
	default:
		return []string{"buy_credits"}
	}
}

// Endpoint identifies a metered route for the per-minute limiter.
type Endpoint string

const (
	EndpointChat     Endpoint = "chat"
	EndpointMessages Endpoint = "messages"
	EndpointModels   Endpoint = "models"
	EndpointUsage    Endpoint = "usage"
)

var endpointMultipliers = map[Endpoint]int{
	EndpointChat:     1,
	EndpointMessages: 1,
	EndpointModels:   6,
	EndpointUsage:    6,
}

// RequestsPerMinute is the tier ceiling scaled for the endpoint; cheap
// read-only endpoints get more headroom.
func RequestsPerMinute(t Tier, e Endpoint) int {
	mult, ok := endpointMultipliers[e]
	if !ok {
		mult = 1
	}
	return For(t).RequestsPerMinute * mult
}
