package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/felipepmaragno/tiergate/internal/domain"
	"github.com/felipepmaragno/tiergate/internal/quota"
	"github.com/felipepmaragno/tiergate/internal/ratelimit"
	"github.com/felipepmaragno/tiergate/internal/tier"
)

const ReasonRateLimited = "rate limit exceeded"

// quotaErrorBody is the 429 shape clients key on. Fields are only ever
// added, never renamed.
type quotaErrorBody struct {
	Error            string    `json:"error"`
	Message          string    `json:"message"`
	UsedToday        int       `json:"used_today"`
	LimitToday       int       `json:"limit_today"`
	ResetsAt         time.Time `json:"resets_at"`
	Tier             tier.Tier `json:"tier"`
	CreditsRemaining *int      `json:"credits_remaining,omitempty"`
	UpgradeOptions   []string  `json:"upgrade_options,omitempty"`
	RetryAfter       int       `json:"retry_after,omitempty"`
}

type modelNotAllowedBody struct {
	Error         string    `json:"error"`
	Message       string    `json:"message"`
	Tier          tier.Tier `json:"tier"`
	AllowedModels []string  `json:"allowed_models"`
}

type usageBody struct {
	Tier           tier.Tier `json:"tier"`
	UsedToday      int       `json:"used_today"`
	LimitToday     int       `json:"limit_today"`
	Remaining      int       `json:"remaining"`
	ResetsAt       time.Time `json:"resets_at"`
	UpgradeOptions []string  `json:"upgrade_options,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    "error",
			"code":    status,
		},
	})
}

func writeUpstreamHTTPError(w http.ResponseWriter, e *domain.UpstreamHTTPError) {
	ct := e.ContentType
	if ct == "" {
		ct = "application/json"
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(e.StatusCode)
	w.Write(e.Body)
}

func writeQuotaExceeded(w http.ResponseWriter, d *quota.Decision) {
	msg := fmt.Sprintf("You have used all %d free requests for today.", d.Limit)
	switch {
	case d.IPLimited:
		msg = "Too many requests from this network today."
	case d.Reason == quota.ReasonCreditsExhausted:
		msg = "Your daily quota and credit balance are both exhausted."
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(d.ResetsAt)))
	writeJSON(w, http.StatusTooManyRequests, quotaErrorBody{
		Error:            d.Reason,
		Message:          msg,
		UsedToday:        d.Used,
		LimitToday:       d.Limit,
		ResetsAt:         d.ResetsAt,
		Tier:             d.Tier,
		CreditsRemaining: d.CreditsRemaining,
		UpgradeOptions:   tier.UpgradeOptions(d.Tier),
	})
}

func writeModelNotAllowed(w http.ResponseWriter, t tier.Tier, model string) {
	allowed := make([]string, 0)
	for _, m := range tier.Models(t) {
		allowed = append(allowed, m.ID)
	}
	writeJSON(w, http.StatusForbidden, modelNotAllowedBody{
		Error:         "model_not_allowed",
		Message:       fmt.Sprintf("Model %q is not available on the %s tier.", model, t),
		Tier:          t,
		AllowedModels: allowed,
	})
}

func setRateLimitHeaders(w http.ResponseWriter, res ratelimit.Result) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	w.Header().Set("X-RateLimit-Reset", res.ResetAt.UTC().Format(time.RFC3339))
	if !res.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(int(res.RetryAfter.Seconds())))
	}
}

func setQuotaHeaders(w http.ResponseWriter, d *quota.Decision) {
	w.Header().Set("X-Quota-Used", strconv.Itoa(d.Used))
	w.Header().Set("X-Quota-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-Quota-Remaining", strconv.Itoa(d.Remaining))
	if d.PaidVia != "" {
		w.Header().Set("X-Quota-Paid-Via", d.PaidVia)
	}
}

func retryAfterSeconds(until time.Time) int {
	secs := int(time.Until(until).Seconds())
	if secs < 1 {
		return 1
	}
	return secs
}
