package retry

import (
	"strings"
	"time"

	"outreach/internal/domain"
)

// Category groups send failures for reporting.
type Category string

const (
	CategoryNetwork       Category = "network"
	CategoryAPI           Category = "api"
	CategoryRateLimit     Category = "rate_limit"
	CategoryInvalidNumber Category = "invalid_number"
	CategoryOther         Category = "other"
)

var Categories = []Category{CategoryNetwork, CategoryAPI, CategoryRateLimit, CategoryInvalidNumber, CategoryOther}

func (c Category) Valid() bool {
	for _, k := range Categories {
		if c == k {
			return true
		}
	}
	return false
}

// ordered: first match wins
var heuristics = []struct {
	cat   Category
	terms []string
}{
	{CategoryRateLimit, []string{"rate limit", "rate_limit", "too many requests", "throttl", "429"}},
	{CategoryInvalidNumber, []string{"invalid number", "invalid phone", "invalid destination", "not a valid phone", "not registered", "21211", "21614"}},
	{CategoryNetwork, []string{"network", "timeout", "timed out", "deadline exceeded", "connection", "no such host", "eof"}},
	{CategoryAPI, []string{"api", "server error", "unauthorized", "forbidden", "circuit breaker", "status"}},
}

// Classify prefers the structured category returned by the sender and falls
// back to substring matching on the free-text reason. Heuristic categories
// are best effort only.
func Classify(structured Category, reason string) Category {
	if structured.Valid() {
		return structured
	}
	r := strings.ToLower(reason)
	for _, h := range heuristics {
		for _, t := range h.terms {
			if strings.Contains(r, t) {
				return h.cat
			}
		}
	}
	return CategoryOther
}

// Decision is what the retry manager does with a unit that just failed.
type Decision struct {
	Retry bool
	After time.Duration
}

// Decide re-offers a failed unit while it has retries left. retryCount is the
// number of re-offers already granted.
func Decide(p domain.AutoRescheduling, retryCount int) Decision {
	if !p.Enabled || retryCount >= p.MaxRetryAttempts {
		return Decision{}
	}
	return Decision{Retry: true, After: time.Duration(p.FailedMessageRetryDelayMinutes) * time.Minute}
}

// Eligible reports whether automatic retry would still pick the unit up.
func Eligible(p domain.AutoRescheduling, u domain.SendUnit) bool {
	return u.Status == domain.UnitFailed && Decide(p, u.RetryCount).Retry
}
