package models

import "fmt"

// The engine surfaces domain-typed errors only: callers branch with
// errors.As, never by inspecting provider-specific codes or transport
// errors. Budget and rate errors are terminal for the current call and are
// never retried; timeout and transport errors are retried internally by the
// Router's bounded fallback, so only total exhaustion reaches a caller.

// CostLimitExceededError means the tenant's budget is exhausted.
// LimitType is "hard" for a full denial.
type CostLimitExceededError struct {
	LimitType string
	Percent   float64
}

func (e *CostLimitExceededError) Error() string {
	return fmt.Sprintf("cost limit exceeded (%s): %.1f%% of monthly budget consumed", e.LimitType, e.Percent)
}

// RateLimitExceededError means the per-tenant call-rate ceiling was hit.
type RateLimitExceededError struct {
	Scope     string
	WindowKey string
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s (window %s)", e.Scope, e.WindowKey)
}

// AIProviderTimeoutError means every attempted arm timed out.
type AIProviderTimeoutError struct {
	Attempts int
}

func (e *AIProviderTimeoutError) Error() string {
	return fmt.Sprintf("all %d provider attempts timed out", e.Attempts)
}

// ServiceUnavailableError means every attempted arm failed at the
// infrastructure level (transport errors, 5xx), as distinct from timeouts.
type ServiceUnavailableError struct {
	Attempts int
	Last     error
}

func (e *ServiceUnavailableError) Error() string {
	if e.Last != nil {
		return fmt.Sprintf("all %d provider attempts failed: %v", e.Attempts, e.Last)
	}
	return fmt.Sprintf("all %d provider attempts failed", e.Attempts)
}

func (e *ServiceUnavailableError) Unwrap() error { return e.Last }

// AIResponseInvalidError means the chosen arm responded but the output
// failed schema validation. The calling feature handles regeneration; the
// Router does not retry this as a distinct failure class.
type AIResponseInvalidError struct {
	Provider Provider
	Model    string
}

func (e *AIResponseInvalidError) Error() string {
	return fmt.Sprintf("invalid response from %s/%s: output failed schema validation", e.Provider, e.Model)
}
