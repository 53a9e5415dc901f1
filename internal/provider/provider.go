// Package provider defines the closed set of LLM providers the engine can
// route to, and the capability interface the Router depends on.
//
// The Router never branches on a concrete provider: each (provider, model)
// candidate is described by a ModelSpec from the catalog and invoked
// through the Client interface. API keys are passed through in-memory and
// never persisted.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net"

	"github.com/LoayCoder/tammal-sub006/pkg/models"
)

// Tier represents the capability tier of a model, used to restrict
// candidates to the cheapest tier under degraded admission.
type Tier string

const (
	TierEconomy  Tier = "economy"
	TierStandard Tier = "standard"
	TierPremium  Tier = "premium"
)

// ModelSpec describes one invocable (provider, model) pair.
type ModelSpec struct {
	Provider   models.Provider
	Model      string
	Tier       Tier
	InputPerM  float64 // Cost per 1M input tokens
	OutputPerM float64 // Cost per 1M output tokens
}

// Request is the provider-agnostic call payload handed to an invoker.
type Request struct {
	Model    string          `json:"model"`
	Feature  string          `json:"feature"`
	Payload  json.RawMessage `json:"payload"`
	MaxTokens int            `json:"max_tokens,omitempty"`
}

// Outcome is the result of one completed provider attempt.
type Outcome struct {
	Success      bool
	StatusCode   int
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
	CostPer1k    float64
	Body         []byte
}

// Client is the capability interface implemented per provider.
// Invoke returns a non-nil Outcome whenever the provider responded at all;
// a nil Outcome with an error means the attempt failed at the transport
// level.
type Client interface {
	Invoke(ctx context.Context, req Request) (*Outcome, error)
}

// ErrInvalidResponse marks a response that arrived but failed output-schema
// validation. The Router may still attempt fallback; total exhaustion on
// this class surfaces as AIResponseInvalidError to the calling feature.
var ErrInvalidResponse = errors.New("provider: response failed schema validation")

// IsTimeout reports whether err represents a timed-out attempt, as opposed
// to an infrastructure-level transport failure. The distinction drives
// which domain error the Router surfaces after fallback exhaustion.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Cost computes the dollar cost of a call and the derived cost per 1k
// tokens for a model spec and observed token counts.
func Cost(spec ModelSpec, inputTokens, outputTokens int64) (costUSD, costPer1k float64) {
	costUSD = float64(inputTokens)/1_000_000*spec.InputPerM +
		float64(outputTokens)/1_000_000*spec.OutputPerM
	total := inputTokens + outputTokens
	if total > 0 {
		costPer1k = costUSD / (float64(total) / 1000)
	}
	return costUSD, costPer1k
}

// Catalog returns the default set of models available for routing.
// Arms are created lazily per scope from these entries on first use.
func Catalog() []ModelSpec {
	return []ModelSpec{
		// OpenAI
		{Provider: models.ProviderOpenAI, Model: "gpt-4o-mini", Tier: TierEconomy, InputPerM: 0.15, OutputPerM: 0.60},
		{Provider: models.ProviderOpenAI, Model: "gpt-4o", Tier: TierStandard, InputPerM: 2.50, OutputPerM: 10.00},
		{Provider: models.ProviderOpenAI, Model: "o1", Tier: TierPremium, InputPerM: 15.00, OutputPerM: 60.00},

		// Anthropic
		{Provider: models.ProviderAnthropic, Model: "claude-haiku-3-20240414", Tier: TierEconomy, InputPerM: 0.25, OutputPerM: 1.25},
		{Provider: models.ProviderAnthropic, Model: "claude-sonnet-4-20250514", Tier: TierStandard, InputPerM: 3.00, OutputPerM: 15.00},
		{Provider: models.ProviderAnthropic, Model: "claude-opus-4-20250514", Tier: TierPremium, InputPerM: 15.00, OutputPerM: 75.00},

		// Google Gemini
		{Provider: models.ProviderGemini, Model: "gemini-2.0-flash", Tier: TierEconomy, InputPerM: 0.10, OutputPerM: 0.40},
		{Provider: models.ProviderGemini, Model: "gemini-2.0-pro", Tier: TierStandard, InputPerM: 1.25, OutputPerM: 10.00},
	}
}
