package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/LoayCoder/tammal-sub006/pkg/models"
)

// maxResponseBytes caps how much of an upstream response body is read.
const maxResponseBytes = 10 << 20

// providerBaseURLs maps each provider to its upstream API host.
var providerBaseURLs = map[models.Provider]string{
	models.ProviderOpenAI:    "https://api.openai.com",
	models.ProviderAnthropic: "https://api.anthropic.com",
	models.ProviderGemini:    "https://generativelanguage.googleapis.com",
}

// HTTPClient is the production Client implementation for one provider.
// One instance per provider is shared across all models of that provider.
type HTTPClient struct {
	provider models.Provider
	apiKey   string
	baseURL  string
	http     *http.Client
}

// NewHTTPClient creates an invoker for the given provider. A nil httpClient
// gets a default with a conservative overall timeout; per-attempt deadlines
// come from the caller's context.
func NewHTTPClient(p models.Provider, apiKey string, httpClient *http.Client) (*HTTPClient, error) {
	baseURL, ok := providerBaseURLs[p]
	if !ok {
		return nil, fmt.Errorf("provider: unsupported provider %q", p)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("provider: missing API key for %s", p)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 120 * time.Second}
	}
	return &HTTPClient{provider: p, apiKey: apiKey, baseURL: baseURL, http: httpClient}, nil
}

// Invoke sends one request to the provider and extracts token usage from
// the response. A non-2xx status yields a non-nil Outcome with
// Success=false so the caller can log the attempt; transport failures
// yield a nil Outcome and the error.
func (c *HTTPClient) Invoke(ctx context.Context, req Request) (*Outcome, error) {
	httpReq, err := c.buildRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("provider: %s request: %w", c.provider, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("provider: reading %s response: %w", c.provider, err)
	}

	outcome := &Outcome{
		StatusCode: resp.StatusCode,
		Success:    resp.StatusCode >= 200 && resp.StatusCode < 300,
		Body:       body,
	}
	if outcome.Success {
		if !json.Valid(body) {
			return outcome, ErrInvalidResponse
		}
		outcome.InputTokens, outcome.OutputTokens = extractTokenUsage(c.provider, body)
	}
	return outcome, nil
}

func (c *HTTPClient) buildRequest(ctx context.Context, req Request) (*http.Request, error) {
	payload, err := injectModel(req)
	if err != nil {
		return nil, err
	}

	var url string
	switch c.provider {
	case models.ProviderOpenAI:
		url = c.baseURL + "/v1/chat/completions"
	case models.ProviderAnthropic:
		url = c.baseURL + "/v1/messages"
	case models.ProviderGemini:
		// Gemini scopes the model into the path and authenticates via query
		// parameter rather than a header.
		url = fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", c.baseURL, req.Model, c.apiKey)
	default:
		return nil, fmt.Errorf("provider: unsupported provider %q", c.provider)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("provider: building %s request: %w", c.provider, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	switch c.provider {
	case models.ProviderOpenAI:
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	case models.ProviderAnthropic:
		httpReq.Header.Set("x-api-key", c.apiKey)
		httpReq.Header.Set("anthropic-version", "2023-06-01")
	}
	return httpReq, nil
}

// injectModel rewrites the caller's payload with the routed model so the
// feature never has to know which model was chosen.
func injectModel(req Request) ([]byte, error) {
	body := make(map[string]any)
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &body); err != nil {
			return nil, fmt.Errorf("provider: payload must be a JSON object: %w", err)
		}
	}
	body["model"] = req.Model
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	return json.Marshal(body)
}

// extractTokenUsage pulls input/output token counts from a provider
// response body. Each provider reports usage under a different shape:
// OpenAI uses usage.prompt_tokens/completion_tokens, Anthropic uses
// usage.input_tokens/output_tokens, and Gemini nests counts under
// usageMetadata. Missing usage yields zeros, which cost accounting treats
// as a free call rather than an error.
func extractTokenUsage(p models.Provider, body []byte) (inputTokens, outputTokens int64) {
	switch p {
	case models.ProviderOpenAI:
		var resp struct {
			Usage struct {
				PromptTokens     int64 `json:"prompt_tokens"`
				CompletionTokens int64 `json:"completion_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal(body, &resp); err == nil {
			return resp.Usage.PromptTokens, resp.Usage.CompletionTokens
		}

	case models.ProviderAnthropic:
		var resp struct {
			Usage struct {
				InputTokens  int64 `json:"input_tokens"`
				OutputTokens int64 `json:"output_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal(body, &resp); err == nil {
			return resp.Usage.InputTokens, resp.Usage.OutputTokens
		}

	case models.ProviderGemini:
		var resp struct {
			UsageMetadata struct {
				PromptTokenCount     int64 `json:"promptTokenCount"`
				CandidatesTokenCount int64 `json:"candidatesTokenCount"`
			} `json:"usageMetadata"`
		}
		if err := json.Unmarshal(body, &resp); err == nil {
			return resp.UsageMetadata.PromptTokenCount, resp.UsageMetadata.CandidatesTokenCount
		}
	}
	return 0, 0
}
