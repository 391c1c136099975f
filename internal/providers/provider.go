// Package providers contains clients for the external AI inference service.
// Clients perform exactly one attempt per call; retry policy lives in the
// resilience envelope that wraps them.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// InferenceClient is the interface for structured extraction requests.
type InferenceClient interface {
	// Extract sends one extraction request and returns the structured result.
	Extract(ctx context.Context, req *ExtractionRequest) (*ExtractionResult, error)

	// Name returns the client identifier (e.g., "openrouter").
	Name() string
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// ResponseFormat specifies structured output format.
type ResponseFormat struct {
	Type       string          `json:"type"` // "json_schema"
	JSONSchema json.RawMessage `json:"json_schema,omitempty"`
}

// ExtractionRequest is a single request to the inference service. Retries
// resend identical input, so the request must carry no mutable state.
type ExtractionRequest struct {
	Messages []Message `json:"messages"`

	// Model selection (uses client default if empty)
	Model string `json:"model,omitempty"`

	// Generation parameters
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`

	// Structured output
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`

	// Request tracking
	RequestID string `json:"-"`
}

// ExtractionResult is the complete response from one inference call.
type ExtractionResult struct {
	Content    string          `json:"content"`
	ParsedJSON json.RawMessage `json:"parsed_json,omitempty"` // set when ResponseFormat was requested

	// Token counts
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`

	// Cost and timing
	CostUSD       float64       `json:"cost_usd"`
	ExecutionTime time.Duration `json:"execution_time"`

	// Provider info
	Provider  string `json:"provider"`
	ModelUsed string `json:"model_used"`

	// Request tracking
	RequestID string `json:"request_id"`
}

// HTTPError is a failed inference call carrying enough detail for the
// resilience envelope to classify it and honor server backpressure.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
	HasRetry   bool
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("inference service error (status %d): %s", e.Status, e.Body)
}

// HTTPStatus implements resilience.StatusError.
func (e *HTTPError) HTTPStatus() int { return e.Status }

// RetryAfterDelay implements resilience.RetryAfterError.
func (e *HTTPError) RetryAfterDelay() (time.Duration, bool) {
	return e.RetryAfter, e.HasRetry
}

// newHTTPError builds an HTTPError from a response, parsing any Retry-After
// header (delta-seconds or HTTP-date form).
func newHTTPError(resp *http.Response, body []byte) *HTTPError {
	he := &HTTPError{
		Status: resp.StatusCode,
		Body:   string(body),
	}
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			he.RetryAfter = time.Duration(secs) * time.Second
			he.HasRetry = true
		} else if t, err := http.ParseTime(v); err == nil {
			if d := time.Until(t); d > 0 {
				he.RetryAfter = d
				he.HasRetry = true
			}
		}
	}
	return he
}
