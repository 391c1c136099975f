package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"
)

const MockClientName = "mock"

// MockClient is an InferenceClient for testing.
type MockClient struct {
	// Configurable behavior
	Latency      time.Duration
	ShouldFail   bool
	FailAfter    int // Fail after N requests (0 = never)
	FailWith     error
	ResponseText string
	ResponseJSON json.RawMessage

	// Responses returns the response for the Nth request (1-based). When
	// set, it takes precedence over ResponseJSON/ResponseText.
	Responses func(n int64, req *ExtractionRequest) (json.RawMessage, error)

	// State
	requestCount atomic.Int64
}

// NewMockClient creates a new mock client with sensible defaults.
func NewMockClient() *MockClient {
	return &MockClient{
		Latency:      time.Millisecond,
		ResponseText: "mock response",
	}
}

// Name returns the client identifier.
func (c *MockClient) Name() string {
	return MockClientName
}

// RequestCount returns how many requests the mock has served.
func (c *MockClient) RequestCount() int64 {
	return c.requestCount.Load()
}

// Extract sends a mock extraction request.
func (c *MockClient) Extract(ctx context.Context, req *ExtractionRequest) (*ExtractionResult, error) {
	start := time.Now()
	count := c.requestCount.Add(1)

	if c.Latency > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.Latency):
		}
	}

	if c.ShouldFail || (c.FailAfter > 0 && count > int64(c.FailAfter)) {
		if c.FailWith != nil {
			return nil, c.FailWith
		}
		return nil, fmt.Errorf("mock failure on request %d", count)
	}

	result := &ExtractionResult{
		Content:          c.ResponseText,
		PromptTokens:     100,
		CompletionTokens: 50,
		TotalTokens:      150,
		CostUSD:          0.001,
		ExecutionTime:    time.Since(start),
		Provider:         MockClientName,
		ModelUsed:        req.Model,
		RequestID:        fmt.Sprintf("mock-%d", count),
	}

	switch {
	case c.Responses != nil:
		raw, err := c.Responses(count, req)
		if err != nil {
			return nil, err
		}
		result.ParsedJSON = raw
		result.Content = string(raw)
	case len(c.ResponseJSON) > 0:
		result.ParsedJSON = c.ResponseJSON
		result.Content = string(c.ResponseJSON)
	}

	return result, nil
}

// Verify interface
var _ InferenceClient = (*MockClient)(nil)
