// Package llm contains the completion and retrieval collaborators used by
// the suggestion generators and the end-of-call analysis.
package llm

import (
	"context"
	"time"
)

// CompletionRequest is a single chat completion with one system and one user message
type CompletionRequest struct {
	System      string
	User        string
	MaxTokens   int
	Temperature float64
	// Model overrides the client default when set
	Model string
}

// Completer produces raw model text for a prompt
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// CompleterFunc adapts a function to Completer
type CompleterFunc func(ctx context.Context, req CompletionRequest) (string, error)

// Complete implements Completer
func (f CompleterFunc) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	return f(ctx, req)
}

// Config holds completion client settings
type Config struct {
	BaseURL string        `json:"base_url" env:"LLM_BASE_URL" default:"https://api.openai.com/v1"`
	APIKey  string        `json:"-" env:"LLM_API_KEY"`
	Model   string        `json:"model" env:"LLM_MODEL" default:"gpt-4o-mini"`
	Timeout time.Duration `json:"timeout" env:"LLM_TIMEOUT" default:"20s"`

	// Circuit breaker
	BreakerMaxRequests      uint32        `json:"breaker_max_requests" env:"LLM_BREAKER_MAX_REQUESTS" default:"3"`
	BreakerInterval         time.Duration `json:"breaker_interval" env:"LLM_BREAKER_INTERVAL" default:"60s"`
	BreakerTimeout          time.Duration `json:"breaker_timeout" env:"LLM_BREAKER_TIMEOUT" default:"30s"`
	BreakerMinRequests      uint32        `json:"breaker_min_requests" env:"LLM_BREAKER_MIN_REQUESTS" default:"5"`
	BreakerFailureThreshold float64       `json:"breaker_failure_threshold" env:"LLM_BREAKER_FAILURE_THRESHOLD" default:"0.6"`
}

// DefaultConfig returns the default completion client settings
func DefaultConfig() *Config {
	return &Config{
		BaseURL:                 "https://api.openai.com/v1",
		Model:                   "gpt-4o-mini",
		Timeout:                 20 * time.Second,
		BreakerMaxRequests:      3,
		BreakerInterval:         60 * time.Second,
		BreakerTimeout:          30 * time.Second,
		BreakerMinRequests:      5,
		BreakerFailureThreshold: 0.6,
	}
}
