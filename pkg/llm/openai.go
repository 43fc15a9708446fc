package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"callpilot/pkg/errors"
	"callpilot/pkg/metrics"
	"callpilot/pkg/version"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

const providerName = "openai"

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// OpenAIClient calls an OpenAI-compatible chat completions endpoint. Calls
// go through a circuit breaker so a failing provider is skipped quickly and
// the generators fall back to rule-based suggestions.
type OpenAIClient struct {
	cfg     Config
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *logrus.Logger
}

// NewOpenAIClient creates a completion client
func NewOpenAIClient(cfg *Config, logger *logrus.Logger) *OpenAIClient {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := &OpenAIClient{
		cfg:    *cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "llm_completion",
		MaxRequests: cfg.BreakerMaxRequests,
		Interval:    cfg.BreakerInterval,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.BreakerMinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= cfg.BreakerFailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Completion circuit breaker changed state")
			metrics.SetCircuitBreakerState(name, int(to))
		},
	})

	return c
}

// State returns the current breaker state
func (c *OpenAIClient) State() gobreaker.State {
	return c.breaker.State()
}

// Complete implements Completer
func (c *OpenAIClient) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.do(ctx, req)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return "", errors.NewCircuitOpen("llm_completion", err)
		}
		return "", err
	}
	return result.(string), nil
}

func (c *OpenAIClient) do(ctx context.Context, req CompletionRequest) (string, error) {
	model := req.Model
	if model == "" {
		model = c.cfg.Model
	}

	body, err := json.Marshal(chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.User},
		},
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to encode completion request")
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "failed to create completion request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", version.UserAgent())
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", errors.NewTransientProvider(err, providerName)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", errors.NewTransientProvider(err, providerName)
	}

	if resp.StatusCode != http.StatusOK {
		return "", errors.NewTransientProvider(
			fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(data), 200)), providerName)
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", errors.NewTransientProvider(fmt.Errorf("invalid response body: %w", err), providerName)
	}
	if parsed.Error != nil {
		return "", errors.NewTransientProvider(fmt.Errorf("%s", parsed.Error.Message), providerName)
	}
	if len(parsed.Choices) == 0 {
		return "", errors.NewTransientProvider(fmt.Errorf("response has no choices"), providerName)
	}

	return parsed.Choices[0].Message.Content, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
