package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"callpilot/pkg/errors"
	"callpilot/pkg/version"

	"github.com/sirupsen/logrus"
)

// Retriever returns domain context relevant to a query
type Retriever interface {
	RelevantContext(ctx context.Context, query string) (string, error)
}

// RetrievalConfig holds retrieval service settings
type RetrievalConfig struct {
	URL     string        `json:"url" env:"RETRIEVAL_URL"`
	Timeout time.Duration `json:"timeout" env:"RETRIEVAL_TIMEOUT" default:"5s"`
	// StaticContext is used when no URL is configured
	StaticContext string `json:"static_context" env:"RETRIEVAL_STATIC_CONTEXT"`
}

// NewRetriever returns the HTTP retriever when a URL is configured and the
// static one otherwise
func NewRetriever(cfg *RetrievalConfig, logger *logrus.Logger) Retriever {
	if cfg != nil && cfg.URL != "" {
		return NewHTTPRetriever(cfg.URL, cfg.Timeout, logger)
	}
	static := ""
	if cfg != nil {
		static = cfg.StaticContext
	}
	return StaticRetriever(static)
}

// StaticRetriever returns the same context for every query
type StaticRetriever string

// RelevantContext implements Retriever
func (s StaticRetriever) RelevantContext(context.Context, string) (string, error) {
	return string(s), nil
}

// HTTPRetriever posts {"query": ...} and reads {"context": ...}
type HTTPRetriever struct {
	url    string
	client *http.Client
	logger *logrus.Logger
}

// NewHTTPRetriever creates a retrieval client
func NewHTTPRetriever(url string, timeout time.Duration, logger *logrus.Logger) *HTTPRetriever {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPRetriever{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// RelevantContext implements Retriever
func (r *HTTPRetriever) RelevantContext(ctx context.Context, query string) (string, error) {
	body, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "failed to create retrieval request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := r.client.Do(req)
	if err != nil {
		return "", errors.NewTransientProvider(err, "retrieval")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", errors.NewTransientProvider(fmt.Errorf("status %d", resp.StatusCode), "retrieval")
	}

	var out struct {
		Context string `json:"context"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", errors.NewTransientProvider(fmt.Errorf("invalid response body: %w", err), "retrieval")
	}
	return out.Context, nil
}
