// Package webhook delivers finished call transcripts to external endpoints.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"callpilot/pkg/errors"
	"callpilot/pkg/metrics"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const userAgent = "callpilot-webhook/1.0"

// Config holds webhook settings
type Config struct {
	Endpoints []string      `json:"endpoints" env:"WEBHOOK_ENDPOINTS"`
	Timeout   time.Duration `json:"timeout" env:"WEBHOOK_TIMEOUT" default:"30s"`
}

// CallMetadata describes the call a transcript belongs to
type CallMetadata struct {
	CallID      string    `json:"call_id"`
	Outcome     string    `json:"outcome,omitempty"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// Payload is the body posted to every endpoint
type Payload struct {
	Event      string       `json:"event"`
	DeliveryID string       `json:"delivery_id"`
	Transcript string       `json:"transcript"`
	Call       CallMetadata `json:"call"`
	Timestamp  time.Time    `json:"timestamp"`
}

// DeliveryResult is the outcome for one endpoint
type DeliveryResult struct {
	Endpoint   string        `json:"endpoint"`
	StatusCode int           `json:"status_code,omitempty"`
	Duration   time.Duration `json:"duration"`
	Err        error         `json:"-"`
}

// Success reports whether the endpoint accepted the delivery
func (r DeliveryResult) Success() bool {
	return r.Err == nil
}

// Sender fans a transcript out to webhook endpoints
type Sender interface {
	Send(ctx context.Context, transcript string, meta CallMetadata) []DeliveryResult
}

// HTTPSender posts to all configured endpoints concurrently. One endpoint
// failing never affects the others.
type HTTPSender struct {
	logger  *logrus.Logger
	client  *http.Client
	timeout time.Duration
	global  []string

	mu      sync.RWMutex
	perCall map[string][]string
}

// NewHTTPSender creates a sender for the given endpoints
func NewHTTPSender(logger *logrus.Logger, endpoints []string, timeout time.Duration) *HTTPSender {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	cleaned := make([]string, 0, len(endpoints))
	for _, ep := range endpoints {
		if trimmed := strings.TrimSpace(ep); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}

	return &HTTPSender{
		logger:  logger,
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
		global:  cleaned,
		perCall: make(map[string][]string),
	}
}

// RegisterCallEndpoint adds an endpoint that only receives the given call.
// It is used by the next Send for that call and then forgotten.
func (s *HTTPSender) RegisterCallEndpoint(callID, endpoint string) {
	endpoint = strings.TrimSpace(endpoint)
	if callID == "" || endpoint == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.perCall[callID] = append(s.perCall[callID], endpoint)
}

// ClearCallEndpoints removes the per-call endpoints of a call
func (s *HTTPSender) ClearCallEndpoints(callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.perCall, callID)
}

// Send implements Sender. It returns once every endpoint has settled.
func (s *HTTPSender) Send(ctx context.Context, transcript string, meta CallMetadata) []DeliveryResult {
	endpoints := s.takeEndpoints(meta.CallID)
	if len(endpoints) == 0 {
		return nil
	}

	body, err := json.Marshal(Payload{
		Event:      "call_transcript",
		DeliveryID: uuid.NewString(),
		Transcript: transcript,
		Call:       meta,
		Timestamp:  time.Now().UTC(),
	})
	if err != nil {
		s.logger.WithError(err).WithField("call_id", meta.CallID).Error("Failed to marshal webhook payload")
		return nil
	}

	results := make([]DeliveryResult, len(endpoints))
	var g errgroup.Group
	for i, endpoint := range endpoints {
		i, endpoint := i, endpoint
		// Deliveries record their error instead of returning it so that the
		// group never short-circuits.
		g.Go(func() error {
			results[i] = s.deliver(ctx, endpoint, body)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, r := range results {
		metrics.RecordWebhookDelivery(r.Success())
		if !r.Success() {
			failed++
			s.logger.WithError(r.Err).WithFields(logrus.Fields{
				"call_id":  meta.CallID,
				"endpoint": r.Endpoint,
			}).Warn("Webhook delivery failed")
		}
	}
	s.logger.WithFields(logrus.Fields{
		"call_id":   meta.CallID,
		"endpoints": len(results),
		"failed":    failed,
	}).Info("Webhook fan-out settled")

	return results
}

func (s *HTTPSender) deliver(parentCtx context.Context, endpoint string, body []byte) DeliveryResult {
	start := time.Now()
	result := DeliveryResult{Endpoint: endpoint}

	ctx, cancel := context.WithTimeout(parentCtx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		result.Err = errors.Wrap(err, "failed to create webhook request").WithCode(errors.CodeWebhookDelivery)
		return result
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.client.Do(req)
	result.Duration = time.Since(start)
	if err != nil {
		result.Err = errors.Wrap(err, "webhook request failed", map[string]interface{}{"endpoint": endpoint}).
			WithCode(errors.CodeWebhookDelivery)
		return result
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	result.StatusCode = resp.StatusCode
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		result.Err = errors.NewWebhookDelivery(endpoint, resp.StatusCode)
	}
	return result
}

// takeEndpoints merges the global endpoints with the per-call ones and
// consumes the latter
func (s *HTTPSender) takeEndpoints(callID string) []string {
	seen := make(map[string]struct{})
	merged := make([]string, 0, len(s.global)+2)

	add := func(ep string) {
		if _, ok := seen[ep]; !ok {
			seen[ep] = struct{}{}
			merged = append(merged, ep)
		}
	}
	for _, ep := range s.global {
		add(ep)
	}

	s.mu.Lock()
	for _, ep := range s.perCall[callID] {
		add(ep)
	}
	delete(s.perCall, callID)
	s.mu.Unlock()

	return merged
}
