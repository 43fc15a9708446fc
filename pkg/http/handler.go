package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"callpilot/pkg/errors"
	"callpilot/pkg/livecall"
	"callpilot/pkg/records"
	"callpilot/pkg/suggest"
	"callpilot/pkg/util"

	"github.com/sirupsen/logrus"
)

// CallPipeline is the live-call processing the API exposes
type CallPipeline interface {
	HandleFragment(ctx context.Context, f livecall.Fragment) livecall.Outcome
	CompleteCall(ctx context.Context, callID string, outcome records.Outcome) (*util.TaskHandle, error)
}

// RecordReader looks up call records
type RecordReader interface {
	FindByCallID(ctx context.Context, callID string) (*records.CallRecord, error)
}

// FragmentResponse is the reply to an ingested fragment
type FragmentResponse struct {
	Triggered   bool                 `json:"triggered"`
	Reason      string               `json:"reason"`
	Suggestions []suggest.Suggestion `json:"suggestions"`
}

// WebhookRegistrar routes the transcript of one call to extra endpoints
type WebhookRegistrar interface {
	RegisterCallEndpoint(callID, endpoint string)
	ClearCallEndpoints(callID string)
}

// CompleteRequest is the optional body of a completion request.
// WebhookURL additionally receives this call's transcript.
type CompleteRequest struct {
	Outcome    string `json:"outcome,omitempty"`
	WebhookURL string `json:"webhook_url,omitempty"`
}

// CallHandler serves the call ingest and lookup API
type CallHandler struct {
	logger       *logrus.Logger
	pipeline     CallPipeline
	records      RecordReader
	webhooks     WebhookRegistrar
	maxBodyBytes int64
}

// NewCallHandler creates the call API handler
func NewCallHandler(logger *logrus.Logger, pipeline CallPipeline, recs RecordReader, config *Config) *CallHandler {
	if config == nil {
		config = DefaultConfig()
	}
	return &CallHandler{
		logger:       logger,
		pipeline:     pipeline,
		records:      recs,
		maxBodyBytes: config.MaxBodyBytes,
	}
}

// SetWebhookRegistrar enables per-call webhook endpoints on completion
func (h *CallHandler) SetWebhookRegistrar(reg WebhookRegistrar) {
	h.webhooks = reg
}

// RegisterHandlers registers the call API with the HTTP server
func (h *CallHandler) RegisterHandlers(server *Server) {
	server.RegisterHandler("POST /api/calls/fragments", h.handleFragment)
	server.RegisterHandler("POST /api/calls/{id}/complete", h.handleComplete)
	server.RegisterHandler("GET /api/calls/{id}", h.handleGetCall)

	h.logger.Info("Registered call API handlers")
}

func (h *CallHandler) handleFragment(w http.ResponseWriter, r *http.Request) {
	var fragment livecall.Fragment
	if err := h.decode(w, r, &fragment, false); err != nil {
		errors.WriteError(w, err)
		return
	}
	if strings.TrimSpace(fragment.CallID) == "" {
		errors.WriteError(w, errors.NewInvalidInput("call_id is required"))
		return
	}

	out := h.pipeline.HandleFragment(r.Context(), fragment)
	resp := FragmentResponse{
		Triggered:   out.Triggered,
		Reason:      out.Reason,
		Suggestions: []suggest.Suggestion{},
	}
	if out.Fast != nil && out.Fast.Suggestions != nil {
		resp.Suggestions = out.Fast.Suggestions
	}

	h.logger.WithFields(logrus.Fields{
		"call_id":   fragment.CallID,
		"triggered": resp.Triggered,
		"reason":    resp.Reason,
	}).Debug("Fragment processed")

	writeJSON(w, http.StatusOK, resp)
}

func (h *CallHandler) handleComplete(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("id")

	var req CompleteRequest
	if err := h.decode(w, r, &req, true); err != nil {
		errors.WriteError(w, err)
		return
	}
	outcome, ok := records.ParseOutcome(req.Outcome)
	if !ok {
		errors.WriteError(w, errors.NewInvalidInput("unknown outcome", map[string]interface{}{"outcome": req.Outcome}))
		return
	}

	webhookURL := strings.TrimSpace(req.WebhookURL)
	if webhookURL != "" {
		if h.webhooks == nil {
			errors.WriteError(w, errors.NewInvalidInput("per-call webhooks are not enabled"))
			return
		}
		if !isHTTPURL(webhookURL) {
			errors.WriteError(w, errors.NewInvalidInput("webhook_url must be an http(s) URL",
				map[string]interface{}{"webhook_url": webhookURL}))
			return
		}
		h.webhooks.RegisterCallEndpoint(callID, webhookURL)
	}

	// The analysis outlives the request
	handle, err := h.pipeline.CompleteCall(context.WithoutCancel(r.Context()), callID, outcome)
	// Without a background analysis no delivery will consume the endpoint
	if webhookURL != "" && handle == nil {
		h.webhooks.ClearCallEndpoints(callID)
	}
	if err != nil {
		h.logger.WithError(err).WithField("call_id", callID).Warn("Failed to complete call")
		errors.WriteError(w, err)
		return
	}

	resp := map[string]interface{}{
		"call_id": callID,
		"status":  "accepted",
	}
	if handle != nil {
		resp["task_id"] = handle.ID
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (h *CallHandler) handleGetCall(w http.ResponseWriter, r *http.Request) {
	rec, err := h.records.FindByCallID(r.Context(), r.PathValue("id"))
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// decode reads a JSON body. An empty body is accepted when optional is set.
func (h *CallHandler) decode(w http.ResponseWriter, r *http.Request, out interface{}, optional bool) error {
	body := http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	err := json.NewDecoder(body).Decode(out)
	switch {
	case err == nil:
		return nil
	case err == io.EOF && optional:
		return nil
	default:
		return errors.NewInvalidInput("invalid JSON body", map[string]interface{}{"reason": err.Error()})
	}
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}
