package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"callpilot/pkg/analysis"
	"callpilot/pkg/callstate"
	"callpilot/pkg/errors"
	"callpilot/pkg/livecall"
	"callpilot/pkg/messaging"
	"callpilot/pkg/records"
	"callpilot/pkg/suggest"
	"callpilot/pkg/util"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

type fakePipeline struct {
	mu        sync.Mutex
	fragments []livecall.Fragment
	completed map[string]records.Outcome
	outcome   livecall.Outcome
	handle    *util.TaskHandle
	err       error
}

func (f *fakePipeline) HandleFragment(_ context.Context, frag livecall.Fragment) livecall.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fragments = append(f.fragments, frag)
	return f.outcome
}

func (f *fakePipeline) CompleteCall(_ context.Context, callID string, outcome records.Outcome) (*util.TaskHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.completed == nil {
		f.completed = make(map[string]records.Outcome)
	}
	f.completed[callID] = outcome
	return f.handle, nil
}

type fakeRegistrar struct {
	endpoints map[string][]string
}

func (f *fakeRegistrar) RegisterCallEndpoint(callID, endpoint string) {
	if f.endpoints == nil {
		f.endpoints = make(map[string][]string)
	}
	f.endpoints[callID] = append(f.endpoints[callID], endpoint)
}

func (f *fakeRegistrar) ClearCallEndpoints(callID string) {
	delete(f.endpoints, callID)
}

func newAPIServer(t *testing.T, pipeline CallPipeline, recs RecordReader) *Server {
	t.Helper()
	logger := newTestLogger()
	server := NewServer(logger, DefaultConfig(), nil)
	NewCallHandler(logger, pipeline, recs, DefaultConfig()).RegisterHandlers(server)
	return server
}

func do(server *Server, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	return rr
}

func TestFragmentEndpointReturnsDecision(t *testing.T) {
	pipeline := &fakePipeline{outcome: livecall.Outcome{
		Triggered: true,
		Reason:    callstate.ReasonQuestion,
		Fast: &suggest.Result{Suggestions: []suggest.Suggestion{{
			Text: "Mention the starter plan", Type: suggest.TypeSolution, Confidence: 0.9,
			DeliverAs: suggest.DeliverSay, OfferID: "starter-plan",
		}}},
	}}
	server := newAPIServer(t, pipeline, records.NewMemoryStore(nil))

	rr := do(server, http.MethodPost, "/api/calls/fragments",
		`{"call_id":"call-1","speaker":"customer","transcript_delta":"How much is it?","full_transcript":"How much is it?","confidence":0.91}`)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var resp FragmentResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.Triggered)
	assert.Equal(t, callstate.ReasonQuestion, resp.Reason)
	require.Len(t, resp.Suggestions, 1)
	assert.Equal(t, "starter-plan", resp.Suggestions[0].OfferID)

	require.Len(t, pipeline.fragments, 1)
	assert.Equal(t, "call-1", pipeline.fragments[0].CallID)
	assert.Equal(t, "customer", pipeline.fragments[0].Speaker)
	assert.InDelta(t, 0.91, pipeline.fragments[0].Confidence, 1e-9)
}

func TestFragmentEndpointNotTriggeredHasEmptySuggestions(t *testing.T) {
	pipeline := &fakePipeline{outcome: livecall.Outcome{Reason: callstate.ReasonCooldown}}
	server := newAPIServer(t, pipeline, records.NewMemoryStore(nil))

	rr := do(server, http.MethodPost, "/api/calls/fragments", `{"call_id":"call-1","speaker":"customer","transcript_delta":"ok"}`)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"triggered":false,"reason":"cooldown","suggestions":[]}`, rr.Body.String())
}

func TestFragmentEndpointRejectsBadInput(t *testing.T) {
	pipeline := &fakePipeline{}
	server := newAPIServer(t, pipeline, records.NewMemoryStore(nil))

	rr := do(server, http.MethodPost, "/api/calls/fragments", `{"call_id":`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(server, http.MethodPost, "/api/calls/fragments", `{"call_id":"  ","speaker":"customer"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "INVALID_INPUT")

	rr = do(server, http.MethodGet, "/api/calls/fragments", "")
	assert.NotEqual(t, http.StatusOK, rr.Code, "fragments only accept POST")

	assert.Empty(t, pipeline.fragments)
}

func TestCompleteEndpoint(t *testing.T) {
	pipeline := &fakePipeline{}
	server := newAPIServer(t, pipeline, records.NewMemoryStore(nil))

	rr := do(server, http.MethodPost, "/api/calls/call-1/complete", `{"outcome":"successful"}`)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	assert.Equal(t, records.OutcomeSuccessful, pipeline.completed["call-1"])

	rr = do(server, http.MethodPost, "/api/calls/call-2/complete", "")
	require.Equal(t, http.StatusAccepted, rr.Code, "the body is optional")
	assert.Equal(t, records.OutcomeNone, pipeline.completed["call-2"])

	rr = do(server, http.MethodPost, "/api/calls/call-3/complete", `{"outcome":"exploded"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.NotContains(t, pipeline.completed, "call-3")
}

func TestCompleteEndpointPerCallWebhook(t *testing.T) {
	logger := newTestLogger()
	pipeline := &fakePipeline{handle: &util.TaskHandle{ID: "task-1"}}
	registrar := &fakeRegistrar{}
	server := NewServer(logger, DefaultConfig(), nil)
	handler := NewCallHandler(logger, pipeline, records.NewMemoryStore(nil), DefaultConfig())
	handler.SetWebhookRegistrar(registrar)
	handler.RegisterHandlers(server)

	rr := do(server, http.MethodPost, "/api/calls/call-1/complete", `{"webhook_url":"https://crm.example.com/hooks/calls"}`)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	assert.Contains(t, rr.Body.String(), "task-1")
	assert.Equal(t, []string{"https://crm.example.com/hooks/calls"}, registrar.endpoints["call-1"])

	rr = do(server, http.MethodPost, "/api/calls/call-2/complete", `{"webhook_url":"ftp://crm.example.com"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.NotContains(t, registrar.endpoints, "call-2")
	assert.NotContains(t, pipeline.completed, "call-2")

	// No analysis task means no delivery, so the endpoint is dropped
	pipeline.handle = nil
	rr = do(server, http.MethodPost, "/api/calls/call-3/complete", `{"webhook_url":"http://crm.example.com/hook"}`)
	require.Equal(t, http.StatusAccepted, rr.Code)
	assert.NotContains(t, registrar.endpoints, "call-3")
}

func TestCompleteEndpointWebhookNeedsRegistrar(t *testing.T) {
	pipeline := &fakePipeline{}
	server := newAPIServer(t, pipeline, records.NewMemoryStore(nil))

	rr := do(server, http.MethodPost, "/api/calls/call-1/complete", `{"webhook_url":"https://crm.example.com/hook"}`)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Empty(t, pipeline.completed)
}

func TestCompleteEndpointUnknownCall(t *testing.T) {
	pipeline := &fakePipeline{err: errors.NewCallNotFound("missing")}
	server := newAPIServer(t, pipeline, records.NewMemoryStore(nil))

	rr := do(server, http.MethodPost, "/api/calls/missing/complete", "")

	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestGetCallEndpoint(t *testing.T) {
	recs := records.NewMemoryStore(nil)
	_, err := recs.EnsureCall(context.Background(), "call-1")
	require.NoError(t, err)
	require.NoError(t, recs.AppendTranscript(context.Background(), "call-1", "[Customer]: hello"))
	server := newAPIServer(t, &fakePipeline{}, recs)

	rr := do(server, http.MethodGet, "/api/calls/call-1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var rec records.CallRecord
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rec))
	assert.Equal(t, "call-1", rec.CallID)
	assert.Equal(t, records.StatusInProgress, rec.Status)
	assert.Equal(t, "[Customer]: hello", rec.Transcript)

	rr = do(server, http.MethodGet, "/api/calls/unknown", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCallLifecycleOverHTTP(t *testing.T) {
	logger := newTestLogger()
	recs := records.NewMemoryStore(nil)
	states := callstate.NewMemoryStore()
	recorder := messaging.NewRecorder()
	sup := util.NewSupervisor(logger)

	genDeps := suggest.Deps{Logger: logger}
	orch := analysis.NewOrchestrator(analysis.DefaultConfig(), analysis.Deps{
		Records:     recs,
		Broadcaster: recorder,
		Supervisor:  sup,
		Logger:      logger,
	})
	pipeline := livecall.NewPipeline(livecall.Deps{
		States:      states,
		Records:     recs,
		Fast:        suggest.NewFastGenerator(suggest.DefaultConfig(), genDeps),
		Enhanced:    suggest.NewEnhancedGenerator(suggest.DefaultConfig(), genDeps),
		Analyzer:    orch,
		Broadcaster: recorder,
		Supervisor:  sup,
		Logger:      logger,
	})
	server := NewServer(logger, DefaultConfig(), states)
	NewCallHandler(logger, pipeline, recs, DefaultConfig()).RegisterHandlers(server)

	question := "What's your monthly cost and are there setup fees?"
	rr := do(server, http.MethodPost, "/api/calls/fragments",
		`{"call_id":"call-e2e","speaker":"customer","transcript_delta":"`+question+`","full_transcript":"`+question+`"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp FragmentResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.Triggered)
	assert.Equal(t, callstate.ReasonQuestion, resp.Reason)
	require.NotEmpty(t, resp.Suggestions)
	assert.Equal(t, suggest.OfferFallbackPricing, resp.Suggestions[0].OfferID)

	rr = do(server, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"live_calls":1`)

	rr = do(server, http.MethodPost, "/api/calls/call-e2e/complete", `{"outcome":"follow_up"}`)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	sup.Wait()

	rr = do(server, http.MethodGet, "/api/calls/call-e2e", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var rec records.CallRecord
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rec))
	assert.Equal(t, records.StatusCompleted, rec.Status)
	assert.Equal(t, records.OutcomeFollowUp, rec.Outcome)
	assert.NotEmpty(t, rec.Analysis)

	assert.Len(t, recorder.Messages(messaging.TypeAnalysisComplete), 1)

	rr = do(server, http.MethodPost, "/api/calls/call-e2e/complete", "")
	assert.Equal(t, http.StatusAccepted, rr.Code, "a second completion is a no-op")
	sup.Wait()
	assert.Len(t, recorder.Messages(messaging.TypeAnalysisComplete), 1)
}
