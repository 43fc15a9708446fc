package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"callpilot/pkg/errors"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func TestHTTPSender_SettlesAll(t *testing.T) {
	var received int32
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&received, 1)
		assert.Equal(t, "callpilot-webhook/1.0", r.Header.Get("User-Agent"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var p Payload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		assert.Equal(t, "[Customer]: hello", p.Transcript)
		assert.Equal(t, "c1", p.Call.CallID)
		assert.NotEmpty(t, p.DeliveryID)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ok.Close()

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()

	unreachable := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	unreachableURL := unreachable.URL
	unreachable.Close()

	sender := NewHTTPSender(newTestLogger(), []string{failing.URL, unreachableURL, ok.URL}, time.Second)
	results := sender.Send(context.Background(), "[Customer]: hello", CallMetadata{CallID: "c1"})

	require.Len(t, results, 3)
	assert.Equal(t, int32(1), atomic.LoadInt32(&received), "healthy endpoint is delivered despite failures")

	assert.False(t, results[0].Success())
	assert.Equal(t, http.StatusInternalServerError, results[0].StatusCode)
	assert.True(t, errors.HasCode(results[0].Err, errors.CodeWebhookDelivery))

	assert.False(t, results[1].Success())
	assert.True(t, errors.HasCode(results[1].Err, errors.CodeWebhookDelivery))

	assert.True(t, results[2].Success())
	assert.Equal(t, http.StatusAccepted, results[2].StatusCode)
}

func TestHTTPSender_PerCallEndpoints(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer server.Close()

	sender := NewHTTPSender(newTestLogger(), []string{" ", server.URL}, time.Second)
	sender.RegisterCallEndpoint("c1", server.URL)
	sender.RegisterCallEndpoint("c1", server.URL+"/c1")

	results := sender.Send(context.Background(), "t", CallMetadata{CallID: "c1"})
	assert.Len(t, results, 2, "duplicate endpoints are delivered once")

	results = sender.Send(context.Background(), "t", CallMetadata{CallID: "c1"})
	assert.Len(t, results, 1, "per-call endpoints are used once")
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))

	sender.RegisterCallEndpoint("c2", server.URL+"/c2")
	sender.ClearCallEndpoints("c2")
	assert.Len(t, sender.Send(context.Background(), "t", CallMetadata{CallID: "c2"}), 1)
	assert.Equal(t, int32(4), atomic.LoadInt32(&hits))
}

func TestHTTPSender_NoEndpoints(t *testing.T) {
	sender := NewHTTPSender(newTestLogger(), nil, 0)
	assert.Nil(t, sender.Send(context.Background(), "t", CallMetadata{CallID: "c1"}))
}
