package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordersAreNoOpsBeforeInitOrWhenDisabled(t *testing.T) {
	EnableMetrics(false)
	defer EnableMetrics(true)

	assert.NotPanics(t, func() {
		RecordFragment("customer")
		RecordTrigger(true, "question")
		ObserveCompletion("fast")()
		RecordWebhookDelivery(false)
	})
}

func TestMetricsRecordAndServe(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	Init(logger)
	Init(logger)
	require.NotNil(t, GetRegistry())

	RecordTrigger(true, "question")
	RecordTrigger(false, "cooldown")
	RecordSuggestions("fast", "fallback")
	RecordCacheLookup(true)
	SetLiveCalls(3)

	assert.Equal(t, 1.0, testutil.ToFloat64(TriggerDecisions.WithLabelValues("true", "question")))
	assert.Equal(t, 1.0, testutil.ToFloat64(SuggestionsGenerated.WithLabelValues("fast", "fallback")))
	assert.Equal(t, 3.0, testutil.ToFloat64(LiveCalls))

	mux := http.NewServeMux()
	RegisterHandler(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "callpilot_triggers_total")
}
