package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	registry           *prometheus.Registry
	registryOnce       sync.Once
	defaultMetricsPath = "/metrics"
	metricsEnabled     = true

	// Live pipeline metrics
	FragmentsReceived *prometheus.CounterVec
	TriggerDecisions  *prometheus.CounterVec
	LiveCalls         prometheus.Gauge

	// Suggestion generation metrics
	SuggestionsGenerated *prometheus.CounterVec
	ParseStrategies      *prometheus.CounterVec
	CompletionLatency    *prometheus.HistogramVec
	RateLimitDenied      *prometheus.CounterVec
	CacheRequests        *prometheus.CounterVec

	// End-of-call metrics
	AnalysisStages       *prometheus.CounterVec
	AnalysisDuration     prometheus.Histogram
	WatchdogCompletions  prometheus.Counter
	WebhookDeliveries    *prometheus.CounterVec
	BroadcastsPublished  *prometheus.CounterVec
	BackgroundTasks      *prometheus.CounterVec
	CircuitBreakerStates *prometheus.GaugeVec
)

// Init creates and registers all collectors. It is safe to call more than once.
func Init(logger *logrus.Logger) {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()

		FragmentsReceived = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callpilot_fragments_total",
				Help: "Transcript fragments received, by speaker",
			},
			[]string{"speaker"},
		)

		TriggerDecisions = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callpilot_triggers_total",
				Help: "Trigger decisions, by outcome and reason",
			},
			[]string{"triggered", "reason"},
		)

		LiveCalls = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "callpilot_live_calls",
			Help: "Calls with live processing state",
		})

		SuggestionsGenerated = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callpilot_suggestions_total",
				Help: "Suggestion sets produced, by tier and source",
			},
			[]string{"tier", "source"},
		)

		ParseStrategies = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callpilot_parse_strategy_total",
				Help: "Model responses recovered, by parser strategy",
			},
			[]string{"strategy"},
		)

		CompletionLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "callpilot_completion_duration_seconds",
				Help:    "Latency of completion service requests",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
			},
			[]string{"tier"},
		)

		RateLimitDenied = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callpilot_ratelimit_denied_total",
				Help: "Completion requests skipped by the token budget",
			},
			[]string{"identifier"},
		)

		CacheRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callpilot_cache_requests_total",
				Help: "Suggestion cache lookups, by result",
			},
			[]string{"result"},
		)

		AnalysisStages = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callpilot_analysis_stage_total",
				Help: "End-of-call analysis stages, by stage and result",
			},
			[]string{"stage", "result"},
		)

		AnalysisDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "callpilot_analysis_duration_seconds",
			Help:    "Wall time of a full end-of-call analysis",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		})

		WatchdogCompletions = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callpilot_watchdog_autocompletions_total",
			Help: "Calls completed by the inactivity watchdog",
		})

		WebhookDeliveries = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callpilot_webhook_deliveries_total",
				Help: "Webhook deliveries, by result",
			},
			[]string{"result"},
		)

		BroadcastsPublished = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callpilot_broadcasts_total",
				Help: "Broadcast messages, by sink and message type",
			},
			[]string{"sink", "type"},
		)

		BackgroundTasks = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callpilot_tasks_total",
				Help: "Supervised background tasks, by task and result",
			},
			[]string{"task", "result"},
		)

		CircuitBreakerStates = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "callpilot_circuit_breaker_state",
				Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
			},
			[]string{"name"},
		)

		registry.MustRegister(
			FragmentsReceived,
			TriggerDecisions,
			LiveCalls,
			SuggestionsGenerated,
			ParseStrategies,
			CompletionLatency,
			RateLimitDenied,
			CacheRequests,
			AnalysisStages,
			AnalysisDuration,
			WatchdogCompletions,
			WebhookDeliveries,
			BroadcastsPublished,
			BackgroundTasks,
			CircuitBreakerStates,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)

		if logger != nil {
			logger.Info("Prometheus metrics initialized")
		}
	})
}

// GetRegistry returns the prometheus registry
func GetRegistry() *prometheus.Registry {
	return registry
}

// SetMetricsPath sets the HTTP path for metrics endpoint
func SetMetricsPath(path string) {
	defaultMetricsPath = path
}

// EnableMetrics enables or disables metrics collection
func EnableMetrics(enabled bool) {
	metricsEnabled = enabled
}

// IsMetricsEnabled returns whether metrics are enabled
func IsMetricsEnabled() bool {
	return metricsEnabled
}

// Handler returns the Prometheus HTTP handler for the registry
func Handler() http.Handler {
	return promhttp.HandlerFor(
		registry,
		promhttp.HandlerOpts{
			EnableOpenMetrics: true,
			Registry:          registry,
		},
	)
}

// RegisterHandler registers the metrics HTTP handler
func RegisterHandler(mux *http.ServeMux) {
	if active() {
		mux.Handle(defaultMetricsPath, Handler())
	}
}

// active reports whether collectors exist and recording is on
func active() bool {
	return metricsEnabled && registry != nil
}

// RecordFragment counts an inbound transcript fragment
func RecordFragment(speaker string) {
	if active() {
		FragmentsReceived.WithLabelValues(speaker).Inc()
	}
}

// RecordTrigger counts a trigger decision
func RecordTrigger(triggered bool, reason string) {
	if active() {
		label := "false"
		if triggered {
			label = "true"
		}
		TriggerDecisions.WithLabelValues(label, reason).Inc()
	}
}

// SetLiveCalls sets the number of calls with live state
func SetLiveCalls(n int) {
	if active() {
		LiveCalls.Set(float64(n))
	}
}

// RecordSuggestions counts a produced suggestion set
func RecordSuggestions(tier, source string) {
	if active() {
		SuggestionsGenerated.WithLabelValues(tier, source).Inc()
	}
}

// RecordParseStrategy counts a parser strategy outcome
func RecordParseStrategy(strategy string) {
	if active() {
		ParseStrategies.WithLabelValues(strategy).Inc()
	}
}

// ObserveCompletion records completion latency with a timer function
func ObserveCompletion(tier string) func() {
	if !active() {
		return func() {}
	}

	start := time.Now()
	return func() {
		CompletionLatency.WithLabelValues(tier).Observe(time.Since(start).Seconds())
	}
}

// RecordRateLimitDenied counts a request refused by the token budget
func RecordRateLimitDenied(identifier string) {
	if active() {
		RateLimitDenied.WithLabelValues(identifier).Inc()
	}
}

// RecordCacheLookup counts a cache hit or miss
func RecordCacheLookup(hit bool) {
	if active() {
		result := "miss"
		if hit {
			result = "hit"
		}
		CacheRequests.WithLabelValues(result).Inc()
	}
}

// RecordAnalysisStage counts one end-of-call stage result
func RecordAnalysisStage(stage, result string) {
	if active() {
		AnalysisStages.WithLabelValues(stage, result).Inc()
	}
}

// ObserveAnalysis records the duration of a full analysis with a timer function
func ObserveAnalysis() func() {
	if !active() {
		return func() {}
	}

	start := time.Now()
	return func() {
		AnalysisDuration.Observe(time.Since(start).Seconds())
	}
}

// RecordWatchdogCompletion counts an auto-completed call
func RecordWatchdogCompletion() {
	if active() {
		WatchdogCompletions.Inc()
	}
}

// RecordWebhookDelivery counts a webhook delivery attempt
func RecordWebhookDelivery(success bool) {
	if active() {
		result := "failure"
		if success {
			result = "success"
		}
		WebhookDeliveries.WithLabelValues(result).Inc()
	}
}

// RecordBroadcast counts a broadcast message on a sink
func RecordBroadcast(sink, messageType string) {
	if active() {
		BroadcastsPublished.WithLabelValues(sink, messageType).Inc()
	}
}

// RecordTask counts a finished background task
func RecordTask(task, result string) {
	if active() {
		BackgroundTasks.WithLabelValues(task, result).Inc()
	}
}

// SetCircuitBreakerState records the state of a named breaker
func SetCircuitBreakerState(name string, state int) {
	if active() {
		CircuitBreakerStates.WithLabelValues(name).Set(float64(state))
	}
}
