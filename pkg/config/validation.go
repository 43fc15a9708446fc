package config

import (
	"fmt"
	"net/url"
	"strings"

	"callpilot/pkg/errors"

	"github.com/sirupsen/logrus"
)

// ConfigValidator collects every problem in a configuration instead of
// stopping at the first one
type ConfigValidator struct {
	logger   *logrus.Logger
	errors   []ValidationError
	warnings []ValidationWarning
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string      `json:"field"`
	Value   interface{} `json:"value"`
	Rule    string      `json:"rule"`
	Message string      `json:"message"`
}

// ValidationWarning represents a configuration validation warning
type ValidationWarning struct {
	Field      string      `json:"field"`
	Value      interface{} `json:"value"`
	Message    string      `json:"message"`
	Suggestion string      `json:"suggestion,omitempty"`
}

// ValidationResult represents the result of configuration validation
type ValidationResult struct {
	Valid    bool                `json:"valid"`
	Errors   []ValidationError   `json:"errors,omitempty"`
	Warnings []ValidationWarning `json:"warnings,omitempty"`
	Summary  string              `json:"summary"`
}

// NewConfigValidator creates a new configuration validator
func NewConfigValidator(logger *logrus.Logger) *ConfigValidator {
	return &ConfigValidator{logger: logger}
}

// Validate rejects configurations the server cannot run with
func (c *Config) Validate(logger *logrus.Logger) error {
	result := NewConfigValidator(logger).ValidateConfig(c)
	if result.Valid {
		return nil
	}

	fields := make(map[string]interface{}, len(result.Errors))
	for _, e := range result.Errors {
		fields[e.Field] = e.Message
	}
	return errors.NewInvalidInput("invalid configuration: "+result.Summary, fields)
}

// ValidateConfig validates the entire configuration
func (v *ConfigValidator) ValidateConfig(config *Config) *ValidationResult {
	v.errors = nil
	v.warnings = nil

	v.validateHTTPConfig(config)
	v.validateTriggerConfig(config)
	v.validateWatchdogConfig(config)
	v.validateBudgetConfig(config)
	v.validateProviderConfig(config)
	v.validateDeliveryConfig(config)
	v.validateLoggingConfig(config)
	v.validateTracingConfig(config)

	result := &ValidationResult{
		Valid:    len(v.errors) == 0,
		Errors:   v.errors,
		Warnings: v.warnings,
		Summary:  v.generateSummary(),
	}

	for _, err := range v.errors {
		v.logger.WithFields(logrus.Fields{
			"field": err.Field,
			"value": err.Value,
			"rule":  err.Rule,
		}).Error(err.Message)
	}
	for _, warning := range v.warnings {
		v.logger.WithFields(logrus.Fields{
			"field": warning.Field,
			"value": warning.Value,
		}).Warn(warning.Message)
	}

	return result
}

func (v *ConfigValidator) validateHTTPConfig(config *Config) {
	h := config.HTTP
	if h.Port < 0 || h.Port > 65535 {
		v.addError("HTTP_PORT", h.Port, "range", "HTTP port must be between 0 and 65535")
	}
	if h.MaxBodyBytes <= 0 {
		v.addError("HTTP_MAX_BODY_BYTES", h.MaxBodyBytes, "positive", "request body limit must be positive")
	}
	if h.TLSEnabled && (h.TLSCertFile == "" || h.TLSKeyFile == "") {
		v.addError("HTTP_TLS_CERT_FILE", h.TLSCertFile, "required", "TLS is enabled but certificate or key path is missing")
	}
	if h.WriteTimeout > 0 && h.WriteTimeout <= config.LLM.Timeout {
		v.addWarning("HTTP_WRITE_TIMEOUT", h.WriteTimeout,
			"write timeout does not exceed the completion timeout",
			"raise HTTP_WRITE_TIMEOUT above LLM_TIMEOUT so fragment replies are not cut off")
	}

	r := config.HTTPRateLimit
	if r.Enabled {
		v.positiveFloat("HTTP_RATE_LIMIT_RPS", r.RequestsPerSecond)
		v.positiveInt("HTTP_RATE_LIMIT_BURST", r.BurstSize)
	}
}

func (v *ConfigValidator) validateTriggerConfig(config *Config) {
	t := config.Trigger
	v.positiveInt("TRIGGER_MIN_LENGTH", t.MinLength)
	v.positiveInt("TRIGGER_CHUNK_THRESHOLD", t.ChunkThreshold)
	v.positiveInt("TRIGGER_MAX_PER_CALL", t.MaxPerCall)
	if t.Cooldown <= 0 {
		v.addError("TRIGGER_COOLDOWN", t.Cooldown, "positive", "cooldown must be positive")
	}
	if t.ChunkThreshold < t.MinLength {
		v.addWarning("TRIGGER_CHUNK_THRESHOLD", t.ChunkThreshold,
			"chunk threshold is below the minimum length",
			"every fragment past the minimum length will trigger")
	}
}

func (v *ConfigValidator) validateWatchdogConfig(config *Config) {
	w := config.Watchdog
	if w.InactivityWindow <= 0 {
		v.addError("WATCHDOG_INACTIVITY_WINDOW", w.InactivityWindow, "positive", "inactivity window must be positive")
	}
	if w.MinAnalysisLength < 0 {
		v.addError("WATCHDOG_MIN_ANALYSIS_LENGTH", w.MinAnalysisLength, "non_negative", "minimum analysis length cannot be negative")
	}
	if config.Analysis.EnhancedMinLength < 0 {
		v.addError("ANALYSIS_ENHANCED_MIN_LENGTH", config.Analysis.EnhancedMinLength, "non_negative", "enhanced analysis length cannot be negative")
	}
	if config.Analysis.PersistRetryDelay < 0 {
		v.addError("ANALYSIS_PERSIST_RETRY_DELAY", config.Analysis.PersistRetryDelay, "non_negative", "retry delay cannot be negative")
	}
}

func (v *ConfigValidator) validateBudgetConfig(config *Config) {
	v.positiveInt("RATE_LIMIT_BURST_TOKENS", config.RateLimit.BurstTokens)
	v.positiveFloat("RATE_LIMIT_REFILL_PER_SECOND", config.RateLimit.RefillPerSecond)
	if config.RateLimit.DailyTokenLimit < 0 {
		v.addError("RATE_LIMIT_DAILY_TOKENS", config.RateLimit.DailyTokenLimit, "non_negative", "daily token limit cannot be negative")
	}

	v.positiveInt("CACHE_MAX_ENTRIES", config.Cache.MaxEntries)
	if config.Cache.TTL <= 0 {
		v.addError("CACHE_TTL", config.Cache.TTL, "positive", "cache TTL must be positive")
	}
}

func (v *ConfigValidator) validateProviderConfig(config *Config) {
	l := config.LLM
	if l.Timeout <= 0 {
		v.addError("LLM_TIMEOUT", l.Timeout, "positive", "completion timeout must be positive")
	}
	if !isHTTPURL(l.BaseURL) {
		v.addError("LLM_BASE_URL", l.BaseURL, "url", "completion base URL must be an http(s) URL")
	}
	if l.APIKey == "" {
		v.addWarning("LLM_API_KEY", "", "no completion API key configured",
			"suggestions and analysis will use the rule-based fallbacks")
	}
	if l.BreakerFailureThreshold <= 0 || l.BreakerFailureThreshold > 1 {
		v.addError("LLM_BREAKER_FAILURE_THRESHOLD", l.BreakerFailureThreshold, "range", "failure threshold must be in (0, 1]")
	}

	if config.Retrieval.URL != "" && !isHTTPURL(config.Retrieval.URL) {
		v.addError("RETRIEVAL_URL", config.Retrieval.URL, "url", "retrieval URL must be an http(s) URL")
	}
	v.positiveInt("SUGGEST_FAST_WINDOW_CHARS", config.Suggest.FastWindowChars)
	v.positiveInt("SUGGEST_HISTORY_SEGMENTS", config.Suggest.HistorySegments)
}

func (v *ConfigValidator) validateDeliveryConfig(config *Config) {
	for _, endpoint := range config.Webhook.Endpoints {
		if !isHTTPURL(endpoint) {
			v.addError("WEBHOOK_ENDPOINTS", endpoint, "url", "webhook endpoint must be an http(s) URL")
		}
	}
	if len(config.Webhook.Endpoints) > 0 && config.Webhook.Timeout <= 0 {
		v.addError("WEBHOOK_TIMEOUT", config.Webhook.Timeout, "positive", "webhook timeout must be positive")
	}

	if config.AMQP.Enabled {
		if config.AMQP.URL == "" {
			v.addError("AMQP_URL", "", "required", "AMQP is enabled but AMQP_URL is empty")
		} else if !strings.HasPrefix(config.AMQP.URL, "amqp://") && !strings.HasPrefix(config.AMQP.URL, "amqps://") {
			v.addError("AMQP_URL", config.AMQP.URL, "scheme", "AMQP_URL must start with amqp:// or amqps://")
		}
		if config.AMQP.QueueName == "" {
			v.addError("AMQP_QUEUE_NAME", "", "required", "AMQP is enabled but AMQP_QUEUE_NAME is empty")
		}
	}

	if config.Redis.Enabled && config.Redis.Addr == "" {
		v.addError("REDIS_ADDR", "", "required", "Redis is enabled but REDIS_ADDR is empty")
	}
}

func (v *ConfigValidator) validateLoggingConfig(config *Config) {
	if _, err := logrus.ParseLevel(config.Logging.Level); err != nil {
		v.addError("LOG_LEVEL", config.Logging.Level, "level", "unknown log level")
	}
	if config.Logging.Format != "json" && config.Logging.Format != "text" {
		v.addError("LOG_FORMAT", config.Logging.Format, "enum", "log format must be json or text")
	}
}

func (v *ConfigValidator) validateTracingConfig(config *Config) {
	t := config.Tracing
	if t.SampleRatio <= 0 || t.SampleRatio > 1 {
		v.addError("TRACING_SAMPLE_RATIO", t.SampleRatio, "range", "sample ratio must be in (0, 1]")
	}
	if t.Enabled && t.Endpoint == "" {
		v.addWarning("TRACING_ENDPOINT", "", "tracing is enabled without an OTLP endpoint",
			"set TRACING_ENDPOINT or spans are never exported")
	}
}

func (v *ConfigValidator) positiveInt(field string, value int) {
	if value <= 0 {
		v.addError(field, value, "positive", fmt.Sprintf("%s must be positive", field))
	}
}

func (v *ConfigValidator) positiveFloat(field string, value float64) {
	if value <= 0 {
		v.addError(field, value, "positive", fmt.Sprintf("%s must be positive", field))
	}
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func (v *ConfigValidator) addError(field string, value interface{}, rule, message string) {
	v.errors = append(v.errors, ValidationError{
		Field:   field,
		Value:   value,
		Rule:    rule,
		Message: message,
	})
}

func (v *ConfigValidator) addWarning(field string, value interface{}, message, suggestion string) {
	v.warnings = append(v.warnings, ValidationWarning{
		Field:      field,
		Value:      value,
		Message:    message,
		Suggestion: suggestion,
	})
}

func (v *ConfigValidator) generateSummary() string {
	if len(v.errors) == 0 && len(v.warnings) == 0 {
		return "Configuration validation passed successfully"
	}

	summary := ""
	if len(v.errors) > 0 {
		summary += fmt.Sprintf("%d validation error(s)", len(v.errors))
	}
	if len(v.warnings) > 0 {
		if summary != "" {
			summary += " and "
		}
		summary += fmt.Sprintf("%d warning(s)", len(v.warnings))
	}
	return summary + " found"
}
