// Package config loads the server configuration from the environment and an
// optional .env file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"callpilot/pkg/analysis"
	"callpilot/pkg/cache"
	"callpilot/pkg/callstate"
	"callpilot/pkg/errors"
	httpserver "callpilot/pkg/http"
	"callpilot/pkg/llm"
	"callpilot/pkg/messaging"
	"callpilot/pkg/ratelimit"
	"callpilot/pkg/suggest"
	"callpilot/pkg/telemetry/tracing"
	"callpilot/pkg/watchdog"
	"callpilot/pkg/webhook"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config represents the complete application configuration
type Config struct {
	HTTP          httpserver.Config     `json:"http"`
	HTTPRateLimit ratelimit.HTTPConfig  `json:"http_rate_limit"`
	Trigger       callstate.Config      `json:"trigger"`
	Watchdog      watchdog.Config       `json:"watchdog"`
	RateLimit     ratelimit.Config      `json:"rate_limit"`
	Cache         cache.Config          `json:"cache"`
	LLM           llm.Config            `json:"llm"`
	Retrieval     llm.RetrievalConfig   `json:"retrieval"`
	Suggest       suggest.Config        `json:"suggest"`
	Webhook       webhook.Config        `json:"webhook"`
	AMQP          messaging.AMQPConfig  `json:"amqp"`
	Redis         callstate.RedisConfig `json:"redis"`
	Logging       LoggingConfig         `json:"logging"`
	Analysis      analysis.Config       `json:"analysis"`
	HotReload     HotReloadConfig       `json:"hot_reload"`
	Tracing       tracing.Config        `json:"tracing"`

	// EnvFile is the .env file the configuration was loaded from, if any
	EnvFile string `json:"env_file,omitempty"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level      string `json:"level" env:"LOG_LEVEL" default:"info"`
	Format     string `json:"format" env:"LOG_FORMAT" default:"json"`
	OutputFile string `json:"output_file" env:"LOG_OUTPUT_FILE"`
}

// HotReloadConfig controls watching the .env file for changes
type HotReloadConfig struct {
	Enabled  bool          `json:"enabled" env:"CONFIG_HOT_RELOAD" default:"false"`
	Debounce time.Duration `json:"debounce" env:"CONFIG_HOT_RELOAD_DEBOUNCE" default:"2s"`
}

// Load reads .env (when present) and the environment into a Config.
// Variables already set in the environment win over the file.
func Load(logger *logrus.Logger) (*Config, error) {
	envFile := loadEnvFile(logger, false)
	return build(logger, envFile)
}

// loadEnvFile looks for a .env file near the working directory and loads it.
// With override set, file values replace existing environment variables.
func loadEnvFile(logger *logrus.Logger, override bool) string {
	wd, err := os.Getwd()
	if err != nil {
		logger.WithError(err).Warn("Failed to get current working directory")
		wd = "."
	}

	candidates := []string{
		getEnv("CALLPILOT_ENV_FILE", ""),
		filepath.Join(wd, ".env"),
		filepath.Join(wd, "..", ".env"),
	}

	for _, envFile := range candidates {
		if envFile == "" {
			continue
		}
		if _, statErr := os.Stat(envFile); statErr != nil {
			continue
		}
		absPath, _ := filepath.Abs(envFile)

		load := godotenv.Load
		if override {
			load = godotenv.Overload
		}
		if err := load(envFile); err != nil {
			logger.WithError(err).WithField("path", absPath).Warn("Failed to load .env file")
			continue
		}
		logger.WithField("path", absPath).Info("Loaded .env file")
		return absPath
	}

	logger.WithField("working_dir", wd).Debug("No .env file found, using environment variables only")
	return ""
}

// build fills every section from the environment
func build(logger *logrus.Logger, envFile string) (*Config, error) {
	config := &Config{EnvFile: envFile}

	loaders := []struct {
		name string
		load func() error
	}{
		{"HTTP", func() error { return loadHTTPConfig(logger, &config.HTTP, &config.HTTPRateLimit) }},
		{"trigger", func() error { return loadTriggerConfig(&config.Trigger) }},
		{"watchdog", func() error { return loadWatchdogConfig(&config.Watchdog) }},
		{"rate limit", func() error { return loadRateLimitConfig(&config.RateLimit) }},
		{"cache", func() error { return loadCacheConfig(&config.Cache) }},
		{"LLM", func() error { return loadLLMConfig(&config.LLM, &config.Retrieval) }},
		{"suggest", func() error { return loadSuggestConfig(&config.Suggest) }},
		{"webhook", func() error { return loadWebhookConfig(&config.Webhook) }},
		{"AMQP", func() error { return loadAMQPConfig(&config.AMQP) }},
		{"Redis", func() error { return loadRedisConfig(&config.Redis) }},
		{"logging", func() error { return loadLoggingConfig(logger, &config.Logging) }},
		{"analysis", func() error { return loadAnalysisConfig(&config.Analysis) }},
		{"hot reload", func() error { return loadHotReloadConfig(&config.HotReload) }},
		{"tracing", func() error { return loadTracingConfig(&config.Tracing) }},
	}
	for _, l := range loaders {
		if err := l.load(); err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("failed to load %s configuration", l.name))
		}
	}

	if err := config.Validate(logger); err != nil {
		return nil, err
	}
	return config, nil
}

func loadHTTPConfig(logger *logrus.Logger, config *httpserver.Config, limits *ratelimit.HTTPConfig) error {
	defaults := httpserver.DefaultConfig()

	config.Port = getEnvInt("HTTP_PORT", defaults.Port)
	if config.Port < 0 || config.Port > 65535 {
		logger.Warnf("Invalid HTTP_PORT %d, using default: %d", config.Port, defaults.Port)
		config.Port = defaults.Port
	}
	config.Enabled = getEnvBool("HTTP_ENABLED", defaults.Enabled)
	config.EnableMetrics = getEnvBool("HTTP_ENABLE_METRICS", defaults.EnableMetrics)
	config.MaxBodyBytes = int64(getEnvInt("HTTP_MAX_BODY_BYTES", int(defaults.MaxBodyBytes)))
	config.ReadTimeout = getEnvDuration("HTTP_READ_TIMEOUT", defaults.ReadTimeout)
	config.WriteTimeout = getEnvDuration("HTTP_WRITE_TIMEOUT", defaults.WriteTimeout)
	config.IdleTimeout = getEnvDuration("HTTP_IDLE_TIMEOUT", defaults.IdleTimeout)
	config.ShutdownTimeout = getEnvDuration("HTTP_SHUTDOWN_TIMEOUT", defaults.ShutdownTimeout)
	config.TLSEnabled = getEnvBool("HTTP_TLS_ENABLED", false)
	config.TLSCertFile = getEnv("HTTP_TLS_CERT_FILE", "")
	config.TLSKeyFile = getEnv("HTTP_TLS_KEY_FILE", "")

	limitDefaults := ratelimit.DefaultHTTPConfig()
	limits.Enabled = getEnvBool("HTTP_RATE_LIMIT_ENABLED", limitDefaults.Enabled)
	limits.RequestsPerSecond = getEnvFloat("HTTP_RATE_LIMIT_RPS", limitDefaults.RequestsPerSecond)
	limits.BurstSize = getEnvInt("HTTP_RATE_LIMIT_BURST", limitDefaults.BurstSize)
	limits.WhitelistedIPs = getEnvList("HTTP_RATE_LIMIT_WHITELIST_IPS", nil)
	limits.WhitelistedPaths = getEnvList("HTTP_RATE_LIMIT_WHITELIST_PATHS", limitDefaults.WhitelistedPaths)
	return nil
}

func loadTriggerConfig(config *callstate.Config) error {
	defaults := callstate.DefaultConfig()
	config.MinLength = getEnvInt("TRIGGER_MIN_LENGTH", defaults.MinLength)
	config.ChunkThreshold = getEnvInt("TRIGGER_CHUNK_THRESHOLD", defaults.ChunkThreshold)
	config.Cooldown = getEnvDuration("TRIGGER_COOLDOWN", defaults.Cooldown)
	config.MaxPerCall = getEnvInt("TRIGGER_MAX_PER_CALL", defaults.MaxPerCall)
	return nil
}

func loadWatchdogConfig(config *watchdog.Config) error {
	defaults := watchdog.DefaultConfig()
	config.InactivityWindow = getEnvDuration("WATCHDOG_INACTIVITY_WINDOW", defaults.InactivityWindow)
	config.MinAnalysisLength = getEnvInt("WATCHDOG_MIN_ANALYSIS_LENGTH", defaults.MinAnalysisLength)
	return nil
}

func loadRateLimitConfig(config *ratelimit.Config) error {
	defaults := ratelimit.DefaultConfig()
	config.BurstTokens = getEnvInt("RATE_LIMIT_BURST_TOKENS", defaults.BurstTokens)
	config.RefillPerSecond = getEnvFloat("RATE_LIMIT_REFILL_PER_SECOND", defaults.RefillPerSecond)

	daily := getEnv("RATE_LIMIT_DAILY_TOKENS", "")
	if daily == "" {
		config.DailyTokenLimit = defaults.DailyTokenLimit
		return nil
	}
	limit, err := strconv.ParseInt(daily, 10, 64)
	if err != nil {
		return errors.Wrap(err, "invalid RATE_LIMIT_DAILY_TOKENS", map[string]interface{}{"value": daily})
	}
	config.DailyTokenLimit = limit
	return nil
}

func loadCacheConfig(config *cache.Config) error {
	defaults := cache.DefaultConfig()
	config.TTL = getEnvDuration("CACHE_TTL", defaults.TTL)
	config.MaxEntries = getEnvInt("CACHE_MAX_ENTRIES", defaults.MaxEntries)
	config.CleanupInterval = getEnvDuration("CACHE_CLEANUP_INTERVAL", defaults.CleanupInterval)
	return nil
}

func loadLLMConfig(config *llm.Config, retrieval *llm.RetrievalConfig) error {
	defaults := llm.DefaultConfig()
	config.BaseURL = getEnv("LLM_BASE_URL", defaults.BaseURL)
	config.APIKey = getEnv("LLM_API_KEY", getEnv("OPENAI_API_KEY", ""))
	config.Model = getEnv("LLM_MODEL", defaults.Model)
	config.Timeout = getEnvDuration("LLM_TIMEOUT", defaults.Timeout)
	config.BreakerMaxRequests = uint32(getEnvInt("LLM_BREAKER_MAX_REQUESTS", int(defaults.BreakerMaxRequests)))
	config.BreakerInterval = getEnvDuration("LLM_BREAKER_INTERVAL", defaults.BreakerInterval)
	config.BreakerTimeout = getEnvDuration("LLM_BREAKER_TIMEOUT", defaults.BreakerTimeout)
	config.BreakerMinRequests = uint32(getEnvInt("LLM_BREAKER_MIN_REQUESTS", int(defaults.BreakerMinRequests)))
	config.BreakerFailureThreshold = getEnvFloat("LLM_BREAKER_FAILURE_THRESHOLD", defaults.BreakerFailureThreshold)

	retrieval.URL = getEnv("RETRIEVAL_URL", "")
	retrieval.Timeout = getEnvDuration("RETRIEVAL_TIMEOUT", 5*time.Second)
	retrieval.StaticContext = getEnv("RETRIEVAL_STATIC_CONTEXT", "")
	return nil
}

func loadSuggestConfig(config *suggest.Config) error {
	defaults := suggest.DefaultConfig()
	config.FastModel = getEnv("SUGGEST_FAST_MODEL", defaults.FastModel)
	config.EnhancedModel = getEnv("SUGGEST_ENHANCED_MODEL", defaults.EnhancedModel)
	config.FastWindowChars = getEnvInt("SUGGEST_FAST_WINDOW_CHARS", defaults.FastWindowChars)
	config.HistorySegments = getEnvInt("SUGGEST_HISTORY_SEGMENTS", defaults.HistorySegments)
	config.RetrievalTimeout = getEnvDuration("SUGGEST_RETRIEVAL_TIMEOUT", defaults.RetrievalTimeout)
	return nil
}

func loadWebhookConfig(config *webhook.Config) error {
	config.Endpoints = getEnvList("WEBHOOK_ENDPOINTS", nil)
	config.Timeout = getEnvDuration("WEBHOOK_TIMEOUT", 30*time.Second)
	return nil
}

func loadAMQPConfig(config *messaging.AMQPConfig) error {
	config.URL = getEnv("AMQP_URL", "")
	config.Enabled = getEnvBool("AMQP_ENABLED", config.URL != "")
	config.QueueName = getEnv("AMQP_QUEUE_NAME", "callpilot.events")
	config.ExchangeName = getEnv("AMQP_EXCHANGE_NAME", "")
	config.RoutingKey = getEnv("AMQP_ROUTING_KEY", "")
	config.Durable = getEnvBool("AMQP_DURABLE", true)
	config.AutoDelete = getEnvBool("AMQP_AUTO_DELETE", false)
	config.PublishTimeout = getEnvDuration("AMQP_PUBLISH_TIMEOUT", 200*time.Millisecond)
	return nil
}

func loadRedisConfig(config *callstate.RedisConfig) error {
	config.Enabled = getEnvBool("REDIS_ENABLED", false)
	config.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	config.Password = getEnv("REDIS_PASSWORD", "")
	config.DB = getEnvInt("REDIS_DB", 0)
	config.StateTTL = getEnvDuration("REDIS_STATE_TTL", 6*time.Hour)
	return nil
}

func loadLoggingConfig(logger *logrus.Logger, config *LoggingConfig) error {
	config.Level = getEnv("LOG_LEVEL", "info")
	if _, err := logrus.ParseLevel(config.Level); err != nil {
		logger.Warnf("Invalid LOG_LEVEL '%s', defaulting to 'info'", config.Level)
		config.Level = "info"
	}

	config.Format = getEnv("LOG_FORMAT", "json")
	if config.Format != "json" && config.Format != "text" {
		logger.Warn("Invalid LOG_FORMAT, must be 'json' or 'text', defaulting to 'json'")
		config.Format = "json"
	}

	config.OutputFile = getEnv("LOG_OUTPUT_FILE", "")
	return nil
}

func loadAnalysisConfig(config *analysis.Config) error {
	defaults := analysis.DefaultConfig()
	config.EnhancedMinLength = getEnvInt("ANALYSIS_ENHANCED_MIN_LENGTH", defaults.EnhancedMinLength)
	config.PersistRetryDelay = getEnvDuration("ANALYSIS_PERSIST_RETRY_DELAY", defaults.PersistRetryDelay)
	config.Model = getEnv("ANALYSIS_MODEL", defaults.Model)
	return nil
}

func loadHotReloadConfig(config *HotReloadConfig) error {
	config.Enabled = getEnvBool("CONFIG_HOT_RELOAD", false)
	config.Debounce = getEnvDuration("CONFIG_HOT_RELOAD_DEBOUNCE", 2*time.Second)
	return nil
}

func loadTracingConfig(config *tracing.Config) error {
	defaults := tracing.DefaultConfig()
	config.Enabled = getEnvBool("TRACING_ENABLED", defaults.Enabled)
	config.Endpoint = getEnv("TRACING_ENDPOINT", defaults.Endpoint)
	config.Insecure = getEnvBool("TRACING_INSECURE", defaults.Insecure)
	config.ServiceName = getEnv("TRACING_SERVICE_NAME", defaults.ServiceName)
	config.SampleRatio = getEnvFloat("TRACING_SAMPLE_RATIO", defaults.SampleRatio)
	return nil
}

// ApplyLogging applies the logging section to logger
func (c *Config) ApplyLogging(logger *logrus.Logger) error {
	level, err := logrus.ParseLevel(c.Logging.Level)
	if err != nil {
		return errors.Wrap(err, fmt.Sprintf("invalid log level: %s", c.Logging.Level))
	}
	logger.SetLevel(level)

	if c.Logging.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339Nano,
		})
	}

	if c.Logging.OutputFile != "" {
		f, err := os.OpenFile(c.Logging.OutputFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return errors.Wrap(err, fmt.Sprintf("failed to open log file: %s", c.Logging.OutputFile))
		}
		logger.SetOutput(f)
	} else {
		logger.SetOutput(os.Stdout)
	}

	return nil
}

// getEnv returns the variable or defaultValue when unset or empty
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	switch strings.ToLower(value) {
	case "true", "yes", "1", "on":
		return true
	case "false", "no", "0", "off":
		return false
	default:
		return defaultValue
	}
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return intValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	duration, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return duration
}

func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	floatValue, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return floatValue
}

// getEnvList splits a comma-separated variable, dropping empty items
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if strings.TrimSpace(value) == "" {
		return defaultValue
	}

	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
