package suggest

import (
	"context"
	"strconv"
	"strings"
	"time"

	"callpilot/pkg/cache"
	"callpilot/pkg/errors"
	"callpilot/pkg/llm"
	"callpilot/pkg/metrics"
	"callpilot/pkg/ratelimit"
	"callpilot/pkg/util"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"
)

// Result sources
const (
	SourceModel       = "model"
	SourceCache       = "cache"
	SourceRateLimited = "rate_limited"
	SourceFallback    = "fallback"
)

// Rate limiter identifiers and their per-call token estimates
const (
	FastIdentifier        = "fast_suggestions"
	FastTokenEstimate     = 500
	EnhancedIdentifier    = "enhanced_analysis"
	EnhancedTokenEstimate = 1200
)

// Config holds generator settings
type Config struct {
	FastModel       string `json:"fast_model" env:"SUGGEST_FAST_MODEL" default:"gpt-4o-mini"`
	EnhancedModel   string `json:"enhanced_model" env:"SUGGEST_ENHANCED_MODEL" default:"gpt-4o"`
	FastWindowChars int    `json:"fast_window_chars" env:"SUGGEST_FAST_WINDOW_CHARS" default:"200"`
	HistorySegments int    `json:"history_segments" env:"SUGGEST_HISTORY_SEGMENTS" default:"5"`
	// RetrievalTimeout bounds the context lookup of the enhanced tier
	RetrievalTimeout time.Duration `json:"retrieval_timeout" env:"SUGGEST_RETRIEVAL_TIMEOUT" default:"3s"`
}

// DefaultConfig returns the default generator settings
func DefaultConfig() *Config {
	return &Config{
		FastModel:        "gpt-4o-mini",
		EnhancedModel:    "gpt-4o",
		FastWindowChars:  200,
		HistorySegments:  5,
		RetrievalTimeout: 3 * time.Second,
	}
}

// Deps are the collaborators shared by both generators. Cache and Limiter
// are optional.
type Deps struct {
	Completer llm.Completer
	Retriever llm.Retriever
	Limiter   *ratelimit.Limiter
	Cache     *cache.Cache[string, []Suggestion]
	Clock     util.Clock
	Logger    *logrus.Logger
}

// Request is the input of one generation cycle
type Request struct {
	CallID     string
	Transcript string
	Reason     string
}

// Result is the outcome of one generation cycle. Suggestions is never empty.
type Result struct {
	Tier        string        `json:"tier"`
	Suggestions []Suggestion  `json:"suggestions"`
	Mood        MoodAnalysis  `json:"mood_analysis"`
	Competitors []string      `json:"competitors,omitempty"`
	Source      string        `json:"source"`
	Strategy    Strategy      `json:"strategy,omitempty"`
	GeneratedAt time.Time     `json:"generated_at"`
	Duration    time.Duration `json:"-"`
	Err         error         `json:"-"`
}

// Generator produces suggestions for a transcript
type Generator interface {
	Generate(ctx context.Context, req Request) Result
}

type tier struct {
	name        string
	identifier  string
	estimate    int
	maxTokens   int
	temperature float64
	model       string
}

type engine struct {
	deps  Deps
	clock util.Clock
}

func newEngine(deps Deps) engine {
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	return engine{deps: deps, clock: util.OrRealClock(deps.Clock)}
}

// run executes the cache, limiter, completion and parse steps shared by
// both tiers. prompt is only invoked when a model call will be made.
func (e engine) run(ctx context.Context, t tier, req Request, window string, base Result,
	prompt func(ctx context.Context) llm.CompletionRequest) (res Result) {

	start := e.clock.Now()
	res = base
	res.Tier = t.name
	defer func() {
		res.GeneratedAt = e.clock.Now()
		res.Duration = res.GeneratedAt.Sub(start)
		metrics.RecordSuggestions(t.name, res.Source)
	}()

	logger := e.deps.Logger.WithFields(logrus.Fields{
		"call_id": req.CallID,
		"tier":    t.name,
	})

	key := CacheKey(t.name, window)
	if e.deps.Cache != nil {
		if cached, ok := e.deps.Cache.Get(key); ok {
			metrics.RecordCacheLookup(true)
			res.Suggestions = append([]Suggestion(nil), cached...)
			res.Source = SourceCache
			return res
		}
		metrics.RecordCacheLookup(false)
	}

	fallback := func(source string, err error) Result {
		res.Suggestions = Fallback(window, res.Mood)
		res.Source = source
		res.Err = err
		return res
	}

	if e.deps.Limiter != nil && !e.deps.Limiter.CanMakeCall(t.identifier, t.estimate) {
		metrics.RecordRateLimitDenied(t.identifier)
		logger.Debug("Token budget exhausted, using rule-based suggestions")
		return fallback(SourceRateLimited, errors.NewRateLimited(t.identifier))
	}

	if e.deps.Completer == nil {
		return fallback(SourceFallback, errors.NewTransientProvider(nil, "none"))
	}

	creq := prompt(ctx)
	creq.MaxTokens = t.maxTokens
	creq.Temperature = t.temperature
	creq.Model = t.model

	observe := metrics.ObserveCompletion(t.name)
	raw, err := e.deps.Completer.Complete(ctx, creq)
	observe()
	if err != nil {
		logger.WithError(err).Warn("Completion failed, using rule-based suggestions")
		return fallback(SourceFallback, err)
	}

	parsed := Parse(raw)
	metrics.RecordParseStrategy(string(parsed.Strategy))
	if !parsed.OK {
		logger.WithField("reason", parsed.Reason).Warn("Model output could not be parsed, using rule-based suggestions")
		return fallback(SourceFallback, parsed.Err())
	}
	if parsed.Strategy != StrategyDirect {
		logger.WithField("strategy", parsed.Strategy).Debug("Recovered malformed model output")
	}

	res.Suggestions = parsed.Suggestions
	res.Source = SourceModel
	res.Strategy = parsed.Strategy
	if e.deps.Cache != nil {
		e.deps.Cache.Set(key, append([]Suggestion(nil), parsed.Suggestions...))
	}
	return res
}

// CacheKey identifies a transcript window per tier. Every word of the window
// takes part, so only a repeat of the same speech hits the cache; case and
// punctuation are ignored.
func CacheKey(tier, window string) string {
	normalized := strings.TrimSpace(normalizeWords(window))
	return tier + ":" + strconv.FormatUint(xxhash.Sum64String(normalized), 16)
}
