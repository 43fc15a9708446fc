package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"callpilot/pkg/errors"
	"callpilot/pkg/util"

	"github.com/sirupsen/logrus"
)

const dailyWindow = 24 * time.Hour

// Limiter implements a token bucket rate limiter with per-identifier buckets
// and a rolling daily token cap. Identifiers name a call path such as
// "fast_suggestions" or "enhanced_analysis".
type Limiter struct {
	rate       float64 // tokens per second
	burst      float64 // maximum tokens held by a bucket
	dailyLimit int64

	buckets map[string]*bucket
	mu      sync.Mutex
	clock   util.Clock
	logger  *logrus.Logger

	// sleep waits for d or until ctx is done; replaced in tests
	sleep func(ctx context.Context, d time.Duration) error
}

// bucket represents the token state of a single identifier
type bucket struct {
	tokens      float64
	lastRefill  time.Time
	dailyUsed   int64
	windowStart time.Time
}

// Config holds rate limiter configuration
type Config struct {
	// BurstTokens is the maximum number of tokens a bucket can hold
	BurstTokens int `json:"burst_tokens" env:"RATE_LIMIT_BURST_TOKENS" default:"5000"`

	// RefillPerSecond is the continuous refill rate
	RefillPerSecond float64 `json:"refill_per_second" env:"RATE_LIMIT_REFILL_PER_SECOND" default:"400"`

	// DailyTokenLimit caps total tokens debited per identifier in a rolling 24h window
	DailyTokenLimit int64 `json:"daily_token_limit" env:"RATE_LIMIT_DAILY_TOKENS" default:"1000000"`
}

// DefaultConfig returns the default token budget
func DefaultConfig() *Config {
	return &Config{
		BurstTokens:     5000,
		RefillPerSecond: 400,
		DailyTokenLimit: 1000000,
	}
}

// Status describes the budget of one identifier
type Status struct {
	Identifier      string    `json:"identifier"`
	Tokens          float64   `json:"tokens"`
	MaxTokens       float64   `json:"max_tokens"`
	RefillPerSecond float64   `json:"refill_per_second"`
	DailyUsed       int64     `json:"daily_used"`
	DailyLimit      int64     `json:"daily_limit"`
	DailyResetAt    time.Time `json:"daily_reset_at"`
}

// NewLimiter creates a new limiter. A nil clock uses the wall clock.
func NewLimiter(cfg *Config, clock util.Clock, logger *logrus.Logger) *Limiter {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Limiter{
		rate:       cfg.RefillPerSecond,
		burst:      float64(cfg.BurstTokens),
		dailyLimit: cfg.DailyTokenLimit,
		buckets:    make(map[string]*bucket),
		clock:      util.OrRealClock(clock),
		logger:     logger,
		sleep:      sleepContext,
	}
}

// bucketLocked returns the bucket for identifier, refilled to now.
// Callers must hold l.mu.
func (l *Limiter) bucketLocked(identifier string, now time.Time) *bucket {
	b, exists := l.buckets[identifier]
	if !exists {
		b = &bucket{
			tokens:      l.burst,
			lastRefill:  now,
			windowStart: now,
		}
		l.buckets[identifier] = b
		return b
	}

	if elapsed := now.Sub(b.lastRefill).Seconds(); elapsed > 0 {
		b.tokens = math.Min(l.burst, b.tokens+elapsed*l.rate)
		b.lastRefill = now
	}

	if now.Sub(b.windowStart) >= dailyWindow {
		b.dailyUsed = 0
		b.windowStart = now
	}

	return b
}

// CanMakeCall debits estimated tokens from identifier if both the bucket and
// the daily cap allow it. It never blocks.
func (l *Limiter) CanMakeCall(identifier string, estimated int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	b := l.bucketLocked(identifier, now)

	if l.dailyLimit > 0 && b.dailyUsed+int64(estimated) > l.dailyLimit {
		l.logDenied(identifier, estimated, b, "daily limit reached")
		return false
	}

	if b.tokens < float64(estimated) {
		l.logDenied(identifier, estimated, b, "insufficient tokens")
		return false
	}

	b.tokens -= float64(estimated)
	b.dailyUsed += int64(estimated)
	return true
}

func (l *Limiter) logDenied(identifier string, estimated int, b *bucket, reason string) {
	if l.logger == nil {
		return
	}
	l.logger.WithFields(logrus.Fields{
		"identifier": identifier,
		"estimated":  estimated,
		"tokens":     b.tokens,
		"daily_used": b.dailyUsed,
	}).Debug("Token budget denied: " + reason)
}

// WaitForTokens blocks until estimated tokens can be debited from identifier
// or ctx is done. Requests that can never be satisfied fail immediately.
func (l *Limiter) WaitForTokens(ctx context.Context, identifier string, estimated int) error {
	if float64(estimated) > l.burst {
		return errors.NewRateLimited(identifier, map[string]interface{}{
			"estimated": estimated,
			"burst":     l.burst,
		})
	}

	for {
		l.mu.Lock()
		now := l.clock.Now()
		b := l.bucketLocked(identifier, now)

		if l.dailyLimit > 0 && b.dailyUsed+int64(estimated) > l.dailyLimit {
			resetAt := b.windowStart.Add(dailyWindow)
			l.mu.Unlock()
			return errors.NewRateLimited(identifier, map[string]interface{}{
				"daily_reset_at": resetAt,
			})
		}

		if b.tokens >= float64(estimated) {
			b.tokens -= float64(estimated)
			b.dailyUsed += int64(estimated)
			l.mu.Unlock()
			return nil
		}

		missing := float64(estimated) - b.tokens
		l.mu.Unlock()

		wait := time.Duration(math.Ceil(missing/l.rate)) * time.Second
		if l.logger != nil {
			l.logger.WithFields(logrus.Fields{
				"identifier": identifier,
				"wait":       wait,
			}).Debug("Waiting for tokens")
		}

		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// TokenStatus returns the current budget of identifier
func (l *Limiter) TokenStatus(identifier string) Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.bucketLocked(identifier, l.clock.Now())
	return Status{
		Identifier:      identifier,
		Tokens:          b.tokens,
		MaxTokens:       l.burst,
		RefillPerSecond: l.rate,
		DailyUsed:       b.dailyUsed,
		DailyLimit:      l.dailyLimit,
		DailyResetAt:    b.windowStart.Add(dailyWindow),
	}
}

// Identifiers returns the identifiers with a tracked bucket
func (l *Limiter) Identifiers() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	ids := make([]string, 0, len(l.buckets))
	for id := range l.buckets {
		ids = append(ids, id)
	}
	return ids
}

// Reset forgets the bucket of identifier; the next call starts with a full bucket
func (l *Limiter) Reset(identifier string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, identifier)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
