package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"callpilot/pkg/errors"
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

func newTestLimiter(burst int, rate float64, daily int64) (*Limiter, *util.FakeClock) {
	clock := util.NewFakeClock(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	cfg := &Config{BurstTokens: burst, RefillPerSecond: rate, DailyTokenLimit: daily}
	return NewLimiter(cfg, clock, newTestLogger()), clock
}

func TestLimiter_CanMakeCall_WithinBurst(t *testing.T) {
	limiter, _ := newTestLimiter(1000, 10, 0)

	assert.True(t, limiter.CanMakeCall("fast_suggestions", 400))
	assert.True(t, limiter.CanMakeCall("fast_suggestions", 400))
	assert.False(t, limiter.CanMakeCall("fast_suggestions", 400), "only 200 tokens remain")
	assert.True(t, limiter.CanMakeCall("fast_suggestions", 200))
}

func TestLimiter_CanMakeCall_SeparateIdentifiers(t *testing.T) {
	limiter, _ := newTestLimiter(500, 10, 0)

	require.True(t, limiter.CanMakeCall("fast_suggestions", 500))
	assert.False(t, limiter.CanMakeCall("fast_suggestions", 1))
	assert.True(t, limiter.CanMakeCall("enhanced_analysis", 500))
}

func TestLimiter_RefillIsExact(t *testing.T) {
	limiter, clock := newTestLimiter(5000, 400, 0)

	require.True(t, limiter.CanMakeCall("fast_suggestions", 5000))
	assert.Equal(t, 0.0, limiter.TokenStatus("fast_suggestions").Tokens)

	clock.Advance(2500 * time.Millisecond)
	assert.InDelta(t, 1000.0, limiter.TokenStatus("fast_suggestions").Tokens, 1e-9)

	clock.Advance(time.Second)
	assert.InDelta(t, 1400.0, limiter.TokenStatus("fast_suggestions").Tokens, 1e-9)
}

func TestLimiter_TokensNeverExceedMax(t *testing.T) {
	limiter, clock := newTestLimiter(5000, 400, 0)

	require.True(t, limiter.CanMakeCall("fast_suggestions", 100))
	clock.Advance(time.Hour)

	status := limiter.TokenStatus("fast_suggestions")
	assert.Equal(t, 5000.0, status.Tokens)
	assert.Equal(t, status.MaxTokens, status.Tokens)
}

func TestLimiter_DailyCap(t *testing.T) {
	limiter, clock := newTestLimiter(1000, 1000, 2500)

	require.True(t, limiter.CanMakeCall("enhanced_analysis", 1000))
	clock.Advance(time.Second)
	require.True(t, limiter.CanMakeCall("enhanced_analysis", 1000))
	clock.Advance(time.Second)

	// bucket is full again but only 500 tokens of daily budget remain
	assert.False(t, limiter.CanMakeCall("enhanced_analysis", 1000))
	assert.True(t, limiter.CanMakeCall("enhanced_analysis", 500))

	status := limiter.TokenStatus("enhanced_analysis")
	assert.Equal(t, int64(2500), status.DailyUsed)

	clock.Advance(24 * time.Hour)
	assert.True(t, limiter.CanMakeCall("enhanced_analysis", 1000), "daily usage resets after 24h")
	assert.Equal(t, int64(1000), limiter.TokenStatus("enhanced_analysis").DailyUsed)
}

func TestLimiter_DeniedCallDoesNotDebit(t *testing.T) {
	limiter, _ := newTestLimiter(100, 1, 0)

	assert.False(t, limiter.CanMakeCall("fast_suggestions", 150))
	assert.Equal(t, 100.0, limiter.TokenStatus("fast_suggestions").Tokens)
}

func TestLimiter_WaitForTokens(t *testing.T) {
	limiter, clock := newTestLimiter(1000, 100, 0)

	var waits []time.Duration
	limiter.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		clock.Advance(d)
		return nil
	}

	require.True(t, limiter.CanMakeCall("enhanced_analysis", 1000))
	require.NoError(t, limiter.WaitForTokens(context.Background(), "enhanced_analysis", 250))

	assert.Equal(t, []time.Duration{3 * time.Second}, waits)
	assert.InDelta(t, 50.0, limiter.TokenStatus("enhanced_analysis").Tokens, 1e-9)
}

func TestLimiter_WaitForTokens_Impossible(t *testing.T) {
	limiter, _ := newTestLimiter(1000, 100, 1500)

	err := limiter.WaitForTokens(context.Background(), "fast_suggestions", 2000)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeRateLimited))

	require.True(t, limiter.CanMakeCall("fast_suggestions", 1000))
	err = limiter.WaitForTokens(context.Background(), "fast_suggestions", 600)
	require.Error(t, err, "daily cap cannot be satisfied by waiting")
	assert.True(t, errors.HasCode(err, errors.CodeRateLimited))
}

func TestLimiter_WaitForTokens_ContextCanceled(t *testing.T) {
	limiter, _ := newTestLimiter(1000, 1, 0)
	require.True(t, limiter.CanMakeCall("fast_suggestions", 1000))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := limiter.WaitForTokens(ctx, "fast_suggestions", 10)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLimiter_Reset(t *testing.T) {
	limiter, _ := newTestLimiter(100, 1, 0)

	require.True(t, limiter.CanMakeCall("fast_suggestions", 100))
	limiter.Reset("fast_suggestions")
	assert.True(t, limiter.CanMakeCall("fast_suggestions", 100))
	assert.Contains(t, limiter.Identifiers(), "fast_suggestions")
}

func TestLimiter_ConcurrentAccess(t *testing.T) {
	limiter, _ := newTestLimiter(1000, 0.0001, 0)

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if limiter.CanMakeCall("shared", 10) {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, allowed, "exactly burst/estimate calls fit in the bucket")
}
