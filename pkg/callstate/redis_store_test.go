package callstate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client, time.Hour, newTestLogger()), mr
}

func TestRedisStore_GetCreatesDefault(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	state, err := store.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", state.CallID)
	assert.True(t, mr.Exists(redisKey("c1")))
	assert.Equal(t, time.Hour, mr.TTL(redisKey("c1")))
}

func TestRedisStore_UpdateAndDelete(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()

	state, err := store.Update(ctx, "c1", func(s *State) {
		s.ProcessingCount = 2
		s.LastMeaningfulChunk = "hello"
	})
	require.NoError(t, err)
	assert.Equal(t, 2, state.ProcessingCount)

	loaded, err := store.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.ProcessingCount)
	assert.Equal(t, "hello", loaded.LastMeaningfulChunk)

	_, err = store.Update(ctx, "c2", func(s *State) {})
	require.NoError(t, err)
	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, store.Delete(ctx, "c1"))
	n, err = store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRedisStore_ConcurrentUpdatesAreSerialized(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Update(ctx, "c1", func(s *State) { s.ProcessingCount++ }); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	state, err := store.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, succeeded, state.ProcessingCount)
}

func TestRedisStore_WithTriggerEngine(t *testing.T) {
	store, _ := newRedisStore(t)
	e := NewEngine(nil)

	d, state, err := e.Evaluate(context.Background(), store, "c1",
		"What's your monthly cost and are there setup fees?", SpeakerCustomer, testNow)
	require.NoError(t, err)
	assert.True(t, d.Trigger)
	assert.Equal(t, 1, state.ProcessingCount)
	assert.True(t, state.CooldownUntil.Equal(testNow.Add(2*time.Second)))
}
