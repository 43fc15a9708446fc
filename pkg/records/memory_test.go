package records

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"callpilot/pkg/errors"
	"callpilot/pkg/suggest"
	"callpilot/pkg/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore() (*MemoryStore, *util.FakeClock) {
	clock := util.NewFakeClock(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	return NewMemoryStore(clock), clock
}

func TestMemoryStore_EnsureAndFind(t *testing.T) {
	store, clock := newStore()
	ctx := context.Background()

	_, err := store.FindByCallID(ctx, "c1")
	assert.True(t, errors.HasCode(err, errors.CodeNotFound))

	r, err := store.EnsureCall(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, r.Status)
	assert.Equal(t, clock.Now(), r.StartedAt)

	clock.Advance(time.Minute)
	again, err := store.EnsureCall(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, r.StartedAt, again.StartedAt, "existing record is kept")

	_, err = store.EnsureCall(ctx, " ")
	assert.True(t, errors.HasCode(err, errors.CodeInvalidInput))
}

func TestMemoryStore_AppendTranscript(t *testing.T) {
	store, _ := newStore()
	ctx := context.Background()

	assert.Error(t, store.AppendTranscript(ctx, "missing", "[Customer]: hi"))

	_, _ = store.EnsureCall(ctx, "c1")
	require.NoError(t, store.AppendTranscript(ctx, "c1", "[Customer]: Hello"))
	require.NoError(t, store.AppendTranscript(ctx, "c1", "[Agent]: Hi there"))

	r, err := store.FindByCallID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "[Customer]: Hello\n[Agent]: Hi there", r.Transcript)
}

func TestMemoryStore_CompareAndSetStatusExactlyOnce(t *testing.T) {
	store, _ := newStore()
	ctx := context.Background()
	_, _ = store.EnsureCall(ctx, "c1")

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.CompareAndSetStatus(ctx, "c1", StatusInProgress, StatusAnalysisRunning, OutcomeAutoCompleted)
			if err == nil && ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)

	r, _ := store.FindByCallID(ctx, "c1")
	assert.Equal(t, StatusAnalysisRunning, r.Status)
	assert.Equal(t, OutcomeAutoCompleted, r.Outcome)
	assert.Nil(t, r.CompletedAt)

	ok, err := store.CompareAndSetStatus(ctx, "c1", StatusAnalysisRunning, StatusCompleted, OutcomeNone)
	require.NoError(t, err)
	assert.True(t, ok)
	r, _ = store.FindByCallID(ctx, "c1")
	assert.Equal(t, OutcomeAutoCompleted, r.Outcome, "empty outcome keeps the previous one")
	assert.NotNil(t, r.CompletedAt)

	_, err = store.CompareAndSetStatus(ctx, "missing", StatusInProgress, StatusCompleted, OutcomeNone)
	assert.Error(t, err)
}

func TestMemoryStore_UpdateAnalysisAndLive(t *testing.T) {
	store, clock := newStore()
	ctx := context.Background()
	_, _ = store.EnsureCall(ctx, "c1")

	mood := &suggest.MoodAnalysis{Mood: suggest.MoodPositive, Sentiment: 0.5, Emotions: []string{"happy"}}
	sugg := []suggest.Suggestion{{Text: "Offer demo", Type: suggest.TypeOffer, DeliverAs: suggest.DeliverSay, Confidence: 0.8}}
	require.NoError(t, store.UpdateLive(ctx, "c1", sugg, mood))

	done := clock.Now().Add(time.Minute)
	require.NoError(t, store.UpdateAnalysis(ctx, "c1", AnalysisUpdate{
		Analysis:    json.RawMessage(`{"call_analysis":{}}`),
		Status:      StatusCompleted,
		Outcome:     OutcomeSuccessful,
		CompletedAt: done,
	}))

	r, err := store.FindByCallID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, sugg, r.Suggestions)
	assert.Equal(t, mood, r.Mood)
	assert.JSONEq(t, `{"call_analysis":{}}`, string(r.Analysis))
	assert.Equal(t, StatusCompleted, r.Status)
	assert.Equal(t, OutcomeSuccessful, r.Outcome)
	require.NotNil(t, r.CompletedAt)
	assert.Equal(t, done, *r.CompletedAt)

	r.Mood.Emotions[0] = "changed"
	again, _ := store.FindByCallID(ctx, "c1")
	assert.Equal(t, "happy", again.Mood.Emotions[0], "records are returned as copies")
}

func TestMemoryStore_ListAndPurge(t *testing.T) {
	store, clock := newStore()
	ctx := context.Background()
	_, _ = store.EnsureCall(ctx, "old")
	clock.Advance(time.Second)
	_, _ = store.EnsureCall(ctx, "new")

	list := store.List()
	require.Len(t, list, 2)
	assert.Equal(t, "old", list[0].CallID)

	_, _ = store.CompareAndSetStatus(ctx, "old", StatusInProgress, StatusCompleted, OutcomeFollowUp)
	clock.Advance(2 * time.Hour)
	assert.Equal(t, 1, store.Purge(time.Hour))
	assert.Len(t, store.List(), 1)
}

func TestParseOutcome(t *testing.T) {
	o, ok := ParseOutcome("successful")
	assert.True(t, ok)
	assert.Equal(t, OutcomeSuccessful, o)

	_, ok = ParseOutcome("bogus")
	assert.False(t, ok)
}
