// Package livecall wires the live fragment path: state, trigger decision,
// tiered suggestions, broadcast and call completion.
package livecall

import (
	"context"
	"strings"

	"callpilot/pkg/analysis"
	"callpilot/pkg/callstate"
	"callpilot/pkg/errors"
	"callpilot/pkg/messaging"
	"callpilot/pkg/metrics"
	"callpilot/pkg/records"
	"callpilot/pkg/suggest"
	"callpilot/pkg/telemetry/tracing"
	"callpilot/pkg/util"
	"callpilot/pkg/watchdog"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Broadcaster pushes messages to agent-facing subscribers
type Broadcaster = messaging.Broadcaster

// Reasons reported for fragments that never reach the trigger engine
const (
	ReasonInvalidFragment = "invalid_fragment"
	ReasonCallClosed      = "call_closed"
	ReasonStateError      = "state_error"
)

// Fragment is one transcription event for a live call
type Fragment struct {
	CallID          string  `json:"call_id"`
	Speaker         string  `json:"speaker"`
	TranscriptDelta string  `json:"transcript_delta"`
	FullTranscript  string  `json:"full_transcript"`
	Confidence      float64 `json:"confidence"`
}

// Outcome reports what happened to a fragment
type Outcome struct {
	Triggered bool
	Reason    string
	Fast      *suggest.Result

	// Enhanced is the background enhanced-tier task, nil when not triggered
	Enhanced *util.TaskHandle
}

// Analyzer runs the end-of-call analysis
type Analyzer interface {
	Run(ctx context.Context, job analysis.Job) (*analysis.Result, error)
}

// Deps are the pipeline collaborators. Watchdog and Broadcaster are optional.
type Deps struct {
	States      callstate.Store
	Records     records.Store
	Engine      *callstate.Engine
	Fast        suggest.Generator
	Enhanced    suggest.Generator
	Watchdog    *watchdog.Watchdog
	Analyzer    Analyzer
	Broadcaster Broadcaster
	Supervisor  *util.Supervisor
	Clock       util.Clock
	Logger      *logrus.Logger
}

// Pipeline processes live fragments and call completions
type Pipeline struct {
	deps Deps
}

// NewPipeline creates a pipeline
func NewPipeline(deps Deps) *Pipeline {
	deps.Clock = util.OrRealClock(deps.Clock)
	if deps.Engine == nil {
		deps.Engine = callstate.NewEngine(nil)
	}
	if deps.Broadcaster == nil {
		deps.Broadcaster = messaging.MultiBroadcaster{}
	}
	return &Pipeline{deps: deps}
}

// TagLine formats a transcript line for the call record
func TagLine(speaker callstate.Speaker, text string) string {
	if speaker == callstate.SpeakerCustomer {
		return "[Customer]: " + text
	}
	return "[Agent]: " + text
}

// HandleFragment records a fragment and, when the trigger engine agrees,
// produces suggestions. It never fails: problems are logged and reported
// through the outcome reason.
func (p *Pipeline) HandleFragment(ctx context.Context, f Fragment) Outcome {
	speaker := callstate.ParseSpeaker(f.Speaker)
	metrics.RecordFragment(string(speaker))

	if strings.TrimSpace(f.CallID) == "" {
		return Outcome{Reason: ReasonInvalidFragment}
	}
	logger := p.deps.Logger.WithFields(logrus.Fields{
		"call_id": f.CallID,
		"speaker": speaker,
	})

	rec, err := p.deps.Records.EnsureCall(ctx, f.CallID)
	if err != nil {
		logger.WithError(err).Warn("Failed to ensure call record")
	} else if rec.Status != records.StatusInProgress {
		logger.WithField("status", rec.Status).Debug("Fragment for a closed call ignored")
		return Outcome{Reason: ReasonCallClosed}
	}

	tracing.StartCallScope(f.CallID)
	ctx, span := tracing.StartSpan(tracing.WithCallSpan(ctx, f.CallID), "fragment.handle",
		trace.WithAttributes(attribute.String("speaker", string(speaker))))
	defer span.End()

	if delta := strings.TrimSpace(f.TranscriptDelta); delta != "" {
		if err := p.deps.Records.AppendTranscript(ctx, f.CallID, TagLine(speaker, delta)); err != nil {
			logger.WithError(err).Warn("Failed to append transcript line")
		}
	}

	transcript := f.FullTranscript
	if transcript == "" {
		transcript = f.TranscriptDelta
	}

	if p.deps.Watchdog != nil {
		p.deps.Watchdog.Touch(f.CallID)
	}

	decision, _, err := p.deps.Engine.Evaluate(ctx, p.deps.States, f.CallID, transcript, speaker, p.deps.Clock.Now())
	if err != nil {
		logger.WithError(err).Error("Failed to update call state")
		tracing.RecordError(ctx, err)
		return Outcome{Reason: ReasonStateError}
	}
	// A completion may have landed after the status check above
	if p.closedMeanwhile(ctx, logger, f.CallID) {
		return Outcome{Reason: ReasonCallClosed}
	}
	metrics.RecordTrigger(decision.Trigger, decision.Reason)
	span.SetAttributes(
		attribute.Bool("trigger.fired", decision.Trigger),
		attribute.String("trigger.reason", decision.Reason),
	)
	p.updateLiveGauge(ctx)

	if !decision.Trigger {
		logger.WithField("reason", decision.Reason).Debug("Fragment did not trigger suggestions")
		return Outcome{Reason: decision.Reason}
	}

	req := suggest.Request{CallID: f.CallID, Transcript: transcript, Reason: decision.Reason}

	fastCtx, fastSpan := tracing.StartSpan(ctx, "suggest.fast")
	fast := p.deps.Fast.Generate(fastCtx, req)
	fastSpan.SetAttributes(attribute.String("suggest.source", fast.Source))
	fastSpan.End()
	p.publish(messaging.TypeInstantSuggestions, f.CallID, decision.Reason, &fast)
	p.persistLive(ctx, logger, f.CallID, &fast)

	out := Outcome{Triggered: true, Reason: decision.Reason, Fast: &fast}
	if p.deps.Enhanced != nil && p.deps.Supervisor != nil {
		out.Enhanced = p.deps.Supervisor.Go("enhanced_suggestions", logrus.Fields{"call_id": f.CallID},
			func(taskCtx context.Context) error {
				taskCtx, span := tracing.StartSpan(tracing.WithCallSpan(taskCtx, f.CallID), "suggest.enhanced")
				defer span.End()
				res := p.deps.Enhanced.Generate(taskCtx, req)
				span.SetAttributes(attribute.String("suggest.source", res.Source))
				p.publish(messaging.TypeEnhancedSuggestions, f.CallID, decision.Reason, &res)
				p.persistLive(taskCtx, logger, f.CallID, &res)
				return res.Err
			})
	}

	logger.WithFields(logrus.Fields{
		"reason":      decision.Reason,
		"source":      fast.Source,
		"suggestions": len(fast.Suggestions),
	}).Info("Delivered instant suggestions")
	return out
}

// closedMeanwhile reports whether callID left in_progress while a fragment
// was handled, and undoes the live state and timer that fragment re-created
func (p *Pipeline) closedMeanwhile(ctx context.Context, logger *logrus.Entry, callID string) bool {
	rec, err := p.deps.Records.FindByCallID(ctx, callID)
	if err != nil || rec.Status == records.StatusInProgress {
		return false
	}
	logger.WithField("status", rec.Status).Debug("Call closed while the fragment was handled")

	if p.deps.Watchdog != nil {
		p.deps.Watchdog.Cancel(callID)
	}
	if err := p.deps.States.Delete(ctx, callID); err != nil {
		logger.WithError(err).Warn("Failed to delete live call state")
	}
	p.updateLiveGauge(ctx)
	// A running analysis ends the call scope itself
	if rec.Status == records.StatusCompleted {
		tracing.EndCallScope(callID, nil)
	}
	return true
}

func (p *Pipeline) publish(msgType, callID, reason string, res *suggest.Result) {
	fields := map[string]interface{}{
		"suggestions":   res.Suggestions,
		"mood_analysis": res.Mood,
		"source":        res.Source,
		"tier":          res.Tier,
	}
	if len(res.Competitors) > 0 {
		fields["competitors"] = res.Competitors
	}
	metadata := map[string]interface{}{
		"reason":             reason,
		"processing_time_ms": res.Duration.Milliseconds(),
	}
	p.deps.Broadcaster.Broadcast(callID, messaging.NewMessage(msgType, callID, fields, metadata))
}

func (p *Pipeline) persistLive(ctx context.Context, logger *logrus.Entry, callID string, res *suggest.Result) {
	mood := res.Mood
	if err := p.deps.Records.UpdateLive(ctx, callID, res.Suggestions, &mood); err != nil {
		logger.WithError(err).Warn("Failed to persist live suggestions")
	}
}

func (p *Pipeline) updateLiveGauge(ctx context.Context) {
	if n, err := p.deps.States.Count(ctx); err == nil {
		metrics.SetLiveCalls(n)
	}
}

// CompleteCall finishes a call explicitly and starts the end-of-call
// analysis in the background. Completing an already finished call is a
// no-op that returns a nil handle.
func (p *Pipeline) CompleteCall(ctx context.Context, callID string, outcome records.Outcome) (*util.TaskHandle, error) {
	logger := p.deps.Logger.WithField("call_id", callID)

	rec, err := p.deps.Records.FindByCallID(ctx, callID)
	if err != nil {
		return nil, err
	}

	won, err := p.deps.Records.CompareAndSetStatus(ctx, callID, records.StatusInProgress, records.StatusAnalysisRunning, records.OutcomeNone)
	if err != nil {
		return nil, errors.Wrap(err, "failed to mark call as completing", map[string]interface{}{"call_id": callID})
	}
	if !won {
		logger.Debug("Call already completing, ignoring completion")
		return nil, nil
	}

	if p.deps.Watchdog != nil {
		p.deps.Watchdog.Cancel(callID)
	}
	if err := p.deps.States.Delete(ctx, callID); err != nil {
		logger.WithError(err).Warn("Failed to delete live call state")
	}
	p.updateLiveGauge(ctx)

	if outcome == records.OutcomeNone {
		outcome = analysis.DetermineOutcome(rec.Mood, rec.Suggestions)
	}
	logger.WithField("outcome", outcome).Info("Completing call")

	if p.deps.Analyzer == nil {
		_, err := p.deps.Records.CompareAndSetStatus(ctx, callID, records.StatusAnalysisRunning, records.StatusCompleted, outcome)
		tracing.EndCallScope(callID, err)
		if err != nil {
			return nil, errors.Wrap(err, "failed to complete call", map[string]interface{}{"call_id": callID})
		}
		return nil, nil
	}

	// The analyzer reloads the transcript so late appends are included
	job := analysis.Job{CallID: callID, Outcome: outcome}
	run := func(taskCtx context.Context) error {
		_, err := p.deps.Analyzer.Run(tracing.WithCallSpan(taskCtx, callID), job)
		tracing.EndCallScope(callID, err)
		return err
	}
	if p.deps.Supervisor == nil {
		return nil, run(ctx)
	}
	return p.deps.Supervisor.Go("end_of_call_analysis", logrus.Fields{"call_id": callID}, run), nil
}
