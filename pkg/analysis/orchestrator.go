package analysis

import (
	"context"
	"encoding/json"
	"time"

	"callpilot/pkg/errors"
	"callpilot/pkg/llm"
	"callpilot/pkg/messaging"
	"callpilot/pkg/metrics"
	"callpilot/pkg/records"
	"callpilot/pkg/suggest"
	"callpilot/pkg/telemetry/tracing"
	"callpilot/pkg/util"
	"callpilot/pkg/webhook"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// Stage names used in logs and metrics
const (
	StageCallAnalysis     = "call_analysis"
	StageAgentFeedback    = "agent_feedback"
	StageCallSummary      = "call_summary"
	StageEnhancedAnalysis = "enhanced_analysis"
)

// Config holds orchestrator settings
type Config struct {
	// EnhancedMinLength is the transcript length above which the enhanced stage runs
	EnhancedMinLength int `json:"enhanced_min_length" env:"ANALYSIS_ENHANCED_MIN_LENGTH" default:"50"`

	// PersistRetryDelay is the pause before the final write is retried
	PersistRetryDelay time.Duration `json:"persist_retry_delay" env:"ANALYSIS_PERSIST_RETRY_DELAY" default:"1s"`

	// Model used for every analysis stage
	Model string `json:"model" env:"ANALYSIS_MODEL" default:"gpt-4o-mini"`
}

// DefaultConfig returns the default orchestrator settings
func DefaultConfig() *Config {
	return &Config{
		EnhancedMinLength: 50,
		PersistRetryDelay: time.Second,
		Model:             "gpt-4o-mini",
	}
}

// Deps are the collaborators of the orchestrator. Completer, Broadcaster,
// Webhooks and Supervisor are optional.
type Deps struct {
	Records     records.Store
	Completer   llm.Completer
	Broadcaster messaging.Broadcaster
	Webhooks    webhook.Sender
	Supervisor  *util.Supervisor
	Clock       util.Clock
	Logger      *logrus.Logger

	// Sleep waits between persistence attempts; tests replace it
	Sleep func(ctx context.Context, d time.Duration) error
}

// Job is one end-of-call analysis request
type Job struct {
	CallID     string
	Transcript string
	Outcome    records.Outcome
}

// Orchestrator runs the end-of-call analysis stages and publishes the result
type Orchestrator struct {
	cfg  Config
	deps Deps
}

// NewOrchestrator creates an orchestrator
func NewOrchestrator(cfg *Config, deps Deps) *Orchestrator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	deps.Clock = util.OrRealClock(deps.Clock)
	if deps.Logger == nil {
		deps.Logger = logrus.New()
	}
	if deps.Sleep == nil {
		deps.Sleep = sleepContext
	}
	return &Orchestrator{cfg: *cfg, deps: deps}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes the stages, persists the result, marks the call completed,
// broadcasts the analysis and spawns webhook delivery. Stage failures leave
// their section nil; the returned error only reports a failed final write.
func (o *Orchestrator) Run(ctx context.Context, job Job) (*Result, error) {
	logger := o.deps.Logger.WithField("call_id", job.CallID)
	start := o.deps.Clock.Now()
	observe := metrics.ObserveAnalysis()
	defer observe()

	ctx, span := tracing.StartSpan(ctx, "analysis.run")
	defer span.End()

	transcript := job.Transcript
	startedAt := start
	if rec, err := o.deps.Records.FindByCallID(ctx, job.CallID); err == nil {
		if transcript == "" {
			transcript = rec.Transcript
		}
		startedAt = rec.StartedAt
	}

	if _, err := o.deps.Records.CompareAndSetStatus(ctx, job.CallID,
		records.StatusInProgress, records.StatusAnalysisRunning, records.OutcomeNone); err != nil {
		logger.WithError(err).Debug("Could not mark analysis as running")
	}

	result := &Result{CallID: job.CallID, Outcome: job.Outcome}

	var g errgroup.Group
	g.Go(func() error {
		chainCtx, chainSpan := tracing.StartSpan(ctx, "analysis.chain")
		defer chainSpan.End()
		o.runChain(chainCtx, logger, transcript, result)
		return nil
	})
	g.Go(func() error {
		if len(transcript) <= o.cfg.EnhancedMinLength {
			metrics.RecordAnalysisStage(StageEnhancedAnalysis, "skipped")
			return nil
		}
		enhancedCtx, enhancedSpan := tracing.StartSpan(ctx, "analysis."+StageEnhancedAnalysis)
		defer enhancedSpan.End()
		result.EnhancedAnalysis = o.enhancedAnalysis(enhancedCtx, logger, transcript)
		return nil
	})
	_ = g.Wait()

	result.CompletedAt = o.deps.Clock.Now()
	result.ProcessingTime = result.CompletedAt.Sub(start)

	persistErr := o.persist(ctx, logger, result)
	tracing.RecordError(ctx, persistErr)

	o.broadcast(result)
	result.Webhook = o.spawnWebhook(logger, transcript, webhook.CallMetadata{
		CallID:      job.CallID,
		Outcome:     string(job.Outcome),
		StartedAt:   startedAt,
		CompletedAt: result.CompletedAt,
	})

	logger.WithFields(logrus.Fields{
		"call_analysis":     result.CallAnalysis != nil,
		"agent_feedback":    result.AgentFeedback != nil,
		"call_summary":      result.CallSummary != nil,
		"enhanced_analysis": result.EnhancedAnalysis != nil,
		"processing_time":   result.ProcessingTime,
	}).Info("End-of-call analysis finished")

	return result, persistErr
}

// runChain runs the dependent stages; each one needs the previous to succeed
func (o *Orchestrator) runChain(ctx context.Context, logger *logrus.Entry, transcript string, result *Result) {
	ca, err := o.callAnalysis(ctx, logger, transcript)
	if err != nil {
		o.stageFailed(ctx, logger, StageCallAnalysis, err)
		return
	}
	result.CallAnalysis = ca
	metrics.RecordAnalysisStage(StageCallAnalysis, "success")

	fb := &AgentFeedback{}
	if err := o.complete(ctx, buildAgentFeedbackPrompt(transcript, ca), 1000, 0.4, fb); err != nil {
		o.stageFailed(ctx, logger, StageAgentFeedback, err)
		return
	}
	if err := normalizeFeedback(fb); err != nil {
		o.stageFailed(ctx, logger, StageAgentFeedback, err)
		return
	}
	result.AgentFeedback = fb
	metrics.RecordAnalysisStage(StageAgentFeedback, "success")

	cs := &CallSummary{}
	if err := o.complete(ctx, buildCallSummaryPrompt(transcript, ca, fb), 800, 0.4, cs); err != nil {
		o.stageFailed(ctx, logger, StageCallSummary, err)
		return
	}
	if cs.OverallAssessment == "" {
		o.stageFailed(ctx, logger, StageCallSummary, errors.NewMalformedModelOutput("summary has no overall assessment"))
		return
	}
	if cs.KeyOutcomes == nil {
		cs.KeyOutcomes = []string{}
	}
	result.CallSummary = cs
	metrics.RecordAnalysisStage(StageCallSummary, "success")
}

// callAnalysis computes the heuristic analysis and merges the model's
// summary when available. A model failure keeps the heuristic values.
func (o *Orchestrator) callAnalysis(ctx context.Context, logger *logrus.Entry, transcript string) (*CallAnalysis, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	segments := ParseTranscript(transcript)
	if len(segments) == 0 {
		return nil, errors.NewInvalidInput("transcript has no speaker-tagged lines")
	}
	ca := HeuristicAnalysis(segments)

	var enrich struct {
		Summary            string   `json:"summary"`
		KeyTopics          []string `json:"keyTopics"`
		CustomerEngagement *Score   `json:"customerEngagement"`
		AgentPerformance   *Score   `json:"agentPerformance"`
	}
	if err := o.complete(ctx, buildCallAnalysisPrompt(transcript), 500, 0.3, &enrich); err != nil {
		logger.WithError(err).Debug("Model enrichment of call analysis unavailable, keeping heuristics")
		return ca, nil
	}

	if enrich.Summary != "" {
		ca.Summary = enrich.Summary
		ca.ModelEnriched = true
	}
	if len(enrich.KeyTopics) > 0 {
		ca.KeyTopics = enrich.KeyTopics
		ca.ModelEnriched = true
	}
	if enrich.CustomerEngagement != nil {
		ca.CustomerEngagement = enrich.CustomerEngagement.Clamp(0, 1)
	}
	if enrich.AgentPerformance != nil {
		ca.AgentPerformance = enrich.AgentPerformance.Clamp(0, 1)
	}
	return ca, nil
}

// enhancedAnalysis asks the model and falls back to keyword extraction
func (o *Orchestrator) enhancedAnalysis(ctx context.Context, logger *logrus.Entry, transcript string) *EnhancedAnalysis {
	heuristic := HeuristicEnhanced(transcript)

	ea := &EnhancedAnalysis{}
	if err := o.complete(ctx, buildEnhancedPrompt(transcript), 1200, 0.3, ea); err != nil {
		logger.WithError(err).Debug("Model enhanced analysis unavailable, using heuristics")
		metrics.RecordAnalysisStage(StageEnhancedAnalysis, "fallback")
		return heuristic
	}

	ea.Source = sourceModel
	switch ea.MoodAnalysis.Mood {
	case suggest.MoodPositive, suggest.MoodNeutral, suggest.MoodNegative:
		ea.MoodAnalysis.Confidence = ea.MoodAnalysis.Confidence.Clamp(0, 1)
	default:
		ea.MoodAnalysis = heuristic.MoodAnalysis
	}
	if ea.CompetitorAnalysis.Competitors == nil {
		ea.CompetitorAnalysis.Competitors = heuristic.CompetitorAnalysis.Competitors
	}
	if ea.JargonDetection.Jargon == nil {
		ea.JargonDetection.Jargon = heuristic.JargonDetection.Jargon
	}
	if ea.BusinessDetails.CuisineTypes == nil {
		ea.BusinessDetails.CuisineTypes = []string{}
	}
	if ea.KeyInformation.Summary == nil && ea.KeyInformation.ImportantPoints == nil && ea.KeyInformation.ActionItems == nil {
		ea.KeyInformation = heuristic.KeyInformation
	}
	metrics.RecordAnalysisStage(StageEnhancedAnalysis, "success")
	return ea
}

// complete runs one model call and decodes the object into out
func (o *Orchestrator) complete(ctx context.Context, prompt string, maxTokens int, temperature float64, out interface{}) error {
	if o.deps.Completer == nil {
		return errors.New("no completion provider configured")
	}
	raw, err := o.deps.Completer.Complete(ctx, llm.CompletionRequest{
		System:      analystSystemPrompt,
		User:        prompt,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		Model:       o.cfg.Model,
	})
	if err != nil {
		return err
	}
	return decodeModelObject(raw, out)
}

func (o *Orchestrator) stageFailed(ctx context.Context, logger *logrus.Entry, stage string, err error) {
	logger.WithError(err).WithField("stage", stage).Warn("Analysis stage failed")
	tracing.RecordError(ctx, err, attribute.String("analysis.stage", stage))
	metrics.RecordAnalysisStage(stage, "failure")
}

func normalizeFeedback(fb *AgentFeedback) error {
	if fb.PerformanceScore == 0 && fb.OverallFeedback == "" {
		return errors.NewMalformedModelOutput("feedback has neither score nor overall feedback")
	}
	if fb.PerformanceScore != 0 {
		fb.PerformanceScore = fb.PerformanceScore.Clamp(1, 10)
	}
	for _, r := range []*Rating{&fb.ConversationQuality, &fb.SalesTechniques, &fb.CustomerHandling} {
		if r.Rating != 0 {
			r.Rating = r.Rating.Clamp(1, 10)
		}
	}
	if fb.Strengths == nil {
		fb.Strengths = []string{}
	}
	if fb.Improvements == nil {
		fb.Improvements = []string{}
	}
	if fb.NextSteps == nil {
		fb.NextSteps = []string{}
	}
	return nil
}

// persist writes the analysis and completes the call, retrying once
func (o *Orchestrator) persist(ctx context.Context, logger *logrus.Entry, result *Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return errors.Wrap(err, "failed to encode analysis")
	}
	update := records.AnalysisUpdate{
		Analysis:    data,
		Status:      records.StatusCompleted,
		Outcome:     result.Outcome,
		CompletedAt: result.CompletedAt,
	}

	err = o.deps.Records.UpdateAnalysis(ctx, result.CallID, update)
	if err == nil {
		return nil
	}
	logger.WithError(err).Warn("Failed to persist analysis, retrying once")

	if sleepErr := o.deps.Sleep(ctx, o.cfg.PersistRetryDelay); sleepErr != nil {
		o.releaseCall(ctx, logger, result)
		return errors.NewPersistenceWrite(err, result.CallID)
	}
	if err = o.deps.Records.UpdateAnalysis(ctx, result.CallID, update); err != nil {
		logger.WithError(err).Error("Failed to persist analysis after retry")
		o.releaseCall(ctx, logger, result)
		return errors.NewPersistenceWrite(err, result.CallID)
	}
	return nil
}

// releaseCall completes a call whose analysis could not be written, so the
// record does not stay in analysis_running
func (o *Orchestrator) releaseCall(ctx context.Context, logger *logrus.Entry, result *Result) {
	_, err := o.deps.Records.CompareAndSetStatus(context.WithoutCancel(ctx), result.CallID,
		records.StatusAnalysisRunning, records.StatusCompleted, result.Outcome)
	if err != nil {
		logger.WithError(err).Warn("Failed to complete call without analysis")
	}
}

func (o *Orchestrator) broadcast(result *Result) {
	if o.deps.Broadcaster == nil {
		return
	}
	fields := map[string]interface{}{
		"call_analysis":     result.CallAnalysis,
		"agent_feedback":    result.AgentFeedback,
		"call_summary":      result.CallSummary,
		"enhanced_analysis": result.EnhancedAnalysis,
		"outcome":           result.Outcome,
	}
	metadata := map[string]interface{}{
		"processing_time_ms": result.ProcessingTime.Milliseconds(),
	}
	o.deps.Broadcaster.Broadcast(result.CallID,
		messaging.NewMessage(messaging.TypeAnalysisComplete, result.CallID, fields, metadata))
}

// spawnWebhook delivers the transcript in the background. Delivery failures
// are logged by the sender and never reach the caller.
func (o *Orchestrator) spawnWebhook(logger *logrus.Entry, transcript string, meta webhook.CallMetadata) *util.TaskHandle {
	if o.deps.Webhooks == nil {
		return nil
	}
	deliver := func(ctx context.Context) error {
		results := o.deps.Webhooks.Send(ctx, transcript, meta)
		failed := 0
		for _, r := range results {
			if !r.Success() {
				failed++
			}
		}
		if failed > 0 {
			logger.WithFields(logrus.Fields{
				"failed":    failed,
				"endpoints": len(results),
			}).Warn("Some webhook deliveries failed")
		}
		return nil
	}

	if o.deps.Supervisor == nil {
		_ = deliver(context.Background())
		return nil
	}
	return o.deps.Supervisor.Go("webhook_delivery", logrus.Fields{"call_id": meta.CallID}, deliver)
}

// DetermineOutcome classifies a finished call from its live signals: a
// positive customer who was offered a product counts as successful.
func DetermineOutcome(mood *suggest.MoodAnalysis, suggestions []suggest.Suggestion) records.Outcome {
	if mood == nil || mood.Mood != suggest.MoodPositive {
		return records.OutcomeFollowUp
	}
	for _, s := range suggestions {
		if s.Type == suggest.TypeProductRecommendation {
			return records.OutcomeSuccessful
		}
	}
	return records.OutcomeFollowUp
}
