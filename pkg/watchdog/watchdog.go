// Package watchdog auto-completes calls that stop receiving fragments.
package watchdog

import (
	"context"
	"time"

	"callpilot/pkg/analysis"
	"callpilot/pkg/callstate"
	"callpilot/pkg/metrics"
	"callpilot/pkg/records"
	"callpilot/pkg/scheduler"
	"callpilot/pkg/telemetry/tracing"

	"github.com/sirupsen/logrus"
)

const keyPrefix = "watchdog:"

// Config holds watchdog settings
type Config struct {
	// InactivityWindow is how long a call may go without fragments
	InactivityWindow time.Duration `json:"inactivity_window" env:"WATCHDOG_INACTIVITY_WINDOW" default:"30s"`

	// MinAnalysisLength is the transcript length above which an abandoned
	// call still gets the end-of-call analysis
	MinAnalysisLength int `json:"min_analysis_length" env:"WATCHDOG_MIN_ANALYSIS_LENGTH" default:"100"`
}

// DefaultConfig returns the default watchdog settings
func DefaultConfig() *Config {
	return &Config{
		InactivityWindow:  30 * time.Second,
		MinAnalysisLength: 100,
	}
}

// Analyzer runs the end-of-call analysis
type Analyzer interface {
	Run(ctx context.Context, job analysis.Job) (*analysis.Result, error)
}

// Deps are the watchdog collaborators. States and Analyzer are optional.
type Deps struct {
	Scheduler scheduler.Scheduler
	Records   records.Store
	States    callstate.Store
	Analyzer  Analyzer
	Logger    *logrus.Logger

	// BaseContext is used for work done when a timer fires
	BaseContext context.Context
}

// Watchdog keeps one inactivity timer per call
type Watchdog struct {
	cfg  Config
	deps Deps
}

// New creates a watchdog
func New(cfg *Config, deps Deps) *Watchdog {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if deps.BaseContext == nil {
		deps.BaseContext = context.Background()
	}
	return &Watchdog{cfg: *cfg, deps: deps}
}

// Touch restarts the inactivity timer of a call
func (w *Watchdog) Touch(callID string) {
	w.deps.Scheduler.ScheduleOnce(keyPrefix+callID, w.cfg.InactivityWindow, func() {
		w.fire(w.deps.BaseContext, callID)
	})
}

// Cancel stops the timer of a call and reports whether one was pending
func (w *Watchdog) Cancel(callID string) bool {
	return w.deps.Scheduler.Cancel(keyPrefix + callID)
}

// fire completes an inactive call. The status compare-and-set makes sure a
// call is completed once even when an explicit completion races the timer.
func (w *Watchdog) fire(ctx context.Context, callID string) {
	logger := w.deps.Logger.WithField("call_id", callID)

	rec, err := w.deps.Records.FindByCallID(ctx, callID)
	if err != nil {
		logger.WithError(err).Warn("Watchdog fired for unknown call")
		return
	}
	if rec.Status != records.StatusInProgress {
		logger.WithField("status", rec.Status).Debug("Call already completing, watchdog stands down")
		w.dropState(ctx, logger, callID)
		return
	}

	analyze := w.deps.Analyzer != nil && len(rec.Transcript) > w.cfg.MinAnalysisLength
	target := records.StatusCompleted
	if analyze {
		target = records.StatusAnalysisRunning
	}

	won, err := w.deps.Records.CompareAndSetStatus(ctx, callID, records.StatusInProgress, target, records.OutcomeAutoCompleted)
	if err != nil {
		logger.WithError(err).Error("Failed to auto-complete call")
		return
	}
	if !won {
		logger.Debug("Call completed concurrently, watchdog stands down")
		return
	}

	metrics.RecordWatchdogCompletion()
	logger.WithFields(logrus.Fields{
		"transcript_length": len(rec.Transcript),
		"analyze":           analyze,
	}).Info("Auto-completing inactive call")

	w.dropState(ctx, logger, callID)

	if !analyze {
		tracing.EndCallScope(callID, nil)
		return
	}
	_, err = w.deps.Analyzer.Run(tracing.WithCallSpan(ctx, callID), analysis.Job{
		CallID:     callID,
		Transcript: rec.Transcript,
		Outcome:    records.OutcomeAutoCompleted,
	})
	tracing.EndCallScope(callID, err)
	if err != nil {
		logger.WithError(err).Error("End-of-call analysis failed for auto-completed call")
	}
}

func (w *Watchdog) dropState(ctx context.Context, logger *logrus.Entry, callID string) {
	if w.deps.States == nil {
		return
	}
	if err := w.deps.States.Delete(ctx, callID); err != nil {
		logger.WithError(err).Warn("Failed to delete live call state")
		return
	}
	if n, err := w.deps.States.Count(ctx); err == nil {
		metrics.SetLiveCalls(n)
	}
}
