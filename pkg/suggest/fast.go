package suggest

import (
	"context"
	"fmt"
	"strings"

	"callpilot/pkg/llm"
)

const fastSystemPrompt = `You are a real-time sales assistant listening to a live call.
Give the agent one or two short, actionable suggestions for what to say next.
Respond with JSON only, in this exact shape:
{"suggestions":[{"text":"...","type":"cue|detailed_message|solution|question|offer|follow_up|product_recommendation|empathy_response","confidence":0.0,"deliver_as":"say|show|email|immediate_response","offer_id":"..."}]}`

// FastGenerator produces low-latency suggestions from the most recent
// part of the transcript
type FastGenerator struct {
	engine
	cfg Config
}

// NewFastGenerator creates the fast tier
func NewFastGenerator(cfg *Config, deps Deps) *FastGenerator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &FastGenerator{engine: newEngine(deps), cfg: *cfg}
}

func (g *FastGenerator) tier() tier {
	return tier{
		name:        "fast",
		identifier:  FastIdentifier,
		estimate:    FastTokenEstimate,
		maxTokens:   400,
		temperature: 0.3,
		model:       g.cfg.FastModel,
	}
}

// Generate implements Generator
func (g *FastGenerator) Generate(ctx context.Context, req Request) Result {
	window := lastChars(req.Transcript, g.cfg.FastWindowChars)
	base := Result{
		Mood:        AnalyzeMood(window),
		Competitors: DetectCompetitors(window),
	}

	return g.run(ctx, g.tier(), req, window, base, func(context.Context) llm.CompletionRequest {
		var user strings.Builder
		fmt.Fprintf(&user, "Customer just said: %q\n", window)
		fmt.Fprintf(&user, "Customer mood: %s (sentiment %.2f, emotions: %s)\n",
			base.Mood.Mood, base.Mood.Sentiment, strings.Join(base.Mood.Emotions, ", "))
		if len(base.Competitors) > 0 {
			fmt.Fprintf(&user, "Competitors mentioned: %s\n", strings.Join(base.Competitors, ", "))
		}
		if req.Reason != "" {
			fmt.Fprintf(&user, "Trigger: %s\n", req.Reason)
		}
		return llm.CompletionRequest{System: fastSystemPrompt, User: user.String()}
	})
}
