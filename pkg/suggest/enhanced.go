package suggest

import (
	"context"
	"fmt"
	"strings"

	"callpilot/pkg/llm"
)

const enhancedSystemPrompt = `You are an expert sales coach supporting an agent during a live call.
Use the customer's own words and the product context to give up to three specific suggestions.
For each, explain your reasoning, describe the customer's tone and estimate their knowledge level.
Respond with JSON only, in this exact shape:
{"suggestions":[{"text":"...","type":"cue|detailed_message|solution|question|offer|follow_up|product_recommendation|empathy_response","confidence":0.0,"deliver_as":"say|show|email|immediate_response","offer_id":"...","reasoning":"...","tone_analysis":"...","knowledge_level":"beginner|intermediate|expert"}]}`

// EnhancedGenerator produces richer suggestions from the customer's side of
// the conversation and retrieved product context
type EnhancedGenerator struct {
	engine
	cfg Config
}

// NewEnhancedGenerator creates the enhanced tier
func NewEnhancedGenerator(cfg *Config, deps Deps) *EnhancedGenerator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &EnhancedGenerator{engine: newEngine(deps), cfg: *cfg}
}

func (g *EnhancedGenerator) tier() tier {
	return tier{
		name:        "enhanced",
		identifier:  EnhancedIdentifier,
		estimate:    EnhancedTokenEstimate,
		maxTokens:   800,
		temperature: 0.7,
		model:       g.cfg.EnhancedModel,
	}
}

// Generate implements Generator
func (g *EnhancedGenerator) Generate(ctx context.Context, req Request) Result {
	history := CustomerHistory(req.Transcript, g.cfg.HistorySegments)
	window := strings.Join(history, " ")
	if window == "" {
		window = lastChars(req.Transcript, 4*g.cfg.FastWindowChars)
	}

	base := Result{
		Mood:        AnalyzeMood(window),
		Competitors: DetectCompetitors(window),
	}

	return g.run(ctx, g.tier(), req, window, base, func(ctx context.Context) llm.CompletionRequest {
		knowledge := g.retrieve(ctx, req.CallID, window)

		var user strings.Builder
		user.WriteString("What the customer has said so far, oldest first:\n")
		for i, seg := range history {
			fmt.Fprintf(&user, "%d. %s\n", i+1, seg)
		}
		if len(history) == 0 {
			fmt.Fprintf(&user, "%s\n", window)
		}
		fmt.Fprintf(&user, "\nCustomer mood: %s (sentiment %.2f, confidence %.2f, emotions: %s)\n",
			base.Mood.Mood, base.Mood.Sentiment, base.Mood.Confidence, strings.Join(base.Mood.Emotions, ", "))
		if len(base.Competitors) > 0 {
			fmt.Fprintf(&user, "Competitors mentioned: %s\n", strings.Join(base.Competitors, ", "))
		}
		if knowledge != "" {
			fmt.Fprintf(&user, "\nRelevant product context:\n%s\n", knowledge)
		}
		return llm.CompletionRequest{System: enhancedSystemPrompt, User: user.String()}
	})
}

// retrieve degrades to an empty context on any failure
func (g *EnhancedGenerator) retrieve(ctx context.Context, callID, query string) string {
	if g.deps.Retriever == nil {
		return ""
	}
	if g.cfg.RetrievalTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.RetrievalTimeout)
		defer cancel()
	}

	knowledge, err := g.deps.Retriever.RelevantContext(ctx, query)
	if err != nil {
		g.deps.Logger.WithError(err).WithField("call_id", callID).Debug("Context retrieval failed, continuing without it")
		return ""
	}
	return knowledge
}
