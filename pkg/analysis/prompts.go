package analysis

import (
	"encoding/json"
	"fmt"
)

const analystSystemPrompt = "You are an experienced sales call analyst. Reply with a single JSON object and nothing else: no markdown fences and no commentary."

const callAnalysisPrompt = `Review the call transcript below and report:
- a one-line summary of the call
- the main topics discussed
- customer engagement from 0 to 1
- agent performance from 0 to 1

Transcript:
%s

Reply in this shape:
{"summary": "...", "keyTopics": ["..."], "customerEngagement": 0.8, "agentPerformance": 0.7}`

const agentFeedbackPrompt = `Write coaching feedback for the sales agent on the call below. Cite the transcript where you can and keep every point actionable.

Transcript:
%s

Heuristic analysis:
%s

Reply in this shape, with scores from 1 to 10:
{"performanceScore": 7,
 "strengths": ["..."],
 "improvements": ["..."],
 "conversationQuality": {"rating": 7, "feedback": "..."},
 "salesTechniques": {"rating": 6, "feedback": "...", "suggestions": ["..."]},
 "customerHandling": {"rating": 8, "feedback": "...", "suggestions": ["..."]},
 "nextSteps": ["..."],
 "overallFeedback": "..."}`

const callSummaryPrompt = `Summarize how the call below went for the sales team: the overall assessment, the customer's tone, whether their expectations were met, how the agent tried to convert, the key outcomes and a strategy for the next call.

Transcript:
%s

Heuristic analysis:
%s

Agent feedback:
%s

Reply in this shape:
{"overallAssessment": "...", "customerTone": "...", "expectationsMet": true,
 "conversionAttempt": "...", "keyOutcomes": ["..."], "nextCallStrategy": "..."}`

const enhancedAnalysisPrompt = `Extract structured details from the call below for the sales agent:
1. the customer's overall mood (positive, neutral or negative) with confidence and reasoning
2. competitors mentioned, with what was said about them
3. technical terms or jargon that may need clarifying
4. business details: cuisine types, address, postcode and business type
5. a short bullet summary, important points and action items

Transcript:
%s

Reply in this shape:
{"moodAnalysis": {"mood": "neutral", "confidence": 0.8, "reasoning": "..."},
 "competitorAnalysis": {"competitors": [{"name": "...", "highlights": ["..."], "context": "..."}]},
 "jargonDetection": {"jargon": [{"term": "...", "context": "...", "needsClarification": true}]},
 "businessDetails": {"cuisineTypes": ["..."], "address": "...", "postcode": "...", "businessType": "..."},
 "keyInformation": {"summary": ["..."], "importantPoints": ["..."], "actionItems": ["..."]}}`

func indentJSON(v interface{}) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

func buildCallAnalysisPrompt(transcript string) string {
	return fmt.Sprintf(callAnalysisPrompt, transcript)
}

func buildAgentFeedbackPrompt(transcript string, ca *CallAnalysis) string {
	return fmt.Sprintf(agentFeedbackPrompt, transcript, indentJSON(ca))
}

func buildCallSummaryPrompt(transcript string, ca *CallAnalysis, fb *AgentFeedback) string {
	return fmt.Sprintf(callSummaryPrompt, transcript, indentJSON(ca), indentJSON(fb))
}

func buildEnhancedPrompt(transcript string) string {
	return fmt.Sprintf(enhancedAnalysisPrompt, transcript)
}
