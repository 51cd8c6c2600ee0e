package llm

import (
	"strings"
)

// ContextBlock is one named section of the user message, e.g. recent
// quotes or headlines. Empty bodies are skipped at render time.
type ContextBlock struct {
	Name string
	Body string
}

// PromptSpec is a structured prompt: a system role, a task line, and
// ordered context blocks. Callers assemble specs and the router renders
// them, so prompt text stays out of the call sites.
type PromptSpec struct {
	System string
	Task   string
	Blocks []ContextBlock
	Schema string // expected JSON shape, appended when non-empty
}

// Render flattens the spec into the system and user strings sent to a
// provider.
func (p PromptSpec) Render() (system, user string) {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(p.Task))
	for _, blk := range p.Blocks {
		if strings.TrimSpace(blk.Body) == "" {
			continue
		}
		b.WriteString("\n\n## ")
		b.WriteString(blk.Name)
		b.WriteString("\n")
		b.WriteString(strings.TrimSpace(blk.Body))
	}
	if p.Schema != "" {
		b.WriteString("\n\nYour response must be in valid JSON format with the following structure:\n")
		b.WriteString(p.Schema)
	}
	return p.System, b.String()
}

// System prompts for the task families the assistant runs.
const (
	// SystemAdvisor frames per-asset trading advice.
	SystemAdvisor = `You are an expert multi-asset trading analyst covering equities and cryptocurrencies. Analyze the provided market data and give a clear recommendation.

Be conservative with confidence scores. Only report high confidence (>0.7) when multiple indicators align.
Focus on risk management - always suggest a stop loss when recommending an entry.`

	// SystemIntent frames closed-set intent classification for chat
	// messages. The intent list is supplied in the user message.
	SystemIntent = `You are an intent classifier for a trading assistant. Classify the user message into exactly one of the intents listed in the request. Never invent an intent that is not listed. Messages may be in English, Chinese, or Korean.`

	// SystemOverview frames whole-market commentary.
	SystemOverview = `You are an expert market analyst. Summarize the state of the watched assets as a whole: regime, notable movers, and risks. Keep it under 200 words.`

	// SystemSummary frames the end-of-day report narration.
	SystemSummary = `You are a trading assistant writing a concise end-of-day summary for a single reader. Use plain language, no hype. Mention realized and unrealized results separately.`
)

// AdviceSchema is the JSON contract for advice prompts.
const AdviceSchema = `{
  "action": "buy" | "sell" | "hold",
  "confidence": 0.0-1.0,
  "entry_price": number or null,
  "stop_loss": number or null,
  "take_profit_tiers": [numbers] or null,
  "reasoning": "brief explanation"
}`

// IntentSchema is the JSON contract for classification prompts.
const IntentSchema = `{
  "intent": "one of the listed intents",
  "confidence": 0.0-1.0
}`
