package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Validator is implemented by response payloads that check their own
// shape after decoding. Validate may normalize fields in place.
type Validator interface {
	Validate() error
}

// codeFence matches ```json or ``` fences wrapping a payload.
var codeFence = regexp.MustCompile("(?s)^```(?:json)?\\s*\\n?(.*?)\\n?```$")

// StripCodeFence removes markdown code block formatting from model
// responses. Handles formats like: ```json\n{...}\n``` or ```\n{...}\n```
func StripCodeFence(response string) string {
	response = strings.TrimSpace(response)
	if matches := codeFence.FindStringSubmatch(response); len(matches) > 1 {
		return strings.TrimSpace(matches[1])
	}
	return response
}

// DecodeJSON strips fences, unmarshals text into out, and validates.
// Any failure counts as a malformed response.
func DecodeJSON(text string, out Validator) error {
	clean := StripCodeFence(text)
	if err := json.Unmarshal([]byte(clean), out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if err := out.Validate(); err != nil {
		return fmt.Errorf("invalid response: %w", err)
	}
	return nil
}

// AdviceResponse is the payload advice prompts ask the model for.
type AdviceResponse struct {
	Action          string    `json:"action"`
	Confidence      float64   `json:"confidence"`
	EntryPrice      *float64  `json:"entry_price"`
	StopLoss        *float64  `json:"stop_loss"`
	TakeProfitTiers []float64 `json:"take_profit_tiers"`
	Reasoning       string    `json:"reasoning"`
}

// Validate normalizes the action and checks ranges.
func (a *AdviceResponse) Validate() error {
	a.Action = strings.ToLower(strings.TrimSpace(a.Action))
	switch a.Action {
	case "buy", "sell", "hold":
	default:
		return fmt.Errorf("unknown action %q", a.Action)
	}
	if a.Confidence < 0 || a.Confidence > 1 {
		return fmt.Errorf("confidence %.2f out of range", a.Confidence)
	}
	for _, tier := range a.TakeProfitTiers {
		if tier <= 0 {
			return fmt.Errorf("take profit tier %.2f must be positive", tier)
		}
	}
	return nil
}

// IntentResponse is the payload classification prompts ask for.
type IntentResponse struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
}

// Validate normalizes the intent and checks ranges.
func (i *IntentResponse) Validate() error {
	i.Intent = strings.ToLower(strings.TrimSpace(i.Intent))
	if i.Intent == "" {
		return errors.New("empty intent")
	}
	if i.Confidence < 0 || i.Confidence > 1 {
		return fmt.Errorf("confidence %.2f out of range", i.Confidence)
	}
	return nil
}
