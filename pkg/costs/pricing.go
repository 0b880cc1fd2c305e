// Package costs tracks per-turn token usage and spend for conversations:
// price lookup, estimation from message text, budget enforcement, breach
// prediction, and callback fan-out. All money is decimal; cumulative totals
// must not drift the way binary floats do.
package costs

import (
	"log/slog"

	"github.com/shopspring/decimal"
)

// charsPerToken is the approximate number of characters per token for
// English text. Estimation only; exact counts would need a tokenizer.
const charsPerToken = 4

// toolCallPromptOverhead is the extra prompt-token cost attributed to a
// tool-call message (function schema + call framing).
const toolCallPromptOverhead = 50

// ModelPrice is USD per million tokens, split by direction.
type ModelPrice struct {
	PromptPerMillion     decimal.Decimal
	CompletionPerMillion decimal.Decimal
}

// fallbackModel is priced for any model missing from the table.
const fallbackModel = "gpt-4"

func price(prompt, completion string) ModelPrice {
	return ModelPrice{
		PromptPerMillion:     decimal.RequireFromString(prompt),
		CompletionPerMillion: decimal.RequireFromString(completion),
	}
}

// modelPrices is the static price table, USD per million tokens.
var modelPrices = map[string]ModelPrice{
	"gpt-4":             price("30", "60"),
	"gpt-4-turbo":       price("10", "30"),
	"gpt-4o":            price("2.50", "10"),
	"gpt-4o-mini":       price("0.15", "0.60"),
	"gpt-3.5-turbo":     price("0.50", "1.50"),
	"o1":                price("15", "60"),
	"claude-3-opus":     price("15", "75"),
	"claude-3-5-sonnet": price("3", "15"),
	"claude-3-haiku":    price("0.25", "1.25"),
	"gemini-1.5-pro":    price("1.25", "5"),
	"gemini-1.5-flash":  price("0.075", "0.30"),
}

// PriceFor returns the price for model, falling back to gpt-4 pricing (with
// a warning) when the model is unknown. Unknown models are a soft failure:
// tracking must never be fatal to the conversation.
func PriceFor(model string) ModelPrice {
	if p, ok := modelPrices[model]; ok {
		return p
	}
	slog.Warn("Unknown model, falling back to default pricing",
		"model", model, "fallback", fallbackModel)
	return modelPrices[fallbackModel]
}

var million = decimal.NewFromInt(1_000_000)

// Cost computes the dollar cost of a token count at a per-million rate.
func Cost(tokens int, perMillion decimal.Decimal) decimal.Decimal {
	return perMillion.Mul(decimal.NewFromInt(int64(tokens))).Div(million)
}

// EstimateTokens approximates the token count of text using the common
// ~4 characters per token heuristic.
func EstimateTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + charsPerToken - 1) / charsPerToken
}
