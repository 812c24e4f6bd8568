// Package pricing holds the per-model token price table and the cost
// calculator behind the usage endpoints.
package pricing

// ModelPrice is the USD price per 1K tokens for one model.
type ModelPrice struct {
	Model      string  `json:"model"`
	Prompt     float64 `json:"prompt_per_1k"`
	Completion float64 `json:"completion_per_1k"`
}

// priceTable maps model identifiers to per-1K-token USD prices. Unlisted
// models cost zero and are flagged as unknown in stats responses.
var priceTable = map[string]ModelPrice{
	"gpt-4o":            {Model: "gpt-4o", Prompt: 0.0025, Completion: 0.0100},
	"gpt-4o-mini":       {Model: "gpt-4o-mini", Prompt: 0.00015, Completion: 0.0006},
	"gpt-4-turbo":       {Model: "gpt-4-turbo", Prompt: 0.01, Completion: 0.03},
	"gpt-4":             {Model: "gpt-4", Prompt: 0.03, Completion: 0.06},
	"gpt-3.5-turbo":     {Model: "gpt-3.5-turbo", Prompt: 0.0005, Completion: 0.0015},
	"o1":                {Model: "o1", Prompt: 0.015, Completion: 0.06},
	"o1-mini":           {Model: "o1-mini", Prompt: 0.003, Completion: 0.012},
	"o3-mini":           {Model: "o3-mini", Prompt: 0.0011, Completion: 0.0044},
	"claude-opus-4-1":   {Model: "claude-opus-4-1", Prompt: 0.015, Completion: 0.075},
	"claude-sonnet-4-5": {Model: "claude-sonnet-4-5", Prompt: 0.003, Completion: 0.015},
	"claude-haiku-4-5":  {Model: "claude-haiku-4-5", Prompt: 0.0008, Completion: 0.004},
}

// Cost returns the USD cost of a call and whether the model's pricing is
// known. Unknown models cost zero so totals stay additive.
func Cost(model string, promptTokens, completionTokens int) (float64, bool) {
	price, ok := priceTable[model]
	if !ok {
		return 0, false
	}
	cost := float64(promptTokens)/1000*price.Prompt +
		float64(completionTokens)/1000*price.Completion
	return cost, true
}

// Lookup returns the price entry for a model.
func Lookup(model string) (ModelPrice, bool) {
	price, ok := priceTable[model]
	return price, ok
}

// Table returns all known model prices, for the pricing endpoint.
func Table() []ModelPrice {
	out := make([]ModelPrice, 0, len(priceTable))
	for _, p := range priceTable {
		out = append(out, p)
	}
	return out
}
