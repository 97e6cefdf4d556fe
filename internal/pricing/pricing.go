// Package pricing estimates USD cost for the token usage recorded in
// session logs.
package pricing

import "strings"

// ModelPricing holds per-million-token costs in USD.
type ModelPricing struct {
	PromptPer1M     float64
	CompletionPer1M float64
}

// Known model pricing as of Feb 2026. Session logs carry dated model ids
// ("claude-sonnet-4-5-20250929"); lookup is by family prefix.
var knownModels = map[string]ModelPricing{
	"claude-opus-4":     {15.00, 75.00},
	"claude-sonnet-4-5": {3.00, 15.00},
	"claude-sonnet-4":   {3.00, 15.00},
	"claude-3-7-sonnet": {3.00, 15.00},
	"claude-haiku-4-5":  {1.00, 5.00},
	"claude-3-5-haiku":  {0.80, 4.00},
}

// EstimateCost returns the estimated USD cost for the given token counts.
// Returns 0.0 for unknown models (safe default).
func EstimateCost(model string, promptTokens, completionTokens int) float64 {
	p, ok := lookup(model)
	if !ok {
		return 0.0
	}
	return (float64(promptTokens)/1_000_000)*p.PromptPer1M +
		(float64(completionTokens)/1_000_000)*p.CompletionPer1M
}

func lookup(model string) (ModelPricing, bool) {
	if p, ok := knownModels[model]; ok {
		return p, true
	}
	// Longest matching family prefix wins, so claude-sonnet-4-5 beats
	// claude-sonnet-4 for a dated sonnet-4-5 id.
	best := ""
	for family := range knownModels {
		if strings.HasPrefix(model, family) && len(family) > len(best) {
			best = family
		}
	}
	if best == "" {
		return ModelPricing{}, false
	}
	return knownModels[best], true
}
