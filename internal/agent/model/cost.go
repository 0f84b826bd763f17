package model

import (
	"strings"

	"github.com/cloudwego/eino/schema"
)

// Pricing is USD per one million tokens.
type Pricing struct {
	InputPerM  float64
	OutputPerM float64
}

var knownPricing = map[string]Pricing{
	"gemini-2.5-flash":      {InputPerM: 0.30, OutputPerM: 2.50},
	"gemini-2.5-flash-lite": {InputPerM: 0.10, OutputPerM: 0.40},
	"gpt-4o-mini":           {InputPerM: 0.15, OutputPerM: 0.60},
	"gpt-4o":                {InputPerM: 2.50, OutputPerM: 10.00},
}

// ResolvePricing matches the longest known model name that prefixes model,
// so dated snapshots such as "gpt-4o-mini-2024-07-18" resolve. Unknown models
// cost zero.
func ResolvePricing(model string) Pricing {
	model = strings.ToLower(strings.TrimSpace(model))
	if p, ok := knownPricing[model]; ok {
		return p
	}
	best, bestLen := Pricing{}, 0
	for name, p := range knownPricing {
		if len(name) > bestLen && strings.HasPrefix(model, name+"-") {
			best, bestLen = p, len(name)
		}
	}
	return best
}

// ComputeCost returns the USD cost of a model call.
func ComputeCost(usage *schema.TokenUsage, p Pricing) (in, out, total float64) {
	if usage == nil {
		return 0, 0, 0
	}
	in = p.InputPerM * float64(usage.PromptTokens) / 1e6
	out = p.OutputPerM * float64(usage.CompletionTokens) / 1e6
	return in, out, in + out
}
