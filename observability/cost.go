package observability

import "strings"

// modelCosts is the static per-model cost table: USD per 1M tokens.
var modelCosts = map[string]struct{ input, output float64 }{
	"gpt-4o":            {2.50, 10.00},
	"gpt-4o-mini":       {0.15, 0.60},
	"gpt-4.1":           {2.00, 8.00},
	"gpt-4.1-mini":      {0.40, 1.60},
	"gpt-4.1-nano":      {0.10, 0.40},
	"o1":                {15.00, 60.00},
	"o1-mini":           {1.10, 4.40},
	"o3":                {10.00, 40.00},
	"o3-mini":           {1.10, 4.40},
	"o4-mini":           {1.10, 4.40},
	"deepseek-chat":     {0.14, 0.28},
	"deepseek-reasoner": {0.55, 2.19},
	"qwen-plus":         {0.80, 2.00},
	// Copilot subscription models carry no marginal cost.
	"copilot:gpt-4o":            {0, 0},
	"copilot:claude-3.5-sonnet": {0, 0},
}

// EstimateCost returns the estimated cost in USD cents. Unknown models cost
// zero; lookup is exact first, then prefix/substring best effort. The result
// is linear in each token count.
func EstimateCost(modelID string, promptTokens, completionTokens int) float64 {
	costs, ok := modelCosts[modelID]
	if !ok {
		for key, val := range modelCosts {
			if strings.HasPrefix(modelID, key) || strings.Contains(modelID, key) {
				costs = val
				ok = true
				break
			}
		}
	}
	if !ok {
		return 0
	}
	costUSD := float64(promptTokens)/1_000_000*costs.input +
		float64(completionTokens)/1_000_000*costs.output
	return costUSD * 100
}
