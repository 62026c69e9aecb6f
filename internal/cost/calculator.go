// Package cost prices model usage recorded on pipeline artifacts.
package cost

import (
	"github.com/carepath/report-pipeline/internal/model"
)

// ModelRate holds per-model token pricing (USD per million tokens).
type ModelRate struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// Rates maps model ids to their pricing.
type Rates map[string]ModelRate

// Calculator computes costs for model usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator from the default rates with overrides
// applied on top.
func NewCalculator(overrides Rates) *Calculator {
	rates := DefaultRates()
	for id, r := range overrides {
		rates[id] = r
	}
	return &Calculator{rates: rates}
}

// Known reports whether the model has a rate.
func (c *Calculator) Known(modelID string) bool {
	_, ok := c.rates[modelID]
	return ok
}

// Claude computes the cost of one Claude call. Unknown models cost 0.
func (c *Calculator) Claude(modelID string, input, output, cacheWrite, cacheRead int64) float64 {
	rate, ok := c.rates[modelID]
	if !ok {
		return 0
	}
	inCost := (float64(input) / 1e6) * rate.Input
	outCost := (float64(output) / 1e6) * rate.Output
	cwCost := (float64(cacheWrite) / 1e6) * rate.Input * rate.CacheWriteMul
	crCost := (float64(cacheRead) / 1e6) * rate.Input * rate.CacheReadMul
	return inCost + outCost + cwCost + crCost
}

// Usage is the model spend recorded for one job.
type Usage struct {
	Evaluations  int     `json:"evaluations"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	// Unpriced lists models with usage but no configured rate.
	Unpriced []string `json:"unpriced,omitempty"`
}

// SafetyUsage totals the token usage of a job's safety evaluations.
// Results that never reached the model (no tokens) are not counted.
func (c *Calculator) SafetyUsage(results []model.SafetyPayload) Usage {
	var u Usage
	seen := map[string]bool{}
	for _, r := range results {
		if r.InputTokens == 0 && r.OutputTokens == 0 {
			continue
		}
		u.Evaluations++
		u.InputTokens += r.InputTokens
		u.OutputTokens += r.OutputTokens
		if !c.Known(r.Model) {
			if !seen[r.Model] {
				seen[r.Model] = true
				u.Unpriced = append(u.Unpriced, r.Model)
			}
			continue
		}
		u.CostUSD += c.Claude(r.Model, r.InputTokens, r.OutputTokens, 0, 0)
	}
	return u
}

// DefaultRates returns the default pricing for the configured models.
func DefaultRates() Rates {
	return Rates{
		"claude-haiku-4-5-20251001": {
			Input: 1.00, Output: 5.00,
			CacheWriteMul: 1.25, CacheReadMul: 0.1,
		},
		"claude-sonnet-4-5-20250929": {
			Input: 3.00, Output: 15.00,
			CacheWriteMul: 1.25, CacheReadMul: 0.1,
		},
	}
}
