// Package cost converts token counts into USD using linear per-1K-token rates.
package cost

import "sync"

// Default rates in USD per 1K tokens.
const (
	DefaultInputPer1K  = 0.00001
	DefaultOutputPer1K = 0.00003
)

// Rates is a linear price: no tiers, no minimums.
type Rates struct {
	InputPer1K  float64 `json:"input_per_1k" mapstructure:"input_per_1k"`
	OutputPer1K float64 `json:"output_per_1k" mapstructure:"output_per_1k"`
}

// DefaultRates returns the built-in rates.
func DefaultRates() Rates {
	return Rates{InputPer1K: DefaultInputPer1K, OutputPer1K: DefaultOutputPer1K}
}

// Breakdown is the cost of a single generation.
type Breakdown struct {
	InputUSD  float64 `json:"input_cost_usd"`
	OutputUSD float64 `json:"output_cost_usd"`
	TotalUSD  float64 `json:"total_cost_usd"`
}

// Model prices generations. Per-model overrides fall back to the default rates.
// A nil *Model prices everything at DefaultRates.
type Model struct {
	mu       sync.RWMutex
	fallback Rates
	models   map[string]Rates
}

// NewModel creates a cost model with fallback rates and optional per-model overrides.
func NewModel(fallback Rates, overrides map[string]Rates) *Model {
	m := &Model{fallback: fallback, models: make(map[string]Rates, len(overrides))}
	for name, r := range overrides {
		m.models[name] = r
	}
	return m
}

// SetRates registers or replaces the rates for a model name.
func (m *Model) SetRates(model string, r Rates) {
	m.mu.Lock()
	m.models[model] = r
	m.mu.Unlock()
}

// RatesFor returns the rates applied to model.
func (m *Model) RatesFor(model string) Rates {
	if m == nil {
		return DefaultRates()
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.models[model]; ok {
		return r
	}
	return m.fallback
}

// Calculate prices a generation. Negative token counts are treated as zero.
func (m *Model) Calculate(model string, inputTokens, outputTokens int) Breakdown {
	r := m.RatesFor(model)
	in := float64(max(inputTokens, 0)) / 1000 * r.InputPer1K
	out := float64(max(outputTokens, 0)) / 1000 * r.OutputPer1K
	return Breakdown{InputUSD: in, OutputUSD: out, TotalUSD: in + out}
}
