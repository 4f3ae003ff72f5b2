package credit

import (
	"sort"

	"panelsim/internal/config"
	"panelsim/internal/types"
)

// Rate is the per-1000-token price of a model in credits.
type Rate struct {
	InputPer1K  float64
	OutputPer1K float64
}

// RateTable maps model names to their rates. Lookups for unknown
// models fail rather than falling back to a default price.
type RateTable struct {
	rates map[string]Rate
}

// DefaultRates returns the built-in price list.
func DefaultRates() RateTable {
	return RateTable{rates: map[string]Rate{
		"gpt-4o-mini":  {InputPer1K: 0.075, OutputPer1K: 0.3},
		"gpt-4.1-mini": {InputPer1K: 0.2, OutputPer1K: 0.8},
		"gpt-4.1":      {InputPer1K: 1.0, OutputPer1K: 4.0},
	}}
}

// NewRateTable merges configured rates over the defaults. Config
// entries win on name collision so operators can reprice a model
// without forking the binary.
func NewRateTable(overrides map[string]config.Rate) RateTable {
	t := DefaultRates()
	for model, r := range overrides {
		t.rates[model] = Rate{InputPer1K: r.InputPer1K, OutputPer1K: r.OutputPer1K}
	}
	return t
}

// Lookup returns the rate for model, or a ValidationError if the
// model is not priced.
func (t RateTable) Lookup(model string) (Rate, error) {
	r, ok := t.rates[model]
	if !ok {
		return Rate{}, &types.ValidationError{Field: "model", Reason: "no credit rate configured for model " + model}
	}
	return r, nil
}

// Models returns the priced model names in sorted order.
func (t RateTable) Models() []string {
	names := make([]string, 0, len(t.rates))
	for name := range t.rates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Price converts a token count pair into credits under the given rate.
func (r Rate) Price(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1000.0*r.InputPer1K + float64(outputTokens)/1000.0*r.OutputPer1K
}
