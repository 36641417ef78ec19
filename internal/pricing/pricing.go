// Package pricing converts token counts into USD cost.
package pricing

import (
	"strings"
)

// Price is the cost of one model in USD per million tokens.
type Price struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// defaultPrices are published list prices. Dated model versions
// (gpt-4o-mini-2024-07-18) resolve through prefix matching.
var defaultPrices = map[string]Price{
	// OpenAI
	"gpt-4o":       {2.50, 10.00},
	"gpt-4o-mini":  {0.15, 0.60},
	"gpt-4.1":      {2.00, 8.00},
	"gpt-4.1-mini": {0.40, 1.60},
	"gpt-4.1-nano": {0.10, 0.40},
	"gpt-4-turbo":  {10.00, 30.00},
	"o3-mini":      {1.10, 4.40},

	// Anthropic
	"claude-3-5-haiku":  {0.80, 4.00},
	"claude-3-5-sonnet": {3.00, 15.00},
	"claude-3-7-sonnet": {3.00, 15.00},
	"claude-3-opus":     {15.00, 75.00},
	"claude-sonnet-4":   {3.00, 15.00},
	"claude-haiku-4-5":  {1.00, 5.00},

	// Gemini
	"gemini-1.5-flash": {0.075, 0.30},
	"gemini-1.5-pro":   {1.25, 5.00},
	"gemini-2.0-flash": {0.10, 0.40},
	"gemini-2.5-flash": {0.30, 2.50},
	"gemini-2.5-pro":   {1.25, 10.00},

	// Mistral
	"mistral-large":   {2.00, 6.00},
	"mistral-small":   {0.20, 0.60},
	"open-mistral-7b": {0.25, 0.25},

	// OpenAI-compatible vendors
	"grok-2":                  {2.00, 10.00},
	"grok-3-mini":             {0.30, 0.50},
	"deepseek-chat":           {0.27, 1.10},
	"deepseek-reasoner":       {0.55, 2.19},
	"llama-3.1-8b-instant":    {0.05, 0.08},
	"llama-3.3-70b-versatile": {0.59, 0.79},
	"sonar":                   {1.00, 1.00},
	"sonar-pro":               {3.00, 15.00},
}

// Table looks up model prices.
type Table struct {
	prices map[string]Price
}

// NewTable returns a Table with the default prices plus overrides.
func NewTable(overrides map[string]Price) *Table {
	prices := make(map[string]Price, len(defaultPrices)+len(overrides))
	for k, v := range defaultPrices {
		prices[k] = v
	}
	for k, v := range overrides {
		prices[k] = v
	}
	return &Table{prices: prices}
}

// Lookup returns the price for model. An exact match wins; otherwise the
// longest known name that prefixes model is used.
func (t *Table) Lookup(model string) (Price, bool) {
	if p, ok := t.prices[model]; ok {
		return p, true
	}

	best := ""
	for name := range t.prices {
		if strings.HasPrefix(model, name) && len(name) > len(best) {
			best = name
		}
	}
	if best == "" {
		return Price{}, false
	}
	return t.prices[best], true
}

// Cost returns the USD cost of a call. Unknown models cost 0 and report
// false so the caller can flag them.
func (t *Table) Cost(model string, tokensIn, tokensOut int) (float64, bool) {
	p, ok := t.Lookup(model)
	if !ok {
		return 0, false
	}
	return (float64(tokensIn)*p.InputPerMillion + float64(tokensOut)*p.OutputPerMillion) / 1_000_000, true
}
