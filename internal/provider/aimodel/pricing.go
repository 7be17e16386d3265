package aimodel

import (
	"strings"

	"github.com/shopspring/decimal"
)

// ModelPricing holds per-million-token prices in USD.
type ModelPricing struct {
	InputPerMTok  decimal.Decimal
	OutputPerMTok decimal.Decimal
}

func price(input, output string) ModelPricing {
	return ModelPricing{
		InputPerMTok:  decimal.RequireFromString(input),
		OutputPerMTok: decimal.RequireFromString(output),
	}
}

var modelPricingTable = map[string]ModelPricing{
	"gpt-4o":                 price("2.50", "10"),
	"gpt-4o-2024-11-20":      price("2.50", "10"),
	"gpt-4o-mini":            price("0.15", "0.60"),
	"gpt-4o-mini-2024-07-18": price("0.15", "0.60"),
	"gpt-4.1":                price("2", "8"),
	"gpt-4.1-mini":           price("0.40", "1.60"),
	"o3-mini":                price("1.10", "4.40"),
	"text-embedding-3-small": price("0.02", "0"),
	"text-embedding-3-large": price("0.13", "0"),
}

// Family prefixes; the longest matching prefix wins.
var modelFamilyPricing = map[string]ModelPricing{
	"gpt-4o-mini":      price("0.15", "0.60"),
	"gpt-4o":           price("2.50", "10"),
	"gpt-4.1-mini":     price("0.40", "1.60"),
	"gpt-4.1":          price("2", "8"),
	"gpt-4":            price("10", "30"),
	"gpt-3.5":          price("0.50", "1.50"),
	"o3-mini":          price("1.10", "4.40"),
	"o1":               price("15", "60"),
	"text-embedding-3": price("0.13", "0"),
}

// Unknown models are priced high so spend is never silently under-reported.
var defaultPricing = price("15", "60")

var million = decimal.NewFromInt(1_000_000)

// cachedInputRate is the share of the input price charged for cached prompt tokens.
var cachedInputRate = decimal.RequireFromString("0.5")

// PricingFor returns the exact model price, else the longest family prefix, else the default.
func PricingFor(model string) ModelPricing {
	model = strings.ToLower(strings.TrimSpace(model))
	if p, ok := modelPricingTable[model]; ok {
		return p
	}

	bestPrefix := ""
	var best ModelPricing
	for prefix, p := range modelFamilyPricing {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(bestPrefix) {
			bestPrefix = prefix
			best = p
		}
	}
	if bestPrefix != "" {
		return best
	}
	return defaultPricing
}

// TokenCost prices uncached input, cached input and output tokens.
func TokenCost(p ModelPricing, input, cached, output int64) decimal.Decimal {
	uncached := input - cached
	if uncached < 0 {
		uncached = 0
	}
	inputCost := decimal.NewFromInt(uncached).Mul(p.InputPerMTok)
	cachedCost := decimal.NewFromInt(cached).Mul(p.InputPerMTok).Mul(cachedInputRate)
	outputCost := decimal.NewFromInt(output).Mul(p.OutputPerMTok)
	return inputCost.Add(cachedCost).Add(outputCost).Div(million)
}
