package responder

import (
	"strings"

	"github.com/xaenox/wa-responder/pkg/config"
)

// Pricing maps model names to a USD rate per 1K tokens.
type Pricing struct {
	rates       map[string]float64
	defaultRate float64
}

func NewPricing(prices []config.PriceConfig, defaultRate float64) *Pricing {
	rates := make(map[string]float64, len(prices))
	for _, p := range prices {
		if m := strings.TrimSpace(p.Model); m != "" {
			rates[m] = p.RatePer1K
		}
	}
	return &Pricing{rates: rates, defaultRate: defaultRate}
}

// Rate returns the exact match, then the longest configured prefix, then the default.
func (p *Pricing) Rate(model string) float64 {
	if r, ok := p.rates[model]; ok {
		return r
	}
	best := ""
	for m := range p.rates {
		if strings.HasPrefix(model, m) && len(m) > len(best) {
			best = m
		}
	}
	if best != "" {
		return p.rates[best]
	}
	return p.defaultRate
}

func (p *Pricing) Cost(model string, tokens int) float64 {
	return float64(tokens) / 1000 * p.Rate(model)
}
