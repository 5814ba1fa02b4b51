package budget

import (
	"log/slog"
	"sync"
)

// PriceTable maps model names to a USD price per million tokens. Models
// missing from the table are charged the conservative fallback price so an
// unpriced runtime can never silently undercharge.
type PriceTable struct {
	mu       sync.RWMutex
	prices   map[string]float64
	fallback float64
	warned   map[string]bool
}

func NewPriceTable(prices map[string]float64, fallback float64) *PriceTable {
	p := &PriceTable{
		prices:   make(map[string]float64, len(prices)),
		fallback: fallback,
		warned:   make(map[string]bool),
	}
	for model, price := range prices {
		p.prices[model] = price
	}
	if p.fallback == 0 {
		// Fall back to the highest known price when none is configured.
		for _, price := range prices {
			if price > p.fallback {
				p.fallback = price
			}
		}
	}
	return p
}

// Cost prices a usage report. Unknown models get the fallback price and a
// pricing-gap warning, once per model.
func (p *PriceTable) Cost(promptTokens, completionTokens int64, model string) float64 {
	tokens := float64(promptTokens + completionTokens)

	p.mu.RLock()
	price, ok := p.prices[model]
	p.mu.RUnlock()

	if !ok {
		price = p.fallback
		p.mu.Lock()
		if !p.warned[model] {
			p.warned[model] = true
			slog.Warn("no price for model, charging fallback", "model", model, "fallback", price)
		}
		p.mu.Unlock()
	}

	return tokens / 1_000_000 * price
}

func (p *PriceTable) SetPrice(model string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[model] = price
}
