// Package cost computes the USD cost of remediation attempts for budget
// accounting and kill-switch thresholds.
package cost

import "github.com/sells-group/sitevault-cli/internal/config"

// Calculator prices attempts by worker kind.
type Calculator struct {
	pricing config.PricingConfig
}

func NewCalculator(pricing config.PricingConfig) *Calculator {
	return &Calculator{pricing: pricing}
}

// Scrape computes the cost of one scrape attempt: a flat per-attempt fee plus
// extraction tokens (per million).
func (c *Calculator) Scrape(tokens int) float64 {
	return c.pricing.Scrape.PerAttempt + (float64(tokens)/1e6)*c.pricing.Scrape.PerMTok
}

// Call computes the cost of one AI-caller attempt: a connect fee plus
// per-minute talk time. Partial minutes are billed in full.
func (c *Calculator) Call(durationSecs int) float64 {
	if durationSecs <= 0 {
		return c.pricing.Caller.ConnectFlat
	}
	minutes := (durationSecs + 59) / 60
	return c.pricing.Caller.ConnectFlat + float64(minutes)*c.pricing.Caller.PerMinute
}

// HumanReview returns the flat cost of one human review.
func (c *Calculator) HumanReview() float64 {
	return c.pricing.Human.PerReview
}
