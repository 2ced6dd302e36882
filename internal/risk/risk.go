// Package risk evaluates stop-loss and take-profit thresholds.
package risk

import (
	"fmt"

	"futures-grid-bot-go/internal/models"
)

// Kind names the threshold that fired.
type Kind string

const (
	StopLoss   Kind = "stop_loss"
	TakeProfit Kind = "take_profit"
)

// Trigger describes a fired threshold.
type Trigger struct {
	Kind      Kind
	Threshold float64
	Price     float64
}

func (t Trigger) String() string {
	return fmt.Sprintf("%s triggered at %v (threshold %v)", t.Kind, t.Price, t.Threshold)
}

// Evaluate checks price against the configured thresholds. Long and neutral
// stop below and take profit above; short is inverted. Unset thresholds and
// non-positive prices never trigger.
func Evaluate(cfg models.GridConfig, price float64) *Trigger {
	if price <= 0 {
		return nil
	}
	short := cfg.Mode == models.ModeShort

	if cfg.StopLoss != nil && *cfg.StopLoss > 0 {
		sl := *cfg.StopLoss
		if (short && price >= sl) || (!short && price <= sl) {
			return &Trigger{Kind: StopLoss, Threshold: sl, Price: price}
		}
	}
	if cfg.TakeProfit != nil && *cfg.TakeProfit > 0 {
		tp := *cfg.TakeProfit
		if (short && price <= tp) || (!short && price >= tp) {
			return &Trigger{Kind: TakeProfit, Threshold: tp, Price: price}
		}
	}
	return nil
}
