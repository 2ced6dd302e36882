// Package grid builds price levels from a GridConfig and maps prices and
// level indexes to target positions. Everything here is pure.
package grid

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"futures-grid-bot-go/internal/models"

	"github.com/shopspring/decimal"
)

// ErrInvalidConfig is returned for grid parameters that cannot produce a valid ladder.
var ErrInvalidConfig = errors.New("invalid grid config")

const (
	MinGridNum              = 2
	MaxGridNum              = 1000
	DefaultActiveOrderLimit = 5
)

// Normalize validates cfg, applies defaults and returns the cleaned copy.
func Normalize(cfg models.GridConfig) (models.GridConfig, error) {
	out := cfg.Clone()
	out.Symbol = strings.TrimSpace(out.Symbol)
	if out.Symbol == "" {
		return out, fmt.Errorf("%w: symbol is required", ErrInvalidConfig)
	}
	if out.Amount <= 0 {
		return out, fmt.Errorf("%w: amount must be positive", ErrInvalidConfig)
	}
	switch out.Mode {
	case "":
		out.Mode = models.ModeNeutral
	case models.ModeLong, models.ModeShort, models.ModeNeutral:
	default:
		return out, fmt.Errorf("%w: unknown strategy_type %q", ErrInvalidConfig, out.Mode)
	}
	if out.GridNum < MinGridNum {
		out.GridNum = MinGridNum
	}
	if out.GridNum > MaxGridNum {
		return out, fmt.Errorf("%w: grid_num %d exceeds %d", ErrInvalidConfig, out.GridNum, MaxGridNum)
	}
	if out.ActiveOrderLimit <= 0 {
		out.ActiveOrderLimit = DefaultActiveOrderLimit
	}
	if out.Leverage <= 0 {
		out.Leverage = 1
	}
	if out.StopLoss != nil && *out.StopLoss <= 0 {
		out.StopLoss = nil
	}
	if out.TakeProfit != nil && *out.TakeProfit <= 0 {
		out.TakeProfit = nil
	}
	if _, err := BuildLevels(out); err != nil {
		return out, err
	}
	return out, nil
}

// Precision returns the number of decimals used for levels near price.
func Precision(price float64) int32 {
	switch {
	case price > 100:
		return 2
	case price > 1:
		return 4
	default:
		return 6
	}
}

// BuildLevels returns N+1 strictly increasing levels from lower to upper.
// It never returns a partial ladder.
func BuildLevels(cfg models.GridConfig) ([]float64, error) {
	if cfg.UpperPrice <= cfg.LowerPrice {
		return nil, fmt.Errorf("%w: upper price %v must be above lower price %v", ErrInvalidConfig, cfg.UpperPrice, cfg.LowerPrice)
	}
	if cfg.LowerPrice <= 0 {
		return nil, fmt.Errorf("%w: lower price must be positive", ErrInvalidConfig)
	}
	n := cfg.GridNum
	if n < MinGridNum {
		n = MinGridNum
	}
	if n > MaxGridNum {
		return nil, fmt.Errorf("%w: grid_num %d exceeds %d", ErrInvalidConfig, n, MaxGridNum)
	}

	lower := decimal.NewFromFloat(cfg.LowerPrice)
	upper := decimal.NewFromFloat(cfg.UpperPrice)
	step := upper.Sub(lower).Div(decimal.NewFromInt(int64(n)))
	digits := Precision(cfg.LowerPrice)

	levels := make([]float64, n+1)
	for i := 0; i <= n; i++ {
		v := lower.Add(step.Mul(decimal.NewFromInt(int64(i)))).Round(digits)
		levels[i] = v.InexactFloat64()
		if i > 0 && levels[i] <= levels[i-1] {
			return nil, fmt.Errorf("%w: step too small for %d decimals", ErrInvalidConfig, digits)
		}
	}
	return levels, nil
}

// LevelIndex returns the greatest i with levels[i] <= price, clamped to the
// ladder. A non-positive price yields -1.
func LevelIndex(price float64, levels []float64) int {
	if price <= 0 || len(levels) == 0 {
		return -1
	}
	// first index whose level is above price
	i := sort.Search(len(levels), func(i int) bool { return levels[i] > price })
	if i == 0 {
		return 0
	}
	return i - 1
}

// NearestIndex returns the index of the level closest to price.
func NearestIndex(price float64, levels []float64) int {
	if len(levels) == 0 {
		return -1
	}
	best := 0
	for i := 1; i < len(levels); i++ {
		if math.Abs(levels[i]-price) < math.Abs(levels[best]-price) {
			best = i
		}
	}
	return best
}

// GapIndex picks the level that is left without an order.
func GapIndex(idx int, mode models.StrategyMode, price float64, levels []float64) int {
	last := len(levels) - 1
	switch mode {
	case models.ModeLong:
		if idx+1 > last {
			return last
		}
		return idx + 1
	case models.ModeShort:
		return idx
	default:
		return NearestIndex(price, levels)
	}
}

// TargetPosition is the net position the strategy wants to hold at idx.
// n is the number of intervals (len(levels)-1). Long and short leave the
// current level to a resting order instead of counting it as inventory.
func TargetPosition(idx, n int, mode models.StrategyMode, qty float64) float64 {
	switch mode {
	case models.ModeLong:
		return float64(max(0, n-1-idx)) * qty
	case models.ModeShort:
		return -float64(max(0, idx-1)) * qty
	default:
		return (float64(n)/2 - float64(idx)) * qty
	}
}
