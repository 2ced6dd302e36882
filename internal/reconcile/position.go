package reconcile

import (
	"context"
	"fmt"
	"math"
	"time"

	"futures-grid-bot-go/internal/exchange"
	"futures-grid-bot-go/internal/metrics"
	"futures-grid-bot-go/internal/models"

	"go.uber.org/zap"
)

// DefaultDeadBand 偏差小于该格数时不做修正
const DefaultDeadBand = 3

// Correction 一次仓位修正的结果
type Correction struct {
	MissingLevels int
	Side          models.Side
	Quantity      float64
	Filled        float64
	OrderID       string
}

// PositionReconciler 将目标仓位与交易所仓位的偏差量化为整数格, 超过死区才下市价单修正
type PositionReconciler struct {
	ex           exchange.Exchange
	logger       *zap.Logger
	deadBand     int
	confirmDelay time.Duration
}

// NewPositionReconciler 创建仓位调和器。confirmDelay 为市价单提交后查询成交的等待时间。
func NewPositionReconciler(ex exchange.Exchange, logger *zap.Logger, deadBand int, confirmDelay time.Duration) *PositionReconciler {
	if deadBand <= 0 {
		deadBand = DefaultDeadBand
	}
	return &PositionReconciler{ex: ex, logger: logger, deadBand: deadBand, confirmDelay: confirmDelay}
}

// MissingLevels 将 target-observed 量化为整数格
func MissingLevels(target, observed, qty float64) int {
	if qty <= 0 {
		return 0
	}
	return int(math.Round((target - observed) / qty))
}

// Adjust 在偏差超过死区时提交一张市价单。返回 nil, nil 表示无需修正。
// 保证金不足的错误原样向上返回 (可用 errors.Is 判断), 由调用方停止机器人。
func (r *PositionReconciler) Adjust(ctx context.Context, symbol string, target, observed, qty float64) (*Correction, error) {
	missing := MissingLevels(target, observed, qty)
	if abs(missing) < r.deadBand {
		return nil, nil
	}

	side := models.Buy
	if missing < 0 {
		side = models.Sell
	}
	amount := float64(abs(missing)) * qty

	r.logger.Info("仓位偏差超过死区, 提交市价单修正",
		zap.Float64("target", target),
		zap.Float64("observed", observed),
		zap.Int("missing_levels", missing),
		zap.String("side", string(side)),
		zap.Float64("amount", amount))

	o, err := r.ex.CreateOrder(ctx, models.OrderRequest{
		Symbol:        symbol,
		Side:          side,
		Type:          models.OrderTypeMarket,
		Quantity:      amount,
		ClientOrderID: exchange.NewClientOrderID(),
	})
	if err != nil {
		metrics.OrderFailures.WithLabelValues("correct", kindLabel(err)).Inc()
		return nil, fmt.Errorf("仓位修正下单失败: %w", err)
	}
	metrics.OrdersPlaced.WithLabelValues(string(side), string(models.OrderTypeMarket)).Inc()
	metrics.PositionCorrections.WithLabelValues(string(side)).Inc()

	corr := &Correction{MissingLevels: missing, Side: side, Quantity: amount, Filled: o.Filled, OrderID: o.ID}
	if corr.Filled > 0 {
		return corr, nil
	}

	if r.confirmDelay > 0 {
		select {
		case <-ctx.Done():
			return corr, nil
		case <-time.After(r.confirmDelay):
		}
	}
	if fetched, err := r.ex.FetchOrder(ctx, symbol, o.ID); err == nil {
		corr.Filled = fetched.Filled
	} else {
		r.logger.Warn("查询修正单成交失败", zap.String("id", o.ID), zap.Error(err))
	}
	return corr, nil
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
