package metrics

import (
	"futures-grid-bot-go/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ============ 订单 ============

// OrdersPlaced 成功提交的订单, 按方向和类型
var OrdersPlaced = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gridbot",
		Subsystem: "orders",
		Name:      "placed_total",
		Help:      "Orders accepted by the exchange",
	},
	[]string{"side", "type"},
)

// OrdersCancelled 成功撤销 (或确认已不存在) 的订单
var OrdersCancelled = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gridbot",
		Subsystem: "orders",
		Name:      "cancelled_total",
		Help:      "Orders cancelled by the bot",
	},
	[]string{"side"},
)

// OrderFailures 下单/撤单失败, reason 为错误分类
var OrderFailures = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gridbot",
		Subsystem: "orders",
		Name:      "failures_total",
		Help:      "Failed order operations by kind",
	},
	[]string{"op", "reason"},
)

// ============ 调和 ============

// GapShifts 成交触发的缝隙移动
var GapShifts = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gridbot",
		Subsystem: "reconcile",
		Name:      "gap_shifts_total",
		Help:      "Fill-driven gap shifts",
	},
	[]string{"side"},
)

// FullResyncs 全量同步次数
var FullResyncs = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "gridbot",
		Subsystem: "reconcile",
		Name:      "full_resyncs_total",
		Help:      "Full position and order wall resyncs",
	},
)

// PositionCorrections 仓位修正市价单
var PositionCorrections = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gridbot",
		Subsystem: "reconcile",
		Name:      "position_corrections_total",
		Help:      "Market orders issued to correct position drift",
	},
	[]string{"side"},
)

// RiskTriggers 止损/止盈触发
var RiskTriggers = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gridbot",
		Subsystem: "risk",
		Name:      "triggers_total",
		Help:      "Stop-loss and take-profit triggers",
	},
	[]string{"kind"},
)

// ============ 状态 ============

// Phase 当前阶段, 活跃阶段为 1
var Phase = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "gridbot",
		Subsystem: "bot",
		Name:      "phase",
		Help:      "Lifecycle phase (1 for the active phase)",
	},
	[]string{"phase"},
)

// LastPrice 最新价格
var LastPrice = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "gridbot",
		Subsystem: "bot",
		Name:      "last_price",
		Help:      "Last price seen by the execution loop",
	},
)

// PositionSize 交易所报告的净持仓
var PositionSize = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "gridbot",
		Subsystem: "bot",
		Name:      "position_size",
		Help:      "Net position reported by the exchange",
	},
)

var allPhases = []models.Phase{models.PhaseStopped, models.PhaseInitializing, models.PhaseRunning, models.PhasePaused}

// SetPhase 将 p 置 1, 其余阶段置 0
func SetPhase(p models.Phase) {
	for _, ph := range allPhases {
		v := 0.0
		if ph == p {
			v = 1
		}
		Phase.WithLabelValues(string(ph)).Set(v)
	}
}
