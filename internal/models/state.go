package models

import "time"

// Side 定义了订单方向
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite 返回相反方向
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// StrategyMode 网格方向
type StrategyMode string

const (
	ModeLong    StrategyMode = "long"
	ModeShort   StrategyMode = "short"
	ModeNeutral StrategyMode = "neutral"
)

// GridConfig 单次运行的网格参数
type GridConfig struct {
	Symbol           string       `json:"symbol" yaml:"symbol"`
	LowerPrice       float64      `json:"lower_price" yaml:"lower_price"`
	UpperPrice       float64      `json:"upper_price" yaml:"upper_price"`
	GridNum          int          `json:"grid_num" yaml:"grid_num"`
	Amount           float64      `json:"amount" yaml:"amount"` // 每格下单数量
	Mode             StrategyMode `json:"strategy_type" yaml:"strategy_type"`
	ActiveOrderLimit int          `json:"active_order_limit" yaml:"active_order_limit"` // 每侧挂单窗口 K
	Leverage         int          `json:"leverage" yaml:"leverage"`
	StopLoss         *float64     `json:"stop_loss,omitempty" yaml:"stop_loss,omitempty"`
	TakeProfit       *float64     `json:"take_profit,omitempty" yaml:"take_profit,omitempty"`
}

// Clone 返回深拷贝, 避免指针字段被共享
func (c GridConfig) Clone() GridConfig {
	out := c
	if c.StopLoss != nil {
		v := *c.StopLoss
		out.StopLoss = &v
	}
	if c.TakeProfit != nil {
		v := *c.TakeProfit
		out.TakeProfit = &v
	}
	return out
}

// ConfigPatch 运行期可修改的白名单字段。nil 表示不修改;
// StopLoss/TakeProfit 传入 <= 0 表示清除。
type ConfigPatch struct {
	StopLoss         *float64 `json:"stop_loss,omitempty"`
	TakeProfit       *float64 `json:"take_profit,omitempty"`
	ActiveOrderLimit *int     `json:"active_order_limit,omitempty"`
	LowerPrice       *float64 `json:"lower_price,omitempty"`
	UpperPrice       *float64 `json:"upper_price,omitempty"`
	GridNum          *int     `json:"grid_num,omitempty"`
	Amount           *float64 `json:"amount,omitempty"`
}

// Phase 机器人生命周期阶段
type Phase string

const (
	PhaseStopped      Phase = "stopped"
	PhaseInitializing Phase = "initializing"
	PhaseRunning      Phase = "running"
	PhasePaused       Phase = "paused"
)

// PositionInfo 从交易所同步的持仓快照
type PositionInfo struct {
	Size             float64 `json:"size"`
	EntryPrice       float64 `json:"entry_price"`
	LiquidationPrice float64 `json:"liquidation_price"`
	UnrealizedPnL    float64 `json:"unrealized_pnl"`
}

// LadderRow 状态页中的一行网格
type LadderRow struct {
	Index   int     `json:"idx"`
	Price   float64 `json:"price"`
	Type    string  `json:"type"` // BUY, SELL, GAP, ---
	Amount  float64 `json:"amt"`
	Current bool    `json:"current"`
}

// Status 提供给控制面的只读快照
type Status struct {
	RunID          string       `json:"run_id"`
	Phase          Phase        `json:"phase"`
	Running        bool         `json:"running"`
	Paused         bool         `json:"paused"`
	Symbol         string       `json:"symbol"`
	Mode           StrategyMode `json:"mode"`
	LastPrice      float64      `json:"last_price"`
	PriceLevel     int          `json:"price_level"`
	GapPrice       float64      `json:"gap_price"`
	TargetPosition float64      `json:"target_position"`
	Position       PositionInfo `json:"position"`
	WalletBalance  float64      `json:"wallet_balance"`
	FundingRate    float64      `json:"funding_rate"`
	PnL            float64      `json:"pnl"`
	OpenBuys       int          `json:"open_buys"`
	OpenSells      int          `json:"open_sells"`
	Orders         []LadderRow  `json:"orders"`
	LastSync       time.Time    `json:"last_sync"`
	Config         *GridConfig  `json:"config,omitempty"`
	Logs           []string     `json:"logs"`
}

// Snapshot 持久化的生命周期记录
type Snapshot struct {
	Running   bool        `json:"running"`
	Paused    bool        `json:"paused"`
	Config    *GridConfig `json:"config"`
	RunID     string      `json:"run_id,omitempty"`
	UpdatedAt time.Time   `json:"updated_at"`
}
