package models

import "time"

// Config 定义了进程级配置 (交易所、引擎参数、持久化、日志等)
type Config struct {
	Exchange    ExchangeConfig    `json:"exchange" yaml:"exchange"`
	Engine      EngineConfig      `json:"engine" yaml:"engine"`
	Persistence PersistenceConfig `json:"persistence" yaml:"persistence"`
	Journal     JournalConfig     `json:"journal" yaml:"journal"`
	Feed        FeedConfig        `json:"feed" yaml:"feed"`
	API         APIConfig         `json:"api" yaml:"api"`
	LogConfig   LogConfig         `json:"log" yaml:"log"`

	// Grid 在没有持久化快照且 AutoStart 为 true 时用于启动时直接运行
	Grid      *GridConfig `json:"grid,omitempty" yaml:"grid,omitempty"`
	AutoStart bool        `json:"auto_start" yaml:"auto_start"`
}

// ExchangeConfig 交易所连接配置。API密钥只从环境变量读取。
type ExchangeConfig struct {
	Name             string  `json:"name" yaml:"name"` // "binance" 或 "paper"
	IsTestnet        bool    `json:"is_testnet" yaml:"is_testnet"`
	OrderRateLimit   float64 `json:"order_rate_limit" yaml:"order_rate_limit"` // 每秒允许的下单/撤单请求数
	OrderBurst       int     `json:"order_burst" yaml:"order_burst"`
	RequestTimeoutMs int     `json:"request_timeout_ms" yaml:"request_timeout_ms"`

	// 模拟盘参数
	PaperBalance float64 `json:"paper_balance" yaml:"paper_balance"`
	MakerFeeRate float64 `json:"maker_fee_rate" yaml:"maker_fee_rate"`
	TakerFeeRate float64 `json:"taker_fee_rate" yaml:"taker_fee_rate"`
}

// EngineConfig 执行循环的节奏与调和阈值
type EngineConfig struct {
	LoopIntervalMs    int     `json:"loop_interval_ms" yaml:"loop_interval_ms"`
	HeartbeatSec      int     `json:"heartbeat_sec" yaml:"heartbeat_sec"`
	StopTimeoutSec    int     `json:"stop_timeout_sec" yaml:"stop_timeout_sec"`
	StepTimeoutSec    int     `json:"step_timeout_sec" yaml:"step_timeout_sec"`
	DeadBand          int     `json:"dead_band" yaml:"dead_band"`
	PriceTolerance    float64 `json:"price_tolerance" yaml:"price_tolerance"`
	ConfirmDelayMs    int     `json:"confirm_delay_ms" yaml:"confirm_delay_ms"`
	StatusIntervalSec int     `json:"status_interval_sec" yaml:"status_interval_sec"`
}

// PersistenceConfig 快照存储位置
type PersistenceConfig struct {
	Backend string `json:"backend" yaml:"backend"` // "file" 或 "badger"
	Path    string `json:"path" yaml:"path"`
}

// JournalConfig sqlite 订单流水
type JournalConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

// FeedConfig 行情推送配置
type FeedConfig struct {
	Enabled           bool   `json:"enabled" yaml:"enabled"`
	WSBaseURL         string `json:"ws_base_url" yaml:"ws_base_url"`
	ReconnectDelaySec int    `json:"reconnect_delay_sec" yaml:"reconnect_delay_sec"`
}

// APIConfig HTTP 控制接口
type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level" yaml:"level"`             // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output" yaml:"output"`           // 输出位置, "console", "file", or "both"
	File       string `json:"file" yaml:"file"`               // 日志文件路径
	MaxSize    int    `json:"max_size" yaml:"max_size"`       // 每个日志文件的最大尺寸 (MB)
	MaxBackups int    `json:"max_backups" yaml:"max_backups"` // 保留的旧日志文件的最大数量
	MaxAge     int    `json:"max_age" yaml:"max_age"`         // 保留的旧日志文件的最大天数
	Compress   bool   `json:"compress" yaml:"compress"`       // 是否压缩旧日志文件
}

// OrderType 订单类型
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// OrderStatus 与交易所无关的订单状态
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// IsOpen 订单是否仍在挂单簿中
func (s OrderStatus) IsOpen() bool {
	return s == OrderStatusNew || s == OrderStatusPartiallyFilled
}

// Order 交易所返回的订单
type Order struct {
	ID            string      `json:"id"`
	ClientOrderID string      `json:"client_order_id"`
	Symbol        string      `json:"symbol"`
	Side          Side        `json:"side"`
	Type          OrderType   `json:"type"`
	Price         float64     `json:"price"`
	Quantity      float64     `json:"quantity"`
	Filled        float64     `json:"filled"`
	AvgPrice      float64     `json:"avg_price"`
	Status        OrderStatus `json:"status"`
	ReduceOnly    bool        `json:"reduce_only"`
	UpdateTime    time.Time   `json:"update_time"`
}

// OrderRequest 下单请求。市价单忽略 Price。
type OrderRequest struct {
	Symbol        string
	Side          Side
	Type          OrderType
	Quantity      float64
	Price         float64
	ReduceOnly    bool
	ClientOrderID string
}

// Position 合约持仓, Size 为带符号的净持仓 (多为正, 空为负)
type Position struct {
	Symbol           string  `json:"symbol"`
	Size             float64 `json:"size"`
	EntryPrice       float64 `json:"entry_price"`
	LiquidationPrice float64 `json:"liquidation_price"`
	UnrealizedPnL    float64 `json:"unrealized_pnl"`
}
