package bot

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"futures-grid-bot-go/internal/exchange"
	"futures-grid-bot-go/internal/grid"
	"futures-grid-bot-go/internal/logger"
	"futures-grid-bot-go/internal/metrics"
	"futures-grid-bot-go/internal/models"
	"futures-grid-bot-go/internal/reconcile"
	"futures-grid-bot-go/internal/risk"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Options 执行循环的节奏与调和参数
type Options struct {
	LoopInterval   time.Duration // 快速检查周期
	Heartbeat      time.Duration // 完整同步周期
	StopTimeout    time.Duration // 停止时等待循环退出的上限
	StepTimeout    time.Duration // 单轮执行的超时
	DeadBand       int
	PriceTolerance float64
	ConfirmDelay   time.Duration
}

// DefaultOptions 返回默认执行参数
func DefaultOptions() Options {
	return Options{
		LoopInterval:   2 * time.Second,
		Heartbeat:      15 * time.Second,
		StopTimeout:    10 * time.Second,
		StepTimeout:    60 * time.Second,
		DeadBand:       reconcile.DefaultDeadBand,
		PriceTolerance: 0.0001,
		ConfirmDelay:   500 * time.Millisecond,
	}
}

// OptionsFromConfig 将引擎配置转换为执行参数, 未设置的字段使用默认值
func OptionsFromConfig(cfg models.EngineConfig) Options {
	o := DefaultOptions()
	if cfg.LoopIntervalMs > 0 {
		o.LoopInterval = time.Duration(cfg.LoopIntervalMs) * time.Millisecond
	}
	if cfg.HeartbeatSec > 0 {
		o.Heartbeat = time.Duration(cfg.HeartbeatSec) * time.Second
	}
	if cfg.StopTimeoutSec > 0 {
		o.StopTimeout = time.Duration(cfg.StopTimeoutSec) * time.Second
	}
	if cfg.StepTimeoutSec > 0 {
		o.StepTimeout = time.Duration(cfg.StepTimeoutSec) * time.Second
	}
	if cfg.DeadBand > 0 {
		o.DeadBand = cfg.DeadBand
	}
	if cfg.PriceTolerance > 0 {
		o.PriceTolerance = cfg.PriceTolerance
	}
	if cfg.ConfirmDelayMs >= 0 {
		o.ConfirmDelay = time.Duration(cfg.ConfirmDelayMs) * time.Millisecond
	}
	return o
}

// StartOptions 启动时的附加参数
type StartOptions struct {
	// ResumePaused 从暂停状态的快照恢复: 初始化完成后直接进入暂停, 不铺单
	ResumePaused bool
	// RunID 为空时自动生成
	RunID string
}

// StopHook 在执行循环因风控或保证金不足自行停止后被调用, runID 为停止的那次运行
type StopHook func(runID, reason string)

type account struct {
	position models.PositionInfo
	wallet   float64
	funding  float64
}

// GridBot 单个交易对的网格机器人。
// mu 串行化循环中的每一轮执行和所有控制命令; stateMu 只保护 phase/cfg/runID,
// 持有时间极短, 供状态查询使用。锁顺序固定为 mu -> stateMu。
type GridBot struct {
	ex        exchange.Exchange
	logger    *zap.Logger
	ring      *logger.Ring
	opts      Options
	book      *reconcile.OrderBook
	positions *reconcile.PositionReconciler
	onStopped StopHook

	mu        sync.Mutex
	levels    []float64
	target    float64
	acct      account
	lastSync  time.Time
	forceSync bool

	stateMu      sync.RWMutex
	phase        models.Phase
	cfg          models.GridConfig
	runID        string
	resumePaused bool // 初始化完成后直接进入暂停
	stopC        chan struct{}
	doneC        chan struct{}
	stopOnce     *sync.Once

	lastPrice  atomic.Uint64 // math.Float64bits
	lastTickAt atomic.Int64
	tickC      chan struct{}
	status     atomic.Pointer[models.Status]
}

// New 创建机器人。ring 为 nil 时状态中不包含日志。
func New(ex exchange.Exchange, log *zap.Logger, ring *logger.Ring, opts Options) *GridBot {
	if log == nil {
		log = zap.NewNop()
	}
	if ring != nil {
		log = logger.WithRing(log, ring)
	}
	log = log.Named("bot")
	b := &GridBot{
		ex:        ex,
		logger:    log,
		ring:      ring,
		opts:      opts,
		book:      reconcile.NewOrderBook(ex, log.Named("orderbook"), opts.PriceTolerance),
		positions: reconcile.NewPositionReconciler(ex, log.Named("position"), opts.DeadBand, opts.ConfirmDelay),
		phase:     models.PhaseStopped,
		tickC:     make(chan struct{}, 1),
	}
	b.publishStatus()
	return b
}

// SetStopHook 注册自行停止的回调, 需在 Start 之前调用
func (b *GridBot) SetStopHook(h StopHook) {
	b.onStopped = h
}

// Phase 当前生命周期阶段
func (b *GridBot) Phase() models.Phase {
	b.stateMu.RLock()
	defer b.stateMu.RUnlock()
	return b.phase
}

// Config 当前网格配置的副本
func (b *GridBot) Config() models.GridConfig {
	b.stateMu.RLock()
	defer b.stateMu.RUnlock()
	return b.cfg.Clone()
}

// RunID 当前运行的标识
func (b *GridBot) RunID() string {
	b.stateMu.RLock()
	defer b.stateMu.RUnlock()
	return b.runID
}

// IsPaused 已暂停, 或正在初始化且将以暂停状态恢复
func (b *GridBot) IsPaused() bool {
	b.stateMu.RLock()
	defer b.stateMu.RUnlock()
	return b.phase == models.PhasePaused || (b.phase == models.PhaseInitializing && b.resumePaused)
}

func (b *GridBot) setResumePaused(v bool) {
	b.stateMu.Lock()
	b.resumePaused = v
	b.stateMu.Unlock()
}

func (b *GridBot) transition(to models.Phase) error {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	if !CanTransition(b.phase, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.phase, to)
	}
	b.logger.Info("阶段切换", zap.String("from", string(b.phase)), zap.String("to", string(to)))
	b.phase = to
	metrics.SetPhase(to)
	return nil
}

// Start 校验配置并启动执行循环。初始化 (设置杠杆、铺设挂单墙) 在循环中完成,
// 失败会在下一个周期重试。
func (b *GridBot) Start(cfg models.GridConfig, so StartOptions) error {
	norm, err := grid.Normalize(cfg)
	if err != nil {
		return err
	}
	levels, err := grid.BuildLevels(norm)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if p := b.Phase(); p != models.PhaseStopped {
		return fmt.Errorf("%w (phase %s)", ErrAlreadyRunning, p)
	}

	runID := so.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	b.levels = levels
	b.target = 0
	b.acct = account{}
	b.lastSync = time.Time{}
	b.forceSync = true
	b.book.Reset()
	b.lastPrice.Store(0)
	b.lastTickAt.Store(0)

	stopC, doneC := make(chan struct{}), make(chan struct{})
	b.stateMu.Lock()
	b.cfg = norm
	b.runID = runID
	b.resumePaused = so.ResumePaused
	b.stopC, b.doneC, b.stopOnce = stopC, doneC, &sync.Once{}
	b.stateMu.Unlock()

	if err := b.transition(models.PhaseInitializing); err != nil {
		return err
	}

	b.logger.Info("机器人启动",
		zap.String("run_id", runID),
		zap.String("symbol", norm.Symbol),
		zap.String("mode", string(norm.Mode)),
		zap.Float64("lower", norm.LowerPrice),
		zap.Float64("upper", norm.UpperPrice),
		zap.Int("grid_num", norm.GridNum),
		zap.Float64("amount", norm.Amount),
		zap.Int("window", norm.ActiveOrderLimit),
		zap.Bool("resume_paused", so.ResumePaused))

	b.publishStatus()
	go b.run(runID, stopC, doneC)
	return nil
}

func (b *GridBot) run(runID string, stopC, doneC chan struct{}) {
	defer close(doneC)

	ticker := time.NewTicker(b.opts.LoopInterval)
	defer ticker.Stop()

	reason := b.step(stopC, true)
	for reason == "" {
		select {
		case <-stopC:
			return
		default:
		}
		select {
		case <-stopC:
			return
		case <-b.tickC:
			reason = b.step(stopC, false)
		case <-ticker.C:
			reason = b.step(stopC, true)
		}
	}

	b.logger.Warn("执行循环触发自动停止", zap.String("reason", reason))
	b.shutdown(reason)
	if b.onStopped != nil {
		b.onStopped(runID, reason)
	}
}

// step 执行一轮循环, 返回非空字符串表示需要停止机器人
func (b *GridBot) step(stopC <-chan struct{}, poll bool) (reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("执行循环异常, 跳过本轮", zap.Any("panic", r))
			b.forceSync = true
		}
		b.publishStatus()
	}()

	select {
	case <-stopC:
		return ""
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.opts.StepTimeout)
	defer cancel()

	switch b.Phase() {
	case models.PhaseInitializing:
		b.initialize(ctx)
		return ""
	case models.PhaseRunning:
	default:
		return ""
	}

	price := b.currentPrice(ctx, poll)
	if price <= 0 {
		return ""
	}

	cfg := b.Config()
	if trig := risk.Evaluate(cfg, price); trig != nil {
		metrics.RiskTriggers.WithLabelValues(string(trig.Kind)).Inc()
		b.logger.Warn("触发风控阈值", zap.String("kind", string(trig.Kind)), zap.Float64("threshold", trig.Threshold), zap.Float64("price", price))
		return trig.String()
	}

	res, err := b.book.CheckOrders(ctx, b.params(cfg))
	if err != nil {
		b.logger.Warn("检查订单状态失败", zap.Error(err))
	} else if len(res.Fills) > 0 {
		b.syncAccount(ctx)
	}

	if b.forceSync || b.lastSync.IsZero() || time.Since(b.lastSync) >= b.opts.Heartbeat {
		return b.fullResync(ctx, price)
	}
	return ""
}

func (b *GridBot) initialize(ctx context.Context) {
	cfg := b.Config()
	if err := b.ex.SetLeverage(ctx, cfg.Symbol, cfg.Leverage); err != nil {
		b.logger.Warn("设置杠杆失败, 继续初始化", zap.Int("leverage", cfg.Leverage), zap.Error(err))
	}

	price := b.currentPrice(ctx, true)
	if price <= 0 {
		b.logger.Warn("初始化: 暂无有效价格, 稍后重试")
		return
	}
	b.syncAccount(ctx)

	b.stateMu.RLock()
	resume := b.resumePaused
	b.stateMu.RUnlock()
	if resume {
		if err := b.book.CancelAll(ctx, cfg.Symbol); err != nil {
			b.logger.Warn("恢复暂停状态时撤单失败", zap.Error(err))
		}
		_ = b.transition(models.PhaseRunning)
		_ = b.transition(models.PhasePaused)
		b.setResumePaused(false)
		b.logger.Info("已从快照恢复为暂停状态, 未铺设挂单", zap.Float64("price", price))
		return
	}

	res, err := b.rebuildAt(ctx, price)
	if err != nil {
		b.logger.Warn("铺设初始挂单失败, 稍后重试", zap.Error(err))
		return
	}
	_ = b.transition(models.PhaseRunning)
	b.forceSync = true
	b.logger.Info("初始化完成",
		zap.Float64("price", price),
		zap.Float64("gap", b.book.View().GapPrice),
		zap.Int("created", res.Created),
		zap.Int("failed", res.Failed))
}

// currentPrice 优先使用推送的最新价; poll 为真且最近一个周期内没有推送时主动查询行情
func (b *GridBot) currentPrice(ctx context.Context, poll bool) float64 {
	last := math.Float64frombits(b.lastPrice.Load())
	fresh := time.Since(time.Unix(0, b.lastTickAt.Load())) < b.opts.LoopInterval
	if !poll || (last > 0 && fresh) {
		return last
	}
	price, err := b.ex.FetchTicker(ctx, b.Config().Symbol)
	if err != nil || price <= 0 {
		b.logger.Debug("查询行情失败, 使用最近价格", zap.Float64("last", last), zap.Error(err))
		return last
	}
	b.lastPrice.Store(math.Float64bits(price))
	metrics.LastPrice.Set(price)
	return price
}

func (b *GridBot) params(cfg models.GridConfig) reconcile.Params {
	return reconcile.Params{
		Symbol:   cfg.Symbol,
		Levels:   b.levels,
		Window:   cfg.ActiveOrderLimit,
		Quantity: cfg.Amount,
	}
}

// rebuildAt 按价格重新计算缝隙并重建挂单墙
func (b *GridBot) rebuildAt(ctx context.Context, price float64) (reconcile.WallResult, error) {
	cfg := b.Config()
	idx := grid.LevelIndex(price, b.levels)
	if idx < 0 {
		return reconcile.WallResult{}, fmt.Errorf("invalid price %v", price)
	}
	gap := grid.GapIndex(idx, cfg.Mode, price, b.levels)
	return b.book.Rebuild(ctx, b.params(cfg), gap)
}

// syncAccount 同步持仓、余额和资金费率。持仓查询失败返回 false。
func (b *GridBot) syncAccount(ctx context.Context) bool {
	cfg := b.Config()
	positions, err := b.ex.FetchPositions(ctx, cfg.Symbol)
	if err != nil {
		b.logger.Warn("同步持仓失败", zap.Error(err))
		return false
	}
	pos := models.PositionInfo{}
	for _, p := range positions {
		if p.Size != 0 {
			pos = models.PositionInfo{
				Size:             p.Size,
				EntryPrice:       p.EntryPrice,
				LiquidationPrice: p.LiquidationPrice,
				UnrealizedPnL:    p.UnrealizedPnL,
			}
			break
		}
	}
	b.acct.position = pos
	metrics.PositionSize.Set(pos.Size)

	if bal, err := b.ex.FetchBalance(ctx); err == nil {
		b.acct.wallet = bal[exchange.QuoteCurrency(cfg.Symbol)]
	} else {
		b.logger.Warn("同步余额失败", zap.Error(err))
	}

	if rate, err := b.ex.FetchFundingRate(ctx, cfg.Symbol); err == nil {
		b.acct.funding = decimal.NewFromFloat(rate * 100).Round(4).InexactFloat64()
	} else {
		b.acct.funding = 0
	}
	b.lastSync = time.Now()
	return true
}

// fullResync 完整同步: 账户 -> 目标仓位 -> 仓位修正 -> 挂单墙调和
func (b *GridBot) fullResync(ctx context.Context, price float64) string {
	metrics.FullResyncs.Inc()
	b.forceSync = false

	synced := b.syncAccount(ctx)
	idx := grid.LevelIndex(price, b.levels)
	if idx < 0 {
		return ""
	}
	cfg := b.Config()
	b.target = grid.TargetPosition(idx, len(b.levels)-1, cfg.Mode, cfg.Amount)

	if !synced {
		b.forceSync = true
	} else {
		corr, err := b.positions.Adjust(ctx, cfg.Symbol, b.target, b.acct.position.Size, cfg.Amount)
		switch {
		case errors.Is(err, exchange.ErrInsufficientMargin):
			b.logger.Error("仓位修正保证金不足, 停止机器人", zap.Error(err))
			return "insufficient margin during position correction"
		case err != nil:
			b.logger.Warn("仓位修正失败, 下轮重试", zap.Error(err))
			b.forceSync = true
		case corr != nil:
			b.forceSync = true
			if corr.Filled > 0 {
				b.logger.Info("仓位已修正, 重新铺设挂单墙",
					zap.String("side", string(corr.Side)),
					zap.Float64("filled", corr.Filled),
					zap.Int("missing_levels", corr.MissingLevels))
				b.syncAccount(ctx)
				if _, err := b.rebuildAt(ctx, price); err != nil {
					b.logger.Warn("重建挂单墙失败", zap.Error(err))
				}
				return ""
			}
		}
	}

	// 围绕当前缝隙修补挂单墙; 缝隙未设置或已偏离价格超过窗口时按价格重新计算
	gap := b.book.View().GapIndex
	fresh := grid.GapIndex(idx, cfg.Mode, price, b.levels)
	if gap < 0 || gap >= len(b.levels) || absInt(gap-fresh) > cfg.ActiveOrderLimit {
		gap = fresh
	}
	if _, err := b.book.Rebuild(ctx, b.params(cfg), gap); err != nil {
		b.logger.Warn("挂单墙调和失败", zap.Error(err))
		b.forceSync = true
	}
	return ""
}

// OnTick 接收推送的最新价并唤醒执行循环, 不阻塞调用方
func (b *GridBot) OnTick(price float64) {
	if price <= 0 || b.Phase() == models.PhaseStopped {
		return
	}
	b.lastPrice.Store(math.Float64bits(price))
	b.lastTickAt.Store(time.Now().UnixNano())
	metrics.LastPrice.Set(price)
	select {
	case b.tickC <- struct{}{}:
	default:
	}
}

// Pause 撤销全部挂单并暂停执行, 保留仓位
func (b *GridBot) Pause() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch p := b.Phase(); p {
	case models.PhaseRunning:
	case models.PhaseStopped:
		return ErrNotRunning
	default:
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p, models.PhasePaused)
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.opts.StepTimeout)
	defer cancel()
	if err := b.book.CancelAll(ctx, b.Config().Symbol); err != nil {
		b.logger.Warn("暂停时撤单失败", zap.Error(err))
	}
	if err := b.transition(models.PhasePaused); err != nil {
		return err
	}
	b.logger.Info("已暂停: 撤销全部挂单, 保留仓位")
	b.publishStatus()
	return nil
}

// Resume 在当前价格重新铺设挂单墙并恢复执行
func (b *GridBot) Resume() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch p := b.Phase(); p {
	case models.PhasePaused:
	case models.PhaseStopped:
		return ErrNotRunning
	default:
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p, models.PhaseRunning)
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.opts.StepTimeout)
	defer cancel()

	if err := b.transition(models.PhaseRunning); err != nil {
		return err
	}
	b.setResumePaused(false)
	b.forceSync = true

	if price := b.currentPrice(ctx, true); price > 0 {
		b.book.Reset()
		if _, err := b.rebuildAt(ctx, price); err != nil {
			b.logger.Warn("恢复时铺设挂单失败, 由下一轮同步重试", zap.Error(err))
		}
	}
	b.logger.Info("已恢复运行")
	b.publishStatus()
	return nil
}

// UpdateConfig 修改白名单内的参数。校验失败时不做任何修改;
// 运行中会在最新价格处软重启挂单墙, 暂停时只保存配置。
func (b *GridBot) UpdateConfig(patch models.ConfigPatch) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	phase := b.Phase()
	if phase != models.PhaseRunning && phase != models.PhasePaused {
		return nil, ErrNotRunning
	}

	cfg := b.Config()
	var updated []string
	if patch.StopLoss != nil {
		cfg.StopLoss = positiveOrNil(*patch.StopLoss)
		updated = append(updated, "stop_loss")
	}
	if patch.TakeProfit != nil {
		cfg.TakeProfit = positiveOrNil(*patch.TakeProfit)
		updated = append(updated, "take_profit")
	}
	if patch.ActiveOrderLimit != nil {
		if *patch.ActiveOrderLimit < 1 {
			return nil, fmt.Errorf("%w: active_order_limit must be >= 1", grid.ErrInvalidConfig)
		}
		cfg.ActiveOrderLimit = *patch.ActiveOrderLimit
		updated = append(updated, "active_order_limit")
	}
	if patch.LowerPrice != nil {
		cfg.LowerPrice = *patch.LowerPrice
		updated = append(updated, "lower_price")
	}
	if patch.UpperPrice != nil {
		cfg.UpperPrice = *patch.UpperPrice
		updated = append(updated, "upper_price")
	}
	if patch.GridNum != nil {
		cfg.GridNum = *patch.GridNum
		updated = append(updated, "grid_num")
	}
	if patch.Amount != nil {
		cfg.Amount = *patch.Amount
		updated = append(updated, "amount")
	}
	if len(updated) == 0 {
		return nil, nil
	}

	norm, err := grid.Normalize(cfg)
	if err != nil {
		return nil, err
	}
	levels, err := grid.BuildLevels(norm)
	if err != nil {
		return nil, err
	}

	b.stateMu.Lock()
	b.cfg = norm
	b.stateMu.Unlock()
	if !slices.Equal(b.levels, levels) {
		// 旧缝隙索引和本地镜像都属于旧网格, 交给下一次调和按交易所挂单重建
		b.book.Reset()
	}
	b.levels = levels
	b.forceSync = true

	if phase == models.PhaseRunning {
		ctx, cancel := context.WithTimeout(context.Background(), b.opts.StepTimeout)
		defer cancel()
		if price := b.currentPrice(ctx, false); price > 0 {
			if _, err := b.rebuildAt(ctx, price); err != nil {
				b.logger.Warn("配置更新后重建挂单墙失败", zap.Error(err))
			}
		}
	}

	b.logger.Info("配置已更新", zap.Strings("fields", updated))
	b.publishStatus()
	return updated, nil
}

// Stop 停止执行循环, 撤销全部挂单并以 reduce-only 市价单平仓
func (b *GridBot) Stop() error {
	b.stateMu.RLock()
	phase, stopC, doneC, once := b.phase, b.stopC, b.doneC, b.stopOnce
	b.stateMu.RUnlock()
	if phase == models.PhaseStopped {
		return ErrNotRunning
	}

	b.halt(stopC, doneC, once)
	b.shutdown("manual stop")
	return nil
}

// Halt 只停止执行循环, 不撤单不平仓, 阶段保持不变。用于进程退出。
func (b *GridBot) Halt() {
	b.stateMu.RLock()
	stopC, doneC, once := b.stopC, b.doneC, b.stopOnce
	b.stateMu.RUnlock()
	if stopC == nil {
		return
	}
	b.halt(stopC, doneC, once)
}

func (b *GridBot) halt(stopC, doneC chan struct{}, once *sync.Once) {
	once.Do(func() { close(stopC) })
	select {
	case <-doneC:
	case <-time.After(b.opts.StopTimeout):
		b.logger.Warn("等待执行循环退出超时, 继续清理", zap.Duration("timeout", b.opts.StopTimeout))
	}
}

func (b *GridBot) shutdown(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.Phase() == models.PhaseStopped {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.opts.StepTimeout)
	defer cancel()
	cfg := b.Config()

	if err := b.book.CancelAll(ctx, cfg.Symbol); err != nil {
		b.logger.Error("停止时撤单失败", zap.Error(err))
	}
	b.flatten(ctx, cfg.Symbol)

	_ = b.transition(models.PhaseStopped)
	b.logger.Info("机器人已停止", zap.String("reason", reason))
	b.publishStatus()
}

// flatten 对每个非零仓位提交反向 reduce-only 市价单
func (b *GridBot) flatten(ctx context.Context, symbol string) {
	positions, err := b.ex.FetchPositions(ctx, symbol)
	if err != nil {
		b.logger.Error("停止时查询持仓失败, 无法平仓", zap.Error(err))
		return
	}
	for _, p := range positions {
		if p.Size == 0 {
			continue
		}
		side := models.Sell
		if p.Size < 0 {
			side = models.Buy
		}
		o, err := b.ex.CreateOrder(ctx, models.OrderRequest{
			Symbol:        symbol,
			Side:          side,
			Type:          models.OrderTypeMarket,
			Quantity:      math.Abs(p.Size),
			ReduceOnly:    true,
			ClientOrderID: exchange.NewClientOrderID(),
		})
		if err != nil {
			b.logger.Error("平仓失败", zap.Float64("size", p.Size), zap.Error(err))
			metrics.OrderFailures.WithLabelValues("flatten", exchange.Label(err)).Inc()
			continue
		}
		metrics.OrdersPlaced.WithLabelValues(string(side), string(models.OrderTypeMarket)).Inc()
		b.logger.Info("已平仓", zap.String("side", string(side)), zap.Float64("size", p.Size), zap.String("id", o.ID))
		b.acct.position = models.PositionInfo{}
		metrics.PositionSize.Set(0)
	}
}

// Status 返回最近一次发布的状态快照, 不会阻塞在执行循环上
func (b *GridBot) Status() models.Status {
	var st models.Status
	if p := b.status.Load(); p != nil {
		st = *p
	}
	if b.ring != nil {
		st.Logs = b.ring.Lines()
	}
	return st
}

// publishStatus 在持有 mu 时调用
func (b *GridBot) publishStatus() {
	b.stateMu.RLock()
	phase, cfg, runID := b.phase, b.cfg.Clone(), b.runID
	b.stateMu.RUnlock()

	st := &models.Status{
		RunID:          runID,
		Phase:          phase,
		Running:        phase != models.PhaseStopped,
		Paused:         phase == models.PhasePaused,
		Symbol:         cfg.Symbol,
		Mode:           cfg.Mode,
		LastPrice:      math.Float64frombits(b.lastPrice.Load()),
		PriceLevel:     -1,
		TargetPosition: b.target,
		Position:       b.acct.position,
		WalletBalance:  b.acct.wallet,
		FundingRate:    b.acct.funding,
		PnL:            b.acct.position.UnrealizedPnL,
		LastSync:       b.lastSync,
	}
	if cfg.Symbol != "" {
		st.Config = &cfg
	}

	view := b.book.View()
	st.GapPrice = view.GapPrice
	st.OpenBuys = len(view.Buys)
	st.OpenSells = len(view.Sells)
	if len(b.levels) > 0 && st.LastPrice > 0 {
		st.PriceLevel = grid.LevelIndex(st.LastPrice, b.levels)
	}
	st.Orders = ladder(b.levels, view, st.PriceLevel, cfg.Amount, b.opts.PriceTolerance)

	b.status.Store(st)
}

// ladder 从高到低生成网格阶梯
func ladder(levels []float64, view reconcile.BookView, current int, amount, tol float64) []models.LadderRow {
	has := func(prices []float64, p float64) bool {
		for _, q := range prices {
			if reconcile.PriceMatch(p, q, tol) {
				return true
			}
		}
		return false
	}
	rows := make([]models.LadderRow, 0, len(levels))
	for i := len(levels) - 1; i >= 0; i-- {
		row := models.LadderRow{Index: i, Price: levels[i], Type: "---", Current: i == current}
		switch {
		case has(view.Buys, levels[i]):
			row.Type, row.Amount = "BUY", amount
		case has(view.Sells, levels[i]):
			row.Type, row.Amount = "SELL", amount
		case i == view.GapIndex:
			row.Type = "GAP"
		}
		rows = append(rows, row)
	}
	return rows
}

func positiveOrNil(v float64) *float64 {
	if v <= 0 {
		return nil
	}
	return &v
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
