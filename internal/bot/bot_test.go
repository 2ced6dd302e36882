package bot

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"futures-grid-bot-go/internal/exchange"
	"futures-grid-bot-go/internal/grid"
	"futures-grid-bot-go/internal/logger"
	"futures-grid-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const symbol = "BTC/USDT"

func ptr[T any](v T) *T { return &v }

func testOptions() Options {
	return Options{
		LoopInterval:   10 * time.Millisecond,
		Heartbeat:      50 * time.Millisecond,
		StopTimeout:    2 * time.Second,
		StepTimeout:    5 * time.Second,
		DeadBand:       3,
		PriceTolerance: 0.0001,
	}
}

// 价格 90900, 网格 90000..92000 共 5 格, 做多, 每侧 2 张
func scenarioConfig() models.GridConfig {
	return models.GridConfig{
		Symbol:           symbol,
		LowerPrice:       90000,
		UpperPrice:       92000,
		GridNum:          5,
		Amount:           0.01,
		Mode:             models.ModeLong,
		ActiveOrderLimit: 2,
		Leverage:         10,
	}
}

func newTestBot(t *testing.T, balance, price float64) (*GridBot, *exchange.PaperExchange) {
	t.Helper()
	paper := exchange.NewPaperExchange(exchange.PaperConfig{Balance: balance})
	paper.SetPrice(symbol, price)
	b := New(paper, zap.NewNop(), logger.NewRing(50), testOptions())
	t.Cleanup(b.Halt)
	return b, paper
}

func openOrders(t *testing.T, ex exchange.Exchange) []models.Order {
	t.Helper()
	orders, err := ex.FetchOpenOrders(context.Background(), symbol)
	require.NoError(t, err)
	return orders
}

func netPosition(t *testing.T, ex exchange.Exchange) float64 {
	t.Helper()
	positions, err := ex.FetchPositions(context.Background(), symbol)
	require.NoError(t, err)
	total := 0.0
	for _, p := range positions {
		total += p.Size
	}
	return total
}

func waitPhase(t *testing.T, b *GridBot, want models.Phase) {
	t.Helper()
	require.Eventually(t, func() bool { return b.Phase() == want }, 3*time.Second, 5*time.Millisecond,
		"phase never reached %s (now %s)", want, b.Phase())
}

func startRunning(t *testing.T, b *GridBot, paper *exchange.PaperExchange) {
	t.Helper()
	require.NoError(t, b.Start(scenarioConfig(), StartOptions{}))
	waitPhase(t, b, models.PhaseRunning)
	require.Eventually(t, func() bool { return len(openOrders(t, paper)) == 4 }, 3*time.Second, 5*time.Millisecond)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(models.PhaseStopped, models.PhaseInitializing))
	assert.True(t, CanTransition(models.PhaseRunning, models.PhasePaused))
	assert.True(t, CanTransition(models.PhasePaused, models.PhaseRunning))
	assert.True(t, CanTransition(models.PhasePaused, models.PhaseStopped))
	assert.False(t, CanTransition(models.PhaseStopped, models.PhaseRunning))
	assert.False(t, CanTransition(models.PhaseStopped, models.PhasePaused))
	assert.False(t, CanTransition(models.PhaseInitializing, models.PhasePaused))
	assert.False(t, CanTransition(models.PhaseRunning, models.PhaseInitializing))
}

func TestStartSeedsWall(t *testing.T) {
	b, paper := newTestBot(t, 100000, 90900)
	startRunning(t, b, paper)

	var buys, sells []float64
	for _, o := range openOrders(t, paper) {
		if o.Side == models.Buy {
			buys = append(buys, o.Price)
		} else {
			sells = append(sells, o.Price)
		}
	}
	assert.ElementsMatch(t, []float64{90400, 90800}, buys)
	assert.ElementsMatch(t, []float64{91600, 92000}, sells)
	assert.NotEmpty(t, b.RunID())
	assert.Equal(t, 0.0, netPosition(t, paper), "drift of 2 levels is inside the dead band")
}

func TestStartRejectsSecondStartAndInvalidConfig(t *testing.T) {
	b, paper := newTestBot(t, 100000, 90900)

	bad := scenarioConfig()
	bad.UpperPrice = bad.LowerPrice
	err := b.Start(bad, StartOptions{})
	assert.ErrorIs(t, err, grid.ErrInvalidConfig)
	assert.Equal(t, models.PhaseStopped, b.Phase())

	startRunning(t, b, paper)
	assert.ErrorIs(t, b.Start(scenarioConfig(), StartOptions{}), ErrAlreadyRunning)
}

func TestPauseAndResume(t *testing.T) {
	b, paper := newTestBot(t, 100000, 90900)
	startRunning(t, b, paper)

	require.NoError(t, b.Pause())
	assert.Equal(t, models.PhasePaused, b.Phase())
	assert.Empty(t, openOrders(t, paper))
	assert.True(t, b.IsPaused())

	// 暂停期间循环不再铺单
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, openOrders(t, paper))

	assert.ErrorIs(t, b.Pause(), ErrInvalidTransition)

	require.NoError(t, b.Resume())
	assert.Equal(t, models.PhaseRunning, b.Phase())
	assert.Len(t, openOrders(t, paper), 4)
	assert.ErrorIs(t, b.Resume(), ErrInvalidTransition)
}

func TestCommandsWhenStopped(t *testing.T) {
	b, _ := newTestBot(t, 100000, 90900)

	assert.ErrorIs(t, b.Pause(), ErrNotRunning)
	assert.ErrorIs(t, b.Resume(), ErrNotRunning)
	assert.ErrorIs(t, b.Stop(), ErrNotRunning)
	_, err := b.UpdateConfig(models.ConfigPatch{ActiveOrderLimit: ptr(3)})
	assert.ErrorIs(t, err, ErrNotRunning)

	b.OnTick(95000)
	assert.Equal(t, 0.0, b.Status().LastPrice)
}

func TestStopCancelsAndFlattens(t *testing.T) {
	b, paper := newTestBot(t, 100000, 90900)
	startRunning(t, b, paper)

	_, err := paper.CreateOrder(context.Background(), models.OrderRequest{
		Symbol: symbol, Side: models.Buy, Type: models.OrderTypeMarket, Quantity: 0.02,
	})
	require.NoError(t, err)
	require.Equal(t, 0.02, netPosition(t, paper))

	require.NoError(t, b.Stop())
	assert.Equal(t, models.PhaseStopped, b.Phase())
	assert.Empty(t, openOrders(t, paper))
	assert.InDelta(t, 0, netPosition(t, paper), 1e-12)

	st := b.Status()
	assert.False(t, st.Running)
	assert.ErrorIs(t, b.Stop(), ErrNotRunning)
}

func TestStopLossStopsBot(t *testing.T) {
	b, paper := newTestBot(t, 100000, 90900)

	var mu sync.Mutex
	var reason string
	var stoppedRun string
	b.SetStopHook(func(runID, r string) {
		mu.Lock()
		stoppedRun, reason = runID, r
		mu.Unlock()
	})

	cfg := scenarioConfig()
	cfg.StopLoss = ptr(90000.0)
	require.NoError(t, b.Start(cfg, StartOptions{RunID: "run-sl"}))
	waitPhase(t, b, models.PhaseRunning)

	paper.SetPrice(symbol, 89900)
	b.OnTick(89900)

	waitPhase(t, b, models.PhaseStopped)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return reason != ""
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Contains(t, reason, "stop_loss")
	assert.Equal(t, "run-sl", stoppedRun)
	mu.Unlock()
	assert.Empty(t, openOrders(t, paper))
	assert.InDelta(t, 0, netPosition(t, paper), 1e-12)
}

func TestFillShiftsGapThroughLoop(t *testing.T) {
	b, paper := newTestBot(t, 100000, 90900)
	startRunning(t, b, paper)

	paper.SetPrice(symbol, 91600)
	b.OnTick(91600)

	require.Eventually(t, func() bool { return b.Status().GapPrice == 91600 }, 3*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		st := b.Status()
		return st.OpenBuys == 2 && st.OpenSells == 1
	}, 3*time.Second, 5*time.Millisecond)
}

func TestUpdateConfig(t *testing.T) {
	b, paper := newTestBot(t, 100000, 90900)
	startRunning(t, b, paper)

	updated, err := b.UpdateConfig(models.ConfigPatch{ActiveOrderLimit: ptr(1), TakeProfit: ptr(95000.0)})
	require.NoError(t, err)
	assert.Equal(t, []string{"take_profit", "active_order_limit"}, updated)
	assert.Equal(t, 1, b.Config().ActiveOrderLimit)
	require.NotNil(t, b.Config().TakeProfit)
	assert.Len(t, openOrders(t, paper), 2)

	// 非法区间不修改任何字段
	_, err = b.UpdateConfig(models.ConfigPatch{LowerPrice: ptr(93000.0)})
	assert.ErrorIs(t, err, grid.ErrInvalidConfig)
	assert.Equal(t, 90000.0, b.Config().LowerPrice)

	updated, err = b.UpdateConfig(models.ConfigPatch{TakeProfit: ptr(0.0)})
	require.NoError(t, err)
	assert.Equal(t, []string{"take_profit"}, updated)
	assert.Nil(t, b.Config().TakeProfit)

	require.NoError(t, b.Pause())
	_, err = b.UpdateConfig(models.ConfigPatch{ActiveOrderLimit: ptr(2)})
	require.NoError(t, err)
	assert.Empty(t, openOrders(t, paper), "paused bot only stores the new config")
}

func sidePrices(orders []models.Order) (buys, sells []float64) {
	for _, o := range orders {
		if o.Side == models.Buy {
			buys = append(buys, o.Price)
		} else {
			sells = append(sells, o.Price)
		}
	}
	return buys, sells
}

func TestUpdateGridMovesWallToNewLadder(t *testing.T) {
	b, paper := newTestBot(t, 100000, 90900)
	startRunning(t, b, paper)

	// 90000..92000 四格: 90900 落在 90500, 缝隙 91000
	updated, err := b.UpdateConfig(models.ConfigPatch{GridNum: ptr(4)})
	require.NoError(t, err)
	assert.Equal(t, []string{"grid_num"}, updated)

	buys, sells := sidePrices(openOrders(t, paper))
	assert.ElementsMatch(t, []float64{90000, 90500}, buys)
	assert.ElementsMatch(t, []float64{91500, 92000}, sells)
	assert.Equal(t, 91000.0, b.book.View().GapPrice)

	// 89000..93000 五格: 90900 落在 90600, 缝隙 91400
	updated, err = b.UpdateConfig(models.ConfigPatch{LowerPrice: ptr(89000.0), UpperPrice: ptr(93000.0), GridNum: ptr(5)})
	require.NoError(t, err)
	assert.Equal(t, []string{"lower_price", "upper_price", "grid_num"}, updated)

	buys, sells = sidePrices(openOrders(t, paper))
	assert.ElementsMatch(t, []float64{89800, 90600}, buys)
	assert.ElementsMatch(t, []float64{92200, 93000}, sells)
	assert.Equal(t, 91400.0, b.book.View().GapPrice)
}

// flakyOpenOrders 在 fail 为真时让挂单查询返回临时错误
type flakyOpenOrders struct {
	*exchange.PaperExchange
	fail atomic.Bool
}

func (f *flakyOpenOrders) FetchOpenOrders(ctx context.Context, sym string) ([]models.Order, error) {
	if f.fail.Load() {
		return nil, &exchange.Error{Op: "FetchOpenOrders", Msg: "timeout", Kind: exchange.ErrTransient}
	}
	return f.PaperExchange.FetchOpenOrders(ctx, sym)
}

func TestUpdateGridRecoversAfterFailedRebuild(t *testing.T) {
	paper := exchange.NewPaperExchange(exchange.PaperConfig{Balance: 100000})
	paper.SetPrice(symbol, 91950)
	flaky := &flakyOpenOrders{PaperExchange: paper}
	b := New(flaky, zap.NewNop(), logger.NewRing(50), testOptions())
	t.Cleanup(b.Halt)

	// 十格 200 一档: 91950 落在 91800, 缝隙 92000, 只有两张买单
	cfg := scenarioConfig()
	cfg.GridNum = 10
	require.NoError(t, b.Start(cfg, StartOptions{}))
	waitPhase(t, b, models.PhaseRunning)
	require.Eventually(t, func() bool { return len(openOrders(t, paper)) == 2 }, 3*time.Second, 5*time.Millisecond)
	buys, _ := sidePrices(openOrders(t, paper))
	assert.ElementsMatch(t, []float64{91600, 91800}, buys)

	// 改为八格时查询挂单失败, 旧缝隙索引 10 已不在新网格内
	flaky.fail.Store(true)
	_, err := b.UpdateConfig(models.ConfigPatch{GridNum: ptr(8)})
	require.NoError(t, err)
	buys, _ = sidePrices(openOrders(t, paper))
	assert.ElementsMatch(t, []float64{91600, 91800}, buys, "failed rebuild leaves the old wall in place")

	flaky.fail.Store(false)
	require.Eventually(t, func() bool {
		buys, sells := sidePrices(openOrders(t, paper))
		return len(sells) == 0 && assert.ObjectsAreEqual([]float64{91500, 91750}, sortedCopy(buys))
	}, 3*time.Second, 5*time.Millisecond, "heartbeat resync never moved the wall onto the new ladder")
	assert.Equal(t, 92000.0, b.book.View().GapPrice)
}

func sortedCopy(v []float64) []float64 {
	out := append([]float64(nil), v...)
	sort.Float64s(out)
	return out
}

func TestInsufficientMarginDuringCorrectionStops(t *testing.T) {
	// 价格在网格底部, 做多目标 4 格, 余额不够市价补仓
	b, paper := newTestBot(t, 2000, 90000)

	cfg := scenarioConfig()
	cfg.Leverage = 1
	var stopped sync.WaitGroup
	stopped.Add(1)
	var once sync.Once
	b.SetStopHook(func(string, string) { once.Do(stopped.Done) })

	require.NoError(t, b.Start(cfg, StartOptions{}))
	waitPhase(t, b, models.PhaseStopped)
	stopped.Wait()
	assert.Empty(t, openOrders(t, paper))
}

func TestResumePausedStart(t *testing.T) {
	b, paper := newTestBot(t, 100000, 90900)

	require.NoError(t, b.Start(scenarioConfig(), StartOptions{ResumePaused: true, RunID: "run-1"}))
	assert.True(t, b.IsPaused())
	waitPhase(t, b, models.PhasePaused)
	assert.Empty(t, openOrders(t, paper))
	assert.Equal(t, "run-1", b.RunID())

	require.NoError(t, b.Resume())
	assert.Len(t, openOrders(t, paper), 4)
}

func TestInitializationRetriesUntilPrice(t *testing.T) {
	paper := exchange.NewPaperExchange(exchange.PaperConfig{Balance: 100000})
	b := New(paper, zap.NewNop(), nil, testOptions())
	t.Cleanup(b.Halt)

	require.NoError(t, b.Start(scenarioConfig(), StartOptions{}))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, models.PhaseInitializing, b.Phase())

	paper.SetPrice(symbol, 90900)
	waitPhase(t, b, models.PhaseRunning)
}

func TestStatusLadder(t *testing.T) {
	b, paper := newTestBot(t, 100000, 90900)
	startRunning(t, b, paper)

	require.Eventually(t, func() bool {
		st := b.Status()
		return st.OpenBuys == 2 && st.OpenSells == 2 && !st.LastSync.IsZero()
	}, 3*time.Second, 5*time.Millisecond)

	st := b.Status()
	assert.Equal(t, models.PhaseRunning, st.Phase)
	assert.True(t, st.Running)
	assert.False(t, st.Paused)
	assert.Equal(t, 91200.0, st.GapPrice)
	assert.Equal(t, 2, st.PriceLevel)
	assert.InDelta(t, 0.02, st.TargetPosition, 1e-12)
	assert.Equal(t, 100000.0, st.WalletBalance)
	require.NotNil(t, st.Config)
	assert.Equal(t, symbol, st.Config.Symbol)
	assert.NotEmpty(t, st.Logs)

	require.Len(t, st.Orders, 6)
	types := make([]string, 0, 6)
	for _, row := range st.Orders {
		types = append(types, row.Type)
	}
	assert.Equal(t, []string{"SELL", "SELL", "GAP", "BUY", "BUY", "---"}, types)
	assert.Equal(t, 92000.0, st.Orders[0].Price)
	assert.True(t, st.Orders[3].Current)
	assert.Equal(t, 0.01, st.Orders[0].Amount)
}

func TestStepRecoversFromExchangeErrors(t *testing.T) {
	b, paper := newTestBot(t, 100000, 90900)
	startRunning(t, b, paper)

	transient := &exchange.Error{Op: "FetchOpenOrders", Msg: "timeout", Kind: exchange.ErrTransient}
	for i := 0; i < 3; i++ {
		paper.InjectError("FetchOpenOrders", transient)
		paper.InjectError("FetchPositions", errors.New("connection reset"))
	}
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, models.PhaseRunning, b.Phase())
	require.Eventually(t, func() bool { return len(openOrders(t, paper)) == 4 }, 3*time.Second, 5*time.Millisecond)
}

func TestOptionsFromConfig(t *testing.T) {
	o := OptionsFromConfig(models.EngineConfig{LoopIntervalMs: 500, HeartbeatSec: 5, DeadBand: 4, ConfirmDelayMs: 0})
	assert.Equal(t, 500*time.Millisecond, o.LoopInterval)
	assert.Equal(t, 5*time.Second, o.Heartbeat)
	assert.Equal(t, 4, o.DeadBand)
	assert.Equal(t, time.Duration(0), o.ConfirmDelay)
	assert.Equal(t, 10*time.Second, o.StopTimeout)
	assert.Equal(t, 0.0001, o.PriceTolerance)
}
