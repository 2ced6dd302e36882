package reconcile

import (
	"context"
	"math/rand"
	"sync"
	"testing"

	"futures-grid-bot-go/internal/exchange"
	"futures-grid-bot-go/internal/grid"
	"futures-grid-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const symbol = "BTC/USDT"

// countingExchange counts order mutations that reach the venue.
type countingExchange struct {
	exchange.Exchange
	mu      sync.Mutex
	creates int
	cancels int
}

func (c *countingExchange) CreateOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error) {
	c.mu.Lock()
	c.creates++
	c.mu.Unlock()
	return c.Exchange.CreateOrder(ctx, req)
}

func (c *countingExchange) CancelOrder(ctx context.Context, sym, id string) error {
	c.mu.Lock()
	c.cancels++
	c.mu.Unlock()
	return c.Exchange.CancelOrder(ctx, sym, id)
}

func (c *countingExchange) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creates, c.cancels = 0, 0
}

func (c *countingExchange) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creates, c.cancels
}

func scenarioParams(t *testing.T) Params {
	t.Helper()
	levels, err := grid.BuildLevels(models.GridConfig{LowerPrice: 90000, UpperPrice: 92000, GridNum: 5})
	require.NoError(t, err)
	return Params{Symbol: symbol, Levels: levels, Window: 2, Quantity: 0.01}
}

func newScenario(t *testing.T) (*exchange.PaperExchange, *countingExchange, *OrderBook, Params) {
	t.Helper()
	paper := exchange.NewPaperExchange(exchange.PaperConfig{Balance: 100000})
	require.NoError(t, paper.SetLeverage(context.Background(), symbol, 10))
	paper.SetPrice(symbol, 90900)
	counting := &countingExchange{Exchange: paper}
	return paper, counting, NewOrderBook(counting, zap.NewNop(), 0.0001), scenarioParams(t)
}

func openPrices(t *testing.T, ex exchange.Exchange) (buys, sells []float64) {
	t.Helper()
	open, err := ex.FetchOpenOrders(context.Background(), symbol)
	require.NoError(t, err)
	for _, o := range open {
		if o.Side == models.Buy {
			buys = append(buys, o.Price)
		} else {
			sells = append(sells, o.Price)
		}
	}
	return buys, sells
}

func TestDiffWall(t *testing.T) {
	want := []Want{{Side: models.Buy, Price: 100}, {Side: models.Sell, Price: 110}}
	open := []models.Order{
		{ID: "1", Side: models.Buy, Price: 100.005},
		{ID: "2", Side: models.Buy, Price: 100},
		{ID: "3", Side: models.Sell, Price: 100},
	}

	d := DiffWall(want, open, 0.0001)
	require.Len(t, d.Keep, 1)
	assert.Equal(t, "1", d.Keep[0].Order.ID)
	assert.Equal(t, 100.0, d.Keep[0].Want.Price)
	assert.ElementsMatch(t, []string{"2", "3"}, []string{d.Cancel[0].ID, d.Cancel[1].ID})
	assert.Equal(t, []Want{{Side: models.Sell, Price: 110}}, d.Create)
}

func TestWantedWallClipsAtEdges(t *testing.T) {
	levels := []float64{1, 2, 3, 4, 5}
	want := WantedWall(levels, 1, 3)
	assert.ElementsMatch(t, []Want{
		{Side: models.Buy, Price: 1},
		{Side: models.Sell, Price: 3},
		{Side: models.Sell, Price: 4},
		{Side: models.Sell, Price: 5},
	}, want)
}

func TestRebuildSeedsWallAroundGap(t *testing.T) {
	paper, _, ob, p := newScenario(t)
	gap := grid.GapIndex(grid.LevelIndex(90900, p.Levels), models.ModeLong, 90900, p.Levels)
	require.Equal(t, 3, gap)

	res, err := ob.Rebuild(context.Background(), p, gap)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Created)
	assert.Zero(t, res.Failed)

	view := ob.View()
	assert.Equal(t, []float64{90400, 90800}, view.Buys)
	assert.Equal(t, []float64{91600, 92000}, view.Sells)
	assert.Equal(t, 91200.0, view.GapPrice)

	buys, sells := openPrices(t, paper)
	assert.ElementsMatch(t, []float64{90400, 90800}, buys)
	assert.ElementsMatch(t, []float64{91600, 92000}, sells)
}

func TestRebuildRejectsGapOutsideLadder(t *testing.T) {
	paper, counting, ob, p := newScenario(t)
	ctx := context.Background()

	for _, gap := range []int{-1, len(p.Levels)} {
		_, err := ob.Rebuild(ctx, p, gap)
		assert.ErrorIs(t, err, ErrGapOutOfRange)
	}
	creates, cancels := counting.counts()
	assert.Zero(t, creates)
	assert.Zero(t, cancels)
	buys, sells := openPrices(t, paper)
	assert.Empty(t, buys)
	assert.Empty(t, sells)
	assert.Equal(t, -1, ob.View().GapIndex)
}

func TestRebuildIsIdempotent(t *testing.T) {
	_, counting, ob, p := newScenario(t)
	ctx := context.Background()

	_, err := ob.Rebuild(ctx, p, 3)
	require.NoError(t, err)
	counting.reset()

	res, err := ob.Rebuild(ctx, p, 3)
	require.NoError(t, err)
	creates, cancels := counting.counts()
	assert.Zero(t, creates)
	assert.Zero(t, cancels)
	assert.Equal(t, 4, res.Kept)
}

func TestRebuildCancelsStrayOrders(t *testing.T) {
	paper, _, ob, p := newScenario(t)
	ctx := context.Background()
	for _, req := range []models.OrderRequest{
		{Symbol: symbol, Side: models.Buy, Type: models.OrderTypeLimit, Quantity: 0.01, Price: 90000},
		{Symbol: symbol, Side: models.Buy, Type: models.OrderTypeLimit, Quantity: 0.01, Price: 90800},
		{Symbol: symbol, Side: models.Buy, Type: models.OrderTypeLimit, Quantity: 0.01, Price: 90800},
	} {
		_, err := paper.CreateOrder(ctx, req)
		require.NoError(t, err)
	}

	res, err := ob.Rebuild(ctx, p, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Created)
	assert.Equal(t, 1, res.Kept)
	assert.Equal(t, 2, res.Cancelled)

	buys, sells := openPrices(t, paper)
	assert.ElementsMatch(t, []float64{90400, 90800}, buys)
	assert.ElementsMatch(t, []float64{91600, 92000}, sells)
}

func TestRebuildFallsBackToCancelFirstOnMargin(t *testing.T) {
	ctx := context.Background()
	paper := exchange.NewPaperExchange(exchange.PaperConfig{Balance: 210})
	paper.SetPrice(symbol, 100)
	_, err := paper.CreateOrder(ctx, models.OrderRequest{Symbol: symbol, Side: models.Buy, Type: models.OrderTypeLimit, Quantity: 1, Price: 90})
	require.NoError(t, err)

	ob := NewOrderBook(paper, zap.NewNop(), 0.0001)
	p := Params{Symbol: symbol, Levels: []float64{90, 95, 100, 105, 110}, Window: 1, Quantity: 1}

	res, err := ob.Rebuild(ctx, p, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Created)
	assert.Equal(t, 1, res.Cancelled)
	assert.Zero(t, res.Failed)

	buys, sells := openPrices(t, paper)
	assert.Equal(t, []float64{95}, buys)
	assert.Equal(t, []float64{105}, sells)
}

func TestGapShiftOnSellFill(t *testing.T) {
	paper, _, ob, p := newScenario(t)
	ctx := context.Background()
	_, err := ob.Rebuild(ctx, p, 3)
	require.NoError(t, err)

	paper.SetPrice(symbol, 91600)
	res, err := ob.CheckOrders(ctx, p)
	require.NoError(t, err)
	require.Len(t, res.Fills, 1)
	assert.Equal(t, models.Sell, res.Fills[0].Side)

	view := ob.View()
	assert.Equal(t, 91600.0, view.GapPrice)
	assert.Equal(t, []float64{90800, 91200}, view.Buys)
	assert.Equal(t, []float64{92000}, view.Sells)

	buys, sells := openPrices(t, paper)
	assert.ElementsMatch(t, []float64{90800, 91200}, buys)
	assert.ElementsMatch(t, []float64{92000}, sells)
}

func TestGapShiftOnBuyFill(t *testing.T) {
	paper, _, ob, p := newScenario(t)
	ctx := context.Background()
	_, err := ob.Rebuild(ctx, p, 3)
	require.NoError(t, err)

	paper.SetPrice(symbol, 90800)
	res, err := ob.CheckOrders(ctx, p)
	require.NoError(t, err)
	require.Len(t, res.Fills, 1)

	view := ob.View()
	assert.Equal(t, 90800.0, view.GapPrice)
	assert.Equal(t, []float64{90000, 90400}, view.Buys)
	assert.Equal(t, []float64{91200, 91600}, view.Sells)
}

func TestGapShiftInvariantUnderRandomWalk(t *testing.T) {
	ctx := context.Background()
	paper := exchange.NewPaperExchange(exchange.PaperConfig{Balance: 1e9})
	levels, err := grid.BuildLevels(models.GridConfig{LowerPrice: 100, UpperPrice: 200, GridNum: 20})
	require.NoError(t, err)
	p := Params{Symbol: symbol, Levels: levels, Window: 3, Quantity: 1}
	ob := NewOrderBook(paper, zap.NewNop(), 0.0001)

	price := 150.0
	paper.SetPrice(symbol, price)
	_, err = ob.Rebuild(ctx, p, grid.NearestIndex(price, levels))
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 300; i++ {
		// one level per tick at most so fills arrive one at a time
		price += (rng.Float64() - 0.5) * 10
		if price < 101 {
			price = 101
		}
		if price > 199 {
			price = 199
		}
		paper.SetPrice(symbol, price)
		res, err := ob.CheckOrders(ctx, p)
		require.NoError(t, err)
		if len(res.Fills) != 1 {
			continue
		}

		fill := res.Fills[0]
		view := ob.View()
		assert.Equal(t, fill.Price, view.GapPrice)
		open, err := paper.FetchOpenOrders(ctx, symbol)
		require.NoError(t, err)
		for _, o := range open {
			assert.False(t, PriceMatch(o.Price, view.GapPrice, 0.0001), "order %s rests on the gap %v", o.ID, view.GapPrice)
		}
	}
}

func TestExternalCancelDropsLocalRecordOnly(t *testing.T) {
	paper, counting, ob, p := newScenario(t)
	ctx := context.Background()
	_, err := ob.Rebuild(ctx, p, 3)
	require.NoError(t, err)

	open, err := paper.FetchOpenOrders(ctx, symbol)
	require.NoError(t, err)
	require.NoError(t, paper.CancelOrder(ctx, symbol, open[0].ID))
	counting.reset()

	res, err := ob.CheckOrders(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Canceled)
	assert.Empty(t, res.Fills)

	creates, _ := counting.counts()
	assert.Zero(t, creates)
	view := ob.View()
	assert.Equal(t, 3, len(view.Buys)+len(view.Sells))
}

func TestCheckOrdersNotFoundClearsRecord(t *testing.T) {
	paper, _, ob, p := newScenario(t)
	ctx := context.Background()
	_, err := ob.Rebuild(ctx, p, 3)
	require.NoError(t, err)

	open, err := paper.FetchOpenOrders(ctx, symbol)
	require.NoError(t, err)
	require.NoError(t, paper.CancelOrder(ctx, symbol, open[0].ID))
	paper.InjectError("FetchOrder", &exchange.Error{Op: "FetchOrder", Code: -2013, Kind: exchange.ErrOrderNotFound})

	_, err = ob.CheckOrders(ctx, p)
	require.NoError(t, err)
	view := ob.View()
	assert.Equal(t, 3, len(view.Buys)+len(view.Sells))
}

func TestCheckOrdersTransientKeepsRecord(t *testing.T) {
	paper, _, ob, p := newScenario(t)
	ctx := context.Background()
	_, err := ob.Rebuild(ctx, p, 3)
	require.NoError(t, err)

	paper.SetPrice(symbol, 91600)
	paper.InjectError("FetchOrder", &exchange.Error{Op: "FetchOrder", Kind: exchange.ErrTransient})
	res, err := ob.CheckOrders(ctx, p)
	require.NoError(t, err)
	assert.Empty(t, res.Fills)
	assert.Equal(t, 91200.0, ob.View().GapPrice)

	res, err = ob.CheckOrders(ctx, p)
	require.NoError(t, err)
	assert.Len(t, res.Fills, 1)
}

func TestCancelAllClearsBook(t *testing.T) {
	paper, _, ob, p := newScenario(t)
	ctx := context.Background()
	_, err := ob.Rebuild(ctx, p, 3)
	require.NoError(t, err)

	require.NoError(t, ob.CancelAll(ctx, symbol))
	buys, sells := openPrices(t, paper)
	assert.Empty(t, buys)
	assert.Empty(t, sells)
	view := ob.View()
	assert.Empty(t, view.Buys)
	assert.Equal(t, -1, view.GapIndex)
}

func TestAdjustDeadBand(t *testing.T) {
	paper := exchange.NewPaperExchange(exchange.PaperConfig{Balance: 1e9})
	paper.SetPrice(symbol, 100)
	counting := &countingExchange{Exchange: paper}
	r := NewPositionReconciler(counting, zap.NewNop(), 3, 0)

	qty := 0.01
	for raw := -0.0249; raw <= 0.0249; raw += 0.0007 {
		require.Less(t, abs(MissingLevels(raw, 0, qty)), 3)
		corr, err := r.Adjust(context.Background(), symbol, raw, 0, qty)
		require.NoError(t, err)
		require.Nil(t, corr)
	}
	creates, _ := counting.counts()
	assert.Zero(t, creates)
}

func TestAdjustIssuesMarketOrder(t *testing.T) {
	ctx := context.Background()
	paper := exchange.NewPaperExchange(exchange.PaperConfig{Balance: 1e9})
	paper.SetPrice(symbol, 100)
	r := NewPositionReconciler(paper, zap.NewNop(), 3, 0)

	corr, err := r.Adjust(ctx, symbol, 0.05, 0, 0.01)
	require.NoError(t, err)
	require.NotNil(t, corr)
	assert.Equal(t, 5, corr.MissingLevels)
	assert.Equal(t, models.Buy, corr.Side)
	assert.InDelta(t, 0.05, corr.Filled, 1e-12)

	corr, err = r.Adjust(ctx, symbol, -0.03, 0.05, 0.01)
	require.NoError(t, err)
	require.NotNil(t, corr)
	assert.Equal(t, models.Sell, corr.Side)
	assert.InDelta(t, 0.08, corr.Quantity, 1e-12)

	positions, err := paper.FetchPositions(ctx, symbol)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.InDelta(t, -0.03, positions[0].Size, 1e-9)
}

func TestAdjustInsufficientMargin(t *testing.T) {
	paper := exchange.NewPaperExchange(exchange.PaperConfig{Balance: 1})
	paper.SetPrice(symbol, 100)
	r := NewPositionReconciler(paper, zap.NewNop(), 3, 0)

	corr, err := r.Adjust(context.Background(), symbol, 5, 0, 1)
	assert.Nil(t, corr)
	assert.ErrorIs(t, err, exchange.ErrInsufficientMargin)
}
