package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"futures-grid-bot-go/internal/exchange"
	"futures-grid-bot-go/internal/grid"
	"futures-grid-bot-go/internal/metrics"
	"futures-grid-bot-go/internal/models"

	"go.uber.org/zap"
)

// ErrGapOutOfRange 缝隙索引不在当前网格内
var ErrGapOutOfRange = errors.New("gap index out of range")

// Params 一次调和所需的网格参数
type Params struct {
	Symbol   string
	Levels   []float64
	Window   int     // 每侧挂单数 K
	Quantity float64 // 每格数量
}

// Want 期望存在的一张挂单
type Want struct {
	Side  models.Side
	Price float64
}

// Kept 与期望挂单匹配上的交易所订单
type Kept struct {
	Want  Want
	Order models.Order
}

// Diff 静态挂单墙的差异
type Diff struct {
	Keep   []Kept
	Cancel []models.Order
	Create []Want
}

// WallResult 一次静态挂单墙调和的统计
type WallResult struct {
	Created   int
	Cancelled int
	Kept      int
	Failed    int
}

// ShiftResult 一次订单状态检查的统计
type ShiftResult struct {
	Fills    []models.Order
	Canceled int
}

// BookView 本地挂单镜像的只读视图
type BookView struct {
	Buys     []float64
	Sells    []float64
	GapPrice float64
	GapIndex int
}

// PriceMatch 判断两个价格在相对容差内是否相同
func PriceMatch(a, b, tolerance float64) bool {
	return math.Abs(a-b) <= math.Max(math.Abs(a), math.Abs(b))*tolerance
}

// WantedWall 返回缝隙下方 K 个买单和上方 K 个卖单的价格
func WantedWall(levels []float64, gapIdx, window int) []Want {
	var want []Want
	for i := 1; i <= window; i++ {
		if j := gapIdx - i; j >= 0 && j < len(levels) {
			want = append(want, Want{Side: models.Buy, Price: levels[j]})
		}
		if j := gapIdx + i; j >= 0 && j < len(levels) {
			want = append(want, Want{Side: models.Sell, Price: levels[j]})
		}
	}
	return want
}

// DiffWall 将交易所挂单与期望挂单按方向和价格匹配。
// 同一价位的重复挂单只保留一张。
func DiffWall(want []Want, open []models.Order, tolerance float64) Diff {
	var d Diff
	matched := make([]bool, len(want))
	for _, o := range open {
		hit := -1
		for i, w := range want {
			if !matched[i] && w.Side == o.Side && PriceMatch(w.Price, o.Price, tolerance) {
				hit = i
				break
			}
		}
		if hit < 0 {
			d.Cancel = append(d.Cancel, o)
			continue
		}
		matched[hit] = true
		d.Keep = append(d.Keep, Kept{Want: want[hit], Order: o})
	}
	for i, w := range want {
		if !matched[i] {
			d.Create = append(d.Create, w)
		}
	}
	return d
}

// OrderBook 维护价格 -> 订单ID 的本地镜像, 并负责把交易所挂单调和到目标集合。
// mu 保护 buys/sells/gap 的所有读改写, 一次完整的调和在锁内完成。
type OrderBook struct {
	ex        exchange.Exchange
	logger    *zap.Logger
	tolerance float64

	mu       sync.Mutex
	buys     map[float64]string
	sells    map[float64]string
	gapPrice float64
	gapIdx   int
}

// NewOrderBook 创建订单簿调和器
func NewOrderBook(ex exchange.Exchange, logger *zap.Logger, tolerance float64) *OrderBook {
	if tolerance <= 0 {
		tolerance = 0.0001
	}
	return &OrderBook{
		ex:        ex,
		logger:    logger,
		tolerance: tolerance,
		buys:      make(map[float64]string),
		sells:     make(map[float64]string),
		gapIdx:    -1,
	}
}

func (ob *OrderBook) book(side models.Side) map[float64]string {
	if side == models.Buy {
		return ob.buys
	}
	return ob.sells
}

// View 返回本地镜像的副本
func (ob *OrderBook) View() BookView {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	v := BookView{GapPrice: ob.gapPrice, GapIndex: ob.gapIdx}
	for p := range ob.buys {
		v.Buys = append(v.Buys, p)
	}
	for p := range ob.sells {
		v.Sells = append(v.Sells, p)
	}
	sort.Float64s(v.Buys)
	sort.Float64s(v.Sells)
	return v
}

// Reset 清空本地镜像
func (ob *OrderBook) Reset() {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	ob.resetLocked()
}

func (ob *OrderBook) resetLocked() {
	ob.buys = make(map[float64]string)
	ob.sells = make(map[float64]string)
	ob.gapPrice = 0
	ob.gapIdx = -1
}

// Rebuild 以 gapIdx 为缝隙重建静态挂单墙。先下单后撤单; 下单遇到保证金不足时
// 先执行撤单释放保证金, 再把剩余的下单各重试一次。
func (ob *OrderBook) Rebuild(ctx context.Context, p Params, gapIdx int) (WallResult, error) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	var res WallResult
	if gapIdx < 0 || gapIdx >= len(p.Levels) {
		return res, fmt.Errorf("%w: %d not in [0, %d)", ErrGapOutOfRange, gapIdx, len(p.Levels))
	}

	open, err := ob.ex.FetchOpenOrders(ctx, p.Symbol)
	if err != nil {
		return res, err
	}

	d := DiffWall(WantedWall(p.Levels, gapIdx, p.Window), open, ob.tolerance)

	buys := make(map[float64]string)
	sells := make(map[float64]string)
	for _, k := range d.Keep {
		if k.Want.Side == models.Buy {
			buys[k.Want.Price] = k.Order.ID
		} else {
			sells[k.Want.Price] = k.Order.ID
		}
	}
	res.Kept = len(d.Keep)

	record := func(w Want, o *models.Order) {
		if w.Side == models.Buy {
			buys[w.Price] = o.ID
		} else {
			sells[w.Price] = o.ID
		}
		res.Created++
	}

	cancelled := false
	for i, w := range d.Create {
		o, err := ob.place(ctx, p, w)
		if err == nil {
			record(w, o)
			continue
		}
		if !exchange.IsInsufficientMargin(err) {
			res.Failed++
			continue
		}

		ob.logger.Warn("保证金不足, 先撤销多余挂单释放保证金", zap.Int("pending_cancels", len(d.Cancel)))
		ob.cancelOrders(ctx, p.Symbol, d.Cancel, &res)
		cancelled = true
		for _, retry := range d.Create[i:] {
			if o, err := ob.place(ctx, p, retry); err == nil {
				record(retry, o)
			} else {
				res.Failed++
			}
		}
		break
	}
	if !cancelled {
		ob.cancelOrders(ctx, p.Symbol, d.Cancel, &res)
	}

	ob.buys, ob.sells = buys, sells
	ob.gapIdx = gapIdx
	ob.gapPrice = p.Levels[gapIdx]

	if res.Created > 0 || res.Cancelled > 0 || res.Failed > 0 {
		ob.logger.Info("挂单墙已调和",
			zap.Float64("gap", ob.gapPrice),
			zap.Int("created", res.Created),
			zap.Int("cancelled", res.Cancelled),
			zap.Int("kept", res.Kept),
			zap.Int("failed", res.Failed))
	}
	return res, nil
}

func (ob *OrderBook) cancelOrders(ctx context.Context, symbol string, orders []models.Order, res *WallResult) {
	for _, o := range orders {
		err := ob.ex.CancelOrder(ctx, symbol, o.ID)
		switch {
		case err == nil || exchange.IsNotFound(err):
			metrics.OrdersCancelled.WithLabelValues(string(o.Side)).Inc()
			res.Cancelled++
		default:
			ob.logger.Warn("撤单失败", zap.String("id", o.ID), zap.Float64("price", o.Price), zap.Error(err))
			metrics.OrderFailures.WithLabelValues("cancel", kindLabel(err)).Inc()
			res.Failed++
		}
	}
}

// place 提交一张限价单。失败只记录日志, 由调用方决定是否继续。
func (ob *OrderBook) place(ctx context.Context, p Params, w Want) (*models.Order, error) {
	o, err := ob.ex.CreateOrder(ctx, models.OrderRequest{
		Symbol:        p.Symbol,
		Side:          w.Side,
		Type:          models.OrderTypeLimit,
		Quantity:      p.Quantity,
		Price:         w.Price,
		ClientOrderID: exchange.NewClientOrderID(),
	})
	if err != nil {
		ob.logger.Warn("挂单失败", zap.String("side", string(w.Side)), zap.Float64("price", w.Price), zap.Error(err))
		metrics.OrderFailures.WithLabelValues("create", kindLabel(err)).Inc()
		return nil, err
	}
	metrics.OrdersPlaced.WithLabelValues(string(w.Side), string(models.OrderTypeLimit)).Inc()
	return o, nil
}

// CheckOrders 对比本地镜像与交易所挂单, 对消失的订单查询终态:
// 成交则移动缝隙, 外部撤单只删除本地记录。
func (ob *OrderBook) CheckOrders(ctx context.Context, p Params) (ShiftResult, error) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	var res ShiftResult
	if len(ob.buys)+len(ob.sells) == 0 {
		return res, nil
	}

	open, err := ob.ex.FetchOpenOrders(ctx, p.Symbol)
	if err != nil {
		return res, err
	}
	live := make(map[string]bool, len(open))
	for _, o := range open {
		live[o.ID] = true
	}

	type fill struct {
		side  models.Side
		price float64
		order models.Order
	}
	var fills []fill

	for _, side := range []models.Side{models.Buy, models.Sell} {
		book := ob.book(side)
		for price, id := range book {
			if live[id] {
				continue
			}
			o, err := ob.ex.FetchOrder(ctx, p.Symbol, id)
			if err != nil {
				if exchange.IsNotFound(err) {
					ob.logger.Warn("订单在交易所不存在, 删除本地记录", zap.String("id", id), zap.Float64("price", price))
					delete(book, price)
				} else {
					ob.logger.Warn("查询订单状态失败", zap.String("id", id), zap.Error(err))
				}
				continue
			}
			switch {
			case o.Status == models.OrderStatusFilled:
				fills = append(fills, fill{side: side, price: price, order: *o})
			case o.Status.IsOpen():
				// 挂单列表尚未同步, 下次再查
			default:
				ob.logger.Info("订单被外部撤销, 仅删除本地记录",
					zap.String("id", id), zap.String("side", string(side)), zap.Float64("price", price), zap.String("status", string(o.Status)))
				delete(book, price)
				res.Canceled++
			}
		}
	}

	// 卖单按价格从低到高、买单从高到低处理, 与价格穿越的顺序一致
	sort.Slice(fills, func(i, j int) bool {
		if fills[i].side != fills[j].side {
			return fills[i].side == models.Sell
		}
		if fills[i].side == models.Sell {
			return fills[i].price < fills[j].price
		}
		return fills[i].price > fills[j].price
	})

	for _, f := range fills {
		delete(ob.book(f.side), f.price)
		ob.logger.Info("订单成交, 移动缝隙", zap.String("side", string(f.side)), zap.Float64("price", f.price), zap.String("id", f.order.ID))
		ob.shift(ctx, p, f.side, f.price)
		metrics.GapShifts.WithLabelValues(string(f.side)).Inc()
		res.Fills = append(res.Fills, f.order)
	}
	return res, nil
}

// shift 把缝隙移到成交价: 卖单成交则向上推, 买单成交则向下推。
// 每侧窗口保持 K 张, 每次成交只动 O(1) 张订单。
func (ob *OrderBook) shift(ctx context.Context, p Params, side models.Side, price float64) {
	g := grid.NearestIndex(price, p.Levels)
	ob.gapIdx = g
	ob.gapPrice = p.Levels[g]
	k := p.Window

	if side == models.Sell {
		ob.placeAt(ctx, p, models.Buy, g-1)
		ob.placeAt(ctx, p, models.Sell, g+k)
		ob.cancelAt(ctx, p, models.Buy, g-k-1)
	} else {
		ob.placeAt(ctx, p, models.Sell, g+1)
		ob.placeAt(ctx, p, models.Buy, g-k)
		ob.cancelAt(ctx, p, models.Sell, g+k+1)
	}

	// 缝隙上不保留任何挂单
	ob.cancelAt(ctx, p, models.Buy, g)
	ob.cancelAt(ctx, p, models.Sell, g)
}

func (ob *OrderBook) placeAt(ctx context.Context, p Params, side models.Side, idx int) {
	if idx < 0 || idx >= len(p.Levels) {
		return
	}
	price := p.Levels[idx]
	book := ob.book(side)
	if _, ok := book[price]; ok {
		return
	}
	// 同一价位若有反向挂单, 先撤掉
	ob.cancelAt(ctx, p, side.Opposite(), idx)

	o, err := ob.place(ctx, p, Want{Side: side, Price: price})
	if err != nil {
		return
	}
	book[price] = o.ID
}

func (ob *OrderBook) cancelAt(ctx context.Context, p Params, side models.Side, idx int) {
	if idx < 0 || idx >= len(p.Levels) {
		return
	}
	price := p.Levels[idx]
	book := ob.book(side)
	id, ok := book[price]
	if !ok {
		return
	}
	err := ob.ex.CancelOrder(ctx, p.Symbol, id)
	if err != nil && !exchange.IsNotFound(err) {
		ob.logger.Warn("撤单失败", zap.String("id", id), zap.Float64("price", price), zap.Error(err))
		metrics.OrderFailures.WithLabelValues("cancel", kindLabel(err)).Inc()
		return
	}
	metrics.OrdersCancelled.WithLabelValues(string(side)).Inc()
	delete(book, price)
}

// CancelAll 撤销该交易对的全部挂单并清空本地镜像
func (ob *OrderBook) CancelAll(ctx context.Context, symbol string) error {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	err := exchange.CancelAllWithFallback(ctx, ob.ex, symbol)
	if err != nil {
		ob.logger.Error("撤销全部挂单失败", zap.Error(err))
		metrics.OrderFailures.WithLabelValues("cancel_all", kindLabel(err)).Inc()
	}
	ob.resetLocked()
	return err
}

func kindLabel(err error) string {
	return exchange.Label(err)
}
