package exchange

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"futures-grid-bot-go/internal/models"
)

// PaperConfig 模拟盘参数
type PaperConfig struct {
	Balance      float64
	MakerFeeRate float64
	TakerFeeRate float64
	FundingRate  float64
}

type paperPosition struct {
	size  float64 // 带符号
	entry float64
}

// PaperExchange 实现了 Exchange 接口, 在内存中模拟一个 USDT 本位合约交易所。
// 限价单在价格穿越时按挂单价成交, 市价单按最新价立即成交。
type PaperExchange struct {
	mu sync.Mutex

	cash        float64
	prices      map[string]float64
	leverage    map[string]int
	positions   map[string]*paperPosition
	orders      map[string]*models.Order
	nextOrderID int64

	makerFeeRate float64
	takerFeeRate float64
	fundingRate  float64
	totalFees    float64

	// 测试注入: 方法名 -> 依次返回的错误
	failures map[string][]error
}

// NewPaperExchange 创建一个新的模拟交易所
func NewPaperExchange(cfg PaperConfig) *PaperExchange {
	return &PaperExchange{
		cash:         cfg.Balance,
		prices:       make(map[string]float64),
		leverage:     make(map[string]int),
		positions:    make(map[string]*paperPosition),
		orders:       make(map[string]*models.Order),
		nextOrderID:  1,
		makerFeeRate: cfg.MakerFeeRate,
		takerFeeRate: cfg.TakerFeeRate,
		fundingRate:  cfg.FundingRate,
		failures:     make(map[string][]error),
	}
}

// InjectError 让下一次调用 method 返回 err
func (e *PaperExchange) InjectError(method string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures[method] = append(e.failures[method], err)
}

func (e *PaperExchange) popFailure(method string) error {
	queue := e.failures[method]
	if len(queue) == 0 {
		return nil
	}
	e.failures[method] = queue[1:]
	return queue[0]
}

// SetPrice 更新最新价并撮合所有被穿越的限价单
func (e *PaperExchange) SetPrice(symbol string, price float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if price <= 0 {
		return
	}
	e.prices[symbol] = price

	for _, order := range e.sortedOrders(symbol) {
		if !order.Status.IsOpen() || order.Type != models.OrderTypeLimit {
			continue
		}
		if (order.Side == models.Buy && price <= order.Price) || (order.Side == models.Sell && price >= order.Price) {
			e.fill(order, order.Price, e.makerFeeRate)
		}
	}
}

// TotalFees 累计手续费
func (e *PaperExchange) TotalFees() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.totalFees
}

// sortedOrders 按下单顺序返回某交易对的订单。必须在持有锁的情况下调用。
func (e *PaperExchange) sortedOrders(symbol string) []*models.Order {
	out := make([]*models.Order, 0, len(e.orders))
	for _, o := range e.orders {
		if o.Symbol == symbol {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, _ := strconv.ParseInt(out[i].ID, 10, 64)
		b, _ := strconv.ParseInt(out[j].ID, 10, 64)
		return a < b
	})
	return out
}

// fill 处理一个已成交的订单，更新账户状态。必须在持有锁的情况下调用。
func (e *PaperExchange) fill(order *models.Order, price, feeRate float64) {
	qty := order.Quantity - order.Filled
	fee := price * qty * feeRate
	e.totalFees += fee
	e.cash -= fee // 无论开仓平仓，手续费总是支出

	pos := e.positions[order.Symbol]
	if pos == nil {
		pos = &paperPosition{}
		e.positions[order.Symbol] = pos
	}
	signed := qty
	if order.Side == models.Sell {
		signed = -qty
	}

	switch {
	case pos.size == 0 || (pos.size > 0) == (signed > 0):
		// 开仓或加仓
		newSize := pos.size + signed
		pos.entry = (pos.entry*math.Abs(pos.size) + price*qty) / math.Abs(newSize)
		pos.size = newSize
	default:
		// 减仓, 可能反手
		closeQty := math.Min(qty, math.Abs(pos.size))
		direction := 1.0
		if pos.size < 0 {
			direction = -1.0
		}
		e.cash += closeQty * (price - pos.entry) * direction
		pos.size += signed
		switch {
		case math.Abs(pos.size) < 1e-12:
			pos.size, pos.entry = 0, 0
		case (pos.size > 0) != (direction > 0):
			pos.entry = price
		}
	}

	order.Filled = order.Quantity
	order.AvgPrice = price
	order.Status = models.OrderStatusFilled
	order.UpdateTime = time.Now()
}

// equity 现金加未实现盈亏。必须在持有锁的情况下调用。
func (e *PaperExchange) equity() float64 {
	total := e.cash
	for sym, pos := range e.positions {
		if p := e.prices[sym]; p > 0 {
			total += pos.size * (p - pos.entry)
		}
	}
	return total
}

// requiredMargin 计算加上一笔新订单后所需的初始保证金。必须在持有锁的情况下调用。
func (e *PaperExchange) requiredMargin(extraNotional float64) float64 {
	notional := extraNotional
	for sym, pos := range e.positions {
		notional += math.Abs(pos.size) * e.prices[sym]
	}
	for _, o := range e.orders {
		if o.Status.IsOpen() {
			notional += (o.Quantity - o.Filled) * o.Price
		}
	}
	lev := 1
	for _, l := range e.leverage {
		if l > lev {
			lev = l
		}
	}
	return notional / float64(lev)
}

func (e *PaperExchange) FetchTicker(_ context.Context, symbol string) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.popFailure("FetchTicker"); err != nil {
		return 0, err
	}
	p := e.prices[symbol]
	if p <= 0 {
		return 0, &Error{Op: "FetchTicker", Msg: "no price yet for " + symbol, Kind: ErrTransient}
	}
	return p, nil
}

func (e *PaperExchange) FetchOpenOrders(_ context.Context, symbol string) ([]models.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.popFailure("FetchOpenOrders"); err != nil {
		return nil, err
	}
	var out []models.Order
	for _, o := range e.sortedOrders(symbol) {
		if o.Status.IsOpen() {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (e *PaperExchange) FetchOrder(_ context.Context, symbol, id string) (*models.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.popFailure("FetchOrder"); err != nil {
		return nil, err
	}
	o, ok := e.orders[id]
	if !ok || o.Symbol != symbol {
		return nil, &Error{Op: "FetchOrder", Code: -2013, Msg: "Order does not exist.", Kind: ErrOrderNotFound}
	}
	cp := *o
	return &cp, nil
}

func (e *PaperExchange) CreateOrder(_ context.Context, req models.OrderRequest) (*models.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.popFailure("CreateOrder"); err != nil {
		return nil, err
	}
	if req.Quantity <= 0 {
		return nil, &Error{Op: "CreateOrder", Code: -4003, Msg: "Quantity less than or equal to zero.", Kind: ErrRejected}
	}

	last := e.prices[req.Symbol]
	price := req.Price
	if req.Type == models.OrderTypeMarket {
		if last <= 0 {
			return nil, &Error{Op: "CreateOrder", Msg: "no market price for " + req.Symbol, Kind: ErrTransient}
		}
		price = last
	} else if price <= 0 {
		return nil, &Error{Op: "CreateOrder", Code: -4014, Msg: "Price not increased by tick size.", Kind: ErrRejected}
	}

	extra := req.Quantity * price
	if pos := e.positions[req.Symbol]; pos != nil && pos.size != 0 && (pos.size > 0) != (req.Side == models.Buy) {
		// 反向订单先抵消已有持仓
		extra = math.Max(0, req.Quantity-math.Abs(pos.size)) * price
	}
	if !req.ReduceOnly && e.requiredMargin(extra) > e.equity() {
		return nil, &Error{Op: "CreateOrder", Code: -2019, Msg: "Margin is insufficient.", Kind: ErrInsufficientMargin}
	}

	if req.ReduceOnly {
		pos := e.positions[req.Symbol]
		if pos == nil || pos.size == 0 || (pos.size > 0) == (req.Side == models.Buy) {
			return nil, &Error{Op: "CreateOrder", Code: -2022, Msg: "ReduceOnly Order is rejected.", Kind: ErrRejected}
		}
		req.Quantity = math.Min(req.Quantity, math.Abs(pos.size))
	}

	clientID := req.ClientOrderID
	if clientID == "" {
		clientID = NewClientOrderID()
	}
	order := &models.Order{
		ID:            strconv.FormatInt(e.nextOrderID, 10),
		ClientOrderID: clientID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Price:         price,
		Quantity:      req.Quantity,
		Status:        models.OrderStatusNew,
		ReduceOnly:    req.ReduceOnly,
		UpdateTime:    time.Now(),
	}
	e.nextOrderID++
	e.orders[order.ID] = order

	if req.Type == models.OrderTypeMarket {
		e.fill(order, price, e.takerFeeRate)
	}

	cp := *order
	return &cp, nil
}

func (e *PaperExchange) CancelOrder(_ context.Context, symbol, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.popFailure("CancelOrder"); err != nil {
		return err
	}
	o, ok := e.orders[id]
	if !ok || o.Symbol != symbol || !o.Status.IsOpen() {
		return &Error{Op: "CancelOrder", Code: -2011, Msg: "Unknown order sent.", Kind: ErrOrderNotFound}
	}
	o.Status = models.OrderStatusCanceled
	o.UpdateTime = time.Now()
	return nil
}

func (e *PaperExchange) CancelAllOrders(_ context.Context, symbol string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.popFailure("CancelAllOrders"); err != nil {
		return err
	}
	for _, o := range e.orders {
		if o.Symbol == symbol && o.Status.IsOpen() {
			o.Status = models.OrderStatusCanceled
			o.UpdateTime = time.Now()
		}
	}
	return nil
}

func (e *PaperExchange) FetchPositions(_ context.Context, symbol string) ([]models.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.popFailure("FetchPositions"); err != nil {
		return nil, err
	}
	pos := e.positions[symbol]
	if pos == nil || pos.size == 0 {
		return []models.Position{}, nil
	}

	lev := float64(e.leverage[symbol])
	if lev < 1 {
		lev = 1
	}
	liq := pos.entry * (1 - 1/lev + 0.005)
	if pos.size < 0 {
		liq = pos.entry * (1 + 1/lev - 0.005)
	}
	upnl := 0.0
	if p := e.prices[symbol]; p > 0 {
		upnl = pos.size * (p - pos.entry)
	}
	return []models.Position{{
		Symbol:           symbol,
		Size:             pos.size,
		EntryPrice:       pos.entry,
		LiquidationPrice: liq,
		UnrealizedPnL:    upnl,
	}}, nil
}

func (e *PaperExchange) FetchBalance(_ context.Context) (map[string]float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.popFailure("FetchBalance"); err != nil {
		return nil, err
	}
	return map[string]float64{"USDT": e.cash}, nil
}

func (e *PaperExchange) FetchFundingRate(_ context.Context, _ string) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.popFailure("FetchFundingRate"); err != nil {
		return 0, err
	}
	return e.fundingRate, nil
}

func (e *PaperExchange) SetLeverage(_ context.Context, symbol string, leverage int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.popFailure("SetLeverage"); err != nil {
		return err
	}
	if leverage < 1 || leverage > 125 {
		return &Error{Op: "SetLeverage", Code: -4028, Msg: fmt.Sprintf("Leverage %d is not valid", leverage), Kind: ErrRejected}
	}
	e.leverage[symbol] = leverage
	return nil
}
