package exchange

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"futures-grid-bot-go/internal/models"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// BinanceConfig 币安 U 本位合约连接参数
type BinanceConfig struct {
	APIKey         string
	SecretKey      string
	IsTestnet      bool
	OrderRateLimit float64 // 每秒下单/撤单请求数
	OrderBurst     int
	RequestTimeout time.Duration
}

type symbolPrecision struct {
	price int32
	qty   int32
}

// BinanceFutures 基于 go-binance 的 U 本位合约实现
type BinanceFutures struct {
	client  *futures.Client
	limiter *rate.Limiter
	logger  *zap.Logger

	mu         sync.Mutex
	precisions map[string]symbolPrecision
}

// NewBinanceFutures 创建币安合约客户端
func NewBinanceFutures(cfg BinanceConfig, logger *zap.Logger) *BinanceFutures {
	futures.UseTestnet = cfg.IsTestnet
	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)
	if cfg.RequestTimeout > 0 {
		client.HTTPClient.Timeout = cfg.RequestTimeout
	}
	limit := cfg.OrderRateLimit
	if limit <= 0 {
		limit = 10
	}
	burst := cfg.OrderBurst
	if burst <= 0 {
		burst = 1
	}
	return &BinanceFutures{
		client:     client,
		limiter:    rate.NewLimiter(rate.Limit(limit), burst),
		logger:     logger,
		precisions: make(map[string]symbolPrecision),
	}
}

// SyncServerTime 同步本地与服务器的时间差, 避免 -1021 错误
func (b *BinanceFutures) SyncServerTime(ctx context.Context) error {
	offset, err := b.client.NewSetServerTimeService().Do(ctx)
	if err != nil {
		return wrapBinanceErr("SyncServerTime", err)
	}
	b.logger.Info("服务器时间已同步", zap.Int64("offset_ms", offset))
	return nil
}

// binanceSymbol 将 "BTC/USDT" 或 "BTC/USDT:USDT" 转为 "BTCUSDT"
func binanceSymbol(symbol string) string {
	if i := strings.Index(symbol, ":"); i >= 0 {
		symbol = symbol[:i]
	}
	return strings.ToUpper(strings.ReplaceAll(symbol, "/", ""))
}

// wrapBinanceErr 将币安错误码归类
func wrapBinanceErr(op string, err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		kind := ErrRejected
		switch apiErr.Code {
		case -2018, -2019, -2027, -2028:
			kind = ErrInsufficientMargin
		case -2011, -2013:
			kind = ErrOrderNotFound
		case -1000, -1001, -1003, -1006, -1007, -1008, -1015, -1021:
			kind = ErrTransient
		}
		return &Error{Op: op, Code: apiErr.Code, Msg: apiErr.Message, Kind: kind}
	}
	return &Error{Op: op, Msg: err.Error(), Kind: Classify(err)}
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func (b *BinanceFutures) precision(ctx context.Context, symbol string) (symbolPrecision, error) {
	b.mu.Lock()
	p, ok := b.precisions[symbol]
	b.mu.Unlock()
	if ok {
		return p, nil
	}

	info, err := b.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return symbolPrecision{}, wrapBinanceErr("ExchangeInfo", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range info.Symbols {
		b.precisions[s.Symbol] = symbolPrecision{price: int32(s.PricePrecision), qty: int32(s.QuantityPrecision)}
	}
	p, ok = b.precisions[symbol]
	if !ok {
		return symbolPrecision{}, &Error{Op: "ExchangeInfo", Msg: "unknown symbol " + symbol, Kind: ErrRejected}
	}
	return p, nil
}

func (b *BinanceFutures) wait(ctx context.Context, op string) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return &Error{Op: op, Msg: err.Error(), Kind: ErrTransient}
	}
	return nil
}

func convertOrder(symbol string, o *futures.Order) models.Order {
	return models.Order{
		ID:            strconv.FormatInt(o.OrderID, 10),
		ClientOrderID: o.ClientOrderID,
		Symbol:        symbol,
		Side:          models.Side(o.Side),
		Type:          models.OrderType(o.Type),
		Price:         parseFloat(o.Price),
		Quantity:      parseFloat(o.OrigQuantity),
		Filled:        parseFloat(o.ExecutedQuantity),
		AvgPrice:      parseFloat(o.AvgPrice),
		Status:        models.OrderStatus(o.Status),
		ReduceOnly:    o.ReduceOnly,
		UpdateTime:    time.UnixMilli(o.UpdateTime),
	}
}

func (b *BinanceFutures) FetchTicker(ctx context.Context, symbol string) (float64, error) {
	prices, err := b.client.NewListPricesService().Symbol(binanceSymbol(symbol)).Do(ctx)
	if err != nil {
		return 0, wrapBinanceErr("FetchTicker", err)
	}
	if len(prices) == 0 {
		return 0, &Error{Op: "FetchTicker", Msg: "empty ticker for " + symbol, Kind: ErrTransient}
	}
	return parseFloat(prices[0].Price), nil
}

func (b *BinanceFutures) FetchOpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	orders, err := b.client.NewListOpenOrdersService().Symbol(binanceSymbol(symbol)).Do(ctx)
	if err != nil {
		return nil, wrapBinanceErr("FetchOpenOrders", err)
	}
	out := make([]models.Order, 0, len(orders))
	for _, o := range orders {
		out = append(out, convertOrder(symbol, o))
	}
	return out, nil
}

func (b *BinanceFutures) FetchOrder(ctx context.Context, symbol, id string) (*models.Order, error) {
	orderID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, &Error{Op: "FetchOrder", Msg: "invalid order id " + id, Kind: ErrOrderNotFound}
	}
	o, err := b.client.NewGetOrderService().Symbol(binanceSymbol(symbol)).OrderID(orderID).Do(ctx)
	if err != nil {
		return nil, wrapBinanceErr("FetchOrder", err)
	}
	order := convertOrder(symbol, o)
	return &order, nil
}

func (b *BinanceFutures) CreateOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error) {
	sym := binanceSymbol(req.Symbol)
	p, err := b.precision(ctx, sym)
	if err != nil {
		return nil, err
	}
	if err := b.wait(ctx, "CreateOrder"); err != nil {
		return nil, err
	}

	clientID := req.ClientOrderID
	if clientID == "" {
		clientID = NewClientOrderID()
	}
	qty := decimal.NewFromFloat(req.Quantity).Truncate(p.qty)
	if !qty.IsPositive() {
		return nil, &Error{Op: "CreateOrder", Msg: fmt.Sprintf("quantity %v below lot precision", req.Quantity), Kind: ErrRejected}
	}

	svc := b.client.NewCreateOrderService().
		Symbol(sym).
		Side(futures.SideType(req.Side)).
		Type(futures.OrderType(req.Type)).
		Quantity(qty.String()).
		NewClientOrderID(clientID)
	if req.Type == models.OrderTypeLimit {
		svc = svc.Price(decimal.NewFromFloat(req.Price).Round(p.price).String()).
			TimeInForce(futures.TimeInForceTypeGTC)
	}
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return nil, wrapBinanceErr("CreateOrder", err)
	}
	return &models.Order{
		ID:            strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID: resp.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          models.Side(resp.Side),
		Type:          models.OrderType(resp.Type),
		Price:         parseFloat(resp.Price),
		Quantity:      parseFloat(resp.OrigQuantity),
		Filled:        parseFloat(resp.ExecutedQuantity),
		AvgPrice:      parseFloat(resp.AvgPrice),
		Status:        models.OrderStatus(resp.Status),
		ReduceOnly:    resp.ReduceOnly,
		UpdateTime:    time.UnixMilli(resp.UpdateTime),
	}, nil
}

func (b *BinanceFutures) CancelOrder(ctx context.Context, symbol, id string) error {
	orderID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return &Error{Op: "CancelOrder", Msg: "invalid order id " + id, Kind: ErrOrderNotFound}
	}
	if err := b.wait(ctx, "CancelOrder"); err != nil {
		return err
	}
	if _, err := b.client.NewCancelOrderService().Symbol(binanceSymbol(symbol)).OrderID(orderID).Do(ctx); err != nil {
		return wrapBinanceErr("CancelOrder", err)
	}
	return nil
}

func (b *BinanceFutures) CancelAllOrders(ctx context.Context, symbol string) error {
	if err := b.wait(ctx, "CancelAllOrders"); err != nil {
		return err
	}
	if err := b.client.NewCancelAllOpenOrdersService().Symbol(binanceSymbol(symbol)).Do(ctx); err != nil {
		return wrapBinanceErr("CancelAllOrders", err)
	}
	return nil
}

func (b *BinanceFutures) FetchPositions(ctx context.Context, symbol string) ([]models.Position, error) {
	sym := binanceSymbol(symbol)
	risks, err := b.client.NewGetPositionRiskService().Symbol(sym).Do(ctx)
	if err != nil {
		return nil, wrapBinanceErr("FetchPositions", err)
	}
	out := make([]models.Position, 0, len(risks))
	for _, r := range risks {
		size := parseFloat(r.PositionAmt)
		if r.Symbol != sym || size == 0 {
			continue
		}
		out = append(out, models.Position{
			Symbol:           symbol,
			Size:             size,
			EntryPrice:       parseFloat(r.EntryPrice),
			LiquidationPrice: parseFloat(r.LiquidationPrice),
			UnrealizedPnL:    parseFloat(r.UnRealizedProfit),
		})
	}
	return out, nil
}

func (b *BinanceFutures) FetchBalance(ctx context.Context) (map[string]float64, error) {
	balances, err := b.client.NewGetBalanceService().Do(ctx)
	if err != nil {
		return nil, wrapBinanceErr("FetchBalance", err)
	}
	out := make(map[string]float64, len(balances))
	for _, bal := range balances {
		out[bal.Asset] = parseFloat(bal.Balance)
	}
	return out, nil
}

func (b *BinanceFutures) FetchFundingRate(ctx context.Context, symbol string) (float64, error) {
	idx, err := b.client.NewPremiumIndexService().Symbol(binanceSymbol(symbol)).Do(ctx)
	if err != nil {
		return 0, wrapBinanceErr("FetchFundingRate", err)
	}
	if len(idx) == 0 {
		return 0, &Error{Op: "FetchFundingRate", Msg: "empty premium index", Kind: ErrTransient}
	}
	return parseFloat(idx[0].LastFundingRate), nil
}

func (b *BinanceFutures) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if _, err := b.client.NewChangeLeverageService().Symbol(binanceSymbol(symbol)).Leverage(leverage).Do(ctx); err != nil {
		return wrapBinanceErr("SetLeverage", err)
	}
	return nil
}
