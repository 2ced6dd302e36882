package exchange

import (
	"context"
	"encoding/binary"
	"strings"
	"sync/atomic"
	"time"

	"futures-grid-bot-go/internal/models"

	"github.com/jxskiss/base62"
)

// Exchange 定义了网格引擎依赖的交易所能力。
// 所有方法都可能失败, 返回的错误可用 errors.Is 与本包的哨兵错误比较。
type Exchange interface {
	FetchTicker(ctx context.Context, symbol string) (float64, error)
	FetchOpenOrders(ctx context.Context, symbol string) ([]models.Order, error)
	FetchOrder(ctx context.Context, symbol, id string) (*models.Order, error)
	CreateOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error)
	CancelOrder(ctx context.Context, symbol, id string) error
	CancelAllOrders(ctx context.Context, symbol string) error
	FetchPositions(ctx context.Context, symbol string) ([]models.Position, error)
	FetchBalance(ctx context.Context) (map[string]float64, error)
	FetchFundingRate(ctx context.Context, symbol string) (float64, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
}

var orderSeq atomic.Uint32

// NewClientOrderID 生成唯一的客户端订单ID (纳秒时间戳 + 进程内序号, base62 编码)
func NewClientOrderID() string {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint64(buf[:8], uint64(time.Now().UnixNano()))
	binary.BigEndian.PutUint32(buf[8:], orderSeq.Add(1))
	return "grid-" + base62.EncodeToString(buf)
}

// QuoteCurrency 从 "BTC/USDT" 形式的交易对中取出计价币种
func QuoteCurrency(symbol string) string {
	if i := strings.Index(symbol, "/"); i >= 0 && i < len(symbol)-1 {
		quote := symbol[i+1:]
		// "BTC/USDT:USDT" 形式的永续合约写法
		if j := strings.Index(quote, ":"); j >= 0 {
			quote = quote[:j]
		}
		return quote
	}
	return "USDT"
}

// CancelAllWithFallback 优先使用批量撤单, 失败时逐个撤销当前挂单
func CancelAllWithFallback(ctx context.Context, ex Exchange, symbol string) error {
	if err := ex.CancelAllOrders(ctx, symbol); err == nil {
		return nil
	}
	orders, err := ex.FetchOpenOrders(ctx, symbol)
	if err != nil {
		return err
	}
	var firstErr error
	for _, o := range orders {
		if err := ex.CancelOrder(ctx, symbol, o.ID); err != nil && !IsNotFound(err) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
