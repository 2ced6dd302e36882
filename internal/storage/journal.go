package storage

import (
	"context"
	"database/sql"
	"time"

	"futures-grid-bot-go/internal/exchange"
	"futures-grid-bot-go/internal/models"

	"go.uber.org/zap"
)

// Journal decorates an exchange and records every order it creates,
// plus cancels and terminal statuses, in the orders table.
// Journal write failures are logged and never fail the exchange call.
type Journal struct {
	exchange.Exchange
	db     *sql.DB
	logger *zap.Logger
}

// NewJournal wraps ex. The caller owns db.
func NewJournal(ex exchange.Exchange, db *sql.DB, logger *zap.Logger) *Journal {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Journal{Exchange: ex, db: db, logger: logger.Named("journal")}
}

// ActiveOrders returns the journaled orders for symbol that have not reached a
// final status.
func (j *Journal) ActiveOrders(symbol string) ([]models.Order, error) {
	return GetActiveOrders(j.db, symbol)
}

func (j *Journal) CreateOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error) {
	o, err := j.Exchange.CreateOrder(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := CreateOrder(j.db, o); err != nil {
		j.logger.Warn("journal insert failed", zap.String("id", o.ID), zap.Error(err))
	}
	return o, nil
}

func (j *Journal) CancelOrder(ctx context.Context, symbol, id string) error {
	if err := j.Exchange.CancelOrder(ctx, symbol, id); err != nil {
		return err
	}
	if err := UpdateOrderStatus(j.db, id, models.OrderStatusCanceled, 0, time.Now()); err != nil {
		j.logger.Warn("journal cancel update failed", zap.String("id", id), zap.Error(err))
	}
	return nil
}

func (j *Journal) CancelAllOrders(ctx context.Context, symbol string) error {
	if err := j.Exchange.CancelAllOrders(ctx, symbol); err != nil {
		return err
	}
	if _, err := CancelOpenOrders(j.db, symbol, time.Now()); err != nil {
		j.logger.Warn("journal cancel-all update failed", zap.String("symbol", symbol), zap.Error(err))
	}
	return nil
}

// FetchOrder records the status whenever the exchange reports a final one.
func (j *Journal) FetchOrder(ctx context.Context, symbol, id string) (*models.Order, error) {
	o, err := j.Exchange.FetchOrder(ctx, symbol, id)
	if err != nil {
		return nil, err
	}
	if !o.Status.IsOpen() {
		at := o.UpdateTime
		if at.IsZero() {
			at = time.Now()
		}
		if err := UpdateOrderStatus(j.db, o.ID, o.Status, o.Filled, at); err != nil {
			j.logger.Warn("journal status update failed", zap.String("id", o.ID), zap.Error(err))
		}
	}
	return o, nil
}
