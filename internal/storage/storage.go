package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"futures-grid-bot-go/internal/models"

	_ "github.com/mattn/go-sqlite3" // Import the sqlite3 driver
)

// InitDB initializes the database connection and creates necessary tables.
func InitDB(dataSourceName string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite serializes writers; one connection avoids "database is locked".
	db.SetMaxOpenConns(1)

	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err = createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return db, nil
}

// createTables creates the necessary database tables if they don't exist.
func createTables(db *sql.DB) error {
	// Every order the bot submits, keyed by the exchange order id.
	createOrdersTableSQL := `
	CREATE TABLE IF NOT EXISTS orders (
		exchange_order_id TEXT PRIMARY KEY,
		client_order_id TEXT,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		type TEXT NOT NULL,
		price REAL NOT NULL,
		quantity REAL NOT NULL,
		filled REAL NOT NULL DEFAULT 0,
		reduce_only BOOLEAN NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);`

	if _, err := db.Exec(createOrdersTableSQL); err != nil {
		return err
	}

	createIndexSQL := `CREATE INDEX IF NOT EXISTS idx_orders_symbol_status ON orders (symbol, status);`
	if _, err := db.Exec(createIndexSQL); err != nil {
		return err
	}
	return nil
}

// CreateOrder inserts a new order. Re-inserting the same exchange id replaces the row.
func CreateOrder(db *sql.DB, order *models.Order) error {
	now := order.UpdateTime
	if now.IsZero() {
		now = time.Now()
	}

	query := `
	INSERT OR REPLACE INTO orders (exchange_order_id, client_order_id, symbol, side, type, price, quantity, filled, reduce_only, status, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := db.Exec(query,
		order.ID, order.ClientOrderID, order.Symbol, string(order.Side), string(order.Type),
		order.Price, order.Quantity, order.Filled, order.ReduceOnly, string(order.Status),
		now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert order %s: %w", order.ID, err)
	}
	return nil
}

// UpdateOrderStatus records a status change for an existing order.
func UpdateOrderStatus(db *sql.DB, id string, status models.OrderStatus, filled float64, at time.Time) error {
	query := `
	UPDATE orders
	SET status = ?, filled = MAX(filled, ?), updated_at = ?
	WHERE exchange_order_id = ?`

	_, err := db.Exec(query, string(status), filled, at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to update order %s: %w", id, err)
	}
	return nil
}

// CancelOpenOrders marks every still-open order of symbol as cancelled.
func CancelOpenOrders(db *sql.DB, symbol string, at time.Time) (int64, error) {
	query := `
	UPDATE orders
	SET status = ?, updated_at = ?
	WHERE symbol = ? AND status IN ('NEW', 'PARTIALLY_FILLED')`

	res, err := db.Exec(query, string(models.OrderStatusCanceled), at.UnixMilli(), symbol)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel open orders for %s: %w", symbol, err)
	}
	return res.RowsAffected()
}

// GetActiveOrders retrieves all orders that are not in a final state.
func GetActiveOrders(db *sql.DB, symbol string) ([]models.Order, error) {
	query := `
	SELECT exchange_order_id, client_order_id, symbol, side, type, price, quantity, filled, reduce_only, status, updated_at
	FROM orders
	WHERE symbol = ? AND status IN ('NEW', 'PARTIALLY_FILLED')
	ORDER BY created_at, rowid`

	rows, err := db.Query(query, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to query active orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// GetOrder returns the journaled order or (nil, nil) if it was never recorded.
func GetOrder(db *sql.DB, id string) (*models.Order, error) {
	query := `
	SELECT exchange_order_id, client_order_id, symbol, side, type, price, quantity, filled, reduce_only, status, updated_at
	FROM orders WHERE exchange_order_id = ?`

	o, err := scanOrder(db.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return o, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(row scanner) (*models.Order, error) {
	var (
		o                 models.Order
		side, typ, status string
		clientID          sql.NullString
		updatedAt         int64
	)
	if err := row.Scan(
		&o.ID, &clientID, &o.Symbol, &side, &typ,
		&o.Price, &o.Quantity, &o.Filled, &o.ReduceOnly, &status, &updatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan order row: %w", err)
	}
	o.ClientOrderID = clientID.String
	o.Side = models.Side(side)
	o.Type = models.OrderType(typ)
	o.Status = models.OrderStatus(status)
	o.UpdateTime = time.UnixMilli(updatedAt)
	return &o, nil
}
