package postgres

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-payments/internal/domain/order"
)

const (
	orderColumns = `id, cart_id, user_id, payment_method, billing_address, status, order_date`

	getOrderSQL  = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	lockOrderSQL = getOrderSQL + ` FOR UPDATE`

	getCartTotalSQL = `SELECT total FROM carts WHERE id = $1`
	cartExistsSQL   = `SELECT EXISTS (SELECT 1 FROM carts WHERE id = $1)`

	getCartLinesSQL = `SELECT product_id, price, quantity
		FROM cart_items WHERE cart_id = $1 ORDER BY id`

	setOrderStatusSQL = `UPDATE orders SET status = $2 WHERE id = $1`

	createCartSQL = `INSERT INTO carts (user_id, total) VALUES ($1, $2) RETURNING id`

	createCartLineSQL = `INSERT INTO cart_items (cart_id, product_id, price, quantity)
		VALUES ($1, $2, $3, $4)`

	createOrderSQL = `INSERT INTO orders (cart_id, user_id, payment_method, billing_address, status, order_date)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`
)

var _ order.Ledger = (*LedgerRepository)(nil)

// LedgerRepository implements order.Ledger backed by PostgreSQL.
type LedgerRepository struct {
	pool *pgxpool.Pool
}

// NewLedgerRepository returns a LedgerRepository that uses the given pool.
func NewLedgerRepository(pool *pgxpool.Pool) *LedgerRepository {
	return &LedgerRepository{pool: pool}
}

// GetOrder returns the order with the given ID or order.ErrNotFound.
func (r *LedgerRepository) GetOrder(ctx context.Context, orderID int64) (*order.Order, error) {
	return getOrder(ctx, r.pool, getOrderSQL, orderID)
}

// GetCartTotal returns the total persisted on the cart row.
func (r *LedgerRepository) GetCartTotal(ctx context.Context, cartID int64) (decimal.Decimal, error) {
	return getCartTotal(ctx, r.pool, cartID)
}

// GetCartLineItems returns the current lines of a cart. An existing cart
// without lines yields an empty slice; a missing cart yields
// order.ErrCartNotFound.
func (r *LedgerRepository) GetCartLineItems(ctx context.Context, cartID int64) ([]order.CartLine, error) {
	return getCartLines(ctx, r.pool, cartID)
}

// SetOrderStatus overwrites the status of an order.
func (r *LedgerRepository) SetOrderStatus(ctx context.Context, orderID int64, status order.Status) error {
	return setOrderStatus(ctx, r.pool, orderID, status)
}

// CreateCart inserts a cart with the given lines and returns its ID. The
// persisted total is the sum of the lines at creation time.
func (r *LedgerRepository) CreateCart(ctx context.Context, userID int64, lines []order.CartLine) (int64, error) {
	total, err := order.Sum(0, lines)
	if err != nil {
		return 0, err
	}

	var cartID int64
	err = pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, createCartSQL, userID, total).Scan(&cartID); err != nil {
			return errors.Wrap(err, "insert cart")
		}
		for _, l := range lines {
			if _, err := tx.Exec(ctx, createCartLineSQL, cartID, l.ProductID, l.Price, l.Quantity); err != nil {
				return errors.Wrapf(err, "insert line for product %d", l.ProductID)
			}
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "create cart")
	}
	return cartID, nil
}

// CreateOrder inserts o and assigns its ID. A zero status defaults to Pending
// and a zero order date to now.
func (r *LedgerRepository) CreateOrder(ctx context.Context, o *order.Order) error {
	if o.Status == "" {
		o.Status = order.StatusPending
	}
	if o.OrderDate.IsZero() {
		o.OrderDate = time.Now().UTC()
	}
	err := r.pool.QueryRow(ctx, createOrderSQL,
		o.CartID, o.UserID, o.PaymentMethod, o.BillingAddress, string(o.Status), o.OrderDate,
	).Scan(&o.ID)
	if err != nil {
		return errors.Wrap(err, "create order")
	}
	return nil
}

func getOrder(ctx context.Context, q querier, query string, orderID int64) (*order.Order, error) {
	rows, err := q.Query(ctx, query, orderID)
	if err != nil {
		return nil, errors.Wrapf(err, "get order %d", orderID)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, errors.Wrapf(err, "get order %d", orderID)
	}
	return &o, nil
}

func getCartTotal(ctx context.Context, q querier, cartID int64) (decimal.Decimal, error) {
	var total decimal.Decimal
	if err := q.QueryRow(ctx, getCartTotalSQL, cartID).Scan(&total); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, order.ErrCartNotFound
		}
		return decimal.Zero, errors.Wrapf(err, "get cart %d total", cartID)
	}
	return total, nil
}

func getCartLines(ctx context.Context, q querier, cartID int64) ([]order.CartLine, error) {
	rows, err := q.Query(ctx, getCartLinesSQL, cartID)
	if err != nil {
		return nil, errors.Wrapf(err, "get cart %d lines", cartID)
	}
	lines, err := pgx.CollectRows(rows, scanCartLine)
	if err != nil {
		return nil, errors.Wrapf(err, "get cart %d lines", cartID)
	}
	if len(lines) > 0 {
		return lines, nil
	}

	var exists bool
	if err := q.QueryRow(ctx, cartExistsSQL, cartID).Scan(&exists); err != nil {
		return nil, errors.Wrapf(err, "check cart %d", cartID)
	}
	if !exists {
		return nil, order.ErrCartNotFound
	}
	return []order.CartLine{}, nil
}

func setOrderStatus(ctx context.Context, q querier, orderID int64, status order.Status) error {
	if !status.Valid() {
		return errors.Errorf("invalid order status %q", status)
	}
	tag, err := q.Exec(ctx, setOrderStatusSQL, orderID, string(status))
	if err != nil {
		return errors.Wrapf(err, "set order %d status", orderID)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrNotFound
	}
	return nil
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o      order.Order
		status string
	)
	err := row.Scan(&o.ID, &o.CartID, &o.UserID, &o.PaymentMethod, &o.BillingAddress, &status, &o.OrderDate)
	o.Status = order.Status(status)
	return o, err
}

func scanCartLine(row pgx.CollectableRow) (order.CartLine, error) {
	var l order.CartLine
	err := row.Scan(&l.ProductID, &l.Price, &l.Quantity)
	return l, err
}
