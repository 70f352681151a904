package postgres

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-payments/internal/domain/order"
	"github.com/xenking/kart-payments/internal/domain/payment"
)

const (
	paymentColumns = `id, order_id, amount, method, status, COALESCE(transaction_id, ''), created_at, updated_at`

	getPaymentSQL = `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`

	listPaymentsSQL = `SELECT ` + paymentColumns + ` FROM payments WHERE order_id = $1 ORDER BY id`

	createPaymentSQL = `INSERT INTO payments (order_id, amount, method, status, transaction_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7) RETURNING id`

	transitionPaymentSQL = `UPDATE payments SET status = $2, updated_at = $3
		WHERE id = $1 AND status = 'Pending'`

	oneCompletedConstraint  = "payments_one_completed_per_order"
	transactionIDConstraint = "payments_transaction_id_key"
)

var _ payment.Store = (*PaymentStore)(nil)

// PaymentStore implements payment.Store. The per-order lock is a row lock on
// the order taken with SELECT ... FOR UPDATE.
type PaymentStore struct {
	pool *pgxpool.Pool
}

// NewPaymentStore returns a PaymentStore that uses the given pool.
func NewPaymentStore(pool *pgxpool.Pool) *PaymentStore {
	return &PaymentStore{pool: pool}
}

// InOrderTx implements payment.Store.
func (s *PaymentStore) InOrderTx(ctx context.Context, orderID int64, fn func(context.Context, payment.Tx, *order.Order) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		o, err := getOrder(ctx, tx, lockOrderSQL, orderID)
		if err != nil {
			return err
		}
		return fn(ctx, &paymentTx{tx: tx, orderID: orderID}, o)
	})
}

// GetPayment returns a payment by ID or payment.ErrPaymentNotFound.
func (s *PaymentStore) GetPayment(ctx context.Context, paymentID int64) (*payment.Payment, error) {
	return getPayment(ctx, s.pool, paymentID)
}

// ListByOrder returns every payment of an order, oldest first.
func (s *PaymentStore) ListByOrder(ctx context.Context, orderID int64) ([]payment.Payment, error) {
	return listPayments(ctx, s.pool, orderID)
}

type paymentTx struct {
	tx      pgx.Tx
	orderID int64
}

func (t *paymentTx) Payments(ctx context.Context) ([]payment.Payment, error) {
	return listPayments(ctx, t.tx, t.orderID)
}

func (t *paymentTx) Payment(ctx context.Context, paymentID int64) (*payment.Payment, error) {
	return getPayment(ctx, t.tx, paymentID)
}

func (t *paymentTx) CreatePayment(ctx context.Context, p *payment.Payment) error {
	err := t.tx.QueryRow(ctx, createPaymentSQL,
		p.OrderID, p.Amount, p.Method, string(p.Status), p.TransactionID, p.CreatedAt, p.UpdatedAt,
	).Scan(&p.ID)
	if err != nil {
		if isUniqueViolation(err, transactionIDConstraint) {
			return errors.Wrap(payment.ErrDuplicateTransaction, p.TransactionID)
		}
		return errors.Wrapf(err, "insert payment for order %d", p.OrderID)
	}
	return nil
}

func (t *paymentTx) TransitionPayment(ctx context.Context, paymentID int64, status payment.Status, at time.Time) (bool, error) {
	tag, err := t.tx.Exec(ctx, transitionPaymentSQL, paymentID, string(status), at)
	if err != nil {
		if isUniqueViolation(err, oneCompletedConstraint) {
			return false, errors.Wrapf(payment.ErrAlreadyPaid, "complete payment %d", paymentID)
		}
		return false, errors.Wrapf(err, "transition payment %d", paymentID)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *paymentTx) GetCartTotal(ctx context.Context, cartID int64) (decimal.Decimal, error) {
	return getCartTotal(ctx, t.tx, cartID)
}

func (t *paymentTx) GetCartLineItems(ctx context.Context, cartID int64) ([]order.CartLine, error) {
	return getCartLines(ctx, t.tx, cartID)
}

func (t *paymentTx) SetOrderStatus(ctx context.Context, status order.Status) error {
	return setOrderStatus(ctx, t.tx, t.orderID, status)
}

func getPayment(ctx context.Context, q querier, paymentID int64) (*payment.Payment, error) {
	rows, err := q.Query(ctx, getPaymentSQL, paymentID)
	if err != nil {
		return nil, errors.Wrapf(err, "get payment %d", paymentID)
	}
	p, err := pgx.CollectExactlyOneRow(rows, scanPayment)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, payment.ErrPaymentNotFound
		}
		return nil, errors.Wrapf(err, "get payment %d", paymentID)
	}
	return &p, nil
}

func listPayments(ctx context.Context, q querier, orderID int64) ([]payment.Payment, error) {
	rows, err := q.Query(ctx, listPaymentsSQL, orderID)
	if err != nil {
		return nil, errors.Wrapf(err, "list payments of order %d", orderID)
	}
	return pgx.CollectRows(rows, scanPayment)
}

func scanPayment(row pgx.CollectableRow) (payment.Payment, error) {
	var (
		p      payment.Payment
		status string
	)
	err := row.Scan(&p.ID, &p.OrderID, &p.Amount, &p.Method, &status, &p.TransactionID, &p.CreatedAt, &p.UpdatedAt)
	p.Status = payment.Status(status)
	return p, err
}
