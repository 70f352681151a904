package payment

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/kart-payments/internal/domain/order"
)

// Status is the state of a single payment attempt.
type Status string

// Payment statuses. Completed and Failed are terminal.
const (
	StatusPending   Status = "Pending"
	StatusCompleted Status = "Completed"
	StatusFailed    Status = "Failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Payment is one attempt to pay an order. An order may accumulate several
// attempts; at most one of them ever reaches Completed.
type Payment struct {
	ID            int64
	OrderID       int64
	Amount        decimal.Decimal
	Method        string
	Status        Status
	TransactionID string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Mapping correlates a gateway transaction reference with internal records.
type Mapping struct {
	TransactionID string
	PaymentID     int64
	OrderID       int64
	CreatedAt     time.Time
}

// Directory is a bounded-lifetime index from transaction IDs to payments.
// It is never authoritative for payment state.
type Directory interface {
	// Register fails with ErrDuplicateTransaction while an unexpired entry
	// for txnID exists.
	Register(ctx context.Context, txnID string, paymentID, orderID int64) error
	// Resolve fails with ErrTransactionNotFound for unknown and expired
	// entries alike.
	Resolve(ctx context.Context, txnID string) (Mapping, error)
	Remove(ctx context.Context, txnID string) error
}

// TxDirectory is a Directory that can write a mapping through an order
// transaction. The mapping then commits and rolls back with the payment.
type TxDirectory interface {
	Directory
	RegisterTx(ctx context.Context, tx Tx, txnID string, paymentID, orderID int64) error
}

// Store persists payments. All state transitions go through InOrderTx.
type Store interface {
	// InOrderTx runs fn in a transaction that holds an exclusive lock on
	// the order for its whole duration. fn receives the locked order. The
	// transaction commits when fn returns nil and rolls back otherwise.
	// A missing order yields order.ErrNotFound without calling fn.
	InOrderTx(ctx context.Context, orderID int64, fn func(ctx context.Context, tx Tx, o *order.Order) error) error

	GetPayment(ctx context.Context, paymentID int64) (*Payment, error)
	ListByOrder(ctx context.Context, orderID int64) ([]Payment, error)
}

// Tx is the set of operations available while an order is locked. Cart
// reads go through the same transaction, so fn never needs a second
// connection while it holds the lock.
type Tx interface {
	order.CartReader
	// Payments lists every payment of the locked order, oldest first.
	Payments(ctx context.Context) ([]Payment, error)
	Payment(ctx context.Context, paymentID int64) (*Payment, error)
	// CreatePayment inserts p and assigns its ID.
	CreatePayment(ctx context.Context, p *Payment) error
	// TransitionPayment moves a Pending payment to status. It reports
	// false, without error, when the payment is no longer Pending.
	TransitionPayment(ctx context.Context, paymentID int64, status Status, at time.Time) (bool, error)
	SetOrderStatus(ctx context.Context, status order.Status) error
}
