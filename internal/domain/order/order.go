package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Sentinel errors returned by Ledger implementations.
var (
	ErrNotFound     = errors.New("order not found")
	ErrCartNotFound = errors.New("cart not found")
)

// Status is the lifecycle state of an order as seen by the payment engine.
type Status string

// Order statuses.
const (
	StatusPending       Status = "Pending"
	StatusConfirmed     Status = "Confirmed"
	StatusPaid          Status = "Paid"
	StatusPaymentFailed Status = "PaymentFailed"
	StatusCancelled     Status = "Cancelled"
)

// Valid reports whether s is a known order status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusPaid, StatusPaymentFailed, StatusCancelled:
		return true
	}
	return false
}

// Settleable reports whether a gateway outcome may still move the order to
// Paid or PaymentFailed.
func (s Status) Settleable() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusPaymentFailed:
		return true
	}
	return false
}

// Order is a customer order backed by a cart. It carries no total: the
// chargeable amount is always derived from the cart lines.
type Order struct {
	ID             int64
	CartID         int64
	UserID         int64
	PaymentMethod  string
	BillingAddress string
	Status         Status
	OrderDate      time.Time
}

// CartLine is a single line item of a cart.
type CartLine struct {
	ProductID int64
	Price     decimal.Decimal
	Quantity  int
}

// Subtotal returns price × quantity for the line.
func (l CartLine) Subtotal() decimal.Decimal {
	return l.Price.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Ledger is the boundary to the CRUD layer that owns orders and carts.
type Ledger interface {
	CartReader
	GetOrder(ctx context.Context, orderID int64) (*Order, error)
	SetOrderStatus(ctx context.Context, orderID int64, status Status) error
}

// CartReader reads cart contents.
type CartReader interface {
	// GetCartTotal returns the total persisted on the cart row. It may be
	// stale and must not be used to charge a customer.
	GetCartTotal(ctx context.Context, cartID int64) (decimal.Decimal, error)
	GetCartLineItems(ctx context.Context, cartID int64) ([]CartLine, error)
}
