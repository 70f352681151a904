package order

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// InvalidLineError indicates a cart line with a negative price or a
// non-positive quantity.
type InvalidLineError struct {
	CartID    int64
	ProductID int64
}

func (e *InvalidLineError) Error() string {
	return fmt.Sprintf("cart %d: invalid line for product %d", e.CartID, e.ProductID)
}

// AmountDeriver computes the authoritative charge amount of an order.
type AmountDeriver struct {
	ledger Ledger
}

// NewAmountDeriver returns an AmountDeriver reading through ledger.
func NewAmountDeriver(ledger Ledger) *AmountDeriver {
	return &AmountDeriver{ledger: ledger}
}

// ComputeOrderAmount sums price × quantity over the current lines of the
// order's cart. The cart's persisted total is ignored, so line edits made
// after the order was created are always reflected.
func (d *AmountDeriver) ComputeOrderAmount(ctx context.Context, orderID int64) (decimal.Decimal, error) {
	o, err := d.ledger.GetOrder(ctx, orderID)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "get order")
	}
	return d.ComputeCartAmount(ctx, o.CartID)
}

// ComputeCartAmount sums the current lines of a cart.
func (d *AmountDeriver) ComputeCartAmount(ctx context.Context, cartID int64) (decimal.Decimal, error) {
	return CartAmount(ctx, d.ledger, cartID)
}

// CartAmount sums the current lines of a cart read through r.
func CartAmount(ctx context.Context, r CartReader, cartID int64) (decimal.Decimal, error) {
	lines, err := r.GetCartLineItems(ctx, cartID)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "get cart lines")
	}
	return Sum(cartID, lines)
}

// Sum totals lines and rounds to two decimal places.
func Sum(cartID int64, lines []CartLine) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, l := range lines {
		if l.Quantity <= 0 || l.Price.IsNegative() {
			return decimal.Zero, &InvalidLineError{CartID: cartID, ProductID: l.ProductID}
		}
		total = total.Add(l.Subtotal())
	}
	return total.Round(2), nil
}
