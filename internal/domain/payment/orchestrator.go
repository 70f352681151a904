package payment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/xenking/kart-payments/internal/domain/order"
	"github.com/xenking/kart-payments/internal/gateway"
)

// Options carries the injectable collaborators shared by Orchestrator and
// Reconciler. Zero values fall back to the real clock and no-op telemetry.
type Options struct {
	Clock     clockwork.Clock
	Telemetry *Telemetry
	// NewTransactionID overrides transaction ID generation.
	NewTransactionID func(now time.Time) string
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Telemetry == nil {
		o.Telemetry = NopTelemetry()
	}
	if o.NewTransactionID == nil {
		o.NewTransactionID = NewTransactionID
	}
	return o
}

// NewTransactionID returns "TXN", the UTC timestamp to the second, and eight
// random hex characters.
func NewTransactionID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return "TXN" + now.UTC().Format("20060102150405") + suffix
}

// InitiateRequest asks to start a payment for an order.
type InitiateRequest struct {
	OrderID   int64
	Method    string
	ReturnURL string
	Locale    string
	ClientIP  string
}

// InitiateResult is the outcome of a successful initiation. RedirectURL is
// empty for offline methods.
type InitiateResult struct {
	Payment       *Payment
	RedirectURL   string
	TransactionID string
	Message       string
}

// TransactionStatus is the state of the payment behind a transaction ID.
type TransactionStatus struct {
	TransactionID string
	Payment       *Payment
	OrderStatus   order.Status
}

// OrderStatus summarizes every payment attempt of an order.
type OrderStatus struct {
	OrderID     int64
	OrderStatus order.Status
	Paid        bool
	Completed   *Payment
	Payments    []Payment
}

// Orchestrator starts payments and answers payment status queries.
type Orchestrator struct {
	store    Store
	ledger   order.Ledger
	gateways *gateway.Registry
	dir      Directory

	clock    clockwork.Clock
	tel      *Telemetry
	newTxnID func(time.Time) string
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(
	store Store,
	ledger order.Ledger,
	gateways *gateway.Registry,
	dir Directory,
	opts Options,
) *Orchestrator {
	opts = opts.withDefaults()
	return &Orchestrator{
		store:    store,
		ledger:   ledger,
		gateways: gateways,
		dir:      dir,
		clock:    opts.Clock,
		tel:      opts.Telemetry,
		newTxnID: opts.NewTransactionID,
	}
}

// Initiate creates a Pending payment for the order and, for online methods,
// returns the signed gateway redirect. The whole check-then-create sequence
// runs under the order lock, so concurrent initiations for one order are
// serialized. Everything inside the lock reads and writes through the
// locked transaction.
func (s *Orchestrator) Initiate(ctx context.Context, req InitiateRequest) (_ *InitiateResult, rerr error) {
	ctx, span := s.tel.start(ctx, "payment.Initiate",
		attribute.Int64("order.id", req.OrderID),
		attribute.String("payment.method", req.Method),
	)
	defer func() {
		s.tel.recordInitiate(ctx, req.Method, rerr)
		finish(span, rerr)
	}()

	lg := zctx.From(ctx).With(zap.Int64("order_id", req.OrderID), zap.String("method", req.Method))

	var (
		res        *InitiateResult
		registered string
	)
	err := s.store.InOrderTx(ctx, req.OrderID, func(ctx context.Context, tx Tx, o *order.Order) error {
		if err := checkPayable(ctx, tx, o); err != nil {
			return err
		}

		method, ok := s.gateways.Canonical(req.Method)
		if !ok {
			return newError(KindValidation, ErrUnsupportedMethod, "payment method %q is not supported", req.Method)
		}

		amount, err := order.CartAmount(ctx, tx, o.CartID)
		if err != nil {
			return classifyAmountError(o, err)
		}
		if !amount.IsPositive() {
			return newError(KindValidation, ErrInvalidAmount, "order #%d has nothing to pay", o.ID)
		}
		logTotalDrift(ctx, lg, tx, o, amount)

		now := s.clock.Now()
		p := &Payment{
			OrderID:   o.ID,
			Amount:    amount,
			Method:    method,
			Status:    StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}

		if gateway.IsOffline(method) {
			if err := tx.CreatePayment(ctx, p); err != nil {
				return errors.Wrap(err, "create payment")
			}
			if err := tx.SetOrderStatus(ctx, order.StatusConfirmed); err != nil {
				return errors.Wrap(err, "confirm order")
			}
			res = &InitiateResult{
				Payment: p,
				Message: "COD payment created. Pay on delivery.",
			}
			return nil
		}

		g, _ := s.gateways.Lookup(method)
		p.TransactionID = s.newTxnID(now)
		if err := tx.CreatePayment(ctx, p); err != nil {
			return errors.Wrap(err, "create payment")
		}

		signed, err := g.BuildRequest(gateway.PaymentRequest{
			TransactionID: p.TransactionID,
			Amount:        amount,
			OrderInfo:     fmt.Sprintf("Payment for Order #%d", o.ID),
			ReturnURL:     req.ReturnURL,
			Locale:        req.Locale,
			ClientIP:      req.ClientIP,
			CreatedAt:     now,
		})
		if err != nil {
			return newError(KindValidation, err, "build %s request", g.Name())
		}

		if err := s.register(ctx, tx, p); err != nil {
			if errors.Is(err, ErrDuplicateTransaction) {
				return newError(KindConflict, err, "transaction id %s already in use", p.TransactionID)
			}
			return newError(KindTransient, err, "register transaction")
		}
		if _, ok := s.dir.(TxDirectory); !ok {
			registered = p.TransactionID
		}

		res = &InitiateResult{
			Payment:       p,
			RedirectURL:   signed.URL,
			TransactionID: p.TransactionID,
			Message:       "Redirect to " + g.Name() + " to complete payment.",
		}
		return nil
	})
	if err != nil {
		if registered != "" {
			// The transaction rolled back after the mapping was written.
			if err := s.dir.Remove(ctx, registered); err != nil {
				lg.Warn("Remove orphaned transaction mapping", zap.String("txn_id", registered), zap.Error(err))
			}
		}
		return nil, classify(err)
	}

	lg.Info("Payment initiated",
		zap.Int64("payment_id", res.Payment.ID),
		zap.String("txn_id", res.TransactionID),
		zap.String("amount", res.Payment.Amount.StringFixed(2)),
	)
	return res, nil
}

// register writes the transaction mapping of p, through tx when the
// directory supports it.
func (s *Orchestrator) register(ctx context.Context, tx Tx, p *Payment) error {
	if d, ok := s.dir.(TxDirectory); ok {
		return d.RegisterTx(ctx, tx, p.TransactionID, p.ID, p.OrderID)
	}
	return s.dir.Register(ctx, p.TransactionID, p.ID, p.OrderID)
}

// checkPayable rejects orders that already have a completed payment or whose
// status forbids another attempt.
func checkPayable(ctx context.Context, tx Tx, o *order.Order) error {
	payments, err := tx.Payments(ctx)
	if err != nil {
		return errors.Wrap(err, "list payments")
	}
	for _, p := range payments {
		if p.Status == StatusCompleted {
			return newError(KindConflict, ErrAlreadyPaid, "order #%d already has completed payment #%d", o.ID, p.ID)
		}
	}

	switch o.Status {
	case order.StatusPaid, order.StatusConfirmed:
		return newError(KindConflict, ErrAlreadyPaid, "order #%d is %s and cannot be paid again", o.ID, o.Status)
	case order.StatusCancelled:
		return newError(KindConflict, ErrOrderCancelled, "order #%d is cancelled", o.ID)
	}
	return nil
}

func classifyAmountError(o *order.Order, err error) error {
	var invalid *order.InvalidLineError
	switch {
	case errors.Is(err, order.ErrCartNotFound):
		return newError(KindNotFound, err, "cart #%d of order #%d not found", o.CartID, o.ID)
	case errors.As(err, &invalid):
		return newError(KindValidation, ErrInvalidAmount, "%s", invalid.Error())
	default:
		return errors.Wrap(err, "compute amount")
	}
}

// logTotalDrift reports when the persisted cart total disagrees with the
// amount derived from the line items. The derived amount always wins.
func logTotalDrift(ctx context.Context, lg *zap.Logger, r order.CartReader, o *order.Order, derived decimal.Decimal) {
	stored, err := r.GetCartTotal(ctx, o.CartID)
	if err != nil {
		lg.Debug("Read persisted cart total", zap.Error(err))
		return
	}
	if !stored.Equal(derived) {
		lg.Warn("Persisted cart total is stale",
			zap.Int64("cart_id", o.CartID),
			zap.String("stored", stored.StringFixed(2)),
			zap.String("derived", derived.StringFixed(2)),
		)
	}
}

// classify maps errors escaping a store transaction onto *Error.
func classify(err error) error {
	var e *Error
	switch {
	case errors.As(err, &e):
		return err
	case errors.Is(err, order.ErrNotFound):
		return newError(KindNotFound, ErrOrderNotFound, "order not found")
	case errors.Is(err, ErrPaymentNotFound):
		return newError(KindNotFound, err, "payment not found")
	case errors.Is(err, ErrAlreadyPaid):
		return newError(KindConflict, err, "order already paid")
	case errors.Is(err, ErrDuplicateTransaction):
		return newError(KindConflict, err, "duplicate transaction id")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return newError(KindTransient, err, "request cancelled")
	default:
		return err
	}
}

// StatusByTransaction resolves a transaction ID and returns the current state
// of its payment.
func (s *Orchestrator) StatusByTransaction(ctx context.Context, txnID string) (*TransactionStatus, error) {
	m, err := s.dir.Resolve(ctx, txnID)
	if err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			return nil, newError(KindNotFound, err, "transaction %s not found", txnID)
		}
		return nil, newError(KindTransient, err, "resolve transaction")
	}

	p, err := s.store.GetPayment(ctx, m.PaymentID)
	if err != nil {
		return nil, classify(errors.Wrap(err, "get payment"))
	}
	o, err := s.ledger.GetOrder(ctx, m.OrderID)
	if err != nil {
		return nil, classify(errors.Wrap(err, "get order"))
	}
	return &TransactionStatus{TransactionID: txnID, Payment: p, OrderStatus: o.Status}, nil
}

// PaymentsForOrder lists every payment attempt of an order, oldest first.
func (s *Orchestrator) PaymentsForOrder(ctx context.Context, orderID int64) ([]Payment, error) {
	if _, err := s.ledger.GetOrder(ctx, orderID); err != nil {
		return nil, classify(errors.Wrap(err, "get order"))
	}
	payments, err := s.store.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "list payments")
	}
	return payments, nil
}

// OrderPaymentStatus reports whether an order has been paid and by which
// payment.
func (s *Orchestrator) OrderPaymentStatus(ctx context.Context, orderID int64) (*OrderStatus, error) {
	o, err := s.ledger.GetOrder(ctx, orderID)
	if err != nil {
		return nil, classify(errors.Wrap(err, "get order"))
	}
	payments, err := s.store.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "list payments")
	}

	out := &OrderStatus{OrderID: orderID, OrderStatus: o.Status, Payments: payments}
	for i := range payments {
		if payments[i].Status == StatusCompleted {
			out.Paid = true
			out.Completed = &payments[i]
			break
		}
	}
	return out, nil
}
