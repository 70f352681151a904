package payment

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/xenking/kart-payments/internal/domain/order"
	"github.com/xenking/kart-payments/internal/gateway"
)

// CallbackResult is the outcome of reconciling one gateway callback.
type CallbackResult struct {
	gateway.CallbackResult

	PaymentID     int64
	OrderID       int64
	PaymentStatus Status
	OrderStatus   order.Status
	// Replayed is set when the payment was already terminal and nothing
	// was changed.
	Replayed bool
}

func (r *CallbackResult) reject(message string) {
	r.Status = gateway.StatusFailed
	r.Message = message
}

// observe reports the persisted state of p, which is authoritative over the
// gateway's response code for replays.
func (r *CallbackResult) observe(p *Payment, o *order.Order) {
	r.PaymentID = p.ID
	r.OrderID = p.OrderID
	r.PaymentStatus = p.Status
	r.OrderStatus = o.Status
	if p.Status == StatusCompleted {
		r.Status = gateway.StatusSuccess
	} else {
		r.Status = gateway.StatusFailed
	}
}

// Reconciler applies verified gateway callbacks to payments and orders.
type Reconciler struct {
	store    Store
	gateways *gateway.Registry
	dir      Directory

	clock clockwork.Clock
	tel   *Telemetry
}

// NewReconciler creates a Reconciler.
func NewReconciler(store Store, gateways *gateway.Registry, dir Directory, opts Options) *Reconciler {
	opts = opts.withDefaults()
	return &Reconciler{
		store:    store,
		gateways: gateways,
		dir:      dir,
		clock:    opts.Clock,
		tel:      opts.Telemetry,
	}
}

// Reconcile verifies a callback from the named gateway and settles the
// payment it refers to. The returned result is always non-nil and describes
// the outcome; the error is non-nil when the callback was rejected.
//
// Rejections (unknown gateway, bad signature, unknown or expired transaction,
// amount mismatch) never change state. Delivering the same callback again
// after it was applied returns the persisted outcome with Replayed set.
func (r *Reconciler) Reconcile(ctx context.Context, gatewayName string, params map[string]string) (_ *CallbackResult, rerr error) {
	ctx, span := r.tel.start(ctx, "payment.Reconcile", attribute.String("payment.gateway", gatewayName))
	res := &CallbackResult{}
	defer func() {
		r.tel.recordCallback(ctx, gatewayName, callbackOutcome(res, rerr))
		finish(span, rerr)
	}()

	lg := zctx.From(ctx).With(zap.String("gateway", gatewayName))

	g, ok := r.gateways.Lookup(gatewayName)
	if !ok {
		res.reject("unsupported gateway")
		return res, newError(KindValidation, ErrUnsupportedMethod, "gateway %q is not supported", gatewayName)
	}

	parsed, err := g.ParseCallback(params)
	res.CallbackResult = *parsed
	if err != nil {
		lg.Warn("Callback rejected",
			zap.String("txn_id", parsed.TransactionID),
			zap.Error(err),
		)
		return res, newError(KindProtocol, err, "%s", parsed.Message)
	}
	lg = lg.With(zap.String("txn_id", parsed.TransactionID))

	m, err := r.dir.Resolve(ctx, parsed.TransactionID)
	if err != nil {
		res.reject("transaction not found")
		if errors.Is(err, ErrTransactionNotFound) {
			lg.Warn("Callback for unknown or expired transaction")
			return res, newError(KindNotFound, err, "transaction not found")
		}
		return res, newError(KindTransient, err, "resolve transaction")
	}
	res.PaymentID, res.OrderID = m.PaymentID, m.OrderID

	err = r.store.InOrderTx(ctx, m.OrderID, func(ctx context.Context, tx Tx, o *order.Order) error {
		return r.settle(ctx, lg, tx, o, m, res)
	})
	if err != nil {
		err = classify(err)
		var e *Error
		if !errors.As(err, &e) {
			err = newError(KindTransient, err, "settle payment")
		}
		res.reject(MessageOf(err))
		res.Replayed = false
		res.PaymentStatus, res.OrderStatus = "", ""
		lg.Error("Callback not applied", zap.Error(err))
		return res, err
	}

	if res.Replayed {
		lg.Info("Callback replayed", zap.Int64("payment_id", res.PaymentID), zap.String("payment_status", string(res.PaymentStatus)))
	} else {
		lg.Info("Callback applied",
			zap.Int64("payment_id", res.PaymentID),
			zap.Int64("order_id", res.OrderID),
			zap.String("payment_status", string(res.PaymentStatus)),
			zap.String("order_status", string(res.OrderStatus)),
		)
	}
	return res, nil
}

func (r *Reconciler) settle(ctx context.Context, lg *zap.Logger, tx Tx, o *order.Order, m Mapping, res *CallbackResult) error {
	p, err := tx.Payment(ctx, m.PaymentID)
	if err != nil {
		return classify(errors.Wrap(err, "get payment"))
	}
	if p.OrderID != o.ID || p.TransactionID != m.TransactionID {
		return newError(KindProtocol, ErrForeignTransaction, "transaction %s does not match payment #%d", m.TransactionID, p.ID)
	}

	if p.Status.Terminal() {
		res.Replayed = true
		res.observe(p, o)
		res.Message = "Payment already processed"
		return nil
	}

	if !res.Amount.IsZero() && !res.Amount.Equal(p.Amount) {
		return newError(KindProtocol, ErrAmountMismatch,
			"callback amount %s does not match payment amount %s", res.Amount.StringFixed(2), p.Amount.StringFixed(2))
	}

	others, err := tx.Payments(ctx)
	if err != nil {
		return errors.Wrap(err, "list payments")
	}

	target, orderTarget := StatusFailed, order.StatusPaymentFailed
	if res.Succeeded() {
		target, orderTarget = StatusCompleted, order.StatusPaid

		for _, other := range others {
			if other.ID != p.ID && other.Status == StatusCompleted {
				// The order is already paid. Settle this attempt as failed
				// and leave the order alone.
				lg.Warn("Order already paid by another payment",
					zap.Int64("payment_id", p.ID),
					zap.Int64("completed_payment_id", other.ID),
				)
				target, orderTarget = StatusFailed, ""
				res.Message = "Order already paid"
				break
			}
		}
	} else if next := pendingAttempt(others, p.ID); next != nil || o.Status == order.StatusConfirmed {
		// A failed attempt only fails the order when nothing else is still
		// in flight for it.
		fields := []zap.Field{
			zap.Int64("payment_id", p.ID),
			zap.String("order_status", string(o.Status)),
		}
		if next != nil {
			fields = append(fields, zap.Int64("pending_payment_id", next.ID))
		}
		lg.Info("Failed attempt superseded, order status left unchanged", fields...)
		orderTarget = ""
	}

	now := r.clock.Now()
	ok, err := tx.TransitionPayment(ctx, p.ID, target, now)
	if err != nil {
		return errors.Wrap(err, "transition payment")
	}
	if !ok {
		// Only reachable if the payment was written outside the order lock.
		current, err := tx.Payment(ctx, p.ID)
		if err != nil {
			return errors.Wrap(err, "reload payment")
		}
		res.Replayed = true
		res.observe(current, o)
		res.Message = "Payment already processed"
		return nil
	}
	p.Status, p.UpdatedAt = target, now

	if orderTarget != "" {
		if o.Status.Settleable() {
			if err := tx.SetOrderStatus(ctx, orderTarget); err != nil {
				return errors.Wrap(err, "set order status")
			}
			o.Status = orderTarget
		} else {
			lg.Warn("Order status left unchanged",
				zap.Int64("order_id", o.ID),
				zap.String("order_status", string(o.Status)),
			)
		}
	}

	res.observe(p, o)
	return nil
}

// pendingAttempt returns another Pending payment of the order, if any.
func pendingAttempt(payments []Payment, paymentID int64) *Payment {
	for i := range payments {
		if payments[i].ID != paymentID && payments[i].Status == StatusPending {
			return &payments[i]
		}
	}
	return nil
}

func callbackOutcome(res *CallbackResult, err error) string {
	switch {
	case err != nil:
		return "rejected_" + KindOf(err).String()
	case res.Replayed:
		return "replayed"
	case res.PaymentStatus == StatusCompleted:
		return "completed"
	default:
		return "failed"
	}
}
