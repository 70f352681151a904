package payment_test

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-payments/internal/domain/order"
	"github.com/xenking/kart-payments/internal/domain/payment"
)

func TestNewTransactionID(t *testing.T) {
	now := time.Date(2026, 10, 15, 9, 30, 0, 0, time.UTC)
	a := payment.NewTransactionID(now)
	b := payment.NewTransactionID(now)

	assert.True(t, strings.HasPrefix(a, "TXN20261015093000"), a)
	assert.Len(t, a, len("TXN20261015093000")+8)
	assert.NotEqual(t, a, b)
}

func TestInitiate_OnlineGateway(t *testing.T) {
	e := newEnv(t)
	e.order42()

	res := e.initiate(t, 42, "gateway_a")

	require.NotNil(t, res.Payment)
	assert.Equal(t, int64(7), res.Payment.ID)
	assert.Equal(t, payment.StatusPending, res.Payment.Status)
	assert.Equal(t, "GATEWAY_A", res.Payment.Method)
	assert.True(t, decimal.RequireFromString("150.00").Equal(res.Payment.Amount))
	assert.Equal(t, res.TransactionID, res.Payment.TransactionID)
	assert.Contains(t, res.RedirectURL, "vnp_TxnRef=TXN")
	assert.Contains(t, res.RedirectURL, "vnp_Amount=15000&")

	m, err := e.dir.Resolve(e.ctx, res.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, int64(7), m.PaymentID)
	assert.Equal(t, int64(42), m.OrderID)

	assert.Equal(t, 1, e.store.count())
	assert.Equal(t, order.StatusPending, e.store.order(42).Status)
}

func TestInitiate_COD(t *testing.T) {
	e := newEnv(t)
	e.order42()

	res := e.initiate(t, 42, "cod")

	assert.Empty(t, res.RedirectURL)
	assert.Empty(t, res.TransactionID)
	assert.Equal(t, payment.StatusPending, res.Payment.Status)
	assert.Equal(t, "COD", res.Payment.Method)
	assert.Equal(t, order.StatusConfirmed, e.store.order(42).Status)
	assert.Zero(t, e.dir.Len())

	// A confirmed order cannot be paid again.
	_, err := e.orch.Initiate(e.ctx, payment.InitiateRequest{OrderID: 42, Method: "GATEWAY_A"})
	requireKind(t, err, payment.KindConflict, payment.ErrAlreadyPaid)
	assert.Equal(t, 1, e.store.count())
}

func TestInitiate_AmountReflectsCurrentCart(t *testing.T) {
	e := newEnv(t)
	e.order42()

	// Quantity changed after the order was placed; the persisted total is stale.
	e.store.setLines(9,
		order.CartLine{ProductID: 1, Price: decimal.RequireFromString("50.00"), Quantity: 3},
		order.CartLine{ProductID: 2, Price: decimal.RequireFromString("25.00"), Quantity: 2},
	)

	res := e.initiate(t, 42, "GATEWAY_A")
	assert.True(t, decimal.RequireFromString("200.00").Equal(res.Payment.Amount), res.Payment.Amount.String())
	assert.Contains(t, res.RedirectURL, "vnp_Amount=20000&")
}

func TestInitiate_Rejections(t *testing.T) {
	for _, tt := range []struct {
		name    string
		setup   func(t *testing.T, e *env)
		orderID int64
		method  string
		kind    payment.Kind
		target  error
	}{
		{
			name:   "OrderNotFound",
			setup:  func(*testing.T, *env) {},
			method: "GATEWAY_A",
			kind:   payment.KindNotFound,
			target: payment.ErrOrderNotFound,
		},
		{
			name:   "UnsupportedMethod",
			setup:  func(_ *testing.T, e *env) { e.order42() },
			method: "BITCOIN",
			kind:   payment.KindValidation,
			target: payment.ErrUnsupportedMethod,
		},
		{
			name: "OrderPaid",
			setup: func(t *testing.T, e *env) {
				e.order42()
				require.NoError(t, e.store.SetOrderStatus(e.ctx, 42, order.StatusPaid))
			},
			method: "GATEWAY_A",
			kind:   payment.KindConflict,
			target: payment.ErrAlreadyPaid,
		},
		{
			name: "OrderCancelled",
			setup: func(t *testing.T, e *env) {
				e.order42()
				require.NoError(t, e.store.SetOrderStatus(e.ctx, 42, order.StatusCancelled))
			},
			method: "GATEWAY_A",
			kind:   payment.KindConflict,
			target: payment.ErrOrderCancelled,
		},
		{
			name:    "CartMissing",
			orderID: 5,
			setup: func(t *testing.T, e *env) {
				e.store.addOrder(order.Order{ID: 5, CartID: 50, Status: order.StatusPending})
				e.store.mu.Lock()
				delete(e.store.carts, 50)
				e.store.mu.Unlock()
			},
			method: "GATEWAY_A",
			kind:   payment.KindNotFound,
			target: order.ErrCartNotFound,
		},
		{
			name:    "EmptyCart",
			orderID: 5,
			setup: func(t *testing.T, e *env) {
				e.store.addOrder(order.Order{ID: 5, CartID: 50, Status: order.StatusPending})
			},
			method: "GATEWAY_A",
			kind:   payment.KindValidation,
			target: payment.ErrInvalidAmount,
		},
		{
			name:    "UnsupportedMethodOnEmptyCart",
			orderID: 5,
			setup: func(t *testing.T, e *env) {
				e.store.addOrder(order.Order{ID: 5, CartID: 50, Status: order.StatusPending})
			},
			method: "BITCOIN",
			kind:   payment.KindValidation,
			target: payment.ErrUnsupportedMethod,
		},
		{
			name:    "UnsupportedMethodOnMissingCart",
			orderID: 5,
			setup: func(t *testing.T, e *env) {
				e.store.addOrder(order.Order{ID: 5, CartID: 50, Status: order.StatusPending})
				e.store.mu.Lock()
				delete(e.store.carts, 50)
				e.store.mu.Unlock()
			},
			method: "BITCOIN",
			kind:   payment.KindValidation,
			target: payment.ErrUnsupportedMethod,
		},
		{
			name:    "InvalidLine",
			orderID: 5,
			setup: func(t *testing.T, e *env) {
				e.store.addOrder(order.Order{ID: 5, CartID: 50, Status: order.StatusPending},
					order.CartLine{ProductID: 1, Price: decimal.RequireFromString("10"), Quantity: 0},
				)
			},
			method: "GATEWAY_A",
			kind:   payment.KindValidation,
			target: payment.ErrInvalidAmount,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			tt.setup(t, e)

			orderID := tt.orderID
			if orderID == 0 {
				orderID = 42
			}
			_, err := e.orch.Initiate(e.ctx, payment.InitiateRequest{OrderID: orderID, Method: tt.method})
			requireKind(t, err, tt.kind, tt.target)
			assert.Zero(t, e.store.count(), "no payment created")
			assert.Zero(t, e.dir.Len(), "no mapping registered")
		})
	}
}

func TestInitiate_MessagesDistinguishFailures(t *testing.T) {
	e := newEnv(t)
	e.order42()

	_, errNotFound := e.orch.Initiate(e.ctx, payment.InitiateRequest{OrderID: 1, Method: "GATEWAY_A"})
	_, errMethod := e.orch.Initiate(e.ctx, payment.InitiateRequest{OrderID: 42, Method: "BITCOIN"})
	require.NoError(t, e.store.SetOrderStatus(e.ctx, 42, order.StatusPaid))
	_, errPaid := e.orch.Initiate(e.ctx, payment.InitiateRequest{OrderID: 42, Method: "GATEWAY_A"})

	msgs := []string{payment.MessageOf(errNotFound), payment.MessageOf(errMethod), payment.MessageOf(errPaid)}
	assert.Equal(t, "order not found", msgs[0])
	assert.Contains(t, msgs[1], "not supported")
	assert.Contains(t, msgs[2], "cannot be paid again")
}

func TestInitiate_ExistingCompletedPayment(t *testing.T) {
	e := newEnv(t)
	e.order42()

	res := e.initiate(t, 42, "GATEWAY_A")
	_, err := e.rec.Reconcile(e.ctx, "GATEWAY_A", e.callback(res.TransactionID, "15000", "00"))
	require.NoError(t, err)

	// Even if the order status were rolled back by the CRUD layer, the
	// completed payment still blocks another attempt.
	require.NoError(t, e.store.SetOrderStatus(e.ctx, 42, order.StatusPending))

	_, err = e.orch.Initiate(e.ctx, payment.InitiateRequest{OrderID: 42, Method: "GATEWAY_A"})
	requireKind(t, err, payment.KindConflict, payment.ErrAlreadyPaid)
	assert.Equal(t, 1, e.store.count())
}

func TestInitiate_ConcurrentAfterCompletion(t *testing.T) {
	e := newEnv(t)
	e.order42()

	res := e.initiate(t, 42, "GATEWAY_A")
	_, err := e.rec.Reconcile(e.ctx, "GATEWAY_A", e.callback(res.TransactionID, "15000", "00"))
	require.NoError(t, err)

	const workers = 20
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := range workers {
		wg.Go(func() {
			_, errs[i] = e.orch.Initiate(e.ctx, payment.InitiateRequest{OrderID: 42, Method: "GATEWAY_A"})
		})
	}
	wg.Wait()

	for _, err := range errs {
		requireKind(t, err, payment.KindConflict, payment.ErrAlreadyPaid)
	}
	assert.Equal(t, 1, e.store.count())
}

func TestInitiate_ConcurrentPendingAttempts(t *testing.T) {
	e := newEnv(t)
	e.order42()

	const workers = 10
	var wg sync.WaitGroup
	results := make([]*payment.InitiateResult, workers)
	for i := range workers {
		wg.Go(func() {
			res, err := e.orch.Initiate(e.ctx, payment.InitiateRequest{OrderID: 42, Method: "GATEWAY_A"})
			if err == nil {
				results[i] = res
			}
		})
	}
	wg.Wait()

	// Every attempt gets its own payment, but the callbacks can complete at
	// most one of them.
	for _, res := range results {
		require.NotNil(t, res)
		_, err := e.rec.Reconcile(e.ctx, "GATEWAY_A", e.callback(res.TransactionID, "15000", "00"))
		require.NoError(t, err)
	}

	payments, err := e.orch.PaymentsForOrder(e.ctx, 42)
	require.NoError(t, err)
	require.Len(t, payments, workers)

	var completed int
	for _, p := range payments {
		if p.Status == payment.StatusCompleted {
			completed++
		}
	}
	assert.Equal(t, 1, completed)
	assert.Equal(t, order.StatusPaid, e.store.order(42).Status)
}

func TestInitiate_RegisterFailureRollsBack(t *testing.T) {
	e := newEnv(t)
	e.order42()
	e.dir.registerErr = errors.New("directory unavailable")

	_, err := e.orch.Initiate(e.ctx, payment.InitiateRequest{OrderID: 42, Method: "GATEWAY_A"})
	requireKind(t, err, payment.KindTransient, nil)
	assert.Zero(t, e.store.count())
}

func TestInitiate_CartReadThroughOrderTransaction(t *testing.T) {
	e := newEnv(t)
	e.order42()

	orch := payment.NewOrchestrator(e.store, lockedLedger{Ledger: e.store, t: t}, e.reg, e.dir, payment.Options{Clock: e.clk})

	res, err := orch.Initiate(e.ctx, payment.InitiateRequest{OrderID: 42, Method: "GATEWAY_A"})
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("150.00").Equal(res.Payment.Amount))

	res, err = orch.Initiate(e.ctx, payment.InitiateRequest{OrderID: 42, Method: "COD"})
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("150.00").Equal(res.Payment.Amount))
}

func TestInitiate_DuplicateTransactionID(t *testing.T) {
	e := newEnv(t)
	e.order42()

	orch := payment.NewOrchestrator(e.store, e.store, e.reg, e.dir, payment.Options{
		Clock:            e.clk,
		NewTransactionID: func(time.Time) string { return "TXN-FIXED" },
	})

	_, err := orch.Initiate(e.ctx, payment.InitiateRequest{OrderID: 42, Method: "GATEWAY_A"})
	require.NoError(t, err)

	_, err = orch.Initiate(e.ctx, payment.InitiateRequest{OrderID: 42, Method: "GATEWAY_A"})
	requireKind(t, err, payment.KindConflict, payment.ErrDuplicateTransaction)
	assert.Equal(t, 1, e.store.count(), "second attempt rolled back")
}

func TestInitiate_CommitFailureRemovesMapping(t *testing.T) {
	e := newEnv(t)
	e.order42()
	e.store.commitErr = errors.New("connection reset")

	_, err := e.orch.Initiate(e.ctx, payment.InitiateRequest{OrderID: 42, Method: "GATEWAY_A"})
	require.Error(t, err)
	assert.Zero(t, e.store.count())
	assert.Zero(t, e.dir.Len(), "mapping of the rolled back payment is removed")
}

func TestStatusQueries(t *testing.T) {
	e := newEnv(t)
	e.order42()

	res := e.initiate(t, 42, "GATEWAY_A")

	st, err := e.orch.StatusByTransaction(e.ctx, res.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPending, st.Payment.Status)
	assert.Equal(t, order.StatusPending, st.OrderStatus)

	summary, err := e.orch.OrderPaymentStatus(e.ctx, 42)
	require.NoError(t, err)
	assert.False(t, summary.Paid)
	assert.Nil(t, summary.Completed)
	assert.Len(t, summary.Payments, 1)

	_, err = e.rec.Reconcile(e.ctx, "GATEWAY_A", e.callback(res.TransactionID, "15000", "00"))
	require.NoError(t, err)

	st, err = e.orch.StatusByTransaction(e.ctx, res.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusCompleted, st.Payment.Status)
	assert.Equal(t, order.StatusPaid, st.OrderStatus)

	summary, err = e.orch.OrderPaymentStatus(e.ctx, 42)
	require.NoError(t, err)
	assert.True(t, summary.Paid)
	require.NotNil(t, summary.Completed)
	assert.Equal(t, int64(7), summary.Completed.ID)

	_, err = e.orch.StatusByTransaction(e.ctx, "TXN-unknown")
	requireKind(t, err, payment.KindNotFound, payment.ErrTransactionNotFound)

	_, err = e.orch.PaymentsForOrder(e.ctx, 404)
	requireKind(t, err, payment.KindNotFound, payment.ErrOrderNotFound)
}
