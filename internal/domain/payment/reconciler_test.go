package payment_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-payments/internal/domain/order"
	"github.com/xenking/kart-payments/internal/domain/payment"
	"github.com/xenking/kart-payments/internal/gateway"
	"github.com/xenking/kart-payments/internal/txndir"
)

func TestReconcile_SuccessScenario(t *testing.T) {
	e := newEnv(t)
	e.order42()

	res := e.initiate(t, 42, "GATEWAY_A")
	require.Equal(t, int64(7), res.Payment.ID)

	cb, err := e.rec.Reconcile(e.ctx, "GATEWAY_A", e.callback(res.TransactionID, "15000", "00"))
	require.NoError(t, err)

	assert.Equal(t, gateway.StatusSuccess, cb.Status)
	assert.Equal(t, "Payment successful", cb.Message)
	assert.True(t, cb.Verified)
	assert.False(t, cb.Replayed)
	assert.Equal(t, int64(7), cb.PaymentID)
	assert.Equal(t, int64(42), cb.OrderID)
	assert.Equal(t, payment.StatusCompleted, cb.PaymentStatus)
	assert.Equal(t, order.StatusPaid, cb.OrderStatus)

	p := e.store.payment(7)
	assert.Equal(t, payment.StatusCompleted, p.Status)
	assert.Equal(t, e.clk.Now(), p.UpdatedAt)
	assert.Equal(t, order.StatusPaid, e.store.order(42).Status)
}

func TestReconcile_Replay(t *testing.T) {
	e := newEnv(t)
	e.order42()

	res := e.initiate(t, 42, "GATEWAY_A")
	params := e.callback(res.TransactionID, "15000", "00")

	_, err := e.rec.Reconcile(e.ctx, "GATEWAY_A", params)
	require.NoError(t, err)
	require.Equal(t, 1, e.store.transitionCount())
	first := e.store.payment(7)

	e.clk.Advance(time.Minute)
	for range 3 {
		cb, err := e.rec.Reconcile(e.ctx, "GATEWAY_A", params)
		require.NoError(t, err)
		assert.True(t, cb.Replayed)
		assert.Equal(t, gateway.StatusSuccess, cb.Status)
		assert.Equal(t, payment.StatusCompleted, cb.PaymentStatus)
		assert.Equal(t, "Payment already processed", cb.Message)
	}

	assert.Equal(t, 1, e.store.transitionCount(), "no additional mutation")
	assert.Equal(t, first, e.store.payment(7))
	assert.Equal(t, order.StatusPaid, e.store.order(42).Status)
}

// A replay reports the persisted outcome, not the code in the replayed
// callback.
func TestReconcile_ReplayWithDifferentCode(t *testing.T) {
	e := newEnv(t)
	e.order42()

	res := e.initiate(t, 42, "GATEWAY_A")
	_, err := e.rec.Reconcile(e.ctx, "GATEWAY_A", e.callback(res.TransactionID, "15000", "00"))
	require.NoError(t, err)

	cb, err := e.rec.Reconcile(e.ctx, "GATEWAY_A", e.callback(res.TransactionID, "15000", "24"))
	require.NoError(t, err)
	assert.True(t, cb.Replayed)
	assert.Equal(t, gateway.StatusSuccess, cb.Status)
	assert.Equal(t, payment.StatusCompleted, e.store.payment(7).Status)
	assert.Equal(t, order.StatusPaid, e.store.order(42).Status)
}

func TestReconcile_ConcurrentDeliveries(t *testing.T) {
	e := newEnv(t)
	e.order42()

	res := e.initiate(t, 42, "GATEWAY_A")
	params := e.callback(res.TransactionID, "15000", "00")

	const workers = 16
	var wg sync.WaitGroup
	results := make([]*payment.CallbackResult, workers)
	errs := make([]error, workers)
	for i := range workers {
		wg.Go(func() {
			results[i], errs[i] = e.rec.Reconcile(e.ctx, "GATEWAY_A", params)
		})
	}
	wg.Wait()

	var applied int
	for i := range workers {
		require.NoError(t, errs[i])
		assert.Equal(t, payment.StatusCompleted, results[i].PaymentStatus)
		if !results[i].Replayed {
			applied++
		}
	}
	assert.Equal(t, 1, applied)
	assert.Equal(t, 1, e.store.transitionCount())
}

func TestReconcile_FailureCode(t *testing.T) {
	e := newEnv(t)
	e.order42()

	res := e.initiate(t, 42, "GATEWAY_A")
	cb, err := e.rec.Reconcile(e.ctx, "GATEWAY_A", e.callback(res.TransactionID, "15000", "24"))
	require.NoError(t, err)

	assert.Equal(t, gateway.StatusFailed, cb.Status)
	assert.Equal(t, "Payment failed", cb.Message)
	assert.Equal(t, payment.StatusFailed, cb.PaymentStatus)
	assert.Equal(t, payment.StatusFailed, e.store.payment(7).Status)
	assert.Equal(t, order.StatusPaymentFailed, e.store.order(42).Status)

	// A failed order may be retried and then paid.
	retry := e.initiate(t, 42, "GATEWAY_A")
	require.Equal(t, int64(8), retry.Payment.ID)

	cb, err = e.rec.Reconcile(e.ctx, "GATEWAY_A", e.callback(retry.TransactionID, "15000", "00"))
	require.NoError(t, err)
	assert.Equal(t, payment.StatusCompleted, cb.PaymentStatus)
	assert.Equal(t, order.StatusPaid, e.store.order(42).Status)
	assert.Equal(t, payment.StatusFailed, e.store.payment(7).Status)
}

func TestReconcile_SecondSuccessForPaidOrder(t *testing.T) {
	e := newEnv(t)
	e.order42()

	a := e.initiate(t, 42, "GATEWAY_A")
	b := e.initiate(t, 42, "GATEWAY_A")

	_, err := e.rec.Reconcile(e.ctx, "GATEWAY_A", e.callback(a.TransactionID, "15000", "00"))
	require.NoError(t, err)

	cb, err := e.rec.Reconcile(e.ctx, "GATEWAY_A", e.callback(b.TransactionID, "15000", "00"))
	require.NoError(t, err)
	assert.Equal(t, gateway.StatusFailed, cb.Status)
	assert.Equal(t, "Order already paid", cb.Message)
	assert.Equal(t, payment.StatusFailed, cb.PaymentStatus)

	assert.Equal(t, payment.StatusCompleted, e.store.payment(a.Payment.ID).Status)
	assert.Equal(t, payment.StatusFailed, e.store.payment(b.Payment.ID).Status)
	assert.Equal(t, order.StatusPaid, e.store.order(42).Status)
}

func TestReconcile_Rejections(t *testing.T) {
	for _, tt := range []struct {
		name    string
		params  func(e *env, txnID string) map[string]string
		gateway string
		kind    payment.Kind
		target  error
		message string
	}{
		{
			name: "TamperedAmount",
			params: func(e *env, txnID string) map[string]string {
				p := e.callback(txnID, "15000", "00")
				p["vnp_Amount"] = "100"
				return p
			},
			kind:    payment.KindProtocol,
			target:  gateway.ErrInvalidSignature,
			message: "invalid signature",
		},
		{
			name: "MissingSignature",
			params: func(e *env, txnID string) map[string]string {
				p := e.callback(txnID, "15000", "00")
				delete(p, "vnp_SecureHash")
				return p
			},
			kind:    payment.KindProtocol,
			target:  gateway.ErrMissingSignature,
			message: "missing signature",
		},
		{
			name: "UnknownTransaction",
			params: func(e *env, _ string) map[string]string {
				return e.callback("TXN20261015093000deadbeef", "15000", "00")
			},
			kind:    payment.KindNotFound,
			target:  payment.ErrTransactionNotFound,
			message: "transaction not found",
		},
		{
			name: "AmountMismatch",
			params: func(e *env, txnID string) map[string]string {
				return e.callback(txnID, "100", "00")
			},
			kind:   payment.KindProtocol,
			target: payment.ErrAmountMismatch,
		},
		{
			name: "UnsupportedGateway",
			params: func(e *env, txnID string) map[string]string {
				return e.callback(txnID, "15000", "00")
			},
			gateway: "GATEWAY_Z",
			kind:    payment.KindValidation,
			target:  payment.ErrUnsupportedMethod,
			message: "unsupported gateway",
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			e.order42()
			res := e.initiate(t, 42, "GATEWAY_A")

			name := tt.gateway
			if name == "" {
				name = "GATEWAY_A"
			}
			cb, err := e.rec.Reconcile(e.ctx, name, tt.params(e, res.TransactionID))
			requireKind(t, err, tt.kind, tt.target)

			require.NotNil(t, cb)
			assert.Equal(t, gateway.StatusFailed, cb.Status)
			if tt.message != "" {
				assert.Equal(t, tt.message, cb.Message)
			}
			assert.Equal(t, payment.StatusPending, e.store.payment(7).Status, "payment remains pending")
			assert.Equal(t, order.StatusPending, e.store.order(42).Status)
			assert.Zero(t, e.store.transitionCount())
		})
	}
}

func TestReconcile_ExpiredTransaction(t *testing.T) {
	e := newEnv(t)
	e.order42()

	res := e.initiate(t, 42, "GATEWAY_A")
	params := e.callback(res.TransactionID, "15000", "00")

	e.clk.Advance(txndir.DefaultTTL + time.Second)

	cb, err := e.rec.Reconcile(e.ctx, "GATEWAY_A", params)
	requireKind(t, err, payment.KindNotFound, payment.ErrTransactionNotFound)
	assert.Equal(t, gateway.StatusFailed, cb.Status)
	assert.Equal(t, "transaction not found", cb.Message)
	assert.True(t, cb.Verified, "signature was valid")

	assert.Equal(t, payment.StatusPending, e.store.payment(7).Status)
	assert.Equal(t, order.StatusPending, e.store.order(42).Status)
}

func TestReconcile_RemovedTransactionIsInert(t *testing.T) {
	e := newEnv(t)
	e.order42()

	res := e.initiate(t, 42, "GATEWAY_A")
	require.NoError(t, e.dir.Remove(e.ctx, res.TransactionID))

	_, err := e.rec.Reconcile(e.ctx, "GATEWAY_A", e.callback(res.TransactionID, "15000", "00"))
	requireKind(t, err, payment.KindNotFound, payment.ErrTransactionNotFound)
	assert.Equal(t, payment.StatusPending, e.store.payment(7).Status)
}

func TestReconcile_CommitFailureIsAtomic(t *testing.T) {
	e := newEnv(t)
	e.order42()

	res := e.initiate(t, 42, "GATEWAY_A")
	params := e.callback(res.TransactionID, "15000", "00")

	e.store.commitErr = assert.AnError
	cb, err := e.rec.Reconcile(e.ctx, "GATEWAY_A", params)
	requireKind(t, err, payment.KindTransient, assert.AnError)
	assert.Equal(t, gateway.StatusFailed, cb.Status)
	assert.Equal(t, payment.StatusPending, e.store.payment(7).Status)
	assert.Equal(t, order.StatusPending, e.store.order(42).Status)

	// The gateway retries once the store recovers.
	e.store.commitErr = nil
	cb, err = e.rec.Reconcile(e.ctx, "GATEWAY_A", params)
	require.NoError(t, err)
	assert.False(t, cb.Replayed)
	assert.Equal(t, payment.StatusCompleted, e.store.payment(7).Status)
	assert.Equal(t, order.StatusPaid, e.store.order(42).Status)
}

func TestReconcile_CancelledOrderKeepsStatus(t *testing.T) {
	e := newEnv(t)
	e.order42()

	res := e.initiate(t, 42, "GATEWAY_A")
	require.NoError(t, e.store.SetOrderStatus(e.ctx, 42, order.StatusCancelled))

	cb, err := e.rec.Reconcile(e.ctx, "GATEWAY_A", e.callback(res.TransactionID, "15000", "00"))
	require.NoError(t, err)
	assert.Equal(t, payment.StatusCompleted, cb.PaymentStatus)
	assert.Equal(t, order.StatusCancelled, e.store.order(42).Status)
}

func TestReconcile_LateFailureKeepsCODConfirmation(t *testing.T) {
	e := newEnv(t)
	e.order42()

	online := e.initiate(t, 42, "GATEWAY_A")
	cod := e.initiate(t, 42, "COD")
	require.Equal(t, order.StatusConfirmed, e.store.order(42).Status)

	cb, err := e.rec.Reconcile(e.ctx, "GATEWAY_A", e.callback(online.TransactionID, "15000", "24"))
	require.NoError(t, err)
	assert.Equal(t, payment.StatusFailed, cb.PaymentStatus)
	assert.Equal(t, order.StatusConfirmed, cb.OrderStatus)

	assert.Equal(t, payment.StatusFailed, e.store.payment(online.Payment.ID).Status)
	assert.Equal(t, payment.StatusPending, e.store.payment(cod.Payment.ID).Status)
	assert.Equal(t, order.StatusConfirmed, e.store.order(42).Status)

	// The order still cannot be paid twice.
	_, err = e.orch.Initiate(e.ctx, payment.InitiateRequest{OrderID: 42, Method: "GATEWAY_A"})
	requireKind(t, err, payment.KindConflict, payment.ErrAlreadyPaid)
}

func TestReconcile_FailureWithPendingRetry(t *testing.T) {
	e := newEnv(t)
	e.order42()

	first := e.initiate(t, 42, "GATEWAY_A")
	retry := e.initiate(t, 42, "GATEWAY_A")

	_, err := e.rec.Reconcile(e.ctx, "GATEWAY_A", e.callback(first.TransactionID, "15000", "24"))
	require.NoError(t, err)
	assert.Equal(t, payment.StatusFailed, e.store.payment(first.Payment.ID).Status)
	assert.Equal(t, order.StatusPending, e.store.order(42).Status)

	_, err = e.rec.Reconcile(e.ctx, "GATEWAY_A", e.callback(retry.TransactionID, "15000", "24"))
	require.NoError(t, err)
	assert.Equal(t, order.StatusPaymentFailed, e.store.order(42).Status)
}
