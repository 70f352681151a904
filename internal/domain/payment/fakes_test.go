package payment_test

import (
	"context"
	"maps"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xenking/kart-payments/internal/domain/order"
	"github.com/xenking/kart-payments/internal/domain/payment"
	"github.com/xenking/kart-payments/internal/gateway"
	"github.com/xenking/kart-payments/internal/txndir"
)

// memStore is an in-memory payment.Store and order.Ledger. Transactions are
// serialized by txMu and staged on copies until commit.
type memStore struct {
	txMu sync.Mutex

	mu          sync.Mutex
	orders      map[int64]order.Order
	carts       map[int64][]order.CartLine
	totals      map[int64]decimal.Decimal
	payments    map[int64]payment.Payment
	nextID      int64
	transitions int
	commitErr   error
}

var (
	_ payment.Store = (*memStore)(nil)
	_ order.Ledger  = (*memStore)(nil)
)

func newMemStore() *memStore {
	return &memStore{
		orders:   make(map[int64]order.Order),
		carts:    make(map[int64][]order.CartLine),
		totals:   make(map[int64]decimal.Decimal),
		payments: make(map[int64]payment.Payment),
	}
}

func (s *memStore) addOrder(o order.Order, lines ...order.CartLine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = o
	s.carts[o.CartID] = lines
	total, _ := order.Sum(o.CartID, lines)
	s.totals[o.CartID] = total
}

func (s *memStore) setLines(cartID int64, lines ...order.CartLine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.carts[cartID] = lines
}

func (s *memStore) order(id int64) order.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orders[id]
}

func (s *memStore) payment(id int64) payment.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.payments[id]
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payments)
}

func (s *memStore) transitionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitions
}

func (s *memStore) GetOrder(_ context.Context, orderID int64) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, order.ErrNotFound
	}
	return &o, nil
}

func (s *memStore) GetCartTotal(_ context.Context, cartID int64) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total, ok := s.totals[cartID]
	if !ok {
		return decimal.Zero, order.ErrCartNotFound
	}
	return total, nil
}

func (s *memStore) GetCartLineItems(_ context.Context, cartID int64) ([]order.CartLine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lines, ok := s.carts[cartID]
	if !ok {
		return nil, order.ErrCartNotFound
	}
	return slices.Clone(lines), nil
}

func (s *memStore) SetOrderStatus(_ context.Context, orderID int64, status order.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return order.ErrNotFound
	}
	o.Status = status
	s.orders[orderID] = o
	return nil
}

func (s *memStore) GetPayment(_ context.Context, paymentID int64) (*payment.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[paymentID]
	if !ok {
		return nil, payment.ErrPaymentNotFound
	}
	return &p, nil
}

func (s *memStore) ListByOrder(_ context.Context, orderID int64) ([]payment.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return paymentsOf(s.payments, orderID), nil
}

func paymentsOf(all map[int64]payment.Payment, orderID int64) []payment.Payment {
	var out []payment.Payment
	for _, p := range all {
		if p.OrderID == orderID {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b payment.Payment) int { return int(a.ID - b.ID) })
	return out
}

func (s *memStore) InOrderTx(ctx context.Context, orderID int64, fn func(context.Context, payment.Tx, *order.Order) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	o, ok := s.orders[orderID]
	tx := &memTx{
		store:    s,
		order:    o,
		payments: maps.Clone(s.payments),
	}
	s.mu.Unlock()
	if !ok {
		return order.ErrNotFound
	}

	locked := o
	if err := fn(ctx, tx, &locked); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.commitErr != nil {
		return s.commitErr
	}
	s.orders[orderID] = tx.order
	s.payments = tx.payments
	s.transitions += tx.transitions
	return nil
}

type memTx struct {
	store       *memStore
	order       order.Order
	payments    map[int64]payment.Payment
	transitions int
}

func (tx *memTx) Payments(context.Context) ([]payment.Payment, error) {
	return paymentsOf(tx.payments, tx.order.ID), nil
}

func (tx *memTx) Payment(_ context.Context, paymentID int64) (*payment.Payment, error) {
	p, ok := tx.payments[paymentID]
	if !ok {
		return nil, payment.ErrPaymentNotFound
	}
	return &p, nil
}

func (tx *memTx) CreatePayment(_ context.Context, p *payment.Payment) error {
	tx.store.mu.Lock()
	tx.store.nextID++
	p.ID = tx.store.nextID
	tx.store.mu.Unlock()
	tx.payments[p.ID] = *p
	return nil
}

func (tx *memTx) TransitionPayment(_ context.Context, paymentID int64, status payment.Status, at time.Time) (bool, error) {
	p, ok := tx.payments[paymentID]
	if !ok {
		return false, payment.ErrPaymentNotFound
	}
	if p.Status != payment.StatusPending {
		return false, nil
	}
	p.Status, p.UpdatedAt = status, at
	tx.payments[paymentID] = p
	tx.transitions++
	return true, nil
}

func (tx *memTx) GetCartTotal(ctx context.Context, cartID int64) (decimal.Decimal, error) {
	return tx.store.GetCartTotal(ctx, cartID)
}

func (tx *memTx) GetCartLineItems(ctx context.Context, cartID int64) ([]order.CartLine, error) {
	return tx.store.GetCartLineItems(ctx, cartID)
}

func (tx *memTx) SetOrderStatus(_ context.Context, status order.Status) error {
	tx.order.Status = status
	return nil
}

// lockedLedger fails cart reads made outside an order transaction.
type lockedLedger struct {
	order.Ledger
	t *testing.T
}

func (l lockedLedger) GetCartTotal(context.Context, int64) (decimal.Decimal, error) {
	l.t.Error("cart total read outside the order transaction")
	return decimal.Zero, errors.New("unexpected cart read")
}

func (l lockedLedger) GetCartLineItems(context.Context, int64) ([]order.CartLine, error) {
	l.t.Error("cart lines read outside the order transaction")
	return nil, errors.New("unexpected cart read")
}

// flakyDir wraps a directory and optionally fails registration.
type flakyDir struct {
	*txndir.Memory
	registerErr error
}

func (d *flakyDir) Register(ctx context.Context, txnID string, paymentID, orderID int64) error {
	if d.registerErr != nil {
		return d.registerErr
	}
	return d.Memory.Register(ctx, txnID, paymentID, orderID)
}

const testSecret = "SECRETKEY"

type env struct {
	ctx   context.Context
	clk   *clockwork.FakeClock
	store *memStore
	dir   *flakyDir
	gw    *gateway.Redirect
	reg   *gateway.Registry
	orch  *payment.Orchestrator
	rec   *payment.Reconciler
}

func newEnv(t *testing.T) *env {
	t.Helper()

	clk := clockwork.NewFakeClockAt(time.Date(2026, 10, 15, 9, 30, 0, 0, time.UTC))
	store := newMemStore()
	dir := &flakyDir{Memory: txndir.NewMemory(clk, txndir.DefaultTTL)}

	gw := gateway.NewRedirect(gateway.VNPay, gateway.Config{
		BaseURL:      "https://sandbox.gateway.example/paymentv2/vpcpay.html",
		MerchantCode: "DEMO0001",
		Secret:       testSecret,
	})
	registry := gateway.NewRegistry()
	registry.Register("GATEWAY_A", gw)

	opts := payment.Options{Clock: clk}
	return &env{
		ctx:   zctx.Base(context.Background(), zaptest.NewLogger(t)),
		clk:   clk,
		store: store,
		dir:   dir,
		gw:    gw,
		reg:   registry,
		orch:  payment.NewOrchestrator(store, store, registry, dir, opts),
		rec:   payment.NewReconciler(store, registry, dir, opts),
	}
}

// order42 seeds order #42 with a 150.00 cart and makes the next payment #7.
func (e *env) order42() {
	e.store.addOrder(
		order.Order{ID: 42, CartID: 9, UserID: 3, PaymentMethod: "GATEWAY_A", Status: order.StatusPending},
		order.CartLine{ProductID: 1, Price: decimal.RequireFromString("50.00"), Quantity: 2},
		order.CartLine{ProductID: 2, Price: decimal.RequireFromString("25.00"), Quantity: 2},
	)
	e.store.nextID = 6
}

func (e *env) initiate(t *testing.T, orderID int64, method string) *payment.InitiateResult {
	t.Helper()
	res, err := e.orch.Initiate(e.ctx, payment.InitiateRequest{
		OrderID:   orderID,
		Method:    method,
		ReturnURL: "https://shop.example/payment/return",
		Locale:    "vn",
		ClientIP:  "127.0.0.1",
	})
	require.NoError(t, err)
	return res
}

// callback builds a gateway-signed callback for txnID.
func (e *env) callback(txnID, amount, code string) map[string]string {
	return e.gw.SignCallback(map[string]string{
		"vnp_TxnRef":        txnID,
		"vnp_Amount":        amount,
		"vnp_ResponseCode":  code,
		"vnp_TransactionNo": "14123456",
		"vnp_TmnCode":       "DEMO0001",
		"vnp_BankCode":      "NCB",
		"vnp_PayDate":       "20261015093512",
	})
}

func requireKind(t *testing.T, err error, kind payment.Kind, target error) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, kind, payment.KindOf(err), "error: %v", err)
	if target != nil {
		require.True(t, errors.Is(err, target), "error %v is not %v", err, target)
	}
}
