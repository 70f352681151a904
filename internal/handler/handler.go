// Package handler exposes the payment engine over HTTP under /api/payments.
package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-payments/internal/domain/auth"
	"github.com/xenking/kart-payments/internal/domain/payment"
	"github.com/xenking/kart-payments/internal/gateway"
)

// Payments is the client-facing side of the engine, implemented by
// *payment.Orchestrator.
type Payments interface {
	Initiate(ctx context.Context, req payment.InitiateRequest) (*payment.InitiateResult, error)
	StatusByTransaction(ctx context.Context, txnID string) (*payment.TransactionStatus, error)
	PaymentsForOrder(ctx context.Context, orderID int64) ([]payment.Payment, error)
	OrderPaymentStatus(ctx context.Context, orderID int64) (*payment.OrderStatus, error)
}

// Callbacks is the gateway-facing side of the engine, implemented by
// *payment.Reconciler.
type Callbacks interface {
	Reconcile(ctx context.Context, gatewayName string, params map[string]string) (*payment.CallbackResult, error)
}

// Handler serves the payment endpoints.
type Handler struct {
	payments  Payments
	callbacks Callbacks
	gateways  *gateway.Registry
	security  *Security
}

// NewHandler creates a Handler. A nil security leaves client endpoints
// unauthenticated.
func NewHandler(payments Payments, callbacks Callbacks, gateways *gateway.Registry, security *Security) *Handler {
	return &Handler{
		payments:  payments,
		callbacks: callbacks,
		gateways:  gateways,
		security:  security,
	}
}

// Mount registers the routes under /api/payments. Gateway callbacks are
// authenticated by their signature and never require an API key.
func (h *Handler) Mount(r chi.Router) {
	r.Route("/api/payments", func(r chi.Router) {
		r.Get("/callback/{gateway}", h.Callback)
		r.Post("/callback/{gateway}", h.Callback)
		r.Get("/methods", h.Methods)

		r.Group(func(r chi.Router) {
			r.Use(h.require(auth.ScopePaymentsWrite))
			r.Post("/process", h.Process)
		})
		r.Group(func(r chi.Router) {
			r.Use(h.require(auth.ScopePaymentsRead))
			r.Get("/status/{transactionId}", h.Status)
			r.Get("/order/{orderId}", h.OrderPayments)
			r.Get("/order/{orderId}/status", h.OrderStatus)
		})
	})
}

func (h *Handler) require(scope string) func(http.Handler) http.Handler {
	if h.security == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return h.security.Require(scope)
}

// statusOf maps an engine error to an HTTP status code.
func statusOf(err error) int {
	switch payment.KindOf(err) {
	case payment.KindNotFound:
		return http.StatusNotFound
	case payment.KindConflict:
		return http.StatusConflict
	case payment.KindValidation:
		return http.StatusUnprocessableEntity
	case payment.KindProtocol:
		return http.StatusBadRequest
	case payment.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// fail writes the failure envelope for err. Only the client-facing message
// of err leaves the process.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	lg := zctx.From(r.Context())
	if status >= http.StatusInternalServerError {
		lg.Error("Request failed", zap.Error(err))
	} else {
		lg.Debug("Request rejected", zap.Int("status", status), zap.Error(err))
	}
	writeFailure(w, status, payment.MessageOf(err))
}
