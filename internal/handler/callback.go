package handler

import (
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"

	"github.com/xenking/kart-payments/internal/gateway"
)

// Callback receives a gateway callback, either as the browser return
// (query string) or as a server-to-server notification (form body).
//
//	GET|POST /api/payments/callback/{gateway}
//
// Verified outcomes answer 200 even when the payment failed; rejections use
// the status of the rejection so gateways retry only transient failures.
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()
	if r.Method == http.MethodPost {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		if err := r.ParseForm(); err != nil {
			writeFailure(w, http.StatusBadRequest, "invalid callback body")
			return
		}
		values = r.Form
	}

	res, err := h.callbacks.Reconcile(r.Context(), chi.URLParam(r, "gateway"), flatten(values))
	if err != nil {
		fail(w, r, err)
		return
	}

	var e jx.Encoder
	envelope(&e, res.Status == gateway.StatusSuccess, res.Message)
	optStr(&e, "transactionId", res.TransactionID)
	if res.OrderID != 0 {
		e.FieldStart("orderId")
		e.Int64(res.OrderID)
	}
	optStr(&e, "paymentStatus", string(res.PaymentStatus))
	optStr(&e, "orderStatus", string(res.OrderStatus))
	if res.Replayed {
		e.FieldStart("replayed")
		e.Bool(true)
	}
	e.ObjEnd()
	writeJSON(w, http.StatusOK, &e)
}

// flatten keeps the first value of every parameter.
func flatten(values url.Values) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
