package handler

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"

	"github.com/xenking/kart-payments/internal/domain/payment"
	"github.com/xenking/kart-payments/pkg/httpmiddleware"
)

const maxBodyBytes = 64 << 10

// Process starts a payment for an order.
//
//	POST /api/payments/process
//	{"orderId":42,"paymentMethod":"VNPay","returnUrl":"https://shop/return","language":"vn"}
func (h *Handler) Process(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeFailure(w, http.StatusBadRequest, errBadBody.Error())
		return
	}
	req, err := decodeProcess(body)
	if err != nil {
		writeFailure(w, http.StatusBadRequest, errBadBody.Error())
		return
	}
	switch {
	case req.OrderID <= 0:
		writeFailure(w, http.StatusUnprocessableEntity, errBadOrderID.Error())
		return
	case req.Method == "":
		writeFailure(w, http.StatusUnprocessableEntity, "paymentMethod is required")
		return
	}

	res, err := h.payments.Initiate(r.Context(), payment.InitiateRequest{
		OrderID:   req.OrderID,
		Method:    req.Method,
		ReturnURL: req.ReturnURL,
		Locale:    req.Language,
		ClientIP:  httpmiddleware.ClientIP(r),
	})
	if err != nil {
		fail(w, r, err)
		return
	}

	var e jx.Encoder
	envelope(&e, true, res.Message)
	optStr(&e, "paymentUrl", res.RedirectURL)
	optStr(&e, "transactionId", res.TransactionID)
	e.FieldStart("payment")
	encodePayment(&e, res.Payment)
	e.ObjEnd()
	writeJSON(w, http.StatusOK, &e)
}

// Status reports the payment behind a transaction ID.
//
//	GET /api/payments/status/{transactionId}
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	st, err := h.payments.StatusByTransaction(r.Context(), chi.URLParam(r, "transactionId"))
	if err != nil {
		fail(w, r, err)
		return
	}

	var e jx.Encoder
	envelope(&e, true, "")
	e.FieldStart("transactionId")
	e.Str(st.TransactionID)
	e.FieldStart("orderStatus")
	e.Str(string(st.OrderStatus))
	e.FieldStart("payment")
	encodePayment(&e, st.Payment)
	e.ObjEnd()
	writeJSON(w, http.StatusOK, &e)
}

// OrderPayments lists every payment attempt of an order.
//
//	GET /api/payments/order/{orderId}
func (h *Handler) OrderPayments(w http.ResponseWriter, r *http.Request) {
	orderID, err := parseID(chi.URLParam(r, "orderId"))
	if err != nil {
		writeFailure(w, http.StatusBadRequest, err.Error())
		return
	}
	payments, err := h.payments.PaymentsForOrder(r.Context(), orderID)
	if err != nil {
		fail(w, r, err)
		return
	}

	var e jx.Encoder
	envelope(&e, true, "")
	e.FieldStart("orderId")
	e.Int64(orderID)
	e.FieldStart("payments")
	encodePayments(&e, payments)
	e.ObjEnd()
	writeJSON(w, http.StatusOK, &e)
}

// OrderStatus reports whether an order has a completed payment.
//
//	GET /api/payments/order/{orderId}/status
func (h *Handler) OrderStatus(w http.ResponseWriter, r *http.Request) {
	orderID, err := parseID(chi.URLParam(r, "orderId"))
	if err != nil {
		writeFailure(w, http.StatusBadRequest, err.Error())
		return
	}
	st, err := h.payments.OrderPaymentStatus(r.Context(), orderID)
	if err != nil {
		fail(w, r, err)
		return
	}

	var e jx.Encoder
	envelope(&e, true, "")
	e.FieldStart("orderId")
	e.Int64(st.OrderID)
	e.FieldStart("orderStatus")
	e.Str(string(st.OrderStatus))
	e.FieldStart("paid")
	e.Bool(st.Paid)
	e.FieldStart("payment")
	encodePayment(&e, st.Completed)
	e.FieldStart("attempts")
	e.Int(len(st.Payments))
	e.ObjEnd()
	writeJSON(w, http.StatusOK, &e)
}

// Methods lists the accepted payment methods.
//
//	GET /api/payments/methods
func (h *Handler) Methods(w http.ResponseWriter, _ *http.Request) {
	var e jx.Encoder
	envelope(&e, true, "")
	e.FieldStart("methods")
	e.ArrStart()
	for _, m := range h.gateways.Methods() {
		e.Str(m)
	}
	e.ArrEnd()
	e.ObjEnd()
	writeJSON(w, http.StatusOK, &e)
}
