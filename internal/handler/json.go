package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/kart-payments/internal/domain/payment"
)

func writeJSON(w http.ResponseWriter, status int, e *jx.Encoder) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

// envelope starts {"success":ok,"message":msg and leaves the object open.
func envelope(e *jx.Encoder, ok bool, msg string) {
	e.ObjStart()
	e.FieldStart("success")
	e.Bool(ok)
	if msg != "" {
		e.FieldStart("message")
		e.Str(msg)
	}
}

func writeFailure(w http.ResponseWriter, status int, msg string) {
	var e jx.Encoder
	envelope(&e, false, msg)
	e.ObjEnd()
	writeJSON(w, status, &e)
}

func optStr(e *jx.Encoder, field, v string) {
	if v == "" {
		return
	}
	e.FieldStart(field)
	e.Str(v)
}

func encodePayment(e *jx.Encoder, p *payment.Payment) {
	if p == nil {
		e.Null()
		return
	}
	e.ObjStart()
	e.FieldStart("id")
	e.Int64(p.ID)
	e.FieldStart("orderId")
	e.Int64(p.OrderID)
	e.FieldStart("amount")
	e.Raw([]byte(p.Amount.StringFixed(2)))
	e.FieldStart("paymentMethod")
	e.Str(p.Method)
	e.FieldStart("status")
	e.Str(string(p.Status))
	optStr(e, "transactionId", p.TransactionID)
	e.FieldStart("createdAt")
	e.Str(p.CreatedAt.UTC().Format(time.RFC3339))
	e.FieldStart("updatedAt")
	e.Str(p.UpdatedAt.UTC().Format(time.RFC3339))
	e.ObjEnd()
}

func encodePayments(e *jx.Encoder, payments []payment.Payment) {
	e.ArrStart()
	for i := range payments {
		encodePayment(e, &payments[i])
	}
	e.ArrEnd()
}

var (
	errBadBody    = errors.New("invalid request body")
	errBadOrderID = errors.New("orderId must be a positive integer")
)

type processRequest struct {
	OrderID   int64
	Method    string
	ReturnURL string
	Language  string
}

// decodeProcess reads the /process body. orderId may be sent as a number or
// as a numeric string.
func decodeProcess(data []byte) (processRequest, error) {
	var req processRequest
	err := jx.DecodeBytes(data).Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "orderId":
			req.OrderID, err = decodeID(d)
		case "paymentMethod":
			req.Method, err = d.Str()
		case "returnUrl":
			req.ReturnURL, err = d.Str()
		case "language":
			req.Language, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		return req, errors.Wrap(errBadBody, err.Error())
	}
	return req, nil
}

func decodeID(d *jx.Decoder) (int64, error) {
	if d.Next() == jx.String {
		s, err := d.Str()
		if err != nil {
			return 0, err
		}
		return parseID(s)
	}
	return d.Int64()
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, errBadOrderID
	}
	return id, nil
}
