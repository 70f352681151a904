package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"

	"github.com/xenking/kart-payments/internal/domain/auth"
	"github.com/xenking/kart-payments/internal/domain/payment"
)

type keyRepo struct {
	keys map[string]*auth.APIKeyInfo
	err  error
}

func (r *keyRepo) FindByHash(_ context.Context, hash string) (*auth.APIKeyInfo, error) {
	if r.err != nil {
		return nil, r.err
	}
	info, ok := r.keys[hash]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return info, nil
}

func TestSecurity(t *testing.T) {
	pepper := []byte("pepper")
	storefront := auth.HashKey("storefront-key", pepper)
	reporting := auth.HashKey("reporting-key", pepper)
	repo := &keyRepo{keys: map[string]*auth.APIKeyInfo{
		storefront: {ID: "1", KeyHash: storefront, Name: "storefront", Scopes: []string{auth.ScopePaymentsWrite, auth.ScopePaymentsRead}},
		reporting:  {ID: "2", KeyHash: reporting, Name: "reporting", Scopes: []string{auth.ScopePaymentsRead}},
	}}
	sec := NewSecurity(repo, pepper)

	p := &stubPayments{
		initiate: func(payment.InitiateRequest) (*payment.InitiateResult, error) {
			return &payment.InitiateResult{Payment: payment7(payment.StatusPending), Message: "ok"}, nil
		},
		list: func(int64) ([]payment.Payment, error) { return nil, nil },
	}
	c := stubCallbacks(func(string, map[string]string) (*payment.CallbackResult, error) {
		return &payment.CallbackResult{}, nil
	})

	send := func(method, path, key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		if method == http.MethodPost && path == "/api/payments/process" {
			req = httptest.NewRequest(method, path, strings.NewReader(`{"orderId":42,"paymentMethod":"VNPay"}`))
		}
		if key != "" {
			req.Header.Set(APIKeyHeader, key)
		}
		return serve(t, p, c, sec, req)
	}

	for _, tt := range []struct {
		name   string
		method string
		path   string
		key    string
		status int
		msg    string
	}{
		{name: "MissingKey", method: http.MethodPost, path: "/api/payments/process", status: http.StatusUnauthorized, msg: "missing api key"},
		{name: "UnknownKey", method: http.MethodPost, path: "/api/payments/process", key: "guess", status: http.StatusUnauthorized, msg: "unauthorized"},
		{name: "MissingScope", method: http.MethodPost, path: "/api/payments/process", key: "reporting-key", status: http.StatusForbidden, msg: "api key lacks scope payments:write"},
		{name: "Write", method: http.MethodPost, path: "/api/payments/process", key: "storefront-key", status: http.StatusOK},
		{name: "Read", method: http.MethodGet, path: "/api/payments/order/42", key: "reporting-key", status: http.StatusOK},
		{name: "ReadMissingKey", method: http.MethodGet, path: "/api/payments/order/42", status: http.StatusUnauthorized, msg: "missing api key"},
		{name: "CallbackOpen", method: http.MethodGet, path: "/api/payments/callback/vnpay", status: http.StatusOK},
		{name: "MethodsOpen", method: http.MethodGet, path: "/api/payments/methods", status: http.StatusOK},
	} {
		t.Run(tt.name, func(t *testing.T) {
			w := send(tt.method, tt.path, tt.key)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			if tt.msg != "" {
				assert.JSONEq(t, `{"success":false,"message":"`+tt.msg+`"}`, w.Body.String())
			}
		})
	}

	t.Run("RepositoryDown", func(t *testing.T) {
		repo.err = errors.New("connection refused")
		defer func() { repo.err = nil }()

		w := send(http.MethodPost, "/api/payments/process", "storefront-key")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.JSONEq(t, `{"success":false,"message":"authentication unavailable"}`, w.Body.String())
	})
	t.Run("StoredHashMismatch", func(t *testing.T) {
		repo.keys[auth.HashKey("stale-key", pepper)] = &auth.APIKeyInfo{ID: "3", KeyHash: storefront, Scopes: []string{auth.ScopePaymentsWrite}}

		w := send(http.MethodPost, "/api/payments/process", "stale-key")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}
