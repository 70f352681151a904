package gateway

import (
	"maps"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Callback statuses reported in CallbackResult.Status.
const (
	StatusSuccess = "SUCCESS"
	StatusFailed  = "FAILED"
)

// Verification failures returned by ParseCallback.
var (
	ErrMissingSignature = errors.New("missing signature")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrMissingTxnRef    = errors.New("missing transaction reference")
	ErrMalformedAmount  = errors.New("malformed amount")
)

// Config holds the merchant credentials for one gateway.
type Config struct {
	BaseURL      string
	MerchantCode string
	Secret       string
}

// PaymentRequest describes the payment a redirect is built for.
type PaymentRequest struct {
	TransactionID string
	Amount        decimal.Decimal
	OrderInfo     string
	ReturnURL     string
	Locale        string
	ClientIP      string
	CreatedAt     time.Time
}

// SignedRequest is the canonical parameter set of an outbound redirect plus
// its signature.
type SignedRequest struct {
	Params         map[string]string
	SignatureField string
	Signature      string
	Canonical      string
	URL            string
}

// CallbackResult is the outcome of verifying a gateway callback.
type CallbackResult struct {
	Gateway              string
	TransactionID        string
	GatewayTransactionNo string
	ResponseCode         string
	Amount               decimal.Decimal
	Verified             bool
	Status               string
	Message              string
}

// Succeeded reports whether the callback is verified and carries the
// gateway's success code.
func (r *CallbackResult) Succeeded() bool {
	return r.Verified && r.Status == StatusSuccess
}

// Redirect is a gateway reached by a signed browser redirect and settled by a
// signed callback.
type Redirect struct {
	dialect Dialect
	cfg     Config
}

// NewRedirect returns a Redirect gateway speaking dialect with cfg credentials.
func NewRedirect(dialect Dialect, cfg Config) *Redirect {
	return &Redirect{dialect: dialect, cfg: cfg}
}

// Name returns the dialect name.
func (g *Redirect) Name() string { return g.dialect.Name }

// Dialect returns the wire dialect of the gateway.
func (g *Redirect) Dialect() Dialect { return g.dialect }

// BuildRequest assembles and signs the redirect parameters for req.
func (g *Redirect) BuildRequest(req PaymentRequest) (*SignedRequest, error) {
	if req.TransactionID == "" {
		return nil, ErrMissingTxnRef
	}
	if !req.Amount.IsPositive() {
		return nil, ErrMalformedAmount
	}

	d := g.dialect
	params := make(map[string]string, len(d.Static)+8)
	maps.Copy(params, d.Static)
	set := func(field, value string) {
		if field != "" && value != "" {
			params[field] = value
		}
	}
	set(d.MerchantField, g.cfg.MerchantCode)
	set(d.TxnRefField, req.TransactionID)
	set(d.AmountField, d.formatAmount(req.Amount))
	set(d.OrderInfoField, req.OrderInfo)
	set(d.ReturnURLField, req.ReturnURL)
	set(d.LocaleField, req.Locale)
	set(d.ClientIPField, req.ClientIP)
	if !req.CreatedAt.IsZero() {
		set(d.CreateDateField, d.formatDate(req.CreatedAt))
	}

	canonical := Canonicalize(params, d.excluded()...)
	sig := digest(canonical, g.cfg.Secret)

	return &SignedRequest{
		Params:         params,
		SignatureField: d.SignatureField,
		Signature:      sig,
		Canonical:      canonical,
		URL:            g.cfg.BaseURL + "?" + canonical + "&" + d.SignatureField + "=" + sig,
	}, nil
}

// SignCallback signs a callback parameter set the way the gateway would and
// returns a copy with the signature field set. It exists for tooling and tests
// that impersonate the gateway.
func (g *Redirect) SignCallback(params map[string]string) map[string]string {
	out := maps.Clone(params)
	delete(out, g.dialect.SignatureField)
	out[g.dialect.SignatureField] = Sign(out, g.cfg.Secret, g.dialect.excluded()...)
	return out
}

// ParseCallback verifies the signature of a callback and extracts its
// outcome. An unverified result is returned together with ErrMissingSignature
// or ErrInvalidSignature; callers must not act on it.
func (g *Redirect) ParseCallback(params map[string]string) (*CallbackResult, error) {
	d := g.dialect
	res := &CallbackResult{
		Gateway:              d.Name,
		TransactionID:        params[d.TxnRefField],
		GatewayTransactionNo: params[d.GatewayTxnField],
		ResponseCode:         params[d.ResponseCodeField],
		Status:               StatusFailed,
	}

	provided, ok := params[d.SignatureField]
	if !ok || provided == "" {
		res.Message = ErrMissingSignature.Error()
		return res, ErrMissingSignature
	}
	if !Verify(params, provided, g.cfg.Secret, d.excluded()...) {
		res.Message = ErrInvalidSignature.Error()
		return res, ErrInvalidSignature
	}
	res.Verified = true

	if res.TransactionID == "" {
		res.Message = ErrMissingTxnRef.Error()
		return res, ErrMissingTxnRef
	}
	if raw := params[d.AmountField]; raw != "" {
		amount, err := d.parseAmount(raw)
		if err != nil {
			res.Message = ErrMalformedAmount.Error()
			return res, errors.Wrapf(ErrMalformedAmount, "parse %q", raw)
		}
		res.Amount = amount
	}

	if res.ResponseCode == d.SuccessCode {
		res.Status = StatusSuccess
		res.Message = "Payment successful"
	} else {
		res.Message = "Payment failed"
	}
	return res, nil
}

// Notification describes a callback the way the gateway would send it.
type Notification struct {
	TransactionID        string
	GatewayTransactionNo string
	Amount               decimal.Decimal
	// ResponseCode defaults to the dialect's success code.
	ResponseCode string
	PaidAt       time.Time
}

// BuildCallback renders n in the gateway's dialect and signs it. Like
// SignCallback it serves tooling that impersonates the gateway.
func (g *Redirect) BuildCallback(n Notification) map[string]string {
	d := g.dialect
	code := n.ResponseCode
	if code == "" {
		code = d.SuccessCode
	}

	params := make(map[string]string, 6)
	set := func(field, value string) {
		if field != "" && value != "" {
			params[field] = value
		}
	}
	set(d.MerchantField, g.cfg.MerchantCode)
	set(d.TxnRefField, n.TransactionID)
	set(d.ResponseCodeField, code)
	set(d.GatewayTxnField, n.GatewayTransactionNo)
	if !n.Amount.IsZero() {
		set(d.AmountField, d.formatAmount(n.Amount))
	}
	if !n.PaidAt.IsZero() {
		set(d.CreateDateField, d.formatDate(n.PaidAt))
	}
	return g.SignCallback(params)
}
