package gateway

import (
	"time"

	"github.com/shopspring/decimal"
)

// Dialect names the parameters a gateway uses on the wire. All dialects share
// the signing protocol in this package; they differ only in field names,
// static fields, amount scaling and the success code.
type Dialect struct {
	Name string

	SignatureField string
	// Unsigned lists fields that travel with the signature but are never
	// part of the signed payload.
	Unsigned []string

	TxnRefField       string
	AmountField       string
	OrderInfoField    string
	ReturnURLField    string
	LocaleField       string
	ClientIPField     string
	CreateDateField   string
	MerchantField     string
	ResponseCodeField string
	GatewayTxnField   string

	// AmountScale multiplies the amount before it is rendered as an integer;
	// 100 means the wire carries minor units.
	AmountScale int64
	SuccessCode string
	DateLayout  string
	Static      map[string]string
}

// excluded returns every field that must not be signed.
func (d Dialect) excluded() []string {
	return append([]string{d.SignatureField}, d.Unsigned...)
}

func (d Dialect) formatAmount(amount decimal.Decimal) string {
	scale := d.AmountScale
	if scale == 0 {
		scale = 1
	}
	return amount.Mul(decimal.NewFromInt(scale)).Round(0).String()
}

func (d Dialect) parseAmount(v string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, err
	}
	if d.AmountScale > 1 {
		amount = amount.Div(decimal.NewFromInt(d.AmountScale))
	}
	return amount, nil
}

func (d Dialect) formatDate(t time.Time) string {
	layout := d.DateLayout
	if layout == "" {
		layout = "20060102150405"
	}
	return t.Format(layout)
}

// VNPay is the VNPay-like dialect: vnp_ prefixed fields, minor-unit amounts,
// response code "00" for success.
var VNPay = Dialect{
	Name:              "VNPay",
	SignatureField:    "vnp_SecureHash",
	Unsigned:          []string{"vnp_SecureHashType"},
	TxnRefField:       "vnp_TxnRef",
	AmountField:       "vnp_Amount",
	OrderInfoField:    "vnp_OrderInfo",
	ReturnURLField:    "vnp_ReturnUrl",
	LocaleField:       "vnp_Locale",
	ClientIPField:     "vnp_IpAddr",
	CreateDateField:   "vnp_CreateDate",
	MerchantField:     "vnp_TmnCode",
	ResponseCodeField: "vnp_ResponseCode",
	GatewayTxnField:   "vnp_TransactionNo",
	AmountScale:       100,
	SuccessCode:       "00",
	Static: map[string]string{
		"vnp_Version":   "2.1.0",
		"vnp_Command":   "pay",
		"vnp_CurrCode":  "VND",
		"vnp_OrderType": "other",
	},
}

// ZaloPay is a ZaloPay-like dialect signed with the shared protocol.
var ZaloPay = Dialect{
	Name:              "ZaloPay",
	SignatureField:    "mac",
	TxnRefField:       "app_trans_id",
	AmountField:       "amount",
	OrderInfoField:    "description",
	ReturnURLField:    "redirect_url",
	LocaleField:       "lang",
	CreateDateField:   "app_time",
	MerchantField:     "app_id",
	ResponseCodeField: "return_code",
	GatewayTxnField:   "zp_trans_id",
	AmountScale:       1,
	SuccessCode:       "1",
}

// PayPal is a PayPal-like dialect signed with the shared protocol.
var PayPal = Dialect{
	Name:              "PayPal",
	SignatureField:    "signature",
	TxnRefField:       "invoice_id",
	AmountField:       "amount",
	OrderInfoField:    "item_name",
	ReturnURLField:    "return_url",
	LocaleField:       "locale",
	CreateDateField:   "created",
	MerchantField:     "client_id",
	ResponseCodeField: "status",
	GatewayTxnField:   "payment_id",
	AmountScale:       100,
	SuccessCode:       "COMPLETED",
	Static: map[string]string{
		"currency_code": "USD",
	},
}
