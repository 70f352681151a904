// Command mock-callback impersonates a payment gateway: it builds and signs a
// callback for a transaction and delivers it to the payments API.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"slices"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-payments/internal/gateway"
)

var dialects = map[string]gateway.Dialect{
	"vnpay":   gateway.VNPay,
	"zalopay": gateway.ZaloPay,
	"paypal":  gateway.PayPal,
}

type options struct {
	apiURL   string
	gateway  string
	secret   string
	merchant string
	txnID    string
	amount   string
	code     string
	post     bool
	dryRun   bool
}

func main() {
	var opts options
	flag.StringVar(&opts.apiURL, "url", "http://localhost:8080", "Payments API base URL")
	flag.StringVar(&opts.gateway, "gateway", "vnpay", "Gateway dialect (vnpay, zalopay, paypal)")
	flag.StringVar(&opts.secret, "secret", "", "Gateway signing secret (or KART_GATEWAYS_<GATEWAY>_SECRET env)")
	flag.StringVar(&opts.merchant, "merchant", "", "Merchant code (or KART_GATEWAYS_<GATEWAY>_MERCHANTCODE env)")
	flag.StringVar(&opts.txnID, "txn", "", "Transaction ID returned by /api/payments/process")
	flag.StringVar(&opts.amount, "amount", "", "Amount in major units, e.g. 150.00 (omitted when empty)")
	flag.StringVar(&opts.code, "code", "", "Response code (defaults to the gateway's success code)")
	flag.BoolVar(&opts.post, "post", false, "Send as a form-encoded POST notification instead of a GET return")
	flag.BoolVar(&opts.dryRun, "dry-run", false, "Only print the signed callback, don't send")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, opts, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, out io.Writer) error {
	name := strings.ToLower(opts.gateway)
	d, ok := dialects[name]
	if !ok {
		return errors.Errorf("unknown gateway %q", opts.gateway)
	}
	envPrefix := "KART_GATEWAYS_" + strings.ToUpper(d.Name) + "_"
	if opts.secret == "" {
		opts.secret = os.Getenv(envPrefix + "SECRET")
	}
	if opts.merchant == "" {
		opts.merchant = os.Getenv(envPrefix + "MERCHANTCODE")
	}
	if opts.secret == "" {
		return errors.Errorf("secret not provided and %sSECRET not set", envPrefix)
	}
	if opts.txnID == "" {
		return errors.New("-txn is required")
	}

	n := gateway.Notification{
		TransactionID:        opts.txnID,
		GatewayTransactionNo: fmt.Sprintf("%d", time.Now().UnixNano()%100_000_000),
		ResponseCode:         opts.code,
		PaidAt:               time.Now().UTC(),
	}
	if opts.amount != "" {
		amount, err := decimal.NewFromString(opts.amount)
		if err != nil {
			return errors.Wrapf(err, "parse amount %q", opts.amount)
		}
		n.Amount = amount
	}

	g := gateway.NewRedirect(d, gateway.Config{MerchantCode: opts.merchant, Secret: opts.secret})
	values := url.Values{}
	params := g.BuildCallback(n)
	keys := make([]string, 0, len(params))
	for k, v := range params {
		values.Set(k, v)
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(out, "%s=%s\n", k, params[k])
	}

	target := strings.TrimRight(opts.apiURL, "/") + "/api/payments/callback/" + name
	if opts.dryRun {
		fmt.Fprintf(out, "\n[DRY RUN] Not sending to %s\n", target)
		return nil
	}

	var (
		req *http.Request
		err error
	)
	if opts.post {
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(values.Encode()))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, target+"?"+values.Encode(), nil)
	}
	if err != nil {
		return errors.Wrap(err, "create request")
	}

	fmt.Fprintf(out, "\nSending to %s...\n", target)
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrap(err, "send callback")
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(resp.Body)
	fmt.Fprintf(out, "Status: %d\nResponse: %s\n", resp.StatusCode, body)
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("callback answered %d", resp.StatusCode)
	}
	return nil
}
