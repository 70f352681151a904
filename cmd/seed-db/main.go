package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-payments/internal/domain/auth"
	"github.com/xenking/kart-payments/internal/domain/order"
	"github.com/xenking/kart-payments/internal/storage/postgres"
)

type orderJSON struct {
	UserID         int64  `json:"userId"`
	PaymentMethod  string `json:"paymentMethod"`
	BillingAddress string `json:"billingAddress"`
	Lines          []struct {
		ProductID int64           `json:"productId"`
		Price     decimal.Decimal `json:"price"`
		Quantity  int             `json:"quantity"`
	} `json:"lines"`
}

func main() {
	var (
		databaseURL  string
		ordersFile   string
		apiKey       string
		apiKeyPepper string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&ordersFile, "orders-file", "db/seed/orders.json", "path to orders JSON file")
	flag.StringVar(&apiKey, "api-key", "", "API key to seed (or KART_SEED_API_KEY env)")
	flag.StringVar(&apiKeyPepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or KART_API_KEY_PEPPER env)")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if apiKey == "" {
		apiKey = os.Getenv("KART_SEED_API_KEY")
	}
	if apiKey == "" {
		slog.Error("API key is required: set --api-key or KART_SEED_API_KEY")
		os.Exit(1)
	}
	if apiKeyPepper == "" {
		apiKeyPepper = os.Getenv("KART_API_KEY_PEPPER")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, ordersFile, apiKey, apiKeyPepper); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, ordersFile, apiKey, pepper string) error {
	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	if err := seedOrders(ctx, postgres.NewLedgerRepository(pool), ordersFile); err != nil {
		return errors.Wrap(err, "seed orders")
	}

	if err := seedAPIKey(ctx, postgres.NewAPIKeyRepository(pool), apiKey, pepper); err != nil {
		return errors.Wrap(err, "seed api key")
	}

	return nil
}

func seedOrders(ctx context.Context, ledger *postgres.LedgerRepository, ordersFile string) error {
	slog.Info("reading orders file", slog.String("path", ordersFile))

	data, err := os.ReadFile(ordersFile)
	if err != nil {
		return errors.Wrap(err, "read orders file")
	}

	var orders []orderJSON
	if err := json.Unmarshal(data, &orders); err != nil {
		return errors.Wrap(err, "parse orders JSON")
	}

	slog.Info("creating orders", slog.Int("count", len(orders)))

	for _, o := range orders {
		lines := make([]order.CartLine, len(o.Lines))
		for i, l := range o.Lines {
			lines[i] = order.CartLine{ProductID: l.ProductID, Price: l.Price, Quantity: l.Quantity}
		}

		cartID, err := ledger.CreateCart(ctx, o.UserID, lines)
		if err != nil {
			return errors.Wrapf(err, "create cart for user %d", o.UserID)
		}

		created := &order.Order{
			CartID:         cartID,
			UserID:         o.UserID,
			PaymentMethod:  o.PaymentMethod,
			BillingAddress: o.BillingAddress,
		}
		if err := ledger.CreateOrder(ctx, created); err != nil {
			return errors.Wrapf(err, "create order for cart %d", cartID)
		}

		total, err := order.Sum(cartID, lines)
		if err != nil {
			return err
		}
		slog.Info("created order",
			slog.Int64("id", created.ID),
			slog.Int64("cart_id", cartID),
			slog.String("total", total.StringFixed(2)),
			slog.String("method", o.PaymentMethod),
		)
	}

	return nil
}

func seedAPIKey(ctx context.Context, keys *postgres.APIKeyRepository, apiKey, pepper string) error {
	slog.Info("seeding default API key")

	info := auth.APIKeyInfo{
		ID:      "default",
		KeyHash: auth.HashKey(apiKey, []byte(pepper)),
		Name:    "Default storefront key",
		Scopes:  []string{auth.ScopePaymentsWrite, auth.ScopePaymentsRead},
	}
	if err := keys.Upsert(ctx, info); err != nil {
		return errors.Wrap(err, "upsert default API key")
	}

	slog.Info("upserted API key", slog.String("id", info.ID), slog.String("name", info.Name))

	return nil
}
