// Command api-server serves the payments API: payment initiation for
// storefront clients and the callback endpoints gateways notify.
package main

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"go.uber.org/zap"

	payments "github.com/xenking/kart-payments/internal/app"
)

func main() {
	app.Run(func(ctx context.Context, lg *zap.Logger, m *app.Telemetry) error {
		cfg, err := payments.LoadConfig()
		if err != nil {
			return errors.Wrap(err, "config")
		}
		return payments.Run(ctx, lg, m, cfg)
	})
}
