package app

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-payments/internal/domain/payment"
	"github.com/xenking/kart-payments/internal/handler"
	"github.com/xenking/kart-payments/internal/storage/postgres"
	"github.com/xenking/kart-payments/internal/txndir"
	"github.com/xenking/kart-payments/pkg/health"
	"github.com/xenking/kart-payments/pkg/httpmiddleware"
)

const serviceName = "kart-payments"

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.String("directory", cfg.Directory.Backend),
	)

	svc, err := newService(ctx, lg, cfg, m.MeterProvider(), m.TracerProvider())
	if err != nil {
		return err
	}
	defer svc.close()

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler:           svc.handler,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		svc.health.SetReady(false)
		if ctx.Err() != nil {
			// Regular shutdown: let load balancers observe readiness first.
			lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
			svc.clock.Sleep(cfg.Graceful.ReadinessDelay)
		}

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "shutdown")
		}
		return nil
	})
	return g.Wait()
}

// service is the assembled application behind the HTTP server.
type service struct {
	handler http.Handler
	health  *health.Health
	clock   clockwork.Clock
	close   func()
}

// newService connects to the database, applies migrations and builds the
// routed, middleware-wrapped handler. Background work it starts stops when
// ctx is done; close releases the rest.
func newService(
	ctx context.Context,
	lg *zap.Logger,
	cfg *Config,
	mp metric.MeterProvider,
	tp trace.TracerProvider,
) (_ *service, rerr error) {
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "create db pool")
	}
	defer func() {
		if rerr != nil {
			pool.Close()
		}
	}()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return nil, errors.Wrap(err, "run migrations")
	}

	gateways, err := cfg.Gateways.Registry()
	if err != nil {
		return nil, errors.Wrap(err, "configure gateways")
	}
	lg.Info("Payment methods", zap.Strings("methods", gateways.Methods()))

	clock := clockwork.NewRealClock()
	dir := newDirectory(ctx, cfg.Directory, pool, clock)

	tel, err := payment.NewTelemetry(mp, tp)
	if err != nil {
		return nil, errors.Wrap(err, "create payment telemetry")
	}
	opts := payment.Options{Clock: clock, Telemetry: tel}
	store := postgres.NewPaymentStore(pool)
	orchestrator := payment.NewOrchestrator(store, postgres.NewLedgerRepository(pool), gateways, dir, opts)
	reconciler := payment.NewReconciler(store, gateways, dir, opts)

	security := handler.NewSecurity(postgres.NewAPIKeyRepository(pool), []byte(cfg.APIKeyPepper))
	h := handler.NewHandler(orchestrator, reconciler, gateways, security)

	healthSvc := health.New(health.Options{Clock: clock})
	healthSvc.Add(health.Readiness, "postgres", 5*time.Second, health.PingCheck(pool))
	healthSvc.Add(health.Liveness, "goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.Add(health.Liveness, "gc", time.Second, health.GCPauseCheck(time.Second))
	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	router := chi.NewRouter()
	healthSvc.Mount(router)
	h.Mount(router)

	return &service{
		handler: httpmiddleware.Wrap(router,
			httpmiddleware.Routing(),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(lg),
			httpmiddleware.LogRequests(),
			httpmiddleware.Recovery(),
			httpmiddleware.Instrument(serviceName, mp, tp),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				AllowOrigins:     cfg.CORS.Origins,
				AllowHeaders:     []string{"Content-Type", handler.APIKeyHeader, httpmiddleware.RequestIDHeader},
				ExposeHeaders:    []string{httpmiddleware.RequestIDHeader},
				AllowCredentials: cfg.CORS.AllowCredentials,
				MaxAge:           86400,
			}),
			httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
				Max:    cfg.RateLimit.Max,
				Window: cfg.RateLimit.Window,
				Skip:   unlimited,
				Clock:  clock,
			}),
		),
		health: healthSvc,
		clock:  clock,
		close: func() {
			healthSvc.Stop()
			pool.Close()
		},
	}, nil
}

// sweeper is implemented by both directory backends.
type sweeper interface {
	payment.Directory
	StartSweeper(ctx context.Context, interval time.Duration)
}

func newDirectory(ctx context.Context, cfg DirectoryConfig, pool *pgxpool.Pool, clock clockwork.Clock) payment.Directory {
	var dir sweeper
	switch cfg.Backend {
	case DirectoryMemory:
		dir = txndir.NewMemory(clock, cfg.TTL)
	default:
		dir = postgres.NewDirectory(pool, clock, cfg.TTL)
	}
	if cfg.Sweep > 0 {
		dir.StartSweeper(ctx, cfg.Sweep)
	}
	return dir
}

// unlimited exempts gateway callbacks and probes from rate limiting.
func unlimited(r *http.Request) bool {
	p := r.URL.Path
	return strings.HasPrefix(p, "/api/payments/callback/") || p == "/livez" || p == "/readyz"
}
