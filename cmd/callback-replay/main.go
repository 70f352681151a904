// Command callback-replay re-delivers archived gateway callbacks to the
// reconciler, for recovering from outages where notifications were captured
// (for example at the load balancer) but never applied.
//
// Each input is a gzip file with one callback per line:
//
//	<gateway>\t<raw query string>
//
// Lines without a gateway column use -gateway. Callbacks seen more than once
// across all files are delivered once. Deduplication is a bloom filter, so a
// small fraction of distinct callbacks may be counted as duplicates; run again
// with -no-dedup to deliver everything; reconciliation is idempotent.
package main

import (
	"bufio"
	"context"
	"flag"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/jonboulle/clockwork"
	pgzip "github.com/klauspost/pgzip"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-payments/internal/app"
	"github.com/xenking/kart-payments/internal/domain/payment"
	"github.com/xenking/kart-payments/internal/storage/postgres"
)

const (
	bloomCapacity = 10_000_000
	bloomFPR      = 0.0001
	progressEvery = 10_000
)

// config is the subset of the API server configuration the replay needs.
// It reads the same KART_ environment and config files.
type config struct {
	DatabaseURL string
	Directory   app.DirectoryConfig
	Gateways    app.GatewaysConfig
}

// reconciler is satisfied by *payment.Reconciler.
type reconciler interface {
	Reconcile(ctx context.Context, gatewayName string, params map[string]string) (*payment.CallbackResult, error)
}

// callback is one archived delivery.
type callback struct {
	gateway string
	params  map[string]string
	key     string
}

// stats counts replay outcomes.
type stats struct {
	read       atomic.Int64
	duplicates atomic.Int64
	applied    atomic.Int64
	replayed   atomic.Int64
	rejected   atomic.Int64
	transient  atomic.Int64
}

func main() {
	var (
		gatewayName string
		workers     int
		dryRun      bool
		noDedup     bool
	)
	flag.StringVar(&gatewayName, "gateway", "", "gateway for lines without a gateway column")
	flag.IntVar(&workers, "workers", 8, "concurrent reconciliations")
	flag.BoolVar(&dryRun, "dry-run", false, "parse and deduplicate only")
	flag.BoolVar(&noDedup, "no-dedup", false, "deliver every line, including duplicates")
	flag.Parse()

	lg, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()

	if flag.NArg() == 0 {
		lg.Fatal("usage: callback-replay [flags] FILE.gz...")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	ctx = zctx.Base(ctx, lg)

	if err := run(ctx, lg, flag.Args(), gatewayName, workers, dryRun, noDedup); err != nil {
		lg.Fatal("Callback replay failed", zap.Error(err))
	}
	lg.Info("Callback replay completed")
}

func loadConfig() (*config, error) {
	var cfg config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "KART",
		SkipFlags: true,
		Files:     []string{"config.yaml", "/etc/kart/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("database URL is required: set KART_DATABASE_URL or DATABASE_URL")
	}
	return &cfg, nil
}

func run(ctx context.Context, lg *zap.Logger, files []string, gatewayName string, workers int, dryRun, noDedup bool) error {
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			return errors.Wrapf(err, "check file %s", f)
		}
	}

	var rec reconciler = discard{}
	if !dryRun {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return errors.Wrap(err, "connect to database")
		}
		defer pool.Close()

		gateways, err := cfg.Gateways.Registry()
		if err != nil {
			return errors.Wrap(err, "configure gateways")
		}
		// Mappings are shared through postgres; the memory backend of a
		// running server is not reachable from here.
		clock := clockwork.NewRealClock()
		dir := postgres.NewDirectory(pool, clock, cfg.Directory.TTL)
		rec = payment.NewReconciler(postgres.NewPaymentStore(pool), gateways, dir, payment.Options{Clock: clock})
	}

	st := &stats{}
	var seen *dedup
	if !noDedup {
		seen = newDedup()
	}
	if err := replay(ctx, lg, rec, seen, files, gatewayName, workers, st); err != nil {
		return err
	}

	lg.Info("Replay summary",
		zap.Int64("read", st.read.Load()),
		zap.Int64("duplicates", st.duplicates.Load()),
		zap.Int64("applied", st.applied.Load()),
		zap.Int64("replayed", st.replayed.Load()),
		zap.Int64("rejected", st.rejected.Load()),
		zap.Int64("transient", st.transient.Load()),
	)
	if n := st.transient.Load(); n > 0 {
		return errors.Errorf("%d callbacks could not be applied, rerun to retry", n)
	}
	return nil
}

// replay streams every file concurrently, drops duplicates and feeds the
// rest to a bounded pool of reconcilers. A nil seen disables deduplication.
func replay(
	ctx context.Context,
	lg *zap.Logger,
	rec reconciler,
	seen *dedup,
	files []string,
	gatewayName string,
	workers int,
	st *stats,
) error {
	work := make(chan callback, workers*4)

	readers, rctx := errgroup.WithContext(ctx)
	for _, path := range files {
		readers.Go(func() error {
			return streamGzFile(rctx, path, func(line string) error {
				cb, err := parseLine(line, gatewayName)
				if err != nil {
					lg.Warn("Skipping malformed line", zap.String("file", path), zap.Error(err))
					return nil
				}
				if n := st.read.Add(1); n%progressEvery == 0 {
					lg.Info("Replay progress", zap.Int64("read", n))
				}
				if !seen.add(cb.key) {
					st.duplicates.Add(1)
					return nil
				}
				select {
				case work <- cb:
					return nil
				case <-rctx.Done():
					return rctx.Err()
				}
			})
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(work)
		return readers.Wait()
	})
	for range max(workers, 1) {
		g.Go(func() error {
			for cb := range work {
				apply(gctx, rec, cb, st)
			}
			return nil
		})
	}
	return g.Wait()
}

func apply(ctx context.Context, rec reconciler, cb callback, st *stats) {
	res, err := rec.Reconcile(ctx, cb.gateway, cb.params)
	switch {
	case err != nil && payment.KindOf(err) == payment.KindTransient:
		st.transient.Add(1)
	case err != nil:
		st.rejected.Add(1)
	case res.Replayed:
		st.replayed.Add(1)
	default:
		st.applied.Add(1)
	}
}

// parseLine splits an archived line into gateway and parameters. The dedup
// key is the gateway plus the canonical encoding, so reordered parameters of
// the same delivery collapse.
func parseLine(line, gatewayName string) (callback, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return callback{}, errors.New("empty line")
	}
	raw := line
	if name, rest, ok := strings.Cut(line, "\t"); ok {
		gatewayName, raw = name, rest
	}
	if gatewayName == "" {
		return callback{}, errors.New("no gateway column and -gateway not set")
	}
	raw = strings.TrimPrefix(raw, "?")
	values, err := url.ParseQuery(raw)
	if err != nil {
		return callback{}, errors.Wrap(err, "parse query")
	}
	if len(values) == 0 {
		return callback{}, errors.New("no parameters")
	}
	params := make(map[string]string, len(values))
	for k := range values {
		params[k] = values.Get(k)
	}
	gatewayName = strings.ToLower(gatewayName)
	return callback{
		gateway: gatewayName,
		params:  params,
		key:     gatewayName + "|" + values.Encode(),
	}, nil
}

// dedup is a concurrency-safe bloom filter set.
type dedup struct {
	mu     sync.Mutex
	filter *bloom.BloomFilter
}

func newDedup() *dedup {
	return &dedup{filter: bloom.NewWithEstimates(bloomCapacity, bloomFPR)}
}

// add reports whether key was not seen before.
func (d *dedup) add(key string) bool {
	if d == nil {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.filter.TestOrAddString(key)
}

// streamGzFile opens a gzip-compressed file and calls fn for each line.
func streamGzFile(ctx context.Context, path string, fn func(line string) error) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	return scanLines(ctx, gz, fn)
}

func scanLines(ctx context.Context, r io.Reader, fn func(line string) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(scanner.Text()); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, "scan")
	}
	return nil
}

// discard is the dry-run reconciler.
type discard struct{}

func (discard) Reconcile(context.Context, string, map[string]string) (*payment.CallbackResult, error) {
	return &payment.CallbackResult{}, nil
}
