package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"

	"github.com/xenking/kart-payments/internal/gateway"
)

// Config holds the complete application configuration, loadable from
// environment variables (KART_ prefix), flags, or YAML config files.
type Config struct {
	Addr string `default:"0.0.0.0:8080" usage:"API server listen address"`
	// The pool size is part of the URL: append pool_max_conns=N. Every
	// in-flight payment holds one connection for its order lock and, with
	// the postgres directory, briefly a second one.
	DatabaseURL  string `usage:"PostgreSQL connection URL (KART_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	APIKeyPepper string `usage:"HMAC pepper for API key hashing (KART_API_KEY_PEPPER)" flag:"api-key-pepper"`
	RateLimit    RateLimitConfig
	CORS         CORSConfig
	Graceful     GracefulConfig
	Directory    DirectoryConfig
	Gateways     GatewaysConfig
}

// RateLimitConfig controls the per-client sliding window rate limiter.
// Gateway callbacks are never limited.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// Transaction directory backends.
const (
	DirectoryMemory   = "memory"
	DirectoryPostgres = "postgres"
)

// DirectoryConfig selects where transaction mappings live. The memory
// backend only works with a single API instance.
type DirectoryConfig struct {
	Backend string        `default:"postgres" usage:"Transaction directory backend: memory or postgres"`
	TTL     time.Duration `default:"24h" usage:"Lifetime of a transaction mapping"`
	Sweep   time.Duration `default:"10m" usage:"Interval between purges of expired mappings (0 disables)"`
}

// GatewayConfig holds the merchant credentials of one gateway. A gateway is
// offered only when its secret is set.
type GatewayConfig struct {
	Method       string `usage:"Payment method name clients send (defaults to the gateway name)"`
	BaseURL      string `usage:"Payment page URL the client is redirected to"`
	MerchantCode string `usage:"Merchant identifier issued by the gateway"`
	Secret       string `usage:"HMAC-SHA512 signing secret"`
}

// GatewaysConfig configures every supported gateway.
type GatewaysConfig struct {
	VNPay   GatewayConfig
	ZaloPay GatewayConfig
	PayPal  GatewayConfig
}

// Registry builds the method registry from the configured gateways.
func (c GatewaysConfig) Registry() (*gateway.Registry, error) {
	reg := gateway.NewRegistry()
	for _, g := range []struct {
		dialect gateway.Dialect
		cfg     GatewayConfig
	}{
		{gateway.VNPay, c.VNPay},
		{gateway.ZaloPay, c.ZaloPay},
		{gateway.PayPal, c.PayPal},
	} {
		if g.cfg.Secret == "" {
			continue
		}
		if g.cfg.BaseURL == "" {
			return nil, errors.Errorf("gateway %s: base URL is required", g.dialect.Name)
		}
		method := g.cfg.Method
		if method == "" {
			method = g.dialect.Name
		}
		if gateway.IsOffline(method) {
			return nil, errors.Errorf("gateway %s: method %q is reserved", g.dialect.Name, method)
		}
		reg.Register(method, gateway.NewRedirect(g.dialect, gateway.Config{
			BaseURL:      g.cfg.BaseURL,
			MerchantCode: g.cfg.MerchantCode,
			Secret:       g.cfg.Secret,
		}))
	}
	return reg, nil
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "KART",
		Files:     []string{"config.yaml", "/etc/kart/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports configuration that cannot be served.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database URL is required: set KART_DATABASE_URL or DATABASE_URL")
	}
	if len(c.APIKeyPepper) < 16 {
		return errors.New("api key pepper must be at least 16 bytes: set KART_API_KEY_PEPPER")
	}
	switch c.Directory.Backend {
	case DirectoryMemory, DirectoryPostgres:
	default:
		return errors.Errorf("unknown directory backend %q", c.Directory.Backend)
	}
	if c.Directory.TTL <= 0 {
		return errors.New("directory TTL must be positive")
	}
	return nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's KART_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
