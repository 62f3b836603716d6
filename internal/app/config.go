package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/pos-engine/internal/domain/payment"
)

// Config holds the complete application configuration, loadable from
// environment variables (POS_ prefix), flags, or YAML config files.
type Config struct {
	Addr string `default:"0.0.0.0:8080" usage:"API server listen address"`
	// DatabaseURL selects the PostgreSQL store. When empty the register runs
	// on the in-memory store.
	DatabaseURL string `usage:"PostgreSQL connection URL (POS_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	Auth        AuthConfig
	Payment     PaymentConfig
	Discount    DiscountConfig
	RateLimit   RateLimitConfig
	CORS        CORSConfig
	Graceful    GracefulConfig
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	Secret string `usage:"HS256 secret for access tokens and grants (POS_AUTH_SECRET)" flag:"auth-secret"`
	Issuer string `default:"" usage:"Expected token issuer; empty accepts any" flag:"auth-issuer"`
}

// PaymentConfig tunes the payment simulator.
type PaymentConfig struct {
	Seed             uint64        `default:"0" usage:"Simulator seed; 0 picks a random one"`
	CardApprovalRate float64       `default:"0.95" usage:"Probability that a card payment is approved" flag:"card-approval-rate"`
	UPIApprovalRate  float64       `default:"0.92" usage:"Probability that a UPI payment is approved" flag:"upi-approval-rate"`
	CashLatency      time.Duration `default:"100ms" usage:"Simulated cash drawer latency" flag:"cash-latency"`
	CardLatency      time.Duration `default:"500ms" usage:"Simulated card network latency" flag:"card-latency"`
	UPILatency       time.Duration `default:"700ms" usage:"Simulated UPI latency" flag:"upi-latency"`
	RefundLatency    time.Duration `default:"300ms" usage:"Simulated refund latency" flag:"refund-latency"`
}

// DiscountConfig controls discount authorization.
type DiscountConfig struct {
	OverrideThreshold string `default:"20" usage:"Percentage above which a discount needs manager override" flag:"override-threshold"`
}

// RateLimitConfig controls the per-actor token bucket rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// CORSConfig controls Cross-Origin Resource Sharing for browser registers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
	MaxAge           int      `default:"300" usage:"Seconds browsers may cache a preflight response" flag:"cors-max-age"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "POS",
		Files:     []string{"config.yaml", "/etc/pos/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Auth.Secret == "" {
		return errors.New("auth secret is required: set POS_AUTH_SECRET")
	}
	if len(c.Auth.Secret) < 32 {
		return errors.New("auth secret must be at least 32 bytes")
	}
	for name, rate := range map[string]float64{
		"card": c.Payment.CardApprovalRate,
		"upi":  c.Payment.UPIApprovalRate,
	} {
		if rate < 0 || rate > 1 {
			return errors.Errorf("%s approval rate %v outside [0, 1]", name, rate)
		}
	}
	if _, err := c.Discount.threshold(); err != nil {
		return err
	}
	return nil
}

func (d DiscountConfig) threshold() (decimal.Decimal, error) {
	t, err := decimal.NewFromString(d.OverrideThreshold)
	if err != nil {
		return decimal.Decimal{}, errors.Wrap(err, "override threshold")
	}
	if t.IsNegative() || t.GreaterThan(decimal.NewFromInt(100)) {
		return decimal.Decimal{}, errors.Errorf("override threshold %s outside [0, 100]", t)
	}
	return t, nil
}

func (p PaymentConfig) simulator() payment.Config {
	return payment.Config{
		Seed:             p.Seed,
		CardApprovalRate: p.CardApprovalRate,
		UPIApprovalRate:  p.UPIApprovalRate,
		CashLatency:      p.CashLatency,
		CardLatency:      p.CardLatency,
		UPILatency:       p.UPILatency,
		RefundLatency:    p.RefundLatency,
	}
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's POS_-prefixed configuration.
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
