package app

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		Addr: "0.0.0.0:8080",
		Auth: AuthConfig{Secret: strings.Repeat("s", 32)},
		Payment: PaymentConfig{
			CardApprovalRate: 0.95,
			UPIApprovalRate:  0.92,
		},
		Discount: DiscountConfig{OverrideThreshold: "20"},
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing secret", mutate: func(c *Config) { c.Auth.Secret = "" }, wantErr: "auth secret is required"},
		{name: "short secret", mutate: func(c *Config) { c.Auth.Secret = "short" }, wantErr: "at least 32 bytes"},
		{name: "card rate above one", mutate: func(c *Config) { c.Payment.CardApprovalRate = 1.5 }, wantErr: "card approval rate"},
		{name: "negative upi rate", mutate: func(c *Config) { c.Payment.UPIApprovalRate = -0.1 }, wantErr: "upi approval rate"},
		{name: "threshold not a number", mutate: func(c *Config) { c.Discount.OverrideThreshold = "lots" }, wantErr: "override threshold"},
		{name: "threshold above 100", mutate: func(c *Config) { c.Discount.OverrideThreshold = "150" }, wantErr: "outside [0, 100]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)

			err := cfg.validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDiscountConfig_Threshold(t *testing.T) {
	got, err := DiscountConfig{OverrideThreshold: "12.5"}.threshold()
	require.NoError(t, err)
	assert.True(t, got.Equal(decimal.RequireFromString("12.5")))
}

func TestApplyPlatformDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://pos@db/pos")
	t.Setenv("PORT", "9090")

	cfg := validConfig()
	cfg.applyPlatformDefaults()

	assert.Equal(t, "postgres://pos@db/pos", cfg.DatabaseURL)
	assert.Equal(t, "0.0.0.0:9090", cfg.Addr)
}

func TestApplyPlatformDefaults_KeepsExplicitValues(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://pos@db/pos")
	t.Setenv("PORT", "9090")

	cfg := validConfig()
	cfg.DatabaseURL = "postgres://explicit/pos"
	cfg.Addr = "127.0.0.1:7000"
	cfg.applyPlatformDefaults()

	assert.Equal(t, "postgres://explicit/pos", cfg.DatabaseURL)
	assert.Equal(t, "127.0.0.1:7000", cfg.Addr)
}

func TestPaymentConfig_Simulator(t *testing.T) {
	p := PaymentConfig{Seed: 42, CardApprovalRate: 0.5, UPIApprovalRate: 0.25}
	got := p.simulator()

	assert.Equal(t, uint64(42), got.Seed)
	assert.InDelta(t, 0.5, got.CardApprovalRate, 1e-9)
	assert.InDelta(t, 0.25, got.UPIApprovalRate, 1e-9)
}
