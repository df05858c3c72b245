// Package config loads paydesk settings from PAYDESK_* environment variables
// and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/wizardbeardstudio/paydesk/internal/platform/allocator"
	"github.com/wizardbeardstudio/paydesk/internal/platform/effects"
	"github.com/wizardbeardstudio/paydesk/internal/platform/gateway"
	"github.com/wizardbeardstudio/paydesk/internal/platform/lifecycle"
)

const (
	EnvPrefix = "PAYDESK"
	// DevJWTSecret is refused in strict mode.
	DevJWTSecret = "dev-insecure-change-me"
)

type Config struct {
	Version      string   `mapstructure:"version" yaml:"version"`
	HTTPAddr     string   `mapstructure:"http_addr" yaml:"http_addr"`
	GRPCAddr     string   `mapstructure:"grpc_addr" yaml:"grpc_addr"`
	DatabaseURL  string   `mapstructure:"database_url" yaml:"database_url"`
	RedisAddr    string   `mapstructure:"redis_addr" yaml:"redis_addr"`
	TrustedCIDRs []string `mapstructure:"trusted_cidrs" yaml:"trusted_cidrs"`
	// TrustedProxies are the peers whose X-Forwarded-For header is believed.
	TrustedProxies []string `mapstructure:"trusted_proxies" yaml:"trusted_proxies"`
	Strict         bool     `mapstructure:"strict" yaml:"strict"`

	TLS         TLS          `mapstructure:"tls" yaml:"tls"`
	Auth        Auth         `mapstructure:"auth" yaml:"auth"`
	Lifecycle   Lifecycle    `mapstructure:"lifecycle" yaml:"lifecycle"`
	Gateway     Gateway      `mapstructure:"gateway" yaml:"gateway"`
	Session     Session      `mapstructure:"session" yaml:"session"`
	Log         Log          `mapstructure:"log" yaml:"log"`
	Instruments []Instrument `mapstructure:"instruments" yaml:"instruments"`
}

type TLS struct {
	Enabled           bool   `mapstructure:"enabled" yaml:"enabled"`
	CertFile          string `mapstructure:"cert_file" yaml:"cert_file"`
	KeyFile           string `mapstructure:"key_file" yaml:"key_file"`
	ClientCAFile      string `mapstructure:"client_ca_file" yaml:"client_ca_file"`
	RequireClientCert bool   `mapstructure:"require_client_cert" yaml:"require_client_cert"`
}

type Auth struct {
	JWTSecret     string        `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	JWTKeyset     string        `mapstructure:"jwt_keyset" yaml:"jwt_keyset"`
	JWTActiveKID  string        `mapstructure:"jwt_active_kid" yaml:"jwt_active_kid"`
	JWTKeysetFile string        `mapstructure:"jwt_keyset_file" yaml:"jwt_keyset_file"`
	Issuer        string        `mapstructure:"issuer" yaml:"issuer"`
	TokenTTL      time.Duration `mapstructure:"token_ttl" yaml:"token_ttl"`
	// Operators maps operator id to bcrypt hash.
	Operators map[string]string `mapstructure:"operators" yaml:"operators"`
}

type Lifecycle struct {
	MinAmount              int64         `mapstructure:"min_amount" yaml:"min_amount"`
	MaxAmount              int64         `mapstructure:"max_amount" yaml:"max_amount"`
	BonusMinAmount         int64         `mapstructure:"bonus_min_amount" yaml:"bonus_min_amount"`
	BonusMaxAmount         int64         `mapstructure:"bonus_max_amount" yaml:"bonus_max_amount"`
	VerificationAttemptCap int           `mapstructure:"verification_attempt_cap" yaml:"verification_attempt_cap"`
	TicketUnit             int64         `mapstructure:"ticket_unit" yaml:"ticket_unit"`
	ReferralRate           string        `mapstructure:"referral_rate" yaml:"referral_rate"`
	StaleAfter             time.Duration `mapstructure:"stale_after" yaml:"stale_after"`
	SweepInterval          time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
}

type Gateway struct {
	Timeout           time.Duration     `mapstructure:"timeout" yaml:"timeout"`
	StatementRelayURL string            `mapstructure:"statement_relay_url" yaml:"statement_relay_url"`
	StatementRelays   map[string]string `mapstructure:"statement_relays" yaml:"statement_relays"`
	Platforms         []Platform        `mapstructure:"platforms" yaml:"platforms"`
}

type Platform struct {
	Name         string `mapstructure:"name" yaml:"name"`
	Protocol     string `mapstructure:"protocol" yaml:"protocol"`
	BaseURL      string `mapstructure:"base_url" yaml:"base_url"`
	CashdeskID   string `mapstructure:"cashdesk_id" yaml:"cashdesk_id"`
	APIHash      string `mapstructure:"api_hash" yaml:"api_hash"`
	CashierPass  string `mapstructure:"cashier_pass" yaml:"cashier_pass"`
	APIKey       string `mapstructure:"api_key" yaml:"api_key"`
	Secret       string `mapstructure:"secret" yaml:"secret"`
	CurrencyCode string `mapstructure:"currency_code" yaml:"currency_code"`
	Secondary    bool   `mapstructure:"secondary" yaml:"secondary"`
	BrandID      int    `mapstructure:"brand_id" yaml:"brand_id"`
}

type Session struct {
	TTL time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

type Log struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

type Instrument struct {
	Ref           string `mapstructure:"ref" yaml:"ref"`
	CardNumber    string `mapstructure:"card_number" yaml:"card_number"`
	CapacityLabel string `mapstructure:"capacity_label" yaml:"capacity_label"`
	PaymentSystem string `mapstructure:"payment_system" yaml:"payment_system"`
	Disabled      bool   `mapstructure:"disabled" yaml:"disabled"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("version", "dev")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("grpc_addr", ":8081")
	v.SetDefault("database_url", "")
	v.SetDefault("redis_addr", "")
	v.SetDefault("trusted_cidrs", []string{"127.0.0.1/32", "::1/128"})
	v.SetDefault("trusted_proxies", []string{})
	v.SetDefault("strict", false)

	v.SetDefault("tls.enabled", false)
	v.SetDefault("tls.cert_file", "")
	v.SetDefault("tls.key_file", "")
	v.SetDefault("tls.client_ca_file", "")
	v.SetDefault("tls.require_client_cert", false)

	v.SetDefault("auth.jwt_secret", DevJWTSecret)
	v.SetDefault("auth.jwt_keyset", "")
	v.SetDefault("auth.jwt_active_kid", "")
	v.SetDefault("auth.jwt_keyset_file", "")
	v.SetDefault("auth.issuer", "paydesk")
	v.SetDefault("auth.token_ttl", 12*time.Hour)

	v.SetDefault("lifecycle.min_amount", 5000)
	v.SetDefault("lifecycle.max_amount", 10000000)
	v.SetDefault("lifecycle.bonus_min_amount", 3600)
	v.SetDefault("lifecycle.bonus_max_amount", 100000)
	v.SetDefault("lifecycle.verification_attempt_cap", 2)
	v.SetDefault("lifecycle.ticket_unit", 30000)
	v.SetDefault("lifecycle.referral_rate", "0.001")
	v.SetDefault("lifecycle.stale_after", 30*time.Minute)
	v.SetDefault("lifecycle.sweep_interval", 5*time.Minute)

	v.SetDefault("gateway.timeout", gateway.DefaultTimeout)
	v.SetDefault("gateway.statement_relay_url", "")

	v.SetDefault("session.ttl", 30*time.Minute)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load merges defaults, the YAML file at path (or $PAYDESK_CONFIG when path is
// empty) and PAYDESK_* environment variables, in increasing precedence.
// Nested keys map to env names with "_", e.g. PAYDESK_LIFECYCLE_MIN_AMOUNT.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Lifecycle.MinAmount <= 0 || c.Lifecycle.MaxAmount < c.Lifecycle.MinAmount {
		errs = append(errs, fmt.Errorf("lifecycle amount bounds [%d,%d] are invalid", c.Lifecycle.MinAmount, c.Lifecycle.MaxAmount))
	}
	if c.Lifecycle.BonusMinAmount <= 0 || c.Lifecycle.BonusMaxAmount < c.Lifecycle.BonusMinAmount {
		errs = append(errs, fmt.Errorf("lifecycle bonus amount bounds [%d,%d] are invalid", c.Lifecycle.BonusMinAmount, c.Lifecycle.BonusMaxAmount))
	}
	if c.Lifecycle.VerificationAttemptCap <= 0 {
		errs = append(errs, errors.New("lifecycle.verification_attempt_cap must be positive"))
	}
	if _, err := decimal.NewFromString(c.Lifecycle.ReferralRate); err != nil {
		errs = append(errs, fmt.Errorf("lifecycle.referral_rate: %w", err))
	}
	seen := make(map[string]bool, len(c.Gateway.Platforms))
	for i, p := range c.Gateway.Platforms {
		switch {
		case p.Name == "":
			errs = append(errs, fmt.Errorf("gateway.platforms[%d]: name is required", i))
		case seen[p.Name]:
			errs = append(errs, fmt.Errorf("gateway.platforms[%d]: duplicate name %q", i, p.Name))
		}
		seen[p.Name] = true
		switch gateway.Protocol(p.Protocol) {
		case gateway.ProtocolCashdesk, gateway.ProtocolHMAC:
		default:
			errs = append(errs, fmt.Errorf("gateway.platforms[%d]: unknown protocol %q", i, p.Protocol))
		}
	}
	if c.Strict {
		errs = append(errs, c.validateStrict()...)
	}
	return errors.Join(errs...)
}

// validateStrict refuses dev defaults in production.
func (c *Config) validateStrict() []error {
	var errs []error
	if strings.TrimSpace(c.DatabaseURL) == "" {
		errs = append(errs, errors.New("strict mode requires database_url"))
	}
	if !c.TLS.Enabled {
		errs = append(errs, errors.New("strict mode requires tls.enabled"))
	}
	if c.Auth.JWTSecret == DevJWTSecret && c.Auth.JWTKeyset == "" && c.Auth.JWTKeysetFile == "" {
		errs = append(errs, errors.New("strict mode requires a non-default jwt secret or keyset"))
	}
	if len(c.Auth.Operators) == 0 {
		errs = append(errs, errors.New("strict mode requires at least one operator"))
	}
	return errs
}

func (c *Config) Platforms() []gateway.Platform {
	out := make([]gateway.Platform, 0, len(c.Gateway.Platforms))
	for _, p := range c.Gateway.Platforms {
		out = append(out, gateway.Platform{
			Name:         p.Name,
			Protocol:     gateway.Protocol(p.Protocol),
			BaseURL:      p.BaseURL,
			CashdeskID:   p.CashdeskID,
			APIHash:      p.APIHash,
			CashierPass:  p.CashierPass,
			APIKey:       p.APIKey,
			Secret:       p.Secret,
			CurrencyCode: p.CurrencyCode,
			Secondary:    p.Secondary,
			BrandID:      p.BrandID,
		})
	}
	return out
}

func (c *Config) FundingInstruments() []allocator.FundingInstrument {
	out := make([]allocator.FundingInstrument, 0, len(c.Instruments))
	for _, in := range c.Instruments {
		out = append(out, allocator.FundingInstrument{
			Ref:           in.Ref,
			CardNumber:    in.CardNumber,
			CapacityLabel: in.CapacityLabel,
			PaymentSystem: allocator.PaymentSystem(strings.ToUpper(in.PaymentSystem)),
			Disabled:      in.Disabled,
		})
	}
	return out
}

func (c *Config) LifecycleConfig() lifecycle.Config {
	rate, err := decimal.NewFromString(c.Lifecycle.ReferralRate)
	if err != nil {
		rate = effects.DefaultPolicy().ReferralRate
	}
	return lifecycle.Config{
		MinAmount:              c.Lifecycle.MinAmount,
		MaxAmount:              c.Lifecycle.MaxAmount,
		BonusMinAmount:         c.Lifecycle.BonusMinAmount,
		BonusMaxAmount:         c.Lifecycle.BonusMaxAmount,
		VerificationAttemptCap: c.Lifecycle.VerificationAttemptCap,
		Policy:                 effects.Policy{TicketUnit: c.Lifecycle.TicketUnit, ReferralRate: rate},
		StaleAfter:             c.Lifecycle.StaleAfter,
	}
}

func (c *Config) Logger() (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	l := logrus.New()
	l.SetLevel(lvl)
	if strings.EqualFold(c.Log.Format, "json") {
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return l, nil
}

// Redacted returns a copy safe to print: secrets are masked.
func (c *Config) Redacted() Config {
	out := *c
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "***"
	}
	out.DatabaseURL = mask(out.DatabaseURL)
	out.Auth.JWTSecret = mask(out.Auth.JWTSecret)
	out.Auth.JWTKeyset = mask(out.Auth.JWTKeyset)
	out.Auth.Operators = make(map[string]string, len(c.Auth.Operators))
	for id := range c.Auth.Operators {
		out.Auth.Operators[id] = "***"
	}
	out.Gateway.Platforms = make([]Platform, len(c.Gateway.Platforms))
	for i, p := range c.Gateway.Platforms {
		p.APIHash = mask(p.APIHash)
		p.CashierPass = mask(p.CashierPass)
		p.APIKey = mask(p.APIKey)
		p.Secret = mask(p.Secret)
		out.Gateway.Platforms[i] = p
	}
	return out
}
