// Package config loads walletd settings from flags and WALLETD_ environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/wallet/pkg/wallet"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	EnvPrefix = "WALLETD"

	FlagListenAddr             = "listen-addr"
	FlagDatabaseURL            = "database-url"
	FlagStoreDriver            = "store-driver"
	FlagRedisAddr              = "redis-addr"
	FlagRedisPassword          = "redis-password"
	FlagRedisDB                = "redis-db"
	FlagAllowedOrigins         = "allowed-origins"
	FlagSessionSigningKey      = "session-signing-key"
	FlagSessionIssuer          = "session-issuer"
	FlagSessionCookieName      = "session-cookie-name"
	FlagServiceTokenSecret     = "service-token-secret"
	FlagRequestTimeout         = "request-timeout"
	FlagPurchaseCommissionRate = "purchase-commission-rate"
	FlagSignupReferralBonus    = "signup-referral-bonus"
	FlagMinimumWithdrawal      = "minimum-withdrawal"
	FlagBalanceCacheTTL        = "balance-cache-ttl"

	StoreDriverGorm = "gorm"
	StoreDriverPgx  = "pgx"

	defaultListenAddr             = ":8080"
	defaultDatabaseURL            = "sqlite:///tmp/wallet.db"
	defaultAllowedOrigin          = "http://localhost:8000"
	defaultSessionIssuer          = "tauth"
	defaultSessionCookie          = "app_session"
	defaultRequestTimeout         = 5 * time.Second
	defaultPurchaseCommissionRate = "0.30"
	defaultSignupReferralBonus    = 1000
	defaultMinimumWithdrawal      = 10000
	defaultBalanceCacheTTL        = 5 * time.Minute
)

// Config aggregates runtime settings for walletd.
type Config struct {
	ListenAddr             string        `validate:"required"`
	DatabaseURL            string        `validate:"required"`
	StoreDriver            string        `validate:"oneof=gorm pgx"`
	RedisAddr              string        `validate:"omitempty,hostname_port"`
	RedisPassword          string        `validate:"-"`
	RedisDB                int           `validate:"gte=0,lte=15"`
	AllowedOrigins         []string      `validate:"dive,required"`
	SessionSigningKey      string        `validate:"required"`
	SessionIssuer          string        `validate:"required"`
	SessionCookieName      string        `validate:"required"`
	ServiceTokenSecret     string        `validate:"required,min=16"`
	RequestTimeout         time.Duration `validate:"gt=0"`
	PurchaseCommissionRate string        `validate:"required,numeric"`
	SignupReferralBonus    int64         `validate:"gte=0"`
	MinimumWithdrawal      int64         `validate:"gt=0"`
	BalanceCacheTTL        time.Duration `validate:"gt=0"`
}

var storageFields = []string{
	"DatabaseURL",
	"StoreDriver",
	"RedisAddr",
	"RedisDB",
	"PurchaseCommissionRate",
	"SignupReferralBonus",
	"MinimumWithdrawal",
	"BalanceCacheTTL",
}

// RegisterFlags declares every setting on flags with its default.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String(FlagListenAddr, defaultListenAddr, "HTTP listen address")
	flags.String(FlagDatabaseURL, defaultDatabaseURL, "postgres://, sqlite:// or memory:// connection string")
	flags.String(FlagStoreDriver, StoreDriverGorm, "postgres access layer: gorm or pgx")
	flags.String(FlagRedisAddr, "", "Redis host:port for the shared balance cache (empty keeps it in the database)")
	flags.String(FlagRedisPassword, "", "Redis password")
	flags.Int(FlagRedisDB, 0, "Redis database index")
	flags.String(FlagAllowedOrigins, defaultAllowedOrigin, "comma-separated CORS origins")
	flags.String(FlagSessionSigningKey, "", "HMAC key of user session cookies")
	flags.String(FlagSessionIssuer, defaultSessionIssuer, "expected session issuer")
	flags.String(FlagSessionCookieName, defaultSessionCookie, "session cookie name")
	flags.String(FlagServiceTokenSecret, "", "HMAC secret of internal service tokens")
	flags.Duration(FlagRequestTimeout, defaultRequestTimeout, "per-request deadline")
	flags.String(FlagPurchaseCommissionRate, defaultPurchaseCommissionRate, "share of a referred purchase paid to the referrer")
	flags.Int64(FlagSignupReferralBonus, defaultSignupReferralBonus, "flat bonus in paise paid per referred signup")
	flags.Int64(FlagMinimumWithdrawal, defaultMinimumWithdrawal, "minimum withdrawal in paise")
	flags.Duration(FlagBalanceCacheTTL, defaultBalanceCacheTTL, "age after which cached balances are recomputed")
}

// Load binds flags and environment into a Config. It does not validate.
func Load(v *viper.Viper, flags *pflag.FlagSet) (Config, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}
	return Config{
		ListenAddr:             v.GetString(FlagListenAddr),
		DatabaseURL:            v.GetString(FlagDatabaseURL),
		StoreDriver:            v.GetString(FlagStoreDriver),
		RedisAddr:              v.GetString(FlagRedisAddr),
		RedisPassword:          v.GetString(FlagRedisPassword),
		RedisDB:                v.GetInt(FlagRedisDB),
		AllowedOrigins:         ParseAllowedOrigins(v.GetString(FlagAllowedOrigins)),
		SessionSigningKey:      v.GetString(FlagSessionSigningKey),
		SessionIssuer:          v.GetString(FlagSessionIssuer),
		SessionCookieName:      v.GetString(FlagSessionCookieName),
		ServiceTokenSecret:     v.GetString(FlagServiceTokenSecret),
		RequestTimeout:         v.GetDuration(FlagRequestTimeout),
		PurchaseCommissionRate: v.GetString(FlagPurchaseCommissionRate),
		SignupReferralBonus:    v.GetInt64(FlagSignupReferralBonus),
		MinimumWithdrawal:      v.GetInt64(FlagMinimumWithdrawal),
		BalanceCacheTTL:        v.GetDuration(FlagBalanceCacheTTL),
	}, nil
}

// Validate fills defaults and checks every setting the HTTP server needs.
func (cfg *Config) Validate() error {
	cfg.applyDefaults()
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	_, err := cfg.Policy()
	return err
}

// ValidateStorage checks only the settings used by the maintenance commands.
func (cfg *Config) ValidateStorage() error {
	cfg.applyDefaults()
	if err := validator.New().StructPartial(cfg, storageFields...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	_, err := cfg.Policy()
	return err
}

// Policy converts the business settings into a wallet.Policy.
func (cfg Config) Policy() (wallet.Policy, error) {
	rate, err := decimal.NewFromString(strings.TrimSpace(cfg.PurchaseCommissionRate))
	if err != nil {
		return wallet.Policy{}, fmt.Errorf("%w: purchase commission rate %q", wallet.ErrInvalidPolicy, cfg.PurchaseCommissionRate)
	}
	policy := wallet.Policy{
		PurchaseCommissionRate: rate,
		SignupReferralBonus:    wallet.AmountMinor(cfg.SignupReferralBonus),
		MinimumWithdrawal:      wallet.AmountMinor(cfg.MinimumWithdrawal),
		BalanceCacheTTL:        cfg.BalanceCacheTTL,
	}
	if err := policy.Validate(); err != nil {
		return wallet.Policy{}, err
	}
	return policy, nil
}

func (cfg *Config) applyDefaults() {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.StoreDriver = strings.ToLower(defaultIfEmpty(cfg.StoreDriver, StoreDriverGorm))
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	cfg.PurchaseCommissionRate = defaultIfEmpty(cfg.PurchaseCommissionRate, defaultPurchaseCommissionRate)
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.BalanceCacheTTL <= 0 {
		cfg.BalanceCacheTTL = defaultBalanceCacheTTL
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
