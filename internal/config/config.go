package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type Config struct {
	Port                   string
	AllowedOrigins         []string
	LoginURL               string
	UpstreamBaseURL        string
	UpstreamTimeoutSeconds int
	DatabaseURL            string
	RedisAddr              string
	RedisPassword          string
	RedisDB                int
	CatalogTTLSeconds      int
	AuthSecret             string
	AccessTokenTTLMinutes  int
	SessionIdleMinutes     int
	ManagerPIN             string
	DefaultTaxRate         decimal.Decimal
}

// Load reads configuration from the environment, after merging a .env file
// when one is present.
func Load() Config {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ALLOWED_ORIGIN", "http://127.0.0.1:3000")
	v.SetDefault("LOGIN_URL", "/login")
	v.SetDefault("UPSTREAM_BASE_URL", "http://127.0.0.1:5000/api")
	v.SetDefault("UPSTREAM_TIMEOUT_SECONDS", 30)
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("CATALOG_TTL_SECONDS", 30)
	v.SetDefault("ACCESS_TOKEN_TTL_MINUTES", 480)
	v.SetDefault("SESSION_IDLE_MINUTES", 60)
	v.SetDefault("DEFAULT_TAX_RATE", "8")

	return Config{
		Port:                   v.GetString("PORT"),
		AllowedOrigins:         splitList(v.GetString("ALLOWED_ORIGIN")),
		LoginURL:               strings.TrimSpace(v.GetString("LOGIN_URL")),
		UpstreamBaseURL:        strings.TrimRight(strings.TrimSpace(v.GetString("UPSTREAM_BASE_URL")), "/"),
		UpstreamTimeoutSeconds: positive(v.GetInt("UPSTREAM_TIMEOUT_SECONDS"), 30),
		DatabaseURL:            strings.TrimSpace(v.GetString("DATABASE_URL")),
		RedisAddr:              strings.TrimSpace(v.GetString("REDIS_ADDR")),
		RedisPassword:          v.GetString("REDIS_PASSWORD"),
		RedisDB:                v.GetInt("REDIS_DB"),
		CatalogTTLSeconds:      positive(v.GetInt("CATALOG_TTL_SECONDS"), 30),
		AuthSecret:             strings.TrimSpace(v.GetString("AUTH_SECRET")),
		AccessTokenTTLMinutes:  positive(v.GetInt("ACCESS_TOKEN_TTL_MINUTES"), 480),
		SessionIdleMinutes:     positive(v.GetInt("SESSION_IDLE_MINUTES"), 60),
		ManagerPIN:             strings.TrimSpace(v.GetString("MANAGER_PIN")),
		DefaultTaxRate:         parseRate(v.GetString("DEFAULT_TAX_RATE")),
	}
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.UpstreamTimeoutSeconds) * time.Second
}

func (c Config) CatalogTTL() time.Duration {
	return time.Duration(c.CatalogTTLSeconds) * time.Second
}

func (c Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMinutes) * time.Minute
}

func (c Config) SessionIdle() time.Duration {
	return time.Duration(c.SessionIdleMinutes) * time.Minute
}

func splitList(raw string) []string {
	out := make([]string, 0, 2)
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func positive(value int, fallback int) int {
	if value < 1 {
		return fallback
	}
	return value
}

// parseRate accepts a percentage between 0 and 100 and falls back to zero.
func parseRate(raw string) decimal.Decimal {
	rate, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil || rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(100)) {
		return decimal.Zero
	}
	return rate
}
