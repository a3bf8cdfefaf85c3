package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type Config struct {
	App        AppConfig
	DB         DBConfig
	Redis      RedisConfig
	Auth       AuthConfig
	RateLimit  RateLimitConfig
	Billing    BillingConfig
	Reconciler ReconcilerConfig
	Redirect   RedirectConfig
}

type AppConfig struct {
	Port     string
	LogLevel string
}

type DBConfig struct {
	Host          string
	Port          string
	User          string
	Password      string
	Name          string
	RunMigrations bool
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

type AuthConfig struct {
	APIKeys map[string]string // API key -> name/description
}

type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

type BillingConfig struct {
	BaseURL  string
	APIKey   string
	Timeout  time.Duration
	RPS      float64
	TokenTTL time.Duration
}

type ReconcilerConfig struct {
	PollInterval   time.Duration
	SpendThreshold decimal.Decimal
	NewURLGrace    time.Duration
	TickTimeout    time.Duration
	Concurrency    int
	LockTTL        time.Duration
}

type RedirectConfig struct {
	CampaignCacheTTL time.Duration
	CounterWorkers   int
	CounterBuffer    int
}

// Минимальный интервал опроса биллинга
const MinPollInterval = time.Minute

func Load() (*Config, error) {
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()

	setDefaults()

	// .env не обязателен: достаточно переменных окружения
	if err := viper.ReadInConfig(); err != nil {
		var pathErr *fs.PathError
		if !errors.As(err, &pathErr) {
			return nil, err
		}
	}

	var cfg Config
	cfg.App.Port = viper.GetString("APP_PORT")
	cfg.App.LogLevel = viper.GetString("LOG_LEVEL")
	cfg.DB.Host = viper.GetString("DB_HOST")
	cfg.DB.Port = viper.GetString("DB_PORT")
	cfg.DB.User = viper.GetString("DB_USER")
	cfg.DB.Password = viper.GetString("DB_PASSWORD")
	cfg.DB.Name = viper.GetString("DB_NAME")
	cfg.DB.RunMigrations = viper.GetBool("DB_RUN_MIGRATIONS")
	cfg.Redis.Host = viper.GetString("REDIS_HOST")
	cfg.Redis.Port = viper.GetString("REDIS_PORT")
	cfg.Redis.Password = viper.GetString("REDIS_PASSWORD")
	cfg.Redis.DB = viper.GetInt("REDIS_DB")

	// Format: key1:name1,key2:name2
	cfg.Auth.APIKeys = parseAPIKeys(viper.GetString("API_KEYS"))

	cfg.RateLimit.RequestsPerSecond = viper.GetFloat64("RATE_LIMIT_RPS")
	cfg.RateLimit.BurstSize = viper.GetInt("RATE_LIMIT_BURST")

	cfg.Billing.BaseURL = viper.GetString("BILLING_BASE_URL")
	cfg.Billing.APIKey = viper.GetString("BILLING_API_KEY")
	cfg.Billing.Timeout = viper.GetDuration("BILLING_TIMEOUT")
	cfg.Billing.RPS = viper.GetFloat64("BILLING_RPS")
	cfg.Billing.TokenTTL = viper.GetDuration("BILLING_TOKEN_TTL")

	threshold, err := decimal.NewFromString(viper.GetString("RECONCILER_SPEND_THRESHOLD"))
	if err != nil {
		return nil, err
	}
	cfg.Reconciler.SpendThreshold = threshold
	cfg.Reconciler.PollInterval = viper.GetDuration("RECONCILER_POLL_INTERVAL")
	if cfg.Reconciler.PollInterval < MinPollInterval {
		cfg.Reconciler.PollInterval = MinPollInterval
	}
	cfg.Reconciler.NewURLGrace = viper.GetDuration("RECONCILER_NEW_URL_GRACE")
	cfg.Reconciler.TickTimeout = viper.GetDuration("RECONCILER_TICK_TIMEOUT")
	// Вызов биллинга должен укладываться в тик
	if cfg.Reconciler.TickTimeout > 0 && cfg.Billing.Timeout >= cfg.Reconciler.TickTimeout {
		cfg.Billing.Timeout = cfg.Reconciler.TickTimeout / 2
	}
	cfg.Reconciler.Concurrency = viper.GetInt("RECONCILER_CONCURRENCY")
	cfg.Reconciler.LockTTL = viper.GetDuration("RECONCILER_LOCK_TTL")

	cfg.Redirect.CampaignCacheTTL = viper.GetDuration("REDIRECT_CAMPAIGN_CACHE_TTL")
	cfg.Redirect.CounterWorkers = viper.GetInt("REDIRECT_COUNTER_WORKERS")
	cfg.Redirect.CounterBuffer = viper.GetInt("REDIRECT_COUNTER_BUFFER")

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("APP_PORT", "8080")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("RATE_LIMIT_RPS", 10)
	viper.SetDefault("RATE_LIMIT_BURST", 20)
	viper.SetDefault("BILLING_TIMEOUT", 15*time.Second)
	viper.SetDefault("BILLING_RPS", 5)
	viper.SetDefault("BILLING_TOKEN_TTL", 30*time.Minute)
	viper.SetDefault("RECONCILER_POLL_INTERVAL", time.Minute)
	viper.SetDefault("RECONCILER_SPEND_THRESHOLD", "10")
	viper.SetDefault("RECONCILER_NEW_URL_GRACE", 9*time.Minute)
	viper.SetDefault("RECONCILER_TICK_TIMEOUT", 30*time.Second)
	viper.SetDefault("RECONCILER_CONCURRENCY", 4)
	viper.SetDefault("RECONCILER_LOCK_TTL", 2*time.Minute)
	viper.SetDefault("REDIRECT_CAMPAIGN_CACHE_TTL", 30*time.Second)
	viper.SetDefault("REDIRECT_COUNTER_WORKERS", 3)
	viper.SetDefault("REDIRECT_COUNTER_BUFFER", 1000)
}

// parseAPIKeys parses comma-separated API keys in format "key1:name1,key2:name2"
func parseAPIKeys(raw string) map[string]string {
	keys := make(map[string]string)
	if raw == "" {
		return keys
	}

	pairs := strings.Split(raw, ",")
	for _, pair := range pairs {
		parts := strings.SplitN(strings.TrimSpace(pair), ":", 2)
		if len(parts) == 2 {
			keys[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
		}
	}

	return keys
}
