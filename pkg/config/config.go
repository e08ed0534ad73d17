package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config holds all configuration for the streamer service
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Poll      PollConfig      `mapstructure:"poll"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Provider  ProviderConfig  `mapstructure:"provider"`
}

type AppConfig struct {
	Port string `mapstructure:"port"`
	Env  string `mapstructure:"env"` // e.g., "local", "prod"
}

// PollConfig controls how often topic workers poll the upstream provider.
// The off-hours interval applies outside the configured trading window.
type PollConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	OffHoursInterval time.Duration `mapstructure:"offhours_interval"`
	TradingOpen      string        `mapstructure:"trading_open"`  // "HH:MM", exchange-local
	TradingClose     string        `mapstructure:"trading_close"` // "HH:MM"
}

// RateLimitConfig parameterizes the shared token bucket protecting the
// upstream provider across all streamer instances.
type RateLimitConfig struct {
	Capacity       float64       `mapstructure:"capacity"`
	RefillRate     float64       `mapstructure:"refill_rate"` // tokens per second
	Key            string        `mapstructure:"key"`
	Policy         string        `mapstructure:"policy"` // "deny" or "local"
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type ProviderConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// LoadConfig reads configuration from .env file, environment variables, and defaults.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// Load .env file into System Environment (if it exists) so variables
	// like APP_PORT are available as real env vars
	if err := godotenv.Load(); err != nil {
		log.Println("Note: No .env file found, relying on System Env Vars")
	}

	// Defaults (12-Factor App: Dev/Prod Parity)
	v.SetDefault("app.port", ":8080")
	v.SetDefault("app.env", "local")

	v.SetDefault("poll.interval", "5s")
	v.SetDefault("poll.offhours_interval", "30s")
	v.SetDefault("poll.trading_open", "09:30")
	v.SetDefault("poll.trading_close", "16:00")

	v.SetDefault("ratelimit.capacity", 30)
	v.SetDefault("ratelimit.refill_rate", 5)
	v.SetDefault("ratelimit.key", "provider:upstream")
	v.SetDefault("ratelimit.policy", "deny")
	v.SetDefault("ratelimit.acquire_timeout", "3s")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("postgres.dsn", "host=localhost port=5432 user=streamer password=streamer dbname=watchlists sslmode=disable")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "price_broadcasts")

	v.SetDefault("provider.url", "http://localhost:9000/quotes")
	v.SetDefault("provider.timeout", "4s")

	// Map dot-notation to underscores (e.g., "poll.interval" -> "POLL_INTERVAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicitly bind env vars so Viper maps flat vars to nested structs
	bindEnv(v, "app.port", "app.env")
	bindEnv(v, "poll.interval", "poll.offhours_interval", "poll.trading_open", "poll.trading_close")
	bindEnv(v, "ratelimit.capacity", "ratelimit.refill_rate", "ratelimit.key", "ratelimit.policy", "ratelimit.acquire_timeout")
	bindEnv(v, "redis.addr", "redis.password", "redis.db")
	bindEnv(v, "postgres.dsn")
	bindEnv(v, "kafka.enabled", "kafka.brokers", "kafka.topic")
	bindEnv(v, "provider.url", "provider.timeout")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %v", err)
	}

	if cfg.RateLimit.Capacity <= 0 {
		return nil, fmt.Errorf("ratelimit capacity must be positive, got %v", cfg.RateLimit.Capacity)
	}
	if cfg.RateLimit.RefillRate <= 0 {
		return nil, fmt.Errorf("ratelimit refill rate must be positive, got %v", cfg.RateLimit.RefillRate)
	}
	if p := cfg.RateLimit.Policy; p != "deny" && p != "local" {
		return nil, fmt.Errorf("ratelimit policy must be %q or %q, got %q", "deny", "local", p)
	}
	if cfg.Poll.Interval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive, got %v", cfg.Poll.Interval)
	}

	return &cfg, nil
}

// EffectiveInterval picks the poll interval for the given instant: the trading
// interval inside the configured window on weekdays, the off-hours interval
// otherwise. Malformed window bounds fall back to the trading interval.
func (p PollConfig) EffectiveInterval(now time.Time) time.Duration {
	if p.OffHoursInterval <= 0 {
		return p.Interval
	}

	if wd := now.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return p.OffHoursInterval
	}

	open, errOpen := parseClock(p.TradingOpen)
	closeAt, errClose := parseClock(p.TradingClose)
	if errOpen != nil || errClose != nil {
		return p.Interval
	}

	minutes := now.Hour()*60 + now.Minute()
	if minutes >= open && minutes < closeAt {
		return p.Interval
	}
	return p.OffHoursInterval
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// NewLogger builds the service logger: human-readable in local envs,
// JSON production config elsewhere.
func NewLogger(env string) (*zap.Logger, error) {
	if env == "local" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// bindEnv is a helper to bind multiple keys at once
func bindEnv(v *viper.Viper, keys ...string) {
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			log.Printf("Could not bind env var for key %s: %v", key, err)
		}
	}
}
