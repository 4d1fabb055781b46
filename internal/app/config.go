package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

// Config holds the complete application configuration, loadable from
// environment variables (SHOP_ prefix), flags, or YAML config files.
type Config struct {
	Addr         string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL  string `usage:"PostgreSQL connection URL (SHOP_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	APIKeyPepper string `usage:"HMAC pepper for API key hashing (SHOP_API_KEY_PEPPER)" flag:"api-key-pepper"`
	Database     DatabaseConfig
	Payment      PaymentConfig
	Redis        RedisConfig
	Kafka        KafkaConfig
	Outbox       OutboxConfig
	RateLimit    RateLimitConfig
	CORS         CORSConfig
	Graceful     GracefulConfig
}

// DatabaseConfig tunes the connection pool.
type DatabaseConfig struct {
	MaxConns        int32         `default:"20" usage:"Maximum pool connections"`
	MinConns        int32         `default:"2"  usage:"Minimum idle pool connections"`
	MaxConnIdleTime time.Duration `default:"5m" usage:"Close idle connections after this duration"`
}

// PaymentConfig selects the payment gateway. Without a URL the sandbox
// gateway is used.
type PaymentConfig struct {
	URL            string        `usage:"Payment gateway base URL; empty selects the sandbox"`
	Timeout        time.Duration `default:"10s" usage:"Authorization deadline, elapsed is a decline"`
	DeclineNumbers []string      `usage:"Card numbers the sandbox declines"`
}

// RedisConfig enables the submission idempotency guard.
type RedisConfig struct {
	Addr           string        `usage:"Redis address; empty disables Idempotency-Key handling"`
	Password       string        `usage:"Redis password"`
	DB             int           `default:"0" usage:"Redis database"`
	IdempotencyTTL time.Duration `default:"24h" usage:"How long an Idempotency-Key is remembered" flag:"idempotency-ttl"`
}

// KafkaConfig selects the outbox publisher. Without brokers events are logged.
type KafkaConfig struct {
	Brokers []string `usage:"Kafka bootstrap brokers"`
	Topic   string   `default:"storefront.orders" usage:"Topic for order events"`
}

// OutboxConfig controls the outbox relay.
type OutboxConfig struct {
	Interval    time.Duration `default:"1s"  usage:"Outbox polling interval"`
	BatchSize   int           `default:"100" usage:"Messages claimed per poll" flag:"outbox-batch-size"`
	MaxAttempts int           `default:"10"  usage:"Failed publishes before a message is parked" flag:"outbox-max-attempts"`
}

// RateLimitConfig controls the sliding window rate limiters. Max applies per
// client address to every request, PerKey per verified API key.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window per client address"`
	PerKey int           `default:"60"  usage:"Max requests per window per API key; 0 disables" flag:"rate-limit-per-key"`
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

// LoadConfig loads configuration from environment variables and YAML config
// files, then applies platform defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "SHOP",
		Files:     []string{"config.yaml", "/etc/storefront/config.yaml"},
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
	switch {
	case c.DatabaseURL == "":
		return errors.New("database URL is required: set SHOP_DATABASE_URL or DATABASE_URL")
	case c.APIKeyPepper == "":
		return errors.New("API key pepper is required: set SHOP_API_KEY_PEPPER")
	case len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "":
		return errors.New("kafka topic is required when brokers are set")
	}
	return nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		c.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = os.Getenv("REDIS_ADDR")
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
