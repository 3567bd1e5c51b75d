package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultHTTPAddr           = ":8080"
	defaultGRPCAddr           = ":50051"
	defaultReadTimeout        = 15 * time.Second
	defaultWriteTimeout       = 30 * time.Second
	defaultShutdownTimeout    = 5 * time.Second
	defaultStorageDriver      = DriverMySQL
	defaultMySQLDSN           = "root:root@tcp(localhost:3306)/ministore?parseTime=true"
	defaultMaxOpenConns       = 50
	defaultMaxIdleConns       = 25
	defaultConnMaxLifetime    = 5 * time.Minute
	defaultRedisAddr          = "localhost:6379"
	defaultRedisPoolSize      = 100
	defaultCartTTL            = 30 * 24 * time.Hour
	defaultCheckoutPerMinute  = 30
	defaultCheckoutBurst      = 5
	defaultMaxConflictRetries = 3
	defaultEventQueueSize     = 1000
	defaultEventWorkers       = 4
	defaultKafkaTopic         = "ministore.orders"
	defaultLogLevel           = "info"
)

const (
	DriverMySQL  = "mysql"
	DriverMemory = "memory"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	Auth     AuthConfig
	CORS     CORSConfig
	Checkout CheckoutConfig
	Events   EventsConfig
	LogLevel string
	SeedData bool
}

// ServerConfig configures HTTP and gRPC listeners.
type ServerConfig struct {
	HTTPAddr        string
	GRPCAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// StorageConfig selects and tunes the persistence backends.
type StorageConfig struct {
	Driver          string
	MySQLDSN        string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	RedisAddr       string
	RedisPassword   string
	RedisPoolSize   int
	CartTTL         time.Duration
}

// AuthConfig holds the shared secret used to verify bearer tokens.
type AuthConfig struct {
	JWTSecret string
}

type CORSConfig struct {
	AllowedOrigins []string
}

// CheckoutConfig tunes order creation.
type CheckoutConfig struct {
	RatePerMinute      int
	RateBurst          int
	MaxConflictRetries int
}

// EventsConfig controls order event publishing. Empty brokers log events instead.
type EventsConfig struct {
	KafkaBrokers []string
	KafkaTopic   string
	QueueSize    int
	Workers      int
}

// Load reads an optional .env file and then the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function so tests need not touch the process environment.
func FromEnv(getenv func(string) string) (Config, error) {
	p := parser{getenv: getenv}
	cfg := Config{
		Server: ServerConfig{
			HTTPAddr:        p.str("HTTP_ADDR", defaultHTTPAddr),
			GRPCAddr:        p.str("GRPC_ADDR", defaultGRPCAddr),
			ReadTimeout:     p.duration("HTTP_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:    p.duration("HTTP_WRITE_TIMEOUT", defaultWriteTimeout),
			ShutdownTimeout: p.duration("SHUTDOWN_TIMEOUT", defaultShutdownTimeout),
		},
		Storage: StorageConfig{
			Driver:          strings.ToLower(p.str("STORAGE_DRIVER", defaultStorageDriver)),
			MySQLDSN:        p.str("MYSQL_DSN", defaultMySQLDSN),
			MaxOpenConns:    p.integer("MYSQL_MAX_OPEN_CONNS", defaultMaxOpenConns),
			MaxIdleConns:    p.integer("MYSQL_MAX_IDLE_CONNS", defaultMaxIdleConns),
			ConnMaxLifetime: p.duration("MYSQL_CONN_MAX_LIFETIME", defaultConnMaxLifetime),
			RedisAddr:       p.str("REDIS_ADDR", defaultRedisAddr),
			RedisPassword:   p.str("REDIS_PASSWORD", ""),
			RedisPoolSize:   p.integer("REDIS_POOL_SIZE", defaultRedisPoolSize),
			CartTTL:         p.duration("CART_TTL", defaultCartTTL),
		},
		Auth: AuthConfig{
			JWTSecret: p.str("JWT_SECRET", ""),
		},
		CORS: CORSConfig{
			AllowedOrigins: p.list("CORS_ALLOWED_ORIGINS", []string{"http://localhost:4200"}),
		},
		Checkout: CheckoutConfig{
			RatePerMinute:      p.integer("CHECKOUT_RATE_PER_MINUTE", defaultCheckoutPerMinute),
			RateBurst:          p.integer("CHECKOUT_RATE_BURST", defaultCheckoutBurst),
			MaxConflictRetries: p.integer("CHECKOUT_MAX_CONFLICT_RETRIES", defaultMaxConflictRetries),
		},
		Events: EventsConfig{
			KafkaBrokers: p.list("KAFKA_BROKERS", nil),
			KafkaTopic:   p.str("KAFKA_TOPIC", defaultKafkaTopic),
			QueueSize:    p.integer("EVENT_QUEUE_SIZE", defaultEventQueueSize),
			Workers:      p.integer("EVENT_WORKERS", defaultEventWorkers),
		},
		LogLevel: p.str("LOG_LEVEL", defaultLogLevel),
		SeedData: p.boolean("SEED_DATA", false),
	}

	if len(p.errs) > 0 {
		return Config{}, errors.Join(p.errs...)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case DriverMySQL, DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("config: STORAGE_DRIVER must be %q or %q, got %q", DriverMySQL, DriverMemory, c.Storage.Driver))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("config: JWT_SECRET is required"))
	}
	if c.Checkout.MaxConflictRetries < 1 {
		errs = append(errs, errors.New("config: CHECKOUT_MAX_CONFLICT_RETRIES must be at least 1"))
	}
	if c.Checkout.RatePerMinute < 1 || c.Checkout.RateBurst < 1 {
		errs = append(errs, errors.New("config: checkout rate limit must be positive"))
	}
	if c.Events.QueueSize < 1 || c.Events.Workers < 1 {
		errs = append(errs, errors.New("config: event queue size and workers must be positive"))
	}
	return errors.Join(errs...)
}

type parser struct {
	getenv func(string) string
	errs   []error
}

func (p *parser) str(key, fallback string) string {
	if v := strings.TrimSpace(p.getenv(key)); v != "" {
		return v
	}
	return fallback
}

func (p *parser) integer(key string, fallback int) int {
	raw := strings.TrimSpace(p.getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("config: %s: %w", key, err))
		return fallback
	}
	return v
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(p.getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("config: %s: %w", key, err))
		return fallback
	}
	return v
}

func (p *parser) boolean(key string, fallback bool) bool {
	raw := strings.TrimSpace(p.getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("config: %s: %w", key, err))
		return fallback
	}
	return v
}

func (p *parser) list(key string, fallback []string) []string {
	raw := strings.TrimSpace(p.getenv(key))
	if raw == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
