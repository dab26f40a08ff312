package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values come from the environment or an optional .env file in the working
// directory, falling back to defaults that run locally without setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers        []string
	KafkaLocationsTopic string
	KafkaEventsTopic    string

	PGDSN         string
	RunMigrations bool
	MigrationsDir string

	OfferTimeout   time.Duration
	MaxCandidates  int
	SearchRadiusM  float64
	DemandWindow   time.Duration
	ETASpeedMps    float64
	OSRMURL        string
	ETACacheTTL    time.Duration
	PushEndpoint   string
	PushKey        string
	StripeKey      string
	Currency       string
	FareBaseCents  int64
	FarePerKm      int64
	FarePerMinute  int64
	FareMinimum    int64
	MaxSurge       float64
	RecomputeEvery time.Duration

	LogLevel string
}

// ConsumerConfig configures the location stream consumer.
type ConsumerConfig struct {
	KafkaBrokers  []string
	Topic         string
	Group         string
	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	MetricsAddr   string
	LogLevel      string
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	v.AutomaticEnv()
	return v
}

func LoadServerConfig() (ServerConfig, error) {
	v := newViper()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("HTTP_READ_TIMEOUT", "5s")
	v.SetDefault("HTTP_WRITE_TIMEOUT", "10s")
	v.SetDefault("HTTP_IDLE_TIMEOUT", "120s")
	v.SetDefault("HTTP_SHUTDOWN_TIMEOUT", "15s")
	v.SetDefault("REDIS_GEO_KEY", "drivers_geo")
	v.SetDefault("KAFKA_TOPIC", "driver-locations")
	v.SetDefault("KAFKA_EVENTS_TOPIC", "ride-events")
	v.SetDefault("MIGRATIONS_DIR", "migrations")
	v.SetDefault("DISPATCH_OFFER_TIMEOUT", "7s")
	v.SetDefault("DISPATCH_MAX_CANDIDATES", 8)
	v.SetDefault("DISPATCH_SEARCH_RADIUS_M", 5000)
	v.SetDefault("DEMAND_WINDOW", "15m")
	v.SetDefault("ETA_SPEED_MPS", 8)
	v.SetDefault("ETA_CACHE_TTL", "2m")
	v.SetDefault("PAYMENTS_CURRENCY", "usd")
	v.SetDefault("FARE_BASE_CENTS", 250)
	v.SetDefault("FARE_PER_KM_CENTS", 120)
	v.SetDefault("FARE_PER_MINUTE_CENTS", 30)
	v.SetDefault("FARE_MINIMUM_CENTS", 500)
	v.SetDefault("SURGE_MAX", 5.0)
	v.SetDefault("SURGE_RECOMPUTE_INTERVAL", "30s")
	v.SetDefault("LOG_LEVEL", "info")

	// A missing .env is fine; the environment alone is enough.
	_ = v.ReadInConfig()

	var errs []error
	cfg := ServerConfig{
		HTTPAddr:        strings.TrimSpace(v.GetString("HTTP_ADDR")),
		ReadTimeout:     durationOf(v, "HTTP_READ_TIMEOUT", &errs),
		WriteTimeout:    durationOf(v, "HTTP_WRITE_TIMEOUT", &errs),
		IdleTimeout:     durationOf(v, "HTTP_IDLE_TIMEOUT", &errs),
		ShutdownTimeout: durationOf(v, "HTTP_SHUTDOWN_TIMEOUT", &errs),

		RedisAddr:     strings.TrimSpace(v.GetString("REDIS_ADDR")),
		RedisPassword: v.GetString("REDIS_PASSWORD"),
		RedisGeoKey:   v.GetString("REDIS_GEO_KEY"),

		KafkaBrokers:        splitAndTrim(v.GetString("KAFKA_BROKERS")),
		KafkaLocationsTopic: v.GetString("KAFKA_TOPIC"),
		KafkaEventsTopic:    v.GetString("KAFKA_EVENTS_TOPIC"),

		PGDSN:         v.GetString("PG_DSN"),
		RunMigrations: v.GetBool("MIGRATE"),
		MigrationsDir: v.GetString("MIGRATIONS_DIR"),

		OfferTimeout:   durationOf(v, "DISPATCH_OFFER_TIMEOUT", &errs),
		MaxCandidates:  v.GetInt("DISPATCH_MAX_CANDIDATES"),
		SearchRadiusM:  v.GetFloat64("DISPATCH_SEARCH_RADIUS_M"),
		DemandWindow:   durationOf(v, "DEMAND_WINDOW", &errs),
		ETASpeedMps:    v.GetFloat64("ETA_SPEED_MPS"),
		OSRMURL:        v.GetString("OSRM_URL"),
		ETACacheTTL:    durationOf(v, "ETA_CACHE_TTL", &errs),
		PushEndpoint:   v.GetString("PUSH_ENDPOINT"),
		PushKey:        v.GetString("PUSH_KEY"),
		StripeKey:      v.GetString("STRIPE_SECRET_KEY"),
		Currency:       strings.ToLower(v.GetString("PAYMENTS_CURRENCY")),
		FareBaseCents:  v.GetInt64("FARE_BASE_CENTS"),
		FarePerKm:      v.GetInt64("FARE_PER_KM_CENTS"),
		FarePerMinute:  v.GetInt64("FARE_PER_MINUTE_CENTS"),
		FareMinimum:    v.GetInt64("FARE_MINIMUM_CENTS"),
		MaxSurge:       v.GetFloat64("SURGE_MAX"),
		RecomputeEvery: durationOf(v, "SURGE_RECOMPUTE_INTERVAL", &errs),

		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),
	}

	if cfg.HTTPAddr == "" {
		errs = append(errs, errors.New("HTTP_ADDR must not be empty"))
	}
	if cfg.OfferTimeout <= 0 {
		errs = append(errs, errors.New("DISPATCH_OFFER_TIMEOUT must be > 0"))
	}
	if cfg.MaxCandidates <= 0 {
		errs = append(errs, errors.New("DISPATCH_MAX_CANDIDATES must be > 0"))
	}
	if cfg.SearchRadiusM <= 0 {
		errs = append(errs, errors.New("DISPATCH_SEARCH_RADIUS_M must be > 0"))
	}
	if cfg.MaxSurge < 1 {
		errs = append(errs, errors.New("SURGE_MAX must be >= 1"))
	}
	if cfg.FareMinimum < 0 || cfg.FareBaseCents < 0 || cfg.FarePerKm < 0 || cfg.FarePerMinute < 0 {
		errs = append(errs, errors.New("fare settings must not be negative"))
	}
	if cfg.RunMigrations && cfg.PGDSN == "" {
		errs = append(errs, errors.New("MIGRATE requires PG_DSN"))
	}

	return cfg, errors.Join(errs...)
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	v := newViper()
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("KAFKA_TOPIC", "driver-locations")
	v.SetDefault("KAFKA_GROUP", "surge-dispatch-consumer")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_GEO_KEY", "drivers_geo")
	v.SetDefault("METRICS_ADDR", ":2112")
	v.SetDefault("LOG_LEVEL", "info")
	_ = v.ReadInConfig()

	cfg := ConsumerConfig{
		KafkaBrokers:  splitAndTrim(v.GetString("KAFKA_BROKERS")),
		Topic:         v.GetString("KAFKA_TOPIC"),
		Group:         v.GetString("KAFKA_GROUP"),
		RedisAddr:     v.GetString("REDIS_ADDR"),
		RedisPassword: v.GetString("REDIS_PASSWORD"),
		RedisGeoKey:   v.GetString("REDIS_GEO_KEY"),
		MetricsAddr:   v.GetString("METRICS_ADDR"),
		LogLevel:      strings.ToLower(v.GetString("LOG_LEVEL")),
	}
	var errs []error
	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, errors.New("KAFKA_BROKERS must list at least one broker"))
	}
	if cfg.Topic == "" {
		errs = append(errs, errors.New("KAFKA_TOPIC must not be empty"))
	}
	return cfg, errors.Join(errs...)
}

// durationOf parses the key as a Go duration. viper's own GetDuration
// swallows parse errors and returns zero.
func durationOf(v *viper.Viper, key string, errs *[]error) time.Duration {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return 0
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
		return 0
	}
	return d
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
