package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Server configuration
	Port        string
	Environment string

	// Redis configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// PubNub configuration
	PubNubPublishKey   string
	PubNubSubscribeKey string
	PubNubSecretKey    string

	// Ticket lifecycle
	TicketTTL        time.Duration
	GrantTTL         time.Duration
	DeliveryTTL      time.Duration
	ExpiredRetention time.Duration

	// Polling
	LongPollTimeout   time.Duration
	ShortPollInterval time.Duration

	// Rate limits (requests per window, per endpoint class)
	RateLimitWindow   time.Duration
	CreateTicketLimit int
	ExchangeLimit     int
	GenericLimit      int
	PollMarkerTTL     time.Duration

	// QR / deep link
	AppScheme    string
	FallbackBase string

	// Monitoring
	EnableMetrics bool
	MetricsPort   string
}

func LoadConfig() *Config {
	return &Config{
		// Server
		Port:        getEnv("PORT", "8090"),
		Environment: getEnv("ENVIRONMENT", "development"),

		// Redis
		RedisURL:      getEnv("REDIS_URL", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		// PubNub
		PubNubPublishKey:   getEnv("PUBNUB_PUBLISH_KEY", ""),
		PubNubSubscribeKey: getEnv("PUBNUB_SUBSCRIBE_KEY", ""),
		PubNubSecretKey:    getEnv("PUBNUB_SECRET_KEY", ""),

		// Ticket lifecycle
		TicketTTL:        getEnvAsDuration("TICKET_TTL", "180s"),
		GrantTTL:         getEnvAsDuration("GRANT_TTL", "30s"),
		DeliveryTTL:      getEnvAsDuration("DELIVERY_TTL", "30s"),
		ExpiredRetention: getEnvAsDuration("EXPIRED_RETENTION", "60s"),

		// Polling
		LongPollTimeout:   getEnvAsDuration("LONG_POLL_TIMEOUT", "25s"),
		ShortPollInterval: getEnvAsDuration("SHORT_POLL_INTERVAL", "2s"),

		// Rate limits
		RateLimitWindow:   getEnvAsDuration("RATE_LIMIT_WINDOW", "1m"),
		CreateTicketLimit: getEnvAsInt("CREATE_TICKET_LIMIT", 10),
		ExchangeLimit:     getEnvAsInt("EXCHANGE_LIMIT", 20),
		GenericLimit:      getEnvAsInt("GENERIC_LIMIT", 60),
		PollMarkerTTL:     getEnvAsDuration("POLL_MARKER_TTL", "2s"),

		// QR / deep link
		AppScheme:    getEnv("APP_SCHEME", "qrauth"),
		FallbackBase: getEnv("FALLBACK_BASE", "https://qrauth.example.com/approve"),

		// Monitoring
		EnableMetrics: getEnvAsBool("ENABLE_METRICS", true),
		MetricsPort:   getEnv("METRICS_PORT", "9090"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := getEnv(key, defaultValue)
	if duration, err := time.ParseDuration(valueStr); err == nil {
		return duration
	}
	// If parsing fails, try to parse default value
	duration, _ := time.ParseDuration(defaultValue)
	return duration
}
