// Package config provides configuration loading and management for the application.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config holds all application configuration
type Config struct {
	// HTTP server port
	Port string

	// Base URLs for the upstream rate providers
	DolarAPIURL        string
	PyDolarURL         string
	ExchangeMonitorURL string
	ExchangeRateAPIURL string
	FrankfurterURL     string
	BinanceP2PURL      string
	RAGSearchURL       string

	// OpenTelemetry endpoint for observability
	OtelEndpoint string

	// Cache policy
	FreshTTL time.Duration
	StaleTTL time.Duration

	// Fetch deadlines
	AdapterTimeout   time.Duration
	AggregateTimeout time.Duration

	// Cross-source alert thresholds in percent
	OfficialParallelAlertPct float64
	P2PParallelAlertPct      float64

	// Premium applied to the parallel rate when deriving a P2P estimate
	P2PPremium float64

	// Outbound limiter per upstream host
	UpstreamRPS   float64
	UpstreamBurst int

	// Per-adapter circuit breaker
	BreakerFailures int
	BreakerReset    time.Duration

	// Background refresh period, zero disables it
	RefreshInterval time.Duration

	// Path of an optional JSON file with adapter lists
	SourcesFile string

	// Validation alert export
	AlertWebhookURL     string
	AlertWebhookAPIKey  string
	AlertExportInterval time.Duration

	// Hex-encoded secp256k1 key used to sign /rates bodies
	SigningKey string
}

// DefaultConfig returns the configuration used when no environment is set
func DefaultConfig() Config {
	return Config{
		Port:                     "8080",
		DolarAPIURL:              "https://ve.dolarapi.com",
		PyDolarURL:               "https://pydolarvenezuela-api.vercel.app",
		ExchangeMonitorURL:       "https://api.exchangemonitor.net",
		ExchangeRateAPIURL:       "https://api.exchangerate-api.com",
		FrankfurterURL:           "https://api.frankfurter.app",
		BinanceP2PURL:            "https://p2p.binance.com",
		FreshTTL:                 2 * time.Minute,
		StaleTTL:                 24 * time.Hour,
		AdapterTimeout:           5 * time.Second,
		AggregateTimeout:         8 * time.Second,
		OfficialParallelAlertPct: 20,
		P2PParallelAlertPct:      5,
		P2PPremium:               1.02,
		UpstreamRPS:              2,
		UpstreamBurst:            5,
		BreakerFailures:          3,
		BreakerReset:             time.Minute,
		AlertExportInterval:      time.Minute,
	}
}

// Load creates a new Config from environment variables, reading a .env file first if present
func Load() Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logrus.Warnf("Could not load .env file: %v", err)
	}

	d := DefaultConfig()
	return Config{
		Port:                     GetEnvOrDefault("PORT", d.Port),
		DolarAPIURL:              trimURL(GetEnvOrDefault("DOLARAPI_URL", d.DolarAPIURL)),
		PyDolarURL:               trimURL(GetEnvOrDefault("PYDOLAR_URL", d.PyDolarURL)),
		ExchangeMonitorURL:       trimURL(GetEnvOrDefault("EXCHANGEMONITOR_URL", d.ExchangeMonitorURL)),
		ExchangeRateAPIURL:       trimURL(GetEnvOrDefault("EXCHANGERATE_API_URL", d.ExchangeRateAPIURL)),
		FrankfurterURL:           trimURL(GetEnvOrDefault("FRANKFURTER_URL", d.FrankfurterURL)),
		BinanceP2PURL:            trimURL(GetEnvOrDefault("BINANCE_P2P_URL", d.BinanceP2PURL)),
		RAGSearchURL:             trimURL(GetEnvOrDefault("RAGSEARCH_URL", "")),
		OtelEndpoint:             GetEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		FreshTTL:                 GetEnvAsDuration("FRESH_TTL", d.FreshTTL),
		StaleTTL:                 GetEnvAsDuration("STALE_TTL", d.StaleTTL),
		AdapterTimeout:           GetEnvAsDuration("ADAPTER_TIMEOUT", d.AdapterTimeout),
		AggregateTimeout:         GetEnvAsDuration("AGGREGATE_TIMEOUT", d.AggregateTimeout),
		OfficialParallelAlertPct: GetEnvAsFloat("OFFICIAL_PARALLEL_ALERT_PCT", d.OfficialParallelAlertPct),
		P2PParallelAlertPct:      GetEnvAsFloat("P2P_PARALLEL_ALERT_PCT", d.P2PParallelAlertPct),
		P2PPremium:               GetEnvAsFloat("P2P_PREMIUM", d.P2PPremium),
		UpstreamRPS:              GetEnvAsFloat("UPSTREAM_RPS", d.UpstreamRPS),
		UpstreamBurst:            GetEnvAsInt("UPSTREAM_BURST", d.UpstreamBurst),
		BreakerFailures:          GetEnvAsInt("BREAKER_FAILURES", d.BreakerFailures),
		BreakerReset:             GetEnvAsDuration("BREAKER_RESET", d.BreakerReset),
		RefreshInterval:          GetEnvAsDuration("REFRESH_INTERVAL", 0),
		SourcesFile:              GetEnvOrDefault("SOURCES_FILE", ""),
		AlertWebhookURL:          GetEnvOrDefault("ALERT_WEBHOOK_URL", ""),
		AlertWebhookAPIKey:       GetEnvOrDefault("ALERT_WEBHOOK_API_KEY", ""),
		AlertExportInterval:      GetEnvAsDuration("ALERT_EXPORT_INTERVAL", d.AlertExportInterval),
		SigningKey:               GetEnvOrDefault("SIGNING_KEY", ""),
	}
}

func trimURL(u string) string {
	return strings.TrimRight(u, "/")
}

// GetEnv retrieves an environment variable and whether it exists
func GetEnv(key string) (string, bool) {
	value, exists := os.LookupEnv(key)
	return value, exists
}

// GetEnvOrDefault retrieves an environment variable or returns the default value if not set
func GetEnvOrDefault(key, defaultValue string) string {
	if value, exists := GetEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

// GetEnvAsInt retrieves an environment variable as an integer with a default value
func GetEnvAsInt(key string, defaultValue int) int {
	if value, exists := GetEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
		logrus.Warnf("Invalid integer in %s, using default: %v", key, defaultValue)
	}
	return defaultValue
}

// GetEnvAsFloat retrieves an environment variable as a float with a default value
func GetEnvAsFloat(key string, defaultValue float64) float64 {
	if value, exists := GetEnv(key); exists {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
		logrus.Warnf("Invalid float in %s, using default: %v", key, defaultValue)
	}
	return defaultValue
}

// GetEnvAsDuration retrieves an environment variable as a duration with a default value
func GetEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := GetEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
		logrus.Warnf("Invalid duration in %s, using default: %v", key, defaultValue)
	}
	return defaultValue
}

// GetEnvAsBool retrieves an environment variable as a boolean with a default value
func GetEnvAsBool(key string, defaultValue bool) bool {
	if value, exists := GetEnv(key); exists {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
		logrus.Warnf("Invalid boolean in %s, using default: %v", key, defaultValue)
	}
	return defaultValue
}
