// Package config loads the service configuration from the environment. Every
// recognized option has a default suitable for local development; a .env file
// is honored when present so dev setups do not export variables by hand.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/meterflow/meterflow/x402"
)

type (
	// Config is the complete service configuration.
	Config struct {
		// HTTPAddr is the listen address of the API server.
		HTTPAddr string

		// MongoURI enables the MongoDB stores when non-empty; empty selects
		// the in-memory stores.
		MongoURI      string
		MongoDatabase string

		// RedisAddr enables the Pulse event broadcast when non-empty.
		RedisAddr     string
		RedisPassword string

		// CronSecret authenticates the tick endpoint.
		CronSecret string

		// Scheduling.
		MaxStepsPerTick int
		MaxConcurrency  int
		StallThreshold  time.Duration

		// Streaming.
		PollInterval time.Duration
		PingInterval time.Duration

		// Retry policy.
		DefaultRetryCap int
		BackoffBase     time.Duration
		BackoffMax      time.Duration
		JitterFraction  float64

		// Payments.
		DefaultPaymentMaxAtomic string
		DefaultNetwork          string
		WalletAddress           string
		WalletSecret            string

		// Model provider: "openai", "anthropic" or "bedrock".
		LLMProvider     string
		LLMModel        string
		OpenAIAPIKey    string
		AnthropicAPIKey string
		AWSRegion       string
		// LLMRequestsPerSecond throttles outbound model calls.
		LLMRequestsPerSecond float64

		// Debug enables request/response body logging.
		Debug bool
	}
)

// Defaults mirrored by the scheduler, executor and streamer when wired
// without explicit configuration.
const (
	DefaultHTTPAddr        = ":8080"
	DefaultMongoDatabase   = "meterflow"
	DefaultMaxStepsPerTick = 10
	DefaultMaxConcurrency  = 5
	DefaultRetryCap        = 3
	DefaultLLMProvider     = "openai"
)

// Load reads the configuration from the environment, consulting a .env file
// first when one exists.
func Load() (Config, error) {
	// Missing .env is the normal production case.
	_ = godotenv.Load()

	cfg := Config{
		HTTPAddr:                stringEnv("HTTP_ADDR", DefaultHTTPAddr),
		MongoURI:                os.Getenv("MONGO_URI"),
		MongoDatabase:           stringEnv("MONGO_DATABASE", DefaultMongoDatabase),
		RedisAddr:               os.Getenv("REDIS_ADDR"),
		RedisPassword:           os.Getenv("REDIS_PASSWORD"),
		CronSecret:              os.Getenv("CRON_SECRET"),
		DefaultPaymentMaxAtomic: stringEnv("DEFAULT_PAYMENT_MAX_ATOMIC", "1000000"),
		DefaultNetwork:          stringEnv("DEFAULT_NETWORK", x402.DefaultNetwork),
		WalletAddress:           os.Getenv("WALLET_ADDRESS"),
		WalletSecret:            os.Getenv("WALLET_SECRET"),
		LLMProvider:             stringEnv("LLM_PROVIDER", DefaultLLMProvider),
		LLMModel:                os.Getenv("LLM_MODEL"),
		OpenAIAPIKey:            os.Getenv("OPENAI_API_KEY"),
		AnthropicAPIKey:         os.Getenv("ANTHROPIC_API_KEY"),
		AWSRegion:               os.Getenv("AWS_REGION"),
		Debug:                   boolEnv("DEBUG"),
	}

	var err error
	if cfg.MaxStepsPerTick, err = intEnv("MAX_STEPS_PER_TICK", DefaultMaxStepsPerTick); err != nil {
		return Config{}, err
	}
	if cfg.MaxConcurrency, err = intEnv("MAX_CONCURRENCY", DefaultMaxConcurrency); err != nil {
		return Config{}, err
	}
	if cfg.DefaultRetryCap, err = intEnv("DEFAULT_RETRY_CAP", DefaultRetryCap); err != nil {
		return Config{}, err
	}
	if cfg.PollInterval, err = durationEnvMS("POLL_INTERVAL_MS", 2000); err != nil {
		return Config{}, err
	}
	if cfg.PingInterval, err = durationEnvMS("PING_INTERVAL_MS", 30000); err != nil {
		return Config{}, err
	}
	if cfg.StallThreshold, err = durationEnvMS("STALL_THRESHOLD_MS", 300000); err != nil {
		return Config{}, err
	}
	if cfg.BackoffBase, err = durationEnvMS("BACKOFF_BASE_MS", 1000); err != nil {
		return Config{}, err
	}
	if cfg.BackoffMax, err = durationEnvMS("BACKOFF_MAX_MS", 60000); err != nil {
		return Config{}, err
	}
	if cfg.JitterFraction, err = floatEnv("JITTER_FRACTION", 0.1); err != nil {
		return Config{}, err
	}
	if cfg.LLMRequestsPerSecond, err = floatEnv("LLM_RPS", 2); err != nil {
		return Config{}, err
	}

	if !x402.SupportedNetwork(cfg.DefaultNetwork) {
		return Config{}, fmt.Errorf("DEFAULT_NETWORK %q is not a supported network", cfg.DefaultNetwork)
	}
	switch cfg.LLMProvider {
	case "openai", "anthropic", "bedrock":
	default:
		return Config{}, fmt.Errorf("LLM_PROVIDER %q must be openai, anthropic or bedrock", cfg.LLMProvider)
	}
	return cfg, nil
}

func stringEnv(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func boolEnv(name string) bool {
	v, err := strconv.ParseBool(os.Getenv(name))
	return err == nil && v
}

func intEnv(name string, fallback int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return n, nil
}

func floatEnv(name string, fallback float64) (float64, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return f, nil
}

func durationEnvMS(name string, fallbackMS int) (time.Duration, error) {
	ms, err := intEnv(name, fallbackMS)
	if err != nil {
		return 0, err
	}
	if ms < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return time.Duration(ms) * time.Millisecond, nil
}
