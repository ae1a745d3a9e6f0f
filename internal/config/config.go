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
	LedgerHTTP     = "http"
	LedgerPostgres = "postgres"
	LedgerMemory   = "memory"
)

type Config struct {
	Addr         string
	LogLevel     string
	RedisURL     string
	DatabaseURL  string
	OTLPEndpoint string
	AWSRegion    string

	TraceSampleRatio float64

	OpenAIAPIKey     string
	OpenAIBaseURL    string
	AnthropicAPIKey  string
	AnthropicBaseURL string
	GeminiAPIKey     string
	GeminiBaseURL    string

	// Vertex AI is used for Gemini when a project and a service account
	// (file or secret) are both configured.
	VertexProjectID            string
	VertexLocation             string
	VertexServiceAccountFile   string
	VertexServiceAccountSecret string

	// ProviderKeysSecret names a Secrets Manager JSON bundle of upstream
	// API keys; env keys take precedence.
	ProviderKeysSecret string

	BedrockEnabled bool

	AuthJWTSecret  string
	AdminTokenHash string

	// TrustedProxies lists the CIDRs or addresses whose X-Forwarded-For
	// header is believed. Empty means the peer address is always used.
	TrustedProxies []string

	LedgerBackend string
	LedgerURL     string
	LedgerAPIKey  string

	SNSTopicARN   string
	UsageQueueURL string

	StreamIdleTimeout time.Duration
	IPDailyCeiling    int

	// Horizontal scaling features
	UseDistributedCircuitBreaker bool

	// Graceful shutdown
	ShutdownTimeout time.Duration
	DrainTimeout    time.Duration
}

// Load reads configuration from the environment. A .env file in the
// working directory is applied first when present; real env vars win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		Addr:         getEnv("ADDR", ":8080"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		RedisURL:     getEnv("REDIS_URL", ""),
		DatabaseURL:  getEnv("DATABASE_URL", ""),
		OTLPEndpoint: getEnv("OTLP_ENDPOINT", ""),
		AWSRegion:    getEnv("AWS_REGION", ""),

		TraceSampleRatio: getFloatEnv("TRACE_SAMPLE_RATIO", 1),

		OpenAIAPIKey:     getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:    getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		AnthropicAPIKey:  getEnv("ANTHROPIC_API_KEY", ""),
		AnthropicBaseURL: getEnv("ANTHROPIC_BASE_URL", "https://api.anthropic.com/v1"),
		GeminiAPIKey:     getEnv("GEMINI_API_KEY", ""),
		GeminiBaseURL:    getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),

		VertexProjectID:            getEnv("VERTEX_PROJECT_ID", ""),
		VertexLocation:             getEnv("VERTEX_LOCATION", "us-central1"),
		VertexServiceAccountFile:   getEnv("VERTEX_SERVICE_ACCOUNT_FILE", ""),
		VertexServiceAccountSecret: getEnv("VERTEX_SERVICE_ACCOUNT_SECRET", ""),
		ProviderKeysSecret:         getEnv("PROVIDER_KEYS_SECRET", ""),

		BedrockEnabled: getBoolEnv("BEDROCK_ENABLED", false),

		AuthJWTSecret:  getEnv("AUTH_JWT_SECRET", ""),
		AdminTokenHash: getEnv("ADMIN_TOKEN_HASH", ""),
		TrustedProxies: getListEnv("TRUSTED_PROXIES"),

		LedgerBackend: strings.ToLower(getEnv("LEDGER_BACKEND", LedgerHTTP)),
		LedgerURL:     getEnv("LEDGER_URL", ""),
		LedgerAPIKey:  getEnv("LEDGER_API_KEY", ""),

		SNSTopicARN:   getEnv("SNS_TOPIC_ARN", ""),
		UsageQueueURL: getEnv("USAGE_QUEUE_URL", ""),

		StreamIdleTimeout: getDurationEnv("STREAM_IDLE_TIMEOUT", 30*time.Second),
		IPDailyCeiling:    getIntEnv("IP_DAILY_CEILING", 60),

		UseDistributedCircuitBreaker: getBoolEnv("USE_DISTRIBUTED_CB", false),
		ShutdownTimeout:              getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		DrainTimeout:                 getDurationEnv("DRAIN_TIMEOUT", 15*time.Second),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.LedgerBackend {
	case LedgerHTTP, LedgerPostgres, LedgerMemory:
	default:
		return fmt.Errorf("invalid LEDGER_BACKEND %q", c.LedgerBackend)
	}
	if c.LedgerBackend == LedgerPostgres && c.DatabaseURL == "" {
		return errors.New("LEDGER_BACKEND=postgres requires DATABASE_URL")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATIO must be within [0, 1], got %v", c.TraceSampleRatio)
	}
	if c.BedrockEnabled && c.AWSRegion == "" {
		return errors.New("BEDROCK_ENABLED requires AWS_REGION")
	}
	return nil
}

// UsesAWS reports whether any AWS-backed component is configured.
func (c *Config) UsesAWS() bool {
	return c.BedrockEnabled || c.SNSTopicARN != "" || c.UsageQueueURL != "" ||
		c.VertexServiceAccountSecret != "" || c.ProviderKeysSecret != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getListEnv splits a comma-separated value, dropping empty entries.
func getListEnv(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getDurationEnv accepts whole seconds ("30") or a Go duration ("1m").
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
