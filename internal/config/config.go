package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port     int
	LogLevel string
	APIToken string

	LLMProvider     string
	AnthropicAPIKey string
	AnthropicModel  string
	GeminiAPIKey    string
	GeminiModel     string
	LLMRPS          float64
	LLMBurst        int

	ExtractionWorkers     int
	ExtractionMaxTurns    int
	ExtractionTimeout     time.Duration
	ReplyTimeout          time.Duration
	SubmitTimeout         time.Duration
	MaxTurnRetries        int
	MaxSubmitAttempts     int
	MaxExtractionFailures int

	SessionIdleTimeout time.Duration
	MaxLiveSessions    int
	SessionTimezone    string

	StoreBackend string
	DatabaseURL  string
	RedisURL     string
	StoreDir     string
	SessionTTL   time.Duration

	NatsURL      string
	NatsToken    string
	SlackToken   string
	SlackChannel string

	SubmissionURL   string
	SubmissionToken string

	SchemaPath string
	PolicyPath string
}

// Load reads the environment, after merging a .env file when present.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		Port:     envInt("INTAKE_PORT", 8760),
		LogLevel: envStr("LOG_LEVEL", "info"),
		APIToken: envStr("INTAKE_API_TOKEN", ""),

		LLMProvider:     envStr("LLM_PROVIDER", "anthropic"),
		AnthropicAPIKey: envStr("ANTHROPIC_API_KEY", ""),
		AnthropicModel:  envStr("INTAKE_MODEL", "claude-sonnet-4-20250514"),
		GeminiAPIKey:    envStr("GEMINI_API_KEY", ""),
		GeminiModel:     envStr("GEMINI_MODEL", "gemini-2.5-flash"),
		LLMRPS:          envFloat("LLM_RPS", 5),
		LLMBurst:        envInt("LLM_BURST", 10),

		ExtractionWorkers:     envInt("EXTRACTION_WORKERS", 4),
		ExtractionMaxTurns:    envInt("EXTRACTION_MAX_TURNS", 3),
		ExtractionTimeout:     envDuration("EXTRACTION_TIMEOUT", 30*time.Second),
		ReplyTimeout:          envDuration("REPLY_TIMEOUT", 30*time.Second),
		SubmitTimeout:         envDuration("SUBMIT_TIMEOUT", 30*time.Second),
		MaxTurnRetries:        envInt("MAX_TURN_RETRIES", 3),
		MaxSubmitAttempts:     envInt("MAX_SUBMIT_ATTEMPTS", 3),
		MaxExtractionFailures: envInt("MAX_EXTRACTION_FAILURES", 3),

		SessionIdleTimeout: envDuration("SESSION_IDLE_TIMEOUT", 30*time.Minute),
		MaxLiveSessions:    envInt("MAX_LIVE_SESSIONS", 10000),
		SessionTimezone:    envStr("SESSION_TIMEZONE", "UTC"),

		StoreBackend: envStr("STORE_BACKEND", "memory"),
		DatabaseURL:  envStr("DATABASE_URL", ""),
		RedisURL:     envStr("REDIS_URL", ""),
		StoreDir:     envStr("STORE_DIR", "~/.intake/sessions"),
		SessionTTL:   envDuration("SESSION_TTL", 7*24*time.Hour),

		NatsURL:      envStr("NATS_URL", ""),
		NatsToken:    envStr("NATS_TOKEN", ""),
		SlackToken:   envStr("SLACK_BOT_TOKEN", ""),
		SlackChannel: envStr("SLACK_HANDOFF_CHANNEL", ""),

		SubmissionURL:   envStr("SUBMISSION_URL", ""),
		SubmissionToken: envStr("SUBMISSION_TOKEN", ""),

		SchemaPath: envStr("SCHEMA_PATH", ""),
		PolicyPath: envStr("POLICY_PATH", ""),
	}
}

// Location resolves SessionTimezone, falling back to UTC.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.SessionTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
