package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// instanceID labels this process in logs and snowflake node derivation.
func instanceID() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "digestd"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

type Config struct {
	Port        string
	Environment string
	InstanceID  string

	// Storage
	DatabasePath string
	RedisURL     string // optional; dedupe cache only

	// Auth
	CallerTokenSecret string // HS256 secret for caller-identity tokens
	AdminBearerToken  string // admin endpoints
	TrustedProxy      bool   // honor the rightmost forwarded hop

	// LLM
	OpenAIAPIKey   string
	LLMModel       string
	LLMMaxTokens   int
	LLMTemperature float64
	LLMTimeout     time.Duration
	LLMMaxRetries  int
	PromptVersion  string

	// Policy document (authoritative thresholds)
	PolicyPath string

	// Worker pool
	WorkerCount     int
	WorkerQueueSize int

	// Batch ceiling for /classify
	MaxEmailsPerBatch int

	// Digest
	MailProviderLinkBase string // whitelist base for deep links
	TestMode             bool   // allows now_override on /digest

	// CORS
	AllowedOrigins []string
}

func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENV", "development"),
		InstanceID:  getEnv("INSTANCE_ID", instanceID()),

		DatabasePath: getEnv("DATABASE_PATH", "digest.db"),
		RedisURL:     getEnv("REDIS_URL", ""),

		CallerTokenSecret: getEnv("CALLER_TOKEN_SECRET", ""),
		AdminBearerToken:  getEnv("ADMIN_BEARER_TOKEN", ""),
		TrustedProxy:      getEnvBool("TRUSTED_PROXY", false),

		OpenAIAPIKey:   getEnv("OPENAI_API_KEY", ""),
		LLMModel:       getEnv("LLM_MODEL", "gpt-4o-mini"),
		LLMMaxTokens:   getEnvInt("LLM_MAX_TOKENS", 1024),
		LLMTemperature: getEnvFloat("LLM_TEMPERATURE", 0.1),
		LLMTimeout:     time.Duration(getEnvInt("LLM_TIMEOUT_SEC", 30)) * time.Second,
		LLMMaxRetries:  getEnvInt("LLM_MAX_RETRIES", 3),
		PromptVersion:  getEnv("PROMPT_VERSION", "v1"),

		PolicyPath: getEnv("POLICY_PATH", "policy.yaml"),

		WorkerCount:     getEnvInt("WORKER_COUNT", 8),
		WorkerQueueSize: getEnvInt("WORKER_QUEUE_SIZE", 1000),

		MaxEmailsPerBatch: getEnvInt("MAX_EMAILS_PER_BATCH", 100),

		MailProviderLinkBase: getEnv("MAIL_PROVIDER_LINK_BASE", "https://mail.google.com/mail/u/0/"),
		TestMode:             getEnvBool("TEST_MODE", false),

		AllowedOrigins: getEnvSlice("ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
	}

	return cfg, nil
}

// ValidateForStartup enforces production preconditions. A failure here exits
// with code 2 (startup misconfig).
func (c *Config) ValidateForStartup() error {
	if !c.IsProduction() {
		return nil
	}
	if c.OpenAIAPIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required in production")
	}
	if c.CallerTokenSecret == "" {
		return fmt.Errorf("CALLER_TOKEN_SECRET is required in production")
	}
	if c.AdminBearerToken == "" {
		return fmt.Errorf("ADMIN_BEARER_TOKEN is required in production")
	}
	if c.TestMode {
		return fmt.Errorf("TEST_MODE must be off in production")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
