package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port        string
	Env         string
	LogLevel    string
	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	// LLMProvider selects the planner backend: "gemini" or "bedrock".
	LLMProvider   string
	GeminiAPIKey  string
	GeminiModelID string

	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string
	BedrockModelID      string

	// DefaultPatientID stands in for a login/selection flow; every
	// conversation thread operates for one patient identity.
	DefaultPatientID string

	MaxToolIterations  int
	PlannerTimeout     time.Duration
	ConversationTTL    time.Duration
	SlotPreviewCount   int
	SlotPreviewDays    int
	ExtendedWindowWeek int
	MaxPractitioners   int
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:        getEnv("PORT", "8080"),
		Env:         getEnv("ENV", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		DatabaseURL: getEnv("DATABASE_URL", ""),

		RedisAddr:     getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		LLMProvider:   strings.ToLower(strings.TrimSpace(getEnv("LLM_PROVIDER", "gemini"))),
		GeminiAPIKey:  getEnv("GEMINI_API_KEY", ""),
		GeminiModelID: getEnv("GEMINI_MODEL_ID", "gemini-2.5-flash"),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),
		BedrockModelID:      getEnv("BEDROCK_MODEL_ID", ""),

		DefaultPatientID: getEnv("DEFAULT_PATIENT_FHIR_ID", ""),

		MaxToolIterations:  getEnvAsInt("MAX_TOOL_ITERATIONS", 6),
		PlannerTimeout:     getEnvAsDuration("PLANNER_TIMEOUT", 60*time.Second),
		ConversationTTL:    getEnvAsDuration("CONVERSATION_TTL", 24*time.Hour),
		SlotPreviewCount:   getEnvAsInt("SLOT_PREVIEW_COUNT", 3),
		SlotPreviewDays:    getEnvAsInt("SLOT_PREVIEW_DAYS", 7),
		ExtendedWindowWeek: getEnvAsInt("SLOT_EXTENDED_WINDOW_WEEKS", 4),
		MaxPractitioners:   getEnvAsInt("MAX_PRACTITIONERS_PER_SEARCH", 5),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
