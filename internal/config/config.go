package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port         string
	StoreBackend string
	PostgresURL  string

	LLMMode        string
	LLMBaseURL     string
	OpenAIAPIKey   string
	LLMMaxTokens   int
	LLMTimeoutSecs int

	SearchMode       string
	TavilyAPIKey     string
	SearchMaxResults int

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	DiskCachePath string

	CacheMemoryEntries  int
	CacheMemoryTTL      time.Duration
	CacheDistributedTTL time.Duration
	CacheDiskTTL        time.Duration

	ModelTablePath string

	LLMRatePerSecond    float64
	LLMRateBurst        int
	SearchRatePerSecond float64
	SearchRateBurst     int
	RateMaxWait         time.Duration

	BreakerFailureThreshold int
	BreakerWindow           time.Duration
	BreakerCooldown         time.Duration
	BreakerMaxCooldown      time.Duration

	WorkerPoolSize         int
	MaxRetries             int
	DefaultMaxSubQuestions int
	DefaultBudgetUSD       float64
	QualityThreshold       float64
}

func Load() Config {
	postgresURL := getEnv("POSTGRES_URL", "")
	if postgresURL == "" {
		postgresURL = buildPostgresURL()
	}
	return Config{
		Port:         getEnv("LODESTONE_PORT", "8080"),
		StoreBackend: getEnv("STORE_BACKEND", "memory"),
		PostgresURL:  postgresURL,

		LLMMode:        getEnv("LLM_MODE", "local"),
		LLMBaseURL:     getEnv("LLM_BASE_URL", ""),
		OpenAIAPIKey:   getEnv("OPENAI_API_KEY", ""),
		LLMMaxTokens:   getEnvInt("LLM_MAX_TOKENS", 2048),
		LLMTimeoutSecs: getEnvInt("LLM_TIMEOUT_SECS", 120),

		SearchMode:       getEnv("SEARCH_MODE", "local"),
		TavilyAPIKey:     getEnv("TAVILY_API_KEY", ""),
		SearchMaxResults: getEnvInt("SEARCH_MAX_RESULTS", 5),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		DiskCachePath: getEnv("DISK_CACHE_PATH", ""),

		CacheMemoryEntries:  getEnvInt("CACHE_MEMORY_ENTRIES", 1024),
		CacheMemoryTTL:      getEnvSecs("CACHE_MEMORY_TTL_SECS", 5*time.Minute),
		CacheDistributedTTL: getEnvSecs("CACHE_DISTRIBUTED_TTL_SECS", time.Hour),
		CacheDiskTTL:        getEnvSecs("CACHE_DISK_TTL_SECS", 24*time.Hour),

		ModelTablePath: getEnv("MODEL_TABLE_PATH", ""),

		LLMRatePerSecond:    getEnvFloat("LLM_RATE_PER_SECOND", 2),
		LLMRateBurst:        getEnvInt("LLM_RATE_BURST", 4),
		SearchRatePerSecond: getEnvFloat("SEARCH_RATE_PER_SECOND", 1),
		SearchRateBurst:     getEnvInt("SEARCH_RATE_BURST", 2),
		RateMaxWait:         getEnvSecs("RATE_MAX_WAIT_SECS", 30*time.Second),

		BreakerFailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerWindow:           getEnvSecs("BREAKER_WINDOW_SECS", time.Minute),
		BreakerCooldown:         getEnvSecs("BREAKER_COOLDOWN_SECS", 10*time.Second),
		BreakerMaxCooldown:      getEnvSecs("BREAKER_MAX_COOLDOWN_SECS", 5*time.Minute),

		WorkerPoolSize:         getEnvInt("WORKER_POOL_SIZE", 3),
		MaxRetries:             getEnvInt("MAX_RETRIES", 3),
		DefaultMaxSubQuestions: getEnvInt("DEFAULT_MAX_SUB_QUESTIONS", 3),
		DefaultBudgetUSD:       getEnvFloat("DEFAULT_BUDGET_USD", 0),
		QualityThreshold:       getEnvFloat("QUALITY_THRESHOLD", 0),
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvSecs(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil && parsed >= 0 {
			return time.Duration(parsed) * time.Second
		}
	}
	return fallback
}

func buildPostgresURL() string {
	user := getEnv("POSTGRES_USER", "lodestone")
	password := getEnv("POSTGRES_PASSWORD", "lodestone")
	host := getEnv("POSTGRES_HOST", "localhost")
	port := getEnv("POSTGRES_PORT", "5432")
	database := getEnv("POSTGRES_DB", "lodestone")
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port, database)
}
