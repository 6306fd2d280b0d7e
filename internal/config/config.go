package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

type Config struct {
	GeminiAPIKey string
	DatabaseURL  string
	HTTPPort     string
	LogLevel     string
	JWTSecret    string

	// Admission control caps for the two sliding windows.
	RateLimitPerMinute int
	RateLimitPerHour   int

	// Generation tuning.
	LLMTemperature float32
	LLMMaxTokens   int32

	// How many prior messages are carried into the prompt.
	MaxHistoryMessages int
}

var AppConfig Config

func LoadConfig() {
	err := godotenv.Load() // Load .env file if it exists
	if err != nil {
		log.Info("No .env file found, relying on environment variables")
	}

	AppConfig = Config{
		GeminiAPIKey:       getEnv("GEMINI_API_KEY", ""),
		DatabaseURL:        getEnv("DATABASE_URL", "aerocareers_chatbot.db"),
		HTTPPort:           getEnv("HTTP_PORT", "8080"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		JWTSecret:          getEnv("JWT_SECRET", ""),
		RateLimitPerMinute: getEnvAsInt("RATE_LIMIT_PER_MINUTE", 10),
		RateLimitPerHour:   getEnvAsInt("RATE_LIMIT_PER_HOUR", 100),
		LLMTemperature:     float32(getEnvAsFloat("LLM_TEMPERATURE", 0.7)),
		LLMMaxTokens:       int32(getEnvAsInt("LLM_MAX_TOKENS", 2048)),
		MaxHistoryMessages: getEnvAsInt("MAX_HISTORY_MESSAGES", 20),
	}

	if level, err := log.ParseLevel(AppConfig.LogLevel); err == nil {
		log.SetLevel(level)
	}

	if AppConfig.GeminiAPIKey == "" {
		log.Fatal("GEMINI_API_KEY environment variable is required")
	}

	if AppConfig.JWTSecret == "" {
		log.Fatal("JWT_SECRET environment variable is required")
	}
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
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

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}
