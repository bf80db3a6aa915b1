package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	API     APIConfig
	Storage StorageConfig
	Pricing PricingConfig
	Sync    SyncConfig
	Log     LogConfig
}

type APIConfig struct {
	BaseURL        string
	RequestTimeout time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
}

type StorageConfig struct {
	Backend  string // memory, file, redis
	FilePath string
	Redis    RedisConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type PricingConfig struct {
	VATRate               float64
	FreeShippingThreshold float64
	StandardShippingRate  float64
	ExpressShippingRate   float64
}

type SyncConfig struct {
	// RefreshSchedule is a cron expression for the background cart refresh.
	RefreshSchedule string
}

type LogConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	config := &Config{
		API: APIConfig{
			BaseURL:        getEnv("API_BASE_URL", "http://localhost:5000/api"),
			RequestTimeout: parseDuration(getEnv("API_REQUEST_TIMEOUT", "30s"), 30*time.Second),
			MaxRetries:     parseInt(getEnv("API_MAX_RETRIES", "3"), 3),
			InitialBackoff: parseDuration(getEnv("API_INITIAL_BACKOFF", "500ms"), 500*time.Millisecond),
		},
		Storage: StorageConfig{
			Backend:  getEnv("STORAGE_BACKEND", "file"),
			FilePath: getEnv("STORAGE_FILE_PATH", ".storefront"),
			Redis: RedisConfig{
				Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
				Password: getEnv("REDIS_PASSWORD", ""),
				DB:       parseInt(getEnv("REDIS_DB", "0"), 0),
			},
		},
		Pricing: PricingConfig{
			VATRate:               parseFloat(getEnv("PRICING_VAT_RATE", "0.15"), 0.15),
			FreeShippingThreshold: parseFloat(getEnv("PRICING_FREE_SHIPPING_THRESHOLD", "1500"), 1500),
			StandardShippingRate:  parseFloat(getEnv("PRICING_STANDARD_SHIPPING", "25"), 25),
			ExpressShippingRate:   parseFloat(getEnv("PRICING_EXPRESS_SHIPPING", "50"), 50),
		},
		Sync: SyncConfig{
			RefreshSchedule: getEnv("SYNC_REFRESH_SCHEDULE", "@every 5m"),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "console"),
		},
	}

	return config, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	duration, err := time.ParseDuration(s)
	if err != nil {
		log.Printf("Invalid duration %s, using default %s", s, fallback)
		return fallback
	}
	return duration
}

func parseInt(s string, fallback int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		log.Printf("Invalid integer %s, using default %d", s, fallback)
		return fallback
	}
	return n
}

func parseFloat(s string, fallback float64) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		log.Printf("Invalid number %s, using default %v", s, fallback)
		return fallback
	}
	return f
}
