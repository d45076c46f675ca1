package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBSource      string
	Port          string
	Env           string
	RedisAddr     string // empty disables Redis
	RedisPassword string

	ReconcileInterval time.Duration
	PendingMaxAge     time.Duration
	StatsCacheTTL     time.Duration
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	dbSource := os.Getenv("DB_SOURCE")
	if dbSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}

	return &Config{
		DBSource:          dbSource,
		Port:              getEnv("SERVER_PORT", "8080"),
		Env:               getEnv("ENVIRONMENT", "development"),
		RedisAddr:         getEnv("REDIS_ADDR", ""),
		RedisPassword:     getEnv("REDIS_PASSWORD", ""),
		ReconcileInterval: getDuration("RECONCILE_INTERVAL", time.Hour),
		PendingMaxAge:     getDuration("PENDING_MAX_AGE", 24*time.Hour),
		StatsCacheTTL:     getDuration("STATS_CACHE_TTL", 30*time.Second),
	}, nil
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	raw, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("Invalid duration for %s: %q, using %s", key, raw, fallback)
		return fallback
	}
	return d
}
