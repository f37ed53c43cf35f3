package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	Env      string
	LogLevel string

	HTTPAddr string
	GRPCAddr string

	MySQLDSN      string
	RedisAddr     string
	RedisPassword string
	CartTTL       time.Duration

	KafkaBrokers []string
	KafkaTopic   string

	ReservationTimeout time.Duration
	CleanupInterval    time.Duration
	SweepLock          bool

	TaxRate               decimal.Decimal
	FreeDeliveryThreshold decimal.Decimal
	DeliveryFee           decimal.Decimal

	RateLimitPerSecond float64
	RateLimitBurst     int
}

// Load reads an optional .env file, then the environment.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		Env:      getEnv("APP_ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),
		GRPCAddr: getEnv("GRPC_ADDR", ":50051"),

		MySQLDSN:      getEnv("MYSQL_DSN", "root:root@tcp(localhost:3306)/reservations?parseTime=true"),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		CartTTL:       time.Duration(getInt("CART_TTL_HOURS", 24*7)) * time.Hour,

		KafkaBrokers: splitList(getEnv("KAFKA_BROKERS", "")),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "reservation.expired"),

		ReservationTimeout: time.Duration(getInt("RESERVATION_TIMEOUT_MINUTES", 15)) * time.Minute,
		CleanupInterval:    time.Duration(getInt("CLEANUP_INTERVAL_MINUTES", 5)) * time.Minute,
		SweepLock:          getBool("SWEEP_LOCK", true),

		TaxRate:               getDecimal("TAX_RATE", "0.18"),
		FreeDeliveryThreshold: getDecimal("FREE_DELIVERY_THRESHOLD", "500"),
		DeliveryFee:           getDecimal("DELIVERY_FEE", "40"),

		RateLimitPerSecond: getFloat("RATE_LIMIT_RPS", 100),
		RateLimitBurst:     getInt("RATE_LIMIT_BURST", 200),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

func getFloat(key string, defaultVal float64) float64 {
	if f, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil && f > 0 {
		return f
	}
	return defaultVal
}

func getBool(key string, defaultVal bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return defaultVal
}

func getDecimal(key, defaultVal string) decimal.Decimal {
	if d, err := decimal.NewFromString(os.Getenv(key)); err == nil && !d.IsNegative() {
		return d
	}
	return decimal.RequireFromString(defaultVal)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
