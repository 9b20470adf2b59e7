package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the trading core.
type Config struct {
	Port string

	// Database
	DBPath string

	// Auth
	JWTSecret string

	BinanceTestnet bool

	// MasterEncryptionKey gates whether crypto.KeyManager is constructed.
	// Without it exchange accounts cannot be created, and only rows stored
	// unencrypted can be loaded.
	MasterEncryptionKey string

	// Event Hub
	HubPingIntervalSec int

	// DCA gateway pool
	GatewayIdleTimeoutSec  int
	GatewayHealthInterval  int
	GatewayMaxPoolSize     int
	GatewayFailureThresh   int
	GatewayCircuitResetSec int
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	// Database path: prefer DB_PATH, then DATABASE_PATH for backward compatibility.
	dbPath := getEnv("DB_PATH", "")
	if dbPath == "" {
		dbPath = getEnv("DATABASE_PATH", "./data/trading.db")
	}

	return &Config{
		Port:                   getEnv("PORT", "8080"),
		DBPath:                 dbPath,
		JWTSecret:              getEnv("JWT_SECRET", "dev-secret"),
		BinanceTestnet:         getEnv("BINANCE_TESTNET", "false") == "true",
		MasterEncryptionKey:    os.Getenv("MASTER_ENCRYPTION_KEY"),
		HubPingIntervalSec:     getEnvInt("HUB_PING_INTERVAL_SEC", 30),
		GatewayIdleTimeoutSec:  getEnvInt("GATEWAY_IDLE_TIMEOUT_SEC", 900),
		GatewayHealthInterval:  getEnvInt("GATEWAY_HEALTH_INTERVAL_SEC", 60),
		GatewayMaxPoolSize:     getEnvInt("GATEWAY_MAX_POOL_SIZE", 256),
		GatewayFailureThresh:   getEnvInt("GATEWAY_FAILURE_THRESHOLD", 5),
		GatewayCircuitResetSec: getEnvInt("GATEWAY_CIRCUIT_RESET_SEC", 30),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
