package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	// Server
	Env      string
	Port     string
	LogLevel string

	// Database
	DBHost        string
	DBPort        string
	DBUser        string
	DBPassword    string
	DBName        string
	DBSSLMode     string
	RunMigrations bool

	// JWT
	JWTSecret        string
	JWTExpirationDur time.Duration
	RefreshTokenDur  time.Duration

	// Login lockout
	MaxFailedLogins int
	LockoutDur      time.Duration

	// Notifications. An empty NATSURL disables publishing.
	NATSURL           string
	NATSSubjectPrefix string

	// InternalAPIKey guards /internal endpoints. Empty disables them.
	InternalAPIKey string

	// AutoApproveWithoutRule approves expenses no rule covers instead of
	// rejecting the submission with NO_MATCHING_RULE.
	AutoApproveWithoutRule bool
}

var appConfig *Config

// Load loads configuration from environment variables
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found")
	}

	config := &Config{
		Env:      getEnv("ENV", "development"),
		Port:     getEnv("PORT", "8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		DBHost:        getEnv("DB_HOST", "localhost"),
		DBPort:        getEnv("DB_PORT", "5432"),
		DBUser:        getEnv("DB_USER", "expenseflow"),
		DBPassword:    getEnv("DB_PASSWORD", "expenseflow"),
		DBName:        getEnv("DB_NAME", "expenseflow"),
		DBSSLMode:     getEnv("DB_SSLMODE", "disable"),
		RunMigrations: getBool("RUN_MIGRATIONS", true),

		JWTSecret:        getEnv("JWT_SECRET", "fallback-secret-key-for-dev-only"),
		JWTExpirationDur: getDuration("JWT_EXPIRES_IN", 24*time.Hour),
		RefreshTokenDur:  getDuration("REFRESH_TOKEN_EXPIRES_IN", 7*24*time.Hour),

		MaxFailedLogins: getInt("MAX_FAILED_LOGINS", 5),
		LockoutDur:      getDuration("LOCKOUT_DURATION", 15*time.Minute),

		NATSURL:           getEnv("NATS_URL", ""),
		NATSSubjectPrefix: getEnv("NATS_SUBJECT_PREFIX", "expenseflow"),

		InternalAPIKey: getEnv("INTERNAL_API_KEY", ""),

		AutoApproveWithoutRule: getBool("AUTO_APPROVE_WITHOUT_RULE", false),
	}

	appConfig = config
	return config, nil
}

// Get returns the application configuration
func Get() *Config {
	if appConfig == nil {
		var err error
		appConfig, err = Load()
		if err != nil {
			log.Fatalf("Failed to load configuration: %v", err)
		}
	}
	return appConfig
}

// Set replaces the active configuration. Tests use it to pin values.
func Set(c *Config) {
	appConfig = c
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("Warning: invalid %s value '%s', falling back to %s\n", key, raw, defaultValue)
		return defaultValue
	}
	return d
}

func getBool(key string, defaultValue bool) bool {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("Warning: invalid %s value '%s', falling back to %t\n", key, raw, defaultValue)
		return defaultValue
	}
	return b
}

func getInt(key string, defaultValue int) int {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("Warning: invalid %s value '%s', falling back to %d\n", key, raw, defaultValue)
		return defaultValue
	}
	return n
}
