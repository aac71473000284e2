package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment string
	DBHost      string
	DBPort      string
	DBUsername  string
	DBPassword  string
	DBName      string
	DBSSLMode   string

	// DBMaxHandles caps the connection pool; DBHandleIdleTime is how long an
	// idle handle may linger before the pool retires it.
	DBMaxHandles     int
	DBHandleIdleTime time.Duration

	HTTPPort string
	SMTPAddr string
	Hostname string
	Timezone string

	// LocalDomains is the comma-separated list of domains whose recipients
	// have mailboxes in this store.
	LocalDomains string
}

func NewConfig() (*Config, error) {
	env := os.Getenv("MAILSTORE_ENV")
	if env == "" {
		env = "development"
	}

	if env == "development" {
		if err := godotenv.Load(); err != nil {
			fmt.Println("Warning: .env file not found, using environment variables")
		}
	}

	maxHandles, err := strconv.Atoi(getEnvOrDefault("MAILSTORE_DB_MAX_HANDLES", "25"))
	if err != nil {
		return nil, fmt.Errorf("MAILSTORE_DB_MAX_HANDLES must be a number: %w", err)
	}
	idleTime, err := time.ParseDuration(getEnvOrDefault("MAILSTORE_DB_HANDLE_IDLE_TIME", "30m"))
	if err != nil {
		return nil, fmt.Errorf("MAILSTORE_DB_HANDLE_IDLE_TIME must be a duration: %w", err)
	}

	hostname := os.Getenv("MAILSTORE_HOSTNAME")
	if hostname == "" {
		hostname, _ = os.Hostname()
	}

	config := &Config{
		Environment:      env,
		DBHost:           getEnvOrDefault("MAILSTORE_DB_HOST", "localhost"),
		DBPort:           getEnvOrDefault("MAILSTORE_DB_PORT", "5432"),
		DBUsername:       getEnvOrDefault("MAILSTORE_DB_USER", "mailstore"),
		DBPassword:       os.Getenv("MAILSTORE_DB_PASSWORD"),
		DBName:           getEnvOrDefault("MAILSTORE_DB_NAME", "mailstore"),
		DBSSLMode:        getEnvOrDefault("MAILSTORE_DB_SSLMODE", "disable"),
		DBMaxHandles:     maxHandles,
		DBHandleIdleTime: idleTime,
		HTTPPort:         getEnvOrDefault("PORT", "8080"),
		SMTPAddr:         getEnvOrDefault("MAILSTORE_SMTP_ADDR", ":2525"),
		Hostname:         hostname,
		Timezone:         getEnvOrDefault("TZ", "UTC"),
		LocalDomains:     os.Getenv("MAILSTORE_LOCAL_DOMAINS"),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) Validate() error {
	if c.DBPassword == "" {
		return fmt.Errorf("MAILSTORE_DB_PASSWORD is required")
	}

	if c.DBMaxHandles < 1 {
		return fmt.Errorf("MAILSTORE_DB_MAX_HANDLES must be at least 1")
	}

	return nil
}

func (c *Config) GetDatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUsername,
		c.DBPassword,
		c.DBHost,
		c.DBPort,
		c.DBName,
		c.DBSSLMode,
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
