package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/joho/godotenv"
)

const ServiceName = "card-cart"

type Config struct {
	HTTPPort string
	GRPCPort string

	MySQLDSN          string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	DBLockWaitTimeout time.Duration

	// RedisAddr and KafkaBrokers are optional; empty disables the component
	RedisAddr    string
	KafkaBrokers []string
	KafkaTopic   string

	ValidatorURL string
	UserIDClaim  string

	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
	LogLevel        string
}

// LoadConfig reads the environment, after an optional .env file, and
// validates the result.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	var errs []error
	cfg := &Config{
		HTTPPort:          getEnv("HTTP_PORT", ":8080"),
		GRPCPort:          getEnv("GRPC_PORT", ":50051"),
		MySQLDSN:          getEnv("MYSQL_DSN", "root:root@tcp(localhost:3306)/cart"),
		DBMaxOpenConns:    getInt("DB_MAX_OPEN_CONNS", 50, &errs),
		DBMaxIdleConns:    getInt("DB_MAX_IDLE_CONNS", 25, &errs),
		DBConnMaxLifetime: getDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute, &errs),
		DBLockWaitTimeout: getDuration("DB_LOCK_WAIT_TIMEOUT", 5*time.Second, &errs),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		KafkaBrokers:      splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:        getEnv("KAFKA_TOPIC", "cart-events"),
		ValidatorURL:      os.Getenv("VALIDATOR_URL"),
		UserIDClaim:       getEnv("USER_ID_CLAIM", "id"),
		RequestTimeout:    getDuration("REQUEST_TIMEOUT", 10*time.Second, &errs),
		ShutdownTimeout:   getDuration("SHUTDOWN_TIMEOUT", 5*time.Second, &errs),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	dsn, err := NormalizeDSN(cfg.MySQLDSN, cfg.DBLockWaitTimeout)
	if err != nil {
		return nil, err
	}
	cfg.MySQLDSN = dsn
	return cfg, nil
}

func (c *Config) validate() error {
	if c.ValidatorURL == "" {
		return fmt.Errorf("VALIDATOR_URL environment variable is required")
	}
	if c.UserIDClaim == "" {
		return fmt.Errorf("USER_ID_CLAIM must not be empty")
	}
	if c.DBMaxOpenConns <= 0 {
		return fmt.Errorf("DB_MAX_OPEN_CONNS must be positive, got %d", c.DBMaxOpenConns)
	}
	if c.DBMaxIdleConns < 0 || c.DBMaxIdleConns > c.DBMaxOpenConns {
		return fmt.Errorf("DB_MAX_IDLE_CONNS must be between 0 and DB_MAX_OPEN_CONNS, got %d", c.DBMaxIdleConns)
	}
	if c.DBLockWaitTimeout < time.Second {
		return fmt.Errorf("DB_LOCK_WAIT_TIMEOUT must be at least 1s, got %s", c.DBLockWaitTimeout)
	}
	if c.RequestTimeout <= 0 || c.ShutdownTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT and SHUTDOWN_TIMEOUT must be positive")
	}
	return nil
}

// NormalizeDSN forces the driver settings the store relies on: parsed
// DATETIME columns, matched-row counts for UPDATE, and a bounded InnoDB lock
// wait.
func NormalizeDSN(dsn string, lockWait time.Duration) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid MYSQL_DSN: %w", err)
	}
	cfg.ParseTime = true
	cfg.ClientFoundRows = true
	if cfg.Params == nil {
		cfg.Params = make(map[string]string)
	}
	cfg.Params["innodb_lock_wait_timeout"] = strconv.Itoa(int(lockWait / time.Second))
	return cfg.FormatDSN(), nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int, errs *[]error) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return v
}

func getDuration(key string, defaultValue time.Duration, errs *[]error) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return v
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
