// Package config loads and validates process configuration from the
// environment. Both processes fail fast: every required variable is checked
// up front and all problems are reported in one error, so a misconfigured
// deployment never partially starts.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Database holds the DSN parts for the catalog store.
type Database struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	MaxConns int
}

// DSN renders the keyword/value connection string pgx expects.
func (d Database) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s",
		d.Host, d.Port, d.User, d.Password, d.Name)
}

// SMTP holds the mail transport settings.
type SMTP struct {
	Host     string
	Port     int
	User     string
	Password string
	Sender   string
}

// Config is the full configuration shared by the API and worker processes.
type Config struct {
	Database   Database
	AMQPURL    string
	SMTP       SMTP
	MaxRetries int
	RetryDelay time.Duration

	HTTPAddr    string
	MetricsAddr string

	MailMaxAttempts int
	MailRetryDelay  time.Duration
}

// Load reads an optional .env file, then the environment. It returns a
// single error listing every missing or malformed required variable.
func Load() (Config, error) {
	// A missing .env is fine; containers set the environment directly.
	_ = godotenv.Load()

	var problems []string
	missing := func(key string) string {
		v := os.Getenv(key)
		if v == "" {
			problems = append(problems, fmt.Sprintf("%s is required", key))
		}
		return v
	}
	intVar := func(key string) int {
		v := missing(key)
		if v == "" {
			return 0
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s must be an integer: %v", key, err))
		}
		return n
	}

	cfg := Config{
		Database: Database{
			Host:     missing("PGHOST"),
			Port:     intVar("PGPORT"),
			User:     missing("PGUSER"),
			Password: missing("PGPASSWORD"),
			Name:     missing("PGDATABASE"),
		},
		AMQPURL: missing("RABBITMQ_SERVER"),
		SMTP: SMTP{
			Host:     missing("SMTP_HOST"),
			Port:     intVar("SMTP_PORT"),
			User:     missing("SMTP_USER"),
			Password: missing("SMTP_PASSWORD"),
		},
		MaxRetries: intVar("MAX_RETRIES"),
	}

	if v := os.Getenv("RETRY_DELAY"); v == "" {
		problems = append(problems, "RETRY_DELAY is required")
	} else if d, err := time.ParseDuration(v); err != nil {
		problems = append(problems, fmt.Sprintf("RETRY_DELAY must be a duration: %v", err))
	} else {
		cfg.RetryDelay = d
	}

	if cfg.AMQPURL != "" && !strings.HasPrefix(cfg.AMQPURL, "amqp://") && !strings.HasPrefix(cfg.AMQPURL, "amqps://") {
		problems = append(problems, "RABBITMQ_SERVER must be an amqp:// or amqps:// URL")
	}
	if os.Getenv("MAX_RETRIES") != "" && cfg.MaxRetries < 0 {
		problems = append(problems, "MAX_RETRIES must be >= 0")
	}

	// Optional settings with defaults. METRICS_ADDR stays empty here; the
	// default differs per process, so each main applies its own through
	// MetricsAddrOr.
	cfg.HTTPAddr = envOr("HTTP_ADDR", ":8080")
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")
	cfg.SMTP.Sender = envOr("SMTP_SENDER", cfg.SMTP.User)

	if v := os.Getenv("DB_MAX_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Database.MaxConns = n
		} else {
			problems = append(problems, "DB_MAX_CONNS must be a positive integer")
		}
	}

	cfg.MailMaxAttempts = 3
	if v := os.Getenv("MAIL_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MailMaxAttempts = n
		} else {
			problems = append(problems, "MAIL_MAX_ATTEMPTS must be a positive integer")
		}
	}
	cfg.MailRetryDelay = 2 * time.Second
	if v := os.Getenv("MAIL_RETRY_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			cfg.MailRetryDelay = d
		} else {
			problems = append(problems, "MAIL_RETRY_DELAY must be a duration")
		}
	}

	if len(problems) > 0 {
		return Config{}, errors.New("configuration: " + strings.Join(problems, "; "))
	}
	return cfg, nil
}

// MetricsAddrOr returns METRICS_ADDR when set, the per-process fallback
// otherwise.
func (c Config) MetricsAddrOr(fallback string) string {
	if c.MetricsAddr != "" {
		return c.MetricsAddr
	}
	return fallback
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
