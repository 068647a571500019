package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Port        string
	DatabaseURL string
	StoreDriver string
	RedisAddr   string

	TicketNumbering       string
	AverageServiceMinutes int
	DefaultTimezone       string

	JWTSecret string
	TokenTTL  time.Duration

	RateLimitPerMinute       int
	RateLimitBurst           int
	AgencyRateLimitPerMinute int
	AgencyRateLimitBurst     int

	LogLevel       string
	LogFormat      string
	MetricsEnabled bool

	RetentionDays   int
	CleanupSchedule string

	NotifySchedule       string
	NotifyWaitingAfter   time.Duration
	NotifyServingAfter   time.Duration
	NotifyProvider       string
	NotifyWebhookURL     string
	NotifyWebhookToken   string
	NotifyWebhookTimeout time.Duration
}

// Load reads the environment. A .env file in the working directory is
// loaded first when present; variables already set take precedence.
func Load() Config {
	_ = godotenv.Load()

	driver := strings.ToLower(readString("STORE_DRIVER", ""))
	if driver == "" {
		driver = DriverPostgres
		if os.Getenv("DB_DSN") == "" {
			driver = DriverMemory
		}
	}

	return Config{
		Port:        readString("PORT", "8080"),
		DatabaseURL: os.Getenv("DB_DSN"),
		StoreDriver: driver,
		RedisAddr:   os.Getenv("REDIS_ADDR"),

		TicketNumbering:       readString("TICKET_NUMBERING", "counter"),
		AverageServiceMinutes: readInt("AVERAGE_SERVICE_MINUTES", 5),
		DefaultTimezone:       readString("DEFAULT_TIMEZONE", "UTC"),

		JWTSecret: os.Getenv("JWT_SECRET"),
		TokenTTL:  readDurationSeconds("TOKEN_TTL_SECONDS", 8*60*60),

		RateLimitPerMinute:       readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:           readInt("RATE_LIMIT_BURST", 30),
		AgencyRateLimitPerMinute: readInt("AGENCY_RATE_LIMIT_PER_MIN", 600),
		AgencyRateLimitBurst:     readInt("AGENCY_RATE_LIMIT_BURST", 120),

		LogLevel:       readString("LOG_LEVEL", "info"),
		LogFormat:      readString("LOG_FORMAT", "json"),
		MetricsEnabled: readBool("METRICS_ENABLED", true),

		RetentionDays:   readInt("RETENTION_DAYS", 30),
		CleanupSchedule: readString("CLEANUP_SCHEDULE", "@daily"),

		NotifySchedule:       readString("NOTIFY_SCHEDULE", "@every 5m"),
		NotifyWaitingAfter:   readDurationMinutes("NOTIFY_WAITING_MINUTES", 15),
		NotifyServingAfter:   readDurationMinutes("NOTIFY_SERVING_MINUTES", 5),
		NotifyProvider:       readString("NOTIFY_PROVIDER", "log"),
		NotifyWebhookURL:     os.Getenv("NOTIFY_WEBHOOK_URL"),
		NotifyWebhookToken:   os.Getenv("NOTIFY_WEBHOOK_TOKEN"),
		NotifyWebhookTimeout: readDurationSeconds("NOTIFY_WEBHOOK_TIMEOUT_SECONDS", 5),
	}
}

// Validate reports settings the server cannot start with.
func (c Config) Validate() error {
	var errs []error
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DB_DSN is required for the postgres store"))
		}
	case DriverMemory:
	default:
		errs = append(errs, errors.New("STORE_DRIVER must be postgres or memory"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if _, err := time.LoadLocation(c.DefaultTimezone); err != nil {
		errs = append(errs, errors.New("DEFAULT_TIMEZONE is not a known timezone"))
	}
	return errors.Join(errs...)
}

// Location is the timezone used for agencies without their own.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.DefaultTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func readString(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readDurationMinutes(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Minute
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}
