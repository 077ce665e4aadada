package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	DBPath    string `validate:"required"`
	OutputDir string `validate:"required"`

	SourceBaseURL      string `validate:"omitempty,url"`
	SourceLogin        string
	SourcePassword     string
	SourceTimeout      time.Duration `validate:"gt=0"`
	SourceRateLimitRPS int           `validate:"gt=0"`

	CRMWebhookURL   string `validate:"omitempty,url"`
	CRMBaseURL      string `validate:"omitempty,url"`
	CRMClientID     string
	CRMClientSecret string
	CRMRefreshToken string
	CRMTokenURL     string        `validate:"omitempty,url"`
	CRMTimeout      time.Duration `validate:"gt=0"`
	CRMRateLimitRPS int           `validate:"gt=0"`
	CRMMaxRetries   int           `validate:"gte=1,lte=10"`

	SchemaPath string

	BatchChunkSize int           `validate:"gte=1,lte=50"`
	BatchDelay     time.Duration `validate:"gte=0"`

	RecentLookback time.Duration `validate:"gt=0"`
	MergeAfterSync bool

	MediaTimeout  time.Duration `validate:"gt=0"`
	MediaMaxBytes int64         `validate:"gt=0"`

	RedisAddr     string
	RedisPassword string
	RedisDB       int           `validate:"gte=0"`
	RunLockTTL    time.Duration `validate:"gt=0"`
	RunLockWait   time.Duration `validate:"gte=0"`

	WatchInterval time.Duration `validate:"gt=0"`

	MetricsTextfile string

	LogLevel  string `validate:"oneof=debug info warn error"`
	LogFormat string `validate:"oneof=text json"`
}

func Load() (Config, error) {
	_ = godotenv.Load()

	cwd, err := os.Getwd()
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		DBPath:    getEnv("DB_PATH", filepath.Join(cwd, "data", "crmsync.db")),
		OutputDir: getEnv("OUTPUT_DIR", filepath.Join(cwd, "out")),

		SourceBaseURL:      getEnv("SOURCE_BASE_URL", ""),
		SourceLogin:        getEnv("SOURCE_LOGIN", ""),
		SourcePassword:     getEnv("SOURCE_PASSWORD", ""),
		SourceTimeout:      getEnvDuration("SOURCE_TIMEOUT", 30*time.Second),
		SourceRateLimitRPS: getEnvInt("SOURCE_RATE_LIMIT_RPS", 5),

		CRMWebhookURL:   getEnv("CRM_WEBHOOK_URL", ""),
		CRMBaseURL:      getEnv("CRM_BASE_URL", ""),
		CRMClientID:     getEnv("CRM_CLIENT_ID", ""),
		CRMClientSecret: getEnv("CRM_CLIENT_SECRET", ""),
		CRMRefreshToken: getEnv("CRM_REFRESH_TOKEN", ""),
		CRMTokenURL:     getEnv("CRM_TOKEN_URL", "https://oauth.bitrix.info/oauth/token/"),
		CRMTimeout:      getEnvDuration("CRM_TIMEOUT", 30*time.Second),
		CRMRateLimitRPS: getEnvInt("CRM_RATE_LIMIT_RPS", 2),
		CRMMaxRetries:   getEnvInt("CRM_MAX_RETRIES", 5),

		SchemaPath: getEnv("SCHEMA_PATH", ""),

		BatchChunkSize: getEnvInt("BATCH_CHUNK_SIZE", 50),
		BatchDelay:     getEnvDuration("BATCH_DELAY", 500*time.Millisecond),

		RecentLookback: getEnvDuration("RECENT_LOOKBACK", 24*time.Hour),
		MergeAfterSync: getEnvBool("MERGE_AFTER_SYNC", true),

		MediaTimeout:  getEnvDuration("MEDIA_TIMEOUT", 20*time.Second),
		MediaMaxBytes: int64(getEnvInt("MEDIA_MAX_BYTES", 10<<20)),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		RunLockTTL:    getEnvDuration("RUN_LOCK_TTL", 2*time.Hour),
		RunLockWait:   getEnvDuration("RUN_LOCK_WAIT", 30*time.Second),

		WatchInterval: getEnvDuration("WATCH_INTERVAL", 15*time.Minute),

		MetricsTextfile: getEnv("METRICS_TEXTFILE", ""),

		LogLevel:  strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat: strings.ToLower(getEnv("LOG_FORMAT", "text")),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fe.Field(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid config:\n  - %s", strings.Join(msgs, "\n  - "))
}

func (c Config) Require(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("missing required env var: %s", name)
	}
	return nil
}

// RequireSource checks the settings needed to fetch the dataset.
func (c Config) RequireSource() error {
	return errors.Join(
		c.Require("SOURCE_BASE_URL", c.SourceBaseURL),
		c.Require("SOURCE_LOGIN", c.SourceLogin),
		c.Require("SOURCE_PASSWORD", c.SourcePassword),
	)
}

// RequireCRM checks that one of the two CRM auth modes is fully configured.
func (c Config) RequireCRM() error {
	if strings.TrimSpace(c.CRMWebhookURL) != "" {
		return nil
	}
	if err := c.Require("CRM_WEBHOOK_URL or CRM_BASE_URL", c.CRMBaseURL); err != nil {
		return err
	}
	return errors.Join(
		c.Require("CRM_CLIENT_ID", c.CRMClientID),
		c.Require("CRM_CLIENT_SECRET", c.CRMClientSecret),
		c.Require("CRM_REFRESH_TOKEN", c.CRMRefreshToken),
	)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(getEnv(key, ""))
	if value == "" {
		return fallback
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	// Bare integers are seconds.
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value := strings.ToLower(strings.TrimSpace(getEnv(key, "")))
	if value == "" {
		return fallback
	}
	if value == "1" || value == "true" || value == "yes" || value == "on" {
		return true
	}
	if value == "0" || value == "false" || value == "no" || value == "off" {
		return false
	}
	return fallback
}
