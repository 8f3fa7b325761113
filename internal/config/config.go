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

const (
	defaultHTTPAddr     = ":8080"
	defaultSyncInterval = 15 * time.Minute

	defaultMaxPages       = 100
	defaultMaxRecords     = 10000
	defaultThrottleWait   = 2 * time.Minute
	defaultWebhookReplay  = 24 * time.Hour
	defaultShutdownGrace  = 10 * time.Second
	defaultRequestTimeout = 120 * time.Second
)

// Config carries the process-level configuration shared by all commands.
type Config struct {
	DatabaseURL string
	HTTPAddr    string

	SyncInterval    time.Duration
	RequestTimeout  time.Duration
	ShutdownGrace   time.Duration
	ThrottleMaxWait time.Duration

	// Safety caps applied to every vendor pagination loop, independent of the
	// vendor's own "more data" signal.
	MaxPagesPerDirection   int
	MaxRecordsPerDirection int

	WebhookReplayWindow time.Duration
}

// LoadOptions controls which fields are mandatory for the calling command.
type LoadOptions struct {
	RequireDatabaseURL bool
}

// Load reads configuration for commands that need the persistence store.
func Load() (Config, error) {
	return LoadWithOptions(LoadOptions{RequireDatabaseURL: true})
}

// LoadOptionalDB reads configuration for commands that can run without a database.
func LoadOptionalDB() (Config, error) {
	return LoadWithOptions(LoadOptions{RequireDatabaseURL: false})
}

// LoadWithOptions reads .env (when present) and the process environment.
func LoadWithOptions(opts LoadOptions) (Config, error) {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return Config{}, err
		}
	}

	cfg := Config{
		DatabaseURL:            strings.TrimSpace(os.Getenv("DATABASE_URL")),
		HTTPAddr:               strings.TrimSpace(os.Getenv("HTTP_ADDR")),
		SyncInterval:           defaultSyncInterval,
		RequestTimeout:         defaultRequestTimeout,
		ShutdownGrace:          defaultShutdownGrace,
		ThrottleMaxWait:        defaultThrottleWait,
		MaxPagesPerDirection:   defaultMaxPages,
		MaxRecordsPerDirection: defaultMaxRecords,
		WebhookReplayWindow:    defaultWebhookReplay,
	}

	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = defaultHTTPAddr
	}
	if opts.RequireDatabaseURL && cfg.DatabaseURL == "" {
		return Config{}, errors.New("DATABASE_URL is required")
	}

	var err error
	if cfg.SyncInterval, err = durationEnv("SYNC_INTERVAL", cfg.SyncInterval); err != nil {
		return Config{}, err
	}
	if cfg.RequestTimeout, err = durationEnv("REQUEST_TIMEOUT", cfg.RequestTimeout); err != nil {
		return Config{}, err
	}
	if cfg.ThrottleMaxWait, err = durationEnv("THROTTLE_MAX_WAIT", cfg.ThrottleMaxWait); err != nil {
		return Config{}, err
	}
	if cfg.WebhookReplayWindow, err = durationEnv("WEBHOOK_REPLAY_WINDOW", cfg.WebhookReplayWindow); err != nil {
		return Config{}, err
	}
	if cfg.MaxPagesPerDirection, err = intEnv("SYNC_MAX_PAGES", cfg.MaxPagesPerDirection); err != nil {
		return Config{}, err
	}
	if cfg.MaxRecordsPerDirection, err = intEnv("SYNC_MAX_RECORDS", cfg.MaxRecordsPerDirection); err != nil {
		return Config{}, err
	}

	if cfg.MaxPagesPerDirection < 1 {
		return Config{}, errors.New("SYNC_MAX_PAGES must be at least 1")
	}
	if cfg.MaxRecordsPerDirection < 1 {
		return Config{}, errors.New("SYNC_MAX_RECORDS must be at least 1")
	}
	return cfg, nil
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s is not a valid duration: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return d, nil
}

func intEnv(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s is not a valid integer: %w", key, err)
	}
	return n, nil
}
