package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Chapsvision-dev/sdseed-recovery/internal/retry"
)

type Config struct {
	// StateDir holds the durable device storage (badger).
	StateDir string
	// Medium selects the removable storage implementation ("dir", "azure", "mem").
	Medium string

	Card  CardConfig
	Azure AzureConfig

	// Card availability loop. MaxAttempts 0 in the env means unbounded.
	RetryMaxAttempts  int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
	RetryMultiplier   float64
	RetryEnableJitter bool
}

type CardConfig struct {
	Path        string // slot directory for the dir medium
	BackupRoot  string // backup root on the card, e.g. /trezor
	VolumeLabel string // label applied after format
}

type AzureConfig struct {
	Account   string
	Container string
	SASToken  string

	ClientID     string
	ClientSecret string
	TenantID     string
}

// Load reads config from environment variables, applies defaults and validates.
func Load() (Config, error) {
	get := func(key, def string) string {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
		return def
	}

	parseInt := func(key string, def int) int {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				return n
			}
		}
		return def
	}

	parseDur := func(key string, def time.Duration) time.Duration {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				return d
			}
		}
		return def
	}

	parseFloat := func(key string, def float64) float64 {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 1 {
				return f
			}
		}
		return def
	}

	parseBool := func(key string, def bool) bool {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "y", "on":
				return true
			case "0", "false", "no", "n", "off":
				return false
			}
		}
		return def
	}

	cfg := Config{
		StateDir: get("SDRECOVERY_STATE_DIR", "./state"),
		Medium:   strings.ToLower(get("SD_MEDIUM", "dir")),

		Card: CardConfig{
			Path:        get("SD_CARD_PATH", "./sdcard"),
			BackupRoot:  get("SD_BACKUP_ROOT", "/trezor"),
			VolumeLabel: get("SD_VOLUME_LABEL", "TREZOR"),
		},

		Azure: AzureConfig{
			Account:      get("AZURE_STORAGE_ACCOUNT", ""),
			Container:    get("AZURE_STORAGE_CONTAINER", ""),
			SASToken:     get("AZURE_STORAGE_SAS", ""),
			ClientID:     get("AZURE_CLIENT_ID", ""),
			ClientSecret: get("AZURE_CLIENT_SECRET", ""),
			TenantID:     get("AZURE_TENANT_ID", ""),
		},

		RetryMaxAttempts:  parseInt("CARD_RETRY_MAX_ATTEMPTS", 0),
		RetryInitialDelay: parseDur("CARD_RETRY_INITIAL_DELAY", retry.Default.InitialDelay),
		RetryMaxDelay:     parseDur("CARD_RETRY_MAX_DELAY", retry.Default.MaxDelay),
		RetryMultiplier:   parseFloat("CARD_RETRY_MULTIPLIER", retry.Default.Multiplier),
		RetryEnableJitter: parseBool("CARD_RETRY_JITTER", retry.Default.Jitter),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// validate checks medium-specific requirements.
func (c *Config) validate() error {
	if !strings.HasPrefix(c.Card.BackupRoot, "/") || strings.Contains(c.Card.BackupRoot, "..") {
		return errors.New("SD_BACKUP_ROOT must be an absolute path without '..'")
	}
	switch c.Medium {
	case "dir":
		// SD_CARD_PATH always has a default.
	case "mem":
	case "azure":
		if c.Azure.Account == "" || c.Azure.Container == "" {
			return errors.New("azure: AZURE_STORAGE_ACCOUNT and AZURE_STORAGE_CONTAINER are required")
		}
	default:
		return errors.New("unsupported medium: " + c.Medium)
	}
	return nil
}

// RetryOptions converts the card loop settings to retry.Options.
func (c Config) RetryOptions() retry.Options {
	attempts := c.RetryMaxAttempts
	if attempts == 0 {
		attempts = retry.Unbounded
	}
	return retry.Options{
		MaxAttempts:  attempts,
		InitialDelay: c.RetryInitialDelay,
		MaxDelay:     c.RetryMaxDelay,
		Multiplier:   c.RetryMultiplier,
		Jitter:       c.RetryEnableJitter,
	}
}
