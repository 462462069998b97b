package config

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config stores runtime configuration for the wearable agent and the
// development host responder.
type Config struct {
	Store      StoreConfig
	Link       LinkConfig
	Sync       SyncConfig
	Activation ActivationConfig
	Host       HostConfig
}

type StoreConfig struct {
	DBPath        string
	RecordingsDir string
}

type LinkConfig struct {
	HostURL   string
	ChunkSize int
}

type SyncConfig struct {
	ReadinessTimeout time.Duration
	RequestTimeout   time.Duration
	ConfirmTimeout   time.Duration
	MaxRetries       int
	Backoff          []time.Duration
	LocationMaxAge   time.Duration
}

type ActivationConfig struct {
	AttemptTimeout time.Duration
	RetryDelay     time.Duration
	MaxAttempts    int
}

type HostConfig struct {
	ListenAddr  string
	SpoolDir    string
	SpoolBudget int64
}

// Load resolves configuration from environment variables and sensible
// defaults.
func Load() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, errors.New("could not determine home directory")
	}
	dataDir := envOrDefault("POCKETSYNC_DATA_DIR", filepath.Join(home, ".local", "share", "pocketsync"))

	cfg := Config{
		Store: StoreConfig{
			DBPath:        envOrDefault("POCKETSYNC_DB", filepath.Join(dataDir, "recordings.db")),
			RecordingsDir: envOrDefault("POCKETSYNC_RECORDINGS_DIR", filepath.Join(dataDir, "recordings")),
		},
		Link: LinkConfig{
			HostURL:   envOrDefault("POCKETSYNC_HOST_URL", "ws://127.0.0.1:9388/sync"),
			ChunkSize: envOrDefaultInt("POCKETSYNC_CHUNK_SIZE", 32*1024),
		},
		Sync: SyncConfig{
			ReadinessTimeout: millis("POCKETSYNC_READINESS_TIMEOUT_MS", 5000),
			RequestTimeout:   millis("POCKETSYNC_REQUEST_TIMEOUT_MS", 10000),
			ConfirmTimeout:   millis("POCKETSYNC_CONFIRM_TIMEOUT_MS", 15000),
			MaxRetries:       envOrDefaultInt("POCKETSYNC_MAX_RETRIES", 3),
			Backoff:          backoffSchedule("POCKETSYNC_BACKOFF_MS", []time.Duration{2 * time.Second, 5 * time.Second, 10 * time.Second}),
			LocationMaxAge:   millis("POCKETSYNC_LOCATION_MAX_AGE_MS", 5*60*1000),
		},
		Activation: ActivationConfig{
			AttemptTimeout: millis("POCKETSYNC_ACTIVATION_TIMEOUT_MS", 5000),
			RetryDelay:     millis("POCKETSYNC_ACTIVATION_RETRY_DELAY_MS", 1000),
			MaxAttempts:    envOrDefaultInt("POCKETSYNC_ACTIVATION_MAX_ATTEMPTS", 3),
		},
		Host: HostConfig{
			ListenAddr:  envOrDefault("POCKETSYNC_HOST_LISTEN", "127.0.0.1:9388"),
			SpoolDir:    envOrDefault("POCKETSYNC_SPOOL_DIR", filepath.Join(dataDir, "spool")),
			SpoolBudget: envOrDefaultInt64("POCKETSYNC_SPOOL_BUDGET_BYTES", 10<<30),
		},
	}

	if cfg.Link.ChunkSize < 1024 {
		cfg.Link.ChunkSize = 32 * 1024
	}
	if cfg.Sync.MaxRetries <= 0 {
		cfg.Sync.MaxRetries = 3
	}
	if cfg.Activation.MaxAttempts <= 0 {
		cfg.Activation.MaxAttempts = 3
	}

	return cfg, nil
}

func millis(key string, fallback int) time.Duration {
	return time.Duration(envOrDefaultInt(key, fallback)) * time.Millisecond
}

// backoffSchedule parses a comma-separated list of millisecond delays,
// e.g. "2000,5000,10000". Non-increasing schedules are rejected in
// favor of the fallback so retry delays never shrink.
func backoffSchedule(key string, fallback []time.Duration) []time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parts := strings.Split(value, ",")
	out := make([]time.Duration, 0, len(parts))
	var prev time.Duration
	for _, part := range parts {
		ms, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || ms <= 0 {
			return fallback
		}
		d := time.Duration(ms) * time.Millisecond
		if d < prev {
			return fallback
		}
		prev = d
		out = append(out, d)
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func envOrDefault(key string, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func envOrDefaultInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envOrDefaultInt64(key string, fallback int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}
