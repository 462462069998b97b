package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Link.HostURL != "ws://127.0.0.1:9388/sync" {
		t.Errorf("host url = %s", cfg.Link.HostURL)
	}
	if cfg.Link.ChunkSize != 32*1024 {
		t.Errorf("chunk size = %d, want 32768", cfg.Link.ChunkSize)
	}
	if cfg.Sync.ReadinessTimeout != 5*time.Second ||
		cfg.Sync.RequestTimeout != 10*time.Second ||
		cfg.Sync.ConfirmTimeout != 15*time.Second {
		t.Errorf("stage timeouts = %+v", cfg.Sync)
	}
	if cfg.Sync.MaxRetries != 3 {
		t.Errorf("max retries = %d, want 3", cfg.Sync.MaxRetries)
	}
	wantBackoff := []time.Duration{2 * time.Second, 5 * time.Second, 10 * time.Second}
	if len(cfg.Sync.Backoff) != len(wantBackoff) {
		t.Fatalf("backoff = %v, want %v", cfg.Sync.Backoff, wantBackoff)
	}
	for i, want := range wantBackoff {
		if cfg.Sync.Backoff[i] != want {
			t.Errorf("backoff[%d] = %s, want %s", i, cfg.Sync.Backoff[i], want)
		}
	}
	if cfg.Activation.MaxAttempts != 3 || cfg.Activation.AttemptTimeout != 5*time.Second {
		t.Errorf("activation config = %+v", cfg.Activation)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("POCKETSYNC_READINESS_TIMEOUT_MS", "750")
	t.Setenv("POCKETSYNC_MAX_RETRIES", "5")
	t.Setenv("POCKETSYNC_BACKOFF_MS", "100,200,300")
	t.Setenv("POCKETSYNC_HOST_URL", "ws://10.0.0.2:9000/sync")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sync.ReadinessTimeout != 750*time.Millisecond {
		t.Errorf("readiness timeout = %s", cfg.Sync.ReadinessTimeout)
	}
	if cfg.Sync.MaxRetries != 5 {
		t.Errorf("max retries = %d", cfg.Sync.MaxRetries)
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond}
	for i, w := range want {
		if cfg.Sync.Backoff[i] != w {
			t.Errorf("backoff[%d] = %s, want %s", i, cfg.Sync.Backoff[i], w)
		}
	}
	if cfg.Link.HostURL != "ws://10.0.0.2:9000/sync" {
		t.Errorf("host url = %s", cfg.Link.HostURL)
	}
}

func TestBackoffScheduleRejectsBadInput(t *testing.T) {
	fallback := []time.Duration{time.Second}

	cases := map[string]string{
		"decreasing":  "5000,2000",
		"zero":        "0,1000",
		"negative":    "-100",
		"not numbers": "fast,slow",
	}
	for name, value := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("POCKETSYNC_BACKOFF_MS", value)
			got := backoffSchedule("POCKETSYNC_BACKOFF_MS", fallback)
			if len(got) != 1 || got[0] != time.Second {
				t.Errorf("backoffSchedule(%q) = %v, want fallback", value, got)
			}
		})
	}
}

func TestChunkSizeFloor(t *testing.T) {
	t.Setenv("POCKETSYNC_CHUNK_SIZE", "16")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Link.ChunkSize != 32*1024 {
		t.Errorf("chunk size = %d, want the default for undersized values", cfg.Link.ChunkSize)
	}
}
