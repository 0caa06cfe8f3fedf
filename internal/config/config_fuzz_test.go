package config

import (
	"strings"
	"testing"
	"time"
)

func FuzzEnvOrDefault(f *testing.F) {
	f.Add("", ":8080")
	f.Add("  :9090  ", ":8080")

	f.Fuzz(func(t *testing.T, value, fallback string) {
		if strings.ContainsRune(value, '\x00') {
			t.Skip()
		}

		const key = "BUCKETZ_TEST_ENV_OR_DEFAULT"
		t.Setenv(key, value)

		got := envOrDefault(key, fallback)
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			if got != fallback {
				t.Fatalf("envOrDefault() = %q, want fallback %q", got, fallback)
			}
			return
		}

		if got != trimmed {
			t.Fatalf("envOrDefault() = %q, want trimmed value %q", got, trimmed)
		}
	})
}

func FuzzLoadSnapshotResyncInterval(f *testing.F) {
	f.Add("")
	f.Add("1s")
	f.Add("0s")
	f.Add("-1s")
	f.Add("not-a-duration")

	f.Fuzz(func(t *testing.T, resyncInterval string) {
		if strings.ContainsRune(resyncInterval, '\x00') {
			t.Skip()
		}

		clearEnv(t)
		t.Setenv("DATABASE_URL", "postgres://localhost/test")
		t.Setenv("SNAPSHOT_RESYNC_INTERVAL", resyncInterval)

		cfg, err := Load()
		trimmed := strings.TrimSpace(resyncInterval)
		if trimmed == "" {
			if err != nil {
				t.Fatalf("Load() error = %v, want nil for empty SNAPSHOT_RESYNC_INTERVAL", err)
			}
			if cfg.SnapshotResyncInterval != defaultSnapshotResyncInterval {
				t.Fatalf("SnapshotResyncInterval = %s, want %s", cfg.SnapshotResyncInterval, defaultSnapshotResyncInterval)
			}
			return
		}

		parsed, parseErr := time.ParseDuration(trimmed)
		if parseErr != nil || parsed <= 0 {
			if err == nil {
				t.Fatalf("Load() error = nil, want non-nil for SNAPSHOT_RESYNC_INTERVAL=%q", resyncInterval)
			}
			return
		}

		if err != nil {
			t.Fatalf("Load() error = %v, want nil for SNAPSHOT_RESYNC_INTERVAL=%q", err, resyncInterval)
		}
		if cfg.SnapshotResyncInterval != parsed {
			t.Fatalf("SnapshotResyncInterval = %s, want %s", cfg.SnapshotResyncInterval, parsed)
		}
	})
}
