package config

import (
	"testing"
	"time"
)

// clearEnv resets every variable Load reads so tests do not depend on the
// caller's environment.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"DEFINITIONS_SOURCE", "DATABASE_URL", "DEFINITIONS_FILE", "REDIS_URL", "REDIS_KEY", "REDIS_CHANNEL",
		"HTTP_ADDR", "GRPC_ADDR", "LOG_LEVEL", "API_KEYS", "AUTH_RATE_LIMIT", "OPS_HOSTNAME", "TS_AUTH_KEY",
		"TS_STATE_DIR", "MAX_JSON_BODY_SIZE", "SNAPSHOT_RESYNC_INTERVAL", "MIGRATE_ON_START",
	} {
		t.Setenv(key, "")
	}
}

func TestLoad_RequiresASource(t *testing.T) {
	clearEnv(t)
	if _, err := Load(); err == nil {
		t.Fatal("Load() should fail when no definitions source is configured")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DefinitionsSource != SourcePostgres {
		t.Errorf("DefinitionsSource = %q, want postgres", cfg.DefinitionsSource)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
	}
	if cfg.GRPCAddr != ":9090" {
		t.Errorf("GRPCAddr = %q, want :9090", cfg.GRPCAddr)
	}
	if cfg.TSStateDir != "tsnet-state" {
		t.Errorf("TSStateDir = %q, want tsnet-state", cfg.TSStateDir)
	}
	if cfg.AuthRateLimit != 10 {
		t.Errorf("AuthRateLimit = %d, want 10", cfg.AuthRateLimit)
	}
	if cfg.MaxJSONBodySize != 1<<20 {
		t.Errorf("MaxJSONBodySize = %d, want %d", cfg.MaxJSONBodySize, 1<<20)
	}
	if cfg.SnapshotResyncInterval != time.Minute {
		t.Errorf("SnapshotResyncInterval = %v, want 1m", cfg.SnapshotResyncInterval)
	}
	if cfg.RedisKey != "bucketz:definitions" || cfg.RedisChannel != "bucketz:definitions:updated" {
		t.Errorf("Redis key/channel = %q/%q, want defaults", cfg.RedisKey, cfg.RedisChannel)
	}
	if cfg.MigrateOnStart {
		t.Error("MigrateOnStart = true, want false")
	}
}

func TestLoad_SourceInference(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		want    string
		wantErr bool
	}{
		{name: "file", env: map[string]string{"DEFINITIONS_FILE": "defs.yaml", "API_KEYS": "ci:hash"}, want: SourceFile},
		{name: "redis", env: map[string]string{"REDIS_URL": "redis://localhost:6379/0", "API_KEYS": "ci:hash"}, want: SourceRedis},
		{name: "postgres wins", env: map[string]string{"DATABASE_URL": "postgres://x", "DEFINITIONS_FILE": "defs.yaml"}, want: SourcePostgres},
		{name: "explicit file", env: map[string]string{"DEFINITIONS_SOURCE": "FILE", "DATABASE_URL": "postgres://x", "DEFINITIONS_FILE": "defs.json", "API_KEYS": "ci:hash"}, want: SourceFile},
		{name: "explicit redis without url", env: map[string]string{"DEFINITIONS_SOURCE": "redis", "API_KEYS": "ci:hash"}, wantErr: true},
		{name: "unknown source", env: map[string]string{"DEFINITIONS_SOURCE": "s3", "API_KEYS": "ci:hash"}, wantErr: true},
		{name: "file without api keys", env: map[string]string{"DEFINITIONS_FILE": "defs.yaml"}, wantErr: true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			clearEnv(t)
			for key, value := range test.env {
				t.Setenv(key, value)
			}

			cfg, err := Load()
			if test.wantErr {
				if err == nil {
					t.Fatalf("Load() error = nil, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if cfg.DefinitionsSource != test.want {
				t.Fatalf("DefinitionsSource = %q, want %q", cfg.DefinitionsSource, test.want)
			}
		})
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{key: "AUTH_RATE_LIMIT", value: "0"},
		{key: "AUTH_RATE_LIMIT", value: "many"},
		{key: "MAX_JSON_BODY_SIZE", value: "-1"},
		{key: "SNAPSHOT_RESYNC_INTERVAL", value: "not-a-duration"},
		{key: "SNAPSHOT_RESYNC_INTERVAL", value: "0s"},
		{key: "MIGRATE_ON_START", value: "sometimes"},
	}

	for _, test := range tests {
		t.Run(test.key+"="+test.value, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("DATABASE_URL", "postgres://localhost/test")
			t.Setenv(test.key, test.value)

			if _, err := Load(); err == nil {
				t.Fatalf("Load() should fail for %s=%q", test.key, test.value)
			}
		})
	}
}

func TestLoad_MigrateOnStartRequiresPostgres(t *testing.T) {
	clearEnv(t)
	t.Setenv("DEFINITIONS_FILE", "defs.yaml")
	t.Setenv("API_KEYS", "ci:hash")
	t.Setenv("MIGRATE_ON_START", "true")

	if _, err := Load(); err == nil {
		t.Fatal("Load() should fail when MIGRATE_ON_START is set without postgres")
	}

	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("MIGRATE_ON_START", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.MigrateOnStart {
		t.Fatal("MigrateOnStart = false, want true")
	}
}

func TestLoad_OpsHostnameRequiresAuthKey(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("OPS_HOSTNAME", "bucketz-ops")

	if _, err := Load(); err == nil {
		t.Fatal("Load() should fail when OPS_HOSTNAME is set without TS_AUTH_KEY")
	}

	t.Setenv("TS_AUTH_KEY", "tskey-auth-123")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.OpsHostname != "bucketz-ops" {
		t.Fatalf("OpsHostname = %q, want bucketz-ops", cfg.OpsHostname)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("REDIS_URL", "redis://cache:6379/1")
	t.Setenv("REDIS_KEY", "defs")
	t.Setenv("REDIS_CHANNEL", "defs:changed")
	t.Setenv("API_KEYS", "ci:hash")
	t.Setenv("AUTH_RATE_LIMIT", "25")
	t.Setenv("MAX_JSON_BODY_SIZE", "4096")
	t.Setenv("SNAPSHOT_RESYNC_INTERVAL", "30s")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.RedisKey != "defs" || cfg.RedisChannel != "defs:changed" {
		t.Errorf("Redis key/channel = %q/%q, want defs/defs:changed", cfg.RedisKey, cfg.RedisChannel)
	}
	if cfg.AuthRateLimit != 25 || cfg.MaxJSONBodySize != 4096 || cfg.SnapshotResyncInterval != 30*time.Second {
		t.Errorf("cfg = %+v, want custom limits", cfg)
	}
	if cfg.LogLevel != "debug" || cfg.APIKeys != "ci:hash" {
		t.Errorf("LogLevel/APIKeys = %q/%q, want debug/ci:hash", cfg.LogLevel, cfg.APIKeys)
	}
}
