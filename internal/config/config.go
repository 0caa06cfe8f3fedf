// Package config loads server configuration from environment variables.
//
// Definitions source:
//   - DEFINITIONS_SOURCE: "postgres", "file" or "redis". When empty it is
//     inferred from whichever of DATABASE_URL, DEFINITIONS_FILE and REDIS_URL
//     is set, in that order.
//   - DATABASE_URL: PostgreSQL connection string (postgres source).
//   - DEFINITIONS_FILE: JSON or YAML bundle path (file source).
//   - REDIS_URL: Redis URL (redis source). REDIS_KEY and REDIS_CHANNEL name
//     the bundle key and the change channel.
//
// Optional variables:
//   - HTTP_ADDR, GRPC_ADDR: listen addresses (default ":8080", ":9090").
//   - LOG_LEVEL: debug, info, warn or error (default "info").
//   - API_KEYS: comma separated id:hash pairs accepted alongside stored keys.
//     Required unless the postgres source provides stored keys.
//   - AUTH_RATE_LIMIT: failed auth attempts per IP per minute (default 10).
//   - MAX_JSON_BODY_SIZE: max HTTP JSON request body size in bytes
//     (default "1048576", must be > 0 if set).
//   - SNAPSHOT_RESYNC_INTERVAL: safety-net reload interval
//     (default "1m", must be > 0 if set).
//   - MIGRATE_ON_START: apply embedded migrations at startup (postgres only).
//   - OPS_HOSTNAME, TS_AUTH_KEY, TS_STATE_DIR: tailnet-only ops listener.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	SourcePostgres = "postgres"
	SourceFile     = "file"
	SourceRedis    = "redis"
)

const (
	defaultHTTPAddr                     = ":8080"
	defaultGRPCAddr                     = ":9090"
	defaultTSStateDir                   = "tsnet-state"
	defaultAuthRateLimit                = 10
	defaultMaxJSONBodySize        int64 = 1 << 20 // 1MB
	defaultSnapshotResyncInterval       = time.Minute
	defaultRedisKey                     = "bucketz:definitions"
	defaultRedisChannel                 = "bucketz:definitions:updated"
)

// Config holds the runtime configuration for the bucketz server.
type Config struct {
	DefinitionsSource      string
	DatabaseURL            string
	DefinitionsFile        string
	RedisURL               string
	RedisKey               string
	RedisChannel           string
	HTTPAddr               string
	GRPCAddr               string
	LogLevel               string
	APIKeys                string
	AuthRateLimit          int
	OpsHostname            string
	TSAuthKey              string
	TSStateDir             string
	MaxJSONBodySize        int64
	SnapshotResyncInterval time.Duration
	MigrateOnStart         bool
}

// Load reads configuration from environment variables, applying defaults where
// appropriate. It returns an error if required variables are missing or if
// optional values fail validation.
func Load() (Config, error) {
	cfg := Config{
		DatabaseURL:     strings.TrimSpace(os.Getenv("DATABASE_URL")),
		DefinitionsFile: strings.TrimSpace(os.Getenv("DEFINITIONS_FILE")),
		RedisURL:        strings.TrimSpace(os.Getenv("REDIS_URL")),
		RedisKey:        envOrDefault("REDIS_KEY", defaultRedisKey),
		RedisChannel:    envOrDefault("REDIS_CHANNEL", defaultRedisChannel),
		HTTPAddr:        envOrDefault("HTTP_ADDR", defaultHTTPAddr),
		GRPCAddr:        envOrDefault("GRPC_ADDR", defaultGRPCAddr),
		LogLevel:        envOrDefault("LOG_LEVEL", "info"),
		APIKeys:         strings.TrimSpace(os.Getenv("API_KEYS")),
		OpsHostname:     strings.TrimSpace(os.Getenv("OPS_HOSTNAME")),
		TSAuthKey:       os.Getenv("TS_AUTH_KEY"),
		TSStateDir:      envOrDefault("TS_STATE_DIR", defaultTSStateDir),
	}

	source, err := definitionsSource(cfg)
	if err != nil {
		return Config{}, err
	}
	cfg.DefinitionsSource = source

	cfg.AuthRateLimit = defaultAuthRateLimit
	if value := strings.TrimSpace(os.Getenv("AUTH_RATE_LIMIT")); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse AUTH_RATE_LIMIT: %w", err)
		}
		if parsed <= 0 {
			return Config{}, errors.New("AUTH_RATE_LIMIT must be > 0")
		}
		cfg.AuthRateLimit = parsed
	}

	if cfg.DefinitionsSource != SourcePostgres && cfg.APIKeys == "" {
		return Config{}, fmt.Errorf("API_KEYS is required with the %s definitions source", cfg.DefinitionsSource)
	}

	if cfg.OpsHostname != "" && strings.TrimSpace(cfg.TSAuthKey) == "" {
		return Config{}, errors.New("TS_AUTH_KEY is required when OPS_HOSTNAME is set")
	}

	cfg.MaxJSONBodySize = defaultMaxJSONBodySize
	if v := strings.TrimSpace(os.Getenv("MAX_JSON_BODY_SIZE")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			return Config{}, errors.New("MAX_JSON_BODY_SIZE must be a positive integer (bytes)")
		}
		cfg.MaxJSONBodySize = n
	}

	cfg.SnapshotResyncInterval = defaultSnapshotResyncInterval
	if v := strings.TrimSpace(os.Getenv("SNAPSHOT_RESYNC_INTERVAL")); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse SNAPSHOT_RESYNC_INTERVAL: %w", err)
		}
		if parsed <= 0 {
			return Config{}, errors.New("SNAPSHOT_RESYNC_INTERVAL must be > 0")
		}
		cfg.SnapshotResyncInterval = parsed
	}

	if v := strings.TrimSpace(os.Getenv("MIGRATE_ON_START")); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse MIGRATE_ON_START: %w", err)
		}
		if parsed && cfg.DefinitionsSource != SourcePostgres {
			return Config{}, errors.New("MIGRATE_ON_START requires the postgres definitions source")
		}
		cfg.MigrateOnStart = parsed
	}

	return cfg, nil
}

func definitionsSource(cfg Config) (string, error) {
	source := strings.ToLower(strings.TrimSpace(os.Getenv("DEFINITIONS_SOURCE")))
	if source == "" {
		switch {
		case cfg.DatabaseURL != "":
			source = SourcePostgres
		case cfg.DefinitionsFile != "":
			source = SourceFile
		case cfg.RedisURL != "":
			source = SourceRedis
		default:
			return "", errors.New("one of DATABASE_URL, DEFINITIONS_FILE or REDIS_URL is required")
		}
	}

	switch source {
	case SourcePostgres:
		if cfg.DatabaseURL == "" {
			return "", errors.New("DATABASE_URL is required for the postgres definitions source")
		}
	case SourceFile:
		if cfg.DefinitionsFile == "" {
			return "", errors.New("DEFINITIONS_FILE is required for the file definitions source")
		}
	case SourceRedis:
		if cfg.RedisURL == "" {
			return "", errors.New("REDIS_URL is required for the redis definitions source")
		}
	default:
		return "", fmt.Errorf("DEFINITIONS_SOURCE %q must be postgres, file or redis", source)
	}

	return source, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
