package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	Cache    CacheConfig
	Realtime RealtimeConfig
	Log      LogConfig
	Auth     AuthConfig
}

type ServerConfig struct {
	Port     int
	MaxConns int
}

type StorageConfig struct {
	Driver      string // "sqlite" or "postgres"
	DataDir     string
	PostgresDSN string
}

type CacheConfig struct {
	TTL        time.Duration
	StaleAfter time.Duration
	BatchSize  int
}

type RealtimeConfig struct {
	RedisAddr string // empty disables the relay
	Channel   string
}

type LogConfig struct {
	Level string
}

type AuthConfig struct {
	JWTSecret string // empty disables per-user tokens
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:     4100,
			MaxConns: 256,
		},
		Storage: StorageConfig{
			Driver:  "sqlite",
			DataDir: defaultDataDir(),
		},
		Cache: CacheConfig{
			TTL:        5 * time.Minute,
			StaleAfter: 30 * time.Second,
			BatchSize:  5,
		},
		Realtime: RealtimeConfig{
			Channel: "profilesync:changes",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON config file, environment variables,
// and the secrets file.
//
// The config file lives at $XDG_CONFIG_HOME/profilesync/config.json.
// Secrets (storage.postgres_dsn, auth.jwt_secret) are never read from the
// config file: they come from PROFILESYNC_* environment variables or from
// $XDG_DATA_HOME/profilesync/secrets.json.
//
// Environment variables (PROFILESYNC_*) override file values.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()), secretsFile{})
}

// secretReader abstracts the secrets file for testing.
type secretReader interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, sr secretReader) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	applySecrets(&cfg, sr)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg Config) validate() error {
	switch cfg.Storage.Driver {
	case "sqlite":
	case "postgres":
		if cfg.Storage.PostgresDSN == "" {
			return fmt.Errorf("missing required config: postgres DSN. " +
				"Set it via environment variable PROFILESYNC_POSTGRES_DSN")
		}
	default:
		return fmt.Errorf("invalid storage.driver %q: want sqlite or postgres", cfg.Storage.Driver)
	}
	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log.level %q: want debug, info, warn or error", cfg.Log.Level)
	}
	if cfg.Cache.StaleAfter >= cfg.Cache.TTL {
		return fmt.Errorf("cache.stale_after (%s) must be shorter than cache.ttl (%s)", cfg.Cache.StaleAfter, cfg.Cache.TTL)
	}
	if cfg.Cache.BatchSize <= 0 {
		return fmt.Errorf("cache.batch_size must be positive, got %d", cfg.Cache.BatchSize)
	}
	return nil
}

// secretsFile reads from the on-disk secrets store.
type secretsFile struct{}

func (secretsFile) Get(service, account string) (string, error) {
	out, err := secretGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
