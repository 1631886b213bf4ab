package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

type AppConfig struct {
	ListenAddr string
	APIAddr    string

	StoreDriver string
	RedisURL    string
	RedisKeyTTL time.Duration
	SQLitePath  string
	DatabaseURL string

	SnapshotInterval    time.Duration
	CleanupInterval     time.Duration
	InactivityWindow    time.Duration
	MaxSnapshotFailures int

	StockfishPath      string
	EnginePoolCapacity int
	OpeningBookPath    string
	BookMaxPly         int

	OutboxSize   int
	WriteTimeout time.Duration

	DefaultGameID  string
	MessagesDir    string
	OriginPatterns []string
}

// fileConfig is the YAML overlay. Empty fields leave the env value alone.
type fileConfig struct {
	ListenAddr          string   `yaml:"listen_addr"`
	APIAddr             string   `yaml:"api_addr"`
	StoreDriver         string   `yaml:"store_driver"`
	RedisURL            string   `yaml:"redis_url"`
	RedisKeyTTL         string   `yaml:"redis_key_ttl"`
	SQLitePath          string   `yaml:"sqlite_path"`
	DatabaseURL         string   `yaml:"database_url"`
	SnapshotInterval    string   `yaml:"snapshot_interval"`
	CleanupInterval     string   `yaml:"cleanup_interval"`
	InactivityWindow    string   `yaml:"inactivity_window"`
	MaxSnapshotFailures int      `yaml:"max_snapshot_failures"`
	StockfishPath       string   `yaml:"stockfish_path"`
	EnginePoolCapacity  int      `yaml:"engine_pool_capacity"`
	OpeningBookPath     string   `yaml:"opening_book_path"`
	BookMaxPly          int      `yaml:"book_max_ply"`
	OutboxSize          int      `yaml:"outbox_size"`
	WriteTimeout        string   `yaml:"write_timeout"`
	DefaultGameID       string   `yaml:"default_game_id"`
	MessagesDir         string   `yaml:"messages_dir"`
	OriginPatterns      []string `yaml:"origin_patterns"`
}

func defaults() *AppConfig {
	return &AppConfig{
		ListenAddr:          ":8080",
		APIAddr:             ":8081",
		StoreDriver:         "memory",
		SQLitePath:          "data/snapshots.db",
		SnapshotInterval:    30 * time.Second,
		CleanupInterval:     time.Hour,
		InactivityWindow:    24 * time.Hour,
		MaxSnapshotFailures: 5,
		OutboxSize:          64,
		WriteTimeout:        5 * time.Second,
		DefaultGameID:       "default",
	}
}

func Load() (*AppConfig, error) {
	cfg := defaults()

	if v := env("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := env("API_ADDR"); v != "" {
		cfg.APIAddr = v
	}

	cfg.RedisURL = env("REDIS_URL")
	cfg.DatabaseURL = env("DATABASE_URL")
	if cfg.RedisURL != "" {
		cfg.StoreDriver = "redis"
	}
	if v := env("STORE_DRIVER"); v != "" {
		cfg.StoreDriver = strings.ToLower(v)
	}
	if v := env("SQLITE_PATH"); v != "" {
		cfg.SQLitePath = v
	}

	var errs []error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"REDIS_KEY_TTL", &cfg.RedisKeyTTL},
		{"SNAPSHOT_INTERVAL", &cfg.SnapshotInterval},
		{"CLEANUP_INTERVAL", &cfg.CleanupInterval},
		{"INACTIVITY_WINDOW", &cfg.InactivityWindow},
		{"WRITE_TIMEOUT", &cfg.WriteTimeout},
	}
	for _, d := range durations {
		if v := env(d.key); v != "" {
			n, err := ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", d.key, err))
				continue
			}
			*d.dst = n
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"MAX_SNAPSHOT_FAILURES", &cfg.MaxSnapshotFailures},
		{"ENGINE_POOL_CAPACITY", &cfg.EnginePoolCapacity},
		{"BOOK_MAX_PLY", &cfg.BookMaxPly},
		{"OUTBOX_SIZE", &cfg.OutboxSize},
	}
	for _, i := range ints {
		if v := env(i.key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", i.key, err))
				continue
			}
			*i.dst = n
		}
	}

	cfg.StockfishPath = env("STOCKFISH_PATH")
	cfg.OpeningBookPath = env("OPENING_BOOK_PATH")
	if v := env("DEFAULT_GAME_ID"); v != "" {
		cfg.DefaultGameID = v
	}
	cfg.MessagesDir = env("MESSAGES_DIR")
	cfg.OriginPatterns = splitList(env("WS_ORIGIN_PATTERNS"))

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	if path := env("CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var f fileConfig
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	setString(&c.ListenAddr, f.ListenAddr)
	setString(&c.APIAddr, f.APIAddr)
	setString(&c.RedisURL, f.RedisURL)
	setString(&c.StoreDriver, strings.ToLower(f.StoreDriver))
	setString(&c.SQLitePath, f.SQLitePath)
	setString(&c.DatabaseURL, f.DatabaseURL)
	setString(&c.StockfishPath, f.StockfishPath)
	setString(&c.OpeningBookPath, f.OpeningBookPath)
	setString(&c.DefaultGameID, f.DefaultGameID)
	setString(&c.MessagesDir, f.MessagesDir)
	setInt(&c.MaxSnapshotFailures, f.MaxSnapshotFailures)
	setInt(&c.EnginePoolCapacity, f.EnginePoolCapacity)
	setInt(&c.BookMaxPly, f.BookMaxPly)
	setInt(&c.OutboxSize, f.OutboxSize)
	if len(f.OriginPatterns) > 0 {
		c.OriginPatterns = append([]string(nil), f.OriginPatterns...)
	}

	var errs []error
	for _, d := range []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"redis_key_ttl", f.RedisKeyTTL, &c.RedisKeyTTL},
		{"snapshot_interval", f.SnapshotInterval, &c.SnapshotInterval},
		{"cleanup_interval", f.CleanupInterval, &c.CleanupInterval},
		{"inactivity_window", f.InactivityWindow, &c.InactivityWindow},
		{"write_timeout", f.WriteTimeout, &c.WriteTimeout},
	} {
		if strings.TrimSpace(d.raw) == "" {
			continue
		}
		n, err := ParseDuration(d.raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.key, err))
			continue
		}
		*d.dst = n
	}
	return errors.Join(errs...)
}

// Validate rejects values the server cannot start with.
func (c *AppConfig) Validate() error {
	var errs []error
	switch c.StoreDriver {
	case "memory":
	case "redis":
		if c.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL is required for the redis store"))
		}
	case "sqlite":
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required for the sqlite store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver))
	}
	if c.SnapshotInterval <= 0 || c.CleanupInterval <= 0 || c.InactivityWindow <= 0 {
		errs = append(errs, errors.New("snapshot, cleanup and inactivity durations must be positive"))
	}
	if c.MaxSnapshotFailures <= 0 {
		errs = append(errs, errors.New("MAX_SNAPSHOT_FAILURES must be > 0"))
	}
	if c.OutboxSize <= 0 {
		errs = append(errs, errors.New("OUTBOX_SIZE must be > 0"))
	}
	if c.WriteTimeout <= 0 {
		errs = append(errs, errors.New("WRITE_TIMEOUT must be > 0"))
	}
	if c.BookMaxPly < 0 {
		errs = append(errs, errors.New("BOOK_MAX_PLY must not be negative"))
	}
	if c.RedisKeyTTL < 0 {
		errs = append(errs, errors.New("REDIS_KEY_TTL must not be negative"))
	}
	if strings.TrimSpace(c.DefaultGameID) == "" {
		errs = append(errs, errors.New("DEFAULT_GAME_ID must not be empty"))
	}
	return errors.Join(errs...)
}

// ParseDuration accepts Go duration syntax or a bare integer of seconds.
func ParseDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(v)
}

func env(key string) string { return strings.TrimSpace(os.Getenv(key)) }

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}
