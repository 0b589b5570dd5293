package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rmax-ai/ciexplorer/pkg/client"
	"github.com/rmax-ai/ciexplorer/pkg/logging"
)

const (
	defaultAddr              = "127.0.0.1:8090"
	defaultBackendURL        = "http://127.0.0.1:4000"
	defaultSnapshotInterval  = time.Minute
	defaultSnapshotRetention = 7 * 24 * time.Hour
	defaultCacheTTL          = 30 * time.Second
	defaultFetchTimeout      = 10 * time.Second
	defaultRetries           = 2
)

type Config struct {
	ConfigPath        string
	BackendURL        string
	RelationsPath     string
	BackendToken      string
	APIToken          string
	Addr              string
	DBPath            string
	ArchiveDir        string
	RedisAddr         string
	CacheTTL          time.Duration
	SnapshotInterval  time.Duration
	SnapshotRetention time.Duration
	FetchTimeout      time.Duration
	Retries           int
	LogLevel          string
	LogDevelopment    bool
}

// fileConfig is the optional YAML file. Durations use Go syntax ("30s").
type fileConfig struct {
	Backend struct {
		URL           string `yaml:"url"`
		RelationsPath string `yaml:"relations_path"`
		Token         string `yaml:"token"`
		Timeout       string `yaml:"timeout"`
		Retries       *int   `yaml:"retries"`
	} `yaml:"backend"`
	API struct {
		Addr  string `yaml:"addr"`
		Token string `yaml:"token"`
	} `yaml:"api"`
	Store struct {
		DBPath            string `yaml:"db_path"`
		SnapshotInterval  string `yaml:"snapshot_interval"`
		SnapshotRetention string `yaml:"snapshot_retention"`
		ArchiveDir        string `yaml:"archive_dir"`
	} `yaml:"store"`
	Cache struct {
		RedisAddr string `yaml:"redis_addr"`
		TTL       string `yaml:"ttl"`
	} `yaml:"cache"`
	Log struct {
		Level       string `yaml:"level"`
		Development bool   `yaml:"development"`
	} `yaml:"log"`
}

// LoadConfig resolves settings from defaults, then the YAML file, then
// CIEXPLORER_* environment variables, then flags.
func LoadConfig(args []string) (Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return Config{}, fmt.Errorf("failed to get cwd: %w", err)
	}

	cfg := Config{
		BackendURL:        defaultBackendURL,
		RelationsPath:     client.DefaultRelationsPath,
		Addr:              defaultAddr,
		DBPath:            filepath.Join(cwd, "ciexplorer.db"),
		CacheTTL:          defaultCacheTTL,
		SnapshotInterval:  defaultSnapshotInterval,
		SnapshotRetention: defaultSnapshotRetention,
		FetchTimeout:      defaultFetchTimeout,
		Retries:           defaultRetries,
		LogLevel:          "info",
	}

	cfg.ConfigPath = configPathFromArgs(args)
	if cfg.ConfigPath == "" {
		cfg.ConfigPath = os.Getenv("CIEXPLORER_CONFIG")
	}
	if cfg.ConfigPath != "" {
		cfg.ConfigPath = resolvePath(cfg.ConfigPath, cwd)
		if err := applyFile(&cfg, cfg.ConfigPath); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	flagSet := flag.NewFlagSet("ciexplorer-d", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagSet.String("config", cfg.ConfigPath, "path to YAML config file")
	flagBackend := flagSet.String("backend", cfg.BackendURL, "CMDB REST base URL")
	flagPath := flagSet.String("relations-path", cfg.RelationsPath, "relationship query endpoint path")
	flagBackendToken := flagSet.String("backend-token", cfg.BackendToken, "bearer token sent to the CMDB")
	flagAPIToken := flagSet.String("api-token", cfg.APIToken, "bearer token required by the HTTP API (empty disables auth)")
	flagAddr := flagSet.String("addr", cfg.Addr, "HTTP listen address")
	flagDB := flagSet.String("db", cfg.DBPath, "path to SQLite database (empty disables persistence)")
	flagArchive := flagSet.String("archive-dir", cfg.ArchiveDir, "directory for expired snapshot archives (empty deletes them instead)")
	flagRedis := flagSet.String("redis-addr", cfg.RedisAddr, "redis address for the fragment cache (empty disables caching)")
	flagCacheTTL := flagSet.String("cache-ttl", cfg.CacheTTL.String(), "fragment cache TTL")
	flagSnapInterval := flagSet.String("snapshot-interval", cfg.SnapshotInterval.String(), "graph snapshot interval")
	flagSnapRetention := flagSet.String("snapshot-retention", cfg.SnapshotRetention.String(), "how long snapshots are kept")
	flagTimeout := flagSet.String("fetch-timeout", cfg.FetchTimeout.String(), "per-attempt CMDB request timeout")
	flagRetries := flagSet.Int("retries", cfg.Retries, "retries for transport failures")
	flagLogLevel := flagSet.String("log-level", cfg.LogLevel, "debug|info|warn|error")
	flagLogDev := flagSet.Bool("log-dev", cfg.LogDevelopment, "human-readable console logs")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			flagSet.SetOutput(os.Stdout)
			flagSet.PrintDefaults()
			return Config{}, err
		}
		return Config{}, err
	}

	cfg.BackendURL = strings.TrimSpace(*flagBackend)
	cfg.RelationsPath = strings.TrimSpace(*flagPath)
	cfg.BackendToken = *flagBackendToken
	cfg.APIToken = *flagAPIToken
	cfg.Addr = strings.TrimSpace(*flagAddr)
	cfg.DBPath = resolvePath(*flagDB, cwd)
	cfg.ArchiveDir = resolvePath(*flagArchive, cwd)
	cfg.RedisAddr = strings.TrimSpace(*flagRedis)
	cfg.Retries = *flagRetries
	cfg.LogLevel = *flagLogLevel
	cfg.LogDevelopment = *flagLogDev

	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"cache ttl", *flagCacheTTL, &cfg.CacheTTL},
		{"snapshot interval", *flagSnapInterval, &cfg.SnapshotInterval},
		{"snapshot retention", *flagSnapRetention, &cfg.SnapshotRetention},
		{"fetch timeout", *flagTimeout, &cfg.FetchTimeout},
	}
	for _, d := range durations {
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.dst = parsed
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Addr == "" {
		return errors.New("addr cannot be empty")
	}
	u, err := url.Parse(c.BackendURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("backend must be an http(s) URL: %q", c.BackendURL)
	}
	if !strings.HasPrefix(c.RelationsPath, "/") {
		return fmt.Errorf("relations path must start with '/': %q", c.RelationsPath)
	}
	if c.CacheTTL <= 0 {
		return errors.New("cache ttl must be positive")
	}
	if c.SnapshotInterval <= 0 {
		return errors.New("snapshot interval must be positive")
	}
	if c.SnapshotRetention < 0 {
		return errors.New("snapshot retention cannot be negative")
	}
	if c.FetchTimeout <= 0 {
		return errors.New("fetch timeout must be positive")
	}
	if c.Retries < 0 {
		return errors.New("retries cannot be negative")
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	setString(&cfg.BackendURL, fc.Backend.URL)
	setString(&cfg.RelationsPath, fc.Backend.RelationsPath)
	setString(&cfg.BackendToken, fc.Backend.Token)
	setString(&cfg.Addr, fc.API.Addr)
	setString(&cfg.APIToken, fc.API.Token)
	setString(&cfg.DBPath, fc.Store.DBPath)
	setString(&cfg.ArchiveDir, fc.Store.ArchiveDir)
	setString(&cfg.RedisAddr, fc.Cache.RedisAddr)
	setString(&cfg.LogLevel, fc.Log.Level)
	if fc.Log.Development {
		cfg.LogDevelopment = true
	}
	if fc.Backend.Retries != nil {
		cfg.Retries = *fc.Backend.Retries
	}

	durations := []struct {
		key   string
		value string
		dst   *time.Duration
	}{
		{"backend.timeout", fc.Backend.Timeout, &cfg.FetchTimeout},
		{"store.snapshot_interval", fc.Store.SnapshotInterval, &cfg.SnapshotInterval},
		{"store.snapshot_retention", fc.Store.SnapshotRetention, &cfg.SnapshotRetention},
		{"cache.ttl", fc.Cache.TTL, &cfg.CacheTTL},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("invalid %s in %s: %w", d.key, path, err)
		}
		*d.dst = parsed
	}
	return nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.BackendURL, os.Getenv("CIEXPLORER_BACKEND_URL"))
	setString(&cfg.RelationsPath, os.Getenv("CIEXPLORER_RELATIONS_PATH"))
	setString(&cfg.BackendToken, os.Getenv("CIEXPLORER_BACKEND_TOKEN"))
	setString(&cfg.APIToken, os.Getenv("CIEXPLORER_API_TOKEN"))
	setString(&cfg.Addr, addrFromEnv())
	setString(&cfg.DBPath, os.Getenv("CIEXPLORER_DB_PATH"))
	setString(&cfg.ArchiveDir, os.Getenv("CIEXPLORER_ARCHIVE_DIR"))
	setString(&cfg.RedisAddr, os.Getenv("CIEXPLORER_REDIS_ADDR"))
	setString(&cfg.LogLevel, os.Getenv("CIEXPLORER_LOG_LEVEL"))

	if v := os.Getenv("CIEXPLORER_LOG_DEV"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid CIEXPLORER_LOG_DEV: %w", err)
		}
		cfg.LogDevelopment = parsed
	}
	if v := os.Getenv("CIEXPLORER_RETRIES"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid CIEXPLORER_RETRIES: %w", err)
		}
		cfg.Retries = parsed
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"CIEXPLORER_CACHE_TTL", &cfg.CacheTTL},
		{"CIEXPLORER_SNAPSHOT_INTERVAL", &cfg.SnapshotInterval},
		{"CIEXPLORER_SNAPSHOT_RETENTION", &cfg.SnapshotRetention},
		{"CIEXPLORER_FETCH_TIMEOUT", &cfg.FetchTimeout},
	}
	for _, d := range durations {
		v := os.Getenv(d.key)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = parsed
	}
	return nil
}

// configPathFromArgs finds -config before the flag set is built, so file
// values can become flag defaults.
func configPathFromArgs(args []string) string {
	for i, arg := range args {
		name := strings.TrimLeft(arg, "-")
		if name == arg {
			continue
		}
		if name == "config" && i+1 < len(args) {
			return args[i+1]
		}
		if strings.HasPrefix(name, "config=") {
			return strings.TrimPrefix(name, "config=")
		}
	}
	return ""
}

func setString(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

func addrFromEnv() string {
	if value := os.Getenv("CIEXPLORER_ADDR"); value != "" {
		return value
	}
	if port := os.Getenv("CIEXPLORER_PORT"); port != "" {
		return fmt.Sprintf("127.0.0.1:%s", port)
	}
	return ""
}

func resolvePath(path string, cwd string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || trimmed == ":memory:" {
		return trimmed
	}
	if filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Join(cwd, trimmed)
}
