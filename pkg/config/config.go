package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreBadger   = "badger"
)

// Config holds everything the server needs at startup.
type Config struct {
	HTTPAddr        string        `yaml:"http_addr"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	Store           string        `yaml:"store"`
	DatabaseURL     string        `yaml:"database_url"`
	DatabaseMaxConn int32         `yaml:"database_max_conns"`
	DatabaseConnTTL time.Duration `yaml:"database_conn_max_lifetime"`
	BadgerPath      string        `yaml:"badger_path"`
	DefinitionsDir  string        `yaml:"definitions_dir"`
	CatalogPath     string        `yaml:"catalog_path"`
	LogLevel        string        `yaml:"log_level"`
	LogFormat       string        `yaml:"log_format"`
	MaxSteps        int           `yaml:"max_steps"`
	MaxParallel     int           `yaml:"max_parallel"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		HTTPAddr:        ":8080",
		AllowedOrigins:  []string{"http://localhost:3003"},
		Store:           StoreMemory,
		DatabaseMaxConn: 10,
		BadgerPath:      "data/instances",
		DefinitionsDir:  "workflows",
		LogLevel:        "debug",
		LogFormat:       "json",
		MaxSteps:        100,
		MaxParallel:     4,
		ShutdownTimeout: 5 * time.Second,
	}
}

// Load builds a Config from defaults, the YAML file named by WORKFLOW_CONFIG
// (if any), and environment overrides, in that order.
func Load() (Config, error) {
	cfg := Default()

	if path, ok := os.LookupEnv("WORKFLOW_CONFIG"); ok && path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		var file Config
		if err := yaml.Unmarshal(data, &file); err != nil {
			return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
		}
		// Fields left empty in the file keep their defaults.
		if err := mergo.Merge(&cfg, file, mergo.WithOverride); err != nil {
			return Config{}, fmt.Errorf("config: merge %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type lookupFunc func(string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	if v, ok := lookup("HTTP_ADDR"); ok {
		cfg.HTTPAddr = v
	}
	if v, ok := lookup("ALLOWED_ORIGINS"); ok {
		cfg.AllowedOrigins = splitList(v)
	}
	if v, ok := lookup("WORKFLOW_STORE"); ok {
		cfg.Store = strings.ToLower(strings.TrimSpace(v))
	}
	if v, ok := lookup("DATABASE_URL"); ok {
		cfg.DatabaseURL = v
		// A database URL on its own selects postgres.
		if _, explicit := lookup("WORKFLOW_STORE"); !explicit {
			cfg.Store = StorePostgres
		}
	}
	if v, ok := lookup("DATABASE_CONN_MAX_LIFETIME"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: DATABASE_CONN_MAX_LIFETIME: %w", err)
		}
		cfg.DatabaseConnTTL = d
	}
	if v, ok := lookup("BADGER_PATH"); ok {
		cfg.BadgerPath = v
	}
	if v, ok := lookup("DEFINITIONS_DIR"); ok {
		cfg.DefinitionsDir = v
	}
	if v, ok := lookup("CATALOG_PATH"); ok {
		cfg.CatalogPath = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}
	if v, ok := lookup("LOG_FORMAT"); ok {
		cfg.LogFormat = v
	}
	if v, ok := lookup("MAX_STEPS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: MAX_STEPS: %w", err)
		}
		cfg.MaxSteps = n
	}
	if v, ok := lookup("MAX_PARALLEL"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: MAX_PARALLEL: %w", err)
		}
		cfg.MaxParallel = n
	}
	if v, ok := lookup("SHUTDOWN_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: SHUTDOWN_TIMEOUT: %w", err)
		}
		cfg.ShutdownTimeout = d
	}
	return nil
}

// Validate checks the combination of settings.
func (c Config) Validate() error {
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: DATABASE_URL is required for the postgres store")
		}
	case StoreBadger:
		if c.BadgerPath == "" {
			return fmt.Errorf("config: BADGER_PATH is required for the badger store")
		}
	default:
		return fmt.Errorf("config: unknown store %q", c.Store)
	}
	if c.MaxSteps <= 0 {
		return fmt.Errorf("config: max_steps must be > 0")
	}
	if c.MaxParallel < 0 {
		return fmt.Errorf("config: max_parallel must be >= 0")
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
