package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

var (
	ErrMissingPath  = errors.New("path is required")
	ErrNotDirectory = errors.New("not a directory")
	ErrNotFile      = errors.New("not a regular file")
)

// Output formats for the primary target table files.
const (
	FormatJSON   = "json"
	FormatNDJSON = "ndjson"
)

type Config struct {
	Env          string `mapstructure:"ENV"`
	LogLevel     string `mapstructure:"LOG_LEVEL"`
	BatchSize    int    `mapstructure:"BATCH_SIZE"`
	OutputFormat string `mapstructure:"OUTPUT_FORMAT"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	DBSchema    string `mapstructure:"DB_SCHEMA"`

	DuckDBPath   string `mapstructure:"DUCKDB_PATH"`
	DuckDBSchema string `mapstructure:"DUCKDB_SCHEMA"`

	DataDir     string `mapstructure:"DATA_DIR"`
	MappingFile string `mapstructure:"MAPPING_FILE"`
	CatalogFile string `mapstructure:"CATALOG_FILE"`
	OutputDir   string `mapstructure:"OUTPUT_DIR"`
}

var keys = []string{
	"ENV", "LOG_LEVEL", "BATCH_SIZE", "OUTPUT_FORMAT",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_SCHEMA",
	"DUCKDB_PATH", "DUCKDB_SCHEMA",
	"DATA_DIR", "MAPPING_FILE", "CATALOG_FILE", "OUTPUT_DIR",
}

// Load reads the configuration from the environment and an optional .env
// file in the working directory.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("BATCH_SIZE", 1000)
	v.SetDefault("OUTPUT_FORMAT", FormatJSON)
	v.SetDefault("DB_MAX_CONNS", 4)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("DB_SCHEMA", "omop")
	v.SetDefault("DUCKDB_SCHEMA", "main")
	v.SetDefault("DATA_DIR", "data")
	v.SetDefault("MAPPING_FILE", "ihid_omop_mapping.json")
	v.SetDefault("CATALOG_FILE", "All_Tables_Combined.json")
	v.SetDefault("OUTPUT_DIR", "omop_output")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// A missing .env file is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.OutputFormat = strings.ToLower(strings.TrimSpace(cfg.OutputFormat))
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// PostgresEnabled reports whether target tables are also loaded into Postgres.
func (c *Config) PostgresEnabled() bool {
	return c.DatabaseURL != ""
}

// DuckDBEnabled reports whether target tables are also loaded into DuckDB.
func (c *Config) DuckDBEnabled() bool {
	return c.DuckDBPath != ""
}

// Validate checks settings that do not touch the filesystem.
func (c *Config) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("BATCH_SIZE must be positive, got %d", c.BatchSize)
	}
	if c.OutputFormat != FormatJSON && c.OutputFormat != FormatNDJSON {
		return fmt.Errorf("OUTPUT_FORMAT must be %q or %q, got %q", FormatJSON, FormatNDJSON, c.OutputFormat)
	}
	if c.PostgresEnabled() {
		if c.DBMaxConns <= 0 {
			return fmt.Errorf("DB_MAX_CONNS must be positive, got %d", c.DBMaxConns)
		}
		if c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
			return fmt.Errorf("DB_MIN_CONNS must be between 0 and DB_MAX_CONNS, got %d", c.DBMinConns)
		}
		if c.DBSchema == "" {
			return fmt.Errorf("DB_SCHEMA is required when DATABASE_URL is set")
		}
	}
	return nil
}

// ValidatePaths checks the run inputs before any processing: the data
// directory must exist, the mapping and catalog files must be regular files,
// and the output directory is created when missing.
func (c *Config) ValidatePaths() error {
	if err := requireDir("data directory", c.DataDir); err != nil {
		return err
	}
	if err := requireFile("mapping file", c.MappingFile); err != nil {
		return err
	}
	if err := requireFile("catalog file", c.CatalogFile); err != nil {
		return err
	}
	if c.OutputDir == "" {
		return fmt.Errorf("output directory: %w", ErrMissingPath)
	}
	info, err := os.Stat(c.OutputDir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := os.MkdirAll(c.OutputDir, 0o755); err != nil {
			return fmt.Errorf("create output directory %s: %w", c.OutputDir, err)
		}
	case err != nil:
		return fmt.Errorf("stat output directory %s: %w", c.OutputDir, err)
	case !info.IsDir():
		return fmt.Errorf("output directory %s: %w", c.OutputDir, ErrNotDirectory)
	}
	return nil
}

func requireDir(what, path string) error {
	if path == "" {
		return fmt.Errorf("%s: %w", what, ErrMissingPath)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", what, path, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s %s: %w", what, path, ErrNotDirectory)
	}
	return nil
}

func requireFile(what, path string) error {
	if path == "" {
		return fmt.Errorf("%s: %w", what, ErrMissingPath)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", what, path, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s %s: %w", what, path, ErrNotFile)
	}
	return nil
}
