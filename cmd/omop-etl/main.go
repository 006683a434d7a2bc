package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/omop-etl/internal/catalog"
	"github.com/ehr/omop-etl/internal/config"
	"github.com/ehr/omop-etl/internal/coverage"
	"github.com/ehr/omop-etl/internal/mapping"
	"github.com/ehr/omop-etl/internal/pipeline"
	"github.com/ehr/omop-etl/internal/platform/db"
	"github.com/ehr/omop-etl/internal/platform/sink"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "omop-etl",
		Short:         "Transform IHID CSV exports into OMOP CDM tables",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(runCmd())
	root.AddCommand(coverageCmd())
	root.AddCommand(catalogCmd())
	return root
}

// newLogger builds the process logger. Development gets a console writer.
func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	logger := zerolog.New(out).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

// overrideString replaces *dst with the flag value when the flag was set.
func overrideString(cmd *cobra.Command, name string, dst *string) {
	if cmd.Flags().Changed(name) {
		*dst, _ = cmd.Flags().GetString(name)
	}
}

// ---------------------------------------------------------------------------
// run
// ---------------------------------------------------------------------------

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the transformation",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			overrideString(cmd, "data-dir", &cfg.DataDir)
			overrideString(cmd, "mapping", &cfg.MappingFile)
			overrideString(cmd, "catalog", &cfg.CatalogFile)
			overrideString(cmd, "output-dir", &cfg.OutputDir)
			overrideString(cmd, "format", &cfg.OutputFormat)
			cfg.OutputFormat = strings.ToLower(cfg.OutputFormat)

			logger := newLogger(cfg, os.Stderr)
			if err := cfg.Validate(); err != nil {
				logger.Error().Err(err).Msg("invalid configuration")
				return err
			}
			if err := cfg.ValidatePaths(); err != nil {
				logger.Error().Err(err).Msg("invalid input paths")
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			sinks := openSinks(ctx, cfg, logger)
			defer func() {
				for _, s := range sinks {
					if err := s.Close(); err != nil {
						logger.Warn().Err(err).Str("sink", s.Name()).Msg("close sink")
					}
				}
			}()

			runner := pipeline.New(pipeline.Options{
				DataDir:      cfg.DataDir,
				MappingFile:  cfg.MappingFile,
				CatalogFile:  cfg.CatalogFile,
				OutputDir:    cfg.OutputDir,
				BatchSize:    cfg.BatchSize,
				OutputFormat: cfg.OutputFormat,
				Sinks:        sinks,
			}, logger)

			sum, err := runner.Run(ctx)
			if err != nil {
				logger.Error().Err(err).Msg("transformation failed")
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Processed %d records from %d source tables into %d records across %d OMOP tables.\n",
				sum.Transformation.SourceRecords,
				sum.Transformation.SourceTables,
				sum.Transformation.OmopRecordsGenerated,
				sum.Transformation.OmopTablesGenerated,
			)
			if n := len(sum.Skipped.Tables); n > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "Skipped %d source tables: %s\n", n, strings.Join(sum.SkippedTables(), ", "))
			}
			return nil
		},
	}
	cmd.Flags().String("data-dir", "", "Directory holding the IHID CSV exports (overrides DATA_DIR)")
	cmd.Flags().String("mapping", "", "Mapping file, JSON or YAML (overrides MAPPING_FILE)")
	cmd.Flags().String("catalog", "", "Source catalog file (overrides CATALOG_FILE)")
	cmd.Flags().String("output-dir", "", "Output directory (overrides OUTPUT_DIR)")
	cmd.Flags().String("format", "", "Output format, json or ndjson (overrides OUTPUT_FORMAT)")
	return cmd
}

// openSinks opens the optional database sinks. A sink that cannot be opened
// is logged and left out; the file output does not depend on it.
func openSinks(ctx context.Context, cfg *config.Config, logger zerolog.Logger) []sink.Sink {
	var sinks []sink.Sink

	if cfg.PostgresEnabled() {
		pool, err := db.NewPool(ctx, db.PoolOptions{
			URL:             cfg.DatabaseURL,
			MaxConns:        cfg.DBMaxConns,
			MinConns:        cfg.DBMinConns,
			ApplicationName: "omop-etl",
			ConnectTimeout:  10 * time.Second,
		})
		if err != nil {
			logger.Error().Err(err).Msg("failed to connect to database, postgres output disabled")
		} else {
			logger.Info().Str("schema", cfg.DBSchema).Msg("connected to database")
			sinks = append(sinks, sink.NewPostgres(pool, cfg.DBSchema, logger))
		}
	}

	if cfg.DuckDBEnabled() {
		duck, err := sink.OpenDuckDB(cfg.DuckDBPath, cfg.DuckDBSchema, logger)
		if err != nil {
			logger.Error().Err(err).Str("path", cfg.DuckDBPath).Msg("failed to open duckdb, duckdb output disabled")
		} else {
			sinks = append(sinks, duck)
		}
	}

	return sinks
}

// ---------------------------------------------------------------------------
// coverage
// ---------------------------------------------------------------------------

func coverageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "coverage",
		Short: "Report how much of the source catalog the mapping covers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			overrideString(cmd, "mapping", &cfg.MappingFile)
			overrideString(cmd, "catalog", &cfg.CatalogFile)
			asJSON, _ := cmd.Flags().GetBool("json")

			logger := newLogger(cfg, os.Stderr)
			cat, err := catalog.Load(cfg.CatalogFile, logger)
			if err != nil {
				return fmt.Errorf("load catalog: %w", err)
			}
			rules, err := mapping.LoadFile(cfg.MappingFile, logger)
			if err != nil {
				return fmt.Errorf("load mapping: %w", err)
			}

			rep := coverage.Analyze(cat, rules)
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rep)
			}
			return rep.WriteText(cmd.OutOrStdout())
		},
	}
	cmd.Flags().String("mapping", "", "Mapping file (overrides MAPPING_FILE)")
	cmd.Flags().String("catalog", "", "Source catalog file (overrides CATALOG_FILE)")
	cmd.Flags().Bool("json", false, "Print the report as JSON")
	return cmd
}

// ---------------------------------------------------------------------------
// catalog
// ---------------------------------------------------------------------------

func catalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Build a source catalog by scanning the CSV exports",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			overrideString(cmd, "data-dir", &cfg.DataDir)
			overrideString(cmd, "out", &cfg.CatalogFile)
			sample, _ := cmd.Flags().GetInt("sample")

			logger := newLogger(cfg, os.Stderr)
			cat, err := catalog.Scan(cfg.DataDir, sample, logger)
			if err != nil {
				return fmt.Errorf("scan %s: %w", cfg.DataDir, err)
			}
			if err := cat.WriteFile(cfg.CatalogFile); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d tables, %d columns to %s\n", cat.Len(), cat.ColumnCount(), cfg.CatalogFile)
			return nil
		},
	}
	cmd.Flags().String("data-dir", "", "Directory holding the IHID CSV exports (overrides DATA_DIR)")
	cmd.Flags().String("out", "", "Catalog file to write (overrides CATALOG_FILE)")
	cmd.Flags().Int("sample", catalog.DefaultSampleRows, "Rows sampled per file to infer column types")
	return cmd
}
