package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/rs/zerolog"

	"github.com/ehr/omop-etl/internal/engine"
)

// DuckDB loads target tables into a local DuckDB file for ad hoc analysis.
// Each table stores the record as JSON text next to its run id and position.
type DuckDB struct {
	db     *sql.DB
	schema string
	logger zerolog.Logger
}

// OpenDuckDB opens (or creates) the database at path. An empty path opens an
// in-memory database.
func OpenDuckDB(path, schema string, logger zerolog.Logger) (*DuckDB, error) {
	conn, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb %s: %w", path, err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping duckdb %s: %w", path, err)
	}
	if schema == "" {
		schema = "main"
	}
	return &DuckDB{
		db:     conn,
		schema: schema,
		logger: logger.With().Str("component", "duckdb-sink").Logger(),
	}, nil
}

func (d *DuckDB) Name() string { return "duckdb" }

// DB exposes the underlying handle for queries.
func (d *DuckDB) DB() *sql.DB { return d.db }

// TableName returns the quoted, schema-qualified name of a target table.
func (d *DuckDB) TableName(table string) string {
	return quoteIdent(d.schema) + "." + quoteIdent(table)
}

func (d *DuckDB) Load(ctx context.Context, runID string, res *engine.Result) (map[string]int, error) {
	if _, err := d.db.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+quoteIdent(d.schema)); err != nil {
		return nil, fmt.Errorf("create duckdb schema %s: %w", d.schema, err)
	}
	loaded := make(map[string]int)
	for _, table := range res.Names() {
		n, err := d.loadTable(ctx, runID, table, res.Table(table))
		if err != nil {
			return loaded, err
		}
		loaded[table] = n
		d.logger.Info().Str("table", table).Int("rows", n).Msg("loaded table")
	}
	return loaded, nil
}

func (d *DuckDB) loadTable(ctx context.Context, runID, table string, recs []*engine.Record) (int, error) {
	name := d.TableName(table)
	create := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		run_id VARCHAR NOT NULL,
		seq BIGINT NOT NULL,
		record VARCHAR NOT NULL
	)`, name)
	if _, err := d.db.ExecContext(ctx, create); err != nil {
		return 0, fmt.Errorf("create duckdb table %s: %w", name, err)
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin duckdb load of %s: %w", name, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s (run_id, seq, record) VALUES (?, ?, ?)", name))
	if err != nil {
		return 0, fmt.Errorf("prepare duckdb insert into %s: %w", name, err)
	}
	defer stmt.Close()

	for i, r := range recs {
		doc, err := json.Marshal(r)
		if err != nil {
			return 0, fmt.Errorf("encode %s record %d: %w", table, i, err)
		}
		if _, err := stmt.ExecContext(ctx, runID, int64(i+1), string(doc)); err != nil {
			return 0, fmt.Errorf("insert into %s: %w", name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit duckdb load of %s: %w", name, err)
	}
	return len(recs), nil
}

func (d *DuckDB) Close() error { return d.db.Close() }

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
