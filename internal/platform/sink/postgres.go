package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/omop-etl/internal/engine"
	"github.com/ehr/omop-etl/internal/platform/db"
)

// copier is the part of a pgx pool the Postgres sink needs.
type copier interface {
	db.Execer
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

var recordColumns = []string{"run_id", "seq", "record"}

// Postgres bulk-loads target tables with COPY into <schema>.<table>, one
// JSONB document per record.
type Postgres struct {
	conn   copier
	pool   *pgxpool.Pool
	schema string
	logger zerolog.Logger
}

// NewPostgres creates a sink over an open pool. The sink owns the pool and
// closes it in Close.
func NewPostgres(pool *pgxpool.Pool, schema string, logger zerolog.Logger) *Postgres {
	p := newPostgres(pool, schema, logger)
	p.pool = pool
	return p
}

func newPostgres(conn copier, schema string, logger zerolog.Logger) *Postgres {
	return &Postgres{
		conn:   conn,
		schema: schema,
		logger: logger.With().Str("component", "postgres-sink").Logger(),
	}
}

func (p *Postgres) Name() string { return "postgres" }

func (p *Postgres) Load(ctx context.Context, runID string, res *engine.Result) (map[string]int, error) {
	if err := db.EnsureSchema(ctx, p.conn, p.schema); err != nil {
		return nil, err
	}
	loaded := make(map[string]int)
	for _, table := range res.Names() {
		if err := db.EnsureRecordTable(ctx, p.conn, p.schema, table); err != nil {
			return loaded, err
		}
		recs := res.Table(table)
		rows := pgx.CopyFromSlice(len(recs), func(i int) ([]any, error) {
			doc, err := json.Marshal(recs[i])
			if err != nil {
				return nil, fmt.Errorf("encode %s record %d: %w", table, i, err)
			}
			return []any{runID, int64(i + 1), doc}, nil
		})
		n, err := p.conn.CopyFrom(ctx, pgx.Identifier{p.schema, table}, recordColumns, rows)
		if err != nil {
			return loaded, fmt.Errorf("copy into %s.%s: %w", p.schema, table, err)
		}
		loaded[table] = int(n)
		p.logger.Info().Str("table", table).Int64("rows", n).Msg("loaded table")
	}
	if p.pool != nil {
		p.logger.Debug().Object("pool", db.Usage(p.pool)).Msg("pool after load")
	}
	return loaded, nil
}

func (p *Postgres) Close() error {
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}
