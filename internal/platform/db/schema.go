package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var ErrInvalidIdentifier = errors.New("invalid identifier")

// Execer is the part of a pool or connection that runs DDL.
type Execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// QualifiedName quotes schema and table for use in SQL.
func QualifiedName(schema, table string) (string, error) {
	if strings.TrimSpace(schema) == "" || strings.TrimSpace(table) == "" {
		return "", fmt.Errorf("%w: schema %q table %q", ErrInvalidIdentifier, schema, table)
	}
	return pgx.Identifier{schema, table}.Sanitize(), nil
}

// EnsureSchema creates schema if it does not exist.
func EnsureSchema(ctx context.Context, db Execer, schema string) error {
	if strings.TrimSpace(schema) == "" {
		return fmt.Errorf("%w: empty schema", ErrInvalidIdentifier)
	}
	query := "CREATE SCHEMA IF NOT EXISTS " + pgx.Identifier{schema}.Sanitize()
	if _, err := db.Exec(ctx, query); err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}
	return nil
}

// EnsureRecordTable creates a target table that stores one JSON document per
// record, keyed by run and position.
func EnsureRecordTable(ctx context.Context, db Execer, schema, table string) error {
	name, err := QualifiedName(schema, table)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    run_id TEXT NOT NULL,
    seq BIGINT NOT NULL,
    record JSONB NOT NULL,
    loaded_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (run_id, seq)
)`, name)
	if _, err := db.Exec(ctx, query); err != nil {
		return fmt.Errorf("create table %s: %w", name, err)
	}
	return nil
}
