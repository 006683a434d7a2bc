// Package catalog describes the IHID source tables: their columns and the
// declared type of each column. A Catalog is built once per run and is
// read-only afterwards.
package catalog

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ehr/omop-etl/internal/source"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrUnknownTable    = errors.New("unknown source table")
	ErrDuplicateColumn = errors.New("duplicate column")
	ErrEmptyName       = errors.New("table and column names are required")
)

// ---------------------------------------------------------------------------
// Column types
// ---------------------------------------------------------------------------

// ColumnType is the declared type of a source column.
type ColumnType int

const (
	TypeText ColumnType = iota
	TypeInteger
	TypeReal
)

func (t ColumnType) String() string {
	switch t {
	case TypeInteger:
		return "INTEGER"
	case TypeReal:
		return "REAL"
	default:
		return "TEXT"
	}
}

// ParseColumnType normalizes the many spellings found in IHID data
// dictionaries. Anything unrecognized is TEXT.
func ParseColumnType(s string) ColumnType {
	t := strings.ToUpper(strings.TrimSpace(s))
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = strings.TrimSpace(t[:i])
	}
	switch t {
	case "INTEGER", "INT", "INT4", "INT8", "BIGINT", "SMALLINT", "TINYINT", "NUMBER":
		return TypeInteger
	case "REAL", "FLOAT", "DOUBLE", "DECIMAL", "NUMERIC", "FLOAT64":
		return TypeReal
	default:
		return TypeText
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t ColumnType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// ---------------------------------------------------------------------------
// Catalog
// ---------------------------------------------------------------------------

// Column describes one source column.
type Column struct {
	Name        string     `json:"name"`
	Type        ColumnType `json:"type"`
	Description string     `json:"description,omitempty"`
}

// Table is the ordered column list of one source table.
type Table struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

// Catalog holds every known source table in declaration order.
type Catalog struct {
	tables []*Table
	byKey  map[string]*Table
	cols   map[*Table]map[string]struct{}
}

// New returns an empty catalog.
func New() *Catalog {
	return &Catalog{
		byKey: make(map[string]*Table),
		cols:  make(map[*Table]map[string]struct{}),
	}
}

// Add appends a column to a table, creating the table on first use. Column
// names must be unique within a table after standardization.
func (c *Catalog) Add(table string, col Column) error {
	table = strings.TrimSpace(table)
	col.Name = strings.TrimSpace(col.Name)
	if table == "" || col.Name == "" {
		return ErrEmptyName
	}
	t := c.lookup(table)
	if t == nil {
		t = &Table{Name: table}
		c.tables = append(c.tables, t)
		c.byKey[strings.ToLower(table)] = t
		c.cols[t] = make(map[string]struct{})
	}
	name := source.StandardizeName(col.Name)
	if _, dup := c.cols[t][name]; dup {
		return fmt.Errorf("%w: %s.%s", ErrDuplicateColumn, t.Name, col.Name)
	}
	c.cols[t][name] = struct{}{}
	t.Columns = append(t.Columns, col)
	return nil
}

func (c *Catalog) lookup(table string) *Table {
	return c.byKey[strings.ToLower(strings.TrimSpace(table))]
}

// ColumnsOf returns the ordered columns of a table. The table name is matched
// case-insensitively.
func (c *Catalog) ColumnsOf(table string) ([]Column, error) {
	t := c.lookup(table)
	if t == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	out := make([]Column, len(t.Columns))
	copy(out, t.Columns)
	return out, nil
}

// HasColumn reports whether table declares column. Column names are compared
// after standardization, so "Admit Dt Tm" matches "admit_dt_tm".
func (c *Catalog) HasColumn(table, column string) bool {
	t := c.lookup(table)
	if t == nil {
		return false
	}
	_, ok := c.cols[t][source.StandardizeName(column)]
	return ok
}

// HasTable reports whether the table is declared.
func (c *Catalog) HasTable(table string) bool {
	return c.lookup(table) != nil
}

// Tables returns the declared table names in declaration order.
func (c *Catalog) Tables() []string {
	names := make([]string, len(c.tables))
	for i, t := range c.tables {
		names[i] = t.Name
	}
	return names
}

// Len returns the number of declared tables.
func (c *Catalog) Len() int { return len(c.tables) }

// ColumnCount returns the total number of declared columns.
func (c *Catalog) ColumnCount() int {
	n := 0
	for _, t := range c.tables {
		n += len(t.Columns)
	}
	return n
}
