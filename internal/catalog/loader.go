package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
)

// Row is one entry of the IHID data dictionary export.
type Row struct {
	SourceSection string `json:"Source_Section"`
	ColumnName    string `json:"Column Name"`
	DataType      string `json:"Data Type"`
	Explanation   string `json:"Explanation,omitempty"`
}

// Load reads a data dictionary JSON file and builds a Catalog from it.
func Load(path string, logger zerolog.Logger) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file %s: %w", path, err)
	}
	var rows []Row
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("parse catalog file %s: %w", path, err)
	}
	c := FromRows(rows, logger)
	logger.Info().
		Str("path", path).
		Int("tables", c.Len()).
		Int("columns", c.ColumnCount()).
		Msg("loaded catalog")
	return c, nil
}

// FromRows groups rows by Source_Section. Rows without a section or column
// name are ignored; duplicate columns keep the first declaration.
func FromRows(rows []Row, logger zerolog.Logger) *Catalog {
	c := New()
	for _, r := range rows {
		err := c.Add(r.SourceSection, Column{
			Name:        r.ColumnName,
			Type:        ParseColumnType(r.DataType),
			Description: r.Explanation,
		})
		switch {
		case err == nil:
		case errors.Is(err, ErrEmptyName):
		case errors.Is(err, ErrDuplicateColumn):
			logger.Warn().Err(err).Msg("ignoring duplicate catalog column")
		default:
			logger.Warn().Err(err).Msg("ignoring catalog row")
		}
	}
	return c
}

// Rows flattens a catalog back into data dictionary rows.
func (c *Catalog) Rows() []Row {
	var rows []Row
	for _, t := range c.tables {
		for _, col := range t.Columns {
			rows = append(rows, Row{
				SourceSection: t.Name,
				ColumnName:    col.Name,
				DataType:      col.Type.String(),
				Explanation:   col.Description,
			})
		}
	}
	return rows
}

// WriteFile writes the catalog as a data dictionary JSON file.
func (c *Catalog) WriteFile(path string) error {
	data, err := json.MarshalIndent(c.Rows(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal catalog: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write catalog file %s: %w", path, err)
	}
	return nil
}
