// Package sink writes finished target tables to their destinations: JSON
// files on disk (the primary output) and optional database loads.
package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/ehr/omop-etl/internal/engine"
)

var ErrUnknownFormat = errors.New("unknown output format")

// Output formats.
const (
	FormatJSON   = "json"
	FormatNDJSON = "ndjson"
)

// Sink loads a finished result somewhere. Implementations report how many
// records they stored per table.
type Sink interface {
	Name() string
	Load(ctx context.Context, runID string, res *engine.Result) (map[string]int, error)
	Close() error
}

// Files writes one file per non-empty target table.
type Files struct {
	dir    string
	format string
	logger zerolog.Logger
}

// NewFiles creates a file sink for dir. format is FormatJSON or FormatNDJSON.
func NewFiles(dir, format string, logger zerolog.Logger) (*Files, error) {
	switch format {
	case "", FormatJSON:
		format = FormatJSON
	case FormatNDJSON:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	return &Files{
		dir:    dir,
		format: format,
		logger: logger.With().Str("component", "file-sink").Logger(),
	}, nil
}

func (f *Files) Name() string { return "files" }

// Path returns the output path for a target table.
func (f *Files) Path(table string) string {
	return filepath.Join(f.dir, table+"."+f.format)
}

// Load writes every non-empty table. The run id is not part of file output.
func (f *Files) Load(ctx context.Context, _ string, res *engine.Result) (map[string]int, error) {
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory %s: %w", f.dir, err)
	}
	written := make(map[string]int)
	for _, table := range res.Names() {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		recs := res.Table(table)
		path := f.Path(table)
		if err := writeAtomic(path, func(w *bufio.Writer) error {
			if f.format == FormatNDJSON {
				return encodeNDJSON(w, recs)
			}
			return encodeArray(w, recs)
		}); err != nil {
			return written, err
		}
		written[table] = len(recs)
		f.logger.Info().Str("table", table).Int("records", len(recs)).Str("path", path).Msg("wrote table")
	}
	return written, nil
}

func (f *Files) Close() error { return nil }

func encodeArray(w *bufio.Writer, recs []*engine.Record) error {
	if _, err := w.WriteString("[\n"); err != nil {
		return err
	}
	for i, r := range recs {
		b, err := json.MarshalIndent(r, "  ", "  ")
		if err != nil {
			return fmt.Errorf("encode record %d: %w", i, err)
		}
		w.WriteString("  ")
		w.Write(b)
		if i < len(recs)-1 {
			w.WriteByte(',')
		}
		w.WriteByte('\n')
	}
	_, err := w.WriteString("]\n")
	return err
}

func encodeNDJSON(w *bufio.Writer, recs []*engine.Record) error {
	enc := json.NewEncoder(w)
	for i, r := range recs {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("encode record %d: %w", i, err)
		}
	}
	return nil
}

// WriteJSON writes v as indented JSON to path.
func WriteJSON(path string, v interface{}) error {
	return writeAtomic(path, func(w *bufio.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	})
}

// writeAtomic writes through a temporary file in the target directory and
// renames it into place, so readers never see a partial file.
func writeAtomic(path string, fill func(*bufio.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	if err := fill(w); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
