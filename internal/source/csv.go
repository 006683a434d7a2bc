package source

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// DefaultBatchSize is the number of rows handed to the engine at a time.
const DefaultBatchSize = 1000

// progressEvery controls how often progress is logged for large files.
const progressEvery = 10000

// tableNameFixes maps names derived from IHID export file names to the
// section names used by the catalog and the mapping file.
var tableNameFixes = map[string]string{
	"Dad Information":     "DAD Information",
	"Dad Diagnosis":       "DAD Diagnosis",
	"Dad Interevention":   "DAD Intervention",
	"Dad Intervention":    "DAD Intervention",
	"Dad Abstract":        "DAD Abstract",
	"Lab Result":          "Laboratory Result",
	"Admission Discharge": "Admission / Discharge",
}

// File is a CSV file on disk together with the source table it feeds.
type File struct {
	Path  string
	Table string
}

// Discover lists the *.csv files directly under dir, sorted by name.
func Discover(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read data directory %s: %w", dir, err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".csv") {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

// TableNameFromFile derives a source table name from an export file name:
// "4. admission_discharge.csv" becomes "Admission / Discharge".
func TableNameFromFile(path string) string {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if i := strings.Index(stem, "."); i >= 0 {
		stem = stem[i+1:]
	}
	stem = strings.TrimSpace(strings.ReplaceAll(stem, "_", " "))
	name := cases.Title(language.Und).String(stem)
	if fixed, ok := tableNameFixes[name]; ok {
		return fixed
	}
	return name
}

// ResolveTable matches a derived table name against the declared table names,
// ignoring case, spacing and punctuation. The derived name is returned
// unchanged when nothing matches.
func ResolveTable(derived string, declared []string) (string, bool) {
	key := TableKey(derived)
	for _, d := range declared {
		if TableKey(d) == key {
			return d, true
		}
	}
	return derived, false
}

// ResolveFiles pairs each path with its source table.
func ResolveFiles(paths []string, declared []string) []File {
	files := make([]File, 0, len(paths))
	for _, p := range paths {
		table, _ := ResolveTable(TableNameFromFile(p), declared)
		files = append(files, File{Path: p, Table: table})
	}
	return files
}

// CSVReader streams a CSV file as batches of Records.
type CSVReader struct {
	BatchSize int
	logger    zerolog.Logger
}

// NewCSVReader creates a reader. A non-positive batchSize selects
// DefaultBatchSize.
func NewCSVReader(batchSize int, logger zerolog.Logger) *CSVReader {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &CSVReader{
		BatchSize: batchSize,
		logger:    logger.With().Str("component", "csv-reader").Logger(),
	}
}

// ReadFile reads the header row and then hands rows to fn in batches. Empty
// cells become Null and short rows are padded with Null. It returns the number
// of rows read. An error from fn stops the read and is returned as is.
func (r *CSVReader) ReadFile(path string, fn func(batch []Record) error) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return r.Read(f, path, fn)
}

// Read is ReadFile over an arbitrary reader; name is used in messages only.
func (r *CSVReader) Read(in io.Reader, name string, fn func(batch []Record) error) (int, error) {
	cr := csv.NewReader(in)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read header from %s: %w", name, err)
	}
	header = cleanHeader(header)

	batchSize := r.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	total := 0
	batch := make([]Record, 0, batchSize)
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return total, fmt.Errorf("read row %d from %s: %w", total+2, name, err)
		}
		rec := make(Record, len(header))
		for i, col := range header {
			cell := Null()
			if i < len(row) {
				cell = Text(row[i])
			}
			rec[i] = Field{Name: col, Value: cell}
		}
		batch = append(batch, rec)
		total++

		if len(batch) == batchSize {
			if err := fn(batch); err != nil {
				return total, err
			}
			batch = make([]Record, 0, batchSize)
		}
		if total%progressEvery == 0 {
			r.logger.Info().Str("file", filepath.Base(name)).Int("rows", total).Msg("reading")
		}
	}
	if len(batch) > 0 {
		if err := fn(batch); err != nil {
			return total, err
		}
	}
	return total, nil
}

// ReadHeader returns the cleaned header row of a CSV file.
func ReadHeader(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	cr := csv.NewReader(f)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header from %s: %w", path, err)
	}
	return cleanHeader(header), nil
}

func cleanHeader(header []string) []string {
	for i, h := range header {
		h = strings.TrimPrefix(h, "\ufeff")
		header[i] = strings.TrimSpace(h)
	}
	return header
}
