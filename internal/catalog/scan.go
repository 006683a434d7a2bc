package catalog

import (
	"errors"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ehr/omop-etl/internal/source"
)

// DefaultSampleRows is how many data rows Scan inspects per file.
const DefaultSampleRows = 100

var errSampled = errors.New("sampled")

// Scan builds a catalog from the CSV exports in dir. Table names come from the
// file names and column types are inferred from the first sampleRows rows.
// Files that cannot be read are logged and left out.
func Scan(dir string, sampleRows int, logger zerolog.Logger) (*Catalog, error) {
	if sampleRows <= 0 {
		sampleRows = DefaultSampleRows
	}
	paths, err := source.Discover(dir)
	if err != nil {
		return nil, err
	}

	c := New()
	reader := source.NewCSVReader(sampleRows, logger)
	for _, p := range paths {
		header, err := source.ReadHeader(p)
		if err != nil {
			logger.Warn().Err(err).Str("file", p).Msg("skipping unreadable csv")
			continue
		}

		var sample []source.Record
		_, err = reader.ReadFile(p, func(batch []source.Record) error {
			sample = batch
			return errSampled
		})
		if err != nil && !errors.Is(err, errSampled) {
			logger.Warn().Err(err).Str("file", p).Msg("skipping unreadable csv")
			continue
		}

		table := source.TableNameFromFile(p)
		for i, name := range header {
			if name == "" {
				continue
			}
			if err := c.Add(table, Column{Name: name, Type: inferType(sample, i)}); err != nil {
				logger.Warn().Err(err).Str("file", p).Msg("ignoring column")
			}
		}
		logger.Info().Str("file", p).Str("table", table).Int("columns", len(header)).Msg("scanned csv")
	}
	return c, nil
}

func inferType(sample []source.Record, col int) ColumnType {
	seen, allInt, allReal := 0, true, true
	for _, rec := range sample {
		if col >= len(rec) || rec[col].Value.IsNull() {
			continue
		}
		seen++
		s := strings.TrimSpace(rec[col].Value.String())
		if _, err := strconv.ParseInt(s, 10, 64); err != nil {
			allInt = false
		}
		if _, err := strconv.ParseFloat(s, 64); err != nil {
			allReal = false
		}
	}
	switch {
	case seen == 0:
		return TypeText
	case allInt:
		return TypeInteger
	case allReal:
		return TypeReal
	default:
		return TypeText
	}
}
