// Package pipeline runs one IHID to OMOP transformation: it loads the catalog
// and mapping, streams every CSV export through the merge engine and writes
// the resulting target tables.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/omop-etl/internal/catalog"
	"github.com/ehr/omop-etl/internal/engine"
	"github.com/ehr/omop-etl/internal/mapping"
	"github.com/ehr/omop-etl/internal/platform/sink"
	"github.com/ehr/omop-etl/internal/source"
)

// Options are the inputs of a run.
type Options struct {
	DataDir      string
	MappingFile  string
	CatalogFile  string
	OutputDir    string
	BatchSize    int
	OutputFormat string
	// Sinks receive the result after the primary files are written. Their
	// failures are recorded in the summary and do not fail the run.
	Sinks []sink.Sink
}

// Runner executes runs.
type Runner struct {
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
	newID  func() string
	open   func(path string) (io.ReadCloser, error)
}

// New creates a runner.
func New(opts Options, logger zerolog.Logger) *Runner {
	if opts.BatchSize <= 0 {
		opts.BatchSize = source.DefaultBatchSize
	}
	return &Runner{
		opts:   opts,
		logger: logger.With().Str("component", "pipeline").Logger(),
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
		open:   func(path string) (io.ReadCloser, error) { return os.Open(path) },
	}
}

// Run performs the transformation. A missing or malformed catalog or mapping
// and a failure to write the output directory are returned as errors; problems
// with individual tables are logged and listed in the summary.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	started := r.now()
	sum := &Summary{
		RunID:              r.newID(),
		StartedAt:          started,
		SourceTableDetails: make(map[string]int),
		Skipped:            Skipped{Tables: []SkippedTable{}, Unmapped: []string{}},
	}
	log := r.logger.With().Str("run_id", sum.RunID).Logger()
	log.Info().Str("data_dir", r.opts.DataDir).Msg("starting transformation")

	cat, err := catalog.Load(r.opts.CatalogFile, log)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	rules, err := mapping.LoadFile(r.opts.MappingFile, log)
	if err != nil {
		return nil, fmt.Errorf("load mapping: %w", err)
	}
	files, err := r.discover(cat, rules)
	if err != nil {
		return nil, err
	}

	eng := engine.New(rules, engine.WithLogger(log))
	reader := source.NewCSVReader(r.opts.BatchSize, log)
	seen := make(map[string]bool)
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		seen[source.TableKey(f.Table)] = true
		if !rules.HasTable(f.Table) {
			log.Warn().Str("table", f.Table).Msg("no mapping rules for table, only identifiers will be used")
			sum.Skipped.Unmapped = append(sum.Skipped.Unmapped, f.Table)
		}

		tableStart := r.now()
		recs, err := r.readTable(reader, f.Path)
		if err != nil {
			log.Warn().Err(err).Str("table", f.Table).Str("file", f.Path).Msg("skipping table")
			sum.Skipped.Tables = append(sum.Skipped.Tables, SkippedTable{
				Table:  f.Table,
				File:   filepath.Base(f.Path),
				Reason: ReasonReadFailed,
				Error:  err.Error(),
			})
			continue
		}
		for _, rec := range recs {
			eng.Apply(f.Table, rec)
		}
		n := len(recs)
		sum.SourceTableDetails[f.Table] += n
		log.Info().
			Str("table", f.Table).
			Int("records", n).
			Dur("elapsed", r.now().Sub(tableStart)).
			Msg("processed table")
	}

	for _, t := range cat.Tables() {
		if seen[source.TableKey(t)] {
			continue
		}
		log.Warn().Str("table", t).Msg("no csv file for catalog table")
		sum.Skipped.Tables = append(sum.Skipped.Tables, SkippedTable{Table: t, Reason: ReasonNoFile})
	}

	res := eng.Finish()

	primary, err := sink.NewFiles(r.opts.OutputDir, r.opts.OutputFormat, log)
	if err != nil {
		return nil, err
	}
	if _, err := primary.Load(ctx, sum.RunID, res); err != nil {
		return nil, fmt.Errorf("write output: %w", err)
	}

	for _, s := range r.opts.Sinks {
		rep := SinkReport{}
		rows, err := s.Load(ctx, sum.RunID, res)
		rep.Rows = rows
		if err != nil {
			log.Error().Err(err).Str("sink", s.Name()).Msg("secondary sink failed")
			rep.Error = err.Error()
		}
		if sum.Sinks == nil {
			sum.Sinks = make(map[string]SinkReport)
		}
		sum.Sinks[s.Name()] = rep
	}

	r.fill(sum, res, started)
	sum.Transformation.DistinctSubjects = len(eng.Subjects())
	sum.Transformation.DistinctEncounters = len(eng.Encounters())
	if err := sink.WriteJSON(filepath.Join(r.opts.OutputDir, SummaryFile), sum); err != nil {
		return nil, fmt.Errorf("write summary: %w", err)
	}

	log.Info().
		Int("source_records", sum.Transformation.SourceRecords).
		Int("omop_tables", sum.Transformation.OmopTablesGenerated).
		Int("omop_records", sum.Transformation.OmopRecordsGenerated).
		Int("subjects", sum.Transformation.DistinctSubjects).
		Int("encounters", sum.Transformation.DistinctEncounters).
		Int("skipped_tables", len(sum.Skipped.Tables)).
		Float64("seconds", sum.DurationSeconds).
		Msg("transformation complete")
	return sum, nil
}

// readTable reads a whole file before any of it is applied, so a file that
// fails partway contributes nothing.
func (r *Runner) readTable(reader *source.CSVReader, path string) ([]source.Record, error) {
	in, err := r.open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer in.Close()

	var recs []source.Record
	if _, err := reader.Read(in, path, func(batch []source.Record) error {
		recs = append(recs, batch...)
		return nil
	}); err != nil {
		return nil, err
	}
	return recs, nil
}

// discover lists the CSV exports and pairs each with its source table.
func (r *Runner) discover(cat *catalog.Catalog, rules *mapping.Table) ([]source.File, error) {
	paths, err := source.Discover(r.opts.DataDir)
	if err != nil {
		return nil, err
	}
	// Mapping spellings first: the engine selects rules by that name.
	declared := append(rules.SourceTables(), cat.Tables()...)
	files := source.ResolveFiles(paths, declared)
	for _, f := range files {
		if !cat.HasTable(f.Table) {
			r.logger.Debug().Str("file", f.Path).Str("table", f.Table).Msg("csv file not in catalog")
		}
	}
	if len(files) == 0 {
		r.logger.Warn().Str("data_dir", r.opts.DataDir).Msg("no csv files found")
	}
	return files, nil
}

func (r *Runner) fill(sum *Summary, res *engine.Result, started time.Time) {
	sum.Engine = res.Stats
	sum.OmopTableDetails = res.Counts()
	sum.Transformation = Totals{
		SourceTables:         len(sum.SourceTableDetails),
		SourceRecords:        res.Stats.SourceRecords,
		OmopTablesGenerated:  len(sum.OmopTableDetails),
		OmopRecordsGenerated: res.Total(),
	}
	sum.FinishedAt = r.now()
	sum.DurationSeconds = sum.FinishedAt.Sub(started).Seconds()
}
