package pipeline

import (
	"time"

	"github.com/ehr/omop-etl/internal/engine"
)

// SummaryFile is the name of the run summary written next to the tables.
const SummaryFile = "transformation_summary.json"

// Reasons a source table was skipped.
const (
	ReasonNoFile     = "no csv file"
	ReasonReadFailed = "read failed"
)

// Summary describes one run. It is written to SummaryFile.
type Summary struct {
	RunID           string    `json:"run_id"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
	DurationSeconds float64   `json:"duration_seconds"`

	Transformation Totals `json:"transformation_summary"`

	SourceTableDetails map[string]int `json:"source_table_details"`
	OmopTableDetails   map[string]int `json:"omop_table_details"`

	Engine  engine.RunStats       `json:"engine"`
	Skipped Skipped               `json:"skipped"`
	Sinks   map[string]SinkReport `json:"sinks,omitempty"`
}

// Totals are the headline counts of a run.
type Totals struct {
	SourceTables         int `json:"source_tables"`
	SourceRecords        int `json:"source_records"`
	OmopTablesGenerated  int `json:"omop_tables_generated"`
	OmopRecordsGenerated int `json:"omop_records_generated"`
	DistinctSubjects     int `json:"distinct_subjects"`
	DistinctEncounters   int `json:"distinct_encounters"`
}

// Skipped lists the source tables that contributed nothing or only
// identifiers.
type Skipped struct {
	Tables   []SkippedTable `json:"tables"`
	Unmapped []string       `json:"unmapped"`
}

// SkippedTable is a source table that could not be processed.
type SkippedTable struct {
	Table  string `json:"table"`
	File   string `json:"file,omitempty"`
	Reason string `json:"reason"`
	Error  string `json:"error,omitempty"`
}

// SinkReport is the outcome of one secondary sink.
type SinkReport struct {
	Rows  map[string]int `json:"rows,omitempty"`
	Error string         `json:"error,omitempty"`
}

// SkippedTables returns the names of the skipped tables.
func (s *Summary) SkippedTables() []string {
	out := make([]string, len(s.Skipped.Tables))
	for i, t := range s.Skipped.Tables {
		out[i] = t.Table
	}
	return out
}
