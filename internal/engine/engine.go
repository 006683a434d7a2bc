// Package engine merges mapped IHID source records into OMOP target tables.
//
// An Engine owns all state for one run. Records are applied one at a time with
// Apply; Finish synthesizes the implied person and visit records, assigns
// sequence identifiers and returns the keyless result.
package engine

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ehr/omop-etl/internal/convert"
	"github.com/ehr/omop-etl/internal/identity"
	"github.com/ehr/omop-etl/internal/mapping"
	"github.com/ehr/omop-etl/internal/source"
)

// EventTables carry a visit_occurrence_id for the encounter they happened in.
var EventTables = []string{
	"condition_occurrence",
	"procedure_occurrence",
	"drug_exposure",
	"measurement",
	"observation",
	"device_exposure",
	"specimen",
}

var eventTables = func() map[string]bool {
	m := make(map[string]bool, len(EventTables))
	for _, t := range EventTables {
		m[t] = true
	}
	return m
}()

const (
	personIDField = "person_id"
	visitIDField  = "visit_occurrence_id"
)

// ---------------------------------------------------------------------------
// Stats
// ---------------------------------------------------------------------------

// TableStats counts what happened to the records of one source table.
type TableStats struct {
	Records           int  `json:"records"`
	Applied           int  `json:"applied"`
	SkippedAbsent     int  `json:"skipped_absent"`
	SkippedConversion int  `json:"skipped_conversion"`
	SkippedInvalid    int  `json:"skipped_invalid"`
	FailedRecords     int  `json:"failed_records"`
	Overwrites        int  `json:"overwrites"`
	Unmapped          bool `json:"unmapped,omitempty"`
}

// RunStats summarizes a run.
type RunStats struct {
	SourceRecords     int                   `json:"source_records"`
	Overwrites        int                   `json:"overwrites"`
	FailedRecords     int                   `json:"failed_records"`
	SynthesizedPeople int                   `json:"synthesized_people"`
	SynthesizedVisits int                   `json:"synthesized_visits"`
	SequenceIDs       int                   `json:"sequence_ids"`
	LateApplies       int                   `json:"late_applies,omitempty"`
	Tables            map[string]TableStats `json:"tables"`
}

// ---------------------------------------------------------------------------
// Engine
// ---------------------------------------------------------------------------

type targetTable struct {
	records []*Record
	index   map[identity.Key]int
}

// Engine is the merge engine for one run. It is not safe for concurrent use.
type Engine struct {
	rules   *mapping.Table
	byTable map[string][]mapping.Rule
	logger  zerolog.Logger
	convert func(source.Value, string) (interface{}, bool)

	tables map[string]*targetTable

	subjects       []string
	subjectSeen    map[string]bool
	encounters     []string
	encounterOwner map[string]string

	stats     map[string]*TableStats
	statNames map[string]string
	run       RunStats

	finished bool
	result   *Result
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger.With().Str("component", "engine").Logger()
	}
}

// New creates an engine over an immutable rule table.
func New(rules *mapping.Table, opts ...Option) *Engine {
	if rules == nil {
		rules = mapping.NewTable(nil)
	}
	e := &Engine{
		rules:          rules,
		byTable:        make(map[string][]mapping.Rule),
		logger:         zerolog.Nop(),
		convert:        convert.Convert,
		tables:         make(map[string]*targetTable),
		subjectSeen:    make(map[string]bool),
		encounterOwner: make(map[string]string),
		stats:          make(map[string]*TableStats),
		statNames:      make(map[string]string),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Apply merges one source record of sourceTable into the target tables.
// Problems with individual rules are counted, never returned.
func (e *Engine) Apply(sourceTable string, rec source.Record) {
	if e.finished {
		e.run.LateApplies++
		if e.run.LateApplies == 1 {
			e.logger.Warn().Str("source_table", sourceTable).Msg("apply after finish ignored")
		}
		return
	}

	std := rec.Standardize()
	ids := identity.Extract(std)
	e.observe(ids)

	st := e.tableStats(sourceTable)
	st.Records++
	e.run.SourceRecords++

	rules := e.rulesFor(sourceTable)
	if len(rules) == 0 {
		st.Unmapped = true
		return
	}
	e.applyRules(sourceTable, std, ids, rules, st)
}

func (e *Engine) applyRules(sourceTable string, std source.Record, ids identity.Identifiers, rules []mapping.Rule, st *TableStats) {
	defer func() {
		if r := recover(); r != nil {
			st.FailedRecords++
			e.run.FailedRecords++
			e.logger.Debug().
				Str("source_table", sourceTable).
				Str("panic", fmt.Sprint(r)).
				Msg("record failed")
		}
	}()

	values := std.Index()
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			st.SkippedInvalid++
			continue
		}
		v, ok := values[r.SourceField]
		if !ok {
			continue
		}
		if v.IsNull() {
			st.SkippedAbsent++
			continue
		}
		val, ok := e.convert(v, r.TargetField)
		if !ok {
			st.SkippedConversion++
			continue
		}

		key := identity.ResolveWith(r.TargetTable, std, ids)
		tt := e.table(r.TargetTable)
		if i, ok := tt.index[key]; ok {
			if existed, changed := tt.records[i].Set(r.TargetField, val); existed && changed {
				st.Overwrites++
				e.run.Overwrites++
			}
		} else {
			out := NewRecord()
			out.Set(r.TargetField, val)
			injectIdentifiers(out, r.TargetTable, ids)
			tt.index[key] = len(tt.records)
			tt.records = append(tt.records, out)
		}
		st.Applied++
	}
}

// injectIdentifiers adds the raw subject and encounter ids a fresh record of
// table needs, without touching fields already written.
func injectIdentifiers(rec *Record, table string, ids identity.Identifiers) {
	if ids.Subject != "" && table != identity.PersonTable {
		rec.SetIfMissing(personIDField, ids.Subject)
	}
	if ids.Encounter != "" && eventTables[table] {
		rec.SetIfMissing(visitIDField, ids.Encounter)
	}
	switch table {
	case identity.PersonTable:
		if ids.Subject != "" {
			rec.SetIfMissing(personIDField, ids.Subject)
		}
	case identity.VisitTable:
		if ids.Encounter != "" {
			rec.SetIfMissing(visitIDField, ids.Encounter)
			if ids.Subject != "" {
				rec.SetIfMissing(personIDField, ids.Subject)
			}
		}
	}
}

// observe records subject and encounter ids for synthesis. An encounter is
// owned by the first subject seen with it.
func (e *Engine) observe(ids identity.Identifiers) {
	if ids.Subject != "" && !e.subjectSeen[ids.Subject] {
		e.subjectSeen[ids.Subject] = true
		e.subjects = append(e.subjects, ids.Subject)
	}
	if ids.Encounter == "" {
		return
	}
	owner, seen := e.encounterOwner[ids.Encounter]
	if !seen {
		e.encounters = append(e.encounters, ids.Encounter)
		e.encounterOwner[ids.Encounter] = ids.Subject
		return
	}
	if owner == "" && ids.Subject != "" {
		e.encounterOwner[ids.Encounter] = ids.Subject
	}
}

// rulesFor returns the rules of a source table, copied out of the rule table
// once per table.
func (e *Engine) rulesFor(sourceTable string) []mapping.Rule {
	k := strings.ToLower(strings.TrimSpace(sourceTable))
	rules, ok := e.byTable[k]
	if !ok {
		rules = e.rules.ForTable(sourceTable)
		e.byTable[k] = rules
	}
	return rules
}

func (e *Engine) table(name string) *targetTable {
	tt, ok := e.tables[name]
	if !ok {
		tt = &targetTable{index: make(map[identity.Key]int)}
		e.tables[name] = tt
	}
	return tt
}

func (e *Engine) tableStats(sourceTable string) *TableStats {
	k := strings.ToLower(strings.TrimSpace(sourceTable))
	st, ok := e.stats[k]
	if !ok {
		st = &TableStats{}
		e.stats[k] = st
		e.statNames[k] = sourceTable
	}
	return st
}

// Stats returns a snapshot of the counters so far.
func (e *Engine) Stats() RunStats {
	out := e.run
	out.Tables = make(map[string]TableStats, len(e.stats))
	for k, st := range e.stats {
		out.Tables[e.statNames[k]] = *st
	}
	return out
}

// Subjects returns the distinct subject ids seen so far, in first-seen order.
func (e *Engine) Subjects() []string {
	return append([]string(nil), e.subjects...)
}

// Encounters returns the distinct encounter ids seen so far, in first-seen
// order.
func (e *Engine) Encounters() []string {
	return append([]string(nil), e.encounters...)
}
