package engine

import (
	"github.com/ehr/omop-etl/internal/identity"
)

// SequenceFields maps event tables to the identifier Finish numbers densely
// when a record has none.
var SequenceFields = map[string]string{
	"condition_occurrence": "condition_occurrence_id",
	"procedure_occurrence": "procedure_occurrence_id",
	"drug_exposure":        "drug_exposure_id",
	"measurement":          "measurement_id",
	"observation":          "observation_id",
	"device_exposure":      "device_exposure_id",
	"specimen":             "specimen_id",
}

// Finish completes the run and returns the result. It adds a person record for
// every observed subject and a visit record for every observed encounter that
// no rule created, numbers event records lacking an id, and drops the internal
// keys. Later calls return the same result; later Apply calls are ignored.
func (e *Engine) Finish() *Result {
	if e.finished {
		return e.result
	}
	e.finished = true

	e.synthesizePeople()
	e.synthesizeVisits()
	e.assignSequenceIDs()

	res := &Result{Tables: make(map[string][]*Record, len(e.tables))}
	for name, tt := range e.tables {
		res.Tables[name] = tt.records
		tt.index = nil
	}
	res.Stats = e.Stats()
	e.result = res

	for _, name := range res.Names() {
		e.logger.Info().Str("table", name).Int("records", len(res.Tables[name])).Msg("target table")
	}
	e.logger.Info().
		Int("tables", len(res.Names())).
		Int("records", res.Total()).
		Int("synthesized_people", res.Stats.SynthesizedPeople).
		Int("synthesized_visits", res.Stats.SynthesizedVisits).
		Int("overwrites", res.Stats.Overwrites).
		Msg("merge finished")
	return res
}

func (e *Engine) synthesizePeople() {
	if len(e.subjects) == 0 {
		return
	}
	tt := e.table(identity.PersonTable)
	for _, subject := range e.subjects {
		key := identity.SubjectKey(subject)
		if _, ok := tt.index[key]; ok {
			continue
		}
		rec := NewRecord()
		rec.Set(personIDField, subject)
		tt.index[key] = len(tt.records)
		tt.records = append(tt.records, rec)
		e.run.SynthesizedPeople++
	}
}

func (e *Engine) synthesizeVisits() {
	if len(e.encounters) == 0 {
		return
	}
	tt := e.table(identity.VisitTable)
	for _, enc := range e.encounters {
		key := identity.EncounterKey(enc)
		if _, ok := tt.index[key]; ok {
			continue
		}
		rec := NewRecord()
		rec.Set(visitIDField, enc)
		if owner := e.encounterOwner[enc]; owner != "" {
			rec.Set(personIDField, owner)
		}
		tt.index[key] = len(tt.records)
		tt.records = append(tt.records, rec)
		e.run.SynthesizedVisits++
	}
}

func (e *Engine) assignSequenceIDs() {
	for table, field := range SequenceFields {
		tt, ok := e.tables[table]
		if !ok {
			continue
		}
		for i, rec := range tt.records {
			if rec.SetIfMissing(field, int64(i+1)) {
				e.run.SequenceIDs++
			}
		}
	}
}
