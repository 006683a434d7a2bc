package engine

import (
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/ehr/omop-etl/internal/mapping"
	"github.com/ehr/omop-etl/internal/source"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

func rule(srcTable, srcField, tgtTable, tgtField string) mapping.Rule {
	return mapping.Rule{
		SourceTable: srcTable,
		SourceField: srcField,
		TargetTable: tgtTable,
		TargetField: tgtField,
	}
}

func row(kv ...string) source.Record {
	rec := make(source.Record, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		rec = append(rec, source.Field{Name: kv[i], Value: source.Text(kv[i+1])})
	}
	return rec
}

func newEngine(rules ...mapping.Rule) *Engine {
	return New(mapping.NewTable(rules), WithLogger(testLogger()))
}

func asJSON(t *testing.T, recs []*Record) string {
	t.Helper()
	b, err := json.Marshal(recs)
	if err != nil {
		t.Fatalf("marshal records: %v", err)
	}
	return string(b)
}

func maps(recs []*Record) []map[string]interface{} {
	out := make([]map[string]interface{}, len(recs))
	for i, r := range recs {
		out[i] = r.Map()
	}
	return out
}

// ---------------------------------------------------------------------------
// Scenarios
// ---------------------------------------------------------------------------

func TestEngine_PersonAndVisitFromOneRecord(t *testing.T) {
	e := newEngine(
		rule("Admission / Discharge", "mrn", "person", "person_id"),
		rule("Admission / Discharge", "admit_dt_tm", "visit_occurrence", "visit_start_date"),
	)
	e.Apply("Admission / Discharge", row("MRN", "P001", "ENCNTR_NUM", "E001", "Admit Dt Tm", "2023-01-15 09:30"))
	res := e.Finish()

	if got, want := asJSON(t, res.Table("person")), `[{"person_id":"P001"}]`; got != want {
		t.Errorf("expected person %s, got %s", want, got)
	}
	want := `[{"visit_start_date":"2023-01-15","person_id":"P001","visit_occurrence_id":"E001"}]`
	if got := asJSON(t, res.Table("visit_occurrence")); got != want {
		t.Errorf("expected visit %s, got %s", want, got)
	}

	st := res.Stats.Tables["Admission / Discharge"]
	if st.SkippedConversion != 1 {
		t.Errorf("expected the non-numeric person_id to be skipped once, got %d", st.SkippedConversion)
	}
	if res.Stats.SynthesizedPeople != 1 {
		t.Errorf("expected 1 synthesized person, got %d", res.Stats.SynthesizedPeople)
	}
}

func TestEngine_OnePersonTwoVisits(t *testing.T) {
	e := newEngine(
		rule("Encounters", "admit_dt_tm", "visit_occurrence", "visit_start_date"),
		rule("Encounters", "gender", "person", "gender_source_concept"),
	)
	e.Apply("Encounters", row("mrn", "P001", "encntr_num", "E001", "admit_dt_tm", "2023-01-15", "gender", "F"))
	e.Apply("Encounters", row("mrn", "P001", "encntr_num", "E002", "admit_dt_tm", "2023-02-20", "gender", "F"))
	res := e.Finish()

	people := res.Table("person")
	if len(people) != 1 {
		t.Fatalf("expected 1 person, got %d: %s", len(people), asJSON(t, people))
	}
	visits := res.Table("visit_occurrence")
	if len(visits) != 2 {
		t.Fatalf("expected 2 visits, got %d", len(visits))
	}
	want := []map[string]interface{}{
		{"visit_start_date": "2023-01-15", "person_id": "P001", "visit_occurrence_id": "E001"},
		{"visit_start_date": "2023-02-20", "person_id": "P001", "visit_occurrence_id": "E002"},
	}
	if diff := cmp.Diff(want, maps(visits)); diff != "" {
		t.Errorf("visits mismatch (-want +got):\n%s", diff)
	}
	if res.Stats.SynthesizedPeople != 0 {
		t.Errorf("expected no synthesized people, got %d", res.Stats.SynthesizedPeople)
	}
}

func TestEngine_MissingSubjectFallsBackToDerivedKey(t *testing.T) {
	e := newEngine(rule("Demographics", "birth_date", "person", "birth_datetime"))
	e.Apply("Demographics", row("encntr_num", "E009", "birth_date", "1980-05-01"))
	e.Apply("Demographics", row("mrn", "P001", "birth_date", "1990-01-01"))
	// The same content again must land on the same derived key.
	e.Apply("Demographics", row("encntr_num", "E009", "birth_date", "1980-05-01"))
	res := e.Finish()

	people := res.Table("person")
	want := []map[string]interface{}{
		{"birth_datetime": "1980-05-01"},
		{"birth_datetime": "1990-01-01", "person_id": "P001"},
	}
	if diff := cmp.Diff(want, maps(people)); diff != "" {
		t.Errorf("people mismatch (-want +got):\n%s", diff)
	}
}

// ---------------------------------------------------------------------------
// Properties
// ---------------------------------------------------------------------------

func TestEngine_ApplyIsIdempotent(t *testing.T) {
	rules := []mapping.Rule{
		rule("Lab", "result_val", "measurement", "value_as_number"),
		rule("Lab", "event_dt", "measurement", "measurement_date"),
		rule("Lab", "admit_dt", "visit_occurrence", "visit_start_date"),
	}
	rec := row("mrn", "P1", "encntr_num", "E1", "result_val", "4.2", "event_dt", "2023-03-01", "admit_dt", "2023-02-28")

	once := newEngine(rules...)
	once.Apply("Lab", rec)
	twice := newEngine(rules...)
	twice.Apply("Lab", rec)
	twice.Apply("Lab", rec)

	a, b := once.Finish(), twice.Finish()
	for _, table := range []string{"measurement", "visit_occurrence", "person"} {
		if got, want := asJSON(t, b.Table(table)), asJSON(t, a.Table(table)); got != want {
			t.Errorf("%s: expected %s after re-apply, got %s", table, want, got)
		}
	}
	if b.Stats.Overwrites != 0 {
		t.Errorf("expected identical re-apply to count no overwrites, got %d", b.Stats.Overwrites)
	}
}

func TestEngine_KeyStableAcrossRules(t *testing.T) {
	e := newEngine(
		rule("Diagnosis", "dx_code", "condition_occurrence", "condition_source_concept"),
		rule("Diagnosis", "dx_date", "condition_occurrence", "condition_start_date"),
		rule("Diagnosis Extra", "dx_type", "condition_occurrence", "condition_type_concept"),
	)
	e.Apply("Diagnosis", row("mrn", "P1", "encntr_num", "E1", "dx_code", "I10", "dx_date", "2023-01-02"))
	e.Apply("Diagnosis Extra", row("mrn", "P1", "encntr_num", "E1", "dx_type", "primary"))
	res := e.Finish()

	conds := res.Table("condition_occurrence")
	if len(conds) != 1 {
		t.Fatalf("expected one merged condition, got %d: %s", len(conds), asJSON(t, conds))
	}
	want := map[string]interface{}{
		"condition_source_concept": "I10",
		"person_id":                "P1",
		"visit_occurrence_id":      "E1",
		"condition_start_date":     "2023-01-02",
		"condition_type_concept":   "primary",
		"condition_occurrence_id":  int64(1),
	}
	if diff := cmp.Diff(want, conds[0].Map()); diff != "" {
		t.Errorf("condition mismatch (-want +got):\n%s", diff)
	}
}

func TestEngine_NoOrphanIdentifiers(t *testing.T) {
	e := newEngine(rule("Lab", "result_val", "measurement", "value_as_number"))
	e.Apply("Lab", row("mrn", "P1", "encntr_num", "E1", "result_val", "1"))
	e.Apply("Lab", row("mrn", "P2", "encntr_num", "E2", "result_val", "2"))
	e.Apply("Lab", row("mrn", "P2", "encntr_num", "E3", "result_val", "3"))
	e.Apply("Unmapped Table", row("mrn", "P3", "encntr_num", "E4"))
	e.Apply("Lab", row("encntr_num", "E5", "result_val", "5"))
	res := e.Finish()

	count := func(table, field string) map[interface{}]int {
		out := make(map[interface{}]int)
		for _, r := range res.Table(table) {
			if v, ok := r.Get(field); ok {
				out[v]++
			}
		}
		return out
	}
	people := count("person", "person_id")
	for _, id := range []string{"P1", "P2", "P3"} {
		if people[id] != 1 {
			t.Errorf("expected exactly one person %s, got %d", id, people[id])
		}
	}
	visits := count("visit_occurrence", "visit_occurrence_id")
	for _, id := range []string{"E1", "E2", "E3", "E4", "E5"} {
		if visits[id] != 1 {
			t.Errorf("expected exactly one visit %s, got %d", id, visits[id])
		}
	}
	for _, v := range res.Table("visit_occurrence") {
		if id, _ := v.Get("visit_occurrence_id"); id == "E5" && v.Has("person_id") {
			t.Errorf("expected visit without subject to have no person_id, got %v", v.Map())
		}
	}
	if !res.Stats.Tables["Unmapped Table"].Unmapped {
		t.Error("expected table without rules to be flagged unmapped")
	}
}

func TestEngine_AbsentValuesCreateNothing(t *testing.T) {
	e := newEngine(
		rule("Meds", "drug_name", "drug_exposure", "drug_source_concept"),
		rule("Meds", "dose", "drug_exposure", "quantity"),
	)
	e.Apply("Meds", row("mrn", "P1", "encntr_num", "E1", "drug_name", "  ", "dose", "nan"))
	e.Apply("Meds", source.Record{
		{Name: "mrn", Value: source.Text("P1")},
		{Name: "drug_name", Value: source.Null()},
	})
	res := e.Finish()

	if n := len(res.Table("drug_exposure")); n != 0 {
		t.Errorf("expected no drug records, got %d", n)
	}
	if st := res.Stats.Tables["Meds"]; st.SkippedAbsent != 3 {
		t.Errorf("expected 3 absent skips, got %d", st.SkippedAbsent)
	}
}

func TestEngine_NonNumericIdentifierNeverWritten(t *testing.T) {
	e := newEngine(
		rule("Obs", "provider", "observation", "provider_id"),
		rule("Obs", "note", "observation", "observation_source_concept"),
	)
	e.Apply("Obs", row("mrn", "P1", "encntr_num", "E1", "event_id", "X1", "provider", "Dr. Who", "note", "ok"))
	e.Apply("Obs", row("mrn", "P1", "encntr_num", "E1", "event_id", "X2", "provider", "17.0"))
	res := e.Finish()

	obs := res.Table("observation")
	if len(obs) != 2 {
		t.Fatalf("expected 2 observations, got %d", len(obs))
	}
	if obs[0].Has("provider_id") {
		t.Errorf("expected provider_id omitted, got %v", obs[0].Map())
	}
	if v, _ := obs[1].Get("provider_id"); v != int64(17) {
		t.Errorf("expected provider_id 17, got %v", v)
	}
}

// ---------------------------------------------------------------------------
// Merge behaviour
// ---------------------------------------------------------------------------

func TestEngine_LastWriteWinsAndCountsOverwrites(t *testing.T) {
	e := newEngine(
		rule("Admission", "admit_dt", "visit_occurrence", "visit_start_date"),
		rule("Admission", "arrive_dt", "visit_occurrence", "visit_start_date"),
	)
	e.Apply("Admission", row("mrn", "P1", "encntr_num", "E1", "admit_dt", "2023-01-01", "arrive_dt", "2023-01-03"))
	res := e.Finish()

	v, _ := res.Table("visit_occurrence")[0].Get("visit_start_date")
	if v != "2023-01-03" {
		t.Errorf("expected later rule to win, got %v", v)
	}
	if got := res.Stats.Tables["Admission"].Overwrites; got != 1 {
		t.Errorf("expected 1 overwrite, got %d", got)
	}
}

func TestEngine_InvalidRulesSkipped(t *testing.T) {
	e := newEngine(
		rule("Lab", "result_val", "", "value_as_number"),
		rule("Lab", "result_val", "measurement", ""),
		rule("Lab", "result_val", "measurement", "value_as_number"),
	)
	e.Apply("Lab", row("mrn", "P1", "event_id", "L1", "result_val", "9.5"))
	res := e.Finish()

	if st := res.Stats.Tables["Lab"]; st.SkippedInvalid != 2 || st.Applied != 1 {
		t.Errorf("expected 2 invalid and 1 applied, got %+v", st)
	}
	if n := len(res.Table("measurement")); n != 1 {
		t.Errorf("expected 1 measurement, got %d", n)
	}
}

func TestEngine_SourceTableMatchIgnoresCase(t *testing.T) {
	e := newEngine(rule("Laboratory Result", "Result Value", "Measurement", "VALUE_AS_NUMBER"))
	e.Apply("LABORATORY RESULT", row("MRN", "P1", "Event ID", "L1", "Result  Value", "7"))
	res := e.Finish()

	ms := res.Table("measurement")
	if len(ms) != 1 {
		t.Fatalf("expected 1 measurement, got %d", len(ms))
	}
	if v, _ := ms[0].Get("value_as_number"); v != 7.0 {
		t.Errorf("expected 7, got %v", v)
	}
}

func TestEngine_SequenceIDsFollowAppendOrder(t *testing.T) {
	e := newEngine(
		rule("Proc", "proc_code", "procedure_occurrence", "procedure_source_concept"),
		rule("Proc", "proc_id", "procedure_occurrence", "procedure_occurrence_id"),
	)
	e.Apply("Proc", row("mrn", "P1", "encntr_num", "E1", "proc_code", "A"))
	e.Apply("Proc", row("mrn", "P1", "encntr_num", "E2", "proc_code", "B", "proc_id", "99"))
	e.Apply("Proc", row("mrn", "P2", "encntr_num", "E3", "proc_code", "C"))
	res := e.Finish()

	var got []interface{}
	for _, r := range res.Table("procedure_occurrence") {
		v, _ := r.Get("procedure_occurrence_id")
		got = append(got, v)
	}
	want := []interface{}{int64(1), int64(99), int64(3)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("sequence ids mismatch (-want +got):\n%s", diff)
	}
}

func TestEngine_RecoversFromPanics(t *testing.T) {
	e := newEngine(rule("Lab", "result_val", "measurement", "value_as_number"))
	e.convert = func(v source.Value, field string) (interface{}, bool) {
		if v.String() == "boom" {
			panic("converter failure")
		}
		return v.String(), true
	}
	e.Apply("Lab", row("mrn", "P1", "event_id", "1", "result_val", "boom"))
	e.Apply("Lab", row("mrn", "P1", "event_id", "2", "result_val", "fine"))
	res := e.Finish()

	if st := res.Stats.Tables["Lab"]; st.FailedRecords != 1 {
		t.Errorf("expected 1 failed record, got %d", st.FailedRecords)
	}
	if n := len(res.Table("measurement")); n != 1 {
		t.Errorf("expected processing to continue after the panic, got %d measurements", n)
	}
}

func TestEngine_ApplyAfterFinishIgnored(t *testing.T) {
	e := newEngine(rule("Lab", "result_val", "measurement", "value_as_number"))
	e.Apply("Lab", row("mrn", "P1", "event_id", "1", "result_val", "1"))
	first := e.Finish()
	e.Apply("Lab", row("mrn", "P9", "event_id", "9", "result_val", "9"))
	second := e.Finish()

	if first != second {
		t.Error("expected Finish to return the same result")
	}
	if n := len(second.Table("measurement")); n != 1 {
		t.Errorf("expected 1 measurement, got %d", n)
	}
	if got := e.Stats().LateApplies; got != 1 {
		t.Errorf("expected 1 late apply, got %d", got)
	}
}

func TestEngine_EnginesAreIndependent(t *testing.T) {
	r := rule("Lab", "result_val", "measurement", "value_as_number")
	a, b := newEngine(r), newEngine(r)
	a.Apply("Lab", row("mrn", "P1", "event_id", "1", "result_val", "1"))

	if n := len(b.Finish().Table("measurement")); n != 0 {
		t.Errorf("expected second engine to be empty, got %d records", n)
	}
	if n := len(a.Finish().Table("measurement")); n != 1 {
		t.Errorf("expected first engine to hold 1 record, got %d", n)
	}
}

func TestResult_OutputHasNoKeys(t *testing.T) {
	e := newEngine(rule("Lab", "result_val", "measurement", "value_as_number"))
	e.Apply("Lab", row("result_val", "1"))
	res := e.Finish()

	want := `[{"value_as_number":1,"measurement_id":1}]`
	if got := asJSON(t, res.Table("measurement")); got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestEngine_NullTokensCreateNoIdentities(t *testing.T) {
	e := newEngine(rule("Demographics", "gender", "person", "gender_source_value"))
	data := "mrn,encntr_num,gender\nNULL,NA,N/A\nP001,E001,None\n"
	_, err := source.NewCSVReader(10, testLogger()).Read(strings.NewReader(data), "demographics.csv", func(batch []source.Record) error {
		for _, rec := range batch {
			e.Apply("Demographics", rec)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	res := e.Finish()

	if got, want := asJSON(t, res.Table("person")), `[{"person_id":"P001"}]`; got != want {
		t.Errorf("expected person %s, got %s", want, got)
	}
	if got, want := asJSON(t, res.Table("visit_occurrence")), `[{"visit_occurrence_id":"E001","person_id":"P001"}]`; got != want {
		t.Errorf("expected visit %s, got %s", want, got)
	}
	if st := res.Stats.Tables["Demographics"]; st.SkippedAbsent != 2 {
		t.Errorf("expected both gender tokens skipped as absent, got %d", st.SkippedAbsent)
	}
}
