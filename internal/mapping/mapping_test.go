package mapping

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

const jsonMapping = `{
  "Admission / Discharge": {
    "MRN": [
      {"omop_table": "person", "omop_field": "person_id", "mapping_type": "core_identifier"}
    ],
    "Admit Dt Tm": [
      {"omop_table": "Visit_Occurrence", "omop_field": "visit_start_date", "mapping_type": "exact"},
      {"omop_table": "visit_occurrence", "omop_field": "visit_start_datetime", "mapping_type": "non-exact", "notes": "time dropped"}
    ]
  },
  "Laboratory Result": {
    "result_value": [
      {"omop_table": "measurement", "omop_field": "value_as_number", "mapping_type": "bogus"},
      {"omop_table": "", "omop_field": "value_source_value"}
    ],
    "broken": "not a list"
  }
}`

func TestParse_JSON(t *testing.T) {
	rules, issues, err := Parse([]byte(jsonMapping))
	require.NoError(t, err)
	require.Len(t, rules, 5)

	assert.Equal(t, Rule{
		SourceTable: "Admission / Discharge",
		SourceField: "MRN",
		TargetTable: "person",
		TargetField: "person_id",
		Kind:        KindCoreIdentifier,
	}, rules[0])
	assert.Equal(t, "visit_start_date", rules[1].TargetField, "document order is kept")
	assert.Equal(t, KindNonExact, rules[2].Kind)
	assert.Equal(t, "time dropped", rules[2].Notes)
	assert.Equal(t, KindUnknown, rules[3].Kind)
	assert.Equal(t, KindExact, rules[4].Kind, "missing mapping_type means exact")

	require.Len(t, issues, 2)
	assert.Equal(t, "Laboratory Result.result_value[0]", issues[0].Path)
	assert.Equal(t, "Laboratory Result.broken", issues[1].Path)
}

func TestParse_YAML(t *testing.T) {
	doc := `
Pharmacy:
  drug_name:
    - omop_table: drug_exposure
      omop_field: drug_source_concept
      mapping_type: anticipated
  dose:
    - omop_table: drug_exposure
      omop_field: quantity
`
	rules, issues, err := Parse([]byte(doc))
	require.NoError(t, err)
	assert.Empty(t, issues)
	require.Len(t, rules, 2)
	assert.Equal(t, "drug_name", rules[0].SourceField)
	assert.Equal(t, KindAnticipated, rules[0].Kind)
	assert.Equal(t, "dose", rules[1].SourceField)
}

func TestParse_Errors(t *testing.T) {
	_, _, err := Parse([]byte(`[1, 2, 3]`))
	assert.Error(t, err, "a top-level list is not a mapping document")

	_, _, err = Parse([]byte(`{"a": [`))
	assert.Error(t, err)

	for _, empty := range []string{"", "   \n\n  "} {
		_, _, err = Parse([]byte(empty))
		assert.ErrorIs(t, err, ErrEmptyMapping, "input %q", empty)
	}
}

func TestParseKind(t *testing.T) {
	tests := map[string]Kind{
		"":                KindExact,
		"Exact":           KindExact,
		"non-exact":       KindNonExact,
		"NON_EXACT":       KindNonExact,
		"core-identifier": KindCoreIdentifier,
		"anticipated":     KindAnticipated,
	}
	for in, want := range tests {
		got, err := ParseKind(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	got, err := ParseKind("guess")
	assert.True(t, errors.Is(err, ErrUnknownKind))
	assert.Equal(t, KindUnknown, got)
}

func TestRule_Validate(t *testing.T) {
	ok := Rule{SourceTable: "T", SourceField: "f", TargetTable: "person", TargetField: "person_id"}
	assert.NoError(t, ok.Validate())

	for _, r := range []Rule{
		{SourceField: "f", TargetTable: "t", TargetField: "x"},
		{SourceTable: "T", TargetTable: "t", TargetField: "x"},
		{SourceTable: "T", SourceField: "f", TargetField: "x"},
		{SourceTable: "T", SourceField: "f", TargetTable: "t"},
	} {
		assert.ErrorIs(t, r.Validate(), ErrInvalidRule, r.String())
	}
}

func TestTable_Index(t *testing.T) {
	rules, _, err := Parse([]byte(jsonMapping))
	require.NoError(t, err)
	tbl := NewTable(rules)

	assert.Equal(t, 5, tbl.Len())
	assert.Equal(t, []string{"Admission / Discharge", "Laboratory Result"}, tbl.SourceTables())
	assert.Equal(t, []string{"person", "visit_occurrence", "measurement"}, tbl.TargetTables())
	assert.True(t, tbl.HasTable("admission / DISCHARGE"))
	assert.False(t, tbl.HasTable("Pharmacy"))

	adm := tbl.ForTable("ADMISSION / DISCHARGE")
	require.Len(t, adm, 3)
	assert.Equal(t, "mrn", adm[0].SourceField, "source fields are standardized")
	assert.Equal(t, "visit_occurrence", adm[1].TargetTable, "target tables are lower-cased")

	hits := tbl.Lookup("Admission / Discharge", "Admit Dt Tm")
	require.Len(t, hits, 2)
	assert.Equal(t, "visit_start_date", hits[0].TargetField)
	assert.Equal(t, "visit_start_datetime", hits[1].TargetField)

	assert.Nil(t, tbl.ForTable("Pharmacy"))
	assert.Len(t, tbl.Invalid(), 1)
}

func TestTable_RulesIsACopy(t *testing.T) {
	tbl := NewTable([]Rule{{SourceTable: "T", SourceField: "f", TargetTable: "t", TargetField: "x"}})
	rs := tbl.Rules()
	rs[0].TargetField = "changed"
	assert.Equal(t, "x", tbl.Rules()[0].TargetField)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mapping.json")
	require.NoError(t, os.WriteFile(path, []byte(jsonMapping), 0o644))

	tbl, err := LoadFile(path, testLogger())
	require.NoError(t, err)
	assert.Equal(t, 5, tbl.Len())

	_, err = LoadFile(filepath.Join(dir, "missing.json"), testLogger())
	assert.Error(t, err)

	empty := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(empty, []byte("\n"), 0o644))
	_, err = LoadFile(empty, testLogger())
	assert.ErrorIs(t, err, ErrEmptyMapping)
}
