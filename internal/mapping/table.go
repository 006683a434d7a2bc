package mapping

import (
	"strings"

	"github.com/ehr/omop-etl/internal/source"
)

type fieldKey struct {
	table string
	field string
}

// Table is the immutable, indexed set of rules for one run. Rule order is the
// load order and is the order in which rules fire for a record.
type Table struct {
	rules        []Rule
	byTable      map[string][]int
	byField      map[fieldKey][]int
	sourceTables []string
	targetTables []string
}

// NewTable normalizes and indexes rules. Invalid rules are kept so the engine
// can count them as skipped; see Invalid.
func NewTable(rules []Rule) *Table {
	t := &Table{
		rules:   make([]Rule, 0, len(rules)),
		byTable: make(map[string][]int),
		byField: make(map[fieldKey][]int),
	}
	seenTarget := make(map[string]bool)
	for _, r := range rules {
		r = r.normalize()
		i := len(t.rules)
		t.rules = append(t.rules, r)

		tk := strings.ToLower(r.SourceTable)
		if _, ok := t.byTable[tk]; !ok {
			t.sourceTables = append(t.sourceTables, r.SourceTable)
		}
		t.byTable[tk] = append(t.byTable[tk], i)
		fk := fieldKey{table: tk, field: r.SourceField}
		t.byField[fk] = append(t.byField[fk], i)

		if r.TargetTable != "" && !seenTarget[r.TargetTable] {
			seenTarget[r.TargetTable] = true
			t.targetTables = append(t.targetTables, r.TargetTable)
		}
	}
	return t
}

func (t *Table) collect(idx []int) []Rule {
	if len(idx) == 0 {
		return nil
	}
	out := make([]Rule, len(idx))
	for i, j := range idx {
		out[i] = t.rules[j]
	}
	return out
}

// ForTable returns the rules of a source table in load order. The table name
// is matched case-insensitively.
func (t *Table) ForTable(sourceTable string) []Rule {
	return t.collect(t.byTable[strings.ToLower(strings.TrimSpace(sourceTable))])
}

// Lookup returns the rules for one (source table, source field) pair. The
// field is compared in its standardized form.
func (t *Table) Lookup(sourceTable, sourceField string) []Rule {
	return t.collect(t.byField[fieldKey{
		table: strings.ToLower(strings.TrimSpace(sourceTable)),
		field: source.StandardizeName(sourceField),
	}])
}

// HasTable reports whether any rule reads from the source table.
func (t *Table) HasTable(sourceTable string) bool {
	_, ok := t.byTable[strings.ToLower(strings.TrimSpace(sourceTable))]
	return ok
}

// Rules returns a copy of every rule in load order.
func (t *Table) Rules() []Rule {
	out := make([]Rule, len(t.rules))
	copy(out, t.rules)
	return out
}

// Invalid returns the rules that fail Validate.
func (t *Table) Invalid() []Rule {
	var out []Rule
	for _, r := range t.rules {
		if r.Validate() != nil {
			out = append(out, r)
		}
	}
	return out
}

// SourceTables returns the source tables that have rules, in first-seen order.
func (t *Table) SourceTables() []string {
	return append([]string(nil), t.sourceTables...)
}

// TargetTables returns the target tables rules write to, in first-seen order.
func (t *Table) TargetTables() []string {
	return append([]string(nil), t.targetTables...)
}

// Len returns the number of rules.
func (t *Table) Len() int { return len(t.rules) }
