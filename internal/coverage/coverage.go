// Package coverage measures how much of the source catalog a mapping covers.
package coverage

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/ehr/omop-etl/internal/catalog"
	"github.com/ehr/omop-etl/internal/mapping"
	"github.com/ehr/omop-etl/internal/source"
)

// Count is a mapped/total pair.
type Count struct {
	Mapped int `json:"mapped"`
	Total  int `json:"total"`
}

// Percent returns the mapped share, or 0 when there is nothing to map.
func (c Count) Percent() float64 {
	if c.Total == 0 {
		return 0
	}
	return float64(c.Mapped) / float64(c.Total) * 100
}

func (c Count) String() string {
	return fmt.Sprintf("%d/%d (%.1f%%)", c.Mapped, c.Total, c.Percent())
}

// TableFields is the field coverage of one catalog table.
type TableFields struct {
	Table    string   `json:"table"`
	Fields   Count    `json:"fields"`
	Unmapped []string `json:"unmapped,omitempty"`
}

// Report is the coverage of a mapping against a catalog.
type Report struct {
	Tables         Count               `json:"tables"`
	Fields         Count               `json:"fields"`
	UnmappedTables []string            `json:"unmapped_tables"`
	ByTable        []TableFields       `json:"by_table"`
	UnknownTables  []string            `json:"unknown_tables,omitempty"`
	UnknownFields  []string            `json:"unknown_fields,omitempty"`
	TargetTables   map[string]int      `json:"target_tables"`
	TargetFields   map[string][]string `json:"target_fields"`
	Kinds          map[string]int      `json:"kinds"`
	InvalidRules   int                 `json:"invalid_rules"`
}

// Analyze compares the rules against the catalog. Table names are matched
// ignoring case and punctuation, field names after standardization.
func Analyze(cat *catalog.Catalog, rules *mapping.Table) *Report {
	rep := &Report{
		UnmappedTables: []string{},
		TargetTables:   make(map[string]int),
		TargetFields:   make(map[string][]string),
		Kinds:          make(map[string]int),
		InvalidRules:   len(rules.Invalid()),
	}

	ruleTables := make(map[string]string)
	for _, t := range rules.SourceTables() {
		ruleTables[source.TableKey(t)] = t
	}

	matched := make(map[string]bool)
	for _, table := range cat.Tables() {
		cols, _ := cat.ColumnsOf(table)
		tf := TableFields{Table: table, Fields: Count{Total: len(cols)}}
		rep.Tables.Total++
		rep.Fields.Total += len(cols)

		ruleTable, ok := ruleTables[source.TableKey(table)]
		if ok {
			rep.Tables.Mapped++
			matched[ruleTable] = true
		} else {
			rep.UnmappedTables = append(rep.UnmappedTables, table)
		}
		for _, col := range cols {
			if ok && len(rules.Lookup(ruleTable, col.Name)) > 0 {
				tf.Fields.Mapped++
				continue
			}
			tf.Unmapped = append(tf.Unmapped, col.Name)
		}
		rep.Fields.Mapped += tf.Fields.Mapped
		rep.ByTable = append(rep.ByTable, tf)
	}

	fieldSeen := make(map[string]map[string]bool)
	for _, r := range rules.Rules() {
		rep.Kinds[r.Kind.String()]++
		if r.Validate() != nil {
			continue
		}
		rep.TargetTables[r.TargetTable]++
		if fieldSeen[r.TargetTable] == nil {
			fieldSeen[r.TargetTable] = make(map[string]bool)
		}
		if !fieldSeen[r.TargetTable][r.TargetField] {
			fieldSeen[r.TargetTable][r.TargetField] = true
			rep.TargetFields[r.TargetTable] = append(rep.TargetFields[r.TargetTable], r.TargetField)
		}
		if matched[r.SourceTable] && !catHasColumn(cat, r.SourceTable, r.SourceField) {
			rep.UnknownFields = append(rep.UnknownFields, r.SourceTable+"."+r.SourceField)
		}
	}
	for _, t := range rules.SourceTables() {
		if !matched[t] {
			rep.UnknownTables = append(rep.UnknownTables, t)
		}
	}
	for _, fields := range rep.TargetFields {
		sort.Strings(fields)
	}
	sort.Strings(rep.UnknownFields)
	rep.UnknownFields = dedupe(rep.UnknownFields)
	return rep
}

func catHasColumn(cat *catalog.Catalog, ruleTable, field string) bool {
	for _, t := range cat.Tables() {
		if source.TableKey(t) == source.TableKey(ruleTable) {
			return cat.HasColumn(t, field)
		}
	}
	return false
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i > 0 && s == sorted[i-1] {
			continue
		}
		out = append(out, s)
	}
	return out
}

// WorstTables returns up to n tables with the most unmapped fields.
func (r *Report) WorstTables(n int) []TableFields {
	out := append([]TableFields(nil), r.ByTable...)
	sort.SliceStable(out, func(i, j int) bool {
		return len(out[i].Unmapped) > len(out[j].Unmapped)
	})
	if n >= 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// WriteText prints a human readable report.
func (r *Report) WriteText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Source tables:\t%s\n", r.Tables)
	fmt.Fprintf(tw, "Source fields:\t%s\n", r.Fields)
	fmt.Fprintf(tw, "Invalid rules:\t%d\n", r.InvalidRules)
	if len(r.UnmappedTables) > 0 {
		fmt.Fprintf(tw, "\nUnmapped source tables (%d):\n", len(r.UnmappedTables))
		for _, t := range r.UnmappedTables {
			fmt.Fprintf(tw, "  - %s\n", t)
		}
	}
	if len(r.UnknownTables) > 0 {
		fmt.Fprintf(tw, "\nMapped tables missing from catalog: %s\n", strings.Join(r.UnknownTables, ", "))
	}
	if len(r.UnknownFields) > 0 {
		fmt.Fprintf(tw, "\nMapped fields missing from catalog (%d):\n", len(r.UnknownFields))
		for _, f := range r.UnknownFields {
			fmt.Fprintf(tw, "  - %s\n", f)
		}
	}

	fmt.Fprintln(tw, "\nTarget tables:")
	targets := make([]string, 0, len(r.TargetTables))
	for t := range r.TargetTables {
		targets = append(targets, t)
	}
	sort.Strings(targets)
	for _, t := range targets {
		fmt.Fprintf(tw, "  %s\t%d rules\t%d fields\n", t, r.TargetTables[t], len(r.TargetFields[t]))
	}

	fmt.Fprintln(tw, "\nTables with most unmapped fields:")
	for _, tf := range r.WorstTables(5) {
		fmt.Fprintf(tw, "  %s\t%s\t%d unmapped\n", tf.Table, tf.Fields, len(tf.Unmapped))
	}
	return tw.Flush()
}
