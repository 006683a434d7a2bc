package source

import (
	"strings"
	"unicode"
)

// StandardizeName lower-cases a column name, turns whitespace and common
// separators into underscores and collapses runs of underscores.
//
//	"Admit Dt-Tm"   -> "admit_dt_tm"
//	"  MRN "        -> "mrn"
//	"a.b__c"        -> "a_b_c"
func StandardizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	lastUnderscore := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		if unicode.IsSpace(r) || r == '-' || r == '.' || r == '/' || r == '_' {
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
			continue
		}
		b.WriteRune(r)
		lastUnderscore = false
	}
	return strings.Trim(b.String(), "_")
}

// TableKey reduces a table name to lower-case letters and digits so that
// "Admission / Discharge", "admission_discharge" and "AdmissionDischarge"
// compare equal.
func TableKey(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
