// Package identity derives run-local record keys that decide whether a mapped
// value creates a new target record or merges into an existing one.
package identity

import (
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/ehr/omop-etl/internal/source"
)

// Well-known OMOP tables the resolver treats specially.
const (
	PersonTable = "person"
	VisitTable  = "visit_occurrence"
)

// Identifier columns, in priority order, as they appear after field-name
// standardization.
var (
	SubjectFields   = []string{"mrn", "medical_record_number", "patient_id"}
	EncounterFields = []string{"encntr_num", "encounter_number"}
	EventFields     = []string{"event_id", "clinical_event_id"}
)

// perEventTables are keyed by the (subject, encounter) pair.
var perEventTables = map[string]bool{
	"condition_occurrence": true,
	"procedure_occurrence": true,
	"drug_exposure":        true,
}

// KeyKind separates keys built from declared identifiers from keys derived
// from record content.
type KeyKind uint8

const (
	Declared KeyKind = iota + 1
	Derived
)

func (k KeyKind) String() string {
	switch k {
	case Declared:
		return "declared"
	case Derived:
		return "derived"
	}
	return "invalid"
}

// Key identifies a target record within one run. Keys of different kinds never
// compare equal, so a derived key cannot collide with a declared one even if
// their text matches.
type Key struct {
	Kind  KeyKind
	Value string
}

func (k Key) String() string { return k.Value }

// Identifiers are the core identifiers found in one source record.
type Identifiers struct {
	Subject   string
	Encounter string
	Event     string
}

// Extract pulls the core identifiers out of a standardized record.
func Extract(rec source.Record) Identifiers {
	var ids Identifiers
	ids.Subject, _ = rec.Lookup(SubjectFields...)
	ids.Encounter, _ = rec.Lookup(EncounterFields...)
	ids.Event, _ = rec.Lookup(EventFields...)
	return ids
}

// Resolve maps a target table and a standardized source record to a key.
// First match wins:
//
//  1. person: subject id, else derived "person_unknown_<hash>"
//  2. visit_occurrence: encounter id, else derived "visit_occurrence_unknown_<hash>"
//  3. per-event tables: "<table>_<subject>_<encounter>", else derived
//  4. any event id: "<table>_<event>"
//  5. derived "<table>_<hash>"
func Resolve(targetTable string, rec source.Record) Key {
	return ResolveWith(targetTable, rec, Extract(rec))
}

// ResolveWith is Resolve with identifiers already extracted.
func ResolveWith(targetTable string, rec source.Record, ids Identifiers) Key {
	table := strings.ToLower(strings.TrimSpace(targetTable))
	switch {
	case table == PersonTable:
		if ids.Subject != "" {
			return SubjectKey(ids.Subject)
		}
		return derived(table+"_unknown_", rec)
	case table == VisitTable:
		if ids.Encounter != "" {
			return EncounterKey(ids.Encounter)
		}
		return derived(table+"_unknown_", rec)
	case perEventTables[table]:
		if ids.Subject != "" && ids.Encounter != "" {
			return Key{Kind: Declared, Value: table + "_" + ids.Subject + "_" + ids.Encounter}
		}
		return derived(table+"_", rec)
	case ids.Event != "":
		return Key{Kind: Declared, Value: table + "_" + ids.Event}
	}
	return derived(table+"_", rec)
}

// SubjectKey is the declared person key for a subject id.
func SubjectKey(subject string) Key {
	return Key{Kind: Declared, Value: PersonTable + "_" + subject}
}

// EncounterKey is the declared visit key for an encounter id.
func EncounterKey(encounter string) Key {
	return Key{Kind: Declared, Value: VisitTable + "_" + encounter}
}

func derived(prefix string, rec source.Record) Key {
	return Key{Kind: Derived, Value: prefix + ContentHash(rec)}
}

// ContentHash is a deterministic hash of a record's names and values in
// column order. Identical content hashes identically within a run; nothing
// is promised across releases.
func ContentHash(rec source.Record) string {
	d := xxhash.New()
	for _, f := range rec {
		_, _ = d.WriteString(f.Name)
		_, _ = d.Write([]byte{0x1f})
		if f.Value.IsNull() {
			_, _ = d.Write([]byte{0x00})
		} else {
			_, _ = d.WriteString(f.Value.String())
		}
		_, _ = d.Write([]byte{0x1e})
	}
	return strconv.FormatUint(d.Sum64(), 16)
}
