// Package mapping holds the declarative IHID to OMOP field mapping: a flat,
// immutable list of rules indexed by source table and source field.
package mapping

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ehr/omop-etl/internal/source"
)

var (
	ErrInvalidRule  = errors.New("invalid mapping rule")
	ErrUnknownKind  = errors.New("unknown mapping kind")
	ErrEmptyMapping = errors.New("mapping document is empty")
)

// Kind records how a source field relates to its target field.
type Kind int

const (
	KindExact Kind = iota
	KindNonExact
	KindCoreIdentifier
	KindAnticipated
	KindUnknown
)

var kindNames = map[Kind]string{
	KindExact:          "exact",
	KindNonExact:       "non_exact",
	KindCoreIdentifier: "core_identifier",
	KindAnticipated:    "anticipated",
	KindUnknown:        "unknown",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// ParseKind accepts the spellings used by the mapping generators ("non-exact",
// "non_exact", "core-identifier", ...). An empty string means exact.
func ParseKind(s string) (Kind, error) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	switch norm {
	case "", "exact":
		return KindExact, nil
	case "non_exact", "nonexact":
		return KindNonExact, nil
	case "core_identifier", "coreidentifier":
		return KindCoreIdentifier, nil
	case "anticipated":
		return KindAnticipated, nil
	}
	return KindUnknown, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Rule routes one source field to one target field.
type Rule struct {
	SourceTable string `json:"source_table"`
	SourceField string `json:"source_field"`
	TargetTable string `json:"target_table"`
	TargetField string `json:"target_field"`
	Kind        Kind   `json:"mapping_kind"`
	Description string `json:"description,omitempty"`
	Notes       string `json:"notes,omitempty"`
}

// Validate reports whether the rule names everything the engine needs.
func (r Rule) Validate() error {
	switch {
	case r.SourceTable == "":
		return fmt.Errorf("%w: missing source table", ErrInvalidRule)
	case r.SourceField == "":
		return fmt.Errorf("%w: missing source field", ErrInvalidRule)
	case r.TargetTable == "":
		return fmt.Errorf("%w: %s.%s has no target table", ErrInvalidRule, r.SourceTable, r.SourceField)
	case r.TargetField == "":
		return fmt.Errorf("%w: %s.%s has no target field", ErrInvalidRule, r.SourceTable, r.SourceField)
	}
	return nil
}

func (r Rule) String() string {
	return fmt.Sprintf("%s.%s -> %s.%s (%s)", r.SourceTable, r.SourceField, r.TargetTable, r.TargetField, r.Kind)
}

// normalize trims names, standardizes the source field so it lines up with
// standardized record columns, and lower-cases target names.
func (r Rule) normalize() Rule {
	r.SourceTable = strings.TrimSpace(r.SourceTable)
	r.SourceField = source.StandardizeName(r.SourceField)
	r.TargetTable = strings.ToLower(strings.TrimSpace(r.TargetTable))
	r.TargetField = strings.ToLower(strings.TrimSpace(r.TargetField))
	return r
}
