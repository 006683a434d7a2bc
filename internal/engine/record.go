package engine

import (
	"bytes"
	"encoding/json"
	"reflect"
	"sort"
)

// Record is a target OMOP record: field values in the order they were first
// written. Field order is kept so output reads the way records were built.
type Record struct {
	fields []string
	values map[string]interface{}
}

// NewRecord creates an empty record.
func NewRecord() *Record {
	return &Record{values: make(map[string]interface{})}
}

// Set writes a field. It reports whether the field already existed and
// whether its value changed.
func (r *Record) Set(field string, v interface{}) (existed, changed bool) {
	old, ok := r.values[field]
	if !ok {
		r.fields = append(r.fields, field)
		r.values[field] = v
		return false, true
	}
	r.values[field] = v
	return true, !reflect.DeepEqual(old, v)
}

// SetIfMissing writes a field only when it is not present yet.
func (r *Record) SetIfMissing(field string, v interface{}) bool {
	if _, ok := r.values[field]; ok {
		return false
	}
	r.Set(field, v)
	return true
}

// Get returns the value of a field.
func (r *Record) Get(field string) (interface{}, bool) {
	v, ok := r.values[field]
	return v, ok
}

// Has reports whether a field is present.
func (r *Record) Has(field string) bool {
	_, ok := r.values[field]
	return ok
}

// Map returns a copy of the record as a plain map.
func (r *Record) Map() map[string]interface{} {
	m := make(map[string]interface{}, len(r.values))
	for k, v := range r.values {
		m[k] = v
	}
	return m
}

// MarshalJSON encodes the record as an object with fields in write order.
func (r *Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range r.fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(f)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		v, err := json.Marshal(r.values[f])
		if err != nil {
			return nil, err
		}
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// ---------------------------------------------------------------------------
// Result
// ---------------------------------------------------------------------------

// Result is the engine output: target tables of keyless records.
type Result struct {
	Tables map[string][]*Record
	Stats  RunStats
}

// Names returns the non-empty target tables, sorted.
func (r *Result) Names() []string {
	names := make([]string, 0, len(r.Tables))
	for name, recs := range r.Tables {
		if len(recs) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Table returns the records of one target table.
func (r *Result) Table(name string) []*Record {
	return r.Tables[name]
}

// Counts returns the number of records per non-empty target table.
func (r *Result) Counts() map[string]int {
	out := make(map[string]int, len(r.Tables))
	for _, name := range r.Names() {
		out[name] = len(r.Tables[name])
	}
	return out
}

// Total returns the number of records across all tables.
func (r *Result) Total() int {
	n := 0
	for _, recs := range r.Tables {
		n += len(recs)
	}
	return n
}
