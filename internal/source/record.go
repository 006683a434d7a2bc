// Package source models IHID source rows as they reach the mapping engine and
// provides the CSV reader that produces them.
package source

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Value is a scalar source cell. The zero Value is the explicit absence marker.
type Value struct {
	v     interface{}
	valid bool
}

// Null returns the absence marker.
func Null() Value { return Value{} }

// Of wraps a raw scalar. nil and NaN floats are normalized to Null.
func Of(v interface{}) Value {
	switch x := v.(type) {
	case nil:
		return Null()
	case Value:
		return x
	case float64:
		if math.IsNaN(x) {
			return Null()
		}
	case float32:
		if math.IsNaN(float64(x)) {
			return Null()
		}
	}
	return Value{v: v, valid: true}
}

// nullTokens are the cell spellings read as missing, the same set pandas
// treats as NA by default. Matching ignores case and surrounding space.
var nullTokens = func() map[string]struct{} {
	tokens := []string{
		"", "#n/a", "#n/a n/a", "#na", "-1.#ind", "-1.#qnan", "-nan",
		"1.#ind", "1.#qnan", "<na>", "n/a", "na", "nan", "null", "none",
	}
	m := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		m[t] = struct{}{}
	}
	return m
}()

// IsNullToken reports whether s spells a missing value.
func IsNullToken(s string) bool {
	_, ok := nullTokens[strings.ToLower(strings.TrimSpace(s))]
	return ok
}

// Text wraps a cell read from a text source. Blank cells and null tokens
// such as "NULL" or "N/A" become Null.
func Text(s string) Value {
	if IsNullToken(s) {
		return Null()
	}
	return Value{v: s, valid: true}
}

// IsNull reports whether the value is absent, blank, or a null token.
func (v Value) IsNull() bool {
	if !v.valid {
		return true
	}
	if s, ok := v.v.(string); ok {
		return IsNullToken(s)
	}
	return false
}

// Raw returns the wrapped scalar, or nil when absent.
func (v Value) Raw() interface{} {
	if !v.valid {
		return nil
	}
	return v.v
}

// String renders the value as text. Integral floats render without a
// fractional part so that 42.0 and "42" produce the same identifier.
func (v Value) String() string {
	if !v.valid {
		return ""
	}
	switch x := v.v.(type) {
	case string:
		return x
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1e15 {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return Of(float64(x)).String()
	default:
		return fmt.Sprint(x)
	}
}

// Field is a single named cell of a Record.
type Field struct {
	Name  string
	Value Value
}

// Record is one source row: an ordered sequence of named cells.
type Record []Field

// Get returns the value of the first field with the given name.
func (r Record) Get(name string) (Value, bool) {
	for _, f := range r {
		if f.Name == name {
			return f.Value, true
		}
	}
	return Null(), false
}

// Index maps field names to values. Names are unique after Standardize; on a
// raw record the first occurrence wins, as with Get.
func (r Record) Index() map[string]Value {
	m := make(map[string]Value, len(r))
	for _, f := range r {
		if _, ok := m[f.Name]; !ok {
			m[f.Name] = f.Value
		}
	}
	return m
}

// Lookup returns the first non-absent value among names, trimmed.
func (r Record) Lookup(names ...string) (string, bool) {
	for _, n := range names {
		v, ok := r.Get(n)
		if !ok || v.IsNull() {
			continue
		}
		return strings.TrimSpace(v.String()), true
	}
	return "", false
}

// Standardize returns a copy of r with every field name passed through
// StandardizeName. When two columns collapse to the same name the later one
// wins, matching how a dictionary rebuild of the row behaves.
func (r Record) Standardize() Record {
	out := make(Record, 0, len(r))
	pos := make(map[string]int, len(r))
	for _, f := range r {
		name := StandardizeName(f.Name)
		if i, ok := pos[name]; ok {
			out[i].Value = f.Value
			continue
		}
		pos[name] = len(out)
		out = append(out, Field{Name: name, Value: f.Value})
	}
	return out
}

// FromMap builds a Record from a map using the given column order. Columns
// missing from m are recorded as Null.
func FromMap(columns []string, m map[string]interface{}) Record {
	rec := make(Record, 0, len(columns))
	for _, c := range columns {
		rec = append(rec, Field{Name: c, Value: Of(m[c])})
	}
	return rec
}
