// Package convert coerces raw source values into the representation a target
// OMOP field expects, chosen by the target field's name.
package convert

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"

	"github.com/ehr/omop-etl/internal/source"
)

// DateLayout is the output layout for every date-like field.
const DateLayout = "2006-01-02"

// FieldClass is the conversion chosen for a target field.
type FieldClass int

const (
	ClassText FieldClass = iota
	ClassIdentifier
	ClassDate
	ClassNumber
)

func (c FieldClass) String() string {
	switch c {
	case ClassIdentifier:
		return "identifier"
	case ClassDate:
		return "date"
	case ClassNumber:
		return "number"
	default:
		return "text"
	}
}

// Classify picks the conversion for a target field name. The first matching
// rule wins: identifier, date, number, text.
func Classify(targetField string) FieldClass {
	f := strings.ToLower(targetField)
	switch {
	case strings.Contains(f, "_id"):
		return ClassIdentifier
	case strings.Contains(f, "date"):
		return ClassDate
	case strings.Contains(f, "amount"), strings.Contains(f, "value"), strings.Contains(f, "quantity"):
		return ClassNumber
	}
	return ClassText
}

// Convert returns the converted value and true, or false when the value is
// absent or does not fit the field. A false result means the field must not be
// written.
func Convert(v source.Value, targetField string) (interface{}, bool) {
	if v.IsNull() {
		return nil, false
	}
	switch Classify(targetField) {
	case ClassIdentifier:
		return toInteger(v)
	case ClassDate:
		return toDate(v)
	case ClassNumber:
		return toFloat(v)
	}
	return toText(v)
}

func toInteger(v source.Value) (interface{}, bool) {
	switch x := v.Raw().(type) {
	case int:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case float32:
		return integral(float64(x))
	case float64:
		return integral(x)
	}
	s := strings.TrimSpace(v.String())
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, false
	}
	return integral(f)
}

func integral(f float64) (interface{}, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return nil, false
	}
	if f > math.MaxInt64 || f < math.MinInt64 {
		return nil, false
	}
	return int64(f), true
}

func toDate(v source.Value) (interface{}, bool) {
	if t, ok := v.Raw().(time.Time); ok {
		if t.IsZero() {
			return nil, false
		}
		return t.Format(DateLayout), true
	}
	s := strings.TrimSpace(v.String())
	if s == "" {
		return nil, false
	}
	t, err := dateparse.ParseAny(s)
	if err != nil {
		return nil, false
	}
	return t.Format(DateLayout), true
}

func toFloat(v source.Value) (interface{}, bool) {
	switch x := v.Raw().(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v.String()), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, false
	}
	return f, true
}

func toText(v source.Value) (interface{}, bool) {
	s, ok := v.Raw().(string)
	if !ok {
		return v.Raw(), true
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	return s, true
}
