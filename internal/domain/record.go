// Package domain defines the core interfaces and types for fundguard.
package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Record is a loosely typed field bag: a campaign or user document as it
// arrives from a request body or the document store. Missing fields are
// normal and never an error; only values of the wrong shape are.
type Record map[string]any

// ErrFieldType reports a field whose value cannot be coerced to the requested type.
type ErrFieldType struct {
	Field string
	Value any
	Want  string
}

func (e *ErrFieldType) Error() string {
	return fmt.Sprintf("field %q: cannot use %T as %s", e.Field, e.Value, e.Want)
}

// Empty reports whether the record carries no fields at all.
func (r Record) Empty() bool {
	return len(r) == 0
}

// Get returns the raw value for key, or nil when absent.
func (r Record) Get(key string) any {
	if r == nil {
		return nil
	}
	return r[key]
}

// Float coerces a field to float64. Absent and falsy values yield 0.
// NaN and infinities are rejected.
func (r Record) Float(key string) (float64, error) {
	v := r.Get(key)
	if !Truthy(v) {
		return 0, nil
	}
	f, err := toFloat(key, v)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, &ErrFieldType{Field: key, Value: v, Want: "finite number"}
	}
	return f, nil
}

func toFloat(key string, v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case bool:
		return 1, nil
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, &ErrFieldType{Field: key, Value: v, Want: "number"}
		}
		return f, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, &ErrFieldType{Field: key, Value: v, Want: "number"}
		}
		return f, nil
	}
	return 0, &ErrFieldType{Field: key, Value: v, Want: "number"}
}

// Int coerces a field to an integer, truncating fractional numbers toward zero.
// Numeric strings must be integral.
func (r Record) Int(key string) (int64, error) {
	v := r.Get(key)
	if !Truthy(v) {
		return 0, nil
	}
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case bool:
		return 1, nil
	case float64, float32:
		f, err := r.Float(key)
		if err != nil {
			return 0, &ErrFieldType{Field: key, Value: v, Want: "integer"}
		}
		return int64(f), nil
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		return 0, &ErrFieldType{Field: key, Value: v, Want: "integer"}
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return 0, &ErrFieldType{Field: key, Value: v, Want: "integer"}
		}
		return i, nil
	}
	return 0, &ErrFieldType{Field: key, Value: v, Want: "integer"}
}

// String returns a string field. Absent and falsy values yield "".
func (r Record) String(key string) (string, error) {
	v := r.Get(key)
	if !Truthy(v) {
		return "", nil
	}
	if s, ok := v.(string); ok {
		return s, nil
	}
	return "", &ErrFieldType{Field: key, Value: v, Want: "string"}
}

// Len returns the size of a collection field. Absent and falsy values yield 0.
func (r Record) Len(key string) (int, error) {
	v := r.Get(key)
	if !Truthy(v) {
		return 0, nil
	}
	switch c := v.(type) {
	case []any:
		return len(c), nil
	case []string:
		return len(c), nil
	case map[string]any:
		return len(c), nil
	case string:
		return len([]rune(c)), nil
	}
	return 0, &ErrFieldType{Field: key, Value: v, Want: "collection"}
}

// Time parses a timestamp field. The second result is false when the field is
// absent or unparseable.
func (r Record) Time(key string) (time.Time, bool) {
	return ParseTimestamp(r.Get(key))
}

// Truthy mirrors document-store truthiness: nil, false, zero numbers, empty
// strings and empty collections are falsy.
func Truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case float64:
		return x != 0
	case float32:
		return x != 0
	case int:
		return x != 0
	case int32:
		return x != 0
	case int64:
		return x != 0
	case json.Number:
		return x.String() != "0" && x.String() != ""
	case []any:
		return len(x) > 0
	case []string:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	}
	return true
}

// timestampLayouts are tried in order for string timestamps.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseTimestamp accepts Z-suffixed UTC literals, ISO-8601 offset forms,
// naive ISO-8601 (read as UTC) and native time values from the store.
func ParseTimestamp(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		if t.IsZero() {
			return time.Time{}, false
		}
		return t.UTC(), true
	case *time.Time:
		if t == nil || t.IsZero() {
			return time.Time{}, false
		}
		return t.UTC(), true
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range timestampLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed.UTC(), true
			}
		}
	}
	return time.Time{}, false
}
