// Package models defines the domain types for formsync.
package models

import (
	"fmt"
	"maps"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// Fields is a flat page field map. Values are either string or float64.
// Field names are preserved exactly as given.
type Fields map[string]any

// Document is one page's persisted field map plus metadata.
type Document struct {
	ID        string    `json:"id"`
	UserID    string    `json:"-"`
	FormID    string    `json:"formId"`
	Fields    Fields    `json:"fields"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a deep copy of the document.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	cp := *d
	cp.Fields = d.Fields.Clone()
	return &cp
}

// Clone returns a copy of f. A nil map clones to an empty one.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	maps.Copy(out, f)
	return out
}

// Equal reports structural equality of two field maps.
func (f Fields) Equal(other Fields) bool {
	if len(f) != len(other) {
		return false
	}
	for k, v := range f {
		ov, ok := other[k]
		if !ok || !ValueEqual(v, ov) {
			return false
		}
	}
	return true
}

// ValueEqual compares two field values without coercion: "5" and 5 differ.
func ValueEqual(a, b any) bool {
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case float64:
		bv, ok := b.(float64)
		return ok && av == bv
	case nil:
		return b == nil
	default:
		return false
	}
}

// NormalizeValue converts a decoded value into the string|float64 shape
// documents carry. Non-scalar values are rejected.
func NormalizeValue(v any) (any, error) {
	switch tv := v.(type) {
	case string:
		return tv, nil
	case float64:
		return tv, nil
	case float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return cast.ToFloat64(tv), nil
	case bool:
		return strconv.FormatBool(tv), nil
	case nil:
		return "", nil
	default:
		return nil, fmt.Errorf("unsupported field value type %T", v)
	}
}

// Normalize applies NormalizeValue to every entry.
func (f Fields) Normalize() (Fields, error) {
	out := make(Fields, len(f))
	for k, v := range f {
		nv, err := NormalizeValue(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		out[k] = nv
	}
	return out, nil
}

// Number coerces a field value to a finite float64. Missing, empty and
// non-numeric values coerce to 0.
//
// A lone comma is a decimal separator, so "1,000" reads as 1. When both
// separators appear the last one is the decimal point and the other groups
// thousands; several commas and no dot also group thousands.
func Number(v any) float64 {
	if s, ok := v.(string); ok {
		v = decimal(strings.TrimSpace(s))
	}
	n, err := cast.ToFloat64E(v)
	if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
		return 0
	}
	return n
}

func decimal(s string) string {
	dot, comma := strings.LastIndex(s, "."), strings.LastIndex(s, ",")
	switch {
	case comma < 0:
		return s
	case dot > comma:
		return strings.ReplaceAll(s, ",", "")
	case dot >= 0:
		return strings.ReplaceAll(strings.ReplaceAll(s, ".", ""), ",", ".")
	case strings.Count(s, ",") > 1:
		return strings.ReplaceAll(s, ",", "")
	default:
		return strings.Replace(s, ",", ".", 1)
	}
}

// String renders a field value the way it is shown and compared.
func String(v any) string {
	switch tv := v.(type) {
	case nil:
		return ""
	case string:
		return tv
	case float64:
		return strconv.FormatFloat(tv, 'f', -1, 64)
	default:
		return cast.ToString(tv)
	}
}
