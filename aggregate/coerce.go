// Package aggregate combines heterogeneous per-source result sets: merge,
// hash joins with cross-backend type coercion, group-by aggregation, and a
// chunked streaming variant.
//
// All combination happens in process memory. Joins require the build side to
// fit in memory; this is a documented limit, not a hidden one.
package aggregate

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Row is one result record, as returned by adapters.
type Row = map[string]any

// Key coercion patterns shared across backends.
var (
	objectIDPattern = regexp.MustCompile(`^[0-9a-fA-F]{24}$`)
	uuidPattern     = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	intPattern      = regexp.MustCompile(`^-?\d+$`)
)

// floatTolerance is the equality window for promoted numeric comparisons.
// Canonical keys round to this precision so equal-within-tolerance values
// hash identically.
const floatTolerance = 1e-10

// canonicalKey reduces a join-key value to a canonical string so values from
// different backends hash and compare consistently:
//
//   - ObjectId-shaped strings normalize to lowercase hex
//   - UUIDs normalize to lowercase hyphenated form
//   - ISO-8601 timestamps normalize to the UTC instant
//   - integers and numeric strings normalize to one numeric form
//   - floats and ints promote to float, rounded to the tolerance window
//   - lists canonicalize element-wise; scalars compared against a list are
//     wrapped by the caller
//
// Anything else falls back to serialized equality.
func canonicalKey(value any) string {
	switch v := value.(type) {
	case nil:
		return "nil"
	case bool:
		return fmt.Sprintf("b:%t", v)
	case string:
		return canonicalString(v)
	case int:
		return canonicalFloat(float64(v))
	case int32:
		return canonicalFloat(float64(v))
	case int64:
		return canonicalFloat(float64(v))
	case float32:
		return canonicalFloat(float64(v))
	case float64:
		return canonicalFloat(v)
	case time.Time:
		return "t:" + v.UTC().Format(time.RFC3339Nano)
	case []any:
		parts := make([]string, len(v))
		for i, item := range v {
			parts[i] = canonicalKey(item)
		}
		return "l:[" + strings.Join(parts, ",") + "]"
	default:
		return "x:" + fmt.Sprintf("%v", v)
	}
}

func canonicalString(s string) string {
	switch {
	case objectIDPattern.MatchString(s):
		return "o:" + strings.ToLower(s)
	case uuidPattern.MatchString(s):
		return "u:" + strings.ToLower(s)
	case intPattern.MatchString(s):
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return canonicalFloat(f)
		}
	}
	if ts, ok := parseTimestamp(s); ok {
		return "t:" + ts.UTC().Format(time.RFC3339Nano)
	}
	return "s:" + s
}

func canonicalFloat(f float64) string {
	rounded := math.Round(f/floatTolerance) * floatTolerance
	return "n:" + strconv.FormatFloat(rounded, 'g', -1, 64)
}

// timestampLayouts are the ISO-8601 shapes accepted during coercion.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTimestamp(s string) (time.Time, bool) {
	// Cheap precheck before trying layouts.
	if len(s) < 10 || s[4] != '-' {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// coerceTo forces a value toward an explicit target type from a type_mapping
// override. Unknown targets and failed conversions fall back to the value
// itself so the generic canonicalization still applies.
func coerceTo(value any, target string) any {
	switch strings.ToLower(target) {
	case "string", "str", "objectid", "uuid":
		return fmt.Sprintf("%v", value)
	case "int", "integer":
		switch v := value.(type) {
		case int, int32, int64:
			return v
		case float64:
			return int64(v)
		case string:
			if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
				return n
			}
		}
	case "float", "double", "number":
		if f, ok := toFloat(value); ok {
			return f
		}
	case "datetime", "timestamp":
		switch v := value.(type) {
		case time.Time:
			return v
		case string:
			if ts, ok := parseTimestamp(v); ok {
				return ts
			}
		}
	}
	return value
}

// toFloat extracts a numeric value for aggregation functions.
func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// compositeKey canonicalizes a tuple of key values. A scalar on one side is
// comparable to a single-element list on the other.
func compositeKey(row Row, fields []string, typeMapping map[string]string) (string, bool) {
	parts := make([]string, len(fields))
	for i, field := range fields {
		value, ok := row[field]
		if !ok {
			return "", false
		}
		if typeMapping != nil {
			if target, ok := typeMapping[field]; ok {
				value = coerceTo(value, target)
			}
		}
		// Scalar vs list: every key canonicalizes as a list, so a scalar on
		// one side matches a single-element list on the other.
		list, isList := value.([]any)
		if !isList {
			if typed, ok := anyList(value); ok {
				list = typed
			} else {
				list = []any{value}
			}
		}
		parts[i] = canonicalKey(list)
	}
	return strings.Join(parts, "|"), true
}

// anyList converts typed slices to []any so list-vs-scalar comparison has a
// single canonical shape. Scalars return ok=false.
func anyList(value any) ([]any, bool) {
	switch v := value.(type) {
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out, true
	case []int:
		out := make([]any, len(v))
		for i, n := range v {
			out[i] = n
		}
		return out, true
	case []float64:
		out := make([]any, len(v))
		for i, f := range v {
			out[i] = f
		}
		return out, true
	default:
		return nil, false
	}
}
