package aggregate

import (
	"fmt"
	"math"
	"sort"
)

// Aggregation function names accepted by GroupBy.
var groupFunctions = map[string]bool{
	"count": true, "sum": true, "avg": true,
	"min": true, "max": true, "median": true, "stddev": true,
}

// GroupBy buckets rows by the canonical values of the key fields and applies
// aggregation functions per bucket. aggregations maps each output field to
// {"fn": <function>, "field": <input field>}; "count" may omit "field" to
// count rows. Null values are excluded from numeric functions; a bucket
// whose inputs are all non-numeric yields null for that output with a
// warning. With no keys, all rows form a single bucket.
//
// Output rows are ordered by canonical group key.
func (a *Aggregator) GroupBy(keys []string, aggregations map[string]map[string]string, rows []Row) (*Result, error) {
	for outField, agg := range aggregations {
		fn := agg["fn"]
		if !groupFunctions[fn] {
			return nil, fmt.Errorf("group_by: unknown aggregation %q for field %q", fn, outField)
		}
		if fn != "count" && agg["field"] == "" {
			return nil, fmt.Errorf("group_by: aggregation %q for field %q needs an input field", fn, outField)
		}
	}

	type bucket struct {
		keyValues Row
		rows      []Row
	}
	buckets := make(map[string]*bucket)
	order := []string{}
	for _, row := range rows {
		key := ""
		if len(keys) > 0 {
			canon, ok := compositeKey(row, keys, nil)
			if !ok {
				// Rows missing a group key gather under their own bucket so
				// they are not silently lost.
				canon = "<missing>"
			}
			key = canon
		}
		b, ok := buckets[key]
		if !ok {
			b = &bucket{keyValues: make(Row, len(keys))}
			for _, field := range keys {
				b.keyValues[field] = row[field]
			}
			buckets[key] = b
			order = append(order, key)
		}
		b.rows = append(b.rows, row)
	}
	sort.Strings(order)

	out := &Result{Failures: make(map[string]string)}
	for _, key := range order {
		b := buckets[key]
		result := make(Row, len(keys)+len(aggregations))
		for field, value := range b.keyValues {
			result[field] = value
		}
		for outField, agg := range aggregations {
			value, warning := applyAggregation(agg["fn"], agg["field"], b.rows)
			result[outField] = value
			if warning != "" {
				out.Warnings = append(out.Warnings, warning)
			}
		}
		out.Rows = append(out.Rows, result)
	}
	if a.metrics != nil {
		a.metrics.RowsIn.WithLabelValues("group_by").Add(float64(len(rows)))
		a.metrics.RowsOut.WithLabelValues("group_by").Add(float64(len(out.Rows)))
	}
	return out, nil
}

// applyAggregation runs one function over a bucket. The returned warning is
// empty unless non-numeric inputs forced a null result.
func applyAggregation(fn, field string, rows []Row) (any, string) {
	if fn == "count" {
		if field == "" {
			return len(rows), ""
		}
		n := 0
		for _, row := range rows {
			if v, ok := row[field]; ok && v != nil {
				n++
			}
		}
		return n, ""
	}

	values := make([]float64, 0, len(rows))
	sawNonNumeric := false
	for _, row := range rows {
		v, ok := row[field]
		if !ok || v == nil {
			continue // nulls are excluded, not zero
		}
		f, numeric := toFloat(v)
		if !numeric {
			sawNonNumeric = true
			continue
		}
		values = append(values, f)
	}
	if len(values) == 0 {
		warning := ""
		if sawNonNumeric {
			warning = fmt.Sprintf("group_by: %s(%s) over non-numeric values yields null", fn, field)
		}
		return nil, warning
	}

	var result float64
	switch fn {
	case "sum":
		for _, f := range values {
			result += f
		}
	case "avg":
		for _, f := range values {
			result += f
		}
		result /= float64(len(values))
	case "min":
		result = values[0]
		for _, f := range values[1:] {
			result = math.Min(result, f)
		}
	case "max":
		result = values[0]
		for _, f := range values[1:] {
			result = math.Max(result, f)
		}
	case "median":
		sorted := append([]float64(nil), values...)
		sort.Float64s(sorted)
		mid := len(sorted) / 2
		if len(sorted)%2 == 0 {
			result = (sorted[mid-1] + sorted[mid]) / 2
		} else {
			result = sorted[mid]
		}
	case "stddev":
		mean := 0.0
		for _, f := range values {
			mean += f
		}
		mean /= float64(len(values))
		variance := 0.0
		for _, f := range values {
			variance += (f - mean) * (f - mean)
		}
		result = math.Sqrt(variance / float64(len(values)))
	}
	warning := ""
	if sawNonNumeric {
		warning = fmt.Sprintf("group_by: %s(%s) skipped non-numeric values", fn, field)
	}
	return result, warning
}
