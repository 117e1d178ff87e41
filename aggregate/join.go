package aggregate

import (
	"fmt"
	"sort"
)

// JoinSpec describes a cross-source join. Keys maps each source ID to its
// own key field(s); key tuples must have the same arity on every side.
// Predicate, when set, replaces hash matching with an arbitrary row pair
// test (nested-loop, two sources only).
type JoinSpec struct {
	Type        string // "inner" (default), "left", "right", "full"
	Keys        map[string][]string
	Predicate   func(left, right Row) bool
	TypeMapping map[string]map[string]string
}

// Join combines rows from multiple sources. Output fields are namespaced as
// {source_id}_{field} so same-named columns from different backends never
// collide. Inner joins accept any number of sources and hash-index every
// side except the largest, which streams through as the probe side. Outer
// joins are two-sided: the first input is the left side.
//
// The build side must fit in memory.
func (a *Aggregator) Join(spec JoinSpec, inputs []SourceResult) (*Result, error) {
	joinType := spec.Type
	if joinType == "" {
		joinType = "inner"
	}

	out := &Result{Failures: make(map[string]string)}
	live := make([]SourceResult, 0, len(inputs))
	for _, input := range inputs {
		if input.Err != nil {
			out.Failures[input.SourceID] = input.Err.Error()
			continue
		}
		live = append(live, input)
	}
	if len(live) < 2 {
		return nil, fmt.Errorf("join: need at least 2 successful sources, have %d", len(live))
	}

	if spec.Predicate != nil {
		if len(live) != 2 {
			return nil, fmt.Errorf("join: predicate joins take exactly 2 sources, have %d", len(live))
		}
		a.predicateJoin(spec, joinType, live[0], live[1], out)
	} else {
		for _, input := range live {
			if len(spec.Keys[input.SourceID]) == 0 {
				return nil, fmt.Errorf("join: no key fields for source %q", input.SourceID)
			}
		}
		switch joinType {
		case "inner":
			if err := a.innerJoin(spec, live, out); err != nil {
				return nil, err
			}
		case "left", "right", "full":
			if len(live) != 2 {
				return nil, fmt.Errorf("join: %s joins take exactly 2 sources, have %d", joinType, len(live))
			}
			a.outerJoin(spec, joinType, live[0], live[1], out)
		default:
			return nil, fmt.Errorf("join: unknown join type %q", joinType)
		}
	}

	if a.metrics != nil {
		for _, input := range live {
			a.metrics.RowsIn.WithLabelValues("join").Add(float64(len(input.Rows)))
		}
		a.metrics.RowsOut.WithLabelValues("join").Add(float64(len(out.Rows)))
	}
	return out, nil
}

// innerJoin hash-indexes every source except the largest and probes the
// largest through all indexes, emitting one row per cross-source match
// combination.
func (a *Aggregator) innerJoin(spec JoinSpec, inputs []SourceResult, out *Result) error {
	probeIdx := 0
	for i, input := range inputs {
		if len(input.Rows) > len(inputs[probeIdx].Rows) {
			probeIdx = i
		}
	}
	probe := inputs[probeIdx]

	indexes := make([]sideIndex, 0, len(inputs)-1)
	for i, input := range inputs {
		if i == probeIdx {
			continue
		}
		idx := sideIndex{sourceID: input.SourceID, rows: make(map[string][]Row)}
		for _, row := range input.Rows {
			key, ok := compositeKey(row, spec.Keys[input.SourceID], spec.TypeMapping[input.SourceID])
			if !ok {
				continue
			}
			idx.rows[key] = append(idx.rows[key], row)
		}
		indexes = append(indexes, idx)
	}

	for _, probeRow := range probe.Rows {
		key, ok := compositeKey(probeRow, spec.Keys[probe.SourceID], spec.TypeMapping[probe.SourceID])
		if !ok {
			continue
		}
		matchSets := make([][]Row, len(indexes))
		matched := true
		for i, idx := range indexes {
			matchSets[i] = idx.rows[key]
			if len(matchSets[i]) == 0 {
				matched = false
				break
			}
		}
		if !matched {
			continue
		}
		sources := make([]string, len(indexes))
		for i, idx := range indexes {
			sources[i] = idx.sourceID
		}
		emitCombinations(out, probe.SourceID, probeRow, sources, matchSets)
	}
	return nil
}

// sideIndex is one build-side hash index of an inner join.
type sideIndex struct {
	sourceID string
	rows     map[string][]Row
}

// emitCombinations emits the cartesian product of per-source match sets,
// each combined with the probe row, all fields namespaced.
func emitCombinations(out *Result, probeSource string, probeRow Row, sources []string, matchSets [][]Row) {
	combined := namespaceRow(probeSource, probeRow)
	var recurse func(depth int, acc Row)
	recurse = func(depth int, acc Row) {
		if depth == len(matchSets) {
			out.Rows = append(out.Rows, acc)
			return
		}
		for _, match := range matchSets[depth] {
			next := make(Row, len(acc)+len(match))
			for k, v := range acc {
				next[k] = v
			}
			for k, v := range namespaceRow(sources[depth], match) {
				next[k] = v
			}
			recurse(depth+1, next)
		}
	}
	recurse(0, combined)
}

// outerJoin implements left/right/full over two sources. The build side is
// the one whose unmatched rows are NOT preserved alone (left join builds on
// the right), so probe order matches output ownership.
func (a *Aggregator) outerJoin(spec JoinSpec, joinType string, left, right SourceResult, out *Result) {
	leftFields := fieldUniverse(left.Rows, spec.Keys[left.SourceID])
	rightFields := fieldUniverse(right.Rows, spec.Keys[right.SourceID])

	rightIndex := make(map[string][]Row)
	for _, row := range right.Rows {
		key, ok := compositeKey(row, spec.Keys[right.SourceID], spec.TypeMapping[right.SourceID])
		if !ok {
			continue
		}
		rightIndex[key] = append(rightIndex[key], row)
	}

	rightMatched := make(map[string]bool)
	for _, leftRow := range left.Rows {
		key, keyOK := compositeKey(leftRow, spec.Keys[left.SourceID], spec.TypeMapping[left.SourceID])
		var matches []Row
		if keyOK {
			matches = rightIndex[key]
		}
		if len(matches) == 0 {
			if joinType == "left" || joinType == "full" {
				out.Rows = append(out.Rows, padNulls(namespaceRow(left.SourceID, leftRow), right.SourceID, rightFields))
			}
			continue
		}
		rightMatched[key] = true
		for _, rightRow := range matches {
			out.Rows = append(out.Rows, combineRows(left.SourceID, leftRow, right.SourceID, rightRow))
		}
	}

	if joinType == "right" || joinType == "full" {
		// Unmatched right rows, in a deterministic key order.
		keys := make([]string, 0, len(rightIndex))
		for key := range rightIndex {
			if !rightMatched[key] {
				keys = append(keys, key)
			}
		}
		sort.Strings(keys)
		for _, key := range keys {
			for _, rightRow := range rightIndex[key] {
				out.Rows = append(out.Rows, padNulls(namespaceRow(right.SourceID, rightRow), left.SourceID, leftFields))
			}
		}
	}
}

// predicateJoin nested-loops two sources with an arbitrary pair test.
func (a *Aggregator) predicateJoin(spec JoinSpec, joinType string, left, right SourceResult, out *Result) {
	leftFields := fieldUniverse(left.Rows, spec.Keys[left.SourceID])
	rightFields := fieldUniverse(right.Rows, spec.Keys[right.SourceID])

	rightMatched := make([]bool, len(right.Rows))
	for _, leftRow := range left.Rows {
		matched := false
		for i, rightRow := range right.Rows {
			if !spec.Predicate(leftRow, rightRow) {
				continue
			}
			matched = true
			rightMatched[i] = true
			out.Rows = append(out.Rows, combineRows(left.SourceID, leftRow, right.SourceID, rightRow))
		}
		if !matched && (joinType == "left" || joinType == "full") {
			out.Rows = append(out.Rows, padNulls(namespaceRow(left.SourceID, leftRow), right.SourceID, rightFields))
		}
	}
	if joinType == "right" || joinType == "full" {
		for i, rightRow := range right.Rows {
			if !rightMatched[i] {
				out.Rows = append(out.Rows, padNulls(namespaceRow(right.SourceID, rightRow), left.SourceID, leftFields))
			}
		}
	}
}

// fieldUniverse is the union of field names seen across a side's rows plus
// its key spec, so an unmatched outer-join row carries a null for every
// column the absent side could contribute.
func fieldUniverse(rows []Row, keyFields []string) []string {
	seen := make(map[string]bool, len(keyFields))
	for _, row := range rows {
		for field := range row {
			seen[field] = true
		}
	}
	for _, field := range keyFields {
		seen[field] = true
	}
	fields := make([]string, 0, len(seen))
	for field := range seen {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fields
}

// padNulls sets the absent side's namespaced fields to nil on an unmatched
// outer-join row.
func padNulls(row Row, sourceID string, fields []string) Row {
	for _, field := range fields {
		row[sourceID+"_"+field] = nil
	}
	return row
}

// namespaceRow prefixes every field with its source ID.
func namespaceRow(sourceID string, row Row) Row {
	out := make(Row, len(row))
	for field, value := range row {
		out[sourceID+"_"+field] = value
	}
	return out
}

func combineRows(leftSource string, leftRow Row, rightSource string, rightRow Row) Row {
	out := make(Row, len(leftRow)+len(rightRow))
	for field, value := range leftRow {
		out[leftSource+"_"+field] = value
	}
	for field, value := range rightRow {
		out[rightSource+"_"+field] = value
	}
	return out
}
