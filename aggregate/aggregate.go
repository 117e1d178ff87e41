package aggregate

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/c360studio/crossdb/plan"
)

// SourceResult is one upstream operation's outcome, keyed by the source that
// produced it. Failed sources carry Err and contribute no rows.
type SourceResult struct {
	SourceID string
	Rows     []Row
	Err      error
}

// Result is the output of an aggregation step. Failures holds per-source
// errors kept separate from the combined rows; Warnings records lossy
// decisions (non-numeric aggregation inputs, unmatched key fields).
type Result struct {
	Rows     []Row
	Failures map[string]string
	Warnings []string
}

// Aggregator combines per-source result sets in memory.
type Aggregator struct {
	logger    *slog.Logger
	metrics   *Metrics
	chunkSize int
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Aggregator) { a.logger = logger }
}

// WithMetrics attaches aggregation metrics.
func WithMetrics(m *Metrics) Option {
	return func(a *Aggregator) { a.metrics = m }
}

// WithChunkSize sets the streaming chunk size (default 1000 rows).
func WithChunkSize(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.chunkSize = n
		}
	}
}

// DefaultChunkSize is the streaming buffer per source.
const DefaultChunkSize = 1000

// New creates an Aggregator.
func New(opts ...Option) *Aggregator {
	a := &Aggregator{
		logger:    slog.Default(),
		chunkSize: DefaultChunkSize,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Apply dispatches an aggregate operation's parameters over upstream results.
func (a *Aggregator) Apply(params *plan.AggregateParams, inputs []SourceResult) (*Result, error) {
	start := time.Now()
	defer func() {
		if a.metrics != nil {
			a.metrics.Duration.WithLabelValues(params.Function).Observe(time.Since(start).Seconds())
		}
	}()

	switch params.Function {
	case "merge":
		return a.Merge(inputs), nil
	case "join":
		spec := JoinSpec{
			Type:        params.JoinType,
			Keys:        normalizeKeys(params.Keys),
			TypeMapping: params.TypeMapping,
		}
		return a.Join(spec, inputs)
	case "group_by":
		merged := a.Merge(inputs)
		grouped, err := a.GroupBy(params.GroupKeys, params.Aggregations, merged.Rows)
		if err != nil {
			return nil, err
		}
		grouped.Failures = merged.Failures
		return grouped, nil
	default:
		return nil, fmt.Errorf("aggregate: unknown function %q", params.Function)
	}
}

// Merge concatenates rows from all successful sources, annotating each row
// with its origin under "_source_id". Failed sources are reported in
// Failures, never silently dropped.
func (a *Aggregator) Merge(inputs []SourceResult) *Result {
	out := &Result{Failures: make(map[string]string)}
	for _, input := range inputs {
		if input.Err != nil {
			out.Failures[input.SourceID] = input.Err.Error()
			continue
		}
		for _, row := range input.Rows {
			annotated := make(Row, len(row)+1)
			for k, v := range row {
				annotated[k] = v
			}
			if input.SourceID != "" {
				annotated["_source_id"] = input.SourceID
			}
			out.Rows = append(out.Rows, annotated)
		}
	}
	if a.metrics != nil {
		a.metrics.RowsOut.WithLabelValues("merge").Add(float64(len(out.Rows)))
	}
	return out
}

// normalizeKeys accepts the wire shape (string or []string per source) and
// returns uniform field lists.
func normalizeKeys(keys map[string]any) map[string][]string {
	out := make(map[string][]string, len(keys))
	for sourceID, raw := range keys {
		switch v := raw.(type) {
		case string:
			out[sourceID] = []string{v}
		case []string:
			out[sourceID] = v
		case []any:
			fields := make([]string, 0, len(v))
			for _, item := range v {
				if s, ok := item.(string); ok {
					fields = append(fields, s)
				}
			}
			out[sourceID] = fields
		}
	}
	return out
}

// sortRowsByKey orders output deterministically by the canonical group key.
func sortRowsByKey(rows []Row, keys []string) {
	sort.SliceStable(rows, func(i, j int) bool {
		ki, _ := compositeKey(rows[i], keys, nil)
		kj, _ := compositeKey(rows[j], keys, nil)
		return ki < kj
	})
}
