// Package plan defines the query plan model: typed operation variants, the
// dependency DAG derived from them, structural validation, and the JSON wire
// format used between the planner, executor, and any external consumers.
package plan

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status is the execution state of an operation.
type Status string

// Operation statuses. COMPLETED and FAILED are terminal.
const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether the status is a terminal state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Complexity is the admission weight of an operation.
type Complexity int

// Complexity weights used by the executor's global admission gate.
const (
	ComplexitySimple  Complexity = 1
	ComplexityMedium  Complexity = 2
	ComplexityComplex Complexity = 3
	ComplexityHeavy   Complexity = 4
)

// Sentinel errors for operation construction.
var (
	ErrUnknownKind   = errors.New("unknown backend kind")
	ErrMissingParams = errors.New("missing required parameters")
)

// Metadata carries descriptive fields attached to an operation.
type Metadata struct {
	OperationType string     `json:"operation_type,omitempty"`
	EstimatedCost float64    `json:"estimated_cost,omitempty"`
	Priority      int        `json:"priority,omitempty"`
	Complexity    Complexity `json:"complexity,omitempty"`
	Description   string     `json:"description,omitempty"`
}

// Weight returns the admission weight, defaulting to SIMPLE when unset
// and clamping out-of-range values.
func (m Metadata) Weight() Complexity {
	if m.Complexity < ComplexitySimple {
		return ComplexitySimple
	}
	if m.Complexity > ComplexityHeavy {
		return ComplexityHeavy
	}
	return m.Complexity
}

// Params is the variant-specific payload of an operation. Implementations are
// the closed set of operation kinds; arbitrary runtime variants are rejected
// at construction.
type Params interface {
	// Variant returns the variant tag used in serialization dispatch.
	Variant() string
	// Validate checks the variant-specific structural requirements.
	Validate() error
}

// SQLParams targets relational backends.
type SQLParams struct {
	Query      string `json:"query"`
	BindParams []any  `json:"params,omitempty"`
}

// Variant implements Params.
func (p *SQLParams) Variant() string { return "sql" }

// Validate implements Params.
func (p *SQLParams) Validate() error {
	if p.Query == "" {
		return fmt.Errorf("sql operation: %w: query", ErrMissingParams)
	}
	return nil
}

// MongoParams targets document backends. Either Pipeline or Filter must be
// set; Pipeline takes precedence when both are present.
type MongoParams struct {
	Collection string           `json:"collection"`
	Pipeline   []map[string]any `json:"pipeline,omitempty"`
	Filter     map[string]any   `json:"query,omitempty"`
	Projection map[string]any   `json:"projection,omitempty"`
}

// Variant implements Params.
func (p *MongoParams) Variant() string { return "mongo" }

// Validate implements Params.
func (p *MongoParams) Validate() error {
	if p.Collection == "" {
		return fmt.Errorf("mongo operation: %w: collection", ErrMissingParams)
	}
	if len(p.Pipeline) == 0 && p.Filter == nil {
		return fmt.Errorf("mongo operation: %w: pipeline or query", ErrMissingParams)
	}
	return nil
}

// VectorParams targets vector-search backends.
type VectorParams struct {
	Collection string         `json:"collection"`
	Vector     []float32      `json:"vector"`
	Filter     map[string]any `json:"filter,omitempty"`
	TopK       int            `json:"top_k"`
}

// Variant implements Params.
func (p *VectorParams) Variant() string { return "vector" }

// Validate implements Params.
func (p *VectorParams) Validate() error {
	if p.Collection == "" {
		return fmt.Errorf("vector operation: %w: collection", ErrMissingParams)
	}
	if len(p.Vector) == 0 {
		return fmt.Errorf("vector operation: %w: vector must be non-empty", ErrMissingParams)
	}
	if p.TopK <= 0 {
		return fmt.Errorf("vector operation: top_k must be positive, got %d", p.TopK)
	}
	return nil
}

// MessagingParams targets chat/messaging backends.
type MessagingParams struct {
	Channel   string `json:"channel,omitempty"`
	Query     string `json:"query,omitempty"`
	TimeRange string `json:"time_range,omitempty"`
	Limit     int    `json:"limit"`
}

// Variant implements Params.
func (p *MessagingParams) Variant() string { return "messaging" }

// Validate implements Params.
func (p *MessagingParams) Validate() error {
	if p.Channel == "" && p.Query == "" {
		return fmt.Errorf("messaging operation: %w: channel or query", ErrMissingParams)
	}
	if p.Limit < 0 {
		return fmt.Errorf("messaging operation: limit must be non-negative, got %d", p.Limit)
	}
	return nil
}

// CommerceParams targets e-commerce REST backends.
type CommerceParams struct {
	Endpoint    string            `json:"endpoint"`
	QueryParams map[string]string `json:"query_params,omitempty"`
	Method      string            `json:"method,omitempty"`
	Limit       int               `json:"limit,omitempty"`
}

// Variant implements Params.
func (p *CommerceParams) Variant() string { return "commerce" }

// Validate implements Params.
func (p *CommerceParams) Validate() error {
	if p.Endpoint == "" {
		return fmt.Errorf("commerce operation: %w: endpoint", ErrMissingParams)
	}
	return nil
}

// GenericParams is the fallback variant for backends without a dedicated
// parameter shape (analytics and similar).
type GenericParams struct {
	Values map[string]any `json:"-"`
}

// Variant implements Params.
func (p *GenericParams) Variant() string { return "generic" }

// Validate implements Params.
func (p *GenericParams) Validate() error {
	if len(p.Values) == 0 {
		return fmt.Errorf("generic operation: %w: params", ErrMissingParams)
	}
	return nil
}

// MarshalJSON flattens Values into the params object.
func (p *GenericParams) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.Values)
}

// UnmarshalJSON captures the raw params object.
func (p *GenericParams) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &p.Values)
}

// AggregateParams is a pure-compute variant combining upstream results. An
// operation carrying it has no source and is resolved in-process by the
// aggregator rather than an adapter.
type AggregateParams struct {
	// Function is one of "merge", "join", "group_by".
	Function string `json:"function"`
	// JoinType is one of "inner", "left", "right", "full" when Function is "join".
	JoinType string `json:"join_type,omitempty"`
	// Keys maps source_id to its join key field(s): string or []string.
	Keys map[string]any `json:"keys,omitempty"`
	// GroupKeys are the grouping fields when Function is "group_by".
	GroupKeys []string `json:"group_keys,omitempty"`
	// Aggregations maps output field to {"fn": ..., "field": ...}.
	Aggregations map[string]map[string]string `json:"aggregations,omitempty"`
	// TypeMapping forces join key fields to a target type per source.
	TypeMapping map[string]map[string]string `json:"type_mapping,omitempty"`
}

// Variant implements Params.
func (p *AggregateParams) Variant() string { return "aggregate" }

// Validate implements Params.
func (p *AggregateParams) Validate() error {
	switch p.Function {
	case "merge":
		return nil
	case "join":
		switch p.JoinType {
		case "", "inner", "left", "right", "full":
		default:
			return fmt.Errorf("aggregate operation: unknown join type %q", p.JoinType)
		}
		if len(p.Keys) == 0 {
			return fmt.Errorf("aggregate operation: %w: keys", ErrMissingParams)
		}
		return nil
	case "group_by":
		if len(p.GroupKeys) == 0 && len(p.Aggregations) == 0 {
			return fmt.Errorf("aggregate operation: %w: group_keys or aggregations", ErrMissingParams)
		}
		return nil
	default:
		return fmt.Errorf("aggregate operation: unknown function %q", p.Function)
	}
}

// Operation is a single unit of backend (or compute) work inside a plan.
// Structural fields are immutable once the plan is built; Status, Result,
// Error and ExecutionTime are mutated only by the executor task that holds
// the operation's slot.
type Operation struct {
	ID        string   `json:"id"`
	SourceID  string   `json:"source_id,omitempty"`
	DBType    string   `json:"db_type,omitempty"`
	DependsOn []string `json:"depends_on,omitempty"`
	Metadata  Metadata `json:"metadata"`
	Params    Params   `json:"params"`

	Status        Status  `json:"status"`
	Result        any     `json:"result,omitempty"`
	Error         string  `json:"error,omitempty"`
	ExecutionTime float64 `json:"execution_time,omitempty"`
}

// Pure reports whether the operation is an in-process compute node with no
// backend source.
func (o *Operation) Pure() bool {
	_, ok := o.Params.(*AggregateParams)
	return ok
}

// variantForKind maps a backend kind to its parameter variant tag.
func variantForKind(kind string) (string, bool) {
	switch kind {
	case "postgres", "mysql", "sqlite":
		return "sql", true
	case "mongodb":
		return "mongo", true
	case "qdrant":
		return "vector", true
	case "slack":
		return "messaging", true
	case "shopify":
		return "commerce", true
	case "ga4":
		return "generic", true
	case "aggregate", "transform":
		return "aggregate", true
	default:
		return "", false
	}
}

// NewOperation builds an operation of the variant implied by kind, coercing
// the common parameter aliases (query/sql, limit/top_k, filter/query). Kinds
// outside the known set are rejected; runtime-defined variants are not
// supported.
func NewOperation(kind, id, sourceID string, params map[string]any, dependsOn []string, meta Metadata) (*Operation, error) {
	variant, ok := variantForKind(kind)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	p, err := buildParams(variant, params)
	if err != nil {
		return nil, fmt.Errorf("operation %s: %w", id, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("operation %s: %w", id, err)
	}

	if meta.OperationType == "" {
		meta.OperationType = variant
	}
	op := &Operation{
		ID:        id,
		SourceID:  sourceID,
		DBType:    kind,
		DependsOn: append([]string(nil), dependsOn...),
		Metadata:  meta,
		Params:    p,
		Status:    StatusPending,
	}
	if op.Pure() {
		op.SourceID = ""
		op.DBType = ""
	}
	return op, nil
}

// buildParams constructs the variant payload from a loosely-typed parameter
// map, the shape LLM plan synthesis produces.
func buildParams(variant string, params map[string]any) (Params, error) {
	switch variant {
	case "sql":
		p := &SQLParams{
			Query:      firstString(params, "query", "sql"),
			BindParams: anySlice(params["params"]),
		}
		return p, nil
	case "mongo":
		p := &MongoParams{
			Collection: firstString(params, "collection"),
			Pipeline:   mapSlice(params["pipeline"]),
			Filter:     anyMap(firstPresent(params, "query", "filter")),
			Projection: anyMap(params["projection"]),
		}
		return p, nil
	case "vector":
		p := &VectorParams{
			Collection: firstString(params, "collection"),
			Vector:     floatSlice(params["vector"]),
			Filter:     anyMap(params["filter"]),
			TopK:       firstInt(params, "top_k", "limit"),
		}
		return p, nil
	case "messaging":
		p := &MessagingParams{
			Channel:   firstString(params, "channel"),
			Query:     firstString(params, "query"),
			TimeRange: firstString(params, "time_range"),
			Limit:     firstInt(params, "limit"),
		}
		return p, nil
	case "commerce":
		p := &CommerceParams{
			Endpoint:    firstString(params, "endpoint"),
			QueryParams: stringMap(params["query_params"]),
			Method:      firstString(params, "method"),
			Limit:       firstInt(params, "limit"),
		}
		return p, nil
	case "generic":
		return &GenericParams{Values: params}, nil
	case "aggregate":
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode aggregate params: %w", err)
		}
		p := &AggregateParams{}
		if err := json.Unmarshal(raw, p); err != nil {
			return nil, fmt.Errorf("decode aggregate params: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: variant %q", ErrUnknownKind, variant)
	}
}

func firstPresent(params map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := params[k]; ok {
			return v
		}
	}
	return nil
}

func firstString(params map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := params[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func firstInt(params map[string]any, keys ...string) int {
	for _, k := range keys {
		switch v := params[k].(type) {
		case int:
			return v
		case int64:
			return int(v)
		case float64:
			return int(v)
		case json.Number:
			if n, err := v.Int64(); err == nil {
				return int(n)
			}
		}
	}
	return 0
}

func anySlice(v any) []any {
	s, _ := v.([]any)
	return s
}

func mapSlice(v any) []map[string]any {
	raw, ok := v.([]any)
	if !ok {
		if typed, ok := v.([]map[string]any); ok {
			return typed
		}
		return nil
	}
	out := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func anyMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func stringMap(v any) map[string]string {
	switch typed := v.(type) {
	case map[string]string:
		return typed
	case map[string]any:
		out := make(map[string]string, len(typed))
		for k, val := range typed {
			out[k] = fmt.Sprintf("%v", val)
		}
		return out
	}
	return nil
}

func floatSlice(v any) []float32 {
	switch typed := v.(type) {
	case []float32:
		return typed
	case []float64:
		out := make([]float32, len(typed))
		for i, f := range typed {
			out[i] = float32(f)
		}
		return out
	case []any:
		out := make([]float32, 0, len(typed))
		for _, item := range typed {
			switch f := item.(type) {
			case float64:
				out = append(out, float32(f))
			case int:
				out = append(out, float32(f))
			case json.Number:
				if fv, err := f.Float64(); err == nil {
					out = append(out, float32(fv))
				}
			}
		}
		return out
	}
	return nil
}

// nowISO is the timestamp format used in plan metadata.
func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}
