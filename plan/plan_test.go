package plan

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// staticResolver resolves a fixed set of canonical source IDs.
type staticResolver map[string]bool

func (r staticResolver) HasSource(id string) bool { return r[id] }

var testResolver = staticResolver{
	"postgres_main": true,
	"mongodb_main":  true,
	"qdrant_main":   true,
}

func TestNewOperationVariants(t *testing.T) {
	tests := []struct {
		name    string
		kind    string
		params  map[string]any
		wantErr bool
		variant string
	}{
		{
			name:    "sql with query alias",
			kind:    "postgres",
			params:  map[string]any{"sql": "SELECT 1"},
			variant: "sql",
		},
		{
			name:    "mongo pipeline",
			kind:    "mongodb",
			params:  map[string]any{"collection": "orders", "pipeline": []any{map[string]any{"$match": map[string]any{}}}},
			variant: "mongo",
		},
		{
			name:    "vector with limit alias",
			kind:    "qdrant",
			params:  map[string]any{"collection": "docs", "vector": []any{0.1, 0.2}, "limit": float64(5)},
			variant: "vector",
		},
		{
			name:    "messaging",
			kind:    "slack",
			params:  map[string]any{"channel": "#support", "limit": 50},
			variant: "messaging",
		},
		{
			name:    "commerce",
			kind:    "shopify",
			params:  map[string]any{"endpoint": "/orders.json", "method": "GET"},
			variant: "commerce",
		},
		{
			name:    "generic analytics",
			kind:    "ga4",
			params:  map[string]any{"metrics": []any{"sessions"}},
			variant: "generic",
		},
		{
			name:    "aggregate join",
			kind:    "aggregate",
			params:  map[string]any{"function": "join", "join_type": "inner", "keys": map[string]any{"postgres_main": "id"}},
			variant: "aggregate",
		},
		{
			name:    "unknown kind rejected",
			kind:    "cassandra",
			params:  map[string]any{"query": "SELECT 1"},
			wantErr: true,
		},
		{
			name:    "sql missing query",
			kind:    "postgres",
			params:  map[string]any{},
			wantErr: true,
		},
		{
			name:    "vector empty vector",
			kind:    "qdrant",
			params:  map[string]any{"collection": "docs", "vector": []any{}, "top_k": 3},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op, err := NewOperation(tt.kind, "op1", tt.kind+"_main", tt.params, nil, Metadata{})
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.variant, op.Params.Variant())
			assert.Equal(t, StatusPending, op.Status)
		})
	}
}

func TestAggregateOperationIsPure(t *testing.T) {
	op, err := NewOperation("aggregate", "agg", "aggregate_main",
		map[string]any{"function": "merge"}, []string{"op1"}, Metadata{})
	require.NoError(t, err)
	assert.True(t, op.Pure())
	assert.Empty(t, op.SourceID, "pure operations carry no source")
}

func TestPlanValidate(t *testing.T) {
	t.Run("valid plan", func(t *testing.T) {
		p := New([]*Operation{
			opWithDeps("a"),
			opWithDeps("b", "a"),
		}, PlanMetadata{Question: "q"})
		report := p.Validate(testResolver)
		assert.True(t, report.Valid, "errors: %v", report.Errors)
		assert.Equal(t, "1.0", p.Metadata.Version)
		assert.NotEmpty(t, p.Metadata.CreatedAt)
	})

	t.Run("empty plan", func(t *testing.T) {
		report := New(nil, PlanMetadata{}).Validate(testResolver)
		assert.False(t, report.Valid)
		require.Len(t, report.Errors, 1)
		assert.Contains(t, report.Errors[0], "no operations")
	})

	t.Run("duplicate ids", func(t *testing.T) {
		report := New([]*Operation{opWithDeps("a"), opWithDeps("a")}, PlanMetadata{}).Validate(testResolver)
		assert.False(t, report.Valid)
		assert.Contains(t, report.Errors[0], "duplicate operation id")
	})

	t.Run("unknown dependency", func(t *testing.T) {
		report := New([]*Operation{opWithDeps("a", "ghost")}, PlanMetadata{}).Validate(testResolver)
		assert.False(t, report.Valid)
		assert.Contains(t, report.Errors[0], "unknown operation ghost")
	})

	t.Run("unknown source", func(t *testing.T) {
		op, err := NewOperation("postgres", "a", "postgres_replica",
			map[string]any{"query": "SELECT 1"}, nil, Metadata{})
		require.NoError(t, err)
		report := New([]*Operation{op}, PlanMetadata{}).Validate(testResolver)
		assert.False(t, report.Valid)
	})

	t.Run("cycle reported with path", func(t *testing.T) {
		p := New([]*Operation{
			opWithDeps("a", "c"),
			opWithDeps("b", "a"),
			opWithDeps("c", "b"),
		}, PlanMetadata{})
		report := p.Validate(testResolver)
		assert.False(t, report.Valid)

		found := false
		for _, e := range report.Errors {
			if strings.HasPrefix(e, "cycle:") {
				found = true
			}
		}
		assert.True(t, found, "expected a cycle error, got %v", report.Errors)
	})

	t.Run("output op warning", func(t *testing.T) {
		p := New([]*Operation{opWithDeps("a")}, PlanMetadata{OutputOperationID: "nope"})
		report := p.Validate(testResolver)
		assert.True(t, report.Valid)
		require.Len(t, report.Warnings, 1)
	})
}

func TestNormalizeSourceID(t *testing.T) {
	tests := []struct {
		in            string
		wantCanonical string
		wantObject    string
		wantErr       bool
	}{
		{in: "postgres_main", wantCanonical: "postgres_main"},
		{in: "postgres", wantCanonical: "postgres_main"},
		{in: "mongodb:collection:orders", wantCanonical: "mongodb_main", wantObject: "orders"},
		{in: "postgres:table:users", wantCanonical: "postgres_main", wantObject: "users"},
		{in: "", wantErr: true},
		{in: "mongodb:orders", wantErr: true},
		{in: "mongodb:collection:", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			canonical, object, err := NormalizeSourceID(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantCanonical, canonical)
			assert.Equal(t, tt.wantObject, object)
		})
	}
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, "postgres", KindOf("postgres_main"))
	assert.Equal(t, "ga4", KindOf("ga4_analytics"))
	assert.Equal(t, "qdrant", KindOf("qdrant"))
}

func TestPlanLeaves(t *testing.T) {
	p := New([]*Operation{
		opWithDeps("a"),
		opWithDeps("b", "a"),
		opWithDeps("c", "a"),
	}, PlanMetadata{})
	leaves := p.Leaves()
	require.Len(t, leaves, 2)
	assert.Equal(t, "b", leaves[0].ID)
	assert.Equal(t, "c", leaves[1].ID)
}
