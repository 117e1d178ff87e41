package plan

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOperationRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		kind   string
		source string
		params map[string]any
	}{
		{
			name:   "sql",
			kind:   "postgres",
			source: "postgres_main",
			params: map[string]any{"query": "SELECT id FROM users WHERE id = $1", "params": []any{float64(7)}},
		},
		{
			name:   "mongo filter",
			kind:   "mongodb",
			source: "mongodb_main",
			params: map[string]any{"collection": "orders", "query": map[string]any{"status": "paid"}},
		},
		{
			name:   "vector",
			kind:   "qdrant",
			source: "qdrant_main",
			params: map[string]any{"collection": "docs", "vector": []any{0.25, 0.5}, "top_k": float64(3)},
		},
		{
			name:   "messaging",
			kind:   "slack",
			source: "slack_main",
			params: map[string]any{"channel": "#ops", "query": "deploy", "limit": float64(20)},
		},
		{
			name:   "commerce",
			kind:   "shopify",
			source: "shopify_main",
			params: map[string]any{"endpoint": "/orders.json", "method": "GET", "query_params": map[string]any{"status": "open"}},
		},
		{
			name:   "generic",
			kind:   "ga4",
			source: "ga4_main",
			params: map[string]any{"metrics": []any{"sessions"}, "date_range": "7d"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op, err := NewOperation(tt.kind, "op1", tt.source, tt.params, []string{"dep1"},
				Metadata{Priority: 2, Complexity: ComplexityMedium})
			require.NoError(t, err)

			data, err := json.Marshal(op)
			require.NoError(t, err)

			var decoded Operation
			require.NoError(t, json.Unmarshal(data, &decoded))

			assert.Equal(t, op.ID, decoded.ID)
			assert.Equal(t, op.SourceID, decoded.SourceID)
			assert.Equal(t, op.DBType, decoded.DBType)
			assert.Equal(t, op.DependsOn, decoded.DependsOn)
			assert.Equal(t, op.Metadata, decoded.Metadata)
			assert.Equal(t, op.Status, decoded.Status)
			assert.Equal(t, op.Params.Variant(), decoded.Params.Variant())

			// A second round trip is byte-identical.
			again, err := json.Marshal(&decoded)
			require.NoError(t, err)
			assert.JSONEq(t, string(data), string(again))
		})
	}
}

func TestPlanRoundTrip(t *testing.T) {
	op1, err := NewOperation("postgres", "op1", "postgres_main",
		map[string]any{"query": "SELECT * FROM users"}, nil, Metadata{})
	require.NoError(t, err)
	op2, err := NewOperation("aggregate", "op2", "",
		map[string]any{"function": "merge"}, []string{"op1"}, Metadata{})
	require.NoError(t, err)

	p := New([]*Operation{op1, op2}, PlanMetadata{
		Question:          "all users",
		OutputOperationID: "op2",
	})

	data, err := p.Encode()
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, p.ID, decoded.ID)
	assert.Equal(t, p.Metadata, decoded.Metadata)
	require.Len(t, decoded.Operations, 2)
	assert.Equal(t, "aggregate", decoded.Operations[1].Params.Variant())

	again, err := decoded.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, string(data), string(again))
}

func TestDecodeToleratesUnknownFields(t *testing.T) {
	doc := `{
		"id": "p1",
		"metadata": {"created_at": "2026-01-01T00:00:00Z", "version": "1.0", "extra": true},
		"operations": [{
			"id": "op1",
			"source_id": "postgres_main",
			"db_type": "postgres",
			"metadata": {"operation_type": "sql"},
			"params": {"query": "SELECT 1", "hint": "ignored"},
			"status": "PENDING",
			"surprise": 42
		}]
	}`
	p, err := Decode([]byte(doc))
	require.NoError(t, err)
	require.Len(t, p.Operations, 1)
	sql, ok := p.Operations[0].Params.(*SQLParams)
	require.True(t, ok)
	assert.Equal(t, "SELECT 1", sql.Query)
}

func TestDecodeDispatchFallsBackToDBType(t *testing.T) {
	doc := `{"id":"op1","db_type":"mongodb","source_id":"mongodb_main",
		"metadata":{},"params":{"collection":"orders","query":{"a":1}},"status":"PENDING"}`
	var op Operation
	require.NoError(t, json.Unmarshal([]byte(doc), &op))
	assert.Equal(t, "mongo", op.Params.Variant())
}
