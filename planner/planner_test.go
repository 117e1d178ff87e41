package planner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/crossdb/config"
	"github.com/c360studio/crossdb/llm/testutil"
	"github.com/c360studio/crossdb/plan"
	"github.com/c360studio/crossdb/registry"
)

func testRegistry() *registry.FileRegistry {
	return registry.NewStatic(
		[]registry.DataSource{
			{ID: "postgres_main", Kind: "postgres", Description: "primary relational store"},
			{ID: "mongodb_main", Kind: "mongodb", Description: "order documents"},
		},
		[]registry.TableDescriptor{
			{
				SourceID: "postgres_main",
				Name:     "users",
				Fields: map[string]registry.FieldMeta{
					"id":         {DataType: "int", PrimaryKey: true},
					"name":       {DataType: "text"},
					"created_at": {DataType: "timestamp"},
				},
			},
			{
				SourceID: "mongodb_main",
				Name:     "orders",
				Fields: map[string]registry.FieldMeta{
					"_id":     {DataType: "objectid", PrimaryKey: true},
					"user_id": {DataType: "int"},
				},
			},
		},
	)
}

const classifyReply = `{"selected_kinds": ["postgres"], "rationale": {"postgres": "users live here"}}`

const singleOpPlanReply = `{
  "operations": [
    {
      "id": "op1",
      "kind": "postgres",
      "source_id": "postgres_main",
      "depends_on": [],
      "metadata": {"operation_type": "sql", "complexity": 1},
      "params": {"query": "SELECT id, name, created_at FROM users ORDER BY created_at DESC LIMIT 5"}
    }
  ],
  "output_operation_id": "op1"
}`

func newPipeline(mock *testutil.MockClient, opts ...Option) *Pipeline {
	return New(mock, testRegistry(), config.DefaultConfig().Planning, opts...)
}

func TestPlanSingleBackend(t *testing.T) {
	mock := &testutil.MockClient{Script: []testutil.Reply{
		{Content: classifyReply},
		{Content: singleOpPlanReply},
	}}
	pipeline := newPipeline(mock)

	qp, report := pipeline.Plan(context.Background(), "show the five most recent users", false, "s1")
	require.True(t, report.Valid, "errors: %v", report.Errors)
	require.Len(t, qp.Operations, 1)

	op := qp.Operations[0]
	assert.Equal(t, "op1", op.ID)
	assert.Equal(t, "postgres_main", op.SourceID)
	params, ok := op.Params.(*plan.SQLParams)
	require.True(t, ok)
	assert.Contains(t, params.Query, "ORDER BY created_at DESC")
	assert.Equal(t, "op1", qp.Metadata.OutputOperationID)

	// The orchestration prompt carried retrieved schema.
	prompts := mock.Prompts()
	require.Len(t, prompts, 2)
	assert.Contains(t, prompts[1], "users")
}

func TestClassificationFallsBackToRules(t *testing.T) {
	// Two unparseable classification replies exhaust the LLM path; the
	// question mentions the kind directly, so the rule classifier catches it.
	mock := &testutil.MockClient{Script: []testutil.Reply{
		{Content: "I cannot answer that."},
		{Content: "Still not JSON."},
		{Content: singleOpPlanReply},
	}}
	pipeline := newPipeline(mock)

	qp, report := pipeline.Plan(context.Background(), "list recent users from postgres", false, "s1")
	require.True(t, report.Valid, "errors: %v", report.Errors)
	assert.Len(t, qp.Operations, 1)
	assert.Equal(t, 3, mock.Calls())
}

func TestSynthesisRetriesOnceOnParseFailure(t *testing.T) {
	mock := &testutil.MockClient{Script: []testutil.Reply{
		{Content: classifyReply},
		{Content: "garbage that is not a plan"},
		{Content: singleOpPlanReply},
	}}
	pipeline := newPipeline(mock)

	qp, report := pipeline.Plan(context.Background(), "show users", false, "s1")
	require.True(t, report.Valid, "errors: %v", report.Errors)
	assert.Len(t, qp.Operations, 1)
	assert.Equal(t, 3, mock.Calls())
}

func TestPlanNeverErrorsWhenEverythingFails(t *testing.T) {
	mock := &testutil.MockClient{Script: []testutil.Reply{
		{Content: "nope"}, {Content: "nope"}, {Content: "nope"}, {Content: "nope"},
	}}
	pipeline := newPipeline(mock)

	qp, report := pipeline.Plan(context.Background(), "what is the meaning of life", false, "s1")
	assert.False(t, report.Valid)
	assert.NotEmpty(t, report.Errors)
	assert.Empty(t, qp.Operations)
}

func TestInvalidPlanSurfacesValidationErrors(t *testing.T) {
	badPlan := `{
  "operations": [
    {"id": "op1", "kind": "postgres", "source_id": "postgres_replica",
     "params": {"query": "SELECT 1"}}
  ]
}`
	mock := &testutil.MockClient{Script: []testutil.Reply{
		{Content: classifyReply},
		{Content: badPlan},
		{Content: badPlan}, // repair attempt returns the same document
	}}
	pipeline := newPipeline(mock)

	qp, report := pipeline.Plan(context.Background(), "show users", false, "s1")
	assert.False(t, report.Valid)
	assert.NotEmpty(t, report.Errors)
	assert.Len(t, qp.Operations, 1) // plan still returned for inspection
}

func TestOptimizationIsBestEffort(t *testing.T) {
	mock := &testutil.MockClient{Script: []testutil.Reply{
		{Content: classifyReply},
		{Content: singleOpPlanReply},
		{Content: "the plan is already optimal, nothing to do"},
	}}
	pipeline := newPipeline(mock)

	qp, report := pipeline.Plan(context.Background(), "show users", true, "s1")
	require.True(t, report.Valid, "errors: %v", report.Errors)
	assert.Len(t, qp.Operations, 1)
	assert.Equal(t, "op1", qp.Operations[0].ID)
	assert.Equal(t, 3, mock.Calls())
}

func TestOptimizationAppliedWhenValid(t *testing.T) {
	optimized := `{
  "operations": [
    {
      "id": "op1",
      "kind": "postgres",
      "source_id": "postgres_main",
      "params": {"query": "SELECT id, name FROM users ORDER BY created_at DESC LIMIT 5"}
    }
  ],
  "output_operation_id": "op1",
  "optimization_notes": ["dropped unused created_at column from projection"]
}`
	mock := &testutil.MockClient{Script: []testutil.Reply{
		{Content: classifyReply},
		{Content: singleOpPlanReply},
		{Content: optimized},
	}}
	pipeline := newPipeline(mock)

	qp, report := pipeline.Plan(context.Background(), "show users", true, "s1")
	require.True(t, report.Valid, "errors: %v", report.Errors)
	require.Len(t, qp.Operations, 1)
	params := qp.Operations[0].Params.(*plan.SQLParams)
	assert.Equal(t, "SELECT id, name FROM users ORDER BY created_at DESC LIMIT 5", params.Query)
	assert.Equal(t, []string{"dropped unused created_at column from projection"}, qp.Metadata.OptimizationNotes)
}

func TestRuleClassifierUsesRegistryVocabulary(t *testing.T) {
	pipeline := newPipeline(&testutil.MockClient{})
	kinds := pipeline.classifyRules("how many orders per user", pipeline.knownKinds())
	assert.Contains(t, kinds, "mongodb")
}
