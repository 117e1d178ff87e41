package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSchema = `
sources:
  - id: postgres_main
    kind: postgres
    connection_uri: postgres://localhost/app
    tables:
      - name: users
        description: registered users
        fields:
          id: {data_type: integer, primary_key: true}
          name: {data_type: text}
          created_at: {data_type: timestamptz, indexed: true}
      - name: orders_archive
        fields:
          id: {data_type: integer, primary_key: true}
  - id: mongodb_main
    kind: mongodb
    tables:
      - name: orders
        fields:
          _id: {data_type: objectid, primary_key: true}
          user_id: {data_type: int}
          total: {data_type: double}
  - id: qdrant_main
    kind: qdrant
    tables:
      - name: docs
        fields:
          embedding: {data_type: vector, vector_dim: 384, vector_metric: cosine}
`

func writeSchema(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "schema.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func loadTestRegistry(t *testing.T) *FileRegistry {
	t.Helper()
	r, err := LoadFile(writeSchema(t, testSchema))
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestLoadFile(t *testing.T) {
	r := loadTestRegistry(t)

	sources := r.ListSources()
	require.Len(t, sources, 3)
	assert.Equal(t, "mongodb_main", sources[0].ID)

	assert.True(t, r.HasSource("postgres_main"))
	assert.False(t, r.HasSource("postgres_replica"))

	src := r.GetSource("qdrant_main")
	require.NotNil(t, src)
	assert.Equal(t, "qdrant", src.Kind)
}

func TestListTables(t *testing.T) {
	r := loadTestRegistry(t)

	tables, err := r.ListTables("postgres_main", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"orders_archive", "users"}, tables)

	tables, err = r.ListTables("postgres_main", "orders_*")
	require.NoError(t, err)
	assert.Equal(t, []string{"orders_archive"}, tables)

	_, err = r.ListTables("nope", "")
	require.ErrorIs(t, err, ErrUnknownSource)
}

func TestGetTableAndValidateCollection(t *testing.T) {
	r := loadTestRegistry(t)

	table, err := r.GetTable("mongodb_main", "orders")
	require.NoError(t, err)
	require.NotNil(t, table)
	assert.Equal(t, "objectid", table.Fields["_id"].DataType)
	assert.Equal(t, 384, r.mustTable(t, "qdrant_main", "docs").Fields["embedding"].VectorDim)

	ok, err := r.ValidateCollection("mongodb_main", "orders")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.ValidateCollection("mongodb_main", "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = r.ValidateCollection("nope", "orders")
	require.ErrorIs(t, err, ErrUnknownSource)
}

func (r *FileRegistry) mustTable(t *testing.T, sourceID, name string) *TableDescriptor {
	t.Helper()
	table, err := r.GetTable(sourceID, name)
	require.NoError(t, err)
	require.NotNil(t, table)
	return table
}

func TestValidateSQL(t *testing.T) {
	r := loadTestRegistry(t)

	tests := []struct {
		name  string
		sql   string
		valid bool
	}{
		{"valid select", "SELECT id, name FROM users ORDER BY created_at DESC", true},
		{"empty", "   ", false},
		{"unbalanced quote", "SELECT * FROM users WHERE name = 'a", false},
		{"unbalanced parens", "SELECT count(* FROM users", false},
		{"not a statement", "DROP THE BASS", false},
		{"unknown table", "SELECT * FROM invoices", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check, err := r.ValidateSQL("postgres_main", tt.sql)
			require.NoError(t, err)
			assert.Equal(t, tt.valid, check.Valid, "errors: %v", check.Errors)
		})
	}

	_, err := r.ValidateSQL("nope", "SELECT 1")
	require.ErrorIs(t, err, ErrUnknownSource)
}

func TestRecommendSources(t *testing.T) {
	r := loadTestRegistry(t)

	ids := r.RecommendSources("show the five most recent users")
	require.NotEmpty(t, ids)
	assert.Equal(t, "postgres_main", ids[0])

	ids = r.RecommendSources("find documents semantically similar to churn")
	require.NotEmpty(t, ids)
	assert.Contains(t, ids, "qdrant_main")

	assert.Empty(t, r.RecommendSources("zzz qqq"))
}

func TestSchemaSearch(t *testing.T) {
	r := loadTestRegistry(t)

	hits, err := r.SchemaSearch(context.Background(), "orders by user", "", 5)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "orders", hits[0].Metadata["table"])

	hits, err = r.SchemaSearch(context.Background(), "orders by user", "postgres", 5)
	require.NoError(t, err)
	for _, hit := range hits {
		assert.Equal(t, "postgres", hit.Metadata["kind"])
	}
}

func TestWatchRefresh(t *testing.T) {
	path := writeSchema(t, testSchema)
	r, err := LoadFile(path)
	require.NoError(t, err)
	defer r.Close()
	require.NoError(t, r.Watch())

	updated := testSchema + `
  - id: slack_main
    kind: slack
    tables:
      - name: support
        fields:
          text: {data_type: string}
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0644))

	require.Eventually(t, func() bool {
		return r.HasSource("slack_main")
	}, 2*time.Second, 20*time.Millisecond)
}

func TestRefreshKeepsCacheOnBadFile(t *testing.T) {
	path := writeSchema(t, testSchema)
	r, err := LoadFile(path)
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, os.WriteFile(path, []byte("sources: [~broken"), 0644))
	require.Error(t, r.Refresh())
	assert.True(t, r.HasSource("postgres_main"), "previous cache must survive a bad reload")
}
