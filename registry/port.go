package registry

import "context"

// Registry is the read-only schema lookup contract the core consumes.
// Implementations must be safe for concurrent callers. SchemaSearch is the
// only capability that may reach a remote index; everything else is a local
// cache read.
type Registry interface {
	// ListSources returns all known sources.
	ListSources() []DataSource

	// GetSource returns a source by canonical ID, or nil.
	GetSource(id string) *DataSource

	// HasSource reports whether the canonical ID resolves.
	HasSource(id string) bool

	// ListTables returns the table/collection names of a source. Pattern is
	// an optional glob filter; empty matches everything.
	ListTables(sourceID, pattern string) ([]string, error)

	// GetTable returns a table descriptor, or nil when absent.
	GetTable(sourceID, name string) (*TableDescriptor, error)

	// ValidateSQL performs structural-only validation of a SQL statement
	// against a relational source.
	ValidateSQL(sourceID, sql string) (SQLCheck, error)

	// ValidateCollection reports whether the named collection exists.
	ValidateCollection(sourceID, name string) (bool, error)

	// RecommendSources returns the canonical IDs of sources whose schema
	// vocabulary overlaps the question.
	RecommendSources(question string) []string

	// SchemaSearch returns schema snippets relevant to the question,
	// optionally restricted to one backend kind, best-scored first.
	SchemaSearch(ctx context.Context, question, kind string, topK int) ([]SearchHit, error)
}
