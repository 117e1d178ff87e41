// Package registry provides read-only schema lookup for the data sources the
// orchestrator can target: source identity, table/collection descriptors,
// structural validators, and keyword-scored schema search.
package registry

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownSource is returned when a source ID does not resolve.
var ErrUnknownSource = errors.New("unknown source")

// DataSource identifies one backend. The canonical ID form is "{kind}_{tag}",
// e.g. "postgres_main".
type DataSource struct {
	ID            string `yaml:"id" json:"id"`
	Kind          string `yaml:"kind" json:"kind"`
	ConnectionURI string `yaml:"connection_uri,omitempty" json:"connection_uri,omitempty"`
	Description   string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Validate checks source identity invariants.
func (s *DataSource) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("source id is required")
	}
	if s.Kind == "" {
		return fmt.Errorf("source %s: kind is required", s.ID)
	}
	if !strings.HasPrefix(s.ID, s.Kind+"_") && s.ID != s.Kind {
		return fmt.Errorf("source %s: id must start with kind %q", s.ID, s.Kind)
	}
	return nil
}

// FieldMeta describes one field of a table or collection.
type FieldMeta struct {
	DataType   string `yaml:"data_type" json:"data_type"`
	PrimaryKey bool   `yaml:"primary_key,omitempty" json:"primary_key,omitempty"`
	Nullable   bool   `yaml:"nullable,omitempty" json:"nullable,omitempty"`
	Indexed    bool   `yaml:"indexed,omitempty" json:"indexed,omitempty"`

	// Vector collection extensions.
	VectorDim    int    `yaml:"vector_dim,omitempty" json:"vector_dim,omitempty"`
	VectorMetric string `yaml:"vector_metric,omitempty" json:"vector_metric,omitempty"`
}

// TableDescriptor describes one queryable object inside a source.
type TableDescriptor struct {
	SourceID    string               `yaml:"source_id" json:"source_id"`
	Name        string               `yaml:"name" json:"name"`
	Description string               `yaml:"description,omitempty" json:"description,omitempty"`
	Fields      map[string]FieldMeta `yaml:"fields" json:"fields"`
}

// SearchHit is one scored schema-search result.
type SearchHit struct {
	Score    float64        `json:"score"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SQLCheck is the outcome of structural SQL validation.
type SQLCheck struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}
