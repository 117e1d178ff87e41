// Package adapter defines the contract backend adapters satisfy and the
// factory through which the executor obtains them. Concrete adapters are
// provided by collaborators; the core only sees this interface.
package adapter

import (
	"context"

	"github.com/c360studio/crossdb/plan"
)

// Row is one result record. Adapters return rows as loosely-typed maps; the
// aggregator handles cross-backend type coercion.
type Row = map[string]any

// Adapter is the contract each backend satisfies. Implementations must
// support cooperative cancellation through the context and are shared across
// concurrent operations on the same source.
type Adapter interface {
	// TestConnection verifies the backend is reachable.
	TestConnection(ctx context.Context) error

	// Execute runs one operation and returns its rows.
	Execute(ctx context.Context, op *plan.Operation) ([]Row, error)

	// IntrospectSchema returns table descriptor documents for registration.
	IntrospectSchema(ctx context.Context) ([]map[string]any, error)
}
