// Package adaptertest provides scripted adapters for executor and facade
// tests: fixed rows, error scripts, artificial latency, and concurrency
// observation.
package adaptertest

import (
	"context"
	"sync"
	"time"

	"github.com/c360studio/crossdb/adapter"
	"github.com/c360studio/crossdb/plan"
)

// StubAdapter is a thread-safe scripted adapter.
//
// Rows are returned for every Execute call unless RowsByOp has an entry for
// the operation ID. Errs is consumed one entry per call (nil entries mean
// success); when exhausted, calls succeed.
type StubAdapter struct {
	mu sync.Mutex

	// Delay is applied inside Execute, honoring context cancellation.
	Delay time.Duration

	// Rows is the default result set.
	Rows []adapter.Row

	// RowsByOp overrides Rows for specific operation IDs.
	RowsByOp map[string][]adapter.Row

	// Errs is the per-call error script.
	Errs []error

	// ConnectErr fails TestConnection when set.
	ConnectErr error

	calls          int
	active         int
	maxActive      int
	executedOps    []string
	errIndex       int
}

// TestConnection implements adapter.Adapter.
func (s *StubAdapter) TestConnection(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.ConnectErr
}

// Execute implements adapter.Adapter.
func (s *StubAdapter) Execute(ctx context.Context, op *plan.Operation) ([]adapter.Row, error) {
	s.mu.Lock()
	s.calls++
	s.active++
	if s.active > s.maxActive {
		s.maxActive = s.active
	}
	s.executedOps = append(s.executedOps, op.ID)
	var scripted error
	if s.errIndex < len(s.Errs) {
		scripted = s.Errs[s.errIndex]
		s.errIndex++
	}
	delay := s.Delay
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if scripted != nil {
		return nil, scripted
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if rows, ok := s.RowsByOp[op.ID]; ok {
		return cloneRows(rows), nil
	}
	return cloneRows(s.Rows), nil
}

// IntrospectSchema implements adapter.Adapter.
func (s *StubAdapter) IntrospectSchema(ctx context.Context) ([]map[string]any, error) {
	return nil, ctx.Err()
}

// Calls returns how many times Execute ran.
func (s *StubAdapter) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// MaxActive returns the highest number of concurrent Execute calls observed.
func (s *StubAdapter) MaxActive() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxActive
}

// ExecutedOps returns the operation IDs seen, in call order.
func (s *StubAdapter) ExecutedOps() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.executedOps...)
}

func cloneRows(rows []adapter.Row) []adapter.Row {
	out := make([]adapter.Row, len(rows))
	for i, row := range rows {
		clone := make(adapter.Row, len(row))
		for k, v := range row {
			clone[k] = v
		}
		out[i] = clone
	}
	return out
}
