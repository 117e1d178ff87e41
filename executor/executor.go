// Package executor runs query plans: dependency-gated parallel execution
// with per-backend semaphores, a global complexity-weight gate, retry with
// backoff on retryable backend errors, and failure propagation to transitive
// dependents.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/c360studio/crossdb/adapter"
	"github.com/c360studio/crossdb/aggregate"
	"github.com/c360studio/crossdb/config"
	"github.com/c360studio/crossdb/plan"
	"github.com/c360studio/crossdb/progress"
)

// defaultSnapshotInterval is how often a batch_snapshot event is published
// while operations are in flight.
const defaultSnapshotInterval = 2 * time.Second

// Retry backoff shape for retryable adapter errors.
const (
	retryBaseDelay = 500 * time.Millisecond
	retryMaxDelay  = 5 * time.Second
)

// OperationDetail is the per-operation entry of the execution summary.
type OperationDetail struct {
	Status        plan.Status `json:"status"`
	Error         string      `json:"error,omitempty"`
	ExecutionTime float64     `json:"execution_time"`
}

// Summary is the execution_summary block of the envelope.
type Summary struct {
	TotalOperations      int                        `json:"total_operations"`
	SuccessfulOperations int                        `json:"successful_operations"`
	FailedOperations     int                        `json:"failed_operations"`
	ExecutionTimeSeconds float64                    `json:"execution_time_seconds"`
	FailedOperationID    string                     `json:"failed_operation_id,omitempty"`
	OperationDetails     map[string]OperationDetail `json:"operation_details"`
}

// Outcome is the result of executing one plan. Results holds the rows of
// every completed operation, keyed by operation ID; failed operations are
// absent from it but present in the summary.
type Outcome struct {
	Success bool
	Summary Summary
	Results map[string][]aggregate.Row
}

// Executor schedules plan operations across backends. A single Executor may
// run many plans sequentially; its adaptive tuner carries backend limit
// adjustments from one plan to the next.
type Executor struct {
	cfg      config.ExecutorConfig
	factory  *adapter.Factory
	agg      *aggregate.Aggregator
	bus      *progress.Bus
	logger   *slog.Logger
	metrics  *Metrics
	tuner    *Tuner
	snapshot time.Duration
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// WithBus attaches a progress bus. Without one, no events are published.
func WithBus(bus *progress.Bus) Option {
	return func(e *Executor) { e.bus = bus }
}

// WithMetrics attaches executor metrics.
func WithMetrics(m *Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithAggregator sets the aggregator used for in-plan compute operations.
func WithAggregator(agg *aggregate.Aggregator) Option {
	return func(e *Executor) { e.agg = agg }
}

// WithSnapshotInterval overrides the batch_snapshot publish cadence.
func WithSnapshotInterval(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.snapshot = d
		}
	}
}

// New creates an Executor.
func New(cfg config.ExecutorConfig, factory *adapter.Factory, opts ...Option) *Executor {
	e := &Executor{
		cfg:      cfg,
		factory:  factory,
		logger:   slog.Default(),
		tuner:    NewTuner(cfg),
		snapshot: defaultSnapshotInterval,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.agg == nil {
		e.agg = aggregate.New(aggregate.WithLogger(e.logger))
	}
	return e
}

// Tuner exposes the adaptive tuner, mainly for inspection in tests and
// operational tooling.
func (e *Executor) Tuner() *Tuner { return e.tuner }

// completion is one finished operation task.
type completion struct {
	op       *plan.Operation
	rows     []aggregate.Row
	err      error
	duration time.Duration
	release  func()
}

// runState is the coordinator's book-keeping for one plan execution.
type runState struct {
	dag       *plan.DAG
	ops       map[string]*plan.Operation
	pending   map[string]*plan.Operation
	active    map[string]bool
	completed map[string]bool
	failed    map[string]bool
	results   map[string][]aggregate.Row
	started   map[string]time.Time
	finished  map[string]time.Time
}

// Execute runs the plan to completion. Structural failures (cycles, missing
// dependencies) return an error; operation failures do not — they are
// reported through the Outcome.
func (e *Executor) Execute(ctx context.Context, qp *plan.QueryPlan, sessionID string) (*Outcome, error) {
	dag := plan.NewDAG(qp.Operations)
	if cycle := dag.FindCycle(); cycle != nil {
		return nil, fmt.Errorf("execute plan %s: plan has a cycle", qp.ID)
	}

	state := &runState{
		dag:       dag,
		ops:       make(map[string]*plan.Operation, len(qp.Operations)),
		pending:   make(map[string]*plan.Operation, len(qp.Operations)),
		active:    make(map[string]bool),
		completed: make(map[string]bool),
		failed:    make(map[string]bool),
		results:   make(map[string][]aggregate.Row),
		started:   make(map[string]time.Time),
		finished:  make(map[string]time.Time),
	}
	for _, op := range qp.Operations {
		op.Status = plan.StatusPending
		state.ops[op.ID] = op
		state.pending[op.ID] = op
	}

	// Admission gates. Backend semaphores are fresh channels sized from the
	// tuner's current limits; weight and concurrency gates are global to this
	// run.
	kindSems := make(map[string]chan struct{})
	kindSem := func(kind string) chan struct{} {
		sem, ok := kindSems[kind]
		if !ok {
			sem = make(chan struct{}, e.tuner.Limit(kind))
			kindSems[kind] = sem
		}
		return sem
	}
	weightGate := semaphore.NewWeighted(int64(e.cfg.MaxTotalWeight))
	slots := make(chan struct{}, e.cfg.MaxConcurrentOperations)

	completions := make(chan completion, len(qp.Operations))
	ticker := time.NewTicker(e.snapshot)
	defer ticker.Stop()
	startedAt := time.Now()

	total := len(qp.Operations)
	for len(state.completed)+len(state.failed) < total {
		// Propagate failures to dependents before computing readiness.
		e.failDependents(state, sessionID)

		ready := e.readyOperations(state)
		launched := 0
		for _, op := range ready {
			kind := e.operationKind(op)
			weight := int64(op.Metadata.Weight())
			sem := kindSem(kind)

			select {
			case sem <- struct{}{}:
			default:
				continue
			}
			select {
			case slots <- struct{}{}:
			default:
				<-sem
				continue
			}
			if !weightGate.TryAcquire(weight) {
				<-sem
				<-slots
				continue
			}
			release := func() {
				weightGate.Release(weight)
				<-slots
				<-sem
			}
			e.launch(ctx, state, op, kind, sessionID, release, completions)
			launched++
		}

		if launched == 0 && len(state.active) == 0 {
			// Global gates are saturated below the weight of every ready
			// operation, or the concurrency budget is smaller than one task.
			// Force one through, keeping only the backend semaphore.
			if len(ready) == 0 {
				return nil, fmt.Errorf("execute plan %s: unschedulable operations remain", qp.ID)
			}
			op := ready[0]
			kind := e.operationKind(op)
			sem := kindSem(kind)
			sem <- struct{}{}
			e.logger.Warn("Force-admitting operation past global gates",
				"operation_id", op.ID, "kind", kind, "weight", op.Metadata.Weight())
			e.launch(ctx, state, op, kind, sessionID, func() { <-sem }, completions)
			launched = 1
		}

		if len(state.active) == 0 {
			continue
		}

		// FIRST_COMPLETED: block for one completion, then drain without
		// blocking so a burst settles in a single pass.
		select {
		case done := <-completions:
			e.settle(state, done, sessionID)
		case <-ticker.C:
			e.publishSnapshot(state, sessionID, total)
			continue
		}
	drain:
		for {
			select {
			case done := <-completions:
				e.settle(state, done, sessionID)
			default:
				break drain
			}
		}
	}

	elapsed := time.Since(startedAt)
	outcome := e.summarize(qp, state, elapsed)
	e.publish(progress.NewEvent(progress.EventExecutorComplete, sessionID, map[string]any{
		"successful_operations": outcome.Summary.SuccessfulOperations,
		"failed_operations":     outcome.Summary.FailedOperations,
		"duration_seconds":      elapsed.Seconds(),
	}))

	if e.cfg.AdaptiveTuning {
		e.tuner.Tune(e.logger)
	}
	return outcome, nil
}

// readyOperations returns pending operations whose dependencies are all
// completed, in admission priority order: lower weight first, then declared
// priority, then ID for determinism.
func (e *Executor) readyOperations(state *runState) []*plan.Operation {
	var ready []*plan.Operation
	for _, op := range state.pending {
		if state.active[op.ID] {
			continue
		}
		ok := true
		for _, dep := range op.DependsOn {
			if !state.completed[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, op)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		wi, wj := ready[i].Metadata.Weight(), ready[j].Metadata.Weight()
		if wi != wj {
			return wi < wj
		}
		if ready[i].Metadata.Priority != ready[j].Metadata.Priority {
			return ready[i].Metadata.Priority > ready[j].Metadata.Priority
		}
		return ready[i].ID < ready[j].ID
	})
	return ready
}

// failDependents marks every pending operation with a failed dependency as
// FAILED, cascading until a fixpoint.
func (e *Executor) failDependents(state *runState, sessionID string) {
	for changed := true; changed; {
		changed = false
		for id, op := range state.pending {
			if state.active[id] {
				continue
			}
			for _, dep := range op.DependsOn {
				if !state.failed[dep] {
					continue
				}
				op.Status = plan.StatusFailed
				op.Error = fmt.Sprintf("dependency_failed: %s", dep)
				delete(state.pending, id)
				state.failed[id] = true
				e.publish(progress.NewEvent(progress.EventOperationFailed, sessionID, map[string]any{
					"operation_id": id,
					"cause":        "dependency_failed",
					"dependency":   dep,
				}))
				if e.metrics != nil {
					e.metrics.Operations.WithLabelValues(e.operationKind(op), "failed").Inc()
				}
				changed = true
				break
			}
		}
	}
}

// launch starts one operation task.
func (e *Executor) launch(ctx context.Context, state *runState, op *plan.Operation, kind, sessionID string, release func(), completions chan<- completion) {
	delete(state.pending, op.ID)
	state.active[op.ID] = true
	state.started[op.ID] = time.Now()
	op.Status = plan.StatusRunning

	deps := e.dependencyResults(state, op)
	e.publish(progress.NewEvent(progress.EventOperationStarted, sessionID, map[string]any{
		"operation_id": op.ID,
		"source_id":    op.SourceID,
		"kind":         kind,
		"weight":       int(op.Metadata.Weight()),
	}))
	if e.metrics != nil {
		e.metrics.Running.Inc()
	}

	go func() {
		started := time.Now()
		rows, err := e.runOperation(ctx, op, kind, deps)
		completions <- completion{
			op:       op,
			rows:     rows,
			err:      err,
			duration: time.Since(started),
			release:  release,
		}
	}()
}

// dependencyResults snapshots the completed upstream results an aggregate
// operation consumes. Taken on the coordinator before launch, so no locking.
func (e *Executor) dependencyResults(state *runState, op *plan.Operation) []aggregate.SourceResult {
	if !op.Pure() {
		return nil
	}
	deps := make([]aggregate.SourceResult, 0, len(op.DependsOn))
	for _, depID := range op.DependsOn {
		depOp := state.ops[depID]
		sourceID := depID
		if depOp != nil && depOp.SourceID != "" {
			sourceID = depOp.SourceID
		}
		deps = append(deps, aggregate.SourceResult{
			SourceID: sourceID,
			Rows:     state.results[depID],
		})
	}
	return deps
}

// runOperation executes one operation with retry and the per-operation
// deadline. Pure compute operations run through the aggregator instead of an
// adapter.
func (e *Executor) runOperation(ctx context.Context, op *plan.Operation, kind string, deps []aggregate.SourceResult) ([]aggregate.Row, error) {
	if op.Pure() {
		params, ok := op.Params.(*plan.AggregateParams)
		if !ok {
			return nil, fmt.Errorf("operation %s: not an aggregate operation", op.ID)
		}
		result, err := e.agg.Apply(params, deps)
		if err != nil {
			return nil, err
		}
		return result.Rows, nil
	}

	backend, err := e.factory.Get(op.SourceID)
	if err != nil {
		return nil, adapter.NewConnectionError(err)
	}

	var lastErr error
	attempts := e.cfg.MaxRetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := retryBackoff(attempt)
			e.logger.Debug("Retrying operation",
				"operation_id", op.ID, "attempt", attempt+1, "delay", delay)
			if e.metrics != nil {
				e.metrics.Retries.WithLabelValues(kind).Inc()
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		opCtx, cancel := context.WithTimeout(ctx, e.cfg.OperationTimeout)
		rows, execErr := backend.Execute(opCtx, op)
		cancel()
		if execErr == nil {
			return rows, nil
		}
		if opCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			// The per-operation deadline is terminal: retrying a query that
			// already ran the full budget would only multiply the stall.
			// Backend-reported timeout errors stay retryable.
			return nil, adapter.NewTimeoutError(fmt.Errorf("operation %s: deadline exceeded after %s", op.ID, e.cfg.OperationTimeout))
		}
		lastErr = execErr
		if !adapter.Retryable(execErr) {
			break
		}
	}
	return nil, lastErr
}

// settle records one finished task on the coordinator.
func (e *Executor) settle(state *runState, done completion, sessionID string) {
	done.release()
	op := done.op
	delete(state.active, op.ID)
	state.finished[op.ID] = time.Now()
	op.ExecutionTime = done.duration.Seconds()
	kind := e.operationKind(op)

	if e.metrics != nil {
		e.metrics.Running.Dec()
		e.metrics.Duration.WithLabelValues(kind).Observe(done.duration.Seconds())
	}

	if done.err != nil {
		op.Status = plan.StatusFailed
		op.Error = done.err.Error()
		state.failed[op.ID] = true
		e.tuner.Record(kind, int(op.Metadata.Weight()), done.duration, false)
		e.publish(progress.NewEvent(progress.EventOperationFailed, sessionID, map[string]any{
			"operation_id": op.ID,
			"error":        done.err.Error(),
			"error_kind":   string(adapter.KindOf(done.err)),
		}))
		if e.metrics != nil {
			e.metrics.Operations.WithLabelValues(kind, "failed").Inc()
		}
		return
	}

	op.Status = plan.StatusCompleted
	op.Result = done.rows
	state.completed[op.ID] = true
	state.results[op.ID] = done.rows
	e.tuner.Record(kind, int(op.Metadata.Weight()), done.duration, true)
	e.publish(progress.NewEvent(progress.EventOperationCompleted, sessionID, map[string]any{
		"operation_id":     op.ID,
		"rows":             len(done.rows),
		"duration_seconds": done.duration.Seconds(),
	}))
	if e.metrics != nil {
		e.metrics.Operations.WithLabelValues(kind, "completed").Inc()
	}
}

// operationKind is the backend kind used for gating and metrics. Pure
// compute operations gate under "aggregate".
func (e *Executor) operationKind(op *plan.Operation) string {
	if op.Pure() || op.SourceID == "" {
		return "aggregate"
	}
	if e.factory != nil {
		return e.factory.KindFor(op.SourceID)
	}
	return plan.KindOf(op.SourceID)
}

func (e *Executor) publishSnapshot(state *runState, sessionID string, total int) {
	e.publish(progress.NewEvent(progress.EventBatchSnapshot, sessionID, map[string]any{
		"pending":   total - len(state.active) - len(state.completed) - len(state.failed),
		"active":    len(state.active),
		"completed": len(state.completed),
		"failed":    len(state.failed),
	}))
}

func (e *Executor) publish(event progress.Event) {
	if e.bus != nil {
		e.bus.Publish(event)
	}
}

// summarize builds the outcome. Plan success is true iff the output
// operation (or, absent one, every leaf) completed.
func (e *Executor) summarize(qp *plan.QueryPlan, state *runState, elapsed time.Duration) *Outcome {
	summary := Summary{
		TotalOperations:      len(qp.Operations),
		SuccessfulOperations: len(state.completed),
		FailedOperations:     len(state.failed),
		ExecutionTimeSeconds: elapsed.Seconds(),
		OperationDetails:     make(map[string]OperationDetail, len(qp.Operations)),
	}
	for _, op := range qp.Operations {
		summary.OperationDetails[op.ID] = OperationDetail{
			Status:        op.Status,
			Error:         op.Error,
			ExecutionTime: op.ExecutionTime,
		}
		if op.Status == plan.StatusFailed && summary.FailedOperationID == "" {
			summary.FailedOperationID = op.ID
		}
	}

	success := true
	if outputID := qp.Metadata.OutputOperationID; outputID != "" {
		success = state.completed[outputID]
	} else {
		for _, leaf := range qp.Leaves() {
			if !state.completed[leaf.ID] {
				success = false
				break
			}
		}
	}

	return &Outcome{
		Success: success,
		Summary: summary,
		Results: state.results,
	}
}

// retryBackoff is exponential with ±25% jitter, capped.
func retryBackoff(attempt int) time.Duration {
	delay := retryBaseDelay << uint(attempt-1)
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(delay) * jitter)
}
