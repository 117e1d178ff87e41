// Package orchestrator is the public facade: one call turns a natural-
// language question into a validated plan, executes it across backends, and
// returns a structured envelope. The facade never panics and never returns a
// bare error to callers — every failure is reported inside the envelope.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/c360studio/crossdb/aggregate"
	"github.com/c360studio/crossdb/executor"
	"github.com/c360studio/crossdb/plan"
	"github.com/c360studio/crossdb/planner"
	"github.com/c360studio/crossdb/progress"
)

// RunOptions control one facade invocation.
type RunOptions struct {
	// Optimize enables the best-effort LLM optimization pass.
	Optimize bool
	// DryRun returns the plan and validation without executing.
	DryRun bool
}

// Execution is the execution block of the envelope.
type Execution struct {
	Success          bool             `json:"success"`
	ExecutionSummary executor.Summary `json:"execution_summary"`
	Result           any              `json:"result"`
}

// Envelope is the structured response of a facade run.
type Envelope struct {
	Success    bool            `json:"success"`
	SessionID  string          `json:"session_id"`
	Plan       *plan.QueryPlan `json:"plan"`
	Validation plan.Report     `json:"validation"`
	Execution  *Execution      `json:"execution,omitempty"`
	Internal   bool            `json:"internal_error,omitempty"`
}

// Facade wires the planning pipeline, executor, and aggregator behind one
// entry point. Long-lived; safe for concurrent Run calls.
type Facade struct {
	planner  *planner.Pipeline
	executor *executor.Executor
	agg      *aggregate.Aggregator
	bus      *progress.Bus
	logger   *slog.Logger
}

// Option configures a Facade.
type Option func(*Facade)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Facade) { f.logger = logger }
}

// WithBus attaches the progress bus shared with the planner and executor.
func WithBus(bus *progress.Bus) Option {
	return func(f *Facade) { f.bus = bus }
}

// WithAggregator sets the aggregator used for the post-execution merge.
func WithAggregator(agg *aggregate.Aggregator) Option {
	return func(f *Facade) { f.agg = agg }
}

// New creates a Facade.
func New(pipeline *planner.Pipeline, exec *executor.Executor, opts ...Option) *Facade {
	f := &Facade{
		planner:  pipeline,
		executor: exec,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.agg == nil {
		f.agg = aggregate.New(aggregate.WithLogger(f.logger))
	}
	return f
}

// Run answers a question. The envelope is always fully populated; a failed
// plan or execution yields success=false, never an error or panic.
func (f *Facade) Run(ctx context.Context, question string, opts RunOptions) (envelope *Envelope) {
	sessionID := uuid.NewString()
	envelope = &Envelope{SessionID: sessionID}

	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("Facade run panicked", "session_id", sessionID, "panic", r)
			envelope.Success = false
			envelope.Internal = true
			envelope.Validation.Errors = append(envelope.Validation.Errors,
				fmt.Sprintf("internal: %v", r))
			f.publish(progress.NewEvent(progress.EventError, sessionID, map[string]any{
				"error":    fmt.Sprintf("%v", r),
				"internal": true,
			}))
		}
		f.publish(progress.NewEvent(progress.EventComplete, sessionID, map[string]any{
			"success": envelope.Success,
		}))
	}()

	qp, report := f.planner.Plan(ctx, question, opts.Optimize, sessionID)
	envelope.Plan = qp
	envelope.Validation = report
	if !report.Valid {
		f.publish(progress.NewEvent(progress.EventError, sessionID, map[string]any{
			"stage":  "planning",
			"errors": report.Errors,
		}))
		return envelope
	}
	if opts.DryRun {
		envelope.Success = true
		return envelope
	}

	f.publish(progress.NewEvent(progress.EventQueryExecuting, sessionID, map[string]any{
		"operations": len(qp.Operations),
	}))
	outcome, err := f.executor.Execute(ctx, qp, sessionID)
	if err != nil {
		envelope.Success = false
		envelope.Internal = true
		envelope.Validation.Errors = append(envelope.Validation.Errors, err.Error())
		f.publish(progress.NewEvent(progress.EventError, sessionID, map[string]any{
			"stage": "execution",
			"error": err.Error(),
		}))
		return envelope
	}

	envelope.Success = outcome.Success
	envelope.Execution = &Execution{
		Success:          outcome.Success,
		ExecutionSummary: outcome.Summary,
		Result:           f.finalResult(qp, outcome, sessionID),
	}
	return envelope
}

// finalResult selects the plan's answer: the output operation's rows when
// one is declared (an aggregator terminal op carries the combined result),
// otherwise a merge over all leaf successes.
func (f *Facade) finalResult(qp *plan.QueryPlan, outcome *executor.Outcome, sessionID string) any {
	if outputID := qp.Metadata.OutputOperationID; outputID != "" {
		return outcome.Results[outputID]
	}

	f.publish(progress.NewEvent(progress.EventAggregating, sessionID, map[string]any{
		"function": "merge",
	}))
	var inputs []aggregate.SourceResult
	for _, leaf := range qp.Leaves() {
		input := aggregate.SourceResult{SourceID: leaf.SourceID}
		if input.SourceID == "" {
			input.SourceID = leaf.ID
		}
		if leaf.Status == plan.StatusCompleted {
			input.Rows = outcome.Results[leaf.ID]
		} else {
			input.Err = fmt.Errorf("%s", leaf.Error)
		}
		inputs = append(inputs, input)
	}
	merged := f.agg.Merge(inputs)
	f.publish(progress.NewEvent(progress.EventAggregationComplete, sessionID, map[string]any{
		"rows":     len(merged.Rows),
		"failures": len(merged.Failures),
	}))
	if len(merged.Failures) == 0 {
		return merged.Rows
	}
	return map[string]any{
		"rows":     merged.Rows,
		"failures": merged.Failures,
	}
}

func (f *Facade) publish(event progress.Event) {
	if f.bus != nil {
		f.bus.Publish(event)
	}
}
