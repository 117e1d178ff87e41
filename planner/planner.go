// Package planner turns a natural-language question into a validated query
// plan: LLM-driven backend classification with a rule-based fallback, schema
// context retrieval under a token budget, plan synthesis, structural
// validation, and optional best-effort optimization.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/c360studio/crossdb/adapter"
	"github.com/c360studio/crossdb/config"
	"github.com/c360studio/crossdb/llm"
	"github.com/c360studio/crossdb/plan"
	"github.com/c360studio/crossdb/progress"
	"github.com/c360studio/crossdb/registry"
)

// LLMClient is the completion surface the pipeline consumes.
type LLMClient interface {
	CompleteJSON(ctx context.Context, prompt string, temperature *float64) (map[string]any, error)
}

// Pipeline synthesizes plans. Safe for concurrent callers.
type Pipeline struct {
	client    LLMClient
	registry  registry.Registry
	cfg       config.PlanningConfig
	templates *llm.TemplateSet

	temperature float64
	logger      *slog.Logger
	bus         *progress.Bus
	probes      *adapter.Factory
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// WithBus attaches a progress bus for planning-stage events.
func WithBus(bus *progress.Bus) Option {
	return func(p *Pipeline) { p.bus = bus }
}

// WithTemperature overrides the synthesis temperature (default 0.2).
func WithTemperature(t float64) Option {
	return func(p *Pipeline) { p.temperature = t }
}

// WithStatisticsProbes supplies the adapter factory used for pre-optimization
// statistics gathering. Probes run only when the planning configuration
// enables them; every probe failure is non-fatal.
func WithStatisticsProbes(factory *adapter.Factory) Option {
	return func(p *Pipeline) { p.probes = factory }
}

// New creates a planning pipeline.
func New(client LLMClient, reg registry.Registry, cfg config.PlanningConfig, opts ...Option) *Pipeline {
	p := &Pipeline{
		client:      client,
		registry:    reg,
		cfg:         cfg,
		templates:   newTemplateSet(),
		temperature: 0.2,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Plan runs the pipeline. It never returns an error: failures surface in the
// validation report and the plan may be empty.
func (p *Pipeline) Plan(ctx context.Context, question string, optimize bool, sessionID string) (*plan.QueryPlan, plan.Report) {
	report := plan.Report{Errors: []string{}}

	kinds := p.classify(ctx, question, sessionID, &report)
	if len(kinds) == 0 {
		report.Valid = false
		report.Errors = append(report.Errors, "no candidate backends for question")
		return plan.New(nil, plan.PlanMetadata{Question: question}), report
	}

	schema := p.schemaContext(ctx, question, kinds, sessionID)

	qp, synthErrs := p.synthesize(ctx, question, kinds, schema, sessionID)
	report.Errors = append(report.Errors, synthErrs...)
	if qp == nil || len(qp.Operations) == 0 {
		report.Valid = false
		if len(synthErrs) == 0 {
			report.Errors = append(report.Errors, "plan synthesis produced no operations")
		}
		return plan.New(nil, plan.PlanMetadata{Question: question}), report
	}

	validation := qp.Validate(p.registry)
	report.Valid = validation.Valid && len(report.Errors) == 0
	report.Errors = append(report.Errors, validation.Errors...)
	report.Warnings = append(report.Warnings, validation.Warnings...)
	p.publish(progress.NewEvent(progress.EventPlanValidated, sessionID, map[string]any{
		"valid":      report.Valid,
		"operations": len(qp.Operations),
	}))
	if !report.Valid {
		return qp, report
	}

	if optimize {
		qp = p.optimize(ctx, question, qp, schema, sessionID, &report)
	}
	return qp, report
}

// synthesize asks the LLM for a plan document, retrying once with the parse
// error folded into the prompt.
func (p *Pipeline) synthesize(ctx context.Context, question string, kinds []string, schema []string, sessionID string) (*plan.QueryPlan, []string) {
	p.publish(progress.NewEvent(progress.EventPlanning, sessionID, map[string]any{"kinds": kinds}))
	p.publish(progress.NewEvent(progress.EventQueryGenerating, sessionID, nil))

	vars := map[string]any{
		"Question":   question,
		"Kinds":      kinds,
		"Sources":    p.registry.ListSources(),
		"Schema":     schema,
		"ParseError": "",
	}

	var doc map[string]any
	for attempt := 0; attempt < 2; attempt++ {
		prompt, err := p.templates.Render(templateOrchestrate, vars)
		if err != nil {
			return nil, []string{fmt.Sprintf("render orchestration prompt: %v", err)}
		}
		doc, err = p.client.CompleteJSON(ctx, prompt, &p.temperature)
		if err == nil {
			qp, opErrs := p.buildPlan(question, doc)
			if len(opErrs) == 0 {
				return qp, nil
			}
			// Feed the structural errors back for one repair attempt.
			vars["ParseError"] = strings.Join(opErrs, "; ")
			if attempt == 1 {
				return qp, opErrs
			}
			continue
		}
		if attempt == 1 {
			return nil, []string{fmt.Sprintf("plan synthesis failed: %v", err)}
		}
		vars["ParseError"] = err.Error()
	}
	return nil, []string{"plan synthesis failed"}
}

// buildPlan constructs operations from the LLM plan document via the variant
// factory, collecting per-operation errors.
func (p *Pipeline) buildPlan(question string, doc map[string]any) (*plan.QueryPlan, []string) {
	rawOps, _ := doc["operations"].([]any)
	var errs []string
	ops := make([]*plan.Operation, 0, len(rawOps))
	for i, raw := range rawOps {
		opDoc, ok := raw.(map[string]any)
		if !ok {
			errs = append(errs, fmt.Sprintf("operation %d: not an object", i))
			continue
		}
		op, err := operationFromDoc(opDoc)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		ops = append(ops, op)
	}

	meta := plan.PlanMetadata{Question: question}
	if outputID, ok := doc["output_operation_id"].(string); ok {
		meta.OutputOperationID = outputID
	}
	return plan.New(ops, meta), errs
}

// operationFromDoc maps one LLM operation object onto the variant factory.
func operationFromDoc(doc map[string]any) (*plan.Operation, error) {
	id, _ := doc["id"].(string)
	if id == "" {
		return nil, fmt.Errorf("operation without id")
	}
	kind, _ := doc["kind"].(string)
	if kind == "" {
		kind, _ = doc["db_type"].(string)
	}
	sourceID, _ := doc["source_id"].(string)
	if kind == "" && sourceID != "" {
		kind = plan.KindOf(sourceID)
	}
	if kind == "" {
		return nil, fmt.Errorf("operation %s: no backend kind", id)
	}

	params, _ := doc["params"].(map[string]any)
	var dependsOn []string
	if deps, ok := doc["depends_on"].([]any); ok {
		for _, dep := range deps {
			if s, ok := dep.(string); ok {
				dependsOn = append(dependsOn, s)
			}
		}
	}

	var meta plan.Metadata
	if rawMeta, ok := doc["metadata"].(map[string]any); ok {
		if data, err := json.Marshal(rawMeta); err == nil {
			_ = json.Unmarshal(data, &meta)
		}
	}
	return plan.NewOperation(kind, id, sourceID, params, dependsOn, meta)
}

// optimize is best-effort: any failure, parse or validation, returns the
// original plan untouched.
func (p *Pipeline) optimize(ctx context.Context, question string, qp *plan.QueryPlan, schema []string, sessionID string, report *plan.Report) *plan.QueryPlan {
	encoded, err := qp.Encode()
	if err != nil {
		return qp
	}
	vars := map[string]any{
		"Question":   question,
		"Plan":       string(encoded),
		"Schema":     schema,
		"Statistics": p.gatherStatistics(ctx, qp),
	}
	prompt, err := p.templates.Render(templateOptimize, vars)
	if err != nil {
		return qp
	}

	doc, err := p.client.CompleteJSON(ctx, prompt, &p.temperature)
	if err != nil {
		p.logger.Debug("Plan optimization skipped", "error", err)
		return qp
	}
	optimized, opErrs := p.buildPlan(question, doc)
	if len(opErrs) > 0 || len(optimized.Operations) == 0 {
		p.logger.Debug("Plan optimization rejected", "errors", opErrs)
		return qp
	}
	if optimized.Metadata.OutputOperationID == "" {
		optimized.Metadata.OutputOperationID = qp.Metadata.OutputOperationID
	}
	validation := optimized.Validate(p.registry)
	if !validation.Valid {
		p.logger.Debug("Optimized plan failed validation", "errors", validation.Errors)
		return qp
	}
	if notes, ok := doc["optimization_notes"].([]any); ok {
		for _, note := range notes {
			if s, ok := note.(string); ok {
				optimized.Metadata.OptimizationNotes = append(optimized.Metadata.OptimizationNotes, s)
			}
		}
	}
	report.Warnings = append(report.Warnings, validation.Warnings...)
	return optimized
}

// gatherStatistics runs light pre-optimization probes against the plan's
// sources when enabled: connectivity and table counts only. Best-effort by
// contract; failures produce no statistics, never errors.
func (p *Pipeline) gatherStatistics(ctx context.Context, qp *plan.QueryPlan) []string {
	if !p.cfg.StatisticsProbes || p.probes == nil {
		return nil
	}
	seen := make(map[string]bool)
	var stats []string
	for _, op := range qp.Operations {
		if op.SourceID == "" || seen[op.SourceID] {
			continue
		}
		seen[op.SourceID] = true

		backend, err := p.probes.Get(op.SourceID)
		if err != nil {
			continue
		}
		tables, err := backend.IntrospectSchema(ctx)
		if err != nil {
			p.logger.Debug("Statistics probe failed", "source_id", op.SourceID, "error", err)
			continue
		}
		stats = append(stats, fmt.Sprintf("%s: %d tables/collections", op.SourceID, len(tables)))
	}
	return stats
}

func (p *Pipeline) publish(event progress.Event) {
	if p.bus != nil {
		p.bus.Publish(event)
	}
}
