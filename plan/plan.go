package plan

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Sentinel errors for plan operations.
var (
	ErrEmptyPlan       = errors.New("plan has no operations")
	ErrDuplicateID     = errors.New("duplicate operation id")
	ErrUnknownSourceID = errors.New("source id cannot be resolved")
)

// PlanMetadata carries plan-level descriptive fields.
type PlanMetadata struct {
	Question          string   `json:"question,omitempty"`
	CreatedAt         string   `json:"created_at"`
	Version           string   `json:"version"`
	OutputOperationID string   `json:"output_operation_id,omitempty"`
	OptimizationNotes []string `json:"optimization_notes,omitempty"`
}

// QueryPlan is an ordered sequence of operations plus plan metadata. The
// structure is immutable during execution; only per-operation status and
// result fields mutate.
type QueryPlan struct {
	ID         string       `json:"id"`
	Metadata   PlanMetadata `json:"metadata"`
	Operations []*Operation `json:"operations"`
}

// New creates a plan over the given operations, assigning an ID and
// timestamp. Operations are kept in the given order.
func New(operations []*Operation, meta PlanMetadata) *QueryPlan {
	if meta.CreatedAt == "" {
		meta.CreatedAt = nowISO()
	}
	if meta.Version == "" {
		meta.Version = "1.0"
	}
	return &QueryPlan{
		ID:         uuid.New().String(),
		Metadata:   meta,
		Operations: operations,
	}
}

// Operation returns the operation with the given ID, or nil.
func (p *QueryPlan) Operation(id string) *Operation {
	for _, op := range p.Operations {
		if op.ID == id {
			return op
		}
	}
	return nil
}

// Leaves returns the operations nothing depends on, in plan order.
func (p *QueryPlan) Leaves() []*Operation {
	g := p.DAG()
	var leaves []*Operation
	for _, op := range p.Operations {
		if len(g.Dependents(op.ID)) == 0 {
			leaves = append(leaves, op)
		}
	}
	return leaves
}

// DAG builds the dependency graph for this plan.
func (p *QueryPlan) DAG() *DAG {
	return NewDAG(p.Operations)
}

// SourceResolver is the subset of the schema registry the plan validator
// needs: whether a canonical source ID exists.
type SourceResolver interface {
	HasSource(id string) bool
}

// Report is the outcome of structural validation.
type Report struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings,omitempty"`
}

func (r *Report) addError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *Report) addWarning(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Validate performs structural validation: non-empty operations, per-variant
// checks, source resolution, depends_on reference integrity, and acyclicity.
// A nil resolver skips source resolution (used for plans built from already
// validated input).
func (p *QueryPlan) Validate(resolver SourceResolver) Report {
	report := Report{Errors: []string{}}

	if len(p.Operations) == 0 {
		report.addError("%s", ErrEmptyPlan)
		return report
	}

	ids := make(map[string]bool, len(p.Operations))
	for _, op := range p.Operations {
		if op.ID == "" {
			report.addError("operation with empty id")
			continue
		}
		if ids[op.ID] {
			report.addError("%s: %s", ErrDuplicateID, op.ID)
		}
		ids[op.ID] = true
	}

	for _, op := range p.Operations {
		if op.Params == nil {
			report.addError("operation %s: no parameters", op.ID)
			continue
		}
		if err := op.Params.Validate(); err != nil {
			report.addError("%s", err)
		}

		if !op.Pure() {
			if op.SourceID == "" {
				report.addError("operation %s: source_id is required", op.ID)
			} else if resolver != nil {
				canonical, _, err := NormalizeSourceID(op.SourceID)
				if err != nil {
					report.addError("operation %s: %s", op.ID, err)
				} else if !resolver.HasSource(canonical) {
					report.addError("operation %s: %s: %s", op.ID, ErrUnknownSourceID, op.SourceID)
				}
			}
		}

		for _, dep := range op.DependsOn {
			if !ids[dep] {
				report.addError("operation %s: depends_on references unknown operation %s", op.ID, dep)
			}
			if dep == op.ID {
				report.addError("operation %s: depends on itself", op.ID)
			}
		}
	}

	if cycle := p.DAG().FindCycle(); cycle != nil {
		report.addError("cycle: %s", strings.Join(cycle, " -> "))
	}

	if out := p.Metadata.OutputOperationID; out != "" && !ids[out] {
		report.addWarning("output_operation_id %s is not in the plan", out)
	}

	report.Valid = len(report.Errors) == 0
	return report
}

// NormalizeSourceID resolves a source reference to its canonical form.
// Accepted inputs:
//
//	postgres_main                      -> ("postgres_main", "")
//	mongodb:collection:orders          -> ("mongodb_main", "orders")
//	postgres:table:users               -> ("postgres_main", "users")
//
// The compound form names a backend kind, an object kind, and an object; the
// canonical source for a bare kind is "{kind}_main". Normalization is pure;
// whether the canonical ID exists is the registry's concern.
func NormalizeSourceID(raw string) (canonical, object string, err error) {
	if raw == "" {
		return "", "", fmt.Errorf("empty source id")
	}
	if !strings.Contains(raw, ":") {
		if strings.Contains(raw, "_") {
			return raw, "", nil
		}
		// Bare kind shorthand.
		return raw + "_main", "", nil
	}

	parts := strings.Split(raw, ":")
	if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
		return "", "", fmt.Errorf("malformed compound source id %q (want kind:object_kind:name)", raw)
	}
	return parts[0] + "_main", parts[2], nil
}

// KindOf extracts the backend kind from a canonical source ID
// ("postgres_main" -> "postgres"). Returns the input unchanged when it has
// no tag suffix.
func KindOf(sourceID string) string {
	if i := strings.Index(sourceID, "_"); i > 0 {
		return sourceID[:i]
	}
	return sourceID
}
