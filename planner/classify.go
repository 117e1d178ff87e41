package planner

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/c360studio/crossdb/plan"
	"github.com/c360studio/crossdb/progress"
)

// classify selects candidate backend kinds for a question: LLM first, with a
// single retry, then the rule-based fallback. The returned kinds are always
// a subset of the kinds the registry actually knows.
func (p *Pipeline) classify(ctx context.Context, question, sessionID string, report *plan.Report) []string {
	p.publish(progress.NewEvent(progress.EventClassifying, sessionID, map[string]any{"question": question}))

	known := p.knownKinds()
	kinds := p.classifyLLM(ctx, question, known, report)
	if len(kinds) == 0 {
		kinds = p.classifyRules(question, known)
		if len(kinds) > 0 {
			p.logger.Debug("Rule-based classification used", "kinds", kinds)
		}
	}

	if len(kinds) > 0 {
		p.publish(progress.NewEvent(progress.EventDatabasesSelected, sessionID, map[string]any{"kinds": kinds}))
	}
	return kinds
}

func (p *Pipeline) classifyLLM(ctx context.Context, question string, known map[string]bool, report *plan.Report) []string {
	prompt, err := p.templates.Render(templateClassify, map[string]any{
		"Question": question,
		"Sources":  p.registry.ListSources(),
	})
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("render classification prompt: %v", err))
		return nil
	}

	for attempt := 0; attempt < 2; attempt++ {
		doc, err := p.client.CompleteJSON(ctx, prompt, &p.temperature)
		if err != nil {
			if attempt == 0 {
				continue
			}
			p.logger.Warn("LLM classification failed, falling back to rules", "error", err)
			return nil
		}
		kinds := filterKinds(doc["selected_kinds"], known)
		if len(kinds) > 0 {
			return kinds
		}
	}
	return nil
}

// classifyRules is the deterministic fallback: vocabulary overlap via the
// registry's recommender, plus explicit kind mentions in the question.
func (p *Pipeline) classifyRules(question string, known map[string]bool) []string {
	selected := make(map[string]bool)
	for _, sourceID := range p.registry.RecommendSources(question) {
		kind := plan.KindOf(sourceID)
		if known[kind] {
			selected[kind] = true
		}
	}

	lowered := strings.ToLower(question)
	for kind := range known {
		if strings.Contains(lowered, kind) {
			selected[kind] = true
		}
	}

	kinds := make([]string, 0, len(selected))
	for kind := range selected {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// knownKinds is the set of backend kinds present in the registry.
func (p *Pipeline) knownKinds() map[string]bool {
	known := make(map[string]bool)
	for _, source := range p.registry.ListSources() {
		known[source.Kind] = true
	}
	return known
}

// filterKinds keeps only the registry-known kinds from an LLM kind list, in
// response order without duplicates.
func filterKinds(raw any, known map[string]bool) []string {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	seen := make(map[string]bool)
	var kinds []string
	for _, item := range items {
		kind, ok := item.(string)
		if !ok {
			continue
		}
		kind = strings.ToLower(strings.TrimSpace(kind))
		if known[kind] && !seen[kind] {
			seen[kind] = true
			kinds = append(kinds, kind)
		}
	}
	return kinds
}
