package planner

import (
	"context"
	"sort"

	"github.com/c360studio/crossdb/progress"
	"github.com/c360studio/crossdb/registry"
)

// tokenDivisor approximates tokens from characters. Close enough for budget
// enforcement; the budget is advisory, not a hard model limit.
const tokenDivisor = 4

// schemaContext retrieves schema snippets for each candidate kind, dedupes
// them, and greedily packs the highest-scoring ones under the token budget.
func (p *Pipeline) schemaContext(ctx context.Context, question string, kinds []string, sessionID string) []string {
	p.publish(progress.NewEvent(progress.EventSchemaLoading, sessionID, map[string]any{"kinds": kinds}))

	var hits []registry.SearchHit
	for _, kind := range kinds {
		kindHits, err := p.registry.SchemaSearch(ctx, question, kind, p.cfg.SchemaItemsPerKind)
		if err != nil {
			p.logger.Warn("Schema search failed", "kind", kind, "error", err)
			continue
		}
		hits = append(hits, kindHits...)
	}

	seen := make(map[string]bool)
	deduped := hits[:0]
	for _, hit := range hits {
		if seen[hit.Content] {
			continue
		}
		seen[hit.Content] = true
		deduped = append(deduped, hit)
	}
	sort.SliceStable(deduped, func(i, j int) bool {
		return deduped[i].Score > deduped[j].Score
	})

	budget := p.cfg.MaxSchemaTokens
	var selected []string
	for _, hit := range deduped {
		cost := len(hit.Content) / tokenDivisor
		if cost > budget {
			continue
		}
		budget -= cost
		selected = append(selected, hit.Content)
	}

	p.publish(progress.NewEvent(progress.EventSchemaChunks, sessionID, map[string]any{
		"retrieved": len(hits),
		"selected":  len(selected),
	}))
	return selected
}
