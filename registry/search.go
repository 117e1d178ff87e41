package registry

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// tokenPattern splits questions and schema text into lowercase word tokens.
var tokenPattern = regexp.MustCompile(`[a-zA-Z0-9_]+`)

// kindKeywords maps backend kinds to vocabulary that signals relevance when a
// question doesn't mention a table directly.
var kindKeywords = map[string][]string{
	"postgres": {"sql", "table", "rows", "users", "records", "relational", "database", "join"},
	"mongodb":  {"document", "collection", "mongo", "nosql", "orders"},
	"qdrant":   {"similar", "similarity", "semantic", "embedding", "vector", "nearest"},
	"slack":    {"message", "messages", "channel", "conversation", "said", "discussed", "slack"},
	"shopify":  {"product", "products", "order", "orders", "customer", "cart", "shop", "store", "sales"},
	"ga4":      {"traffic", "sessions", "pageviews", "visitors", "analytics", "bounce", "conversion"},
}

func tokenize(text string) []string {
	raw := tokenPattern.FindAllString(strings.ToLower(text), -1)
	return raw
}

func tokenSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range tokenize(text) {
		set[tok] = true
	}
	return set
}

// RecommendSources implements Registry with a rule-based scorer: keyword hits
// per kind, direct table/field mentions, and explicit kind mentions.
func (r *FileRegistry) RecommendSources(question string) []string {
	tokens := tokenSet(question)

	r.mu.RLock()
	defer r.mu.RUnlock()

	scores := make(map[string]float64)
	for id, source := range r.sources {
		// Explicit kind mention is the strongest signal.
		if tokens[source.Kind] {
			scores[id] += 3
		}
		for _, kw := range kindKeywords[source.Kind] {
			if tokens[kw] {
				scores[id]++
			}
		}
		for name, table := range r.tables[id] {
			if tokens[strings.ToLower(name)] {
				scores[id] += 2
			}
			for field := range table.Fields {
				if tokens[strings.ToLower(field)] {
					scores[id] += 0.5
				}
			}
		}
	}

	var ids []string
	for id, score := range scores {
		if score > 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		if scores[ids[i]] != scores[ids[j]] {
			return scores[ids[i]] > scores[ids[j]]
		}
		return ids[i] < ids[j]
	})
	return ids
}

// SchemaSearch implements Registry with token-overlap scoring over rendered
// table descriptors. It satisfies the port's async surface so a remote
// vector-index implementation can replace it without touching callers.
func (r *FileRegistry) SchemaSearch(ctx context.Context, question, kind string, topK int) ([]SearchHit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = 5
	}
	tokens := tokenSet(question)

	r.mu.RLock()
	defer r.mu.RUnlock()

	var hits []SearchHit
	for id, source := range r.sources {
		if kind != "" && source.Kind != kind {
			continue
		}
		for name, table := range r.tables[id] {
			content := renderTable(source, table)
			score := overlapScore(tokens, content)
			if tokens[strings.ToLower(name)] {
				score += 1
			}
			if score <= 0 {
				continue
			}
			hits = append(hits, SearchHit{
				Score:   score,
				Content: content,
				Metadata: map[string]any{
					"source_id": id,
					"kind":      source.Kind,
					"table":     name,
				},
			})
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Content < hits[j].Content
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// overlapScore counts question tokens appearing in the content.
func overlapScore(questionTokens map[string]bool, content string) float64 {
	var score float64
	for tok := range tokenSet(content) {
		if questionTokens[tok] {
			score++
		}
	}
	return score
}

// renderTable produces the schema snippet handed to the planner LLM.
func renderTable(source DataSource, table TableDescriptor) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s) %s:", source.ID, source.Kind, table.Name)
	if table.Description != "" {
		fmt.Fprintf(&b, " %s.", table.Description)
	}
	fields := make([]string, 0, len(table.Fields))
	for name := range table.Fields {
		fields = append(fields, name)
	}
	sort.Strings(fields)
	for _, name := range fields {
		meta := table.Fields[name]
		fmt.Fprintf(&b, " %s %s", name, meta.DataType)
		if meta.PrimaryKey {
			b.WriteString(" pk")
		}
		if meta.VectorDim > 0 {
			fmt.Fprintf(&b, " dim=%d metric=%s", meta.VectorDim, meta.VectorMetric)
		}
		b.WriteString(";")
	}
	return b.String()
}
