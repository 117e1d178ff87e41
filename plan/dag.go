package plan

import (
	"fmt"
	"sort"
	"strings"
)

// DAG is the dependency graph derived from a plan's operations. Adjacency is
// recomputed from depends_on; nodes hold IDs only, never pointers into the
// plan, so the graph carries no ownership.
type DAG struct {
	ordered []string                   // insertion order for deterministic output
	nodes   map[string]bool
	forward map[string]map[string]bool // forward[dep][dependent]: dep -> things waiting on it
	reverse map[string]map[string]bool // reverse[dependent][dep]: dependent -> its deps
}

// NewDAG builds the graph from a set of operations. Edges referencing IDs
// outside the plan are ignored here; reference integrity is a validation
// concern, not a graph concern.
func NewDAG(operations []*Operation) *DAG {
	g := &DAG{
		nodes:   make(map[string]bool),
		forward: make(map[string]map[string]bool),
		reverse: make(map[string]map[string]bool),
	}
	for _, op := range operations {
		g.addNode(op.ID)
	}
	for _, op := range operations {
		for _, dep := range op.DependsOn {
			if g.nodes[dep] {
				g.addEdge(dep, op.ID)
			}
		}
	}
	return g
}

func (g *DAG) addNode(id string) {
	if g.nodes[id] {
		return
	}
	g.nodes[id] = true
	g.forward[id] = make(map[string]bool)
	g.reverse[id] = make(map[string]bool)
	g.ordered = append(g.ordered, id)
}

// addEdge records that dependent waits on dep.
func (g *DAG) addEdge(dep, dependent string) {
	g.forward[dep][dependent] = true
	g.reverse[dependent][dep] = true
}

// Size returns the node count.
func (g *DAG) Size() int { return len(g.ordered) }

// Dependents returns the IDs directly waiting on id, sorted.
func (g *DAG) Dependents(id string) []string {
	return sortedKeys(g.forward[id])
}

// Dependencies returns the IDs id directly waits on, sorted.
func (g *DAG) Dependencies(id string) []string {
	return sortedKeys(g.reverse[id])
}

// TransitiveDependents returns every node reachable from id along forward
// edges, excluding id itself.
func (g *DAG) TransitiveDependents(id string) []string {
	seen := make(map[string]bool)
	var walk func(string)
	walk = func(n string) {
		for next := range g.forward[n] {
			if !seen[next] {
				seen[next] = true
				walk(next)
			}
		}
	}
	walk(id)
	return sortedKeys(seen)
}

// dfs colors for cycle detection.
const (
	colorWhite = iota // unvisited
	colorGray         // on the current DFS stack
	colorBlack        // fully explored
)

// FindCycle runs a three-color DFS and returns the first cycle found as an
// ID path (closed: first element repeated at the end), or nil when acyclic.
func (g *DAG) FindCycle() []string {
	color := make(map[string]int, len(g.nodes))
	parent := make(map[string]string, len(g.nodes))

	var cycle []string
	var visit func(string) bool
	visit = func(n string) bool {
		color[n] = colorGray
		for _, next := range sortedKeys(g.forward[n]) {
			switch color[next] {
			case colorWhite:
				parent[next] = n
				if visit(next) {
					return true
				}
			case colorGray:
				// Back edge: walk parents from n back to next.
				path := []string{next}
				for at := n; at != next; at = parent[at] {
					path = append(path, at)
				}
				// Reverse into dependency order and close the loop.
				for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
					path[i], path[j] = path[j], path[i]
				}
				cycle = append(path, next)
				return true
			}
		}
		color[n] = colorBlack
		return false
	}

	for _, n := range g.ordered {
		if color[n] == colorWhite && visit(n) {
			return cycle
		}
	}
	return nil
}

// HasCycles reports whether the graph contains a cycle.
func (g *DAG) HasCycles() bool {
	return g.FindCycle() != nil
}

// TopologicalOrder returns an execution order via Kahn's algorithm. Every
// operation appears after all of its dependencies. Returns an error naming
// the cycle when the graph is cyclic.
func (g *DAG) TopologicalOrder() ([]string, error) {
	indegree := make(map[string]int, len(g.nodes))
	for _, n := range g.ordered {
		indegree[n] = len(g.reverse[n])
	}

	var queue []string
	for _, n := range g.ordered {
		if indegree[n] == 0 {
			queue = append(queue, n)
		}
	}

	order := make([]string, 0, len(g.nodes))
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		order = append(order, n)
		for _, next := range sortedKeys(g.forward[n]) {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(order) != len(g.nodes) {
		if cycle := g.FindCycle(); cycle != nil {
			return nil, fmt.Errorf("cycle: %s", strings.Join(cycle, " -> "))
		}
		return nil, fmt.Errorf("graph is cyclic")
	}
	return order, nil
}

// Layers returns the advisory parallel schedule: repeated frontier of
// in-degree-zero nodes. The executor does not wait for layer boundaries;
// the layering only describes which operations could start together.
func (g *DAG) Layers() ([][]string, error) {
	indegree := make(map[string]int, len(g.nodes))
	for _, n := range g.ordered {
		indegree[n] = len(g.reverse[n])
	}

	remaining := len(g.nodes)
	var layers [][]string
	for remaining > 0 {
		var layer []string
		for _, n := range g.ordered {
			if deg, ok := indegree[n]; ok && deg == 0 {
				layer = append(layer, n)
			}
		}
		if len(layer) == 0 {
			if cycle := g.FindCycle(); cycle != nil {
				return nil, fmt.Errorf("cycle: %s", strings.Join(cycle, " -> "))
			}
			return nil, fmt.Errorf("graph is cyclic")
		}
		for _, n := range layer {
			delete(indegree, n)
			remaining--
			for next := range g.forward[n] {
				if _, ok := indegree[next]; ok {
					indegree[next]--
				}
			}
		}
		layers = append(layers, layer)
	}
	return layers, nil
}

func sortedKeys(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
