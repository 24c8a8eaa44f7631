// Package depgraph derives the data-dependency index from visibility
// expressions: an edge runs from a referenced unit to every unit whose
// visibility rule reads its data. The graph drives cascading
// invalidation when already-submitted data is edited.
package depgraph

import (
	"log"
	"sort"

	"github.com/openbehavior/pathway/internal/definition"
	"github.com/openbehavior/pathway/internal/rules"
)

// #region build

// Graph is the immutable dependency index for one definition.
type Graph struct {
	dependents   map[string][]string // referenced unit -> referencing units
	dependencies map[string][]string // referencing unit -> referenced units
}

// Build scans every visibility expression in the tree for unit
// references. Malformed expressions are skipped with a warning; they
// default to visible at runtime and so can never invalidate anything.
func Build(d *definition.Definition) *Graph {
	ix := definition.BuildIndex(d)
	g := &Graph{
		dependents:   map[string][]string{},
		dependencies: map[string][]string{},
	}
	for _, id := range ix.UnitIDs() {
		node := ix.Lookup(id).Node
		if node.Rules == nil || node.Rules.Visibility == "" {
			continue
		}
		prog, err := rules.Compile(node.Rules.Visibility)
		if err != nil {
			log.Printf("[DEPS] skipping malformed visibility rule on %s: %v", id, err)
			continue
		}
		for _, ref := range prog.PathRefs() {
			if ref == id || !ix.Has(ref) {
				continue
			}
			g.addEdge(ref, id)
		}
	}
	return g
}

func (g *Graph) addEdge(from, to string) {
	for _, existing := range g.dependents[from] {
		if existing == to {
			return
		}
	}
	g.dependents[from] = append(g.dependents[from], to)
	g.dependencies[to] = append(g.dependencies[to], from)
}

// #endregion build

// #region queries

// Dependents returns every unit transitively dependent on id's data,
// in topological order, so callers can invalidate upstream-first.
func (g *Graph) Dependents(id string) []string {
	reach := map[string]bool{}
	g.walk(id, g.dependents, reach)

	// Kahn's algorithm over the reachable subgraph. In-degrees count
	// only edges between reachable nodes; the edited unit itself is
	// not part of the output.
	indeg := map[string]int{}
	for n := range reach {
		indeg[n] = 0
	}
	for n := range reach {
		for _, dep := range g.dependents[n] {
			if reach[dep] {
				indeg[dep]++
			}
		}
	}
	var queue []string
	for n, deg := range indeg {
		if deg == 0 {
			queue = append(queue, n)
		}
	}
	sort.Strings(queue)

	var order []string
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		order = append(order, n)
		var next []string
		for _, dep := range g.dependents[n] {
			if !reach[dep] {
				continue
			}
			indeg[dep]--
			if indeg[dep] == 0 {
				next = append(next, dep)
			}
		}
		sort.Strings(next)
		queue = append(queue, next...)
	}

	// A cycle among rules leaves nodes with positive in-degree; append
	// them so the cascade still covers everything.
	if len(order) < len(reach) {
		var rest []string
		seen := map[string]bool{}
		for _, n := range order {
			seen[n] = true
		}
		for n := range reach {
			if !seen[n] {
				rest = append(rest, n)
			}
		}
		sort.Strings(rest)
		order = append(order, rest...)
	}
	return order
}

// Dependencies returns every unit whose data id's visibility
// transitively reads, in breadth-first order.
func (g *Graph) Dependencies(id string) []string {
	reach := map[string]bool{}
	g.walk(id, g.dependencies, reach)
	out := make([]string, 0, len(reach))
	for n := range reach {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// HasDependents reports whether editing id would invalidate anything.
func (g *Graph) HasDependents(id string) bool {
	return len(g.dependents[id]) > 0
}

func (g *Graph) walk(start string, edges map[string][]string, visited map[string]bool) {
	frontier := []string{start}
	for len(frontier) > 0 {
		n := frontier[0]
		frontier = frontier[1:]
		for _, next := range edges[n] {
			if next == start || visited[next] {
				continue
			}
			visited[next] = true
			frontier = append(frontier, next)
		}
	}
}

// #endregion queries
