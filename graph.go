package modloader

import (
	"fmt"
	"slices"
	"strings"
)

// DependencyGraph is the module dependency graph used to compute start order.
// Edges point from a module to the modules it depends on. Ordering is
// deterministic: among modules that are ready at the same time, the one added
// first comes first.
type DependencyGraph struct {
	nodes      []string
	index      map[string]int
	deps       map[string][]string
	dependents map[string][]string
}

// NewDependencyGraph creates an empty graph.
func NewDependencyGraph() *DependencyGraph {
	return &DependencyGraph{
		index:      make(map[string]int),
		deps:       make(map[string][]string),
		dependents: make(map[string][]string),
	}
}

// AddModule adds a node. Calling it again for the same id adds edges only.
func (g *DependencyGraph) AddModule(id string, dependsOn ...string) {
	if _, ok := g.index[id]; !ok {
		g.index[id] = len(g.nodes)
		g.nodes = append(g.nodes, id)
	}
	for _, dep := range dependsOn {
		g.AddEdge(id, dep)
	}
}

// AddEdge records that from depends on to. Both nodes are added if missing.
func (g *DependencyGraph) AddEdge(from, to string) {
	g.AddModule(from)
	g.AddModule(to)
	if slices.Contains(g.deps[from], to) {
		return
	}
	g.deps[from] = append(g.deps[from], to)
	g.dependents[to] = append(g.dependents[to], from)
}

// Len returns the number of modules in the graph.
func (g *DependencyGraph) Len() int { return len(g.nodes) }

// DependenciesOf returns the direct dependencies of id.
func (g *DependencyGraph) DependenciesOf(id string) []string {
	return slices.Clone(g.deps[id])
}

// DependentsOf returns the modules that directly depend on id.
func (g *DependencyGraph) DependentsOf(id string) []string {
	return slices.Clone(g.dependents[id])
}

// Order returns the modules sorted so that every module follows all of its
// dependencies. A cycle yields an error wrapping ErrDependencyCycle that
// names the modules on the cycle.
func (g *DependencyGraph) Order() ([]string, error) {
	pending := make(map[string]int, len(g.nodes))
	var ready []string
	for _, id := range g.nodes {
		pending[id] = len(g.deps[id])
		if pending[id] == 0 {
			ready = append(ready, id)
		}
	}

	order := make([]string, 0, len(g.nodes))
	for len(ready) > 0 {
		slices.SortFunc(ready, func(a, b string) int { return g.index[a] - g.index[b] })
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)

		for _, dependent := range g.dependents[next] {
			pending[dependent]--
			if pending[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(order) != len(g.nodes) {
		remaining := make(map[string]bool)
		for id, n := range pending {
			if n > 0 {
				remaining[id] = true
			}
		}
		cycle := g.findCycle(remaining)
		return nil, fmt.Errorf("%w: %s", ErrDependencyCycle, strings.Join(cycle, " -> "))
	}
	return order, nil
}

// findCycle walks the unsorted remainder to report one concrete cycle.
func (g *DependencyGraph) findCycle(remaining map[string]bool) []string {
	var start string
	for _, id := range g.nodes {
		if remaining[id] {
			start = id
			break
		}
	}

	const (
		unvisited = iota
		onStack
		done
	)
	mark := make(map[string]int)
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		mark[id] = onStack
		stack = append(stack, id)
		for _, dep := range g.deps[id] {
			if !remaining[dep] {
				continue
			}
			switch mark[dep] {
			case onStack:
				i := slices.Index(stack, dep)
				cycle = append(slices.Clone(stack[i:]), dep)
				return true
			case unvisited:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		mark[id] = done
		return false
	}

	if start != "" && visit(start) {
		return cycle
	}
	// Not reached: every remaining node has a remaining dependency.
	var ids []string
	for _, id := range g.nodes {
		if remaining[id] {
			ids = append(ids, id)
		}
	}
	return ids
}
