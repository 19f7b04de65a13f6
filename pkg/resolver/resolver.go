// Package resolver builds the plugin dependency graph and computes
// deterministic initialization and teardown orders.
package resolver

import (
	"fmt"
	"sort"
	"strings"

	"github.com/srediag/plugin-host/pkg/manifest"
)

// CyclicDependencyError names every plugin participating in a dependency
// cycle.
type CyclicDependencyError struct {
	Members []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("cyclic plugin dependency: %s", strings.Join(e.Members, ", "))
}

// UnresolvedDependencyError reports a dependency on a plugin name absent
// from the descriptor set.
type UnresolvedDependencyError struct {
	Plugin  string
	Missing string
}

func (e *UnresolvedDependencyError) Error() string {
	return fmt.Sprintf("plugin %s requires %s, which is not present", e.Plugin, e.Missing)
}

// Graph is a directed dependency graph over plugin names. Edges point from
// a plugin to each plugin it requires. Graphs are immutable once built;
// a descriptor add, remove, or reload builds a new one.
type Graph struct {
	requires   map[string][]string // plugin -> sorted dependencies
	dependents map[string][]string // plugin -> sorted direct dependents
}

// New builds a graph from a descriptor set, rejecting references to names
// outside the set.
func New(set map[string]*manifest.Descriptor) (*Graph, error) {
	g := &Graph{
		requires:   make(map[string][]string, len(set)),
		dependents: make(map[string][]string, len(set)),
	}
	for name, d := range set {
		deps := append([]string(nil), d.Requires...)
		sort.Strings(deps)
		g.requires[name] = deps
		if _, ok := g.dependents[name]; !ok {
			g.dependents[name] = nil
		}
	}
	for name, deps := range g.requires {
		for _, dep := range deps {
			if _, ok := g.requires[dep]; !ok {
				return nil, &UnresolvedDependencyError{Plugin: name, Missing: dep}
			}
			g.dependents[dep] = append(g.dependents[dep], name)
		}
	}
	for _, d := range g.dependents {
		sort.Strings(d)
	}
	return g, nil
}

// Contains reports whether name is a node of the graph.
func (g *Graph) Contains(name string) bool {
	_, ok := g.requires[name]
	return ok
}

// Requires returns the direct dependencies of name.
func (g *Graph) Requires(name string) []string {
	return append([]string(nil), g.requires[name]...)
}

// Order returns a total initialization order consistent with every
// dependency edge. Ties break by ascending plugin name so the order is
// deterministic for a given descriptor set. A cycle yields a
// CyclicDependencyError listing all of its members.
func (g *Graph) Order() ([]string, error) {
	return g.orderOf(g.allNames())
}

// OrderComponent resolves only the undirected connected component
// containing name, so a descriptor change re-orders just the plugins it
// can affect.
func (g *Graph) OrderComponent(name string) ([]string, error) {
	if !g.Contains(name) {
		return nil, &UnresolvedDependencyError{Plugin: name, Missing: name}
	}
	return g.orderOf(g.component(name))
}

func (g *Graph) allNames() []string {
	names := make([]string, 0, len(g.requires))
	for n := range g.requires {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// orderOf runs Kahn's algorithm with a sorted ready list over the given
// node subset.
func (g *Graph) orderOf(names []string) ([]string, error) {
	in := make(map[string]bool, len(names))
	for _, n := range names {
		in[n] = true
	}
	degree := make(map[string]int, len(names))
	for _, n := range names {
		for _, dep := range g.requires[n] {
			if in[dep] {
				degree[n]++
			}
		}
	}
	var ready []string
	for _, n := range names {
		if degree[n] == 0 {
			ready = append(ready, n)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(names))
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		order = append(order, n)
		var unlocked []string
		for _, dep := range g.dependents[n] {
			if !in[dep] {
				continue
			}
			degree[dep]--
			if degree[dep] == 0 {
				unlocked = append(unlocked, dep)
			}
		}
		if len(unlocked) > 0 {
			ready = append(ready, unlocked...)
			sort.Strings(ready)
		}
	}
	if len(order) != len(names) {
		var cycle []string
		for _, n := range names {
			if degree[n] > 0 {
				cycle = append(cycle, n)
			}
		}
		sort.Strings(cycle)
		return nil, &CyclicDependencyError{Members: cycle}
	}
	return order, nil
}

// component returns the undirected connected component containing name.
func (g *Graph) component(name string) []string {
	seen := map[string]bool{name: true}
	frontier := []string{name}
	for len(frontier) > 0 {
		n := frontier[0]
		frontier = frontier[1:]
		neighbors := make([]string, 0, len(g.requires[n])+len(g.dependents[n]))
		neighbors = append(neighbors, g.requires[n]...)
		neighbors = append(neighbors, g.dependents[n]...)
		for _, next := range neighbors {
			if !seen[next] {
				seen[next] = true
				frontier = append(frontier, next)
			}
		}
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Dependents returns every plugin that transitively requires name, not
// including name itself.
func (g *Graph) Dependents(name string) []string {
	seen := make(map[string]bool)
	frontier := []string{name}
	for len(frontier) > 0 {
		n := frontier[0]
		frontier = frontier[1:]
		for _, dep := range g.dependents[n] {
			if !seen[dep] {
				seen[dep] = true
				frontier = append(frontier, dep)
			}
		}
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// ReloadPlan is the two-phase plan for hot-reloading one plugin: drain the
// affected subtree deepest-dependent-first, then bring it back in forward
// dependency order. The plan is pure data so it can be tested without
// executing any hook.
type ReloadPlan struct {
	Target string

	// DrainOrder lists the target and its transitive dependents in
	// reverse dependency order (deepest dependents first, target last).
	DrainOrder []string

	// RestartOrder is DrainOrder reversed: the target first, then its
	// dependents in forward dependency order.
	RestartOrder []string
}

// PlanReload computes the reload plan for name.
func (g *Graph) PlanReload(name string) (*ReloadPlan, error) {
	if !g.Contains(name) {
		return nil, &UnresolvedDependencyError{Plugin: name, Missing: name}
	}
	affected := append(g.Dependents(name), name)
	order, err := g.orderOf(affected)
	if err != nil {
		return nil, err
	}
	plan := &ReloadPlan{Target: name, RestartOrder: order}
	plan.DrainOrder = make([]string, len(order))
	for i, n := range order {
		plan.DrainOrder[len(order)-1-i] = n
	}
	return plan, nil
}
