// Package depgraph implements sail's DependencyResolver (C4): builds the
// package-level DAG from workspace metadata, detects cycles via Tarjan's
// SCC, assigns topological levels, and applies post-resolution package
// filters.
//
// Grounded on the teacher's context.Context.populateTopologicGraphForPackageJson
// (building a dag.AcyclicGraph edge-per-dependency) and
// dag.StronglyConnected(&c.TopologicalGraph.Graph) for cycle detection.
package depgraph

import (
	"sort"
	"strings"

	"github.com/pyr-sh/dag"

	"github.com/tylerbutler/sail/internal/sailerr"
	"github.com/tylerbutler/sail/internal/workspace"
)

// Filter selects a subset of packages for a build. An empty Filter selects
// every package.
type Filter struct {
	// Names, if non-empty, restricts to exactly these package names (plus
	// their transitive dependents, per §4.4: "transitive dependents of
	// matched packages remain selectable by the executor").
	Names []string
	// ReleaseGroup, if set, restricts to packages carrying this label.
	ReleaseGroup string
}

func (f Filter) empty() bool {
	return len(f.Names) == 0 && f.ReleaseGroup == ""
}

// Graph is the resolved package-level dependency graph.
type Graph struct {
	Packages    map[string]*workspace.Package
	LevelByName map[string]int
	graph       *dag.AcyclicGraph
}

// DownEdges returns the names of packages pkgName directly depends on.
func (g *Graph) DownEdges(pkgName string) []string {
	var out []string
	for v := range g.graph.DownEdges(pkgName) {
		out = append(out, v.(string))
	}
	sort.Strings(out)
	return out
}

// Ancestors returns every package that transitively depends on pkgName
// (its dependents), used to keep transitive dependents of a filtered
// package selectable (§4.4).
func (g *Graph) Ancestors(pkgName string) ([]string, error) {
	set, err := g.graph.Descendents(pkgName)
	if err != nil {
		return nil, sailerr.Internal("computing ancestors of %s: %v", pkgName, err)
	}
	var out []string
	for v := range set {
		out = append(out, v.(string))
	}
	sort.Strings(out)
	return out, nil
}

// Resolve builds the package DAG for ws, validates acyclicity, assigns
// topological levels, and applies filter.
func Resolve(ws *workspace.Workspace, filter Filter) (*Graph, error) {
	g := &dag.AcyclicGraph{}
	for name := range ws.Packages {
		g.Add(name)
	}
	for name, pkg := range ws.Packages {
		for depName := range pkg.Dependencies {
			if _, isWorkspaceMember := ws.Packages[depName]; !isWorkspaceMember {
				continue // external dependency, not part of the internal graph
			}
			g.Connect(dag.BasicEdge(name, depName))
		}
	}

	if err := g.Validate(); err != nil {
		return nil, sailerr.Dependency("circular package dependency: %s", cycleDescription(&g.Graph))
	}

	levels := assignLevels(g, ws)

	packages := ws.Packages
	if !filter.empty() {
		selected, err := applyFilter(g, ws, filter)
		if err != nil {
			return nil, err
		}
		packages = selected
	}

	return &Graph{Packages: packages, LevelByName: levels, graph: g}, nil
}

// assignLevels assigns each package a topological level = 1 + max(level of
// dependencies), with packages having no internal dependencies at level 0.
func assignLevels(g *dag.AcyclicGraph, ws *workspace.Workspace) map[string]int {
	levels := make(map[string]int, len(ws.Packages))
	var visit func(name string) int
	visiting := make(map[string]bool)
	visit = func(name string) int {
		if lvl, ok := levels[name]; ok {
			return lvl
		}
		if visiting[name] {
			// Guarded by prior Validate() call; this path is unreachable
			// for an acyclic graph but avoids infinite recursion if called
			// defensively before validation.
			return 0
		}
		visiting[name] = true
		max := -1
		for dep := range g.DownEdges(name) {
			depName := dep.(string)
			if _, ok := ws.Packages[depName]; !ok {
				continue
			}
			if lvl := visit(depName); lvl > max {
				max = lvl
			}
		}
		visiting[name] = false
		levels[name] = max + 1
		return levels[name]
	}
	for name := range ws.Packages {
		visit(name)
	}
	return levels
}

// applyFilter selects the packages named by filter plus every transitive
// dependent of those packages, since a dependent of a selected
// package must still be reachable for the executor to schedule its tasks
// against the selected package's fresh outputs.
func applyFilter(g *dag.AcyclicGraph, ws *workspace.Workspace, filter Filter) (map[string]*workspace.Package, error) {
	selected := make(map[string]*workspace.Package)

	matches := func(name string) bool {
		pkg := ws.Packages[name]
		if filter.ReleaseGroup != "" && pkg.ReleaseGroup != filter.ReleaseGroup {
			return false
		}
		if len(filter.Names) > 0 {
			found := false
			for _, n := range filter.Names {
				if n == name {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	}

	for name, pkg := range ws.Packages {
		if !matches(name) {
			continue
		}
		selected[name] = pkg
		dependents, err := g.Descendents(name)
		if err != nil {
			return nil, sailerr.Internal("computing dependents of %s: %v", name, err)
		}
		for v := range dependents {
			depName := v.(string)
			if p, ok := ws.Packages[depName]; ok {
				selected[depName] = p
			}
		}
	}
	return selected, nil
}

func cycleDescription(g *dag.Graph) string {
	sccs := dag.StronglyConnected(g)
	for _, scc := range sccs {
		if len(scc) > 1 {
			names := make([]string, len(scc))
			for i, v := range scc {
				names[i] = dag.VertexName(v)
			}
			sort.Strings(names)
			return strings.Join(names, ", ")
		}
	}
	return "unknown cycle"
}
