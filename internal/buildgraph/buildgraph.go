// Package buildgraph implements sail's BuildGraph (C5): materializes Task
// nodes from resolved task definitions, wires hard/weak edges in two passes,
// validates acyclicity of the hard-edge subgraph, and assigns each task a
// scheduling priority.
//
// Grounded on the teacher's core.Engine.Prepare (two-pass vertex-then-edge
// construction over a dag.AcyclicGraph, with EngineBuildingOptions flowing
// into the same graph the executor later walks) and its graph validation via
// dag.Validate/StronglyConnected, generalized to sail's hard/weak edge split
// and Task node kinds.
package buildgraph

import (
	"sort"
	"strings"

	"github.com/pyr-sh/dag"

	"github.com/tylerbutler/sail/internal/depgraph"
	"github.com/tylerbutler/sail/internal/registry"
	"github.com/tylerbutler/sail/internal/sailerr"
	"github.com/tylerbutler/sail/internal/task"
	"github.com/tylerbutler/sail/internal/taskdef"
	"github.com/tylerbutler/sail/internal/workspace"
)

// Node is the common surface buildgraph operates on across LeafTask and
// GroupTask, both satisfied via task.Base.
type Node interface {
	ID() string
	GetState() task.State
}

// Graph is sail's materialized, edge-wired, priority-assigned task graph.
type Graph struct {
	Tasks    map[string]Node
	Priority map[string]int

	// RootTasks are the originally requested (package, task) entry points,
	// as opposed to tasks pulled in transitively as hard dependencies.
	RootTasks []string

	graph *dag.AcyclicGraph
	// hardDeps holds, per task id, only its must-succeed predecessors
	// (dependsOn targets and, for a GroupTask, its children) — the subset
	// of DownEdges whose failure must cascade as a skip to this task.
	// Before/After (weak) edges order co-scheduled tasks but never gate
	// success or skip propagation (§4.3).
	hardDeps map[string][]string
}

// DownEdges returns every task id taskID directly depends on for scheduling
// order, hard and weak edges alike: the set that must reach a terminal
// state before taskID is eligible to run.
func (g *Graph) DownEdges(taskID string) []string {
	var out []string
	for v := range g.graph.DownEdges(taskID) {
		out = append(out, v.(string))
	}
	sort.Strings(out)
	return out
}

// HardDownEdges returns only taskID's must-succeed predecessors: its
// dependsOn targets, plus (for a GroupTask) its children. A failure in one
// of these cascades as Skipped to taskID; a failure in a DownEdges entry
// that isn't also a HardDownEdges entry (a pure before/after ordering edge)
// does not.
func (g *Graph) HardDownEdges(taskID string) []string {
	out := append([]string(nil), g.hardDeps[taskID]...)
	sort.Strings(out)
	return out
}

// New materializes a Graph from resolved task definitions. entryPoints are
// the task ids originally requested (before transitive hard-dependency
// expansion); dg is the package-level dependency graph, used to seed
// priority with each task's package topological level; reg resolves
// per-command-family default input/output globs when a task definition
// doesn't declare its own.
func New(resolved map[string]taskdef.ResolvedTaskDefinition, entryPoints []string, ws *workspace.Workspace, dg *depgraph.Graph, reg *registry.Registry) (*Graph, []string, error) {
	g := &dag.AcyclicGraph{}
	tasks := make(map[string]Node, len(resolved))
	hardDeps := make(map[string][]string, len(resolved))
	var warnings []string

	// Pass 1: materialize every vertex.
	for taskID, def := range resolved {
		pkgName, taskName := taskdef.SplitTaskID(taskID)
		pkg, ok := ws.Packages[pkgName]
		if !ok {
			return nil, nil, sailerr.Internal("resolved task %s references unknown package %s", taskID, pkgName)
		}

		if def.IsGroupTask() {
			children := make([]string, len(def.Children))
			for i, c := range def.Children {
				children[i] = taskdef.TaskID(pkgName, c)
			}
			tasks[taskID] = task.NewGroupTask(taskID, children)
			g.Add(taskID)
			continue
		}

		command, ok := def.Command(pkg, taskName)
		if !ok {
			warnings = append(warnings, taskID+": no script and no explicit command, skipped")
			continue
		}

		lt := task.NewLeafTask(taskID, pkg, taskName, command)
		lt.InputGlobs = resolveGlobs(def.InputGlobs, reg, command, true)
		lt.OutputGlobs = resolveGlobs(def.OutputGlobs, reg, command, false)
		if len(def.InputGlobs) == 0 && !registryMatches(reg, command) {
			lt.GenericDirFallback = true
		}
		lt.EnvVars = def.Env
		lt.Persistent = def.Persistent
		tasks[taskID] = lt
		g.Add(taskID)
	}

	// Pass 2: wire edges now that every vertex exists.
	for taskID, def := range resolved {
		if _, ok := tasks[taskID]; !ok {
			continue // dropped in pass 1 (no resolvable command)
		}
		for _, dep := range def.HardDeps {
			if _, ok := tasks[dep]; !ok {
				return nil, nil, sailerr.Configuration("task %s depends on %s, which has no resolvable command", taskID, dep)
			}
			g.Connect(dag.BasicEdge(taskID, dep))
			hardDeps[taskID] = append(hardDeps[taskID], dep)
		}
		for _, before := range def.Before {
			if _, ok := tasks[before]; !ok {
				warnings = append(warnings, "dropping before-edge "+taskID+" -> "+before+": target has no resolvable command")
				continue
			}
			g.Connect(dag.BasicEdge(before, taskID))
		}
		for _, after := range def.After {
			if _, ok := tasks[after]; !ok {
				warnings = append(warnings, "dropping after-edge "+taskID+" -> "+after+": target has no resolvable command")
				continue
			}
			g.Connect(dag.BasicEdge(taskID, after))
		}

		if gt, ok := tasks[taskID].(*task.GroupTask); ok {
			for _, child := range gt.Children {
				if _, ok := tasks[child]; !ok {
					return nil, nil, sailerr.Configuration("group task %s names child %s, which has no resolvable command", taskID, child)
				}
				g.Connect(dag.BasicEdge(taskID, child))
				hardDeps[taskID] = append(hardDeps[taskID], child)
			}
		}
	}

	if err := g.Validate(); err != nil {
		return nil, nil, sailerr.Configuration("cycle in task graph: %s", cycleDescription(&g.Graph))
	}

	var validEntry []string
	for _, e := range entryPoints {
		if _, ok := tasks[e]; ok {
			validEntry = append(validEntry, e)
		}
	}

	priority := assignPriority(g, tasks, ws, dg)

	return &Graph{Tasks: tasks, Priority: priority, RootTasks: validEntry, graph: g, hardDeps: hardDeps}, warnings, nil
}

// registryMatches reports whether command matches any registry.Factory
// prefix, used to decide whether a glob-less task gets a conventional
// default glob set or the generic whole-directory cache-key fallback (§4.2).
func registryMatches(reg *registry.Registry, command string) bool {
	if reg == nil {
		return false
	}
	_, ok := reg.Resolve(command)
	return ok
}

// resolveGlobs falls back to the registry's default glob set for command
// when def declares none, matching §4.6's "unspecified input/output globs
// fall back to the command family's conventional defaults."
func resolveGlobs(declared []string, reg *registry.Registry, command string, inputs bool) []string {
	if len(declared) > 0 || reg == nil {
		return declared
	}
	factory, ok := reg.Resolve(command)
	if !ok {
		return nil
	}
	if inputs {
		return factory.DefaultInputGlobs
	}
	return factory.DefaultOutputGlobs
}

// assignPriority scores each task by (transitive dependent count, package
// topological level), descending: a task that unblocks more downstream work,
// deeper in the package graph, is scheduled ahead of its siblings whenever
// the queue has a choice (§4.7 priority scheduling).
func assignPriority(g *dag.AcyclicGraph, tasks map[string]Node, ws *workspace.Workspace, dg *depgraph.Graph) map[string]int {
	priority := make(map[string]int, len(tasks))
	for taskID := range tasks {
		dependents, err := g.Descendents(taskID)
		dependentCount := 0
		if err == nil {
			dependentCount = len(dependents)
		}

		pkgName, _ := taskdef.SplitTaskID(taskID)
		level := 0
		if dg != nil {
			level = dg.LevelByName[pkgName]
		}

		priority[taskID] = dependentCount*1000 + level
	}
	return priority
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
