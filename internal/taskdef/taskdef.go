// Package taskdef implements sail's TaskDefinitionResolver (C3): merging
// workspace-level and per-package task definitions and expanding the
// declarative reference syntax (§3) into concrete task-id edges.
//
// Grounded on the teacher's core.Engine.Prepare / getTaskDefinitionChain
// (definition-chain merge and traversal-queue based edge discovery) and
// fs.MergeTaskDefinitions (field-by-field override), adapted from the
// teacher's single `dependsOn` edge kind to sail's hard (dependsOn) vs. weak
// (before/after) edge distinction.
package taskdef

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pyr-sh/dag"

	"github.com/tylerbutler/sail/internal/config"
	"github.com/tylerbutler/sail/internal/sailerr"
	"github.com/tylerbutler/sail/internal/workspace"
)

// TaskDelimiter separates a package name from a task name in a task id,
// e.g. "app#build".
const TaskDelimiter = "#"

// RootPackageName is the reserved package name for workspace-root tasks.
const RootPackageName = "//"

// TaskID returns the package-task identifier for pkg and task.
func TaskID(pkg, task string) string {
	return fmt.Sprintf("%s%s%s", pkg, TaskDelimiter, task)
}

// SplitTaskID splits a task id into its package and task name parts.
func SplitTaskID(taskID string) (pkg, task string) {
	idx := strings.LastIndex(taskID, TaskDelimiter)
	if idx < 0 {
		return "", taskID
	}
	return taskID[:idx], taskID[idx+1:]
}

// ResolvedTaskDefinition is a (package, task-name) pair's definition after
// merge and reference expansion: refs have been turned into concrete task
// ids, split into hard (DependsOn) and weak (Before/After) edge sets.
type ResolvedTaskDefinition struct {
	TaskID string
	// HardDeps are task ids that must run (and succeed) before this task.
	HardDeps []string
	// Before is the set of task ids this task must complete ahead of,
	// given both are scheduled.
	Before []string
	// After is the set of task ids this task must run behind, given both
	// are scheduled.
	After []string
	// Children are group-task member names within the same package.
	Children []string
	// Script is true ("run the npm script of the same name"), false (a
	// group/aggregation task), or an explicit command string.
	Script interface{}
	InputGlobs  []string
	OutputGlobs []string
	Env         []string
	Persistent  bool
}

// IsGroupTask reports whether the resolved definition describes a group
// (aggregation) task rather than a concrete command.
func (d ResolvedTaskDefinition) IsGroupTask() bool {
	b, ok := d.Script.(bool)
	return ok && !b
}

// Command returns the literal command to run for a LeafTask: either the
// explicit script string, or (when Script==true) the package's declared npm
// script of the same name.
func (d ResolvedTaskDefinition) Command(pkg *workspace.Package, taskName string) (string, bool) {
	switch v := d.Script.(type) {
	case string:
		return v, true
	case bool:
		if !v {
			return "", false
		}
		cmd, ok := pkg.Scripts[taskName]
		return cmd, ok
	default:
		cmd, ok := pkg.Scripts[taskName]
		return cmd, ok
	}
}

// Resolver resolves task definitions for a workspace given a set of
// requested task names.
type Resolver struct {
	ws  *workspace.Workspace
	doc *config.Document
}

// New builds a Resolver over ws using doc as the workspace-level task
// definitions.
func New(ws *workspace.Workspace, doc *config.Document) *Resolver {
	return &Resolver{ws: ws, doc: doc}
}

// Resolve merges and expands the task definitions needed to run taskNames
// across every package in the workspace, returning a map keyed by task id.
//
// Expansion order follows §4.3:
//  1. "^name" against each direct dependency declaring task "name".
//  2. "...#name" against every release-group sibling.
//  3. "*" (before/after only) against every task scheduled for the same
//     package.
//  4. "pkg#name" by direct lookup; absence is a Configuration error.
//
// Cycle detection runs on the fully expanded hard-edge graph: a hard-edge
// cycle is fatal and names every node in the cycle. A cycle introduced only
// by before/after edges is broken by dropping the closing weak edge, with
// the drop recorded in Warnings.
func (r *Resolver) Resolve(taskNames []string) (map[string]ResolvedTaskDefinition, []string, error) {
	merged, err := r.mergedDefinitions()
	if err != nil {
		return nil, nil, err
	}

	resolved := make(map[string]ResolvedTaskDefinition)
	var warnings []string

	// Entry points: every (package, requested task) pair that has a merged
	// definition (a package without a given script is simply skipped, §8
	// "package with no scripts -> skipped silently").
	queue := make([]string, 0)
	for _, pkgName := range r.ws.SortedNames() {
		for _, taskName := range taskNames {
			taskID := TaskID(pkgName, taskName)
			if _, ok := merged[taskID]; ok {
				queue = append(queue, taskID)
			}
		}
	}

	visited := make(map[string]bool)
	for len(queue) > 0 {
		taskID := queue[0]
		queue = queue[1:]
		if visited[taskID] {
			continue
		}
		visited[taskID] = true

		raw, ok := merged[taskID]
		if !ok {
			continue
		}
		pkgName, taskName := SplitTaskID(taskID)

		def := ResolvedTaskDefinition{
			TaskID:      taskID,
			Children:    raw.Children,
			Script:      raw.Script,
			InputGlobs:  raw.InputGlobs,
			OutputGlobs: raw.OutputGlobs,
			Env:         raw.Env,
		}

		hard, hardWarnings, err := r.expandRefs(raw.DependsOn, pkgName, taskName, true)
		if err != nil {
			return nil, nil, err
		}
		before, _, err := r.expandRefs(raw.Before, pkgName, taskName, false)
		if err != nil {
			return nil, nil, err
		}
		after, _, err := r.expandRefs(raw.After, pkgName, taskName, false)
		if err != nil {
			return nil, nil, err
		}
		warnings = append(warnings, hardWarnings...)

		def.HardDeps = hard
		def.Before = before
		def.After = after
		resolved[taskID] = def

		for _, dep := range hard {
			if _, seen := merged[dep]; seen && !visited[dep] {
				queue = append(queue, dep)
			}
		}
	}

	if err := validateHardEdgeAcyclicity(resolved); err != nil {
		return nil, nil, err
	}
	resolved, weakWarnings := dropCycleClosingWeakEdges(resolved)
	warnings = append(warnings, weakWarnings...)

	return resolved, warnings, nil
}

// mergedDefinitions merges the workspace-level document with each package's
// manifest overrides, producing a raw (pre-expansion) definition for every
// (package, task) pair that either declares it.
func (r *Resolver) mergedDefinitions() (map[string]workspace.RawTaskDefinition, error) {
	merged := make(map[string]workspace.RawTaskDefinition)

	for _, pkgName := range r.ws.SortedNames() {
		pkg := r.ws.Packages[pkgName]
		for taskName, base := range r.doc.Tasks {
			final := base
			if override, ok := pkg.TaskOverrides[taskName]; ok {
				m, err := config.MergeOverride(base, override)
				if err != nil {
					return nil, err
				}
				final = m
			}
			merged[TaskID(pkgName, taskName)] = final
		}
		// Package-only overrides with no workspace-level base still count.
		for taskName, override := range pkg.TaskOverrides {
			taskID := TaskID(pkgName, taskName)
			if _, ok := merged[taskID]; !ok {
				merged[taskID] = override
			}
		}
	}
	return merged, nil
}

// expandRefs expands a list of raw ref strings declared on (pkgName,
// taskName) into concrete task ids. hard controls whether an unresolved
// reference is fatal (hard edges, per §4.3 step 4) or silently dropped
// (weak edges referencing a task that doesn't exist anywhere are simply not
// scheduled).
func (r *Resolver) expandRefs(refs []string, pkgName, taskName string, hard bool) ([]string, []string, error) {
	var out []string
	var warnings []string
	pkg, ok := r.ws.Packages[pkgName]
	if !ok {
		return nil, nil, sailerr.Dependency("unknown package %q", pkgName)
	}

	for _, ref := range refs {
		switch {
		case ref == "*":
			if hard {
				return nil, nil, sailerr.Configuration("%q: \"*\" is only valid in before/after", TaskID(pkgName, taskName))
			}
			for otherTask := range pkg.Scripts {
				if otherTask == taskName {
					continue
				}
				out = append(out, TaskID(pkgName, otherTask))
			}

		case strings.HasPrefix(ref, "^"):
			depTaskName := strings.TrimPrefix(ref, "^")
			for depName := range pkg.Dependencies {
				depPkg, ok := r.ws.Packages[depName]
				if !ok {
					continue // external dependency, not a workspace member
				}
				if _, hasScript := depPkg.Scripts[depTaskName]; hasScript {
					out = append(out, TaskID(depName, depTaskName))
				}
			}

		case strings.HasPrefix(ref, "...#"):
			siblingTask := strings.TrimPrefix(ref, "...#")
			for _, other := range r.ws.SortedNames() {
				if other == pkgName {
					continue
				}
				otherPkg := r.ws.Packages[other]
				if otherPkg.ReleaseGroup != pkg.ReleaseGroup || pkg.ReleaseGroup == "" {
					continue
				}
				if _, hasScript := otherPkg.Scripts[siblingTask]; hasScript {
					out = append(out, TaskID(other, siblingTask))
				}
			}

		case strings.Contains(ref, TaskDelimiter):
			targetPkg, targetTask := SplitTaskID(ref)
			targetID := TaskID(targetPkg, targetTask)
			if _, exists := r.ws.Packages[targetPkg]; !exists {
				if hard {
					return nil, nil, sailerr.Configuration("unresolvable reference %q from %q: no such package", ref, TaskID(pkgName, taskName))
				}
				warnings = append(warnings, fmt.Sprintf("dropping weak reference %q from %q: no such package", ref, TaskID(pkgName, taskName)))
				continue
			}
			out = append(out, targetID)

		default:
			out = append(out, TaskID(pkgName, ref))
		}
	}
	return out, warnings, nil
}

// validateHardEdgeAcyclicity checks the fully expanded dependsOn graph for
// cycles, reporting every node in an offending cycle (§8: "a cycle in
// dependsOn edges -> construction fails with a Configuration error naming
// every node in the cycle").
func validateHardEdgeAcyclicity(resolved map[string]ResolvedTaskDefinition) error {
	g := &dag.AcyclicGraph{}
	for id := range resolved {
		g.Add(id)
	}
	for id, def := range resolved {
		for _, dep := range def.HardDeps {
			g.Add(dep)
			g.Connect(dag.BasicEdge(id, dep))
		}
	}
	if err := g.Validate(); err != nil {
		cycle := describeCycles(&g.Graph)
		return sailerr.Configuration("cycle in dependsOn edges: %s", strings.Join(cycle, " -> ")).
			WithContext("cycle", cycle)
	}
	return nil
}

func describeCycles(g *dag.Graph) []string {
	sccs := dag.StronglyConnected(g)
	for _, scc := range sccs {
		if len(scc) > 1 {
			names := make([]string, len(scc))
			for i, v := range scc {
				names[i] = dag.VertexName(v)
			}
			sort.Strings(names)
			return names
		}
	}
	for _, e := range g.Edges() {
		if e.Source() == e.Target() {
			return []string{dag.VertexName(e.Source())}
		}
	}
	return nil
}

// dropCycleClosingWeakEdges removes any before/after edge that would close a
// cycle once combined with the hard-edge graph, per §4.3: "cycles
// introduced only by before/after edges are silently broken."
func dropCycleClosingWeakEdges(resolved map[string]ResolvedTaskDefinition) (map[string]ResolvedTaskDefinition, []string) {
	var warnings []string

	g := &dag.AcyclicGraph{}
	for id := range resolved {
		g.Add(id)
	}
	for id, def := range resolved {
		for _, dep := range def.HardDeps {
			g.Connect(dag.BasicEdge(id, dep))
		}
	}

	tryAdd := func(from, to string) bool {
		g.Connect(dag.BasicEdge(from, to))
		if err := g.Validate(); err != nil {
			g.RemoveEdge(dag.BasicEdge(from, to))
			return false
		}
		return true
	}

	for id, def := range resolved {
		var keptBefore []string
		for _, target := range def.Before {
			// "before" from id to target means id must run before target,
			// i.e. target depends on id finishing first: edge target->id.
			if tryAdd(target, id) {
				keptBefore = append(keptBefore, target)
			} else {
				warnings = append(warnings, fmt.Sprintf("dropping before-edge %s -> %s: would close a cycle", id, target))
			}
		}
		def.Before = keptBefore

		var keptAfter []string
		for _, target := range def.After {
			if tryAdd(id, target) {
				keptAfter = append(keptAfter, target)
			} else {
				warnings = append(warnings, fmt.Sprintf("dropping after-edge %s -> %s: would close a cycle", id, target))
			}
		}
		def.After = keptAfter

		resolved[id] = def
	}

	return resolved, warnings
}
