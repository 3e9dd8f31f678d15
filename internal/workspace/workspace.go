// Package workspace defines the Package/Workspace data model (§3) and the
// out-of-core Workspace adapter boundary contract (§6): "discover(dir) ->
// Workspace" is a collaborator interface, not something sail's core
// implements end to end — concrete discovery of a package-manager's
// particular workspace-glob conventions is explicitly out of scope (§1).
// This package defines the contract plus a filesystem-based reference
// implementation good enough to drive the core end to end, grounded on the
// teacher's internal/context.Context population of its package graph from
// package.json files.
package workspace

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/tylerbutler/sail/internal/sailerr"
	"github.com/tylerbutler/sail/internal/sailpath"
)

// Package is a single workspace member (§3 Package).
//
// Invariant: no two Packages in a Workspace share a Name. Lifetime:
// constructed during discovery and immutable thereafter within a build.
type Package struct {
	Name string
	// Dir is the package's absolute directory.
	Dir sailpath.AbsolutePath
	// Scripts maps script name to shell command, as declared in the
	// package manifest.
	Scripts map[string]string
	// Dependencies maps dependency package name to the declared version
	// range (unresolved; only the name is used to build the internal
	// dependency graph — sail does not do semver resolution).
	Dependencies map[string]string
	// ReleaseGroup is an optional label partitioning the dependency graph
	// for "...#task" reference expansion. Empty means no group.
	ReleaseGroup string
	// TaskOverrides holds per-package task-definition overrides declared
	// in the package manifest's "sail.tasks" field, if any.
	TaskOverrides map[string]RawTaskDefinition
}

// RawTaskDefinition is the as-declared (pre-expansion) shape of a task
// definition, shared between the workspace-level config file and
// per-package manifest overrides. See internal/taskdef for expansion.
type RawTaskDefinition struct {
	DependsOn    []string `json:"dependsOn,omitempty"`
	Before       []string `json:"before,omitempty"`
	After        []string `json:"after,omitempty"`
	Children     []string `json:"children,omitempty"`
	Script       interface{} `json:"script,omitempty"`
	InputGlobs   []string `json:"inputGlobs,omitempty"`
	OutputGlobs  []string `json:"outputGlobs,omitempty"`
	Env          []string `json:"env,omitempty"`
}

// Workspace is a set of Packages sharing a lockfile, as discovered by an
// Adapter.
type Workspace struct {
	Root     sailpath.AbsolutePath
	Packages map[string]*Package
	// LockfileHash is mixed into every task's cache key (§3 CacheKey).
	LockfileHash string
}

// SortedNames returns every package name in deterministic (sorted) order,
// useful anywhere iteration order must not affect output (§4.6, cache-key
// determinism).
func (w *Workspace) SortedNames() []string {
	names := make([]string, 0, len(w.Packages))
	for name := range w.Packages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Adapter is the out-of-core workspace discovery boundary (§6): "discover(dir)
// -> Workspace returning packages + dependency relations + release groups."
type Adapter interface {
	Discover(dir sailpath.AbsolutePath) (*Workspace, error)
}

// manifest is the minimal package.json-shaped document the filesystem
// adapter understands.
type manifest struct {
	Name            string                       `json:"name"`
	Scripts         map[string]string            `json:"scripts"`
	Dependencies    map[string]string            `json:"dependencies"`
	DevDependencies map[string]string            `json:"devDependencies"`
	Sail           *manifestSailSection          `json:"sail"`
	ReleaseGroup    string                       `json:"releaseGroup"`
}

type manifestSailSection struct {
	Tasks map[string]RawTaskDefinition `json:"tasks"`
}

// FilesystemAdapter discovers a Workspace by walking a fixed list of
// package directories, each containing a package.json-shaped manifest. It is
// intentionally generic: concrete package-manager workspace-glob
// conventions (pnpm-workspace.yaml, npm/yarn "workspaces" field) are out of
// scope (§1) — the caller supplies the package directory list, typically
// resolved by a package-manager-specific collaborator upstream of sail.
type FilesystemAdapter struct {
	// PackageDirs are the absolute directories of every workspace member.
	PackageDirs []sailpath.AbsolutePath
	// LockfilePath, if set, is hashed into LockfileHash.
	LockfilePath sailpath.AbsolutePath
	hashFile     func(sailpath.AbsolutePath) (string, error)
}

// NewFilesystemAdapter builds a FilesystemAdapter. hashFile computes the
// content hash used for the lockfile hash; callers typically pass
// (*contenthash.Cache).Hash, injected here to avoid an import cycle between
// workspace and contenthash.
func NewFilesystemAdapter(packageDirs []sailpath.AbsolutePath, lockfilePath sailpath.AbsolutePath, hashFile func(sailpath.AbsolutePath) (string, error)) *FilesystemAdapter {
	return &FilesystemAdapter{PackageDirs: packageDirs, LockfilePath: lockfilePath, hashFile: hashFile}
}

// Discover implements Adapter.
func (a *FilesystemAdapter) Discover(dir sailpath.AbsolutePath) (*Workspace, error) {
	ws := &Workspace{Root: dir, Packages: make(map[string]*Package)}

	for _, pkgDir := range a.PackageDirs {
		m, err := readManifest(pkgDir)
		if err != nil {
			return nil, err
		}
		if m.Name == "" {
			continue
		}
		if _, dup := ws.Packages[m.Name]; dup {
			return nil, sailerr.Configuration("duplicate package name %q", m.Name).
				WithContext("directory", pkgDir.ToString())
		}

		deps := make(map[string]string, len(m.Dependencies)+len(m.DevDependencies))
		for k, v := range m.Dependencies {
			deps[k] = v
		}
		for k, v := range m.DevDependencies {
			deps[k] = v
		}

		var overrides map[string]RawTaskDefinition
		if m.Sail != nil {
			overrides = m.Sail.Tasks
		}

		ws.Packages[m.Name] = &Package{
			Name:          m.Name,
			Dir:           pkgDir,
			Scripts:       m.Scripts,
			Dependencies:  deps,
			ReleaseGroup:  m.ReleaseGroup,
			TaskOverrides: overrides,
		}
	}

	if a.LockfilePath != "" && a.hashFile != nil {
		h, err := a.hashFile(a.LockfilePath)
		if err != nil {
			return nil, err
		}
		ws.LockfileHash = h
	}

	return ws, nil
}

func readManifest(pkgDir sailpath.AbsolutePath) (*manifest, error) {
	path := filepath.Join(pkgDir.ToString(), "package.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &manifest{}, nil
		}
		return nil, sailerr.FileSystem(err, "reading manifest at %s", path)
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, sailerr.Configuration("malformed manifest at %s: %v", path, err)
	}
	return &m, nil
}
