package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tylerbutler/sail/internal/buildgraph"
	"github.com/tylerbutler/sail/internal/cache"
	"github.com/tylerbutler/sail/internal/contenthash"
	"github.com/tylerbutler/sail/internal/depgraph"
	"github.com/tylerbutler/sail/internal/registry"
	"github.com/tylerbutler/sail/internal/sailpath"
	"github.com/tylerbutler/sail/internal/task"
	"github.com/tylerbutler/sail/internal/taskdef"
	"github.com/tylerbutler/sail/internal/workspace"
)

func newPackageDir(t *testing.T, name string) *workspace.Package {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "input.txt"), []byte("x"), 0o644))
	return &workspace.Package{Name: name, Dir: sailpath.AbsolutePathFromUpstream(dir), Scripts: map[string]string{"build": "echo out > out.txt"}}
}

func newTestExecutor(t *testing.T, resolved map[string]taskdef.ResolvedTaskDefinition, entry []string, ws *workspace.Workspace) (*Executor, *buildgraph.Graph) {
	t.Helper()
	dg, err := depgraph.Resolve(ws, depgraph.Filter{})
	require.NoError(t, err)

	g, _, err := buildgraph.New(resolved, entry, ws, dg, registry.New())
	require.NoError(t, err)

	for _, node := range g.Tasks {
		if lt, ok := node.(*task.LeafTask); ok {
			lt.OutputGlobs = []string{"out.txt"}
			lt.InputGlobs = []string{"input.txt"}
		}
	}

	hasher := contenthash.New()
	store := cache.New(sailpath.AbsolutePathFromUpstream(t.TempDir()), hasher.Hash)
	return New(g, store, hasher, "lockhash", 4, nil), g
}

func TestExecuteRunsIndependentLeafTasks(t *testing.T) {
	ws := &workspace.Workspace{Packages: map[string]*workspace.Package{
		"a": newPackageDir(t, "a"),
		"b": newPackageDir(t, "b"),
	}}
	resolved := map[string]taskdef.ResolvedTaskDefinition{
		"a#build": {TaskID: "a#build", Script: true},
		"b#build": {TaskID: "b#build", Script: true},
	}

	e, _ := newTestExecutor(t, resolved, []string{"a#build", "b#build"}, ws)
	summary, err := e.Execute(context.Background())
	require.NoError(t, err)

	assert.False(t, summary.Failed)
	assert.Equal(t, task.Succeeded, summary.Results["a#build"].State)
	assert.Equal(t, task.Succeeded, summary.Results["b#build"].State)
}

func TestExecuteRunsDependencyBeforeDependent(t *testing.T) {
	ws := &workspace.Workspace{Packages: map[string]*workspace.Package{
		"lib": newPackageDir(t, "lib"),
		"app": newPackageDir(t, "app"),
	}}
	ws.Packages["app"].Dependencies = map[string]string{"lib": "*"}

	resolved := map[string]taskdef.ResolvedTaskDefinition{
		"app#build": {TaskID: "app#build", HardDeps: []string{"lib#build"}, Script: true},
		"lib#build": {TaskID: "lib#build", Script: true},
	}

	e, _ := newTestExecutor(t, resolved, []string{"app#build"}, ws)
	summary, err := e.Execute(context.Background())
	require.NoError(t, err)

	assert.False(t, summary.Failed)
	assert.Equal(t, task.Succeeded, summary.Results["lib#build"].State)
	assert.Equal(t, task.Succeeded, summary.Results["app#build"].State)
}

func TestExecuteSkipsDependentOfFailedHardDependency(t *testing.T) {
	lib := newPackageDir(t, "lib")
	lib.Scripts["build"] = "exit 1"
	app := newPackageDir(t, "app")
	app.Dependencies = map[string]string{"lib": "*"}

	ws := &workspace.Workspace{Packages: map[string]*workspace.Package{"lib": lib, "app": app}}

	resolved := map[string]taskdef.ResolvedTaskDefinition{
		"app#build": {TaskID: "app#build", HardDeps: []string{"lib#build"}, Script: true},
		"lib#build": {TaskID: "lib#build", Script: true},
	}

	e, _ := newTestExecutor(t, resolved, []string{"app#build"}, ws)
	summary, err := e.Execute(context.Background())
	require.NoError(t, err)

	assert.True(t, summary.Failed)
	assert.Equal(t, task.Failed, summary.Results["lib#build"].State)
	assert.Equal(t, task.Skipped, summary.Results["app#build"].State)
	assert.Contains(t, summary.Skipped, "app#build")
}

func TestExecuteGroupTaskSucceedsWhenChildrenSucceed(t *testing.T) {
	ws := &workspace.Workspace{Packages: map[string]*workspace.Package{
		"app": newPackageDir(t, "app"),
	}}
	resolved := map[string]taskdef.ResolvedTaskDefinition{
		"app#ci":    {TaskID: "app#ci", Script: false, Children: []string{"build"}},
		"app#build": {TaskID: "app#build", Script: true},
	}

	e, _ := newTestExecutor(t, resolved, []string{"app#ci"}, ws)
	summary, err := e.Execute(context.Background())
	require.NoError(t, err)

	assert.False(t, summary.Failed)
	assert.Equal(t, task.Succeeded, summary.Results["app#build"].State)
	assert.Equal(t, task.Succeeded, summary.Results["app#ci"].State)
}

func TestExecuteSecondRunIsUpToDate(t *testing.T) {
	ws := &workspace.Workspace{Packages: map[string]*workspace.Package{
		"a": newPackageDir(t, "a"),
	}}
	resolved := map[string]taskdef.ResolvedTaskDefinition{
		"a#build": {TaskID: "a#build", Script: true},
	}

	e, _ := newTestExecutor(t, resolved, []string{"a#build"}, ws)
	summary, err := e.Execute(context.Background())
	require.NoError(t, err)
	require.Equal(t, task.Succeeded, summary.Results["a#build"].State)

	// Re-resolve a fresh graph over the same on-disk package/donefile state
	// to simulate a second invocation of sail against an unchanged tree.
	dg, err := depgraph.Resolve(ws, depgraph.Filter{})
	require.NoError(t, err)
	g2, _, err := buildgraph.New(resolved, []string{"a#build"}, ws, dg, registry.New())
	require.NoError(t, err)
	for _, node := range g2.Tasks {
		if lt, ok := node.(*task.LeafTask); ok {
			lt.OutputGlobs = []string{"out.txt"}
			lt.InputGlobs = []string{"input.txt"}
		}
	}
	e2 := New(g2, e.Store, e.Hasher, "lockhash", 4, nil)
	summary2, err := e2.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, task.UpToDate, summary2.Results["a#build"].State)
	assert.Equal(t, 1, summary2.LeafInitialUpToDateCount)
}
