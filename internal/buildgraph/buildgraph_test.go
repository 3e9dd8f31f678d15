package buildgraph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tylerbutler/sail/internal/depgraph"
	"github.com/tylerbutler/sail/internal/registry"
	"github.com/tylerbutler/sail/internal/sailpath"
	"github.com/tylerbutler/sail/internal/task"
	"github.com/tylerbutler/sail/internal/taskdef"
	"github.com/tylerbutler/sail/internal/workspace"
)

func twoPackageWorkspace() *workspace.Workspace {
	libDir := sailpath.AbsolutePathFromUpstream("/ws/lib")
	appDir := sailpath.AbsolutePathFromUpstream("/ws/app")
	return &workspace.Workspace{
		Packages: map[string]*workspace.Package{
			"lib": {Name: "lib", Dir: libDir, Scripts: map[string]string{"build": "tsc"}},
			"app": {Name: "app", Dir: appDir, Scripts: map[string]string{"build": "tsc"}, Dependencies: map[string]string{"lib": "*"}},
		},
	}
}

func TestNewWiresHardEdgeFromDependsOn(t *testing.T) {
	ws := twoPackageWorkspace()
	resolved := map[string]taskdef.ResolvedTaskDefinition{
		"app#build": {TaskID: "app#build", HardDeps: []string{"lib#build"}, Script: true},
		"lib#build": {TaskID: "lib#build", Script: true},
	}
	dg, err := depgraph.Resolve(ws, depgraph.Filter{})
	require.NoError(t, err)

	g, warnings, err := New(resolved, []string{"app#build"}, ws, dg, registry.New())
	require.NoError(t, err)
	assert.Empty(t, warnings)

	assert.Equal(t, []string{"lib#build"}, g.DownEdges("app#build"))
	assert.Contains(t, g.Tasks, "app#build")
	assert.Contains(t, g.Tasks, "lib#build")
}

func TestNewReportsCycle(t *testing.T) {
	ws := twoPackageWorkspace()
	resolved := map[string]taskdef.ResolvedTaskDefinition{
		"app#build": {TaskID: "app#build", HardDeps: []string{"lib#build"}, Script: true},
		"lib#build": {TaskID: "lib#build", HardDeps: []string{"app#build"}, Script: true},
	}
	dg, err := depgraph.Resolve(ws, depgraph.Filter{})
	require.NoError(t, err)

	_, _, err = New(resolved, []string{"app#build"}, ws, dg, registry.New())
	require.Error(t, err)
}

func TestNewSkipsTaskWithoutResolvableCommand(t *testing.T) {
	ws := twoPackageWorkspace()
	resolved := map[string]taskdef.ResolvedTaskDefinition{
		"lib#lint": {TaskID: "lib#lint", Script: true}, // no "lint" script declared
	}
	dg, err := depgraph.Resolve(ws, depgraph.Filter{})
	require.NoError(t, err)

	g, warnings, err := New(resolved, []string{"lib#lint"}, ws, dg, registry.New())
	require.NoError(t, err)
	assert.NotEmpty(t, warnings)
	assert.NotContains(t, g.Tasks, "lib#lint")
	assert.Empty(t, g.RootTasks)
}

func TestNewGroupTaskChildrenNamespacedToPackage(t *testing.T) {
	ws := twoPackageWorkspace()
	resolved := map[string]taskdef.ResolvedTaskDefinition{
		"app#ci":    {TaskID: "app#ci", Script: false, Children: []string{"build"}},
		"app#build": {TaskID: "app#build", Script: true},
	}
	dg, err := depgraph.Resolve(ws, depgraph.Filter{})
	require.NoError(t, err)

	g, _, err := New(resolved, []string{"app#ci"}, ws, dg, registry.New())
	require.NoError(t, err)

	gt, ok := g.Tasks["app#ci"].(*task.GroupTask)
	require.True(t, ok)
	assert.Equal(t, []string{"app#build"}, gt.Children)
}

func TestAssignPriorityFavorsMoreDependents(t *testing.T) {
	ws := twoPackageWorkspace()
	resolved := map[string]taskdef.ResolvedTaskDefinition{
		"app#build": {TaskID: "app#build", HardDeps: []string{"lib#build"}, Script: true},
		"lib#build": {TaskID: "lib#build", Script: true},
	}
	dg, err := depgraph.Resolve(ws, depgraph.Filter{})
	require.NoError(t, err)

	g, _, err := New(resolved, []string{"app#build"}, ws, dg, registry.New())
	require.NoError(t, err)

	assert.Greater(t, g.Priority["lib#build"], g.Priority["app#build"])
}

func TestResolveGlobsFallsBackToRegistryDefaults(t *testing.T) {
	reg := registry.New()
	reg.Register(registry.Factory{Prefix: "tsc", DefaultInputGlobs: []string{"src/**/*.ts"}, DefaultOutputGlobs: []string{"dist/**"}})

	ws := twoPackageWorkspace()
	resolved := map[string]taskdef.ResolvedTaskDefinition{
		"lib#build": {TaskID: "lib#build", Script: true},
	}
	dg, err := depgraph.Resolve(ws, depgraph.Filter{})
	require.NoError(t, err)

	g, _, err := New(resolved, []string{"lib#build"}, ws, dg, reg)
	require.NoError(t, err)

	lt, ok := g.Tasks["lib#build"].(*task.LeafTask)
	require.True(t, ok)
	assert.Equal(t, []string{"src/**/*.ts"}, lt.InputGlobs)
	assert.Equal(t, []string{"dist/**"}, lt.OutputGlobs)
}
