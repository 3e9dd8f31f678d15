package taskdef

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tylerbutler/sail/internal/config"
	"github.com/tylerbutler/sail/internal/sailpath"
	"github.com/tylerbutler/sail/internal/workspace"
)

func diamondWorkspace() *workspace.Workspace {
	return &workspace.Workspace{
		Root: sailpath.AbsolutePathFromUpstream("/repo"),
		Packages: map[string]*workspace.Package{
			"app": {
				Name:         "app",
				Dir:          sailpath.AbsolutePathFromUpstream("/repo/app"),
				Scripts:      map[string]string{"build": "tsc"},
				Dependencies: map[string]string{"libA": "*", "libB": "*"},
			},
			"libA": {
				Name:         "libA",
				Dir:          sailpath.AbsolutePathFromUpstream("/repo/libA"),
				Scripts:      map[string]string{"build": "tsc"},
				Dependencies: map[string]string{"utils": "*"},
			},
			"libB": {
				Name:         "libB",
				Dir:          sailpath.AbsolutePathFromUpstream("/repo/libB"),
				Scripts:      map[string]string{"build": "tsc"},
				Dependencies: map[string]string{"utils": "*"},
			},
			"utils": {
				Name:    "utils",
				Dir:     sailpath.AbsolutePathFromUpstream("/repo/utils"),
				Scripts: map[string]string{"build": "tsc"},
			},
		},
	}
}

func baseDoc() *config.Document {
	return &config.Document{
		Version: 1,
		Tasks: map[string]workspace.RawTaskDefinition{
			"build": {DependsOn: []string{"^build"}, Script: true},
		},
	}
}

func TestResolveExpandsUpstreamRefs(t *testing.T) {
	r := New(diamondWorkspace(), baseDoc())
	resolved, _, err := r.Resolve([]string{"build"})
	require.NoError(t, err)

	appDef := resolved[TaskID("app", "build")]
	assert.ElementsMatch(t, []string{TaskID("libA", "build"), TaskID("libB", "build")}, appDef.HardDeps)

	libADef := resolved[TaskID("libA", "build")]
	assert.ElementsMatch(t, []string{TaskID("utils", "build")}, libADef.HardDeps)

	utilsDef := resolved[TaskID("utils", "build")]
	assert.Empty(t, utilsDef.HardDeps)
}

func TestResolveDetectsHardCycle(t *testing.T) {
	ws := &workspace.Workspace{
		Packages: map[string]*workspace.Package{
			"a": {Name: "a", Scripts: map[string]string{"build": "x"}},
		},
	}
	doc := &config.Document{
		Version: 1,
		Tasks: map[string]workspace.RawTaskDefinition{
			"build": {DependsOn: []string{"a#build"}, Script: true},
		},
	}

	r := New(ws, doc)
	_, _, err := r.Resolve([]string{"build"})
	require.Error(t, err)
}

func TestResolveDropsWeakCycleWithWarning(t *testing.T) {
	ws := &workspace.Workspace{
		Packages: map[string]*workspace.Package{
			"a": {Name: "a", Scripts: map[string]string{"lint": "x", "build": "x"}},
		},
	}
	doc := &config.Document{
		Version: 1,
		Tasks: map[string]workspace.RawTaskDefinition{
			"lint":  {Before: []string{"build"}, Script: true},
			"build": {Before: []string{"lint"}, Script: true},
		},
	}

	r := New(ws, doc)
	resolved, warnings, err := r.Resolve([]string{"lint", "build"})
	require.NoError(t, err)
	assert.NotEmpty(t, warnings)
	// One direction of the before-cycle must have been dropped.
	lint := resolved[TaskID("a", "lint")]
	build := resolved[TaskID("a", "build")]
	assert.True(t, len(lint.Before) == 0 || len(build.Before) == 0)
}

func TestResolveUnknownPackageTaskRefIsFatal(t *testing.T) {
	ws := &workspace.Workspace{
		Packages: map[string]*workspace.Package{
			"a": {Name: "a", Scripts: map[string]string{"build": "x"}},
		},
	}
	doc := &config.Document{
		Version: 1,
		Tasks: map[string]workspace.RawTaskDefinition{
			"build": {DependsOn: []string{"ghost#build"}, Script: true},
		},
	}

	r := New(ws, doc)
	_, _, err := r.Resolve([]string{"build"})
	require.Error(t, err)
}
