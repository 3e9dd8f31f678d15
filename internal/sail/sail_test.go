package sail

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tylerbutler/sail/internal/depgraph"
	"github.com/tylerbutler/sail/internal/task"
)

func writePackage(t *testing.T, dir, name string, deps []string, scripts map[string]string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	depMap := make(map[string]string, len(deps))
	for _, d := range deps {
		depMap[d] = "*"
	}
	manifest := struct {
		Name         string            `json:"name"`
		Scripts      map[string]string `json:"scripts"`
		Dependencies map[string]string `json:"dependencies"`
	}{Name: name, Scripts: scripts, Dependencies: depMap}

	data, err := json.Marshal(manifest)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"), data, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src.txt"), []byte("x"), 0o644))
}

func TestNewBuildContextDiscoversWorkspacePackages(t *testing.T) {
	root := t.TempDir()
	writePackage(t, filepath.Join(root, "packages", "lib"), "lib", nil, map[string]string{"build": "echo lib"})
	writePackage(t, filepath.Join(root, "packages", "app"), "app", []string{"lib"}, map[string]string{"build": "echo app"})
	writeConfig(t, root)

	bc, err := NewBuildContext(Options{RootDir: root})
	require.NoError(t, err)

	assert.Len(t, bc.Workspace.Packages, 2)
	assert.Contains(t, bc.Workspace.Packages, "lib")
	assert.Contains(t, bc.Workspace.Packages, "app")
}

func TestBuildRunsAcrossDependentPackages(t *testing.T) {
	root := t.TempDir()
	lib := filepath.Join(root, "packages", "lib")
	app := filepath.Join(root, "packages", "app")
	writePackage(t, lib, "lib", nil, map[string]string{"build": "echo lib > out.txt"})
	writePackage(t, app, "app", []string{"lib"}, map[string]string{"build": "echo app > out.txt"})
	writeConfig(t, root)

	bc, err := NewBuildContext(Options{RootDir: root, Concurrency: 2})
	require.NoError(t, err)

	result, err := bc.Build(context.Background(), []string{"build"}, depgraph.Filter{})
	require.NoError(t, err)
	require.NotNil(t, result.Summary)

	assert.False(t, result.Summary.Failed)
	assert.Equal(t, task.Succeeded, result.Summary.Results["lib#build"].State)
	assert.Equal(t, task.Succeeded, result.Summary.Results["app#build"].State)

	require.NoError(t, bc.Shutdown())
}

func writeConfig(t *testing.T, root string) {
	t.Helper()
	doc := `{
  "version": 1,
  "tasks": {
    "build": {"dependsOn": ["^build"], "script": true}
  }
}`
	require.NoError(t, os.WriteFile(filepath.Join(root, "sail.config.json"), []byte(doc), 0o644))
}
