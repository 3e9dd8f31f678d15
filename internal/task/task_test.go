package task

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tylerbutler/sail/internal/cache"
	"github.com/tylerbutler/sail/internal/contenthash"
	"github.com/tylerbutler/sail/internal/sailpath"
	"github.com/tylerbutler/sail/internal/workspace"
)

func newTestPackage(t *testing.T) *workspace.Package {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "input.txt"), []byte("hello"), 0o644))
	return &workspace.Package{
		Name: "pkg-a",
		Dir:  sailpath.AbsolutePathFromUpstream(dir),
	}
}

func newTestHasher(t *testing.T) *contenthash.Cache {
	t.Helper()
	return contenthash.New()
}

func TestLeafTaskStateIsMonotonicAfterTerminal(t *testing.T) {
	lt := NewLeafTask("pkg-a#build", newTestPackage(t), "build", "true")
	lt.SetState(Running)
	lt.SetState(Succeeded)
	assert.Equal(t, Succeeded, lt.GetState())

	lt.SetState(Running)
	assert.Equal(t, Succeeded, lt.GetState(), "terminal state must not be overwritten")
}

func TestComputeCacheKeyDeterministicRegardlessOfEnvOrder(t *testing.T) {
	pkg := newTestPackage(t)
	hasher := newTestHasher(t)

	lt1 := NewLeafTask("pkg-a#build", pkg, "build", "echo hi")
	lt1.InputGlobs = []string{"*.txt"}
	lt1.EnvVars = []string{"FOO", "BAR"}

	lt2 := NewLeafTask("pkg-a#build", pkg, "build", "echo   hi")
	lt2.InputGlobs = []string{"*.txt"}
	lt2.EnvVars = []string{"BAR", "FOO"}

	os.Setenv("FOO", "1")
	os.Setenv("BAR", "2")
	defer os.Unsetenv("FOO")
	defer os.Unsetenv("BAR")

	k1, err := lt1.ComputeCacheKey(hasher, "lockhash", nil)
	require.NoError(t, err)
	k2, err := lt2.ComputeCacheKey(hasher, "lockhash", nil)
	require.NoError(t, err)

	assert.Equal(t, k1, k2)
}

func TestComputeCacheKeyChangesWhenInputContentChanges(t *testing.T) {
	pkg := newTestPackage(t)
	hasher := newTestHasher(t)

	lt := NewLeafTask("pkg-a#build", pkg, "build", "echo hi")
	lt.InputGlobs = []string{"*.txt"}

	k1, err := lt.ComputeCacheKey(hasher, "lockhash", nil)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(pkg.Dir.ToString(), "input.txt"), []byte("changed"), 0o644))

	k2, err := lt.ComputeCacheKey(hasher, "lockhash", nil)
	require.NoError(t, err)

	assert.NotEqual(t, k1, k2)
}

func TestComputeCacheKeyUndeclaredEnvVarDoesNotAffectKey(t *testing.T) {
	pkg := newTestPackage(t)
	hasher := newTestHasher(t)

	lt := NewLeafTask("pkg-a#build", pkg, "build", "echo hi")
	lt.InputGlobs = []string{"*.txt"}

	k1, err := lt.ComputeCacheKey(hasher, "lockhash", nil)
	require.NoError(t, err)

	os.Setenv("UNDECLARED_VAR", "changed-value")
	defer os.Unsetenv("UNDECLARED_VAR")

	k2, err := lt.ComputeCacheKey(hasher, "lockhash", nil)
	require.NoError(t, err)

	assert.Equal(t, k1, k2)
}

func TestIsUpToDateFalseWithoutDonefileOrCacheEntry(t *testing.T) {
	pkg := newTestPackage(t)
	hasher := newTestHasher(t)
	store := cache.New(sailpath.AbsolutePathFromUpstream(t.TempDir()), nil)

	lt := NewLeafTask("pkg-a#build", pkg, "build", "echo hi")
	_, err := lt.ComputeCacheKey(hasher, "lockhash", nil)
	require.NoError(t, err)

	upToDate, err := lt.IsUpToDate(store)
	require.NoError(t, err)
	assert.False(t, upToDate)
}

func TestExecuteSuccessStoresOutputAndWritesDonefile(t *testing.T) {
	pkg := newTestPackage(t)
	hasher := newTestHasher(t)
	store := cache.New(sailpath.AbsolutePathFromUpstream(t.TempDir()), hasher.Hash)

	lt := NewLeafTask("pkg-a#build", pkg, "build", "echo built > out.txt")
	lt.OutputGlobs = []string{"out.txt"}
	lt.InputGlobs = []string{"*.txt"}

	key, err := lt.ComputeCacheKey(hasher, "lockhash", nil)
	require.NoError(t, err)

	result, err := lt.Execute(context.Background(), store, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, Succeeded, lt.GetState())

	donefile := DonefilePath(pkg, "build")
	data, err := os.ReadFile(donefile.ToString())
	require.NoError(t, err)
	assert.Equal(t, key, string(data))

	manifest, err := store.Lookup(key)
	require.NoError(t, err)
	require.NotNil(t, manifest)
}

func TestExecuteFailureDeletesStaleDonefile(t *testing.T) {
	pkg := newTestPackage(t)
	hasher := newTestHasher(t)
	store := cache.New(sailpath.AbsolutePathFromUpstream(t.TempDir()), hasher.Hash)

	lt := NewLeafTask("pkg-a#build", pkg, "build", "exit 1")
	_, err := lt.ComputeCacheKey(hasher, "lockhash", nil)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(DonefilePath(pkg, "build").ToString(), []byte("stale"), 0o644))

	_, err = lt.Execute(context.Background(), store, ExecuteOptions{})
	require.Error(t, err)
	assert.Equal(t, Failed, lt.GetState())

	_, statErr := os.Stat(DonefilePath(pkg, "build").ToString())
	assert.True(t, os.IsNotExist(statErr))
}

func TestGroupTaskCacheKeyOrderIndependent(t *testing.T) {
	g1 := NewGroupTask("//#build", []string{"a#build", "b#build"})
	g2 := NewGroupTask("//#build", []string{"b#build", "a#build"})

	k1 := g1.ComputeCacheKey([]string{"keyA", "keyB"})
	k2 := g2.ComputeCacheKey([]string{"keyB", "keyA"})
	assert.Equal(t, k1, k2)
}

func TestGroupTaskFinishFailsWhenChildFailed(t *testing.T) {
	g := NewGroupTask("//#build", []string{"a#build"})
	g.ComputeCacheKey([]string{"keyA"})

	err := g.Finish(true, sailpath.AbsolutePathFromUpstream(t.TempDir()))
	require.NoError(t, err)
	assert.Equal(t, Failed, g.GetState())
}

func TestGroupTaskFinishSucceedsAndWritesMarker(t *testing.T) {
	g := NewGroupTask("//#build", []string{"a#build"})
	g.ComputeCacheKey([]string{"keyA"})

	markerDir := sailpath.AbsolutePathFromUpstream(t.TempDir())
	err := g.Finish(false, markerDir)
	require.NoError(t, err)
	assert.Equal(t, Succeeded, g.GetState())
}
