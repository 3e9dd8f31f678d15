package cache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tylerbutler/sail/internal/sailpath"
)

func fixedHash(sailpath.AbsolutePath) (string, error) { return "deadbeef", nil }

func newStoreAndPackage(t *testing.T) (*Store, sailpath.AbsolutePath) {
	t.Helper()
	storeRoot := sailpath.AbsolutePathFromUpstream(t.TempDir())
	pkgDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(pkgDir, "out.txt"), []byte("built"), 0o644))
	return New(storeRoot, fixedHash), sailpath.AbsolutePathFromUpstream(pkgDir)
}

func TestLookupMissReturnsNilNotError(t *testing.T) {
	store, _ := newStoreAndPackage(t)
	m, err := store.Lookup("nonexistent")
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestStoreThenLookupHits(t *testing.T) {
	store, pkgDir := newStoreAndPackage(t)

	err := store.Store("key1", pkgDir, []sailpath.AnchoredPath{"out.txt"})
	require.NoError(t, err)

	m, err := store.Lookup("key1")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "key1", m.CacheKey)
	assert.Len(t, m.Outputs, 1)
}

func TestRestoreRoundTrip(t *testing.T) {
	store, pkgDir := newStoreAndPackage(t)
	require.NoError(t, store.Store("key1", pkgDir, []sailpath.AnchoredPath{"out.txt"}))

	destDir := t.TempDir()
	err := store.Restore("key1", sailpath.AbsolutePathFromUpstream(destDir))
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(destDir, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "built", string(content))
}

func TestCorruptManifestTreatedAsMiss(t *testing.T) {
	store, pkgDir := newStoreAndPackage(t)
	require.NoError(t, store.Store("key1", pkgDir, []sailpath.AnchoredPath{"out.txt"}))

	manifestPath := filepath.Join(store.entryDir("key1"), "manifest.json")
	require.NoError(t, os.WriteFile(manifestPath, []byte("{not json"), 0o644))

	m, err := store.Lookup("key1")
	require.NoError(t, err)
	assert.Nil(t, m)
	assert.Equal(t, 1, store.Statistics().Corrupted)
}

func TestMissingOutputTreatedAsMiss(t *testing.T) {
	store, pkgDir := newStoreAndPackage(t)
	require.NoError(t, store.Store("key1", pkgDir, []sailpath.AnchoredPath{"out.txt"}))

	outPath := filepath.Join(store.entryDir("key1"), "out.txt")
	require.NoError(t, os.Remove(outPath))

	m, err := store.Lookup("key1")
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestCleanRemovesEntry(t *testing.T) {
	store, pkgDir := newStoreAndPackage(t)
	require.NoError(t, store.Store("key1", pkgDir, []sailpath.AnchoredPath{"out.txt"}))

	require.NoError(t, store.Clean("key1"))
	m, err := store.Lookup("key1")
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestSkipWriteSuppressesStore(t *testing.T) {
	store, pkgDir := newStoreAndPackage(t)
	store.SkipWrite = true

	require.NoError(t, store.Store("key1", pkgDir, []sailpath.AnchoredPath{"out.txt"}))

	m, err := store.Lookup("key1")
	require.NoError(t, err)
	assert.Nil(t, m)
}
