// Package contenthash implements sail's FileHashCache (C1): content hashing
// of files with in-memory memoization and on-disk persistence across runs.
//
// The hash function is fixed to BLAKE3 (github.com/zeebo/blake3) for the
// cache-format version this package implements ("v1"); the spec deliberately
// rules out mtime/timestamp-based freshness checks, since the teacher's
// mixed content-hash/tsbuildinfo-timestamp approach is documented to
// re-introduce a "test compilation always rebuilds" bug. mtime+size is used
// only as a *memoization* key to skip re-reading unchanged files, never as a
// substitute for the content hash itself.
package contenthash

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/karrick/godirwalk"
	"github.com/pkg/errors"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/errgroup"

	"github.com/tylerbutler/sail/internal/sailerr"
	"github.com/tylerbutler/sail/internal/sailpath"
)

// FormatVersion is the on-disk persistence format version. Bumping it
// invalidates every previously persisted record.
const FormatVersion = 1

// record is the in-memory and on-disk representation of one file's hash,
// invalidated by a change in (ModTimeNs, Size).
type record struct {
	ModTimeNs int64  `json:"mtimeNs"`
	Size      int64  `json:"size"`
	Hash      string `json:"contentHash"`
}

// persistedFile is the shape written to disk by Persist and read by Load.
type persistedFile struct {
	Version int               `json:"version"`
	Records map[string]record `json:"records"`
}

// Cache is sail's FileHashCache: it hashes files, memoizes the result keyed
// by absolute path, and persists the memo to disk so a later process can
// skip re-hashing unchanged files.
//
// Concurrent hashing of distinct paths is safe. A per-path mutex (striped by
// the full path string, via a shard of sync.Mutex) prevents two goroutines
// from hashing the same path twice concurrently.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]record

	pathLocks pathLockStripe
}

// New returns an empty Cache.
func New() *Cache {
	return &Cache{
		entries: make(map[string]record),
	}
}

// Load populates a Cache from a previously Persist-ed file. A missing file
// is not an error; the cache simply starts empty.
func Load(path sailpath.AbsolutePath) (*Cache, error) {
	c := New()
	f, err := os.Open(path.ToString())
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, sailerr.FileSystem(err, "opening file hash cache at %s", path)
	}
	defer f.Close()

	var persisted persistedFile
	if err := json.NewDecoder(bufio.NewReader(f)).Decode(&persisted); err != nil {
		// A corrupt persisted cache is not fatal: start fresh and let every
		// file be re-hashed on first use.
		return c, nil
	}
	if persisted.Version != FormatVersion {
		return c, nil
	}
	c.entries = persisted.Records
	return c, nil
}

// Hash returns the content hash of the file at absPath, using the memoized
// value if (mtime, size) still matches, otherwise re-hashing and updating
// the memo.
func (c *Cache) Hash(absPath sailpath.AbsolutePath) (string, error) {
	unlock := c.pathLocks.lock(string(absPath))
	defer unlock()

	info, err := os.Stat(absPath.ToString())
	if err != nil {
		return "", sailerr.FileSystem(err, "stat %s", absPath)
	}

	mtimeNs := info.ModTime().UnixNano()
	size := info.Size()

	c.mu.RLock()
	existing, ok := c.entries[string(absPath)]
	c.mu.RUnlock()
	if ok && existing.ModTimeNs == mtimeNs && existing.Size == size {
		return existing.Hash, nil
	}

	hash, err := hashFile(absPath.ToString())
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.entries[string(absPath)] = record{ModTimeNs: mtimeNs, Size: size, Hash: hash}
	c.mu.Unlock()

	return hash, nil
}

// HashBatch hashes every path concurrently, bounded to a reasonable width so
// memory use doesn't scale with the number of files in a single batch.
// Mirrors the teacher's taskhash batched-hashing pattern, built on
// golang.org/x/sync/errgroup rather than a hand-rolled worker pool.
func (c *Cache) HashBatch(paths []sailpath.AbsolutePath) (map[sailpath.AbsolutePath]string, error) {
	const concurrency = 8

	results := make(map[sailpath.AbsolutePath]string, len(paths))
	var resultsMu sync.Mutex

	g := new(errgroup.Group)
	sem := make(chan struct{}, concurrency)

	for _, p := range paths {
		p := p
		sem <- struct{}{}
		g.Go(func() error {
			defer func() { <-sem }()
			h, err := c.Hash(p)
			if err != nil {
				return err
			}
			resultsMu.Lock()
			results[p] = h
			resultsMu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// HashDirectory walks dir recursively and hashes every regular file found,
// used by the generic LeafTask factory's conservative "whole package
// directory" fallback (§4.2) when no declarative input globs are available.
// Walking uses godirwalk for its lower per-entry allocation overhead on
// large trees.
func (c *Cache) HashDirectory(dir sailpath.AbsolutePath) (map[sailpath.AbsolutePath]string, error) {
	var paths []sailpath.AbsolutePath
	err := godirwalk.Walk(dir.ToString(), &godirwalk.Options{
		Callback: func(path string, de *godirwalk.Dirent) error {
			if de.IsDir() {
				return nil
			}
			paths = append(paths, sailpath.AbsolutePathFromUpstream(path))
			return nil
		},
		Unsorted: true,
	})
	if err != nil {
		return nil, sailerr.FileSystem(err, "walking directory %s", dir)
	}
	return c.HashBatch(paths)
}

// Persist writes the current memo to disk at path, atomically (temp file +
// rename) so a crash mid-write never leaves a corrupt cache file.
func (c *Cache) Persist(path sailpath.AbsolutePath) error {
	c.mu.RLock()
	snapshot := make(map[string]record, len(c.entries))
	for k, v := range c.entries {
		snapshot[k] = v
	}
	c.mu.RUnlock()

	tmp := path.ToString() + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return sailerr.FileSystem(err, "creating temp file hash cache at %s", tmp)
	}
	enc := json.NewEncoder(f)
	if err := enc.Encode(persistedFile{Version: FormatVersion, Records: snapshot}); err != nil {
		f.Close()
		os.Remove(tmp)
		return sailerr.FileSystem(err, "encoding file hash cache")
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return sailerr.FileSystem(err, "closing temp file hash cache")
	}
	if err := os.Rename(tmp, path.ToString()); err != nil {
		return sailerr.FileSystem(err, "renaming file hash cache into place")
	}
	return nil
}

// Clear discards every memoized entry without touching disk.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]record)
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", sailerr.FileSystem(err, "opening %s for hashing", path)
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, bufio.NewReader(f)); err != nil {
		return "", errors.Wrapf(err, "reading %s for hashing", path)
	}
	return hexEncode(h.Sum(nil)), nil
}

const hexDigits = "0123456789abcdef"

func hexEncode(b []byte) string {
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hexDigits[v>>4]
		out[i*2+1] = hexDigits[v&0x0f]
	}
	return string(out)
}

// pathLockStripe is a fixed-width shard of mutexes, used to prevent
// duplicate concurrent hashing of the same path without serializing unrelated
// paths behind a single lock.
type pathLockStripe struct {
	once  sync.Once
	locks [64]sync.Mutex
}

func (s *pathLockStripe) lock(key string) func() {
	s.once.Do(func() {})
	idx := fnv32(key) % uint32(len(s.locks))
	s.locks[idx].Lock()
	return s.locks[idx].Unlock
}

func fnv32(s string) uint32 {
	const prime32 = 16777619
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}
