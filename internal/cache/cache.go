// Package cache implements sail's SharedCacheStore (C8): a content-addressed
// on-disk store of task output trees, keyed by cache key (§4.8).
//
// This deliberately departs from the teacher's internal/cache, which stores
// tar/tar.zst archives via a cacheitem package. §4.8/§6 of the specification
// fix a directory-based layout instead — a `manifest.json` plus a
// materialized copy of each output file under `entries/<cacheKey>/` — so
// that the manifest's presence (written last, atomically) is unambiguously
// the commit point and partial writes can never be observed by a reader.
// The teacher's Cache interface shape (Fetch/Put/Clean/CleanAll/Shutdown)
// and its CacheMetadata sidecar pattern are kept as the grounding for the
// store's external contract; the write mechanics are new.
package cache

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tylerbutler/sail/internal/globby"
	"github.com/tylerbutler/sail/internal/sailerr"
	"github.com/tylerbutler/sail/internal/sailpath"
)

// denylistedOutputs are output paths never materialized into the cache even
// when a task declares them, regardless of how permissive its output globs
// are (§4.6's output resolution has no notion of a negative default).
var denylistedOutputs = []string{
	"**/.git/**",
	"**/node_modules/**",
}

// FormatVersion is the on-disk store layout version (§6:
// "<cacheDir>/v1/entries/..."). A format change requires a version bump and
// triggers a full-store rebuild (old versions are simply never looked up).
const FormatVersion = "v1"

// OutputFile describes one materialized output within a CacheEntry.
type OutputFile struct {
	RelPath string      `json:"relPath"`
	Hash    string      `json:"hash"`
	Mode    os.FileMode `json:"mode"`
}

// Manifest is the on-disk shape of entries/<cacheKey>/manifest.json.
type Manifest struct {
	Version   int          `json:"version"`
	CacheKey  string       `json:"cacheKey"`
	Outputs   []OutputFile `json:"outputs"`
	CreatedAt string       `json:"createdAt"`
}

// Statistics accumulates hit/miss/store/corruption counts across the
// lifetime of a Store (§4.8 "statistics()").
type Statistics struct {
	mu        sync.Mutex
	Hits      int
	Misses    int
	Stores    int
	Corrupted int
}

func (s *Statistics) recordHit()       { s.mu.Lock(); s.Hits++; s.mu.Unlock() }
func (s *Statistics) recordMiss()      { s.mu.Lock(); s.Misses++; s.mu.Unlock() }
func (s *Statistics) recordStore()     { s.mu.Lock(); s.Stores++; s.mu.Unlock() }
func (s *Statistics) recordCorrupted() { s.mu.Lock(); s.Corrupted++; s.mu.Unlock() }

// Snapshot returns a copy of the current counters.
func (s *Statistics) Snapshot() Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Statistics{Hits: s.Hits, Misses: s.Misses, Stores: s.Stores, Corrupted: s.Corrupted}
}

// HashFunc computes the content hash of a file, used both to produce the
// OutputFile hashes at store time and to verify them in VerifyIntegrity
// mode. Typically bound to (*contenthash.Cache).Hash.
type HashFunc func(path sailpath.AbsolutePath) (string, error)

// Store is sail's filesystem-backed SharedCacheStore.
type Store struct {
	root sailpath.AbsolutePath
	hash HashFunc
	stat *Statistics

	// VerifyIntegrity, when true, re-hashes every output on Lookup
	// (§4.8's "optional integrity mode"); default mode trusts the
	// manifest once the directory layout check passes. Mirrors
	// SAIL_CACHE_VERIFY=1 (§6).
	VerifyIntegrity bool
	// SkipWrite, when true, allows lookups but suppresses Store
	// (SAIL_SKIP_CACHE_WRITE=1, §6).
	SkipWrite bool
	// ForceMiss, when true, makes every Lookup report a clean miss without
	// touching disk, so a caller can force a full rebuild (the CLI's
	// --force flag) without discarding the entries a later, non-forced run
	// could still reuse.
	ForceMiss bool
}

// New returns a Store rooted at root/<FormatVersion>/entries.
func New(root sailpath.AbsolutePath, hash HashFunc) *Store {
	return &Store{root: root, hash: hash, stat: &Statistics{}}
}

// Statistics returns the store's running counters.
func (s *Store) Statistics() Statistics {
	return s.stat.Snapshot()
}

func (s *Store) entryDir(cacheKey string) string {
	return filepath.Join(s.root.ToString(), FormatVersion, "entries", cacheKey)
}

// Lookup performs an O(1) existence check, parses the manifest, and (unless
// VerifyIntegrity is on, where every output is re-hashed) trusts the
// manifest once the directory layout matches. An entry whose manifest is
// missing, malformed, or whose outputs don't match is treated as corrupt:
// it is removed and (nil, nil) is returned (a clean miss, not an error),
// per §8: "cache entry missing its manifest -> treated as miss; entry
// directory is swept."
func (s *Store) Lookup(cacheKey string) (*Manifest, error) {
	if s.ForceMiss {
		s.stat.recordMiss()
		return nil, nil
	}

	dir := s.entryDir(cacheKey)
	manifestPath := filepath.Join(dir, "manifest.json")

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			s.stat.recordMiss()
			return nil, nil
		}
		return nil, sailerr.FileSystem(err, "reading manifest at %s", manifestPath)
	}

	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		s.stat.recordCorrupted()
		_ = os.RemoveAll(dir)
		s.stat.recordMiss()
		return nil, nil
	}

	for _, out := range manifest.Outputs {
		outPath := filepath.Join(dir, filepath.FromSlash(out.RelPath))
		info, statErr := os.Stat(outPath)
		if statErr != nil {
			s.stat.recordCorrupted()
			_ = os.RemoveAll(dir)
			s.stat.recordMiss()
			return nil, nil
		}
		if info.Mode().Perm() != out.Mode.Perm() && out.Mode != 0 {
			// Mode drift alone isn't corruption; only a missing file or a
			// content mismatch (checked below under VerifyIntegrity) is.
			_ = info
		}
		if s.VerifyIntegrity && s.hash != nil {
			h, hashErr := s.hash(sailpath.AbsolutePathFromUpstream(outPath))
			if hashErr != nil || h != out.Hash {
				s.stat.recordCorrupted()
				_ = os.RemoveAll(dir)
				s.stat.recordMiss()
				return nil, nil
			}
		}
	}

	s.stat.recordHit()
	return &manifest, nil
}

// Store writes every output to entries/<cacheKey>/<relPath> and, last,
// writes manifest.json — the manifest's presence is the commit point
// (§4.8). Each writer stages the complete entry in a per-writer temp
// directory (named with a uuid, avoiding collisions between concurrent
// writers for the same cacheKey) and renames the directory into place, so
// "last writer wins" without ever exposing a partially-mixed entry.
func (s *Store) Store(cacheKey string, packageDir sailpath.AbsolutePath, outputRelPaths []sailpath.AnchoredPath) error {
	if s.SkipWrite {
		return nil
	}

	stagingParent := filepath.Join(s.root.ToString(), FormatVersion, ".staging")
	if err := os.MkdirAll(stagingParent, 0o755); err != nil {
		return sailerr.FileSystem(err, "creating cache staging directory")
	}
	staging := filepath.Join(stagingParent, uuid.NewString())
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return sailerr.FileSystem(err, "creating staging dir for %s", cacheKey)
	}
	defer os.RemoveAll(staging)

	outputs := make([]OutputFile, 0, len(outputRelPaths))
	sorted := make([]sailpath.AnchoredPath, len(outputRelPaths))
	copy(sorted, outputRelPaths)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	for _, rel := range sorted {
		if globby.MatchAny(rel.ToString(), denylistedOutputs) {
			continue
		}
		srcPath := rel.RestoreAnchor(packageDir)
		info, err := os.Stat(srcPath.ToString())
		if err != nil {
			return sailerr.FileSystem(err, "stat output %s", srcPath)
		}
		var hash string
		if s.hash != nil {
			hash, err = s.hash(srcPath)
			if err != nil {
				return err
			}
		}
		destPath := filepath.Join(staging, filepath.FromSlash(rel.ToString()))
		if err := copyFileAtomic(srcPath.ToString(), destPath); err != nil {
			return err
		}
		outputs = append(outputs, OutputFile{RelPath: rel.ToString(), Hash: hash, Mode: info.Mode()})
	}

	manifest := Manifest{
		Version:   1,
		CacheKey:  cacheKey,
		Outputs:   outputs,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	manifestData, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return sailerr.Internal("marshaling manifest: %v", err)
	}
	if err := os.WriteFile(filepath.Join(staging, "manifest.json"), manifestData, 0o644); err != nil {
		return sailerr.FileSystem(err, "writing manifest for %s", cacheKey)
	}

	finalDir := s.entryDir(cacheKey)
	if err := os.RemoveAll(finalDir); err != nil {
		return sailerr.FileSystem(err, "clearing previous entry for %s", cacheKey)
	}
	if err := os.MkdirAll(filepath.Dir(finalDir), 0o755); err != nil {
		return sailerr.FileSystem(err, "creating entries directory")
	}
	if err := os.Rename(staging, finalDir); err != nil {
		return sailerr.FileSystem(err, "committing cache entry for %s", cacheKey)
	}

	s.stat.recordStore()
	return nil
}

// Restore atomically materializes every output listed in cacheKey's
// manifest into destDir: write to temp path, then rename, so the working
// tree never observes a partial file (§4.6 restoreFromCache).
func (s *Store) Restore(cacheKey string, destDir sailpath.AbsolutePath) error {
	manifest, err := s.Lookup(cacheKey)
	if err != nil {
		return err
	}
	if manifest == nil {
		return sailerr.Validation("no cache entry for %s", cacheKey)
	}

	entryDir := s.entryDir(cacheKey)
	for _, out := range manifest.Outputs {
		src := filepath.Join(entryDir, filepath.FromSlash(out.RelPath))
		dest := filepath.Join(destDir.ToString(), filepath.FromSlash(out.RelPath))
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return sailerr.FileSystem(err, "creating parent dir for restore of %s", out.RelPath)
		}
		if err := copyFileAtomic(src, dest); err != nil {
			return err
		}
		if out.Mode != 0 {
			_ = os.Chmod(dest, out.Mode)
		}
	}
	return nil
}

// Clean removes a single cache entry, if present.
func (s *Store) Clean(cacheKey string) error {
	if err := os.RemoveAll(s.entryDir(cacheKey)); err != nil {
		return sailerr.FileSystem(err, "removing entry %s", cacheKey)
	}
	return nil
}

// CleanAll removes every entry under the store's format-version root.
func (s *Store) CleanAll() error {
	dir := filepath.Join(s.root.ToString(), FormatVersion)
	if err := os.RemoveAll(dir); err != nil {
		return sailerr.FileSystem(err, "removing cache store at %s", dir)
	}
	return nil
}

// Shutdown flushes any buffered state. The filesystem store has none (every
// write is already synchronous and atomic); the method exists to satisfy
// callers that treat the store polymorphically alongside a future
// network-backed implementation.
func (s *Store) Shutdown() error { return nil }

func copyFileAtomic(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return sailerr.FileSystem(err, "opening %s", src)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return sailerr.FileSystem(err, "stat %s", src)
	}

	tmp := dest + ".tmp-" + uuid.NewString()
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode())
	if err != nil {
		return sailerr.FileSystem(err, "creating temp file %s", tmp)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return sailerr.FileSystem(err, "copying %s to %s", src, tmp)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return sailerr.FileSystem(err, "closing %s", tmp)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return sailerr.FileSystem(err, "renaming %s to %s", tmp, dest)
	}
	return nil
}
