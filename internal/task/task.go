// Package task implements sail's Task runtime node (C6): LeafTask and
// GroupTask, their state machine, cache-key computation, freshness
// checking, cache restoration, and execution.
//
// Grounded on the teacher's internal/runcache.TaskCache (RestoreOutputs /
// SaveOutputs / donefile-equivalent log-replay bookkeeping) for the
// freshness/restore contract, internal/taskhash.Tracker
// (CalculateTaskHash / EnvMode handling) for cache-key composition, and
// internal/run/real_run.go's execContext.exec for subprocess execution
// (env denylist, output identification after a successful run).
package task

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/tylerbutler/sail/internal/cache"
	"github.com/tylerbutler/sail/internal/contenthash"
	"github.com/tylerbutler/sail/internal/globby"
	"github.com/tylerbutler/sail/internal/sailerr"
	"github.com/tylerbutler/sail/internal/sailpath"
	"github.com/tylerbutler/sail/internal/workerpool"
	"github.com/tylerbutler/sail/internal/workspace"
)

// State is a Task's position in its lifecycle (§3 TaskState). Transitions
// are monotonic except NotStarted -> QueuedPendingDeps -> Ready.
type State int

// The fixed set of task states.
const (
	NotStarted State = iota
	QueuedPendingDeps
	Ready
	Running
	Succeeded
	UpToDate
	CacheRestored
	Failed
	Skipped
)

// String renders the state for logs and summaries.
func (s State) String() string {
	switch s {
	case NotStarted:
		return "NotStarted"
	case QueuedPendingDeps:
		return "QueuedPendingDeps"
	case Ready:
		return "Ready"
	case Running:
		return "Running"
	case Succeeded:
		return "Succeeded"
	case UpToDate:
		return "UpToDate"
	case CacheRestored:
		return "CacheRestored"
	case Failed:
		return "Failed"
	case Skipped:
		return "Skipped"
	default:
		return "Unknown"
	}
}

// IsSuccessTerminal reports whether s is one of the terminal success states
// (Succeeded, UpToDate, CacheRestored).
func (s State) IsSuccessTerminal() bool {
	return s == Succeeded || s == UpToDate || s == CacheRestored
}

// IsTerminal reports whether s ends the task's lifecycle.
func (s State) IsTerminal() bool {
	return s.IsSuccessTerminal() || s == Failed || s == Skipped
}

// EnvMode controls which declared env vars are hashed into the cache key
// vs. passed through to the subprocess unhashed (§12, grounded on the
// teacher's taskhash EnvMode switch).
type EnvMode int

// The three supported environment modes.
const (
	// EnvModeLoose hashes every declared env var but passes the full
	// parent environment through to the subprocess unhashed.
	EnvModeLoose EnvMode = iota
	// EnvModeStrict hashes every declared env var and restricts the
	// subprocess environment to exactly the declared allowlist (plus a
	// fixed minimal set like PATH), for hermetic, reproducible builds.
	EnvModeStrict
	// EnvModeInfer behaves like Loose, but additionally hashes any OS env
	// var whose name matches a well-known build-tool prefix, without
	// requiring it to be declared explicitly.
	EnvModeInfer
)

// inferredEnvPrefixes are env var name prefixes auto-detected under
// EnvModeInfer, mirroring the teacher's framework-inference behavior in
// CalculateTaskHash — sail infers from the task's command rather than a
// package.json framework field, but the intent is the same: catch
// environment variables a tool reads implicitly.
var inferredEnvPrefixes = []string{"SAIL_", "NODE_", "CI"}

// Base holds the fields common to LeafTask and GroupTask: identity and the
// state machine. Mutated only by the task's owning worker; readers use
// GetState, which takes the lock.
type Base struct {
	id string
	mu sync.Mutex
	st State
}

// ID returns the task's stable "package#task" identifier.
func (b *Base) ID() string { return b.id }

// GetState returns the current state.
func (b *Base) GetState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.st
}

// SetState transitions the task to next. Not itself responsible for
// validating legal transitions beyond terminal-state immutability: once a
// task reaches a terminal state, further SetState calls are no-ops, since
// state is monotonic per §3.
func (b *Base) SetState(next State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.st.IsTerminal() {
		return
	}
	b.st = next
}

// LeafTask is a concrete executable command bound to a package and script.
type LeafTask struct {
	Base

	Package    *workspace.Package
	TaskName   string
	Command    string
	Persistent bool

	InputGlobs  []string
	OutputGlobs []string
	EnvVars     []string
	EnvMode     EnvMode

	// GenericDirFallback is true when Command matched no registry.Factory
	// prefix and declared no explicit input globs (§4.2): ComputeCacheKey
	// hashes every file under Package.Dir instead of an empty glob result,
	// so the key still changes whenever the package's sources change
	// instead of degenerating into one constant, permanently-fresh value.
	GenericDirFallback bool

	// TextFiles records whether the task's inputs are declared "text".
	// ComputeCacheKey does not consult it: input files are always hashed
	// byte-exact, with no line-ending normalization.
	TextFiles bool

	cacheKey string
	err      error
}

// NewLeafTask constructs a LeafTask in state NotStarted.
func NewLeafTask(id string, pkg *workspace.Package, taskName, command string) *LeafTask {
	t := &LeafTask{Package: pkg, TaskName: taskName, Command: command}
	t.id = id
	return t
}

// CacheKey returns the most recently computed cache key, or "" if
// ComputeCacheKey has not yet run.
func (t *LeafTask) CacheKey() string { return t.cacheKey }

// Err returns the task's recorded failure, if any.
func (t *LeafTask) Err() error { return t.err }

// hashableInputs is the canonical (sorted, timestamp-free) shape hashed to
// produce a CacheKey (§3). Field order and slice sort order are fixed so
// that cacheKey(I) == cacheKey(permutation(I)) (§8 determinism property).
type hashableInputs struct {
	Command           string            `json:"command"`
	InputFileHashes   map[string]string `json:"inputFileHashes"`
	UpstreamCacheKeys []string          `json:"upstreamCacheKeys"`
	LockfileHash      string            `json:"lockfileHash"`
	EnvPairs          []string          `json:"envPairs"`
	FormatVersion     int               `json:"formatVersion"`
}

// ComputeCacheKey hashes the task's inputs per §3/§4.6: the normalized
// command, every input file's content hash, the already-succeeded upstream
// tasks' cache keys, the workspace lockfile hash, and the declared env vars
// (hashed according to EnvMode). Deterministic regardless of map/slice
// iteration order: every collection is sorted before encoding.
func (t *LeafTask) ComputeCacheKey(hasher *contenthash.Cache, lockfileHash string, upstreamCacheKeys []string) (string, error) {
	fileHashes := make(map[string]string)

	if t.GenericDirFallback && len(t.InputGlobs) == 0 {
		dirHashes, err := hasher.HashDirectory(t.Package.Dir)
		if err != nil {
			return "", err
		}
		for abs, h := range dirHashes {
			fileHashes[abs.ToString()] = h
		}
	} else {
		inputFiles, err := globby.Resolve(t.Package.Dir, t.InputGlobs)
		if err != nil {
			return "", err
		}
		for _, rel := range inputFiles {
			abs := rel.RestoreAnchor(t.Package.Dir)
			h, err := hasher.Hash(abs)
			if err != nil {
				return "", err
			}
			fileHashes[rel.ToString()] = h
		}
	}

	sortedUpstream := append([]string(nil), upstreamCacheKeys...)
	sort.Strings(sortedUpstream)

	envPairs := t.hashedEnvPairs()

	inputs := hashableInputs{
		Command:           normalizeCommand(t.Command),
		InputFileHashes:   fileHashes,
		UpstreamCacheKeys: sortedUpstream,
		LockfileHash:      lockfileHash,
		EnvPairs:          envPairs,
		FormatVersion:     1,
	}

	canonical, err := canonicalJSON(inputs)
	if err != nil {
		return "", sailerr.Internal("encoding cache key inputs: %v", err)
	}

	h := blake3.Sum256(canonical)
	t.cacheKey = fmt.Sprintf("%x", h[:])
	return t.cacheKey, nil
}

// hashedEnvPairs returns the declared (and, under EnvModeInfer, inferred)
// env vars as sorted "NAME=VALUE" pairs; only declared/inferred variables
// ever affect the cache key (§4.6: "Environment variables that influence a
// tool must be declared in the task definition...undeclared variables do
// not affect it").
func (t *LeafTask) hashedEnvPairs() []string {
	names := make(map[string]bool, len(t.EnvVars))
	for _, n := range t.EnvVars {
		names[n] = true
	}
	if t.EnvMode == EnvModeInfer {
		for _, e := range os.Environ() {
			name := strings.SplitN(e, "=", 2)[0]
			for _, prefix := range inferredEnvPrefixes {
				if strings.HasPrefix(name, prefix) {
					names[name] = true
					break
				}
			}
		}
	}

	pairs := make([]string, 0, len(names))
	for name := range names {
		pairs = append(pairs, fmt.Sprintf("%s=%s", name, os.Getenv(name)))
	}
	sort.Strings(pairs)
	return pairs
}

// normalizeCommand trims incidental whitespace so that equivalent commands
// with different spacing hash identically.
func normalizeCommand(cmd string) string {
	fields := strings.Fields(cmd)
	return strings.Join(fields, " ")
}

func canonicalJSON(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DonefilePath returns the path of the donefile adjacent to pkg recording
// the last successful cache key for taskName (§6: "<donefile> adjacent to
// each package, name '<package>-<task>.donefile'").
func DonefilePath(pkg *workspace.Package, taskName string) sailpath.AbsolutePath {
	name := fmt.Sprintf("%s-%s.donefile", pkg.Name, taskName)
	return pkg.Dir.Join(name)
}

// IsUpToDate returns true iff either the local donefile records the current
// cache key, or the shared store reports the cache key present (§4.6). When
// store.ForceMiss is set it always returns false.
func (t *LeafTask) IsUpToDate(store *cache.Store) (bool, error) {
	if store.ForceMiss {
		return false, nil
	}
	donefile := DonefilePath(t.Package, t.TaskName)
	if recorded, err := readDonefile(donefile); err == nil && recorded == t.cacheKey {
		return true, nil
	}

	manifest, err := store.Lookup(t.cacheKey)
	if err != nil {
		return false, err
	}
	return manifest != nil, nil
}

func readDonefile(path sailpath.AbsolutePath) (string, error) {
	data, err := os.ReadFile(path.ToString())
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// writeDonefile atomically records cacheKey as the task's last successful
// run (write-temp + rename, §5).
func writeDonefile(path sailpath.AbsolutePath, cacheKey string) error {
	tmp := path.ToString() + ".tmp"
	if err := os.WriteFile(tmp, []byte(cacheKey), 0o644); err != nil {
		return sailerr.FileSystem(err, "writing donefile %s", tmp)
	}
	if err := os.Rename(tmp, path.ToString()); err != nil {
		return sailerr.FileSystem(err, "renaming donefile into place at %s", path)
	}
	return nil
}

// deleteDonefile removes a stale donefile after a failed run, so a
// subsequent freshness check never reports a failed task as up to date.
func deleteDonefile(path sailpath.AbsolutePath) {
	_ = os.Remove(path.ToString())
}

// RestoreFromCache atomically materializes the task's outputs from store
// into the package directory (§4.6).
func (t *LeafTask) RestoreFromCache(store *cache.Store) error {
	if err := store.Restore(t.cacheKey, t.Package.Dir); err != nil {
		return err
	}
	return writeDonefile(DonefilePath(t.Package, t.TaskName), t.cacheKey)
}

// EnvDenylist is the fixed set of environment variables never forwarded to
// a task's subprocess, regardless of EnvMode (secrets and orchestrator
// plumbing that must never leak into a task's hashed or unhashed env).
var EnvDenylist = []string{"SAIL_CACHE_DIR", "SAIL_SKIP_CACHE_WRITE", "SAIL_CACHE_VERIFY"}

// ExecuteOptions configures a LeafTask.Execute call.
type ExecuteOptions struct {
	// LogWriter, if set, additionally receives a copy of combined
	// stdout/stderr once the command has finished (e.g. a colorcache-prefixed
	// console writer). The per-task log file is always written regardless.
	LogWriter io.Writer
	// LogDir is the directory per-task log files are written under. If
	// empty, defaults to the package directory.
	LogDir sailpath.AbsolutePath
	// Pool, if non-nil, routes this task's command through it instead of a
	// direct subprocess spawn (§4.6/§4.10); workerpool.Dispatch falls back
	// to a direct spawn automatically on a retryable pool IPC failure. A
	// nil Pool always direct-spawns.
	Pool *workerpool.Pool
}

// Result is the outcome of a LeafTask.Execute call.
type Result struct {
	ExitCode int
	Duration time.Duration
	LogPath  sailpath.AbsolutePath
}

// LogPath returns the path of the per-task combined stdout/stderr log file
// Execute writes and ReplayLog later streams back on a cache hit (§12). An
// empty logDir defaults to pkg.Dir.
func LogPath(pkg *workspace.Package, taskName string, logDir sailpath.AbsolutePath) sailpath.AbsolutePath {
	if logDir == "" {
		logDir = pkg.Dir
	}
	return logDir.Join(fmt.Sprintf("%s-%s.log", pkg.Name, taskName))
}

// Execute runs the task's command — either a direct subprocess spawn or, if
// opts.Pool is set, a request dispatched to the worker pool (§4.6/§4.10) —
// tees its combined output to a per-task log file (replayed on a later
// cache hit by ReplayLog, §12) and to opts.LogWriter, and on success stores
// outputs into the shared cache and writes the donefile. On failure it
// deletes any stale donefile and leaves the cache untouched (§4.6).
func (t *LeafTask) Execute(ctx context.Context, store *cache.Store, opts ExecuteOptions) (*Result, error) {
	t.SetState(Running)

	logPath := LogPath(t.Package, t.TaskName, opts.LogDir)
	logFile, err := os.Create(logPath.ToString())
	if err != nil {
		return nil, sailerr.FileSystem(err, "creating log file %s", logPath)
	}
	defer logFile.Close()

	bufWriter := bufio.NewWriter(logFile)
	var dest io.Writer = bufWriter
	if opts.LogWriter != nil {
		dest = io.MultiWriter(bufWriter, opts.LogWriter)
	}

	start := time.Now()
	resp, runErr := workerpool.Dispatch(ctx, opts.Pool, workerpool.Request{
		Command: t.Command,
		Cwd:     t.Package.Dir.ToString(),
		Env:     t.subprocessEnv(),
	})
	duration := time.Since(start)

	// Unlike a directly streamed subprocess, the worker-pool protocol
	// returns stdout/stderr only once the command finishes (§4.10): there
	// is nothing to tee until resp arrives, and interleaving order between
	// the two streams isn't preserved.
	if runErr != nil {
		t.err = sailerr.Execution("task %s failed to run: %v", t.id, runErr)
		t.SetState(Failed)
		deleteDonefile(DonefilePath(t.Package, t.TaskName))
		_, _ = io.WriteString(dest, t.err.Error())
		_ = bufWriter.Flush()
		return &Result{Duration: duration, ExitCode: -1, LogPath: logPath}, t.err
	}

	_, _ = io.WriteString(dest, resp.Stdout)
	_, _ = io.WriteString(dest, resp.Stderr)
	_ = bufWriter.Flush()

	result := &Result{Duration: duration, LogPath: logPath, ExitCode: resp.ExitCode}
	if resp.ExitCode != 0 {
		t.err = sailerr.Execution("task %s exited with code %d", t.id, resp.ExitCode)
		t.SetState(Failed)
		deleteDonefile(DonefilePath(t.Package, t.TaskName))
		return result, t.err
	}

	outputFiles, err := globby.Resolve(t.Package.Dir, t.OutputGlobs)
	if err != nil {
		return result, err
	}
	if err := store.Store(t.cacheKey, t.Package.Dir, outputFiles); err != nil {
		return result, err
	}
	if err := writeDonefile(DonefilePath(t.Package, t.TaskName), t.cacheKey); err != nil {
		return result, err
	}

	t.SetState(Succeeded)
	return result, nil
}

// subprocessEnv builds the environment passed to the task's subprocess:
// under EnvModeStrict, only the declared allowlist (plus PATH/HOME, needed
// for the shell itself to function) is forwarded; otherwise the full parent
// environment is forwarded, minus EnvDenylist.
func (t *LeafTask) subprocessEnv() []string {
	denylist := make(map[string]bool, len(EnvDenylist))
	for _, n := range EnvDenylist {
		denylist[n] = true
	}

	if t.EnvMode == EnvModeStrict {
		allow := make(map[string]bool, len(t.EnvVars)+2)
		for _, n := range t.EnvVars {
			allow[n] = true
		}
		allow["PATH"] = true
		allow["HOME"] = true
		var out []string
		for _, e := range os.Environ() {
			name := strings.SplitN(e, "=", 2)[0]
			if allow[name] && !denylist[name] {
				out = append(out, e)
			}
		}
		return out
	}

	var out []string
	for _, e := range os.Environ() {
		name := strings.SplitN(e, "=", 2)[0]
		if !denylist[name] {
			out = append(out, e)
		}
	}
	return out
}

// ReplayLog streams a previously captured log file (written by a past
// Execute call) to w, used when a cache hit substitutes for re-running the
// command (§12 per-task log capture/replay).
func ReplayLog(logPath sailpath.AbsolutePath, w io.Writer) error {
	f, err := os.Open(logPath.ToString())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return sailerr.FileSystem(err, "opening log %s for replay", logPath)
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

// GroupTask has no command; it succeeds iff every one of its Children
// succeeds. Its cache key is a stable hash of its children's cache keys; it
// writes a donefile but produces no outputs (§4.6).
type GroupTask struct {
	Base
	Children []string
	cacheKey string
}

// NewGroupTask constructs a GroupTask in state NotStarted.
func NewGroupTask(id string, children []string) *GroupTask {
	g := &GroupTask{Children: children}
	g.id = id
	return g
}

// CacheKey returns the most recently computed cache key.
func (g *GroupTask) CacheKey() string { return g.cacheKey }

// ComputeCacheKey hashes the sorted set of child cache keys.
func (g *GroupTask) ComputeCacheKey(childCacheKeys []string) string {
	sorted := append([]string(nil), childCacheKeys...)
	sort.Strings(sorted)
	h := blake3.New()
	for _, k := range sorted {
		_, _ = h.Write([]byte(k))
		_, _ = h.Write([]byte{0})
	}
	g.cacheKey = fmt.Sprintf("%x", h.Sum(nil))
	return g.cacheKey
}

// Finish marks the group task Succeeded or Failed based on whether every
// child reached a success terminal state, and writes a marker donefile
// under markerDir (named after the task id with "/" replaced by "_", plus
// ".donefile", since group tasks aren't bound to a single package directory)
// recording the computed cache key.
func (g *GroupTask) Finish(anyChildFailed bool, markerDir sailpath.AbsolutePath) error {
	if anyChildFailed {
		g.SetState(Failed)
		return nil
	}
	g.SetState(Succeeded)
	name := strings.ReplaceAll(g.id, "/", "_") + ".donefile"
	return writeDonefile(markerDir.Join(filepath.FromSlash(name)), g.cacheKey)
}
