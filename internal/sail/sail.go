// Package sail composes the components of C1-C11 into a single
// BuildContext: workspace discovery, configuration loading, the task
// registry, the content-hash cache, the shared cache store, the optional
// worker pool, and logging, so that cmd/sail stays a thin flag-parsing
// layer over one entry point.
//
// Grounded on the teacher's context.Context (the process-wide struct a
// turbo run builds once at startup and threads through every command:
// package graph, lockfile, logger, UI) generalized from a single
// hard-coded assembly into an explicit BuildContext value a caller
// constructs with Options, so tests can build a fresh, isolated context per
// scenario instead of relying on package-level state.
package sail

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"

	"github.com/hashicorp/go-hclog"
	"github.com/karrick/godirwalk"

	"github.com/tylerbutler/sail/internal/buildgraph"
	"github.com/tylerbutler/sail/internal/cache"
	"github.com/tylerbutler/sail/internal/config"
	"github.com/tylerbutler/sail/internal/contenthash"
	"github.com/tylerbutler/sail/internal/depgraph"
	"github.com/tylerbutler/sail/internal/executor"
	"github.com/tylerbutler/sail/internal/pkgmanager"
	"github.com/tylerbutler/sail/internal/registry"
	"github.com/tylerbutler/sail/internal/sailerr"
	"github.com/tylerbutler/sail/internal/sailpath"
	"github.com/tylerbutler/sail/internal/taskdef"
	"github.com/tylerbutler/sail/internal/workerpool"
	"github.com/tylerbutler/sail/internal/workspace"
)

// skipDirNames are never descended into while discovering workspace
// packages: dependency trees and VCS metadata are never themselves package
// roots, and the cache directory must not be mistaken for one.
var skipDirNames = map[string]bool{
	"node_modules": true,
	".git":         true,
	".sail-cache":  true,
}

// configFileName is the workspace-root configuration document sail reads,
// per §6.
const configFileName = "sail.config.json"

// lockfileName is the only package-manager lockfile shape the filesystem
// workspace adapter recognizes; concrete per-package-manager lockfile
// discovery is an out-of-scope collaborator concern (§1), same as the rest
// of workspace.FilesystemAdapter.
const lockfileName = "sail.lock"

// Options configures a BuildContext.
type Options struct {
	// RootDir is the workspace root: the directory walked for member
	// packages and the location of sail.config.json / sail.lock.
	RootDir string
	// CacheDir holds the persisted file-hash memo and the shared cache
	// store's entries. Defaults to $SAIL_CACHE_DIR if set, else
	// RootDir/.sail-cache.
	CacheDir string
	// Concurrency bounds simultaneous task execution; 0 defaults to the
	// number of logical CPUs (§4.9).
	Concurrency int64
	// EnableWorkerPool, when true, routes leaf task execution through a
	// workerpool.Pool sized to Concurrency instead of a direct spawn per
	// task (§4.10).
	EnableWorkerPool bool
	// PackageManager is the install-check/install boundary collaborator
	// (§6); defaults to pkgmanager.NoopManager.
	PackageManager pkgmanager.Manager
	// Logger receives structured diagnostics; defaults to a logger named
	// "sail" at hclog.Info level.
	Logger hclog.Logger
}

// BuildContext owns every long-lived component a build run needs, built
// once and reused across however many Build calls a CLI invocation makes
// (e.g. build followed by a second filtered build in the same process).
type BuildContext struct {
	Root         sailpath.AbsolutePath
	Workspace    *workspace.Workspace
	ConfigDoc    *config.Document
	Registry     *registry.Registry
	Hasher       *contenthash.Cache
	Store        *cache.Store
	PackageMgr   pkgmanager.Manager
	WorkerPool   *workerpool.Pool
	Colors       *ColorCache
	Logger       hclog.Logger
	Concurrency  int64

	cacheDir     sailpath.AbsolutePath
	hashFilePath sailpath.AbsolutePath
}

// NewBuildContext discovers the workspace rooted at opts.RootDir, loads its
// configuration document, wires the well-known task registry, and opens the
// persisted file-hash cache and shared cache store.
func NewBuildContext(opts Options) (*BuildContext, error) {
	if opts.RootDir == "" {
		return nil, sailerr.Configuration("RootDir is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = hclog.New(&hclog.LoggerOptions{Name: "sail", Level: hclog.Info})
	}
	pm := opts.PackageManager
	if pm == nil {
		pm = pkgmanager.NoopManager{}
	}
	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = int64(defaultConcurrency())
	}

	root := sailpath.AbsolutePathFromUpstream(opts.RootDir)
	cacheDir := opts.CacheDir
	if cacheDir == "" {
		cacheDir = os.Getenv("SAIL_CACHE_DIR")
	}
	if cacheDir == "" {
		cacheDir = filepath.Join(opts.RootDir, ".sail-cache")
	}
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, sailerr.FileSystem(err, "creating cache directory %s", cacheDir)
	}
	cacheDirPath := sailpath.AbsolutePathFromUpstream(cacheDir)
	hashFilePath := cacheDirPath.Join("file-hashes.json")

	hasher, err := contenthash.Load(hashFilePath)
	if err != nil {
		return nil, err
	}

	packageDirs, err := discoverPackageDirs(opts.RootDir)
	if err != nil {
		return nil, err
	}

	lockfilePath := sailpath.AbsolutePathFromUpstream(filepath.Join(opts.RootDir, lockfileName))
	if _, statErr := os.Stat(lockfilePath.ToString()); statErr != nil {
		lockfilePath = "" // no lockfile present: LockfileHash stays empty
	}
	adapter := workspace.NewFilesystemAdapter(packageDirs, lockfilePath, hasher.Hash)
	ws, err := adapter.Discover(root)
	if err != nil {
		return nil, err
	}

	doc, err := loadConfigDocument(opts.RootDir)
	if err != nil {
		return nil, err
	}

	reg := defaultRegistry()
	for prefix, defaults := range doc.DeclarativeTasks {
		reg.Register(registry.Factory{
			Prefix:             prefix,
			DefaultInputGlobs:  defaults.InputGlobs,
			DefaultOutputGlobs: defaults.OutputGlobs,
		})
	}

	store := cache.New(cacheDirPath, hasher.Hash)
	store.SkipWrite = os.Getenv("SAIL_SKIP_CACHE_WRITE") == "1"
	store.VerifyIntegrity = os.Getenv("SAIL_CACHE_VERIFY") == "1"

	bc := &BuildContext{
		Root:         root,
		Workspace:    ws,
		ConfigDoc:    doc,
		Registry:     reg,
		Hasher:       hasher,
		Store:        store,
		PackageMgr:   pm,
		Colors:       NewColorCache(),
		Logger:       logger,
		Concurrency:  concurrency,
		cacheDir:     cacheDirPath,
		hashFilePath: hashFilePath,
	}

	if opts.EnableWorkerPool {
		bc.WorkerPool = workerpool.New(int(concurrency), 64, 512<<20, defaultWorkerSpawn(), logger)
	}

	return bc, nil
}

// defaultRegistry seeds the TaskRegistry with the well-known tool factories
// named in the component contract (§4.2: "e.g. tsc, biome"), so a task
// definition that declares no explicit globs still gets sensible caching
// behavior out of the box.
func defaultRegistry() *registry.Registry {
	reg := registry.New()
	reg.Register(registry.Factory{
		Prefix:             "tsc",
		DefaultInputGlobs:  []string{"src/**/*.ts", "src/**/*.tsx", "tsconfig.json"},
		DefaultOutputGlobs: []string{"dist/**"},
	})
	reg.Register(registry.Factory{
		Prefix:             "biome",
		DefaultInputGlobs:  []string{"src/**/*", "biome.json"},
		DefaultOutputGlobs: nil,
	})
	reg.Register(registry.Factory{
		Prefix:             "eslint",
		DefaultInputGlobs:  []string{"src/**/*", ".eslintrc*"},
		DefaultOutputGlobs: nil,
	})
	reg.Register(registry.Factory{
		Prefix:             "jest",
		DefaultInputGlobs:  []string{"src/**/*", "test/**/*", "jest.config*"},
		DefaultOutputGlobs: []string{"coverage/**"},
	})
	return reg
}

// discoverPackageDirs walks root for every directory containing a
// package.json, skipping dependency/VCS/cache directories, per §6's
// "caller supplies the package directory list" boundary — this is the
// generic filesystem walk a concrete package-manager adapter would
// otherwise replace with workspace-glob parsing.
func discoverPackageDirs(root string) ([]sailpath.AbsolutePath, error) {
	var dirs []sailpath.AbsolutePath
	err := godirwalk.Walk(root, &godirwalk.Options{
		Unsorted: true,
		Callback: func(path string, de *godirwalk.Dirent) error {
			if de.IsDir() && skipDirNames[filepath.Base(path)] {
				return filepath.SkipDir
			}
			if !de.IsDir() && filepath.Base(path) == "package.json" {
				dirs = append(dirs, sailpath.AbsolutePathFromUpstream(filepath.Dir(path)))
			}
			return nil
		},
		ErrorCallback: func(_ string, err error) godirwalk.ErrorAction {
			return godirwalk.SkipNode
		},
	})
	if err != nil {
		return nil, sailerr.FileSystem(err, "walking workspace root %s", root)
	}
	sort.Slice(dirs, func(i, j int) bool { return dirs[i] < dirs[j] })
	return dirs, nil
}

// loadConfigDocument reads sail.config.json from root. A missing file is
// not an error: it resolves to an empty, version-1 document so a workspace
// with no declared tasks still discovers and reports packages.
func loadConfigDocument(root string) (*config.Document, error) {
	path := filepath.Join(root, configFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &config.Document{Version: config.SupportedVersion, Tasks: map[string]workspace.RawTaskDefinition{}}, nil
		}
		return nil, sailerr.FileSystem(err, "reading %s", path)
	}
	return config.Parse(data)
}

// BuildResult is the outcome of one Build call: the executor's summary plus
// any non-fatal warnings surfaced during task-definition resolution and
// graph construction (dropped weak edges, skipped scriptless tasks).
type BuildResult struct {
	Summary  *executor.Summary
	Warnings []string
}

// Build resolves taskNames across every (filtered) package, constructs the
// task graph, and drives it to completion. filter restricts which packages
// participate (§4.4); an empty filter selects the whole workspace.
func (bc *BuildContext) Build(ctx context.Context, taskNames []string, filter depgraph.Filter) (*BuildResult, error) {
	dg, err := depgraph.Resolve(bc.Workspace, filter)
	if err != nil {
		return nil, err
	}

	resolver := taskdef.New(bc.Workspace, bc.ConfigDoc)
	resolved, resolveWarnings, err := resolver.Resolve(taskNames)
	if err != nil {
		return nil, err
	}

	var entryPoints []string
	for pkgName := range dg.Packages {
		for _, taskName := range taskNames {
			entryPoints = append(entryPoints, taskdef.TaskID(pkgName, taskName))
		}
	}

	graph, buildWarnings, err := buildgraph.New(resolved, entryPoints, bc.Workspace, dg, bc.Registry)
	if err != nil {
		return nil, err
	}

	exec := executor.New(graph, bc.Store, bc.Hasher, bc.Workspace.LockfileHash, bc.Concurrency, bc.WorkerPool)
	summary, err := exec.Execute(ctx)
	if err != nil {
		return nil, err
	}

	warnings := append(append([]string(nil), resolveWarnings...), buildWarnings...)
	for _, w := range warnings {
		bc.Logger.Warn(w)
	}

	return &BuildResult{Summary: summary, Warnings: warnings}, nil
}

// Shutdown persists the file-hash cache to disk. Callers should invoke it
// once at the end of a CLI invocation (successful or not) so the next run
// benefits from this run's hashing work.
func (bc *BuildContext) Shutdown() error {
	if err := bc.Hasher.Persist(bc.hashFilePath); err != nil {
		return err
	}
	return bc.Store.Shutdown()
}

func defaultConcurrency() int {
	n := runtime.NumCPU()
	if n < 1 {
		return 1
	}
	return n
}

// WorkerModeFlag is the hidden argument that re-invokes the sail binary as
// a worker-pool subprocess instead of the normal CLI. cmd/sail checks for
// it before cobra parses any flags; see RunWorkerLoopIfRequested.
const WorkerModeFlag = "--sail-internal-worker-mode"

// RunWorkerLoopIfRequested drives the worker-side protocol loop over
// stdin/stdout and returns true if args named WorkerModeFlag as argv[1];
// the caller should os.Exit immediately afterward. Returns false (a no-op)
// for an ordinary CLI invocation.
func RunWorkerLoopIfRequested(ctx context.Context, args []string, logger hclog.Logger) bool {
	if len(args) < 2 || args[1] != WorkerModeFlag {
		return false
	}
	if err := workerpool.RunLoop(ctx, os.Stdin, os.Stdout, logger); err != nil {
		logger.Error("worker loop exited with error", "err", err)
	}
	return true
}

// defaultWorkerSpawn re-invokes the running sail binary with WorkerModeFlag
// as its worker-pool transport: the production binary is its own worker,
// so there's no second binary to build, ship, or keep in version lockstep.
func defaultWorkerSpawn() workerpool.Spawn {
	return workerpool.DefaultSpawn(func() (*exec.Cmd, error) {
		self, err := os.Executable()
		if err != nil {
			return nil, err
		}
		return exec.Command(self, WorkerModeFlag), nil
	})
}
