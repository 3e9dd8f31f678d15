// Package executor implements sail's BuildExecutor (C9): drives a
// buildgraph.Graph to completion through a priority-scheduled,
// bounded-concurrency execution pass — a fixed pool of worker goroutines
// draining the ready queue in priority order, rather than one goroutine
// per ready task — propagating failure as skip to every transitive
// dependent, and producing a final reduction (Failed > Succeeded >
// UpToDate) plus run statistics.
//
// Grounded on the teacher's core.scheduler.Execute (dag.AcyclicGraph.Walk
// gated by a concurrency semaphore acquired per vertex) and
// run.RunTasks/ExecuteTask (the per-task cache-check-then-run-then-save
// sequence), adapted from a single concurrency-gated DAG walk to an
// explicit ready-queue so priority (not just DAG order) governs dispatch.
package executor

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/tylerbutler/sail/internal/buildgraph"
	"github.com/tylerbutler/sail/internal/cache"
	"github.com/tylerbutler/sail/internal/contenthash"
	"github.com/tylerbutler/sail/internal/queue"
	"github.com/tylerbutler/sail/internal/sailpath"
	"github.com/tylerbutler/sail/internal/task"
	"github.com/tylerbutler/sail/internal/workerpool"
)

// Result records one task's outcome.
type Result struct {
	TaskID   string
	State    task.State
	Err      error
	Duration time.Duration
}

// Summary is the executor's final reduction over every task in the graph
// (§4.7/§8: "Failed > Succeeded > UpToDate" precedence for the overall
// build result).
type Summary struct {
	Results map[string]Result
	Skipped []string

	// LeafInitialUpToDateCount counts leaf tasks that finished UpToDate
	// (found fresh, never executed).
	LeafInitialUpToDateCount int
	// LeafBuiltCount counts leaf tasks actually executed (run or restored
	// from the shared cache) during the execution pass.
	LeafBuiltCount int

	// Failed is true iff any task's reduction is Failed.
	Failed bool
}

// Executor drives one buildgraph.Graph to completion.
type Executor struct {
	Graph        *buildgraph.Graph
	Store        *cache.Store
	Hasher       *contenthash.Cache
	LockfileHash string
	Concurrency  int64

	// WorkerPool, if non-nil, routes every leaf task's command through it
	// (§4.6/§4.10) instead of a direct per-task subprocess spawn; a
	// retryable pool IPC failure falls back to a direct spawn
	// automatically (see workerpool.Dispatch).
	WorkerPool *workerpool.Pool

	// LogWriterFor, if set, returns an additional destination for a leaf
	// task's combined stdout/stderr, written once the command has finished
	// (e.g. a colorcache console writer); the per-task log file is always
	// written regardless.
	LogWriterFor func(taskID string) io.Writer

	mu             sync.Mutex
	results        map[string]Result
	pending        map[string]int
	dependents     map[string][]string
	hardDependents map[string][]string
	decided        map[string]bool
	remaining      int
}

// New builds an Executor for graph. concurrency below 1 is treated as 1.
// pool may be nil, in which case leaf tasks are always direct-spawned.
func New(graph *buildgraph.Graph, store *cache.Store, hasher *contenthash.Cache, lockfileHash string, concurrency int64, pool *workerpool.Pool) *Executor {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Executor{
		Graph:        graph,
		Store:        store,
		Hasher:       hasher,
		LockfileHash: lockfileHash,
		Concurrency:  concurrency,
		WorkerPool:   pool,
	}
}

// Execute runs the graph to completion and returns the final Summary. The
// returned error is always nil: individual task failures are reported
// through the Summary, not as a returned error, so callers always get a
// full accounting.
func (e *Executor) Execute(ctx context.Context) (*Summary, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	q := queue.New()
	e.results = make(map[string]Result, len(e.Graph.Tasks))
	e.pending = make(map[string]int, len(e.Graph.Tasks))
	e.dependents = make(map[string][]string, len(e.Graph.Tasks))
	e.hardDependents = make(map[string][]string, len(e.Graph.Tasks))
	e.decided = make(map[string]bool, len(e.Graph.Tasks))
	e.remaining = len(e.Graph.Tasks)

	for id := range e.Graph.Tasks {
		deps := e.Graph.DownEdges(id)
		e.pending[id] = len(deps)
		for _, dep := range deps {
			e.dependents[dep] = append(e.dependents[dep], id)
		}
		for _, dep := range e.Graph.HardDownEdges(id) {
			e.hardDependents[dep] = append(e.hardDependents[dep], id)
		}
	}

	markDecided := func(taskID string) bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.decided[taskID] {
			return false
		}
		e.decided[taskID] = true
		return true
	}

	// taskFinished decrements the outstanding-task counter and, once every
	// task in the graph has reached a terminal state, closes the ready
	// queue so workers blocked in PopWait with nothing left return and
	// exit their loop.
	taskFinished := func() {
		e.mu.Lock()
		e.remaining--
		done := e.remaining == 0
		e.mu.Unlock()
		if done {
			q.Close()
		}
	}

	var completeDependents func(taskID string, success bool)
	var skipRecursively func(taskID string)

	// advanceWeakDependents decrements the pending count of every task that
	// named taskID in any edge (hard or weak), and pushes any that become
	// ready onto the queue. Called regardless of taskID's own outcome: an
	// ordering-only (before/after) edge is satisfied by a predecessor
	// reaching ANY terminal state, success or not (§4.3).
	advanceWeakDependents := func(taskID string) {
		e.mu.Lock()
		allDeps := append([]string(nil), e.dependents[taskID]...)
		e.mu.Unlock()

		for _, dep := range allDeps {
			e.mu.Lock()
			if e.decided[dep] {
				e.mu.Unlock()
				continue
			}
			e.pending[dep]--
			ready := e.pending[dep] == 0
			e.mu.Unlock()
			if ready && markDecided(dep) {
				q.Push(dep, e.Graph.Priority[dep])
			}
		}
	}

	// finishSkipped records taskID as Skipped and cascades to its hard
	// dependents, assuming the caller has already won taskID's claim via
	// markDecided. Ordering-only (weak) dependents still advance: a
	// skipped predecessor satisfies a before/after edge just like a
	// completed one (§4.3).
	finishSkipped := func(taskID string) {
		q.MarkSkipped(taskID)
		e.mu.Lock()
		e.results[taskID] = Result{TaskID: taskID, State: task.Skipped}
		hardDeps := e.hardDependents[taskID]
		e.mu.Unlock()
		for _, dep := range hardDeps {
			skipRecursively(dep)
		}
		advanceWeakDependents(taskID)
		taskFinished()
	}

	// skipRecursively claims taskID (if not already claimed by a
	// concurrent path) and marks it Skipped, cascading only through hard
	// edges: a task that merely ordered itself before/after a now-skipped
	// task is unaffected (§4.3).
	skipRecursively = func(taskID string) {
		if !markDecided(taskID) {
			return
		}
		finishSkipped(taskID)
	}

	completeDependents = func(taskID string, success bool) {
		e.mu.Lock()
		hardDeps := append([]string(nil), e.hardDependents[taskID]...)
		e.mu.Unlock()

		if !success {
			for _, dep := range hardDeps {
				skipRecursively(dep)
			}
		}
		advanceWeakDependents(taskID)
	}

	// worker repeatedly pops the highest-priority ready task id and runs it
	// to completion. Running a fixed pool of these, rather than spawning
	// one goroutine per ready task, is what makes the priority heap govern
	// dispatch order instead of arbitrary goroutine/semaphore scheduling.
	worker := func() {
		for {
			taskID, ok := q.PopWait()
			if !ok {
				return
			}

			// taskID is already claimed (the initial zero-pending seed or
			// advanceWeakDependents marks it decided before pushing), so
			// an abort is handled as an already-owned skip, not a fresh
			// claim attempt.
			if q.Aborted() {
				finishSkipped(taskID)
				continue
			}

			result := e.runOne(ctx, taskID)
			e.mu.Lock()
			e.results[taskID] = result
			e.mu.Unlock()

			success := result.State.IsSuccessTerminal()
			if !success {
				q.Abort()
			}
			completeDependents(taskID, success)
			taskFinished()
		}
	}

	workerCount := e.Concurrency
	if total := int64(len(e.Graph.Tasks)); total > 0 && workerCount > total {
		workerCount = total
	}
	var wg sync.WaitGroup
	wg.Add(int(workerCount))
	for i := int64(0); i < workerCount; i++ {
		go func() {
			defer wg.Done()
			worker()
		}()
	}

	for id, p := range e.pending {
		if p == 0 {
			markDecided(id)
			q.Push(id, e.Graph.Priority[id])
		}
	}
	if len(e.Graph.Tasks) == 0 {
		q.Close()
	}

	// A caller-canceled ctx must still wake every worker blocked in
	// PopWait, since outstanding tasks otherwise never reach a terminal
	// state on their own.
	go func() {
		<-ctx.Done()
		q.Abort()
		q.Close()
	}()

	wg.Wait()

	return e.summarize(q), nil
}

func (e *Executor) summarize(q *queue.Queue) *Summary {
	e.mu.Lock()
	defer e.mu.Unlock()

	summary := &Summary{Results: e.results, Skipped: q.Skipped()}
	for id, r := range e.results {
		if r.State == task.Failed {
			summary.Failed = true
		}
		if _, isLeaf := e.Graph.Tasks[id].(*task.LeafTask); !isLeaf {
			continue
		}
		switch r.State {
		case task.Succeeded, task.CacheRestored:
			summary.LeafBuiltCount++
		case task.UpToDate:
			summary.LeafInitialUpToDateCount++
		}
	}
	return summary
}

// runOne runs a single task to completion: freshness check, cache restore,
// or execution, for a LeafTask; child-success reduction for a GroupTask.
func (e *Executor) runOne(ctx context.Context, taskID string) Result {
	start := time.Now()
	node := e.Graph.Tasks[taskID]

	switch t := node.(type) {
	case *task.GroupTask:
		return e.runGroup(t, start)
	case *task.LeafTask:
		return e.runLeaf(ctx, t, start)
	default:
		return Result{TaskID: taskID, State: task.Failed, Duration: time.Since(start)}
	}
}

func (e *Executor) runGroup(t *task.GroupTask, start time.Time) Result {
	var childKeys []string
	anyFailed := false
	e.mu.Lock()
	for _, child := range t.Children {
		r := e.results[child]
		if !r.State.IsSuccessTerminal() {
			anyFailed = true
		}
	}
	e.mu.Unlock()
	for _, child := range t.Children {
		if lt, ok := e.Graph.Tasks[child].(*task.LeafTask); ok {
			childKeys = append(childKeys, lt.CacheKey())
		}
		if gt, ok := e.Graph.Tasks[child].(*task.GroupTask); ok {
			childKeys = append(childKeys, gt.CacheKey())
		}
	}
	t.ComputeCacheKey(childKeys)

	var markerDir = groupMarkerDir(e.Graph, t)
	_ = t.Finish(anyFailed, markerDir)

	return Result{TaskID: t.ID(), State: t.GetState(), Duration: time.Since(start)}
}

// groupMarkerDir picks a stable directory to record a group task's donefile
// marker: the directory of its first child leaf task, falling back to "."
// if the group has no leaf descendants.
func groupMarkerDir(g *buildgraph.Graph, t *task.GroupTask) sailpath.AbsolutePath {
	for _, child := range t.Children {
		if lt, ok := g.Tasks[child].(*task.LeafTask); ok {
			return lt.Package.Dir
		}
	}
	return sailpath.AbsolutePathFromUpstream(".")
}

func (e *Executor) runLeaf(ctx context.Context, t *task.LeafTask, start time.Time) Result {
	var upstream []string
	for _, dep := range e.Graph.HardDownEdges(t.ID()) {
		if lt, ok := e.Graph.Tasks[dep].(*task.LeafTask); ok {
			upstream = append(upstream, lt.CacheKey())
		}
		if gt, ok := e.Graph.Tasks[dep].(*task.GroupTask); ok {
			upstream = append(upstream, gt.CacheKey())
		}
	}

	if _, err := t.ComputeCacheKey(e.Hasher, e.LockfileHash, upstream); err != nil {
		t.SetState(task.Failed)
		return Result{TaskID: t.ID(), State: task.Failed, Err: err, Duration: time.Since(start)}
	}

	var logWriter io.Writer
	if e.LogWriterFor != nil {
		logWriter = e.LogWriterFor(t.ID())
	}

	if upToDate, err := t.IsUpToDate(e.Store); err == nil && upToDate {
		t.SetState(task.UpToDate)
		if logWriter != nil {
			_ = task.ReplayLog(task.LogPath(t.Package, t.TaskName, ""), logWriter)
		}
		return Result{TaskID: t.ID(), State: task.UpToDate, Duration: time.Since(start)}
	}

	if manifest, err := e.Store.Lookup(t.CacheKey()); err == nil && manifest != nil {
		if err := t.RestoreFromCache(e.Store); err == nil {
			t.SetState(task.CacheRestored)
			if logWriter != nil {
				_ = task.ReplayLog(task.LogPath(t.Package, t.TaskName, ""), logWriter)
			}
			return Result{TaskID: t.ID(), State: task.CacheRestored, Duration: time.Since(start)}
		}
	}

	_, err := t.Execute(ctx, e.Store, task.ExecuteOptions{LogWriter: logWriter, Pool: e.WorkerPool})
	return Result{TaskID: t.ID(), State: t.GetState(), Err: err, Duration: time.Since(start)}
}
