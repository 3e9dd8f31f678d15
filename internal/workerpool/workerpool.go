// Package workerpool implements sail's optional WorkerPool (C10): a bounded
// pool of long-lived subprocesses that accept {command, args, cwd, env}
// requests over a line-delimited JSON stdio protocol and return
// {exitCode, stdout, stderr, durationMs}, avoiding the per-task process
// startup cost of heavy compilers. Workers are recycled after a configured
// number of tasks or bytes of captured output; an IPC failure is reported as
// a retryable error so the caller can fall back to a direct spawn.
//
// Grounded on the teacher's process.Child (a wrapper around *exec.Cmd
// managing start/signal/kill lifecycle, based on hashicorp/consul-template's
// child package): the transport here reuses that same "own the exec.Cmd,
// wire its pipes, wait on a background goroutine" shape, generalized from a
// one-shot supervised command to a request/reply channel multiplexed over
// many tasks before the process is recycled.
package workerpool

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/semaphore"

	"github.com/tylerbutler/sail/internal/sailerr"
)

// Request is one unit of work sent to a worker.
type Request struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
	Cwd     string   `json:"cwd"`
	Env     []string `json:"env"`
}

// Response is a worker's reply to a Request.
type Response struct {
	ExitCode   int    `json:"exitCode"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMs int64  `json:"durationMs"`
}

// transport is the IPC boundary a Pool talks through. stdioTransport is the
// production implementation; tests substitute an in-memory fake so the
// recycling and fallback logic can be exercised without spawning a real
// subprocess.
type transport interface {
	Send(Request) error
	Receive() (Response, error)
	Close() error
}

// Spawn constructs the next worker's transport. DefaultSpawn builds the
// production stdio transport around cmdFactory; tests provide a fake.
type Spawn func() (transport, error)

// DefaultSpawn returns a Spawn that starts cmdFactory's command and speaks
// the line-delimited JSON protocol over its stdin/stdout.
func DefaultSpawn(cmdFactory func() (*exec.Cmd, error)) Spawn {
	return func() (transport, error) {
		cmd, err := cmdFactory()
		if err != nil {
			return nil, err
		}
		return newStdioTransport(cmd)
	}
}

// stdioTransport owns a worker subprocess and its stdio pipes.
type stdioTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Scanner
}

func newStdioTransport(cmd *exec.Cmd) (*stdioTransport, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &stdioTransport{cmd: cmd, stdin: stdin, stdout: scanner}, nil
}

func (s *stdioTransport) Send(req Request) error {
	line, err := json.Marshal(req)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	_, err = s.stdin.Write(line)
	return err
}

func (s *stdioTransport) Receive() (Response, error) {
	if !s.stdout.Scan() {
		if err := s.stdout.Err(); err != nil {
			return Response{}, err
		}
		return Response{}, io.ErrUnexpectedEOF
	}
	var resp Response
	if err := json.Unmarshal(s.stdout.Bytes(), &resp); err != nil {
		return Response{}, err
	}
	return resp, nil
}

func (s *stdioTransport) Close() error {
	_ = s.stdin.Close()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	return s.cmd.Wait()
}

// worker pairs a transport with its recycling counters.
type worker struct {
	conn         transport
	tasksHandled int
	bytesHandled int64
}

func (w *worker) exceedsLimits(maxTasks int, maxBytes int64) bool {
	if maxTasks > 0 && w.tasksHandled >= maxTasks {
		return true
	}
	if maxBytes > 0 && w.bytesHandled >= maxBytes {
		return true
	}
	return false
}

// Pool is a bounded set of recyclable workers. Safe for concurrent Execute
// calls from multiple goroutines.
type Pool struct {
	spawn    Spawn
	sem      *semaphore.Weighted
	maxTasks int
	maxBytes int64
	logger   hclog.Logger

	mu   sync.Mutex
	idle []*worker
}

// New returns a Pool of at most size concurrently live workers. A worker is
// recycled (closed and replaced on its next use) after maxTasks requests or
// maxBytes of combined stdout+stderr, whichever comes first; a zero value
// disables that limit.
func New(size int, maxTasks int, maxBytes int64, spawn Spawn, logger hclog.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Pool{
		spawn:    spawn,
		sem:      semaphore.NewWeighted(int64(size)),
		maxTasks: maxTasks,
		maxBytes: maxBytes,
		logger:   logger.Named("workerpool"),
	}
}

// Execute dispatches req to an idle worker, spawning one if none is idle,
// and blocks until the worker replies or ctx is canceled. A transport-level
// failure (the worker process died, or its reply couldn't be decoded) is
// returned as a retryable *sailerr.SailError: the caller is expected to fall
// back to a direct spawn of the same command, per the worker's documented
// IPC-failure policy.
func (p *Pool) Execute(ctx context.Context, req Request) (*Response, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.sem.Release(1)

	w, err := p.checkout()
	if err != nil {
		return nil, sailerr.Worker(err, "spawning worker for %s", req.Command)
	}

	type result struct {
		resp Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		if err := w.conn.Send(req); err != nil {
			done <- result{err: err}
			return
		}
		resp, err := w.conn.Receive()
		done <- result{resp: resp, err: err}
	}()

	select {
	case <-ctx.Done():
		_ = w.conn.Close()
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			_ = w.conn.Close()
			return nil, sailerr.Worker(r.err, "worker IPC failure running %s", req.Command)
		}
		w.tasksHandled++
		w.bytesHandled += int64(len(r.resp.Stdout) + len(r.resp.Stderr))
		p.checkin(w)
		resp := r.resp
		return &resp, nil
	}
}

func (p *Pool) checkout() (*worker, error) {
	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		w := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return w, nil
	}
	p.mu.Unlock()

	conn, err := p.spawn()
	if err != nil {
		return nil, err
	}
	return &worker{conn: conn}, nil
}

func (p *Pool) checkin(w *worker) {
	if w.exceedsLimits(p.maxTasks, p.maxBytes) {
		p.logger.Debug("recycling worker", "tasksHandled", w.tasksHandled, "bytesHandled", w.bytesHandled)
		_ = w.conn.Close()
		return
	}
	p.mu.Lock()
	p.idle = append(p.idle, w)
	p.mu.Unlock()
}

// Close shuts down every idle worker. In-flight Execute calls are left to
// finish on their own.
func (p *Pool) Close() error {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	var firstErr error
	for _, w := range idle {
		if err := w.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DirectSpawn runs req as a one-shot subprocess, bypassing the pool
// entirely. Dispatch uses it as the fallback when Execute reports a
// retryable IPC failure.
func DirectSpawn(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", req.Command)
	if len(req.Args) > 0 {
		cmd = exec.CommandContext(ctx, req.Command, req.Args...)
	}
	cmd.Dir = req.Cwd
	cmd.Env = req.Env

	var stdout, stderr stringBuffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("direct spawn of %q: %w", req.Command, runErr)
		}
	}

	return &Response{
		ExitCode:   exitCode,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}

// Dispatch tries the pool first and falls back to DirectSpawn exactly once
// when the pool reports a retryable IPC failure (§4.10's documented policy).
// Any other error from the pool, or any error from the fallback itself, is
// returned as-is.
func Dispatch(ctx context.Context, pool *Pool, req Request) (*Response, error) {
	if pool == nil {
		return DirectSpawn(ctx, req)
	}

	resp, err := pool.Execute(ctx, req)
	if err == nil {
		return resp, nil
	}
	if se, ok := sailerr.As(err); ok && se.IsRetryable() {
		return DirectSpawn(ctx, req)
	}
	return nil, err
}

// stringBuffer is a minimal io.Writer sink; avoids pulling in bytes.Buffer's
// wider API for a write-only accumulator.
type stringBuffer struct {
	b []byte
}

func (s *stringBuffer) Write(p []byte) (int, error) {
	s.b = append(s.b, p...)
	return len(p), nil
}

func (s *stringBuffer) String() string { return string(s.b) }

// RunLoop is the worker-side half of the protocol: it reads newline-delimited
// Request JSON from in, executes each via DirectSpawn, and writes the
// resulting Response JSON to out. It runs until in reaches EOF or a read
// error occurs. The sail binary's hidden worker-mode entrypoint calls this
// directly so the pool's production transport and its subprocess are the
// same executable re-invoked, with no second binary to build or ship.
func RunLoop(ctx context.Context, in io.Reader, out io.Writer, logger hclog.Logger) error {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	enc := json.NewEncoder(out)

	for scanner.Scan() {
		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			logger.Warn("malformed request, skipping", "err", err)
			continue
		}
		resp, err := DirectSpawn(ctx, req)
		if err != nil {
			resp = &Response{ExitCode: -1, Stderr: err.Error()}
		}
		if err := enc.Encode(resp); err != nil {
			return err
		}
	}
	return scanner.Err()
}
