// Package subprocpool implements the bounded concurrent external-process
// runner from spec.md §4.13: callers put a SubProcContext on the pool, a
// fixed-size worker group runs the command, and the result is delivered back
// through a channel the scheduler drains on its own goroutine -- the single
// point at which callback bodies are allowed to touch engine state (spec.md
// §5 "Scheduling model"). Grounded on the teacher
// (mattcburns-shoal-provision)'s internal/worker (fixed-N-goroutine pool
// consuming a buffered job channel, reporting completion on a results
// channel) from ChuLiYu-raft-recovery, adapted from generic job execution to
// os/exec child-process management with captured output and cancellation.
package subprocpool

import (
	"bytes"
	"context"
	"os/exec"
	"sync"
)

// StopCode is the special return code meaning the process was cancelled
// because the scheduler is shutting down (spec.md §4.13 SUITE_STOPPING).
const StopCode = -999

// Context bears everything one external-process invocation needs, mirroring
// spec.md's SubProcContext: cmd_key, cmd, env, stdin, id_keys.
type Context struct {
	CmdKey   string // identifies the kind of command, e.g. "job-submit"
	Cmd      []string
	Env      []string
	StdinStr string
	IDKeys   []string // (name, point[, submit_num]) keys this invocation covers
}

// Result is delivered to the callback once the process exits (or is
// cancelled).
type Result struct {
	Ctx      Context
	Stdout   string
	Stderr   string
	ExitCode int
	Err      error
}

// Callback is never invoked by the pool's workers: each result's callback
// is queued on Results() and runs in whichever goroutine receives it there
// or calls Drain -- the scheduler's main loop, never concurrently with
// other engine-state mutation.
type Callback func(Result)

type job struct {
	ctx Context
	cb  Callback
}

// Pool is a bounded pool of worker goroutines running external processes.
type Pool struct {
	jobs    chan job
	results chan func()
	wg      sync.WaitGroup

	mu       sync.Mutex
	stopping bool
}

// New starts a Pool with the given worker concurrency.
func New(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{
		jobs:    make(chan job, workers*4),
		results: make(chan func(), workers*4),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.runWorker()
	}
	return p
}

// Put enqueues a command for execution. It is a no-op once the pool is
// stopping (spec.md: "the scheduler stops enqueueing new work once
// stopping").
func (p *Pool) Put(ctx context.Context, sc Context, cb Callback) {
	p.mu.Lock()
	stopping := p.stopping
	p.mu.Unlock()
	if stopping {
		return
	}
	select {
	case p.jobs <- job{ctx: sc, cb: cb}:
	case <-ctx.Done():
	}
}

// Stopping marks the pool as shutting down; subsequent Put calls are
// dropped.
func (p *Pool) Stopping() {
	p.mu.Lock()
	p.stopping = true
	p.mu.Unlock()
}

func (p *Pool) isStopping() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopping
}

func (p *Pool) runWorker() {
	defer p.wg.Done()
	for j := range p.jobs {
		if p.isStopping() {
			res := Result{Ctx: j.ctx, ExitCode: StopCode}
			p.deliver(j.cb, res)
			continue
		}
		res := p.exec(j.ctx)
		p.deliver(j.cb, res)
	}
}

func (p *Pool) exec(sc Context) Result {
	if len(sc.Cmd) == 0 {
		return Result{Ctx: sc, ExitCode: -1, Err: errEmptyCommand}
	}
	cmd := exec.Command(sc.Cmd[0], sc.Cmd[1:]...)
	if len(sc.Env) > 0 {
		cmd.Env = sc.Env
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if sc.StdinStr != "" {
		cmd.Stdin = bytes.NewBufferString(sc.StdinStr)
	}
	err := cmd.Run()
	code := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		code = exitErr.ExitCode()
		err = nil
	} else if err != nil {
		code = -1
	}
	return Result{Ctx: sc, Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: code, Err: err}
}

// deliver queues the callback invocation for the scheduler's delivery
// goroutine; it never calls cb directly from the worker goroutine.
func (p *Pool) deliver(cb Callback, res Result) {
	if cb == nil {
		return
	}
	p.results <- func() { cb(res) }
}

// Results returns the channel the scheduler drains each tick; each received
// func must be invoked synchronously on the main loop (spec.md §4.13
// "invoked on the scheduler thread").
func (p *Pool) Results() <-chan func() { return p.results }

// Drain invokes every currently-queued result callback without blocking,
// returning how many ran. This is what the scheduler's tick step 2 ("drain
// inbound message queue from SubProcPool callbacks") calls.
func (p *Pool) Drain() int {
	n := 0
	for {
		select {
		case fn := <-p.results:
			fn()
			n++
		default:
			return n
		}
	}
}

// Close stops accepting new work and waits for in-flight workers to finish.
func (p *Pool) Close() {
	p.Stopping()
	close(p.jobs)
	p.wg.Wait()
	close(p.results)
}

type poolError string

func (e poolError) Error() string { return string(e) }

const errEmptyCommand = poolError("subprocpool: empty command")
