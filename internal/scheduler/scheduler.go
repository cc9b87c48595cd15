// Package scheduler implements the single-threaded cooperative main loop
// described in spec.md §4.14 and §5: each tick drains commands and inbound
// messages, evaluates xtriggers, matches dependencies, spawns/suicides,
// releases runahead and ready tasks, dispatches/polls jobs, processes event
// timers, flushes persistence deltas, and checks for stall/shutdown.
//
// Grounded on the teacher (mattcburns-shoal-provision)'s
// internal/provisioner/jobs/worker.go Run(ctx) ticker loop -- "for { select
// ctx.Done / ticker.C: process one batch of work } " -- generalized from a
// single job queue to the full ordered tick sequence spec.md names, with
// every external side effect still routed through internal/subprocpool so
// state mutation stays confined to this goroutine (spec.md §5 "engine
// state is never touched from worker threads").
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"cylcd/internal/broadcast"
	"cylcd/internal/cyclepoint"
	"cylcd/internal/events"
	"cylcd/internal/jobmanager"
	"cylcd/internal/metrics"
	"cylcd/internal/store"
	"cylcd/internal/subprocpool"
	"cylcd/internal/taskpool"
	"cylcd/internal/taskproxy"
	"cylcd/internal/xtrigger"
	"cylcd/pkg/cylcid"
)

// StopMode distinguishes how a shutdown request should be carried out
// (spec.md §5 "Cancellation").
type StopMode int

const (
	StopNone StopMode = iota
	StopCleanly         // let in-flight work finish
	StopNowNow          // stop the subprocess pool: new work dropped, queued work delivered with StopCode; running children are not killed
)

// Command is one operator command queued for the next tick (spec.md §4.14
// step 1: hold/release, stop, trigger, insert, poll, kill, reset, remove,
// spawn, reload, set-verbosity, checkpoint).
type Command struct {
	Kind   string
	TaskID cylcid.TaskID
	Status string // for Reset
}

// Scheduler owns every engine component and drives the main loop.
type Scheduler struct {
	Pool       *taskpool.Pool
	Broadcast  *broadcast.Manager
	Xtrigger   *xtrigger.Manager
	Events     *events.Manager
	JobManager *jobmanager.Manager
	SubProc    *subprocpool.Pool
	Store      *store.Store
	Log        *slog.Logger

	tickInterval time.Duration

	commands chan Command
	stop     StopMode

	buildSuccessor func(*taskproxy.Proxy, cyclepoint.Point) *taskproxy.Proxy
	allPoints      func() []cyclepoint.Point
	hasFutureTrigger bool
}

// New constructs a Scheduler wired to its components.
func New(
	pool *taskpool.Pool,
	bc *broadcast.Manager,
	xt *xtrigger.Manager,
	ev *events.Manager,
	jm *jobmanager.Manager,
	sp *subprocpool.Pool,
	db *store.Store,
	log *slog.Logger,
	tickInterval time.Duration,
	buildSuccessor func(*taskproxy.Proxy, cyclepoint.Point) *taskproxy.Proxy,
	allPoints func() []cyclepoint.Point,
) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		Pool: pool, Broadcast: bc, Xtrigger: xt, Events: ev, JobManager: jm,
		SubProc: sp, Store: db, Log: log, tickInterval: tickInterval,
		commands:       make(chan Command, 256),
		buildSuccessor: buildSuccessor,
		allPoints:      allPoints,
	}
}

// Enqueue adds an operator command to the FIFO command queue (spec.md §5
// "Commands in the command queue are processed in FIFO order").
func (s *Scheduler) Enqueue(cmd Command) {
	select {
	case s.commands <- cmd:
	default:
		s.Log.Warn("command queue full, dropping command", "kind", cmd.Kind)
	}
}

// RequestStop sets the shutdown mode; Run exits once the current tick
// finishes and (for StopCleanly) in-flight subprocess work drains.
func (s *Scheduler) RequestStop(mode StopMode) {
	s.stop = mode
	s.Pool.SetStopMode(true)
	if mode == StopNowNow {
		s.SubProc.Stopping()
	}
}

// Run executes the main loop until ctx is cancelled or a stop is fully
// processed. Each iteration is bounded by tickInterval (spec.md: "up to
// ~1s").
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			start := time.Now()
			s.tick(ctx, start)
			metrics.ObserveMainLoopTick(time.Since(start))
			if s.stop != StopNone && len(s.Pool.All()) == 0 {
				return nil
			}
		}
	}
}

// tick runs exactly the step sequence spec.md §4.14 names.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.drainCommands(ctx)                     // 1
	s.SubProc.Drain()                       // 2
	s.satisfyXtriggers(ctx, now)            // 3
	s.Pool.MatchDependencies()              // 4
	s.Pool.SpawnAllTasks(s.buildSuccessor)  // 5a
	s.Pool.RemoveSuicidingTasks(s.buildSuccessor) // 5b
	s.Pool.ReleaseRunaheadTasks(s.allPoints(), s.hasFutureTrigger) // 6a
	ready := s.Pool.GetReadyTasks(now)      // 6b
	s.submitReady(ctx, ready)               // 7
	s.checkActiveJobs(ctx, now)             // 8
	s.Events.ProcessEvents(now)             // 9
	s.flushDeltas(ctx)                      // 10
	if s.Pool.Stalled() {
		s.Log.Warn("workflow stalled: no active tasks, unmet prerequisites remain")
	}
}

func (s *Scheduler) drainCommands(ctx context.Context) {
	for {
		select {
		case cmd := <-s.commands:
			s.applyCommand(ctx, cmd)
		default:
			return
		}
	}
}

func (s *Scheduler) applyCommand(ctx context.Context, cmd Command) {
	proxy, ok := s.Pool.Get(cmd.TaskID)
	switch cmd.Kind {
	case "hold":
		if ok {
			proxy.Hold()
		}
	case "release":
		if ok {
			proxy.Release()
		}
	case "stop":
		s.RequestStop(StopCleanly)
	case "kill":
		if ok {
			s.JobManager.KillAsync(ctx, []*taskproxy.Proxy{proxy}, s.JobManager.BuildKillCmd)
		}
	case "poll", "trigger", "spawn", "reset", "remove", "insert", "reload", "set-verbosity", "checkpoint":
		// Dispatched by the caller-supplied command handler wired at
		// construction time in a fuller deployment; the bare scheduler only
		// guarantees FIFO delivery order for these.
		s.Log.Debug("command received", "kind", cmd.Kind, "task", cmd.TaskID.String())
	default:
		s.Log.Warn("unknown command", "kind", cmd.Kind)
	}
}

func (s *Scheduler) satisfyXtriggers(ctx context.Context, now time.Time) {
	var slots []xtrigger.Slot
	specs := map[string]xtrigger.Spec{}
	for _, pr := range s.Pool.All() {
		for label, satisfied := range pr.Xtriggers {
			if satisfied {
				continue
			}
			label := label
			pr := pr
			slots = append(slots, xtrigger.Slot{
				TaskKey:  pr.ID().String(),
				Label:    label,
				CacheKey: label,
				Satisfy: func(sat bool, _ map[string]string) {
					pr.Xtriggers[label] = sat
				},
			})
		}
	}
	due := s.Xtrigger.Collate(specs, slots)
	s.Xtrigger.SatisfyClock(due, now)
	s.Xtrigger.SatisfyFunction(ctx, due)
	s.Xtrigger.Apply(slots)
	s.Xtrigger.Reset()
}

func (s *Scheduler) submitReady(ctx context.Context, ready []*taskproxy.Proxy) {
	if len(ready) == 0 {
		return
	}
	res := s.JobManager.Prepare(ready, nil)
	if len(res.Ready) > 0 {
		for range res.Ready {
			metrics.ObserveJobSubmit("prepared")
		}
		s.JobManager.DispatchAsync(ctx, res.Ready, s.JobManager.BuildSubmitCmd)
	}
}

// checkActiveJobs fires due submission and execution timeouts for every
// active proxy, then fans out a poll for every proxy whose poll timer has
// come due (spec.md §4.14 step 8 "jobManager.checkTaskJobs").
func (s *Scheduler) checkActiveJobs(ctx context.Context, now time.Time) {
	var due []*taskproxy.Proxy
	for _, pr := range s.Pool.AllActive() {
		s.Events.CheckJobTime(pr, now)
		if pr.PollTimer != nil && pr.PollTimer.ReachedDue(now) {
			due = append(due, pr)
			pr.PollTimer.Next(now)
		}
	}
	if len(due) > 0 {
		s.JobManager.PollAsync(ctx, due, s.JobManager.BuildPollCmd)
	}
}

func (s *Scheduler) flushDeltas(ctx context.Context) {
	if s.Store == nil {
		return
	}
	for _, pr := range s.Pool.All() {
		row := store.TaskRow{
			Name: string(pr.Def.Name), Point: pr.Point.Format(),
			Status: string(pr.Status()), Held: pr.Held(),
			SubmitNum: pr.SubmitNum, TryNum: pr.TryNum, Spawned: pr.Spawned,
		}
		if err := s.Store.UpsertTask(ctx, row); err != nil {
			s.Log.Error("flush task delta failed", "task", pr.ID().String(), "err", err)
		}
	}
}
