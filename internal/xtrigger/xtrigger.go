// Package xtrigger implements the XtriggerManager described in spec.md
// §4.6: registered xtriggers are opaque functions keyed by a cache key;
// collate(tasks) builds the unique set due this tick, and satisfy evaluates
// them -- in-process for clock triggers, offloaded to subprocpool for
// function xtriggers -- then marks the matching task-proxy slots satisfied.
//
// Grounded on the teacher (mattcburns-shoal-provision)'s
// internal/bmc/reconcile.go "evaluate external state, mark satisfied"
// pattern for the satisfied-bit bookkeeping, and
// internal/provisioner/jobs/worker.go's pattern of handing a long-running
// check off to a worker and resuming on its result for the function-xtrigger
// path. Cron-expression wall-clock triggers use github.com/robfig/cron/v3,
// the way URunDEAD-frisbee's controllers/common/scheduler wraps it for
// schedule-string evaluation.
package xtrigger

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"cylcd/internal/subprocpool"
)

// Kind distinguishes the two xtrigger flavors spec.md names.
type Kind int

const (
	KindClock Kind = iota
	KindFunction
)

// Spec is one registered xtrigger: a cache key (so identical calls across
// tasks/cycles dedupe to one evaluation) plus enough to run it.
type Spec struct {
	Label    string
	Kind     Kind
	CacheKey string

	// Clock kind: either a fixed offset from the task's point (evaluated by
	// the caller before collate) or a cron expression evaluated against wall
	// time "now".
	CronExpr string

	// Function kind: the external command to run via subprocpool, expected
	// to exit 0 when satisfied.
	Command []string
	Env     []string
}

// result caches one evaluation's outcome so every task sharing a CacheKey
// gets it without re-running the check.
type result struct {
	satisfied bool
	broadcast map[string]string
	pending   bool
}

// slot is where a collated task's xtrigger outcome gets written once ready;
// the manager never reaches into task internals -- it fills in a Satisfy
// callback the caller supplies per task.
type Slot struct {
	TaskKey  string // opaque caller key, e.g. a cylcid.TaskID.String()
	Label    string
	CacheKey string
	Satisfy  func(satisfied bool, broadcast map[string]string)
}

// Manager evaluates registered xtriggers, caching by CacheKey across a tick
// (spec.md: "collate(tasks) builds the unique set for this tick").
type Manager struct {
	pool    *subprocpool.Pool
	cache   map[string]result
	parser  cron.Parser
}

// New constructs a Manager that offloads function xtriggers to pool.
func New(pool *subprocpool.Pool) *Manager {
	return &Manager{
		pool:   pool,
		cache:  make(map[string]result),
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// Collate deduplicates the given slots by CacheKey, returning the unique
// specs that still need evaluating this tick (those not already cached).
func (m *Manager) Collate(specs map[string]Spec, slots []Slot) []Spec {
	seen := make(map[string]bool)
	var due []Spec
	for _, s := range slots {
		if seen[s.CacheKey] {
			continue
		}
		seen[s.CacheKey] = true
		if _, cached := m.cache[s.CacheKey]; cached {
			continue
		}
		if spec, ok := specs[s.Label]; ok {
			due = append(due, spec)
		}
	}
	return due
}

// SatisfyClock evaluates every clock-kind spec in-process against now and
// caches the outcome.
func (m *Manager) SatisfyClock(specs []Spec, now time.Time) {
	for _, s := range specs {
		if s.Kind != KindClock {
			continue
		}
		sat := m.evalCron(s.CronExpr, now)
		m.cache[s.CacheKey] = result{satisfied: sat}
	}
}

func (m *Manager) evalCron(expr string, now time.Time) bool {
	if expr == "" {
		return true
	}
	sched, err := m.parser.Parse(expr)
	if err != nil {
		return false
	}
	// Satisfied once "now" has reached the most recent scheduled fire,
	// i.e. the previous occurrence from one tick back is <= now.
	prev := sched.Next(now.Add(-time.Minute))
	return !prev.After(now)
}

// SatisfyFunction offloads every function-kind spec to the subprocpool,
// caching the outcome once its callback fires. ctx governs enqueue
// cancellation only -- evaluation completion arrives later via the pool's
// result-delivery channel, drained by the scheduler.
func (m *Manager) SatisfyFunction(ctx context.Context, specs []Spec) {
	for _, s := range specs {
		if s.Kind != KindFunction {
			continue
		}
		m.cache[s.CacheKey] = result{pending: true}
		cacheKey := s.CacheKey
		m.pool.Put(ctx, subprocpool.Context{
			CmdKey: "xtrigger:" + s.Label,
			Cmd:    s.Command,
			Env:    s.Env,
			IDKeys: []string{s.Label},
		}, func(res subprocpool.Result) {
			m.cache[cacheKey] = result{satisfied: res.ExitCode == 0 && res.Err == nil}
		})
	}
}

// Apply writes every cached, non-pending outcome into the slots that
// reference it, via each slot's Satisfy callback.
func (m *Manager) Apply(slots []Slot) {
	for _, s := range slots {
		r, ok := m.cache[s.CacheKey]
		if !ok || r.pending {
			continue
		}
		s.Satisfy(r.satisfied, r.broadcast)
	}
}

// Reset drops cached results that are settled (clock evaluations, which are
// re-evaluated fresh every tick since wall time has moved on) but keeps
// entries still marked pending, so an in-flight function-xtrigger
// evaluation offloaded to subprocpool isn't re-enqueued before its callback
// arrives. Called once per main-loop tick before the next Collate.
func (m *Manager) Reset() {
	for k, r := range m.cache {
		if !r.pending {
			delete(m.cache, k)
		}
	}
}
