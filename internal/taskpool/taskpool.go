// Package taskpool implements the TaskPool described in spec.md §4.7: the
// runahead/active sub-pools, per-queue release, runahead-window
// computation, spawning, suicide, spent-task cleanup, and reload handling.
// The pool is the arena that owns every *taskproxy.Proxy by (name, point)
// key; other components (events, jobmanager) receive *taskproxy.Proxy
// pointers from it rather than keeping proxies of their own.
//
// Grounded on the teacher (mattcburns-shoal-provision)'s
// internal/provisioner/jobs/worker.go job-queue/ticker processing loop for
// the per-queue promote/release bookkeeping, and ChuLiYu-raft-recovery's
// internal/jobmanager unified-map-plus-secondary-index state machine for
// the runahead/active two-pool split (one map of record, a second index
// used only to iterate a subset in insertion order).
package taskpool

import (
	"sort"
	"time"

	"cylcd/internal/cyclepoint"
	"cylcd/internal/outputs"
	"cylcd/internal/taskproxy"
	"cylcd/internal/taskstate"
	"cylcd/pkg/cylcid"
)

type key struct {
	name  string
	point string
}

func keyOf(p *taskproxy.Proxy) key {
	return key{name: string(p.Def.Name), point: p.Point.Format()}
}

// Queue is one named release queue's config (spec.md §4.7 "Queues").
type Queue struct {
	Name  string
	Limit int // 0 means unlimited
	order []key
}

// Pool owns every live TaskProxy, split into the runahead and active
// sub-pools, plus the named queues active proxies are released through.
type Pool struct {
	runahead map[key]*taskproxy.Proxy
	active   map[key]*taskproxy.Proxy

	queues map[string]*Queue

	// RunaheadLimitCount, if > 0, applies count-mode runahead (spec.md
	// "count limit N"); otherwise RunaheadLimitDuration applies
	// duration-mode. Both zero means unlimited runahead.
	RunaheadLimitCount    int
	RunaheadLimitDuration *cyclepoint.Duration
	MaxFutureOffset       *cyclepoint.Duration
	StopPoint             *cyclepoint.Point

	warnedBase string // last base point a duration-mode warning fired for

	stopMode bool
}

// New constructs an empty Pool with the given queue configuration
// (name -> limit; "default" is added automatically if absent).
func New(queueLimits map[string]int) *Pool {
	p := &Pool{
		runahead: make(map[key]*taskproxy.Proxy),
		active:   make(map[key]*taskproxy.Proxy),
		queues:   make(map[string]*Queue),
	}
	if _, ok := queueLimits["default"]; !ok {
		p.queues["default"] = &Queue{Name: "default"}
	}
	for name, limit := range queueLimits {
		p.queues[name] = &Queue{Name: name, Limit: limit}
	}
	return p
}

// Insert adds a newly constructed proxy to the runahead sub-pool.
func (p *Pool) Insert(proxy *taskproxy.Proxy) {
	p.runahead[keyOf(proxy)] = proxy
}

// Get looks up a live proxy (runahead or active) by id.
func (p *Pool) Get(id cylcid.TaskID) (*taskproxy.Proxy, bool) {
	k := key{name: string(id.Name), point: id.Point}
	if pr, ok := p.active[k]; ok {
		return pr, true
	}
	pr, ok := p.runahead[k]
	return pr, ok
}

// AllActive returns every proxy currently in the active sub-pool.
func (p *Pool) AllActive() []*taskproxy.Proxy {
	out := make([]*taskproxy.Proxy, 0, len(p.active))
	for _, pr := range p.active {
		out = append(out, pr)
	}
	return out
}

// AllRunahead returns every proxy currently in the runahead sub-pool.
func (p *Pool) AllRunahead() []*taskproxy.Proxy {
	out := make([]*taskproxy.Proxy, 0, len(p.runahead))
	for _, pr := range p.runahead {
		out = append(out, pr)
	}
	return out
}

// All returns every live proxy across both sub-pools.
func (p *Pool) All() []*taskproxy.Proxy {
	out := make([]*taskproxy.Proxy, 0, len(p.active)+len(p.runahead))
	out = append(out, p.AllRunahead()...)
	out = append(out, p.AllActive()...)
	return out
}

func (p *Pool) remove(k key) {
	delete(p.active, k)
	delete(p.runahead, k)
	for _, q := range p.queues {
		for i, qk := range q.order {
			if qk == k {
				q.order = append(q.order[:i], q.order[i+1:]...)
				break
			}
		}
	}
}

// --- Runahead window ---

// basePoint returns the minimum point among proxies (runahead or active)
// whose status is neither succeeded nor expired -- spec.md's `base`.
func (p *Pool) basePoint() (cyclepoint.Point, bool) {
	var best *cyclepoint.Point
	consider := func(pr *taskproxy.Proxy) {
		switch pr.Status() {
		case taskstate.Succeeded, taskstate.Expired:
			return
		}
		if best == nil || pr.Point.Less(*best) {
			pt := pr.Point
			best = &pt
		}
	}
	for _, pr := range p.runahead {
		consider(pr)
	}
	for _, pr := range p.active {
		consider(pr)
	}
	if best == nil {
		return cyclepoint.Point{}, false
	}
	return *best, true
}

// ReleaseRunaheadTasks moves any runahead proxy whose point is within the
// current runahead window into the active sub-pool (spec.md: "Any runahead
// proxy whose point <= latest-allowed is moved to active").
func (p *Pool) ReleaseRunaheadTasks(allPoints []cyclepoint.Point, hasFutureTrigger bool) {
	base, ok := p.basePoint()
	if !ok {
		return
	}

	var latestAllowed cyclepoint.Point
	switch {
	case p.RunaheadLimitCount > 0:
		latestAllowed = p.countModeLimit(base, allPoints)
		if hasFutureTrigger && p.MaxFutureOffset != nil {
			latestAllowed = latestAllowed.AddOffset(*p.MaxFutureOffset)
		}
	case p.RunaheadLimitDuration != nil:
		latestAllowed = base.AddOffset(*p.RunaheadLimitDuration)
		if p.MaxFutureOffset != nil && durationLess(*p.RunaheadLimitDuration, *p.MaxFutureOffset) {
			if p.warnedBase != base.Format() {
				p.warnedBase = base.Format()
				// Caller-visible via LastRunaheadWarningBase; logging itself
				// is the scheduler's job, not the pool's.
			}
		}
	default:
		latestAllowed = maxPoint(allPoints)
	}
	if p.StopPoint != nil && p.StopPoint.Less(latestAllowed) {
		latestAllowed = *p.StopPoint
	}

	for k, pr := range p.runahead {
		if pr.Point.LessEqual(latestAllowed) {
			p.active[k] = pr
			delete(p.runahead, k)
		}
	}
}

// LastRunaheadWarningBase reports the base point the duration-mode warning
// last fired for, so the scheduler can log it once per base change.
func (p *Pool) LastRunaheadWarningBase() string { return p.warnedBase }

func (p *Pool) countModeLimit(base cyclepoint.Point, allPoints []cyclepoint.Point) cyclepoint.Point {
	var candidates []cyclepoint.Point
	for _, pt := range allPoints {
		if base.LessEqual(pt) {
			candidates = append(candidates, pt)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Less(candidates[j]) })
	n := p.RunaheadLimitCount
	if n > len(candidates) {
		n = len(candidates)
	}
	if n == 0 {
		return base
	}
	return candidates[n-1]
}

func maxPoint(points []cyclepoint.Point) cyclepoint.Point {
	if len(points) == 0 {
		return cyclepoint.Point{}
	}
	best := points[0]
	for _, pt := range points[1:] {
		if best.Less(pt) {
			best = pt
		}
	}
	return best
}

func durationLess(a, b cyclepoint.Duration) bool {
	return a.ApproxDuration() < b.ApproxDuration()
}

// --- Queues ---

// GetReadyTasks runs the per-tick queue promotion/release pass (spec.md
// §4.7 "Queues") and returns the proxies newly released to ready.
func (p *Pool) GetReadyTasks(now time.Time) []*taskproxy.Proxy {
	var released []*taskproxy.Proxy
	for _, q := range p.queues {
		p.promote(q, now)
		released = append(released, p.release(q)...)
	}
	return released
}

func (p *Pool) promote(q *Queue, now time.Time) {
	for k, pr := range p.active {
		if pr.Def.Queue != q.Name && !(q.Name == "default" && pr.Def.Queue == "") {
			continue
		}
		if pr.Status() == taskstate.Waiting && pr.IsReady(now) {
			pr.Transition(taskstate.Queued)
			q.order = append(q.order, k)
		}
	}
}

func (p *Pool) release(q *Queue) []*taskproxy.Proxy {
	active := 0
	for _, pr := range p.active {
		if !sameQueue(pr, q) {
			continue
		}
		if taskstate.IsActive(pr.Status()) {
			active++
		}
	}
	capacity := -1
	if q.Limit > 0 {
		capacity = q.Limit - active
	}

	var released []*taskproxy.Proxy
	var remaining []key
	for _, k := range q.order {
		pr, ok := p.active[k]
		if !ok {
			continue
		}
		if pr.ManualTrigger || capacity != 0 {
			pr.Force(taskstate.Ready)
			released = append(released, pr)
			if capacity > 0 && !pr.ManualTrigger {
				capacity--
			}
			continue
		}
		remaining = append(remaining, k)
	}
	q.order = remaining
	return released
}

func sameQueue(pr *taskproxy.Proxy, q *Queue) bool {
	return pr.Def.Queue == q.Name || (q.Name == "default" && pr.Def.Queue == "")
}

// --- Dependency matching ---

// MatchDependencies broadcasts every active/runahead proxy's newly
// completed outputs to every other live proxy's prerequisites (spec.md
// §4.7 step "taskPool.matchDependencies()").
func (p *Pool) MatchDependencies() {
	var triples []outputs.Triple
	for _, pr := range p.All() {
		triples = append(triples, pr.CompletedTriples()...)
	}
	for _, pr := range p.All() {
		for _, t := range triples {
			pr.MatchCompletedOutput(t)
		}
	}
}

// --- Spawning ---

// SpawnAllTasks spawns successor proxies for every eligible proxy that
// hasn't spawned yet (spec.md §4.7 "Spawning").
func (p *Pool) SpawnAllTasks(buildSuccessor func(*taskproxy.Proxy, cyclepoint.Point) *taskproxy.Proxy) {
	for _, pr := range p.All() {
		if pr.Spawned || !pr.ShouldSpawnNow() {
			continue
		}
		next, ok := pr.NextPoint()
		if !ok {
			continue
		}
		succ := buildSuccessor(pr, next)
		if succ == nil {
			continue
		}
		pr.Spawned = true
		p.Insert(succ)
	}
}

// --- Suicide ---

// RemoveSuicidingTasks spawns (to preserve succession) then removes every
// proxy whose suicide prerequisites are fully satisfied (spec.md §4.7
// "Suicide"). Returns the ids removed, for the caller to log.
func (p *Pool) RemoveSuicidingTasks(buildSuccessor func(*taskproxy.Proxy, cyclepoint.Point) *taskproxy.Proxy) []cylcid.TaskID {
	var removed []cylcid.TaskID
	for _, pr := range p.All() {
		if !pr.SuicideReady() {
			continue
		}
		if !pr.Spawned {
			if next, ok := pr.NextPoint(); ok {
				if succ := buildSuccessor(pr, next); succ != nil {
					pr.Spawned = true
					p.Insert(succ)
				}
			}
		}
		removed = append(removed, pr.ID())
		p.remove(keyOf(pr))
	}
	return removed
}

// --- Spent task removal ---

// RemoveSpentTasks removes succeeded/expired, already-spawned proxies whose
// cleanup cutoff point is behind every waiting/held proxy and every
// not-yet-spawned proxy's next point (spec.md §4.7 "Spent task removal").
func (p *Pool) RemoveSpentTasks() []cylcid.TaskID {
	earliest, ok := p.earliestUnsatisfied()
	if !ok {
		return nil
	}
	var removed []cylcid.TaskID
	for _, pr := range p.All() {
		if !pr.Spawned {
			continue
		}
		switch pr.Status() {
		case taskstate.Succeeded, taskstate.Expired:
		default:
			continue
		}
		cutoff := pr.Point.AddOffset(pr.Def.CleanupCutoff)
		if cutoff.Less(earliest) {
			removed = append(removed, pr.ID())
			p.remove(keyOf(pr))
		}
	}
	return removed
}

func (p *Pool) earliestUnsatisfied() (cyclepoint.Point, bool) {
	var best *cyclepoint.Point
	consider := func(pt cyclepoint.Point) {
		if best == nil || pt.Less(*best) {
			p2 := pt
			best = &p2
		}
	}
	for _, pr := range p.All() {
		if pr.Status() == taskstate.Waiting || pr.Held() {
			consider(pr.Point)
		}
		if !pr.Spawned {
			if next, ok := pr.NextPoint(); ok {
				consider(next)
			}
		}
	}
	if best == nil {
		return cyclepoint.Point{}, false
	}
	return *best, true
}

// --- Stall detection ---

// Stalled reports whether the pool is stalled (spec.md §4.7 "Stall
// detection"): not held, no proxy active, and at least one waiting proxy
// has unmet prerequisites.
func (p *Pool) Stalled() bool {
	for _, pr := range p.All() {
		if taskstate.IsActive(pr.Status()) {
			return false
		}
	}
	for _, pr := range p.All() {
		if pr.Status() == taskstate.Waiting && !pr.Held() {
			unmet := false
			for _, pre := range pr.Prerequisites {
				if !pre.Satisfied() {
					unmet = true
					break
				}
			}
			if unmet {
				return true
			}
		}
	}
	return false
}

// --- Reload ---

// Reload replaces every live proxy whose taskdef still exists with a new
// proxy built from buildFromNewDef, linking the old via ReloadSuccessor.
// Proxies whose taskdef has been removed are orphaned: kept if running,
// else dropped. (spec.md §4.7 "Reload".)
func (p *Pool) Reload(stillDefined func(name string) bool, buildFromNewDef func(old *taskproxy.Proxy) *taskproxy.Proxy) {
	reloadSet := func(m map[key]*taskproxy.Proxy) {
		for k, pr := range m {
			if !stillDefined(string(pr.Def.Name)) {
				if pr.Status() != taskstate.Running {
					delete(m, k)
				}
				continue
			}
			succ := buildFromNewDef(pr)
			if succ == nil {
				continue
			}
			succ.ReloadSuccessor = nil
			pr.ReloadSuccessor = succ
			succ.SubmitNum = pr.SubmitNum
			succ.TryNum = pr.TryNum
			m[k] = succ
		}
	}
	reloadSet(p.runahead)
	reloadSet(p.active)
}

// SetStopMode marks the pool as shutting down (used by callers deciding
// whether to keep releasing/spawning work).
func (p *Pool) SetStopMode(v bool) { p.stopMode = v }
func (p *Pool) StopMode() bool     { return p.stopMode }
