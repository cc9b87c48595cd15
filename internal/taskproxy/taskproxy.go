// Package taskproxy implements the mutable task instance described in
// spec.md §4.5: a task's state, timers, outputs, prerequisites, submit
// number, and lifecycle summary. It is the arena-owned value type that
// internal/taskpool indexes by (name, point); other components (events,
// jobmanager) hold *Proxy pointers handed out by the pool.
//
// Grounded on the teacher (mattcburns-shoal-provision)'s
// pkg/provisioner.Job struct (a mutable lifecycle record carrying status,
// timestamps, and a summary) and internal/provisioner/jobs/worker.go's
// per-job step/summary tracking, generalized from one job to one
// task-cycle instance with timers/outputs/prerequisites attached.
package taskproxy

import (
	"time"

	"cylcd/internal/actiontimer"
	"cylcd/internal/cyclepoint"
	"cylcd/internal/outputs"
	"cylcd/internal/taskstate"
	"cylcd/pkg/cylcid"
)

// TaskDef is the immutable per-task configuration a Proxy is built from.
// Fields mirror spec.md §3 "Task definition (immutable)"; graph
// compilation that produces a full WorkflowConfig is an external
// collaborator (spec.md §1) -- this is the minimal slice the engine reads.
type TaskDef struct {
	Name     cylcid.TaskName
	Sequence *cyclepoint.Sequence

	DeclaredOutputs [][2]string // (label, message)

	Prerequisites        [][]outputs.Triple // one []Triple per OR-conjunction
	SuicidePrereqs       [][]outputs.Triple

	Queue string // named queue, default "default"

	ExecutionRetryDelays []time.Duration
	SubmitRetryDelays    []time.Duration

	ClockTriggerOffset *cyclepoint.Duration
	ExpireOffset       *cyclepoint.Duration

	SpawnAhead bool

	CleanupCutoff cyclepoint.Duration // furthest downstream offset referencing this task's outputs

	Platform string
	Host     string
	Owner    string
}

// SummaryTimeKind names one of the summary timestamps set via
// SetSummaryTime (spec.md §4.5).
type SummaryTimeKind int

const (
	SummarySubmit SummaryTimeKind = iota
	SummaryStart
	SummaryFinish
)

// Summary holds the latest observed job facts surfaced to UIs/logs.
type Summary struct {
	LatestMessage  string
	SubmitTime     *time.Time
	StartTime      *time.Time
	FinishTime     *time.Time
	BatchSysName   string
	BatchSysJobID  string
	Host           string
	Owner          string
	JobLogDir      string
	PollUntrusted  bool
	JobVacated     bool
	KillFailed     bool
}

// Proxy is a mutable instance of a task at a specific cycle point.
type Proxy struct {
	Def   *TaskDef
	Point cyclepoint.Point

	SubmitNum       uint
	TryNum          int
	SubmitRetryNum  int

	state *taskstate.Machine

	Outputs              *outputs.Outputs
	Prerequisites        []*outputs.Prerequisite
	SuicidePrerequisites []*outputs.Prerequisite

	Xtriggers map[string]bool
	XClock    *XClockState

	PollTimer           *actiontimer.Timer
	SubmitRetryTimer    *actiontimer.Timer
	ExecutionRetryTimer *actiontimer.Timer
	HandlerTimers       map[string]*actiontimer.Timer

	Timeout *time.Time // absolute deadline for the current active status

	Summary Summary

	Spawned       bool
	ManualTrigger bool

	ReloadSuccessor *Proxy
}

// XClockState is the optional xclock label/satisfaction pair (spec.md §3).
type XClockState struct {
	Label     string
	Satisfied bool
}

// New constructs a Proxy for def at point, with the given initial status
// and submit number (spec.md §4.5 "Construction").
func New(def *TaskDef, point cyclepoint.Point, initial taskstate.Status, submitNum uint) *Proxy {
	p := &Proxy{
		Def:           def,
		Point:         point,
		SubmitNum:     submitNum,
		state:         taskstate.NewMachine(initial),
		Outputs:       outputs.New(def.DeclaredOutputs),
		Xtriggers:     make(map[string]bool),
		HandlerTimers: make(map[string]*actiontimer.Timer),
	}
	if len(def.Prerequisites) > 0 {
		pr := &outputs.Prerequisite{}
		for _, triples := range def.Prerequisites {
			pr.Conjunctions = append(pr.Conjunctions, outputs.NewConjunction(triples))
		}
		p.Prerequisites = []*outputs.Prerequisite{pr}
	}
	if len(def.SuicidePrereqs) > 0 {
		pr := &outputs.Prerequisite{}
		for _, triples := range def.SuicidePrereqs {
			pr.Conjunctions = append(pr.Conjunctions, outputs.NewConjunction(triples))
		}
		p.SuicidePrerequisites = []*outputs.Prerequisite{pr}
	}
	if def.ClockTriggerOffset != nil {
		p.XClock = &XClockState{Label: "clock"}
	}
	return p
}

// ID returns the proxy's (name, point) identifier.
func (p *Proxy) ID() cylcid.TaskID {
	return cylcid.TaskID{Name: p.Def.Name, Point: p.Point.Format()}
}

// JobID returns the identifier of the proxy's current submission.
func (p *Proxy) JobID() cylcid.JobID {
	return cylcid.JobID{TaskID: p.ID(), SubmitNum: p.SubmitNum}
}

// Status returns the current base status.
func (p *Proxy) Status() taskstate.Status { return p.state.Status() }

// Held reports whether the proxy is held.
func (p *Proxy) Held() bool { return p.state.Held() }

// Hold / Release / ReleaseToSwap delegate to the state machine.
func (p *Proxy) Hold()           { p.state.Hold() }
func (p *Proxy) Release()        { p.state.Release() }
func (p *Proxy) ReleaseToSwap()  { p.state.ReleaseToSwap() }

// Transition attempts forward-only progress to next; see taskstate.Machine.
func (p *Proxy) Transition(next taskstate.Status) bool { return p.state.Transition(next) }

// Force moves to next unconditionally (for the small set of explicitly
// lateral spec moves: submit-retrying/retrying -> ready, vacation ->
// submitted).
func (p *Proxy) Force(next taskstate.Status) bool { return p.state.Force(next) }

// Reset is the operator-forced transition (spec.md §4.3 "reset(status)").
func (p *Proxy) Reset(next taskstate.Status) {
	p.state.Reset(next)
}

// TryNumber returns the current execution try number (spec.md §4.5).
func (p *Proxy) TryNumber() int {
	if p.TryNum == 0 {
		return 1
	}
	return p.TryNum
}

// SetSummaryTime records a summary timestamp of the given kind.
func (p *Proxy) SetSummaryTime(kind SummaryTimeKind, t *time.Time) {
	switch kind {
	case SummarySubmit:
		p.Summary.SubmitTime = t
	case SummaryStart:
		p.Summary.StartTime = t
	case SummaryFinish:
		p.Summary.FinishTime = t
	}
}

// ResolvedDependencies returns the string form of every prerequisite entry
// the proxy has (spec.md §4.5), for display/debugging.
func (p *Proxy) ResolvedDependencies() []string {
	var out []string
	for _, pr := range p.Prerequisites {
		for _, c := range pr.Conjunctions {
			for _, t := range c.Entries() {
				out = append(out, t.String())
			}
		}
	}
	return out
}

// IsReady reports whether a waiting proxy is ready to move to queued: all
// prerequisites and xtriggers satisfied, any clock trigger reached, and not
// held (spec.md §4.5).
func (p *Proxy) IsReady(now time.Time) bool {
	if p.Held() {
		return false
	}
	for _, pr := range p.Prerequisites {
		if !pr.Satisfied() {
			return false
		}
	}
	for _, sat := range p.Xtriggers {
		if !sat {
			return false
		}
	}
	if p.XClock != nil && !p.XClock.Satisfied {
		return false
	}
	return true
}

// SuicideReady reports whether every suicide prerequisite is satisfied.
func (p *Proxy) SuicideReady() bool {
	if len(p.SuicidePrerequisites) == 0 {
		return false
	}
	for _, pr := range p.SuicidePrerequisites {
		if !pr.Satisfied() {
			return false
		}
	}
	return true
}

// MatchCompletedOutput applies one upstream completed-output triple to
// every prerequisite and suicide prerequisite of this proxy.
func (p *Proxy) MatchCompletedOutput(t outputs.Triple) {
	for _, pr := range p.Prerequisites {
		pr.Match(t)
	}
	for _, pr := range p.SuicidePrerequisites {
		pr.Match(t)
	}
}

// CompletedTriples returns the (name, point, message) triples for this
// proxy's completed outputs, for broadcast into the pool's match pass.
func (p *Proxy) CompletedTriples() []outputs.Triple {
	name := string(p.Def.Name)
	point := p.Point.Format()
	var out []outputs.Triple
	for _, m := range p.Outputs.CompletedMessages() {
		out = append(out, outputs.Triple{Name: name, Point: point, Message: m})
	}
	return out
}

// NextPoint returns the task's next recurrence after its current point, if
// any.
func (p *Proxy) NextPoint() (cyclepoint.Point, bool) {
	if p.Def.Sequence == nil {
		return cyclepoint.Point{}, false
	}
	return p.Def.Sequence.NextAfter(p.Point)
}

// ShouldSpawnNow reports whether this proxy should spawn its successor
// given its current status, per spec.md §4.7 "Spawning": on
// succeeded/expired, or spawn_ahead, or reaching ready.
func (p *Proxy) ShouldSpawnNow() bool {
	if p.Def.SpawnAhead {
		return true
	}
	switch p.Status() {
	case taskstate.Succeeded, taskstate.Expired, taskstate.Ready:
		return true
	default:
		return false
	}
}
