// Package taskstate implements the TaskState DAG from spec.md §4.3: the
// base status enum, the orthogonal "held" modifier, and the transition
// functions that drive a TaskProxy's status forward. Transitions return
// whether they changed anything; invalid transitions no-op rather than
// erroring, matching the teacher's (mattcburns-shoal-provision)
// pkg/provisioner.JobStatus enum-as-named-string pattern, generalized to
// the richer cylc state DAG and its held/swap modifiers.
package taskstate

// Status is a task proxy's base lifecycle status.
type Status string

const (
	Waiting        Status = "waiting"
	Expired        Status = "expired"
	Queued         Status = "queued"
	Ready          Status = "ready"
	Submitted      Status = "submitted"
	SubmitFailed   Status = "submit-failed"
	SubmitRetrying Status = "submit-retrying"
	Running        Status = "running"
	Succeeded      Status = "succeeded"
	Failed         Status = "failed"
	Retrying       Status = "retrying"
)

// rank gives each status a position in the forward-progress ordering used
// by the anti-regression rule (spec.md §4.3, §4.11): a message implying a
// status whose rank is <= the current rank must not be applied.
//
// submit-retrying/retrying share their "about to resubmit/rerun" rank with
// the state they return to (ready) rather than with submitted/running,
// since per spec.md they are reached *from* submitted/running on failure
// and lead back to ready -- they are not forward progress past running.
var rank = map[Status]int{
	Waiting:        0,
	Expired:        1,
	Queued:         1,
	Ready:          2,
	SubmitRetrying: 2,
	Retrying:       2,
	Submitted:      3,
	SubmitFailed:   3,
	Running:        4,
	Failed:         5,
	Succeeded:      5,
}

// Rank returns s's position in the forward-progress ordering.
func Rank(s Status) int { return rank[s] }

// IsForwardOf reports whether moving from cur to next is forward progress
// (next's rank is strictly greater), i.e. not a regression.
func IsForwardOf(cur, next Status) bool { return rank[next] > rank[cur] }

// messageOrder is the total ordering cylc's message anti-regression check
// uses to recognise a stale failed/submit-failed message. Unlike rank --
// which deliberately ties submitted/submit-failed and failed/succeeded
// together so Transition still treats them as forward progress from the
// prior status -- this order distinguishes submitted from submit-failed and
// failed from succeeded, so a message implying an earlier outcome than the
// one already recorded can be identified as arriving late.
var messageOrder = map[Status]int{
	Waiting:        0,
	Queued:         1,
	Expired:        2,
	Ready:          3,
	SubmitRetrying: 4,
	Submitted:      5,
	SubmitFailed:   6,
	Retrying:       7,
	Running:        8,
	Failed:         9,
	Succeeded:      10,
}

// IsPast reports whether cur has already progressed strictly beyond target,
// meaning a message implying target arrived late and must not be applied
// (spec.md §4.11 "anti-regression").
func IsPast(cur, target Status) bool { return messageOrder[cur] > messageOrder[target] }

// IsActive reports whether s counts toward a queue's "in flight" limit
// (spec.md §4.7 queues: ready, submitted, running).
func IsActive(s Status) bool {
	switch s {
	case Ready, Submitted, Running:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s is a final status for the current submission
// attempt (succeeded, failed, expired).
func IsTerminal(s Status) bool {
	switch s {
	case Succeeded, Failed, Expired:
		return true
	default:
		return false
	}
}

// Modifier is a status modifier orthogonal to the base Status.
type Modifier int

const (
	ModNone Modifier = iota
	ModHeld
)

// Machine holds one task proxy's mutable status + held modifier + swap
// status saved while held, and exposes the transition operations named in
// spec.md §4.3.
type Machine struct {
	status   Status
	held     bool
	swap     *Status
}

// NewMachine constructs a Machine in the given initial status.
func NewMachine(initial Status) *Machine {
	return &Machine{status: initial}
}

// Status returns the current base status.
func (m *Machine) Status() Status { return m.status }

// Held reports whether the held modifier is set.
func (m *Machine) Held() bool { return m.held }

// Transition attempts to move to next. It applies iff next is forward
// progress of the current status (or equal-rank lateral moves explicitly
// allowed by the caller via Force). Returns whether the status changed.
func (m *Machine) Transition(next Status) (changed bool) {
	if !IsForwardOf(m.status, next) {
		return false
	}
	m.status = next
	return true
}

// Force sets the status unconditionally; used by Reset (operator-forced)
// and by the small set of lateral moves the spec names explicitly
// (submit-retrying/retrying -> ready, vacation -> submitted).
func (m *Machine) Force(next Status) (changed bool) {
	if m.status == next {
		return false
	}
	m.status = next
	return true
}

// Reset is the operator-forced transition: it always applies, regardless of
// ordering, and clears any held swap.
func (m *Machine) Reset(next Status) {
	m.status = next
	m.swap = nil
}

// Hold sets the held modifier, saving the current status as swap so it can
// be restored on Release. A no-op if already held.
func (m *Machine) Hold() {
	if m.held {
		return
	}
	m.held = true
	s := m.status
	m.swap = &s
}

// Release clears the held modifier. The status itself is left as-is: a
// held task's status may have continued to change (e.g. succeeded) while
// held, so there is nothing to "restore" unless the caller explicitly
// wants the pre-hold swap value back (ReleaseToSwap).
func (m *Machine) Release() {
	m.held = false
	m.swap = nil
}

// ReleaseToSwap clears held and restores the status saved at Hold time, if
// any. Used by vacation/retry handling that holds a task mid-transition and
// needs to resume exactly where it left off.
func (m *Machine) ReleaseToSwap() {
	if m.swap != nil {
		m.status = *m.swap
	}
	m.held = false
	m.swap = nil
}
