// Package cylcid defines the small identifier and enum value types shared
// across the scheduler's internal packages: task and job identifiers,
// submission/event severities, and event kinds. Task status types live in
// internal/taskstate.
package cylcid

import "fmt"

// TaskName is a task definition's name within a workflow graph.
type TaskName string

// TaskID identifies a task instance: a task name at a cycle point. Point is
// kept as a string here (the formatted form of an internal/cyclepoint.Point)
// so this package stays free of a cyclepoint import cycle; taskproxy and
// taskpool re-derive the typed point when they need to compare or advance
// it.
type TaskID struct {
	Name  TaskName
	Point string
}

// String renders the conventional "name.point" form used in logs and
// event-handler substitution.
func (t TaskID) String() string {
	return fmt.Sprintf("%s.%s", t.Name, t.Point)
}

// JobID identifies one submission of a task instance.
type JobID struct {
	TaskID
	SubmitNum uint
}

// String renders "name.point.NN" (NN zero-padded to 2 digits, per §6).
func (j JobID) String() string {
	return fmt.Sprintf("%s.%s.%02d", j.Name, j.Point, j.SubmitNum)
}

// Severity is the level of a task message or event, per spec.md §4.11.
// It is the single representation process_message should use -- never a
// raw integer -- per the Open Question decision recorded in DESIGN.md.
type Severity string

const (
	SeverityDebug    Severity = "debug"
	SeverityInfo     Severity = "info"
	SeverityNormal   Severity = "normal"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool {
	switch s {
	case SeverityDebug, SeverityInfo, SeverityNormal, SeverityWarning, SeverityError, SeverityCritical:
		return true
	default:
		return false
	}
}

// EventKind names one of the fixed task-lifecycle events a handler may be
// registered against (spec.md §4.11).
type EventKind string

const (
	EventSubmitted   EventKind = "submitted"
	EventStarted     EventKind = "started"
	EventSucceeded   EventKind = "succeeded"
	EventFailed      EventKind = "failed"
	EventSubmitFail  EventKind = "submit-failed"
	EventRetry       EventKind = "retry"
	EventSubmitRetry EventKind = "submit-retry"
	EventLate        EventKind = "late"
	EventWarning     EventKind = "warning"
	EventCritical    EventKind = "critical"
	EventCustom      EventKind = "custom"
	EventExpired     EventKind = "expired"
)

// nonUniqueEvents are counted by occurrence index so repeated firings of
// the same event kind for one task instance don't dedupe against each
// other (spec.md §4.11).
var nonUniqueEvents = map[EventKind]bool{
	EventWarning:  true,
	EventCritical: true,
	EventCustom:   true,
}

// IsNonUnique reports whether k belongs to the non-unique handler-dedup set.
func (k EventKind) IsNonUnique() bool { return nonUniqueEvents[k] }
