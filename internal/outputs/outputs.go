// Package outputs implements the per-task completion set and prerequisite
// matching described in spec.md §4.2: an insertion-ordered map of output
// messages to completion booleans, and prerequisites expressed as an OR of
// AND-conjunctions over (name, point, message) triples.
package outputs

import "fmt"

// Standard output messages auto-inserted for every task (spec.md §4.2).
const (
	MessageSubmitted   = "submitted"
	MessageStarted     = "started"
	MessageSucceeded   = "succeeded"
	MessageFailed      = "failed"
	MessageSubmitFail  = "submit-failed"
	MessageExpired     = "expired"
)

// UnknownOutput is returned when setCompleted targets an output the task
// never declared.
type UnknownOutput struct{ Message string }

func (e *UnknownOutput) Error() string {
	return fmt.Sprintf("unknown output message %q", e.Message)
}

// entry preserves the original insertion order alongside completion state.
type entry struct {
	message   string
	label     string
	completed bool
}

// Outputs is an insertion-ordered map of output message -> completed.
type Outputs struct {
	order []string
	byMsg map[string]*entry
}

// New constructs an Outputs set seeded with the task's declared outputs
// (label, message) in declaration order, followed by the always-present
// standard messages that aren't already declared.
func New(declared [][2]string) *Outputs {
	o := &Outputs{byMsg: make(map[string]*entry)}
	for _, lm := range declared {
		o.add(lm[0], lm[1])
	}
	for _, std := range []string{MessageSubmitted, MessageStarted, MessageSucceeded,
		MessageFailed, MessageSubmitFail, MessageExpired} {
		if _, ok := o.byMsg[std]; !ok {
			o.add(std, std)
		}
	}
	return o
}

func (o *Outputs) add(label, message string) {
	e := &entry{message: message, label: label}
	o.byMsg[message] = e
	o.order = append(o.order, message)
}

// Declares reports whether message is a known output of this task.
func (o *Outputs) Declares(message string) bool {
	_, ok := o.byMsg[message]
	return ok
}

// SetCompleted marks message completed (or not); returns UnknownOutput if
// message was never declared. Outputs are monotone in normal operation --
// callers enforce the "only an explicit reset un-completes" rule (spec.md
// invariant 5); this method itself is a plain setter used by both the
// forward path and the operator reset path.
func (o *Outputs) SetCompleted(message string, completed bool) error {
	e, ok := o.byMsg[message]
	if !ok {
		return &UnknownOutput{Message: message}
	}
	e.completed = completed
	return nil
}

// IsCompleted reports whether message is marked completed.
func (o *Outputs) IsCompleted(message string) bool {
	e, ok := o.byMsg[message]
	return ok && e.completed
}

// AllCompleted reports whether every declared output is completed.
func (o *Outputs) AllCompleted() bool {
	for _, m := range o.order {
		if !o.byMsg[m].completed {
			return false
		}
	}
	return true
}

// CompletedMessages returns the completed messages in declaration order.
func (o *Outputs) CompletedMessages() []string {
	var out []string
	for _, m := range o.order {
		if o.byMsg[m].completed {
			out = append(out, m)
		}
	}
	return out
}

// Label returns the declared label for message, or message itself if it has
// no distinct label (e.g. a standard message).
func (o *Outputs) Label(message string) string {
	if e, ok := o.byMsg[message]; ok {
		return e.label
	}
	return message
}

// --- Prerequisites ---

// Triple identifies one upstream output a prerequisite entry depends on.
type Triple struct {
	Name    string
	Point   string
	Message string
}

func (t Triple) String() string { return t.Name + "." + t.Point + ":" + t.Message }

// Conjunction is an AND of prerequisite entries; it is satisfied when every
// entry is satisfied.
type Conjunction struct {
	entries map[Triple]bool
	order   []Triple
}

// NewConjunction builds a conjunction over the given triples, all initially
// unsatisfied.
func NewConjunction(triples []Triple) *Conjunction {
	c := &Conjunction{entries: make(map[Triple]bool, len(triples))}
	for _, t := range triples {
		c.entries[t] = false
		c.order = append(c.order, t)
	}
	return c
}

// Satisfied reports whether every entry in the conjunction is satisfied.
func (c *Conjunction) Satisfied() bool {
	for _, t := range c.order {
		if !c.entries[t] {
			return false
		}
	}
	return true
}

// Entries returns the conjunction's triples in declared order.
func (c *Conjunction) Entries() []Triple { return append([]Triple(nil), c.order...) }

// EntrySatisfied reports the satisfaction state of one entry.
func (c *Conjunction) EntrySatisfied(t Triple) bool { return c.entries[t] }

// SetEntrySatisfied marks one entry's satisfaction; used both by the
// forward matching pass and by operator-driven output resets (which may
// set entries back to false).
func (c *Conjunction) SetEntrySatisfied(t Triple, satisfied bool) {
	if _, ok := c.entries[t]; ok {
		c.entries[t] = satisfied
	}
}

// Prerequisite is an OR of conjunctions; it is satisfied when any
// conjunction is fully satisfied.
type Prerequisite struct {
	Conjunctions []*Conjunction
}

// Satisfied reports whether any conjunction is fully satisfied.
func (p *Prerequisite) Satisfied() bool {
	for _, c := range p.Conjunctions {
		if c.Satisfied() {
			return true
		}
	}
	return false
}

// Match applies one completed-output triple against every unsatisfied entry
// across all conjunctions that reference it. Match passes are idempotent:
// re-applying the same completed set again leaves satisfied bits unchanged
// (spec.md invariant 7), since SetEntrySatisfied(true) on an
// already-true entry is a no-op in effect.
func (p *Prerequisite) Match(t Triple) {
	for _, c := range p.Conjunctions {
		if sat, ok := c.entries[t]; ok && !sat {
			c.entries[t] = true
		}
	}
}

// ResetAll sets every entry in every conjunction back to unsatisfied; used
// by the operator output-reset command.
func (p *Prerequisite) ResetAll() {
	for _, c := range p.Conjunctions {
		for t := range c.entries {
			c.entries[t] = false
		}
	}
}
