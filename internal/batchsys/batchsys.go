// Package batchsys implements the BatchSystem registry described in
// spec.md §4.9: a fixed capability set, with presence/absence of each
// capability represented by a nil-able function field rather than an
// interface type switch or reflection, since not every batch system
// implements every capability.
//
// Grounded directly on the teacher (mattcburns-shoal-provision)'s
// internal/bmc/quirks.go: a Quirks struct of optional per-vendor behaviour
// knobs plus a getQuirks(vendor string) *Quirks lookup-by-name registry.
// Here the lookup key is the batch system name ("background", "slurm",
// "pbs", "lsf", ...) instead of a BMC vendor string, and the struct fields
// are the capabilities lib/cylc/batch_sys_manager.py documents (formatting
// directives, fail/vacation signals, submit/poll/kill command templates and
// output parsers) rather than quirk flags.
package batchsys

import "regexp"

// JobConfig is the minimal per-submission context a capability needs --
// the batch-system-facing slice of jobmanager's fuller job configuration.
type JobConfig struct {
	JobFilePath   string
	ExecutionTimeLimitSeconds int
	Directives    map[string]string
	Env           map[string]string
}

// System is one registered batch system's capability set. A nil field means
// that capability is absent, exactly as spec.md's table phrases it
// ("present/absent capabilities indicated by presence of the method").
type System struct {
	Name string

	FormatDirectives func(JobConfig) []string
	FailSignals      func(JobConfig) []string
	VacationSignal   func() (string, bool)

	Submit func(path string, opts map[string]string) (rc int, stdout, stderr string)

	SubmitCmdTemplate string // e.g. "bsub < %{job}"
	SubmitStdin       func(path string, opts map[string]string) (argFlag string, data string, ok bool)
	SubmitCmdEnv      map[string]string

	ExtractJobIDFromStderrRegex *regexp.Regexp
	ExtractJobIDFromStdoutRegex *regexp.Regexp
	ManipJobID                 func(id string) string
	FilterSubmitOutput         func(stdout, stderr string) (string, string)

	PollManyCmd          func(ids []string) []string
	PollCmd              string // used with ids appended, if PollManyCmd is nil
	FilterPollManyOutput func(stdout string) []string // returns still-running ids

	PollCantConnectErrSubstring string

	KillCmdTemplate     string // e.g. "kill %(pid)s"
	ShouldKillProcGroup bool
	ShouldPollProcGroup bool
}

// DefaultFailSignals is applied when a System leaves FailSignals nil
// (spec.md: "default {EXIT, ERR, TERM, XCPU}").
var DefaultFailSignals = []string{"EXIT", "ERR", "TERM", "XCPU"}

// FailSignalsFor returns sys's fail signals, or the default set.
func FailSignalsFor(sys *System, jc JobConfig) []string {
	if sys.FailSignals != nil {
		return sys.FailSignals(jc)
	}
	return append([]string(nil), DefaultFailSignals...)
}

// Registry looks up a System by name.
type Registry struct {
	systems map[string]*System
}

// NewRegistry builds a Registry pre-populated with the background and
// simple-template batch systems every workflow can rely on; platform
// config registers the rest (slurm, pbs, lsf, ...) by calling Register.
func NewRegistry() *Registry {
	r := &Registry{systems: make(map[string]*System)}
	r.Register(backgroundSystem())
	r.Register(simpleTemplateSystem("at", "at now"))
	return r
}

// Register adds or replaces a System under its Name.
func (r *Registry) Register(sys *System) {
	r.systems[sys.Name] = sys
}

// Get returns the named System, or nil if unregistered.
func (r *Registry) Get(name string) *System {
	return r.systems[name]
}

// Names returns every registered batch system name.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.systems))
	for n := range r.systems {
		out = append(out, n)
	}
	return out
}

// backgroundSystem is the zero-configuration local-process batch system:
// submit runs the job file directly and polls/kills by local PID, mirroring
// lib/cylc/batch_sys_handlers/background.py's minimal capability set.
func backgroundSystem() *System {
	return &System{
		Name:                "background",
		ShouldKillProcGroup: true,
		ShouldPollProcGroup: true,
		KillCmdTemplate:     "kill -TERM -%(pid)s",
		ExtractJobIDFromStdoutRegex: regexp.MustCompile(`^(?P<id>\d+)$`),
		ManipJobID: func(id string) string { return id },
	}
}

// simpleTemplateSystem builds a System that submits purely via a command
// template, for queueing systems whose submit is "pipe the job script into
// this command" (spec.md: "submitCmdTemplate").
func simpleTemplateSystem(name, submitCmdTemplate string) *System {
	return &System{
		Name:              name,
		SubmitCmdTemplate: submitCmdTemplate,
		ManipJobID:        func(id string) string { return id },
	}
}
