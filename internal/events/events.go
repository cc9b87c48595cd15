// Package events implements the TaskEventsManager described in spec.md
// §4.11: message ingestion with anti-regression, execution/submission
// retry handling, vacation handling, per-event handler dispatch (job-log
// retrieval, mail coalescing, custom handlers) driven by per-handler
// ActionTimers, and submission/execution timeout detection.
//
// Grounded on the teacher (mattcburns-shoal-provision)'s
// internal/provisioner/jobs/worker.go processJob/awaitWebhook message
// dispatch (a single entry point that inspects an incoming status string
// and drives the job's state machine forward, arming a retry timer on
// failure) generalized to cylc's richer special-message/anti-regression/
// retry/vacation rules, and on internal/bmc/retry.go's ActionTimer-per-
// attempt pattern for the per-handler retry bookkeeping.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"cylcd/internal/actiontimer"
	"cylcd/internal/taskproxy"
	"cylcd/internal/taskstate"
	"cylcd/pkg/cylcid"
)

// Special incoming messages (spec.md §4.11 "Message handling").
const (
	MsgStarted      = "started"
	MsgSucceeded    = "succeeded"
	MsgFailed       = "failed"
	MsgSubmitted    = "submitted"
	MsgSubmitFailed = "submit-failed"
	abortPrefix     = "ABORT: "
	vacationPrefix  = "VACATION: "
	failSignalPrefix = "FAIL: "
)

// Outcome is returned by ProcessMessage: either the message was applied, or
// the caller should poll to confirm state (spec.md: anti-regression
// "return a sentinel directing the caller to poll").
type Outcome int

const (
	OutcomeApplied Outcome = iota
	OutcomePollToConfirm
)

// HandlerFunc runs a configured event handler (job-log retrieval, mail, or
// a custom command) and reports success.
type HandlerFunc func(event string, proxy *taskproxy.Proxy, fields map[string]string) error

// Config is the per-workflow event handling configuration (spec.md §4.11).
type Config struct {
	Handlers                map[string][]HandlerFunc // event -> handlers
	HandlerRetryDelays      []time.Duration
	RetrieveJobLogs         bool
	RetrieveJobLogsRetryDelays []time.Duration
	MailCoalesceInterval    time.Duration
	SuiteURL                string
	SuiteFooter             string
}

// pendingHandler tracks one in-flight handler invocation's retry timer and
// the task proxy it fires for.
type pendingHandler struct {
	event   string
	fn      HandlerFunc
	fields  map[string]string
	timer   *actiontimer.Timer
	proxy   *taskproxy.Proxy
}

// Manager drives message ingestion and event handler dispatch for a
// running workflow.
type Manager struct {
	cfg     Config
	log     *slog.Logger
	pending []*pendingHandler

	eventCounters map[string]int // per-event occurrence index, for non-unique dedup keys

	pendingMail map[string][]string // recipient -> lines, flushed on tick
	lastMailFlush time.Time
}

// New constructs a Manager.
func New(cfg Config, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		cfg:           cfg,
		log:           log,
		eventCounters: make(map[string]int),
		pendingMail:   make(map[string][]string),
	}
}

// ProcessMessage applies one incoming job message to proxy (spec.md §4.11
// "processMessage"). flag distinguishes how the message arrived (e.g. "poll"
// vs "remote") for logging only.
func (m *Manager) ProcessMessage(proxy *taskproxy.Proxy, severity cylcid.Severity, message string, eventTime *time.Time, flag string, submitNum *uint) Outcome {
	if !severity.Valid() {
		severity = cylcid.SeverityNormal
	}
	proxy.Summary.LatestMessage = message

	switch {
	case message == MsgSubmitted:
		return m.applyOrPoll(proxy, taskstate.Submitted, func() {
			proxy.Transition(taskstate.Submitted)
			proxy.SetSummaryTime(taskproxy.SummarySubmit, eventTime)
			m.fire("submitted", proxy)
		})
	case message == MsgSubmitFailed:
		return m.handleSubmitFailed(proxy)
	case message == MsgStarted:
		return m.applyOrPoll(proxy, taskstate.Running, func() {
			proxy.Transition(taskstate.Running)
			proxy.SetSummaryTime(taskproxy.SummaryStart, eventTime)
			proxy.Summary.JobVacated = false
			m.fire("started", proxy)
		})
	case message == MsgSucceeded:
		return m.applyOrPoll(proxy, taskstate.Succeeded, func() {
			proxy.Transition(taskstate.Succeeded)
			proxy.SetSummaryTime(taskproxy.SummaryFinish, eventTime)
			proxy.Outputs.SetCompleted(outputsMessageSucceeded, true)
			m.fire("succeeded", proxy)
		})
	case message == MsgFailed || strings.HasPrefix(message, failSignalPrefix):
		return m.handleFailed(proxy)
	case strings.HasPrefix(message, abortPrefix):
		m.log.Warn("task abort", "task", proxy.ID().String(), "reason", message)
		return m.handleFailed(proxy)
	case strings.HasPrefix(message, vacationPrefix):
		m.handleVacation(proxy)
		return OutcomeApplied
	case proxy.Outputs.Declares(message):
		proxy.Outputs.SetCompleted(message, true)
		return OutcomeApplied
	default:
		m.log.Log(context.Background(), slogLevel(severity), message, "task", proxy.ID().String(), "flag", flag)
		return OutcomeApplied
	}
}

const outputsMessageSucceeded = "succeeded"

// slogLevel maps a cylc message severity onto the nearest slog.Level.
func slogLevel(sev cylcid.Severity) slog.Level {
	switch sev {
	case cylcid.SeverityDebug:
		return slog.LevelDebug
	case cylcid.SeverityWarning:
		return slog.LevelWarn
	case cylcid.SeverityError, cylcid.SeverityCritical:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// applyOrPoll implements the anti-regression rule: if next isn't forward
// progress of proxy's current status, leave state untouched and tell the
// caller to poll; otherwise run apply.
func (m *Manager) applyOrPoll(proxy *taskproxy.Proxy, next taskstate.Status, apply func()) Outcome {
	if !taskstate.IsForwardOf(proxy.Status(), next) {
		return OutcomePollToConfirm
	}
	apply()
	return OutcomeApplied
}

func (m *Manager) handleSubmitFailed(proxy *taskproxy.Proxy) Outcome {
	if taskstate.IsPast(proxy.Status(), taskstate.SubmitFailed) {
		return OutcomePollToConfirm
	}
	if proxy.SubmitRetryTimer != nil && proxy.SubmitRetryTimer.Next(time.Now()) {
		proxy.SubmitRetryNum++
		proxy.Hold()
		proxy.ReleaseToSwap()
		proxy.Force(taskstate.SubmitRetrying)
		m.fire("submit-retry", proxy)
		return OutcomeApplied
	}
	proxy.Transition(taskstate.SubmitFailed)
	proxy.Outputs.SetCompleted("submit-failed", true)
	m.fire("submit-failed", proxy)
	return OutcomeApplied
}

func (m *Manager) handleFailed(proxy *taskproxy.Proxy) Outcome {
	if taskstate.IsPast(proxy.Status(), taskstate.Failed) {
		return OutcomePollToConfirm
	}
	if proxy.ExecutionRetryTimer != nil && proxy.ExecutionRetryTimer.Next(time.Now()) {
		proxy.TryNum++
		proxy.Hold()
		proxy.ReleaseToSwap()
		proxy.Force(taskstate.Retrying)
		m.fire("retry", proxy)
		return OutcomeApplied
	}
	proxy.Transition(taskstate.Failed)
	proxy.Outputs.SetCompleted("failed", true)
	m.fire("failed", proxy)
	return OutcomeApplied
}

func (m *Manager) handleVacation(proxy *taskproxy.Proxy) {
	proxy.Force(taskstate.Submitted)
	proxy.Summary.StartTime = nil
	proxy.SubmitRetryNum = 0
	proxy.Summary.JobVacated = true
}

// fire dispatches every configured handler for event, arming a per-handler
// ActionTimer for retries.
func (m *Manager) fire(event string, proxy *taskproxy.Proxy) {
	m.eventCounters[event]++
	handlers := m.cfg.Handlers[event]
	if len(handlers) == 0 {
		return
	}
	fields := m.eventFields(event, proxy)
	for _, h := range handlers {
		ph := &pendingHandler{
			event:  event,
			fn:     h,
			fields: fields,
			proxy:  proxy,
			timer:  actiontimer.New(m.cfg.HandlerRetryDelays),
		}
		m.runHandler(ph)
	}
}

func (m *Manager) runHandler(ph *pendingHandler) {
	if err := ph.fn(ph.event, ph.proxy, ph.fields); err != nil {
		if ph.timer.Next(time.Now()) {
			m.pending = append(m.pending, ph)
			return
		}
		m.log.Warn("event handler failed permanently", "event", ph.event, "task", ph.proxy.ID().String(), "err", err)
		return
	}
}

// ProcessEvents fires any due event-handler retry timers (spec.md §4.14
// step 9, §4.11 "processEvents"). Must run each main-loop tick.
func (m *Manager) ProcessEvents(now time.Time) {
	due := m.pending
	m.pending = nil
	var remaining []*pendingHandler
	for _, ph := range due {
		if !ph.timer.ReachedDue(now) {
			remaining = append(remaining, ph)
			continue
		}
		m.runHandler(ph)
		// runHandler re-appends ph to m.pending on a fresh failure that
		// still has retries left, so don't also keep ph here.
	}
	m.pending = append(remaining, m.pending...)
	m.flushMail(now)
}

// eventFields builds the named substitution map custom handlers expand
// against (spec.md §4.11 "Event handlers").
func (m *Manager) eventFields(event string, proxy *taskproxy.Proxy) map[string]string {
	f := map[string]string{
		"event":          event,
		"point":          proxy.Point.Format(),
		"name":           string(proxy.Def.Name),
		"submit_num":     fmt.Sprintf("%d", proxy.SubmitNum),
		"try_num":        fmt.Sprintf("%d", proxy.TryNumber()),
		"id":             proxy.ID().String(),
		"message":        proxy.Summary.LatestMessage,
		"batch_sys_name": proxy.Summary.BatchSysName,
		"batch_sys_job_id": proxy.Summary.BatchSysJobID,
		"user@host":      proxy.Summary.Owner + "@" + proxy.Summary.Host,
		"suite_url":      m.cfg.SuiteURL,
	}
	if proxy.Summary.SubmitTime != nil {
		f["submit_time"] = proxy.Summary.SubmitTime.Format(time.RFC3339)
	}
	if proxy.Summary.StartTime != nil {
		f["start_time"] = proxy.Summary.StartTime.Format(time.RFC3339)
	}
	if proxy.Summary.FinishTime != nil {
		f["finish_time"] = proxy.Summary.FinishTime.Format(time.RFC3339)
	}
	return f
}

// ExpandHandler substitutes named fields into a handler template string;
// if no "%(key)s"-style substitution occurred, falls back to the
// positional form "handler event suite id message" (spec.md §4.11).
func ExpandHandler(template string, fields map[string]string, suite string) string {
	out := template
	substituted := false
	for k, v := range fields {
		token := "%(" + k + ")s"
		if strings.Contains(out, token) {
			out = strings.ReplaceAll(out, token, v)
			substituted = true
		}
	}
	if substituted {
		return out
	}
	return strings.Join([]string{template, fields["event"], suite, fields["id"], fields["message"]}, " ")
}

// QueueMail appends a coalesced mail line for recipient, to be flushed on
// the next tick boundary that crosses MailCoalesceInterval.
func (m *Manager) QueueMail(recipient, line string) {
	m.pendingMail[recipient] = append(m.pendingMail[recipient], line)
}

func (m *Manager) flushMail(now time.Time) {
	if len(m.pendingMail) == 0 {
		return
	}
	if !m.lastMailFlush.IsZero() && now.Sub(m.lastMailFlush) < m.cfg.MailCoalesceInterval {
		return
	}
	recipients := make([]string, 0, len(m.pendingMail))
	for r := range m.pendingMail {
		recipients = append(recipients, r)
	}
	sort.Strings(recipients)
	for _, r := range recipients {
		lines := m.pendingMail[r]
		body := strings.Join(lines, "\n") + "\n" + m.cfg.SuiteFooter
		m.log.Info("mail coalesced", "to", r, "lines", len(lines), "body", body)
		delete(m.pendingMail, r)
	}
	m.lastMailFlush = now
}

// CheckJobTime fires the "submission timeout"/"execution timeout" event
// exactly once when proxy.Timeout (armed by ArmTimeout) is first crossed,
// then clears it (spec.md §4.11 "Timeouts").
func (m *Manager) CheckJobTime(proxy *taskproxy.Proxy, now time.Time) {
	if proxy.Timeout == nil {
		return
	}
	if now.Before(*proxy.Timeout) {
		return
	}
	var event string
	switch proxy.Status() {
	case taskstate.Submitted:
		event = "submission timeout"
	case taskstate.Running:
		event = "execution timeout"
	default:
		proxy.Timeout = nil
		return
	}
	m.fire(event, proxy)
	proxy.Timeout = nil
}

// ArmTimeout sets proxy.Timeout = startOfStatus + timeoutSetting, per
// spec.md §4.11 "At status entry to submitted/running, arm timeout".
func ArmTimeout(proxy *taskproxy.Proxy, startOfStatus time.Time, timeoutSetting time.Duration) {
	if timeoutSetting <= 0 {
		proxy.Timeout = nil
		return
	}
	t := startOfStatus.Add(timeoutSetting)
	proxy.Timeout = &t
}

// sumDurations totals a slice of durations.
func sumDurations(ds []time.Duration) time.Duration {
	var total time.Duration
	for _, d := range ds {
		total += d
	}
	return total
}

// BuildExecutionPollingSchedule computes the execution polling schedule
// from base host intervals and an optional execution time limit (spec.md
// §4.11 "Timeouts"). Base intervals that would overrun the time limit are
// dropped; otherwise the last base interval is repeated to fill the gap up
// to the time limit. The remaining gap to the time limit is added to the
// first limit interval, which lands on the time limit plus that interval:
// with several limit intervals the first one is lengthened in place; with
// a single one it is appended twice, once lengthened and once as is.
func BuildExecutionPollingSchedule(baseIntervals []time.Duration, timeLimit time.Duration, limitIntervals []time.Duration) []time.Duration {
	if timeLimit <= 0 || len(limitIntervals) == 0 {
		return append([]time.Duration(nil), baseIntervals...)
	}

	delays := append([]time.Duration(nil), baseIntervals...)
	limitDelays := append([]time.Duration(nil), limitIntervals...)

	if sumDurations(delays) > timeLimit {
		for len(delays) > 0 && sumDurations(delays) > timeLimit {
			delays = delays[:len(delays)-1]
		}
	} else if len(delays) > 0 {
		last := delays[len(delays)-1]
		size := int((timeLimit - sumDurations(delays)) / last)
		for i := 0; i < size; i++ {
			delays = append(delays, last)
		}
	}

	if len(limitDelays) > 1 {
		limitDelays[0] += timeLimit - sumDurations(delays)
	} else {
		delays = append(delays, limitDelays[0]+timeLimit-sumDurations(delays))
	}

	return append(delays, limitDelays...)
}

// IsNonUniqueEvent reports whether event belongs to the non-unique set
// (spec.md §4.11) whose handlers are keyed by occurrence index rather than
// deduped.
func IsNonUniqueEvent(event string) bool { return cylcid.EventKind(event).IsNonUnique() }

// EventIndex returns the current occurrence count for event, the dedup key
// non-unique-set handlers use.
func (m *Manager) EventIndex(event string) int { return m.eventCounters[event] }
