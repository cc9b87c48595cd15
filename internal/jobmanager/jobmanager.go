// Package jobmanager implements the JobManager described in spec.md
// §4.10: prepare, group & dispatch, poll, kill, and simulation-mode
// shortcuts for a workflow's ready task proxies.
//
// Grounded on the teacher (mattcburns-shoal-provision)'s
// internal/provisioner/jobs/worker.go for the overall prepare-then-dispatch
// shape (build a job context, hand it to a transport, interpret the
// result as a state transition). Remote jobs-submit/jobs-poll/jobs-kill
// commands are run as an `ssh` argv (see wrapRemote) through subprocpool;
// golang.org/x/crypto/ssh only supplies the client type of SSHDialFunc.
package jobmanager

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"cylcd/internal/actiontimer"
	"cylcd/internal/batchsys"
	"cylcd/internal/events"
	"cylcd/internal/remote"
	"cylcd/internal/subprocpool"
	"cylcd/internal/taskproxy"
	"cylcd/internal/taskstate"
	"cylcd/pkg/cylcid"
)

// maxBatchSize caps chunk size regardless of the computed ceil(n/(n/100+1))
// formula (spec.md: "≤ ~100 per batch").
const maxBatchSize = 100

// HostSelectFunc resolves a task's rendered platform/host setting, per
// spec.md §4.12. Returning ok=false means "retry next tick".
type HostSelectFunc func(proxy *taskproxy.Proxy) (host string, ok bool, err error)

// SSHDialFunc opens an SSH client to host as owner. The Manager stores it,
// but no dispatch, poll or kill path calls it: remote commands go through
// the ssh argv built by wrapRemote. Tests substitute a fake.
type SSHDialFunc func(host, owner string) (*ssh.Client, error)

// SimConfig enables bypassing real dispatch for a task (spec.md
// "Simulation mode").
type SimConfig struct {
	Enabled          bool
	ElapsedToFinish  time.Duration
	FailProbability  float64 // 0..1; evaluated by caller-supplied randomness
	Rand             func() float64
}

// Manager coordinates job lifecycle transport for a running workflow.
type Manager struct {
	pool       *subprocpool.Pool
	remoteMgr  *remote.Manager
	registry   *batchsys.Registry
	eventsMgr  *events.Manager
	hostSelect HostSelectFunc
	sshDial    SSHDialFunc
	sim        SimConfig

	runDir string // local $HOME/cylc-run/<workflow>
}

// New constructs a Manager.
func New(pool *subprocpool.Pool, remoteMgr *remote.Manager, registry *batchsys.Registry, eventsMgr *events.Manager, runDir string, hostSelect HostSelectFunc, sshDial SSHDialFunc, sim SimConfig) *Manager {
	return &Manager{
		pool:       pool,
		remoteMgr:  remoteMgr,
		registry:   registry,
		eventsMgr:  eventsMgr,
		hostSelect: hostSelect,
		sshDial:    sshDial,
		sim:        sim,
		runDir:     runDir,
	}
}

// JobConfig is the per-submission configuration built by Prepare.
type JobConfig struct {
	Proxy       *taskproxy.Proxy
	BatchSystem string
	Host        string
	Owner       string
	JobFilePath string
	LogDir      string
}

// PrepareResult reports per-proxy prepare outcomes.
type PrepareResult struct {
	Ready   []*JobConfig
	Waiting []*taskproxy.Proxy // awaiting remote host selection
}

// Prepare runs spec.md's "Prepare" step over every ready proxy: host
// selection, submit_num increment, retry timer setup, job file writing,
// log-dir layout.
func (m *Manager) Prepare(ready []*taskproxy.Proxy, writeJobFile func(*JobConfig) error) PrepareResult {
	var res PrepareResult
	for _, pr := range ready {
		host, ok, err := m.hostSelect(pr)
		if err != nil {
			pr.Force(taskstate.SubmitFailed)
			continue
		}
		if !ok {
			res.Waiting = append(res.Waiting, pr)
			continue
		}
		pr.SubmitNum++
		if pr.Def.SubmitRetryDelays != nil {
			pr.SubmitRetryTimer = actiontimer.New(pr.Def.SubmitRetryDelays)
		}
		if pr.Def.ExecutionRetryDelays != nil {
			pr.ExecutionRetryTimer = actiontimer.New(pr.Def.ExecutionRetryDelays)
		}
		logDir := jobLogDir(m.runDir, pr)
		jc := &JobConfig{
			Proxy:       pr,
			BatchSystem: pr.Def.Platform,
			Host:        host,
			Owner:       pr.Def.Owner,
			JobFilePath: logDir + "/job",
			LogDir:      logDir,
		}
		if writeJobFile != nil {
			if err := writeJobFile(jc); err != nil {
				pr.Force(taskstate.SubmitFailed)
				continue
			}
		}
		res.Ready = append(res.Ready, jc)
	}
	return res
}

func jobLogDir(runDir string, pr *taskproxy.Proxy) string {
	return fmt.Sprintf("%s/log/job/%s/%s/%02d", runDir, pr.Point.Format(), pr.Def.Name, pr.SubmitNum)
}

// --- Group & dispatch ---

type groupKey struct{ host, owner string }

// GroupByHostOwner partitions job configs by (host, owner), per spec.md
// §4.10 "Group & dispatch".
func GroupByHostOwner(jobs []*JobConfig) map[groupKey][]*JobConfig {
	groups := make(map[groupKey][]*JobConfig)
	for _, jc := range jobs {
		k := groupKey{host: jc.Host, owner: jc.Owner}
		groups[k] = append(groups[k], jc)
	}
	return groups
}

// batchSize implements spec.md's ceil(n / (n/100 + 1)) chunk-size formula,
// capped at maxBatchSize.
func batchSize(n int) int {
	if n <= 0 {
		return 1
	}
	size := int(math.Ceil(float64(n) / (float64(n)/100.0 + 1.0)))
	if size < 1 {
		size = 1
	}
	if size > maxBatchSize {
		size = maxBatchSize
	}
	return size
}

func chunk(jobs []*JobConfig, size int) [][]*JobConfig {
	var out [][]*JobConfig
	for i := 0; i < len(jobs); i += size {
		end := i + size
		if end > len(jobs) {
			end = len(jobs)
		}
		out = append(out, jobs[i:end])
	}
	return out
}

// SubmitLine is one parsed "[TASK JOB SUMMARY]" line from jobs-submit, per
// spec.md's `timestamp|logDir|rc|batchJobId` framing.
type SubmitLine struct {
	Timestamp time.Time
	LogDir    string
	RC        int
	BatchJobID string
}

// ParseSubmitSummary parses jobs-submit stdout into one SubmitLine per
// well-formed row; a leading "[TASK JOB SUMMARY]" prefix is optional and
// malformed rows are skipped.
func ParseSubmitSummary(stdout string) []SubmitLine {
	var out []SubmitLine
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimPrefix(line, summaryPrefix)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "|", 4)
		if len(parts) < 3 {
			continue
		}
		ts, err := time.Parse(time.RFC3339, parts[0])
		if err != nil {
			continue
		}
		rc, err := strconv.Atoi(parts[2])
		if err != nil {
			continue
		}
		sl := SubmitLine{Timestamp: ts, LogDir: parts[1], RC: rc}
		if len(parts) == 4 {
			sl.BatchJobID = parts[3]
		}
		out = append(out, sl)
	}
	return out
}

// Dispatch runs group & dispatch for one (host, owner) group: ensures the
// install target, chunks into batches, invokes the jobs-submit runner, and
// forwards rc/id to eventsMgr as submit messages (spec.md §4.10).
func (m *Manager) Dispatch(ctx context.Context, key groupKey, jobs []*JobConfig, run func(ctx context.Context, host, owner string, batch []*JobConfig) (stdout string, err error)) {
	status := m.remoteMgr.RemoteInit(ctx, key.host, key.owner)
	switch status {
	case remote.InitPending:
		return // proxies stay "remote host initialising"
	case remote.InitFailed:
		for _, jc := range jobs {
			jc.Proxy.Force(taskstate.SubmitFailed)
		}
		return
	}

	for _, batch := range chunk(jobs, batchSize(len(jobs))) {
		stdout, err := run(ctx, key.host, key.owner, batch)
		byLogDir := make(map[string]*JobConfig, len(batch))
		for _, jc := range batch {
			byLogDir[jc.LogDir] = jc
		}
		if err != nil {
			for _, jc := range batch {
				jc.Proxy.Force(taskstate.SubmitFailed)
			}
			continue
		}
		seen := make(map[string]bool)
		for _, sl := range ParseSubmitSummary(stdout) {
			jc, ok := byLogDir[sl.LogDir]
			if !ok {
				continue
			}
			seen[sl.LogDir] = true
			m.applySubmitResult(jc, sl)
		}
		for logDir, jc := range byLogDir {
			if !seen[logDir] {
				jc.Proxy.Force(taskstate.SubmitFailed)
			}
		}
	}
}

func (m *Manager) applySubmitResult(jc *JobConfig, sl SubmitLine) {
	switch {
	case sl.RC != 0:
		m.eventsMgr.ProcessMessage(jc.Proxy, cylcid.SeverityNormal, "submit-failed", &sl.Timestamp, "submit", nil)
	case sl.BatchJobID == "":
		m.eventsMgr.ProcessMessage(jc.Proxy, cylcid.SeverityNormal, "submit-failed", &sl.Timestamp, "submit", nil)
	default:
		jc.Proxy.Summary.BatchSysJobID = sl.BatchJobID
		jc.Proxy.Summary.BatchSysName = jc.BatchSystem
		jc.Proxy.Summary.JobLogDir = jc.LogDir
		jc.Proxy.PollTimer = actiontimer.NewNoExhaust([]time.Duration{defaultSubmissionPollInterval})
		jc.Proxy.PollTimer.Next(sl.Timestamp)
		m.eventsMgr.ProcessMessage(jc.Proxy, cylcid.SeverityNormal, "submitted", &sl.Timestamp, "submit", nil)
	}
}

// defaultSubmissionPollInterval is the fallback polling interval applied
// once a job is submitted, used when no platform-specific polling
// intervals are configured (original_source lib/cylc/task_events_mgr.py
// process_message: "Default 15 minute intervals").
const defaultSubmissionPollInterval = 15 * time.Minute

// DispatchAsync runs spec.md's "Group & dispatch" step without blocking the
// caller: for each (host, owner) group the install target is checked first
// (a group whose RemoteManager init is still pending is simply retried on a
// later call), then each chunk's jobs-submit command is handed to
// SubProcPool and its result applied from the callback once the scheduler
// drains it -- the same ssh-via-subprocpool shape
// internal/remote.Manager.startInit uses for install-target init.
func (m *Manager) DispatchAsync(ctx context.Context, jobs []*JobConfig, buildCmd func(host, owner string, batch []*JobConfig) []string) {
	for key, group := range GroupByHostOwner(jobs) {
		status := m.remoteMgr.RemoteInit(ctx, key.host, key.owner)
		switch status {
		case remote.InitPending:
			continue
		case remote.InitFailed:
			for _, jc := range group {
				jc.Proxy.Force(taskstate.SubmitFailed)
			}
			continue
		}
		for _, batch := range chunk(group, batchSize(len(group))) {
			batch := batch
			byLogDir := make(map[string]*JobConfig, len(batch))
			for _, jc := range batch {
				byLogDir[jc.LogDir] = jc
			}
			m.pool.Put(ctx, subprocpool.Context{
				CmdKey: "job-submit",
				Cmd:    buildCmd(key.host, key.owner, batch),
				IDKeys: idKeysFor(batch),
			}, func(res subprocpool.Result) {
				if res.Err != nil || res.ExitCode != 0 {
					for _, jc := range batch {
						jc.Proxy.Force(taskstate.SubmitFailed)
					}
					return
				}
				seen := make(map[string]bool, len(batch))
				for _, sl := range ParseSubmitSummary(res.Stdout) {
					jc, ok := byLogDir[sl.LogDir]
					if !ok {
						continue
					}
					seen[sl.LogDir] = true
					m.applySubmitResult(jc, sl)
				}
				for logDir, jc := range byLogDir {
					if !seen[logDir] {
						jc.Proxy.Force(taskstate.SubmitFailed)
					}
				}
			})
		}
	}
}

func idKeysFor(batch []*JobConfig) []string {
	keys := make([]string, 0, len(batch))
	for _, jc := range batch {
		keys = append(keys, jc.Proxy.ID().String())
	}
	return keys
}

// --- Poll ---

// PollLine is one parsed "[TASK JOB SUMMARY]"/"[TASK JOB MESSAGE]" line
// from jobs-poll output (spec.md §4.10 "Poll").
type PollLine struct {
	Timestamp time.Time
	LogDir    string
	IsSummary bool
	Fields    string // json-encoded, kind left to the caller to unmarshal
	Severity  cylcid.Severity
	Message   string
}

const (
	summaryPrefix = "[TASK JOB SUMMARY]"
	messagePrefix = "[TASK JOB MESSAGE]"
)

// ParsePollOutput parses jobs-poll's framed stdout into PollLines.
func ParsePollOutput(stdout string) []PollLine {
	var out []PollLine
	for _, raw := range strings.Split(stdout, "\n") {
		line := strings.TrimSpace(raw)
		switch {
		case strings.HasPrefix(line, summaryPrefix):
			rest := strings.TrimPrefix(line, summaryPrefix)
			parts := strings.SplitN(rest, "|", 3)
			if len(parts) != 3 {
				continue
			}
			ts, err := time.Parse(time.RFC3339, parts[0])
			if err != nil {
				continue
			}
			out = append(out, PollLine{Timestamp: ts, LogDir: parts[1], IsSummary: true, Fields: parts[2]})
		case strings.HasPrefix(line, messagePrefix):
			rest := strings.TrimPrefix(line, messagePrefix)
			parts := strings.SplitN(rest, "|", 4)
			if len(parts) != 4 {
				continue
			}
			ts, err := time.Parse(time.RFC3339, parts[0])
			if err != nil {
				continue
			}
			out = append(out, PollLine{Timestamp: ts, LogDir: parts[1], Severity: cylcid.Severity(parts[2]), Message: parts[3]})
		}
	}
	return out
}

// Poll runs jobs-poll for one (host, owner) group. If the batch system's
// PollCantConnectErrSubstring appears in stderr alongside a non-zero rc,
// the poll is untrusted: state is left intact and pollUntrusted is set
// (spec.md §4.9, §4.10).
func (m *Manager) Poll(ctx context.Context, key groupKey, jobs []*JobConfig, run func(ctx context.Context, host, owner string, ids []string) (stdout, stderr string, rc int, err error)) {
	ids := make([]string, 0, len(jobs))
	byLogDir := make(map[string]*JobConfig, len(jobs))
	for _, jc := range jobs {
		ids = append(ids, jc.LogDir)
		byLogDir[jc.LogDir] = jc
	}
	stdout, stderr, rc, err := run(ctx, key.host, key.owner, ids)
	sys := m.registry.Get(jobs[0].BatchSystem)
	if rc != 0 && sys != nil && sys.PollCantConnectErrSubstring != "" && strings.Contains(stderr, sys.PollCantConnectErrSubstring) {
		for _, jc := range jobs {
			jc.Proxy.Summary.PollUntrusted = true
		}
		return
	}
	if err != nil {
		return
	}
	for _, pl := range ParsePollOutput(stdout) {
		jc, ok := byLogDir[pl.LogDir]
		if !ok {
			continue
		}
		if pl.IsSummary {
			jc.Proxy.Summary.PollUntrusted = false
			continue
		}
		m.eventsMgr.ProcessMessage(jc.Proxy, pl.Severity, pl.Message, &pl.Timestamp, "poll", nil)
	}
}

// PollAsync runs jobs-poll for every (host, owner) group of the given
// active proxies without blocking the caller, applying results from the
// subprocpool callback once the scheduler drains it (spec.md §4.10 "Poll").
func (m *Manager) PollAsync(ctx context.Context, proxies []*taskproxy.Proxy, buildCmd func(host, owner string, ids []string) []string) {
	for key, group := range CollectByHostOwner(proxies) {
		if len(group) == 0 {
			continue
		}
		group := group
		ids := make([]string, 0, len(group))
		byLogDir := make(map[string]*taskproxy.Proxy, len(group))
		for _, pr := range group {
			ids = append(ids, pr.Summary.JobLogDir)
			byLogDir[pr.Summary.JobLogDir] = pr
		}
		sys := m.registry.Get(group[0].Summary.BatchSysName)
		m.pool.Put(ctx, subprocpool.Context{
			CmdKey: "job-poll",
			Cmd:    buildCmd(key.host, key.owner, ids),
			IDKeys: ids,
		}, func(res subprocpool.Result) {
			if res.ExitCode != 0 && sys != nil && sys.PollCantConnectErrSubstring != "" && strings.Contains(res.Stderr, sys.PollCantConnectErrSubstring) {
				for _, pr := range group {
					pr.Summary.PollUntrusted = true
				}
				return
			}
			if res.Err != nil {
				return
			}
			for _, pl := range ParsePollOutput(res.Stdout) {
				pr, ok := byLogDir[pl.LogDir]
				if !ok {
					continue
				}
				if pl.IsSummary {
					pr.Summary.PollUntrusted = false
					continue
				}
				m.eventsMgr.ProcessMessage(pr, pl.Severity, pl.Message, &pl.Timestamp, "poll", nil)
			}
		})
	}
}

// --- Kill ---

// Kill holds target proxies first, then runs jobs-kill per (host, owner)
// group (spec.md §4.10 "Kill").
func (m *Manager) Kill(ctx context.Context, key groupKey, jobs []*JobConfig, run func(ctx context.Context, host, owner string, ids []string) (rc int, err error)) {
	for _, jc := range jobs {
		jc.Proxy.Hold()
	}
	ids := make([]string, 0, len(jobs))
	for _, jc := range jobs {
		ids = append(ids, jc.LogDir)
	}
	rc, err := run(ctx, key.host, key.owner, ids)
	if err != nil || rc != 0 {
		for _, jc := range jobs {
			jc.Proxy.Summary.KillFailed = true
		}
		return
	}
	for _, jc := range jobs {
		switch jc.Proxy.Status() {
		case taskstate.Running:
			jc.Proxy.Force(taskstate.Failed)
		case taskstate.Submitted:
			jc.Proxy.Force(taskstate.SubmitFailed)
		}
	}
}

// KillAsync holds every target proxy, then runs jobs-kill per (host, owner)
// group without blocking the caller, applying the result from the
// subprocpool callback once the scheduler drains it (spec.md §4.10 "Kill").
func (m *Manager) KillAsync(ctx context.Context, proxies []*taskproxy.Proxy, buildCmd func(host, owner string, ids []string) []string) {
	for _, pr := range proxies {
		pr.Hold()
	}
	for key, group := range CollectByHostOwner(proxies) {
		if len(group) == 0 {
			continue
		}
		group := group
		ids := make([]string, 0, len(group))
		for _, pr := range group {
			ids = append(ids, pr.Summary.JobLogDir)
		}
		m.pool.Put(ctx, subprocpool.Context{
			CmdKey: "job-kill",
			Cmd:    buildCmd(key.host, key.owner, ids),
			IDKeys: ids,
		}, func(res subprocpool.Result) {
			if res.Err != nil || res.ExitCode != 0 {
				for _, pr := range group {
					pr.Summary.KillFailed = true
				}
				return
			}
			for _, pr := range group {
				switch pr.Status() {
				case taskstate.Running:
					pr.Force(taskstate.Failed)
				case taskstate.Submitted:
					pr.Force(taskstate.SubmitFailed)
				}
			}
		})
	}
}

// --- Simulation mode ---

// SimulateIfEnabled bypasses real dispatch when sim mode is on, emitting
// succeeded/failed after ElapsedToFinish per configured FailProbability
// (spec.md "Simulation mode"). Returns true if it handled the proxy.
func (m *Manager) SimulateIfEnabled(pr *taskproxy.Proxy, submittedAt time.Time, now time.Time) bool {
	if !m.sim.Enabled {
		return false
	}
	if now.Sub(submittedAt) < m.sim.ElapsedToFinish {
		return true
	}
	r := 0.0
	if m.sim.Rand != nil {
		r = m.sim.Rand()
	}
	if r < m.sim.FailProbability {
		m.eventsMgr.ProcessMessage(pr, cylcid.SeverityNormal, "failed", nil, "sim", nil)
	} else {
		m.eventsMgr.ProcessMessage(pr, cylcid.SeverityNormal, "succeeded", nil, "sim", nil)
	}
	return true
}

// CollectByHostOwner groups a proxy slice's submitted jobs for polling/kill
// purposes, keyed by the proxy's recorded host/owner.
func CollectByHostOwner(proxies []*taskproxy.Proxy) map[groupKey][]*taskproxy.Proxy {
	out := make(map[groupKey][]*taskproxy.Proxy)
	for _, pr := range proxies {
		k := groupKey{host: pr.Summary.Host, owner: pr.Summary.Owner}
		out[k] = append(out[k], pr)
	}
	return out
}

// sortedKeys returns a deterministic iteration order over a groupKey map,
// for callers that need stable dispatch ordering across ticks.
func sortedKeys(m map[groupKey][]*JobConfig) []groupKey {
	keys := make([]groupKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].host != keys[j].host {
			return keys[i].host < keys[j].host
		}
		return keys[i].owner < keys[j].owner
	})
	return keys
}

// SortedGroups returns GroupByHostOwner's groups in deterministic order.
func SortedGroups(jobs []*JobConfig) ([]groupKey, map[groupKey][]*JobConfig) {
	groups := GroupByHostOwner(jobs)
	return sortedKeys(groups), groups
}

// --- Default command builders ---
//
// BuildSubmitCmd, BuildPollCmd and BuildKillCmd construct the literal
// `cylc jobs-submit`/`jobs-poll`/`jobs-kill` invocations spec.md §4.10
// names, wrapped in ssh when the target host isn't the local machine.

// BuildSubmitCmd builds the jobs-submit argv for one batch.
func (m *Manager) BuildSubmitCmd(host, owner string, batch []*JobConfig) []string {
	dirs := make([]string, 0, len(batch))
	for _, jc := range batch {
		dirs = append(dirs, jc.LogDir)
	}
	cmd := append([]string{"cylc", "jobs-submit", m.runDir}, dirs...)
	return wrapRemote(host, owner, cmd)
}

// BuildPollCmd builds the jobs-poll argv for one group of job log dirs.
func (m *Manager) BuildPollCmd(host, owner string, logDirs []string) []string {
	cmd := append([]string{"cylc", "jobs-poll", m.runDir}, logDirs...)
	return wrapRemote(host, owner, cmd)
}

// BuildKillCmd builds the jobs-kill argv for one group of job log dirs.
func (m *Manager) BuildKillCmd(host, owner string, logDirs []string) []string {
	cmd := append([]string{"cylc", "jobs-kill", m.runDir}, logDirs...)
	return wrapRemote(host, owner, cmd)
}

// wrapRemote prefixes cmd with an ssh invocation unless host is the local
// machine, mirroring internal/remote.Manager's sshTarget convention.
func wrapRemote(host, owner string, cmd []string) []string {
	if host == "" || host == "localhost" {
		return cmd
	}
	target := host
	if owner != "" {
		target = owner + "@" + host
	}
	return append([]string{"ssh", target}, cmd...)
}
