// Package remote implements the RemoteManager described in spec.md §4.12:
// idempotent per-install-target initialisation (creating the remote
// .service/ directory over ssh once, caching the result for later calls;
// no service files are copied) and host selection from a rendered host
// string.
//
// Grounded on the teacher (mattcburns-shoal-provision)'s
// internal/bmc/reconcile.go ReconcileState: "if already done, return the
// cached outcome; otherwise kick off the missing step and report pending
// until it completes" -- generalized here from reconciling BMC connection
// state to initialising a remote install target. google/uuid supplies the
// per-scheduler-run uuidStr spec.md names for job-context correlation, the
// same way the teacher's internal/database layer stamps records with
// uuid.New() identifiers.
package remote

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/google/uuid"

	"cylcd/internal/subprocpool"
)

// InitStatus is the tri-state outcome of remoteInit (spec.md §4.12).
type InitStatus int

const (
	InitPending InitStatus = iota
	InitOK
	InitFailed
)

func (s InitStatus) String() string {
	switch s {
	case InitOK:
		return "ok"
	case InitFailed:
		return "failed"
	default:
		return "pending"
	}
}

// MgmtError is raised by host selection when no host can ever be resolved
// (spec.md: "raises RemoteMgmtError (escalates to submit-failed)").
type MgmtError struct {
	Host string
	Err  error
}

func (e *MgmtError) Error() string {
	return fmt.Sprintf("remote: cannot resolve host %q: %v", e.Host, e.Err)
}
func (e *MgmtError) Unwrap() error { return e.Err }

// target tracks one (host, owner) install target's init state.
type target struct {
	status InitStatus
	err    error
}

// Manager holds install-target init state and the per-run UUID embedded in
// job contexts for event correlation.
type Manager struct {
	mu      sync.Mutex
	targets map[string]*target
	pool    *subprocpool.Pool
	runID   string
	workflow string
	serviceFiles []string // relative service file names, e.g. "client.key", "contact"; stored, not copied by startInit
}

// New constructs a Manager for the named workflow, offloading remote copy
// operations to pool.
func New(pool *subprocpool.Pool, workflow string, serviceFiles []string) *Manager {
	return &Manager{
		targets:      make(map[string]*target),
		pool:         pool,
		runID:        uuid.NewString(),
		workflow:     workflow,
		serviceFiles: serviceFiles,
	}
}

// RunID returns the per-scheduler-run identifier embedded in job contexts.
func (m *Manager) RunID() string { return m.runID }

func installKey(host, owner string) string { return owner + "@" + host }

// RemoteInit is idempotent per (host, owner): the first call starts an
// async `ssh ... mkdir -p $HOME/cylc-run/<workflow>/.service/` on the
// remote and returns InitPending; subsequent calls return the cached
// result once it lands. The service files given to New are not copied.
func (m *Manager) RemoteInit(ctx context.Context, host, owner string) InitStatus {
	key := installKey(host, owner)

	m.mu.Lock()
	t, exists := m.targets[key]
	if exists {
		status := t.status
		m.mu.Unlock()
		return status
	}
	t = &target{status: InitPending}
	m.targets[key] = t
	m.mu.Unlock()

	m.startInit(ctx, host, owner, key)
	return InitPending
}

func (m *Manager) startInit(ctx context.Context, host, owner, key string) {
	remoteDir := fmt.Sprintf("$HOME/cylc-run/%s/.service/", m.workflow)
	cmd := []string{"ssh", sshTarget(host, owner), "mkdir", "-p", remoteDir}
	m.pool.Put(ctx, subprocpool.Context{
		CmdKey: "remote-init",
		Cmd:    cmd,
		IDKeys: []string{key},
	}, func(res subprocpool.Result) {
		m.mu.Lock()
		defer m.mu.Unlock()
		t := m.targets[key]
		if t == nil {
			return
		}
		if res.Err != nil || res.ExitCode != 0 {
			t.status = InitFailed
			t.err = res.Err
			return
		}
		t.status = InitOK
	})
}

func sshTarget(host, owner string) string {
	if owner == "" {
		return host
	}
	return owner + "@" + host
}

// Reset clears a target's cached state, forcing the next RemoteInit call to
// restart initialisation (used after a platform config reload).
func (m *Manager) Reset(host, owner string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.targets, installKey(host, owner))
}

// HostSelector resolves a rendered host string/list to one concrete host.
// It returns ("", false, nil) for "retry next tick" and a non-nil error
// only when the string can never resolve (spec.md: raises RemoteMgmtError).
type HostSelector func(rendered string) (host string, ok bool, err error)

// SelectHost runs selector against rendered, wrapping an unresolvable
// string in MgmtError.
func SelectHost(rendered string, selector HostSelector) (string, bool, error) {
	host, ok, err := selector(rendered)
	if err != nil {
		return "", false, &MgmtError{Host: rendered, Err: err}
	}
	return host, ok, nil
}

// StaticListSelector picks uniformly at random among a fixed host list,
// the common case for a rendered "platform = host1, host2, host3" string.
func StaticListSelector(hosts []string) HostSelector {
	return func(rendered string) (string, bool, error) {
		if len(hosts) == 0 {
			return "", false, fmt.Errorf("no candidate hosts for %q", rendered)
		}
		return hosts[rand.Intn(len(hosts))], true, nil
	}
}
