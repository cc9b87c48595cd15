// Package broadcast implements the BroadcastManager described in
// spec.md §4.8: point x namespace runtime overrides with cancel/expire
// semantics and specificity-ordered merge. Grounded on the teacher
// (mattcburns-shoal-provision)'s internal/bmc/quirks.go getQuirks(vendor)
// pattern -- "start from defaults, let a more specific key override" --
// generalized from a single vendor axis to the two-axis (point, namespace)
// precedence spec.md names, and on internal/provisioner/config's
// env-overrides-onto-defaults layering for the merge itself.
package broadcast

import (
	"sort"
	"sync"
	"time"
)

// AllPoints and RootNamespace are the wildcard keys §3 allows in a
// broadcast target.
const (
	AllPoints     = "*"
	RootNamespace = "root"
)

// Setting is one point/namespace-targeted override record.
type Setting struct {
	Point      string // a cycle point string, or AllPoints
	Namespace  string // a task namespace, or RootNamespace
	Path       string // dotted setting path, e.g. "environment.FOO"
	Value      string
	CreatedAt  time.Time
}

// BadOptions reports point strings, namespaces, or cancel keys a Put/Clear
// call couldn't resolve (spec.md §4.8).
type BadOptions struct {
	Points     []string
	Namespaces []string
	Settings   []string
}

func (b BadOptions) Empty() bool {
	return len(b.Points) == 0 && len(b.Namespaces) == 0 && len(b.Settings) == 0
}

type key struct {
	point, namespace, path string
}

// Manager holds the live broadcast overrides for a running scheduler.
// Updates are atomic per call (guarded by a single mutex), matching
// spec.md's "Updates are atomic per call" invariant.
type Manager struct {
	mu       sync.Mutex
	settings map[key]Setting

	// knownPoints/knownNamespaces let Put/Clear validate against what the
	// workflow actually has, to populate BadOptions; the scheduler updates
	// these as the pool's runahead window moves.
	knownPoints     map[string]bool
	knownNamespaces map[string]bool
}

// New constructs an empty Manager.
func New() *Manager {
	return &Manager{
		settings:        make(map[key]Setting),
		knownPoints:     make(map[string]bool),
		knownNamespaces: make(map[string]bool),
	}
}

// SetKnownPoints/SetKnownNamespaces let the scheduler keep the manager's
// validation set current as the runahead window and taskdefs change.
func (m *Manager) SetKnownPoints(points []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.knownPoints = make(map[string]bool, len(points))
	for _, p := range points {
		m.knownPoints[p] = true
	}
}

func (m *Manager) SetKnownNamespaces(namespaces []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.knownNamespaces = make(map[string]bool, len(namespaces))
	for _, n := range namespaces {
		m.knownNamespaces[n] = true
	}
	m.knownNamespaces[RootNamespace] = true
}

// Put applies settings to every combination of points x namespaces,
// reporting which points/namespaces couldn't be resolved.
func (m *Manager) Put(points, namespaces []string, settingsKV map[string]string) (applied int, bad BadOptions) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for _, p := range points {
		if p != AllPoints && len(m.knownPoints) > 0 && !m.knownPoints[p] {
			bad.Points = append(bad.Points, p)
			continue
		}
		for _, ns := range namespaces {
			if ns != RootNamespace && len(m.knownNamespaces) > 0 && !m.knownNamespaces[ns] {
				bad.Namespaces = append(bad.Namespaces, ns)
				continue
			}
			for path, val := range settingsKV {
				k := key{point: p, namespace: ns, path: path}
				m.settings[k] = Setting{Point: p, Namespace: ns, Path: path, Value: val, CreatedAt: now}
				applied++
			}
		}
	}
	return applied, bad
}

// Clear removes matching overrides. A nil points/namespaces list means
// "all currently broadcast values"; cancelSettings nil means "every
// setting path at the matched point/namespace".
func (m *Manager) Clear(points, namespaces, cancelSettings []string) (removed int, bad BadOptions) {
	m.mu.Lock()
	defer m.mu.Unlock()
	matchesList := func(list []string, v string) bool {
		if len(list) == 0 {
			return true
		}
		for _, x := range list {
			if x == v {
				return true
			}
		}
		return false
	}
	seenSetting := map[string]bool{}
	for k := range m.settings {
		if !matchesList(points, k.point) || !matchesList(namespaces, k.namespace) {
			continue
		}
		if !matchesList(cancelSettings, k.path) {
			continue
		}
		delete(m.settings, k)
		removed++
		seenSetting[k.path] = true
	}
	for _, s := range cancelSettings {
		if !seenSetting[s] {
			bad.Settings = append(bad.Settings, s)
		}
	}
	return removed, bad
}

// Expire removes every override whose point is strictly before cutoff
// (string comparison of the formatted point is assumed already
// cycle-point-ordered by the caller, which passes cutoff from
// cyclepoint.Point.Format()). AllPoints ("*") entries are never expired.
func (m *Manager) Expire(cutoff string) (removed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, s := range m.settings {
		if s.Point == AllPoints {
			continue
		}
		if s.Point < cutoff {
			delete(m.settings, k)
			removed++
		}
	}
	return removed
}

// Get returns the merged settings effective for a task with the given
// point and namespace hierarchy (most general first, e.g.
// ["root", "FAMILY", "task_name"]). Merge order, per spec.md §4.8:
// "*" then specific point; within each, "root" then each namespace in H
// most-general-first; later overrides win.
func (m *Manager) Get(point string, hierarchy []string) map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]string)
	pointsInOrder := []string{AllPoints, point}
	nsInOrder := append([]string{RootNamespace}, hierarchy...)

	// Collect then sort candidates by (pointRank, nsRank) so merge order is
	// deterministic regardless of map iteration order.
	type cand struct {
		pointRank, nsRank int
		s                 Setting
	}
	var cands []cand
	for k, s := range m.settings {
		if k.point != AllPoints && k.point != point {
			continue
		}
		pr := indexOf(pointsInOrder, k.point)
		nr := indexOf(nsInOrder, k.namespace)
		if pr < 0 || nr < 0 {
			continue
		}
		cands = append(cands, cand{pointRank: pr, nsRank: nr, s: s})
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].pointRank != cands[j].pointRank {
			return cands[i].pointRank < cands[j].pointRank
		}
		return cands[i].nsRank < cands[j].nsRank
	})
	for _, c := range cands {
		out[c.s.Path] = c.s.Value
	}
	return out
}

func indexOf(list []string, v string) int {
	for i, x := range list {
		if x == v {
			return i
		}
	}
	return -1
}
