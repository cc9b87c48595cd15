package broadcast

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutAndGetMergesBySpecificity(t *testing.T) {
	m := New()

	_, bad := m.Put([]string{AllPoints}, []string{RootNamespace}, map[string]string{"environment.FOO": "all"})
	require.True(t, bad.Empty())

	_, bad = m.Put([]string{"1"}, []string{"mytask"}, map[string]string{"environment.FOO": "specific"})
	require.True(t, bad.Empty())

	got := m.Get("1", []string{"mytask"})
	assert.Equal(t, "specific", got["environment.FOO"], "more specific point+namespace should win")

	got = m.Get("2", []string{"mytask"})
	assert.Equal(t, "all", got["environment.FOO"], "unmatched point falls back to the wildcard")
}

func TestPutValidatesKnownPointsAndNamespaces(t *testing.T) {
	m := New()
	m.SetKnownPoints([]string{"1", "2"})
	m.SetKnownNamespaces([]string{"mytask"})

	_, bad := m.Put([]string{"99"}, []string{"mytask"}, map[string]string{"x": "y"})
	assert.Contains(t, bad.Points, "99")

	_, bad = m.Put([]string{"1"}, []string{"unknown"}, map[string]string{"x": "y"})
	assert.Contains(t, bad.Namespaces, "unknown")

	applied, bad := m.Put([]string{"1"}, []string{"mytask"}, map[string]string{"x": "y"})
	assert.Equal(t, 1, applied)
	assert.True(t, bad.Empty())
}

func TestClearByPointAndNamespace(t *testing.T) {
	m := New()
	m.Put([]string{"1"}, []string{"mytask"}, map[string]string{"x": "y"})

	removed, bad := m.Clear([]string{"1"}, []string{"mytask"}, nil)
	assert.Equal(t, 1, removed)
	assert.True(t, bad.Empty())
	assert.Empty(t, m.Get("1", []string{"mytask"}))
}

func TestClearReportsUnknownCancelSettings(t *testing.T) {
	m := New()
	m.Put([]string{"1"}, []string{"mytask"}, map[string]string{"x": "y"})

	_, bad := m.Clear([]string{"1"}, []string{"mytask"}, []string{"x", "not-set"})
	assert.Contains(t, bad.Settings, "not-set")
}

func TestExpireRemovesOldPointsNotWildcard(t *testing.T) {
	m := New()
	m.Put([]string{AllPoints}, []string{RootNamespace}, map[string]string{"x": "wild"})
	m.Put([]string{"1"}, []string{RootNamespace}, map[string]string{"x": "old"})
	m.Put([]string{"3"}, []string{RootNamespace}, map[string]string{"x": "new"})

	removed := m.Expire("2")
	assert.Equal(t, 1, removed)

	got := m.Get("1", nil)
	assert.Equal(t, "wild", got["x"], "expired point override falls back to wildcard")

	got = m.Get("3", nil)
	assert.Equal(t, "new", got["x"], "point at or after cutoff survives")
}

func TestGetNamespaceHierarchyMostSpecificWins(t *testing.T) {
	m := New()
	m.Put([]string{AllPoints}, []string{RootNamespace}, map[string]string{"x": "root-val"})
	m.Put([]string{AllPoints}, []string{"FAMILY"}, map[string]string{"x": "family-val"})

	got := m.Get("1", []string{"FAMILY", "mytask"})
	assert.Equal(t, "family-val", got["x"])
}

func TestBadOptionsEmpty(t *testing.T) {
	assert.True(t, BadOptions{}.Empty())
	assert.False(t, BadOptions{Points: []string{"x"}}.Empty())
}
