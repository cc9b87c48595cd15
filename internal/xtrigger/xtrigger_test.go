package xtrigger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cylcd/internal/subprocpool"
)

func TestCollateDedupesByCacheKeyAndSkipsCached(t *testing.T) {
	m := New(subprocpool.New(1))
	defer m.pool.Close()

	specs := map[string]Spec{
		"a": {Label: "a", Kind: KindClock, CacheKey: "ck-a"},
		"b": {Label: "b", Kind: KindClock, CacheKey: "ck-a"}, // shares a's cache key
	}
	slots := []Slot{
		{TaskKey: "t1", Label: "a", CacheKey: "ck-a"},
		{TaskKey: "t2", Label: "b", CacheKey: "ck-a"},
	}

	due := m.Collate(specs, slots)
	require.Len(t, due, 1, "duplicate cache keys should collapse to one evaluation")

	m.cache["ck-a"] = result{satisfied: true}
	due = m.Collate(specs, slots)
	assert.Empty(t, due, "already-cached cache key should not be re-collated")
}

func TestSatisfyClockEmptyExprAlwaysSatisfied(t *testing.T) {
	m := New(subprocpool.New(1))
	defer m.pool.Close()

	specs := []Spec{{Label: "always", Kind: KindClock, CacheKey: "ck-always", CronExpr: ""}}
	m.SatisfyClock(specs, time.Now())
	assert.True(t, m.cache["ck-always"].satisfied)
}

func TestSatisfyClockInvalidExprNotSatisfied(t *testing.T) {
	m := New(subprocpool.New(1))
	defer m.pool.Close()

	specs := []Spec{{Label: "bad", Kind: KindClock, CacheKey: "ck-bad", CronExpr: "not a cron expr"}}
	m.SatisfyClock(specs, time.Now())
	assert.False(t, m.cache["ck-bad"].satisfied)
}

func TestApplyWritesOnlyNonPendingOutcomes(t *testing.T) {
	m := New(subprocpool.New(1))
	defer m.pool.Close()

	m.cache["ready"] = result{satisfied: true}
	m.cache["pending"] = result{pending: true}

	var readyVal, pendingVal bool
	pendingCalled := false
	slots := []Slot{
		{CacheKey: "ready", Satisfy: func(sat bool, _ map[string]string) { readyVal = sat }},
		{CacheKey: "pending", Satisfy: func(sat bool, _ map[string]string) { pendingVal = sat; pendingCalled = true }},
	}
	m.Apply(slots)

	assert.True(t, readyVal)
	assert.False(t, pendingCalled, "pending cache entries must not be applied")
	_ = pendingVal
}

func TestResetPreservesPendingEntries(t *testing.T) {
	m := New(subprocpool.New(1))
	defer m.pool.Close()

	m.cache["settled"] = result{satisfied: true}
	m.cache["inflight"] = result{pending: true}

	m.Reset()

	_, settledStillThere := m.cache["settled"]
	assert.False(t, settledStillThere, "settled entries should be cleared so clock triggers re-evaluate")

	_, inflightStillThere := m.cache["inflight"]
	assert.True(t, inflightStillThere, "pending entries must survive Reset so in-flight evaluations aren't lost")
}

func TestSatisfyFunctionCachesCallbackResult(t *testing.T) {
	m := New(subprocpool.New(1))
	defer m.pool.Close()

	specs := []Spec{{Label: "fn", Kind: KindFunction, CacheKey: "ck-fn", Command: []string{"true"}}}
	m.SatisfyFunction(context.Background(), specs)

	r, ok := m.cache["ck-fn"]
	require.True(t, ok)
	assert.True(t, r.pending, "result should be pending until the subprocpool callback fires")

	require.Eventually(t, func() bool {
		m.pool.Drain()
		return !m.cache["ck-fn"].pending
	}, time.Second, 5*time.Millisecond)
	assert.True(t, m.cache["ck-fn"].satisfied)
}
