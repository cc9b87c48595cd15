package taskpool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cylcd/internal/cyclepoint"
	"cylcd/internal/outputs"
	"cylcd/internal/taskproxy"
	"cylcd/internal/taskstate"
)

func dailySeq(anchor cyclepoint.Point) *cyclepoint.Sequence {
	seq, err := cyclepoint.NewSequence(anchor, cyclepoint.MustParseDuration("P1D"))
	if err != nil {
		panic(err)
	}
	return seq
}

func buildSuccessor(pr *taskproxy.Proxy, next cyclepoint.Point) *taskproxy.Proxy {
	return taskproxy.New(pr.Def, next, taskstate.Waiting, 0)
}

func TestInsertAndGet(t *testing.T) {
	p := New(nil)
	anchor := cyclepoint.MustParse("2026-01-01T00:00:00Z")
	def := &taskproxy.TaskDef{Name: "foo", Sequence: dailySeq(anchor)}
	pr := taskproxy.New(def, anchor, taskstate.Waiting, 0)
	p.Insert(pr)

	got, ok := p.Get(pr.ID())
	require.True(t, ok)
	assert.Equal(t, pr, got)
}

func TestReleaseRunaheadTasksCountMode(t *testing.T) {
	p := New(nil)
	p.RunaheadLimitCount = 2
	anchor := cyclepoint.MustParse("2026-01-01T00:00:00Z")
	day := cyclepoint.MustParseDuration("P1D")

	points := []cyclepoint.Point{anchor}
	for i := 1; i <= 4; i++ {
		points = append(points, points[i-1].AddOffset(day))
	}

	def := &taskproxy.TaskDef{Name: "foo", Sequence: dailySeq(anchor)}
	for _, pt := range points {
		p.Insert(taskproxy.New(def, pt, taskstate.Waiting, 0))
	}

	p.ReleaseRunaheadTasks(points, false)

	assert.Len(t, p.AllActive(), 2, "count-mode runahead should admit the base point and the next point (2 points in all)")
	assert.Len(t, p.AllRunahead(), 3, "the remaining 3 points should stay runahead-limited")
}

func TestReleaseRunaheadTasksUnlimitedAdmitsAll(t *testing.T) {
	p := New(nil)
	anchor := cyclepoint.MustParse("2026-01-01T00:00:00Z")
	def := &taskproxy.TaskDef{Name: "foo", Sequence: dailySeq(anchor)}
	p.Insert(taskproxy.New(def, anchor, taskstate.Waiting, 0))
	p2 := anchor.AddOffset(cyclepoint.MustParseDuration("P1D"))
	p.Insert(taskproxy.New(def, p2, taskstate.Waiting, 0))

	p.ReleaseRunaheadTasks([]cyclepoint.Point{anchor, p2}, false)

	assert.Len(t, p.AllActive(), 2)
	assert.Empty(t, p.AllRunahead())
}

func TestGetReadyTasksPromotesAndReleasesRespectingLimit(t *testing.T) {
	p := New(map[string]int{"default": 1})
	anchor := cyclepoint.MustParse("2026-01-01T00:00:00Z")
	def := &taskproxy.TaskDef{Name: "foo"}

	pr1 := taskproxy.New(def, anchor, taskstate.Waiting, 0)
	pr2 := taskproxy.New(def, anchor.AddOffset(cyclepoint.MustParseDuration("P1D")), taskstate.Waiting, 0)
	p.Insert(pr1)
	p.Insert(pr2)
	p.ReleaseRunaheadTasks([]cyclepoint.Point{pr1.Point, pr2.Point}, false)

	ready := p.GetReadyTasks(time.Now())
	assert.Len(t, ready, 1, "queue limit of 1 should only release one task per tick")
	assert.Equal(t, taskstate.Ready, ready[0].Status())
}

func TestGetReadyTasksManualTriggerBypassesLimit(t *testing.T) {
	p := New(map[string]int{"default": 1})
	anchor := cyclepoint.MustParse("2026-01-01T00:00:00Z")
	def := &taskproxy.TaskDef{Name: "foo"}

	pr1 := taskproxy.New(def, anchor, taskstate.Waiting, 0)
	pr2 := taskproxy.New(def, anchor.AddOffset(cyclepoint.MustParseDuration("P1D")), taskstate.Waiting, 0)
	pr2.ManualTrigger = true
	p.Insert(pr1)
	p.Insert(pr2)
	p.ReleaseRunaheadTasks([]cyclepoint.Point{pr1.Point, pr2.Point}, false)

	ready := p.GetReadyTasks(time.Now())
	assert.Len(t, ready, 2, "a manually triggered task should release even over the queue limit")
}

func TestMatchDependenciesPropagatesCompletedOutputs(t *testing.T) {
	p := New(nil)
	anchor := cyclepoint.MustParse("2026-01-01T00:00:00Z")
	upstream := &taskproxy.TaskDef{Name: "a"}
	downstream := &taskproxy.TaskDef{
		Name: "b",
		Prerequisites: [][]outputs.Triple{
			{{Name: "a", Point: anchor.Format(), Message: outputs.MessageSucceeded}},
		},
	}
	a := taskproxy.New(upstream, anchor, taskstate.Waiting, 0)
	require.NoError(t, a.Outputs.SetCompleted(outputs.MessageSucceeded, true))
	b := taskproxy.New(downstream, anchor, taskstate.Waiting, 0)

	p.Insert(a)
	p.Insert(b)

	p.MatchDependencies()
	assert.True(t, b.IsReady(time.Now()))
}

func TestSpawnAllTasksSpawnsSuccessorOnce(t *testing.T) {
	p := New(nil)
	anchor := cyclepoint.MustParse("2026-01-01T00:00:00Z")
	def := &taskproxy.TaskDef{Name: "foo", Sequence: dailySeq(anchor)}
	pr := taskproxy.New(def, anchor, taskstate.Waiting, 0)
	pr.Force(taskstate.Succeeded)
	p.Insert(pr)

	p.SpawnAllTasks(buildSuccessor)
	assert.True(t, pr.Spawned)
	assert.Len(t, p.All(), 2)

	p.SpawnAllTasks(buildSuccessor)
	assert.Len(t, p.All(), 2, "already-spawned proxy should not spawn again")
}

func TestRemoveSuicidingTasksRemovesAndSpawnsSuccessor(t *testing.T) {
	p := New(nil)
	anchor := cyclepoint.MustParse("2026-01-01T00:00:00Z")
	def := &taskproxy.TaskDef{
		Name:     "foo",
		Sequence: dailySeq(anchor),
		SuicidePrereqs: [][]outputs.Triple{
			{{Name: "trigger", Point: "1", Message: "failed"}},
		},
	}
	pr := taskproxy.New(def, anchor, taskstate.Waiting, 0)
	pr.MatchCompletedOutput(outputs.Triple{Name: "trigger", Point: "1", Message: "failed"})
	require.True(t, pr.SuicideReady())
	p.Insert(pr)

	removed := p.RemoveSuicidingTasks(buildSuccessor)
	require.Len(t, removed, 1)
	assert.Equal(t, pr.ID(), removed[0])
	_, ok := p.Get(pr.ID())
	assert.False(t, ok)
	assert.Len(t, p.All(), 1, "a successor should be spawned before removal")
}

func TestRemoveSpentTasksRemovesBehindCutoff(t *testing.T) {
	p := New(nil)
	anchor := cyclepoint.MustParse("2026-01-01T00:00:00Z")
	spentDef := &taskproxy.TaskDef{Name: "spent"}
	waitingDef := &taskproxy.TaskDef{Name: "waiting"}

	spent := taskproxy.New(spentDef, anchor, taskstate.Waiting, 0)
	spent.Spawned = true
	spent.Force(taskstate.Succeeded)
	waiting := taskproxy.New(waitingDef, anchor.AddOffset(cyclepoint.MustParseDuration("P10D")), taskstate.Waiting, 0)

	p.Insert(spent)
	p.Insert(waiting)

	removed := p.RemoveSpentTasks()
	require.Len(t, removed, 1)
	assert.Equal(t, spent.ID(), removed[0])
}

func TestRemoveSpentTasksKeepsTaskAheadOfCutoff(t *testing.T) {
	p := New(nil)
	anchor := cyclepoint.MustParse("2026-01-01T00:00:00Z")
	spentDef := &taskproxy.TaskDef{Name: "spent"}
	waitingDef := &taskproxy.TaskDef{Name: "waiting"}

	spent := taskproxy.New(spentDef, anchor, taskstate.Waiting, 0)
	spent.Spawned = true
	spent.Force(taskstate.Succeeded)
	waiting := taskproxy.New(waitingDef, anchor, taskstate.Waiting, 0) // same point: not ahead of spent

	p.Insert(spent)
	p.Insert(waiting)

	removed := p.RemoveSpentTasks()
	assert.Empty(t, removed, "spent task at or ahead of the earliest unsatisfied point must not be removed")
}

func TestStalledDetection(t *testing.T) {
	p := New(nil)
	anchor := cyclepoint.MustParse("2026-01-01T00:00:00Z")
	def := &taskproxy.TaskDef{
		Name: "foo",
		Prerequisites: [][]outputs.Triple{
			{{Name: "missing", Point: "1", Message: "succeeded"}},
		},
	}
	pr := taskproxy.New(def, anchor, taskstate.Waiting, 0)
	p.Insert(pr)

	assert.True(t, p.Stalled(), "waiting task with unmet prerequisites and no active work should be stalled")

	pr.Force(taskstate.Running)
	assert.False(t, p.Stalled(), "an active task means the pool is not stalled")
}

func TestStalledFalseWhenNoWaitingTasks(t *testing.T) {
	p := New(nil)
	assert.False(t, p.Stalled())
}

func TestReloadReplacesStillDefinedAndDropsRemoved(t *testing.T) {
	p := New(nil)
	anchor := cyclepoint.MustParse("2026-01-01T00:00:00Z")
	keptDef := &taskproxy.TaskDef{Name: "kept"}
	droppedDef := &taskproxy.TaskDef{Name: "dropped"}

	kept := taskproxy.New(keptDef, anchor, taskstate.Waiting, 0)
	dropped := taskproxy.New(droppedDef, anchor, taskstate.Waiting, 0)
	p.Insert(kept)
	p.Insert(dropped)

	newKeptDef := &taskproxy.TaskDef{Name: "kept"}
	p.Reload(
		func(name string) bool { return name == "kept" },
		func(old *taskproxy.Proxy) *taskproxy.Proxy {
			return taskproxy.New(newKeptDef, old.Point, taskstate.Waiting, old.SubmitNum)
		},
	)

	replaced, ok := p.Get(kept.ID())
	require.True(t, ok)
	assert.Same(t, newKeptDef, replaced.Def)
	assert.Same(t, replaced, kept.ReloadSuccessor)

	_, ok = p.Get(dropped.ID())
	assert.False(t, ok, "a waiting proxy whose taskdef is gone should be dropped on reload")
}

func TestReloadKeepsRunningOrphan(t *testing.T) {
	p := New(nil)
	anchor := cyclepoint.MustParse("2026-01-01T00:00:00Z")
	def := &taskproxy.TaskDef{Name: "gone"}
	pr := taskproxy.New(def, anchor, taskstate.Waiting, 0)
	pr.Force(taskstate.Running)
	p.Insert(pr)

	p.Reload(func(string) bool { return false }, nil)

	_, ok := p.Get(pr.ID())
	assert.True(t, ok, "a running orphaned proxy should be kept, not dropped")
}

func TestSetStopModeAndStopMode(t *testing.T) {
	p := New(nil)
	assert.False(t, p.StopMode())
	p.SetStopMode(true)
	assert.True(t, p.StopMode())
}
