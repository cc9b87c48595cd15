package batchsys

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistryPreregistersBackgroundAndAt(t *testing.T) {
	r := NewRegistry()
	assert.Contains(t, r.Names(), "background")
	assert.Contains(t, r.Names(), "at")
}

func TestGetUnregisteredReturnsNil(t *testing.T) {
	r := NewRegistry()
	assert.Nil(t, r.Get("slurm"))
}

func TestRegisterAddsCustomSystem(t *testing.T) {
	r := NewRegistry()
	r.Register(&System{Name: "slurm", SubmitCmdTemplate: "sbatch %(job)s"})
	sys := r.Get("slurm")
	require.NotNil(t, sys)
	assert.Equal(t, "sbatch %(job)s", sys.SubmitCmdTemplate)
}

func TestRegisterReplacesExisting(t *testing.T) {
	r := NewRegistry()
	r.Register(&System{Name: "background", KillCmdTemplate: "custom-kill"})
	sys := r.Get("background")
	require.NotNil(t, sys)
	assert.Equal(t, "custom-kill", sys.KillCmdTemplate)
}

func TestBackgroundSystemCapabilities(t *testing.T) {
	sys := backgroundSystem()
	assert.True(t, sys.ShouldKillProcGroup)
	assert.True(t, sys.ShouldPollProcGroup)
	assert.Nil(t, sys.FormatDirectives, "background has no directive formatting capability")
	assert.Nil(t, sys.Submit, "background has no inline-submit capability")
	require.NotNil(t, sys.ExtractJobIDFromStdoutRegex)
	assert.True(t, sys.ExtractJobIDFromStdoutRegex.MatchString("12345"))
}

func TestFailSignalsForDefaultsWhenNil(t *testing.T) {
	sys := &System{Name: "x"}
	sigs := FailSignalsFor(sys, JobConfig{})
	assert.Equal(t, DefaultFailSignals, sigs)
}

func TestFailSignalsForUsesOverride(t *testing.T) {
	sys := &System{Name: "x", FailSignals: func(JobConfig) []string { return []string{"KILL"} }}
	sigs := FailSignalsFor(sys, JobConfig{})
	assert.Equal(t, []string{"KILL"}, sigs)
}

func TestFailSignalsForReturnsDefensiveCopy(t *testing.T) {
	sys := &System{Name: "x"}
	sigs := FailSignalsFor(sys, JobConfig{})
	sigs[0] = "MUTATED"
	assert.Equal(t, "EXIT", DefaultFailSignals[0], "mutating the returned slice must not affect the shared default")
}

func TestSimpleTemplateSystem(t *testing.T) {
	sys := simpleTemplateSystem("at", "at now")
	assert.Equal(t, "at now", sys.SubmitCmdTemplate)
	assert.Equal(t, "123", sys.ManipJobID("123"))
}
