package actiontimer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextArmsAndExhausts(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tm := New([]time.Duration{time.Second, 2 * time.Second})

	require.True(t, tm.Next(now))
	due, ok := tm.DueAt()
	require.True(t, ok)
	assert.Equal(t, now.Add(time.Second), due)
	assert.Equal(t, 1, tm.Num())

	require.True(t, tm.Next(now))
	due, ok = tm.DueAt()
	require.True(t, ok)
	assert.Equal(t, now.Add(2*time.Second), due)

	assert.False(t, tm.Next(now), "timer should be exhausted after 2 delays")
	assert.True(t, tm.Exhausted())
}

func TestNewNoExhaustKeepsFiringLastDelay(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tm := NewNoExhaust([]time.Duration{time.Second})

	require.True(t, tm.Next(now))
	require.True(t, tm.Next(now))
	require.True(t, tm.Next(now))
	assert.False(t, tm.Exhausted())
	assert.Equal(t, 3, tm.Num())
}

func TestReachedDue(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tm := New([]time.Duration{time.Second})

	assert.False(t, tm.ReachedDue(now), "unarmed timer never reports due")

	tm.Next(now)
	assert.False(t, tm.ReachedDue(now))
	assert.True(t, tm.ReachedDue(now.Add(time.Second)))
	assert.True(t, tm.ReachedDue(now.Add(2*time.Second)))
}

func TestReset(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tm := New([]time.Duration{time.Second, time.Second})
	tm.Next(now)
	tm.Next(now)
	require.True(t, tm.Exhausted())

	tm.Reset()
	assert.False(t, tm.Exhausted())
	assert.Equal(t, 0, tm.Num())
	_, ok := tm.DueAt()
	assert.False(t, ok)

	assert.True(t, tm.Next(now))
}

func TestExponentialBackoffProducesBoundedDelays(t *testing.T) {
	tm := ExponentialBackoff(time.Second, 10*time.Second, 5, 0.5)
	delays := tm.Delays()
	require.Len(t, delays, 5)
	for _, d := range delays {
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 10*time.Second)
	}
}

func TestDelaysReturnsCopy(t *testing.T) {
	tm := New([]time.Duration{time.Second})
	delays := tm.Delays()
	delays[0] = time.Hour
	assert.Equal(t, time.Second, tm.Delays()[0], "Delays() must return a defensive copy")
}
