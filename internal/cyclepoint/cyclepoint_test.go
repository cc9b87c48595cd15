package cyclepoint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFormatRoundTrip(t *testing.T) {
	p, err := Parse("2026-01-01T00:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, "2026-01-01T00:00:00Z", p.Format())
	assert.False(t, p.IsZero())
}

func TestParseShorthand(t *testing.T) {
	p, err := Parse("2026-01-01T00")
	require.NoError(t, err)
	assert.False(t, p.IsZero())
}

func TestParseBadPoint(t *testing.T) {
	_, err := Parse("not-a-date")
	require.Error(t, err)
	var bp *BadPoint
	assert.ErrorAs(t, err, &bp)
}

func TestZeroPointIsZero(t *testing.T) {
	var p Point
	assert.True(t, p.IsZero())
	assert.Equal(t, "", p.Format())
}

func TestOrdering(t *testing.T) {
	a := MustParse("2026-01-01T00:00:00Z")
	b := MustParse("2026-01-02T00:00:00Z")
	assert.True(t, a.Less(b))
	assert.False(t, b.Less(a))
	assert.True(t, a.LessEqual(a))
	assert.True(t, a.Equals(MustParse("2026-01-01T00:00:00Z")))
}

func TestAddOffsetAndSub(t *testing.T) {
	a := MustParse("2026-01-01T00:00:00Z")
	d := MustParseDuration("P1D")
	b := a.AddOffset(d)
	assert.Equal(t, "2026-01-02T00:00:00Z", b.Format())
	assert.Equal(t, 24*time.Hour, b.Sub(a))
}

func TestParseDurationUnits(t *testing.T) {
	cases := []struct {
		in   string
		want Duration
	}{
		{"PT1H", Duration{hours: 1}},
		{"P1D", Duration{days: 1}},
		{"P1W", Duration{days: 7}},
		{"P1Y2M3D", Duration{years: 1, months: 2, days: 3}},
		{"PT30M", Duration{mins: 30}},
		{"-P1D", Duration{negative: true, days: 1}},
	}
	for _, c := range cases {
		got, err := ParseDuration(c.in)
		require.NoError(t, err, c.in)
		assert.Equal(t, c.want, got, c.in)
	}
}

func TestParseDurationErrors(t *testing.T) {
	_, err := ParseDuration("")
	assert.Error(t, err)

	_, err = ParseDuration("1D")
	assert.Error(t, err)

	_, err = ParseDuration("PX")
	assert.Error(t, err)
}

func TestDurationIsZero(t *testing.T) {
	assert.True(t, Duration{}.IsZero())
	assert.False(t, MustParseDuration("P1D").IsZero())
}

func TestSequenceIsOnAndNextAfter(t *testing.T) {
	anchor := MustParse("2026-01-01T00:00:00Z")
	interval := MustParseDuration("P1D")
	seq, err := NewSequence(anchor, interval)
	require.NoError(t, err)

	assert.True(t, seq.IsOn(anchor))
	assert.True(t, seq.IsOn(MustParse("2026-01-03T00:00:00Z")))
	assert.False(t, seq.IsOn(MustParse("2026-01-01T12:00:00Z")))

	next, ok := seq.NextAfter(anchor)
	require.True(t, ok)
	assert.Equal(t, "2026-01-02T00:00:00Z", next.Format())
}

func TestSequenceZeroIntervalRejected(t *testing.T) {
	_, err := NewSequence(MustParse("2026-01-01T00:00:00Z"), Duration{})
	assert.Error(t, err)
}

func TestSequenceWithBoundsFirst(t *testing.T) {
	anchor := MustParse("2026-01-01T00:00:00Z")
	interval := MustParseDuration("P1D")
	seq, err := NewSequence(anchor, interval)
	require.NoError(t, err)

	start := MustParse("2026-01-05T00:00:00Z")
	bounded := seq.WithBounds(&start, nil)
	first, ok := bounded.First()
	require.True(t, ok)
	assert.Equal(t, "2026-01-05T00:00:00Z", first.Format())
}

func TestSequenceEndBoundExhausted(t *testing.T) {
	anchor := MustParse("2026-01-01T00:00:00Z")
	interval := MustParseDuration("P1D")
	seq, err := NewSequence(anchor, interval)
	require.NoError(t, err)

	end := MustParse("2026-01-02T00:00:00Z")
	bounded := seq.WithBounds(nil, &end)
	_, ok := bounded.NextAfter(MustParse("2026-01-02T00:00:00Z"))
	assert.False(t, ok)
}
