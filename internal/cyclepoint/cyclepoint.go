// Package cyclepoint implements the CyclePoint/Sequence algebra described
// in spec.md §4.1: an opaque, totally ordered value with parse/format,
// offset arithmetic, and a recurrence generator ("Sequence"). Calendar and
// duration arithmetic are otherwise an external collaborator's concern per
// spec.md §1; this package implements the minimal ISO-8601 datetime/duration
// slice of that algebra needed to drive the engine, following the
// formatting conventions used throughout
// _examples/original_source/cylc/flow/wallclock.py (explicit UTC handling,
// ISO-8601 round-trippable strings).
package cyclepoint

import (
	"errors"
	"fmt"
	"time"
)

// Layout is the canonical ISO-8601 extended datetime format cycle points are
// parsed from and formatted to.
const Layout = "2006-01-02T15:04:05Z07:00"

// BadPoint is returned when a cycle point string fails to parse.
type BadPoint struct {
	Input string
	Err   error
}

func (e *BadPoint) Error() string {
	return fmt.Sprintf("bad cycle point %q: %v", e.Input, e.Err)
}

func (e *BadPoint) Unwrap() error { return e.Err }

// BadSequence is returned when a sequence specification is malformed.
type BadSequence struct {
	Input string
	Err   error
}

func (e *BadSequence) Error() string {
	return fmt.Sprintf("bad sequence %q: %v", e.Input, e.Err)
}

func (e *BadSequence) Unwrap() error { return e.Err }

// Point is an opaque, totally ordered cycle point value.
type Point struct {
	t     time.Time
	valid bool
}

// IsZero reports whether a Point was never set (the zero Point value).
func (p Point) IsZero() bool { return !p.valid }

// Parse parses s (an ISO-8601 datetime) into a Point.
func Parse(s string) (Point, error) {
	t, err := time.Parse(Layout, s)
	if err != nil {
		// Accept the common cylc "no offset" shorthand, e.g. 2020-01-01T00,
		// by padding to a full timestamp in UTC.
		if t2, err2 := time.Parse("2006-01-02T15", s); err2 == nil {
			return Point{t: t2.UTC(), valid: true}, nil
		}
		return Point{}, &BadPoint{Input: s, Err: err}
	}
	return Point{t: t, valid: true}, nil
}

// MustParse is Parse but panics on error; for use with compile-time literals
// (e.g. in tests and taskdef construction from already-validated config).
func MustParse(s string) Point {
	p, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return p
}

// Format renders p in the canonical layout.
func (p Point) Format() string {
	if !p.valid {
		return ""
	}
	return p.t.Format(Layout)
}

// String satisfies fmt.Stringer.
func (p Point) String() string { return p.Format() }

// Equals reports whether p and o denote the same instant.
func (p Point) Equals(o Point) bool { return p.t.Equal(o.t) }

// Less reports whether p sorts strictly before o.
func (p Point) Less(o Point) bool { return p.t.Before(o.t) }

// LessEqual reports p <= o.
func (p Point) LessEqual(o Point) bool { return p.t.Before(o.t) || p.t.Equal(o.t) }

// AddOffset returns p shifted by the ISO-8601 duration d.
func (p Point) AddOffset(d Duration) Point {
	return Point{t: d.applyTo(p.t), valid: true}
}

// Sub returns the signed duration from o to p (p - o).
func (p Point) Sub(o Point) time.Duration { return p.t.Sub(o.t) }

// Duration is a parsed ISO-8601 duration (e.g. "PT1H", "P1D"), kept as
// separate year/month/day/time components because calendar months and
// years are not fixed-length durations.
type Duration struct {
	negative             bool
	years, months, days  int
	hours, mins, seconds int
}

// ParseDuration parses an ISO-8601 duration string.
func ParseDuration(s string) (Duration, error) {
	var d Duration
	orig := s
	if s == "" {
		return d, &BadSequence{Input: orig, Err: errors.New("empty duration")}
	}
	if s[0] == '-' {
		d.negative = true
		s = s[1:]
	}
	if len(s) == 0 || s[0] != 'P' {
		return d, &BadSequence{Input: orig, Err: errors.New("duration must start with P")}
	}
	s = s[1:]
	inTime := false
	num := ""
	for _, r := range s {
		switch {
		case r == 'T':
			inTime = true
		case r >= '0' && r <= '9':
			num += string(r)
		default:
			if num == "" {
				return d, &BadSequence{Input: orig, Err: fmt.Errorf("unexpected unit %q with no value", r)}
			}
			var n int
			if _, err := fmt.Sscanf(num, "%d", &n); err != nil {
				return d, &BadSequence{Input: orig, Err: err}
			}
			num = ""
			switch r {
			case 'Y':
				d.years = n
			case 'M':
				if inTime {
					d.mins = n
				} else {
					d.months = n
				}
			case 'W':
				d.days += n * 7
			case 'D':
				d.days += n
			case 'H':
				d.hours = n
			case 'S':
				d.seconds = n
			default:
				return d, &BadSequence{Input: orig, Err: fmt.Errorf("unknown duration unit %q", r)}
			}
		}
	}
	if num != "" {
		return d, &BadSequence{Input: orig, Err: errors.New("trailing digits with no unit")}
	}
	return d, nil
}

// MustParseDuration is ParseDuration but panics on error.
func MustParseDuration(s string) Duration {
	d, err := ParseDuration(s)
	if err != nil {
		panic(err)
	}
	return d
}

// IsZero reports whether the duration is zero-length.
func (d Duration) IsZero() bool {
	return d.years == 0 && d.months == 0 && d.days == 0 && d.hours == 0 && d.mins == 0 && d.seconds == 0
}

func (d Duration) applyTo(t time.Time) time.Time {
	years, months, days := d.years, d.months, d.days
	hours, mins, secs := d.hours, d.mins, d.seconds
	if d.negative {
		years, months, days, hours, mins, secs = -years, -months, -days, -hours, -mins, -secs
	}
	t = t.AddDate(years, months, days)
	return t.Add(time.Duration(hours)*time.Hour + time.Duration(mins)*time.Minute + time.Duration(secs)*time.Second)
}

// ApproxDuration returns a best-effort fixed time.Duration for contexts that
// need one (e.g. maxFutureOffset comparisons); months/years are approximated
// using 30/365-day months/years, matching the "arbitrary calendar" framing
// of spec.md §1 where the scheduler treats offsets as opaque but orderable.
func (d Duration) ApproxDuration() time.Duration {
	days := d.days + d.months*30 + d.years*365
	total := time.Duration(days)*24*time.Hour + time.Duration(d.hours)*time.Hour +
		time.Duration(d.mins)*time.Minute + time.Duration(d.seconds)*time.Second
	if d.negative {
		return -total
	}
	return total
}

// Sequence generates cycle points recurring on a fixed ISO-8601 interval
// starting from an anchor point, optionally bounded by [start, end].
type Sequence struct {
	anchor   Point
	interval Duration
	start    *Point
	end      *Point
}

// NewSequence builds a Sequence recurring every interval starting at anchor.
func NewSequence(anchor Point, interval Duration) (*Sequence, error) {
	if interval.IsZero() {
		return nil, &BadSequence{Input: "", Err: errors.New("zero-length recurrence interval")}
	}
	return &Sequence{anchor: anchor, interval: interval}, nil
}

// WithBounds restricts the sequence to [start, end]; a nil bound is open.
func (s *Sequence) WithBounds(start, end *Point) *Sequence {
	s2 := *s
	s2.start, s2.end = start, end
	return &s2
}

// First returns the first point on or after the sequence's start bound (or
// its anchor if unbounded), or false if the sequence never starts.
func (s *Sequence) First() (Point, bool) {
	p := s.anchor
	if s.start != nil && p.Less(*s.start) {
		// start bound itself may already be on-sequence
		if s.IsOn(*s.start) {
			p = *s.start
		} else {
			var ok bool
			p, ok = s.NextAfter(*s.start)
			if !ok {
				return Point{}, false
			}
		}
	}
	if s.end != nil && s.end.Less(p) {
		return Point{}, false
	}
	return p, true
}

// IsOn reports whether p falls exactly on this sequence.
func (s *Sequence) IsOn(p Point) bool {
	if s.interval.IsZero() {
		return p.Equals(s.anchor)
	}
	// Step from the anchor toward p; since intervals aren't fixed-length in
	// wall-clock terms (months/years), walk rather than divide.
	cur := s.anchor
	if cur.Equals(p) {
		return true
	}
	forward := cur.Less(p)
	for i := 0; i < 100000; i++ {
		var next Point
		if forward {
			next = cur.AddOffset(s.interval)
			if next.Less(cur) || next.Equals(cur) {
				return false // non-advancing interval; avoid infinite loop
			}
			if p.Less(next) {
				return false
			}
		} else {
			next = cur.AddOffset(negate(s.interval))
			if cur.Less(next) || next.Equals(cur) {
				return false
			}
			if next.Less(p) {
				return false
			}
		}
		cur = next
		if cur.Equals(p) {
			return true
		}
	}
	return false
}

// NextAfter returns the first sequence point strictly after p, or false if
// that would exceed the sequence's end bound.
func (s *Sequence) NextAfter(p Point) (Point, bool) {
	cur := s.anchor
	// Fast-forward cur to be <= p using doubling would be ideal; for the
	// bounded instance counts this engine deals with, linear stepping from
	// the anchor is adequate and keeps month/year arithmetic exact.
	if cur.Less(p) {
		for i := 0; i < 1000000; i++ {
			next := cur.AddOffset(s.interval)
			if !next.Less(cur) && !next.Equals(cur) {
				cur = next
			} else {
				break
			}
			if p.Less(cur) {
				if s.end != nil && s.end.Less(cur) {
					return Point{}, false
				}
				return cur, true
			}
		}
	}
	for {
		if p.Less(cur) {
			if s.end != nil && s.end.Less(cur) {
				return Point{}, false
			}
			return cur, true
		}
		cur = cur.AddOffset(s.interval)
	}
}

func negate(d Duration) Duration {
	d.negative = !d.negative
	return d
}
