// Package sanity scores altitude and position samples for physical
// plausibility against the recent history of the same aircraft.
package sanity

import (
	"sync"
	"time"

	"github.com/yegors/skyrelay/internal/geodesy"
)

// Certainty is the verdict on a single sample
type Certainty int

const (
	Uncertain Certainty = iota
	ProbablyRight
	CertainlyWrong
)

func (c Certainty) String() string {
	switch c {
	case ProbablyRight:
		return "probably_right"
	case CertainlyWrong:
		return "certainly_wrong"
	default:
		return "uncertain"
	}
}

// Tuned limits. Changing them changes which tracks are accepted.
const (
	ResetWindow        = 30 * time.Second
	MaxClimbFtPerSec   = 1200.0
	MaxDescendFtPerSec = -1300.0
	MaxSpeedKmPerSec   = 1.0

	EvictAfter    = 10 * time.Minute
	SweepInterval = time.Minute

	maxHistory = 32
)

type position struct {
	Lat, Lon float64
}

type entry struct {
	altitude track[int]
	position track[position]
	lastUsed time.Time
}

// Filter holds per-aircraft state. It is safe for concurrent use.
type Filter struct {
	mu        sync.Mutex
	now       func() time.Time
	entries   map[int64]*entry
	lastSweep time.Time
}

// New creates a filter using the wall clock for eviction
func New() *Filter {
	return NewWithClock(time.Now)
}

// NewWithClock creates a filter whose eviction sweep uses clock
func NewWithClock(clock func() time.Time) *Filter {
	return &Filter{
		now:     clock,
		entries: make(map[int64]*entry),
	}
}

// CheckAltitude classifies an altitude sample in feet
func (f *Filter) CheckAltitude(id int64, ts time.Time, altitude int) Certainty {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entry(id).altitude.check(ts, altitude, altitudePlausible)
}

// CheckPosition classifies a position sample
func (f *Filter) CheckPosition(id int64, ts time.Time, lat, lon float64) Certainty {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entry(id).position.check(ts, position{lat, lon}, positionPlausible)
}

// FirstGoodAltitude returns the earliest altitude of the current good run
func (f *Filter) FirstGoodAltitude(id int64) (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[id]
	if !ok || !e.altitude.hasFirstGood {
		return 0, false
	}
	return e.altitude.firstGood, true
}

// FirstGoodPosition returns the earliest position of the current good run
func (f *Filter) FirstGoodPosition(id int64) (lat, lon float64, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, found := f.entries[id]
	if !found || !e.position.hasFirstGood {
		return 0, 0, false
	}
	return e.position.firstGood.Lat, e.position.firstGood.Lon, true
}

// Reset forgets everything known about id
func (f *Filter) Reset(id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, id)
}

// Len returns the number of tracked aircraft
func (f *Filter) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

// entry must be called with f.mu held.
func (f *Filter) entry(id int64) *entry {
	now := f.now()
	if now.Sub(f.lastSweep) >= SweepInterval {
		f.lastSweep = now
		for key, e := range f.entries {
			if now.Sub(e.lastUsed) > EvictAfter {
				delete(f.entries, key)
			}
		}
	}

	e, ok := f.entries[id]
	if !ok {
		e = &entry{}
		f.entries[id] = e
	}
	e.lastUsed = now
	return e
}

type sample[T any] struct {
	at    time.Time
	value T
}

// track is the state for one quantity of one aircraft
type track[T any] struct {
	prev     sample[T]
	hasPrev  bool
	prevGood bool

	history []sample[T]

	firstGood    T
	hasFirstGood bool
}

func (t *track[T]) check(ts time.Time, value T, plausible func(from, to sample[T]) bool) Certainty {
	cur := sample[T]{at: ts, value: value}

	if t.hasPrev && ts.Sub(t.prev.at) > ResetWindow {
		t.hasPrev = false
		t.prevGood = false
		t.history = nil
		var zero T
		t.firstGood = zero
		t.hasFirstGood = false
	}

	if !t.hasPrev {
		t.prev = cur
		t.hasPrev = true
		t.record(cur)
		return ProbablyRight
	}

	result := ProbablyRight
	if !plausible(t.prev, cur) {
		if t.prevGood {
			result = CertainlyWrong
		} else {
			result = Uncertain
		}
	}

	if result == ProbablyRight {
		if !t.hasFirstGood {
			t.publishFirstGood(cur, plausible)
		}
		t.prevGood = true
	} else {
		t.prevGood = false
		t.record(cur)
	}

	t.prev = cur
	return result
}

// record keeps samples until a first good value has been found
func (t *track[T]) record(s sample[T]) {
	if t.hasFirstGood {
		return
	}
	if len(t.history) == maxHistory {
		copy(t.history, t.history[1:])
		t.history = t.history[:maxHistory-1]
	}
	t.history = append(t.history, s)
}

func (t *track[T]) publishFirstGood(confirmed sample[T], plausible func(from, to sample[T]) bool) {
	t.firstGood = confirmed.value
	for _, s := range t.history {
		if plausible(s, confirmed) {
			t.firstGood = s.value
			break
		}
	}
	t.hasFirstGood = true
	t.history = nil
}

func elapsedSeconds(from, to time.Time) float64 {
	secs := to.Sub(from).Seconds()
	if secs < 1 {
		secs = 1
	}
	return secs
}

func altitudePlausible(from, to sample[int]) bool {
	rate := float64(to.value-from.value) / elapsedSeconds(from.at, to.at)
	return rate <= MaxClimbFtPerSec && rate >= MaxDescendFtPerSec
}

func positionPlausible(from, to sample[position]) bool {
	km := geodesy.DistanceKM(from.value.Lat, from.value.Lon, to.value.Lat, to.value.Lon)
	return km/elapsedSeconds(from.at, to.at) <= MaxSpeedKmPerSec
}
