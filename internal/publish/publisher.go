// Package publish turns per-feed aircraft table versions into change
// events for downstream sinks.
package publish

import (
	"sort"
	"sync"
	"time"

	"github.com/yegors/skyrelay/internal/aircraft"
	"github.com/yegors/skyrelay/internal/notify"
	"github.com/yegors/skyrelay/pkg/logger"
)

// ChangeType says what happened to an aircraft
type ChangeType string

const (
	Added   ChangeType = "added"
	Updated ChangeType = "updated"
	Removed ChangeType = "removed"
)

// Change is one aircraft that was added, updated or removed since the last
// poll. Aircraft is nil for removals.
type Change struct {
	Type     ChangeType         `json:"type"`
	FeedID   int                `json:"feed_id"`
	Icao     string             `json:"icao"`
	Aircraft *aircraft.Aircraft `json:"aircraft,omitempty"`
}

// Sink receives the changes of one feed after every poll that found any
type Sink interface {
	PublishChanges(feedID int, changes []Change) error
}

// Table is the part of an aircraft table the publisher reads
type Table interface {
	Versions() map[string]int64
	Get(icao string) (*aircraft.Aircraft, bool)
}

// Source is one feed's table
type Source struct {
	FeedID int
	Table  Table
}

// SourceFunc lists the feeds to publish
type SourceFunc func() []Source

// Publisher polls tables and hands changed aircraft to its sinks. It
// remembers the DataVersion it last published for every aircraft, so an
// aircraft is only sent again once its version moves.
type Publisher struct {
	sources  SourceFunc
	reporter *notify.Reporter
	logger   *logger.Logger

	mu    sync.Mutex
	sinks []namedSink
	seen  map[int]map[string]int64
}

type namedSink struct {
	name string
	sink Sink
}

// New creates a publisher with no sinks
func New(sources SourceFunc, reporter *notify.Reporter, logger *logger.Logger) *Publisher {
	if reporter == nil {
		reporter = notify.NewReporter(time.Minute, logger)
	}
	return &Publisher{
		sources:  sources,
		reporter: reporter,
		logger:   logger.Named("publisher"),
		seen:     make(map[int]map[string]int64),
	}
}

// AddSink registers a sink. name identifies it in reports.
func (p *Publisher) AddSink(name string, sink Sink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sinks = append(p.sinks, namedSink{name: name, sink: sink})
}

// Poll compares every table against the last poll and publishes the
// differences. Feeds that disappeared publish a removal for every aircraft
// they had. It returns the number of changes found.
func (p *Publisher) Poll() int {
	defer p.reporter.Recover("publisher")

	p.mu.Lock()
	defer p.mu.Unlock()

	live := make(map[int]bool)
	total := 0
	for _, src := range p.sources() {
		live[src.FeedID] = true
		changes := p.diff(src)
		total += len(changes)
		p.deliver(src.FeedID, changes)
	}

	ids := make([]int, 0)
	for id := range p.seen {
		if !live[id] {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	for _, id := range ids {
		changes := removals(id, p.seen[id])
		delete(p.seen, id)
		total += len(changes)
		p.deliver(id, changes)
	}
	return total
}

func (p *Publisher) diff(src Source) []Change {
	prev := p.seen[src.FeedID]
	current := src.Table.Versions()
	next := make(map[string]int64, len(current))

	var changes []Change
	for icao, version := range current {
		old, known := prev[icao]
		if known && old == version {
			next[icao] = version
			continue
		}
		ac, ok := src.Table.Get(icao)
		if !ok {
			// removed between Versions and Get, the next poll reports it
			if known {
				next[icao] = old
			}
			continue
		}
		typ := Updated
		if !known {
			typ = Added
		}
		changes = append(changes, Change{Type: typ, FeedID: src.FeedID, Icao: icao, Aircraft: ac})
		next[icao] = ac.DataVersion
	}
	for icao := range prev {
		if _, ok := next[icao]; !ok {
			changes = append(changes, Change{Type: Removed, FeedID: src.FeedID, Icao: icao})
		}
	}
	p.seen[src.FeedID] = next

	sort.Slice(changes, func(i, j int) bool { return changes[i].Icao < changes[j].Icao })
	return changes
}

func removals(feedID int, seen map[string]int64) []Change {
	out := make([]Change, 0, len(seen))
	for icao := range seen {
		out = append(out, Change{Type: Removed, FeedID: feedID, Icao: icao})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Icao < out[j].Icao })
	return out
}

func (p *Publisher) deliver(feedID int, changes []Change) {
	if len(changes) == 0 {
		return
	}
	for _, s := range p.sinks {
		if err := s.sink.PublishChanges(feedID, changes); err != nil {
			p.reporter.Report("publish-"+s.name, err)
		}
	}
	p.logger.Debug("Published aircraft changes",
		logger.Int("feed_id", feedID),
		logger.Int("changes", len(changes)))
}
