package feed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/yegors/skyrelay/internal/notify"
	"github.com/yegors/skyrelay/pkg/logger"
)

// Manager owns every feed of the process and reconciles them against the
// configured receivers and merged feeds.
type Manager struct {
	deps   Deps
	logger *logger.Logger

	mu     sync.RWMutex
	feeds  map[int]*Feed
	ctx    context.Context
	closed bool

	changed notify.Subscribers[[]*Feed]
}

// NewManager creates a manager with no feeds
func NewManager(deps Deps) *Manager {
	deps.fill()
	return &Manager{
		deps:   deps,
		logger: deps.Logger.Named("feed-manager"),
		feeds:  make(map[int]*Feed),
	}
}

// Start makes the manager start every feed it creates with ctx, including
// those it already holds.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	m.ctx = ctx
	feeds := m.sortedLocked()
	m.mu.Unlock()

	var errs []error
	for _, f := range feeds {
		if err := f.Start(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ApplyConfiguration creates, reconfigures and closes feeds so that exactly
// the enabled receivers and merged feeds exist. Receivers are handled before
// merged feeds so that merged feeds bind to the current receiver feeds.
// Errors for individual feeds are collected; the other feeds are still
// applied.
func (m *Manager) ApplyConfiguration(receivers []ReceiverConfig, merged []MergedFeedConfig) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("feed manager closed: %w", ErrInvalidOperation)
	}

	var errs []error
	wanted := make(map[int]bool)
	var closing []*Feed

	for _, cfg := range receivers {
		if !cfg.Enabled {
			continue
		}
		if wanted[cfg.UniqueID] {
			errs = append(errs, fmt.Errorf("duplicate feed id %d: %w", cfg.UniqueID, ErrInvalidOperation))
			continue
		}
		wanted[cfg.UniqueID] = true

		if f, ok := m.feeds[cfg.UniqueID]; ok && !f.IsMerged() {
			if _, err := f.ApplyConfiguration(cfg); err != nil {
				errs = append(errs, err)
			}
			continue
		} else if ok {
			closing = append(closing, f)
			delete(m.feeds, cfg.UniqueID)
		}

		f := New(m.deps)
		if err := f.Initialise(cfg); err != nil {
			errs = append(errs, err)
			delete(wanted, cfg.UniqueID)
			continue
		}
		m.feeds[cfg.UniqueID] = f
		m.startLocked(f, &errs)
	}

	for id, f := range m.feeds {
		if !f.IsMerged() && !wanted[id] {
			closing = append(closing, f)
			delete(m.feeds, id)
		}
	}

	// merged feeds resolve against the receivers that now exist
	candidates := m.sortedLocked()
	for _, cfg := range merged {
		if !cfg.Enabled {
			continue
		}
		if wanted[cfg.UniqueID] {
			errs = append(errs, fmt.Errorf("duplicate feed id %d: %w", cfg.UniqueID, ErrInvalidOperation))
			continue
		}
		wanted[cfg.UniqueID] = true

		if f, ok := m.feeds[cfg.UniqueID]; ok && f.IsMerged() {
			if _, err := f.ApplyMergedConfiguration(cfg, candidates); err != nil {
				errs = append(errs, err)
			}
			continue
		} else if ok {
			closing = append(closing, f)
			delete(m.feeds, cfg.UniqueID)
		}

		f := New(m.deps)
		if err := f.InitialiseMerged(cfg, candidates); err != nil {
			errs = append(errs, err)
			delete(wanted, cfg.UniqueID)
			continue
		}
		m.feeds[cfg.UniqueID] = f
		m.startLocked(f, &errs)
	}

	for id, f := range m.feeds {
		if !wanted[id] {
			closing = append(closing, f)
			delete(m.feeds, id)
		}
	}
	current := m.sortedLocked()
	m.mu.Unlock()

	for _, f := range closing {
		f.Close()
	}
	if len(closing) > 0 {
		m.logger.Info("Closed feeds", logger.Int("count", len(closing)))
	}
	m.changed.Publish(current)
	return errors.Join(errs...)
}

func (m *Manager) startLocked(f *Feed, errs *[]error) {
	if m.ctx == nil {
		return
	}
	if err := f.Start(m.ctx); err != nil {
		*errs = append(*errs, err)
	}
}

func (m *Manager) sortedLocked() []*Feed {
	out := make([]*Feed, 0, len(m.feeds))
	for _, f := range m.feeds {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UniqueID() < out[j].UniqueID() })
	return out
}

// OnFeedsChanged registers fn to receive the feed set after every
// ApplyConfiguration
func (m *Manager) OnFeedsChanged(fn func([]*Feed)) (unsubscribe func()) {
	return m.changed.Subscribe(fn)
}

// Feeds returns every feed ordered by unique id
func (m *Manager) Feeds() []*Feed {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedLocked()
}

// Feed returns the feed with the given unique id
func (m *Manager) Feed(uniqueID int) (*Feed, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.feeds[uniqueID]
	return f, ok
}

// SetShortTrailSeconds changes the short trail window of every table,
// including those of feeds created later
func (m *Manager) SetShortTrailSeconds(seconds int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deps.ShortTrailSeconds = seconds
	for _, f := range m.feeds {
		f.Table().SetShortTrailSeconds(seconds)
	}
}

// RemoveStaleAircraft drops aircraft silent for longer than timeout from
// every feed's table. It is driven by the slow heartbeat.
func (m *Manager) RemoveStaleAircraft(now time.Time, timeout time.Duration) int {
	removed := 0
	for _, f := range m.Feeds() {
		removed += len(f.Table().RemoveStale(now, timeout))
	}
	return removed
}

// Close closes every feed. Merged feeds go first so they unsubscribe
// before their sources disappear.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	feeds := m.sortedLocked()
	m.feeds = make(map[int]*Feed)
	m.mu.Unlock()

	sort.SliceStable(feeds, func(i, j int) bool { return feeds[i].IsMerged() && !feeds[j].IsMerged() })
	for _, f := range feeds {
		f.Close()
	}
	m.changed.Clear()
	m.logger.Info("Feed manager closed", logger.Int("feeds", len(feeds)))
	return nil
}
