package feed

import (
	"slices"
	"sort"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/yegors/skyrelay/pkg/logger"
)

const (
	maxTrackedIcaos    = 20000
	defaultIcaoTimeout = 15 * time.Second
)

// merger subscribes a merged feed to its sources. An aircraft belongs to
// the first source that reports it until that source has been silent about
// it for the ICAO timeout.
type merger struct {
	feed        *Feed
	sources     []*Feed
	owners      *expirable.LRU[string, int]
	timeout     time.Duration
	ignoreNoPos atomic.Bool
	unsubs      []func()
}

func newMerger(f *Feed, cfg MergedFeedConfig, sources []*Feed) *merger {
	timeout := cfg.IcaoTimeout
	if timeout <= 0 {
		timeout = defaultIcaoTimeout
	}
	m := &merger{
		feed:    f,
		sources: sources,
		owners:  expirable.NewLRU[string, int](maxTrackedIcaos, nil, timeout),
		timeout: timeout,
	}
	m.ignoreNoPos.Store(cfg.IgnoreAircraftWithNoPosition)
	for _, src := range sources {
		m.unsubs = append(m.unsubs, src.SubscribeMessages(m.handle))
	}
	return m
}

func (m *merger) handle(ev MessageEvent) {
	msg := ev.Message
	if msg == nil || msg.Icao == "" {
		return
	}
	owner, owned := m.owners.Get(msg.Icao)
	if owned && owner != ev.FeedID {
		return
	}
	if !owned && m.ignoreNoPos.Load() && !msg.HasPosition() {
		return
	}
	m.owners.Add(msg.Icao, ev.FeedID)
	m.feed.apply(msg, ev.FeedID)
}

func (m *merger) close() {
	for _, unsub := range m.unsubs {
		unsub()
	}
	m.unsubs = nil
	m.owners.Purge()
}

func (m *merger) sameSources(sources []*Feed, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = defaultIcaoTimeout
	}
	return timeout == m.timeout && slices.Equal(m.sources, sources)
}

// resolveSources picks, in id order, the receiver feeds named by ids
func resolveSources(ids []int, candidates []*Feed) []*Feed {
	var out []*Feed
	for _, c := range candidates {
		if c == nil || c.IsMerged() {
			continue
		}
		if slices.Contains(ids, c.UniqueID()) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UniqueID() < out[j].UniqueID() })
	return slices.Compact(out)
}

// InitialiseMerged binds the feed to the message streams of the receiver
// feeds listed in cfg. sources may hold any feeds; only the listed
// receivers are used.
func (f *Feed) InitialiseMerged(cfg MergedFeedConfig, sources []*Feed) error {
	// resolve before locking, a merged feed never is its own source
	resolved := resolveSources(cfg.ReceiverIDs, sources)

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkInitialise(cfg.UniqueID, cfg.Enabled); err != nil {
		return err
	}
	f.initialised = true
	f.merged = true
	f.uniqueID = cfg.UniqueID
	f.name = cfg.Name
	f.mergedCfg = cfg
	f.logger = f.deps.Logger.Named("feed").With(logger.Int("feed_id", cfg.UniqueID), logger.String("feed", cfg.Name))
	f.merger = newMerger(f, cfg, resolved)

	f.logger.Info("Merged feed initialised",
		logger.Int("sources", len(resolved)),
		logger.Duration("icao_timeout", f.merger.timeout))
	return nil
}

// ApplyMergedConfiguration updates a live merged feed. Name and the
// no-position rule change in place. A different set of sources or ICAO
// timeout rebinds the feed and resets its counters; the aircraft table is
// kept.
func (f *Feed) ApplyMergedConfiguration(cfg MergedFeedConfig, sources []*Feed) (bool, error) {
	resolved := resolveSources(cfg.ReceiverIDs, sources)

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkApply(cfg.UniqueID, cfg.Enabled, true); err != nil {
		return false, err
	}

	f.name = cfg.Name
	f.logger = f.deps.Logger.Named("feed").With(logger.Int("feed_id", cfg.UniqueID), logger.String("feed", cfg.Name))
	f.merger.ignoreNoPos.Store(cfg.IgnoreAircraftWithNoPosition)
	f.mergedCfg.Name = cfg.Name
	f.mergedCfg.IgnoreAircraftWithNoPosition = cfg.IgnoreAircraftWithNoPosition

	if f.merger.sameSources(resolved, cfg.IcaoTimeout) {
		return false, nil
	}

	f.merger.close()
	f.mergedCfg = cfg
	f.merger = newMerger(f, cfg, resolved)
	f.totalMessages.Store(0)
	f.badMessages.Store(0)

	f.logger.Info("Merged feed sources replaced", logger.Int("sources", len(resolved)))
	return true, nil
}

// SourceIDs returns the ids of the receivers a merged feed listens to
func (f *Feed) SourceIDs() []int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.merger == nil {
		return nil
	}
	ids := make([]int, 0, len(f.merger.sources))
	for _, s := range f.merger.sources {
		ids = append(ids, s.UniqueID())
	}
	return ids
}
