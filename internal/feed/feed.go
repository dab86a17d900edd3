// Package feed binds a transport, a frame extractor and a message decoder to
// an aircraft table, and keeps that binding alive across reconnects and
// configuration changes.
package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yegors/skyrelay/internal/aircraft"
	"github.com/yegors/skyrelay/internal/connector"
	"github.com/yegors/skyrelay/internal/extract"
	"github.com/yegors/skyrelay/internal/message"
	"github.com/yegors/skyrelay/internal/notify"
	"github.com/yegors/skyrelay/internal/sanity"
	"github.com/yegors/skyrelay/pkg/logger"
)

var (
	// ErrInvalidOperation is returned for calls that are not valid in the
	// feed's current state
	ErrInvalidOperation = errors.New("invalid feed operation")

	// ErrFeedDisabled is returned, alongside ErrInvalidOperation, when a
	// disabled configuration is applied
	ErrFeedDisabled = errors.New("feed is disabled")
)

// ReceiverConfig describes a feed that owns a transport
type ReceiverConfig struct {
	UniqueID          int
	Name              string
	Enabled           bool
	Connector         connector.Settings
	DataSource        extract.DataSource
	IgnoreBadMessages bool
}

// MergedFeedConfig describes a feed built from other feeds' messages
type MergedFeedConfig struct {
	UniqueID                     int
	Name                         string
	Enabled                      bool
	ReceiverIDs                  []int
	IcaoTimeout                  time.Duration
	IgnoreAircraftWithNoPosition bool
}

// RawEvent carries bytes exactly as they were read from the transport
type RawEvent struct {
	FeedID   int
	Bytes    []byte
	Received time.Time
}

// MessageEvent carries one decoded message. Message.ModeS is set when the
// message came from a Mode-S frame.
type MessageEvent struct {
	FeedID   int
	SourceID int
	Message  *message.Message
}

// Deps are the collaborators shared by every feed
type Deps struct {
	// IDs allocates aircraft unique ids across all tables
	IDs               *atomic.Int64
	Filter            *sanity.Filter
	ShortTrailSeconds int
	Reporter          *notify.Reporter
	Logger            *logger.Logger

	// NewConnector defaults to connector.New
	NewConnector func(connector.Settings, *logger.Logger) (connector.Connector, error)
	// Reconnect is the backoff between sessions that ended early, it
	// defaults to connector.DefaultRetryConfig
	Reconnect connector.RetryConfig
	// HealthySession is how long a session must last, having delivered
	// data, before the backoff resets. Defaults to ten seconds.
	HealthySession time.Duration
	// Now defaults to time.Now
	Now func() time.Time
}

func (d *Deps) fill() {
	if d.IDs == nil {
		d.IDs = &atomic.Int64{}
	}
	if d.Filter == nil {
		d.Filter = sanity.New()
	}
	if d.Logger == nil {
		d.Logger = logger.NewNop()
	}
	if d.Reporter == nil {
		d.Reporter = notify.NewReporter(time.Minute, d.Logger)
	}
	if d.NewConnector == nil {
		d.NewConnector = connector.New
	}
	if d.Reconnect.InitialDelay <= 0 {
		d.Reconnect = connector.DefaultRetryConfig()
	}
	if d.HealthySession <= 0 {
		d.HealthySession = 10 * time.Second
	}
	if d.Now == nil {
		d.Now = time.Now
	}
}

// Feed is one live source of aircraft messages, either a receiver with its
// own transport or a merged feed fed by receivers.
type Feed struct {
	deps   Deps
	logger *logger.Logger
	table  *aircraft.Table

	// mu guards the binding below. The listener never takes it; it works on
	// the values handed to it at start.
	mu          sync.RWMutex
	initialised bool
	merged      bool
	uniqueID    int
	name        string
	receiver    ReceiverConfig
	mergedCfg   MergedFeedConfig
	conn        connector.Connector
	extractor   extract.Extractor
	decoder     *message.ModeSDecoder
	merger      *merger

	runCtx   context.Context
	listener *listener

	raw        notify.Subscribers[RawEvent]
	messages   notify.Subscribers[MessageEvent]
	exceptions notify.Subscribers[error]

	ignoreBad     atomic.Bool
	totalMessages atomic.Int64
	badMessages   atomic.Int64
	lastMessage   atomic.Int64 // unix nanos

	disposed atomic.Bool
}

// New creates an uninitialised feed
func New(deps Deps) *Feed {
	deps.fill()
	return &Feed{
		deps:   deps,
		logger: deps.Logger.Named("feed"),
		table:  aircraft.NewTable(deps.IDs, deps.Filter, deps.ShortTrailSeconds, deps.Logger),
	}
}

// Initialise binds the feed to a receiver. A feed is initialised exactly
// once, with either Initialise or InitialiseMerged.
func (f *Feed) Initialise(cfg ReceiverConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkInitialise(cfg.UniqueID, cfg.Enabled); err != nil {
		return err
	}

	conn, ext, err := f.buildSource(cfg)
	if err != nil {
		return fmt.Errorf("initialise feed %d: %w", cfg.UniqueID, err)
	}
	f.initialised = true
	f.uniqueID = cfg.UniqueID
	f.name = cfg.Name
	f.receiver = cfg
	f.conn = conn
	f.extractor = ext
	f.decoder = message.NewModeSDecoder()
	f.ignoreBad.Store(cfg.IgnoreBadMessages)
	f.logger = f.deps.Logger.Named("feed").With(logger.Int("feed_id", cfg.UniqueID), logger.String("feed", cfg.Name))

	f.logger.Info("Feed initialised",
		logger.String("endpoint", conn.Settings().Describe()),
		logger.String("data_source", string(ext.DataSource())))
	return nil
}

func (f *Feed) checkInitialise(id int, enabled bool) error {
	if f.disposed.Load() {
		return fmt.Errorf("feed %d is closed: %w", id, ErrInvalidOperation)
	}
	if f.initialised {
		return fmt.Errorf("feed %d already initialised: %w", f.uniqueID, ErrInvalidOperation)
	}
	if !enabled {
		return fmt.Errorf("feed %d: %w: %w", id, ErrInvalidOperation, ErrFeedDisabled)
	}
	return nil
}

func (f *Feed) buildSource(cfg ReceiverConfig) (connector.Connector, extract.Extractor, error) {
	ext, err := extract.New(cfg.DataSource)
	if err != nil {
		return nil, nil, err
	}
	conn, err := f.deps.NewConnector(cfg.Connector, f.deps.Logger)
	if err != nil {
		return nil, nil, err
	}
	return conn, ext, nil
}

// ApplyConfiguration updates a live receiver feed. Name and bad message
// handling change in place. A change to the transport or the data source
// swaps the connector and extractor and resets the message counters; the
// aircraft table is kept either way. It reports whether a swap happened.
func (f *Feed) ApplyConfiguration(cfg ReceiverConfig) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkApply(cfg.UniqueID, cfg.Enabled, false); err != nil {
		return false, err
	}

	f.name = cfg.Name
	f.receiver.Name = cfg.Name
	f.receiver.IgnoreBadMessages = cfg.IgnoreBadMessages
	f.ignoreBad.Store(cfg.IgnoreBadMessages)
	f.logger = f.deps.Logger.Named("feed").With(logger.Int("feed_id", cfg.UniqueID), logger.String("feed", cfg.Name))

	if cfg.Connector.Equal(f.conn.Settings()) && cfg.DataSource == f.extractor.DataSource() {
		return false, nil
	}

	conn, ext, err := f.buildSource(cfg)
	if err != nil {
		return false, fmt.Errorf("reconfigure feed %d: %w", cfg.UniqueID, err)
	}

	running := f.listener != nil
	f.stopListenerLocked()
	f.conn.Close()

	f.receiver = cfg
	f.conn = conn
	f.extractor = ext
	f.decoder = message.NewModeSDecoder()
	f.totalMessages.Store(0)
	f.badMessages.Store(0)

	f.logger.Info("Feed source replaced",
		logger.String("endpoint", conn.Settings().Describe()),
		logger.String("data_source", string(ext.DataSource())))

	if running {
		f.startListenerLocked()
	}
	return true, nil
}

func (f *Feed) checkApply(id int, enabled, merged bool) error {
	switch {
	case f.disposed.Load():
		return fmt.Errorf("feed %d is closed: %w", id, ErrInvalidOperation)
	case !f.initialised:
		return fmt.Errorf("feed %d not initialised: %w", id, ErrInvalidOperation)
	case f.merged != merged:
		return fmt.Errorf("feed %d is of the other kind: %w", f.uniqueID, ErrInvalidOperation)
	case id != f.uniqueID:
		return fmt.Errorf("configuration for feed %d applied to feed %d: %w", id, f.uniqueID, ErrInvalidOperation)
	case !enabled:
		return fmt.Errorf("feed %d: %w: %w", id, ErrInvalidOperation, ErrFeedDisabled)
	}
	return nil
}

// Start runs the feed until ctx is cancelled or Close is called. Receiver
// feeds start their listener; merged feeds are driven by their sources and
// only remember ctx.
func (f *Feed) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.initialised || f.disposed.Load() {
		return fmt.Errorf("start feed %d: %w", f.uniqueID, ErrInvalidOperation)
	}
	if f.runCtx != nil {
		return nil
	}
	f.runCtx = ctx
	if !f.merged {
		f.startListenerLocked()
	}
	return nil
}

func (f *Feed) startListenerLocked() {
	f.listener = startListener(f.runCtx, f, f.conn, f.extractor, f.decoder)
}

func (f *Feed) stopListenerLocked() {
	if f.listener != nil {
		f.listener.stop()
		f.listener = nil
	}
}

// Close unsubscribes every listener, stops the background work and
// releases the transport. It is safe to call more than once.
func (f *Feed) Close() error {
	if !f.disposed.CompareAndSwap(false, true) {
		return nil
	}
	f.raw.Clear()
	f.messages.Clear()
	f.exceptions.Clear()

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.merger != nil {
		f.merger.close()
	}
	f.stopListenerLocked()
	if f.conn != nil {
		f.conn.Close()
	}
	f.logger.Info("Feed closed")
	return nil
}

// SubscribeRaw registers fn for every chunk of transport bytes
func (f *Feed) SubscribeRaw(fn func(RawEvent)) (unsubscribe func()) {
	return f.raw.Subscribe(fn)
}

// SubscribeMessages registers fn for every decoded message
func (f *Feed) SubscribeMessages(fn func(MessageEvent)) (unsubscribe func()) {
	return f.messages.Subscribe(fn)
}

// SubscribeExceptions registers fn for errors caught by the feed
func (f *Feed) SubscribeExceptions(fn func(error)) (unsubscribe func()) {
	return f.exceptions.Subscribe(fn)
}

func (f *Feed) UniqueID() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.uniqueID
}

func (f *Feed) Name() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.name
}

// IsMerged reports whether the feed is a merged feed
func (f *Feed) IsMerged() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.merged
}

// Table returns the feed's aircraft list
func (f *Feed) Table() *aircraft.Table {
	return f.table
}

// report carries a caught error to the reporter and the exception
// subscribers
func (f *Feed) report(err error) {
	if notify.IsShutdownNoise(err) || f.disposed.Load() {
		return
	}
	f.deps.Reporter.Report(fmt.Sprintf("feed-%d", f.uniqueID), err)
	f.exceptions.Publish(err)
}

// apply records msg in the table and hands it to message subscribers
func (f *Feed) apply(msg *message.Message, sourceID int) {
	if f.disposed.Load() {
		return
	}
	f.totalMessages.Add(1)
	f.lastMessage.Store(msg.Received.UnixNano())
	if msg.Kind == message.KindTransmission && msg.Icao != "" {
		f.table.ProcessMessage(msg, sourceID)
	}
	f.messages.Publish(MessageEvent{FeedID: f.uniqueID, SourceID: sourceID, Message: msg})
}
