// Package rebroadcast keeps one fanout server per configured rebroadcast
// endpoint, each bound to the message stream of its feed.
package rebroadcast

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yegors/skyrelay/internal/access"
	"github.com/yegors/skyrelay/internal/broadcast"
	"github.com/yegors/skyrelay/internal/feed"
	"github.com/yegors/skyrelay/internal/notify"
	"github.com/yegors/skyrelay/pkg/logger"
)

// Config is one desired rebroadcast server
type Config struct {
	UniqueID     int
	Name         string
	Enabled      bool
	Format       Format
	Port         int
	ReceiverID   int
	StaleSeconds int
	Access       access.Rule
}

// key is what identifies a running server. Name and StaleSeconds are not
// part of it and are updated in place.
type key struct {
	uniqueID   int
	format     Format
	port       int
	receiverID int
	access     string
}

func (c Config) key() key {
	return key{
		uniqueID:   c.UniqueID,
		format:     c.Format,
		port:       c.Port,
		receiverID: c.ReceiverID,
		access:     c.Access.Key(),
	}
}

// Source is the part of a feed a server subscribes to
type Source interface {
	SubscribeRaw(fn func(feed.RawEvent)) (unsubscribe func())
	SubscribeMessages(fn func(feed.MessageEvent)) (unsubscribe func())
}

// SourceLookup finds the feed with a unique id
type SourceLookup func(uniqueID int) (Source, bool)

// Result counts what one Reconcile did
type Result struct {
	Created int
	Updated int
	Removed int
}

// Changed reports whether anything was created or removed
func (r Result) Changed() bool {
	return r.Created > 0 || r.Removed > 0
}

// ServerStatus describes one server and its clients
type ServerStatus struct {
	UniqueID     int                    `json:"unique_id"`
	Name         string                 `json:"name"`
	Format       Format                 `json:"format"`
	Port         int                    `json:"port"`
	ReceiverID   int                    `json:"receiver_id"`
	StaleSeconds int                    `json:"stale_seconds"`
	Online       bool                   `json:"online"`
	Clients      []broadcast.Connection `json:"clients"`
}

type server struct {
	cfg    Config
	key    key
	source Source
	filter *access.Filter
	unsub  func()
	fanout atomic.Pointer[broadcast.Fanout]
}

func (s *server) send(data []byte, received time.Time) {
	if f := s.fanout.Load(); f != nil {
		f.SendStamped(data, received)
	}
}

// Coordinator reconciles the configured rebroadcast servers against the
// running ones
type Coordinator struct {
	lookup     SourceLookup
	reporter   *notify.Reporter
	logger     *logger.Logger
	host       string
	connStates broadcast.ConnectionStateFunc

	mu      sync.Mutex
	servers map[key]*server
	online  bool
	closed  bool
}

// Options configure a Coordinator
type Options struct {
	Lookup   SourceLookup
	Reporter *notify.Reporter
	Logger   *logger.Logger
	// Host is the bind address of every server, all interfaces when empty
	Host string
	// ConnectionStates is handed to every fanout's liveness check
	ConnectionStates broadcast.ConnectionStateFunc
}

// NewCoordinator creates an offline coordinator with no servers
func NewCoordinator(opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.Reporter == nil {
		opts.Reporter = notify.NewReporter(time.Minute, opts.Logger)
	}
	return &Coordinator{
		lookup:     opts.Lookup,
		reporter:   opts.Reporter,
		logger:     opts.Logger.Named("rebroadcast"),
		host:       opts.Host,
		connStates: opts.ConnectionStates,
		servers:    make(map[key]*server),
	}
}

// Reconcile makes the running servers match configs. Servers whose key is
// still wanted, and whose feed is the same, are kept and only renamed or
// given the new stale budget. Disabled configs and configs naming an
// unknown feed or format get no server. Calling it again with the same
// configs changes nothing.
func (c *Coordinator) Reconcile(configs []Config) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var res Result
	if c.closed {
		return res, errors.New("rebroadcast coordinator closed")
	}

	var errs []error
	type wanted struct {
		cfg    Config
		source Source
	}
	desired := make(map[key]wanted)
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		if !ValidFormat(cfg.Format) {
			errs = append(errs, fmt.Errorf("rebroadcast %d: unknown format %q", cfg.UniqueID, cfg.Format))
			continue
		}
		src, ok := c.lookup(cfg.ReceiverID)
		if !ok {
			c.logger.Debug("Rebroadcast feed not available",
				logger.Int("rebroadcast_id", cfg.UniqueID),
				logger.Int("receiver_id", cfg.ReceiverID))
			continue
		}
		desired[cfg.key()] = wanted{cfg: cfg, source: src}
	}

	for k, s := range c.servers {
		w, ok := desired[k]
		if ok && w.source == s.source {
			if c.updateInPlace(s, w.cfg) {
				res.Updated++
			}
			delete(desired, k)
			continue
		}
		c.teardown(s)
		delete(c.servers, k)
		res.Removed++
	}

	for k, w := range desired {
		s, err := c.create(w.cfg, w.source)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		c.servers[k] = s
		res.Created++
	}

	if res.Created > 0 || res.Removed > 0 || res.Updated > 0 {
		c.logger.Info("Rebroadcast servers reconciled",
			logger.Int("created", res.Created),
			logger.Int("updated", res.Updated),
			logger.Int("removed", res.Removed),
			logger.Int("running", len(c.servers)))
	}
	return res, errors.Join(errs...)
}

func (c *Coordinator) updateInPlace(s *server, cfg Config) bool {
	changed := false
	if s.cfg.Name != cfg.Name {
		s.cfg.Name = cfg.Name
		changed = true
	}
	if s.cfg.StaleSeconds != cfg.StaleSeconds {
		s.cfg.StaleSeconds = cfg.StaleSeconds
		if f := s.fanout.Load(); f != nil {
			f.SetStaleSeconds(cfg.StaleSeconds)
		}
		changed = true
	}
	return changed
}

func (c *Coordinator) create(cfg Config, src Source) (*server, error) {
	filter, err := access.Compile(cfg.Access)
	if err != nil {
		return nil, fmt.Errorf("rebroadcast %d: %w", cfg.UniqueID, err)
	}
	s := &server{cfg: cfg, key: cfg.key(), source: src, filter: filter}

	if cfg.Format.usesRawBytes() {
		s.unsub = src.SubscribeRaw(func(ev feed.RawEvent) {
			s.send(ev.Bytes, ev.Received)
		})
	} else {
		source := fmt.Sprintf("rebroadcast-%d", cfg.UniqueID)
		s.unsub = src.SubscribeMessages(func(ev feed.MessageEvent) {
			if s.fanout.Load() == nil {
				return
			}
			data, err := encodeEvent(cfg.Format, ev)
			if err != nil {
				c.reporter.Report(source, err)
				return
			}
			if data != nil {
				s.send(data, ev.Message.Received)
			}
		})
	}

	if c.online {
		if err := c.start(s); err != nil {
			// keep the server so a later reconcile does not retry every time
			c.reporter.Report(fmt.Sprintf("rebroadcast-%d", cfg.UniqueID), err)
		}
	}
	c.logger.Info("Rebroadcast server created",
		logger.Int("rebroadcast_id", cfg.UniqueID),
		logger.String("name", cfg.Name),
		logger.String("format", string(cfg.Format)),
		logger.Int("port", cfg.Port),
		logger.Int("receiver_id", cfg.ReceiverID))
	return s, nil
}

func (c *Coordinator) start(s *server) error {
	if s.fanout.Load() != nil {
		return nil
	}
	f := broadcast.New(broadcast.Options{
		Name:             fmt.Sprintf("%d", s.cfg.UniqueID),
		Host:             c.host,
		StaleSeconds:     s.cfg.StaleSeconds,
		Access:           s.filter,
		Reporter:         c.reporter,
		Logger:           c.logger,
		ConnectionStates: c.connStates,
	})
	if err := f.Listen(context.Background(), s.cfg.Port); err != nil {
		f.Close()
		return fmt.Errorf("rebroadcast %d: %w", s.cfg.UniqueID, err)
	}
	s.fanout.Store(f)
	return nil
}

func (c *Coordinator) stop(s *server) {
	if f := s.fanout.Swap(nil); f != nil {
		f.Close()
	}
}

// teardown unsubscribes the server from its feed, then closes its fanout
func (c *Coordinator) teardown(s *server) {
	if s.unsub != nil {
		s.unsub()
	}
	c.stop(s)
	c.logger.Info("Rebroadcast server removed",
		logger.Int("rebroadcast_id", s.cfg.UniqueID),
		logger.Int("port", s.cfg.Port))
}

// SetOnline opens or closes the ports of every server. New servers follow
// the current setting.
func (c *Coordinator) SetOnline(online bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.online == online {
		return nil
	}
	c.online = online

	var errs []error
	for _, s := range c.servers {
		if online {
			if err := c.start(s); err != nil {
				errs = append(errs, err)
			}
		} else {
			c.stop(s)
		}
	}
	c.logger.Info("Rebroadcast servers switched", logger.Bool("online", online))
	return errors.Join(errs...)
}

// Online reports whether servers listen
func (c *Coordinator) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// Connections returns every server with its connected clients, ordered by
// unique id
func (c *Coordinator) Connections() []ServerStatus {
	c.mu.Lock()
	out := make([]ServerStatus, 0, len(c.servers))
	for _, s := range c.servers {
		st := ServerStatus{
			UniqueID:     s.cfg.UniqueID,
			Name:         s.cfg.Name,
			Format:       s.cfg.Format,
			Port:         s.cfg.Port,
			ReceiverID:   s.cfg.ReceiverID,
			StaleSeconds: s.cfg.StaleSeconds,
			Clients:      []broadcast.Connection{},
		}
		if f := s.fanout.Load(); f != nil {
			st.Online = true
			st.Clients = f.PopulateConnections(st.Clients)
		}
		out = append(out, st)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UniqueID < out[j].UniqueID })
	return out
}

// CheckLiveness runs the liveness sweep of every online server and retries
// the servers whose port could not be opened. It is driven by the slow
// heartbeat.
func (c *Coordinator) CheckLiveness(now time.Time) int {
	c.mu.Lock()
	fanouts := make([]*broadcast.Fanout, 0, len(c.servers))
	for _, s := range c.servers {
		if f := s.fanout.Load(); f != nil {
			fanouts = append(fanouts, f)
			continue
		}
		if c.online && !c.closed {
			if err := c.start(s); err != nil {
				c.reporter.Report(fmt.Sprintf("rebroadcast-%d", s.cfg.UniqueID), err)
			} else {
				c.logger.Info("Rebroadcast server started on retry",
					logger.Int("rebroadcast_id", s.cfg.UniqueID),
					logger.Int("port", s.cfg.Port))
			}
		}
	}
	c.mu.Unlock()

	dropped := 0
	for _, f := range fanouts {
		dropped += f.CheckLiveness(now)
	}
	return dropped
}

// Close tears down every server. The coordinator cannot be used
// afterwards.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for k, s := range c.servers {
		c.teardown(s)
		delete(c.servers, k)
	}
	return nil
}
