// Package broadcast streams bytes to any number of TCP clients without
// letting a slow client hold up the others.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yegors/skyrelay/internal/access"
	"github.com/yegors/skyrelay/internal/notify"
	"github.com/yegors/skyrelay/pkg/logger"
)

const (
	// SendTimeout bounds a single write to one client
	SendTimeout = 30 * time.Second

	queueSize       = 4096
	clientQueueSize = 256
)

// ErrListening is returned when Listen is called on a fanout that already listens
var ErrListening = errors.New("fanout already listening")

// Connection is a snapshot of one connected client
type Connection struct {
	RemoteAddr          string    `json:"remote_addr"`
	LocalAddr           string    `json:"local_addr"`
	ConnectedAt         time.Time `json:"connected_at"`
	LastLivenessCheck   time.Time `json:"last_liveness_check,omitempty"`
	BytesBuffered       int64     `json:"bytes_buffered"`
	BytesSent           int64     `json:"bytes_sent"`
	StaleBytesDiscarded int64     `json:"stale_bytes_discarded"`
}

// Options configure a Fanout
type Options struct {
	// Name identifies the fanout in logs and reports
	Name string
	// Host is the address to bind, all interfaces when empty
	Host string
	// StaleSeconds is the delivery budget of a message, zero for none
	StaleSeconds int
	Access       *access.Filter
	Reporter     *notify.Reporter
	Logger       *logger.Logger
	// ConnectionStates defaults to the operating system's TCP table
	ConnectionStates ConnectionStateFunc
	// Now defaults to time.Now
	Now func() time.Time
}

type outbound struct {
	data   []byte
	queued time.Time
}

type client struct {
	conn        net.Conn
	remote      string
	local       string
	connectedAt time.Time

	send      chan outbound
	closed    chan struct{}
	closeOnce sync.Once

	lastCheck atomic.Int64 // unix nanos
	buffered  atomic.Int64
	sent      atomic.Int64
	stale     atomic.Int64
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

func (c *client) snapshot() Connection {
	conn := Connection{
		RemoteAddr:          c.remote,
		LocalAddr:           c.local,
		ConnectedAt:         c.connectedAt,
		BytesBuffered:       c.buffered.Load(),
		BytesSent:           c.sent.Load(),
		StaleBytesDiscarded: c.stale.Load(),
	}
	if ns := c.lastCheck.Load(); ns != 0 {
		conn.LastLivenessCheck = time.Unix(0, ns).UTC()
	}
	return conn
}

// Fanout accepts TCP clients on one port and copies every sent message to
// all of them. Messages older than the stale budget are discarded instead
// of written, both when they are fanned out and when a client's writer
// gets to them.
type Fanout struct {
	name       string
	host       string
	filter     *access.Filter
	reporter   *notify.Reporter
	connStates ConnectionStateFunc
	now        func() time.Time
	logger     *logger.Logger

	staleNanos atomic.Int64
	queue      chan outbound
	dropped    atomic.Int64

	mu       sync.Mutex
	listener net.Listener
	clients  map[*client]struct{}

	disconnected notify.Subscribers[Connection]

	disposed  atomic.Bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
	clientsWg sync.WaitGroup
}

// New creates a fanout that is not yet listening
func New(opts Options) *Fanout {
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.Reporter == nil {
		opts.Reporter = notify.NewReporter(time.Minute, opts.Logger)
	}
	if opts.ConnectionStates == nil {
		opts.ConnectionStates = SystemConnectionStates
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	f := &Fanout{
		name:       opts.Name,
		host:       opts.Host,
		filter:     opts.Access,
		reporter:   opts.Reporter,
		connStates: opts.ConnectionStates,
		now:        opts.Now,
		logger:     opts.Logger.Named("fanout").With(logger.String("fanout", opts.Name)),
		queue:      make(chan outbound, queueSize),
		clients:    make(map[*client]struct{}),
		stopCh:     make(chan struct{}),
	}
	f.SetStaleSeconds(opts.StaleSeconds)
	return f
}

// SetStaleSeconds changes the delivery budget for messages sent from now on
// and for those already queued
func (f *Fanout) SetStaleSeconds(seconds int) {
	if seconds < 0 {
		seconds = 0
	}
	f.staleNanos.Store(int64(time.Duration(seconds) * time.Second))
}

// StaleSeconds returns the current delivery budget
func (f *Fanout) StaleSeconds() int {
	return int(time.Duration(f.staleNanos.Load()) / time.Second)
}

// OnDisconnected registers fn for every client that goes away
func (f *Fanout) OnDisconnected(fn func(Connection)) (unsubscribe func()) {
	return f.disconnected.Subscribe(fn)
}

// Listen opens the port and starts accepting clients in the background.
// Port zero picks a free port; Addr reports it.
func (f *Fanout) Listen(ctx context.Context, port int) error {
	if f.disposed.Load() {
		return fmt.Errorf("listen: %w", net.ErrClosed)
	}
	f.mu.Lock()
	if f.listener != nil {
		f.mu.Unlock()
		return ErrListening
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(f.host, strconv.Itoa(port)))
	if err != nil {
		f.mu.Unlock()
		return fmt.Errorf("listen on port %d: %w", port, err)
	}
	f.listener = ln
	f.mu.Unlock()

	f.logger.Info("Rebroadcast server listening", logger.String("addr", ln.Addr().String()))

	f.wg.Add(2)
	go f.acceptLoop(ln)
	go f.senderLoop()
	return nil
}

// Addr returns the listening address, nil before Listen
func (f *Fanout) Addr() net.Addr {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listener == nil {
		return nil
	}
	return f.listener.Addr()
}

func (f *Fanout) acceptLoop(ln net.Listener) {
	defer f.wg.Done()
	defer f.reporter.Recover(f.source())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if f.disposed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			f.reporter.Report(f.source(), fmt.Errorf("accept: %w", err))
			// transient accept failures such as EMFILE
			select {
			case <-time.After(100 * time.Millisecond):
				continue
			case <-f.stopCh:
				return
			}
		}

		if !f.filter.AllowedConn(conn) {
			f.logger.Info("Rejected rebroadcast client", logger.String("remote", conn.RemoteAddr().String()))
			conn.Close()
			continue
		}
		f.addClient(conn)
	}
}

func (f *Fanout) addClient(conn net.Conn) {
	c := &client{
		conn:        conn,
		remote:      conn.RemoteAddr().String(),
		local:       conn.LocalAddr().String(),
		connectedAt: f.now().UTC(),
		send:        make(chan outbound, clientQueueSize),
		closed:      make(chan struct{}),
	}

	f.mu.Lock()
	if f.disposed.Load() {
		f.mu.Unlock()
		conn.Close()
		return
	}
	f.clients[c] = struct{}{}
	count := len(f.clients)
	f.clientsWg.Add(1)
	f.mu.Unlock()

	f.logger.Info("Rebroadcast client connected",
		logger.String("remote", c.remote),
		logger.Int("clients", count))
	go f.writeLoop(c)
}

// Send queues data for every connected client, stamped with the current
// time. It never blocks; when the queue is full the message is dropped.
func (f *Fanout) Send(data []byte) {
	f.SendStamped(data, f.now())
}

// SendStamped is Send with the time the data was received upstream, which
// is what the stale budget is measured against.
func (f *Fanout) SendStamped(data []byte, received time.Time) {
	if f.disposed.Load() || len(data) == 0 {
		return
	}
	select {
	case f.queue <- outbound{data: data, queued: received}:
	default:
		f.dropped.Add(1)
	}
}

// Dropped returns the number of messages discarded because the send queue
// was full
func (f *Fanout) Dropped() int64 {
	return f.dropped.Load()
}

func (f *Fanout) isStale(msg outbound) bool {
	budget := time.Duration(f.staleNanos.Load())
	return budget > 0 && f.now().Sub(msg.queued) > budget
}

func (f *Fanout) senderLoop() {
	defer f.wg.Done()
	for {
		select {
		case msg := <-f.queue:
			f.fanOut(msg)
		case <-f.stopCh:
			return
		}
	}
}

func (f *Fanout) fanOut(msg outbound) {
	defer f.reporter.Recover(f.source())

	clients := f.snapshotClients()
	if len(clients) == 0 {
		return
	}
	stale := f.isStale(msg)
	size := int64(len(msg.data))
	for _, c := range clients {
		if stale {
			c.stale.Add(size)
			continue
		}
		select {
		case c.send <- msg:
			c.buffered.Add(size)
		default:
			// the client's queue is full, it is too far behind for this message
			c.stale.Add(size)
		}
	}
}

func (f *Fanout) writeLoop(c *client) {
	defer f.clientsWg.Done()
	defer f.reporter.Recover(f.source())

	for {
		select {
		case msg := <-c.send:
			size := int64(len(msg.data))
			c.buffered.Add(-size)
			if f.isStale(msg) {
				c.stale.Add(size)
				continue
			}
			c.conn.SetWriteDeadline(f.now().Add(SendTimeout))
			if _, err := c.conn.Write(msg.data); err != nil {
				f.removeClient(c, err)
				return
			}
			c.sent.Add(size)
		case <-c.closed:
			return
		}
	}
}

func (f *Fanout) snapshotClients() []*client {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*client, 0, len(f.clients))
	for c := range f.clients {
		out = append(out, c)
	}
	return out
}

// removeClient disconnects c and notifies subscribers once
func (f *Fanout) removeClient(c *client, reason error) {
	f.mu.Lock()
	_, ok := f.clients[c]
	delete(f.clients, c)
	count := len(f.clients)
	f.mu.Unlock()

	c.close()
	if !ok {
		return
	}
	fields := []logger.Field{logger.String("remote", c.remote), logger.Int("clients", count)}
	if reason != nil && !notify.IsShutdownNoise(reason) {
		fields = append(fields, logger.Error(reason))
	}
	f.logger.Info("Rebroadcast client disconnected", fields...)
	if !f.disposed.Load() {
		f.disconnected.Publish(c.snapshot())
	}
}

// PopulateConnections appends a snapshot of every client to out
func (f *Fanout) PopulateConnections(out []Connection) []Connection {
	for _, c := range f.snapshotClients() {
		out = append(out, c.snapshot())
	}
	return out
}

// ClientCount returns the number of connected clients
func (f *Fanout) ClientCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

func (f *Fanout) source() string {
	return "fanout-" + f.name
}

// Close stops accepting, disconnects every client and waits for the
// background goroutines. Disconnect subscribers are not called.
func (f *Fanout) Close() error {
	if !f.disposed.CompareAndSwap(false, true) {
		return nil
	}
	f.disconnected.Clear()
	close(f.stopCh)

	f.mu.Lock()
	ln := f.listener
	clients := make([]*client, 0, len(f.clients))
	for c := range f.clients {
		clients = append(clients, c)
	}
	f.clients = make(map[*client]struct{})
	f.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	f.wg.Wait()
	for _, c := range clients {
		c.close()
	}
	f.clientsWg.Wait()

	f.logger.Info("Rebroadcast server closed", logger.Int("clients", len(clients)))
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
