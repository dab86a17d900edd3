package connector

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/yegors/skyrelay/internal/access"
	"github.com/yegors/skyrelay/pkg/logger"
)

const dialTimeout = 10 * time.Second

// TCPConnector dials a remote receiver, or in passive mode waits for the
// receiver to connect to us.
type TCPConnector struct {
	settings Settings
	filter   *access.Filter
	retry    RetryConfig
	logger   *logger.Logger

	mu     sync.Mutex
	conn   net.Conn
	state  State
	closed bool
	// cancel aborts a Connect in progress when Close is called
	cancel context.CancelFunc
}

// NewTCP creates a TCP connector. filter only applies in passive mode.
func NewTCP(settings Settings, filter *access.Filter, retry RetryConfig, log *logger.Logger) *TCPConnector {
	return &TCPConnector{
		settings: settings,
		filter:   filter,
		retry:    retry,
		state:    Disconnected,
		logger:   log.Named("tcp-connector").With(logger.String("endpoint", settings.Describe())),
	}
}

func (c *TCPConnector) Settings() Settings { return c.settings }

func (c *TCPConnector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect drops any current connection and establishes a new one, retrying
// with backoff until it succeeds or ctx is done.
func (c *TCPConnector) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("connect: %w", net.ErrClosed)
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.state = Connecting
	c.mu.Unlock()
	defer cancel()

	var conn net.Conn
	err := RetryWithBackoff(ctx, c.retry, func() error {
		var err error
		if c.settings.Passive {
			conn, err = c.accept(ctx)
		} else {
			conn, err = c.dial(ctx)
		}
		return err
	}, func(attempt int, err error) {
		c.logger.Warn("Connection attempt failed",
			logger.Int("attempt", attempt+1),
			logger.Duration("next_delay", c.retry.Delay(attempt+1)),
			logger.Error(err))
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancel = nil
	if err != nil {
		if c.closed {
			c.state = Closed
		} else {
			c.state = Disconnected
		}
		return err
	}
	if c.closed {
		conn.Close()
		return fmt.Errorf("connect: %w", net.ErrClosed)
	}
	c.conn = conn
	c.state = Connected
	c.logger.Info("Connected", logger.String("remote", conn.RemoteAddr().String()))
	return nil
}

func (c *TCPConnector) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}
	addr := net.JoinHostPort(c.settings.Address, strconv.Itoa(c.settings.Port))
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn, nil
}

// accept listens on the configured port until one permitted peer connects
func (c *TCPConnector) accept(ctx context.Context) (net.Conn, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(c.settings.Address, strconv.Itoa(c.settings.Port)))
	if err != nil {
		return nil, fmt.Errorf("listen on %d: %w", c.settings.Port, err)
	}
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer ln.Close()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("accept: %w", err)
		}
		if c.filter.AllowedConn(conn) {
			return conn, nil
		}
		c.logger.Warn("Rejected receiver connection", logger.String("remote", conn.RemoteAddr().String()))
		conn.Close()
	}
}

func (c *TCPConnector) current() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *TCPConnector) Read(p []byte) (int, error) {
	conn := c.current()
	if conn == nil {
		return 0, ErrNotConnected
	}
	n, err := conn.Read(p)
	if err != nil {
		c.markDisconnected(conn)
	}
	return n, err
}

func (c *TCPConnector) Write(p []byte) (int, error) {
	conn := c.current()
	if conn == nil {
		return 0, ErrNotConnected
	}
	n, err := conn.Write(p)
	if err != nil {
		c.markDisconnected(conn)
	}
	return n, err
}

func (c *TCPConnector) markDisconnected(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn.Close()
		c.conn = nil
		if !c.closed {
			c.state = Disconnected
		}
	}
}

// Close releases the connection and aborts a Connect in progress. The
// connector cannot be reused afterwards.
func (c *TCPConnector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.state = Closed
	if c.cancel != nil {
		c.cancel()
	}
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}
