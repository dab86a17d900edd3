package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/yegors/skyrelay/internal/access"
	"github.com/yegors/skyrelay/internal/connector"
	"github.com/yegors/skyrelay/internal/extract"
	"github.com/yegors/skyrelay/internal/feed"
	"github.com/yegors/skyrelay/internal/rebroadcast"
	"github.com/yegors/skyrelay/pkg/logger"
)

// Config represents the main application configuration structure
// containing all configuration sections
type Config struct {
	Server      ServerConfig        `toml:"server"`       // Status HTTP server settings
	Logging     LoggingConfig       `toml:"logging"`      // Application logging settings
	Aircraft    AircraftConfig      `toml:"aircraft"`     // Aircraft table settings
	Heartbeat   HeartbeatConfig     `toml:"heartbeat"`    // Background tick settings
	Notify      NotifyConfig        `toml:"notify"`       // Exception reporting settings
	Events      EventsConfig        `toml:"events"`       // Optional NATS event stream
	Receivers   []ReceiverConfig    `toml:"receivers"`    // Feeds that own a transport
	MergedFeeds []MergedFeedConfig  `toml:"merged_feeds"` // Feeds built from other feeds
	Rebroadcast []RebroadcastConfig `toml:"rebroadcast"`  // TCP rebroadcast servers
}

// ServerConfig contains HTTP server configuration settings
type ServerConfig struct {
	Port             int    `toml:"port"`                  // HTTP port for the status API and websocket
	Host             string `toml:"host"`                  // Host address to bind to, also used for rebroadcast servers
	ReadTimeoutSecs  int    `toml:"read_timeout_seconds"`  // Maximum duration for reading the entire request (0 = no timeout)
	WriteTimeoutSecs int    `toml:"write_timeout_seconds"` // Maximum duration for writing the response (0 = no timeout)
	IdleTimeoutSecs  int    `toml:"idle_timeout_seconds"`  // Maximum duration to wait for the next request when keep-alives are enabled
}

// LoggingConfig contains logging configuration settings
type LoggingConfig struct {
	Level      string `toml:"level"`       // Log level: "debug", "info", "warn", or "error"
	Format     string `toml:"format"`      // Log format: "json" (structured) or "console" (human-readable)
	File       string `toml:"file"`        // Optional log file, rotated by size
	MaxSizeMB  int    `toml:"max_size_mb"` // Rotation size of the log file
	MaxBackups int    `toml:"max_backups"` // Number of rotated log files to keep
}

// AircraftConfig contains settings shared by every aircraft table
type AircraftConfig struct {
	ShortTrailSeconds     int `toml:"short_trail_seconds"`     // Window of the short trail
	DisplayTimeoutSeconds int `toml:"display_timeout_seconds"` // Silence after which an aircraft is removed
}

// HeartbeatConfig contains the background tick intervals
type HeartbeatConfig struct {
	FastIntervalMillis  int `toml:"fast_interval_ms"`      // Fast tick, drives change publishing
	SlowIntervalSeconds int `toml:"slow_interval_seconds"` // Slow tick, drives aging and liveness checks
}

// NotifyConfig contains exception reporting settings
type NotifyConfig struct {
	MinimumSecondsBetweenReports int `toml:"minimum_seconds_between_reports"` // Reports of the same class within this window are suppressed
}

// EventsConfig contains the NATS event stream settings
type EventsConfig struct {
	NatsURL       string `toml:"nats_url"`       // NATS server URL, empty disables the stream
	SubjectPrefix string `toml:"subject_prefix"` // Subject prefix, events go to <prefix>.<feed id>.aircraft
}

// AccessConfig is a CIDR allow/deny list
type AccessConfig struct {
	Allow []string `toml:"allow"` // Addresses or prefixes allowed to connect, everyone when empty
	Deny  []string `toml:"deny"`  // Addresses or prefixes refused, checked before allow
}

func (a AccessConfig) rule() access.Rule {
	return access.Rule{Allow: a.Allow, Deny: a.Deny}
}

// ReceiverConfig describes one receiver feed
type ReceiverConfig struct {
	UniqueID          int          `toml:"unique_id"`           // Feed id, unique across receivers and merged feeds
	Name              string       `toml:"name"`                // Display name
	Enabled           bool         `toml:"enabled"`             // Disabled receivers are not created
	ConnectionType    string       `toml:"connection_type"`     // "tcp" or "serial"
	Address           string       `toml:"address"`             // Remote host, or bind host when passive
	Port              int          `toml:"port"`                // Remote port, or listen port when passive
	Passive           bool         `toml:"passive"`             // Wait for the receiver to connect instead of dialling it
	Access            AccessConfig `toml:"access"`              // Peers allowed to connect in passive mode
	SerialPort        string       `toml:"serial_port"`         // Serial device
	BaudRate          int          `toml:"baud_rate"`           // Serial speed
	DataBits          int          `toml:"data_bits"`           // Serial data bits
	StopBits          string       `toml:"stop_bits"`           // Serial stop bits
	Parity            string       `toml:"parity"`              // Serial parity
	Handshake         string       `toml:"handshake"`           // Serial flow control
	DataSource        string       `toml:"data_source"`         // "sbs", "avr" or "beast"
	IgnoreBadMessages bool         `toml:"ignore_bad_messages"` // Drop malformed input without reporting it
}

// MergedFeedConfig describes one merged feed
type MergedFeedConfig struct {
	UniqueID                     int    `toml:"unique_id"`                        // Feed id, unique across receivers and merged feeds
	Name                         string `toml:"name"`                             // Display name
	Enabled                      bool   `toml:"enabled"`                          // Disabled merged feeds are not created
	ReceiverIDs                  []int  `toml:"receiver_ids"`                     // Receivers whose messages are merged
	IcaoTimeoutSeconds           int    `toml:"icao_timeout_seconds"`             // How long a receiver owns an aircraft after its last message
	IgnoreAircraftWithNoPosition bool   `toml:"ignore_aircraft_with_no_position"` // A receiver only claims an aircraft once it reports a position
}

// RebroadcastConfig describes one rebroadcast server
type RebroadcastConfig struct {
	UniqueID     int          `toml:"unique_id"`     // Server id
	Name         string       `toml:"name"`          // Display name
	Enabled      bool         `toml:"enabled"`       // Disabled servers are not created
	Format       string       `toml:"format"`        // "passthrough", "port30003", "compressed" or "avr"
	Port         int          `toml:"port"`          // Listen port
	ReceiverID   int          `toml:"receiver_id"`   // Feed whose stream is rebroadcast
	StaleSeconds int          `toml:"stale_seconds"` // Messages older than this are not sent, 0 disables the check
	Access       AccessConfig `toml:"access"`        // Clients allowed to connect
}

// Load loads the configuration from the specified file path
func Load(path string) (*Config, error) {
	var config Config

	// Check if the file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	md, err := toml.DecodeFile(path, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown config keys in %s: %v", path, undecoded)
	}

	return &config, nil
}

// LoadWithFallback loads the first config file found among the preferred
// path and the default locations
func LoadWithFallback(preferredPath string) (*Config, error) {
	// List of paths to check in order of preference
	searchPaths := []string{
		preferredPath,         // User-specified path (if provided)
		"configs/config.toml", // configs/ folder
		"config.toml",         // Root directory
	}

	// Remove duplicates while preserving order
	uniquePaths := make([]string, 0, len(searchPaths))
	seen := make(map[string]bool)
	for _, path := range searchPaths {
		if path != "" && !seen[path] {
			uniquePaths = append(uniquePaths, path)
			seen[path] = true
		}
	}

	var lastErr error
	for _, path := range uniquePaths {
		if _, err := os.Stat(path); err == nil {
			config, err := Load(path)
			if err != nil {
				lastErr = fmt.Errorf("failed to load config from %s: %w", path, err)
				continue
			}
			return config, nil
		}
		lastErr = fmt.Errorf("config file not found: %s", path)
	}

	return nil, fmt.Errorf("config file not found in any of the expected locations: %v. Last error: %w", uniquePaths, lastErr)
}

// Validate validates the configuration and fills in defaults
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.IdleTimeoutSecs == 0 {
		c.Server.IdleTimeoutSecs = 120
	}

	// Validate logging config
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if _, err := logger.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}
	switch c.Logging.Format {
	case "":
		c.Logging.Format = "console"
	case "console", "json":
	default:
		return fmt.Errorf("invalid log format: %s (must be 'console' or 'json')", c.Logging.Format)
	}
	if c.Logging.File != "" && c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 100
	}

	// Aircraft table defaults
	if c.Aircraft.ShortTrailSeconds == 0 {
		c.Aircraft.ShortTrailSeconds = 30
	}
	if c.Aircraft.DisplayTimeoutSeconds == 0 {
		c.Aircraft.DisplayTimeoutSeconds = 300
	}
	if c.Aircraft.ShortTrailSeconds < 0 || c.Aircraft.DisplayTimeoutSeconds < 0 {
		return fmt.Errorf("aircraft timeouts must be positive")
	}

	if c.Heartbeat.FastIntervalMillis == 0 {
		c.Heartbeat.FastIntervalMillis = 1000
	}
	if c.Heartbeat.SlowIntervalSeconds == 0 {
		c.Heartbeat.SlowIntervalSeconds = 10
	}
	if c.Heartbeat.FastIntervalMillis < 0 || c.Heartbeat.SlowIntervalSeconds < 0 {
		return fmt.Errorf("heartbeat intervals must be positive")
	}

	if c.Notify.MinimumSecondsBetweenReports == 0 {
		c.Notify.MinimumSecondsBetweenReports = 60
	}

	if c.Events.NatsURL != "" && c.Events.SubjectPrefix == "" {
		c.Events.SubjectPrefix = "skyrelay"
	}

	if err := c.validateFeeds(); err != nil {
		return err
	}
	return c.validateRebroadcast()
}

func (c *Config) validateFeeds() error {
	ids := make(map[int]bool)
	for i := range c.Receivers {
		r := &c.Receivers[i]
		if r.UniqueID <= 0 {
			return fmt.Errorf("receiver %q: unique_id must be positive", r.Name)
		}
		if ids[r.UniqueID] {
			return fmt.Errorf("duplicate feed unique_id: %d", r.UniqueID)
		}
		ids[r.UniqueID] = true

		if r.ConnectionType == "" {
			r.ConnectionType = string(connector.TCP)
		}
		if !connector.ValidType(connector.Type(r.ConnectionType)) {
			return fmt.Errorf("receiver %d: invalid connection_type: %s (must be 'tcp' or 'serial')", r.UniqueID, r.ConnectionType)
		}
		if r.DataSource == "" {
			r.DataSource = string(extract.BaseStation)
		}
		if !extract.ValidDataSource(extract.DataSource(r.DataSource)) {
			return fmt.Errorf("receiver %d: invalid data_source: %s (must be 'sbs', 'avr' or 'beast')", r.UniqueID, r.DataSource)
		}
		if r.ConnectionType == string(connector.TCP) {
			if r.Port <= 0 || r.Port > 65535 {
				return fmt.Errorf("receiver %d: invalid port: %d", r.UniqueID, r.Port)
			}
			if !r.Passive && r.Address == "" {
				return fmt.Errorf("receiver %d: address is required unless passive", r.UniqueID)
			}
		}
		if err := r.Access.rule().Validate(); err != nil {
			return fmt.Errorf("receiver %d: %w", r.UniqueID, err)
		}
	}

	for i := range c.MergedFeeds {
		m := &c.MergedFeeds[i]
		if m.UniqueID <= 0 {
			return fmt.Errorf("merged feed %q: unique_id must be positive", m.Name)
		}
		if ids[m.UniqueID] {
			return fmt.Errorf("duplicate feed unique_id: %d", m.UniqueID)
		}
		ids[m.UniqueID] = true
		if m.IcaoTimeoutSeconds == 0 {
			m.IcaoTimeoutSeconds = 15
		}
		if m.IcaoTimeoutSeconds < 0 {
			return fmt.Errorf("merged feed %d: icao_timeout_seconds must be positive", m.UniqueID)
		}
	}
	return nil
}

func (c *Config) validateRebroadcast() error {
	ids := make(map[int]bool)
	ports := make(map[int]int)
	ports[c.Server.Port] = 0
	for i := range c.Rebroadcast {
		r := &c.Rebroadcast[i]
		if ids[r.UniqueID] {
			return fmt.Errorf("duplicate rebroadcast unique_id: %d", r.UniqueID)
		}
		ids[r.UniqueID] = true
		if !rebroadcast.ValidFormat(rebroadcast.Format(r.Format)) {
			return fmt.Errorf("rebroadcast %d: invalid format: %s (must be 'passthrough', 'port30003', 'compressed' or 'avr')", r.UniqueID, r.Format)
		}
		if r.Port <= 0 || r.Port > 65535 {
			return fmt.Errorf("rebroadcast %d: invalid port: %d", r.UniqueID, r.Port)
		}
		// two disabled servers may share a port, an enabled one may not
		if r.Enabled {
			if other, ok := ports[r.Port]; ok {
				return fmt.Errorf("rebroadcast %d: port %d already used by %s", r.UniqueID, r.Port, portOwner(other))
			}
			ports[r.Port] = r.UniqueID
		}
		if r.StaleSeconds < 0 {
			return fmt.Errorf("rebroadcast %d: stale_seconds must not be negative", r.UniqueID)
		}
		if err := r.Access.rule().Validate(); err != nil {
			return fmt.Errorf("rebroadcast %d: %w", r.UniqueID, err)
		}
	}
	return nil
}

func portOwner(id int) string {
	if id == 0 {
		return "the HTTP server"
	}
	return fmt.Sprintf("rebroadcast %d", id)
}

// LoggerConfig returns the settings for logger.New
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Level:      c.Logging.Level,
		Format:     c.Logging.Format,
		File:       c.Logging.File,
		MaxSizeMB:  c.Logging.MaxSizeMB,
		MaxBackups: c.Logging.MaxBackups,
	}
}

// ReceiverConfigs converts the receivers to feed configurations
func (c *Config) ReceiverConfigs() []feed.ReceiverConfig {
	out := make([]feed.ReceiverConfig, 0, len(c.Receivers))
	for _, r := range c.Receivers {
		out = append(out, feed.ReceiverConfig{
			UniqueID: r.UniqueID,
			Name:     r.Name,
			Enabled:  r.Enabled,
			Connector: connector.Settings{
				Type:       connector.Type(r.ConnectionType),
				Address:    r.Address,
				Port:       r.Port,
				Passive:    r.Passive,
				Access:     r.Access.rule(),
				SerialPort: r.SerialPort,
				BaudRate:   r.BaudRate,
				DataBits:   r.DataBits,
				StopBits:   r.StopBits,
				Parity:     r.Parity,
				Handshake:  r.Handshake,
			},
			DataSource:        extract.DataSource(r.DataSource),
			IgnoreBadMessages: r.IgnoreBadMessages,
		})
	}
	return out
}

// MergedFeedConfigs converts the merged feeds to feed configurations
func (c *Config) MergedFeedConfigs() []feed.MergedFeedConfig {
	out := make([]feed.MergedFeedConfig, 0, len(c.MergedFeeds))
	for _, m := range c.MergedFeeds {
		out = append(out, feed.MergedFeedConfig{
			UniqueID:                     m.UniqueID,
			Name:                         m.Name,
			Enabled:                      m.Enabled,
			ReceiverIDs:                  append([]int(nil), m.ReceiverIDs...),
			IcaoTimeout:                  time.Duration(m.IcaoTimeoutSeconds) * time.Second,
			IgnoreAircraftWithNoPosition: m.IgnoreAircraftWithNoPosition,
		})
	}
	return out
}

// RebroadcastConfigs converts the rebroadcast servers to coordinator
// configurations
func (c *Config) RebroadcastConfigs() []rebroadcast.Config {
	out := make([]rebroadcast.Config, 0, len(c.Rebroadcast))
	for _, r := range c.Rebroadcast {
		out = append(out, rebroadcast.Config{
			UniqueID:     r.UniqueID,
			Name:         r.Name,
			Enabled:      r.Enabled,
			Format:       rebroadcast.Format(r.Format),
			Port:         r.Port,
			ReceiverID:   r.ReceiverID,
			StaleSeconds: r.StaleSeconds,
			Access:       r.Access.rule(),
		})
	}
	return out
}

// RestartRequired names the sections that differ from old and are only
// read at startup
func (c *Config) RestartRequired(old *Config) []string {
	var sections []string
	if c.Server != old.Server {
		sections = append(sections, "server")
	}
	if c.Logging != old.Logging {
		sections = append(sections, "logging")
	}
	if c.Heartbeat != old.Heartbeat {
		sections = append(sections, "heartbeat")
	}
	if c.Events != old.Events {
		sections = append(sections, "events")
	}
	return sections
}

// DisplayTimeout is the silence after which aircraft are removed
func (c *Config) DisplayTimeout() time.Duration {
	return time.Duration(c.Aircraft.DisplayTimeoutSeconds) * time.Second
}
