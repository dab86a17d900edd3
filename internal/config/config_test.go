package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/yegors/skyrelay/internal/access"
	"github.com/yegors/skyrelay/internal/connector"
	"github.com/yegors/skyrelay/internal/extract"
	"github.com/yegors/skyrelay/internal/feed"
	"github.com/yegors/skyrelay/internal/rebroadcast"
)

const sample = `
[server]
host = "127.0.0.1"
port = 8081

[logging]
level = "debug"

[[receivers]]
unique_id = 1
name = "Roof"
enabled = true
address = "192.168.1.10"
port = 30005
data_source = "beast"

[[receivers]]
unique_id = 2
name = "Shed"
enabled = true
passive = true
port = 30105
access = { allow = ["10.0.0.0/8"] }

[[merged_feeds]]
unique_id = 10
name = "All"
enabled = true
receiver_ids = [1, 2]

[[rebroadcast]]
unique_id = 1
name = "SBS out"
enabled = true
format = "port30003"
port = 33003
receiver_id = 10
stale_seconds = 3
access = { deny = ["192.168.0.0/16"] }
`

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func loadSample(t *testing.T) *Config {
	t.Helper()
	cfg, err := Load(writeConfig(t, t.TempDir(), sample))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return cfg
}

func TestLoadFillsDefaults(t *testing.T) {
	cfg := loadSample(t)

	if cfg.Logging.Format != "console" || cfg.Logging.Level != "debug" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	if cfg.Aircraft.ShortTrailSeconds != 30 || cfg.Aircraft.DisplayTimeoutSeconds != 300 {
		t.Errorf("aircraft = %+v", cfg.Aircraft)
	}
	if cfg.Heartbeat.SlowIntervalSeconds != 10 || cfg.Heartbeat.FastIntervalMillis != 1000 {
		t.Errorf("heartbeat = %+v", cfg.Heartbeat)
	}
	if cfg.Notify.MinimumSecondsBetweenReports != 60 {
		t.Errorf("notify = %+v", cfg.Notify)
	}
	if cfg.Receivers[1].ConnectionType != "tcp" || cfg.Receivers[1].DataSource != "sbs" {
		t.Errorf("receiver defaults = %+v", cfg.Receivers[1])
	}
	if cfg.MergedFeeds[0].IcaoTimeoutSeconds != 15 {
		t.Errorf("merged icao timeout = %d", cfg.MergedFeeds[0].IcaoTimeoutSeconds)
	}
	if cfg.DisplayTimeout() != 5*time.Minute {
		t.Errorf("DisplayTimeout() = %v", cfg.DisplayTimeout())
	}
}

func TestConversions(t *testing.T) {
	cfg := loadSample(t)

	wantReceivers := []feed.ReceiverConfig{
		{
			UniqueID: 1, Name: "Roof", Enabled: true,
			Connector:  connector.Settings{Type: connector.TCP, Address: "192.168.1.10", Port: 30005},
			DataSource: extract.Beast,
		},
		{
			UniqueID: 2, Name: "Shed", Enabled: true,
			Connector: connector.Settings{
				Type: connector.TCP, Port: 30105, Passive: true,
				Access: access.Rule{Allow: []string{"10.0.0.0/8"}},
			},
			DataSource: extract.BaseStation,
		},
	}
	if diff := cmp.Diff(wantReceivers, cfg.ReceiverConfigs()); diff != "" {
		t.Errorf("receivers (-want +got):\n%s", diff)
	}

	wantMerged := []feed.MergedFeedConfig{
		{UniqueID: 10, Name: "All", Enabled: true, ReceiverIDs: []int{1, 2}, IcaoTimeout: 15 * time.Second},
	}
	if diff := cmp.Diff(wantMerged, cfg.MergedFeedConfigs()); diff != "" {
		t.Errorf("merged (-want +got):\n%s", diff)
	}

	wantRebroadcast := []rebroadcast.Config{
		{
			UniqueID: 1, Name: "SBS out", Enabled: true, Format: rebroadcast.Port30003,
			Port: 33003, ReceiverID: 10, StaleSeconds: 3,
			Access: access.Rule{Deny: []string{"192.168.0.0/16"}},
		},
	}
	if diff := cmp.Diff(wantRebroadcast, cfg.RebroadcastConfigs()); diff != "" {
		t.Errorf("rebroadcast (-want +got):\n%s", diff)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"server port", func(c *Config) { c.Server.Port = 70000 }, "invalid server port"},
		{"log level", func(c *Config) { c.Logging.Level = "loud" }, "invalid logging config"},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }, "invalid log format"},
		{"duplicate feed id", func(c *Config) { c.MergedFeeds[0].UniqueID = 1 }, "duplicate feed unique_id"},
		{"connection type", func(c *Config) { c.Receivers[0].ConnectionType = "udp" }, "invalid connection_type"},
		{"data source", func(c *Config) { c.Receivers[0].DataSource = "json" }, "invalid data_source"},
		{"missing address", func(c *Config) { c.Receivers[0].Address = "" }, "address is required"},
		{"bad cidr", func(c *Config) { c.Receivers[1].Access.Allow = []string{"10.0.0.0/99"} }, "receiver 2"},
		{"format", func(c *Config) { c.Rebroadcast[0].Format = "json" }, "invalid format"},
		{"port clash", func(c *Config) { c.Rebroadcast[0].Port = 8081 }, "already used by the HTTP server"},
		{"negative stale", func(c *Config) { c.Rebroadcast[0].StaleSeconds = -1 }, "stale_seconds"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := loadSample(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestDisabledRebroadcastMayShareAPort(t *testing.T) {
	cfg := loadSample(t)
	cfg.Rebroadcast = append(cfg.Rebroadcast, RebroadcastConfig{UniqueID: 2, Format: "avr", Port: 33003})
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "[server]\nprot = 1\n")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "unknown config keys") {
		t.Errorf("Load() = %v", err)
	}
}

func TestLoadWithFallback(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, sample)

	cfg, err := LoadWithFallback(path)
	if err != nil {
		t.Fatalf("LoadWithFallback: %v", err)
	}
	if cfg.Server.Port != 8081 {
		t.Errorf("port = %d", cfg.Server.Port)
	}

	if _, err := LoadWithFallback(filepath.Join(dir, "missing.toml")); err == nil {
		t.Error("missing file loaded")
	}
}

func TestRestartRequired(t *testing.T) {
	old := &Config{}
	if err := old.Validate(); err != nil {
		t.Fatal(err)
	}
	next := *old
	next.Aircraft.ShortTrailSeconds = 90
	next.Receivers = []ReceiverConfig{{UniqueID: 1, Enabled: true, Address: "127.0.0.1", Port: 30003}}
	if got := next.RestartRequired(old); len(got) != 0 {
		t.Errorf("live sections flagged: %v", got)
	}

	next.Server.Port = 9090
	next.Events.NatsURL = "nats://127.0.0.1:4222"
	if diff := cmp.Diff([]string{"server", "events"}, next.RestartRequired(old)); diff != "" {
		t.Errorf("sections (-want +got):\n%s", diff)
	}
}
