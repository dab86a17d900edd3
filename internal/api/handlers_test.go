package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/yegors/skyrelay/internal/connector"
	"github.com/yegors/skyrelay/internal/extract"
	"github.com/yegors/skyrelay/internal/feed"
	"github.com/yegors/skyrelay/internal/message"
	"github.com/yegors/skyrelay/internal/notify"
	"github.com/yegors/skyrelay/internal/rebroadcast"
	"github.com/yegors/skyrelay/pkg/logger"
)

// idleConnector is never started; the tests fill tables directly
type idleConnector struct{ settings connector.Settings }

func (c *idleConnector) Connect(context.Context) error { return nil }
func (c *idleConnector) Read([]byte) (int, error) { return 0, errors.New("idle") }
func (c *idleConnector) Write(p []byte) (int, error) { return len(p), nil }
func (c *idleConnector) Close() error { return nil }
func (c *idleConnector) Settings() connector.Settings { return c.settings }
func (c *idleConnector) State() connector.State { return connector.Disconnected }

type fakeRebroadcast struct{ servers []rebroadcast.ServerStatus }

func (f fakeRebroadcast) Connections() []rebroadcast.ServerStatus { return f.servers }
func (f fakeRebroadcast) Online() bool { return true }

func newTestServer(t *testing.T) (*httptest.Server, *feed.Manager) {
	t.Helper()
	m := feed.NewManager(feed.Deps{
		ShortTrailSeconds: 30,
		Logger:            logger.NewNop(),
		NewConnector: func(s connector.Settings, _ *logger.Logger) (connector.Connector, error) {
			return &idleConnector{settings: s}, nil
		},
	})
	t.Cleanup(func() { m.Close() })
	err := m.ApplyConfiguration([]feed.ReceiverConfig{{
		UniqueID:   1,
		Name:       "Roof",
		Enabled:    true,
		Connector:  connector.Settings{Type: connector.TCP, Address: "127.0.0.1", Port: 30003},
		DataSource: extract.BaseStation,
	}}, nil)
	if err != nil {
		t.Fatal(err)
	}

	history := notify.NewHistory(10)
	history.Add(notify.Notification{Source: "feed-1", Text: "connection refused"})
	rb := fakeRebroadcast{servers: []rebroadcast.ServerStatus{{UniqueID: 1, Name: "out", Format: rebroadcast.Avr, Port: 33001}}}

	handler := NewHandler(m, rb, history, "test", logger.NewNop())
	srv := httptest.NewServer(NewRouter(handler, nil, logger.NewNop()).Routes())
	t.Cleanup(srv.Close)
	return srv, m
}

func addAircraft(t *testing.T, m *feed.Manager, icao string, altitude int) {
	t.Helper()
	f, _ := m.Feed(1)
	f.Table().ProcessMessage(&message.Message{
		Received: time.Now().UTC(),
		Kind:     message.KindTransmission,
		Icao:     icao,
		Altitude: message.Ptr(altitude),
	}, 1)
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK && out != nil {
		if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return resp.StatusCode
}

func TestGetFeeds(t *testing.T) {
	srv, m := newTestServer(t)
	addAircraft(t, m, "4840D6", 35000)

	var stats []feed.Stats
	if code := getJSON(t, srv.URL+"/api/feeds", &stats); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	if len(stats) != 1 || stats[0].UniqueID != 1 || stats[0].Name != "Roof" || stats[0].AircraftCount != 1 {
		t.Errorf("stats = %+v", stats)
	}

	var one feed.Stats
	if code := getJSON(t, srv.URL+"/api/feeds/1", &one); code != http.StatusOK || one.Name != "Roof" {
		t.Errorf("status %d, stats %+v", code, one)
	}
}

func TestGetAircraft(t *testing.T) {
	srv, m := newTestServer(t)
	addAircraft(t, m, "4840D6", 35000)
	addAircraft(t, m, "3C6586", 12000)
	addAircraft(t, m, "3C6586", 12100)

	var list struct {
		Count       int   `json:"count"`
		DataVersion int64 `json:"data_version"`
		Aircraft    []struct {
			Icao        string `json:"icao"`
			DataVersion int64  `json:"data_version"`
			Altitude    *int   `json:"altitude"`
		} `json:"aircraft"`
	}
	if code := getJSON(t, srv.URL+"/api/feeds/1/aircraft", &list); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	if list.Count != 2 || len(list.Aircraft) != 2 || list.DataVersion != 2 {
		t.Fatalf("list = %+v", list)
	}

	list.Aircraft = nil
	getJSON(t, srv.URL+"/api/feeds/1/aircraft?changed_since=1", &list)
	var icaos []string
	for _, a := range list.Aircraft {
		icaos = append(icaos, a.Icao)
	}
	if diff := cmp.Diff([]string{"3C6586"}, icaos); diff != "" {
		t.Errorf("changed_since (-want +got):\n%s", diff)
	}
	if len(list.Aircraft) == 1 {
		if a := list.Aircraft[0]; a.Altitude == nil || *a.Altitude != 12100 {
			t.Errorf("aircraft = %+v", a)
		}
	}
}

func TestGetAircraftByIcao(t *testing.T) {
	srv, m := newTestServer(t)
	addAircraft(t, m, "4840D6", 35000)

	var a struct {
		Icao              string   `json:"icao"`
		FullTrail         []any    `json:"full_trail"`
		MagneticVariation *float64 `json:"magnetic_variation"`
	}
	if code := getJSON(t, srv.URL+"/api/feeds/1/aircraft/4840d6", &a); code != http.StatusOK || a.Icao != "4840D6" {
		t.Errorf("status %d, aircraft %+v", code, a)
	}
	if a.FullTrail != nil {
		t.Errorf("full trail included by default: %v", a.FullTrail)
	}
	if a.MagneticVariation != nil {
		t.Errorf("magnetic variation without a position: %v", *a.MagneticVariation)
	}
}

func TestErrors(t *testing.T) {
	srv, _ := newTestServer(t)
	tests := []struct {
		path string
		want int
	}{
		{"/api/feeds/abc", http.StatusBadRequest},
		{"/api/feeds/9", http.StatusNotFound},
		{"/api/feeds/9/aircraft", http.StatusNotFound},
		{"/api/feeds/1/aircraft?changed_since=-3", http.StatusBadRequest},
		{"/api/feeds/1/aircraft?trail=long", http.StatusBadRequest},
		{"/api/feeds/1/aircraft/ABCDEF", http.StatusNotFound},
		{"/ws", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if code := getJSON(t, srv.URL+tt.path, nil); code != tt.want {
				t.Errorf("status %d, want %d", code, tt.want)
			}
		})
	}
}

func TestGetRebroadcastAndExceptions(t *testing.T) {
	srv, _ := newTestServer(t)

	var rb struct {
		Online  bool                       `json:"online"`
		Servers []rebroadcast.ServerStatus `json:"servers"`
	}
	if code := getJSON(t, srv.URL+"/api/rebroadcast", &rb); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	if !rb.Online || len(rb.Servers) != 1 || rb.Servers[0].Format != rebroadcast.Avr {
		t.Errorf("rebroadcast = %+v", rb)
	}

	var exceptions []notify.Notification
	getJSON(t, srv.URL+"/api/exceptions", &exceptions)
	if len(exceptions) != 1 || exceptions[0].Text != "connection refused" {
		t.Errorf("exceptions = %+v", exceptions)
	}

	var health map[string]any
	getJSON(t, srv.URL+"/api/health", &health)
	if health["status"] != "ok" || health["feed_count"] != 1.0 {
		t.Errorf("health = %v", health)
	}
}
