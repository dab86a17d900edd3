package broadcast

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/yegors/skyrelay/internal/access"
	"github.com/yegors/skyrelay/pkg/logger"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func startFanout(t *testing.T, opts Options) *Fanout {
	t.Helper()
	opts.Host = "127.0.0.1"
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	f := New(opts)
	if err := f.Listen(context.Background(), 0); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func dial(t *testing.T, f *Fanout) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", f.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readLine(t *testing.T, r *bufio.Reader, conn net.Conn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return line
}

func TestSendReachesEveryClient(t *testing.T) {
	f := startFanout(t, Options{Name: "test", StaleSeconds: 10})

	var conns []net.Conn
	for i := 0; i < 3; i++ {
		conns = append(conns, dial(t, f))
	}
	waitFor(t, "clients", func() bool { return f.ClientCount() == 3 })

	f.Send([]byte("first\n"))
	f.Send([]byte("second\n"))

	for i, conn := range conns {
		r := bufio.NewReader(conn)
		if got := readLine(t, r, conn); got != "first\n" {
			t.Errorf("client %d got %q", i, got)
		}
		if got := readLine(t, r, conn); got != "second\n" {
			t.Errorf("client %d got %q", i, got)
		}
	}

	waitFor(t, "counters", func() bool {
		for _, c := range f.PopulateConnections(nil) {
			if c.BytesSent != int64(len("first\nsecond\n")) || c.BytesBuffered != 0 {
				return false
			}
		}
		return true
	})
}

func TestStaleMessagesAreNotDelivered(t *testing.T) {
	f := startFanout(t, Options{Name: "stale", StaleSeconds: 2})
	conn := dial(t, f)
	waitFor(t, "client", func() bool { return f.ClientCount() == 1 })

	f.SendStamped([]byte("old\n"), time.Now().Add(-3*time.Second))
	f.SendStamped([]byte("fresh\n"), time.Now())

	r := bufio.NewReader(conn)
	if got := readLine(t, r, conn); got != "fresh\n" {
		t.Fatalf("got %q, the stale message was delivered", got)
	}
	conns := f.PopulateConnections(nil)
	if len(conns) != 1 || conns[0].StaleBytesDiscarded != int64(len("old\n")) {
		t.Errorf("connections = %+v", conns)
	}
}

func TestStaleDisabledWithZeroBudget(t *testing.T) {
	f := startFanout(t, Options{Name: "nobudget"})
	conn := dial(t, f)
	waitFor(t, "client", func() bool { return f.ClientCount() == 1 })

	f.SendStamped([]byte("ancient\n"), time.Now().Add(-time.Hour))
	if got := readLine(t, bufio.NewReader(conn), conn); got != "ancient\n" {
		t.Errorf("got %q", got)
	}
}

func TestDisconnectedClientDoesNotStopOthers(t *testing.T) {
	f := startFanout(t, Options{Name: "drop", StaleSeconds: 10})

	var gone atomic.Int32
	f.OnDisconnected(func(Connection) { gone.Add(1) })

	leaving := dial(t, f)
	staying := dial(t, f)
	waitFor(t, "clients", func() bool { return f.ClientCount() == 2 })
	leaving.Close()

	r := bufio.NewReader(staying)
	// keep writing until the dead client's writes fail
	for i := 0; gone.Load() == 0; i++ {
		if i > 500 {
			t.Fatal("dead client was never removed")
		}
		f.Send([]byte("tick\n"))
		if got := readLine(t, r, staying); got != "tick\n" {
			t.Fatalf("staying client got %q", got)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if f.ClientCount() != 1 {
		t.Errorf("clients = %d", f.ClientCount())
	}
}

func TestStalledClientDoesNotDelayOthers(t *testing.T) {
	f := startFanout(t, Options{Name: "stalled", StaleSeconds: 30})

	stalled := dial(t, f)
	if tcp, ok := stalled.(*net.TCPConn); ok {
		tcp.SetReadBuffer(4096)
	}
	reader := dial(t, f)
	waitFor(t, "clients", func() bool { return f.ClientCount() == 2 })

	// far more than the socket buffers and the client queue of the stalled
	// client can hold
	msg := append(bytes.Repeat([]byte("x"), 16*1024-1), '\n')
	buf := make([]byte, len(msg))
	start := time.Now()
	for i := 0; i < 2000; i++ {
		f.Send(msg)
		reader.SetReadDeadline(time.Now().Add(5 * time.Second))
		if _, err := io.ReadFull(reader, buf); err != nil {
			t.Fatalf("message %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 20*time.Second {
		t.Errorf("reading client took %v", elapsed)
	}

	var stale int64
	for _, c := range f.PopulateConnections(nil) {
		if c.RemoteAddr == stalled.LocalAddr().String() {
			stale = c.StaleBytesDiscarded
		}
	}
	if stale == 0 {
		t.Error("stalled client discarded nothing")
	}
	if f.Dropped() != 0 {
		t.Errorf("send queue dropped %d messages", f.Dropped())
	}
}

func TestEndpointIgnoresZone(t *testing.T) {
	ours, ok := parseEndpoint("[fe80::1%eth0]:30005")
	if !ok {
		t.Fatal("zoned endpoint not parsed")
	}
	theirs, ok := statEndpoint(gnet.Addr{IP: "fe80::1", Port: 30005})
	if !ok || ours != theirs {
		t.Errorf("endpoints differ: %v and %v", ours, theirs)
	}
}

func TestAccessRuleAppliedAtAccept(t *testing.T) {
	filter, err := access.Compile(access.Rule{Deny: []string{"127.0.0.0/8"}})
	if err != nil {
		t.Fatal(err)
	}
	f := startFanout(t, Options{Name: "denied", Access: filter})
	conn := dial(t, f)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("denied client stayed connected")
	}
	if f.ClientCount() != 0 {
		t.Errorf("clients = %d", f.ClientCount())
	}
}

func TestCheckLiveness(t *testing.T) {
	var states atomic.Pointer[[]gnet.ConnectionStat]
	f := startFanout(t, Options{
		Name: "liveness",
		ConnectionStates: func(context.Context) ([]gnet.ConnectionStat, error) {
			return *states.Load(), nil
		},
	})

	var disconnected []string
	f.OnDisconnected(func(c Connection) { disconnected = append(disconnected, c.RemoteAddr) })

	alive := dial(t, f)
	dead := dial(t, f)
	waitFor(t, "clients", func() bool { return f.ClientCount() == 2 })

	// report the server side of the first connection as established and
	// the second as closing
	stat := func(client net.Conn, status string) gnet.ConnectionStat {
		local := netip.MustParseAddrPort(f.Addr().String())
		remote := netip.MustParseAddrPort(client.LocalAddr().String())
		return gnet.ConnectionStat{
			Laddr:  gnet.Addr{IP: local.Addr().String(), Port: uint32(local.Port())},
			Raddr:  gnet.Addr{IP: remote.Addr().String(), Port: uint32(remote.Port())},
			Status: status,
		}
	}
	list := []gnet.ConnectionStat{stat(alive, StatusEstablished), stat(dead, "CLOSE_WAIT")}
	states.Store(&list)

	now := time.Now().UTC()
	if got := f.CheckLiveness(now); got != 1 {
		t.Fatalf("CheckLiveness dropped %d, want 1", got)
	}
	if len(disconnected) != 1 || disconnected[0] != dead.LocalAddr().String() {
		t.Errorf("disconnected = %v, want %s", disconnected, dead.LocalAddr())
	}
	conns := f.PopulateConnections(nil)
	if len(conns) != 1 || !conns[0].LastLivenessCheck.Equal(now) {
		t.Errorf("connections = %+v", conns)
	}
}

func TestCheckLivenessKeepsClientsWhenTableUnavailable(t *testing.T) {
	f := startFanout(t, Options{
		Name: "broken",
		ConnectionStates: func(context.Context) ([]gnet.ConnectionStat, error) {
			return nil, errors.New("permission denied")
		},
	})
	dial(t, f)
	waitFor(t, "client", func() bool { return f.ClientCount() == 1 })
	if got := f.CheckLiveness(time.Now()); got != 0 || f.ClientCount() != 1 {
		t.Errorf("dropped %d, clients %d", got, f.ClientCount())
	}
}

func TestSetStaleSeconds(t *testing.T) {
	f := New(Options{StaleSeconds: 3})
	defer f.Close()
	f.SetStaleSeconds(7)
	if f.StaleSeconds() != 7 {
		t.Errorf("StaleSeconds() = %d", f.StaleSeconds())
	}
	f.SetStaleSeconds(-1)
	if f.StaleSeconds() != 0 {
		t.Errorf("negative budget stored as %d", f.StaleSeconds())
	}
}

func TestCloseDisconnectsClients(t *testing.T) {
	f := startFanout(t, Options{Name: "close"})
	conn := dial(t, f)
	waitFor(t, "client", func() bool { return f.ClientCount() == 1 })

	var notified atomic.Bool
	f.OnDisconnected(func(Connection) { notified.Store(true) })
	port := f.Addr().(*net.TCPAddr).Port
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	f.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("client still connected after Close")
	}
	if notified.Load() {
		t.Error("disconnect subscriber called during Close")
	}
	f.Send([]byte("ignored"))
	if err := f.Listen(context.Background(), port); err == nil {
		t.Error("Listen after Close succeeded")
	}

	// the port is free again
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		t.Fatalf("port still bound: %v", err)
	}
	ln.Close()
}
