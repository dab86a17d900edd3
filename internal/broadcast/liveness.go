package broadcast

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"time"

	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/yegors/skyrelay/pkg/logger"
)

// StatusEstablished is the TCP state of a healthy connection
const StatusEstablished = "ESTABLISHED"

const livenessQueryTimeout = 5 * time.Second

// ConnectionStateFunc lists the TCP connections of this process
type ConnectionStateFunc func(ctx context.Context) ([]gnet.ConnectionStat, error)

// SystemConnectionStates reads the operating system's TCP table for the
// current process
func SystemConnectionStates(ctx context.Context) ([]gnet.ConnectionStat, error) {
	return gnet.ConnectionsPidWithContext(ctx, "tcp", int32(os.Getpid()))
}

type endpointPair struct {
	local  netip.AddrPort
	remote netip.AddrPort
}

func parseEndpoint(s string) (netip.AddrPort, bool) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return netip.AddrPort{}, false
	}
	// the OS table carries no zones
	return netip.AddrPortFrom(ap.Addr().Unmap().WithZone(""), ap.Port()), true
}

func statEndpoint(a gnet.Addr) (netip.AddrPort, bool) {
	addr, err := netip.ParseAddr(a.IP)
	if err != nil {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(addr.Unmap().WithZone(""), uint16(a.Port)), true
}

// CheckLiveness disconnects every client whose connection the operating
// system no longer reports as established. A passively accepted socket can
// go half dead without our side ever seeing an error. It returns the number
// of clients disconnected.
func (f *Fanout) CheckLiveness(now time.Time) int {
	if f.disposed.Load() {
		return 0
	}
	clients := f.snapshotClients()
	if len(clients) == 0 {
		return 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), livenessQueryTimeout)
	defer cancel()
	stats, err := f.connStates(ctx)
	if err != nil {
		// without the table we cannot tell dead from alive, keep everyone
		f.reporter.Report(f.source(), fmt.Errorf("read tcp connection states: %w", err))
		return 0
	}

	established := make(map[endpointPair]bool, len(stats))
	for _, st := range stats {
		if st.Status != StatusEstablished {
			continue
		}
		local, ok1 := statEndpoint(st.Laddr)
		remote, ok2 := statEndpoint(st.Raddr)
		if ok1 && ok2 {
			established[endpointPair{local, remote}] = true
		}
	}

	dropped := 0
	for _, c := range clients {
		c.lastCheck.Store(now.UnixNano())
		local, ok1 := parseEndpoint(c.local)
		remote, ok2 := parseEndpoint(c.remote)
		if !ok1 || !ok2 || established[endpointPair{local, remote}] {
			continue
		}
		f.logger.Info("Client connection no longer established", logger.String("remote", c.remote))
		f.removeClient(c, nil)
		dropped++
	}
	return dropped
}
