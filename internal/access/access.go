// Package access evaluates CIDR allow/deny rules against peer addresses
package access

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"strings"
)

// ErrInvalidRule is returned for an entry that is neither an address nor a CIDR block
var ErrInvalidRule = errors.New("invalid access rule")

// Rule is the configured form of an access list. An empty rule admits
// everyone. Deny entries win over allow entries; when Allow is non-empty
// only matching peers are admitted.
type Rule struct {
	Allow []string `toml:"allow" json:"allow,omitempty"`
	Deny  []string `toml:"deny" json:"deny,omitempty"`
}

// Key is a canonical form of the rule, equal for rules that admit the same peers
func (r Rule) Key() string {
	canon := func(entries []string) string {
		out := make([]string, 0, len(entries))
		for _, e := range entries {
			if p, err := parseEntry(e); err == nil {
				out = append(out, p.String())
			} else {
				out = append(out, strings.TrimSpace(e))
			}
		}
		sort.Strings(out)
		return strings.Join(out, ",")
	}
	return "allow=" + canon(r.Allow) + ";deny=" + canon(r.Deny)
}

// Validate checks every entry of the rule
func (r Rule) Validate() error {
	_, err := Compile(r)
	return err
}

// Filter is a compiled Rule
type Filter struct {
	allow []netip.Prefix
	deny  []netip.Prefix
}

// Compile parses a rule. Bare addresses are treated as single-host prefixes.
func Compile(r Rule) (*Filter, error) {
	f := &Filter{}
	for _, e := range r.Allow {
		p, err := parseEntry(e)
		if err != nil {
			return nil, err
		}
		f.allow = append(f.allow, p)
	}
	for _, e := range r.Deny {
		p, err := parseEntry(e)
		if err != nil {
			return nil, err
		}
		f.deny = append(f.deny, p)
	}
	return f, nil
}

func parseEntry(e string) (netip.Prefix, error) {
	e = strings.TrimSpace(e)
	if strings.Contains(e, "/") {
		p, err := netip.ParsePrefix(e)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("%q: %w", e, ErrInvalidRule)
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(e)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("%q: %w", e, ErrInvalidRule)
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// Allowed reports whether addr may connect. A nil filter admits everyone.
func (f *Filter) Allowed(addr netip.Addr) bool {
	if f == nil {
		return true
	}
	addr = addr.Unmap()
	for _, p := range f.deny {
		if p.Contains(addr) {
			return false
		}
	}
	if len(f.allow) == 0 {
		return true
	}
	for _, p := range f.allow {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// AllowedConn applies the filter to the remote end of a connection
func (f *Filter) AllowedConn(c net.Conn) bool {
	if f == nil {
		return true
	}
	ap, err := netip.ParseAddrPort(c.RemoteAddr().String())
	if err != nil {
		return false
	}
	return f.Allowed(ap.Addr())
}
