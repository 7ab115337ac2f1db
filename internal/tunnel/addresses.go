package tunnel

import (
	"context"
	"net/netip"
	"strings"

	"github.com/wiregate/wiregate/internal/model"
	"github.com/wiregate/wiregate/internal/wgconf"
)

const (
	// ipv6Suggestions bounds IPv6 enumeration unless every address is requested.
	ipv6Suggestions = 256
	// maxEnumerate bounds any single network walk.
	maxEnumerate = 1 << 16
)

// allocator hands out host addresses from the interface networks that no
// peer, active or restricted, already routes.
type allocator struct {
	networks []netip.Prefix
	hosts    map[netip.Addr]bool
	wide     []netip.Prefix
	cursor   []netip.Addr
}

func newAllocator(address string, peers []model.Peer) (*allocator, error) {
	ifaces, err := wgconf.ParsePrefixes(address)
	if err != nil {
		return nil, err
	}
	a := &allocator{hosts: make(map[netip.Addr]bool)}
	for _, p := range ifaces {
		a.networks = append(a.networks, p.Masked())
		a.cursor = append(a.cursor, firstHost(p.Masked()))
		a.hosts[p.Addr()] = true
	}
	for i := range peers {
		ps, err := wgconf.ParsePrefixes(peers[i].AllowedIP)
		if err != nil {
			continue
		}
		a.mark(ps)
	}
	return a, nil
}

func (a *allocator) mark(ps []netip.Prefix) {
	for _, p := range ps {
		if p.IsSingleIP() {
			a.hosts[p.Addr()] = true
		} else {
			a.wide = append(a.wide, p.Masked())
		}
	}
}

func (a *allocator) free(addr netip.Addr) bool {
	if a.hosts[addr] {
		return false
	}
	for _, w := range a.wide {
		if w.Contains(addr) {
			return false
		}
	}
	return true
}

// claim reserves explicit prefixes, rejecting any overlap with what is taken.
func (a *allocator) claim(ps []netip.Prefix) error {
	for _, p := range ps {
		for h := range a.hosts {
			if p.Contains(h) {
				return model.Invalid("allocate address", "%s overlaps %s already in use", p, h)
			}
		}
		for _, w := range a.wide {
			if w.Overlaps(p) {
				return model.Invalid("allocate address", "%s overlaps %s already in use", p, w)
			}
		}
	}
	a.mark(ps)
	return nil
}

// next assigns one free host from every interface network.
func (a *allocator) next() ([]netip.Prefix, error) {
	if len(a.networks) == 0 {
		return nil, model.Conflict("allocate address", "interface has no address to allocate from")
	}
	var out []netip.Prefix
	for i, n := range a.networks {
		addr, ok := a.scan(n, a.cursor[i])
		if !ok {
			return nil, model.Conflict("allocate address", "address pool %s exhausted", n)
		}
		a.cursor[i] = addr.Next()
		host := netip.PrefixFrom(addr, addr.BitLen())
		a.mark([]netip.Prefix{host})
		out = append(out, host)
	}
	return out, nil
}

func (a *allocator) scan(n netip.Prefix, from netip.Addr) (netip.Addr, bool) {
	for addr, steps := from, 0; addr.IsValid() && isHost(n, addr) && steps < maxEnumerate; addr, steps = addr.Next(), steps+1 {
		if a.free(addr) {
			return addr, true
		}
	}
	return netip.Addr{}, false
}

// available lists free hosts per network. IPv6 networks stop at limit6
// suggestions when limit6 is positive.
func (a *allocator) available(limit6 int) []string {
	var out []string
	for _, n := range a.networks {
		count := 0
		for addr := firstHost(n); addr.IsValid() && isHost(n, addr) && count < maxEnumerate; addr = addr.Next() {
			if !a.free(addr) {
				continue
			}
			out = append(out, netip.PrefixFrom(addr, addr.BitLen()).String())
			count++
			if n.Addr().Is6() && limit6 > 0 && count >= limit6 {
				break
			}
		}
	}
	return out
}

// firstHost skips the network address, except for /31, /32 and /128.
func firstHost(n netip.Prefix) netip.Addr {
	if n.Bits() >= n.Addr().BitLen()-1 {
		return n.Addr()
	}
	return n.Addr().Next()
}

// isHost reports whether addr is a usable host of n. The IPv4 broadcast
// address is excluded.
func isHost(n netip.Prefix, addr netip.Addr) bool {
	if !n.Contains(addr) {
		return false
	}
	if n.Addr().Is4() && n.Bits() < 31 {
		next := addr.Next()
		return next.IsValid() && n.Contains(next)
	}
	return true
}

func joinPrefixes(ps []netip.Prefix) string {
	parts := make([]string, len(ps))
	for i, p := range ps {
		parts[i] = p.String()
	}
	return strings.Join(parts, ", ")
}

// AvailableIPs lists host addresses not used by any peer. IPv6 networks are
// capped at 256 suggestions unless all is set.
func (c *Controller) AvailableIPs(ctx context.Context, all bool) ([]string, error) {
	c.mu.Lock()
	address := c.file.Interface.Address
	c.mu.Unlock()

	peers, err := c.allPeers(ctx)
	if err != nil {
		return nil, err
	}
	a, err := newAllocator(address, peers)
	if err != nil {
		return nil, err
	}
	limit := ipv6Suggestions
	if all {
		limit = 0
	}
	return a.available(limit), nil
}
