package mesh

import (
	"net/netip"
	"strings"
)

const (
	DefaultSupernet = "10.0.0.0/8"
	FallbackSubnet  = "10.100.0.1/24"
)

const (
	CollisionOverlap = "overlap"
	CollisionInvalid = "invalid"
)

// Collision is one problem found among node addresses.
type Collision struct {
	Kind     string `json:"type"`
	NodeA    string `json:"node_a,omitempty"`
	NodeB    string `json:"node_b,omitempty"`
	AddressA string `json:"address_a,omitempty"`
	AddressB string `json:"address_b,omitempty"`
	Error    string `json:"error,omitempty"`
}

// network is the node's tunnel subnet; a bare address is a single host.
func network(address string) (netip.Prefix, error) {
	address = strings.TrimSpace(address)
	if !strings.Contains(address, "/") {
		return hostPrefix(address)
	}
	p, err := netip.ParsePrefix(address)
	if err != nil {
		return netip.Prefix{}, err
	}
	return p.Masked(), nil
}

// Collisions reports node subnets that overlap and addresses that do not parse.
func Collisions(nodes []Node) []Collision {
	type parsed struct {
		node Node
		net  netip.Prefix
	}
	var (
		out []Collision
		ok  []parsed
	)
	for _, n := range nodes {
		p, err := network(n.Address)
		if err != nil {
			out = append(out, Collision{Kind: CollisionInvalid, NodeA: n.ID, AddressA: n.Address, Error: err.Error()})
			continue
		}
		ok = append(ok, parsed{node: n, net: p})
	}
	for i := range ok {
		for j := i + 1; j < len(ok); j++ {
			if ok[i].net.Overlaps(ok[j].net) {
				out = append(out, Collision{
					Kind:     CollisionOverlap,
					NodeA:    ok[i].node.ID,
					NodeB:    ok[j].node.ID,
					AddressA: ok[i].node.Address,
					AddressB: ok[j].node.Address,
				})
			}
		}
	}
	return out
}

// SuggestSubnet returns the first host of the first /24 inside supernet that
// no node occupies, in "a.b.c.1/24" form. It falls back to FallbackSubnet
// when supernet is unusable or full. An empty supernet means DefaultSupernet.
func SuggestSubnet(nodes []Node, supernet string) string {
	if supernet == "" {
		supernet = DefaultSupernet
	}
	sn, err := netip.ParsePrefix(supernet)
	if err != nil || !sn.Addr().Is4() || sn.Bits() > 24 {
		return FallbackSubnet
	}
	sn = sn.Masked()

	var used []netip.Prefix
	for _, n := range nodes {
		if p, err := network(n.Address); err == nil && p.Addr().Is4() {
			used = append(used, p)
		}
	}

	base := sn.Addr().As4()
	count := 1 << (24 - sn.Bits())
	for i := 0; i < count; i++ {
		a := base
		off := uint32(i) << 8
		a[1] += byte(off >> 16)
		a[2] += byte(off >> 8)
		candidate := netip.PrefixFrom(netip.AddrFrom4(a), 24)
		if !sn.Contains(candidate.Addr()) {
			break
		}
		free := true
		for _, u := range used {
			if u.Overlaps(candidate) {
				free = false
				break
			}
		}
		if free {
			a[3] = 1
			return netip.PrefixFrom(netip.AddrFrom4(a), 24).String()
		}
	}
	return FallbackSubnet
}
