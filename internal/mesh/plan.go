// Package mesh turns a set of nodes and the connections between them into
// the peer entries each node's tunnel must carry. Nothing here touches disk
// or the kernel; callers apply the result through the tunnel controllers.
package mesh

import (
	"cmp"
	"fmt"
	"io"
	"net"
	"net/netip"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/wiregate/wiregate/internal/model"
	"github.com/wiregate/wiregate/internal/wgconf"
)

// PeerPrefix is prepended to the node name to form the peer name.
const PeerPrefix = "mesh_"

// Node is one member of the mesh.
type Node struct {
	ID         string `yaml:"id" json:"id"`
	Name       string `yaml:"name" json:"name"`
	PublicKey  string `yaml:"public_key" json:"public_key"`
	Address    string `yaml:"address" json:"address"`
	Endpoint   string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	ListenPort int    `yaml:"listen_port,omitempty" json:"listen_port,omitempty"`
	Protocol   string `yaml:"protocol,omitempty" json:"protocol,omitempty"`
	External   bool   `yaml:"is_external,omitempty" json:"is_external,omitempty"`
	// Tunnel names the local tunnel backing this node, if any.
	Tunnel string `yaml:"tunnel,omitempty" json:"tunnel,omitempty"`
}

// Connection links two nodes. AllowedIPs overrides default to the remote
// node's host address.
type Connection struct {
	NodeA          string `yaml:"node_a" json:"node_a"`
	NodeB          string `yaml:"node_b" json:"node_b"`
	PresharedKey   string `yaml:"preshared_key,omitempty" json:"preshared_key,omitempty"`
	AllowedIPsAToB string `yaml:"allowed_ips_a_to_b,omitempty" json:"allowed_ips_a_to_b,omitempty"`
	AllowedIPsBToA string `yaml:"allowed_ips_b_to_a,omitempty" json:"allowed_ips_b_to_a,omitempty"`
	Enabled        *bool  `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

func (c Connection) enabled() bool { return c.Enabled == nil || *c.Enabled }

// PeerEntry is one [Peer] a node must carry.
type PeerEntry struct {
	Name         string `json:"name"`
	PublicKey    string `json:"public_key"`
	AllowedIPs   string `json:"allowed_ips"`
	PresharedKey string `json:"preshared_key,omitempty"`
	Endpoint     string `json:"endpoint,omitempty"`
}

// Document is a mesh plan file.
type Document struct {
	Supernet    string       `yaml:"supernet,omitempty"`
	Nodes       []Node       `yaml:"nodes"`
	Connections []Connection `yaml:"connections"`
}

// LoadPlanYAML decodes a plan document. Unknown keys are rejected.
func LoadPlanYAML(r io.Reader) (*Document, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, model.Invalid("load mesh plan", "decode yaml: %v", err)
	}
	return &doc, nil
}

// hostPrefix turns a node address into a single-host prefix.
func hostPrefix(address string) (netip.Prefix, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return netip.Prefix{}, fmt.Errorf("empty address")
	}
	var addr netip.Addr
	if strings.Contains(address, "/") {
		p, err := netip.ParsePrefix(address)
		if err != nil {
			return netip.Prefix{}, err
		}
		addr = p.Addr()
	} else {
		a, err := netip.ParseAddr(address)
		if err != nil {
			return netip.Prefix{}, err
		}
		addr = a
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func endpointOf(n Node) string {
	if n.Endpoint == "" {
		return ""
	}
	if n.ListenPort > 0 {
		return net.JoinHostPort(n.Endpoint, strconv.Itoa(n.ListenPort))
	}
	return n.Endpoint
}

func entryFor(remote Node, override, psk string) (PeerEntry, error) {
	allowed := strings.TrimSpace(override)
	if allowed == "" {
		p, err := hostPrefix(remote.Address)
		if err != nil {
			return PeerEntry{}, model.Invalid("plan mesh", "node %s address %q: %v", remote.ID, remote.Address, err)
		}
		allowed = p.String()
	} else if _, err := wgconf.ParsePrefixes(allowed); err != nil {
		return PeerEntry{}, model.Invalid("plan mesh", "allowed ips toward %s: %v", remote.ID, err)
	}
	return PeerEntry{
		Name:         PeerPrefix + cmp.Or(remote.Name, remote.ID),
		PublicKey:    remote.PublicKey,
		AllowedIPs:   allowed,
		PresharedKey: psk,
		Endpoint:     endpointOf(remote),
	}, nil
}

// Plan returns, for every non-external node, the peers that realise the
// enabled connections. Entries are sorted by peer name.
func Plan(nodes []Node, connections []Connection) (map[string][]PeerEntry, error) {
	byID := make(map[string]Node, len(nodes))
	for _, n := range nodes {
		if n.ID == "" {
			return nil, model.Invalid("plan mesh", "node without id")
		}
		if _, dup := byID[n.ID]; dup {
			return nil, model.Invalid("plan mesh", "duplicate node %q", n.ID)
		}
		if !wgconf.ValidKey(n.PublicKey) {
			return nil, model.Invalid("plan mesh", "node %s has an invalid public key", n.ID)
		}
		byID[n.ID] = n
	}

	out := make(map[string][]PeerEntry)
	for _, n := range nodes {
		if !n.External {
			out[n.ID] = []PeerEntry{}
		}
	}

	seen := make(map[[2]string]bool, len(connections))
	for _, c := range connections {
		a, okA := byID[c.NodeA]
		b, okB := byID[c.NodeB]
		switch {
		case !okA:
			return nil, model.Invalid("plan mesh", "connection references unknown node %q", c.NodeA)
		case !okB:
			return nil, model.Invalid("plan mesh", "connection references unknown node %q", c.NodeB)
		case c.NodeA == c.NodeB:
			return nil, model.Invalid("plan mesh", "node %s connected to itself", c.NodeA)
		}
		pair := [2]string{min(c.NodeA, c.NodeB), max(c.NodeA, c.NodeB)}
		if seen[pair] {
			return nil, model.Invalid("plan mesh", "duplicate connection %s-%s", pair[0], pair[1])
		}
		seen[pair] = true
		if c.PresharedKey != "" && !wgconf.ValidKey(c.PresharedKey) {
			return nil, model.Invalid("plan mesh", "connection %s-%s has an invalid preshared key", pair[0], pair[1])
		}
		if !c.enabled() {
			continue
		}
		if !a.External {
			e, err := entryFor(b, c.AllowedIPsAToB, c.PresharedKey)
			if err != nil {
				return nil, err
			}
			out[a.ID] = append(out[a.ID], e)
		}
		if !b.External {
			e, err := entryFor(a, c.AllowedIPsBToA, c.PresharedKey)
			if err != nil {
				return nil, err
			}
			out[b.ID] = append(out[b.ID], e)
		}
	}
	for id := range out {
		sortEntries(out[id])
	}
	return out, nil
}

func sortEntries(es []PeerEntry) {
	slices.SortFunc(es, func(x, y PeerEntry) int {
		return cmp.Or(strings.Compare(x.Name, y.Name), strings.Compare(x.PublicKey, y.PublicKey))
	})
}

// EntriesFromFile lists the peers of a parsed configuration as entries.
func EntriesFromFile(f *wgconf.File) []PeerEntry {
	out := make([]PeerEntry, 0, len(f.Peers))
	for _, p := range f.Peers {
		out = append(out, PeerEntry{
			Name:         p.Name,
			PublicKey:    p.PublicKey,
			AllowedIPs:   p.AllowedIPs,
			PresharedKey: p.PresharedKey,
			Endpoint:     p.Endpoint,
		})
	}
	sortEntries(out)
	return out
}
