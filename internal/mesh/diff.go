package mesh

import (
	"slices"
	"strings"
)

// Changes is what one node must do to reach its planned peers. Update holds
// peers that stay but whose allowed IPs, endpoint or key material differ.
type Changes struct {
	Add    []PeerEntry `json:"add,omitempty"`
	Remove []PeerEntry `json:"remove,omitempty"`
	Update []PeerEntry `json:"update,omitempty"`
}

func (c Changes) Empty() bool {
	return len(c.Add) == 0 && len(c.Remove) == 0 && len(c.Update) == 0
}

// Diff compares current peers with desired peers node by node, matching on
// public key. Only peers named with PeerPrefix are ever removed, so peers
// that are not part of the mesh are left alone. Nodes without changes are
// omitted.
func Diff(current, desired map[string][]PeerEntry) map[string]Changes {
	out := make(map[string]Changes)
	for node, want := range desired {
		have := make(map[string]PeerEntry, len(current[node]))
		for _, e := range current[node] {
			have[e.PublicKey] = e
		}
		var ch Changes
		wanted := make(map[string]bool, len(want))
		for _, e := range want {
			wanted[e.PublicKey] = true
			old, ok := have[e.PublicKey]
			switch {
			case !ok:
				ch.Add = append(ch.Add, e)
			case !sameEntry(old, e):
				ch.Update = append(ch.Update, e)
			}
		}
		for _, e := range current[node] {
			if !wanted[e.PublicKey] && isMeshPeer(e) {
				ch.Remove = append(ch.Remove, e)
			}
		}
		if !ch.Empty() {
			sortEntries(ch.Add)
			sortEntries(ch.Remove)
			sortEntries(ch.Update)
			out[node] = ch
		}
	}
	return out
}

func isMeshPeer(e PeerEntry) bool {
	return strings.HasPrefix(e.Name, PeerPrefix)
}

func splitIPs(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	slices.Sort(out)
	return out
}

func sameEntry(a, b PeerEntry) bool {
	return a.Endpoint == b.Endpoint &&
		a.PresharedKey == b.PresharedKey &&
		slices.Equal(splitIPs(a.AllowedIPs), splitIPs(b.AllowedIPs))
}
