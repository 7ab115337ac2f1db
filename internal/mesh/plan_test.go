package mesh

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wiregate/wiregate/internal/model"
	"github.com/wiregate/wiregate/internal/wgconf"
)

func key(t *testing.T) string {
	t.Helper()
	kp, err := wgconf.GenerateKeyPair()
	require.NoError(t, err)
	return kp.PublicKey
}

func threeNodes(t *testing.T) []Node {
	return []Node{
		{ID: "a", Name: "alpha", PublicKey: key(t), Address: "10.0.1.1/24", Endpoint: "alpha.example.net", ListenPort: 51820, Tunnel: "wg0"},
		{ID: "b", Name: "bravo", PublicKey: key(t), Address: "10.0.2.1/24", Endpoint: "198.51.100.7", ListenPort: 51821},
		{ID: "x", Name: "ext", PublicKey: key(t), Address: "fd00::5/64", External: true},
	}
}

func TestPlan(t *testing.T) {
	nodes := threeNodes(t)
	psk, err := wgconf.GeneratePresharedKey()
	require.NoError(t, err)
	off := false
	conns := []Connection{
		{NodeA: "a", NodeB: "b", PresharedKey: psk},
		{NodeA: "b", NodeB: "x", AllowedIPsBToA: "fd00::/64, 192.0.2.0/24"},
		{NodeA: "a", NodeB: "x", Enabled: &off},
	}

	got, err := Plan(nodes, conns)
	require.NoError(t, err)

	want := map[string][]PeerEntry{
		"a": {
			{Name: "mesh_bravo", PublicKey: nodes[1].PublicKey, AllowedIPs: "10.0.2.1/32", PresharedKey: psk, Endpoint: "198.51.100.7:51821"},
		},
		"b": {
			{Name: "mesh_alpha", PublicKey: nodes[0].PublicKey, AllowedIPs: "10.0.1.1/32", PresharedKey: psk, Endpoint: "alpha.example.net:51820"},
			{Name: "mesh_ext", PublicKey: nodes[2].PublicKey, AllowedIPs: "fd00::5/128"},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("plan mismatch (-want +got):\n%s", diff)
	}
	assert.NotContains(t, got, "x")
}

func TestPlanOverrideAllowedIPs(t *testing.T) {
	nodes := threeNodes(t)
	got, err := Plan(nodes, []Connection{{NodeA: "a", NodeB: "b", AllowedIPsAToB: "10.0.2.0/24,10.9.0.0/16"}})
	require.NoError(t, err)
	require.Len(t, got["a"], 1)
	assert.Equal(t, "10.0.2.0/24,10.9.0.0/16", got["a"][0].AllowedIPs)
	assert.Equal(t, "10.0.1.1/32", got["b"][0].AllowedIPs)
}

func TestPlanRejects(t *testing.T) {
	nodes := threeNodes(t)
	cases := map[string]struct {
		nodes []Node
		conns []Connection
	}{
		"unknown node": {nodes, []Connection{{NodeA: "a", NodeB: "zz"}}},
		"self":         {nodes, []Connection{{NodeA: "a", NodeB: "a"}}},
		"duplicate":    {nodes, []Connection{{NodeA: "a", NodeB: "b"}, {NodeA: "b", NodeB: "a"}}},
		"bad psk":      {nodes, []Connection{{NodeA: "a", NodeB: "b", PresharedKey: "nope"}}},
		"bad override": {nodes, []Connection{{NodeA: "a", NodeB: "b", AllowedIPsAToB: "10.0.0.0/99"}}},
		"bad key":      {[]Node{{ID: "a", PublicKey: "short"}}, nil},
		"dup node":     {[]Node{nodes[0], nodes[0]}, nil},
		"no id":        {[]Node{{PublicKey: nodes[0].PublicKey}}, nil},
		"bad address": {
			[]Node{nodes[0], {ID: "q", PublicKey: key(t), Address: "not-an-ip"}},
			[]Connection{{NodeA: "a", NodeB: "q"}},
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Plan(tc.nodes, tc.conns)
			assert.ErrorIs(t, err, model.ErrInvalidInput)
		})
	}
}

func TestCollisions(t *testing.T) {
	nodes := []Node{
		{ID: "a", Address: "10.0.1.1/24"},
		{ID: "b", Address: "10.0.1.200/24"},
		{ID: "c", Address: "10.0.0.0/16"},
		{ID: "d", Address: "10.5.0.1/24"},
		{ID: "e", Address: "10.0.300.1/24"},
	}
	got := Collisions(nodes)

	want := []Collision{
		{Kind: CollisionInvalid, NodeA: "e", AddressA: "10.0.300.1/24"},
		{Kind: CollisionOverlap, NodeA: "a", NodeB: "b", AddressA: "10.0.1.1/24", AddressB: "10.0.1.200/24"},
		{Kind: CollisionOverlap, NodeA: "a", NodeB: "c", AddressA: "10.0.1.1/24", AddressB: "10.0.0.0/16"},
		{Kind: CollisionOverlap, NodeA: "b", NodeB: "c", AddressA: "10.0.1.200/24", AddressB: "10.0.0.0/16"},
	}
	require.Len(t, got, len(want))
	assert.NotEmpty(t, got[0].Error)
	got[0].Error = ""
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("collisions mismatch (-want +got):\n%s", diff)
	}

	assert.Empty(t, Collisions([]Node{{ID: "a", Address: "10.0.1.1/24"}, {ID: "b", Address: "10.0.2.1/24"}}))
}

func TestSuggestSubnet(t *testing.T) {
	nodes := []Node{
		{ID: "a", Address: "10.0.0.1/24"},
		{ID: "b", Address: "10.0.1.9"},
		{ID: "c", Address: "10.0.3.0/24"},
	}
	assert.Equal(t, "10.0.2.1/24", SuggestSubnet(nodes, ""))
	assert.Equal(t, "172.16.0.1/24", SuggestSubnet(nodes, "172.16.0.0/12"))
	assert.Equal(t, "10.0.4.1/24", SuggestSubnet(append(nodes, Node{ID: "d", Address: "10.0.2.77/24"}), "10.0.0.0/16"))

	assert.Equal(t, FallbackSubnet, SuggestSubnet(nil, "10.0.0.0/28"))
	assert.Equal(t, FallbackSubnet, SuggestSubnet(nil, "fd00::/48"))
	assert.Equal(t, FallbackSubnet, SuggestSubnet(nil, "garbage"))
	assert.Equal(t, FallbackSubnet, SuggestSubnet([]Node{{ID: "a", Address: "10.1.2.1/22"}}, "10.1.0.0/22"))
}

func TestLoadPlanYAML(t *testing.T) {
	doc, err := LoadPlanYAML(strings.NewReader(`
supernet: 10.0.0.0/8
nodes:
  - id: a
    name: alpha
    public_key: AAAA
    address: 10.0.1.1/24
    listen_port: 51820
    tunnel: wg0
  - id: b
    name: bravo
    public_key: BBBB
    address: 10.0.2.1/24
    is_external: true
connections:
  - node_a: a
    node_b: b
    enabled: false
`))
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.0/8", doc.Supernet)
	require.Len(t, doc.Nodes, 2)
	assert.Equal(t, "wg0", doc.Nodes[0].Tunnel)
	assert.True(t, doc.Nodes[1].External)
	require.Len(t, doc.Connections, 1)
	assert.False(t, doc.Connections[0].enabled())

	_, err = LoadPlanYAML(strings.NewReader("nodes:\n  - id: a\n    colour: red\n"))
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestDiff(t *testing.T) {
	k1, k2, k3, k4 := key(t), key(t), key(t), key(t)
	current := map[string][]PeerEntry{
		"a": {
			{Name: "mesh_b", PublicKey: k1, AllowedIPs: "10.0.2.1/32"},
			{Name: "mesh_old", PublicKey: k2, AllowedIPs: "10.0.9.1/32"},
			{Name: "laptop", PublicKey: k3, AllowedIPs: "10.0.1.5/32"},
		},
		"c": {
			{Name: "mesh_a", PublicKey: k4, AllowedIPs: "10.0.1.1/32, 10.8.0.0/16", Endpoint: "a:1"},
		},
	}
	desired := map[string][]PeerEntry{
		"a": {
			{Name: "mesh_b", PublicKey: k1, AllowedIPs: "10.0.2.1/32", Endpoint: "b:51820"},
			{Name: "mesh_c", PublicKey: k4, AllowedIPs: "10.0.3.1/32"},
		},
		"b": {
			{Name: "mesh_a", PublicKey: k4, AllowedIPs: "10.0.1.1/32"},
		},
		"c": {
			{Name: "mesh_a", PublicKey: k4, AllowedIPs: "10.8.0.0/16,10.0.1.1/32", Endpoint: "a:1"},
		},
	}

	got := Diff(current, desired)
	want := map[string]Changes{
		"a": {
			Add:    []PeerEntry{desired["a"][1]},
			Remove: []PeerEntry{current["a"][1]},
			Update: []PeerEntry{desired["a"][0]},
		},
		"b": {Add: desired["b"]},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("diff mismatch (-want +got):\n%s", diff)
	}
}

func TestEntriesFromFile(t *testing.T) {
	k1, k2 := key(t), key(t)
	f := &wgconf.File{Peers: []wgconf.PeerBlock{
		{Name: "mesh_z", PublicKey: k1, AllowedIPs: "10.0.2.1/32", Endpoint: "z:1"},
		{Name: "mesh_a", PublicKey: k2, AllowedIPs: "10.0.3.1/32"},
	}}
	got := EntriesFromFile(f)
	require.Len(t, got, 2)
	assert.Equal(t, "mesh_a", got[0].Name)
	assert.Equal(t, "z:1", got[1].Endpoint)
}
