package wgconf

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wiregate/wiregate/internal/model"
)

func TestClientConfig(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	p := &model.Peer{
		ID:           kp.PublicKey,
		PrivateKey:   kp.PrivateKey,
		PresharedKey: "psk",
		AllowedIP:    "10.0.0.2/32",
	}
	defaults := model.PeerDefaults{
		DNS:               "1.1.1.1",
		EndpointAllowedIP: "0.0.0.0/0, ::/0",
		MTU:               1420,
		Keepalive:         21,
		RemoteEndpoint:    "vpn.example.com",
	}
	out, err := ClientConfig(p, ServerInfo{PublicKey: "server-pk", ListenPort: 51820, Protocol: model.ProtocolWG}, defaults)
	require.NoError(t, err)

	f, err := Parse(strings.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, kp.PrivateKey, f.Interface.PrivateKey)
	assert.Equal(t, "10.0.0.2/32", f.Interface.Address)
	assert.Equal(t, "1420", f.Interface.MTU)
	require.Len(t, f.Peers, 1)
	assert.Equal(t, "server-pk", f.Peers[0].PublicKey)
	assert.Equal(t, "vpn.example.com:51820", f.Peers[0].Endpoint)
	assert.Equal(t, "0.0.0.0/0, ::/0", f.Peers[0].AllowedIPs)
	assert.Equal(t, "21", f.Peers[0].PersistentKeepalive)
	assert.Equal(t, model.ProtocolWG, f.Protocol())
}

func TestClientConfigAWG(t *testing.T) {
	p := &model.Peer{ID: "pk", PrivateKey: "priv", AllowedIP: "10.0.0.2/32"}
	srv := ServerInfo{PublicKey: "spk", ListenPort: 443, Protocol: model.ProtocolAWG,
		AWG: model.AWGParams{Jc: 4, Jmin: 40, Jmax: 70, S1: 10, S2: 20, H1: 1, H2: 2, H3: 3, H4: 4, I1: "<b 0x4745>"}}
	out, err := ClientConfig(p, srv, model.PeerDefaults{RemoteEndpoint: "2001:db8::1"})
	require.NoError(t, err)
	assert.Contains(t, out, "Jc = 4\n")
	assert.Contains(t, out, "I1 = <b 0x4745>\n")
	assert.Contains(t, out, "Endpoint = [2001:db8::1]:443\n")
}

func TestClientConfigNeedsPrivateKey(t *testing.T) {
	_, err := ClientConfig(&model.Peer{ID: "pk"}, ServerInfo{}, model.PeerDefaults{})
	assert.ErrorIs(t, err, model.ErrConflictingState)
}
