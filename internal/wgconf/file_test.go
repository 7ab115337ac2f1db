package wgconf

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wiregate/wiregate/internal/model"
)

const canonicalWG = `[Interface]
PrivateKey = yAnz5TF+lXXJte14tji3zlMNq+hd2rYUIgJBgB3fBmk=
Address = 10.0.0.1/24, fd00::1/64
ListenPort = 51820
MTU = 1420
PreUp = /etc/wiregate/iptable-rules/wg0-preup.sh
PostUp = iptables -A FORWARD -i %i -j ACCEPT; iptables -t nat -A POSTROUTING -o eth0 -j MASQUERADE
PostUp = echo "up" > /tmp/state && true
PostDown = iptables -D FORWARD -i %i -j ACCEPT
SaveConfig = false
DNS = 1.1.1.1

[Peer]
#Name# = alice laptop
PublicKey = xTIBA5rboUvnH4htodjb6e697QjLERt1NAB4mZqp8Dg=
PresharedKey = FpCyhws9cxwWoV4xELtfJvjJN+zQVRPISllRWgeopVE=
AllowedIPs = 10.0.0.2/32
PersistentKeepalive = 21

[Peer]
PublicKey = TrMvSoP4jYQlY6RIzBgbssQqY3vxI2Pi+y71lOWWXX0=
AllowedIPs = 10.0.0.3/32, fd00::3/128
Endpoint = 192.0.2.10:51820
`

func TestParseCanonicalRoundTrip(t *testing.T) {
	f, err := Parse(strings.NewReader(canonicalWG))
	require.NoError(t, err)

	assert.Equal(t, model.ProtocolWG, f.Protocol())
	require.Len(t, f.Peers, 2)
	assert.Equal(t, "alice laptop", f.Peers[0].Name)
	assert.Equal(t, []string{
		`iptables -A FORWARD -i %i -j ACCEPT; iptables -t nat -A POSTROUTING -o eth0 -j MASQUERADE`,
		`echo "up" > /tmp/state && true`,
	}, f.Interface.PostUp)
	assert.Equal(t, []KV{{Key: "DNS", Value: "1.1.1.1"}}, f.Interface.Extra)
	assert.Equal(t, 51820, f.Interface.Port())

	out, err := f.Bytes()
	require.NoError(t, err)
	if diff := cmp.Diff(canonicalWG, string(out)); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestParseCanonicalisesOrder(t *testing.T) {
	in := `[Interface]
ListenPort = 51820
Jc = 4
PrivateKey = yAnz5TF+lXXJte14tji3zlMNq+hd2rYUIgJBgB3fBmk=
H1 = 1234
Address = 10.0.0.1/24
Jmin = 40
Jmax = 70
[Peer]
AllowedIPs = 10.0.0.2/32
PublicKey = xTIBA5rboUvnH4htodjb6e697QjLERt1NAB4mZqp8Dg=
`
	f, err := Parse(strings.NewReader(in))
	require.NoError(t, err)
	assert.Equal(t, model.ProtocolAWG, f.Protocol())

	want := `[Interface]
PrivateKey = yAnz5TF+lXXJte14tji3zlMNq+hd2rYUIgJBgB3fBmk=
Address = 10.0.0.1/24
ListenPort = 51820
Jc = 4
Jmin = 40
Jmax = 70
H1 = 1234

[Peer]
PublicKey = xTIBA5rboUvnH4htodjb6e697QjLERt1NAB4mZqp8Dg=
AllowedIPs = 10.0.0.2/32
`
	out, err := f.Bytes()
	require.NoError(t, err)
	assert.Equal(t, want, string(out))

	params, err := f.Interface.AWGParams()
	require.NoError(t, err)
	assert.Equal(t, model.AWGParams{Jc: 4, Jmin: 40, Jmax: 70, H1: 1234}, params)
}

func TestParseErrors(t *testing.T) {
	cases := map[string]string{
		"no interface":     "[Peer]\nPublicKey = x\n",
		"peer without key": "[Interface]\nPrivateKey = k\n[Peer]\nAllowedIPs = 10.0.0.2/32\n",
		"unknown section":  "[Interface]\n[Bogus]\n",
		"line without =":   "[Interface]\nPrivateKey\n",
		"double interface": "[Interface]\n[Interface]\n",
		"empty":            "",
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(in))
			assert.ErrorIs(t, err, model.ErrInvalidInput)
		})
	}
}

func TestKeyAgreementOnWrite(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	other, err := GenerateKeyPair()
	require.NoError(t, err)

	f := &File{Interface: Interface{PrivateKey: kp.PrivateKey, Address: "10.0.0.1/24"}}
	f.ExpectedPublicKey = kp.PublicKey
	_, err = f.Bytes()
	require.NoError(t, err)

	f.ExpectedPublicKey = other.PublicKey
	_, err = f.Bytes()
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestLoadPinsInterfaceKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wg0.conf")
	require.NoError(t, os.WriteFile(path, []byte(canonicalWG), 0o600))

	f, err := Load(path)
	require.NoError(t, err)
	want, err := PublicKeyOf(f.Interface.PrivateKey)
	require.NoError(t, err)
	assert.Equal(t, want, f.ExpectedPublicKey)
	assert.Equal(t, want, f.Clone().ExpectedPublicKey)

	other, err := GenerateKeyPair()
	require.NoError(t, err)
	f.Interface.PrivateKey = other.PrivateKey
	assert.ErrorIs(t, f.Save(path), model.ErrInvalidInput)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, canonicalWG, string(data))
}

func TestPeerBlockOps(t *testing.T) {
	f, err := Parse(strings.NewReader(canonicalWG))
	require.NoError(t, err)

	err = f.AddPeer(PeerBlock{PublicKey: f.Peers[0].PublicKey})
	assert.ErrorIs(t, err, model.ErrConflictingState)

	require.NoError(t, f.AddPeer(PeerBlock{PublicKey: "new", AllowedIPs: "10.0.0.4/32"}))
	require.NoError(t, f.SetPeerAllowedIPs("new", "10.0.0.5/32"))
	assert.Equal(t, "10.0.0.5/32", f.Peer("new").AllowedIPs)

	clone := f.Clone()
	assert.True(t, f.RemovePeer("new"))
	assert.False(t, f.RemovePeer("new"))
	assert.Nil(t, f.Peer("new"))
	assert.NotNil(t, clone.Peer("new"))

	assert.ErrorIs(t, f.SetPeerAllowedIPs("missing", "x"), model.ErrNotFound)
}

func TestLoadSaveAndDrift(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wg0.conf")
	require.NoError(t, os.WriteFile(path, []byte(canonicalWG), 0o600))

	f, err := Load(path)
	require.NoError(t, err)
	assert.False(t, f.HasChanged(path))

	f.Peers[0].AllowedIPs = "10.0.0.9/32"
	require.NoError(t, f.Save(path))
	assert.False(t, f.HasChanged(path))
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), st.Mode().Perm())

	later := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, later, later))
	assert.True(t, f.HasChanged(path))

	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.9/32", reloaded.Peers[0].AllowedIPs)
}

func TestAddresses(t *testing.T) {
	f, err := Parse(strings.NewReader(canonicalWG))
	require.NoError(t, err)
	prefixes, err := f.Interface.Addresses()
	require.NoError(t, err)
	require.Len(t, prefixes, 2)
	assert.Equal(t, "10.0.0.1/24", prefixes[0].String())
	assert.True(t, prefixes[1].Addr().Is6())

	_, err = ParsePrefixes("10.0.0.1/24, nope")
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}
