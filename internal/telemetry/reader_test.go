package telemetry

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/wiregate/wiregate/internal/executor/executortest"
	"github.com/wiregate/wiregate/internal/model"
)

func TestCLIReaderRead(t *testing.T) {
	r := executortest.New()
	r.On("awg", "show", "awg0", "latest-handshakes").Stdout = "peerA=\t1700000000\npeerB=\t0\n"
	r.On("awg", "show", "awg0", "transfer").Stdout = "peerA=\t1024\t2048\npeerB=\t0\t0\n"
	r.On("awg", "show", "awg0", "endpoints").Stdout = "peerA=\t203.0.113.9:41000\npeerB=\t(none)\n"

	snap, err := NewCLIReader(r).Read(context.Background(), "awg0", model.ProtocolAWG)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"peerA=": 1700000000, "peerB=": 0}, snap.Handshakes)
	assert.Equal(t, Transfer{Receive: 1024, Sent: 2048}, snap.Transfers["peerA="])
	assert.Equal(t, "203.0.113.9:41000", snap.Endpoints["peerA="])
	assert.Equal(t, "", snap.Endpoints["peerB="])
	assert.Empty(t, r.CallsTo("wg"))
}

func TestCLIReaderRejectsGarbage(t *testing.T) {
	r := executortest.New()
	r.On("wg", "show", "wg0", "transfer").Stdout = "peerA=\tlots\t2048\n"

	_, err := NewCLIReader(r).Read(context.Background(), "wg0", model.ProtocolWG)
	assert.ErrorContains(t, err, "rx bytes")
}

func TestCLIReaderToolFailure(t *testing.T) {
	r := executortest.New()
	r.Fail("Unable to access interface: No such device", "wg", "show", "wg0")

	_, err := NewCLIReader(r).Read(context.Background(), "wg0", model.ProtocolWG)
	assert.ErrorIs(t, err, model.ErrExternalToolFailure)
}

func TestCLIReaderCounters(t *testing.T) {
	r := executortest.New()
	r.On("ip", "-s", "-j", "link", "show", "wg0").Stdout =
		`[{"ifindex":7,"ifname":"wg0","stats64":{"rx":{"bytes":123456,"packets":10},"tx":{"bytes":654321,"packets":12}}}]`

	c, err := NewCLIReader(r).Counters(context.Background(), "wg0")
	require.NoError(t, err)
	assert.Equal(t, Transfer{Receive: 123456, Sent: 654321}, c)
}

type fakeDevices struct {
	dev *wgtypes.Device
}

func (f fakeDevices) Device(string) (*wgtypes.Device, error) { return f.dev, nil }
func (f fakeDevices) Close() error                           { return nil }

func TestWgctrlReader(t *testing.T) {
	k1, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)
	k2, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)
	seen := time.Unix(1_700_000_000, 0)

	dev := &wgtypes.Device{Peers: []wgtypes.Peer{
		{
			PublicKey:         k1.PublicKey(),
			Endpoint:          &net.UDPAddr{IP: net.ParseIP("198.51.100.7"), Port: 51820},
			LastHandshakeTime: seen,
			ReceiveBytes:      10,
			TransmitBytes:     20,
		},
		{PublicKey: k2.PublicKey()},
	}}

	fallback := executortest.New()
	fallback.On("awg", "show", "awg0", "latest-handshakes").Stdout = ""
	r := &WgctrlReader{client: fakeDevices{dev: dev}, fallback: NewCLIReader(fallback), now: time.Now}

	snap, err := r.Read(context.Background(), "wg0", model.ProtocolWG)
	require.NoError(t, err)
	id1, id2 := k1.PublicKey().String(), k2.PublicKey().String()
	assert.Equal(t, seen.Unix(), snap.Handshakes[id1])
	assert.Equal(t, int64(0), snap.Handshakes[id2])
	assert.Equal(t, Transfer{Receive: 10, Sent: 20}, snap.Transfers[id1])
	assert.Equal(t, "198.51.100.7:51820", snap.Endpoints[id1])
	assert.Equal(t, "", snap.Endpoints[id2])
	assert.Empty(t, fallback.Calls())

	_, err = r.Read(context.Background(), "awg0", model.ProtocolAWG)
	require.NoError(t, err)
	assert.Len(t, fallback.CallsTo("awg", "show", "awg0"), 3)
}
