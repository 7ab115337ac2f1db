package telemetry

import (
	"context"
	"fmt"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/wiregate/wiregate/internal/model"
)

// deviceClient is the part of *wgctrl.Client the reader uses.
type deviceClient interface {
	Device(name string) (*wgtypes.Device, error)
	Close() error
}

// WgctrlReader reads plain WireGuard devices over netlink. AmneziaWG
// tunnels go to the fallback reader, which wgctrl cannot talk to.
type WgctrlReader struct {
	client   deviceClient
	fallback KernelReader
	now      func() time.Time
}

// NewWgctrlReader opens a wgctrl client.
func NewWgctrlReader(fallback KernelReader) (*WgctrlReader, error) {
	c, err := wgctrl.New()
	if err != nil {
		return nil, fmt.Errorf("open wgctrl: %w", err)
	}
	return &WgctrlReader{client: c, fallback: fallback, now: time.Now}, nil
}

func (r *WgctrlReader) Read(ctx context.Context, tunnel, protocol string) (*KernelSnapshot, error) {
	if protocol == model.ProtocolAWG {
		return r.fallback.Read(ctx, tunnel, protocol)
	}
	dev, err := r.client.Device(tunnel)
	if err != nil {
		return nil, fmt.Errorf("read device %s: %w", tunnel, err)
	}
	return deviceSnapshot(tunnel, r.now(), dev), nil
}

func deviceSnapshot(tunnel string, at time.Time, dev *wgtypes.Device) *KernelSnapshot {
	snap := newSnapshot(tunnel, at)
	for _, p := range dev.Peers {
		id := p.PublicKey.String()
		if !p.LastHandshakeTime.IsZero() {
			snap.Handshakes[id] = p.LastHandshakeTime.Unix()
		} else {
			snap.Handshakes[id] = 0
		}
		snap.Transfers[id] = Transfer{Receive: p.ReceiveBytes, Sent: p.TransmitBytes}
		if p.Endpoint != nil {
			snap.Endpoints[id] = p.Endpoint.String()
		} else {
			snap.Endpoints[id] = ""
		}
	}
	return snap
}

func (r *WgctrlReader) Close() error {
	return r.client.Close()
}
