package core

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/wiregate/wiregate/internal/model"
	"github.com/wiregate/wiregate/internal/wgconf"
)

// ---------- Mock Tunnels ----------

// mockTunnels implements the Tunnels interface for testing.
type mockTunnels struct {
	mock.Mock
}

func (m *mockTunnels) FindPeer(ctx context.Context, tunnel, id string) (*model.Peer, bool, error) {
	args := m.Called(ctx, tunnel, id)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}
	return args.Get(0).(*model.Peer), args.Bool(1), args.Error(2)
}

func (m *mockTunnels) ServerInfo(tunnel string) (wgconf.ServerInfo, error) {
	args := m.Called(tunnel)
	return args.Get(0).(wgconf.ServerInfo), args.Error(1)
}
