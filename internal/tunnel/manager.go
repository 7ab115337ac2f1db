package tunnel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/wiregate/wiregate/internal/executor"
	"github.com/wiregate/wiregate/internal/model"
	"github.com/wiregate/wiregate/internal/store"
	"github.com/wiregate/wiregate/internal/wgconf"
)

// Options wires a Manager.
type Options struct {
	WGConfPath  string
	AWGConfPath string
	Defaults    model.PeerDefaults
	Store       store.PeerStore
	Runner      executor.Runner
	Limiter     RateLimiter
	Logger      zerolog.Logger
}

// Manager is the registry of tunnel controllers.
type Manager struct {
	opts   Options
	logger zerolog.Logger

	mu      sync.RWMutex
	tunnels map[string]*Controller

	lmu       sync.RWMutex
	listeners []ConfigListener
}

func NewManager(opts Options) *Manager {
	return &Manager{
		opts:    opts,
		logger:  opts.Logger.With().Str("component", "tunnel").Logger(),
		tunnels: make(map[string]*Controller),
	}
}

// Subscribe registers a listener for configuration writes.
func (m *Manager) Subscribe(l ConfigListener) {
	m.lmu.Lock()
	m.listeners = append(m.listeners, l)
	m.lmu.Unlock()
}

func (m *Manager) notify(ctx context.Context, tunnel string) {
	m.lmu.RLock()
	ls := slices.Clone(m.listeners)
	m.lmu.RUnlock()
	for _, l := range ls {
		l.OnConfigWritten(ctx, tunnel)
	}
}

// Load scans the conf directories and registers every tunnel not yet known.
// Controllers whose file disappeared are dropped. A bad file is logged and
// skipped; the other tunnels still load.
func (m *Manager) Load(ctx context.Context) error {
	found := make(map[string]bool)
	var errs []error
	for _, dir := range []struct {
		path     string
		protocol string
	}{{m.opts.WGConfPath, model.ProtocolWG}, {m.opts.AWGConfPath, model.ProtocolAWG}} {
		if dir.path == "" {
			continue
		}
		entries, err := os.ReadDir(dir.path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("scan %s: %w", dir.path, err)
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".conf") {
				continue
			}
			name := strings.TrimSuffix(e.Name(), ".conf")
			if !model.ValidTunnelName(name) {
				m.logger.Warn().Str("file", e.Name()).Msg("skipping config with invalid tunnel name")
				continue
			}
			if found[name] {
				m.logger.Warn().Str("tunnel", name).Str("dir", dir.path).Msg("duplicate tunnel name, keeping the first")
				continue
			}
			found[name] = true
			if err := m.register(ctx, name, filepath.Join(dir.path, e.Name()), dir.protocol); err != nil {
				m.logger.Error().Err(err).Str("tunnel", name).Msg("load tunnel failed")
				errs = append(errs, err)
			}
		}
	}

	m.mu.Lock()
	for name := range m.tunnels {
		if !found[name] {
			m.logger.Info().Str("tunnel", name).Msg("config file gone, tunnel unregistered")
			delete(m.tunnels, name)
		}
	}
	m.mu.Unlock()
	return errors.Join(errs...)
}

func (m *Manager) register(ctx context.Context, name, path, protocol string) error {
	m.mu.RLock()
	_, known := m.tunnels[name]
	m.mu.RUnlock()
	if known {
		return nil
	}

	f, err := wgconf.Load(path)
	if err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	if f.Protocol() == model.ProtocolAWG {
		protocol = model.ProtocolAWG
	}
	if err := m.opts.Store.EnsureTunnelTables(ctx, name); err != nil {
		return fmt.Errorf("ensure tables for %s: %w", name, err)
	}

	c := &Controller{
		name:     name,
		confPath: path,
		protocol: protocol,
		defaults: m.opts.Defaults,
		store:    m.opts.Store,
		runner:   m.opts.Runner,
		limiter:  m.opts.Limiter,
		logger:   m.logger,
		notify:   m.notify,
		file:     f,
	}

	m.mu.Lock()
	m.tunnels[name] = c
	m.mu.Unlock()
	m.logger.Info().Str("tunnel", name).Str("protocol", protocol).Int("peers", len(f.Peers)).Msg("tunnel loaded")
	return nil
}

// Get returns the controller for name.
func (m *Manager) Get(name string) (*Controller, error) {
	m.mu.RLock()
	c, ok := m.tunnels[name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("tunnel %s: %w", name, model.ErrNotFound)
	}
	return c, nil
}

// ListenPort returns the configured listen port of tunnel name.
func (m *Manager) ListenPort(name string) (int, error) {
	c, err := m.Get(name)
	if err != nil {
		return 0, err
	}
	return c.ListenPort(), nil
}

func (m *Manager) ServerInfo(name string) (wgconf.ServerInfo, error) {
	c, err := m.Get(name)
	if err != nil {
		return wgconf.ServerInfo{}, err
	}
	return c.ServerInfo()
}

// Controllers returns every controller in ascending name order.
func (m *Manager) Controllers() []*Controller {
	m.mu.RLock()
	out := make([]*Controller, 0, len(m.tunnels))
	for _, c := range m.tunnels {
		out = append(out, c)
	}
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Controller) int { return strings.Compare(a.name, b.name) })
	return out
}

// Names returns the registered tunnel names in ascending order.
func (m *Manager) Names() []string {
	cs := m.Controllers()
	names := make([]string, len(cs))
	for i, c := range cs {
		names[i] = c.name
	}
	return names
}

// LockMany locks the named tunnels in ascending name order and returns the
// unlock func.
func (m *Manager) LockMany(names ...string) (func(), error) {
	sorted := slices.Clone(names)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	cs := make([]*Controller, 0, len(sorted))
	for _, n := range sorted {
		c, err := m.Get(n)
		if err != nil {
			return nil, err
		}
		cs = append(cs, c)
	}
	for _, c := range cs {
		c.mu.Lock()
	}
	return func() {
		for i := len(cs) - 1; i >= 0; i-- {
			cs[i].mu.Unlock()
		}
	}, nil
}

// PortConflicts returns listen ports claimed by more than one tunnel.
func (m *Manager) PortConflicts() (map[int][]string, error) {
	names := m.Names()
	unlock, err := m.LockMany(names...)
	if err != nil {
		return nil, err
	}
	byPort := make(map[int][]string)
	for _, n := range names {
		c, _ := m.Get(n)
		if port := c.file.Interface.Port(); port > 0 {
			byPort[port] = append(byPort[port], n)
		}
	}
	unlock()

	for port, ts := range byPort {
		if len(ts) < 2 {
			delete(byPort, port)
		}
	}
	return byPort, nil
}

// FindPeer locates a peer and reports whether it is restricted.
func (m *Manager) FindPeer(ctx context.Context, tunnel, id string) (*model.Peer, bool, error) {
	c, err := m.Get(tunnel)
	if err != nil {
		return nil, false, err
	}
	p, table, err := c.find(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return p, table == store.Restricted, nil
}

func (m *Manager) RestrictPeers(ctx context.Context, tunnel string, ids ...string) error {
	c, err := m.Get(tunnel)
	if err != nil {
		return err
	}
	return c.Restrict(ctx, ids)
}

func (m *Manager) AllowPeers(ctx context.Context, tunnel string, ids ...string) error {
	c, err := m.Get(tunnel)
	if err != nil {
		return err
	}
	return c.Allow(ctx, ids)
}

func (m *Manager) DeletePeers(ctx context.Context, tunnel string, ids ...string) error {
	c, err := m.Get(tunnel)
	if err != nil {
		return err
	}
	return c.Delete(ctx, ids)
}

func (m *Manager) SetRateLimit(ctx context.Context, tunnel, id string, uploadKbps, downloadKbps int, scheduler string) error {
	c, err := m.Get(tunnel)
	if err != nil {
		return err
	}
	return c.SetRateLimit(ctx, id, uploadKbps, downloadKbps, scheduler)
}

// ReloadAll reconciles every tunnel whose file changed on disk.
func (m *Manager) ReloadAll(ctx context.Context) error {
	if err := m.Load(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("rescan found bad config files")
	}
	var errs []error
	for _, c := range m.Controllers() {
		if _, err := c.Reload(ctx); err != nil {
			errs = append(errs, fmt.Errorf("reload %s: %w", c.name, err))
		}
	}
	return errors.Join(errs...)
}
