// Package tunnel owns the lifecycle of WireGuard and AmneziaWG interfaces and
// their peers. Every mutation of one tunnel is serialised by its Controller
// and touches the configuration file, the kernel and the peer store in a
// fixed order, undoing earlier steps when a later one fails.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/wiregate/wiregate/internal/executor"
	"github.com/wiregate/wiregate/internal/logging"
	"github.com/wiregate/wiregate/internal/model"
	"github.com/wiregate/wiregate/internal/shaping"
	"github.com/wiregate/wiregate/internal/store"
	"github.com/wiregate/wiregate/internal/wgconf"
)

// ConfigListener is told after a tunnel's configuration was written.
type ConfigListener interface {
	OnConfigWritten(ctx context.Context, tunnel string)
}

// RateLimiter installs per-peer traffic shaping.
type RateLimiter interface {
	Apply(ctx context.Context, l shaping.Limit) error
	Remove(ctx context.Context, tunnel, peerID, allowedIPs string) error
	ReapplyAll(ctx context.Context, tunnel string, peers []model.Peer) error
}

// Controller serialises every mutation of one tunnel.
type Controller struct {
	name     string
	confPath string
	protocol string
	defaults model.PeerDefaults

	store   store.PeerStore
	runner  executor.Runner
	limiter RateLimiter
	logger  zerolog.Logger
	notify  func(ctx context.Context, tunnel string)

	mu   sync.Mutex
	file *wgconf.File
	up   atomic.Bool
}

func (c *Controller) Name() string     { return c.name }
func (c *Controller) Protocol() string { return c.protocol }
func (c *Controller) ConfPath() string { return c.confPath }

// ListenPort is the interface's configured UDP port, 0 when unset.
func (c *Controller) ListenPort() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.file.Interface.Port()
}

// LastKnownUp is the link state seen by the most recent status check.
func (c *Controller) LastKnownUp() bool { return c.up.Load() }

// mutate runs fn under the tunnel mutex. Listeners are notified after the
// mutex is released when fn reports a successful configuration write.
func (c *Controller) mutate(ctx context.Context, fn func() (bool, error)) error {
	c.mu.Lock()
	wrote, err := fn()
	c.mu.Unlock()
	if err == nil && wrote && c.notify != nil {
		c.notify(ctx, c.name)
	}
	return err
}

// Status checks whether the interface exists in the kernel.
func (c *Controller) Status(ctx context.Context) (bool, error) {
	_, err := executor.Status(ctx, c.runner, "ip", "link", "show", c.name)
	switch {
	case err == nil:
		c.up.Store(true)
		return true, nil
	case executor.NotFound(err):
		c.up.Store(false)
		return false, nil
	}
	return c.up.Load(), fmt.Errorf("link status of %s: %w", c.name, err)
}

// Toggle brings the interface down when it exists and up otherwise. The
// returned state is read back from the kernel after the attempt.
func (c *Controller) Toggle(ctx context.Context) (bool, error) {
	var state bool
	err := c.mutate(ctx, func() (bool, error) {
		up, err := c.Status(ctx)
		if err != nil {
			return false, err
		}
		if up {
			err = c.quick(ctx, "down")
		} else {
			err = c.bringUp(ctx)
		}
		now, serr := c.Status(ctx)
		state = now
		if err != nil {
			return false, err
		}
		if serr != nil {
			return false, serr
		}
		c.logger.Info().Str("tunnel", c.name).Bool("up", now).Msg("tunnel toggled")
		return false, nil
	})
	return state, err
}

// bringUp runs the quick tool, restores IPv6 addresses and re-applies rate
// limits. The caller holds the mutex.
func (c *Controller) bringUp(ctx context.Context) error {
	if err := c.quick(ctx, "up"); err != nil {
		return err
	}
	addrs, err := c.file.Interface.Addresses()
	if err != nil {
		return err
	}
	v := make([]string, len(addrs))
	for i, a := range addrs {
		v[i] = a.String()
	}
	if err := c.reapplyIPv6(ctx, v); err != nil {
		return err
	}
	return c.reapplyLimits(ctx)
}

func (c *Controller) reapplyLimits(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	peers, err := c.store.ListPeers(ctx, c.name, store.Active)
	if err != nil {
		return fmt.Errorf("list peers for rate limits: %w", err)
	}
	limited := false
	for i := range peers {
		if peers[i].UploadRateLimit > 0 || peers[i].DownloadRateLimit > 0 {
			limited = true
			break
		}
	}
	if !limited {
		return nil
	}
	if err := c.limiter.ReapplyAll(ctx, c.name, peers); err != nil {
		return fmt.Errorf("reapply rate limits on %s: %w", c.name, err)
	}
	return nil
}

// Snapshot summarises the tunnel. The mutex is held only to copy the file
// fields.
func (c *Controller) Snapshot(ctx context.Context) (model.Tunnel, error) {
	c.mu.Lock()
	in := c.file.Interface
	c.mu.Unlock()

	t := model.Tunnel{
		Name:       c.name,
		Protocol:   c.protocol,
		ListenPort: in.Port(),
		ConfPath:   c.confPath,
	}
	t.MTU, _ = strconv.Atoi(in.MTU)
	if addrs, err := in.Addresses(); err == nil {
		for _, a := range addrs {
			t.Address = append(t.Address, a.String())
		}
	}
	if in.PrivateKey != "" {
		pub, err := wgconf.PublicKeyOf(in.PrivateKey)
		if err != nil {
			return t, fmt.Errorf("derive public key of %s: %w", c.name, err)
		}
		t.PublicKey = pub
	}

	active, err := c.store.ListPeers(ctx, c.name, store.Active)
	if err != nil {
		return t, err
	}
	restricted, err := c.store.ListPeers(ctx, c.name, store.Restricted)
	if err != nil {
		return t, err
	}
	t.PeerCount, t.Restricted = len(active), len(restricted)

	up, err := c.Status(ctx)
	if err != nil {
		return t, err
	}
	t.Status = up
	return t, nil
}

// ServerInfo is the tunnel side of a client configuration.
func (c *Controller) ServerInfo() (wgconf.ServerInfo, error) {
	c.mu.Lock()
	in := c.file.Interface
	c.mu.Unlock()

	pub, err := wgconf.PublicKeyOf(in.PrivateKey)
	if err != nil {
		return wgconf.ServerInfo{}, fmt.Errorf("derive public key of %s: %w", c.name, err)
	}
	info := wgconf.ServerInfo{PublicKey: pub, ListenPort: in.Port(), Protocol: c.protocol}
	if c.protocol == model.ProtocolAWG {
		if info.AWG, err = in.AWGParams(); err != nil {
			return info, err
		}
	}
	return info, nil
}

// Replace runs fn with the interface down and the mutex held, then reloads
// the configuration file and restores the previous link state.
func (c *Controller) Replace(ctx context.Context, fn func(ctx context.Context) error) error {
	return c.mutate(ctx, func() (bool, error) {
		wasUp, err := c.Status(ctx)
		if err != nil {
			return false, err
		}
		if wasUp {
			if err := c.quick(ctx, "down"); err != nil {
				return false, err
			}
		}

		ferr := fn(ctx)

		var errs []error
		if ferr != nil {
			errs = append(errs, ferr)
		}
		if f, err := wgconf.Load(c.confPath); err != nil {
			errs = append(errs, fmt.Errorf("reload %s: %w", c.name, err))
		} else {
			c.file = f
		}
		if wasUp {
			if err := c.bringUp(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		return ferr == nil, errors.Join(errs...)
	})
}

// ApplyTelemetry folds kernel readings into the stored peers under the
// mutex. fold receives the current active rows and returns the rows that
// changed plus the history samples to append.
func (c *Controller) ApplyTelemetry(ctx context.Context, fold func(current []model.Peer) ([]model.Peer, []model.TransferSample)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, err := c.store.ListPeers(ctx, c.name, store.Active)
	if err != nil {
		return err
	}
	changed, samples := fold(current)
	if len(changed) > 0 {
		if err := c.store.BulkUpdatePeers(ctx, c.name, store.Active, changed); err != nil {
			return err
		}
	}
	if len(samples) > 0 {
		if err := c.store.AppendTransfer(ctx, c.name, samples); err != nil {
			return err
		}
	}
	return nil
}

// Reload reconciles the store with the file when it changed on disk.
// Unknown peers are inserted with defaults. Known peers have their allowed
// IPs and name refreshed.
func (c *Controller) Reload(ctx context.Context) (bool, error) {
	var changed bool
	err := c.mutate(ctx, func() (bool, error) {
		if !c.file.HasChanged(c.confPath) {
			return false, nil
		}
		f, err := wgconf.Load(c.confPath)
		if err != nil {
			return false, err
		}
		if f.ExpectedPublicKey != c.file.ExpectedPublicKey {
			c.logger.Warn().Str("tunnel", c.name).
				Str("public_key", logging.TruncateKey(f.ExpectedPublicKey)).
				Msg("interface key changed on disk")
		}
		active, err := c.store.ListPeers(ctx, c.name, store.Active)
		if err != nil {
			return false, err
		}
		restricted, err := c.store.ListPeers(ctx, c.name, store.Restricted)
		if err != nil {
			return false, err
		}
		byID := make(map[string]*model.Peer, len(active))
		for i := range active {
			byID[active[i].ID] = &active[i]
		}
		held := make(map[string]bool, len(restricted))
		for i := range restricted {
			held[restricted[i].ID] = true
		}

		var inserts, updates []model.Peer
		for _, b := range f.Peers {
			if p, ok := byID[b.PublicKey]; ok {
				allowed := compactIPs(b.AllowedIPs) != compactIPs(p.AllowedIP)
				renamed := b.Name != "" && b.Name != p.Name
				if allowed || renamed {
					next := *p
					next.AllowedIP = b.AllowedIPs
					if b.Name != "" {
						next.Name = b.Name
					}
					updates = append(updates, next)
				}
				continue
			}
			if held[b.PublicKey] {
				c.logger.Warn().Str("tunnel", c.name).Str("peer", logging.TruncateKey(b.PublicKey)).Msg("restricted peer found in config file")
				continue
			}
			p := model.Peer{
				ID:           b.PublicKey,
				Name:         b.Name,
				PresharedKey: b.PresharedKey,
				AllowedIP:    b.AllowedIPs,
			}
			if b.PersistentKeepalive != "" {
				p.Keepalive, _ = strconv.Atoi(b.PersistentKeepalive)
			}
			c.defaults.Apply(&p)
			inserts = append(inserts, p)
		}

		if len(inserts) > 0 {
			if err := c.store.BulkUpsertPeers(ctx, c.name, store.Active, inserts); err != nil {
				return false, err
			}
		}
		if len(updates) > 0 {
			if err := c.store.BulkUpdatePeers(ctx, c.name, store.Active, updates); err != nil {
				return false, err
			}
		}
		c.file = f
		changed = true
		c.logger.Info().Str("tunnel", c.name).Int("inserted", len(inserts)).Int("updated", len(updates)).Msg("config file reloaded")
		return true, nil
	})
	return changed, err
}

// resync re-reads the file after the quick tool rewrote it and restores the
// peer names it drops. Failures are logged; the operation already committed.
func (c *Controller) resync() {
	names := make(map[string]string, len(c.file.Peers))
	for _, p := range c.file.Peers {
		if p.Name != "" {
			names[p.PublicKey] = p.Name
		}
	}
	f, err := c.loadFile()
	if err != nil {
		c.logger.Warn().Err(err).Str("tunnel", c.name).Msg("re-read config after save failed")
		return
	}
	renamed := false
	for i := range f.Peers {
		if f.Peers[i].Name == "" && names[f.Peers[i].PublicKey] != "" {
			f.Peers[i].Name = names[f.Peers[i].PublicKey]
			renamed = true
		}
	}
	if renamed {
		if err := f.Save(c.confPath); err != nil {
			c.logger.Warn().Err(err).Str("tunnel", c.name).Msg("restore peer names failed")
		}
	}
	c.file = f
}

// loadFile re-reads the configuration for an edit made by this process. The
// tunnel key pinned at load time is kept, so a rewrite that swapped the
// private key fails on save instead of silently changing the server key.
// The caller holds the mutex.
func (c *Controller) loadFile() (*wgconf.File, error) {
	f, err := wgconf.Load(c.confPath)
	if err != nil {
		return nil, err
	}
	if c.file != nil && c.file.ExpectedPublicKey != "" {
		f.ExpectedPublicKey = c.file.ExpectedPublicKey
	}
	return f, nil
}

// writeFile saves the edited model and registers the revert to prev.
func (c *Controller) writeFile(rb *rollback, prev *wgconf.File) error {
	if err := c.file.Save(c.confPath); err != nil {
		c.file = prev
		return fmt.Errorf("write config %s: %w", c.name, err)
	}
	rb.add("revert config file", func(context.Context) error {
		c.file = prev
		return prev.Save(c.confPath)
	})
	return nil
}

func (c *Controller) newRollback() *rollback {
	return &rollback{logger: c.logger.With().Str("tunnel", c.name).Logger()}
}
