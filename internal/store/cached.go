package store

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/wiregate/wiregate/internal/model"
)

// DefaultCacheTTL bounds staleness of cached list views.
const DefaultCacheTTL = 300 * time.Second

// Viewer serves read-only peer views that may be stale up to the cache TTL.
type Viewer interface {
	ViewPeers(ctx context.Context, tunnel string, kind TableKind) ([]model.Peer, error)
	ViewPeer(ctx context.Context, tunnel string, kind TableKind, id string) (*model.Peer, error)
}

// Cached decorates a Store with write-through invalidation. Store methods
// always hit the authoritative store; only the Viewer methods read the cache.
type Cached struct {
	Store
	cache  Cache
	ttl    time.Duration
	logger zerolog.Logger
}

func NewCached(s Store, cache Cache, ttl time.Duration, logger zerolog.Logger) *Cached {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cached{
		Store:  s,
		cache:  cache,
		ttl:    ttl,
		logger: logger.With().Str("component", "peer-cache").Logger(),
	}
}

func tableKey(tunnel string, kind TableKind) string {
	return "peers:" + TableName(tunnel, kind) + ":"
}

func listKey(tunnel string, kind TableKind) string {
	return tableKey(tunnel, kind) + "*list"
}

func rowKey(tunnel string, kind TableKind, id string) string {
	return tableKey(tunnel, kind) + id
}

func (c *Cached) ViewPeers(ctx context.Context, tunnel string, kind TableKind) ([]model.Peer, error) {
	var peers []model.Peer
	if ok, err := c.cache.Get(ctx, listKey(tunnel, kind), &peers); err == nil && ok {
		return peers, nil
	} else if err != nil {
		c.logger.Debug().Err(err).Msg("cache read failed")
	}
	peers, err := c.Store.ListPeers(ctx, tunnel, kind)
	if err != nil {
		return nil, err
	}
	if err := c.cache.Set(ctx, listKey(tunnel, kind), peers, c.ttl); err != nil {
		c.logger.Debug().Err(err).Msg("cache write failed")
	}
	return peers, nil
}

func (c *Cached) ViewPeer(ctx context.Context, tunnel string, kind TableKind, id string) (*model.Peer, error) {
	var p model.Peer
	if ok, err := c.cache.Get(ctx, rowKey(tunnel, kind, id), &p); err == nil && ok {
		return &p, nil
	}
	got, err := c.Store.GetPeer(ctx, tunnel, kind, id)
	if err != nil {
		return nil, err
	}
	if err := c.cache.Set(ctx, rowKey(tunnel, kind, id), got, c.ttl); err != nil {
		c.logger.Debug().Err(err).Msg("cache write failed")
	}
	return got, nil
}

func (c *Cached) invalidateRow(ctx context.Context, tunnel string, kind TableKind, id string) {
	if err := c.cache.Delete(ctx, rowKey(tunnel, kind, id), listKey(tunnel, kind)); err != nil {
		c.logger.Warn().Err(err).Str("tunnel", tunnel).Msg("cache invalidation failed")
	}
}

func (c *Cached) invalidateTable(ctx context.Context, tunnel string, kind TableKind) {
	if err := c.cache.DeletePrefix(ctx, tableKey(tunnel, kind)); err != nil {
		c.logger.Warn().Err(err).Str("tunnel", tunnel).Msg("cache invalidation failed")
	}
}

func (c *Cached) UpsertPeer(ctx context.Context, tunnel string, kind TableKind, p *model.Peer) error {
	err := c.Store.UpsertPeer(ctx, tunnel, kind, p)
	c.invalidateRow(ctx, tunnel, kind, p.ID)
	return err
}

func (c *Cached) UpdatePeer(ctx context.Context, tunnel string, kind TableKind, p *model.Peer) error {
	err := c.Store.UpdatePeer(ctx, tunnel, kind, p)
	c.invalidateRow(ctx, tunnel, kind, p.ID)
	return err
}

func (c *Cached) DeletePeer(ctx context.Context, tunnel string, kind TableKind, id string) error {
	err := c.Store.DeletePeer(ctx, tunnel, kind, id)
	c.invalidateRow(ctx, tunnel, kind, id)
	return err
}

func (c *Cached) BulkUpsertPeers(ctx context.Context, tunnel string, kind TableKind, peers []model.Peer) error {
	err := c.Store.BulkUpsertPeers(ctx, tunnel, kind, peers)
	c.invalidateTable(ctx, tunnel, kind)
	return err
}

func (c *Cached) BulkUpdatePeers(ctx context.Context, tunnel string, kind TableKind, peers []model.Peer) error {
	err := c.Store.BulkUpdatePeers(ctx, tunnel, kind, peers)
	c.invalidateTable(ctx, tunnel, kind)
	return err
}

func (c *Cached) MovePeers(ctx context.Context, tunnel string, from, to TableKind, ids []string) error {
	err := c.Store.MovePeers(ctx, tunnel, from, to, ids)
	c.invalidateTable(ctx, tunnel, from)
	c.invalidateTable(ctx, tunnel, to)
	return err
}

func (c *Cached) CopyPeers(ctx context.Context, tunnel string, from, to TableKind, ids []string) error {
	err := c.Store.CopyPeers(ctx, tunnel, from, to, ids)
	c.invalidateTable(ctx, tunnel, to)
	return err
}

func (c *Cached) ImportTunnel(ctx context.Context, tunnel string, dump *TunnelDump) error {
	err := c.Store.ImportTunnel(ctx, tunnel, dump)
	for _, kind := range []TableKind{Active, Restricted, Deleted} {
		c.invalidateTable(ctx, tunnel, kind)
	}
	return err
}

func (c *Cached) DropTunnelTables(ctx context.Context, tunnel string) error {
	err := c.Store.DropTunnelTables(ctx, tunnel)
	for _, kind := range []TableKind{Active, Restricted, Deleted} {
		c.invalidateTable(ctx, tunnel, kind)
	}
	return err
}

// View returns s as a Viewer, reading through to s when it has no cache.
func View(s Store) Viewer {
	if v, ok := s.(Viewer); ok {
		return v
	}
	return uncached{s}
}

type uncached struct{ Store }

func (u uncached) ViewPeers(ctx context.Context, tunnel string, kind TableKind) ([]model.Peer, error) {
	return u.Store.ListPeers(ctx, tunnel, kind)
}

func (u uncached) ViewPeer(ctx context.Context, tunnel string, kind TableKind, id string) (*model.Peer, error) {
	return u.Store.GetPeer(ctx, tunnel, kind, id)
}
