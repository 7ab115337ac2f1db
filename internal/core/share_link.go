package core

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/wiregate/wiregate/internal/model"
	"github.com/wiregate/wiregate/internal/platform"
	"github.com/wiregate/wiregate/internal/store"
	"github.com/wiregate/wiregate/internal/wgconf"
)

// Tunnels is the slice of the tunnel manager share links need.
type Tunnels interface {
	FindPeer(ctx context.Context, tunnel, id string) (*model.Peer, bool, error)
	ServerInfo(tunnel string) (wgconf.ServerInfo, error)
}

// ShareLinkService hands out links that expose one peer's client bundle.
type ShareLinkService struct {
	store    store.RecordStore
	tunnels  Tunnels
	defaults model.PeerDefaults
	logger   zerolog.Logger
	now      func() time.Time
}

func NewShareLinkService(st store.RecordStore, tunnels Tunnels, defaults model.PeerDefaults, logger zerolog.Logger) *ShareLinkService {
	return &ShareLinkService{
		store:    st,
		tunnels:  tunnels,
		defaults: defaults,
		logger:   logger.With().Str("component", "share-links").Logger(),
		now:      time.Now,
	}
}

func (s *ShareLinkService) checkExpiry(op string, expire *time.Time) error {
	if expire != nil && !expire.After(s.now()) {
		return model.Invalid(op, "expiry %s is not in the future", expire.UTC().Format(time.RFC3339))
	}
	return nil
}

// Create shares the peer. The peer must exist in the tunnel.
func (s *ShareLinkService) Create(ctx context.Context, tunnel, peer string, expire *time.Time) (*model.ShareLink, error) {
	if err := s.checkExpiry("create share link", expire); err != nil {
		return nil, err
	}
	if _, _, err := s.tunnels.FindPeer(ctx, tunnel, peer); err != nil {
		return nil, fmt.Errorf("share peer: %w", err)
	}
	l := &model.ShareLink{
		ShareID:    platform.NewID(),
		Tunnel:     tunnel,
		Peer:       peer,
		SharedDate: s.now().UTC(),
		ExpireDate: expire,
	}
	if err := s.store.CreateShareLink(ctx, l); err != nil {
		return nil, fmt.Errorf("insert share link: %w", err)
	}
	s.logger.Info().Str("tunnel", tunnel).Str("share_id", l.ShareID).Msg("share link created")
	return l, nil
}

// Active lists the peer's links that can still be used.
func (s *ShareLinkService) Active(ctx context.Context, tunnel, peer string) ([]model.ShareLink, error) {
	all, err := s.store.ListShareLinks(ctx, tunnel, peer)
	if err != nil {
		return nil, fmt.Errorf("list share links: %w", err)
	}
	now := s.now()
	out := make([]model.ShareLink, 0, len(all))
	for _, l := range all {
		if l.Valid(now) {
			out = append(out, l)
		}
	}
	return out, nil
}

// UpdateExpiry moves a link's expiry. A nil expiry makes it permanent.
func (s *ShareLinkService) UpdateExpiry(ctx context.Context, id string, expire *time.Time) error {
	if err := s.checkExpiry("update share link", expire); err != nil {
		return err
	}
	if err := s.store.UpdateShareLinkExpiry(ctx, id, expire); err != nil {
		return fmt.Errorf("update share link %s: %w", id, err)
	}
	return nil
}

// Revoke expires a link immediately.
func (s *ShareLinkService) Revoke(ctx context.Context, id string) error {
	now := s.now().UTC()
	if err := s.store.UpdateShareLinkExpiry(ctx, id, &now); err != nil {
		return fmt.Errorf("revoke share link %s: %w", id, err)
	}
	s.logger.Info().Str("share_id", id).Msg("share link revoked")
	return nil
}

// Bundle renders the client configuration behind a link. Expired links and
// restricted peers are refused.
func (s *ShareLinkService) Bundle(ctx context.Context, id string) (string, error) {
	l, err := s.store.GetShareLink(ctx, id)
	if err != nil {
		return "", fmt.Errorf("get share link %s: %w", id, err)
	}
	if !l.Valid(s.now()) {
		return "", model.Conflict("share bundle", "share link %s has expired", id)
	}
	p, restricted, err := s.tunnels.FindPeer(ctx, l.Tunnel, l.Peer)
	if err != nil {
		return "", fmt.Errorf("find shared peer: %w", err)
	}
	if restricted {
		return "", model.Conflict("share bundle", "peer of share link %s is restricted", id)
	}
	srv, err := s.tunnels.ServerInfo(l.Tunnel)
	if err != nil {
		return "", fmt.Errorf("server info for %s: %w", l.Tunnel, err)
	}
	return wgconf.ClientConfig(p, srv, s.defaults)
}
