package tunnel

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/wiregate/wiregate/internal/logging"
	"github.com/wiregate/wiregate/internal/model"
	"github.com/wiregate/wiregate/internal/shaping"
	"github.com/wiregate/wiregate/internal/store"
	"github.com/wiregate/wiregate/internal/wgconf"
)

// maxBulk bounds one bulk add.
const maxBulk = 1000

// find looks a peer up in the active table, then the restricted one.
func (c *Controller) find(ctx context.Context, id string) (*model.Peer, store.TableKind, error) {
	p, err := c.store.GetPeer(ctx, c.name, store.Active, id)
	if err == nil {
		return p, store.Active, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return nil, store.Active, err
	}
	p, err = c.store.GetPeer(ctx, c.name, store.Restricted, id)
	if err == nil {
		return p, store.Restricted, nil
	}
	if errors.Is(err, model.ErrNotFound) {
		return nil, store.Active, fmt.Errorf("peer %s on %s: %w", logging.TruncateKey(id), c.name, model.ErrNotFound)
	}
	return nil, store.Active, err
}

func (c *Controller) allPeers(ctx context.Context) ([]model.Peer, error) {
	active, err := c.store.ListPeers(ctx, c.name, store.Active)
	if err != nil {
		return nil, err
	}
	restricted, err := c.store.ListPeers(ctx, c.name, store.Restricted)
	if err != nil {
		return nil, err
	}
	return append(active, restricted...), nil
}

// Search returns the peer with the exact public key, active or restricted.
func (c *Controller) Search(ctx context.Context, id string) (*model.Peer, error) {
	p, _, err := c.find(ctx, id)
	return p, err
}

// Peers lists the active or the restricted peers.
func (c *Controller) Peers(ctx context.Context, restricted bool) ([]model.Peer, error) {
	kind := store.Active
	if restricted {
		kind = store.Restricted
	}
	return c.store.ListPeers(ctx, c.name, kind)
}

// AddPeers creates peers. Missing keys are generated and missing addresses
// are assigned from the interface networks. Either every peer is added or
// none is.
func (c *Controller) AddPeers(ctx context.Context, in []NewPeer) ([]model.Peer, error) {
	if len(in) == 0 {
		return nil, model.Invalid("add peers", "no peers given")
	}
	if len(in) > maxBulk {
		return nil, model.Invalid("add peers", "at most %d peers per call", maxBulk)
	}
	for i := range in {
		if err := checkStruct("add peers", &in[i]); err != nil {
			return nil, err
		}
	}

	var added []model.Peer
	err := c.mutate(ctx, func() (bool, error) {
		peers, err := c.preparePeers(ctx, in)
		if err != nil {
			return false, err
		}
		if err := c.addPrepared(ctx, peers); err != nil {
			return false, err
		}
		added = peers
		return true, nil
	})
	return added, err
}

// BulkAdd creates amount peers named "<prefix> <n>" on sequential free
// addresses.
func (c *Controller) BulkAdd(ctx context.Context, amount int, namePrefix string) ([]model.Peer, error) {
	if amount <= 0 || amount > maxBulk {
		return nil, model.Invalid("bulk add", "amount must be between 1 and %d", maxBulk)
	}
	if namePrefix == "" {
		namePrefix = "Peer"
	}
	in := make([]NewPeer, amount)
	for i := range in {
		in[i].Name = namePrefix + " " + strconv.Itoa(i+1)
	}
	return c.AddPeers(ctx, in)
}

// preparePeers resolves keys and addresses for new peers. The caller holds
// the mutex.
func (c *Controller) preparePeers(ctx context.Context, in []NewPeer) ([]model.Peer, error) {
	existing, err := c.allPeers(ctx)
	if err != nil {
		return nil, err
	}
	taken := make(map[string]bool, len(existing)+len(in))
	for i := range existing {
		taken[existing[i].ID] = true
	}
	pool, err := newAllocator(c.file.Interface.Address, existing)
	if err != nil {
		return nil, err
	}

	out := make([]model.Peer, 0, len(in))
	for _, n := range in {
		p := model.Peer{
			Name:              n.Name,
			PresharedKey:      n.PresharedKey,
			DNS:               n.DNS,
			EndpointAllowedIP: n.EndpointAllowedIP,
			MTU:               n.MTU,
			Keepalive:         n.Keepalive,
		}

		switch {
		case n.PrivateKey != "":
			pub, err := wgconf.PublicKeyOf(n.PrivateKey)
			if err != nil {
				return nil, model.Invalid("add peers", "%v", err)
			}
			if n.PublicKey != "" && n.PublicKey != pub {
				return nil, model.Invalid("add peers", "private key does not match public key %s", logging.TruncateKey(n.PublicKey))
			}
			p.ID, p.PrivateKey = pub, n.PrivateKey
		case n.PublicKey != "":
			p.ID = n.PublicKey
		default:
			kp, err := wgconf.GenerateKeyPair()
			if err != nil {
				return nil, model.Internal("add peers", err)
			}
			p.ID, p.PrivateKey = kp.PublicKey, kp.PrivateKey
		}
		if taken[p.ID] {
			return nil, model.Conflict("add peers", "peer %s already exists on %s", logging.TruncateKey(p.ID), c.name)
		}
		taken[p.ID] = true

		if p.PresharedKey == "" {
			if p.PresharedKey, err = wgconf.GeneratePresharedKey(); err != nil {
				return nil, model.Internal("add peers", err)
			}
		}

		if n.AllowedIP != "" {
			ps, err := wgconf.ParsePrefixes(n.AllowedIP)
			if err != nil {
				return nil, err
			}
			if err := checkHostRoutes("add peers", ps); err != nil {
				return nil, err
			}
			if err := pool.claim(ps); err != nil {
				return nil, err
			}
			p.AllowedIP = joinPrefixes(ps)
		} else {
			ps, err := pool.next()
			if err != nil {
				return nil, err
			}
			p.AllowedIP = joinPrefixes(ps)
		}

		c.defaults.Apply(&p)
		out = append(out, p)
	}
	return out, nil
}

// addPrepared writes the peers to the file, the kernel and the store, in
// that order. The caller holds the mutex.
func (c *Controller) addPrepared(ctx context.Context, peers []model.Peer) (err error) {
	up, err := c.Status(ctx)
	if err != nil {
		return err
	}

	rb := c.newRollback()
	defer func() {
		if err != nil {
			rb.run(ctx)
		}
	}()

	prev := c.file.Clone()
	for i := range peers {
		if err := c.file.AddPeer(peerBlock(&peers[i])); err != nil {
			c.file = prev
			return err
		}
	}
	if err := c.writeFile(rb, prev); err != nil {
		return err
	}

	if up {
		for i := range peers {
			if err := c.setPeer(ctx, &peers[i]); err != nil {
				return err
			}
			id := peers[i].ID
			rb.add("remove peer "+logging.TruncateKey(id)+" from kernel", func(ctx context.Context) error {
				return c.removePeer(ctx, id)
			})
		}
		if err := c.quick(ctx, "save"); err != nil {
			return err
		}
	}

	if err := c.store.BulkUpsertPeers(ctx, c.name, store.Active, peers); err != nil {
		return fmt.Errorf("store new peers: %w", err)
	}

	if up {
		c.resync()
	}
	for i := range peers {
		c.logger.Info().Str("tunnel", c.name).Str("peer", logging.TruncateKey(peers[i].ID)).Str("allowed_ip", peers[i].AllowedIP).Msg("peer added")
	}
	return nil
}

func peerBlock(p *model.Peer) wgconf.PeerBlock {
	return wgconf.PeerBlock{
		Name:         p.Name,
		PublicKey:    p.ID,
		PresharedKey: p.PresharedKey,
		AllowedIPs:   p.AllowedIP,
	}
}

// UpdatePeer replaces a peer's editable fields. Restricted peers are updated
// in the store only.
func (c *Controller) UpdatePeer(ctx context.Context, id string, u PeerUpdate) (*model.Peer, error) {
	if err := checkStruct("update peer", &u); err != nil {
		return nil, err
	}
	allowed, err := wgconf.ParsePrefixes(u.AllowedIP)
	if err != nil {
		return nil, err
	}
	if err := checkHostRoutes("update peer", allowed); err != nil {
		return nil, err
	}
	if u.PrivateKey != "" {
		if err := checkPrivateKey(id, u.PrivateKey); err != nil {
			return nil, err
		}
	}

	var updated *model.Peer
	err = c.mutate(ctx, func() (bool, error) {
		cur, table, err := c.find(ctx, id)
		if err != nil {
			return false, err
		}
		others, err := c.allPeers(ctx)
		if err != nil {
			return false, err
		}
		iface, err := c.file.Interface.Addresses()
		if err != nil {
			return false, err
		}
		if err := checkDisjoint(id, allowed, iface, others); err != nil {
			return false, err
		}

		next := *cur
		next.Name = u.Name
		next.AllowedIP = joinPrefixes(allowed)
		next.PresharedKey = u.PresharedKey
		next.DNS = u.DNS
		next.EndpointAllowedIP = u.EndpointAllowedIP
		next.MTU = u.MTU
		next.Keepalive = u.Keepalive
		next.RemoteEndpoint = u.RemoteEndpoint
		if u.PrivateKey != "" {
			next.PrivateKey = u.PrivateKey
		}

		wrote := false
		if table == store.Active {
			if err := c.applyActiveUpdate(ctx, cur, &next); err != nil {
				return false, err
			}
			wrote = true
		} else if err := c.store.UpdatePeer(ctx, c.name, store.Restricted, &next); err != nil {
			return false, err
		}
		updated = &next
		c.logger.Info().Str("tunnel", c.name).Str("peer", logging.TruncateKey(id)).Msg("peer updated")
		return wrote, nil
	})
	return updated, err
}

func (c *Controller) applyActiveUpdate(ctx context.Context, cur, next *model.Peer) (err error) {
	up, err := c.Status(ctx)
	if err != nil {
		return err
	}
	rb := c.newRollback()
	defer func() {
		if err != nil {
			rb.run(ctx)
		}
	}()

	prev := c.file.Clone()
	if b := c.file.Peer(cur.ID); b != nil {
		b.Name, b.AllowedIPs, b.PresharedKey = next.Name, next.AllowedIP, next.PresharedKey
	} else if err := c.file.AddPeer(peerBlock(next)); err != nil {
		c.file = prev
		return err
	}
	if err := c.writeFile(rb, prev); err != nil {
		return err
	}

	if up {
		if err := c.setPeer(ctx, next); err != nil {
			return err
		}
		old := *cur
		rb.add("restore peer "+logging.TruncateKey(cur.ID)+" in kernel", func(ctx context.Context) error {
			return c.setPeer(ctx, &old)
		})
		if err := c.quick(ctx, "save"); err != nil {
			return err
		}
	}

	if err := c.store.UpdatePeer(ctx, c.name, store.Active, next); err != nil {
		return err
	}

	if up {
		c.resync()
		limited := next.UploadRateLimit > 0 || next.DownloadRateLimit > 0
		if limited && compactIPs(cur.AllowedIP) != compactIPs(next.AllowedIP) && c.limiter != nil {
			if err := c.limiter.Remove(ctx, c.name, cur.ID, cur.AllowedIP); err != nil {
				c.logger.Warn().Err(err).Str("peer", logging.TruncateKey(cur.ID)).Msg("remove stale rate limit failed")
			}
			if err := c.limiter.Apply(ctx, shaping.LimitFor(c.name, next)); err != nil {
				return fmt.Errorf("reapply rate limit: %w", err)
			}
		}
	}
	return nil
}

// collect splits ids by table. Unknown ids fail the whole call.
func (c *Controller) collect(ctx context.Context, ids []string) (active, restricted []model.Peer, err error) {
	if len(ids) == 0 {
		return nil, nil, model.Invalid("peers", "no peer ids given")
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		p, table, err := c.find(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		if table == store.Active {
			active = append(active, *p)
		} else {
			restricted = append(restricted, *p)
		}
	}
	return active, restricted, nil
}

func peerIDs(peers []model.Peer) []string {
	ids := make([]string, len(peers))
	for i := range peers {
		ids[i] = peers[i].ID
	}
	return ids
}

// Restrict removes peers from the kernel and the file and moves their rows
// to the restricted table. Already restricted peers are left as they are.
func (c *Controller) Restrict(ctx context.Context, ids []string) error {
	return c.mutate(ctx, func() (wrote bool, err error) {
		targets, _, err := c.collect(ctx, ids)
		if err != nil || len(targets) == 0 {
			return false, err
		}
		up, err := c.Status(ctx)
		if err != nil {
			return false, err
		}

		rb := c.newRollback()
		defer func() {
			if err != nil {
				rb.run(ctx)
			}
		}()

		prev := c.file.Clone()
		for i := range targets {
			c.file.RemovePeer(targets[i].ID)
		}
		if err := c.writeFile(rb, prev); err != nil {
			return false, err
		}

		if up {
			for i := range targets {
				if err := c.removePeer(ctx, targets[i].ID); err != nil {
					return false, err
				}
				p := targets[i]
				rb.add("re-add peer "+logging.TruncateKey(p.ID)+" to kernel", func(ctx context.Context) error {
					return c.setPeer(ctx, &p)
				})
			}
		}

		moved := peerIDs(targets)
		if err := c.store.MovePeers(ctx, c.name, store.Active, store.Restricted, moved); err != nil {
			return false, fmt.Errorf("restrict peers: %w", err)
		}
		rb.add("move peers back to active", func(ctx context.Context) error {
			return c.store.MovePeers(ctx, c.name, store.Restricted, store.Active, moved)
		})
		for i := range targets {
			targets[i].Status = model.StatusStopped
		}
		if err := c.store.BulkUpdatePeers(ctx, c.name, store.Restricted, targets); err != nil {
			return false, err
		}

		if up {
			if err := c.quick(ctx, "save"); err != nil {
				return false, err
			}
			c.resync()
			c.dropLimits(ctx, targets)
		}
		c.logger.Info().Str("tunnel", c.name).Int("count", len(targets)).Bool("kernel", up).Msg("peers restricted")
		return true, nil
	})
}

// Allow moves restricted peers back to the active table, the file and the
// kernel. Already active peers are left as they are.
func (c *Controller) Allow(ctx context.Context, ids []string) error {
	return c.mutate(ctx, func() (wrote bool, err error) {
		_, targets, err := c.collect(ctx, ids)
		if err != nil || len(targets) == 0 {
			return false, err
		}
		up, err := c.Status(ctx)
		if err != nil {
			return false, err
		}

		rb := c.newRollback()
		defer func() {
			if err != nil {
				rb.run(ctx)
			}
		}()

		prev := c.file.Clone()
		for i := range targets {
			if c.file.Peer(targets[i].ID) != nil {
				continue
			}
			if err := c.file.AddPeer(peerBlock(&targets[i])); err != nil {
				c.file = prev
				return false, err
			}
		}
		if err := c.writeFile(rb, prev); err != nil {
			return false, err
		}

		moved := peerIDs(targets)
		if err := c.store.MovePeers(ctx, c.name, store.Restricted, store.Active, moved); err != nil {
			return false, fmt.Errorf("allow peers: %w", err)
		}
		rb.add("move peers back to restricted", func(ctx context.Context) error {
			return c.store.MovePeers(ctx, c.name, store.Active, store.Restricted, moved)
		})

		if up {
			for i := range targets {
				if err := c.setPeer(ctx, &targets[i]); err != nil {
					return false, err
				}
				id := targets[i].ID
				rb.add("remove peer "+logging.TruncateKey(id)+" from kernel", func(ctx context.Context) error {
					return c.removePeer(ctx, id)
				})
			}
			if err := c.quick(ctx, "save"); err != nil {
				return false, err
			}
			c.resync()
			for i := range targets {
				if c.limiter == nil || (targets[i].UploadRateLimit == 0 && targets[i].DownloadRateLimit == 0) {
					continue
				}
				if err := c.limiter.Apply(ctx, shaping.LimitFor(c.name, &targets[i])); err != nil {
					c.logger.Warn().Err(err).Str("peer", logging.TruncateKey(targets[i].ID)).Msg("reapply rate limit failed")
				}
			}
		}
		c.logger.Info().Str("tunnel", c.name).Int("count", len(targets)).Bool("kernel", up).Msg("peers allowed")
		return true, nil
	})
}

// Delete removes peers from the kernel and the file and moves their rows,
// active or restricted, to the deleted table.
func (c *Controller) Delete(ctx context.Context, ids []string) error {
	return c.mutate(ctx, func() (wrote bool, err error) {
		active, restricted, err := c.collect(ctx, ids)
		if err != nil {
			return false, err
		}
		up, err := c.Status(ctx)
		if err != nil {
			return false, err
		}

		rb := c.newRollback()
		defer func() {
			if err != nil {
				rb.run(ctx)
			}
		}()

		if len(active) > 0 {
			prev := c.file.Clone()
			for i := range active {
				c.file.RemovePeer(active[i].ID)
			}
			if err := c.writeFile(rb, prev); err != nil {
				return false, err
			}
			if up {
				for i := range active {
					if err := c.removePeer(ctx, active[i].ID); err != nil {
						return false, err
					}
					p := active[i]
					rb.add("re-add peer "+logging.TruncateKey(p.ID)+" to kernel", func(ctx context.Context) error {
						return c.setPeer(ctx, &p)
					})
				}
			}
		}

		for _, group := range []struct {
			from  store.TableKind
			peers []model.Peer
		}{{store.Active, active}, {store.Restricted, restricted}} {
			if len(group.peers) == 0 {
				continue
			}
			ids, from := peerIDs(group.peers), group.from
			if err := c.store.MovePeers(ctx, c.name, from, store.Deleted, ids); err != nil {
				return false, fmt.Errorf("delete peers: %w", err)
			}
			rb.add("restore deleted peers", func(ctx context.Context) error {
				return c.store.MovePeers(ctx, c.name, store.Deleted, from, ids)
			})
		}

		if up && len(active) > 0 {
			if err := c.quick(ctx, "save"); err != nil {
				return false, err
			}
			c.resync()
			c.dropLimits(ctx, active)
		}
		c.logger.Info().Str("tunnel", c.name).Int("count", len(active)+len(restricted)).Bool("kernel", up).Msg("peers deleted")
		return len(active) > 0, nil
	})
}

func (c *Controller) dropLimits(ctx context.Context, peers []model.Peer) {
	if c.limiter == nil {
		return
	}
	for i := range peers {
		if peers[i].UploadRateLimit == 0 && peers[i].DownloadRateLimit == 0 {
			continue
		}
		if err := c.limiter.Remove(ctx, c.name, peers[i].ID, peers[i].AllowedIP); err != nil {
			c.logger.Warn().Err(err).Str("peer", logging.TruncateKey(peers[i].ID)).Msg("remove rate limit failed")
		}
	}
}

// SetRateLimit stores a peer's limits and installs them when the interface
// is up. Zero for both directions removes shaping. A down interface gets
// its limits on the next toggle up.
func (c *Controller) SetRateLimit(ctx context.Context, id string, uploadKbps, downloadKbps int, scheduler string) error {
	if scheduler == "" {
		scheduler = model.SchedulerHTB
	}
	if !model.ValidScheduler(scheduler) {
		return model.Invalid("set rate limit", "unknown scheduler %q", scheduler)
	}
	if uploadKbps < 0 || downloadKbps < 0 || uploadKbps > shaping.MaxRateKbps || downloadKbps > shaping.MaxRateKbps {
		return model.Invalid("set rate limit", "rates must be between 0 and %d kbit/s", shaping.MaxRateKbps)
	}

	return c.mutate(ctx, func() (bool, error) {
		cur, table, err := c.find(ctx, id)
		if err != nil {
			return false, err
		}
		if table != store.Active {
			return false, model.Conflict("set rate limit", "peer %s is restricted", logging.TruncateKey(id))
		}
		next := *cur
		next.UploadRateLimit, next.DownloadRateLimit, next.SchedulerType = uploadKbps, downloadKbps, scheduler

		up, err := c.Status(ctx)
		if err != nil {
			return false, err
		}
		if up && c.limiter != nil {
			if err := c.limiter.Apply(ctx, shaping.LimitFor(c.name, &next)); err != nil {
				return false, err
			}
		}
		if err := c.store.UpdatePeer(ctx, c.name, store.Active, &next); err != nil {
			if up && c.limiter != nil {
				if rerr := c.limiter.Apply(context.WithoutCancel(ctx), shaping.LimitFor(c.name, cur)); rerr != nil {
					c.logger.Error().Err(rerr).Str("peer", logging.TruncateKey(id)).Msg("cleanup: restore rate limit failed")
				}
			}
			return false, err
		}
		c.logger.Info().Str("tunnel", c.name).Str("peer", logging.TruncateKey(id)).
			Int("upload_kbps", uploadKbps).Int("download_kbps", downloadKbps).Str("scheduler", scheduler).
			Bool("kernel", up).Msg("rate limit stored")
		return false, nil
	})
}
