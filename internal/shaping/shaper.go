// Package shaping maps per-peer rate limits onto tc queueing disciplines on
// the tunnel interface. Download traffic is shaped on the tunnel's egress.
// Upload traffic is mirrored from the tunnel's ingress onto an ifb device and
// shaped on its egress.
package shaping

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/wiregate/wiregate/internal/executor"
	"github.com/wiregate/wiregate/internal/logging"
	"github.com/wiregate/wiregate/internal/model"
)

// Limit is the desired shaping for one peer.
type Limit struct {
	Tunnel       string
	PeerID       string
	AllowedIPs   string
	UploadKbps   int
	DownloadKbps int
	Scheduler    string
}

// Unlimited reports whether the limit removes shaping.
func (l Limit) Unlimited() bool {
	return l.UploadKbps == 0 && l.DownloadKbps == 0
}

func (l Limit) validate() error {
	if !model.ValidTunnelName(l.Tunnel) {
		return model.Invalid("shaping", "invalid tunnel name %q", l.Tunnel)
	}
	if l.PeerID == "" {
		return model.Invalid("shaping", "peer id is required")
	}
	if !model.ValidScheduler(l.Scheduler) {
		return model.Invalid("shaping", "unknown scheduler %q", l.Scheduler)
	}
	if _, err := bandwidth(l.UploadKbps); err != nil {
		return err
	}
	if _, err := bandwidth(l.DownloadKbps); err != nil {
		return err
	}
	return nil
}

// LimitFor builds the limit described by a peer row.
func LimitFor(tunnel string, p *model.Peer) Limit {
	sched := p.SchedulerType
	if sched == "" {
		sched = model.SchedulerHTB
	}
	return Limit{
		Tunnel:       tunnel,
		PeerID:       p.ID,
		AllowedIPs:   p.AllowedIP,
		UploadKbps:   p.UploadRateLimit,
		DownloadKbps: p.DownloadRateLimit,
		Scheduler:    sched,
	}
}

// Shaper drives tc through the executor. One tunnel is mutated at a time.
type Shaper struct {
	runner executor.Runner
	logger zerolog.Logger
	cake   CakeOptions

	locks sync.Map

	mu      sync.Mutex
	applied map[string]map[string]Limit
}

// New creates a shaper.
func New(runner executor.Runner, logger zerolog.Logger) *Shaper {
	return &Shaper{
		runner:  runner,
		logger:  logger.With().Str("component", "shaper").Logger(),
		cake:    DefaultCakeOptions(),
		applied: make(map[string]map[string]Limit),
	}
}

// SetCakeOptions overrides the cake tunables.
func (s *Shaper) SetCakeOptions(o CakeOptions) error {
	if err := o.validate(); err != nil {
		return err
	}
	s.cake = o
	return nil
}

func (s *Shaper) lockTunnel(tunnel string) func() {
	mu, _ := s.locks.LoadOrStore(tunnel, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
	return mu.(*sync.Mutex).Unlock
}

// Applied returns the limits currently in force on a tunnel.
func (s *Shaper) Applied(tunnel string) []Limit {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Limit, 0, len(s.applied[tunnel]))
	for _, l := range s.applied[tunnel] {
		out = append(out, l)
	}
	slices.SortFunc(out, func(a, b Limit) int { return strings.Compare(a.PeerID, b.PeerID) })
	return out
}

func (s *Shaper) record(l Limit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.applied[l.Tunnel] == nil {
		s.applied[l.Tunnel] = make(map[string]Limit)
	}
	s.applied[l.Tunnel][l.PeerID] = l
}

func (s *Shaper) forget(tunnel, peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.applied[tunnel], peerID)
}

// conflicting returns the scheduler of another shaped peer when it differs.
func (s *Shaper) conflicting(l Limit) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, o := range s.applied[l.Tunnel] {
		if id != l.PeerID && o.Scheduler != l.Scheduler {
			return o.Scheduler, true
		}
	}
	return "", false
}

// cakeBandwidth is the largest direction over every cake peer, l included.
func (s *Shaper) cakeBandwidth(tunnel string, l *Limit) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	top := 0
	for id, o := range s.applied[tunnel] {
		if l != nil && id == l.PeerID {
			continue
		}
		top = max(top, o.UploadKbps, o.DownloadKbps)
	}
	if l != nil {
		top = max(top, l.UploadKbps, l.DownloadKbps)
	}
	return top
}

// Apply installs or replaces the limit for one peer. A limit with both rates
// zero removes shaping for the peer.
func (s *Shaper) Apply(ctx context.Context, l Limit) error {
	if err := l.validate(); err != nil {
		return err
	}
	if l.Unlimited() {
		return s.Remove(ctx, l.Tunnel, l.PeerID, l.AllowedIPs)
	}
	prefixes, err := parseAllowed(l.AllowedIPs)
	if err != nil {
		return err
	}

	unlock := s.lockTunnel(l.Tunnel)
	defer unlock()

	if other, ok := s.conflicting(l); ok {
		return model.Conflict("shaping", "tunnel %s is shaped with %s, cannot add a %s limit", l.Tunnel, other, l.Scheduler)
	}

	if l.Scheduler == model.SchedulerCake {
		err = s.applyCake(ctx, l.Tunnel, s.cakeBandwidth(l.Tunnel, &l))
	} else {
		err = s.applyClassful(ctx, l, prefixes)
	}
	if err != nil {
		return err
	}
	s.record(l)

	s.logger.Info().
		Str("tunnel", l.Tunnel).
		Str("peer", logging.TruncateKey(l.PeerID)).
		Str("scheduler", l.Scheduler).
		Int("upload_kbps", l.UploadKbps).
		Int("download_kbps", l.DownloadKbps).
		Msg("rate limit applied")
	return nil
}

// Remove deletes the peer's classes and filters, leaving the root qdiscs. A
// cake root is resized to the remaining peers, or deleted when none remain.
func (s *Shaper) Remove(ctx context.Context, tunnel, peerID, allowedIPs string) error {
	if !model.ValidTunnelName(tunnel) {
		return model.Invalid("shaping", "invalid tunnel name %q", tunnel)
	}
	prefixes, err := parseAllowed(allowedIPs)
	if err != nil {
		return err
	}

	unlock := s.lockTunnel(tunnel)
	defer unlock()

	s.mu.Lock()
	prev, had := s.applied[tunnel][peerID]
	s.mu.Unlock()

	if had && prev.Scheduler == model.SchedulerCake {
		s.forget(tunnel, peerID)
		if rest := s.cakeBandwidth(tunnel, nil); rest > 0 {
			return s.applyCake(ctx, tunnel, rest)
		}
		return s.tolerate(executor.Do(ctx, s.runner, "tc", "qdisc", "del", "dev", tunnel, "root"))
	}

	if err := s.teardownPeer(ctx, tunnel, peerID, prefixes); err != nil {
		return err
	}
	s.forget(tunnel, peerID)
	s.logger.Info().Str("tunnel", tunnel).Str("peer", logging.TruncateKey(peerID)).Msg("rate limit removed")
	return nil
}

// Nuke deletes the root and ingress qdiscs and the ifb device.
func (s *Shaper) Nuke(ctx context.Context, tunnel string) error {
	if !model.ValidTunnelName(tunnel) {
		return model.Invalid("shaping", "invalid tunnel name %q", tunnel)
	}
	unlock := s.lockTunnel(tunnel)
	defer unlock()

	var errs []error
	errs = append(errs,
		s.tolerate(executor.Do(ctx, s.runner, "tc", "qdisc", "del", "dev", tunnel, "root")),
		s.tolerate(executor.Do(ctx, s.runner, "tc", "qdisc", "del", "dev", tunnel, "ingress")),
	)
	if ifb, err := IFBName(tunnel); err == nil {
		errs = append(errs,
			s.tolerate(executor.Do(ctx, s.runner, "tc", "qdisc", "del", "dev", ifb, "root")),
			s.tolerate(executor.Do(ctx, s.runner, "ip", "link", "del", ifb)),
		)
	}

	s.mu.Lock()
	delete(s.applied, tunnel)
	s.mu.Unlock()

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("nuke shaping on %s: %w", tunnel, err)
	}
	s.logger.Info().Str("tunnel", tunnel).Msg("shaping removed from interface")
	return nil
}

// ReapplyAll rebuilds shaping for a tunnel from its peer rows. Peers without
// limits are skipped. Failures for one peer do not stop the others.
func (s *Shaper) ReapplyAll(ctx context.Context, tunnel string, peers []model.Peer) error {
	if err := s.Nuke(ctx, tunnel); err != nil {
		return err
	}
	var errs []error
	for i := range peers {
		l := LimitFor(tunnel, &peers[i])
		if l.Unlimited() {
			continue
		}
		if err := s.Apply(ctx, l); err != nil {
			s.logger.Warn().Err(err).Str("tunnel", tunnel).Str("peer", logging.TruncateKey(l.PeerID)).Msg("reapply rate limit failed")
			errs = append(errs, fmt.Errorf("peer %s: %w", logging.TruncateKey(l.PeerID), err))
		}
	}
	return errors.Join(errs...)
}

func (s *Shaper) applyCake(ctx context.Context, tunnel string, kbps int) error {
	bw, err := bandwidth(kbps)
	if err != nil {
		return err
	}
	if err := s.cake.validate(); err != nil {
		return err
	}
	args := append([]string{"qdisc", "replace", "dev", tunnel, "root", "handle", rootHandle}, s.cake.args(bw)...)
	if err := executor.Do(ctx, s.runner, "tc", args...); err != nil {
		return fmt.Errorf("apply cake on %s: %w", tunnel, err)
	}
	return nil
}

// tolerate drops errors that mean the object was already absent.
func (s *Shaper) tolerate(err error) error {
	if err == nil || executor.NotFound(err) {
		return nil
	}
	var e *model.Error
	if errors.As(err, &e) && strings.Contains(strings.ToLower(e.Msg), "handle of zero") {
		return nil
	}
	return err
}

