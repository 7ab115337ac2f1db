package cps

import (
	"context"
	"errors"
	mrand "math/rand/v2"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"github.com/wiregate/wiregate/internal/model"
)

// Tunnel is an AmneziaWG tunnel whose junk slots can be tuned.
type Tunnel interface {
	Name() string
	Protocol() string
	AWGSlots() map[string]string
	SetAWGSlot(ctx context.Context, slot, pattern string) error
	Peers(ctx context.Context, restricted bool) ([]model.Peer, error)
}

type TunerOptions struct {
	Adapter *Adapter
	Library *Library
	Tunnels func() []Tunnel
	// Interval defaults to 10 minutes.
	Interval time.Duration
	Rand     *mrand.Rand
	Logger   zerolog.Logger
}

// Tuner feeds tunnel liveness into the adapter and rewrites slots the
// adapter decides to replace. A tunnel counts as healthy when at least one
// active peer has a recent handshake; tunnels without peers give no signal.
type Tuner struct {
	adapter  *Adapter
	lib      *Library
	tunnels  func() []Tunnel
	interval time.Duration
	rng      *mrand.Rand
	logger   zerolog.Logger
}

func NewTuner(opts TunerOptions) *Tuner {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Minute
	}
	if opts.Rand == nil {
		seed := uint64(time.Now().UnixNano())
		opts.Rand = mrand.New(mrand.NewPCG(seed, seed>>7))
	}
	return &Tuner{
		adapter:  opts.Adapter,
		lib:      opts.Library,
		tunnels:  opts.Tunnels,
		interval: opts.Interval,
		rng:      opts.Rand,
		logger:   opts.Logger.With().Str("component", "cps").Logger(),
	}
}

// RunLoop ticks until ctx is cancelled.
func (t *Tuner) RunLoop(ctx context.Context) {
	t.logger.Info().Dur("interval", t.interval).Msg("starting cps tuning loop")
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Tick(ctx)
		}
	}
}

// Tick runs one observation and adaptation pass and returns how many slots
// were rewritten.
func (t *Tuner) Tick(ctx context.Context) int {
	adapted := 0
	for _, tn := range t.tunnels() {
		if ctx.Err() != nil {
			return adapted
		}
		if tn.Protocol() != model.ProtocolAWG {
			continue
		}
		n, err := t.tune(ctx, tn)
		adapted += n
		if err != nil {
			t.logger.Warn().Err(err).Str("tunnel", tn.Name()).Msg("cps tuning failed")
		}
	}
	return adapted
}

func (t *Tuner) tune(ctx context.Context, tn Tunnel) (int, error) {
	peers, err := tn.Peers(ctx, false)
	if err != nil {
		return 0, err
	}
	if len(peers) == 0 {
		return 0, nil
	}
	healthy := slices.ContainsFunc(peers, func(p model.Peer) bool { return p.Status == model.StatusRunning })

	slots := tn.AWGSlots()
	names := make([]string, 0, len(slots))
	for s := range slots {
		names = append(names, s)
	}
	slices.Sort(names)

	adapted := 0
	var errs []error
	for _, slot := range names {
		protocol, err := t.adapter.protocol(slot)
		if err != nil {
			continue
		}
		cur, _, err := t.lib.Add(model.CPSPattern{
			Protocol:   protocol,
			CPSPattern: slots[slot],
			Metadata:   map[string]any{"source": "config"},
		})
		if errors.Is(err, model.ErrInvalidInput) {
			t.logger.Debug().Str("tunnel", tn.Name()).Str("slot", slot).Msg("slot holds no valid cps pattern")
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := t.adapter.RecordOutcome(tn.Name(), slot, cur.ID, healthy); err != nil {
			errs = append(errs, err)
			continue
		}
		d, err := t.adapter.MaybeAdapt(tn.Name(), slot, cur.ID, t.rng)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !d.Adapted {
			continue
		}
		if err := tn.SetAWGSlot(ctx, slot, d.Pattern.CPSPattern); err != nil {
			errs = append(errs, err)
			continue
		}
		adapted++
	}
	return adapted, errors.Join(errs...)
}
