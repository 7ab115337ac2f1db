package telemetry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/wiregate/wiregate/internal/model"
	"github.com/wiregate/wiregate/internal/tunnel"
)

// maxConcurrentTunnels bounds how many tunnels one tick reads at once.
const maxConcurrentTunnels = 4

// Registry lists the tunnels to poll.
type Registry interface {
	Controllers() []*tunnel.Controller
}

// PollerOptions wires a Poller.
type PollerOptions struct {
	Registry Registry
	Reader   KernelReader
	// Counters feeds the realtime series. Nil disables it.
	Counters CounterReader
	Series   *RealtimeSeries
	Interval time.Duration
	Logger   zerolog.Logger
	Metrics  prometheus.Registerer
}

// Poller reads kernel state for every running tunnel each tick and folds it
// into the store. Tunnel mutexes are only held while the fold is applied,
// never during the kernel read.
type Poller struct {
	registry Registry
	reader   KernelReader
	counters CounterReader
	series   *RealtimeSeries
	interval time.Duration
	logger   zerolog.Logger
	now      func() time.Time

	inFlight atomic.Bool

	tickDuration prometheus.Histogram
	ticksTotal   *prometheus.CounterVec
	skipped      prometheus.Counter
	folded       prometheus.Counter
}

func NewPoller(opts PollerOptions) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	reg := opts.Metrics
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Poller{
		registry: opts.Registry,
		reader:   opts.Reader,
		counters: opts.Counters,
		series:   opts.Series,
		interval: opts.Interval,
		logger:   opts.Logger.With().Str("component", "telemetry").Logger(),
		now:      time.Now,
		tickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "wiregate_telemetry_tick_duration_seconds",
			Help:    "Duration of each telemetry tick",
			Buckets: prometheus.DefBuckets,
		}),
		ticksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wiregate_telemetry_ticks_total",
			Help: "Telemetry ticks by result",
		}, []string{"result"}),
		skipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "wiregate_telemetry_skipped_ticks_total",
			Help: "Ticks skipped because the previous one was still running",
		}),
		folded: factory.NewCounter(prometheus.CounterOpts{
			Name: "wiregate_peer_sessions_folded_total",
			Help: "Peer sessions folded into cumulative counters after a counter reset",
		}),
	}
}

// RunLoop ticks until ctx is cancelled. A tick that is still running when
// the next one is due causes that one to be skipped rather than queued.
func (p *Poller) RunLoop(ctx context.Context) {
	p.logger.Info().Dur("interval", p.interval).Msg("starting telemetry loop")
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("telemetry loop stopped")
			return
		case <-ticker.C:
			if !p.inFlight.CompareAndSwap(false, true) {
				p.skipped.Inc()
				p.logger.Warn().Msg("previous telemetry tick still running, skipping")
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer p.inFlight.Store(false)
				p.Tick(ctx)
			}()
		}
	}
}

// Tick polls every tunnel once. Failures are logged per tunnel and do not
// stop the others.
func (p *Poller) Tick(ctx context.Context) error {
	start := time.Now()
	defer func() { p.tickDuration.Observe(time.Since(start).Seconds()) }()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentTunnels)
	var mu sync.Mutex
	var errs []error
	for _, c := range p.registry.Controllers() {
		g.Go(func() error {
			if err := p.pollTunnel(gctx, c); err != nil {
				p.logger.Warn().Err(err).Str("tunnel", c.Name()).Msg("telemetry poll failed")
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	err := errors.Join(errs...)
	if err != nil {
		p.ticksTotal.WithLabelValues("error").Inc()
	} else {
		p.ticksTotal.WithLabelValues("ok").Inc()
	}
	return err
}

func (p *Poller) pollTunnel(ctx context.Context, c *tunnel.Controller) error {
	up, err := c.Status(ctx)
	if err != nil {
		return err
	}
	if !up {
		if p.series != nil {
			p.series.Forget(c.Name())
		}
		return nil
	}

	snap, err := p.reader.Read(ctx, c.Name(), c.Protocol())
	if err != nil {
		return err
	}
	if p.counters != nil && p.series != nil {
		if cnt, err := p.counters.Counters(ctx, c.Name()); err != nil {
			p.logger.Debug().Err(err).Str("tunnel", c.Name()).Msg("interface counters unavailable")
		} else {
			p.series.Observe(c.Name(), snap.At, cnt)
		}
	}

	now := p.now()
	var sessions int
	err = c.ApplyTelemetry(ctx, func(current []model.Peer) ([]model.Peer, []model.TransferSample) {
		f := Apply(now, current, snap)
		sessions = f.Sessions
		return f.Changed, f.Samples
	})
	if err != nil {
		return err
	}
	if sessions > 0 {
		p.folded.Add(float64(sessions))
		p.logger.Info().Str("tunnel", c.Name()).Int("peers", sessions).Msg("peer counters reset, sessions folded")
	}
	return nil
}
