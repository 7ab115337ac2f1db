package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/wiregate/wiregate/internal/config"
	"github.com/wiregate/wiregate/internal/cps"
	"github.com/wiregate/wiregate/internal/crypto"
	"github.com/wiregate/wiregate/internal/jobs"
	"github.com/wiregate/wiregate/internal/metrics"
	"github.com/wiregate/wiregate/internal/setup"
	"github.com/wiregate/wiregate/internal/telemetry"
	"github.com/wiregate/wiregate/internal/tlspipe"
	"github.com/wiregate/wiregate/internal/tunnel"
)

func serve(cfg *config.Config, logger zerolog.Logger, _ []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	reg := prometheus.DefaultRegisterer

	st, err := openStore(ctx, cfg, logger, reg)
	if err != nil {
		logger.Error().Err(err).Msg("failed to open peer store")
		report := setup.New(setup.Options{Config: cfg, Logger: logger}).Run(ctx)
		report.WriteTable(os.Stderr)
		return exitFailure
	}
	defer st.Close()

	mgr, exec := tunnels(ctx, cfg, st, logger, reg)

	report := setup.New(setup.Options{Config: cfg, Store: st, Ports: mgr, Logger: logger}).Run(ctx)
	if report.HasCritical() {
		report.WriteTable(os.Stderr)
		logger.Error().Msg("startup validation failed")
		return exitFailure
	}

	// Telemetry: netlink where possible, wg/awg show otherwise.
	cli := telemetry.NewCLIReader(exec)
	var reader telemetry.KernelReader = cli
	if wr, err := telemetry.NewWgctrlReader(cli); err != nil {
		logger.Warn().Err(err).Msg("wgctrl unavailable, reading kernel state through wg show")
	} else {
		defer wr.Close()
		reader = wr
	}
	series := telemetry.NewRealtimeSeries(telemetry.DefaultWindow)
	poller := telemetry.NewPoller(telemetry.PollerOptions{
		Registry: mgr,
		Reader:   reader,
		Counters: cli,
		Series:   series,
		Interval: cfg.TelemetryInterval,
		Logger:   logger,
		Metrics:  reg,
	})
	pruner := telemetry.NewHistoryPruner(mgr, st, cfg.HistoryRetention, logger)

	engine := jobs.NewEngine(jobs.EngineOptions{
		Store:    st,
		Peers:    mgr,
		Interval: cfg.JobInterval,
		Logger:   logger,
		Metrics:  reg,
	})

	masterKey, err := crypto.MasterKey(cfg.TLSPipeEncryptionKey, cfg.WGSecretKey)
	if err != nil {
		logger.Error().Err(err).Msg("invalid TLS pipe encryption key")
		return exitFailure
	}
	if cfg.TLSPipeEncryptionKey == "" && cfg.WGSecretKey == "" {
		logger.Warn().Msg("no TLSPIPE_ENCRYPTION_KEY or WG_SECRET_KEY set, stored pipe passwords will not survive a restart")
	}
	pipes := tlspipe.NewSupervisor(tlspipe.Options{
		Store:      st,
		Ports:      mgr,
		Starter:    tlspipe.NewExecStarter(logger),
		MasterKey:  masterKey,
		Logger:     logger,
		Registerer: reg,
	})
	mgr.Subscribe(pipes)

	tuner, closeCPS, err := openTuner(cfg, mgr, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("cps tuning disabled")
	} else {
		defer closeCPS()
	}

	srv := metrics.NewServer(cfg.MetricsListenAddr, logger, reg, nil)
	srv.AddCheck("peer-store", st.Ping)
	srv.AddCheck("startup", func(context.Context) error {
		if report.HasCritical() {
			return errors.New("startup validation reported critical issues")
		}
		return nil
	})
	srv.Mount("/ws/traffic/{tunnel}", telemetry.NewStreamHandler(series, func(name string) bool {
		_, err := mgr.Get(name)
		return err == nil
	}, logger))

	if err := pipes.Resume(ctx); err != nil {
		logger.Warn().Err(err).Msg("resuming TLS pipes failed")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { poller.RunLoop(gctx); return nil })
	g.Go(func() error { pruner.RunLoop(gctx); return nil })
	g.Go(func() error { engine.RunLoop(gctx); return nil })
	if tuner != nil {
		g.Go(func() error { tuner.RunLoop(gctx); return nil })
	}
	g.Go(func() error { return srv.Run(gctx) })

	logger.Info().Int("tunnels", len(mgr.Names())).Msg("wiregate started")
	<-gctx.Done()
	logger.Info().Msg("shutting down")

	err = g.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if serr := pipes.StopAll(stopCtx); serr != nil {
		logger.Warn().Err(serr).Msg("stopping TLS pipes failed")
	}
	if err != nil {
		logger.Error().Err(err).Msg("task failed")
		return exitFailure
	}
	return exitOK
}

// openTuner opens the CPS library and state next to each other and builds
// the tuning loop over the loaded tunnels.
func openTuner(cfg *config.Config, mgr *tunnel.Manager, logger zerolog.Logger) (*cps.Tuner, func(), error) {
	lib, err := cps.OpenLibrary(cfg.CPSPath, logger)
	if err != nil {
		return nil, nil, err
	}
	state, err := cps.OpenState(filepath.Join(cfg.CPSPath, cps.StateFile))
	if err != nil {
		return nil, nil, fmt.Errorf("open cps state: %w", err)
	}
	adapter := cps.NewAdapter(cps.AdapterOptions{Library: lib, State: state, Logger: logger})
	tuner := cps.NewTuner(cps.TunerOptions{
		Adapter: adapter,
		Library: lib,
		Tunnels: func() []cps.Tunnel {
			cs := mgr.Controllers()
			out := make([]cps.Tunnel, len(cs))
			for i, c := range cs {
				out[i] = c
			}
			return out
		},
		Logger: logger,
	})
	return tuner, func() { state.Close() }, nil
}
