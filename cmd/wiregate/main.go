package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/wiregate/wiregate/internal/config"
	"github.com/wiregate/wiregate/internal/executor"
	"github.com/wiregate/wiregate/internal/logging"
	"github.com/wiregate/wiregate/internal/model"
	"github.com/wiregate/wiregate/internal/shaping"
	"github.com/wiregate/wiregate/internal/store"
	"github.com/wiregate/wiregate/internal/tunnel"
)

const (
	exitOK       = 0
	exitFailure  = 1
	exitInternal = 2
)

const usage = `usage: wiregate <command> [flags]

commands:
  serve            run the control plane (default)
  validate         run the startup checks and print the findings
  mesh-plan -f F   print the peer changes a mesh plan would make
  create-api-key   create an API key for the external edge
  cps-import -f F  import a YAML catalogue of CPS patterns
  backup -tunnel T create a backup archive of one tunnel
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) (code int) {
	cmd := "serve"
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return exitFailure
	}
	logger := logging.NewLogger(cfg)

	defer func() {
		if r := recover(); r != nil {
			if err, ok := r.(error); ok && errors.Is(err, model.ErrInternal) {
				logger.Error().Err(err).Msg("invariant violated")
				code = exitInternal
				return
			}
			panic(r)
		}
	}()

	switch cmd {
	case "serve":
		return serve(cfg, logger, args)
	case "validate":
		return validate(cfg, logger, args)
	case "mesh-plan":
		return meshPlan(cfg, args)
	case "create-api-key":
		return createAPIKey(cfg, logger, args)
	case "cps-import":
		return cpsImport(cfg, logger, args)
	case "backup":
		return backupTunnel(cfg, logger, args)
	case "help", "-h", "--help":
		fmt.Print(usage)
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		return exitFailure
	}
}

// openStore opens the peer store for the configured mode and puts the
// cache in front of it.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger, reg prometheus.Registerer) (store.Store, error) {
	var (
		raw *store.SQLStore
		err error
	)
	switch cfg.Mode {
	case config.ModeScale:
		raw, err = store.OpenPostgres(ctx, cfg.PostgresURL(), logger, reg)
	default:
		raw, err = store.OpenSQLite(ctx, cfg.SQLitePath(), logger)
	}
	if err != nil {
		return nil, err
	}

	var cache store.Cache = store.NewMemoryCache()
	if addr := cfg.RedisAddr(); addr != "" {
		client, err := store.DialRedis(ctx, addr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			raw.Close()
			return nil, err
		}
		cache = store.NewRedisCache(client, "wiregate:")
	}
	return store.NewCached(raw, cache, cfg.CacheTTL, logger), nil
}

// tunnels builds the manager over the real executor and shaper and loads
// every configuration file. Files that fail to parse are skipped.
func tunnels(ctx context.Context, cfg *config.Config, st store.PeerStore, logger zerolog.Logger, reg prometheus.Registerer) (*tunnel.Manager, *executor.Executor) {
	exec := executor.New(logger, reg)
	mgr := tunnel.NewManager(tunnel.Options{
		WGConfPath:  cfg.WGConfPath,
		AWGConfPath: cfg.AWGConfPath,
		Defaults:    cfg.PeerDefaults,
		Store:       st,
		Runner:      exec,
		Limiter:     shaping.New(exec, logger),
		Logger:      logger,
	})
	lctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	if err := mgr.Load(lctx); err != nil {
		logger.Warn().Err(err).Msg("some tunnel configurations were not loaded")
	}
	return mgr, exec
}
