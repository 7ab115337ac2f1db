package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/wiregate/wiregate/internal/backup"
	"github.com/wiregate/wiregate/internal/config"
	"github.com/wiregate/wiregate/internal/core"
	"github.com/wiregate/wiregate/internal/cps"
	"github.com/wiregate/wiregate/internal/executor"
	"github.com/wiregate/wiregate/internal/mesh"
	"github.com/wiregate/wiregate/internal/model"
	"github.com/wiregate/wiregate/internal/setup"
	"github.com/wiregate/wiregate/internal/wgconf"
)

func validate(cfg *config.Config, logger zerolog.Logger, args []string) int {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return exitFailure
	}
	ctx := context.Background()
	reg := prometheus.NewRegistry()

	var report *setup.Report
	st, err := openStore(ctx, cfg, logger, reg)
	if err != nil {
		report = setup.New(setup.Options{Config: cfg, Logger: logger}).Run(ctx)
		report.Issues = append(report.Issues, setup.Issue{
			Severity:  setup.SeverityCritical,
			Component: "peer-store",
			Message:   err.Error(),
			FixHint:   "check DB_PATH or the Postgres settings for scale mode",
		})
	} else {
		defer st.Close()
		mgr, _ := tunnels(ctx, cfg, st, logger, reg)
		report = setup.New(setup.Options{Config: cfg, Store: st, Ports: mgr, Logger: logger}).Run(ctx)
	}

	report.WriteTable(os.Stdout)
	if report.HasCritical() {
		return exitFailure
	}
	return exitOK
}

type meshOutput struct {
	Changes         map[string]mesh.Changes `json:"changes"`
	Collisions      []mesh.Collision        `json:"collisions"`
	SuggestedSubnet string                  `json:"suggested_subnet"`
}

// meshPlan prints what applying a mesh document would change on the nodes
// backed by local tunnels. Nothing is written.
func meshPlan(cfg *config.Config, args []string) int {
	fs := flag.NewFlagSet("mesh-plan", flag.ContinueOnError)
	file := fs.String("f", "", "mesh plan YAML file")
	if err := fs.Parse(args); err != nil {
		return exitFailure
	}
	if *file == "" {
		fmt.Fprintln(os.Stderr, "mesh-plan: -f is required")
		return exitFailure
	}

	f, err := os.Open(*file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mesh-plan: %v\n", err)
		return exitFailure
	}
	defer f.Close()
	doc, err := mesh.LoadPlanYAML(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mesh-plan: %v\n", err)
		return exitFailure
	}
	desired, err := mesh.Plan(doc.Nodes, doc.Connections)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mesh-plan: %v\n", err)
		return exitFailure
	}

	current := make(map[string][]mesh.PeerEntry)
	for _, n := range doc.Nodes {
		if n.Tunnel == "" || n.External {
			continue
		}
		dir := cfg.WGConfPath
		if n.Protocol == model.ProtocolAWG {
			dir = cfg.AWGConfPath
		}
		wf, err := wgconf.Load(filepath.Join(dir, n.Tunnel+".conf"))
		if err != nil {
			fmt.Fprintf(os.Stderr, "mesh-plan: node %s: %v\n", n.ID, err)
			return exitFailure
		}
		current[n.ID] = mesh.EntriesFromFile(wf)
	}

	out := meshOutput{
		Changes:         mesh.Diff(current, desired),
		Collisions:      mesh.Collisions(doc.Nodes),
		SuggestedSubnet: mesh.SuggestSubnet(doc.Nodes, doc.Supernet),
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintf(os.Stderr, "mesh-plan: %v\n", err)
		return exitFailure
	}
	return exitOK
}

func createAPIKey(cfg *config.Config, logger zerolog.Logger, args []string) int {
	fs := flag.NewFlagSet("create-api-key", flag.ContinueOnError)
	expires := fs.Duration("expires", 0, "lifetime of the key; zero never expires")
	if err := fs.Parse(args); err != nil {
		return exitFailure
	}
	ctx := context.Background()

	st, err := openStore(ctx, cfg, logger, prometheus.NewRegistry())
	if err != nil {
		logger.Error().Err(err).Msg("failed to open peer store")
		return exitFailure
	}
	defer st.Close()

	var expire *time.Time
	if *expires > 0 {
		t := time.Now().Add(*expires).UTC()
		expire = &t
	}
	key, err := core.NewAPIKeyService(st, logger).Create(ctx, expire)
	if err != nil {
		logger.Error().Err(err).Msg("failed to create api key")
		return exitFailure
	}
	fmt.Println(key.Key)
	return exitOK
}

func cpsImport(cfg *config.Config, logger zerolog.Logger, args []string) int {
	fs := flag.NewFlagSet("cps-import", flag.ContinueOnError)
	file := fs.String("f", "", "YAML pattern catalogue")
	if err := fs.Parse(args); err != nil {
		return exitFailure
	}
	if *file == "" {
		fmt.Fprintln(os.Stderr, "cps-import: -f is required")
		return exitFailure
	}

	lib, err := cps.OpenLibrary(cfg.CPSPath, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to open cps library")
		return exitFailure
	}
	f, err := os.Open(*file)
	if err != nil {
		logger.Error().Err(err).Msg("failed to open catalogue")
		return exitFailure
	}
	defer f.Close()

	res, err := lib.ImportYAML(f)
	if err != nil {
		logger.Error().Err(err).Msg("cps import failed")
		return exitFailure
	}
	logger.Info().
		Int("added", res.Added).
		Int("duplicates", res.Duplicates).
		Int("failed", res.Failed).
		Msg("cps catalogue imported")
	return exitOK
}

func backupTunnel(cfg *config.Config, logger zerolog.Logger, args []string) int {
	fs := flag.NewFlagSet("backup", flag.ContinueOnError)
	name := fs.String("tunnel", "", "tunnel to back up")
	if err := fs.Parse(args); err != nil {
		return exitFailure
	}
	if *name == "" {
		fmt.Fprintln(os.Stderr, "backup: -tunnel is required")
		return exitFailure
	}
	ctx := context.Background()
	reg := prometheus.NewRegistry()

	st, err := openStore(ctx, cfg, logger, reg)
	if err != nil {
		logger.Error().Err(err).Msg("failed to open peer store")
		return exitFailure
	}
	defer st.Close()
	mgr, exec := tunnels(ctx, cfg, st, logger, reg)

	info, err := newBackupEngine(cfg, mgr, st, exec, logger).Create(ctx, *name)
	if err != nil {
		logger.Error().Err(err).Str("tunnel", *name).Msg("backup failed")
		return exitFailure
	}
	fmt.Println(info.Path)
	return exitOK
}

// newBackupEngine archives through 7z and, when configured, copies the
// archives to S3.
func newBackupEngine(cfg *config.Config, tunnels backup.Tunnels, st backup.DumpStore, runner executor.Runner, logger zerolog.Logger) *backup.Engine {
	opts := backup.Options{
		Tunnels:     tunnels,
		Store:       st,
		Archiver:    backup.NewSevenZip(runner),
		BackupPath:  cfg.BackupPath,
		ScriptsPath: cfg.ScriptsPath,
		Logger:      logger,
	}
	if cfg.OffsiteEnabled() {
		opts.Offsite = backup.NewS3Offsite(backup.S3Options{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		}, logger)
	}
	return backup.NewEngine(opts)
}
