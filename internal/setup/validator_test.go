package setup

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wiregate/wiregate/internal/config"
)

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

type fakePorts map[int][]string

func (p fakePorts) PortConflicts() (map[int][]string, error) { return p, nil }

func allFound(string) (string, error) { return "/usr/bin/x", nil }

func testConfig(t *testing.T) *config.Config {
	root := t.TempDir()
	return &config.Config{
		Mode:              config.ModeSimple,
		ConfigurationPath: root,
		DBPath:            filepath.Join(root, "db"),
		WGConfPath:        filepath.Join(root, "wireguard"),
		AWGConfPath:       filepath.Join(root, "amneziawg"),
		ScriptsPath:       filepath.Join(root, "iptable-rules"),
		BackupPath:        filepath.Join(root, "backups"),
		CPSPath:           filepath.Join(root, "cps_patterns"),
		TelemetryInterval: 10e9,
		JobInterval:       180e9,
	}
}

func issuesFor(r *Report, component string) []Issue {
	var out []Issue
	for _, is := range r.Issues {
		if is.Component == component {
			out = append(out, is)
		}
	}
	return out
}

func TestRunCreatesMissingDirectories(t *testing.T) {
	cfg := testConfig(t)
	v := New(Options{Config: cfg, Store: fakePinger{}, LookPath: allFound, Logger: zerolog.Nop()})

	r := v.Run(context.Background())
	assert.False(t, r.HasCritical(), "%+v", r.Issues)
	assert.Equal(t, 0, r.Count(SeverityWarning))
	assert.Equal(t, 6, r.Count(SeverityInfo))

	for _, p := range []string{cfg.DBPath, cfg.WGConfPath, cfg.BackupPath, cfg.CPSPath, cfg.ScriptsPath} {
		info, err := os.Stat(p)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}

	again := v.Run(context.Background())
	assert.Empty(t, again.Issues)
}

func TestRunStoreDown(t *testing.T) {
	cfg := testConfig(t)
	v := New(Options{Config: cfg, Store: fakePinger{err: errors.New("connection refused")}, LookPath: allFound, Logger: zerolog.Nop()})

	r := v.Run(context.Background())
	assert.True(t, r.HasCritical())
	store := issuesFor(r, "peer-store")
	require.NotEmpty(t, store)
	last := store[len(store)-1]
	assert.Equal(t, SeverityCritical, last.Severity)
	assert.Contains(t, last.Message, "connection refused")
	assert.Contains(t, last.FixHint, "DB_PATH")
}

func TestRunPathIsAFile(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(cfg.DBPath, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(cfg.BackupPath, []byte("x"), 0o644))
	v := New(Options{Config: cfg, Store: fakePinger{}, LookPath: allFound, Logger: zerolog.Nop()})

	r := v.Run(context.Background())
	assert.True(t, r.HasCritical())
	assert.Equal(t, SeverityCritical, issuesFor(r, "peer-store")[0].Severity)
	backup := issuesFor(r, "backup")
	require.Len(t, backup, 1)
	assert.Equal(t, SeverityWarning, backup[0].Severity)
	assert.Contains(t, backup[0].Message, "not a directory")
}

func TestRunMissingBinaries(t *testing.T) {
	cfg := testConfig(t)
	missing := map[string]bool{"tc": true, "7z": true, "awg-quick": true}
	look := func(name string) (string, error) {
		if missing[name] {
			return "", errors.New("not found")
		}
		return "/usr/bin/" + name, nil
	}
	v := New(Options{Config: cfg, Store: fakePinger{}, LookPath: look, Logger: zerolog.Nop()})

	r := v.Run(context.Background())
	exec := issuesFor(r, "executor")
	require.Len(t, exec, 3)
	assert.Equal(t, SeverityCritical, exec[0].Severity)
	assert.Contains(t, exec[0].Message, "tc")
	assert.Equal(t, SeverityWarning, exec[1].Severity)
	assert.Equal(t, "awg-quick not found in PATH", exec[1].Message)
	assert.Equal(t, SeverityWarning, exec[2].Severity)
	assert.True(t, r.HasCritical())
}

func TestRunScaleModeNeedsPostgres(t *testing.T) {
	cfg := testConfig(t)
	cfg.Mode = config.ModeScale
	v := New(Options{Config: cfg, LookPath: allFound, Logger: zerolog.Nop()})

	r := v.Run(context.Background())
	cfgIssues := issuesFor(r, "config")
	require.Len(t, cfgIssues, 1)
	assert.Equal(t, SeverityCritical, cfgIssues[0].Severity)
	assert.Contains(t, cfgIssues[0].Message, "POSTGRES_HOST")

	var skipped bool
	for _, is := range issuesFor(r, "peer-store") {
		skipped = skipped || strings.Contains(is.Message, "ping skipped")
	}
	assert.True(t, skipped)
}

func TestRunPortConflicts(t *testing.T) {
	cfg := testConfig(t)
	v := New(Options{
		Config:   cfg,
		Store:    fakePinger{},
		Ports:    fakePorts{51821: {"wg1", "wg2"}, 51820: {"awg0", "wg0"}},
		LookPath: allFound,
		Logger:   zerolog.Nop(),
	})

	r := v.Run(context.Background())
	assert.False(t, r.HasCritical())
	var msgs []string
	for _, is := range r.Issues {
		if is.Severity == SeverityWarning {
			msgs = append(msgs, is.Message)
		}
	}
	assert.Equal(t, []string{
		"listen port 51820 is used by awg0, wg0",
		"listen port 51821 is used by wg1, wg2",
	}, msgs)
}

func TestReportWriteTable(t *testing.T) {
	r := &Report{Issues: []Issue{
		{Severity: SeverityCritical, Component: "peer-store", Message: "down", FixHint: "start it"},
		{Severity: SeverityInfo, Component: "config", Message: "created /etc/wiregate"},
	}}
	var buf bytes.Buffer
	require.NoError(t, r.WriteTable(&buf))
	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "SEVERITY"))
	assert.Contains(t, out, "peer-store")
	assert.Contains(t, out, "1 critical, 0 warning, 1 info")
}
