// Package backup snapshots a tunnel's configuration file, peer tables and
// hook scripts into a verified archive, and restores them.
package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/wiregate/wiregate/internal/model"
	"github.com/wiregate/wiregate/internal/store"
	"github.com/wiregate/wiregate/internal/tunnel"
	"github.com/wiregate/wiregate/internal/wgconf"
)

const (
	timestampLayout = "20060102150405"
	archiveSuffix   = "_complete.7z"
	scriptsDir      = "scripts"
)

// Tunnels resolves tunnel controllers by name.
type Tunnels interface {
	Get(name string) (*tunnel.Controller, error)
}

// DumpStore exports and imports a tunnel's peer tables.
type DumpStore interface {
	ExportTunnel(ctx context.Context, tunnel string) (*store.TunnelDump, error)
	ImportTunnel(ctx context.Context, tunnel string, dump *store.TunnelDump) error
}

// Options wires an Engine.
type Options struct {
	Tunnels     Tunnels
	Store       DumpStore
	Archiver    Archiver
	Offsite     Offsite
	BackupPath  string
	ScriptsPath string
	Logger      zerolog.Logger
}

type Engine struct {
	tunnels     Tunnels
	store       DumpStore
	archiver    Archiver
	offsite     Offsite
	backupPath  string
	scriptsPath string
	logger      zerolog.Logger
	now         func() time.Time
}

func NewEngine(opts Options) *Engine {
	return &Engine{
		tunnels:     opts.Tunnels,
		store:       opts.Store,
		archiver:    opts.Archiver,
		offsite:     opts.Offsite,
		backupPath:  opts.BackupPath,
		scriptsPath: opts.ScriptsPath,
		logger:      opts.Logger.With().Str("component", "backup").Logger(),
		now:         time.Now,
	}
}

// scriptRef is a hook script found under the scripts dir.
type scriptRef struct {
	kind string
	rel  string
}

// hookScripts finds the .sh files the hook lines reference that live under
// the scripts dir. Anything elsewhere is not ours to archive. A relative
// reference that does not exist falls back to <tunnel>/<kind>.sh and then
// the older <tunnel>-<kind>.sh layout.
func (e *Engine) hookScripts(tunnelName string, in *wgconf.Interface) []scriptRef {
	hooks := []struct {
		kind  string
		lines []string
	}{
		{"preup", in.PreUp},
		{"postup", in.PostUp},
		{"predown", in.PreDown},
		{"postdown", in.PostDown},
	}
	seen := map[string]bool{}
	var out []scriptRef
	for _, h := range hooks {
		for _, line := range h.lines {
			for _, tok := range strings.FieldsFunc(line, func(r rune) bool { return r == ' ' || r == ';' || r == '\t' }) {
				if !strings.HasSuffix(tok, ".sh") {
					continue
				}
				var candidates []string
				if filepath.IsAbs(tok) {
					r, err := filepath.Rel(e.scriptsPath, tok)
					if err != nil {
						continue
					}
					candidates = []string{r}
				} else {
					candidates = []string{
						strings.TrimPrefix(strings.TrimPrefix(tok, "./"), "iptable-rules/"),
						filepath.Join(tunnelName, h.kind+".sh"),
						tunnelName + "-" + h.kind + ".sh",
					}
				}
				rel, ok := e.firstScript(candidates)
				if !ok || seen[rel] {
					continue
				}
				seen[rel] = true
				out = append(out, scriptRef{kind: h.kind, rel: rel})
			}
		}
	}
	return out
}

// firstScript returns the first candidate that is a regular file inside the
// scripts dir.
func (e *Engine) firstScript(candidates []string) (string, bool) {
	for _, c := range candidates {
		rel := filepath.Clean(c)
		if !filepath.IsLocal(rel) {
			continue
		}
		st, err := os.Stat(filepath.Join(e.scriptsPath, rel))
		if err == nil && st.Mode().IsRegular() {
			return rel, true
		}
	}
	return "", false
}

func archiveName(tunnelName string, at time.Time) string {
	return tunnelName + "_" + at.UTC().Format(timestampLayout) + archiveSuffix
}

// parseArchiveName returns the timestamp encoded in an archive name.
func parseArchiveName(tunnelName, filename string) (time.Time, bool) {
	if !strings.HasPrefix(filename, tunnelName+"_") || !strings.HasSuffix(filename, archiveSuffix) {
		return time.Time{}, false
	}
	ts := strings.TrimSuffix(strings.TrimPrefix(filename, tunnelName+"_"), archiveSuffix)
	at, err := time.ParseInLocation(timestampLayout, ts, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return at, true
}

func (e *Engine) archivePath(tunnelName, filename string) (string, error) {
	if !model.ValidTunnelName(tunnelName) {
		return "", model.Invalid("backup", "invalid tunnel name %q", tunnelName)
	}
	if filepath.Base(filename) != filename {
		return "", model.Invalid("backup", "invalid backup name %q", filename)
	}
	if _, ok := parseArchiveName(tunnelName, filename); !ok {
		return "", model.Invalid("backup", "%q is not a backup of %s", filename, tunnelName)
	}
	return filepath.Join(e.backupPath, tunnelName, filename), nil
}

// Create snapshots one tunnel into BackupPath/<tunnel>/.
func (e *Engine) Create(ctx context.Context, tunnelName string) (*model.BackupInfo, error) {
	c, err := e.tunnels.Get(tunnelName)
	if err != nil {
		return nil, err
	}
	now := e.now().UTC()
	ts := now.Format(timestampLayout)

	stage, err := os.MkdirTemp("", "wiregate-backup-")
	if err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(stage)

	confData, err := os.ReadFile(c.ConfPath())
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", c.ConfPath(), err)
	}
	conf, err := wgconf.Parse(bytes.NewReader(confData))
	if err != nil {
		return nil, err
	}
	dump, err := e.store.ExportTunnel(ctx, tunnelName)
	if err != nil {
		return nil, fmt.Errorf("export %s: %w", tunnelName, err)
	}
	dumpData, err := json.Marshal(dump)
	if err != nil {
		return nil, model.Internal("encode store dump", err)
	}

	prefix := tunnelName + "_" + ts
	files := map[string][]byte{
		prefix + ".conf":  confData,
		prefix + ".store": dumpData,
	}
	m := &Manifest{
		Version:   ManifestVersion,
		Tunnel:    tunnelName,
		Timestamp: now.Format(time.RFC3339),
	}

	scripts := e.hookScripts(tunnelName, &conf.Interface)
	if len(scripts) > 0 {
		m.Scripts = map[string]string{}
		contents := map[string]string{}
		counts := map[string]int{}
		for _, s := range scripts {
			data, err := os.ReadFile(filepath.Join(e.scriptsPath, s.rel))
			if err != nil {
				return nil, fmt.Errorf("read script %s: %w", s.rel, err)
			}
			counts[s.kind]++
			name := scriptsDir + "/" + s.kind + ".sh"
			if counts[s.kind] > 1 {
				name = fmt.Sprintf("%s/%s_%d.sh", scriptsDir, s.kind, counts[s.kind])
			} else {
				contents[s.kind+"_script"] = string(data)
			}
			files[name] = data
			m.Scripts[name] = filepath.ToSlash(s.rel)
		}
		iptables, err := json.MarshalIndent(contents, "", "  ")
		if err != nil {
			return nil, model.Internal("encode scripts", err)
		}
		files[prefix+"_iptables.json"] = iptables
	}

	names := make([]string, 0, len(files)+1)
	for name, data := range files {
		p := filepath.Join(stage, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
			return nil, err
		}
		if err := os.WriteFile(p, data, 0o600); err != nil {
			return nil, fmt.Errorf("stage %s: %w", name, err)
		}
		names = append(names, name)
	}
	sort.Strings(names)
	if err := m.seal(stage, names); err != nil {
		return nil, err
	}
	if err := m.write(stage); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}
	names = append(names, ManifestName)

	destDir := filepath.Join(e.backupPath, tunnelName)
	if err := os.MkdirAll(destDir, 0o700); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}
	filename := archiveName(tunnelName, now)
	dest := filepath.Join(destDir, filename)
	partial := filepath.Join(stage, filename)
	if err := e.archiver.Create(ctx, stage, names, partial); err != nil {
		return nil, err
	}
	if err := os.Rename(partial, dest); err != nil {
		// The staging dir may be on another filesystem.
		data, rerr := os.ReadFile(partial)
		if rerr != nil {
			return nil, fmt.Errorf("move archive: %w", err)
		}
		if err := wgconf.WriteAtomic(dest, data, 0o600); err != nil {
			return nil, fmt.Errorf("move archive: %w", err)
		}
	}
	st, err := os.Stat(dest)
	if err != nil {
		return nil, err
	}

	info := &model.BackupInfo{
		Tunnel:    tunnelName,
		Filename:  filename,
		Path:      dest,
		SizeBytes: st.Size(),
		CreatedAt: now,
		Checksum:  m.Checksum,
	}
	e.logger.Info().Str("tunnel", tunnelName).Str("file", filename).Int64("bytes", info.SizeBytes).
		Int("scripts", len(scripts)).Msg("backup created")

	if e.offsite != nil {
		if err := e.offsite.Upload(ctx, tunnelName, dest); err != nil {
			e.logger.Warn().Err(err).Str("tunnel", tunnelName).Str("file", filename).Msg("offsite upload failed, local archive kept")
		}
	}
	return info, nil
}

// List returns the archives of one tunnel, newest first.
func (e *Engine) List(tunnelName string) ([]model.BackupInfo, error) {
	if !model.ValidTunnelName(tunnelName) {
		return nil, model.Invalid("list backups", "invalid tunnel name %q", tunnelName)
	}
	dir := filepath.Join(e.backupPath, tunnelName)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	var out []model.BackupInfo
	for _, ent := range entries {
		at, ok := parseArchiveName(tunnelName, ent.Name())
		if !ok || !ent.Type().IsRegular() {
			continue
		}
		fi, err := ent.Info()
		if err != nil {
			continue
		}
		out = append(out, model.BackupInfo{
			Tunnel:    tunnelName,
			Filename:  ent.Name(),
			Path:      filepath.Join(dir, ent.Name()),
			SizeBytes: fi.Size(),
			CreatedAt: at,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Verify extracts an archive and checks it against its manifest.
func (e *Engine) Verify(ctx context.Context, path string) (*Manifest, error) {
	dir, err := os.MkdirTemp("", "wiregate-verify-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)
	return e.extract(ctx, path, dir)
}

func (e *Engine) extract(ctx context.Context, path, dir string) (*Manifest, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("backup %s: %w", filepath.Base(path), model.ErrNotFound)
		}
		return nil, err
	}
	if err := e.archiver.Extract(ctx, path, dir); err != nil {
		return nil, err
	}
	return readManifest(dir)
}

// restorePlan is the verified content of an archive.
type restorePlan struct {
	conf    []byte
	dump    *store.TunnelDump
	scripts map[string][]byte // relative path under the scripts dir
}

func (e *Engine) plan(dir, tunnelName string, m *Manifest) (*restorePlan, error) {
	if m.Tunnel != tunnelName {
		return nil, model.Invalid("restore backup", "archive belongs to %s, not %s", m.Tunnel, tunnelName)
	}
	p := &restorePlan{scripts: map[string][]byte{}}
	for name := range m.Files {
		switch {
		case strings.HasSuffix(name, ".conf") && !strings.Contains(name, "/"):
			data, err := os.ReadFile(filepath.Join(dir, name))
			if err != nil {
				return nil, err
			}
			if _, err := wgconf.Parse(bytes.NewReader(data)); err != nil {
				return nil, model.Integrity("restore backup", "archived configuration is invalid: %v", err)
			}
			p.conf = data
		case strings.HasSuffix(name, ".store") && !strings.Contains(name, "/"):
			data, err := os.ReadFile(filepath.Join(dir, name))
			if err != nil {
				return nil, err
			}
			var dump store.TunnelDump
			if err := json.Unmarshal(data, &dump); err != nil {
				return nil, model.Integrity("restore backup", "archived store dump is invalid: %v", err)
			}
			dump.Tunnel = tunnelName
			p.dump = &dump
		}
	}
	if p.conf == nil || p.dump == nil {
		return nil, model.Integrity("restore backup", "archive lacks the configuration or the store dump")
	}
	for archived, rel := range m.Scripts {
		rel = filepath.Clean(filepath.FromSlash(rel))
		if !filepath.IsLocal(rel) {
			return nil, model.Integrity("restore backup", "script path %q escapes the scripts dir", rel)
		}
		data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(archived)))
		if err != nil {
			return nil, err
		}
		p.scripts[rel] = data
	}
	return p, nil
}

// Restore replaces a tunnel's configuration, peer tables and scripts with
// the content of one of its archives. The tunnel is taken down for the
// swap and brought back up if it was running. On failure nothing changes.
func (e *Engine) Restore(ctx context.Context, tunnelName, filename string) error {
	path, err := e.archivePath(tunnelName, filename)
	if err != nil {
		return err
	}
	c, err := e.tunnels.Get(tunnelName)
	if err != nil {
		return err
	}

	dir, err := os.MkdirTemp("", "wiregate-restore-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)
	m, err := e.extract(ctx, path, dir)
	if err != nil {
		return err
	}
	p, err := e.plan(dir, tunnelName, m)
	if err != nil {
		return err
	}

	err = c.Replace(ctx, func(ctx context.Context) error {
		return e.swap(ctx, c.ConfPath(), tunnelName, p)
	})
	if err != nil {
		return fmt.Errorf("restore %s from %s: %w", tunnelName, filename, err)
	}
	e.logger.Info().Str("tunnel", tunnelName).Str("file", filename).Int("scripts", len(p.scripts)).Msg("backup restored")
	return nil
}

// swap stages every file, imports the dump, then renames the files into
// place. Any failure undoes what was done so far.
func (e *Engine) swap(ctx context.Context, confPath, tunnelName string, p *restorePlan) (err error) {
	type staged struct {
		tmp, dest string
		mode      os.FileMode
	}
	var files []staged
	defer func() {
		if err != nil {
			for _, f := range files {
				os.Remove(f.tmp)
			}
		}
	}()

	files = append(files, staged{tmp: confPath + ".restore.tmp", dest: confPath, mode: 0o600})
	if err := os.WriteFile(files[0].tmp, p.conf, 0o600); err != nil {
		return fmt.Errorf("stage configuration: %w", err)
	}
	for rel, data := range p.scripts {
		dest := filepath.Join(e.scriptsPath, rel)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return fmt.Errorf("create scripts dir: %w", err)
		}
		tmp := dest + ".restore.tmp"
		files = append(files, staged{tmp: tmp, dest: dest, mode: 0o755})
		if err := os.WriteFile(tmp, data, 0o755); err != nil {
			return fmt.Errorf("stage script %s: %w", rel, err)
		}
		if err := os.Chmod(tmp, 0o755); err != nil {
			return err
		}
	}

	prev, err := e.store.ExportTunnel(ctx, tunnelName)
	if err != nil {
		return fmt.Errorf("export current tables: %w", err)
	}
	if err := e.store.ImportTunnel(ctx, tunnelName, p.dump); err != nil {
		return fmt.Errorf("import tables: %w", err)
	}

	// Originals are kept in memory so a failed rename can put them back.
	originals := make(map[string][]byte, len(files))
	for _, f := range files {
		if data, rerr := os.ReadFile(f.dest); rerr == nil {
			originals[f.dest] = data
		}
	}
	var moved []staged
	for _, f := range files {
		if err = os.Rename(f.tmp, f.dest); err != nil {
			err = fmt.Errorf("move %s into place: %w", filepath.Base(f.dest), err)
			break
		}
		moved = append(moved, f)
	}
	if err == nil {
		return nil
	}

	uctx := context.WithoutCancel(ctx)
	if ierr := e.store.ImportTunnel(uctx, tunnelName, prev); ierr != nil {
		e.logger.Error().Err(ierr).Str("tunnel", tunnelName).Msg("cleanup: restoring previous tables failed")
	}
	for _, f := range moved {
		if data, ok := originals[f.dest]; ok {
			if werr := wgconf.WriteAtomic(f.dest, data, f.mode); werr != nil {
				e.logger.Error().Err(werr).Str("file", f.dest).Msg("cleanup: restoring previous file failed")
			}
		} else {
			os.Remove(f.dest)
		}
	}
	return err
}

// Fetch downloads an offsite archive into the local backup dir and verifies
// it, so it can be restored like a local one.
func (e *Engine) Fetch(ctx context.Context, tunnelName, filename string) (*model.BackupInfo, error) {
	if e.offsite == nil {
		return nil, model.Invalid("fetch backup", "no offsite storage configured")
	}
	path, err := e.archivePath(tunnelName, filename)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if err := e.offsite.Fetch(ctx, tunnelName, filename, path); err != nil {
		return nil, err
	}
	m, err := e.Verify(ctx, path)
	if err != nil {
		os.Remove(path)
		return nil, err
	}
	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	at, _ := parseArchiveName(tunnelName, filename)
	return &model.BackupInfo{
		Tunnel:    tunnelName,
		Filename:  filename,
		Path:      path,
		SizeBytes: st.Size(),
		CreatedAt: at,
		Checksum:  m.Checksum,
	}, nil
}

// ListOffsite returns the archive names held offsite for a tunnel.
func (e *Engine) ListOffsite(ctx context.Context, tunnelName string) ([]string, error) {
	if e.offsite == nil {
		return nil, nil
	}
	return e.offsite.List(ctx, tunnelName)
}

// Delete removes one archive.
func (e *Engine) Delete(tunnelName, filename string) error {
	path, err := e.archivePath(tunnelName, filename)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("backup %s: %w", filename, model.ErrNotFound)
		}
		return fmt.Errorf("delete backup: %w", err)
	}
	e.logger.Info().Str("tunnel", tunnelName).Str("file", filename).Msg("backup deleted")
	return nil
}
