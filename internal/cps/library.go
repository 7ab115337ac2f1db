package cps

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/wiregate/wiregate/internal/model"
	"github.com/wiregate/wiregate/internal/wgconf"
)

const (
	indexName    = "patterns.json"
	indexVersion = "1.0"
)

// Stats counts the catalogue per protocol.
type Stats struct {
	Total      int            `json:"total_patterns"`
	ByProtocol map[string]int `json:"by_protocol"`
}

type index struct {
	Version  string             `json:"version"`
	Created  time.Time          `json:"created"`
	Patterns []model.CPSPattern `json:"patterns"`
	Stats    Stats              `json:"statistics"`
}

// Library is the on-disk pattern catalogue: patterns.json holds the index and
// every pattern is mirrored to <protocol>/<id>.json.
type Library struct {
	dir    string
	logger zerolog.Logger
	now    func() time.Time

	mu sync.Mutex
}

// OpenLibrary creates dir and its protocol subdirectories if needed.
func OpenLibrary(dir string, logger zerolog.Logger) (*Library, error) {
	for _, p := range model.CPSProtocols {
		if err := os.MkdirAll(filepath.Join(dir, p), 0o755); err != nil {
			return nil, fmt.Errorf("create cps library: %w", err)
		}
	}
	return &Library{
		dir:    dir,
		logger: logger.With().Str("component", "cps").Logger(),
		now:    time.Now,
	}, nil
}

// PatternID derives the stable id of a normalised pattern.
func PatternID(protocol, pattern string) string {
	sum := sha256.Sum256([]byte(protocol + "|" + pattern))
	return protocol + "_" + hex.EncodeToString(sum[:])[:8]
}

func validProtocol(p string) bool {
	return slices.Contains(model.CPSProtocols, p)
}

func (l *Library) read() (*index, error) {
	data, err := os.ReadFile(filepath.Join(l.dir, indexName))
	if errors.Is(err, os.ErrNotExist) {
		return &index{Version: indexVersion, Created: l.now().UTC(), Stats: Stats{ByProtocol: map[string]int{}}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cps index: %w", err)
	}
	var idx index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, model.Integrity("read cps index", "%s: %v", indexName, err)
	}
	return &idx, nil
}

func (l *Library) write(idx *index) error {
	idx.Stats = Stats{Total: len(idx.Patterns), ByProtocol: make(map[string]int, len(model.CPSProtocols))}
	for _, p := range model.CPSProtocols {
		idx.Stats.ByProtocol[p] = 0
	}
	for _, p := range idx.Patterns {
		idx.Stats.ByProtocol[p.Protocol]++
	}
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return model.Internal("encode cps index", err)
	}
	return wgconf.WriteAtomic(filepath.Join(l.dir, indexName), data, 0o644)
}

// Add validates, normalises and stores p. It reports false when a pattern
// with the same id or body is already present.
func (l *Library) Add(p model.CPSPattern) (model.CPSPattern, bool, error) {
	if !validProtocol(p.Protocol) {
		return p, false, model.Invalid("add cps pattern", "unknown protocol %q", p.Protocol)
	}
	norm, err := Normalize(p.CPSPattern)
	if err != nil {
		return p, false, err
	}
	p.CPSPattern = norm
	p.ID = PatternID(p.Protocol, norm)
	if p.Metadata == nil {
		p.Metadata = map[string]any{}
	}
	if _, ok := p.Metadata["capture_date"]; !ok {
		p.Metadata["capture_date"] = l.now().UTC().Format(time.RFC3339)
	}
	if _, ok := p.Metadata["source"]; !ok {
		p.Metadata["source"] = "captured"
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	idx, err := l.read()
	if err != nil {
		return p, false, err
	}
	for _, existing := range idx.Patterns {
		if existing.ID == p.ID || existing.CPSPattern == p.CPSPattern {
			return existing, false, nil
		}
	}

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return p, false, model.Internal("encode cps pattern", err)
	}
	if err := wgconf.WriteAtomic(filepath.Join(l.dir, p.Protocol, p.ID+".json"), data, 0o644); err != nil {
		return p, false, fmt.Errorf("write cps pattern: %w", err)
	}
	idx.Patterns = append(idx.Patterns, p)
	if err := l.write(idx); err != nil {
		return p, false, err
	}
	l.logger.Debug().Str("id", p.ID).Str("protocol", p.Protocol).Msg("cps pattern added")
	return p, true, nil
}

// Delete removes a pattern and its mirror file.
func (l *Library) Delete(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx, err := l.read()
	if err != nil {
		return err
	}
	i := slices.IndexFunc(idx.Patterns, func(p model.CPSPattern) bool { return p.ID == id })
	if i < 0 {
		return fmt.Errorf("cps pattern %s: %w", id, model.ErrNotFound)
	}
	gone := idx.Patterns[i]
	idx.Patterns = slices.Delete(idx.Patterns, i, i+1)
	if err := l.write(idx); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(l.dir, gone.Protocol, gone.ID+".json")); err != nil && !errors.Is(err, os.ErrNotExist) {
		l.logger.Warn().Err(err).Str("id", id).Msg("remove cps pattern file failed")
	}
	l.logger.Debug().Str("id", id).Msg("cps pattern deleted")
	return nil
}

// Load lists patterns, optionally for one protocol only.
func (l *Library) Load(protocol string) ([]model.CPSPattern, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx, err := l.read()
	if err != nil {
		return nil, err
	}
	if protocol == "" {
		return idx.Patterns, nil
	}
	var out []model.CPSPattern
	for _, p := range idx.Patterns {
		if p.Protocol == protocol {
			out = append(out, p)
		}
	}
	return out, nil
}

// Get returns one pattern by id.
func (l *Library) Get(id string) (*model.CPSPattern, error) {
	all, err := l.Load("")
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].ID == id {
			return &all[i], nil
		}
	}
	return nil, fmt.Errorf("cps pattern %s: %w", id, model.ErrNotFound)
}

// Random picks a pattern for protocol; ok is false when there is none.
func (l *Library) Random(protocol string, rng *rand.Rand) (string, bool, error) {
	ps, err := l.Load(protocol)
	if err != nil || len(ps) == 0 {
		return "", false, err
	}
	return ps[rng.IntN(len(ps))].CPSPattern, true, nil
}

// Statistics counts the stored patterns.
func (l *Library) Statistics() (Stats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx, err := l.read()
	if err != nil {
		return Stats{}, err
	}
	if idx.Stats.ByProtocol == nil {
		idx.Stats.ByProtocol = map[string]int{}
	}
	return idx.Stats, nil
}

// ImportResult tallies an import.
type ImportResult struct {
	Added      int `json:"success"`
	Duplicates int `json:"duplicates"`
	Failed     int `json:"failed"`
}

type seedFile struct {
	Patterns []model.CPSPattern `yaml:"patterns"`
}

// ImportYAML adds every pattern of a seed catalogue:
//
//	patterns:
//	  - protocol: dns
//	    cps_pattern: "<b 0x1234><rd 4>"
//
// Invalid entries are counted and skipped.
func (l *Library) ImportYAML(r io.Reader) (ImportResult, error) {
	var seed seedFile
	if err := yaml.NewDecoder(r).Decode(&seed); err != nil {
		return ImportResult{}, model.Invalid("import cps patterns", "decode yaml: %v", err)
	}
	var res ImportResult
	for _, p := range seed.Patterns {
		if p.Metadata == nil {
			p.Metadata = map[string]any{"source": "import"}
		}
		_, added, err := l.Add(p)
		switch {
		case errors.Is(err, model.ErrInvalidInput):
			res.Failed++
			l.logger.Warn().Err(err).Str("protocol", p.Protocol).Msg("skipping invalid cps pattern")
		case err != nil:
			return res, err
		case added:
			res.Added++
		default:
			res.Duplicates++
		}
	}
	l.logger.Info().Int("added", res.Added).Int("duplicates", res.Duplicates).Int("failed", res.Failed).Msg("cps patterns imported")
	return res, nil
}
