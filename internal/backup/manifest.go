package backup

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/wiregate/wiregate/internal/model"
)

// ManifestName is the manifest's file name inside every archive.
const ManifestName = "wiregate_manifest.json"

// ManifestVersion is written into new manifests.
const ManifestVersion = "2"

// Manifest lists every file in an archive with its SHA-256.
type Manifest struct {
	Version   string            `json:"version"`
	Tunnel    string            `json:"configuration"`
	Timestamp string            `json:"timestamp"`
	Files     map[string]string `json:"file_checksums"`
	// Scripts maps archived scripts to their path under the scripts dir.
	Scripts  map[string]string `json:"scripts,omitempty"`
	Checksum string            `json:"combined_checksum"`
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// combinedChecksum hashes the sorted "path:hex\n" lines of files.
func combinedChecksum(files map[string]string) string {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	slices.Sort(names)
	h := sha256.New()
	for _, name := range names {
		fmt.Fprintf(h, "%s:%s\n", name, files[name])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// seal hashes files under dir and fills in Files and Checksum.
func (m *Manifest) seal(dir string, files []string) error {
	m.Files = make(map[string]string, len(files))
	for _, name := range files {
		sum, err := hashFile(filepath.Join(dir, filepath.FromSlash(name)))
		if err != nil {
			return fmt.Errorf("hash %s: %w", name, err)
		}
		m.Files[name] = sum
	}
	m.Checksum = combinedChecksum(m.Files)
	return nil
}

func (m *Manifest) write(dir string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, ManifestName), data, 0o600)
}

// readManifest loads and checks the manifest of an extracted archive. Every
// listed file must be present with a matching hash, and no unlisted file
// may be present.
func readManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		return nil, model.Integrity("verify backup", "manifest missing: %v", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, model.Integrity("verify backup", "manifest unreadable: %v", err)
	}
	if len(m.Files) == 0 {
		return nil, model.Integrity("verify backup", "manifest lists no files")
	}

	for name, want := range m.Files {
		if !filepath.IsLocal(filepath.FromSlash(name)) {
			return nil, model.Integrity("verify backup", "manifest path %q escapes the archive", name)
		}
		got, err := hashFile(filepath.Join(dir, filepath.FromSlash(name)))
		if err != nil {
			return nil, model.Integrity("verify backup", "%s listed but unreadable: %v", name, err)
		}
		if got != want {
			return nil, model.Integrity("verify backup", "checksum mismatch for %s", name)
		}
	}
	if got := combinedChecksum(m.Files); got != m.Checksum {
		return nil, model.Integrity("verify backup", "combined checksum mismatch")
	}

	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == ManifestName {
			return nil
		}
		if _, ok := m.Files[rel]; !ok {
			return model.Integrity("verify backup", "%s is not listed in the manifest", rel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for archived := range m.Scripts {
		if _, ok := m.Files[archived]; !ok || !strings.HasPrefix(archived, scriptsDir+"/") {
			return nil, model.Integrity("verify backup", "script %s is not an archived file", archived)
		}
	}
	return &m, nil
}
