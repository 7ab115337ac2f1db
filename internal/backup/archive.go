package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/bodgit/sevenzip"

	"github.com/wiregate/wiregate/internal/executor"
	"github.com/wiregate/wiregate/internal/model"
)

// Archiver packs a staged directory into one file and unpacks it again.
type Archiver interface {
	// Create archives files, given relative to dir, into dest.
	Create(ctx context.Context, dir string, files []string, dest string) error
	// Extract unpacks archive into dir.
	Extract(ctx context.Context, archive, dir string) error
}

// SevenZip writes LZMA2 7z archives with the 7z tool and reads them in
// process.
type SevenZip struct {
	runner executor.Runner
}

func NewSevenZip(r executor.Runner) *SevenZip {
	return &SevenZip{runner: r}
}

func (z *SevenZip) Create(ctx context.Context, dir string, files []string, dest string) error {
	args := append([]string{"a", "-t7z", "-m0=lzma2", "-bd", "-y", dest}, files...)
	_, err := z.runner.Run(ctx, executor.Command{Name: "7z", Args: args, Dir: dir})
	if err != nil {
		return fmt.Errorf("create archive %s: %w", filepath.Base(dest), err)
	}
	return nil
}

func (z *SevenZip) Extract(ctx context.Context, archive, dir string) error {
	r, err := sevenzip.OpenReader(archive)
	if err != nil {
		return model.Integrity("extract archive", "open %s: %v", filepath.Base(archive), err)
	}
	defer r.Close()

	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := extractEntry(dir, f.Name, f.FileInfo().IsDir(), f.Open); err != nil {
			return err
		}
	}
	return nil
}

// extractEntry writes one archive entry below dir, refusing paths that
// would land outside it.
func extractEntry(dir, name string, isDir bool, open func() (io.ReadCloser, error)) error {
	rel := filepath.FromSlash(name)
	if !filepath.IsLocal(rel) {
		return model.Integrity("extract archive", "entry %q escapes the target directory", name)
	}
	target := filepath.Join(dir, rel)
	if isDir {
		return os.MkdirAll(target, 0o700)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
		return err
	}
	rc, err := open()
	if err != nil {
		return model.Integrity("extract archive", "open entry %s: %v", name, err)
	}
	defer rc.Close()
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return model.Integrity("extract archive", "read entry %s: %v", name, err)
	}
	return out.Close()
}
