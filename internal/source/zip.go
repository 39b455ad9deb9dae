package source

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// fromArchive downloads the uploaded build context, validates every entry
// before extracting anything, extracts into a temp directory, and builds.
func (r *Resolver) fromArchive(ctx context.Context, key, jobID string) (string, error) {
	tmp, err := os.CreateTemp("", "mlsec-archive-*.zip")
	if err != nil {
		return "", fmt.Errorf("create archive file: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	size, err := r.blobs.DownloadTo(ctx, key, tmp)
	if err != nil {
		return "", fmt.Errorf("download archive %s: %w", key, err)
	}
	if limit := r.cfg.MaxZipSizeMB << 20; size > limit {
		return "", fmt.Errorf("%w: archive is %d MB, limit is %d MB", ErrBadSource, size>>20, r.cfg.MaxZipSizeMB)
	}
	r.log.Info("archive downloaded", zap.String("key", key), zap.Int64("bytes", size))

	zr, err := zip.OpenReader(tmp.Name())
	if err != nil {
		return "", fmt.Errorf("%w: open archive: %v", ErrBadSource, err)
	}
	defer zr.Close()

	if err := validateArchive(&zr.Reader); err != nil {
		return "", err
	}

	dir, err := os.MkdirTemp("", "mlsec-context-")
	if err != nil {
		return "", fmt.Errorf("create context dir: %w", err)
	}
	defer os.RemoveAll(dir)

	if err := extractArchive(&zr.Reader, dir); err != nil {
		return "", err
	}
	return r.build(ctx, dir, jobID)
}

// validateArchive rejects the whole archive before a single byte is written:
// too many entries, a declared uncompressed size past the cap, symlinks, and
// entry names that are absolute or climb out of the extraction root.
func validateArchive(zr *zip.Reader) error {
	if len(zr.File) > maxContextEntries {
		return fmt.Errorf("%w: archive has %d entries, limit is %d", ErrBadSource, len(zr.File), maxContextEntries)
	}
	var total uint64
	for _, f := range zr.File {
		if err := checkEntryName(f.Name); err != nil {
			return err
		}
		if f.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("%w: archive entry %q is a symlink", ErrBadSource, f.Name)
		}
		total += f.UncompressedSize64
		if total > maxContextBytes {
			return fmt.Errorf("%w: archive decompresses past the %d GB limit", ErrBadSource, maxContextBytes>>30)
		}
	}
	return nil
}

func checkEntryName(name string) error {
	// Zip entry names use forward slashes, but hostile archives may smuggle
	// backslash separators; normalise before judging.
	slashed := strings.ReplaceAll(name, `\`, "/")
	if path.IsAbs(slashed) {
		return fmt.Errorf("%w: archive entry %q has an absolute path", ErrBadSource, name)
	}
	clean := path.Clean(slashed)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("%w: archive entry %q escapes the extraction root", ErrBadSource, name)
	}
	return nil
}

func extractArchive(zr *zip.Reader, root string) error {
	for _, f := range zr.File {
		if err := extractEntry(f, root); err != nil {
			return err
		}
	}
	return nil
}

func extractEntry(f *zip.File, root string) error {
	dst := filepath.Join(root, filepath.FromSlash(strings.ReplaceAll(f.Name, `\`, "/")))
	// Containment re-check after joining; validateArchive already ran, this
	// guards against anything Clean semantics let through.
	if dst != root && !strings.HasPrefix(dst, root+string(os.PathSeparator)) {
		return fmt.Errorf("%w: archive entry %q escapes the extraction root", ErrBadSource, f.Name)
	}

	if f.FileInfo().IsDir() {
		return os.MkdirAll(dst, 0o755)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("extract %s: %w", f.Name, err)
	}

	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("extract %s: %w", f.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode().Perm()|0o400)
	if err != nil {
		return fmt.Errorf("extract %s: %w", f.Name, err)
	}
	defer out.Close()

	// A header may lie about its uncompressed size; copy at most one byte
	// past the declared size and reject if it shows up.
	declared := int64(f.UncompressedSize64)
	written, err := io.Copy(out, io.LimitReader(rc, declared+1))
	if err != nil {
		return fmt.Errorf("extract %s: %w", f.Name, err)
	}
	if written > declared {
		return fmt.Errorf("%w: archive entry %q is larger than its declared size", ErrBadSource, f.Name)
	}
	return nil
}
