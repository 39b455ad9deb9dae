package source

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	git "github.com/go-git/go-git/v5"
	"go.uber.org/zap"
)

// fromGit shallow-clones the repository into a temp directory, applies the
// same size and entry caps as the zip path, and builds the checkout.
func (r *Resolver) fromGit(ctx context.Context, url, jobID string) (string, error) {
	dir, err := os.MkdirTemp("", "mlsec-clone-")
	if err != nil {
		return "", fmt.Errorf("create clone dir: %w", err)
	}
	defer os.RemoveAll(dir)

	r.log.Info("cloning repository", zap.String("url", url))
	_, err = git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL:          url,
		Depth:        1,
		SingleBranch: true,
	})
	if err != nil {
		return "", fmt.Errorf("clone %s: %w", url, err)
	}

	if err := checkTreeBudget(dir); err != nil {
		return "", err
	}
	return r.build(ctx, dir, jobID)
}

// checkTreeBudget walks the checkout, skipping .git, and enforces the file
// count and total size caps before anything reaches the builder.
func checkTreeBudget(root string) error {
	var entries int
	var total int64
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		entries++
		if entries > maxContextEntries {
			return fmt.Errorf("%w: repository has more than %d files", ErrBadSource, maxContextEntries)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		if total > maxContextBytes {
			return fmt.Errorf("%w: repository exceeds %d GB", ErrBadSource, maxContextBytes>>30)
		}
		return nil
	})
}
