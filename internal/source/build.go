package source

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	buildtypes "github.com/docker/docker/api/types/build"
	"github.com/docker/docker/pkg/jsonmessage"
	"go.uber.org/zap"
)

// build tars the context directory and asks the daemon to build it. Caching
// and parent pulls are always off so a submission cannot poison or depend on
// daemon state; build networking follows configuration.
func (r *Resolver) build(ctx context.Context, dir, jobID string) (string, error) {
	if _, err := os.Stat(filepath.Join(dir, "Dockerfile")); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: no Dockerfile at the context root", ErrBadSource)
		}
		return "", fmt.Errorf("stat Dockerfile: %w", err)
	}

	tag := "mlsec-defense-build:" + jobID
	opts := buildtypes.ImageBuildOptions{
		Tags:        []string{tag},
		Dockerfile:  "Dockerfile",
		NoCache:     true,
		PullParent:  false,
		Remove:      true,
		ForceRemove: true,
	}
	if r.cfg.NetworkDisabled {
		opts.NetworkMode = "none"
	}

	r.log.Info("building image", zap.String("tag", tag))
	bctx := tarDirectory(dir)
	defer bctx.Close()

	resp, err := r.docker.ImageBuild(ctx, bctx, opts)
	if err != nil {
		return "", fmt.Errorf("build %s: %w", tag, err)
	}
	defer resp.Body.Close()

	// The build streams progress as JSON messages; failures are carried
	// in-stream rather than as a transport error.
	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, io.Discard, 0, false, nil); err != nil {
		return "", fmt.Errorf("build %s: %w", tag, err)
	}
	return tag, nil
}

// tarDirectory streams dir as a tar archive. Entry names are relative to dir
// so the Dockerfile sits at the root of the build context.
func tarDirectory(root string) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		tw := tar.NewWriter(pw)
		err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(root, p)
			if err != nil {
				return err
			}
			if rel == "." {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}

			var link string
			if info.Mode()&fs.ModeSymlink != 0 {
				if link, err = os.Readlink(p); err != nil {
					return err
				}
			}
			hdr, err := tar.FileInfoHeader(info, link)
			if err != nil {
				return err
			}
			hdr.Name = filepath.ToSlash(rel)
			if info.IsDir() {
				hdr.Name += "/"
			}
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}

			if !info.Mode().IsRegular() {
				return nil
			}
			f, err := os.Open(p)
			if err != nil {
				return err
			}
			defer f.Close()
			_, err = io.Copy(tw, f)
			return err
		})
		if cerr := tw.Close(); err == nil {
			err = cerr
		}
		pw.CloseWithError(err)
	}()
	return pr
}
