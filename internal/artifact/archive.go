// Package artifact packages a built source tree and uploads it to object
// storage so the deployment provider can fetch it.
package artifact

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// Archive is a gzipped tarball on local disk.
type Archive struct {
	Path   string
	Digest string // "sha256:<hex>" of the compressed bytes
	Size   int64
	Files  int
}

// Remove deletes the archive file.
func (a *Archive) Remove() error {
	return os.Remove(a.Path)
}

var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
}

// Create writes dir to a temporary .tar.gz, skipping .git, node_modules and
// .env files. Entry order follows filepath.WalkDir, so equal trees produce
// equal digests apart from modification times.
func Create(ctx context.Context, dir string) (*Archive, error) {
	f, err := os.CreateTemp("", "handoff-source-*.tar.gz")
	if err != nil {
		return nil, fmt.Errorf("create archive file: %w", err)
	}
	a := &Archive{Path: f.Name()}

	hash := sha256.New()
	gz := gzip.NewWriter(io.MultiWriter(f, hash))
	tw := tar.NewWriter(gz)

	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil || rel == "." {
			return err
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || d.Name() == ".env" {
			return nil
		}
		if err := addFile(tw, path, filepath.ToSlash(rel)); err != nil {
			return err
		}
		a.Files++
		return nil
	})

	closeErr := firstErr(tw.Close(), gz.Close())
	if err := firstErr(walkErr, closeErr, f.Close()); err != nil {
		os.Remove(a.Path)
		return nil, fmt.Errorf("archive %s: %w", dir, err)
	}

	info, err := os.Stat(a.Path)
	if err != nil {
		return nil, fmt.Errorf("stat archive: %w", err)
	}
	a.Size = info.Size()
	a.Digest = "sha256:" + hex.EncodeToString(hash.Sum(nil))
	return a, nil
}

func addFile(tw *tar.Writer, path, name string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = name
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()
	_, err = io.Copy(tw, src)
	return err
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
