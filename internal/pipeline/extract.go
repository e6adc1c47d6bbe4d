package pipeline

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/resline/dify-plugin-repackaging-sub000/internal/jobs"
)

const (
	// pkgDirName is the extracted package tree inside the workspace. The
	// repack stage archives exactly this directory.
	pkgDirName   = "pkg"
	manifestName = "manifest.yaml"

	// extractSizeFactor bounds the total uncompressed size relative to the
	// download cap, so a small archive cannot expand without limit.
	extractSizeFactor = 4
)

// extract unpacks input.difypkg into pkg/ and reads the plugin manifest.
// The manifest must sit at the archive root; packages without one are not
// repackagable.
func (r *run) extract(ctx context.Context) error {
	src := filepath.Join(r.dir, inputName)
	pkgDir := filepath.Join(r.dir, pkgDirName)

	maxBytes := extractSizeFactor * r.p.opts.MaxDownloadBytes
	if err := unzip(ctx, src, pkgDir, maxBytes, func(done, total int) {
		r.tick(ctx, float64(done)/float64(total))
	}); err != nil {
		return err
	}

	meta, stem, err := r.inspect()
	if err != nil {
		return err
	}
	r.meta = meta
	r.stem = stem
	r.logLine(ctx, fmt.Sprintf("plugin %s %s by %s", meta.Name, meta.Version, meta.Author))

	return r.update(ctx, jobs.Patch{Metadata: meta})
}

// inspect parses pkg/manifest.yaml and settles the output filename stem.
// URL and upload jobs keep the source filename's stem; marketplace jobs take
// the manifest's name and version.
func (r *run) inspect() (*jobs.PluginMetadata, string, error) {
	data, err := os.ReadFile(filepath.Join(r.dir, pkgDirName, manifestName))
	if os.IsNotExist(err) {
		return nil, "", jobs.E(jobs.CodeInvalidPackage, "package has no manifest.yaml")
	}
	if err != nil {
		return nil, "", jobs.Wrap(jobs.CodeInternalError, "read manifest.yaml", err)
	}
	meta, err := parseManifest(data)
	if err != nil {
		return nil, "", err
	}
	stem := r.job.Origin.Stem()
	if r.job.Origin.Kind == jobs.OriginMarketplace {
		stem = fmt.Sprintf("%s-%s", meta.Name, meta.Version)
	}
	return meta, stem, nil
}

// unzip extracts src into dstDir, refusing entries that would land outside
// dstDir, entries that are not regular files or directories, and archives
// whose uncompressed size exceeds maxBytes.
func unzip(ctx context.Context, src, dstDir string, maxBytes int64, onProgress func(done, total int)) error {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return jobs.Wrap(jobs.CodeInvalidPackage, "package is not a valid archive", err)
	}
	defer zr.Close()

	if err := os.MkdirAll(dstDir, 0o700); err != nil {
		return jobs.Wrap(jobs.CodeInternalError, "create package directory", err)
	}

	var written int64
	for i, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := extractEntry(f, dstDir, maxBytes, &written); err != nil {
			return err
		}
		if onProgress != nil {
			onProgress(i+1, len(zr.File))
		}
	}
	return nil
}

func extractEntry(f *zip.File, dstDir string, maxBytes int64, written *int64) error {
	name := filepath.FromSlash(f.Name)
	if filepath.IsAbs(name) {
		return jobs.Ef(jobs.CodeInvalidPackage, "archive entry %q has an absolute path", f.Name)
	}
	target := filepath.Join(dstDir, name)
	if target != dstDir && !strings.HasPrefix(target, dstDir+string(os.PathSeparator)) {
		return jobs.Ef(jobs.CodeInvalidPackage, "archive entry %q escapes the package directory", f.Name)
	}

	mode := f.Mode()
	if mode.IsDir() {
		if err := os.MkdirAll(target, 0o700); err != nil {
			return jobs.Wrap(jobs.CodeInternalError, "create archive directory", err)
		}
		return nil
	}
	if mode&os.ModeType != 0 {
		// Symlinks and devices have no business inside a plugin package.
		return jobs.Ef(jobs.CodeInvalidPackage, "archive entry %q is not a regular file", f.Name)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
		return jobs.Wrap(jobs.CodeInternalError, "create archive directory", err)
	}
	rc, err := f.Open()
	if err != nil {
		return jobs.Wrap(jobs.CodeInvalidPackage, fmt.Sprintf("open archive entry %q", f.Name), err)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return jobs.Wrap(jobs.CodeInternalError, "create extracted file", err)
	}
	n, err := io.Copy(out, io.LimitReader(rc, maxBytes-*written+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	*written += n
	if err != nil {
		return jobs.Wrap(jobs.CodeInvalidPackage, fmt.Sprintf("extract archive entry %q", f.Name), err)
	}
	if *written > maxBytes {
		return jobs.Ef(jobs.CodeInvalidPackage, "archive expands past the %d byte cap", maxBytes)
	}
	return nil
}
