package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/resline/dify-plugin-repackaging-sub000/internal/artifacts"
	"github.com/resline/dify-plugin-repackaging-sub000/internal/jobs"
)

// repack archives pkg/ into <stem>-<suffix>.difypkg with the plugin packager
// and publishes the result into the output root.
func (r *run) repack(ctx context.Context) error {
	outName := r.outputName()
	r.logLine(ctx, "packaging "+outName)

	res, err := r.p.runner.Run(ctx, Command{
		Path: r.p.opts.PackagerPath,
		Args: []string{"plugin", "package", pkgDirName, "-o", outName},
		Dir:  r.dir,
	}, func(line string) {
		r.logLine(ctx, line)
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return jobs.Wrap(jobs.CodePackagingFailed, "run packager", err)
	}
	if res.ExitCode != 0 {
		msg := fmt.Sprintf("packager exited with code %d", res.ExitCode)
		if tail := truncate(res.Tail, errTailBytes); tail != "" {
			msg = fmt.Sprintf("%s: %s", msg, tail)
		}
		return jobs.E(jobs.CodePackagingFailed, msg)
	}

	outPath := filepath.Join(r.dir, outName)
	if _, err := os.Stat(outPath); err != nil {
		return jobs.E(jobs.CodePackagingFailed, "packager exited 0 but produced no archive")
	}

	desc, err := r.p.files.PublishOutput(r.job.ID, outPath, outName)
	if err != nil {
		if errors.Is(err, artifacts.ErrUnsafePath) {
			return jobs.E(jobs.CodeInvalidPackage, "plugin name produces an unsafe output filename")
		}
		return jobs.Wrap(jobs.CodeInternalError, "publish output", err)
	}
	r.output = desc
	r.logLine(ctx, fmt.Sprintf("published %s (%d bytes)", desc.Filename, desc.SizeBytes))
	return nil
}

// outputName is the artifact filename: source stem, requested suffix, the
// .difypkg extension back on.
func (r *run) outputName() string {
	return fmt.Sprintf("%s-%s.difypkg", r.stem, r.job.Suffix)
}
