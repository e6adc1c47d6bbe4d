package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/resline/dify-plugin-repackaging-sub000/internal/jobs"
)

const (
	requirementsName = "requirements.txt"
	wheelsDirName    = "wheels"

	// errTailBytes bounds how much tool output lands in the job error text.
	// Full output is still available as log events.
	errTailBytes = 512
)

// resolve downloads the plugin's Python dependencies as wheels for the target
// platform. Plugins without a requirements.txt skip the download but still get
// a wheels/ directory so the rewrite stage stays uniform.
func (r *run) resolve(ctx context.Context) error {
	pkgDir := filepath.Join(r.dir, pkgDirName)
	wheelsDir := filepath.Join(pkgDir, wheelsDirName)
	if err := os.MkdirAll(wheelsDir, 0o700); err != nil {
		return jobs.Wrap(jobs.CodeInternalError, "create wheels directory", err)
	}

	reqPath := filepath.Join(pkgDir, requirementsName)
	if _, err := os.Stat(reqPath); os.IsNotExist(err) {
		r.logLine(ctx, "no requirements.txt, skipping dependency download")
		return nil
	} else if err != nil {
		return jobs.Wrap(jobs.CodeInternalError, "stat requirements.txt", err)
	}

	args := []string{"download", "-r", requirementsName, "-d", wheelsDirName}
	if r.p.opts.MirrorURL != "" {
		args = append(args, "--index-url", r.p.opts.MirrorURL)
	}
	if r.job.Platform != "" {
		args = append(args, "--platform", r.job.Platform, "--only-binary=:all:")
	}
	r.logLine(ctx, fmt.Sprintf("resolving dependencies for platform %q", r.platformLabel()))

	// pip reports no usable progress, so crawl the band one tick per
	// output line and let stage completion land the final jump.
	frac := 0.0
	res, err := r.p.runner.Run(ctx, Command{
		Path: r.p.opts.PipPath,
		Args: args,
		Dir:  pkgDir,
	}, func(line string) {
		r.logLine(ctx, line)
		if frac < 0.95 {
			frac += 0.01
			r.tick(ctx, frac)
		}
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return jobs.Wrap(jobs.CodeDependencyResolutionFailed, "run pip", err)
	}
	if res.ExitCode != 0 {
		msg := fmt.Sprintf("pip download exited with code %d", res.ExitCode)
		if tail := truncate(res.Tail, errTailBytes); tail != "" {
			msg = fmt.Sprintf("%s: %s", msg, tail)
		}
		// Mirror hiccups dominate pip failures; retries are bounded by
		// the worker, so persistent breakage still lands in failed.
		return jobs.E(jobs.CodeDependencyResolutionFailed, msg).Retryable()
	}

	n, _ := countWheels(wheelsDir)
	r.logLine(ctx, fmt.Sprintf("downloaded %d wheel(s) in %s", n, res.Duration.Round(10*time.Millisecond)))
	return nil
}

func (r *run) platformLabel() string {
	if r.job.Platform == "" {
		return "host-native"
	}
	return r.job.Platform
}

func countWheels(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() {
			n++
		}
	}
	return n, nil
}
