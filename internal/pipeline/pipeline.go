// Package pipeline executes the repackaging sequence for one job: fetch the
// source package, extract and inspect it, resolve Python wheels for the
// target platform, rewrite the package for offline install, repack it and
// publish the artifact.
//
// # Design
//
//   - Stages run in a fixed order, each inside its own deadline, each
//     spanning a fixed progress band. Status and progress flow through the
//     job store, which publishes events; raw tool output is published
//     directly as log events.
//   - Every finished stage drops a <stage>.done marker in the workspace. A
//     re-invoked job skips stages whose markers and artifacts are intact, so
//     a crash or retry resumes from the earliest unfinished stage.
//   - Cancellation arrives through the context. Subprocesses are killed by
//     process group; the store refuses updates once the job is terminal, so
//     a concurrent cancel surfaces as ErrInvalidState even between polls.
package pipeline

import (
	"context"
	"errors"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/resline/dify-plugin-repackaging-sub000/internal/artifacts"
	"github.com/resline/dify-plugin-repackaging-sub000/internal/jobs"
	"github.com/resline/dify-plugin-repackaging-sub000/internal/jobstore"
	"github.com/resline/dify-plugin-repackaging-sub000/internal/metrics"
)

// Options configures pipeline behavior. Zero values fall back to the
// defaults below.
type Options struct {
	// MarketplaceBase is the marketplace URL origin downloads are composed
	// against.
	MarketplaceBase string
	// MirrorURL overrides pip's package index when set.
	MirrorURL string
	// PipPath is the pip executable.
	PipPath string
	// PackagerPath is the dify plugin packager executable.
	PackagerPath string

	MaxDownloadBytes int64
	DownloadTimeout  time.Duration
	StageTimeout     time.Duration
	KillGrace        time.Duration
	// MaxLogEvents caps log events per run; one truncation notice is
	// published when the cap is hit.
	MaxLogEvents int

	// HTTPClient overrides the redirect-capped default, for tests.
	HTTPClient *http.Client
}

const (
	defaultMaxDownloadBytes = 500 << 20
	defaultDownloadTimeout  = 10 * time.Minute
	defaultStageTimeout     = 15 * time.Minute
	defaultMaxLogEvents     = 512
)

// Pipeline is safe for concurrent Run calls; all per-job state lives in the
// run struct.
type Pipeline struct {
	store  jobstore.Store
	pub    jobstore.Publisher
	files  *artifacts.Store
	runner *Runner
	client *http.Client
	log    *zap.Logger
	opts   Options
}

// New wires a pipeline. pub receives log events; status events travel through
// the store's own publisher.
func New(store jobstore.Store, pub jobstore.Publisher, files *artifacts.Store, logger *zap.Logger, opts Options) *Pipeline {
	if opts.MaxDownloadBytes <= 0 {
		opts.MaxDownloadBytes = defaultMaxDownloadBytes
	}
	if opts.DownloadTimeout <= 0 {
		opts.DownloadTimeout = defaultDownloadTimeout
	}
	if opts.StageTimeout <= 0 {
		opts.StageTimeout = defaultStageTimeout
	}
	if opts.MaxLogEvents <= 0 {
		opts.MaxLogEvents = defaultMaxLogEvents
	}
	if opts.PipPath == "" {
		opts.PipPath = "pip"
	}
	if opts.PackagerPath == "" {
		opts.PackagerPath = "dify-plugin"
	}
	client := opts.HTTPClient
	if client == nil {
		client = newHTTPClient()
	}
	return &Pipeline{
		store:  store,
		pub:    pub,
		files:  files,
		runner: &Runner{KillGrace: opts.KillGrace},
		client: client,
		log:    logger,
		opts:   opts,
	}
}

// stageSpec binds a stage to its status, progress band and implementation.
type stageSpec struct {
	name   string
	status jobs.Status
	lo, hi float64
	fn     func(*run, context.Context) error
}

var stages = []stageSpec{
	{jobs.StageFetch, jobs.StatusDownloading, 0, 30, (*run).fetch},
	{jobs.StageExtract, jobs.StatusProcessing, 30, 40, (*run).extract},
	{jobs.StageResolve, jobs.StatusProcessing, 40, 80, (*run).resolve},
	{jobs.StageRewrite, jobs.StatusProcessing, 80, 90, (*run).rewrite},
	{jobs.StageRepack, jobs.StatusProcessing, 90, 98, (*run).repack},
	{jobs.StageFinalize, jobs.StatusProcessing, 98, 100, (*run).finalize},
}

// run is the per-job execution state.
type run struct {
	p   *Pipeline
	job *jobs.Job
	dir string

	cur stageSpec

	meta   *jobs.PluginMetadata
	stem   string
	output *jobs.OutputDescriptor

	lastProgress float64
	logged       int
	logCapped    bool
}

// Run executes the job to completion. The returned error is nil once the job
// is completed; a context error when cancelled or shut down mid-flight;
// jobstore.ErrInvalidState when the job turned terminal underneath the run;
// otherwise a classified *jobs.Error for the worker to act on.
func (p *Pipeline) Run(ctx context.Context, job *jobs.Job) error {
	if job.Status.Terminal() {
		return jobstore.ErrInvalidState
	}
	metrics.PipelineStarted()
	defer metrics.PipelineDone()

	r := &run{p: p, job: job, stem: job.Origin.Stem(), lastProgress: job.Progress}

	dir, err := p.files.AllocateWorkspace(job.ID)
	if err != nil {
		if errors.Is(err, artifacts.ErrExhausted) {
			return jobs.Wrap(jobs.CodeInternalError, "workspace allocation failed", err).Retryable()
		}
		return jobs.Wrap(jobs.CodeInternalError, "workspace allocation failed", err)
	}
	r.dir = dir
	r.restore()

	for _, st := range stages {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.cur = st
		if err := r.enterStage(ctx, st); err != nil {
			return err
		}
		if st.name != jobs.StageFinalize && r.isDone(st.name) {
			r.tick(ctx, 1)
			continue
		}
		if err := r.runStage(ctx, st); err != nil {
			return err
		}
		if st.name != jobs.StageFinalize {
			r.markDone(st.name)
			r.tick(ctx, 1)
		}
	}
	return nil
}

// enterStage records the status and stage transition. The same-status case is
// a legal self-transition, so re-entering stages on resume keeps the ladder
// intact.
func (r *run) enterStage(ctx context.Context, st stageSpec) error {
	return r.update(ctx, jobs.Patch{
		Status: jobs.StatusPtr(st.status),
		Stage:  jobs.StringPtr(st.name),
	})
}

// runStage applies the per-stage deadline and classifies a breach as a
// stage-specific failure, distinct from job cancellation.
func (r *run) runStage(ctx context.Context, st stageSpec) error {
	stageCtx, cancel := context.WithTimeout(ctx, r.p.opts.StageTimeout)
	defer cancel()

	err := st.fn(r, stageCtx)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return jobs.Ef(stageTimeoutCode(st.name), "stage %s did not finish within %s", st.name, r.p.opts.StageTimeout)
	}
	return err
}

func stageTimeoutCode(stage string) jobs.ErrorCode {
	switch stage {
	case jobs.StageFetch:
		return jobs.CodeFetchFailed
	case jobs.StageResolve:
		return jobs.CodeDependencyResolutionFailed
	case jobs.StageRepack:
		return jobs.CodePackagingFailed
	default:
		return jobs.CodeInternalError
	}
}

// finalize writes the terminal snapshot and releases the workspace. The
// output descriptor was produced by repack, or rebuilt by restore when the
// repack marker survived a crash.
func (r *run) finalize(ctx context.Context) error {
	if r.output == nil {
		return jobs.E(jobs.CodeInternalError, "no output descriptor to finalize")
	}
	err := r.update(ctx, jobs.Patch{
		Status:   jobs.StatusPtr(jobs.StatusCompleted),
		Progress: jobs.Float64Ptr(100),
		Stage:    jobs.StringPtr(jobs.StageFinalize),
		Message:  jobs.StringPtr("repackaging complete"),
		Metadata: r.meta,
		Output:   r.output,
	})
	if err != nil {
		return err
	}
	if rerr := r.p.files.ReleaseWorkspace(r.job.ID); rerr != nil {
		r.p.log.Warn("release workspace", zap.String("job_id", r.job.ID), zap.Error(rerr))
	}
	return nil
}

// update applies a patch and refreshes the local snapshot. ErrInvalidState
// propagates untouched: it means the job turned terminal underneath us.
func (r *run) update(ctx context.Context, patch jobs.Patch) error {
	j, err := r.p.store.Update(ctx, r.job.ID, patch)
	if err != nil {
		return err
	}
	r.job = j
	r.lastProgress = j.Progress
	return nil
}

// tick reports stage-internal progress as a fraction of the current band.
// Only strictly increasing values are stored, which caps event volume.
func (r *run) tick(ctx context.Context, frac float64) {
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	progress := r.cur.lo + (r.cur.hi-r.cur.lo)*frac
	progress = math.Round(progress*10) / 10
	if progress <= r.lastProgress {
		return
	}
	if err := r.update(ctx, jobs.Patch{Progress: jobs.Float64Ptr(progress)}); err != nil {
		r.p.log.Debug("progress update dropped",
			zap.String("job_id", r.job.ID), zap.Error(err))
	}
}

// logLine publishes one line of pipeline or tool output as a log event,
// bounded per run.
func (r *run) logLine(ctx context.Context, line string) {
	if r.p.pub == nil {
		return
	}
	if r.logged >= r.p.opts.MaxLogEvents {
		if !r.logCapped {
			r.logCapped = true
			if err := r.p.pub.Publish(ctx, jobs.LogEvent(r.job.ID, "log output truncated")); err != nil {
				r.p.log.Debug("publish log event", zap.String("job_id", r.job.ID), zap.Error(err))
			}
		}
		return
	}
	r.logged++
	if err := r.p.pub.Publish(ctx, jobs.LogEvent(r.job.ID, line)); err != nil {
		r.p.log.Debug("publish log event", zap.String("job_id", r.job.ID), zap.Error(err))
	}
}

// --- resume markers ---

func (r *run) markerPath(stage string) string {
	return filepath.Join(r.dir, stage+".done")
}

func (r *run) markDone(stage string) {
	if err := os.WriteFile(r.markerPath(stage), nil, 0o600); err != nil {
		r.p.log.Warn("write stage marker",
			zap.String("job_id", r.job.ID), zap.String("stage", stage), zap.Error(err))
	}
}

func (r *run) isDone(stage string) bool {
	_, err := os.Stat(r.markerPath(stage))
	return err == nil
}

// restore validates markers left by an earlier attempt against the artifacts
// they stand for. A marker whose artifact is gone invalidates itself and
// every later marker, so the rerun restarts from the earliest unfinished
// stage. Lost markers never corrupt output; they only repeat work.
func (r *run) restore() {
	if r.isDone(jobs.StageFetch) {
		if _, err := os.Stat(filepath.Join(r.dir, inputName)); err != nil {
			r.wipeFrom(jobs.StageFetch)
			return
		}
	}
	if r.isDone(jobs.StageExtract) {
		meta, stem, err := r.inspect()
		if err != nil {
			r.wipeFrom(jobs.StageExtract)
			return
		}
		r.meta, r.stem = meta, stem
	}
	if r.isDone(jobs.StageResolve) {
		if _, err := os.Stat(filepath.Join(r.dir, pkgDirName, wheelsDirName)); err != nil {
			r.wipeFrom(jobs.StageResolve)
			return
		}
	}
	if r.isDone(jobs.StageRepack) {
		desc, err := r.p.files.Describe(r.job.ID, r.outputName())
		if err != nil {
			r.wipeFrom(jobs.StageRepack)
			return
		}
		r.output = desc
	}
}

// wipeFrom removes the marker for stage and all later stages.
func (r *run) wipeFrom(stage string) {
	wipe := false
	for _, st := range stages {
		if st.name == stage {
			wipe = true
		}
		if wipe {
			os.Remove(r.markerPath(st.name))
		}
	}
}
