// Package worker claims queued jobs and drives them through the repackaging
// pipeline. The pool is the only component that moves jobs to failed and the
// only one that acknowledges the queue, so every claimed id ends exactly one
// of three ways: acked after a terminal store state, acked after recording a
// failure, or requeued on shutdown with its workspace kept for resume.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/resline/dify-plugin-repackaging-sub000/internal/artifacts"
	"github.com/resline/dify-plugin-repackaging-sub000/internal/jobs"
	"github.com/resline/dify-plugin-repackaging-sub000/internal/jobstore"
	"github.com/resline/dify-plugin-repackaging-sub000/internal/metrics"
	"github.com/resline/dify-plugin-repackaging-sub000/internal/queue"
)

const (
	// settleTimeout bounds the store and queue writes that finish a job
	// after its run context is already dead.
	settleTimeout = 10 * time.Second

	// depthInterval is how often the queue depth gauge refreshes.
	depthInterval = 10 * time.Second
)

// Runner executes one job to completion. The pipeline implements it.
type Runner interface {
	Run(ctx context.Context, job *jobs.Job) error
}

// Deps carries the pool's collaborators.
type Deps struct {
	Queue    *queue.Queue
	Store    jobstore.Store
	Runner   Runner
	Files    *artifacts.Store
	Events   jobstore.Publisher
	Registry *Registry
	Logger   *zap.Logger
}

// Pool runs a fixed number of claim loops against the queue.
type Pool struct {
	count int
	retry RetryConfig
	deps  Deps
	log   *zap.Logger
}

// NewPool sizes the pool at count workers with the given retry policy.
func NewPool(count int, retry RetryConfig, deps Deps) *Pool {
	if count < 1 {
		count = 1
	}
	return &Pool{count: count, retry: retry, deps: deps, log: deps.Logger}
}

// Run blocks until ctx is done and every in-flight job has settled.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.count; i++ {
		id := i
		g.Go(func() error {
			p.loop(ctx, id)
			return nil
		})
	}
	g.Go(func() error {
		p.reportDepth(ctx)
		return nil
	})
	return g.Wait()
}

func (p *Pool) loop(ctx context.Context, id int) {
	log := p.log.With(zap.Int("worker", id))
	log.Debug("worker started")
	for {
		jobID, err := p.deps.Queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				log.Debug("worker stopped")
				return
			}
			log.Warn("dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		p.handle(ctx, log, jobID)
	}
}

// handle owns one claimed job id from registration to settlement.
func (p *Pool) handle(ctx context.Context, log *zap.Logger, jobID string) {
	cancelCh, release := p.deps.Registry.Register(jobID)
	defer release()

	job, err := p.deps.Store.Get(ctx, jobID)
	if errors.Is(err, jobstore.ErrNotFound) {
		// The record expired while the id sat in the queue.
		p.ack(ctx, jobID)
		return
	}
	if err != nil {
		log.Warn("load claimed job", zap.String("job_id", jobID), zap.Error(err))
		p.nack(ctx, jobID)
		return
	}
	if job.Tombstone || job.Status.Terminal() {
		p.cleanup(jobID)
		p.ack(ctx, jobID)
		return
	}

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-cancelCh:
			cancel()
		case <-jobCtx.Done():
		}
	}()

	log.Info("job claimed",
		zap.String("job_id", jobID), zap.String("origin", string(job.Origin.Kind)))
	start := time.Now()
	runErr := p.runWithRetry(jobCtx, log, jobID)
	p.settle(ctx, log, jobID, start, runErr)
}

// runWithRetry reruns transient failures up to the retry budget. Each rerun
// resets the job to pending so the status ladder replays cleanly; the
// pipeline's workspace markers keep finished stages from repeating.
func (p *Pool) runWithRetry(ctx context.Context, log *zap.Logger, jobID string) error {
	for attempt := 0; ; attempt++ {
		job, err := p.normalize(ctx, jobID)
		if err != nil {
			return err
		}
		err = p.deps.Runner.Run(ctx, job)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !jobs.IsTransient(err) || attempt >= p.retry.MaxRetries {
			return err
		}

		p.publishLog(ctx, jobID, fmt.Sprintf("attempt %d of %d failed: %s; retrying",
			attempt+1, p.retry.MaxRetries+1, jobs.MessageOf(err)))
		delay := p.retry.backoff(attempt)
		log.Info("retrying job",
			zap.String("job_id", jobID),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// normalize loads the job and resets a mid-flight status back to pending.
// Requeued jobs from a previous process arrive as downloading or processing.
func (p *Pool) normalize(ctx context.Context, jobID string) (*jobs.Job, error) {
	job, err := p.deps.Store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Tombstone || job.Status.Terminal() {
		return nil, jobstore.ErrInvalidState
	}
	if job.Status == jobs.StatusPending {
		return job, nil
	}
	return p.deps.Store.Update(ctx, jobID, jobs.Patch{
		Status:   jobs.StatusPtr(jobs.StatusPending),
		Progress: jobs.Float64Ptr(0),
		Stage:    jobs.StringPtr(jobs.StageRetry),
	})
}

// settle finishes a claimed job: ack on any terminal outcome, requeue when
// the pool is shutting down with the job unfinished. Runs on a fresh context
// so a dead run context cannot strand the queue entry.
func (p *Pool) settle(ctx context.Context, log *zap.Logger, jobID string, start time.Time, runErr error) {
	sctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	if runErr == nil {
		metrics.JobFinished(string(jobs.StatusCompleted), time.Since(start))
		log.Info("job completed",
			zap.String("job_id", jobID), zap.Duration("took", time.Since(start)))
		p.cleanup(jobID)
		p.ack(sctx, jobID)
		return
	}

	// The store is authoritative: the job may have turned terminal
	// underneath the run via cancel.
	if j, err := p.deps.Store.Get(sctx, jobID); err == nil && (j.Tombstone || j.Status.Terminal()) {
		metrics.JobFinished(string(j.Status), time.Since(start))
		log.Info("job settled terminal",
			zap.String("job_id", jobID), zap.String("status", string(j.Status)))
		p.cleanup(jobID)
		p.ack(sctx, jobID)
		return
	}

	if ctx.Err() != nil {
		// Shutdown with the job unfinished: hand it to the next process
		// and keep the workspace so finished stages resume.
		log.Info("requeueing unfinished job", zap.String("job_id", jobID))
		p.nack(sctx, jobID)
		return
	}

	msg := jobs.MessageOf(runErr)
	code := jobs.CodeOf(runErr)
	if _, err := p.deps.Store.Update(sctx, jobID, jobs.Patch{
		Status:    jobs.StatusPtr(jobs.StatusFailed),
		Error:     jobs.StringPtr(msg),
		ErrorCode: jobs.ErrorCodePtr(code),
	}); err != nil && !errors.Is(err, jobstore.ErrInvalidState) {
		log.Error("record job failure", zap.String("job_id", jobID), zap.Error(err))
	}
	metrics.JobFinished(string(jobs.StatusFailed), time.Since(start))
	log.Warn("job failed",
		zap.String("job_id", jobID), zap.String("code", string(code)), zap.Error(runErr))
	p.cleanup(jobID)
	p.ack(sctx, jobID)
}

// cleanup drops the workspace and any unclaimed upload. Both are idempotent.
func (p *Pool) cleanup(jobID string) {
	if err := p.deps.Files.ReleaseWorkspace(jobID); err != nil {
		p.log.Warn("release workspace", zap.String("job_id", jobID), zap.Error(err))
	}
	if err := p.deps.Files.DiscardUpload(jobID); err != nil {
		p.log.Warn("discard upload", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (p *Pool) ack(ctx context.Context, jobID string) {
	if err := p.deps.Queue.Ack(ctx, jobID); err != nil {
		p.log.Warn("ack job", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (p *Pool) nack(ctx context.Context, jobID string) {
	if err := p.deps.Queue.Nack(ctx, jobID, true); err != nil {
		p.log.Warn("requeue job", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (p *Pool) publishLog(ctx context.Context, jobID, line string) {
	if p.deps.Events == nil {
		return
	}
	if err := p.deps.Events.Publish(ctx, jobs.LogEvent(jobID, line)); err != nil {
		p.log.Debug("publish retry notice", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (p *Pool) reportDepth(ctx context.Context) {
	t := time.NewTicker(depthInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n, err := p.deps.Queue.Depth(ctx); err == nil {
				metrics.SetQueueDepth(n)
			}
		}
	}
}
