package worker

import (
	"context"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/resline/dify-plugin-repackaging-sub000/internal/artifacts"
	"github.com/resline/dify-plugin-repackaging-sub000/internal/jobs"
	"github.com/resline/dify-plugin-repackaging-sub000/internal/jobstore"
	"github.com/resline/dify-plugin-repackaging-sub000/internal/queue"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []jobs.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev jobs.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) all() []jobs.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]jobs.Event(nil), p.events...)
}

// scriptedRunner stands in for the pipeline; fn receives the 1-based call
// count so tests can fail the first attempt and pass the next.
type scriptedRunner struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, job *jobs.Job, call int) error
}

func (r *scriptedRunner) Run(ctx context.Context, job *jobs.Job) error {
	r.mu.Lock()
	r.calls++
	n := r.calls
	fn := r.fn
	r.mu.Unlock()
	return fn(ctx, job, n)
}

func (r *scriptedRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type poolHarness struct {
	store jobstore.Store
	q     *queue.Queue
	files *artifacts.Store
	reg   *Registry
	pub   *recordingPublisher
	pool  *Pool

	cancel context.CancelFunc
	done   chan struct{}
}

var testRetry = RetryConfig{MaxRetries: 2, Base: time.Millisecond, Cap: 2 * time.Millisecond}

func setupPool(t *testing.T, count int, runner Runner) *poolHarness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	logger := zaptest.NewLogger(t)
	pub := &recordingPublisher{}
	files, err := artifacts.New(t.TempDir(), time.Hour, 0, logger)
	require.NoError(t, err)

	h := &poolHarness{
		store: jobstore.New(rdb, pub, time.Hour, logger),
		q:     queue.New(rdb, logger),
		files: files,
		reg:   NewRegistry(),
		pub:   pub,
	}
	h.pool = NewPool(count, testRetry, Deps{
		Queue:    h.q,
		Store:    h.store,
		Runner:   runner,
		Files:    h.files,
		Events:   pub,
		Registry: h.reg,
		Logger:   logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan struct{})
	go func() {
		defer close(h.done)
		_ = h.pool.Run(ctx)
	}()
	t.Cleanup(func() { h.stop(t) })
	return h
}

func (h *poolHarness) stop(t *testing.T) {
	t.Helper()
	h.cancel()
	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not drain")
	}
}

func (h *poolHarness) createAndEnqueue(t *testing.T) *jobs.Job {
	t.Helper()
	ctx := context.Background()
	origin := jobs.Origin{Kind: jobs.OriginURL, URL: "https://plugins.example.com/tool.difypkg"}
	job, err := h.store.Create(ctx, origin, "", "offline", nil)
	require.NoError(t, err)
	require.NoError(t, h.q.Enqueue(ctx, job.ID))
	return job
}

func (h *poolHarness) waitStatus(t *testing.T, jobID string, want jobs.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		j, err := h.store.Get(context.Background(), jobID)
		return err == nil && j.Status == want
	}, 5*time.Second, 10*time.Millisecond, "job never reached %s", want)
}

// walkLadder plays the pipeline's status transitions for tests that only
// care about the pool around it.
func walkLadder(ctx context.Context, store jobstore.Store, id string) error {
	for _, st := range []jobs.Status{jobs.StatusDownloading, jobs.StatusProcessing, jobs.StatusCompleted} {
		if _, err := store.Update(ctx, id, jobs.Patch{Status: jobs.StatusPtr(st)}); err != nil {
			return err
		}
	}
	return nil
}

func TestPool_RunsJobToCompletion(t *testing.T) {
	runner := &scriptedRunner{}
	h := setupPool(t, 1, runner)
	runner.fn = func(ctx context.Context, job *jobs.Job, _ int) error {
		return walkLadder(ctx, h.store, job.ID)
	}

	job := h.createAndEnqueue(t)
	h.waitStatus(t, job.ID, jobs.StatusCompleted)

	require.Eventually(t, func() bool {
		n, err := h.q.Depth(context.Background())
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, runner.callCount())
}

func TestPool_RetriesTransientFailure(t *testing.T) {
	runner := &scriptedRunner{}
	h := setupPool(t, 1, runner)
	runner.fn = func(ctx context.Context, job *jobs.Job, call int) error {
		if call == 1 {
			if _, err := h.store.Update(ctx, job.ID, jobs.Patch{
				Status: jobs.StatusPtr(jobs.StatusDownloading),
			}); err != nil {
				return err
			}
			return jobs.E(jobs.CodeFetchFailed, "mirror connection reset").Retryable()
		}
		return walkLadder(ctx, h.store, job.ID)
	}

	job := h.createAndEnqueue(t)
	h.waitStatus(t, job.ID, jobs.StatusCompleted)
	assert.Equal(t, 2, runner.callCount())

	var sawNotice, sawReset bool
	for _, ev := range h.pub.all() {
		if ev.Kind == jobs.EventLog && strings.Contains(ev.Message, "attempt 1 of 3 failed") {
			sawNotice = true
		}
		if ev.Kind == jobs.EventStatus && ev.Status == jobs.StatusPending && ev.Stage == jobs.StageRetry {
			sawReset = true
			assert.Zero(t, ev.Progress, "the rerun starts from scratch")
		}
	}
	assert.True(t, sawNotice, "retry notice log event published")
	assert.True(t, sawReset, "rerun resets the job to pending")
}

func TestPool_PermanentFailureDoesNotRetry(t *testing.T) {
	runner := &scriptedRunner{}
	h := setupPool(t, 1, runner)
	runner.fn = func(ctx context.Context, job *jobs.Job, _ int) error {
		if _, err := h.store.Update(ctx, job.ID, jobs.Patch{
			Status: jobs.StatusPtr(jobs.StatusDownloading),
		}); err != nil {
			return err
		}
		return jobs.E(jobs.CodeInvalidPackage, "manifest.yaml missing")
	}

	job := h.createAndEnqueue(t)
	h.waitStatus(t, job.ID, jobs.StatusFailed)
	assert.Equal(t, 1, runner.callCount())

	got, err := h.store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.CodeInvalidPackage, got.ErrorCode)
	assert.Equal(t, "manifest.yaml missing", got.Error)
}

func TestPool_RetryBudgetExhausted(t *testing.T) {
	runner := &scriptedRunner{}
	h := setupPool(t, 1, runner)
	runner.fn = func(ctx context.Context, job *jobs.Job, _ int) error {
		return jobs.E(jobs.CodeFetchFailed, "mirror down").Retryable()
	}

	job := h.createAndEnqueue(t)
	h.waitStatus(t, job.ID, jobs.StatusFailed)
	assert.Equal(t, testRetry.MaxRetries+1, runner.callCount())

	got, err := h.store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.CodeFetchFailed, got.ErrorCode)
}

func TestPool_FailureReleasesWorkspace(t *testing.T) {
	runner := &scriptedRunner{}
	h := setupPool(t, 1, runner)
	var wsPath atomic.Value
	runner.fn = func(ctx context.Context, job *jobs.Job, _ int) error {
		dir, err := h.files.AllocateWorkspace(job.ID)
		if err != nil {
			return err
		}
		wsPath.Store(dir)
		return jobs.E(jobs.CodePackagingFailed, "packager exited 1")
	}

	job := h.createAndEnqueue(t)
	h.waitStatus(t, job.ID, jobs.StatusFailed)

	require.Eventually(t, func() bool {
		dir, _ := wsPath.Load().(string)
		if dir == "" {
			return false
		}
		_, err := os.Stat(dir)
		return os.IsNotExist(err)
	}, 2*time.Second, 10*time.Millisecond, "workspace survives a failed job")
}

func TestPool_CancelMidRun(t *testing.T) {
	runner := &scriptedRunner{}
	h := setupPool(t, 1, runner)
	started := make(chan string, 1)
	runner.fn = func(ctx context.Context, job *jobs.Job, _ int) error {
		if _, err := h.store.Update(ctx, job.ID, jobs.Patch{
			Status: jobs.StatusPtr(jobs.StatusDownloading),
		}); err != nil {
			return err
		}
		started <- job.ID
		<-ctx.Done()
		return ctx.Err()
	}

	job := h.createAndEnqueue(t)
	var id string
	select {
	case id = <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}

	// The controller's cancel: terminal store write, then worker signal.
	_, err := h.store.Cancel(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, h.reg.Signal(id), "the owning worker holds the registration")

	h.waitStatus(t, job.ID, jobs.StatusCancelled)
	require.Eventually(t, func() bool {
		n, err := h.q.Depth(context.Background())
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond, "a cancelled job is acked, not requeued")
}

func TestPool_ShutdownRequeuesUnfinished(t *testing.T) {
	runner := &scriptedRunner{}
	h := setupPool(t, 1, runner)
	started := make(chan struct{})
	runner.fn = func(ctx context.Context, job *jobs.Job, _ int) error {
		if _, err := h.store.Update(ctx, job.ID, jobs.Patch{
			Status: jobs.StatusPtr(jobs.StatusDownloading),
		}); err != nil {
			return err
		}
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}

	job := h.createAndEnqueue(t)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}

	h.stop(t)

	// The claim went back to the queue and the job record is untouched, so
	// the next process resumes it.
	depth, err := h.q.Depth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	got, err := h.store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.False(t, got.Status.Terminal())
}

func TestPool_UnknownIDIsDropped(t *testing.T) {
	runner := &scriptedRunner{}
	h := setupPool(t, 1, runner)
	runner.fn = func(ctx context.Context, job *jobs.Job, _ int) error {
		return walkLadder(ctx, h.store, job.ID)
	}

	// An id whose record expired while queued must not wedge the worker.
	require.NoError(t, h.q.Enqueue(context.Background(), "job-ghost"))

	job := h.createAndEnqueue(t)
	h.waitStatus(t, job.ID, jobs.StatusCompleted)
	assert.Equal(t, 1, runner.callCount())
}

func TestPool_ConcurrencyBound(t *testing.T) {
	var cur, peak atomic.Int32
	runner := &scriptedRunner{}
	h := setupPool(t, 2, runner)
	runner.fn = func(ctx context.Context, job *jobs.Job, _ int) error {
		n := cur.Add(1)
		defer cur.Add(-1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		return walkLadder(ctx, h.store, job.ID)
	}

	var ids []string
	for i := 0; i < 4; i++ {
		ids = append(ids, h.createAndEnqueue(t).ID)
	}
	for _, id := range ids {
		h.waitStatus(t, id, jobs.StatusCompleted)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()

	assert.False(t, reg.Signal("job-1"), "unknown job")

	ch, release := reg.Register("job-1")
	assert.True(t, reg.Signal("job-1"))
	select {
	case <-ch:
	default:
		t.Fatal("cancel channel not closed")
	}
	assert.False(t, reg.Signal("job-1"), "second signal is a no-op")
	release()

	// Release after a re-registration must not evict the new owner.
	_, releaseOld := reg.Register("job-2")
	releaseOld()
	chNew, releaseNew := reg.Register("job-2")
	defer releaseNew()
	assert.True(t, reg.Signal("job-2"))
	select {
	case <-chNew:
	default:
		t.Fatal("new registration not signalled")
	}
}

func TestRetryConfig_Backoff(t *testing.T) {
	c := RetryConfig{MaxRetries: 5, Base: 2 * time.Second, Cap: 30 * time.Second}

	for attempt := 0; attempt < 20; attempt++ {
		d := c.backoff(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		ceil := c.Base << uint(min(attempt, 10))
		if ceil > c.Cap || ceil <= 0 {
			ceil = c.Cap
		}
		assert.Less(t, d, ceil, "attempt %d", attempt)
	}
}
