package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/resline/dify-plugin-repackaging-sub000/internal/artifacts"
	"github.com/resline/dify-plugin-repackaging-sub000/internal/jobs"
	"github.com/resline/dify-plugin-repackaging-sub000/internal/jobstore"
	"github.com/resline/dify-plugin-repackaging-sub000/internal/metrics"
	"github.com/resline/dify-plugin-repackaging-sub000/internal/queue"
	"github.com/resline/dify-plugin-repackaging-sub000/internal/worker"
)

const (
	defaultListLimit = 20

	// multipartFormOverhead is headroom on top of the upload cap for the
	// multipart framing and the small form fields.
	multipartFormOverhead = 1 << 20

	// multipartMemory is how much of a parsed upload stays in memory
	// before spilling to a temp file.
	multipartMemory = 32 << 20
)

// TaskHandler groups the task admission and read handlers. Creation runs the
// same path for every origin: validate, check backpressure, insert the job,
// stage the upload when there is one, enqueue.
type TaskHandler struct {
	store     jobstore.Store
	queue     *queue.Queue
	files     *artifacts.Store
	registry  *worker.Registry
	highWater int64
	maxUpload int64
	logger    *zap.Logger
}

// NewTaskHandler creates a new TaskHandler.
func NewTaskHandler(store jobstore.Store, q *queue.Queue, files *artifacts.Store, registry *worker.Registry, highWater, maxUpload int64, logger *zap.Logger) *TaskHandler {
	return &TaskHandler{
		store:     store,
		queue:     q,
		files:     files,
		registry:  registry,
		highWater: highWater,
		maxUpload: maxUpload,
		logger:    logger.Named("task_handler"),
	}
}

// -----------------------------------------------------------------------------
// Request / response types
// -----------------------------------------------------------------------------

// createTaskRequest is the POST /tasks body. Exactly one of URL and
// Marketplace must be set.
type createTaskRequest struct {
	URL         string                  `json:"url,omitempty"`
	Marketplace *jobs.MarketplacePlugin `json:"marketplace_plugin,omitempty"`
	Platform    string                  `json:"platform,omitempty"`
	Suffix      string                  `json:"suffix,omitempty"`
}

// createMarketplaceRequest is the POST /tasks/marketplace convenience body.
type createMarketplaceRequest struct {
	Author   string `json:"author"`
	Name     string `json:"name"`
	Version  string `json:"version"`
	Platform string `json:"platform,omitempty"`
	Suffix   string `json:"suffix,omitempty"`
}

// createTaskResponse acknowledges an accepted task.
type createTaskResponse struct {
	TaskID string      `json:"task_id"`
	Status jobs.Status `json:"status"`
}

// -----------------------------------------------------------------------------
// Create handlers
// -----------------------------------------------------------------------------

// Create handles POST /tasks.
func (h *TaskHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var origin jobs.Origin
	switch {
	case req.URL != "" && req.Marketplace != nil:
		respondError(w, jobs.E(jobs.CodeInvalidArgument, "url and marketplace_plugin are mutually exclusive"))
		return
	case req.URL != "":
		origin = jobs.Origin{Kind: jobs.OriginURL, URL: req.URL}
	case req.Marketplace != nil:
		origin = jobs.Origin{Kind: jobs.OriginMarketplace, Marketplace: req.Marketplace}
	default:
		respondError(w, jobs.E(jobs.CodeInvalidArgument, "either url or marketplace_plugin is required"))
		return
	}

	job, err := h.admit(r, origin, req.Platform, req.Suffix)
	if err != nil {
		respondError(w, err)
		return
	}
	h.enqueueAndRespond(w, r, job)
}

// CreateMarketplace handles POST /tasks/marketplace.
func (h *TaskHandler) CreateMarketplace(w http.ResponseWriter, r *http.Request) {
	var req createMarketplaceRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	origin := jobs.Origin{
		Kind: jobs.OriginMarketplace,
		Marketplace: &jobs.MarketplacePlugin{
			Author:  req.Author,
			Name:    req.Name,
			Version: req.Version,
		},
	}
	job, err := h.admit(r, origin, req.Platform, req.Suffix)
	if err != nil {
		respondError(w, err)
		return
	}
	h.enqueueAndRespond(w, r, job)
}

// CreateUpload handles POST /tasks/upload: multipart with field "file" plus
// optional "platform" and "suffix" form fields.
func (h *TaskHandler) CreateUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+multipartFormOverhead)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		respondError(w, jobs.Wrap(jobs.CodeInvalidArgument, "invalid multipart form", err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, jobs.E(jobs.CodeInvalidArgument, `multipart field "file" is required`))
		return
	}
	defer file.Close()

	origin := jobs.Origin{
		Kind:           jobs.OriginUpload,
		UploadFilename: filepath.Base(header.Filename),
	}
	job, err := h.admit(r, origin, r.FormValue("platform"), r.FormValue("suffix"))
	if err != nil {
		respondError(w, err)
		return
	}

	if _, err := h.files.StageUpload(job.ID, file, h.maxUpload); err != nil {
		h.logger.Error("stage upload", zap.String("job_id", job.ID), zap.Error(err))
		h.failJob(r, job.ID, err)
		respondError(w, err)
		return
	}
	h.enqueueAndRespond(w, r, job)
}

// admit runs the shared create path: validation, backpressure, insert.
func (h *TaskHandler) admit(r *http.Request, origin jobs.Origin, platform, suffix string) (*jobs.Job, error) {
	ctx := r.Context()

	if suffix == "" {
		suffix = jobs.DefaultSuffix
	}
	if !jobs.ValidSuffix(suffix) {
		return nil, jobs.E(jobs.CodeInvalidArgument, "suffix must match [A-Za-z0-9._-] and be at most 32 characters")
	}
	if !jobs.ValidPlatform(platform) {
		return nil, jobs.Ef(jobs.CodeInvalidArgument, "unsupported platform %q", platform)
	}
	if err := origin.Validate(); err != nil {
		return nil, err
	}

	// Backpressure check runs before the insert so an overloaded service
	// rejects without leaving a job behind.
	depth, err := h.queue.Depth(ctx)
	if err != nil {
		return nil, jobs.Wrap(jobs.CodeInternalError, "queue unavailable", err)
	}
	if depth >= h.highWater {
		return nil, jobs.Ef(jobs.CodeOverloaded, "queue is full (%d waiting)", depth)
	}

	job, err := h.store.Create(ctx, origin, platform, suffix, nil)
	if err != nil {
		return nil, err
	}
	metrics.JobCreated(string(origin.Kind))
	h.logger.Info("task created",
		zap.String("job_id", job.ID),
		zap.String("origin", string(origin.Kind)),
		zap.String("platform", platform),
	)
	return job, nil
}

// enqueueAndRespond hands the job to the broker. An enqueue failure fails the
// job record and still answers 200 with the failed status, so the response
// and a later GET agree.
func (h *TaskHandler) enqueueAndRespond(w http.ResponseWriter, r *http.Request, job *jobs.Job) {
	if err := h.queue.Enqueue(r.Context(), job.ID); err != nil {
		h.logger.Error("enqueue task", zap.String("job_id", job.ID), zap.Error(err))
		h.failJob(r, job.ID, jobs.Wrap(jobs.CodeInternalError, "queue unavailable", err))
		JSON(w, http.StatusOK, createTaskResponse{TaskID: job.ID, Status: jobs.StatusFailed})
		return
	}
	JSON(w, http.StatusOK, createTaskResponse{TaskID: job.ID, Status: job.Status})
}

// failJob records an admission-time failure on the job so clients polling
// GET /tasks/{id} see why nothing ever ran.
func (h *TaskHandler) failJob(r *http.Request, jobID string, cause error) {
	_, err := h.store.Update(r.Context(), jobID, jobs.Patch{
		Status:    jobs.StatusPtr(jobs.StatusFailed),
		Error:     jobs.StringPtr(jobs.MessageOf(cause)),
		ErrorCode: jobs.ErrorCodePtr(jobs.CodeOf(cause)),
	})
	if err != nil {
		h.logger.Error("record admission failure", zap.String("job_id", jobID), zap.Error(err))
	}
}

// -----------------------------------------------------------------------------
// Read handlers
// -----------------------------------------------------------------------------

// Get handles GET /tasks/{id}.
func (h *TaskHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := h.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			respondError(w, jobs.E(jobs.CodeNotFound, "task not found"))
			return
		}
		h.logger.Error("get task", zap.String("job_id", id), zap.Error(err))
		respondError(w, err)
		return
	}
	JSON(w, http.StatusOK, job)
}

// List handles GET /tasks: recent tasks, newest first.
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		respondError(w, err)
		return
	}
	tasks, err := h.store.ListRecent(r.Context(), limit)
	if err != nil {
		h.logger.Error("list tasks", zap.Error(err))
		respondError(w, err)
		return
	}
	JSON(w, http.StatusOK, envelope{"tasks": tasks})
}

// ListFiles handles GET /files: completed tasks with their outputs, newest
// completion first.
func (h *TaskHandler) ListFiles(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		respondError(w, err)
		return
	}
	completed, err := h.store.ListCompleted(r.Context(), limit)
	if err != nil {
		h.logger.Error("list files", zap.Error(err))
		respondError(w, err)
		return
	}
	JSON(w, http.StatusOK, envelope{"files": completed})
}

// Download handles GET /tasks/{id}/download, streaming the retained output.
func (h *TaskHandler) Download(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := h.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			respondError(w, jobs.E(jobs.CodeNotFound, "task not found"))
			return
		}
		h.logger.Error("get task for download", zap.String("job_id", id), zap.Error(err))
		respondError(w, err)
		return
	}
	if job.Status != jobs.StatusCompleted || job.Output == nil {
		respondError(w, jobs.E(jobs.CodeNotFound, "task has no downloadable output"))
		return
	}

	f, err := h.files.OpenOutput(job.ID, job.Output.Filename)
	if err != nil {
		if errors.Is(err, artifacts.ErrNotFound) || errors.Is(err, artifacts.ErrExpired) {
			respondError(w, jobs.E(jobs.CodeNotFound, "output expired or removed"))
			return
		}
		h.logger.Error("open output", zap.String("job_id", id), zap.Error(err))
		respondError(w, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", job.Output.Filename))
	w.Header().Set("Content-Length", strconv.FormatInt(job.Output.SizeBytes, 10))
	if _, err := io.Copy(w, f); err != nil {
		// Client hung up mid-stream; nothing to send anymore.
		h.logger.Debug("stream output", zap.String("job_id", id), zap.Error(err))
	}
}

// Cancel handles DELETE /tasks/{id}. The store transition happens first so
// the terminal event exists before the worker is interrupted.
func (h *TaskHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := h.store.Cancel(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, jobstore.ErrNotFound):
			respondError(w, jobs.E(jobs.CodeNotFound, "task not found"))
		case errors.Is(err, jobstore.ErrInvalidState):
			respondError(w, jobs.E(jobs.CodeInvalidState, "task already finished"))
		default:
			h.logger.Error("cancel task", zap.String("job_id", id), zap.Error(err))
			respondError(w, err)
		}
		return
	}

	if h.registry.Signal(id) {
		h.logger.Info("cancel signalled to worker", zap.String("job_id", id))
	}
	JSON(w, http.StatusOK, createTaskResponse{TaskID: job.ID, Status: job.Status})
}

// parseLimit reads the limit query parameter, defaulting to 20 and capping at
// the store's list maximum.
func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, jobs.E(jobs.CodeInvalidArgument, "limit must be a non-negative integer")
	}
	if n == 0 {
		return defaultListLimit, nil
	}
	if n > jobstore.MaxListLimit {
		return jobstore.MaxListLimit, nil
	}
	return n, nil
}
