package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/resline/dify-plugin-repackaging-sub000/internal/artifacts"
	"github.com/resline/dify-plugin-repackaging-sub000/internal/eventbus"
	"github.com/resline/dify-plugin-repackaging-sub000/internal/jobstore"
	"github.com/resline/dify-plugin-repackaging-sub000/internal/metrics"
	"github.com/resline/dify-plugin-repackaging-sub000/internal/queue"
	"github.com/resline/dify-plugin-repackaging-sub000/internal/worker"
)

// RouterConfig carries the router's collaborators, assembled in main.
type RouterConfig struct {
	Store    jobstore.Store
	Queue    *queue.Queue
	Bus      *eventbus.Bus
	Files    *artifacts.Store
	Registry *worker.Registry
	Redis    *redis.Client
	Logger   *zap.Logger

	// QueueHighWater rejects creates once this many jobs wait unclaimed.
	QueueHighWater int64
	// MaxUploadBytes caps POST /tasks/upload bodies.
	MaxUploadBytes int64
	// Heartbeat is the WebSocket heartbeat interval.
	Heartbeat time.Duration
	// Version is reported by /healthz.
	Version string
}

// NewRouter builds the HTTP surface: task CRUD, the output download, the
// WebSocket progress stream and the system endpoints.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	taskHandler := NewTaskHandler(cfg.Store, cfg.Queue, cfg.Files, cfg.Registry,
		cfg.QueueHighWater, cfg.MaxUploadBytes, cfg.Logger)
	wsHandler := NewWSHandler(cfg.Store, cfg.Bus, cfg.Heartbeat, cfg.Logger)
	systemHandler := NewSystemHandler(cfg.Redis, cfg.Version, cfg.Logger)

	// Tasks
	r.Post("/tasks", taskHandler.Create)
	r.Post("/tasks/marketplace", taskHandler.CreateMarketplace)
	r.Post("/tasks/upload", taskHandler.CreateUpload)
	r.Get("/tasks", taskHandler.List)
	r.Get("/tasks/{id}", taskHandler.Get)
	r.Get("/tasks/{id}/download", taskHandler.Download)
	r.Delete("/tasks/{id}", taskHandler.Cancel)

	// Completed outputs view
	r.Get("/files", taskHandler.ListFiles)

	// Progress stream
	r.Get("/ws/tasks/{id}", wsHandler.ServeWS)

	// System
	r.Get("/healthz", systemHandler.Health)
	r.Get("/platforms", systemHandler.Platforms)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	return r
}
