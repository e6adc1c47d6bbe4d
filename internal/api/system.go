package api

import (
	"context"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/resline/dify-plugin-repackaging-sub000/internal/jobs"
)

// SystemHandler serves the health and capability endpoints.
type SystemHandler struct {
	rdb     *redis.Client
	version string
	logger  *zap.Logger
}

// NewSystemHandler creates a new SystemHandler.
func NewSystemHandler(rdb *redis.Client, version string, logger *zap.Logger) *SystemHandler {
	return &SystemHandler{
		rdb:     rdb,
		version: version,
		logger:  logger.Named("system_handler"),
	}
}

// Health handles GET /healthz. Redis is the only hard dependency; when it is
// unreachable the service can accept nothing, so the endpoint degrades to 503.
func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.rdb.Ping(ctx).Err(); err != nil {
		h.logger.Warn("healthz: redis unreachable", zap.Error(err))
		JSON(w, http.StatusServiceUnavailable, envelope{
			"status":  "unavailable",
			"version": h.version,
			"redis":   "down",
		})
		return
	}
	JSON(w, http.StatusOK, envelope{
		"status":  "ok",
		"version": h.version,
		"redis":   "ok",
	})
}

// Platforms handles GET /platforms: the closed allowlist of pip platform
// tags a create request may target. The empty tag (host-native) is implied.
func (h *SystemHandler) Platforms(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, envelope{
		"platforms":      jobs.SupportedPlatforms(),
		"default_suffix": jobs.DefaultSuffix,
	})
}
