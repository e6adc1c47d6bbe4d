package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/resline/dify-plugin-repackaging-sub000/internal/eventbus"
	"github.com/resline/dify-plugin-repackaging-sub000/internal/jobs"
	"github.com/resline/dify-plugin-repackaging-sub000/internal/jobstore"
	"github.com/resline/dify-plugin-repackaging-sub000/internal/websocket"
)

// WSHandler handles GET /ws/tasks/{id}: the progress stream for one job.
// Clients may pass ?since_seq=N to resume after the last event they saw;
// retained events after that cursor replay before live ones.
//
// Refusals happen after the protocol upgrade, as close frames: a browser
// WebSocket cannot read an HTTP error body, but it does surface the close
// code and reason.
type WSHandler struct {
	store     jobstore.Store
	bus       *eventbus.Bus
	heartbeat time.Duration
	logger    *zap.Logger
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(store jobstore.Store, bus *eventbus.Bus, heartbeat time.Duration, logger *zap.Logger) *WSHandler {
	return &WSHandler{
		store:     store,
		bus:       bus,
		heartbeat: heartbeat,
		logger:    logger.Named("ws_handler"),
	}
}

// ServeWS upgrades the connection, attaches a subscription for the job and
// pumps events until the terminal frame. The handler blocks until the
// connection closes.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sinceSeq, _ := strconv.ParseInt(r.URL.Query().Get("since_seq"), 10, 64)
	if sinceSeq < 0 {
		sinceSeq = 0
	}

	conn, err := websocket.Upgrade(w, r)
	if err != nil {
		// The upgrader already wrote the HTTP error.
		h.logger.Warn("ws: upgrade failed", zap.String("job_id", id), zap.Error(err))
		return
	}

	job, err := h.store.Get(r.Context(), id)
	if err != nil {
		if !errors.Is(err, jobstore.ErrNotFound) {
			h.logger.Error("ws: load job", zap.String("job_id", id), zap.Error(err))
		}
		websocket.CloseWith(conn, websocket.ClosePolicyViolation, "job not found")
		return
	}

	sub, err := h.bus.Subscribe(r.Context(), id, sinceSeq)
	if err != nil {
		switch {
		case errors.Is(err, eventbus.ErrTooManySubscribers):
			websocket.CloseWith(conn, websocket.CloseTryAgainLater, "too many subscribers")
		default:
			h.logger.Error("ws: subscribe", zap.String("job_id", id), zap.Error(err))
			websocket.CloseWith(conn, websocket.CloseInternalServerErr, "subscription failed")
		}
		return
	}

	// A job that finished before the client connected may have nothing
	// left to replay; the client pump synthesizes the terminal frame from
	// this snapshot if the bus stays silent.
	var fallback *jobs.Event
	if job.Status.Terminal() {
		ev := jobs.StatusEvent(job)
		fallback = &ev
	}

	h.logger.Info("ws: client connected",
		zap.String("job_id", id),
		zap.String("remote_addr", r.RemoteAddr),
		zap.Int64("since_seq", sinceSeq),
	)

	websocket.NewClient(conn, sub, h.heartbeat, fallback, h.logger).Run()

	h.logger.Info("ws: client disconnected",
		zap.String("job_id", id),
		zap.String("remote_addr", r.RemoteAddr),
	)
}
