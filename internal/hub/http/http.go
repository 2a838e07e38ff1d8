// Package http exposes the hub task event streams over HTTP server-sent events.
package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"github.com/slok/taskstream/internal/event"
	"github.com/slok/taskstream/internal/hub"
	"github.com/slok/taskstream/internal/log"
	"github.com/slok/taskstream/internal/model"
	"github.com/slok/taskstream/internal/storage"
	"github.com/slok/taskstream/internal/transport/sse"
)

const (
	// DefaultHeartbeatInterval is the interval between keep alive comments on idle streams.
	DefaultHeartbeatInterval = 30 * time.Second

	defaultPageLimit = 500
	maxPageLimit     = 1000

	rateLimitWindow = time.Minute

	// legacyErrorLabel was used for task errors before task_error, it collides
	// with the error handling of browser event sources.
	legacyErrorLabel = "error"
)

// HandlerConfig is the configuration of the HTTP handler.
type HandlerConfig struct {
	Hub               *hub.Hub
	HeartbeatInterval time.Duration
	// RateLimit is the number of requests per minute allowed for each client
	// IP, disabled when zero.
	RateLimit int
	Logger    log.Logger
}

func (c *HandlerConfig) defaults() error {
	if c.Hub == nil {
		return fmt.Errorf("hub is required")
	}

	if c.RateLimit < 0 {
		return fmt.Errorf("rate limit can't be negative")
	}

	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "hub.HTTP"})

	return nil
}

type handler struct {
	hub       *hub.Hub
	heartbeat time.Duration
	logger    log.Logger
}

// NewHandler returns the HTTP handler of the task event streams.
func NewHandler(cfg HandlerConfig) (http.Handler, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	h := handler{
		hub:       cfg.Hub,
		heartbeat: cfg.HeartbeatInterval,
		logger:    cfg.Logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if cfg.RateLimit > 0 {
		r.Use(httprate.Limit(
			cfg.RateLimit,
			rateLimitWindow,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Retry-After", strconv.Itoa(int(rateLimitWindow.Seconds())))
				writeError(w, http.StatusTooManyRequests, fmt.Errorf("rate limit exceeded"))
			}),
		))
	}
	r.Get("/api/v1/codegen/{taskID}/stream", h.stream)
	r.Get("/api/v1/codegen/{taskID}/log", h.eventLog)

	return r, nil
}

func (h handler) stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	taskID := chi.URLParam(r, "taskID")
	if err := model.ValidateTaskID(taskID); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	cursor := model.Cursor(r.URL.Query().Get(sse.ResumeQueryParam))
	if cursor.IsZero() {
		cursor = model.Cursor(r.Header.Get("Last-Event-ID"))
	}
	lastPos, err := storage.CursorPosition(cursor)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming not supported"))
		return
	}

	replay, sub, err := h.hub.Subscribe(ctx, taskID, cursor)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer sub.Close()

	logger := h.logger.WithValues(log.Kv{"task-id": taskID})
	logger.Debugf("Stream subscribed (resume: %q, replay: %d)", cursor, len(replay))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// write returns true when the stream must end.
	write := func(f event.Frame) bool {
		pos, err := storage.CursorPosition(f.Cursor)
		if err != nil || pos <= lastPos {
			return false
		}
		lastPos = pos

		if f.Label == legacyErrorLabel {
			f.Label = string(event.KindTaskError)
		}
		if err := sse.WriteFrame(w, f); err != nil {
			logger.Debugf("Could not write frame: %s", err)
			return true
		}
		flusher.Flush()

		return event.Kind(f.Label) == event.KindDone
	}

	for _, f := range replay {
		if write(f) {
			return
		}
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-sub.Events():
			if !ok {
				// Dropped for lagging, the client resumes from its last cursor.
				logger.Warningf("Closing lagged stream")
				return
			}
			if write(f) {
				return
			}
		case <-ticker.C:
			if err := sse.WriteComment(w, "heartbeat"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

type eventLogResponse struct {
	TaskID      string          `json:"task_id"`
	TotalEvents int64           `json:"total_events"`
	Events      []eventResponse `json:"events"`
	HasMore     bool            `json:"has_more"`
}

type eventResponse struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (h handler) eventLog(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if err := model.ValidateTaskID(taskID); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	limit, err := queryInt(r, "limit", defaultPageLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	limit = min(limit, maxPageLimit)

	frames, total, err := h.hub.Events(r.Context(), taskID, offset, limit)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, model.ErrNotValid) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err)
		return
	}

	resp := eventLogResponse{
		TaskID:      taskID,
		TotalEvents: total,
		Events:      make([]eventResponse, 0, len(frames)),
		HasMore:     offset < total && limit < total-offset,
	}
	for _, f := range frames {
		label := f.Label
		if label == legacyErrorLabel {
			label = string(event.KindTaskError)
		}

		data := json.RawMessage(f.Data)
		if !json.Valid(data) {
			data, _ = json.Marshal(string(f.Data))
		}
		resp.Events = append(resp.Events, eventResponse{ID: f.Cursor.String(), Type: label, Data: data})
	}

	writeJSON(w, http.StatusOK, resp)
}

func queryInt(r *http.Request, key string, def int64) (int64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}

	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil || i < 0 {
		return 0, fmt.Errorf("%s must be a positive integer: %w", key, model.ErrNotValid)
	}

	return i, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
