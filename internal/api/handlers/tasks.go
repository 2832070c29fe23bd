package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/spendgate/spendgate/internal/services/scheduler"
)

type TaskHandler struct {
	scheduler *scheduler.Scheduler
	upgrader  websocket.Upgrader
	logger    *zap.Logger
}

func NewTaskHandler(s *scheduler.Scheduler, logger *zap.Logger) *TaskHandler {
	return &TaskHandler{
		scheduler: s,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The transport carries no credentials, so cross-origin
			// subscriptions are fine.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Submit godoc
// @Summary Submit a processing task
// @Description Standard and priority tiers are rejected with 409 while the session already holds an active task.
// @Tags Tasks
// @Accept json
// @Produce json
// @Param request body scheduler.SubmitRequest true "Task submission"
// @Success 201 {object} models.ProcessingTask
// @Failure 409 {object} ErrorBody
// @Router /v1/tasks [post]
func (h *TaskHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req scheduler.SubmitRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	task, err := h.scheduler.Submit(r.Context(), req)
	if errors.Is(err, scheduler.ErrSessionBusy) {
		respondError(w, http.StatusConflict, "session_busy", "session already has an active task")
		return
	}
	if err != nil {
		respondError(w, http.StatusBadRequest, "submit_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, task)
}

func taskID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "taskID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "taskID must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

// Get godoc
// @Summary Task status and progress log
// @Tags Tasks
// @Produce json
// @Param taskID path string true "Task ID"
// @Success 200 {object} models.ProcessingTask
// @Failure 404 {object} ErrorBody
// @Router /v1/tasks/{taskID} [get]
func (h *TaskHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}

	task, err := h.scheduler.Get(r.Context(), id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		respondError(w, http.StatusNotFound, "task_missing", "no task "+id.String())
		return
	}
	if err != nil {
		h.logger.Error("task lookup failed", zap.String("task_id", id.String()), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal_error", "task lookup failed")
		return
	}
	respondJSON(w, http.StatusOK, task)
}

// Cancel godoc
// @Summary Cancel an active task
// @Description The in-flight stage finishes; no further stages run. Terminal tasks return 409.
// @Tags Tasks
// @Produce json
// @Param taskID path string true "Task ID"
// @Success 200 {object} map[string]bool
// @Failure 409 {object} ErrorBody
// @Router /v1/tasks/{taskID} [delete]
func (h *TaskHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}

	cancelled, err := h.scheduler.Cancel(r.Context(), id)
	if err != nil {
		h.logger.Error("task cancel failed", zap.String("task_id", id.String()), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal_error", "task cancel failed")
		return
	}
	if !cancelled {
		respondError(w, http.StatusConflict, "task_terminal", "task already finished")
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}

// Stream godoc
// @Summary Stream task progress frames over a websocket
// @Description Replays frames past the cursor, then live frames until the terminal frame closes the stream.
// @Tags Tasks
// @Param taskID path string true "Task ID"
// @Param cursor query int false "Progress-log index already seen (default 0)"
// @Success 101 {string} string "switching protocols"
// @Router /v1/tasks/{taskID}/stream [get]
func (h *TaskHandler) Stream(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	cursor := 0
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			cursor = n
		}
	}

	frames, err := h.scheduler.Stream(r.Context(), id, cursor)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		respondError(w, http.StatusNotFound, "task_missing", "no task "+id.String())
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", "stream open failed")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote its own error response.
		h.logger.Warn("websocket upgrade failed", zap.String("task_id", id.String()), zap.Error(err))
		return
	}
	defer conn.Close()

	for frame := range frames {
		if err := conn.WriteJSON(frame); err != nil {
			h.logger.Debug("progress subscriber gone",
				zap.String("task_id", id.String()),
				zap.Error(err))
			return
		}
	}

	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream complete"))
}
