// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// ConvertQueue - FFmpeg 视频转换队列工具

package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ZSC714725/convertqueue/internal/events"
	"github.com/ZSC714725/convertqueue/internal/ffmpeg"
	"github.com/ZSC714725/convertqueue/internal/history"
	"github.com/ZSC714725/convertqueue/internal/process"
	"github.com/ZSC714725/convertqueue/internal/queue"
	"github.com/ZSC714725/convertqueue/internal/runner"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// Queue is the job list the API drives
type Queue interface {
	Enqueue(source string) (*queue.Job, error)
	Dequeue(id string) error
	CancelCurrent() bool
	Clear(completedOnly bool) int
	Jobs() []queue.Job
	Get(id string) (queue.Job, error)
	Busy() bool
	CurrentSourcePath() string
	Progress() (runner.Progress, bool)
	Summary() string
}

// Runner exposes the encoder state
type Runner interface {
	Status() runner.Status
	Log() []process.Line
}

// Encoder reports the FFmpeg version
type Encoder interface {
	Version() (ffmpeg.Info, error)
	ReloadVersion(ctx context.Context) error
}

// History lists finished runs
type History interface {
	List(ctx context.Context, limit int) ([]history.Run, error)
}

// Config for the Handler. History may be nil when it is disabled.
type Config struct {
	Queue   Queue
	Runner  Runner
	Encoder Encoder
	Events  *events.Bus
	History History
}

// Handler holds dependencies
type Handler struct {
	queue   Queue
	runner  Runner
	encoder Encoder
	events  *events.Bus
	history History
}

// NewHandler creates API handler
func NewHandler(config Config) *Handler {
	return &Handler{
		queue:   config.Queue,
		runner:  config.Runner,
		encoder: config.Encoder,
		events:  config.Events,
		history: config.History,
	}
}

// NewRouter creates the gin engine serving h under /api/v1
func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), cors.Default())

	v1 := r.Group("/api/v1")
	{
		v1.GET("/jobs", h.ListJobs)
		v1.POST("/jobs", h.AddJob)
		v1.DELETE("/jobs", h.ClearJobs)
		v1.GET("/jobs/:id", h.GetJob)
		v1.DELETE("/jobs/:id", h.DeleteJob)

		v1.GET("/state", h.GetState)
		v1.PUT("/command", h.Command)
		v1.GET("/events", h.Events)
		v1.GET("/report", h.GetReport)
		v1.GET("/history", h.History)

		v1.GET("/encoder", h.Encoder)
		v1.POST("/encoder/reload", h.ReloadEncoder)
	}
	return r
}

func errResp(c *gin.Context, code int, msg, detail string) {
	c.JSON(code, ErrorResponse{Code: code, Message: msg, Detail: detail})
}

// AddJob POST /api/v1/jobs
func (h *Handler) AddJob(c *gin.Context) {
	var req EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errResp(c, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}

	job, err := h.queue.Enqueue(req.SourcePath)
	if err != nil {
		switch {
		case errors.Is(err, queue.ErrJobExists):
			errResp(c, http.StatusConflict, "Source already queued", err.Error())
		case errors.Is(err, queue.ErrUnsupportedFormat):
			errResp(c, http.StatusBadRequest, "Unsupported format", err.Error())
		default:
			errResp(c, http.StatusBadRequest, "Invalid source", err.Error())
		}
		return
	}

	c.JSON(http.StatusOK, job)
}

// ListJobs GET /api/v1/jobs
func (h *Handler) ListJobs(c *gin.Context) {
	c.JSON(http.StatusOK, h.queue.Jobs())
}

// GetJob GET /api/v1/jobs/:id
func (h *Handler) GetJob(c *gin.Context) {
	job, err := h.queue.Get(c.Param("id"))
	if err != nil {
		errResp(c, http.StatusNotFound, "Unknown job ID", err.Error())
		return
	}
	c.JSON(http.StatusOK, job)
}

// DeleteJob DELETE /api/v1/jobs/:id
func (h *Handler) DeleteJob(c *gin.Context) {
	if err := h.queue.Dequeue(c.Param("id")); err != nil {
		errResp(c, http.StatusNotFound, "Unknown job ID", err.Error())
		return
	}
	c.JSON(http.StatusOK, "OK")
}

// ClearJobs DELETE /api/v1/jobs?completed=true
func (h *Handler) ClearJobs(c *gin.Context) {
	completed, err := strconv.ParseBool(c.DefaultQuery("completed", "false"))
	if err != nil {
		errResp(c, http.StatusBadRequest, "Invalid completed flag", err.Error())
		return
	}
	c.JSON(http.StatusOK, ClearResponse{Removed: h.queue.Clear(completed)})
}

// GetState GET /api/v1/state
func (h *Handler) GetState(c *gin.Context) {
	state := State{
		Busy:              h.queue.Busy(),
		CurrentSourcePath: h.queue.CurrentSourcePath(),
		Summary:           h.queue.Summary(),
		Runner:            h.runner.Status(),
	}
	if p, ok := h.queue.Progress(); ok {
		state.Progress = &p
	}
	c.JSON(http.StatusOK, state)
}

// Command PUT /api/v1/command
func (h *Handler) Command(c *gin.Context) {
	var req CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errResp(c, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}

	switch req.Command {
	case "cancel":
		if !h.queue.CancelCurrent() {
			errResp(c, http.StatusConflict, "Nothing is running", "")
			return
		}
	default:
		errResp(c, http.StatusBadRequest, "Unknown command", "Known: cancel")
		return
	}

	c.JSON(http.StatusOK, "OK")
}

// Events GET /api/v1/events?since=N
func (h *Handler) Events(c *gin.Context) {
	since, err := strconv.ParseInt(c.DefaultQuery("since", "0"), 10, 64)
	if err != nil {
		errResp(c, http.StatusBadRequest, "Invalid since", err.Error())
		return
	}
	c.JSON(http.StatusOK, h.events.Since(since))
}

// GetReport GET /api/v1/report
func (h *Handler) GetReport(c *gin.Context) {
	lines := h.runner.Log()

	report := Report{Log: make([][2]string, len(lines))}
	if len(lines) != 0 {
		report.CreatedAt = lines[0].Timestamp.Unix()
	}
	for i, line := range lines {
		report.Log[i] = [2]string{
			line.Timestamp.Format("2006-01-02 15:04:05.000"),
			line.Data,
		}
	}

	c.JSON(http.StatusOK, report)
}

// History GET /api/v1/history?limit=N
func (h *Handler) History(c *gin.Context) {
	if h.history == nil {
		errResp(c, http.StatusNotFound, "History is disabled", "")
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil {
		errResp(c, http.StatusBadRequest, "Invalid limit", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	runs, err := h.history.List(ctx, limit)
	if err != nil {
		errResp(c, http.StatusInternalServerError, "History query failed", err.Error())
		return
	}
	if runs == nil {
		runs = []history.Run{}
	}
	c.JSON(http.StatusOK, runs)
}

// Encoder GET /api/v1/encoder
func (h *Handler) Encoder(c *gin.Context) {
	info, err := h.encoder.Version()
	if err != nil {
		errResp(c, http.StatusInternalServerError, "FFmpeg version unavailable", err.Error())
		return
	}
	c.JSON(http.StatusOK, info)
}

// ReloadEncoder POST /api/v1/encoder/reload
func (h *Handler) ReloadEncoder(c *gin.Context) {
	if err := h.encoder.ReloadVersion(c.Request.Context()); err != nil {
		errResp(c, http.StatusInternalServerError, "Reload failed", err.Error())
		return
	}
	h.Encoder(c)
}
