// Package admin serves health probes, metrics and task maintenance over HTTP.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tasksched/internal/runtime/supervisor"
	"tasksched/internal/task"
	"tasksched/internal/task/engine"
	logx "tasksched/pkg/logx"
)

// Queue is the part of engine.Queue the admin routes drive.
type Queue interface {
	ScheduleKind(ctx context.Context, kind string, payload json.RawMessage, when engine.When) (uuid.UUID, error)
	RunningTasks() int
	PendingTasks() int
	Ready() bool
	DeleteQueued(ctx context.Context, id uuid.UUID) (bool, error)
	ClearAll(ctx context.Context) (int64, error)
	ClearAllWithStatus(ctx context.Context, status task.Status) (int64, error)
	ClearAllWithKind(ctx context.Context, kind string) (int64, error)
}

// Store is what readiness and stats need from storage.
type Store interface {
	Ping(ctx context.Context) error
	CountByStatus(ctx context.Context) (map[task.Status]int64, error)
}

type Options struct {
	Queue    Queue
	Store    Store
	Gatherer prometheus.Gatherer
	// Stats lists supervised goroutines for /debug/goroutines. Optional.
	Stats func() []supervisor.Stats
	Log   logx.Logger

	// Token guards the task and debug routes when set.
	Token string
	// Pprof mounts net/http/pprof under /debug/pprof.
	Pprof bool

	ProbeTimeout time.Duration
}

// AddTaskRequest is the body of POST /tasks.
type AddTaskRequest struct {
	Kind    string          `json:"kind" binding:"required,max=128"`
	Payload json.RawMessage `json:"payload"`
	Delay   string          `json:"delay" binding:"omitempty,duration"`
	At      *time.Time      `json:"at"`
}

// ClearQuery selects the rows of DELETE /tasks. At most one filter is set.
type ClearQuery struct {
	Status string `form:"status" binding:"omitempty,task_status"`
	Kind   string `form:"kind" binding:"omitempty,max=128"`
}

var registerOnce sync.Once

func registerValidations() {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
			d, err := time.ParseDuration(fl.Field().String())
			return err == nil && d >= 0
		})
		_ = v.RegisterValidation("task_status", func(fl validator.FieldLevel) bool {
			_, err := task.ParseStatus(fl.Field().String())
			return err == nil
		})
	})
}

// NewRouter builds the gin engine. gin's mode is left to the caller.
func NewRouter(o Options) *gin.Engine {
	registerValidations()
	if o.Log.IsZero() {
		o.Log = logx.Nop()
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 2 * time.Second
	}
	if o.Gatherer == nil {
		o.Gatherer = prometheus.DefaultGatherer
	}
	h := &handlers{o: o, log: o.Log.With(logx.String("comp", "admin"))}

	r := gin.New()
	r.Use(gin.Recovery(), h.accessLog)

	r.GET("/liveness", h.liveness)
	r.GET("/readiness", h.readiness)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(o.Gatherer, promhttp.HandlerOpts{})))

	auth := requireToken(o.Token)
	debug := r.Group("/debug", auth)
	debug.GET("/goroutines", h.goroutines)
	if o.Pprof {
		mountPprof(debug)
	}

	tasks := r.Group("/tasks", auth)
	tasks.GET("/running", h.running)
	tasks.GET("/stats", h.stats)
	tasks.POST("", h.addTask)
	tasks.DELETE("", h.clear)
	tasks.DELETE("/:id", h.deleteTask)
	return r
}

type handlers struct {
	o   Options
	log logx.Logger
}

func (h *handlers) accessLog(c *gin.Context) {
	start := time.Now()
	c.Next()
	status := c.Writer.Status()
	fields := []logx.Field{
		logx.String("method", c.Request.Method),
		logx.String("path", c.FullPath()),
		logx.Int("status", status),
		logx.Duration("took", time.Since(start)),
	}
	if status >= http.StatusInternalServerError {
		h.log.Warn("admin request failed", fields...)
		return
	}
	h.log.Debug("admin request", fields...)
}

func (h *handlers) liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *handlers) readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.o.ProbeTimeout)
	defer cancel()
	if err := h.o.Store.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "store unavailable", "error": err.Error()})
		return
	}
	if !h.o.Queue.Ready() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *handlers) goroutines(c *gin.Context) {
	if h.o.Stats == nil {
		c.JSON(http.StatusOK, gin.H{"goroutines": []supervisor.Stats{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"goroutines": h.o.Stats()})
}

func (h *handlers) running(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"running": h.o.Queue.RunningTasks(),
		"pending": h.o.Queue.PendingTasks(),
	})
}

func (h *handlers) stats(c *gin.Context) {
	counts, err := h.o.Store.CountByStatus(c.Request.Context())
	if err != nil {
		h.internal(c, "count tasks", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": counts})
}

func (h *handlers) addTask(c *gin.Context) {
	var req AddTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	when := engine.Now()
	switch {
	case req.At != nil:
		when = engine.At(*req.At)
	case req.Delay != "":
		d, _ := time.ParseDuration(req.Delay)
		when = engine.In(d)
	}

	id, err := h.o.Queue.ScheduleKind(c.Request.Context(), strings.TrimSpace(req.Kind), req.Payload, when)
	switch {
	case errors.Is(err, engine.ErrUnknownKind):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	case errors.Is(err, engine.ErrRecurringTask):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case errors.Is(err, engine.ErrStopping):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	case err != nil:
		var syn *json.SyntaxError
		var typ *json.UnmarshalTypeError
		if errors.As(err, &syn) || errors.As(err, &typ) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.internal(c, "schedule task", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id.String()})
}

func (h *handlers) clear(c *gin.Context) {
	var q ClearQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if q.Status != "" && q.Kind != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "status and kind are exclusive"})
		return
	}

	ctx := c.Request.Context()
	var (
		n   int64
		err error
	)
	switch {
	case q.Status != "":
		st, _ := task.ParseStatus(q.Status)
		n, err = h.o.Queue.ClearAllWithStatus(ctx, st)
	case q.Kind != "":
		n, err = h.o.Queue.ClearAllWithKind(ctx, q.Kind)
	default:
		n, err = h.o.Queue.ClearAll(ctx)
	}
	if err != nil {
		h.internal(c, "clear tasks", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

func (h *handlers) deleteTask(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	ok, err := h.o.Queue.DeleteQueued(c.Request.Context(), id)
	if err != nil {
		h.internal(c, "delete task", err)
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) internal(c *gin.Context, op string, err error) {
	h.log.Error(op+" failed", logx.Err(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
