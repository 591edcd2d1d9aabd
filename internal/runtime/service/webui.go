package service

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/drblury/procbus/internal/runtime"
	perrors "github.com/drblury/procbus/internal/runtime/errors"
	"github.com/drblury/procbus/internal/runtime/jobs"
	"github.com/drblury/procbus/internal/runtime/logging"
)

// OperatorSession identifies operator API calls in the execution context.
const OperatorSession = "operator"

func init() {
	gin.SetMode(gin.ReleaseMode)
}

// OperatorAPI returns the HTTP handler of the operator API: the registered
// procedures and events, and job inspection and control through the
// scheduler procedures.
func (s *Service) OperatorAPI() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestLogger())
	r.Use(s.cors())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	{
		api.GET("/procedures", s.handleGetProcedures)
		api.GET("/events", s.handleGetEvents)
		api.GET("/stats", s.handleGetStats)

		jobsAPI := api.Group("/jobs")
		{
			jobsAPI.GET("", s.handleListJobs)
			jobsAPI.GET("/:id", s.handleGetJob)
			jobsAPI.POST("/:id/retry", s.handleRetryJob)
			jobsAPI.POST("/:id/terminate", s.handleTerminateJob)
		}
	}
	return r
}

func (s *Service) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.Logger.Debug("HTTP request", logging.LogFields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		})
	}
}

func (s *Service) cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		if origin := s.allowedCORSOrigin(c.GetHeader("Origin")); origin != "" {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// allowedCORSOrigin returns the Access-Control-Allow-Origin value for a
// request origin, empty when it is not allowed.
func (s *Service) allowedCORSOrigin(requestOrigin string) string {
	for _, allowed := range s.Conf.WebUICORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}

func (s *Service) handleGetProcedures(c *gin.Context) {
	c.JSON(http.StatusOK, s.Bus.Procedures())
}

func (s *Service) handleGetEvents(c *gin.Context) {
	c.JSON(http.StatusOK, s.Bus.Events())
}

// Stats summarises the service for the operator API.
type Stats struct {
	Resource   ResourceUsage      `json:"resource"`
	Procedures int                `json:"procedures"`
	Events     int                `json:"events"`
	Jobs       map[jobs.State]int `json:"jobs"`
}

func (s *Service) handleGetStats(c *gin.Context) {
	stats := Stats{
		Resource:   s.resources.Snapshot(),
		Procedures: len(s.Bus.Procedures()),
		Events:     len(s.Bus.Events()),
		Jobs:       make(map[jobs.State]int, len(jobs.States)),
	}
	err := s.withJobs(c, func(cl *jobs.Client) error {
		for _, state := range jobs.States {
			page, err := cl.List(jobs.ListQuery{State: state, Limit: 1})
			if err != nil {
				return err
			}
			stats.Jobs[state] = page.Total
		}
		return nil
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Service) handleListJobs(c *gin.Context) {
	query := jobs.ListQuery{
		State:      jobs.State(c.Query("state")),
		Type:       c.Query("type"),
		LimitClass: c.Query("limitClass"),
	}
	for name, dst := range map[string]*int{"limit": &query.Limit, "offset": &query.Offset} {
		raw := c.Query(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
			return
		}
		*dst = n
	}

	var page jobs.Page
	err := s.withJobs(c, func(cl *jobs.Client) (err error) {
		page, err = cl.List(query)
		return err
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (s *Service) handleGetJob(c *gin.Context) {
	var job *jobs.Job
	err := s.withJobs(c, func(cl *jobs.Client) (err error) {
		job, err = cl.Get(c.Param("id"))
		return err
	})
	if err == nil && job == nil {
		err = perrors.ErrJobNotFound
	}
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Service) handleRetryJob(c *gin.Context) {
	s.controlJob(c, (*jobs.Client).Retry)
}

func (s *Service) handleTerminateJob(c *gin.Context) {
	s.controlJob(c, (*jobs.Client).Terminate)
}

func (s *Service) controlJob(c *gin.Context, op func(*jobs.Client, string) (*jobs.Job, error)) {
	var job *jobs.Job
	err := s.withJobs(c, func(cl *jobs.Client) (err error) {
		job, err = op(cl, c.Param("id"))
		return err
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.Logger.Info("Operator changed job", logging.LogFields{
		"job_id": job.ID,
		"state":  string(job.State),
		"path":   c.FullPath(),
	})
	c.JSON(http.StatusOK, job)
}

// withJobs runs fn in an execution context of its own, so operator
// changes commit independently of each other.
func (s *Service) withJobs(c *gin.Context, fn func(cl *jobs.Client) error) error {
	return s.Bus.Run(c.Request.Context(), func(bc *runtime.Context) error {
		return fn(jobs.NewClient(bc, ""))
	}, runtime.WithSession(OperatorSession), runtime.WithSpanName("procbus.operator"))
}

func (s *Service) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, perrors.ErrJobNotFound):
		status = http.StatusNotFound
	case errors.Is(err, perrors.ErrInvalidJobState):
		status = http.StatusConflict
	case errors.Is(err, perrors.ErrDecode):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.Logger.Error("Operator request failed", err, logging.LogFields{"path": c.Request.URL.Path})
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
