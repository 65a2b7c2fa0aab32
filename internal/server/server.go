// Package server exposes the dispatcher over HTTP. Batch progress is streamed
// as server-sent events.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/spigell/jobscore/internal/ai"
	"github.com/spigell/jobscore/internal/dispatch"
	"github.com/spigell/jobscore/internal/jobs"
	"github.com/spigell/jobscore/internal/logger"
)

const shutdownTimeout = 10 * time.Second

// Dispatcher is the scoring surface the server drives.
type Dispatcher interface {
	Start(ctx context.Context, req dispatch.BatchRequest) (<-chan dispatch.Event, error)
	Stop() bool
	Score(ctx context.Context, job ai.ScoreJob, provider ai.Provider) (*ai.ScoreResult, error)
	Status() dispatch.Status
}

// JobStore supplies pending jobs and persists results.
type JobStore interface {
	Pending(ctx context.Context) ([]ai.ScoreJob, error)
	Find(id string) (ai.ScoreJob, error)
	SaveResult(res *ai.ScoreResult) error
}

// Config holds the host defaults applied when a request leaves a field empty.
type Config struct {
	Listen   string
	Resume   string
	Provider ai.Provider
	Sort     dispatch.SortOrder
	MaxBatch int
}

type Server struct {
	cfg        Config
	dispatcher Dispatcher
	store      JobStore
	logger     *zap.Logger
	engine     *gin.Engine
}

func New(cfg Config, d Dispatcher, store JobStore, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(log))

	s := &Server{cfg: cfg, dispatcher: d, store: store, logger: log, engine: engine}

	api := engine.Group("/api")
	api.POST("/batch", s.startBatch)
	api.POST("/batch/stop", s.stopBatch)
	api.GET("/batch/status", s.batchStatus)
	api.POST("/score", s.score)

	return s
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is done, then stops any running batch and shuts down.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", s.cfg.Listen))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.dispatcher.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type batchRequest struct {
	Provider  string `json:"provider"`
	BatchSize *int   `json:"batchSize"`
	Sort      string `json:"sort"`
}

func (s *Server) startBatch(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	provider := s.cfg.Provider
	if strings.TrimSpace(req.Provider) != "" {
		p, err := ai.ParseProvider(req.Provider)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		provider = p
	}

	order := s.cfg.Sort
	if strings.TrimSpace(req.Sort) != "" {
		o, err := dispatch.ParseSortOrder(req.Sort)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		order = o
	}

	maxBatch := s.cfg.MaxBatch
	if req.BatchSize != nil {
		maxBatch = *req.BatchSize
	}

	pending, err := s.store.Pending(c.Request.Context())
	if err != nil {
		s.logger.Error("loading pending jobs", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "loading pending jobs failed"})
		return
	}

	events, err := s.dispatcher.Start(c.Request.Context(), dispatch.BatchRequest{
		Jobs:     pending,
		Resume:   s.cfg.Resume,
		Provider: provider,
		MaxBatch: maxBatch,
		Sort:     order,
	})
	switch {
	case errors.Is(err, dispatch.ErrBatchRunning):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	ctx := c.Request.Context()
	streaming := true
	for ev := range events {
		s.persist(ev)
		if !streaming {
			continue
		}
		if ctx.Err() != nil {
			streaming = false
			continue
		}
		c.SSEvent(string(ev.Type), ev)
		c.Writer.Flush()
	}
}

func (s *Server) persist(ev dispatch.Event) {
	if ev.Type != dispatch.EventScored || ev.ScoreResult == nil {
		return
	}
	if err := s.store.SaveResult(ev.ScoreResult); err != nil {
		s.logger.Error("saving result", zap.String(logger.FieldJob, ev.JobID), zap.Error(err))
	}
}

func (s *Server) stopBatch(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"stopped": s.dispatcher.Stop()})
}

func (s *Server) batchStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.dispatcher.Status())
}

type scoreRequest struct {
	Provider string       `json:"provider"`
	JobID    string       `json:"jobId"`
	Job      *ai.ScoreJob `json:"job"`
}

func (s *Server) score(c *gin.Context) {
	var req scoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	provider, err := ai.ParseProvider(req.Provider)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var job ai.ScoreJob
	switch {
	case req.Job != nil:
		job = *req.Job
	case strings.TrimSpace(req.JobID) != "":
		job, err = s.store.Find(strings.TrimSpace(req.JobID))
		if errors.Is(err, jobs.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "job or jobId is required"})
		return
	}

	if strings.TrimSpace(job.ID) == "" || strings.TrimSpace(job.Description) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "job id and description are required"})
		return
	}
	job.Resume = s.cfg.Resume

	result, err := s.dispatcher.Score(c.Request.Context(), job, provider)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error(), "jobId": job.ID})
		return
	}

	s.persist(dispatch.Event{Type: dispatch.EventScored, JobID: job.ID, ScoreResult: result})
	c.JSON(http.StatusOK, result)
}

func statusFor(err error) int {
	var failover *dispatch.FailoverError
	switch {
	case errors.Is(err, dispatch.ErrProviderNotConfigured):
		return http.StatusBadRequest
	case errors.As(err, &failover):
		return http.StatusBadGateway
	case errors.Is(err, ai.ErrRateLimited), errors.Is(err, dispatch.ErrExhausted):
		return http.StatusTooManyRequests
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)),
		)
	}
}
