// Package server maps the batch-job HTTP surface onto the repository,
// cache, and processor.
package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mkarlsen/pdfbatch/internal/cache"
	"github.com/mkarlsen/pdfbatch/internal/core"
	"github.com/mkarlsen/pdfbatch/internal/processor"
	"github.com/mkarlsen/pdfbatch/internal/storage"
)

// envelope is the uniform response shape for every endpoint.
type envelope struct {
	Success    bool                `json:"success"`
	Data       any                 `json:"data,omitempty"`
	Error      string              `json:"error,omitempty"`
	Pagination *storage.Pagination `json:"pagination,omitempty"`
}

// Server holds the route dependencies; construct it once and mount Router.
type Server struct {
	repo      *storage.Repository
	store     *cache.Store
	proc      *processor.Processor
	logger    *slog.Logger
	uploadDir string

	engine *gin.Engine
}

// Options configures a Server.
type Options struct {
	Repo      *storage.Repository
	Cache     *cache.Store
	Processor *processor.Processor
	Logger    *slog.Logger
	Resolver  UserResolver
	UploadDir string

	// MaxUploadBytes bounds one multipart request body. Zero means 64MB.
	MaxUploadBytes int64
}

// New builds the gin engine with all batch-job routes registered.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 64 << 20
	}

	s := &Server{
		repo:      opts.Repo,
		store:     opts.Cache,
		proc:      opts.Processor,
		logger:    opts.Logger,
		uploadDir: opts.UploadDir,
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.MaxMultipartMemory = opts.MaxUploadBytes

	api := engine.Group("/api/batch-jobs")
	api.Use(AuthMiddleware(opts.Resolver))
	{
		api.GET("", s.listJobs)
		api.GET("/stats/summary", s.statsSummary)
		api.GET("/:id", s.getJob)
		api.POST("", s.createJob)
		api.PUT("/:id", s.updateJob)
		api.PATCH("/:id/toggle", s.toggleJob)
		api.DELETE("/:id", s.cancelJob)
	}

	s.engine = engine
	return s
}

// Router returns the mountable handler.
func (s *Server) Router() http.Handler { return s.engine }

func respondOK(c *gin.Context, status int, data any) {
	c.JSON(status, envelope{Success: true, Data: data})
}

func respondPage(c *gin.Context, data any, p storage.Pagination) {
	c.JSON(http.StatusOK, envelope{Success: true, Data: data, Pagination: &p})
}

// respondError translates domain errors into the envelope plus an HTTP
// status: validation and transition problems are the caller's fault,
// conflicts are retryable, everything else is internal.
func (s *Server) respondError(c *gin.Context, err error) {
	switch {
	case core.IsValidation(err),
		errors.Is(err, core.ErrInvalidTransition),
		errors.Is(err, core.ErrJobNotEditable),
		errors.Is(err, core.ErrCancelCompleted):
		c.JSON(http.StatusBadRequest, envelope{Success: false, Error: err.Error()})
	case errors.Is(err, core.ErrNotFound):
		c.JSON(http.StatusNotFound, envelope{Success: false, Error: "job not found"})
	case errors.Is(err, core.ErrVersionConflict):
		c.JSON(http.StatusConflict, envelope{Success: false, Error: "job was modified concurrently, retry"})
	case errors.Is(err, processor.ErrQueueFull):
		c.JSON(http.StatusServiceUnavailable, envelope{Success: false, Error: "processing capacity exhausted, retry later"})
	default:
		s.logger.Error("internal error", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, envelope{Success: false, Error: "internal server error"})
	}
}

// invalidateJobCaches drops list and metric reads after any mutation.
func (s *Server) invalidateJobCaches() {
	s.store.InvalidateCategory(cache.CategoryJobs)
	s.store.InvalidateCategory(cache.CategoryMetrics)
}
