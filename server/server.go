// Package server exposes the engine over HTTP: starting runs, listing and
// deciding pending reviews, and inspecting run state.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/deepnoodle-ai/hitlflow"
	"github.com/gin-gonic/gin"
)

const (
	readHeaderTimeout     = 10 * time.Second
	serverShutdownTimeout = 5 * time.Second
)

// Options configures a Server.
type Options struct {
	Engine *hitlflow.Engine
	Logger *slog.Logger

	// PublicURL prefixes the review links handed to reviewers.
	PublicURL string

	// Metrics is served on /metrics when set.
	Metrics http.Handler
}

// Server is the HTTP surface of the engine.
type Server struct {
	engine    *hitlflow.Engine
	logger    *slog.Logger
	publicURL string
	router    *gin.Engine
}

// New builds the router.
func New(opts Options) (*Server, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		engine:    opts.Engine,
		logger:    opts.Logger,
		publicURL: strings.TrimSuffix(opts.PublicURL, "/"),
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(opts.Logger))

	r.GET("/healthz", s.health)
	if opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(opts.Metrics))
	}

	workflow := r.Group("/workflow")
	workflow.POST("/start", s.startRun)
	workflow.GET("/runs", s.listRuns)
	workflow.GET("/runs/:run_id", s.getRun)
	workflow.GET("/runs/:run_id/journal", s.getJournal)
	workflow.POST("/runs/:run_id/recover", s.recoverRun)

	review := r.Group("/human-review")
	review.GET("/pending", s.listPending)
	review.POST("/decision", s.submitDecision)

	s.router = r
	return s, nil
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), serverShutdownTimeout)
	defer cancel()
	s.logger.Info("shutting down server")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return <-errCh
}

func (s *Server) reviewURL(checkpointID string) string {
	return fmt.Sprintf("%s/review/%s", s.publicURL, checkpointID)
}

// LoggerMiddleware logs one line per request.
func LoggerMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path = path + "?" + raw
		}
		c.Next()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status_code", c.Writer.Status(),
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
			"body_size", c.Writer.Size(),
		}
		if errs := c.Errors.ByType(gin.ErrorTypePrivate).String(); errs != "" {
			attrs = append(attrs, "error", errs)
		}
		logger.Info("request completed", attrs...)
	}
}
