// Package httpapi exposes an engine over HTTP with gin.
package httpapi

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/deepnoodle-ai/worldflow"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Options configures a Server
type Options struct {
	Engine *worldflow.Engine
	Logger *slog.Logger

	// Gatherer serves GET /metrics. Defaults to the default registry.
	Gatherer prometheus.Gatherer

	// KeepAlive is the interval of comment lines on idle progress streams.
	// Zero disables them.
	KeepAlive time.Duration
}

// Server handles run requests for one engine. Runs outlive the request that
// started them: a client that disconnects does not cancel its run.
type Server struct {
	engine    *worldflow.Engine
	logger    *slog.Logger
	gatherer  prometheus.Gatherer
	keepAlive time.Duration
	router    *gin.Engine
}

// New creates a server
func New(opts Options) (*Server, error) {
	if opts.Engine == nil {
		return nil, errors.New("engine is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		engine:    opts.Engine,
		logger:    opts.Logger,
		gatherer:  opts.Gatherer,
		keepAlive: opts.KeepAlive,
	}
	s.router = s.routes()
	return s, nil
}

// Handler returns the HTTP handler of the server
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errs := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		errs <- srv.ListenAndServe()
	}()
	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	runs := router.Group("/runs")
	runs.GET("", s.listRuns)
	runs.POST("", s.startRun)
	runs.GET("/:id", s.getRun)
	runs.DELETE("/:id", s.cancelRun)
	runs.POST("/:id/start", s.startRun)
	runs.POST("/:id/continue", s.continueRun)
	runs.GET("/:id/progress", s.progress)
	runs.GET("/:id/stream", s.stream)
	return router
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}
