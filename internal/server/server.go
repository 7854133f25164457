// Package server exposes the workflow controller over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ShayCichocki/taskweave/internal/orchestrator"
	"github.com/ShayCichocki/taskweave/pkg/models"
)

// Controller is the subset of orchestrator.Controller the handlers use.
type Controller interface {
	Create(ctx context.Context, spec orchestrator.WorkflowSpec) (string, error)
	Start(ctx context.Context, id string) error
	Recover(ctx context.Context, id string) error
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) (models.WorkflowStatus, error)
	Cancel(ctx context.Context, id string, cancelInFlight bool) error
	Resize(ctx context.Context, id string, n int) (int, error)
	Status(ctx context.Context, id string) (*orchestrator.StatusReport, error)
	List(ctx context.Context) ([]models.WorkflowSummary, error)
	Delete(ctx context.Context, id string, force bool) error
}

// Server serves the HTTP API.
type Server struct {
	ctrl     Controller
	registry *prometheus.Registry
	router   *gin.Engine
}

// New builds the router. registry may be nil, which disables /metrics.
func New(ctrl Controller, registry *prometheus.Registry) *Server {
	s := &Server{
		ctrl:     ctrl,
		registry: registry,
		router:   gin.New(),
	}
	s.router.Use(gin.Recovery())
	s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// routes registers every endpoint.
//
//	POST   /v1/workflows                  create (?start=true also starts it)
//	GET    /v1/workflows                  list
//	GET    /v1/workflows/:id              status report
//	POST   /v1/workflows/:id/start        start (?recover=true forces the owner claim)
//	POST   /v1/workflows/:id/pause
//	POST   /v1/workflows/:id/resume
//	POST   /v1/workflows/:id/cancel       {"cancel_in_flight": bool}
//	POST   /v1/workflows/:id/resize       {"concurrency": n}
//	DELETE /v1/workflows/:id              ?force=true deletes a running workflow
//	GET    /metrics
//	GET    /healthz
func (s *Server) routes() {
	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if s.registry != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	}

	v1 := s.router.Group("/v1/workflows")
	v1.POST("", s.handleCreate)
	v1.GET("", s.handleList)
	v1.GET("/:id", s.handleStatus)
	v1.DELETE("/:id", s.handleDelete)
	v1.POST("/:id/start", s.handleStart)
	v1.POST("/:id/pause", s.handlePause)
	v1.POST("/:id/resume", s.handleResume)
	v1.POST("/:id/cancel", s.handleCancel)
	v1.POST("/:id/resize", s.handleResize)
}

// Run serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[server] listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
