// Package api exposes the HTTP surface: orchestration, streaming (SSE),
// health, and the approval UI endpoints.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/colloquy-ai/colloquy/pkg/approval"
	"github.com/colloquy-ai/colloquy/pkg/orchestrator"
)

// Server is the HTTP front end over the orchestrator and approval store.
type Server struct {
	orch      *orchestrator.Orchestrator
	approvals *approval.Store
	http      *http.Server
}

// NewServer wires the HTTP server. approvals may be nil; the approval
// endpoints then return 503.
func NewServer(addr string, orch *orchestrator.Orchestrator, approvals *approval.Store) *Server {
	s := &Server{orch: orch, approvals: approvals}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/health", s.health)

	v1 := router.Group("/api/v1")
	{
		v1.POST("/orchestrate", s.orchestrate)
		v1.GET("/orchestrate/stream", s.stream)

		v1.GET("/approvals", s.listApprovals)
		v1.GET("/approvals/:id", s.getApproval)
		v1.GET("/approvals/:id/audit", s.getAudit)
		v1.POST("/approvals/:id/approve", s.approve)
		v1.POST("/approvals/:id/deny", s.deny)
	}

	s.http = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	slog.Info("HTTP server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Info("Request handled",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}

func (s *Server) health(c *gin.Context) {
	report := s.orch.Health()
	code := http.StatusOK
	if report.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, report)
}
