// Package httpapi exposes the reconciliation engine over HTTP: a GitHub
// webhook receiver, a manual re-sync endpoint, and integration status.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/opsgrid/intermap/internal/provider"
	"github.com/opsgrid/intermap/internal/reconcile"
)

// Dispatcher is the orchestrator surface the server needs.
type Dispatcher interface {
	Process(ctx context.Context, req *reconcile.SyncRequest) (*reconcile.Outcome, error)
	ProcessBatch(ctx context.Context, reqs []reconcile.SyncRequest) ([]*reconcile.Outcome, error)
	SyncRepositoryIssues(ctx context.Context, repositoryID string, reqs []reconcile.SyncRequest) (*reconcile.AutoSyncReport, error)
	Retire(ctx context.Context, key reconcile.ExternalKey) error
}

// Translator turns a parsed webhook event into sync requests.
type Translator interface {
	Translate(event any) (*provider.Translation, error)
}

// StatusStore serves the read-only status endpoints.
type StatusStore interface {
	GetIntegration(ctx context.Context, id string) (*reconcile.Integration, error)
	CountActiveMappings(ctx context.Context, integrationID string) (map[reconcile.EntityKind]int, error)
}

// Server wires the HTTP routes to the engine.
type Server struct {
	dispatcher    Dispatcher
	translator    Translator
	status        StatusStore
	webhookSecret []byte
	logger        *slog.Logger
	engine        *gin.Engine
}

// NewServer assembles the gin engine and its routes. webhookSecret may be
// empty, which disables signature validation (local development only).
func NewServer(dispatcher Dispatcher, translator Translator, status StatusStore, webhookSecret []byte, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		dispatcher:    dispatcher,
		translator:    translator,
		status:        status,
		webhookSecret: webhookSecret,
		logger:        logger,
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLogger())

	engine.GET("/healthz", s.handleHealth)
	engine.POST("/webhooks/github", s.handleGitHubWebhook)
	engine.POST("/integrations/:id/sync", s.handleManualSync)
	engine.GET("/integrations/:id/status", s.handleStatus)

	s.engine = engine

	return s
}

// Handler returns the http.Handler for serving.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// requestLogger logs one line per request at debug level.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		s.logger.Debug("http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("elapsed", time.Since(start)),
		)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
