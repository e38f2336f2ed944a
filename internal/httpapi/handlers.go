package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/go-github/v71/github"

	"github.com/opsgrid/intermap/internal/reconcile"
)

// handleGitHubWebhook validates the delivery signature, parses the typed
// event, translates it, and reconciles the result: the repository link
// first, then labels one at a time so the canonical tag ids can ride on
// the issue payloads, then the issues through the repository's auto-sync
// gate, then retirements.
func (s *Server) handleGitHubWebhook(c *gin.Context) {
	payload, err := github.ValidatePayload(c.Request, s.webhookSecret)
	if err != nil {
		s.logger.Warn("webhook signature validation failed", slog.String("error", err.Error()))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid payload"})

		return
	}

	event, err := github.ParseWebHook(github.WebHookType(c.Request), payload)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event"})
		return
	}

	tr, err := s.translator.Translate(event)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if tr.Empty() {
		c.JSON(http.StatusOK, gin.H{"processed": 0})
		return
	}

	ctx := c.Request.Context()

	var processed, created, skipped int

	var repositoryID string

	if tr.Repository != nil {
		out, err := s.dispatcher.Process(ctx, tr.Repository)
		if err != nil {
			s.webhookError(c, "linking repository", err)
			return
		}

		repositoryID = out.Mapping.CanonicalID
		processed++

		if out.Created {
			created++
		}
	}

	tagIDs := make([]string, 0, len(tr.Labels))

	for i := range tr.Labels {
		out, err := s.dispatcher.Process(ctx, &tr.Labels[i])
		if err != nil {
			s.webhookError(c, "reconciling label", err)
			return
		}

		tagIDs = append(tagIDs, out.Mapping.CanonicalID)
		processed++

		if out.Created {
			created++
		}
	}

	if len(tr.Issues) > 0 {
		if len(tagIDs) > 0 {
			for i := range tr.Issues {
				tr.Issues[i].Payload["tag_ids"] = tagIDs
			}
		}

		report, err := s.syncIssues(ctx, repositoryID, tr.Issues)
		if err != nil {
			s.webhookError(c, "reconciling issues", err)
			return
		}

		processed += report.Synced[reconcile.KindIssue]
		created += report.Created
		skipped += report.Skipped
	}

	for _, key := range tr.Retired {
		if err := s.dispatcher.Retire(ctx, key); err != nil {
			s.webhookError(c, "retiring record", err)
			return
		}

		processed++
	}

	resp := gin.H{"processed": processed, "created": created}
	if skipped > 0 {
		resp["skipped"] = skipped
	}

	c.JSON(http.StatusOK, resp)
}

// syncIssues routes issue requests through the repository's auto-sync gate
// and status transitions when the event carried a repository; events
// without one (manual replays) reconcile directly.
func (s *Server) syncIssues(ctx context.Context, repositoryID string, reqs []reconcile.SyncRequest) (*reconcile.AutoSyncReport, error) {
	if repositoryID != "" {
		return s.dispatcher.SyncRepositoryIssues(ctx, repositoryID, reqs)
	}

	outcomes, err := s.dispatcher.ProcessBatch(ctx, reqs)
	if err != nil {
		return nil, err
	}

	report := &reconcile.AutoSyncReport{Synced: make(map[reconcile.EntityKind]int)}
	for _, out := range outcomes {
		if out == nil {
			report.Failed++
			continue
		}

		report.Synced[reconcile.KindIssue]++

		if out.Created {
			report.Created++
		}
	}

	return report, nil
}

func (s *Server) webhookError(c *gin.Context, stage string, err error) {
	s.logger.Error("webhook processing failed",
		slog.String("stage", stage),
		slog.String("error", err.Error()),
	)

	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

// manualSyncRequest is the body of the manual re-sync endpoint.
type manualSyncRequest struct {
	TenantID       string            `json:"tenant_id" binding:"required"`
	OrganizationID string            `json:"organization_id" binding:"required"`
	Kind           string            `json:"kind" binding:"required"`
	SourceID       string            `json:"source_id" binding:"required"`
	CanonicalID    string            `json:"canonical_id"`
	Payload        reconcile.Payload `json:"payload"`
}

// handleManualSync reconciles one external record on demand. The
// integration id comes from the path; the body names the record.
func (s *Server) handleManualSync(c *gin.Context) {
	var body manualSyncRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	kind, err := reconcile.ParseEntityKind(body.Kind)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	req := &reconcile.SyncRequest{
		TenantID:       body.TenantID,
		OrganizationID: body.OrganizationID,
		IntegrationID:  c.Param("id"),
		Kind:           kind,
		SourceID:       body.SourceID,
		CanonicalID:    body.CanonicalID,
		Payload:        body.Payload,
	}

	outcome, err := s.dispatcher.Process(c.Request.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError

		var unknownKind *reconcile.UnknownKindError
		if errors.Is(err, reconcile.ErrInvalidPayload) || errors.As(err, &unknownKind) {
			status = http.StatusUnprocessableEntity
		}

		c.JSON(status, gin.H{"error": err.Error()})

		return
	}

	c.JSON(http.StatusOK, gin.H{
		"mapping_id":   outcome.Mapping.ID,
		"canonical_id": outcome.Mapping.CanonicalID,
		"created":      outcome.Created,
	})
}

// handleStatus reports the integration row and its active mapping counts.
func (s *Server) handleStatus(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	integration, err := s.status.GetIntegration(ctx, id)
	if err != nil {
		if errors.Is(err, reconcile.ErrIntegrationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "integration not found"})
			return
		}

		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})

		return
	}

	counts, err := s.status.CountActiveMappings(ctx, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	mappings := make(map[string]int, len(counts))
	for kind, n := range counts {
		mappings[string(kind)] = n
	}

	resp := gin.H{
		"id":       integration.ID,
		"provider": integration.Provider,
		"active":   integration.IsActive,
		"mappings": mappings,
	}

	if synced, ok := integration.LastSyncedTime(); ok {
		resp["last_synced_at"] = synced.UTC().Format(time.RFC3339)
	}

	c.JSON(http.StatusOK, resp)
}
